// Package segment describes which recipients a broadcast targets and turns
// that description into a store query.
package segment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidFilter is returned for custom filters that are empty or contain
// comment or statement separators.
var ErrInvalidFilter = errors.New("segment: invalid custom filter")

// Segment is one of AllSubscribed, NoKey, InactiveFor, Donors, CustomFilter
// or Unknown.
type Segment interface {
	Tag() string
	isSegment()
}

type AllSubscribed struct{}

type NoKey struct{}

// InactiveFor selects subscribers without activity during Period.
type InactiveFor struct {
	Period time.Duration
}

type Donors struct{}

// CustomFilter is an admin supplied WHERE fragment. It ignores the
// subscription flag.
type CustomFilter struct {
	Where string
}

// Unknown keeps an unrecognized tag so it can be logged; it resolves as
// AllSubscribed.
type Unknown struct {
	Name string
}

const (
	TagAllSubscribed = "all_subscribed"
	TagNoKey         = "no_key"
	TagInactiveFor   = "inactive_for"
	TagDonors        = "donors"
	TagCustomFilter  = "custom_filter"

	tagInactive30d = "inactive_30d"
	tagCustomSQL   = "custom_sql"
)

// DefaultInactivePeriod applies when inactive_for carries no days.
const DefaultInactivePeriod = 30 * 24 * time.Hour

func (AllSubscribed) Tag() string { return TagAllSubscribed }
func (NoKey) Tag() string         { return TagNoKey }
func (InactiveFor) Tag() string   { return TagInactiveFor }
func (Donors) Tag() string        { return TagDonors }
func (CustomFilter) Tag() string  { return TagCustomFilter }
func (u Unknown) Tag() string     { return u.Name }

func (AllSubscribed) isSegment() {}
func (NoKey) isSegment()         {}
func (InactiveFor) isSegment()   {}
func (Donors) isSegment()        {}
func (CustomFilter) isSegment()  {}
func (Unknown) isSegment()       {}

type wire struct {
	Type  string `json:"type"`
	Days  int    `json:"days,omitempty"`
	Where string `json:"where,omitempty"`
}

// Parse decodes the stored JSON descriptor. A missing type means
// all_subscribed; legacy tags inactive_30d and custom_sql are accepted.
func Parse(b []byte) (Segment, error) {
	s := strings.TrimSpace(string(b))
	if s == "" {
		return AllSubscribed{}, nil
	}
	var w wire
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return nil, fmt.Errorf("segment: decode: %w", err)
	}
	return fromWire(w), nil
}

func fromWire(w wire) Segment {
	switch strings.ToLower(strings.TrimSpace(w.Type)) {
	case "", TagAllSubscribed:
		return AllSubscribed{}
	case TagNoKey:
		return NoKey{}
	case TagInactiveFor, tagInactive30d:
		p := DefaultInactivePeriod
		if w.Days > 0 {
			p = time.Duration(w.Days) * 24 * time.Hour
		}
		return InactiveFor{Period: p}
	case TagDonors:
		return Donors{}
	case TagCustomFilter, tagCustomSQL:
		return CustomFilter{Where: w.Where}
	default:
		return Unknown{Name: w.Type}
	}
}

// Encode returns the JSON descriptor stored with a schedule.
func Encode(seg Segment) ([]byte, error) {
	var w wire
	switch v := seg.(type) {
	case nil, AllSubscribed:
		w.Type = TagAllSubscribed
	case NoKey:
		w.Type = TagNoKey
	case InactiveFor:
		w.Type = TagInactiveFor
		w.Days = int(v.Period / (24 * time.Hour))
		if w.Days <= 0 {
			w.Days = int(DefaultInactivePeriod / (24 * time.Hour))
		}
	case Donors:
		w.Type = TagDonors
	case CustomFilter:
		w.Type = TagCustomFilter
		w.Where = v.Where
	case Unknown:
		w.Type = v.Name
	default:
		return nil, fmt.Errorf("segment: unsupported type %T", seg)
	}
	return json.Marshal(w)
}

// ParseText reads the admin command form:
//
//	all_subscribed
//	no_key
//	donors
//	inactive_for[:days]
//	custom_filter:<where>
//
// A leading '{' is treated as the JSON descriptor.
func ParseText(s string) (Segment, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") {
		return Parse([]byte(s))
	}
	tag, arg, _ := strings.Cut(s, ":")
	tag = strings.ToLower(strings.TrimSpace(tag))
	arg = strings.TrimSpace(arg)

	switch tag {
	case TagInactiveFor, tagInactive30d:
		if arg == "" {
			return InactiveFor{Period: DefaultInactivePeriod}, nil
		}
		days, err := strconv.Atoi(arg)
		if err != nil || days <= 0 {
			return nil, fmt.Errorf("segment: invalid days %q", arg)
		}
		return InactiveFor{Period: time.Duration(days) * 24 * time.Hour}, nil
	case TagCustomFilter, tagCustomSQL:
		return CustomFilter{Where: arg}, nil
	default:
		return fromWire(wire{Type: tag}), nil
	}
}

// Validate rejects custom filters that are empty or contain "--", ";" or "/*".
func Validate(seg Segment) error {
	cf, ok := seg.(CustomFilter)
	if !ok {
		return nil
	}
	w := strings.TrimSpace(cf.Where)
	if w == "" {
		return fmt.Errorf("%w: empty", ErrInvalidFilter)
	}
	for _, bad := range []string{"--", ";", "/*"} {
		if strings.Contains(w, bad) {
			return fmt.Errorf("%w: contains %q", ErrInvalidFilter, bad)
		}
	}
	return nil
}

// Describe renders a short human label, e.g. "inactive_for:30".
func Describe(seg Segment) string {
	switch v := seg.(type) {
	case InactiveFor:
		return fmt.Sprintf("%s:%d", TagInactiveFor, int(v.Period/(24*time.Hour)))
	case CustomFilter:
		return TagCustomFilter + ":" + v.Where
	case nil:
		return TagAllSubscribed
	default:
		return seg.Tag()
	}
}
