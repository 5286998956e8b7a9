// Package trigger computes fire times for cron and interval schedules and
// runs a single timer loop that fires them.
package trigger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrUnsupportedKind = errors.New("trigger: unsupported kind")
	ErrInvalidCron     = errors.New("trigger: invalid cron expression")
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
)

// Five or six fields, plus descriptors like @hourly and @every 5m.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextFire returns the first fire time strictly after `after`. Cron
// expressions are evaluated in loc (UTC when nil).
func NextFire(kind, spec string, after time.Time, loc *time.Location) (time.Time, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindCron:
		if loc == nil {
			loc = time.UTC
		}
		sched, err := cronParser.Parse(strings.TrimSpace(spec))
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidCron, err)
		}
		next := sched.Next(after.In(loc))
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("%w: %q never fires", ErrInvalidCron, spec)
		}
		return next, nil
	case KindInterval:
		p, err := ParseInterval(spec)
		if err != nil {
			return time.Time{}, err
		}
		return after.Add(p), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
}

// Validate checks that kind and spec can produce a fire time.
func Validate(kind, spec string) error {
	_, err := NextFire(kind, spec, time.Now(), time.UTC)
	return err
}
