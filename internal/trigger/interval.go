package trigger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidInterval = errors.New("trigger: invalid interval")

var intervalUnits = map[string]time.Duration{
	"weeks":   7 * 24 * time.Hour,
	"days":    24 * time.Hour,
	"hours":   time.Hour,
	"minutes": time.Minute,
	"seconds": time.Second,
}

// ParseInterval accepts the stored JSON form {"hours":2,"minutes":30} or the
// shorthand "hours=2, minutes=30". The total must be positive and fit in a
// time.Duration.
func ParseInterval(spec string) (time.Duration, error) {
	counts, err := intervalCounts(spec)
	if err != nil {
		return 0, err
	}
	var total time.Duration
	for unit, n := range counts {
		if n < 0 {
			return 0, fmt.Errorf("%w: negative %s", ErrInvalidInterval, unit)
		}
		size := intervalUnits[unit]
		if int64(n) > math.MaxInt64/int64(size) {
			return 0, fmt.Errorf("%w: %d %s is too large", ErrInvalidInterval, n, unit)
		}
		part := time.Duration(n) * size
		if total > math.MaxInt64-part {
			return 0, fmt.Errorf("%w: total is too large", ErrInvalidInterval)
		}
		total += part
	}
	if total <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidInterval)
	}
	return total, nil
}

// CanonicalInterval returns the JSON form of spec, which is what gets stored.
func CanonicalInterval(spec string) (string, error) {
	if _, err := ParseInterval(spec); err != nil {
		return "", err
	}
	counts, _ := intervalCounts(spec)
	b, err := json.Marshal(counts)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func intervalCounts(spec string) (map[string]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidInterval)
	}

	counts := map[string]int{}
	if strings.HasPrefix(spec, "{") {
		if err := json.Unmarshal([]byte(spec), &counts); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInterval, err)
		}
	} else {
		for _, part := range strings.Split(spec, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			k, v, ok := strings.Cut(part, "=")
			if !ok {
				return nil, fmt.Errorf("%w: expected unit=count, got %q", ErrInvalidInterval, part)
			}
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidInterval, v)
			}
			counts[strings.TrimSpace(k)] = n
		}
	}
	if len(counts) == 0 {
		return nil, fmt.Errorf("%w: no units", ErrInvalidInterval)
	}
	for unit := range counts {
		if _, ok := intervalUnits[unit]; !ok {
			return nil, fmt.Errorf("%w: unknown unit %q", ErrInvalidInterval, unit)
		}
	}
	return counts, nil
}
