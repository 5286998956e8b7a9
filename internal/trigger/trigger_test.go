package trigger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNextFireCronInLocation(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("Europe/Helsinki")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	after := time.Date(2026, 1, 10, 6, 30, 0, 0, time.UTC) // 08:30 in Helsinki
	got, err := NextFire("cron", "0 9 * * *", after, loc)
	if err != nil {
		t.Fatalf("NextFire: %v", err)
	}
	want := time.Date(2026, 1, 10, 9, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("NextFire = %v, want %v", got, want)
	}

	got, err = NextFire("cron", "30 0 9 * * *", after, loc)
	if err != nil {
		t.Fatalf("NextFire (seconds field): %v", err)
	}
	if !got.Equal(want.Add(30 * time.Second)) {
		t.Fatalf("NextFire with seconds = %v", got)
	}
}

func TestNextFireDescriptorsAndErrors(t *testing.T) {
	t.Parallel()

	after := time.Date(2026, 1, 10, 6, 30, 0, 0, time.UTC)
	got, err := NextFire("cron", "@hourly", after, nil)
	if err != nil || !got.Equal(time.Date(2026, 1, 10, 7, 0, 0, 0, time.UTC)) {
		t.Fatalf("@hourly = %v, %v", got, err)
	}

	if _, err := NextFire("cron", "not a cron", after, nil); !errors.Is(err, ErrInvalidCron) {
		t.Fatalf("invalid cron err = %v", err)
	}
	if _, err := NextFire("date", "2026-01-01", after, nil); !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("unknown kind err = %v", err)
	}

	got, err = NextFire("interval", `{"hours":1,"minutes":30}`, after, nil)
	if err != nil || !got.Equal(after.Add(90*time.Minute)) {
		t.Fatalf("interval = %v, %v", got, err)
	}
}

func TestParseInterval(t *testing.T) {
	t.Parallel()

	cases := []struct {
		spec string
		want time.Duration
		ok   bool
	}{
		{`{"minutes":30}`, 30 * time.Minute, true},
		{`{"weeks":1,"days":1}`, 8 * 24 * time.Hour, true},
		{"hours=2, minutes=30", 150 * time.Minute, true},
		{"seconds=45", 45 * time.Second, true},
		{`{"minutes":0}`, 0, false},
		{`{"fortnights":1}`, 0, false},
		{"minutes", 0, false},
		{"minutes=x", 0, false},
		{"", 0, false},
		{`{"minutes":-5}`, 0, false},
		{`{"weeks":15251}`, 0, false},
		{"weeks=15000, days=2000", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseInterval(tc.spec)
		if tc.ok {
			if err != nil || got != tc.want {
				t.Fatalf("ParseInterval(%q) = %v, %v; want %v", tc.spec, got, err, tc.want)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidInterval) {
			t.Fatalf("ParseInterval(%q) err = %v, want ErrInvalidInterval", tc.spec, err)
		}
	}

	if _, err := ParseInterval(`{"weeks":15251}`); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("overflowing weeks err = %v", err)
	}
	if _, err := ParseInterval(`{"weeks":15000,"days":2000}`); err == nil || !strings.Contains(err.Error(), "total is too large") {
		t.Fatalf("overflowing total err = %v", err)
	}

	canon, err := CanonicalInterval("minutes=30, hours=2")
	if err != nil || canon != `{"hours":2,"minutes":30}` {
		t.Fatalf("CanonicalInterval = %q, %v", canon, err)
	}
}

type recorder struct {
	mu    sync.Mutex
	fired []int64
	armed map[int64]*time.Time
}

func newRecorder() *recorder { return &recorder{armed: map[int64]*time.Time{}} }

func (r *recorder) fire(_ context.Context, id int64, _ time.Time) {
	r.mu.Lock()
	r.fired = append(r.fired, id)
	r.mu.Unlock()
}

func (r *recorder) onArmed(id int64, next *time.Time) {
	r.mu.Lock()
	r.armed[id] = next
	r.mu.Unlock()
}

func (r *recorder) fires() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.fired...)
}

func startScheduler(t *testing.T, rec *recorder) *Scheduler {
	t.Helper()
	s := New(Options{Fire: rec.fire, OnArmed: rec.onArmed})
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestSchedulerArmDisarm(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	s := startScheduler(t, rec)

	n1, err := s.Arm(Schedule{ID: 1, Kind: "interval", Spec: `{"hours":2}`})
	if err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if _, err := s.Arm(Schedule{ID: 2, Kind: "interval", Spec: `{"hours":1}`}); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if _, err := s.Arm(Schedule{ID: 3, Kind: "weekly", Spec: "mon"}); !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("Arm(bad kind) err = %v", err)
	}

	armed := s.Armed()
	if len(armed) != 2 || armed[0].ID != 2 || armed[1].ID != 1 || !armed[1].Next.Equal(n1) {
		t.Fatalf("Armed = %+v", armed)
	}

	// Re-arming replaces the entry instead of duplicating it.
	if _, err := s.Arm(Schedule{ID: 1, Kind: "interval", Spec: `{"minutes":5}`}); err != nil {
		t.Fatalf("re-Arm: %v", err)
	}
	if armed = s.Armed(); len(armed) != 2 || armed[0].ID != 1 {
		t.Fatalf("Armed after re-arm = %+v", armed)
	}

	s.Disarm(1)
	s.Disarm(42)
	if armed = s.Armed(); len(armed) != 1 || armed[0].ID != 2 {
		t.Fatalf("Armed after disarm = %+v", armed)
	}
	rec.mu.Lock()
	next, seen := rec.armed[1]
	rec.mu.Unlock()
	if !seen || next != nil {
		t.Fatalf("OnArmed not told about disarm: %v %v", seen, next)
	}
}

func TestSchedulerFiresAndRearms(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	s := startScheduler(t, rec)

	if _, err := s.Arm(Schedule{ID: 7, Kind: "interval", Spec: `{"seconds":1}`}); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	deadline := time.Now().Add(4 * time.Second)
	for len(rec.fires()) < 2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if got := rec.fires(); len(got) < 2 || got[0] != 7 {
		t.Fatalf("fires = %v, want at least two fires of 7", got)
	}
	if armed := s.Armed(); len(armed) != 1 || armed[0].ID != 7 {
		t.Fatalf("Armed after fire = %+v", armed)
	}
}

func TestSchedulerDisarmBeforeFire(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	s := startScheduler(t, rec)

	if _, err := s.Arm(Schedule{ID: 9, Kind: "interval", Spec: `{"seconds":1}`}); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	s.Disarm(9)
	time.Sleep(1500 * time.Millisecond)
	if got := rec.fires(); len(got) != 0 {
		t.Fatalf("disarmed schedule fired: %v", got)
	}
}

func TestSchedulerReload(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	s := startScheduler(t, rec)

	if _, err := s.Arm(Schedule{ID: 1, Kind: "interval", Spec: `{"hours":1}`}); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	err := s.Reload([]Schedule{
		{ID: 2, Kind: "cron", Spec: "0 9 * * *"},
		{ID: 3, Kind: "interval", Spec: `{"minutes":0}`},
	})
	if !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("Reload err = %v, want ErrInvalidInterval", err)
	}
	armed := s.Armed()
	if len(armed) != 1 || armed[0].ID != 2 {
		t.Fatalf("Armed after reload = %+v", armed)
	}
}

func TestSchedulerNotStarted(t *testing.T) {
	t.Parallel()

	s := New(Options{})
	if _, err := s.Arm(Schedule{ID: 1, Kind: "interval", Spec: `{"hours":1}`}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Arm before Start err = %v", err)
	}
	if s.Armed() != nil {
		t.Fatalf("Armed before Start should be nil")
	}
}
