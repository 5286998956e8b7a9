package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"routex/internal/eventbus"
	rtsup "routex/internal/runtime/supervisor"
	logx "routex/pkg/logx"
)

const maxSleepCap = 60 * time.Second

var ErrStopped = errors.New("trigger: scheduler not running")

// Schedule is what the scheduler needs to arm a trigger.
type Schedule struct {
	ID   int64
	Kind string
	Spec string
}

type Entry struct {
	ID   int64
	Next time.Time
}

// FireFunc runs one due schedule. ctx is canceled when the scheduler stops.
type FireFunc func(ctx context.Context, id int64, at time.Time)

// ArmedFunc observes every (re)arm with the next fire time, and disarms with nil.
type ArmedFunc func(id int64, next *time.Time)

type Options struct {
	Location *time.Location
	Fire     FireFunc
	OnArmed  ArmedFunc
	Bus      eventbus.Bus
	Logger   logx.Logger
}

// Scheduler keeps armed schedules in a min-heap owned by one goroutine and
// sleeps until the earliest fire time. Each fire runs on its own supervised
// goroutine and the next occurrence is pushed back immediately.
//
// Every Arm bumps a per-id generation; heap entries from an older generation
// are stale and dropped when popped, so a Disarm always wins over a fire
// already in flight.
type Scheduler struct {
	opts Options
	log  logx.Logger
	now  func() time.Time

	mu      sync.Mutex
	gens    map[int64]uint64
	nextGen uint64
	sup     *rtsup.Supervisor

	cmds chan func(h *fireHeap)
}

func New(opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		opts: opts,
		log:  log.With(logx.String("comp", "trigger")),
		now:  time.Now,
		gens: map[int64]uint64{},
		cmds: make(chan func(h *fireHeap), 64),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.Go0("trigger.loop", s.loop)
	s.log.Info("scheduler started", logx.String("tz", s.opts.Location.String()))
}

// Stop disarms everything, cancels in-flight fires and waits for them.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.gens = map[int64]uint64{}
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.log.Info("scheduler stopped")
	return err
}

// Arm computes the next fire time and (re)places the schedule in the heap.
func (s *Scheduler) Arm(sc Schedule) (time.Time, error) {
	next, err := NextFire(sc.Kind, sc.Spec, s.now(), s.opts.Location)
	if err != nil {
		return time.Time{}, err
	}

	s.mu.Lock()
	s.nextGen++
	gen := s.nextGen
	s.gens[sc.ID] = gen
	s.mu.Unlock()

	it := item{id: sc.ID, gen: gen, at: next, kind: sc.Kind, spec: sc.Spec}
	if err := s.do(func(h *fireHeap) {
		h.remove(sc.ID)
		h.push(it)
	}); err != nil {
		s.forget(sc.ID, gen)
		return time.Time{}, err
	}

	s.notifyArmed(sc.ID, &next)
	s.opts.Bus.Publish(eventbus.Event{Type: eventbus.ScheduleArmed, Data: Entry{ID: sc.ID, Next: next}})
	s.log.Debug("schedule armed", logx.Int64("schedule_id", sc.ID), logx.Time("next", next))
	return next, nil
}

// Disarm removes the schedule. It is a no-op for unknown ids.
func (s *Scheduler) Disarm(id int64) {
	s.mu.Lock()
	_, was := s.gens[id]
	delete(s.gens, id)
	s.mu.Unlock()

	_ = s.do(func(h *fireHeap) { h.remove(id) })
	if !was {
		return
	}
	s.notifyArmed(id, nil)
	s.opts.Bus.Publish(eventbus.Event{Type: eventbus.ScheduleDisarmed, Data: Entry{ID: id}})
	s.log.Debug("schedule disarmed", logx.Int64("schedule_id", id))
}

// Reload replaces the armed set with schedules. Schedules that cannot be
// armed are skipped and reported together.
func (s *Scheduler) Reload(schedules []Schedule) error {
	want := make(map[int64]struct{}, len(schedules))
	for _, sc := range schedules {
		want[sc.ID] = struct{}{}
	}
	s.mu.Lock()
	var stale []int64
	for id := range s.gens {
		if _, ok := want[id]; !ok {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		s.Disarm(id)
	}

	var errs []error
	armed := 0
	for _, sc := range schedules {
		if _, err := s.Arm(sc); err != nil {
			s.log.Warn("schedule not armed", logx.Int64("schedule_id", sc.ID), logx.Err(err))
			errs = append(errs, fmt.Errorf("schedule %d: %w", sc.ID, err))
			continue
		}
		armed++
	}
	s.log.Info("schedules loaded", logx.Int("armed", armed), logx.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// Armed lists armed schedules ordered by next fire time.
func (s *Scheduler) Armed() []Entry {
	reply := make(chan []Entry, 1)
	if err := s.do(func(h *fireHeap) {
		out := make([]Entry, 0, h.Len())
		for _, it := range *h {
			if s.current(it.id, it.gen) {
				out = append(out, Entry{ID: it.id, Next: it.at})
			}
		}
		reply <- out
	}); err != nil {
		return nil
	}
	out := <-reply
	sort.Slice(out, func(i, j int) bool {
		if out[i].Next.Equal(out[j].Next) {
			return out[i].ID < out[j].ID
		}
		return out[i].Next.Before(out[j].Next)
	})
	return out
}

func (s *Scheduler) do(fn func(h *fireHeap)) error {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return ErrStopped
	}
	done := make(chan struct{})
	select {
	case s.cmds <- func(h *fireHeap) { fn(h); close(done) }:
	case <-sup.Context().Done():
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-sup.Context().Done():
		return ErrStopped
	}
}

func (s *Scheduler) current(id int64, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gens[id]
	return ok && g == gen
}

func (s *Scheduler) forget(id int64, gen uint64) {
	s.mu.Lock()
	if s.gens[id] == gen {
		delete(s.gens, id)
	}
	s.mu.Unlock()
}

func (s *Scheduler) notifyArmed(id int64, next *time.Time) {
	if s.opts.OnArmed != nil {
		s.opts.OnArmed(id, next)
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	h := &fireHeap{}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	resetTimer := func() <-chan time.Time {
		if timer != nil {
			timer.Stop()
		}
		if h.Len() == 0 {
			return nil
		}
		dur := min((*h)[0].at.Sub(s.now()), maxSleepCap)
		if dur < 0 {
			dur = 0
		}
		timer = time.NewTimer(dur)
		return timer.C
	}
	timerCh := resetTimer()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-s.cmds:
			fn(h)
			timerCh = resetTimer()
		case <-timerCh:
			now := s.now()
			for h.Len() > 0 && !(*h)[0].at.After(now) {
				it := h.pop()
				if !s.current(it.id, it.gen) {
					continue
				}
				next, err := s.following(it, now)
				if err != nil {
					s.log.Error("cannot compute next fire, disarming", logx.Int64("schedule_id", it.id), logx.Err(err))
					s.forget(it.id, it.gen)
				} else {
					h.push(item{id: it.id, gen: it.gen, at: next, kind: it.kind, spec: it.spec})
				}
				s.dispatch(it, next, err == nil)
			}
			timerCh = resetTimer()
		}
	}
}

// following computes the occurrence after a fire. Occurrences missed while
// the process was busy or suspended collapse into one.
func (s *Scheduler) following(it item, now time.Time) (time.Time, error) {
	next, err := NextFire(it.kind, it.spec, it.at, s.opts.Location)
	if err != nil {
		return time.Time{}, err
	}
	if !next.After(now) {
		return NextFire(it.kind, it.spec, now, s.opts.Location)
	}
	return next, nil
}

func (s *Scheduler) dispatch(it item, next time.Time, rearmed bool) {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return
	}
	s.opts.Bus.Publish(eventbus.Event{Type: eventbus.ScheduleFired, Data: Entry{ID: it.id, Next: it.at}})
	s.log.Debug("schedule fired", logx.Int64("schedule_id", it.id), logx.Time("at", it.at))

	sup.Go0(fmt.Sprintf("trigger.fire.%d", it.id), func(ctx context.Context) {
		if s.opts.Fire != nil {
			s.opts.Fire(ctx, it.id, it.at)
		}
		if rearmed && s.current(it.id, it.gen) {
			s.notifyArmed(it.id, &next)
		}
	})
}
