// Package engine is the scheduling and broadcast core: it owns the trigger
// scheduler, persists schedule changes and runs deliveries when schedules
// fire or events arrive.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"routex/internal/audit"
	"routex/internal/delivery"
	"routex/internal/eventbus"
	rtsup "routex/internal/runtime/supervisor"
	"routex/internal/segment"
	"routex/internal/storage"
	"routex/internal/trigger"
	logx "routex/pkg/logx"
)

// Runner executes one broadcast. *delivery.Executor implements it.
type Runner interface {
	Run(ctx context.Context, text string, seg segment.Segment, scheduleID *int64) (delivery.Result, error)
}

type Auditor interface {
	Log(actorID *int64, action string, meta map[string]any)
}

type Config struct {
	Location *time.Location
	Greeting string
}

type Deps struct {
	Store  storage.Store
	Runner Runner
	Audit  Auditor
	Bus    eventbus.Bus
	Logger logx.Logger
}

type Engine struct {
	store  storage.Store
	runner Runner
	audit  Auditor
	log    logx.Logger
	sched  *trigger.Scheduler

	mu       sync.RWMutex
	greeting string
	sup      *rtsup.Supervisor

	runLocks sync.Map // schedule id -> chan struct{} (cap 1)
	runs     runTracker
}

type nopAudit struct{}

func (nopAudit) Log(*int64, string, map[string]any) {}

func New(cfg Config, d Deps) *Engine {
	log := d.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Audit == nil {
		d.Audit = nopAudit{}
	}
	e := &Engine{
		store:    d.Store,
		runner:   d.Runner,
		audit:    d.Audit,
		log:      log.With(logx.String("comp", "engine")),
		greeting: greetingOrDefault(cfg.Greeting),
	}
	e.sched = trigger.New(trigger.Options{
		Location: cfg.Location,
		Fire:     e.fire,
		OnArmed:  e.recordNextFire,
		Bus:      d.Bus,
		Logger:   log,
	})
	return e
}

// Start arms every enabled schedule. Schedules that fail to arm are logged
// and skipped.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.sup != nil {
		e.mu.Unlock()
		return nil
	}
	e.sup = rtsup.New(ctx, rtsup.WithLogger(e.log), rtsup.WithCancelOnError(false))
	e.mu.Unlock()

	e.sched.Start(ctx)
	schedules, err := e.store.ListEnabledSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	armable := make([]trigger.Schedule, 0, len(schedules))
	for _, sc := range schedules {
		armable = append(armable, toTrigger(sc))
	}
	if err := e.sched.Reload(armable); err != nil {
		e.log.Warn("some schedules could not be armed", logx.Err(err))
	}
	return nil
}

// Stop disarms every schedule, then waits for in-flight fires and event
// broadcasts, which stop after their current batch.
func (e *Engine) Stop(ctx context.Context) error {
	errSched := e.sched.Stop(ctx)

	e.mu.Lock()
	sup := e.sup
	e.sup = nil
	e.mu.Unlock()
	var errSup error
	if sup != nil {
		errSup = sup.Stop(ctx)
	}
	return errors.Join(errSched, errSup, e.Wait(ctx))
}

// Wait blocks until no broadcast is in flight or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	return e.runs.wait(ctx)
}

// Busy reports whether a broadcast is still running.
func (e *Engine) Busy() bool { return e.runs.active() > 0 }

// run is the single path to the runner so in-flight broadcasts are counted.
func (e *Engine) run(ctx context.Context, text string, seg segment.Segment, scheduleID *int64) (delivery.Result, error) {
	end := e.runs.begin()
	defer end()
	return e.runner.Run(ctx, text, seg, scheduleID)
}

// SetGreeting changes the {greeting} used by event templates.
func (e *Engine) SetGreeting(g string) {
	e.mu.Lock()
	e.greeting = greetingOrDefault(g)
	e.mu.Unlock()
}

func (e *Engine) AddSchedule(ctx context.Context, actor *int64, ns storage.NewSchedule) (storage.Schedule, error) {
	ns.Name = strings.TrimSpace(ns.Name)
	ns.Kind = strings.ToLower(strings.TrimSpace(ns.Kind))
	ns.Spec = strings.TrimSpace(ns.Spec)
	if ns.Name == "" {
		return storage.Schedule{}, errors.New("schedule name is required")
	}
	if strings.TrimSpace(ns.Text) == "" {
		return storage.Schedule{}, errors.New("schedule text is required")
	}
	if ns.Kind == trigger.KindInterval && !strings.HasPrefix(ns.Spec, "{") {
		canon, err := trigger.CanonicalInterval(ns.Spec)
		if err != nil {
			return storage.Schedule{}, err
		}
		ns.Spec = canon
	}
	if err := trigger.Validate(ns.Kind, ns.Spec); err != nil {
		return storage.Schedule{}, err
	}
	seg, err := segment.Parse([]byte(ns.Segment))
	if err != nil {
		return storage.Schedule{}, err
	}
	if err := segment.Validate(seg); err != nil {
		return storage.Schedule{}, err
	}
	enc, err := segment.Encode(seg)
	if err != nil {
		return storage.Schedule{}, err
	}
	ns.Segment = string(enc)

	sc, err := e.store.AddSchedule(ctx, ns)
	if err != nil {
		return storage.Schedule{}, err
	}
	if sc.Enabled {
		if next, err := e.sched.Arm(toTrigger(sc)); err != nil {
			e.log.Warn("schedule stored but not armed", logx.Int64("schedule_id", sc.ID), logx.Err(err))
		} else {
			sc.NextRunAt = &next
		}
	}
	e.audit.Log(actor, audit.ActionScheduleCreate, map[string]any{
		"id": sc.ID, "name": sc.Name, "kind": sc.Kind, "spec": sc.Spec, "segment": sc.Segment,
	})
	e.log.Info("schedule created", logx.Int64("schedule_id", sc.ID), logx.String("name", sc.Name), logx.String("kind", sc.Kind))
	return sc, nil
}

func (e *Engine) ListSchedules(ctx context.Context) ([]storage.Schedule, error) {
	return e.store.ListSchedules(ctx)
}

// Toggle enables or disables a schedule and arms or disarms it to match.
func (e *Engine) Toggle(ctx context.Context, actor *int64, id int64, enabled bool) (storage.Schedule, error) {
	if err := e.store.SetEnabled(ctx, id, enabled); err != nil {
		return storage.Schedule{}, err
	}
	sc, ok, err := e.store.GetSchedule(ctx, id)
	if err != nil {
		return storage.Schedule{}, err
	}
	if !ok {
		e.sched.Disarm(id)
		return storage.Schedule{}, storage.ErrNotFound
	}
	if enabled {
		next, err := e.sched.Arm(toTrigger(sc))
		if err != nil {
			return sc, err
		}
		sc.NextRunAt = &next
	} else {
		e.sched.Disarm(id)
		sc.NextRunAt = nil
	}
	e.audit.Log(actor, audit.ActionScheduleToggle, map[string]any{"id": id, "enabled": enabled})
	e.log.Info("schedule toggled", logx.Int64("schedule_id", id), logx.Bool("enabled", enabled))
	return sc, nil
}

// Delete disarms a schedule, waits for a run already in flight to complete
// and removes the row. The wait is bounded by ctx; on timeout the schedule
// stays disarmed but stored.
func (e *Engine) Delete(ctx context.Context, actor *int64, id int64) error {
	e.sched.Disarm(id)

	lock := e.runLock(id)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("schedule #%d is still running: %w", id, ctx.Err())
	}
	defer func() { <-lock }()

	if err := e.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	e.runLocks.Delete(id)
	e.audit.Log(actor, audit.ActionScheduleDelete, map[string]any{"id": id})
	e.log.Info("schedule deleted", logx.Int64("schedule_id", id))
	return nil
}

// BroadcastNow sends text to seg immediately. It is never deduplicated.
func (e *Engine) BroadcastNow(ctx context.Context, actor *int64, text string, seg segment.Segment) (delivery.Result, error) {
	if strings.TrimSpace(text) == "" {
		return delivery.Result{}, errors.New("broadcast text is required")
	}
	if err := segment.Validate(seg); err != nil {
		return delivery.Result{}, err
	}
	e.audit.Log(actor, audit.ActionBroadcastNow, map[string]any{"segment": segment.Describe(seg)})
	return e.run(ctx, text, seg, nil)
}

func (e *Engine) Stats(ctx context.Context) (storage.Stats, error) {
	return e.store.Stats(ctx)
}

// Armed lists armed schedules by next fire time.
func (e *Engine) Armed() []trigger.Entry {
	return e.sched.Armed()
}

func (e *Engine) fire(ctx context.Context, id int64, at time.Time) {
	lock := e.runLock(id)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-lock }()

	log := e.log.With(logx.Int64("schedule_id", id))
	sc, ok, err := e.store.GetSchedule(ctx, id)
	if err != nil {
		log.Error("load fired schedule failed", logx.Err(err))
		return
	}
	if !ok || !sc.Enabled {
		log.Debug("fired schedule missing or disabled, skipped")
		return
	}
	seg, err := segment.Parse([]byte(sc.Segment))
	if err != nil {
		log.Error("schedule segment unreadable", logx.Err(err))
		return
	}

	res, err := e.run(ctx, sc.Text, seg, &sc.ID)
	if err != nil {
		log.Warn("scheduled broadcast ended early", logx.Err(err),
			logx.Int("sent", res.Sent), logx.Int("failed", res.Failed))
		return
	}
	log.Info("schedule executed",
		logx.Time("at", at),
		logx.Int("queued", res.Queued),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed),
		logx.Int("skipped", res.Skipped),
	)
}

// runLock serializes runs of one schedule. It is a channel so Delete can
// give up waiting when its ctx ends.
func (e *Engine) runLock(id int64) chan struct{} {
	v, _ := e.runLocks.LoadOrStore(id, make(chan struct{}, 1))
	return v.(chan struct{})
}

func (e *Engine) recordNextFire(id int64, next *time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.RecordNextFire(ctx, id, next); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.log.Warn("record next fire failed", logx.Int64("schedule_id", id), logx.Err(err))
	}
}

func toTrigger(sc storage.Schedule) trigger.Schedule {
	return trigger.Schedule{ID: sc.ID, Kind: sc.Kind, Spec: sc.Spec}
}
