// Package delivery sends one broadcast to a resolved segment in paced
// batches, recording every attempt in the store.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"routex/internal/audit"
	"routex/internal/eventbus"
	"routex/internal/segment"
	"routex/internal/storage"
	kit "routex/internal/transport"
	logx "routex/pkg/logx"
)

const (
	// DedupWindow suppresses a scheduled message to a recipient that already
	// got one from the same schedule within the window.
	DedupWindow = 24 * time.Hour
	// MaxAttempts bounds sends per recipient when the transport rate limits.
	MaxAttempts = 3

	DefaultBatchSize  = 30
	DefaultBatchDelay = 1500 * time.Millisecond
	MinBatchDelay     = 100 * time.Millisecond

	errRetryLimit = "retry limit exceeded"
)

type Config struct {
	BatchSize  int
	BatchDelay time.Duration
	ParseMode  string
}

func (c Config) normalize() Config {
	if c.BatchSize < 1 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = DefaultBatchDelay
	}
	if c.BatchDelay < MinBatchDelay {
		c.BatchDelay = MinBatchDelay
	}
	return c
}

// Store is the subset of storage.Store the executor writes to.
type Store interface {
	HasRecentDelivery(ctx context.Context, scheduleID, recipientID int64, within time.Duration) (bool, error)
	EnqueueDelivery(ctx context.Context, scheduleID *int64, recipientID int64) (int64, error)
	UpdateDelivery(ctx context.Context, id int64, status storage.DeliveryStatus, errText string) error
	TouchActivity(ctx context.Context, recipientID int64) error
	SetSubscribed(ctx context.Context, recipientID int64, subscribed bool) error
}

type Resolver interface {
	Resolve(ctx context.Context, seg segment.Segment) ([]storage.Recipient, error)
}

type Auditor interface {
	Log(actorID *int64, action string, meta map[string]any)
}

type Result struct {
	Queued  int
	Sent    int
	Failed  int
	Skipped int
	Batches int
}

type Deps struct {
	Store    Store
	Resolver Resolver
	Sender   kit.Sender
	Audit    Auditor
	Bus      eventbus.Bus
	Logger   logx.Logger
}

type Executor struct {
	mu  sync.RWMutex
	cfg Config

	store    Store
	resolver Resolver
	sender   kit.Sender
	audit    Auditor
	bus      eventbus.Bus
	log      logx.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, d Deps) *Executor {
	log := d.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := d.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Executor{
		cfg:      cfg.normalize(),
		store:    d.Store,
		resolver: d.Resolver,
		sender:   d.Sender,
		audit:    d.Audit,
		bus:      bus,
		log:      log.With(logx.String("comp", "delivery")),
		sleep:    sleepCtx,
	}
}

// Apply swaps pacing settings; runs in progress pick them up at their next batch.
func (e *Executor) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.normalize()
	e.mu.Unlock()
}

func (e *Executor) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Run delivers text to every recipient of seg. A nil scheduleID marks an
// ad-hoc broadcast, which is never deduplicated.
//
// A started batch always completes, even when ctx is canceled mid-batch, so
// no delivery row is left queued. Cancellation is honored between batches
// and the partial result is returned with ctx.Err().
func (e *Executor) Run(ctx context.Context, text string, seg segment.Segment, scheduleID *int64) (Result, error) {
	start := time.Now()
	recipients, err := e.resolver.Resolve(ctx, seg)
	if err != nil {
		return Result{}, err
	}

	var res Result
	defer func() { e.publish(scheduleID, res, time.Since(start)) }()
	if len(recipients) == 0 {
		return res, nil
	}

	for i := 0; i < len(recipients); {
		cfg := e.config()
		if i > 0 {
			if err := e.sleep(ctx, cfg.BatchDelay); err != nil {
				return res, err
			}
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		end := min(i+cfg.BatchSize, len(recipients))
		res.Batches++
		bctx := context.WithoutCancel(ctx)
		for _, r := range recipients[i:end] {
			e.deliverOne(bctx, &res, text, r, scheduleID, cfg.ParseMode)
		}
		i = end
	}

	fields := []logx.Field{
		logx.Int("queued", res.Queued),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed),
		logx.Int("skipped", res.Skipped),
		logx.Duration("dur", time.Since(start)),
	}
	if scheduleID != nil {
		fields = append(fields, logx.Int64("schedule_id", *scheduleID))
	}
	if res.Failed > 0 {
		e.log.Warn("broadcast finished with failures", fields...)
	} else {
		e.log.Info("broadcast finished", fields...)
	}
	return res, nil
}

func (e *Executor) deliverOne(ctx context.Context, res *Result, text string, r storage.Recipient, scheduleID *int64, parseMode string) {
	log := e.log.With(logx.Int64("recipient_id", r.ID), logx.Int64("chat_id", r.ChatID))

	if scheduleID != nil {
		recent, err := e.store.HasRecentDelivery(ctx, *scheduleID, r.ID, DedupWindow)
		if err != nil {
			log.Error("dedup lookup failed", logx.Err(err))
			return
		}
		if recent {
			res.Skipped++
			return
		}
	}

	id, err := e.store.EnqueueDelivery(ctx, scheduleID, r.ID)
	if err != nil {
		log.Error("enqueue delivery failed", logx.Err(err))
		return
	}
	res.Queued++

	msg, rerr := Render(text, r)
	if rerr != nil {
		log.Warn("template rendering failed, sending raw text", logx.Err(rerr))
	}

	status, errText := e.attempt(ctx, log, r, msg, parseMode)
	if status == storage.StatusSent {
		res.Sent++
		if err := e.store.TouchActivity(ctx, r.ID); err != nil {
			log.Debug("touch activity failed", logx.Err(err))
		}
	} else {
		res.Failed++
	}
	if err := e.store.UpdateDelivery(ctx, id, status, errText); err != nil {
		log.Error("update delivery failed", logx.Int64("delivery_id", id), logx.Err(err))
	}
}

// attempt sends msg, sleeping through rate limits for up to MaxAttempts
// sends in total.
func (e *Executor) attempt(ctx context.Context, log logx.Logger, r storage.Recipient, msg, parseMode string) (storage.DeliveryStatus, string) {
	to := kit.ChatTarget{ChatID: r.ChatID}
	opt := &kit.SendOptions{ParseMode: parseMode}

	for n := 1; ; n++ {
		err := e.sendProtected(ctx, to, msg, opt)
		if err == nil {
			return storage.StatusSent, ""
		}

		var rl *kit.RateLimitedError
		if errors.As(err, &rl) {
			if n >= MaxAttempts {
				log.Warn("rate limit retries exhausted", logx.Int("attempts", n))
				return storage.StatusFailed, errRetryLimit
			}
			log.Warn("rate limited, waiting", logx.Duration("retry_after", rl.RetryAfter), logx.Int("attempt", n))
			if serr := e.sleep(ctx, rl.RetryAfter); serr != nil {
				return storage.StatusFailed, serr.Error()
			}
			continue
		}

		var perm *kit.PermanentError
		if errors.As(err, &perm) {
			if uerr := e.store.SetSubscribed(ctx, r.ID, false); uerr != nil {
				log.Error("unsubscribe failed", logx.Err(uerr))
			}
			if e.audit != nil {
				e.audit.Log(nil, audit.ActionPermanentFailure, map[string]any{
					"recipient_id": r.ID,
					"chat_id":      r.ChatID,
					"reason":       perm.Reason,
				})
			}
			log.Info("recipient unreachable, unsubscribed", logx.String("reason", perm.Reason))
			return storage.StatusFailed, err.Error()
		}

		log.Error("send failed", logx.Err(err))
		return storage.StatusFailed, err.Error()
	}
}

func (e *Executor) sendProtected(ctx context.Context, to kit.ChatTarget, msg string, opt *kit.SendOptions) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panic: %v", r)
		}
	}()
	_, err = e.sender.SendText(ctx, to, msg, opt)
	return err
}

type RunFinished struct {
	ScheduleID *int64
	Result     Result
	Duration   time.Duration
}

func (e *Executor) publish(scheduleID *int64, res Result, dur time.Duration) {
	e.bus.Publish(eventbus.Event{
		Type: eventbus.DeliveryRunFinish,
		Data: RunFinished{ScheduleID: scheduleID, Result: res, Duration: dur},
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
