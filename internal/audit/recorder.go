// Package audit records administrative and system actions asynchronously.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"routex/internal/storage"
	logx "routex/pkg/logx"
)

const (
	ActionScheduleCreate   = "schedule_create"
	ActionScheduleToggle   = "schedule_toggle"
	ActionScheduleDelete   = "schedule_delete"
	ActionBroadcastNow     = "broadcast_now"
	ActionExternalEvent    = "external_event"
	ActionEventTemplate    = "event_template"
	ActionPermanentFailure = "delivery_permanent_failure"
	ActionDonorMarked      = "donor_marked"
	ActionRecipientKey     = "recipient_key"
)

const (
	defaultQueueSize = 256
	writeTimeout     = 5 * time.Second
)

type Appender interface {
	AppendAudit(ctx context.Context, e storage.AuditEvent) error
}

// Recorder queues events and writes them from a single worker. Log never
// blocks; when the queue is full the event is dropped with a warning.
type Recorder struct {
	store Appender
	log   logx.Logger
	now   func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan storage.AuditEvent
	done   chan struct{}
}

func New(store Appender, log logx.Logger, queueSize int) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	r := &Recorder{
		store: store,
		log:   log.With(logx.String("comp", "audit")),
		now:   time.Now,
		queue: make(chan storage.AuditEvent, queueSize),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Log records action by actorID (nil for system events).
func (r *Recorder) Log(actorID *int64, action string, meta map[string]any) {
	e := storage.AuditEvent{At: r.now(), ActorID: actorID, Action: action}
	if len(meta) > 0 {
		b, err := json.Marshal(meta)
		if err != nil {
			r.log.Warn("audit meta not encodable", logx.String("action", action), logx.Err(err))
		} else {
			e.MetaJSON = string(b)
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.log.Debug("audit event after close dropped", logx.String("action", action))
		return
	}
	select {
	case r.queue <- e:
	default:
		r.log.Warn("audit queue full, event dropped", logx.String("action", action))
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := r.store.AppendAudit(ctx, e); err != nil {
			r.log.Error("audit write failed", logx.String("action", e.Action), logx.Err(err))
		}
		cancel()
	}
}

// Close stops accepting events and waits until the queue is written or ctx
// is done.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
