package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "routex/pkg/logx"
)

// Store is the persistence API used by the engine and its collaborators.
type Store interface {
	AddSchedule(ctx context.Context, s NewSchedule) (Schedule, error)
	GetSchedule(ctx context.Context, id int64) (Schedule, bool, error)
	ListSchedules(ctx context.Context) ([]Schedule, error)
	ListEnabledSchedules(ctx context.Context) ([]Schedule, error)
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	DeleteSchedule(ctx context.Context, id int64) error
	RecordNextFire(ctx context.Context, id int64, next *time.Time) error

	EnqueueDelivery(ctx context.Context, scheduleID *int64, recipientID int64) (int64, error)
	HasRecentDelivery(ctx context.Context, scheduleID, recipientID int64, within time.Duration) (bool, error)
	UpdateDelivery(ctx context.Context, id int64, status DeliveryStatus, errText string) error
	ListDeliveries(ctx context.Context, scheduleID *int64) ([]Delivery, error)

	ListRecipients(ctx context.Context, q RecipientQuery) ([]Recipient, error)
	GetRecipient(ctx context.Context, id int64) (Recipient, bool, error)
	GetRecipientByChat(ctx context.Context, chatID int64) (Recipient, bool, error)
	EnsureRecipient(ctx context.Context, chatID int64, username string) (Recipient, error)
	SetSubscribed(ctx context.Context, recipientID int64, subscribed bool) error
	TouchActivity(ctx context.Context, recipientID int64) error
	SetKey(ctx context.Context, recipientID int64, key string) error
	SetDonor(ctx context.Context, recipientID int64, donor bool) error

	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error

	AppendAudit(ctx context.Context, e AuditEvent) error
	ListAudit(ctx context.Context, limit int) ([]AuditEvent, error)

	Stats(ctx context.Context) (Stats, error)

	Close() error
}

// Open initializes the configured store and applies migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*SQLStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pq":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
