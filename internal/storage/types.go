package storage

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("storage: not found")

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// Trigger kinds accepted by the schedules table.
const (
	KindCron     = "cron"
	KindInterval = "interval"
)

type DeliveryStatus string

const (
	StatusQueued DeliveryStatus = "queued"
	StatusSent   DeliveryStatus = "sent"
	StatusFailed DeliveryStatus = "failed"
)

// Schedule is a persisted trigger definition. Spec is kept verbatim: a cron
// expression or a JSON unit->count mapping. Segment is the JSON encoded
// segment descriptor.
type Schedule struct {
	ID        int64
	Name      string
	Kind      string
	Spec      string
	Text      string
	Segment   string
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
	NextRunAt *time.Time
}

type NewSchedule struct {
	Name    string
	Kind    string
	Spec    string
	Text    string
	Segment string
	Enabled bool
}

type Delivery struct {
	ID          int64
	ScheduleID  *int64
	RecipientID int64
	Status      DeliveryStatus
	Error       string
	SentAt      *time.Time
}

// Recipient is someone who can receive broadcasts. ChatID is the transport
// address; Username and Key are empty when unknown.
type Recipient struct {
	ID             int64
	ChatID         int64
	Username       string
	Key            string
	Subscribed     bool
	Donor          bool
	LastActivityAt *time.Time
	CreatedAt      time.Time
}

// RecipientQuery is the narrow filter the segment resolver builds.
// Where is an admin supplied SQL fragment; it must be validated upstream.
type RecipientQuery struct {
	SubscribedOnly bool
	NoKey          bool
	DonorsOnly     bool
	InactiveBefore *time.Time
	Where          string
}

// AuditEvent is an append-only record. ActorID is nil for system events.
type AuditEvent struct {
	ID       int64
	At       time.Time
	ActorID  *int64
	Action   string
	MetaJSON string
}

type RecipientTotals struct {
	Total        int
	Subscribed   int
	Unsubscribed int
	Donors       int
}

type ScheduleStats struct {
	ScheduleID int64
	Sent       int
	Failed     int
}

type Stats struct {
	Recipients RecipientTotals
	Schedules  []ScheduleStats
}
