// Package storage is the durable layer behind the broadcast engine.
//
// It keeps:
//   - schedules (cron/interval definitions and their next fire hint)
//   - deliveries (one row per recipient per send, never deleted)
//   - recipients (subscription flag, activity, stored key)
//   - settings (per event type templates) and the audit log
//
// Every mutation is a single-row statement; callers never need multi-row
// transactions. Timestamps are stored as unix milliseconds.
package storage
