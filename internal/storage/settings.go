package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

func (s *SQLStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowxContext(ctx, s.q(`SELECT value FROM settings WHERE key = ?`), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *SQLStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.exec(ctx,
		`INSERT INTO settings(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

func (s *SQLStore) AppendAudit(ctx context.Context, e AuditEvent) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO audit_log(at, actor_id, action, meta_json) VALUES(?,?,?,?)`,
		toMillis(e.At), nullID(e.ActorID), e.Action, nullStr(e.MetaJSON),
	)
	return err
}

type auditRow struct {
	ID       int64          `db:"id"`
	At       int64          `db:"at"`
	ActorID  sql.NullInt64  `db:"actor_id"`
	Action   string         `db:"action"`
	MetaJSON sql.NullString `db:"meta_json"`
}

// ListAudit returns the newest events first.
func (s *SQLStore) ListAudit(ctx context.Context, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows,
		s.q(`SELECT id, at, actor_id, action, meta_json FROM audit_log ORDER BY id DESC LIMIT ?`), limit); err != nil {
		return nil, err
	}
	out := make([]AuditEvent, 0, len(rows))
	for _, r := range rows {
		e := AuditEvent{ID: r.ID, At: time.UnixMilli(r.At), Action: r.Action, MetaJSON: r.MetaJSON.String}
		if r.ActorID.Valid {
			id := r.ActorID.Int64
			e.ActorID = &id
		}
		out = append(out, e)
	}
	return out, nil
}

// Stats summarizes recipients and the five most recent schedules that have
// deliveries.
func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	var totals struct {
		Total        int           `db:"total"`
		Subscribed   sql.NullInt64 `db:"subscribed"`
		Unsubscribed sql.NullInt64 `db:"unsubscribed"`
		Donors       sql.NullInt64 `db:"donors"`
	}
	err := s.db.GetContext(ctx, &totals, s.q(
		`SELECT COUNT(*) AS total,
		   SUM(CASE WHEN subscribed = ? THEN 1 ELSE 0 END) AS subscribed,
		   SUM(CASE WHEN subscribed = ? THEN 1 ELSE 0 END) AS unsubscribed,
		   SUM(CASE WHEN donor = ? THEN 1 ELSE 0 END) AS donors
		 FROM recipients`), true, false, true)
	if err != nil {
		return Stats{}, err
	}

	var per []struct {
		ScheduleID int64 `db:"schedule_id"`
		Sent       int   `db:"sent"`
		Failed     int   `db:"failed"`
	}
	err = s.db.SelectContext(ctx, &per, s.q(
		`SELECT schedule_id,
		   SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END) AS sent,
		   SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) AS failed
		 FROM deliveries WHERE schedule_id IS NOT NULL
		 GROUP BY schedule_id ORDER BY schedule_id DESC LIMIT 5`))
	if err != nil {
		return Stats{}, err
	}

	out := Stats{Recipients: RecipientTotals{
		Total:        totals.Total,
		Subscribed:   int(totals.Subscribed.Int64),
		Unsubscribed: int(totals.Unsubscribed.Int64),
		Donors:       int(totals.Donors.Int64),
	}}
	for _, p := range per {
		out.Schedules = append(out.Schedules, ScheduleStats{ScheduleID: p.ScheduleID, Sent: p.Sent, Failed: p.Failed})
	}
	return out, nil
}
