package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type deliveryRow struct {
	ID          int64          `db:"id"`
	ScheduleID  sql.NullInt64  `db:"schedule_id"`
	RecipientID int64          `db:"recipient_id"`
	Status      string         `db:"status"`
	Error       sql.NullString `db:"error"`
	SentAt      sql.NullInt64  `db:"sent_at"`
}

// EnqueueDelivery creates a queued delivery row. A nil scheduleID marks an
// ad-hoc broadcast.
func (s *SQLStore) EnqueueDelivery(ctx context.Context, scheduleID *int64, recipientID int64) (int64, error) {
	return s.insertID(ctx,
		`INSERT INTO deliveries(schedule_id, recipient_id, status) VALUES(?,?,?)`,
		nullID(scheduleID), recipientID, string(StatusQueued),
	)
}

// HasRecentDelivery reports whether the pair reached a terminal state within
// the window. Queued rows have no sent_at and never match.
func (s *SQLStore) HasRecentDelivery(ctx context.Context, scheduleID, recipientID int64, within time.Duration) (bool, error) {
	since := toMillis(s.now().Add(-within))
	var one int
	err := s.db.QueryRowxContext(ctx, s.q(
		`SELECT 1 FROM deliveries
		 WHERE schedule_id = ? AND recipient_id = ? AND sent_at >= ?
		 LIMIT 1`), scheduleID, recipientID, since).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLStore) UpdateDelivery(ctx context.Context, id int64, status DeliveryStatus, errText string) error {
	switch status {
	case StatusQueued, StatusSent, StatusFailed:
	default:
		return fmt.Errorf("invalid delivery status %q", status)
	}
	return s.execOne(ctx, `UPDATE deliveries SET status = ?, error = ?, sent_at = ? WHERE id = ?`,
		string(status), nullStr(errText), toMillis(s.now()), id)
}

// ListDeliveries returns deliveries of one schedule, or ad-hoc ones when
// scheduleID is nil, oldest first.
func (s *SQLStore) ListDeliveries(ctx context.Context, scheduleID *int64) ([]Delivery, error) {
	var rows []deliveryRow
	var err error
	const cols = `SELECT id, schedule_id, recipient_id, status, error, sent_at FROM deliveries`
	if scheduleID == nil {
		err = s.db.SelectContext(ctx, &rows, s.q(cols+` WHERE schedule_id IS NULL ORDER BY id`))
	} else {
		err = s.db.SelectContext(ctx, &rows, s.q(cols+` WHERE schedule_id = ? ORDER BY id`), *scheduleID)
	}
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, 0, len(rows))
	for _, r := range rows {
		d := Delivery{
			ID:          r.ID,
			RecipientID: r.RecipientID,
			Status:      DeliveryStatus(r.Status),
			Error:       r.Error.String,
			SentAt:      fromMillis(r.SentAt),
		}
		if r.ScheduleID.Valid {
			id := r.ScheduleID.Int64
			d.ScheduleID = &id
		}
		out = append(out, d)
	}
	return out, nil
}
