package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type scheduleRow struct {
	ID        int64         `db:"id"`
	Name      string        `db:"name"`
	Kind      string        `db:"kind"`
	Spec      string        `db:"spec"`
	Text      string        `db:"text"`
	Segment   string        `db:"segment"`
	Enabled   bool          `db:"enabled"`
	CreatedAt int64         `db:"created_at"`
	UpdatedAt int64         `db:"updated_at"`
	NextRunAt sql.NullInt64 `db:"next_run_at"`
}

func (r scheduleRow) toSchedule() Schedule {
	return Schedule{
		ID:        r.ID,
		Name:      r.Name,
		Kind:      r.Kind,
		Spec:      r.Spec,
		Text:      r.Text,
		Segment:   r.Segment,
		Enabled:   r.Enabled,
		CreatedAt: time.UnixMilli(r.CreatedAt),
		UpdatedAt: time.UnixMilli(r.UpdatedAt),
		NextRunAt: fromMillis(r.NextRunAt),
	}
}

const scheduleCols = `id, name, kind, spec, text, segment, enabled, created_at, updated_at, next_run_at`

func (s *SQLStore) AddSchedule(ctx context.Context, ns NewSchedule) (Schedule, error) {
	if strings.TrimSpace(ns.Name) == "" {
		return Schedule{}, errors.New("schedule name is required")
	}
	if ns.Kind != KindCron && ns.Kind != KindInterval {
		return Schedule{}, fmt.Errorf("unsupported schedule kind %q", ns.Kind)
	}
	now := toMillis(s.now())
	id, err := s.insertID(ctx,
		`INSERT INTO schedules(name, kind, spec, text, segment, enabled, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		ns.Name, ns.Kind, ns.Spec, ns.Text, ns.Segment, ns.Enabled, now, now,
	)
	if err != nil {
		return Schedule{}, err
	}
	sc, ok, err := s.GetSchedule(ctx, id)
	if err != nil {
		return Schedule{}, err
	}
	if !ok {
		return Schedule{}, fmt.Errorf("schedule %d vanished after insert", id)
	}
	return sc, nil
}

func (s *SQLStore) GetSchedule(ctx context.Context, id int64) (Schedule, bool, error) {
	var r scheduleRow
	err := s.db.GetContext(ctx, &r, s.q(`SELECT `+scheduleCols+` FROM schedules WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, false, nil
	}
	if err != nil {
		return Schedule{}, false, err
	}
	return r.toSchedule(), true, nil
}

// ListSchedules returns every schedule, newest first.
func (s *SQLStore) ListSchedules(ctx context.Context) ([]Schedule, error) {
	return s.selectSchedules(ctx, `SELECT `+scheduleCols+` FROM schedules ORDER BY created_at DESC, id DESC`)
}

func (s *SQLStore) ListEnabledSchedules(ctx context.Context) ([]Schedule, error) {
	return s.selectSchedules(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE enabled = ? ORDER BY id`, true)
}

func (s *SQLStore) selectSchedules(ctx context.Context, query string, args ...any) ([]Schedule, error) {
	var rows []scheduleRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, err
	}
	out := make([]Schedule, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toSchedule())
	}
	return out, nil
}

func (s *SQLStore) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	return s.execOne(ctx, `UPDATE schedules SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, toMillis(s.now()), id)
}

// DeleteSchedule removes the row; deliveries keep their history with a NULL schedule.
func (s *SQLStore) DeleteSchedule(ctx context.Context, id int64) error {
	return s.execOne(ctx, `DELETE FROM schedules WHERE id = ?`, id)
}

func (s *SQLStore) RecordNextFire(ctx context.Context, id int64, next *time.Time) error {
	var v any
	if next != nil {
		v = toMillis(*next)
	}
	return s.execOne(ctx, `UPDATE schedules SET next_run_at = ?, updated_at = ? WHERE id = ?`,
		v, toMillis(s.now()), id)
}
