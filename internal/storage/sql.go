package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	logx "routex/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLStore implements Store on top of sqlx for both sqlite and postgres.
// Queries are written with '?' placeholders and rebound per driver.
type SQLStore struct {
	db  *sqlx.DB
	log logx.Logger
	now func() time.Time
}

var _ Store = (*SQLStore)(nil)

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (*SQLStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	// Pragmas go into the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &SQLStore{db: db, log: log, now: time.Now}
	if err := st.migrate(ctx, "migrations/sqlite.sql"); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (*SQLStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	st := &SQLStore{db: db, log: log, now: time.Now}
	if err := st.migrate(ctx, "migrations/postgres.sql"); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("postgres store opened")
	return st, nil
}

func (s *SQLStore) migrate(ctx context.Context, name string) error {
	b, err := migrationsFS.ReadFile(name)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate %s: %w", name, err)
	}
	return nil
}

// DriverName reports the sqlx driver in use.
func (s *SQLStore) DriverName() string { return s.db.DriverName() }

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) q(query string) string { return s.db.Rebind(query) }

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.q(query), args...)
}

// execOne runs a single-row mutation and maps zero affected rows to ErrNotFound.
func (s *SQLStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) insertID(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	if err := s.db.QueryRowxContext(ctx, s.q(query+" RETURNING id"), args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullID(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
