package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

type recipientRow struct {
	ID             int64          `db:"id"`
	ChatID         int64          `db:"chat_id"`
	Username       sql.NullString `db:"username"`
	Key            sql.NullString `db:"access_key"`
	Subscribed     bool           `db:"subscribed"`
	Donor          bool           `db:"donor"`
	LastActivityAt sql.NullInt64  `db:"last_activity_at"`
	CreatedAt      int64          `db:"created_at"`
}

func (r recipientRow) toRecipient() Recipient {
	return Recipient{
		ID:             r.ID,
		ChatID:         r.ChatID,
		Username:       r.Username.String,
		Key:            r.Key.String,
		Subscribed:     r.Subscribed,
		Donor:          r.Donor,
		LastActivityAt: fromMillis(r.LastActivityAt),
		CreatedAt:      time.UnixMilli(r.CreatedAt),
	}
}

const recipientCols = `id, chat_id, username, access_key, subscribed, donor, last_activity_at, created_at`

// ListRecipients returns matching recipients ordered by id.
func (s *SQLStore) ListRecipients(ctx context.Context, rq RecipientQuery) ([]Recipient, error) {
	query, args := recipientQuerySQL(rq, s.q)
	var rows []recipientRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]Recipient, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecipient())
	}
	return out, nil
}

// recipientQuerySQL builds the ListRecipients statement. rebind runs before
// the custom Where is appended, so placeholders inside it stay literal.
func recipientQuerySQL(rq RecipientQuery, rebind func(string) string) (string, []any) {
	var (
		b    strings.Builder
		args []any
	)
	b.WriteString(`SELECT ` + recipientCols + ` FROM recipients WHERE 1=1`)
	if rq.SubscribedOnly {
		b.WriteString(` AND subscribed = ?`)
		args = append(args, true)
	}
	if rq.NoKey {
		b.WriteString(` AND access_key IS NULL`)
	}
	if rq.DonorsOnly {
		b.WriteString(` AND donor = ?`)
		args = append(args, true)
	}
	if rq.InactiveBefore != nil {
		b.WriteString(` AND (last_activity_at IS NULL OR last_activity_at < ?)`)
		args = append(args, toMillis(*rq.InactiveBefore))
	}
	query := rebind(b.String())
	if w := strings.TrimSpace(rq.Where); w != "" {
		query += ` AND (` + w + `)`
	}
	return query + ` ORDER BY id`, args
}

func (s *SQLStore) GetRecipient(ctx context.Context, id int64) (Recipient, bool, error) {
	return s.getRecipient(ctx, `SELECT `+recipientCols+` FROM recipients WHERE id = ?`, id)
}

func (s *SQLStore) GetRecipientByChat(ctx context.Context, chatID int64) (Recipient, bool, error) {
	return s.getRecipient(ctx, `SELECT `+recipientCols+` FROM recipients WHERE chat_id = ?`, chatID)
}

func (s *SQLStore) getRecipient(ctx context.Context, query string, arg int64) (Recipient, bool, error) {
	var r recipientRow
	err := s.db.GetContext(ctx, &r, s.q(query), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return Recipient{}, false, nil
	}
	if err != nil {
		return Recipient{}, false, err
	}
	return r.toRecipient(), true, nil
}

// EnsureRecipient registers chatID on first contact and refreshes the
// username and activity on later ones.
func (s *SQLStore) EnsureRecipient(ctx context.Context, chatID int64, username string) (Recipient, error) {
	now := toMillis(s.now())
	_, err := s.exec(ctx,
		`INSERT INTO recipients(chat_id, username, subscribed, donor, last_activity_at, created_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET username = COALESCE(excluded.username, recipients.username),
		   last_activity_at = excluded.last_activity_at`,
		chatID, nullStr(username), true, false, now, now,
	)
	if err != nil {
		return Recipient{}, err
	}
	r, ok, err := s.GetRecipientByChat(ctx, chatID)
	if err != nil {
		return Recipient{}, err
	}
	if !ok {
		return Recipient{}, ErrNotFound
	}
	return r, nil
}

func (s *SQLStore) SetSubscribed(ctx context.Context, recipientID int64, subscribed bool) error {
	return s.execOne(ctx, `UPDATE recipients SET subscribed = ?, last_activity_at = ? WHERE id = ?`,
		subscribed, toMillis(s.now()), recipientID)
}

func (s *SQLStore) TouchActivity(ctx context.Context, recipientID int64) error {
	return s.execOne(ctx, `UPDATE recipients SET last_activity_at = ? WHERE id = ?`,
		toMillis(s.now()), recipientID)
}

// SetKey stores the recipient's message key; an empty key clears it.
func (s *SQLStore) SetKey(ctx context.Context, recipientID int64, key string) error {
	return s.execOne(ctx, `UPDATE recipients SET access_key = ?, last_activity_at = ? WHERE id = ?`,
		nullStr(key), toMillis(s.now()), recipientID)
}

func (s *SQLStore) SetDonor(ctx context.Context, recipientID int64, donor bool) error {
	return s.execOne(ctx, `UPDATE recipients SET donor = ? WHERE id = ?`, donor, recipientID)
}
