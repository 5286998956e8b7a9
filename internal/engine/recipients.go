package engine

import (
	"context"
	"fmt"

	"routex/internal/audit"
	"routex/internal/storage"
	logx "routex/pkg/logx"
)

// Register records chatID as a recipient (subscribed on first contact) and
// refreshes its username and activity.
func (e *Engine) Register(ctx context.Context, chatID int64, username string) (storage.Recipient, error) {
	return e.store.EnsureRecipient(ctx, chatID, username)
}

// SetSubscription opts a chat in or out of broadcasts, registering it first
// when needed.
func (e *Engine) SetSubscription(ctx context.Context, chatID int64, username string, subscribed bool) error {
	r, err := e.store.EnsureRecipient(ctx, chatID, username)
	if err != nil {
		return err
	}
	return e.store.SetSubscribed(ctx, r.ID, subscribed)
}

// MarkDonor flags the chat as a donor, registering it first when needed.
func (e *Engine) MarkDonor(ctx context.Context, chatID int64, username string) (storage.Recipient, error) {
	r, err := e.store.EnsureRecipient(ctx, chatID, username)
	if err != nil {
		return storage.Recipient{}, err
	}
	if r.Donor {
		return r, nil
	}
	if err := e.store.SetDonor(ctx, r.ID, true); err != nil {
		return storage.Recipient{}, err
	}
	r.Donor = true
	e.audit.Log(&chatID, audit.ActionDonorMarked, map[string]any{"recipient_id": r.ID})
	return r, nil
}

// SetRecipientKey stores the {key} placeholder value for a known chat. An
// empty key clears it; unknown chats yield storage.ErrNotFound.
func (e *Engine) SetRecipientKey(ctx context.Context, actor *int64, chatID int64, key string) error {
	r, ok, err := e.store.GetRecipientByChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("chat %d: %w", chatID, storage.ErrNotFound)
	}
	if err := e.store.SetKey(ctx, r.ID, key); err != nil {
		return err
	}
	e.audit.Log(actor, audit.ActionRecipientKey, map[string]any{"recipient_id": r.ID, "cleared": key == ""})
	e.log.Info("recipient key updated", logx.Int64("chat_id", chatID), logx.Bool("cleared", key == ""))
	return nil
}
