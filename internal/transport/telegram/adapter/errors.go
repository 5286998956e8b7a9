package adapter

import (
	"errors"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "routex/internal/transport"
)

// Recipient-side failures that no retry can fix.
var permanentErrors = []error{
	tele.ErrBlockedByUser,
	tele.ErrUserIsDeactivated,
	tele.ErrChatNotFound,
	tele.ErrNotStartedByUser,
	tele.ErrKickedFromGroup,
}

// classify maps telebot errors onto the transport error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &kit.RateLimitedError{RetryAfter: retryAfter(flood.RetryAfter)}
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return &kit.RateLimitedError{RetryAfter: retryAfter(floodPtr.RetryAfter)}
	}
	for _, perm := range permanentErrors {
		if errors.Is(err, perm) {
			return &kit.PermanentError{Reason: perm.Error()}
		}
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr != nil && apiErr.Code == 403 {
		return &kit.PermanentError{Reason: apiErr.Error()}
	}
	return err
}

func retryAfter(sec int) time.Duration {
	if sec <= 0 {
		return time.Second
	}
	return time.Duration(sec) * time.Second
}
