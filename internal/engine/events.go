package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"routex/internal/audit"
	"routex/internal/delivery"
	"routex/internal/segment"
	logx "routex/pkg/logx"
)

const (
	MaxEventTypeLen      = 100
	DefaultGreeting      = "Hello"
	DefaultEventTemplate = "{greeting}! We have fresh news: {payload_message}."

	eventTemplatePrefix = "event_template:"
)

var (
	ErrInvalidEvent    = errors.New("engine: invalid event")
	ErrInvalidTemplate = errors.New("engine: invalid event template")
)

func greetingOrDefault(g string) string {
	if g = strings.TrimSpace(g); g == "" {
		return DefaultGreeting
	}
	return g
}

// ValidateEvent checks an event type and payload before anything is queued.
func ValidateEvent(eventType string, payload map[string]any) error {
	t := strings.TrimSpace(eventType)
	if t == "" {
		return fmt.Errorf("%w: event_type is required", ErrInvalidEvent)
	}
	if utf8.RuneCountInString(t) > MaxEventTypeLen {
		return fmt.Errorf("%w: event_type longer than %d characters", ErrInvalidEvent, MaxEventTypeLen)
	}
	if payload == nil {
		return fmt.Errorf("%w: payload must be an object", ErrInvalidEvent)
	}
	return nil
}

// OnExternalEvent renders the template configured for eventType (or the
// default one) and broadcasts it to all subscribers.
func (e *Engine) OnExternalEvent(ctx context.Context, eventType string, payload map[string]any) (delivery.Result, error) {
	if err := ValidateEvent(eventType, payload); err != nil {
		return delivery.Result{}, err
	}
	eventType = strings.TrimSpace(eventType)

	text, err := e.renderEvent(ctx, eventType, payload)
	if err != nil {
		return delivery.Result{}, err
	}
	e.audit.Log(nil, audit.ActionExternalEvent, map[string]any{"event_type": eventType})
	res, err := e.run(ctx, text, segment.AllSubscribed{}, nil)
	if err != nil {
		return res, err
	}
	e.log.Info("event broadcast finished",
		logx.String("event_type", eventType),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed),
	)
	return res, nil
}

// DispatchEvent validates synchronously and broadcasts in the background.
func (e *Engine) DispatchEvent(eventType string, payload map[string]any) error {
	if err := ValidateEvent(eventType, payload); err != nil {
		return err
	}
	e.mu.RLock()
	sup := e.sup
	e.mu.RUnlock()
	if sup == nil {
		return errors.New("engine not running")
	}
	sup.Go0("event."+eventType, func(ctx context.Context) {
		if _, err := e.OnExternalEvent(ctx, eventType, payload); err != nil {
			e.log.Warn("event broadcast failed", logx.String("event_type", eventType), logx.Err(err))
		}
	})
	return nil
}

func (e *Engine) renderEvent(ctx context.Context, eventType string, payload map[string]any) (string, error) {
	tmpl, ok, err := e.store.GetSetting(ctx, eventTemplatePrefix+eventType)
	if err != nil {
		return "", err
	}
	if !ok || strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultEventTemplate
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: payload: %v", ErrInvalidEvent, err)
	}
	e.mu.RLock()
	vars := map[string]string{"greeting": e.greeting, "payload_message": string(b)}
	e.mu.RUnlock()

	text, err := delivery.Format(tmpl, vars)
	if err != nil {
		e.log.Warn("event template unusable, using default", logx.String("event_type", eventType), logx.Err(err))
		text, err = delivery.Format(DefaultEventTemplate, vars)
	}
	return text, err
}

// SetEventTemplate stores the template for eventType. The template may use
// {greeting} and {payload_message}.
func (e *Engine) SetEventTemplate(ctx context.Context, actor *int64, eventType, text string) error {
	eventType = strings.TrimSpace(eventType)
	if err := ValidateEvent(eventType, map[string]any{}); err != nil {
		return err
	}
	if _, err := delivery.Format(text, map[string]string{"greeting": "", "payload_message": ""}); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	if err := e.store.SetSetting(ctx, eventTemplatePrefix+eventType, text); err != nil {
		return err
	}
	e.audit.Log(actor, audit.ActionEventTemplate, map[string]any{"event_type": eventType})
	return nil
}
