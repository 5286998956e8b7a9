package router

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"routex/internal/delivery"
	"routex/internal/segment"
	"routex/internal/storage"
)

// Engine is what the chat commands drive. *engine.Engine implements it.
type Engine interface {
	AddSchedule(ctx context.Context, actor *int64, ns storage.NewSchedule) (storage.Schedule, error)
	ListSchedules(ctx context.Context) ([]storage.Schedule, error)
	Toggle(ctx context.Context, actor *int64, id int64, enabled bool) (storage.Schedule, error)
	Delete(ctx context.Context, actor *int64, id int64) error
	BroadcastNow(ctx context.Context, actor *int64, text string, seg segment.Segment) (delivery.Result, error)
	SetEventTemplate(ctx context.Context, actor *int64, eventType, text string) error
	Stats(ctx context.Context) (storage.Stats, error)
	Register(ctx context.Context, chatID int64, username string) (storage.Recipient, error)
	SetSubscription(ctx context.Context, chatID int64, username string, subscribed bool) error
	MarkDonor(ctx context.Context, chatID int64, username string) (storage.Recipient, error)
	SetRecipientKey(ctx context.Context, actor *int64, chatID int64, key string) error
}

// Commands builds the command set served by the bot. loc formats next run
// times.
func Commands(eng Engine, loc *time.Location) []Command {
	if loc == nil {
		loc = time.UTC
	}
	h := handlers{eng: eng, loc: loc}
	return []Command{
		{
			Route:       "start",
			Description: "subscribe to broadcasts",
			Usage:       "/start",
			Access:      AccessEveryone,
			Timeout:     10 * time.Second,
			Handle:      h.start,
		},
		{
			Route:       "optout",
			Aliases:     []string{"stop", "unsubscribe"},
			Description: "stop receiving broadcasts",
			Usage:       "/optout",
			Access:      AccessEveryone,
			Timeout:     10 * time.Second,
			Handle:      h.subscription(false),
		},
		{
			Route:       "optin",
			Aliases:     []string{"subscribe"},
			Description: "receive broadcasts again",
			Usage:       "/optin",
			Access:      AccessEveryone,
			Timeout:     10 * time.Second,
			Handle:      h.subscription(true),
		},
		{
			Route:       "donate",
			Description: "mark yourself as a donor",
			Usage:       "/donate",
			Access:      AccessEveryone,
			Timeout:     10 * time.Second,
			Handle:      h.donate,
		},
		{
			Route:       "schedule add",
			Description: "create a schedule",
			Usage:       "/schedule_add name | cron|interval | spec | segment | text",
			Access:      AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle:      h.scheduleAdd,
		},
		{
			Route:       "schedule list",
			Aliases:     []string{"schedules"},
			Description: "list schedules",
			Usage:       "/schedule_list",
			Access:      AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle:      h.scheduleList,
		},
		{
			Route:       "schedule toggle",
			Description: "enable or disable a schedule",
			Usage:       "/schedule_toggle <id> [on|off]",
			Access:      AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle:      h.scheduleToggle,
		},
		{
			// No timeout: waits for a run already in flight.
			Route:       "schedule delete",
			Description: "delete a schedule",
			Usage:       "/schedule_delete <id>",
			Access:      AccessOwnerOnly,
			Handle:      h.scheduleDelete,
		},
		{
			// No timeout: a broadcast runs until every batch is sent.
			Route:       "broadcast now",
			Description: "send a message to a segment right away",
			Usage:       "/broadcast_now <segment> | <text>",
			Access:      AccessOwnerOnly,
			Handle:      h.broadcastNow,
		},
		{
			Route:       "event template",
			Description: "set the message template for an event type",
			Usage:       "/event_template <type> | <text with {greeting} and {payload_message}>",
			Access:      AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle:      h.eventTemplate,
		},
		{
			Route:       "recipient key",
			Aliases:     []string{"setkey"},
			Description: "set or clear the {key} value of a recipient",
			Usage:       "/recipient_key <chat_id> [key]",
			Access:      AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle:      h.recipientKey,
		},
		{
			Route:       "stats",
			Description: "recipient and delivery totals",
			Usage:       "/stats",
			Access:      AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle:      h.stats,
		},
	}
}

type handlers struct {
	eng Engine
	loc *time.Location
}

func (h handlers) start(ctx context.Context, req *Request) error {
	r, err := h.eng.Register(ctx, req.Chat.ChatID, req.Username)
	if err != nil {
		return err
	}
	if !r.Subscribed {
		return req.Reply(ctx, "👋 Welcome back. You are currently unsubscribed, send /optin to receive broadcasts again.")
	}
	return req.Reply(ctx, "👋 You are subscribed. Send /optout at any time to stop receiving broadcasts.")
}

func (h handlers) subscription(on bool) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if err := h.eng.SetSubscription(ctx, req.Chat.ChatID, req.Username, on); err != nil {
			return err
		}
		if on {
			return req.Reply(ctx, "✅ Subscribed.")
		}
		return req.Reply(ctx, "🔕 Unsubscribed. Send /optin to come back.")
	}
}

func (h handlers) donate(ctx context.Context, req *Request) error {
	r, err := h.eng.MarkDonor(ctx, req.Chat.ChatID, req.Username)
	if err != nil {
		return err
	}
	if !r.Subscribed {
		return req.Reply(ctx, "💛 Thank you for your support! You are unsubscribed, send /optin to get donor broadcasts.")
	}
	return req.Reply(ctx, "💛 Thank you for your support!")
}

func (h handlers) recipientKey(ctx context.Context, req *Request) error {
	if len(req.Args) < 1 || len(req.Args) > 2 {
		return usagef("usage: /recipient_key <chat_id> [key]")
	}
	chatID, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil || chatID == 0 {
		return usagef("invalid chat id %q", req.Args[0])
	}
	key := ""
	if len(req.Args) == 2 {
		key = req.Args[1]
	}
	err = h.eng.SetRecipientKey(ctx, req.Actor(), chatID, key)
	if errors.Is(err, storage.ErrNotFound) {
		return usagef("chat %d is not a recipient", chatID)
	}
	if err != nil {
		return err
	}
	if key == "" {
		return req.Reply(ctx, fmt.Sprintf("🔑 Key cleared for chat %d.", chatID))
	}
	return req.Reply(ctx, fmt.Sprintf("🔑 Key set for chat %d.", chatID))
}

func (h handlers) scheduleAdd(ctx context.Context, req *Request) error {
	f := splitPipe(req.Raw, 5)
	if len(f) != 5 || f[0] == "" || f[2] == "" || f[4] == "" {
		return usagef("usage: /schedule_add name | cron|interval | spec | segment | text")
	}
	seg, err := segment.ParseText(f[3])
	if err != nil {
		return usagef("bad segment: %v", err)
	}
	if err := segment.Validate(seg); err != nil {
		return usagef("bad segment: %v", err)
	}
	enc, err := segment.Encode(seg)
	if err != nil {
		return err
	}
	sc, err := h.eng.AddSchedule(ctx, req.Actor(), storage.NewSchedule{
		Name:    f[0],
		Kind:    f[1],
		Spec:    f[2],
		Segment: string(enc),
		Text:    f[4],
		Enabled: true,
	})
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("✅ Schedule <b>#%d</b> %s created, next run %s.",
		sc.ID, html.EscapeString(sc.Name), h.when(sc.NextRunAt)))
}

func (h handlers) scheduleList(ctx context.Context, req *Request) error {
	list, err := h.eng.ListSchedules(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return req.Reply(ctx, "No schedules yet. Create one with /schedule_add.")
	}
	var b strings.Builder
	b.WriteString("🗓 <b>Schedules</b>\n")
	for _, sc := range list {
		state := "⏸"
		if sc.Enabled {
			state = "▶️"
		}
		desc := sc.Segment
		if seg, err := segment.Parse([]byte(sc.Segment)); err == nil {
			desc = segment.Describe(seg)
		}
		fmt.Fprintf(&b, "\n%s <b>#%d</b> %s\n<code>%s %s</code> → %s\nnext: %s\n",
			state, sc.ID, html.EscapeString(sc.Name),
			html.EscapeString(sc.Kind), html.EscapeString(sc.Spec),
			html.EscapeString(desc), h.when(sc.NextRunAt))
	}
	return req.Reply(ctx, b.String())
}

func (h handlers) scheduleToggle(ctx context.Context, req *Request) error {
	if len(req.Args) < 1 || len(req.Args) > 2 {
		return usagef("usage: /schedule_toggle <id> [on|off]")
	}
	id, err := parseID(req.Args[0])
	if err != nil {
		return err
	}

	var enabled bool
	if len(req.Args) == 2 {
		switch strings.ToLower(req.Args[1]) {
		case "on", "enable", "1", "true":
			enabled = true
		case "off", "disable", "0", "false":
			enabled = false
		default:
			return usagef("state must be on or off")
		}
	} else {
		cur, ok, err := h.find(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return usagef("schedule #%d not found", id)
		}
		enabled = !cur.Enabled
	}

	sc, err := h.eng.Toggle(ctx, req.Actor(), id, enabled)
	if errors.Is(err, storage.ErrNotFound) {
		return usagef("schedule #%d not found", id)
	}
	if err != nil {
		return err
	}
	if sc.Enabled {
		return req.Reply(ctx, fmt.Sprintf("▶️ Schedule #%d enabled, next run %s.", id, h.when(sc.NextRunAt)))
	}
	return req.Reply(ctx, fmt.Sprintf("⏸ Schedule #%d disabled.", id))
}

func (h handlers) scheduleDelete(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return usagef("usage: /schedule_delete <id>")
	}
	id, err := parseID(req.Args[0])
	if err != nil {
		return err
	}
	err = h.eng.Delete(ctx, req.Actor(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return usagef("schedule #%d not found", id)
	}
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("🗑 Schedule #%d deleted.", id))
}

func (h handlers) broadcastNow(ctx context.Context, req *Request) error {
	f := splitPipe(req.Raw, 2)
	if len(f) != 2 || f[1] == "" {
		return usagef("usage: /broadcast_now <segment> | <text>")
	}
	seg, err := segment.ParseText(f[0])
	if err != nil {
		return usagef("bad segment: %v", err)
	}
	if err := segment.Validate(seg); err != nil {
		return usagef("bad segment: %v", err)
	}
	_ = req.Reply(ctx, fmt.Sprintf("📣 Broadcasting to <code>%s</code>…", html.EscapeString(segment.Describe(seg))))

	res, err := h.eng.BroadcastNow(ctx, req.Actor(), f[1], seg)
	summary := formatResult(res)
	if err != nil {
		return fmt.Errorf("broadcast stopped early (%s): %w", summary, err)
	}
	return req.Reply(ctx, "✅ Broadcast finished: "+summary)
}

func (h handlers) eventTemplate(ctx context.Context, req *Request) error {
	f := splitPipe(req.Raw, 2)
	if len(f) != 2 || f[0] == "" || f[1] == "" {
		return usagef("usage: /event_template <type> | <text>")
	}
	if err := h.eng.SetEventTemplate(ctx, req.Actor(), f[0], f[1]); err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("✅ Template for <code>%s</code> saved.", html.EscapeString(f[0])))
}

func (h handlers) stats(ctx context.Context, req *Request) error {
	st, err := h.eng.Stats(ctx)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("📊 <b>Stats</b>\n")
	fmt.Fprintf(&b, "recipients: %d (subscribed %d, unsubscribed %d, donors %d)\n",
		st.Recipients.Total, st.Recipients.Subscribed, st.Recipients.Unsubscribed, st.Recipients.Donors)
	if len(st.Schedules) == 0 {
		b.WriteString("no scheduled deliveries yet")
		return req.Reply(ctx, b.String())
	}
	b.WriteString("\n<b>Per schedule</b>\n")
	for _, s := range st.Schedules {
		fmt.Fprintf(&b, "#%d sent %d, failed %d\n", s.ScheduleID, s.Sent, s.Failed)
	}
	return req.Reply(ctx, b.String())
}

func (h handlers) find(ctx context.Context, id int64) (storage.Schedule, bool, error) {
	list, err := h.eng.ListSchedules(ctx)
	if err != nil {
		return storage.Schedule{}, false, err
	}
	for _, sc := range list {
		if sc.ID == id {
			return sc, true, nil
		}
	}
	return storage.Schedule{}, false, nil
}

func (h handlers) when(t *time.Time) string {
	if t == nil {
		return "not armed"
	}
	return t.In(h.loc).Format("2006-01-02 15:04 MST")
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, usagef("invalid schedule id %q", s)
	}
	return id, nil
}

func formatResult(r delivery.Result) string {
	return fmt.Sprintf("sent %d, failed %d, skipped %d", r.Sent, r.Failed, r.Skipped)
}
