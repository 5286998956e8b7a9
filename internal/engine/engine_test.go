package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"routex/internal/audit"
	"routex/internal/delivery"
	"routex/internal/segment"
	"routex/internal/storage"
	"routex/internal/trigger"
	logx "routex/pkg/logx"
)

type runCall struct {
	text       string
	seg        segment.Segment
	scheduleID *int64
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []runCall
	block   chan struct{}
	started chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, text string, seg segment.Segment, scheduleID *int64) (delivery.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, runCall{text: text, seg: seg, scheduleID: scheduleID})
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	return delivery.Result{Queued: 1, Sent: 1, Batches: 1}, nil
}

func (f *fakeRunner) snapshot() []runCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runCall(nil), f.calls...)
}

type fakeAudit struct {
	mu      sync.Mutex
	actions []string
}

func (a *fakeAudit) Log(_ *int64, action string, _ map[string]any) {
	a.mu.Lock()
	a.actions = append(a.actions, action)
	a.mu.Unlock()
}

type fixture struct {
	eng    *Engine
	store  *storage.SQLStore
	runner *fakeRunner
	audit  *fakeAudit
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "routex.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	f := &fixture{store: st, runner: &fakeRunner{}, audit: &fakeAudit{}}
	f.eng = New(Config{Location: time.UTC}, Deps{Store: st, Runner: f.runner, Audit: f.audit})
	if err := f.eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.eng.Stop(ctx)
		_ = st.Close()
	})
	return f
}

func (f *fixture) add(t *testing.T, enabled bool) storage.Schedule {
	t.Helper()
	sc, err := f.eng.AddSchedule(context.Background(), nil, storage.NewSchedule{
		Name: "daily", Kind: "cron", Spec: "0 9 * * *", Text: "hi {username}",
		Segment: `{"type":"donors"}`, Enabled: enabled,
	})
	if err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	return sc
}

func armedIDs(e *Engine) []int64 {
	var ids []int64
	for _, a := range e.Armed() {
		ids = append(ids, a.ID)
	}
	return ids
}

func TestAddScheduleValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		ns   storage.NewSchedule
		want error
	}{
		{"kind", storage.NewSchedule{Name: "a", Kind: "date", Spec: "x", Text: "t"}, trigger.ErrUnsupportedKind},
		{"interval", storage.NewSchedule{Name: "a", Kind: "interval", Spec: "minutes=0", Text: "t"}, trigger.ErrInvalidInterval},
		{"cron", storage.NewSchedule{Name: "a", Kind: "cron", Spec: "61 * * * *", Text: "t"}, trigger.ErrInvalidCron},
		{"filter", storage.NewSchedule{Name: "a", Kind: "cron", Spec: "@daily", Text: "t",
			Segment: `{"type":"custom_filter","where":"1=1 -- x"}`}, segment.ErrInvalidFilter},
	}
	for _, tc := range cases {
		if _, err := f.eng.AddSchedule(ctx, nil, tc.ns); !errors.Is(err, tc.want) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
	all, _ := f.eng.ListSchedules(ctx)
	if len(all) != 0 {
		t.Fatalf("invalid schedules persisted: %+v", all)
	}
}

func TestAddScheduleArmsAndRecordsNextFire(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	sc := f.add(t, true)
	if sc.NextRunAt == nil {
		t.Fatalf("NextRunAt not set on enabled schedule")
	}
	if ids := armedIDs(f.eng); len(ids) != 1 || ids[0] != sc.ID {
		t.Fatalf("armed = %v", ids)
	}
	stored, _, _ := f.store.GetSchedule(context.Background(), sc.ID)
	if stored.NextRunAt == nil || !stored.NextRunAt.Equal(*sc.NextRunAt) {
		t.Fatalf("stored next run = %v, want %v", stored.NextRunAt, sc.NextRunAt)
	}

	off := f.add(t, false)
	if off.NextRunAt != nil || len(armedIDs(f.eng)) != 1 {
		t.Fatalf("disabled schedule armed")
	}

	iv, err := f.eng.AddSchedule(context.Background(), nil, storage.NewSchedule{
		Name: "iv", Kind: "interval", Spec: "hours=2, minutes=30", Text: "x", Enabled: true,
	})
	if err != nil {
		t.Fatalf("AddSchedule(interval): %v", err)
	}
	if iv.Spec != `{"hours":2,"minutes":30}` || iv.Segment != `{"type":"all_subscribed"}` {
		t.Fatalf("interval schedule stored as %q / %q", iv.Spec, iv.Segment)
	}
}

func TestToggleAndDelete(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	sc := f.add(t, true)

	if _, err := f.eng.Toggle(ctx, nil, sc.ID, false); err != nil {
		t.Fatalf("Toggle off: %v", err)
	}
	if ids := armedIDs(f.eng); len(ids) != 0 {
		t.Fatalf("armed after toggle off = %v", ids)
	}
	stored, _, _ := f.store.GetSchedule(ctx, sc.ID)
	if stored.Enabled || stored.NextRunAt != nil {
		t.Fatalf("stored after toggle off = %+v", stored)
	}

	on, err := f.eng.Toggle(ctx, nil, sc.ID, true)
	if err != nil || on.NextRunAt == nil {
		t.Fatalf("Toggle on: %+v %v", on, err)
	}
	if ids := armedIDs(f.eng); len(ids) != 1 {
		t.Fatalf("armed after toggle on = %v", ids)
	}

	if _, err := f.eng.Toggle(ctx, nil, 999, true); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Toggle(missing) = %v", err)
	}

	if err := f.eng.Delete(ctx, nil, sc.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ids := armedIDs(f.eng); len(ids) != 0 {
		t.Fatalf("armed after delete = %v", ids)
	}
	if err := f.eng.Delete(ctx, nil, sc.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second Delete = %v", err)
	}

	want := []string{"schedule_create", "schedule_toggle", "schedule_toggle", "schedule_delete"}
	f.audit.mu.Lock()
	got := strings.Join(f.audit.actions, ",")
	f.audit.mu.Unlock()
	if got != strings.Join(want, ",") {
		t.Fatalf("audit = %s", got)
	}
}

func TestFireSkipsMissingAndDisabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	off := f.add(t, false)
	f.eng.fire(ctx, off.ID, time.Now())
	f.eng.fire(ctx, 12345, time.Now())
	if calls := f.runner.snapshot(); len(calls) != 0 {
		t.Fatalf("runner called for skipped schedules: %+v", calls)
	}

	on := f.add(t, true)
	f.eng.fire(ctx, on.ID, time.Now())
	calls := f.runner.snapshot()
	if len(calls) != 1 || calls[0].scheduleID == nil || *calls[0].scheduleID != on.ID {
		t.Fatalf("fire calls = %+v", calls)
	}
	if _, ok := calls[0].seg.(segment.Donors); !ok || calls[0].text != "hi {username}" {
		t.Fatalf("fire call = %+v", calls[0])
	}
}

func TestDeleteWhileRunInFlight(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.runner.block = make(chan struct{})
	f.runner.started = make(chan struct{}, 1)
	sc := f.add(t, true)

	done := make(chan struct{})
	go func() {
		f.eng.fire(context.Background(), sc.ID, time.Now())
		close(done)
	}()
	<-f.runner.started

	deleted := make(chan error, 1)
	go func() { deleted <- f.eng.Delete(context.Background(), nil, sc.ID) }()
	select {
	case err := <-deleted:
		t.Fatalf("Delete returned while run in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if ids := armedIDs(f.eng); len(ids) != 0 {
		t.Fatalf("schedule still armed during delete: %v", ids)
	}

	close(f.runner.block)
	select {
	case err := <-deleted:
		if err != nil {
			t.Fatalf("Delete: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Delete did not finish after the run")
	}
	<-done
	if _, ok, _ := f.store.GetSchedule(context.Background(), sc.ID); ok {
		t.Fatal("schedule row still present")
	}
}

func TestDeleteGivesUpWhenRunOutlastsContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.runner.block = make(chan struct{})
	f.runner.started = make(chan struct{}, 1)
	sc := f.add(t, true)

	done := make(chan struct{})
	go func() {
		f.eng.fire(context.Background(), sc.ID, time.Now())
		close(done)
	}()
	<-f.runner.started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := f.eng.Delete(ctx, nil, sc.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Delete = %v, want deadline exceeded", err)
	}
	close(f.runner.block)
	<-done
	if _, ok, _ := f.store.GetSchedule(context.Background(), sc.ID); !ok {
		t.Fatal("schedule removed despite failed delete")
	}
}

func TestOnExternalEvent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.eng.OnExternalEvent(ctx, "release", map[string]any{"version": "1.2"}); err != nil {
		t.Fatalf("OnExternalEvent: %v", err)
	}
	calls := f.runner.snapshot()
	if len(calls) != 1 {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].text != `Hello! We have fresh news: {"version":"1.2"}.` {
		t.Fatalf("default template text = %q", calls[0].text)
	}
	if _, ok := calls[0].seg.(segment.AllSubscribed); !ok || calls[0].scheduleID != nil {
		t.Fatalf("event broadcast target = %+v", calls[0])
	}

	if err := f.eng.SetEventTemplate(ctx, nil, "release", "{greeting}, release out: {payload_message}"); err != nil {
		t.Fatalf("SetEventTemplate: %v", err)
	}
	f.eng.SetGreeting("Hi")
	if _, err := f.eng.OnExternalEvent(ctx, "release", map[string]any{}); err != nil {
		t.Fatalf("OnExternalEvent: %v", err)
	}
	if got := f.runner.snapshot()[1].text; got != "Hi, release out: {}" {
		t.Fatalf("custom template text = %q", got)
	}

	if err := f.eng.SetEventTemplate(ctx, nil, "release", "{unknown}"); !errors.Is(err, ErrInvalidTemplate) {
		t.Fatalf("SetEventTemplate(bad) = %v", err)
	}
}

func TestOnExternalEventValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for _, tc := range []struct {
		typ     string
		payload map[string]any
	}{
		{"", map[string]any{}},
		{"   ", map[string]any{}},
		{strings.Repeat("e", MaxEventTypeLen+1), map[string]any{}},
		{"release", nil},
	} {
		if _, err := f.eng.OnExternalEvent(ctx, tc.typ, tc.payload); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("OnExternalEvent(%q) = %v, want ErrInvalidEvent", tc.typ, err)
		}
	}
	if _, err := f.eng.OnExternalEvent(ctx, strings.Repeat("e", MaxEventTypeLen), map[string]any{}); err != nil {
		t.Fatalf("100-char event type rejected: %v", err)
	}
	if err := f.eng.DispatchEvent("", map[string]any{}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("DispatchEvent invalid = %v", err)
	}
}

func TestStartArmsEnabledSchedules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Path: filepath.Join(t.TempDir(), "routex.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	on, _ := st.AddSchedule(ctx, storage.NewSchedule{Name: "on", Kind: "cron", Spec: "@daily", Text: "x", Segment: "{}", Enabled: true})
	_, _ = st.AddSchedule(ctx, storage.NewSchedule{Name: "off", Kind: "cron", Spec: "@daily", Text: "x", Segment: "{}", Enabled: false})
	_, _ = st.AddSchedule(ctx, storage.NewSchedule{Name: "broken", Kind: "cron", Spec: "nope", Text: "x", Segment: "{}", Enabled: true})

	eng := New(Config{}, Deps{Store: st, Runner: &fakeRunner{}})
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		_ = eng.Stop(sctx)
	}()

	if ids := armedIDs(eng); len(ids) != 1 || ids[0] != on.ID {
		t.Fatalf("armed at start = %v", ids)
	}
}

func TestSubscription(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.eng.Register(ctx, 77, "zed"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := f.eng.SetSubscription(ctx, 77, "", false); err != nil {
		t.Fatalf("SetSubscription: %v", err)
	}
	r, _, _ := f.store.GetRecipientByChat(ctx, 77)
	if r.Subscribed || r.Username != "zed" {
		t.Fatalf("recipient = %+v", r)
	}
}

func TestMarkDonorRegistersAndFlags(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	r, err := f.eng.MarkDonor(ctx, 77, "kim")
	if err != nil {
		t.Fatalf("MarkDonor: %v", err)
	}
	if !r.Donor || !r.Subscribed {
		t.Fatalf("recipient = %+v", r)
	}
	got, ok, err := f.store.GetRecipientByChat(ctx, 77)
	if err != nil || !ok || !got.Donor {
		t.Fatalf("stored = %+v ok=%v err=%v", got, ok, err)
	}
	if _, err := f.eng.MarkDonor(ctx, 77, "kim"); err != nil {
		t.Fatalf("repeat MarkDonor: %v", err)
	}

	f.audit.mu.Lock()
	defer f.audit.mu.Unlock()
	if len(f.audit.actions) != 1 || f.audit.actions[0] != audit.ActionDonorMarked {
		t.Fatalf("audit = %v", f.audit.actions)
	}
}

func TestSetRecipientKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	owner := int64(1)
	if err := f.eng.SetRecipientKey(ctx, &owner, 88, "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("unknown chat: %v", err)
	}
	if _, err := f.store.EnsureRecipient(ctx, 88, ""); err != nil {
		t.Fatal(err)
	}
	if err := f.eng.SetRecipientKey(ctx, &owner, 88, "vless://abc"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if r, _, _ := f.store.GetRecipientByChat(ctx, 88); r.Key != "vless://abc" {
		t.Fatalf("key = %q", r.Key)
	}
	if err := f.eng.SetRecipientKey(ctx, &owner, 88, ""); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if r, _, _ := f.store.GetRecipientByChat(ctx, 88); r.Key != "" {
		t.Fatalf("key after clear = %q", r.Key)
	}
}
