package segment

import (
	"context"
	"errors"
	"testing"
	"time"

	"routex/internal/storage"
	logx "routex/pkg/logx"
)

type countingLister struct {
	calls int
	last  storage.RecipientQuery
	out   []storage.Recipient
}

func (c *countingLister) ListRecipients(_ context.Context, q storage.RecipientQuery) ([]storage.Recipient, error) {
	c.calls++
	c.last = q
	return c.out, nil
}

func TestParseTags(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want Segment
	}{
		{``, AllSubscribed{}},
		{`{}`, AllSubscribed{}},
		{`{"type":"all_subscribed"}`, AllSubscribed{}},
		{`{"type":"no_key"}`, NoKey{}},
		{`{"type":"donors"}`, Donors{}},
		{`{"type":"inactive_30d"}`, InactiveFor{Period: 30 * 24 * time.Hour}},
		{`{"type":"inactive_for","days":7}`, InactiveFor{Period: 7 * 24 * time.Hour}},
		{`{"type":"custom_sql","where":"donor = 1"}`, CustomFilter{Where: "donor = 1"}},
		{`{"type":"vip"}`, Unknown{Name: "vip"}},
	}
	for _, tc := range cases {
		got, err := Parse([]byte(tc.in))
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Parse(%q) = %#v, want %#v", tc.in, got, tc.want)
		}
	}

	if _, err := Parse([]byte(`{"type":`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestParseTextAndEncode(t *testing.T) {
	t.Parallel()

	seg, err := ParseText("inactive_for:14")
	if err != nil {
		t.Fatalf("ParseText: %v", err)
	}
	b, err := Encode(seg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(b) != `{"type":"inactive_for","days":14}` {
		t.Fatalf("Encode = %s", b)
	}
	back, err := Parse(b)
	if err != nil || back != seg {
		t.Fatalf("Parse(Encode) = %#v, %v", back, err)
	}

	seg, err = ParseText("custom_filter: username IS NOT NULL")
	if err != nil {
		t.Fatalf("ParseText: %v", err)
	}
	if cf, ok := seg.(CustomFilter); !ok || cf.Where != "username IS NOT NULL" {
		t.Fatalf("ParseText custom = %#v", seg)
	}

	if _, err := ParseText("inactive_for:abc"); err == nil {
		t.Fatalf("expected invalid days error")
	}
	if got := Describe(InactiveFor{Period: 30 * 24 * time.Hour}); got != "inactive_for:30" {
		t.Fatalf("Describe = %q", got)
	}
}

func TestValidateRejectsUnsafeFilters(t *testing.T) {
	t.Parallel()

	for _, where := range []string{"", "   ", "1=1 -- x", "1=1; DROP TABLE recipients", "1=1 /* x */"} {
		if err := Validate(CustomFilter{Where: where}); !errors.Is(err, ErrInvalidFilter) {
			t.Fatalf("Validate(%q) = %v, want ErrInvalidFilter", where, err)
		}
	}
	if err := Validate(CustomFilter{Where: "donor = 1"}); err != nil {
		t.Fatalf("Validate(valid) = %v", err)
	}
	if err := Validate(Donors{}); err != nil {
		t.Fatalf("Validate(Donors) = %v", err)
	}
}

func TestResolveInvalidFilterSkipsStore(t *testing.T) {
	t.Parallel()

	store := &countingLister{}
	r := NewResolver(store, logx.Nop())
	_, err := r.Resolve(context.Background(), CustomFilter{Where: "1=1 -- drop"})
	if !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("Resolve error = %v, want ErrInvalidFilter", err)
	}
	if store.calls != 0 {
		t.Fatalf("store queried %d times", store.calls)
	}
}

func TestResolveQueries(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &countingLister{}
	r := NewResolver(store, logx.Nop())
	r.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := r.Resolve(ctx, Unknown{Name: "vip"}); err != nil {
		t.Fatalf("Resolve(Unknown): %v", err)
	}
	if store.last != (storage.RecipientQuery{SubscribedOnly: true}) {
		t.Fatalf("unknown segment query = %+v, want all_subscribed", store.last)
	}

	if _, err := r.Resolve(ctx, NoKey{}); err != nil {
		t.Fatalf("Resolve(NoKey): %v", err)
	}
	if !store.last.SubscribedOnly || !store.last.NoKey {
		t.Fatalf("no_key query = %+v", store.last)
	}

	if _, err := r.Resolve(ctx, InactiveFor{Period: 10 * 24 * time.Hour}); err != nil {
		t.Fatalf("Resolve(InactiveFor): %v", err)
	}
	if store.last.InactiveBefore == nil || !store.last.InactiveBefore.Equal(now.Add(-10*24*time.Hour)) {
		t.Fatalf("inactive query = %+v", store.last)
	}

	if _, err := r.Resolve(ctx, CustomFilter{Where: "donor = 1"}); err != nil {
		t.Fatalf("Resolve(CustomFilter): %v", err)
	}
	if store.last.SubscribedOnly || store.last.Where != "donor = 1" {
		t.Fatalf("custom query = %+v", store.last)
	}
}
