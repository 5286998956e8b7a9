package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: ScheduleArmed, Data: int64(7)})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != ScheduleArmed || e.Data.(int64) != 7 {
			t.Fatalf("unexpected event %+v", e)
		}
		if e.Time.IsZero() {
			t.Fatalf("time not stamped")
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "one"})
	b.Publish(Event{Type: "two"})

	if e := <-ch; e.Type != "one" {
		t.Fatalf("got %q, want one", e.Type)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %q", e.Type)
	default:
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
}
