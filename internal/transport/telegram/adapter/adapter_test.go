package adapter

import (
	"errors"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "routex/internal/transport"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()

	if got := splitTelegramText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split = %q", got)
	}

	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitTelegramText(long, 10, "")
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("newline split = %q", got)
	}

	flat := strings.Repeat("x", 25)
	got = splitTelegramText(flat, 10, "")
	if len(got) != 3 || len(got[2]) != 5 {
		t.Fatalf("hard split = %q", got)
	}

	html := "hello <b>bold</b>"
	got = splitTelegramText(html, 8, "HTML")
	if got[0] != "hello " {
		t.Fatalf("HTML split cut inside tag: %q", got)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	var rl *kit.RateLimitedError
	if err := classify(tele.FloodError{RetryAfter: 7}); !errors.As(err, &rl) || rl.RetryAfter != 7*time.Second {
		t.Fatalf("flood error classified as %v", err)
	}

	var perm *kit.PermanentError
	for _, e := range []error{tele.ErrBlockedByUser, tele.ErrChatNotFound, tele.ErrUserIsDeactivated} {
		if err := classify(e); !errors.As(err, &perm) {
			t.Fatalf("classify(%v) = %v, want PermanentError", e, err)
		}
	}

	plain := errors.New("connection reset")
	if err := classify(plain); err != plain {
		t.Fatalf("transient error rewritten: %v", err)
	}
	if classify(nil) != nil {
		t.Fatalf("classify(nil) != nil")
	}
}
