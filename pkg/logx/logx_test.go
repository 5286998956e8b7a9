package logx

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestFormatRecord(t *testing.T) {
	t.Parallel()

	line := []byte(`{"level":"warn","time":"2026-01-01T00:00:00Z","message":"send failed","comp":"delivery","attempt":2}` + "\n")
	got := FormatRecord(line)
	want := "[WARN] send failed\n- attempt=2\n- comp=delivery"
	if got != want {
		t.Fatalf("FormatRecord() = %q, want %q", got, want)
	}
}

func TestFormatRecordNotJSON(t *testing.T) {
	t.Parallel()

	got := FormatRecord([]byte("  plain text  \n"))
	if got != "plain text" {
		t.Fatalf("FormatRecord() = %q", got)
	}
}

func TestFormatRecordTruncates(t *testing.T) {
	t.Parallel()

	long := `{"level":"error","message":"` + strings.Repeat("x", 5000) + `"}`
	got := FormatRecord([]byte(long))
	if len(got) != telegramLogLimit {
		t.Fatalf("len = %d, want %d", len(got), telegramLogLimit)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("missing ellipsis")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" INFO ", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.WarnLevel},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in, zerolog.WarnLevel); got != tc.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("nothing happens", String("k", "v"))
	if Nop().IsZero() {
		t.Fatalf("Nop logger should not be zero")
	}
}
