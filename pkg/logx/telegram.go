package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

const telegramLogLimit = 3500

func (s *Service) telegramWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.tgQueue:
			s.mu.Lock()
			sender := s.sender
			chatID := s.cfg.Telegram.ChatID
			threadID := s.cfg.Telegram.ThreadID
			s.mu.Unlock()
			if sender == nil || chatID == 0 {
				continue
			}
			_ = sender.SendLog(ctx, chatID, threadID, msg)
		}
	}
}

// telegramWriter is a zerolog LevelWriter that forwards records to the
// Telegram worker. It never blocks the caller.
type telegramWriter struct{ svc *Service }

func (w *telegramWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *telegramWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	lim := s.limiter
	min := s.minLevel
	chatID := s.cfg.Telegram.ChatID
	s.mu.Unlock()

	if chatID == 0 || lim == nil || level < min || !lim.Allow() {
		return len(p), nil
	}
	msg := FormatRecord(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case s.tgQueue <- msg:
	default:
	}
	return len(p), nil
}

// FormatRecord renders a zerolog JSON line as a compact chat message.
func FormatRecord(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), telegramLogLimit)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(m[k]), 600))
	}
	return truncate(b.String(), telegramLogLimit)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
