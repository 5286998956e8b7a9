package router

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var ridSeq atomic.Uint64

// newReqID returns a short correlation id: base36 time, sequence and two
// random characters.
func newReqID() string {
	const alpha = "abcdefghijklmnopqrstuvwxyz0123456789"
	n := ridSeq.Add(1)
	suffix := []byte{alpha[rand.IntN(len(alpha))], alpha[rand.IntN(len(alpha))]}
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(n, 36) + string(suffix)
}

// tokenizeCommandLine splits command text on whitespace, honoring single and
// double quotes and backslash escapes:
//
//	/schedule_toggle 3 "off"
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case esc:
			buf.WriteByte(ch)
			esc = false
		case ch == '\\':
			esc = true
		case inQ:
			if ch == qChar {
				inQ = false
			} else {
				buf.WriteByte(ch)
			}
		case ch == '"' || ch == '\'':
			inQ = true
			qChar = ch
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

// parseFlags splits args into positionals and --k=v / --k v / --flag style
// flags.
func parseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "--") || len(a) == 2 {
			pos = append(pos, a)
			continue
		}
		key := a[2:]
		if k, v, ok := strings.Cut(key, "="); ok {
			flags[k] = v
			continue
		}
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			flags[key] = args[i+1]
			i++
			continue
		}
		bools[key] = true
	}
	return pos, flags, bools
}

// rawArgs returns the untokenized text after the command word.
func rawArgs(text string) string {
	text = strings.TrimSpace(text)
	i := strings.IndexAny(text, " \t\n\r")
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(text[i+1:])
}

// splitPipe splits "a | b | rest" into at most n trimmed fields; the last
// field keeps any further pipes.
func splitPipe(s string, n int) []string {
	parts := strings.SplitN(s, "|", n)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
