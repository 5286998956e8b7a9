package delivery

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"routex/internal/storage"
)

var (
	ErrUnknownPlaceholder = errors.New("template: unknown placeholder")
	ErrMalformedTemplate  = errors.New("template: malformed")
)

// Format substitutes {name} placeholders from vars. "{{" and "}}" produce
// literal braces. An unknown name or an unbalanced brace is an error.
func Format(tmpl string, vars map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(tmpl))
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch c {
		case '{':
			if i+1 < len(tmpl) && tmpl[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("%w: unclosed '{' at %d", ErrMalformedTemplate, i)
			}
			name := tmpl[i+1 : i+1+end]
			if strings.ContainsRune(name, '{') {
				return "", fmt.Errorf("%w: nested '{' at %d", ErrMalformedTemplate, i)
			}
			v, ok := vars[name]
			if !ok {
				return "", fmt.Errorf("%w: %q", ErrUnknownPlaceholder, name)
			}
			b.WriteString(v)
			i += end + 1
		case '}':
			if i+1 < len(tmpl) && tmpl[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return "", fmt.Errorf("%w: single '}' at %d", ErrMalformedTemplate, i)
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// Placeholders returns the per-recipient substitutions.
func Placeholders(r storage.Recipient) map[string]string {
	name := r.Username
	if name == "" {
		name = "friend #" + strconv.FormatInt(r.ChatID, 10)
	}
	key := r.Key
	if key == "" {
		key = "—"
	}
	return map[string]string{"username": name, "key": key}
}

// Render personalizes tmpl for r. On any template error the raw template is
// returned along with the error so the caller can log it.
func Render(tmpl string, r storage.Recipient) (string, error) {
	out, err := Format(tmpl, Placeholders(r))
	if err != nil {
		return tmpl, err
	}
	return out, nil
}
