package router

import (
	"sort"
	"strings"

	kit "routex/internal/transport"
)

const (
	maxMenuCommands = 100
	maxMenuDesc     = 256
	maxCommandLen   = 32
)

// sanitizeTelegramCommand maps a route token or alias onto Telegram's
// [a-z0-9_]{1,32} command alphabet. It returns "" when nothing usable is left.
func sanitizeTelegramCommand(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	under := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			under = false
		case r == '_' || r == '-' || r == ' ' || r == '/':
			if b.Len() > 0 && !under {
				b.WriteByte('_')
				under = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > maxCommandLen {
		out = strings.TrimRight(out[:maxCommandLen], "_")
	}
	return out
}

// telegramCommandNameFromRoute joins a route with underscores:
// ["schedule","add"] -> "schedule_add".
func telegramCommandNameFromRoute(route []string) (string, bool) {
	out := sanitizeTelegramCommand(strings.Join(route, "_"))
	return out, out != ""
}

// buildTelegramMenuCommands lists every leaf command under its underscore
// name, public commands first.
func buildTelegramMenuCommands(cmds []Command) []kit.BotCommand {
	type entry struct {
		cmd, desc string
		lock      bool
	}
	byCmd := map[string]entry{}
	for _, c := range cmds {
		name, ok := telegramCommandNameFromRoute(splitRoute(c.Route))
		if !ok {
			continue
		}
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = name
		}
		lock := c.Access == AccessOwnerOnly
		if lock {
			desc = "🔒 " + desc
		}
		if len(desc) > maxMenuDesc {
			desc = desc[:maxMenuDesc]
		}
		byCmd[name] = entry{cmd: name, desc: desc, lock: lock}
	}

	entries := make([]entry, 0, len(byCmd))
	for _, e := range byCmd {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].lock != entries[j].lock {
			return !entries[i].lock
		}
		return entries[i].cmd < entries[j].cmd
	})

	out := make([]kit.BotCommand, 0, min(len(entries), maxMenuCommands))
	for _, e := range entries {
		if len(out) == maxMenuCommands {
			break
		}
		out = append(out, kit.BotCommand{Command: e.cmd, Description: e.desc})
	}
	return out
}
