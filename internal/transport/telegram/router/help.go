package router

import (
	"html"
	"sort"
	"strings"
)

// helpText renders help in Telegram HTML. Owner-only commands are listed
// only for owners.
func (m *CommandManager) helpText(path []string, owner bool) string {
	m.mu.RLock()
	root := m.root
	alias := m.alias
	m.mu.RUnlock()

	if len(path) == 0 {
		return helpTop(root, owner)
	}

	cur := root
	full := make([]string, 0, len(path))
	for _, p := range path {
		p = strings.ToLower(strings.TrimPrefix(p, "/"))
		if len(full) == 0 {
			if leaf, ok := alias[p]; ok && leaf != nil && leaf.cmd != nil {
				cur = leaf
				full = splitRoute(leaf.cmd.Route)
				break
			}
		}
		n, ok := cur.child(p)
		if !ok {
			return "❓ <b>Unknown command</b>\nSend <code>/help</code> for the command list."
		}
		cur = n
		full = append(full, p)
	}
	if !owner && nodeIsOwnerOnly(cur) {
		return "❓ <b>Unknown command</b>\nSend <code>/help</code> for the command list."
	}
	return helpNode(cur, full, owner)
}

func helpTop(root *cmdNode, owner bool) string {
	type row struct {
		name, desc string
		lock       bool
	}
	var rows []row
	for _, name := range root.childNames() {
		n, _ := root.child(name)
		lock := nodeIsOwnerOnly(n)
		if lock && !owner {
			continue
		}
		rows = append(rows, row{name: name, desc: summarizeNodeDesc(n), lock: lock})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].lock != rows[j].lock {
			return !rows[i].lock
		}
		return rows[i].name < rows[j].name
	})

	lines := []string{"📚 <b>Commands</b>", "Send <code>/help &lt;command&gt;</code> for details.", ""}
	for _, r := range rows {
		lines = append(lines, bullet(r.lock, "/"+r.name, r.desc))
	}
	return strings.Join(lines, "\n")
}

func helpNode(cur *cmdNode, full []string, owner bool) string {
	lines := []string{"📚 <b>Help</b> <code>/" + html.EscapeString(strings.Join(full, " ")) + "</code>"}

	if c := cur.cmd; c != nil {
		if d := strings.TrimSpace(c.Description); d != "" {
			lines = append(lines, html.EscapeString(d))
		}
		if c.Access == AccessOwnerOnly {
			lines = append(lines, "🔒 <i>owner only</i>")
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
		}
		if short := buildShortcuts(*c); len(short) > 0 {
			lines = append(lines, "", "<b>Shortcuts</b>")
			for _, s := range short {
				lines = append(lines, "• <code>/"+html.EscapeString(s)+"</code>")
			}
		}
	}

	if len(cur.children) > 0 {
		lines = append(lines, "", "<b>Subcommands</b>")
		for _, name := range cur.childNames() {
			n, _ := cur.child(name)
			lock := nodeIsOwnerOnly(n)
			if lock && !owner {
				continue
			}
			path := append(append([]string(nil), full...), name)
			lines = append(lines, bullet(lock, "/"+strings.Join(path, " "), summarizeNodeDesc(n)))
		}
	}
	return strings.Join(lines, "\n")
}

func bullet(lock bool, cmd, desc string) string {
	prefix := "• "
	if lock {
		prefix = "• 🔒 "
	}
	s := prefix + "<code>" + html.EscapeString(cmd) + "</code>"
	if desc != "" {
		s += ": " + html.EscapeString(desc)
	}
	return s
}

func summarizeNodeDesc(n *cmdNode) string {
	if n == nil {
		return ""
	}
	if n.cmd != nil {
		if d := strings.TrimSpace(n.cmd.Description); d != "" {
			return d
		}
	}
	kids := n.childNames()
	if len(kids) == 0 {
		return ""
	}
	k := min(len(kids), 4)
	s := strings.Join(kids[:k], ", ")
	if len(kids) > k {
		s += ", …"
	}
	return s
}

// nodeIsOwnerOnly reports whether n and every command below it is owner-only.
func nodeIsOwnerOnly(n *cmdNode) bool {
	if n == nil {
		return false
	}
	if n.cmd != nil && n.cmd.Access != AccessOwnerOnly {
		return false
	}
	for _, ch := range n.children {
		if !nodeIsOwnerOnly(ch) {
			return false
		}
	}
	return true
}

func buildShortcuts(c Command) []string {
	seen := map[string]bool{}
	var out []string
	route := splitRoute(c.Route)
	if menu, ok := telegramCommandNameFromRoute(route); ok && len(route) > 1 {
		seen[menu] = true
		out = append(out, menu)
	}
	for _, a := range c.Aliases {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" || strings.Contains(a, " ") || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
