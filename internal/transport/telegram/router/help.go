package router

import (
	"fmt"
	"html"
	"strings"
)

// helpText renders help in Telegram HTML. An empty path lists every top-level
// command, public ones first.
func (m *Router) helpText(path []string) string {
	m.mu.RLock()
	root, alias := m.root, m.alias
	m.mu.RUnlock()

	if len(path) == 0 {
		return helpIndex(root)
	}
	cur, full := root, []string{}
	for _, p := range path {
		p = strings.TrimPrefix(p, "/")
		next, ok := cur.child(p)
		if !ok {
			if leaf, ok := alias[p]; ok && leaf.cmd != nil {
				cur, full = leaf, routeTokens(leaf.cmd.Route)
				break
			}
			return "Unknown command. Send <code>/help</code> for the list."
		}
		cur, full = next, append(full, p)
	}
	return helpFor(cur, full)
}

func helpIndex(root *node) string {
	var public, owner []string
	for _, name := range root.names() {
		n, _ := root.child(name)
		line := "<code>/" + html.EscapeString(name) + "</code>"
		if d := n.summary(); d != "" {
			line += " - " + html.EscapeString(d)
		}
		if n.ownerOnly() {
			owner = append(owner, "• 🔒 "+line)
		} else {
			public = append(public, "• "+line)
		}
	}
	lines := []string{"<b>Commands</b>", "Send <code>/help &lt;cmd&gt;</code> for details.", ""}
	lines = append(lines, public...)
	lines = append(lines, owner...)
	return strings.Join(lines, "\n")
}

func helpFor(n *node, full []string) string {
	route := strings.Join(full, " ")
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Help</b> <code>/%s</code>", html.EscapeString(route))
	if c := n.cmd; c != nil {
		if d := strings.TrimSpace(c.Description); d != "" {
			b.WriteString("\n" + html.EscapeString(d))
		}
		if c.Access == AccessOwnerOnly {
			b.WriteString("\n🔒 <i>owner only</i>")
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			fmt.Fprintf(&b, "\n\n<b>Usage</b>\n<code>%s</code>", html.EscapeString(u))
		}
	}
	if kids := n.names(); len(kids) > 0 {
		b.WriteString("\n\n<b>Subcommands</b>")
		for _, name := range kids {
			k, _ := n.child(name)
			fmt.Fprintf(&b, "\n• <code>/%s %s</code>", html.EscapeString(route), html.EscapeString(name))
			if d := k.summary(); d != "" {
				b.WriteString(" - " + html.EscapeString(d))
			}
		}
	}
	return b.String()
}
