package router

import (
	"slices"
	"strings"

	kit "github.com/Mathew-Carl/Apparition/internal/transport"
)

const menuLimit = 100

// commandName maps a route or alias onto Telegram's [a-z0-9_]{1,32}. Runs of
// separators collapse into one underscore.
func commandName(s string) string {
	var b strings.Builder
	sep := false
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			if sep && b.Len() > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			sep = false
			continue
		}
		if r == '_' || r == '-' || r == '/' || r == ' ' || r == '\t' {
			sep = true
		}
	}
	out := b.String()
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}

// shortcut is the single-word form of a multi-token route: "schedule add"
// answers to /schedule_add.
func shortcut(route []string) string {
	if len(route) < 2 {
		return ""
	}
	return commandName(strings.Join(route, "_"))
}

// menuFor lists the top-level commands, then the multi-token shortcuts, each
// group sorted by name.
func menuFor(root *node, cmds []Command) []kit.BotCommand {
	seen := map[string]bool{}
	var top, shortcuts []kit.BotCommand
	add := func(dst *[]kit.BotCommand, name, desc string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		desc = strings.Join(strings.Fields(desc), " ")
		if desc == "" {
			desc = name
		}
		*dst = append(*dst, kit.BotCommand{Command: name, Description: desc})
	}

	for _, name := range root.names() {
		n, _ := root.child(name)
		add(&top, commandName(name), n.summary())
	}
	for _, c := range cmds {
		add(&shortcuts, shortcut(routeTokens(c.Route)), c.Description)
	}
	byName := func(a, b kit.BotCommand) int { return strings.Compare(a.Command, b.Command) }
	slices.SortFunc(shortcuts, byName)

	out := append(top, shortcuts...)
	if len(out) > menuLimit {
		out = out[:menuLimit]
	}
	return out
}
