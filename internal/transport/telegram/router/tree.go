package router

import (
	"maps"
	"slices"
	"strings"
)

// node is one token of a command route. Inner nodes without a command answer
// with their subcommand help.
type node struct {
	name string
	cmd  *Command
	kids map[string]*node
}

func newNode(name string) *node { return &node{name: name, kids: map[string]*node{}} }

func routeTokens(route string) []string { return strings.Fields(route) }

// insert walks route, creating nodes as needed, and stores c at the leaf.
func (n *node) insert(route []string, c Command) *node {
	cur := n
	for _, tok := range route {
		next, ok := cur.kids[tok]
		if !ok {
			next = newNode(tok)
			cur.kids[tok] = next
		}
		cur = next
	}
	cur.cmd = &c
	return cur
}

func (n *node) child(name string) (*node, bool) {
	c, ok := n.kids[name]
	return c, ok
}

// descend follows args while they name children and returns the deepest node
// with the consumed path and the leftover args.
func (n *node) descend(args []string) (*node, []string, []string) {
	cur := n
	var path []string
	for len(args) > 0 {
		next, ok := cur.kids[args[0]]
		if !ok {
			break
		}
		cur, path, args = next, append(path, args[0]), args[1:]
	}
	return cur, path, args
}

func (n *node) names() []string {
	return slices.Sorted(maps.Keys(n.kids))
}

// ownerOnly holds for owner-only leaves and for groups with no public
// descendant.
func (n *node) ownerOnly() bool {
	if n.cmd != nil {
		if n.cmd.Access == AccessEveryone {
			return false
		}
		if len(n.kids) == 0 {
			return true
		}
	}
	for _, k := range n.kids {
		if !k.ownerOnly() {
			return false
		}
	}
	return true
}

// summary is the command description, or a preview of the subcommands.
func (n *node) summary() string {
	if n.cmd != nil {
		if d := strings.TrimSpace(n.cmd.Description); d != "" {
			return d
		}
	}
	kids := n.names()
	if len(kids) == 0 {
		return ""
	}
	if len(kids) > 3 {
		return "subcommands: " + strings.Join(kids[:3], ", ") + ", …"
	}
	return "subcommands: " + strings.Join(kids, ", ")
}
