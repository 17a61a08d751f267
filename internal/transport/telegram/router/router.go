package router

import (
	"context"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "github.com/Mathew-Carl/Apparition/internal/runtime/supervisor"
	kit "github.com/Mathew-Carl/Apparition/internal/transport"
	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Route is a space-separated command path, e.g. "schedule add".
	Route       string
	Aliases     []string // root-level aliases
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // 0 means no per-command bound
	Handle      HandlerFunc
}

// Request is one command invocation. Args are the tokens left after the
// matched route.
type Request struct {
	Message kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Path    []string
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger

	adapter kit.Adapter
}

// Reply sends text back into the request's chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	return r.adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
}

// ReplyHTML is Reply with HTML parse mode.
func (r *Request) ReplyHTML(ctx context.Context, text string) error {
	return r.adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{HTML: true, DisablePreview: true})
}

// Router turns incoming messages into command invocations. Handlers run on a
// bounded worker pool; a full queue answers "busy".
type Router struct {
	mu     sync.RWMutex
	root   *node
	alias  map[string]*node
	owners []int64

	log     logx.Logger
	adapter kit.Adapter
	jobs    chan func()
	workers int
}

func New(log logx.Logger, adapter kit.Adapter, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	workers := max(2, runtime.NumCPU())
	return &Router{
		root:    newNode(""),
		alias:   map[string]*node{},
		owners:  append([]int64(nil), owners...),
		log:     log,
		adapter: adapter,
		jobs:    make(chan func(), 256),
		workers: workers,
	}
}

// SetOwners is safe during hot reload.
func (m *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *Router) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.owners, id)
}

// SetCommands replaces the command table and adds /help. It returns the menu
// for UpdateMenuCommands.
func (m *Router) SetCommands(cmds []Command) []kit.BotCommand {
	cmds = append(slices.Clone(cmds), Command{
		Route:       "help",
		Aliases:     []string{"h", "start"},
		Description: "show help",
		Usage:       "/help [cmd] [sub...]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.ReplyHTML(ctx, m.helpText(req.Args))
		},
	})

	root := newNode("")
	alias := map[string]*node{}
	for _, c := range cmds {
		route := routeTokens(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		leaf := root.insert(route, c)
		if name := shortcut(route); name != "" {
			if _, taken := alias[name]; !taken {
				alias[name] = leaf
			}
		}
		for _, a := range c.Aliases {
			if a = strings.TrimSpace(a); a != "" && !strings.ContainsAny(a, " \t") {
				alias[a] = leaf
			}
		}
	}

	m.mu.Lock()
	m.root, m.alias = root, alias
	m.mu.Unlock()
	return menuFor(root, cmds)
}

// DispatchLoop routes updates until ctx ends or updates is closed. Workers
// stop with it.
func (m *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Message) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(m.log))
	for i := range m.workers {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-m.jobs:
					job()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	m.log.Info("command dispatcher started", logx.Int("workers", m.workers))
	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = sup.Stop(wctx)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, msg)
		}
	}
}

// resolve maps a command line to its command, the matched route and the
// remaining args. known is false when the first word names nothing.
func (m *Router) resolve(text string) (cmd *Command, path, args []string, known bool) {
	parts := tokenize(text)
	if len(parts) == 0 || !strings.HasPrefix(parts[0], "/") {
		return nil, nil, nil, false
	}
	word, _, _ := strings.Cut(strings.TrimPrefix(parts[0], "/"), "@")

	m.mu.RLock()
	root, alias := m.root, m.alias
	m.mu.RUnlock()

	if leaf, ok := alias[word]; ok && leaf.cmd != nil {
		return leaf.cmd, routeTokens(leaf.cmd.Route), parts[1:], true
	}
	top, ok := root.child(word)
	if !ok {
		return nil, nil, nil, false
	}
	n, sub, rest := top.descend(parts[1:])
	return n.cmd, append([]string{word}, sub...), rest, true
}

func (m *Router) route(ctx context.Context, msg kit.Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	say := func(text string, opt *kit.SendOptions) {
		if err := m.adapter.SendText(ctx, chat, text, opt); err != nil {
			m.log.Warn("reply failed", logx.Int64("chat_id", chat.ChatID), logx.Err(err))
		}
	}

	cmd, path, args, known := m.resolve(text)
	switch {
	case !known:
		say("unknown command, try /help", nil)
		return
	case cmd == nil:
		say(m.helpText(path), &kit.SendOptions{HTML: true, DisablePreview: true})
		return
	case cmd.Access == AccessOwnerOnly && !m.isOwner(msg.FromID):
		m.log.Info("unauthorized command", logx.Int64("from_id", msg.FromID), logx.String("cmd", cmd.Route))
		say("unauthorized", nil)
		return
	}

	rid := uuid.NewString()[:8]
	req := &Request{
		Message: msg,
		Chat:    chat,
		FromID:  msg.FromID,
		Path:    path,
		Command: cmd.Route,
		Args:    args,
		ReqID:   rid,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
		adapter: m.adapter,
	}
	h := Chain(cmd.Handle, Recover(), RequestLog(time.Second), Timeout(cmd.Timeout), ReplyError())

	select {
	case m.jobs <- func() { _ = h(ctx, req) }:
	default:
		say("busy, try again", nil)
	}
}
