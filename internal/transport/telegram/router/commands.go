package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "routex/internal/runtime/supervisor"
	kit "routex/internal/transport"
	logx "routex/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Route is a space-separated command path, e.g. "stats" or "schedule add".
	Route       string
	Aliases     []string // root-level aliases, e.g. ["schedule_add"]
	Description string
	Usage       string
	Access      Access

	Timeout time.Duration // zero means no per-command deadline
	Handle  HandlerFunc
}

type Request struct {
	Update   kit.Update
	Chat     kit.ChatTarget
	FromID   int64
	Username string
	Path     []string
	Command  string
	Args     []string

	// Raw is the untokenized text after the command word; pipe-separated
	// commands parse it themselves.
	Raw       string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Adapter kit.Adapter
	Logger  logx.Logger
	Owners  []int64
}

// Reply sends text back to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

// Actor is the requesting user id in the form the audit log takes.
func (r *Request) Actor() *int64 {
	id := r.FromID
	return &id
}

type CommandManager struct {
	mu sync.RWMutex

	root  *cmdNode
	alias map[string]*cmdNode // alias -> leaf node

	owners []int64

	log     logx.Logger
	adapter kit.Adapter

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, owners []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{
		root:    newRoot(),
		alias:   map[string]*cmdNode{},
		log:     log.With(logx.String("comp", "telegram.router")),
		adapter: adapter,
		owners:  append([]int64(nil), owners...),
		jobs:    make(chan func(), 256),
	}
}

// Supervisor returns the dispatcher's supervisor, nil when not running.
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue hands fn to the worker pool without blocking. It reports false
// when the queue is full or already closed.
func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetOwners replaces the owner list used for AccessOwnerOnly checks.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) ownersSnapshot() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64(nil), m.owners...)
}

// SetRegistry installs cmds (plus a generated /help) and refreshes the
// Telegram command menu in the background.
func (m *CommandManager) SetRegistry(ctx context.Context, cmds []Command) {
	cmds = append(cmds, Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "show available commands",
		Usage:       "/help [command]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.Args, isOwner(req.FromID, req.Owners)))
		},
	})

	root := newRoot()
	alias := map[string]*cmdNode{}
	registered := make([]Command, 0, len(cmds))

	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		leaf := root.add(route, c)
		registered = append(registered, c)

		// Multi-token routes also answer to their underscore form, which is
		// the only shape Telegram menus accept.
		if menu, ok := telegramCommandNameFromRoute(route); ok && (len(route) > 1 || menu != route[0]) {
			if _, exists := alias[menu]; !exists {
				alias[menu] = leaf
			}
		}
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			alias[a] = leaf
		}
	}

	m.mu.Lock()
	m.root = root
	m.alias = alias
	m.mu.Unlock()

	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := buildTelegramMenuCommands(registered)
	go func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(cctx, menu); err != nil {
			m.log.Warn("menu update failed", logx.Err(err))
		}
	}()
}

// DispatchLoop routes updates to a bounded worker pool until ctx is done or
// updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(runtime.NumCPU(), 2)

	sup := rtsup.New(ctx, rtsup.WithLogger(m.log), rtsup.WithCancelOnError(false))
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			m.setSupervisor(sup, false)
			close(m.jobs)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					m.runJob(idx, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.routeMessage(ctx, up)
		}
	}
}

func (m *CommandManager) runJob(worker int, job func()) {
	if job == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *CommandManager) routeMessage(root context.Context, up kit.Update) {
	if up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := parts[1:]
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	m.mu.RLock()
	rootNode := m.root
	aliasMap := m.alias
	m.mu.RUnlock()

	if leaf, ok := aliasMap[word]; ok && leaf != nil && leaf.cmd != nil {
		m.enqueueCommand(root, up, *leaf.cmd, splitRoute(leaf.cmd.Route), args, rawArgs(text))
		return
	}

	cur, ok := rootNode.child(word)
	if !ok {
		_, _ = m.adapter.SendText(root, chat, "unknown command, try /help", nil)
		return
	}
	path := []string{word}
	raw := rawArgs(text)
	for len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		child, ok := cur.child(args[0])
		if !ok {
			break
		}
		cur = child
		path = append(path, args[0])
		args = args[1:]
		raw = rawArgs(raw)
	}

	if cur.cmd == nil {
		txt := m.helpText(path, isOwner(msg.FromID, m.ownersSnapshot()))
		_, _ = m.adapter.SendText(root, chat, txt, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
		return
	}
	m.enqueueCommand(root, up, *cur.cmd, path, args, raw)
}

func (m *CommandManager) enqueueCommand(root context.Context, up kit.Update, cmd Command, path, args []string, raw string) {
	msg := up.Message
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	owners := m.ownersSnapshot()
	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, owners) {
		m.log.Warn("unauthorized command", logx.Int64("from_id", msg.FromID), logx.String("cmd", cmd.Route))
		_, _ = m.adapter.SendText(root, chat, "unauthorized", nil)
		return
	}

	rid := newReqID()
	pos, flags, bools := parseFlags(args)
	req := &Request{
		Update:    up,
		Chat:      chat,
		FromID:    msg.FromID,
		Username:  msg.FromUsername,
		Path:      path,
		Command:   cmd.Route,
		Args:      pos,
		Raw:       raw,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Adapter:   m.adapter,
		Owners:    owners,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
	}

	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWReplyError(),
		MWTimeout(cmd.Timeout),
	)

	if !m.tryEnqueue(func() { _ = final(root, req) }) {
		_, _ = m.adapter.SendText(root, chat, "busy, try again", nil)
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
