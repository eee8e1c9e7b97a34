// Package router turns inbound chat messages into scheduler operations,
// capability runs and assistant replies.
package router

import (
	"context"
	"errors"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"remindbot/internal/capability"
	"remindbot/internal/llm"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/storage"
	"remindbot/internal/task"
	"remindbot/internal/task/scheduler"
	"remindbot/internal/task/timeparse"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

// Scheduler is the task surface the router drives. *scheduler.Service
// implements it.
type Scheduler interface {
	task.Creator
	ListTasks(ctx context.Context, f task.ListFilter) ([]scheduler.TaskView, error)
	DeleteTask(ctx context.Context, id string) error
	FindTask(ctx context.Context, contact, idOrPrefix string) (task.Task, error)
	Resolve(ctx context.Context, expr, hint string) (timeparse.Resolution, error)
	Location() *time.Location
}

type Capabilities interface {
	Lookup(kind string) (capability.Executor, bool)
	Infos() []capability.Info
}

// Replier sends a reply to a contact. *notifier.Service implements it.
type Replier interface {
	Send(ctx context.Context, contact, text string) error
}

type Config struct {
	// Chat enables assistant replies to plain text.
	Chat            bool
	SystemPrompt    string
	History         int
	AllowedContacts []string
	DedupSize       int
	Workers         int
	CommandTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.History <= 0 {
		c.History = 10
	}
	if c.DedupSize <= 0 {
		c.DedupSize = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 90 * time.Second
	}
	if strings.TrimSpace(c.SystemPrompt) == "" {
		c.SystemPrompt = "You are a concise, friendly assistant in a chat app. Answer in the user's language."
	}
	return c
}

type Deps struct {
	Scheduler    Scheduler
	Capabilities Capabilities
	Reply        Replier
	History      storage.MessageLog
	LLM          llm.Completer
	// Menu, when set, receives the command list for platform autocomplete.
	Menu kit.CommandMenuUpdater
	Log  logx.Logger
}

// Command is one chat command.
type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Timeout     time.Duration
	Handle      HandlerFunc
}

// Request is one routed message.
type Request struct {
	Message *kit.Message
	Contact string
	Command string
	Args    string
	ReqID   string
	Logger  logx.Logger
}

type Router struct {
	d   Deps
	log logx.Logger

	mu       sync.RWMutex
	cfg      Config
	allowed  map[string]bool
	commands map[string]*Command
	aliases  map[string]*Command

	seen *lru.Cache[string, struct{}]
	jobs chan func()
	now  func() time.Time

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

func New(cfg Config, d Deps) *Router {
	cfg = cfg.withDefaults()
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.LLM == nil {
		d.LLM = llm.Disabled()
	}
	seen, _ := lru.New[string, struct{}](cfg.DedupSize)
	r := &Router{
		d:    d,
		log:  log.With(logx.String("comp", "router")),
		seen: seen,
		jobs: make(chan func(), 256),
		now:  time.Now,
	}
	r.Apply(cfg)
	r.setCommands(r.builtinCommands())
	return r
}

// Apply swaps the runtime config. The dedup cache keeps its original size.
func (r *Router) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	allowed := map[string]bool{}
	for _, c := range cfg.AllowedContacts {
		if c = strings.TrimSpace(c); c != "" {
			allowed[c] = true
		}
	}
	r.mu.Lock()
	r.cfg = cfg
	r.allowed = allowed
	r.mu.Unlock()
}

func (r *Router) config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Supervisor returns the worker supervisor (nil if not running).
func (r *Router) Supervisor() *rtsup.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.sup
}

func (r *Router) setCommands(cmds []Command) {
	byName := map[string]*Command{}
	aliases := map[string]*Command{}
	for i := range cmds {
		c := &cmds[i]
		if c.Handle == nil || c.Name == "" {
			continue
		}
		byName[c.Name] = c
		for _, a := range c.Aliases {
			aliases[strings.ToLower(a)] = c
		}
	}
	r.mu.Lock()
	r.commands = byName
	r.aliases = aliases
	r.mu.Unlock()
}

func (r *Router) lookup(word string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.commands[word]; ok {
		return c, true
	}
	c, ok := r.aliases[word]
	return c, ok
}

func (r *Router) sortedCommands() []*Command {
	r.mu.RLock()
	out := make([]*Command, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UpdateMenu pushes the command list to the platform menu, if supported.
func (r *Router) UpdateMenu(ctx context.Context) error {
	if r.d.Menu == nil {
		return nil
	}
	var menu []kit.BotCommand
	for _, c := range r.sortedCommands() {
		menu = append(menu, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return r.d.Menu.UpdateMenuCommands(ctx, menu)
}

// Run consumes updates until ctx is done or updates closes. Messages are
// handled on a bounded worker pool.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	workers := r.config().Workers
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	r.runMu.Lock()
	r.sup = sup
	r.runMu.Unlock()

	jobs := r.jobs
	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("router.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-jobs:
					r.runJob(idx, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}
	r.log.Info("router started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(jobs)))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.runMu.Lock()
		r.sup = nil
		r.runMu.Unlock()
		r.log.Info("router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

func (r *Router) runJob(worker int, job func()) {
	if job == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in router job", logx.Int("worker", worker), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

// Route filters one update and queues its handling. It never blocks on the
// handler.
func (r *Router) Route(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	if strings.TrimSpace(msg.Text) == "" || msg.Contact == "" {
		return
	}
	if !r.isAllowed(msg.Contact) {
		r.log.Debug("message from contact not allowed", logx.String("contact", msg.Contact))
		return
	}
	if msg.ID != "" {
		if dup, _ := r.seen.ContainsOrAdd(msg.Contact+"/"+msg.ID, struct{}{}); dup {
			r.log.Debug("duplicate message dropped", logx.String("contact", msg.Contact), logx.String("id", msg.ID))
			return
		}
	}

	req := r.newRequest(msg)
	h := r.handlerFor(req)
	final := Chain(h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(r.timeoutFor(req)),
	)

	select {
	case r.jobs <- func() {
		r.record(ctx, msg)
		_ = final(ctx, req)
	}:
	default:
		_ = r.reply(ctx, req, "I'm busy right now, please try again in a moment.")
	}
}

func (r *Router) isAllowed(contact string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.allowed) == 0 || r.allowed[contact]
}

func (r *Router) newRequest(msg *kit.Message) *Request {
	rid := newReqID()
	req := &Request{
		Message: msg,
		Contact: msg.Contact,
		ReqID:   rid,
	}
	if word, rest, ok := splitCommand(msg.Text); ok {
		req.Command, req.Args = word, rest
	}
	req.Logger = r.log.With(
		logx.String("rid", rid),
		logx.String("contact", msg.Contact),
		logx.String("cmd", req.Command),
	)
	return req
}

func (r *Router) handlerFor(req *Request) HandlerFunc {
	if req.Command == "" {
		return r.handleChat
	}
	if c, ok := r.lookup(req.Command); ok {
		return c.Handle
	}
	if _, ok := r.capabilityInfo(req.Command); ok {
		return r.handleCapability
	}
	return func(ctx context.Context, req *Request) error {
		return r.reply(ctx, req, "Unknown command. Try /help")
	}
}

func (r *Router) timeoutFor(req *Request) time.Duration {
	if c, ok := r.lookup(req.Command); ok && c.Timeout > 0 {
		return c.Timeout
	}
	return r.config().CommandTimeout
}

func (r *Router) reply(ctx context.Context, req *Request, text string) error {
	if r.d.Reply == nil {
		return errors.New("router: no reply channel")
	}
	// Replies outlive a handler that hit its timeout.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	return r.d.Reply.Send(sctx, req.Contact, text)
}

func (r *Router) capabilityInfo(kind string) (capability.Info, bool) {
	if r.d.Capabilities == nil {
		return capability.Info{}, false
	}
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "calc" {
		kind = "calculate"
	}
	for _, info := range r.d.Capabilities.Infos() {
		if info.Kind == kind {
			return info, true
		}
	}
	return capability.Info{}, false
}
