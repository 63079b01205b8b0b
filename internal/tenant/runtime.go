package tenant

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"botfleet/internal/storage"
	"botfleet/internal/transport"
	"botfleet/internal/transport/telegram"
	logx "botfleet/pkg/logx"
)

type handlerFunc func(ctx context.Context, ev transport.Event) error

// Runtime is one tenant's bot: its client, event handlers, owner commands
// and support-reply routing. Updates reach it only through the registry
// mailbox, one at a time.
type Runtime struct {
	log    logx.Logger
	client Client
	deps   Deps
	cfg    Config
	now    func() time.Time

	mu     sync.RWMutex
	tenant storage.Tenant

	handlers map[transport.EventKind]handlerFunc
	commands map[string]*command
	replies  *replyMap
	conv     *conversations
}

func newRuntime(t storage.Tenant, cl Client, deps Deps, cfg Config, log logx.Logger) *Runtime {
	if log.IsZero() {
		log = logx.Nop()
	}
	rt := &Runtime{
		log:     log,
		client:  cl,
		deps:    deps,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		tenant:  t,
		replies: newReplyMap(cfg.ReplyCacheSize),
		conv:    newConversations(),
	}
	rt.handlers = map[transport.EventKind]handlerFunc{
		transport.EventPrivateMessage: rt.onPrivate,
		transport.EventGroupMessage:   rt.onGroupMessage,
		transport.EventChannelPost:    rt.onChannelPost,
		transport.EventMembership:     rt.onMembership,
	}
	rt.commands = rt.buildCommands()
	return rt
}

func (rt *Runtime) Tenant() storage.Tenant {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.tenant
}

func (rt *Runtime) TenantID() int64 { return rt.Tenant().ID }
func (rt *Runtime) Token() string   { return rt.Tenant().Token }

// setTenant refreshes owner and subscription data. The token never changes
// for a running runtime.
func (rt *Runtime) setTenant(t storage.Tenant) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	t.Token = rt.tenant.Token
	if t.Username == "" {
		t.Username = rt.tenant.Username
	}
	rt.tenant = t
}

// handle processes one raw update. Errors and panics stay here.
func (rt *Runtime) handle(ctx context.Context, u tele.Update) {
	defer func() {
		if r := recover(); r != nil {
			rt.log.Error("handler panicked", logx.Int("update", u.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()

	ev, ok := telegram.Decode(u)
	if !ok {
		rt.log.Trace("update ignored", logx.Int("update", u.ID))
		return
	}
	h := rt.handlers[ev.Kind]
	if h == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, rt.cfg.HandlerTimeout)
	defer cancel()

	start := time.Now()
	if err := h(ctx, ev); err != nil {
		rt.log.Warn("handler failed", logx.String("kind", string(ev.Kind)), logx.Int("update", u.ID), logx.Err(err))
		return
	}
	rt.log.Trace("update handled", logx.String("kind", string(ev.Kind)), logx.Duration("took", time.Since(start)))
}

// reply sends plain text to chat.
func (rt *Runtime) reply(ctx context.Context, chat transport.ChatTarget, text string) error {
	_, err := rt.client.SendText(ctx, chat, text, nil)
	return err
}
