package tenant

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"botfleet/internal/eventbus"
	rtsup "botfleet/internal/runtime/supervisor"
	"botfleet/internal/storage"
	"botfleet/internal/transport"
	"botfleet/internal/transport/telegram"
	logx "botfleet/pkg/logx"
)

const dropWarnEvery = 5 * time.Second

type handle struct {
	rt      *Runtime
	sup     *rtsup.Supervisor
	mailbox chan tele.Update
}

// loop drains the mailbox until the runtime is stopped.
func (h *handle) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-h.mailbox:
			h.rt.handle(ctx, u)
		}
	}
}

type Registry struct {
	log     logx.Logger
	deps    Deps
	factory Factory
	now     func() time.Time

	cmu sync.RWMutex
	cfg Config

	// spawnMu serializes Spawn/Stop so a token never gets two runtimes.
	spawnMu sync.Mutex

	mu      sync.RWMutex
	byToken map[string]*handle
	byID    map[int64]*handle

	lastDropWarn atomic.Int64
}

func NewRegistry(cfg Config, deps Deps, factory Factory, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		log:     log.With(logx.String("comp", "registry")),
		deps:    deps,
		factory: factory,
		now:     time.Now,
		cfg:     cfg.withDefaults(),
		byToken: map[string]*handle{},
		byID:    map[int64]*handle{},
	}
}

// Apply swaps config. Mailbox size and webhook settings apply to runtimes
// spawned afterwards.
func (r *Registry) Apply(cfg Config) {
	r.cmu.Lock()
	r.cfg = cfg.withDefaults()
	r.cmu.Unlock()
}

func (r *Registry) config() Config {
	r.cmu.RLock()
	defer r.cmu.RUnlock()
	return r.cfg
}

// Spawn starts the runtime of t. Spawning a running tenant only refreshes its
// record; a rotated token restarts it. Failures are logged and returned
// wrapped in ErrSpawnFailed.
func (r *Registry) Spawn(ctx context.Context, t storage.Tenant) error {
	r.spawnMu.Lock()
	defer r.spawnMu.Unlock()

	t.Token = strings.TrimSpace(t.Token)

	if h := r.get(t.ID); h != nil {
		if h.rt.Token() == t.Token {
			h.rt.setTenant(t)
			return nil
		}
		r.log.Info("token rotated; restarting runtime", logx.Int64("tenant", t.ID))
		r.stopLocked(ctx, h)
	}
	if h := r.lookup(t.Token); h != nil {
		return r.spawnFailed(t, fmt.Errorf("token already served by tenant %d", h.rt.TenantID()))
	}
	if err := telegram.ValidateToken(t.Token); err != nil {
		return r.spawnFailed(t, err)
	}

	cfg := r.config()
	cl, err := r.build(t.Token)
	if err != nil {
		return r.spawnFailed(t, err)
	}
	if cfg.Webhook {
		url := strings.TrimRight(cfg.PublicURL, "/") + "/webhook/" + t.Token
		if err := cl.SetWebhook(url, cfg.WebhookSecret); err != nil {
			return r.spawnFailed(t, fmt.Errorf("set webhook: %w", err))
		}
	}
	if u := cl.Username(); u != "" && u != t.Username {
		t.Username = u
		if r.deps.Store != nil {
			if err := r.deps.Store.SetTenantUsername(ctx, t.ID, u); err != nil {
				r.log.Warn("username update failed", logx.Int64("tenant", t.ID), logx.Err(err))
			}
		}
	}

	log := r.log.With(logx.Int64("tenant", t.ID))
	h := &handle{
		rt:      newRuntime(t, cl, r.deps, cfg, log),
		sup:     rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(log), rtsup.WithCancelOnError(false)),
		mailbox: make(chan tele.Update, cfg.MailboxSize),
	}
	h.sup.Go("mailbox", h.loop)
	if !cfg.Webhook {
		// Polled updates are already acknowledged upstream, so the poller
		// waits for mailbox room instead of dropping.
		h.sup.GoRestart("poll", func(ctx context.Context) error {
			return cl.Poll(ctx, func(u tele.Update) { _ = r.enqueue(ctx, h, u) })
		}, rtsup.WithRestartBackoff(time.Second, time.Minute))
	}

	r.mu.Lock()
	r.byToken[t.Token] = h
	r.byID[t.ID] = h
	r.mu.Unlock()

	log.Info("tenant spawned", logx.String("bot", t.Username), logx.Bool("webhook", cfg.Webhook))
	eventbus.Emit(r.deps.Bus, eventbus.TenantSpawned, eventbus.Outcome{TenantID: t.ID, Result: "spawned"})

	// One-offs that came due while the tenant was down fire now if still
	// inside the misfire grace.
	if r.deps.Scheduler != nil {
		if _, err := r.deps.Scheduler.ResumeTenant(ctx, t.ID); err != nil {
			log.Warn("resume one-offs failed", logx.Err(err))
		}
	}
	return nil
}

// build calls the factory behind a recover guard.
func (r *Registry) build(token string) (cl Client, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("client factory panicked", logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
			cl, err = nil, fmt.Errorf("factory panic: %v", rec)
		}
	}()
	if r.factory == nil {
		return nil, fmt.Errorf("no client factory")
	}
	cl, err = r.factory(token)
	if err == nil && cl == nil {
		err = fmt.Errorf("factory returned no client")
	}
	return cl, err
}

func (r *Registry) spawnFailed(t storage.Tenant, err error) error {
	r.log.Error("tenant spawn failed", logx.Int64("tenant", t.ID), logx.Token("token", t.Token), logx.Err(err))
	eventbus.Emit(r.deps.Bus, eventbus.TenantSpawnFailed, eventbus.Outcome{TenantID: t.ID, Result: "failed"})
	return fmt.Errorf("%w: tenant %d: %v", ErrSpawnFailed, t.ID, err)
}

// Stop stops the runtime of tenantID. A tenant that is not running is not an error.
func (r *Registry) Stop(ctx context.Context, tenantID int64) error {
	r.spawnMu.Lock()
	defer r.spawnMu.Unlock()

	h := r.get(tenantID)
	if h == nil {
		r.log.Debug("stop: tenant not running", logx.Int64("tenant", tenantID))
		return nil
	}
	return r.stopLocked(ctx, h)
}

func (r *Registry) stopLocked(ctx context.Context, h *handle) error {
	id := h.rt.TenantID()

	r.mu.Lock()
	delete(r.byToken, h.rt.Token())
	delete(r.byID, id)
	r.mu.Unlock()

	err := h.sup.Stop(ctx)
	if err != nil && ctx.Err() != nil {
		r.log.Warn("tenant stop timed out", logx.Int64("tenant", id), logx.Err(err))
	} else {
		err = nil
	}
	r.log.Info("tenant stopped", logx.Int64("tenant", id))
	eventbus.Emit(r.deps.Bus, eventbus.TenantStopped, eventbus.Outcome{TenantID: id, Result: "stopped"})
	return err
}

// StopAll stops every runtime.
func (r *Registry) StopAll(ctx context.Context) {
	for _, id := range r.Running() {
		_ = r.Stop(ctx, id)
	}
}

// Dispatch routes one raw update to the runtime serving token. Unknown tokens
// and full mailboxes drop the update.
func (r *Registry) Dispatch(ctx context.Context, token string, u tele.Update) error {
	_ = ctx

	h := r.lookup(token)
	if h == nil {
		r.log.Warn("dispatch: unknown token", logx.Token("token", token), logx.Int("update", u.ID))
		eventbus.Emit(r.deps.Bus, eventbus.DispatchUnknown, eventbus.Outcome{Result: "unknown_token"})
		return ErrUnknownToken
	}
	id := h.rt.TenantID()
	select {
	case h.mailbox <- u:
		eventbus.Emit(r.deps.Bus, eventbus.DispatchAccepted, eventbus.Outcome{TenantID: id, Result: "accepted"})
		return nil
	default:
		eventbus.Emit(r.deps.Bus, eventbus.DispatchDropped, eventbus.Outcome{TenantID: id, Result: "dropped"})
		now := r.now().UnixNano()
		last := r.lastDropWarn.Load()
		if now-last >= int64(dropWarnEvery) && r.lastDropWarn.CompareAndSwap(last, now) {
			r.log.Warn("dispatch: mailbox full; update dropped", logx.Int64("tenant", id), logx.Int("update", u.ID))
		}
		return ErrMailboxFull
	}
}

// enqueue blocks until h's mailbox takes u or ctx is done. The poller uses
// it so a busy tenant slows only its own getUpdates loop.
func (r *Registry) enqueue(ctx context.Context, h *handle, u tele.Update) error {
	select {
	case h.mailbox <- u:
		eventbus.Emit(r.deps.Bus, eventbus.DispatchAccepted, eventbus.Outcome{TenantID: h.rt.TenantID(), Result: "accepted"})
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliverer returns the running client of tenantID and its current record.
func (r *Registry) Deliverer(tenantID int64) (transport.Deliverer, storage.Tenant, bool) {
	h := r.get(tenantID)
	if h == nil {
		return nil, storage.Tenant{}, false
	}
	return h.rt.client, h.rt.Tenant(), true
}

// Running returns the ids of running tenants, ascending.
func (r *Registry) Running() []int64 {
	r.mu.RLock()
	out := make([]int64, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Sync aligns runtimes with the tenant table: active tenants are spawned (or
// refreshed), inactive and deleted ones are stopped. Expired tenants keep
// running suspended.
func (r *Registry) Sync(ctx context.Context) (SyncReport, error) {
	var rep SyncReport
	if r.deps.Store == nil {
		return rep, fmt.Errorf("tenant sync: no store")
	}
	all, err := r.deps.Store.ListTenants(ctx, false)
	if err != nil {
		return rep, fmt.Errorf("tenant sync: %w", err)
	}

	now := r.now()
	seen := make(map[int64]bool, len(all))
	for _, t := range all {
		seen[t.ID] = true
		running := r.get(t.ID) != nil
		if !t.Active {
			if running {
				_ = r.Stop(ctx, t.ID)
				rep.Stopped++
			}
			continue
		}
		if err := r.Spawn(ctx, t); err != nil {
			rep.Failed++
			continue
		}
		if running {
			rep.Refreshed++
		} else {
			rep.Spawned++
		}
		if t.Expired(now) {
			rep.Suspended++
		}
	}
	for _, id := range r.Running() {
		if !seen[id] {
			_ = r.Stop(ctx, id)
			rep.Stopped++
		}
	}

	r.log.Debug("tenant sync done",
		logx.Int("spawned", rep.Spawned), logx.Int("refreshed", rep.Refreshed),
		logx.Int("stopped", rep.Stopped), logx.Int("failed", rep.Failed), logx.Int("suspended", rep.Suspended))
	return rep, nil
}

func (r *Registry) get(id int64) *handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

func (r *Registry) lookup(token string) *handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byToken[strings.TrimSpace(token)]
}
