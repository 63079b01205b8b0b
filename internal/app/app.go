// Package app wires the fleet together: storage, registry, scheduler, relay,
// fan-out, notifier, ingress and metrics, under one supervisor with hot config
// reload and bounded shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"botfleet/internal/config"
	"botfleet/internal/eventbus"
	"botfleet/internal/ingress"
	"botfleet/internal/notifier"
	"botfleet/internal/notifier/broadcast"
	"botfleet/internal/observability/metrics"
	"botfleet/internal/relay"
	rtsup "botfleet/internal/runtime/supervisor"
	"botfleet/internal/storage"
	"botfleet/internal/task/engine"
	"botfleet/internal/task/scheduler"
	"botfleet/internal/tenant"
	"botfleet/internal/transport"
	"botfleet/internal/transport/telegram"
	logx "botfleet/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	db   *storage.DB

	engine   *engine.Service
	fanout   *broadcast.Executor
	notif    *notifier.Service
	sched    *scheduler.Service
	relay    *relay.Service
	registry *tenant.Registry
	ingress  *ingress.Server
	metrics  *metrics.Metrics

	mu  sync.Mutex
	cur settings
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	st, err := mapSettings(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(st.logging)
	log := root.With(logx.String("comp", "app"))

	db, err := storage.Open(st.storage, root)
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := eventbus.New()
	eng := engine.New(st.engine, root.With(logx.String("comp", "taskengine")), bus)
	fan := broadcast.New(st.fanout, root.With(logx.String("comp", "fanout")), bus, db)

	a := &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		db:     db,
		engine: eng,
		fanout: fan,
		cur:    st,
	}

	// The registry is built last; the notifier and scheduler resolve it lazily.
	a.notif = notifier.New(st.notifier, a.lookupDeliverer, root, bus)
	a.sched = scheduler.New(st.scheduler, scheduler.Deps{
		Store:    db,
		Fanout:   fan,
		Reporter: a.notif,
		Engine:   eng,
		Bus:      bus,
	}, root)
	a.relay = relay.New(db, fan, root, bus)

	tgCfg := st.telegram
	factory := func(token string) (tenant.Client, error) {
		c := tgCfg
		c.Token = token
		b, err := telegram.New(c, root.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	a.registry = tenant.NewRegistry(st.tenants, tenant.Deps{
		Store:     db,
		Scheduler: a.sched,
		Relay:     a.relay,
		Bus:       bus,
	}, factory, root)
	a.sched.SetTenants(a.registry)

	if st.alerts.Enabled {
		logSvc.SetAlertSink(a.notif.AlertSink(st.alerts.TenantID, st.alerts.ChatID))
	}

	a.metrics = metrics.New(func() int { return len(a.registry.Running()) }, root)
	a.ingress = ingress.New(st.ingress, a.registry, a.status, a.metrics.Handler(), root)
	return a, nil
}

func (a *App) lookupDeliverer(tenantID int64) (transport.Deliverer, bool) {
	if a.registry == nil {
		return nil, false
	}
	d, _, ok := a.registry.Deliverer(tenantID)
	return d, ok
}

func (a *App) status() ingress.Status {
	return ingress.Status{
		Tenants:          len(a.registry.Running()),
		SchedulerEntries: len(a.sched.Entries()),
		QueueLen:         a.engine.Snapshot().QueueLen,
	}
}

func (a *App) settings() settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start boots the fleet: engine and notifier first, then every active tenant,
// then the scheduler pass over persisted jobs, then ingress.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapSettings(cfg)
		return err
	})

	a.sup.Go("metrics", func(c context.Context) error { return ignoreCanceled(a.metrics.Run(c, a.bus)) })

	a.engine.Start(runCtx)
	a.notif.Start(runCtx)

	rep, err := a.registry.Sync(runCtx)
	if err != nil {
		return fmt.Errorf("tenant sync: %w", err)
	}
	a.log.Info("tenants started",
		logx.Int("spawned", rep.Spawned), logx.Int("failed", rep.Failed), logx.Int("suspended", rep.Suspended))

	rrep, err := a.sched.Reconcile(runCtx)
	if err != nil {
		return fmt.Errorf("scheduler reconcile: %w", err)
	}
	a.log.Info("jobs reconciled",
		logx.Int("once", rrep.Once), logx.Int("recurring", rrep.Recurring),
		logx.Int("immediate", rrep.Immediate), logx.Int("missed", rrep.Missed), logx.Int("failed", rrep.Failed))
	a.sched.Start(runCtx)

	if a.settings().ingressOn {
		a.ingress.Start(runCtx)
	}

	a.sup.Go0("tenants.sync", a.syncLoop)
	a.sup.Go0("eventbus.log", a.eventLog)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })

	a.log.Info("app started", logx.Int("tenants", len(a.registry.Running())))
	return nil
}

// syncLoop picks up tenants added, stopped or extended out of band (CLI).
func (a *App) syncLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.settings().res.SyncInterval):
		}
		if _, err := a.registry.Sync(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("tenant sync failed", logx.Err(err))
		}
	}
}

func (a *App) eventLog(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
