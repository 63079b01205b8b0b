package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/robfig/cron/v3"

	"botfleet/internal/storage"
	logx "botfleet/pkg/logx"
)

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:         cfg,
		log:         log.With(logx.String("comp", "scheduler")),
		deps:        deps,
		fireTimeout: cfg.FireTimeout,
		now:         time.Now,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		recurring:   map[string]*recurringEntry{},
		once:        map[string]*onceEntry{},
		onceVer:     map[string]uint64{},
		enqWarned:   expirable.NewLRU[string, struct{}](enqueueWarnKeys, nil, enqueueWarnThrottle),
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	return s
}

// SetTenants binds the tenant registry after construction.
func (s *Service) SetTenants(t Tenants) {
	s.dmu.Lock()
	s.deps.Tenants = t
	s.dmu.Unlock()
}

// Apply swaps config. A timezone change restarts cron and re-registers every
// recurring entry so daily jobs follow the new zone.
func (s *Service) Apply(cfg Config) {
	s.dmu.Lock()
	s.fireTimeout = cfg.FireTimeout
	s.dmu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if oldTZ != newTZ {
		s.restartLocked()
	}
}

// Start starts cron triggering. One-off timers run as soon as they are
// registered, started or not.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.c.Start()
	s.started = true
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("recurring", len(s.recurring)))
}

// Stop stops cron triggering and all one-off timers. Persisted jobs are left
// untouched; the next Reconcile picks them up again.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	started := s.started
	s.started = false
	s.mu.Unlock()

	if started {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.tmu.Lock()
	for key, e := range s.once {
		e.timer.Stop()
		delete(s.once, key)
	}
	s.tmu.Unlock()

	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Entries lists registered timers: one-offs first, then recurring, each
// group in no particular order.
func (s *Service) Entries() []EntryInfo {
	var out []EntryInfo

	s.tmu.Lock()
	for key, e := range s.once {
		out = append(out, EntryInfo{Key: key, JobID: e.jobID, Kind: storage.JobOnce, Next: e.due})
	}
	s.tmu.Unlock()

	s.mu.Lock()
	for key, e := range s.recurring {
		it := EntryInfo{Key: key, JobID: e.job.ID, Kind: storage.JobRecurring, Spec: e.spec}
		if e.entryID != 0 {
			it.Next = s.c.Entry(e.entryID).Next
		}
		out = append(out, it)
	}
	s.mu.Unlock()
	return out
}

func (s *Service) restartLocked() {
	if s.started {
		<-s.c.Stop().Done()
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for key, e := range s.recurring {
		if err := s.addCronLocked(key, e); err != nil {
			s.log.Error("recurring re-register failed", logx.String("key", key), logx.Err(err))
		}
	}
	if s.started {
		s.c.Start()
	}
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("recurring", len(s.recurring)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked returns a short list of upcoming run times for spec.
// Call with s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
