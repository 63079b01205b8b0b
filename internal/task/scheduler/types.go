package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/robfig/cron/v3"

	"botfleet/internal/eventbus"
	"botfleet/internal/notifier"
	"botfleet/internal/notifier/broadcast"
	"botfleet/internal/storage"
	"botfleet/internal/task/engine"
	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"
)

var (
	ErrInvalidInterval = errors.New("invalid interval")
	ErrInvalidJob      = errors.New("invalid job")

	errNoEngine = errors.New("no task engine bound")
)

const defaultRetryDelay = 15 * time.Second

// Config controls the scheduler (trigger) service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
	// MisfireGrace bounds how late a one-off job may fire after a restart.
	MisfireGrace time.Duration
	// FireTimeout bounds one fire (load, fan-out, report). 0 uses the engine default.
	FireTimeout time.Duration
	// RetryDelay re-arms a one-off whose tenant was down at fire time.
	// Retries stop at MisfireGrace. 0 means 15s.
	RetryDelay time.Duration
}

// Store is the slice of storage the scheduler reads and writes.
type Store interface {
	GetJob(ctx context.Context, id int64) (storage.BroadcastJob, error)
	PendingOnce(ctx context.Context, tenantID int64) ([]storage.BroadcastJob, error)
	ActiveRecurring(ctx context.Context, tenantID int64) ([]storage.BroadcastJob, error)
	MarkSent(ctx context.Context, id int64) (bool, error)
	MarkMissed(ctx context.Context, id int64) (bool, error)
	TouchFired(ctx context.Context, id int64, at time.Time) error
	Users(ctx context.Context, tenantID int64) ([]int64, error)
	KnownGroupIDs(ctx context.Context, tenantID int64) ([]int64, error)
}

// Tenants resolves the deliverer of a running tenant.
type Tenants interface {
	Deliverer(tenantID int64) (transport.Deliverer, storage.Tenant, bool)
}

type Fanout interface {
	Execute(ctx context.Context, d transport.Deliverer, p transport.Payload, recipients []int64, meta broadcast.Meta) broadcast.Result
}

type Reporter interface {
	Notify(ctx context.Context, n notifier.Notification) error
}

type Enqueuer interface {
	Enqueue(t engine.Task) error
}

// Deps are the collaborators of a Service. Tenants may be bound later with
// SetTenants because the tenant registry itself schedules jobs.
type Deps struct {
	Store    Store
	Tenants  Tenants
	Fanout   Fanout
	Reporter Reporter // optional
	Engine   Enqueuer
	Bus      eventbus.Bus
}

// EntryInfo describes one registered timer.
type EntryInfo struct {
	Key   string
	JobID int64
	Kind  storage.JobKind
	Spec  string // recurring only
	Next  time.Time
}

// ReconcileReport summarizes one Reconcile pass.
type ReconcileReport struct {
	Once      int // one-off timers registered (including immediate fires)
	Recurring int
	Immediate int // overdue one-offs fired inside the misfire grace
	Missed    int
	Failed    int
}

type recurringEntry struct {
	job     storage.BroadcastJob
	spec    string
	entryID cron.EntryID
}

type onceEntry struct {
	jobID int64
	at    time.Time // requested fire time
	due   time.Time // later than at after a retry
	timer *time.Timer
	ver   uint64
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	now func() time.Time

	// dmu guards deps and fireTimeout. Cron callbacks only take dmu, so
	// stopping cron under mu cannot deadlock with a running trigger.
	dmu         sync.RWMutex
	deps        Deps
	fireTimeout time.Duration

	parser    cron.Parser
	c         *cron.Cron
	started   bool
	recurring map[string]*recurringEntry

	// one-off timers; ver guards against stale callbacks of replaced timers
	tmu     sync.Mutex
	once    map[string]*onceEntry
	onceVer map[string]uint64

	// keys warned about within enqueueWarnThrottle
	enqWarned *expirable.LRU[string, struct{}]
}
