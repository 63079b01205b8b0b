package broadcast

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"botfleet/internal/eventbus"
	"botfleet/internal/storage"
	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"
)

// Executor runs fan-out passes. Each recipient is attempted exactly once;
// a failure is counted and the pass moves on.
type Executor struct {
	mu  sync.Mutex
	cfg Config
	// Bot API limits are per token, so pacing is per tenant.
	limiters map[int64]*rate.Limiter

	log logx.Logger
	bus eventbus.Bus
	rec RunRecorder

	recentMu sync.Mutex
	recent   []Result
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, rec RunRecorder) *Executor {
	e := &Executor{log: log, bus: bus, rec: rec}
	e.Apply(cfg)
	return e
}

// Apply swaps pacing settings. Passes already running keep their limiter.
func (e *Executor) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	e.mu.Lock()
	e.cfg = cfg
	e.limiters = make(map[int64]*rate.Limiter)
	e.mu.Unlock()
}

// limiterLocked returns the tenant's limiter, creating it on first use.
func (e *Executor) limiterLocked(tenantID int64) *rate.Limiter {
	lim, ok := e.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(e.cfg.RatePerSec), e.cfg.Burst)
		e.limiters[tenantID] = lim
	}
	return lim
}

// Execute delivers p to every recipient in order. It never returns early on
// a delivery error; cancellation of ctx counts the remaining recipients as failed.
func (e *Executor) Execute(ctx context.Context, d transport.Deliverer, p transport.Payload, recipients []int64, meta Meta) Result {
	e.mu.Lock()
	lim := e.limiterLocked(meta.TenantID)
	timeout := e.cfg.SendTimeout
	e.mu.Unlock()

	start := time.Now()
	res := Result{RunID: uuid.NewString()}
	log := e.log.With(
		logx.String("run", res.RunID),
		logx.Int64("tenant", meta.TenantID),
		logx.String("origin", meta.Origin),
	)
	log.Debug("fan-out started", logx.Int("total", len(recipients)), logx.Int64("job", meta.JobID))

	for i, chatID := range recipients {
		if ctx.Err() != nil {
			for _, rest := range recipients[i:] {
				res.fail(rest)
			}
			log.Warn("fan-out canceled", logx.Int("remaining", len(recipients)-i), logx.Err(ctx.Err()))
			break
		}
		if err := e.sendOne(ctx, lim, timeout, d, chatID, p); err != nil {
			res.fail(chatID)
			log.Debug("fan-out delivery failed", logx.Int64("chat_id", chatID), logx.Err(err))
			continue
		}
		res.Sent++
	}
	res.Took = time.Since(start)

	fields := []logx.Field{
		logx.Int("total", len(recipients)),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed),
		logx.Duration("dur", res.Took),
	}
	if res.Failed > 0 {
		log.Warn("fan-out finished with failures", fields...)
	} else {
		log.Info("fan-out finished", fields...)
	}

	e.remember(res)
	eventbus.Emit(e.bus, eventbus.BroadcastFinished, eventbus.BroadcastResult{
		RunID:    res.RunID,
		TenantID: meta.TenantID,
		Origin:   meta.Origin,
		Sent:     res.Sent,
		Failed:   res.Failed,
	})
	if e.rec != nil {
		// The pass is over; a canceled ctx must not lose the audit row.
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err := e.rec.AppendRun(actx, storage.BroadcastRun{
			RunID:    res.RunID,
			TenantID: meta.TenantID,
			JobID:    meta.JobID,
			Origin:   meta.Origin,
			Sent:     res.Sent,
			Failed:   res.Failed,
			Took:     res.Took,
		})
		cancel()
		if err != nil {
			log.Warn("fan-out audit write failed", logx.Err(err))
		}
	}
	return res
}

// sendOne isolates a single delivery: pacing, timeout and panics stay local.
func (e *Executor) sendOne(ctx context.Context, lim *rate.Limiter, timeout time.Duration, d transport.Deliverer, chatID int64, p transport.Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			e.log.Error("fan-out delivery panicked", logx.Int64("chat_id", chatID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()

	if err := lim.Wait(ctx); err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err = d.Deliver(sctx, transport.ChatTarget{ChatID: chatID}, p)
	return err
}

func (r *Result) fail(chatID int64) {
	r.Failed++
	if len(r.Failures) < maxFailures {
		r.Failures = append(r.Failures, chatID)
	}
}

func (e *Executor) remember(res Result) {
	e.recentMu.Lock()
	e.recent = append(e.recent, res)
	if len(e.recent) > maxRecent {
		e.recent = e.recent[len(e.recent)-maxRecent:]
	}
	e.recentMu.Unlock()
}

// Recent returns the latest pass results, oldest first.
func (e *Executor) Recent() []Result {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()
	return append([]Result(nil), e.recent...)
}
