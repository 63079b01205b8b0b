package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"botfleet/internal/storage"
	"botfleet/internal/task/scheduler"
	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"
)

var errEmptyContent = errors.New("nothing to broadcast in that message")

// convState is the owner's position in the /broadcast dialogue. The zero
// value (nil) is idle.
type convState interface{ convState() }

type awaitContent struct{}

type awaitSchedule struct {
	payload transport.Payload
}

type awaitAudience struct {
	payload transport.Payload
	plan    schedulePlan
}

func (awaitContent) convState()  {}
func (awaitSchedule) convState() {}
func (awaitAudience) convState() {}

// schedulePlan is a parsed answer to "when?".
type schedulePlan struct {
	at        time.Time
	recurring bool
	interval  storage.Interval
}

func (p schedulePlan) describe(loc *time.Location) string {
	if p.recurring {
		return scheduler.DescribeInterval(p.interval)
	}
	return "at " + p.at.In(loc).Format("2006-01-02 15:04")
}

// parseSchedule accepts "now", "at <HH:MM|RFC3339>" and "every <30m|2h|daily 9>".
func parseSchedule(raw string, now time.Time, loc *time.Location) (schedulePlan, error) {
	s := strings.TrimSpace(raw)
	head, rest, _ := strings.Cut(s, " ")
	switch strings.ToLower(head) {
	case "now":
		return schedulePlan{at: now}, nil
	case "at":
		at, err := scheduler.ParseFireAt(rest, now, loc)
		if err != nil {
			return schedulePlan{}, err
		}
		return schedulePlan{at: at}, nil
	case "every":
		iv, err := scheduler.ParseInterval(rest)
		if err != nil {
			return schedulePlan{}, err
		}
		return schedulePlan{recurring: true, interval: iv}, nil
	default:
		return schedulePlan{}, fmt.Errorf("unknown schedule %q", s)
	}
}

func parseAudience(raw string) (storage.Audience, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "users", "user":
		return storage.AudienceUsers, true
	case "groups", "group":
		return storage.AudienceGroups, true
	default:
		return "", false
	}
}

// transition is the pure part of one dialogue step: given the state and the
// owner's message it returns the next state and the prompt to send. A final
// step returns a nil state and the audience; the caller persists the job.
func transition(st convState, m *transport.Message, now time.Time, loc *time.Location) (next convState, prompt string, aud storage.Audience, err error) {
	switch s := st.(type) {
	case awaitContent:
		p := transport.PayloadOf(m)
		if p.Empty() {
			return st, "", "", errEmptyContent
		}
		return awaitSchedule{payload: p}, promptSchedule, "", nil

	case awaitSchedule:
		plan, err := parseSchedule(m.Text, now, loc)
		if err != nil {
			return st, "", "", err
		}
		return awaitAudience{payload: s.payload, plan: plan}, promptAudience, "", nil

	case awaitAudience:
		a, ok := parseAudience(m.Text)
		if !ok {
			return st, "", "", fmt.Errorf("answer users or groups")
		}
		return nil, "", a, nil

	default:
		return nil, "", "", nil
	}
}

const (
	promptContent  = "📢 Send the message to broadcast (text or media). /cancel to abort."
	promptSchedule = "🕒 When? Reply with one of:\nnow\nat 21:30 (or RFC3339)\nevery 30m | every 2h | every daily 9"
	promptAudience = "👥 Who receives it? Reply users or groups."
)

// conversations holds per-user dialogue state.
type conversations struct {
	mu sync.Mutex
	m  map[int64]convState
}

func newConversations() *conversations {
	return &conversations{m: map[int64]convState{}}
}

func (c *conversations) get(userID int64) convState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[userID]
}

func (c *conversations) set(userID int64, st convState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st == nil {
		delete(c.m, userID)
		return
	}
	c.m[userID] = st
}

// reset clears userID's dialogue and reports whether one was active.
func (c *conversations) reset(userID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.m[userID]
	delete(c.m, userID)
	return ok
}

// step advances the owner's active dialogue with m. handled is false when no
// dialogue is active.
func (rt *Runtime) step(ctx context.Context, m *transport.Message) (handled bool, err error) {
	st := rt.conv.get(m.FromID)
	if st == nil {
		return false, nil
	}
	loc := time.Local
	if rt.deps.Scheduler != nil {
		loc = rt.deps.Scheduler.Location()
	}
	now := rt.now()

	next, prompt, aud, terr := transition(st, m, now, loc)
	chat := transport.ChatTarget{ChatID: m.ChatID}
	if terr != nil {
		return true, rt.reply(ctx, chat, "⚠️ "+terr.Error())
	}
	if next != nil {
		rt.conv.set(m.FromID, next)
		return true, rt.reply(ctx, chat, prompt)
	}

	rt.conv.set(m.FromID, nil)
	final := st.(awaitAudience)
	job, err := rt.createJob(ctx, final.payload, final.plan, aud)
	if err != nil {
		return true, rt.reply(ctx, chat, "❌ Could not schedule: "+err.Error())
	}
	return true, rt.reply(ctx, chat, fmt.Sprintf("✅ Job #%d scheduled %s for %s.", job.ID, final.plan.describe(loc), aud))
}

// createJob persists a broadcast job and registers its timer. A job whose
// timer cannot be registered is deleted again so /jobs never lists it.
func (rt *Runtime) createJob(ctx context.Context, p transport.Payload, plan schedulePlan, aud storage.Audience) (storage.BroadcastJob, error) {
	if rt.deps.Store == nil || rt.deps.Scheduler == nil {
		return storage.BroadcastJob{}, errors.New("scheduler unavailable")
	}
	tid := rt.TenantID()

	var (
		job storage.BroadcastJob
		err error
	)
	if plan.recurring {
		job, err = rt.deps.Store.CreateRecurring(ctx, tid, aud, p, plan.interval)
	} else {
		job, err = rt.deps.Store.CreateOnce(ctx, tid, aud, p, plan.at)
	}
	if err != nil {
		return job, err
	}

	if plan.recurring {
		err = rt.deps.Scheduler.ScheduleRecurring(job)
	} else {
		err = rt.deps.Scheduler.ScheduleOnce(job)
	}
	if err != nil {
		if _, derr := rt.deps.Store.DeleteJob(context.WithoutCancel(ctx), tid, job.ID); derr != nil {
			rt.log.Error("orphan job not deleted", logx.Int64("job", job.ID), logx.Err(derr))
		}
		return storage.BroadcastJob{}, err
	}
	return job, nil
}
