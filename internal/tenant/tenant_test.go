package tenant

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"botfleet/internal/notifier/broadcast"
	"botfleet/internal/relay"
	"botfleet/internal/storage"
	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"
)

const (
	ownerID = int64(1000)
	tokenA  = "111111:AAAAAAAAAAAAAAAAAAAAAAAA"
	tokenB  = "222222:BBBBBBBBBBBBBBBBBBBBBBBB"
)

type sent struct {
	chat    int64
	text    string
	payload transport.Payload
	opt     *transport.SendOptions
}

type fakeClient struct {
	mu        sync.Mutex
	username  string
	nextID    int
	out       []sent
	webhook   string
	polling   bool
	failSends bool
	panics    bool
	gate      chan struct{}    // sends wait until closed
	feed      chan tele.Update // polled updates
}

func (c *fakeClient) record(s sent) (transport.MessageRef, error) {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.panics {
		panic("client exploded")
	}
	if c.failSends {
		return transport.MessageRef{}, errors.New("send failed")
	}
	c.nextID++
	c.out = append(c.out, s)
	return transport.MessageRef{ChatID: s.chat, MessageID: c.nextID}, nil
}

func (c *fakeClient) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	return c.record(sent{chat: to.ChatID, text: text, opt: opt})
}

func (c *fakeClient) Deliver(_ context.Context, to transport.ChatTarget, p transport.Payload) (transport.MessageRef, error) {
	return c.record(sent{chat: to.ChatID, text: p.Text, payload: p})
}

func (c *fakeClient) Username() string { return c.username }

func (c *fakeClient) Poll(ctx context.Context, sink func(tele.Update)) error {
	c.mu.Lock()
	c.polling = true
	feed := c.feed
	c.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-feed:
			sink(u)
		}
	}
}

func (c *fakeClient) setPanics(on bool) {
	c.mu.Lock()
	c.panics = on
	c.mu.Unlock()
}

// forwardedTexts returns the copies of user messages delivered to the owner.
func (c *fakeClient) forwardedTexts(prefix string) []string {
	var out []string
	for _, s := range c.sent() {
		if s.chat == ownerID && strings.HasPrefix(s.payload.Text, prefix) {
			out = append(out, s.payload.Text)
		}
	}
	return out
}

func (c *fakeClient) SetWebhook(publicURL, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.webhook = publicURL
	return nil
}

func (c *fakeClient) sent() []sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sent(nil), c.out...)
}

func (c *fakeClient) lastTo(chat int64) (sent, bool) {
	all := c.sent()
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].chat == chat {
			return all[i], true
		}
	}
	return sent{}, false
}

type fakeScheduler struct {
	mu        sync.Mutex
	once      []storage.BroadcastJob
	recurring []storage.BroadcastJob
	canceled  []int64
	resumed   []int64
	failWith  error
}

func (s *fakeScheduler) ScheduleOnce(job storage.BroadcastJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.once = append(s.once, job)
	return nil
}

func (s *fakeScheduler) ScheduleRecurring(job storage.BroadcastJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.recurring = append(s.recurring, job)
	return nil
}

func (s *fakeScheduler) ResumeTenant(_ context.Context, tenantID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumed = append(s.resumed, tenantID)
	return 0, nil
}

func (s *fakeScheduler) Cancel(jobID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = append(s.canceled, jobID)
	return true
}

func (s *fakeScheduler) Location() *time.Location { return time.UTC }

type nopFanout struct{}

func (nopFanout) Execute(_ context.Context, _ transport.Deliverer, _ transport.Payload, recipients []int64, _ broadcast.Meta) broadcast.Result {
	return broadcast.Result{Sent: len(recipients)}
}

type fixture struct {
	db     *storage.DB
	sched  *fakeScheduler
	deps   Deps
	tenant storage.Tenant
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "fleet.db"), BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	tn, err := db.CreateTenant(context.Background(), storage.Tenant{Token: tokenA, OwnerID: ownerID, Active: true})
	if err != nil {
		t.Fatalf("tenant: %v", err)
	}
	sched := &fakeScheduler{}
	return &fixture{
		db:     db,
		sched:  sched,
		deps:   Deps{Store: db, Scheduler: sched, Relay: relay.New(db, nopFanout{}, logx.Nop(), nil)},
		tenant: tn,
	}
}

func (f *fixture) runtime(cl *fakeClient) *Runtime {
	return newRuntime(f.tenant, cl, f.deps, Config{ReplyCacheSize: 16}, logx.Nop())
}

var updateSeq struct {
	sync.Mutex
	n int
}

func nextUpdateID() int {
	updateSeq.Lock()
	defer updateSeq.Unlock()
	updateSeq.n++
	return updateSeq.n
}

func private(from int64, text string) tele.Update {
	return tele.Update{ID: nextUpdateID(), Message: &tele.Message{
		ID:     nextUpdateID(),
		Chat:   &tele.Chat{ID: from, Type: tele.ChatPrivate},
		Sender: &tele.User{ID: from, FirstName: "U"},
		Text:   text,
	}}
}

func ownerReply(text string, replyTo int) tele.Update {
	u := private(ownerID, text)
	u.Message.ReplyTo = &tele.Message{ID: replyTo}
	return u
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSpawnIsIdempotentPerToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var calls int
	cl := &fakeClient{username: "shop_bot"}
	r := NewRegistry(Config{}, f.deps, func(string) (Client, error) {
		calls++
		return cl, nil
	}, logx.Nop())
	ctx := context.Background()
	t.Cleanup(func() { r.StopAll(context.Background()) })

	if err := r.Spawn(ctx, f.tenant); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := r.Spawn(ctx, f.tenant); err != nil {
		t.Fatalf("second spawn: %v", err)
	}
	if calls != 1 {
		t.Fatalf("factory calls=%d", calls)
	}
	if got := r.Running(); len(got) != 1 || got[0] != f.tenant.ID {
		t.Fatalf("running=%v", got)
	}
	d, rec, ok := r.Deliverer(f.tenant.ID)
	if !ok || d == nil || rec.Username != "shop_bot" {
		t.Fatalf("deliverer=%v %+v %v", d, rec, ok)
	}
	stored, _ := f.db.GetTenant(ctx, f.tenant.ID)
	if stored.Username != "shop_bot" {
		t.Fatalf("username not persisted: %+v", stored)
	}
	waitFor(t, "poller", func() bool {
		cl.mu.Lock()
		defer cl.mu.Unlock()
		return cl.polling
	})
}

func TestSpawnFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	cases := []struct {
		name    string
		token   string
		factory Factory
	}{
		{"malformed token", "not-a-token", func(string) (Client, error) { return &fakeClient{}, nil }},
		{"factory error", tokenB, func(string) (Client, error) { return nil, errors.New("401 unauthorized") }},
		{"factory panic", tokenB, func(string) (Client, error) { panic("boom") }},
	}
	for _, tc := range cases {
		r := NewRegistry(Config{}, f.deps, tc.factory, logx.Nop())
		err := r.Spawn(context.Background(), storage.Tenant{ID: 99, Token: tc.token, Active: true})
		if !errors.Is(err, ErrSpawnFailed) {
			t.Fatalf("%s: err=%v", tc.name, err)
		}
		if len(r.Running()) != 0 {
			t.Fatalf("%s: running=%v", tc.name, r.Running())
		}
	}
}

func TestSpawnWebhookMode(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	cl := &fakeClient{}
	r := NewRegistry(Config{Webhook: true, PublicURL: "https://bots.example.com/"}, f.deps,
		func(string) (Client, error) { return cl, nil }, logx.Nop())
	t.Cleanup(func() { r.StopAll(context.Background()) })

	if err := r.Spawn(context.Background(), f.tenant); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if want := "https://bots.example.com/webhook/" + tokenA; cl.webhook != want {
		t.Fatalf("webhook=%q", cl.webhook)
	}
}

func TestStopNotRunningIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	r := NewRegistry(Config{}, f.deps, nil, logx.Nop())
	if err := r.Stop(context.Background(), 42); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestDispatchUnknownTokenAndFullMailbox(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	r := NewRegistry(Config{}, f.deps, nil, logx.Nop())

	if err := r.Dispatch(context.Background(), tokenB, private(5, "hi")); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("unknown: err=%v", err)
	}

	// A handle without a draining loop.
	h := &handle{rt: f.runtime(&fakeClient{}), mailbox: make(chan tele.Update, 1)}
	r.mu.Lock()
	r.byToken[tokenA] = h
	r.byID[f.tenant.ID] = h
	r.mu.Unlock()

	if err := r.Dispatch(context.Background(), tokenA, private(5, "one")); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := r.Dispatch(context.Background(), tokenA, private(5, "two")); !errors.Is(err, ErrMailboxFull) {
		t.Fatalf("second: err=%v", err)
	}
}

func TestDispatchPreservesOrderPerTenant(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	cl := &fakeClient{}
	r := NewRegistry(Config{Webhook: true}, f.deps, func(string) (Client, error) { return cl, nil }, logx.Nop())
	t.Cleanup(func() { r.StopAll(context.Background()) })
	if err := r.Spawn(context.Background(), f.tenant); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	const n = 20
	for i := range n {
		if err := r.Dispatch(context.Background(), tokenA, private(7, fmt.Sprintf("m%02d", i))); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	var copies []string
	waitFor(t, "forwards", func() bool {
		copies = copies[:0]
		for _, s := range cl.sent() {
			if s.chat == ownerID && strings.HasPrefix(s.payload.Text, "m") {
				copies = append(copies, s.payload.Text)
			}
		}
		return len(copies) == n
	})
	for i, c := range copies {
		if c != fmt.Sprintf("m%02d", i) {
			t.Fatalf("order broken at %d: %v", i, copies)
		}
	}
}

func TestSupportReplyRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cl := &fakeClient{}
	rt := f.runtime(cl)
	ctx := context.Background()

	rt.handle(ctx, private(7, "where is my order?"))

	out := cl.sent()
	if len(out) != 2 || out[0].chat != ownerID || out[1].payload.Text != "where is my order?" {
		t.Fatalf("forward=%+v", out)
	}
	if n, _ := f.db.CountUsers(ctx, f.tenant.ID); n != 1 {
		t.Fatalf("users=%d", n)
	}

	// Reply to the header (message id 1).
	rt.handle(ctx, ownerReply("shipped today", 1))
	got, ok := cl.lastTo(7)
	if !ok || got.payload.Text != "shipped today" {
		t.Fatalf("reply to user=%+v %v", got, ok)
	}
	ack, _ := cl.lastTo(ownerID)
	if ack.text != "✅ Sent." {
		t.Fatalf("ack=%q", ack.text)
	}

	// A reply to an unknown message falls back to the help hint.
	rt.handle(ctx, ownerReply("hello?", 999))
	hint, _ := cl.lastTo(ownerID)
	if !strings.Contains(hint.text, "/help") {
		t.Fatalf("hint=%q", hint.text)
	}
}

func TestStartGreetsAndRecordsUser(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cl := &fakeClient{}
	rt := f.runtime(cl)

	rt.handle(context.Background(), private(8, "/start"))
	out := cl.sent()
	if len(out) != 1 || out[0].chat != 8 || !strings.Contains(out[0].text, "Hi U") {
		t.Fatalf("greet=%+v", out)
	}
	if n, _ := f.db.CountUsers(context.Background(), f.tenant.ID); n != 1 {
		t.Fatalf("users=%d", n)
	}
}

func TestNonOwnerCannotRunOwnerCommands(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cl := &fakeClient{}
	rt := f.runtime(cl)

	rt.handle(context.Background(), private(8, "/jobs"))
	out := cl.sent()
	// Forwarded to the owner as a regular message.
	if len(out) != 2 || out[0].chat != ownerID || out[1].payload.Text != "/jobs" {
		t.Fatalf("out=%+v", out)
	}
}

func TestSuspendedTenantReplies(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.tenant.SubscriptionEnd = time.Now().Add(-time.Hour)
	cl := &fakeClient{}
	rt := f.runtime(cl)

	rt.handle(context.Background(), private(9, "hello"))
	out := cl.sent()
	if len(out) != 1 || out[0].text != suspendedText || out[0].chat != 9 {
		t.Fatalf("out=%+v", out)
	}
	if n, _ := f.db.CountUsers(context.Background(), f.tenant.ID); n != 0 {
		t.Fatalf("suspended tenant recorded user")
	}
}

func TestGroupTracking(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rt := f.runtime(&fakeClient{})
	ctx := context.Background()

	rt.handle(ctx, tele.Update{ID: nextUpdateID(), Message: &tele.Message{
		ID: 1, Chat: &tele.Chat{ID: -500, Type: tele.ChatSuperGroup, Title: "Fans"}, Sender: &tele.User{ID: 3}, Text: "hey",
	}})
	rt.handle(ctx, tele.Update{ID: nextUpdateID(), MyChatMember: &tele.ChatMemberUpdate{
		Chat:          &tele.Chat{ID: -600, Type: tele.ChatGroup, Title: "VIP"},
		NewChatMember: &tele.ChatMember{Role: tele.Member},
	}})
	groups, _ := f.db.KnownGroupIDs(ctx, f.tenant.ID)
	if len(groups) != 2 {
		t.Fatalf("groups=%v", groups)
	}

	rt.handle(ctx, tele.Update{ID: nextUpdateID(), MyChatMember: &tele.ChatMemberUpdate{
		Chat:          &tele.Chat{ID: -500, Type: tele.ChatSuperGroup},
		NewChatMember: &tele.ChatMember{Role: tele.Kicked},
	}})
	groups, _ = f.db.KnownGroupIDs(ctx, f.tenant.ID)
	if len(groups) != 1 || groups[0] != -600 {
		t.Fatalf("after kick=%v", groups)
	}
}

func TestBroadcastDialogue(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cl := &fakeClient{}
	rt := f.runtime(cl)
	ctx := context.Background()

	rt.handle(ctx, private(ownerID, "/broadcast"))
	rt.handle(ctx, private(ownerID, "Flash sale!"))
	rt.handle(ctx, private(ownerID, "every 2h"))
	rt.handle(ctx, private(ownerID, "everyone"))
	if last, _ := cl.lastTo(ownerID); !strings.Contains(last.text, "users or groups") {
		t.Fatalf("bad audience answer not rejected: %q", last.text)
	}
	rt.handle(ctx, private(ownerID, "groups"))

	if len(f.sched.recurring) != 1 {
		t.Fatalf("recurring=%+v", f.sched.recurring)
	}
	job := f.sched.recurring[0]
	if job.Audience != storage.AudienceGroups || job.Interval != (storage.Interval{Unit: storage.EveryHours, Every: 2}) || job.Payload.Text != "Flash sale!" {
		t.Fatalf("job=%+v", job)
	}
	if last, _ := cl.lastTo(ownerID); !strings.Contains(last.text, fmt.Sprintf("Job #%d scheduled", job.ID)) {
		t.Fatalf("confirmation=%q", last.text)
	}
	if rt.conv.get(ownerID) != nil {
		t.Fatalf("dialogue not reset")
	}

	// /stopjob removes it from storage and the scheduler.
	rt.handle(ctx, private(ownerID, fmt.Sprintf("/stopjob %d", job.ID)))
	if len(f.sched.canceled) != 1 || f.sched.canceled[0] != job.ID {
		t.Fatalf("canceled=%v", f.sched.canceled)
	}
	if open, _ := f.db.OpenJobs(ctx, f.tenant.ID); len(open) != 0 {
		t.Fatalf("open=%+v", open)
	}
}

func TestBroadcastNowSchedulesOneOff(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rt := f.runtime(&fakeClient{})
	ctx := context.Background()

	for _, text := range []string{"/broadcast", "hello all", "now", "users"} {
		rt.handle(ctx, private(ownerID, text))
	}
	if len(f.sched.once) != 1 {
		t.Fatalf("once=%+v", f.sched.once)
	}
	job := f.sched.once[0]
	if job.Status != storage.StatusPending || job.Audience != storage.AudienceUsers || time.Since(job.FireAt) > time.Minute {
		t.Fatalf("job=%+v", job)
	}
}

func TestCancelResetsDialogue(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cl := &fakeClient{}
	rt := f.runtime(cl)
	ctx := context.Background()

	rt.handle(ctx, private(ownerID, "/broadcast"))
	rt.handle(ctx, private(ownerID, "/cancel"))
	if rt.conv.get(ownerID) != nil {
		t.Fatalf("still in dialogue")
	}
	rt.handle(ctx, private(ownerID, "just chatting"))
	if last, _ := cl.lastTo(ownerID); !strings.Contains(last.text, "/help") {
		t.Fatalf("last=%q", last.text)
	}
}

func TestTransition(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	text := func(s string) *transport.Message { return &transport.Message{Text: s, Media: transport.Media{Kind: transport.MediaText}} }
	payload := transport.Payload{Text: "x", Media: transport.Media{Kind: transport.MediaText}}

	cases := []struct {
		name    string
		st      convState
		msg     *transport.Message
		want    convState
		wantErr bool
		aud     storage.Audience
	}{
		{name: "empty content", st: awaitContent{}, msg: text("  "), want: awaitContent{}, wantErr: true},
		{name: "content", st: awaitContent{}, msg: text("x"), want: awaitSchedule{payload: transport.Payload{Text: "x", Media: transport.Media{Kind: transport.MediaText}}}},
		{name: "bad schedule", st: awaitSchedule{payload: payload}, msg: text("later"), want: awaitSchedule{payload: payload}, wantErr: true},
		{name: "at", st: awaitSchedule{payload: payload}, msg: text("at 12:30"),
			want: awaitAudience{payload: payload, plan: schedulePlan{at: time.Date(2025, 5, 1, 12, 30, 0, 0, time.UTC)}}},
		{name: "every", st: awaitSchedule{payload: payload}, msg: text("every daily 9"),
			want: awaitAudience{payload: payload, plan: schedulePlan{recurring: true, interval: storage.Interval{Unit: storage.Daily, Hour: 9}}}},
		{name: "audience", st: awaitAudience{payload: payload}, msg: text("Users"), want: nil, aud: storage.AudienceUsers},
	}
	for _, tc := range cases {
		next, _, aud, err := transition(tc.st, tc.msg, now, time.UTC)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err=%v", tc.name, err)
		}
		if next != tc.want {
			t.Fatalf("%s: next=%#v want %#v", tc.name, next, tc.want)
		}
		if aud != tc.aud {
			t.Fatalf("%s: aud=%q", tc.name, aud)
		}
	}
}

func TestReplyMapEvictsOldest(t *testing.T) {
	t.Parallel()
	m := newReplyMap(2)
	m.Remember(1, 100)
	m.Remember(2, 200)
	m.Remember(3, 300)

	if _, ok := m.Lookup(1); ok {
		t.Fatalf("oldest entry survived")
	}
	if u, ok := m.Lookup(3); !ok || u != 300 {
		t.Fatalf("lookup 3=%d %v", u, ok)
	}
	m.Remember(0, 5)
	if m.Len() != 2 {
		t.Fatalf("len=%d", m.Len())
	}
}

func TestRelayCommands(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cl := &fakeClient{}
	rt := f.runtime(cl)
	ctx := context.Background()

	rt.handle(ctx, private(ownerID, "/fwd_toggle"))
	if last, _ := cl.lastTo(ownerID); !strings.Contains(last.text, relay.ErrNotConfigured.Error()) {
		t.Fatalf("toggle unconfigured=%q", last.text)
	}
	rt.handle(ctx, private(ownerID, "/fwd_add -1001 News"))
	rt.handle(ctx, private(ownerID, "/fwd_target -2002 Mirror"))
	last, _ := cl.lastTo(ownerID)
	if !strings.Contains(last.text, string(relay.StateActive)) || last.opt == nil || last.opt.ParseMode != "HTML" {
		t.Fatalf("status=%+v", last)
	}
	rt.handle(ctx, private(ownerID, "/fwd_mode sideways"))
	if last, _ := cl.lastTo(ownerID); !strings.HasPrefix(last.text, "⚠️") {
		t.Fatalf("bad mode=%q", last.text)
	}

	snap, _ := f.deps.Relay.Status(ctx, f.tenant.ID)
	if !snap.Config.Active || snap.Config.TargetID != -2002 || !snap.Config.HasSource(-1001) {
		t.Fatalf("config=%+v", snap.Config)
	}
}

func TestSyncAlignsRuntimes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	expired, err := f.db.CreateTenant(ctx, storage.Tenant{Token: tokenB, OwnerID: 2, Active: true, SubscriptionEnd: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("tenant: %v", err)
	}
	r := NewRegistry(Config{Webhook: true}, f.deps, func(string) (Client, error) { return &fakeClient{}, nil }, logx.Nop())
	t.Cleanup(func() { r.StopAll(context.Background()) })

	rep, err := r.Sync(ctx)
	if err != nil || rep.Spawned != 2 || rep.Suspended != 1 {
		t.Fatalf("first sync=%+v %v", rep, err)
	}

	if err := f.db.SetTenantActive(ctx, expired.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	rep, err = r.Sync(ctx)
	if err != nil || rep.Refreshed != 1 || rep.Stopped != 1 || rep.Spawned != 0 {
		t.Fatalf("second sync=%+v %v", rep, err)
	}
	if got := r.Running(); len(got) != 1 || got[0] != f.tenant.ID {
		t.Fatalf("running=%v", got)
	}
}

// twoTenants spawns tenant A (the fixture tenant) and a second tenant B in
// webhook mode, each with its own client.
func twoTenants(t *testing.T, f *fixture) (*Registry, *fakeClient, *fakeClient) {
	t.Helper()
	ctx := context.Background()
	tb, err := f.db.CreateTenant(ctx, storage.Tenant{Token: tokenB, OwnerID: ownerID, Active: true})
	if err != nil {
		t.Fatalf("tenant b: %v", err)
	}
	clients := map[string]*fakeClient{tokenA: {}, tokenB: {}}
	r := NewRegistry(Config{Webhook: true}, f.deps, func(token string) (Client, error) {
		return clients[token], nil
	}, logx.Nop())
	t.Cleanup(func() { r.StopAll(context.Background()) })
	for _, tn := range []storage.Tenant{f.tenant, tb} {
		if err := r.Spawn(ctx, tn); err != nil {
			t.Fatalf("spawn %d: %v", tn.ID, err)
		}
	}
	return r, clients[tokenA], clients[tokenB]
}

func TestDispatchReachesOnlyItsTenant(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	r, a, b := twoTenants(t, f)
	ctx := context.Background()

	for i := range 5 {
		if err := r.Dispatch(ctx, tokenA, private(7, fmt.Sprintf("a%d", i))); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}
	if err := r.Dispatch(ctx, tokenB, private(8, "b0")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, "forwards", func() bool {
		return len(a.forwardedTexts("a")) == 5 && len(b.forwardedTexts("b")) == 1
	})
	time.Sleep(50 * time.Millisecond)
	if got := a.forwardedTexts("b"); len(got) != 0 {
		t.Fatalf("tenant A saw B's updates: %v", got)
	}
	if got := b.forwardedTexts("a"); len(got) != 0 {
		t.Fatalf("tenant B saw A's updates: %v", got)
	}
}

func TestHandlerPanicStaysInTenant(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	r, a, b := twoTenants(t, f)
	ctx := context.Background()

	a.setPanics(true)
	if err := r.Dispatch(ctx, tokenA, private(7, "boom")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := r.Dispatch(ctx, tokenB, private(8, "b-ok")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, "tenant B", func() bool { return len(b.forwardedTexts("b-ok")) == 1 })

	a.setPanics(false)
	if err := r.Dispatch(ctx, tokenA, private(7, "a-ok")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, "tenant A after panic", func() bool { return len(a.forwardedTexts("a-ok")) == 1 })
	if got := r.Running(); len(got) != 2 {
		t.Fatalf("running=%v", got)
	}
}

func TestPollerWaitsForMailboxRoom(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	const n = 10
	cl := &fakeClient{gate: make(chan struct{}), feed: make(chan tele.Update, n)}
	r := NewRegistry(Config{MailboxSize: 1}, f.deps, func(string) (Client, error) { return cl, nil }, logx.Nop())
	t.Cleanup(func() { r.StopAll(context.Background()) })
	if err := r.Spawn(context.Background(), f.tenant); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	// The handler is stuck on the first send while the rest arrive.
	for i := range n {
		cl.feed <- private(7, fmt.Sprintf("p%02d", i))
	}
	time.Sleep(50 * time.Millisecond)
	close(cl.gate)

	var got []string
	waitFor(t, "all polled updates", func() bool {
		got = cl.forwardedTexts("p")
		return len(got) == n
	})
	for i, text := range got {
		if text != fmt.Sprintf("p%02d", i) {
			t.Fatalf("order broken at %d: %v", i, got)
		}
	}
}

func TestSpawnResumesOneOffs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	r := NewRegistry(Config{Webhook: true}, f.deps, func(string) (Client, error) { return &fakeClient{}, nil }, logx.Nop())
	t.Cleanup(func() { r.StopAll(context.Background()) })

	for range 2 {
		if err := r.Spawn(context.Background(), f.tenant); err != nil {
			t.Fatalf("spawn: %v", err)
		}
	}
	f.sched.mu.Lock()
	defer f.sched.mu.Unlock()
	if len(f.sched.resumed) != 1 || f.sched.resumed[0] != f.tenant.ID {
		t.Fatalf("resumed=%v, want one resume on first spawn", f.sched.resumed)
	}
}

func TestBroadcastScheduleFailureDropsJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sched.failWith = errors.New("timer unavailable")
	cl := &fakeClient{}
	rt := f.runtime(cl)
	ctx := context.Background()

	for _, text := range []string{"/broadcast", "hello all", "now", "users"} {
		rt.handle(ctx, private(ownerID, text))
	}
	if last, _ := cl.lastTo(ownerID); !strings.Contains(last.text, "Could not schedule") {
		t.Fatalf("reply=%q", last.text)
	}
	if open, _ := f.db.OpenJobs(ctx, f.tenant.ID); len(open) != 0 {
		t.Fatalf("unscheduled job left open: %+v", open)
	}
}
