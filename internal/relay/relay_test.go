package relay

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"botfleet/internal/notifier/broadcast"
	"botfleet/internal/storage"
	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"
)

type fakeFanout struct {
	mu    sync.Mutex
	calls [][]int64
	last  transport.Payload
}

func (f *fakeFanout) Execute(_ context.Context, _ transport.Deliverer, p transport.Payload, recipients []int64, _ broadcast.Meta) broadcast.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recipients)
	f.last = p
	return broadcast.Result{Sent: len(recipients)}
}

func newRelay(t *testing.T) (*Service, *storage.DB, *fakeFanout, int64) {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "fleet.db"), BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	tn, err := db.CreateTenant(context.Background(), storage.Tenant{Token: "111:relayrelayrelayrelayrelay", OwnerID: 1, Active: true})
	if err != nil {
		t.Fatalf("tenant: %v", err)
	}
	f := &fakeFanout{}
	return New(db, f, logx.Nop(), nil), db, f, tn.ID
}

func post(chatID int64, text string) *transport.Message {
	return &transport.Message{ID: 7, ChatID: chatID, ChatType: "channel", Text: text, Media: transport.Media{Kind: transport.MediaText}}
}

func TestStateMachineAndAutoActivation(t *testing.T) {
	t.Parallel()
	s, _, _, tid := newRelay(t)
	ctx := context.Background()

	snap, err := s.Status(ctx, tid)
	if err != nil || snap.State != StateUnconfigured {
		t.Fatalf("initial=%v %v", snap.State, err)
	}

	snap, err = s.AddSource(ctx, tid, -100, "news")
	if err != nil || snap.State != StateSourceSet || snap.Config.Active {
		t.Fatalf("after source=%+v %v", snap, err)
	}

	snap, err = s.SetTarget(ctx, tid, -200, "mirror")
	if err != nil || snap.State != StateActive || !snap.Config.ActivatedOnce {
		t.Fatalf("after target=%+v %v", snap, err)
	}

	// Manual off sticks across later edits.
	if snap, err = s.ToggleActive(ctx, tid); err != nil || snap.State != StateConfigured {
		t.Fatalf("toggle off=%+v %v", snap, err)
	}
	if snap, err = s.AddSource(ctx, tid, -101, "more"); err != nil || snap.Config.Active {
		t.Fatalf("edit must not re-activate: %+v %v", snap, err)
	}
}

func TestBroadcastModeCompletesConfig(t *testing.T) {
	t.Parallel()
	s, _, _, tid := newRelay(t)
	ctx := context.Background()

	if snap, _ := s.SetMode(ctx, tid, "broadcast"); snap.State != StateTargetSet {
		t.Fatalf("mode only=%v", snap.State)
	}
	snap, err := s.AddSource(ctx, tid, -100, "")
	if err != nil || snap.State != StateActive {
		t.Fatalf("state=%v %v", snap.State, err)
	}
}

func TestToggleRequiresConfig(t *testing.T) {
	t.Parallel()
	s, _, _, tid := newRelay(t)
	ctx := context.Background()

	if _, err := s.ToggleActive(ctx, tid); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err=%v", err)
	}
	_, _ = s.AddSource(ctx, tid, -100, "")
	if _, err := s.ToggleActive(ctx, tid); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("source only: err=%v", err)
	}
	snap, _ := s.Status(ctx, tid)
	if snap.Config.Active {
		t.Fatalf("refused toggle must leave state unchanged")
	}
}

func TestSetModeKeepsTargetAndSources(t *testing.T) {
	t.Parallel()
	s, _, _, tid := newRelay(t)
	ctx := context.Background()

	_, _ = s.AddSource(ctx, tid, -100, "a")
	_, _ = s.SetTarget(ctx, tid, -200, "t")
	_, _ = s.SetMode(ctx, tid, "BROADCAST")
	snap, err := s.SetMode(ctx, tid, "single")
	if err != nil {
		t.Fatalf("mode: %v", err)
	}
	if snap.Config.TargetID != -200 || len(snap.Config.Sources) != 1 || snap.Config.Mode != storage.ModeSingle {
		t.Fatalf("config=%+v", snap.Config)
	}
	if _, err := s.SetMode(ctx, tid, "all"); !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("err=%v", err)
	}
}

func TestRemoveSource(t *testing.T) {
	t.Parallel()
	s, _, f, tid := newRelay(t)
	ctx := context.Background()

	_, _ = s.AddSource(ctx, tid, -100, "a")
	_, _ = s.AddSource(ctx, tid, -101, "b")
	_, _ = s.SetTarget(ctx, tid, -200, "")

	snap, err := s.RemoveSource(ctx, tid, -100)
	if err != nil || len(snap.Config.Sources) != 1 {
		t.Fatalf("remove=%+v %v", snap, err)
	}
	if _, err := s.RemoveSource(ctx, tid, -100); !errors.Is(err, ErrNoSuchSource) {
		t.Fatalf("second remove err=%v", err)
	}
	if out, _ := s.OnEvent(ctx, tid, nil, -100, post(-100, "hi")); out != UnknownSource {
		t.Fatalf("removed source still matches: %v", out)
	}
	if len(f.calls) != 0 {
		t.Fatalf("calls=%v", f.calls)
	}
}

func TestOnEventFilter(t *testing.T) {
	t.Parallel()
	s, _, f, tid := newRelay(t)
	ctx := context.Background()

	_, _ = s.AddSource(ctx, tid, -100, "")
	_, _ = s.SetTarget(ctx, tid, -200, "")
	if _, err := s.SetFilter(ctx, tid, " Promo , bonus,, "); err != nil {
		t.Fatalf("filter: %v", err)
	}

	if out, _ := s.OnEvent(ctx, tid, nil, -100, post(-100, "New PROMO today")); out != Forwarded {
		t.Fatalf("promo: %v", out)
	}
	if out, _ := s.OnEvent(ctx, tid, nil, -100, post(-100, "hello")); out != Filtered {
		t.Fatalf("hello: %v", out)
	}
	photo := &transport.Message{ID: 8, ChatID: -100, Caption: "bonus inside", Media: transport.Media{Kind: transport.MediaPhoto, FileID: "AgAD"}}
	if out, _ := s.OnEvent(ctx, tid, nil, -100, photo); out != Forwarded {
		t.Fatalf("caption: %v", out)
	}
	if len(f.calls) != 2 || !slices.Equal(f.calls[0], []int64{-200}) {
		t.Fatalf("calls=%v", f.calls)
	}
	if f.last.Media.FileID != "AgAD" || f.last.Text != "bonus inside" {
		t.Fatalf("payload=%+v", f.last)
	}

	snap, _ := s.SetFilter(ctx, tid, "off")
	if snap.Config.Filter != "" {
		t.Fatalf("filter=%q", snap.Config.Filter)
	}
	if out, _ := s.OnEvent(ctx, tid, nil, -100, post(-100, "hello")); out != Forwarded {
		t.Fatalf("cleared filter: %v", out)
	}
}

func TestOnEventSourceGating(t *testing.T) {
	t.Parallel()
	s, _, f, tid := newRelay(t)
	ctx := context.Background()

	_, _ = s.AddSource(ctx, tid, -100, "")
	_, _ = s.SetTarget(ctx, tid, -200, "")

	if out, _ := s.OnEvent(ctx, tid, nil, -999, post(-999, "anything")); out != UnknownSource {
		t.Fatalf("out=%v", out)
	}
	_, _ = s.ToggleActive(ctx, tid)
	if out, _ := s.OnEvent(ctx, tid, nil, -100, post(-100, "anything")); out != Inactive {
		t.Fatalf("inactive out=%v", out)
	}
	if len(f.calls) != 0 {
		t.Fatalf("calls=%v", f.calls)
	}
}

func TestOnEventBroadcastResolvesGroupsAtEventTime(t *testing.T) {
	t.Parallel()
	s, db, f, tid := newRelay(t)
	ctx := context.Background()

	_, _ = s.AddSource(ctx, tid, -100, "x")
	_, _ = s.AddSource(ctx, tid, -101, "y")
	_, _ = s.SetMode(ctx, tid, "broadcast")

	if out, _ := s.OnEvent(ctx, tid, nil, -100, post(-100, "first")); out != NoRecipients {
		t.Fatalf("no groups yet: %v", out)
	}

	for _, g := range []int64{-301, -302, -303} {
		if err := db.UpsertKnownGroup(ctx, storage.KnownGroup{TenantID: tid, ChatID: g, Title: "g"}); err != nil {
			t.Fatalf("group: %v", err)
		}
	}
	out, res := s.OnEvent(ctx, tid, nil, -100, post(-100, "second"))
	if out != Forwarded || res.Sent+res.Failed != 3 {
		t.Fatalf("out=%v res=%+v", out, res)
	}
	got := slices.Clone(f.calls[0])
	slices.Sort(got)
	if !slices.Equal(got, []int64{-303, -302, -301}) {
		t.Fatalf("recipients=%v", got)
	}
}

func TestMatch(t *testing.T) {
	t.Parallel()

	cases := []struct {
		filter, text string
		want         bool
	}{
		{"", "anything", true},
		{" , ", "anything", true},
		{"promo,bonus", "new promo today", true},
		{"promo,bonus", "BONUS round", true},
		{"promo,bonus", "hello", false},
		{"sale", "\nwholesale", true},
	}
	for _, tc := range cases {
		if got := Match(tc.filter, tc.text); got != tc.want {
			t.Fatalf("Match(%q, %q)=%v", tc.filter, tc.text, got)
		}
	}
}
