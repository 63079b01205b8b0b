package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"botfleet/internal/eventbus"
	logx "botfleet/pkg/logx"
)

func TestObserveCounts(t *testing.T) {
	t.Parallel()
	m := New(func() int { return 4 }, logx.Nop())

	events := []eventbus.Event{
		{Type: eventbus.DispatchAccepted, Data: eventbus.Outcome{Result: "accepted"}},
		{Type: eventbus.DispatchAccepted, Data: eventbus.Outcome{Result: "accepted"}},
		{Type: eventbus.DispatchDropped, Data: eventbus.Outcome{Result: "dropped"}},
		{Type: eventbus.BroadcastFinished, Data: eventbus.BroadcastResult{Origin: "scheduler", Sent: 5, Failed: 2}},
		{Type: eventbus.SchedulerFired, Data: eventbus.Outcome{Kind: "once", Result: "fired"}},
		{Type: eventbus.SchedulerSkipped, Data: eventbus.Outcome{Kind: "recurring", Result: "suspended"}},
		{Type: eventbus.RelayOutcome, Data: eventbus.Outcome{Result: "filtered"}},
		{Type: eventbus.NotifierSent},
		{Type: "unrelated"},
	}
	for _, ev := range events {
		m.Observe(ev)
	}

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"accepted", testutil.ToFloat64(m.dispatch.WithLabelValues("accepted")), 2},
		{"dropped", testutil.ToFloat64(m.dispatch.WithLabelValues("dropped")), 1},
		{"sent", testutil.ToFloat64(m.fanout.WithLabelValues("scheduler", "sent")), 5},
		{"failed", testutil.ToFloat64(m.fanout.WithLabelValues("scheduler", "failed")), 2},
		{"fired", testutil.ToFloat64(m.fires.WithLabelValues("once", "fired")), 1},
		{"suspended", testutil.ToFloat64(m.fires.WithLabelValues("recurring", "suspended")), 1},
		{"filtered", testutil.ToFloat64(m.relay.WithLabelValues("filtered")), 1},
		{"notified", testutil.ToFloat64(m.notifier.WithLabelValues("sent")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Fatalf("%s=%v want %v", c.name, c.got, c.want)
		}
	}
}

func TestHandlerExposesSeries(t *testing.T) {
	t.Parallel()
	m := New(func() int { return 3 }, logx.Nop())
	m.Observe(eventbus.Event{Type: eventbus.RelayOutcome, Data: eventbus.Outcome{Result: "forwarded"}})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"botfleet_tenants_running 3",
		`botfleet_relay_events_total{outcome="forwarded"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestRunConsumesBus(t *testing.T) {
	t.Parallel()
	m := New(nil, logx.Nop())
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, bus) }()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(m.dispatch.WithLabelValues("unknown_token")) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("event not consumed")
		}
		// Publishing before Run subscribes is dropped; keep publishing.
		eventbus.Emit(bus, eventbus.DispatchUnknown, eventbus.Outcome{Result: "unknown_token"})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err == nil {
		t.Fatalf("Run returned nil after cancel")
	}
}
