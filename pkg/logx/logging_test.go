package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRedactToken(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"123456:ABC-def_ghi": "123456:***",
		"  42:x  ":           "42:***",
		"garbage":            "***",
		"":                   "",
		":nope":              "***",
	}
	for in, want := range cases {
		if got := RedactToken(in); got != want {
			t.Fatalf("RedactToken(%q)=%q want %q", in, got, want)
		}
	}
}

func TestFormatAlertJSON(t *testing.T) {
	t.Parallel()

	got := formatAlertJSON([]byte(`{"level":"error","message":"send failed","tenant":7,"time":"x"}` + "\n"))
	if !strings.HasPrefix(got, "[ERROR] send failed") {
		t.Fatalf("unexpected header: %q", got)
	}
	if !strings.Contains(got, "- tenant=7") {
		t.Fatalf("missing field: %q", got)
	}
	if strings.Contains(got, "time=") {
		t.Fatalf("time should be omitted: %q", got)
	}
}

type captureSink struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSink) Alert(_ context.Context, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestServiceForwardsAlertsAboveMinLevel(t *testing.T) {
	svc, log := New(Config{
		Level:  "debug",
		Alerts: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 100},
	})
	defer svc.Close()

	sink := &captureSink{}
	svc.SetAlertSink(sink)

	log.Info("routine")
	log.Error("broken", String("comp", "test"))

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("expected 1 alert, got %d", sink.count())
	}
	if !strings.Contains(sink.msgs[0], "broken") {
		t.Fatalf("unexpected alert: %q", sink.msgs[0])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("ignored")
	l.With(Int("n", 1)).Error("ignored")
}
