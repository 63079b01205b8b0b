package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "botfleet/pkg/logx"
)

type dispatchCall struct {
	token    string
	updateID int
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	err   error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, token string, u tele.Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{token: token, updateID: u.ID})
	return f.err
}

func do(t *testing.T, h http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookAlwaysAnswersOK(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{}
	h := New(Config{}, d, nil, nil, logx.Nop()).Handler()

	cases := []struct {
		name string
		body string
	}{
		{"valid", `{"update_id": 42, "message": {"message_id": 1, "text": "hi", "chat": {"id": 5, "type": "private"}}}`},
		{"garbage", `{not json`},
	}
	for _, tc := range cases {
		rec := do(t, h, http.MethodPost, "/webhook/123:abc", tc.body, nil)
		if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"ok":true}` {
			t.Fatalf("%s: code=%d body=%q", tc.name, rec.Code, rec.Body.String())
		}
	}
	if len(d.calls) != 1 || d.calls[0] != (dispatchCall{token: "123:abc", updateID: 42}) {
		t.Fatalf("calls=%+v", d.calls)
	}
}

func TestWebhookDispatchErrorStillOK(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{err: errors.New("unknown token")}
	h := New(Config{}, d, nil, nil, logx.Nop()).Handler()
	rec := do(t, h, http.MethodPost, "/webhook/nope", `{"update_id": 1}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d", rec.Code)
	}
}

func TestWebhookOversizedBodyStillOK(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{}
	h := New(Config{MaxBodyBytes: 64}, d, nil, nil, logx.Nop()).Handler()

	big := `{"update_id": 9, "message": {"message_id": 1, "text": "` + strings.Repeat("x", 256) + `", "chat": {"id": 5, "type": "private"}}}`
	rec := do(t, h, http.MethodPost, "/webhook/123:abc", big, nil)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"ok":true}` {
		t.Fatalf("code=%d body=%q", rec.Code, rec.Body.String())
	}
	if len(d.calls) != 0 {
		t.Fatalf("oversized update dispatched: %+v", d.calls)
	}

	// Other routes keep the limit.
	if rec := do(t, h, http.MethodGet, "/healthz", big, nil); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("healthz code=%d", rec.Code)
	}
}

func TestWebhookSecret(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{}
	h := New(Config{Secret: "s3cret"}, d, nil, nil, logx.Nop()).Handler()

	rec := do(t, h, http.MethodPost, "/webhook/t", `{"update_id": 1}`, map[string]string{secretHeader: "wrong"})
	if rec.Code != http.StatusOK || len(d.calls) != 0 {
		t.Fatalf("mismatch: code=%d calls=%d", rec.Code, len(d.calls))
	}
	do(t, h, http.MethodPost, "/webhook/t", `{"update_id": 2}`, map[string]string{secretHeader: "s3cret"})
	if len(d.calls) != 1 || d.calls[0].updateID != 2 {
		t.Fatalf("calls=%+v", d.calls)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("botfleet_up 1\n")) })
	status := func() Status { return Status{Tenants: 3, SchedulerEntries: 7} }
	h := New(Config{}, nil, status, metrics, logx.Nop()).Handler()

	rec := do(t, h, http.MethodGet, "/healthz", "", nil)
	var got Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || got.Tenants != 3 || got.SchedulerEntries != 7 {
		t.Fatalf("healthz=%q %v", rec.Body.String(), err)
	}
	rec = do(t, h, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "botfleet_up") {
		t.Fatalf("metrics=%d %q", rec.Code, rec.Body.String())
	}
}

func TestPprofRequiresToken(t *testing.T) {
	t.Parallel()

	h := New(Config{Pprof: true, PprofToken: "tok"}, nil, nil, nil, logx.Nop()).Handler()
	if rec := do(t, h, http.MethodGet, "/debug/pprof/cmdline", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: code=%d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/debug/pprof/cmdline?token=tok", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("with token: code=%d", rec.Code)
	}
	h = New(Config{}, nil, nil, nil, logx.Nop()).Handler()
	if rec := do(t, h, http.MethodGet, "/debug/pprof/cmdline", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("disabled: code=%d", rec.Code)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	s := New(Config{Addr: "127.0.0.1:0"}, &fakeDispatcher{}, nil, nil, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx)
	for i := 0; s.Addr() == ""; i++ {
		if i > 300 {
			t.Fatalf("listener not up")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("code=%d", resp.StatusCode)
	}
	s.Stop(ctx)
	if s.Addr() != "" {
		t.Fatalf("still listening on %s", s.Addr())
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:80":   true,
		"[::1]:9":        true,
		"0.0.0.0:8080":   false,
		":8080":          false,
		"bad":            false,
	}
	for in, want := range cases {
		if got := isLoopbackAddr(in); got != want {
			t.Fatalf("isLoopbackAddr(%q)=%v", in, got)
		}
	}
}
