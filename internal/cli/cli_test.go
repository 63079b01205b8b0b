package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testToken = "123456:ABCDEFGHIJKLMNOPQRSTUVWX"

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "storage:\n  path: " + filepath.Join(dir, "fleet.db") + "\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// run executes a fresh command tree and returns its captured output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestTenantLifecycle(t *testing.T) {
	t.Parallel()
	cfg := writeConfig(t)

	out, err := run(t, "tenant", "add", "-c", cfg, "--token", testToken, "--owner", "42", "--days", "0")
	if err != nil || !strings.Contains(out, "tenant 1 added") || !strings.Contains(out, "expires never") {
		t.Fatalf("add: %q %v", out, err)
	}
	if _, err := run(t, "tenant", "add", "-c", cfg, "--token", testToken, "--owner", "42"); err == nil {
		t.Fatalf("duplicate token accepted")
	}

	out, err = run(t, "tenant", "list", "-c", cfg)
	if err != nil || !strings.Contains(out, "123456:***") || strings.Contains(out, "ABCDEFGH") {
		t.Fatalf("list: %q %v", out, err)
	}

	if out, err = run(t, "tenant", "stop", "1", "-c", cfg); err != nil || !strings.Contains(out, "stopped") {
		t.Fatalf("stop: %q %v", out, err)
	}
	out, _ = run(t, "tenant", "list", "-c", cfg)
	if !strings.Contains(out, "false") {
		t.Fatalf("tenant still active: %q", out)
	}
	if _, err = run(t, "tenant", "start", "1", "-c", cfg); err != nil {
		t.Fatalf("start: %v", err)
	}

	if out, err = run(t, "tenant", "extend", "1", "7", "-c", cfg); err != nil || !strings.Contains(out, "now expires") {
		t.Fatalf("extend: %q %v", out, err)
	}
	out, err = run(t, "tenant", "list", "--expired", "-c", cfg)
	if err != nil || !strings.Contains(out, "no tenants") {
		t.Fatalf("expired list: %q %v", out, err)
	}
}

func TestTenantCommandsRejectBadInput(t *testing.T) {
	t.Parallel()
	cfg := writeConfig(t)

	cases := [][]string{
		{"tenant", "add", "-c", cfg, "--token", "nope", "--owner", "1"},
		{"tenant", "add", "-c", cfg, "--token", testToken, "--owner", "-5"},
		{"tenant", "stop", "abc", "-c", cfg},
		{"tenant", "stop", "99", "-c", cfg},
		{"tenant", "extend", "1", "0", "-c", cfg},
		{"jobs", "list", "-c", cfg},
	}
	for _, args := range cases {
		if _, err := run(t, args...); err == nil {
			t.Fatalf("%v: expected error", args)
		}
	}
}

func TestJobsListEmpty(t *testing.T) {
	t.Parallel()
	cfg := writeConfig(t)
	if _, err := run(t, "tenant", "add", "-c", cfg, "--token", testToken, "--owner", "42"); err != nil {
		t.Fatalf("add: %v", err)
	}
	out, err := run(t, "jobs", "list", "--tenant", "1", "-c", cfg)
	if err != nil || !strings.Contains(out, "no open jobs") {
		t.Fatalf("jobs: %q %v", out, err)
	}
}

func TestMissingConfig(t *testing.T) {
	t.Parallel()
	if _, err := run(t, "tenant", "list", "-c", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config")
	}
}
