package daemonctl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"lectern/internal/api"
	"lectern/internal/deps"
	"lectern/internal/testsupport"
)

type stubStatus struct {
	calls   atomic.Int32
	readyAt int32
	pid     int
}

func (s *stubStatus) Status(context.Context) (api.DaemonStatus, error) {
	n := s.calls.Add(1)
	if s.readyAt == 0 || n < s.readyAt {
		return api.DaemonStatus{}, errors.New("connection refused")
	}
	return api.DaemonStatus{Running: true, PID: s.pid}, nil
}

func TestWaitForAPIPollsUntilReady(t *testing.T) {
	source := &stubStatus{readyAt: 3, pid: 42}
	status, err := WaitForAPI(context.Background(), source, 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForAPI: %v", err)
	}
	if status.PID != 42 || source.calls.Load() != 3 {
		t.Fatalf("unexpected status %+v after %d calls", status, source.calls.Load())
	}
}

func TestWaitForAPITimesOut(t *testing.T) {
	_, err := WaitForAPI(context.Background(), &stubStatus{}, 300*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestEnsureStartedSkipsLaunchWhenRunning(t *testing.T) {
	source := &stubStatus{readyAt: 1, pid: 7}
	result, err := EnsureStarted(context.Background(), source, "", LaunchOptions{}, time.Second)
	if err != nil {
		t.Fatalf("EnsureStarted: %v", err)
	}
	if result.State != StartStateAlreadyRunning || result.Launched || result.PID != 7 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestEnsureStartedRequiresExecutable(t *testing.T) {
	if _, err := EnsureStarted(context.Background(), &stubStatus{}, "", LaunchOptions{}, time.Second); err == nil {
		t.Fatal("expected launch error for empty executable")
	}
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()
	if pid, err := ReadPID(filepath.Join(dir, "missing.pid")); err != nil || pid != 0 {
		t.Fatalf("missing file: pid=%d err=%v", pid, err)
	}

	good := filepath.Join(dir, "good.pid")
	if err := os.WriteFile(good, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	pid, err := ReadPID(good)
	if err != nil || pid != os.Getpid() {
		t.Fatalf("good file: pid=%d err=%v", pid, err)
	}
	if !ProcessAlive(pid) {
		t.Fatal("expected current process to be alive")
	}

	bad := filepath.Join(dir, "bad.pid")
	if err := os.WriteFile(bad, []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPID(bad); err == nil {
		t.Fatal("expected error for malformed pid file")
	}
}

func TestStopAndTerminateWithoutDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	if _, err := StopAndTerminate(cfg, time.Second); !errors.Is(err, ErrDaemonNotRunning) {
		t.Fatalf("expected ErrDaemonNotRunning, got %v", err)
	}
}

func TestStopAndTerminateRefusesSelf(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	if err := os.WriteFile(PIDPath(cfg), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := StopAndTerminate(cfg, time.Second); err == nil || errors.Is(err, ErrDaemonNotRunning) {
		t.Fatalf("expected refusal, got %v", err)
	}
}

func TestBuildStatusSnapshotFallsBackOffline(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	status, err := BuildStatusSnapshot(context.Background(), &stubStatus{}, cfg)
	if err != nil {
		t.Fatalf("BuildStatusSnapshot: %v", err)
	}
	if status.Running {
		t.Fatal("offline snapshot must not report running")
	}
	if len(status.Checks) == 0 || len(status.Dependencies) == 0 {
		t.Fatalf("expected local checks, got %+v", status)
	}
	if status.DatabasePath != cfg.DatabasePath() {
		t.Fatalf("database path = %q", status.DatabasePath)
	}
}

func TestSummarizeDependencies(t *testing.T) {
	tests := []struct {
		name     string
		statuses []deps.Status
		severity string
		detail   string
	}{
		{name: "empty", severity: "info", detail: "No dependency checks configured"},
		{
			name:     "all ready",
			statuses: []deps.Status{{Name: "FFmpeg", Available: true}},
			severity: "ok",
			detail:   "1/1 available",
		},
		{
			name: "optional missing",
			statuses: []deps.Status{
				{Name: "FFmpeg", Available: true},
				{Name: "Ghostscript", Optional: true},
			},
			severity: "warn",
			detail:   "1/2 available (missing: 0 required, 1 optional)",
		},
		{
			name: "required missing",
			statuses: []deps.Status{
				{Name: "FFmpeg"},
				{Name: "Ghostscript", Optional: true},
			},
			severity: "error",
			detail:   "0/2 available (missing: 1 required, 1 optional)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SummarizeDependencies(tt.statuses)
			if got.Severity != tt.severity || got.Detail != tt.detail {
				t.Fatalf("got %+v", got)
			}
		})
	}
}
