package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"lectern/internal/aitrack"
	"lectern/internal/api"
	"lectern/internal/jobs"
	"lectern/internal/progress"
	"lectern/internal/services"
	"lectern/internal/workflow"
)

const testToken = "secret"

// fakeDaemon serves the daemon API from canned state.
type fakeDaemon struct {
	mu        sync.Mutex
	jobs      map[string]workflow.JobStatus
	events    map[string][]progress.Event
	submitted []workflow.SubmitRequest
	lastQuery string
	server    *httptest.Server
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	f := &fakeDaemon{
		jobs:   make(map[string]workflow.JobStatus),
		events: make(map[string][]progress.Event),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, api.DaemonStatus{
			Running:      true,
			PID:          4242,
			DatabasePath: "/var/lib/lectern/lectern.db",
			Workflow:     workflow.Summary{Owner: "host-1", Running: true, Active: []string{"0f9c2a1e-aaaa"}},
		})
	})
	mux.HandleFunc("POST /api/jobs", func(w http.ResponseWriter, r *http.Request) {
		var req workflow.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeTestError(w, services.Wrap(services.ErrValidation, "", "submit", "bad body", err))
			return
		}
		f.mu.Lock()
		f.submitted = append(f.submitted, req)
		job := workflow.JobStatus{ID: fmt.Sprintf("job-%d", len(f.submitted)), UserID: req.UserID, Status: jobs.StatusPending, Profile: "default"}
		f.jobs[job.ID] = job
		f.mu.Unlock()
		writeTestJSON(w, http.StatusCreated, job)
	})
	mux.HandleFunc("GET /api/jobs", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.lastQuery = r.URL.RawQuery
		list := make([]workflow.JobStatus, 0, len(f.jobs))
		for _, job := range f.jobs {
			list = append(list, job)
		}
		f.mu.Unlock()
		writeTestJSON(w, http.StatusOK, api.JobListResponse{Jobs: list})
	})
	mux.HandleFunc("GET /api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		job, ok := f.job(r.PathValue("id"))
		if !ok {
			writeTestError(w, services.Wrap(services.ErrNotFound, "", "job", "job not found", nil))
			return
		}
		writeTestJSON(w, http.StatusOK, job)
	})
	mux.HandleFunc("POST /api/jobs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		job, ok := f.job(r.PathValue("id"))
		if !ok {
			writeTestError(w, services.Wrap(services.ErrNotFound, "", "job", "job not found", nil))
			return
		}
		job.CancelRequested = true
		writeTestJSON(w, http.StatusAccepted, job)
	})
	mux.HandleFunc("POST /api/jobs/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
		job, ok := f.job(r.PathValue("id"))
		if !ok {
			writeTestError(w, services.Wrap(services.ErrNotFound, "", "job", "job not found", nil))
			return
		}
		switch job.Status {
		case jobs.StatusFailed, jobs.StatusCancelled:
		case jobs.StatusPending, jobs.StatusRunning:
			writeTestError(w, fmt.Errorf("retry %s: %w", job.ID, jobs.ErrJobActive))
			return
		default:
			writeTestError(w, fmt.Errorf("retry %s: %w", job.ID, jobs.ErrJobTerminal))
			return
		}
		job.Status = jobs.StatusRunning
		job.Attempts++
		writeTestJSON(w, http.StatusAccepted, job)
	})
	mux.HandleFunc("GET /api/jobs/{id}/costs", func(w http.ResponseWriter, r *http.Request) {
		records := []aitrack.Record{
			{Function: "transcribe", Model: "whisper-1", CostUSD: 0.125, Success: true},
			{Function: "clean_transcript", Model: "gpt-5-mini", PromptTokens: 1000, CompletionTokens: 500, CostUSD: 0.0625, Success: true},
			{Function: "clean_transcript", Model: "gpt-5-mini", Cached: true, Success: true},
		}
		writeTestJSON(w, http.StatusOK, workflow.CostReport{
			JobID:   r.PathValue("id"),
			Stats:   aitrack.Summarize(records),
			Records: records,
		})
	})
	upgrader := websocket.Upgrader{}
	mux.HandleFunc("GET /api/jobs/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		events, ok := f.events[r.PathValue("id")]
		f.mu.Unlock()
		if !ok {
			writeTestError(w, services.Wrap(services.ErrNotFound, "", "job", "job not found", nil))
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, ev := range events {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"), time.Now().Add(time.Second))
	})

	f.server = httptest.NewServer(requireToken(mux))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeDaemon) job(id string) (workflow.JobStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	return job, ok
}

func (f *fakeDaemon) submissions() []workflow.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]workflow.SubmitRequest(nil), f.submitted...)
}

func (f *fakeDaemon) query() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastQuery
}

func (f *fakeDaemon) addJob(job workflow.JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
}

func (f *fakeDaemon) setEvents(id string, events ...progress.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[id] = events
}

func (f *fakeDaemon) addr() string {
	return strings.TrimPrefix(f.server.URL, "http://")
}

func requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeTestError(w http.ResponseWriter, err error) {
	writeTestJSON(w, api.StatusCode(err), api.FromError(err))
}

// writeTestConfig writes a config rooted in a temp dir whose API points at addr.
func writeTestConfig(t *testing.T, addr string) string {
	t.Helper()
	base := t.TempDir()
	t.Setenv("HOME", filepath.Join(base, "home"))
	t.Setenv("LECTERN_API_TOKEN", "")
	path := filepath.Join(base, "config.toml")
	content := fmt.Sprintf(`[paths]
data_dir = %q
work_dir = %q
log_dir = %q
api_bind = %q
api_token = %q

[storage]
backend = "local"
local_root = %q

[inference]
api_key = "test"
`,
		filepath.Join(base, "data"),
		filepath.Join(base, "work"),
		filepath.Join(base, "logs"),
		addr,
		testToken,
		filepath.Join(base, "storage"),
	)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", configPath}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("expected %q in output:\n%s", needle, haystack)
	}
}
