package daemon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"lectern/internal/api"
	"lectern/internal/jobs"
	"lectern/internal/progress"
	"lectern/internal/services"
	"lectern/internal/sources"
	"lectern/internal/testsupport"
	"lectern/internal/workflow"
)

type jobServiceStub struct {
	mu        sync.Mutex
	jobs      map[string]workflow.JobStatus
	filter    jobs.ListFilter
	submitted []workflow.SubmitRequest
	retryErr  error
	events    []progress.Event
}

func newJobServiceStub() *jobServiceStub {
	return &jobServiceStub{jobs: map[string]workflow.JobStatus{
		"job-1": {ID: "job-1", UserID: "u1", Status: jobs.StatusRunning, Profile: "default"},
	}}
}

func (s *jobServiceStub) Submit(_ context.Context, req workflow.SubmitRequest) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.UserID == "" {
		return nil, services.Wrap(services.ErrValidation, "", "submit", "user id required", nil)
	}
	s.submitted = append(s.submitted, req)
	s.jobs["job-2"] = workflow.JobStatus{ID: "job-2", UserID: req.UserID, Status: jobs.StatusPending, Profile: req.Profile}
	return &jobs.Job{ID: "job-2"}, nil
}

func (s *jobServiceStub) Status(_ context.Context, id string) (workflow.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[id]
	if !ok {
		return workflow.JobStatus{}, jobs.ErrJobNotFound
	}
	return st, nil
}

func (s *jobServiceStub) List(_ context.Context, filter jobs.ListFilter) ([]workflow.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = filter
	return []workflow.JobStatus{s.jobs["job-1"]}, nil
}

func (s *jobServiceStub) Cancel(_ context.Context, id string) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[id]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	st.CancelRequested = true
	s.jobs[id] = st
	return &jobs.Job{ID: id}, nil
}

func (s *jobServiceStub) Retry(_ context.Context, id string) (*jobs.Job, error) {
	if s.retryErr != nil {
		return nil, s.retryErr
	}
	return &jobs.Job{ID: id}, nil
}

func (s *jobServiceStub) Costs(_ context.Context, id string) (workflow.CostReport, error) {
	if _, err := s.Status(context.Background(), id); err != nil {
		return workflow.CostReport{}, err
	}
	report := workflow.CostReport{JobID: id}
	report.Stats.TotalRequests = 6
	return report, nil
}

func (s *jobServiceStub) Subscribe(ctx context.Context, id string) (<-chan progress.Event, error) {
	if _, err := s.Status(ctx, id); err != nil {
		return nil, err
	}
	ch := make(chan progress.Event, len(s.events))
	for _, ev := range s.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type statusStub struct{}

func (statusStub) Status(context.Context) api.DaemonStatus {
	return api.DaemonStatus{Running: true, PID: 42}
}

func newTestServer(t *testing.T, token string, svc jobService) *api.Client {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIToken = token
	srv := newAPIServer(cfg, svc, statusStub{}, nil)
	ts := httptest.NewServer(srv.handler)
	t.Cleanup(ts.Close)
	client, err := api.NewClient(ts.URL, token)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestAPISubmitAndStatus(t *testing.T) {
	svc := newJobServiceStub()
	client := newTestServer(t, "", svc)
	ctx := context.Background()

	created, err := client.Submit(ctx, workflow.SubmitRequest{
		UserID: "u1",
		Source: sources.Descriptor{Type: sources.TypeUpload, Ref: "users/u1/uploads/a.mp4"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if created.ID != "job-2" || created.Status != jobs.StatusPending {
		t.Fatalf("unexpected created job %+v", created)
	}
	if len(svc.submitted) != 1 || svc.submitted[0].Source.Ref != "users/u1/uploads/a.mp4" {
		t.Fatalf("submit request not forwarded: %+v", svc.submitted)
	}

	if _, err := client.Submit(ctx, workflow.SubmitRequest{}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := client.Job(ctx, "missing"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	cancelled, err := client.Cancel(ctx, "job-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cancelled.CancelRequested {
		t.Fatalf("expected cancel flag, got %+v", cancelled)
	}

	report, err := client.Costs(ctx, "job-1")
	if err != nil {
		t.Fatalf("costs: %v", err)
	}
	if report.JobID != "job-1" || report.Stats.TotalRequests != 6 {
		t.Fatalf("unexpected report %+v", report)
	}

	status, err := client.Status(ctx)
	if err != nil || !status.Running || status.PID != 42 {
		t.Fatalf("unexpected daemon status %+v (%v)", status, err)
	}
}

func TestAPIListParsesFilters(t *testing.T) {
	svc := newJobServiceStub()
	client := newTestServer(t, "", svc)

	list, err := client.Jobs(context.Background(), api.ListOptions{UserID: "u1", Statuses: []string{"running", "failed"}, Limit: 5})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != "job-1" {
		t.Fatalf("unexpected list %+v", list)
	}
	if svc.filter.UserID != "u1" || svc.filter.Limit != 5 || len(svc.filter.Statuses) != 2 {
		t.Fatalf("unexpected filter %+v", svc.filter)
	}
}

func TestAPIRetryConflict(t *testing.T) {
	svc := newJobServiceStub()
	svc.retryErr = jobs.ErrJobActive
	client := newTestServer(t, "", svc)

	_, err := client.Retry(context.Background(), "job-1")
	if !errors.Is(err, jobs.ErrJobActive) {
		t.Fatalf("expected active job conflict, got %v", err)
	}
	if api.StatusCode(jobs.ErrJobActive) != http.StatusConflict {
		t.Fatal("active job should map to 409")
	}
}

func TestAPIRequiresToken(t *testing.T) {
	svc := newJobServiceStub()
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIToken = "secret"
	srv := newAPIServer(cfg, svc, statusStub{}, nil)
	ts := httptest.NewServer(srv.handler)
	defer ts.Close()

	anonymous, _ := api.NewClient(ts.URL, "")
	if _, err := anonymous.Job(context.Background(), "job-1"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	wrong, _ := api.NewClient(ts.URL, "guess")
	if _, err := wrong.Job(context.Background(), "job-1"); err == nil {
		t.Fatal("expected wrong token to be rejected")
	}
	authorized, _ := api.NewClient(ts.URL, "secret")
	if _, err := authorized.Job(context.Background(), "job-1"); err != nil {
		t.Fatalf("authorized request failed: %v", err)
	}
}

func TestAPIWatchStreamsEvents(t *testing.T) {
	svc := newJobServiceStub()
	svc.events = []progress.Event{
		{JobID: "job-1", Generation: 1, Seq: 1, Ordinal: 1, Stage: "retrieve_source", Status: progress.StatusStarted},
		{JobID: "job-1", Generation: 1, Seq: 2, Ordinal: 7, Stage: "finalize", Status: progress.StatusCompleted, Percent: 100, Terminal: true},
	}
	client := newTestServer(t, "secret", svc)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var got []progress.Event
	err := client.Watch(ctx, "job-1", func(ev progress.Event) error {
		got = append(got, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if len(got) != 2 || !got[1].Terminal || got[1].Percent != 100 {
		t.Fatalf("unexpected events %+v", got)
	}

	if err := client.Watch(ctx, "missing", func(progress.Event) error { return nil }); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found for unknown job, got %v", err)
	}
}

func TestAPIEchoesRequestID(t *testing.T) {
	srv := newAPIServer(testsupport.NewConfig(t), newJobServiceStub(), statusStub{}, nil)
	ts := httptest.NewServer(srv.handler)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/status", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(RequestIDHeader, "cli-7")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(RequestIDHeader); got != "cli-7" {
		t.Fatalf("request id = %q, want cli-7", got)
	}

	resp, err = http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get(RequestIDHeader) == "" {
		t.Fatal("expected a minted request id")
	}
}
