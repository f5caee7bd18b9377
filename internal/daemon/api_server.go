package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"lectern/internal/api"
	"lectern/internal/config"
	"lectern/internal/jobs"
	"lectern/internal/logging"
	"lectern/internal/progress"
	"lectern/internal/services"
	"lectern/internal/workflow"
)

const maxRequestBytes = 1 << 20

// jobService is the workflow surface the API exposes.
type jobService interface {
	Submit(ctx context.Context, req workflow.SubmitRequest) (*jobs.Job, error)
	Status(ctx context.Context, jobID string) (workflow.JobStatus, error)
	List(ctx context.Context, filter jobs.ListFilter) ([]workflow.JobStatus, error)
	Cancel(ctx context.Context, jobID string) (*jobs.Job, error)
	Retry(ctx context.Context, jobID string) (*jobs.Job, error)
	Costs(ctx context.Context, jobID string) (workflow.CostReport, error)
	Subscribe(ctx context.Context, jobID string) (<-chan progress.Event, error)
}

type statusReporter interface {
	Status(ctx context.Context) api.DaemonStatus
}

type apiServer struct {
	bind    string
	logger  *slog.Logger
	jobs    jobService
	status  statusReporter
	handler http.Handler

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, svc jobService, status statusReporter, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:   strings.TrimSpace(cfg.Paths.APIBind),
		logger: logging.NewComponentLogger(logger, "api-server"),
		jobs:   svc,
		status: status,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", srv.handleStatus)
	mux.HandleFunc("POST /api/jobs", srv.handleSubmit)
	mux.HandleFunc("GET /api/jobs", srv.handleList)
	mux.HandleFunc("GET /api/jobs/{id}", srv.handleJob)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", srv.handleCancel)
	mux.HandleFunc("POST /api/jobs/{id}/retry", srv.handleRetry)
	mux.HandleFunc("GET /api/jobs/{id}/costs", srv.handleCosts)
	mux.Handle("GET /api/jobs/{id}/events", progress.NewWebsocketHandler(svc, logger))
	srv.handler = withRequestID(requireBearer(strings.TrimSpace(cfg.Paths.APIToken), mux))
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	if s.bind == "" {
		s.logger.Info("api server disabled", logging.String(logging.FieldEventType, "api_disabled"))
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// WriteTimeout stays unset: progress websockets are long-lived.
		IdleTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	s.logger.Info("api server listening",
		logging.String(logging.FieldEventType, "api_listening"),
		logging.String("address", listener.Addr().String()),
	)
	return nil
}

func (s *apiServer) stop() {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func (s *apiServer) addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.status.Status(r.Context()))
}

func (s *apiServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req workflow.SubmitRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		s.writeError(w, r, services.Wrap(services.ErrValidation, "", "submit", "invalid request body: "+err.Error(), nil))
		return
	}
	job, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondJob(w, r, job.ID, http.StatusCreated)
}

func (s *apiServer) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := jobs.ListFilter{UserID: strings.TrimSpace(query.Get("user"))}
	for _, value := range query["status"] {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				filter.Statuses = append(filter.Statuses, jobs.Status(trimmed))
			}
		}
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, r, services.Wrap(services.ErrValidation, "", "list", "limit must be a non-negative integer", nil))
			return
		}
		filter.Limit = limit
	}

	found, err := s.jobs.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if found == nil {
		found = []workflow.JobStatus{}
	}
	s.writeJSON(w, http.StatusOK, api.JobListResponse{Jobs: found})
}

func (s *apiServer) handleJob(w http.ResponseWriter, r *http.Request) {
	s.respondJob(w, r, r.PathValue("id"), http.StatusOK)
}

func (s *apiServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondJob(w, r, job.ID, http.StatusAccepted)
}

func (s *apiServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondJob(w, r, job.ID, http.StatusAccepted)
}

func (s *apiServer) handleCosts(w http.ResponseWriter, r *http.Request) {
	report, err := s.jobs.Costs(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *apiServer) respondJob(w http.ResponseWriter, r *http.Request, jobID string, status int) {
	st, err := s.jobs.Status(r.Context(), jobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, status, st)
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := api.StatusCode(err)
	if status >= http.StatusInternalServerError {
		logging.WithContext(r.Context(), s.logger).Error("api request failed",
			logging.String(logging.FieldEventType, "api_error"),
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Error(err),
		)
	}
	s.writeJSON(w, status, api.FromError(err))
}
