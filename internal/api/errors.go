package api

import (
	"errors"
	"net/http"

	"lectern/internal/jobs"
	"lectern/internal/services"
)

// Kinds for conflicts that are not services classifications.
const (
	KindJobActive   = "job_active"
	KindJobTerminal = "job_terminal"
)

// StatusCode maps an error to the HTTP status the daemon answers with.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, jobs.ErrJobActive), errors.Is(err, jobs.ErrJobTerminal):
		return http.StatusConflict
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrCancelled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromError builds the response body for err.
func FromError(err error) ErrorResponse {
	switch {
	case errors.Is(err, jobs.ErrJobActive):
		return ErrorResponse{Error: err.Error(), Kind: KindJobActive, Hint: "wait for the running execution to finish or cancel it"}
	case errors.Is(err, jobs.ErrJobTerminal):
		return ErrorResponse{Error: err.Error(), Kind: KindJobTerminal, Hint: "only failed or cancelled jobs can be retried"}
	}
	details := services.Details(err)
	return ErrorResponse{Error: details.Message, Kind: details.Kind, Hint: details.Hint}
}

// Err reconstructs an error that matches the original classification with
// errors.Is.
func (r ErrorResponse) Err(status int) error {
	message := r.Error
	if message == "" {
		message = http.StatusText(status)
	}
	var marker error
	switch r.Kind {
	case KindJobActive:
		marker = jobs.ErrJobActive
	case KindJobTerminal:
		marker = jobs.ErrJobTerminal
	case "not_found":
		marker = services.ErrNotFound
	case "validation":
		marker = services.ErrValidation
	case "configuration":
		marker = services.ErrConfiguration
	default:
		switch status {
		case http.StatusUnauthorized:
			marker = services.ErrValidation
			message = "unauthorized: check paths.api_token"
		case http.StatusNotFound:
			marker = services.ErrNotFound
		case http.StatusBadRequest:
			marker = services.ErrValidation
		}
	}
	if marker == nil {
		return &RemoteError{Status: status, Message: message, Hint: r.Hint}
	}
	return services.WithHint(services.Wrap(marker, "", "api", message, nil), r.Hint)
}

// RemoteError is an unclassified daemon failure.
type RemoteError struct {
	Status  int
	Message string
	Hint    string
}

func (e *RemoteError) Error() string {
	return "daemon error (" + http.StatusText(e.Status) + "): " + e.Message
}
