package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTransient       = errors.New("transient external error")
	ErrRateLimited     = errors.New("rate limited")
	ErrTimeout         = errors.New("timeout")
	ErrPermanent       = errors.New("permanent external error")
	ErrStorage         = errors.New("storage error")
	ErrCacheCorruption = errors.New("cache corruption")
	ErrStage           = errors.New("pipeline stage error")
	ErrRetryExhausted  = errors.New("retries exhausted")
	ErrCancelled       = errors.New("cancelled")
	ErrValidation      = errors.New("validation error")
	ErrConfiguration   = errors.New("configuration error")
	ErrNotFound        = errors.New("not found")
)

// kindOrder lists markers from most to least specific so Details reports the
// narrowest classification when several markers are present in a chain.
var kindOrder = []struct {
	marker error
	kind   string
}{
	{ErrCancelled, "cancelled"},
	{ErrRetryExhausted, "retry_exhausted"},
	{ErrRateLimited, "rate_limited"},
	{ErrTimeout, "timeout"},
	{ErrTransient, "transient"},
	{ErrNotFound, "not_found"},
	{ErrValidation, "validation"},
	{ErrConfiguration, "configuration"},
	{ErrPermanent, "permanent"},
	{ErrStorage, "storage"},
	{ErrCacheCorruption, "cache_corruption"},
	{ErrStage, "stage"},
}

// Error carries a classification marker alongside the stage and operation that
// produced it. errors.Is matches both the marker and the wrapped cause.
type Error struct {
	Marker    error
	Stage     string
	Operation string
	Message   string
	Hint      string
	Cause     error
}

func (e *Error) Error() string {
	detail := buildDetail(e.Stage, e.Operation, e.Message)
	if e.Cause != nil {
		return fmt.Sprintf("%v: %s: %v", e.Marker, detail, e.Cause)
	}
	return fmt.Sprintf("%v: %s", e.Marker, detail)
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Marker}
	}
	return []error{e.Marker, e.Cause}
}

// Wrap builds an error that includes stage context while tagging it with the
// provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	if marker == nil {
		marker = ErrStage
	}
	return &Error{
		Marker:    marker,
		Stage:     strings.TrimSpace(stage),
		Operation: strings.TrimSpace(operation),
		Message:   strings.TrimSpace(message),
		Cause:     err,
	}
}

// WithHint attaches an operator-facing hint to a classified error.
func WithHint(err error, hint string) error {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		clone := *svcErr
		clone.Hint = strings.TrimSpace(hint)
		return &clone
	}
	return err
}

// ErrorDetails summarizes a failure for job records and logs.
type ErrorDetails struct {
	Kind      string
	Stage     string
	Operation string
	Message   string
	Hint      string
	Cause     error
}

// Details extracts the classification and context recorded by Wrap. Errors
// that never passed through Wrap report kind "unknown" and their raw message.
func Details(err error) ErrorDetails {
	if err == nil {
		return ErrorDetails{}
	}
	details := ErrorDetails{Kind: Kind(err), Message: err.Error(), Cause: err}
	var svcErr *Error
	if errors.As(err, &svcErr) {
		details.Stage = svcErr.Stage
		details.Operation = svcErr.Operation
		details.Hint = svcErr.Hint
		if svcErr.Message != "" {
			details.Message = svcErr.Message
		}
		if svcErr.Cause != nil {
			details.Cause = svcErr.Cause
			if svcErr.Message == "" {
				details.Message = svcErr.Cause.Error()
			}
		}
	}
	return details
}

// Kind reports the narrowest classification marker present in err.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range kindOrder {
		if errors.Is(err, entry.marker) {
			return entry.kind
		}
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "unknown"
}

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRetryExhausted) || errors.Is(err, ErrCancelled) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout)
}

// IsCancelled reports whether err stems from cooperative job cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
