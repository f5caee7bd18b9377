package services

import "context"

// ctxKey values index the correlation fields below. They only feed log
// lines; stages read job and user identity from the pipeline context.
type ctxKey int

const (
	jobIDKey ctxKey = iota
	stageKey
	requestIDKey
)

func withValue(ctx context.Context, key ctxKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func value(ctx context.Context, key ctxKey) (string, bool) {
	s, ok := ctx.Value(key).(string)
	return s, ok && s != ""
}

// WithJobID tags ctx with the job being executed.
func WithJobID(ctx context.Context, id string) context.Context { return withValue(ctx, jobIDKey, id) }

// JobIDFromContext returns the tagged job id.
func JobIDFromContext(ctx context.Context) (string, bool) { return value(ctx, jobIDKey) }

// WithStage tags ctx with the running stage or branch.
func WithStage(ctx context.Context, stage string) context.Context {
	return withValue(ctx, stageKey, stage)
}

// StageFromContext returns the tagged stage name.
func StageFromContext(ctx context.Context) (string, bool) { return value(ctx, stageKey) }

// WithRequestID tags ctx with the API request correlation id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the tagged correlation id.
func RequestIDFromContext(ctx context.Context) (string, bool) { return value(ctx, requestIDKey) }
