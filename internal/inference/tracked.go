package inference

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"lectern/internal/aitrack"
	"lectern/internal/logging"
	"lectern/internal/retry"
	"lectern/internal/stagecache"
)

// MemoNamespace prefixes inference memo fingerprints in the stage cache.
const MemoNamespace = "ai:"

const defaultMemoTTL = 7 * 24 * time.Hour

// Tracked composes memoization, retry and cost tracking around a Client.
type Tracked struct {
	client   Client
	tracker  *aitrack.Tracker
	memo     *stagecache.Store
	executor *retry.Executor
	memoTTL  time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// TrackedOption customizes a Tracked client.
type TrackedOption func(*Tracked)

// WithMemoTTL sets the memo entry lifetime.
func WithMemoTTL(ttl time.Duration) TrackedOption {
	return func(t *Tracked) {
		if ttl > 0 {
			t.memoTTL = ttl
		}
	}
}

// WithAttemptTimeout bounds each individual attempt. An attempt that hits the
// deadline is retried.
func WithAttemptTimeout(d time.Duration) TrackedOption {
	return func(t *Tracked) {
		t.timeout = d
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) TrackedOption {
	return func(t *Tracked) {
		t.logger = logging.NewComponentLogger(logger, "inference")
	}
}

// NewTracked wraps client. A nil memo disables memoization; a nil tracker
// disables records.
func NewTracked(client Client, tracker *aitrack.Tracker, memo *stagecache.Store, executor *retry.Executor, opts ...TrackedOption) *Tracked {
	t := &Tracked{
		client:   client,
		tracker:  tracker,
		memo:     memo,
		executor: executor,
		memoTTL:  defaultMemoTTL,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Bind returns a Client whose records are attributed to jobID and userID.
func (t *Tracked) Bind(jobID, userID string) Client {
	return &boundClient{tracked: t, jobID: jobID, userID: userID}
}

type boundClient struct {
	tracked *Tracked
	jobID   string
	userID  string
}

func (b *boundClient) Complete(ctx context.Context, req Request) (Response, error) {
	req = req.normalized()
	fingerprint, err := stagecache.Fingerprint(MemoNamespace+req.Function, req.Model, req.System, req.Prompt, req.JSON)
	if err != nil {
		return Response{}, err
	}
	return invoke(ctx, b, req.Function, req.Model, fingerprint,
		func(ctx context.Context) (Response, error) { return b.tracked.client.Complete(ctx, req) },
		func(resp Response) (string, int, int) { return resp.Model, resp.PromptTokens, resp.CompletionTokens },
	)
}

func (b *boundClient) Transcribe(ctx context.Context, req TranscribeRequest) (Transcript, error) {
	hash := req.ContentHash
	if hash == "" {
		sum, err := hashFile(req.AudioPath)
		if err != nil {
			return Transcript{}, err
		}
		hash = sum
	}
	fingerprint, err := stagecache.Fingerprint(MemoNamespace+req.Function, req.Model, req.Language, hash)
	if err != nil {
		return Transcript{}, err
	}
	return invoke(ctx, b, req.Function, req.Model, fingerprint,
		func(ctx context.Context) (Transcript, error) { return b.tracked.client.Transcribe(ctx, req) },
		func(tr Transcript) (string, int, int) { return tr.Model, tr.PromptTokens, tr.CompletionTokens },
	)
}

func invoke[T any](
	ctx context.Context,
	b *boundClient,
	function, model, fingerprint string,
	call func(context.Context) (T, error),
	usage func(T) (string, int, int),
) (T, error) {
	t := b.tracked
	var zero T

	if t.memo == nil {
		return attemptGroup(ctx, b, function, model, call, usage)
	}

	var (
		computed T
		ran      bool
	)
	res, err := t.memo.Do(ctx, stagecache.Request{
		Fingerprint: fingerprint,
		Stage:       MemoNamespace + function,
		TTL:         t.memoTTL,
		Validate: func(payload []byte) error {
			var probe T
			return json.Unmarshal(payload, &probe)
		},
	}, func(ctx context.Context) ([]byte, error) {
		value, err := attemptGroup(ctx, b, function, model, call, usage)
		if err != nil {
			return nil, err
		}
		computed, ran = value, true
		return json.Marshal(value)
	})
	if err != nil {
		if ran {
			// The call succeeded and was recorded; only the memo write failed.
			logging.WarnWithContext(t.logger, "inference memo write failed", "memo_write_failed",
				logging.String("function", function),
				logging.Error(err),
				logging.String(logging.FieldImpact, "the next identical call will hit the endpoint again"),
			)
			return computed, nil
		}
		return zero, err
	}

	var out T
	if err := json.Unmarshal(res.Payload, &out); err != nil {
		return zero, fmt.Errorf("decode memo payload: %w", err)
	}
	if res.Hit {
		t.recordCached(ctx, function, b.jobID, b.userID)
	}
	return out, nil
}

// attemptGroup runs the retried call and writes exactly one record for it.
func attemptGroup[T any](
	ctx context.Context,
	b *boundClient,
	function, model string,
	call func(context.Context) (T, error),
	usage func(T) (string, int, int),
) (T, error) {
	t := b.tracked
	start := time.Now()
	var out T
	err := t.executor.Do(ctx, "inference "+function, func(ctx context.Context) error {
		attemptCtx := ctx
		if t.timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, t.timeout)
			defer cancel()
		}
		value, err := call(attemptCtx)
		if err != nil {
			return err
		}
		out = value
		return nil
	})

	rec := aitrack.Record{
		Function: function,
		Model:    model,
		Duration: time.Since(start),
		Success:  err == nil,
		JobID:    b.jobID,
		UserID:   b.userID,
	}
	if err != nil {
		rec.ErrorText = err.Error()
	} else {
		usedModel, prompt, completion := usage(out)
		if usedModel != "" {
			rec.Model = usedModel
		}
		rec.PromptTokens = prompt
		rec.CompletionTokens = completion
	}
	t.record(ctx, rec)

	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (t *Tracked) record(ctx context.Context, rec aitrack.Record) {
	if t.tracker == nil {
		return
	}
	// Accounting must survive a cancelled job context.
	_, err := t.tracker.Record(context.WithoutCancel(ctx), rec)
	t.warnRecord(rec.Function, err)
}

func (t *Tracked) recordCached(ctx context.Context, function, jobID, userID string) {
	if t.tracker == nil {
		return
	}
	_, err := t.tracker.RecordCached(context.WithoutCancel(ctx), function, jobID, userID)
	t.warnRecord(function, err)
}

func (t *Tracked) warnRecord(function string, err error) {
	if err == nil {
		return
	}
	logging.WarnWithContext(t.logger, "failed to record inference call", "ai_record_failed",
		logging.String("function", function),
		logging.Error(err),
		logging.String(logging.FieldImpact, "cost reports will undercount this job"),
	)
}

func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hash audio: %w", err)
	}
	defer file.Close()
	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", fmt.Errorf("hash audio: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
