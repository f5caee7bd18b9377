package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lectern/internal/logging"
	"lectern/internal/pipeline"
	"lectern/internal/services"
	"lectern/internal/stagecache"
)

// ProgressFunc receives the fraction of the current stage that is complete.
type ProgressFunc func(fraction float64, message string)

// Input is everything a stage may read. Stages never see the mutable
// pipeline context.
type Input struct {
	View            pipeline.View
	JobID           string
	UserID          string
	Logger          *slog.Logger
	Cancelled       func() bool
	Progress        ProgressFunc
	CancelPollEvery int
}

// Report forwards progress when a callback is attached.
func (in Input) Report(fraction float64, message string) {
	if in.Progress == nil {
		return
	}
	in.Progress(min(max(fraction, 0), 1), message)
}

// Log returns the stage logger or a no-op logger.
func (in Input) Log() *slog.Logger {
	if in.Logger == nil {
		return logging.NewNop()
	}
	return in.Logger
}

// CheckCancelled returns a cancellation error once cancellation was requested.
func (in Input) CheckCancelled(stageName string) error {
	if in.Cancelled != nil && in.Cancelled() {
		return services.Wrap(services.ErrCancelled, stageName, "cancel", "cancellation requested", nil)
	}
	return nil
}

// Poller throttles cancellation checks inside long loops.
type Poller struct {
	in    Input
	stage string
	every int
	count int
}

// Poller returns a poller that consults the cancel flag every
// CancelPollEvery ticks.
func (in Input) Poller(stageName string) *Poller {
	every := in.CancelPollEvery
	if every <= 0 {
		every = 1
	}
	return &Poller{in: in, stage: stageName, every: every}
}

// Tick counts one iteration and checks the flag when due.
func (p *Poller) Tick() error {
	p.count++
	if p.count%p.every != 0 {
		return nil
	}
	return p.in.CheckCancelled(p.stage)
}

// Definition describes one stage producing T.
type Definition[T any] struct {
	Name    string
	Version int
	// Inputs lists the upstream slots whose payloads feed the fingerprint.
	Inputs []string
	// Config returns the configuration subset the output depends on.
	Config func(pipeline.View) any
	// Validate rejects decoded payloads that must not be reused.
	Validate func(T) error
	Run      func(ctx context.Context, in Input) (T, error)
}

// Outcome is the encoded result of a stage execution.
type Outcome struct {
	Payload     json.RawMessage
	Fingerprint string
	Hit         bool
	Elapsed     time.Duration
}

// Runner is the type-erased stage the orchestrator sequences.
type Runner interface {
	StageName() string
	Execute(ctx context.Context, in Input) (Outcome, error)
}

// StageName implements Runner.
func (d Definition[T]) StageName() string { return d.Name }

// Fingerprint derives the checkpoint key for view.
func (d Definition[T]) Fingerprint(view pipeline.View) (string, error) {
	components := []any{d.Version}
	for _, slot := range d.Inputs {
		raw, ok := view.Raw(slot)
		if !ok {
			return "", services.Wrap(services.ErrStage, d.Name, "fingerprint",
				fmt.Sprintf("upstream slot %s missing", slot), pipeline.ErrSlotMissing)
		}
		components = append(components, slot, raw)
	}
	if d.Config != nil {
		components = append(components, d.Config(view))
	}
	return stagecache.Fingerprint("stage:"+d.Name, components...)
}

// Execute runs the stage without caching.
func (d Definition[T]) Execute(ctx context.Context, in Input) (Outcome, error) {
	started := time.Now()
	payload, err := d.run(ctx, in)
	return Outcome{Payload: payload, Elapsed: time.Since(started)}, err
}

func (d Definition[T]) run(ctx context.Context, in Input) ([]byte, error) {
	if d.Run == nil {
		return nil, fmt.Errorf("stage %s has no run function", d.Name)
	}
	out, err := d.Run(ctx, in)
	if err != nil {
		return nil, err
	}
	if d.Validate != nil {
		if err := d.Validate(out); err != nil {
			return nil, services.Wrap(services.ErrStage, d.Name, "validate output", "stage produced an invalid result", err)
		}
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return nil, services.Wrap(services.ErrStage, d.Name, "encode output", "stage output is not serialisable", err)
	}
	return payload, nil
}

func (d Definition[T]) validatePayload(payload []byte) error {
	var out T
	if err := json.Unmarshal(payload, &out); err != nil {
		return err
	}
	if d.Validate != nil {
		return d.Validate(out)
	}
	return nil
}

// CacheOption customises Cached.
type CacheOption func(*cachedRunner)

// WithTTL bounds checkpoint lifetime; zero keeps entries until invalidated.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *cachedRunner) { c.ttl = ttl }
}

type cachedRunner struct {
	cache *stagecache.Store
	exec  func(context.Context, Input) ([]byte, error)
	name  string
	fp    func(pipeline.View) (string, error)
	valid func([]byte) error
	ttl   time.Duration
}

// Cached wraps def with the checkpoint store. A nil cache disables caching.
func Cached[T any](cache *stagecache.Store, def Definition[T], opts ...CacheOption) Runner {
	if cache == nil {
		return def
	}
	c := &cachedRunner{
		cache: cache,
		exec:  def.run,
		name:  def.Name,
		fp:    def.Fingerprint,
		valid: def.validatePayload,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *cachedRunner) StageName() string { return c.name }

func (c *cachedRunner) Execute(ctx context.Context, in Input) (Outcome, error) {
	started := time.Now()
	fingerprint, err := c.fp(in.View)
	if err != nil {
		return Outcome{}, err
	}
	res, err := c.cache.Do(ctx, stagecache.Request{
		Fingerprint: fingerprint,
		Stage:       c.name,
		TTL:         c.ttl,
		Validate:    c.valid,
	}, func(ctx context.Context) ([]byte, error) {
		return c.exec(ctx, in)
	})
	outcome := Outcome{Fingerprint: fingerprint, Elapsed: time.Since(started)}
	if err != nil {
		return outcome, err
	}
	outcome.Payload = res.Payload
	outcome.Hit = res.Hit
	if outcome.Hit {
		in.Log().Debug("stage checkpoint reused",
			logging.String(logging.FieldStage, c.name),
			logging.String(logging.FieldFingerprint, shortFingerprint(fingerprint)),
		)
	}
	return outcome, nil
}

func shortFingerprint(fp string) string {
	fp = strings.TrimSpace(fp)
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
