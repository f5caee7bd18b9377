package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"lectern/internal/jobs"
	"lectern/internal/logging"
	"lectern/internal/pipeline"
	"lectern/internal/progress"
	"lectern/internal/services"
	"lectern/internal/sources"
	"lectern/internal/stage"
	"lectern/internal/stages"
)

const persistTimeout = 10 * time.Second

// execution is the state of one claimed run of a job.
type execution struct {
	m      *Manager
	job    *jobs.Job
	pc     *pipeline.Context
	logger *slog.Logger

	leaseLost atomic.Bool

	mu       sync.Mutex
	ordinal  int
	done     float64
	reported map[string]int
	title    string
}

func (m *Manager) launch(job *jobs.Job) {
	ctx, cancel := context.WithCancel(m.root)
	m.track(job.ID, cancel)
	m.hub.Begin(job.ID, job.Generation())
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.untrack(job.ID)
		defer cancel()
		m.execute(ctx, job, cancel)
	}()
}

func (m *Manager) execute(ctx context.Context, job *jobs.Job, stop context.CancelFunc) {
	ctx = services.WithJobID(ctx, job.ID)
	x := &execution{
		m:        m,
		job:      job,
		reported: make(map[string]int),
		logger: m.logger.With(
			logging.String(logging.FieldJobID, job.ID),
			logging.String(logging.FieldUserID, job.UserID),
			logging.Int("attempt", job.Attempts),
		),
	}

	ctx, span := startSpan(ctx, "job",
		attribute.String("job.id", job.ID),
		attribute.String("job.profile", job.Profile),
		attribute.Int("job.attempt", job.Attempts),
	)
	var runErr error
	defer func() { endSpan(span, runErr) }()

	pc, err := m.buildContext(job)
	if err != nil {
		runErr = err
		x.fail(ctx, "", err)
		return
	}
	x.pc = pc

	hbCtx, hbCancel := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go m.heartbeat(hbCtx, &hbWG, x, stop)
	defer func() {
		hbCancel()
		hbWG.Wait()
	}()

	x.logger.Info("job execution started",
		logging.String(logging.FieldEventType, "job_start"),
		logging.String("source", pc.View().Source().Label()),
	)
	started := time.Now()

	for _, runner := range m.prefix {
		name := runner.StageName()
		if x.cancelRequested(ctx) {
			x.cancelled(ctx, name)
			return
		}
		if err := x.runPrefixStage(ctx, runner); err != nil {
			runErr = err
			x.fail(ctx, name, err)
			return
		}
	}

	if x.cancelRequested(ctx) {
		x.cancelled(ctx, "branches")
		return
	}
	x.runBranches(ctx)

	if x.cancelRequested(ctx) {
		x.cancelled(ctx, "finalize")
		return
	}
	x.complete(ctx, time.Since(started))
}

// buildContext starts a fresh pipeline context. The source descriptor of a
// previous execution is kept so retries fingerprint identically.
func (m *Manager) buildContext(job *jobs.Job) (*pipeline.Context, error) {
	profile, ok := m.cfg.Profile(job.Profile)
	if !ok {
		return nil, services.Wrap(services.ErrConfiguration, "", "load profile",
			fmt.Sprintf("profile %q is no longer configured", job.Profile), nil)
	}
	desc := sources.Descriptor{Type: job.InputType, Ref: job.InputRef, DisplayName: job.Title}
	if job.ContextJSON != "" {
		if prev, err := pipeline.Restore([]byte(job.ContextJSON)); err == nil {
			desc = prev.View().Source()
		}
	}
	return pipeline.New(job.ID, job.UserID, desc, job.Profile, profile), nil
}

func (x *execution) runPrefixStage(ctx context.Context, runner stage.Runner) (err error) {
	name := runner.StageName()
	weight := prefixWeights[name]
	x.mu.Lock()
	x.ordinal++
	ordinal := x.ordinal
	base := x.done
	x.mu.Unlock()

	logger := x.logger.With(logging.String(logging.FieldStage, name))
	x.publish(progress.Event{Ordinal: ordinal, Stage: name, Status: progress.StatusStarted, Percent: percentOf(base)})
	logger.Info("stage started", logging.String(logging.FieldEventType, "stage_start"))

	ctx, span := startSpan(ctx, name, attribute.String("job.id", x.job.ID), attribute.String("stage", name))
	defer func() { endSpan(span, err) }()
	ctx = services.WithStage(ctx, name)

	in := x.input(ctx, name, x.pc.View(), logger, func(fraction float64, message string) {
		x.report(ordinal, name, base+weight*fraction, message)
	})
	out, err := runner.Execute(ctx, in)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Bool("cache.hit", out.Hit))
	if err := x.pc.PutRaw(name, out.Payload); err != nil {
		return services.Wrap(services.ErrStage, name, "merge output", "pipeline context rejected stage output", err)
	}

	x.mu.Lock()
	x.done += weight
	done := x.done
	x.mu.Unlock()

	status, message := progress.StatusSucceeded, ""
	if out.Hit {
		status, message = progress.StatusSkipped, "checkpoint reused"
	}
	if err := x.afterPrefixStage(ctx, name); err != nil {
		return err
	}
	x.save(ctx, name, done)
	x.publish(progress.Event{Ordinal: ordinal, Stage: name, Status: status, Percent: percentOf(done), Message: message})
	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Bool("cache_hit", out.Hit),
		logging.Duration("stage_duration", out.Elapsed),
	)
	return nil
}

// afterPrefixStage records stage-specific side effects on the job row.
func (x *execution) afterPrefixStage(ctx context.Context, name string) error {
	switch name {
	case stages.NameGenerateOutput:
		doc, err := pipeline.Get[stages.DocumentOutput](x.pc.View(), name)
		if err != nil {
			return services.Wrap(services.ErrStage, name, "decode output", "handout output unreadable", err)
		}
		x.mu.Lock()
		x.title = doc.Title
		x.mu.Unlock()
	case stages.NameCompressOutput:
		doc, err := pipeline.Get[stages.DocumentOutput](x.pc.View(), name)
		if err != nil {
			return services.Wrap(services.ErrStage, name, "decode output", "handout output unreadable", err)
		}
		if err := x.m.store.UpsertArtifact(ctx, jobs.Artifact{
			JobID:      x.job.ID,
			Type:       jobs.ArtifactPDF,
			Status:     jobs.ArtifactReady,
			StorageKey: doc.StorageKey,
			SizeBytes:  doc.SizeBytes,
		}); err != nil {
			return services.Wrap(services.ErrStorage, name, "record artifact", "could not record handout artifact", err)
		}
	}
	return nil
}

func (x *execution) runBranches(ctx context.Context) {
	m := x.m
	x.mu.Lock()
	x.ordinal++
	ordinal := x.ordinal
	x.mu.Unlock()

	share := weightBranches / float64(len(m.branches))
	profile := x.pc.View().Profile()
	view := x.pc.View()
	results := make([]branchResult, len(m.branches))

	var g errgroup.Group
	for i, b := range m.branches {
		name := b.runner.StageName()
		results[i] = branchResult{name: name, artifact: b.artifact}
		if !b.enabled(profile) {
			results[i].skipped = true
			done := x.advance(share)
			x.publish(progress.Event{Ordinal: ordinal, Stage: name, Status: progress.StatusSkipped, Percent: percentOf(done), Message: "disabled by profile"})
			continue
		}
		if err := m.store.UpsertArtifact(ctx, jobs.Artifact{JobID: x.job.ID, Type: b.artifact, Status: jobs.ArtifactPending}); err != nil {
			x.logger.Warn("could not record pending artifact", logging.String(logging.FieldBranch, name), logging.Error(err))
		}
		x.publish(progress.Event{Ordinal: ordinal, Stage: name, Status: progress.StatusStarted, Percent: percentOf(x.progressDone())})

		g.Go(func() error {
			results[i].outcome, results[i].err = x.runBranch(ctx, ordinal, b.runner, view, share)
			x.settleBranch(ctx, ordinal, &results[i], share)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		if res.skipped || res.err != nil {
			continue
		}
		if err := x.pc.PutRaw(res.name, res.outcome.Payload); err != nil {
			x.logger.Warn("branch output not merged", logging.String(logging.FieldBranch, res.name), logging.Error(err))
		}
	}
	x.save(ctx, "branches", x.progressDone())
}

func (x *execution) runBranch(ctx context.Context, ordinal int, runner stage.Runner, view pipeline.View, share float64) (out stage.Outcome, err error) {
	name := runner.StageName()
	ctx, span := startSpan(ctx, name, attribute.String("job.id", x.job.ID), attribute.String("stage", name))
	defer func() { endSpan(span, err) }()
	ctx = services.WithStage(ctx, name)

	base := x.progressDone()
	logger := x.logger.With(logging.String(logging.FieldBranch, name))
	in := x.input(ctx, name, view, logger, func(fraction float64, message string) {
		x.report(ordinal, name, base+share*fraction, message)
	})
	out, err = runner.Execute(ctx, in)
	if err == nil {
		span.SetAttributes(attribute.Bool("cache.hit", out.Hit))
	}
	return out, err
}

// settleBranch records one branch result as soon as it finishes.
func (x *execution) settleBranch(ctx context.Context, ordinal int, res *branchResult, share float64) {
	done := x.advance(share)
	art := jobs.Artifact{JobID: x.job.ID, Type: res.artifact}
	ev := progress.Event{Ordinal: ordinal, Stage: res.name, Percent: percentOf(done)}
	logger := x.logger.With(logging.String(logging.FieldBranch, res.name))

	switch {
	case res.err != nil:
		details := services.Details(res.err)
		art.Status = jobs.ArtifactFailed
		art.ErrorMessage = details.Message
		ev.Status = progress.StatusFailed
		ev.Message = details.Message
		if services.IsCancelled(res.err) {
			ev.Status = progress.StatusCancelled
		}
		logging.WarnWithContext(logger, "artifact branch failed", "branch_failed",
			logging.String(logging.FieldErrorKind, details.Kind),
			logging.String(logging.FieldErrorHint, details.Hint),
			logging.String(logging.FieldImpact, "artifact unavailable; the handout and other artifacts are unaffected"),
			logging.Error(res.err),
		)
	default:
		branch, err := decodeBranch(res.outcome.Payload)
		if err != nil {
			res.err = err
			art.Status = jobs.ArtifactFailed
			art.ErrorMessage = err.Error()
			ev.Status = progress.StatusFailed
			ev.Message = err.Error()
			break
		}
		if branch.Skipped {
			art.Status = jobs.ArtifactFailed
			art.ErrorMessage = branch.Reason
			ev.Status = progress.StatusSkipped
			ev.Message = branch.Reason
			break
		}
		art.Status = jobs.ArtifactReady
		art.StorageKey = branch.StorageKey
		art.SizeBytes = branch.SizeBytes
		ev.Status = progress.StatusSucceeded
		if res.outcome.Hit {
			ev.Status = progress.StatusSkipped
			ev.Message = "checkpoint reused"
		}
		logger.Info("artifact branch completed",
			logging.String(logging.FieldEventType, "branch_complete"),
			logging.Int("items", branch.Items),
			logging.Bool("cache_hit", res.outcome.Hit),
		)
	}

	if err := x.m.store.UpsertArtifact(ctx, art); err != nil {
		x.m.logStoreError("failed to record artifact", x.job.ID, err)
	}
	x.publish(ev)
}

func (x *execution) complete(ctx context.Context, elapsed time.Duration) {
	x.advance(weightFinalize)
	x.finish(ctx, jobs.Outcome{Status: jobs.StatusCompleted}, progress.Event{
		Stage:   "finalize",
		Status:  progress.StatusCompleted,
		Percent: 100,
	})
	x.logger.Info("job completed",
		logging.String(logging.FieldEventType, "job_complete"),
		logging.Duration("job_duration", elapsed),
	)
}

func (x *execution) cancelled(ctx context.Context, stageName string) {
	x.logger.Info("job cancelled",
		logging.String(logging.FieldEventType, "job_cancelled"),
		logging.String(logging.FieldStage, stageName),
	)
	x.finish(ctx, jobs.Outcome{
		Status:       jobs.StatusCancelled,
		ErrorStage:   stageName,
		ErrorKind:    "cancelled",
		ErrorMessage: "cancelled by request",
	}, progress.Event{
		Stage:   stageName,
		Status:  progress.StatusCancelled,
		Percent: percentOf(x.progressDone()),
		Message: "cancelled by request",
	})
}

// finish persists the terminal outcome, releases scratch space and closes the
// progress stream. When the outcome cannot be written the stream still closes
// as failed; the job row stays running until its lease expires and the stale
// reclaim fails it.
func (x *execution) finish(ctx context.Context, out jobs.Outcome, ev progress.Event) {
	if x.leaseLost.Load() {
		x.logger.Warn("execution lease lost; terminal state not recorded",
			logging.String(logging.FieldEventType, "job_lease_lost"),
			logging.String(logging.FieldImpact, "another process owns or reclaimed this job"),
			logging.String(logging.FieldErrorHint, "check job status"),
		)
		return
	}
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := x.m.store.Finish(persistCtx, x.job.ID, x.m.owner, out); err != nil {
		x.m.logStoreError("failed to record job outcome", x.job.ID, err)
		if errors.Is(err, jobs.ErrLeaseLost) {
			return
		}
		ev = progress.Event{
			Stage:   ev.Stage,
			Status:  progress.StatusFailed,
			Percent: ev.Percent,
			Message: "job state not recorded: " + err.Error(),
		}
	}
	if err := os.RemoveAll(x.m.deps.WorkDir(x.job.ID)); err != nil {
		x.logger.Debug("scratch cleanup failed", logging.Error(err))
	}
	ev.Terminal = true
	x.mu.Lock()
	ev.Ordinal = x.ordinal + 1
	x.mu.Unlock()
	x.publish(ev)
}

func (x *execution) input(ctx context.Context, name string, view pipeline.View, logger *slog.Logger, report stage.ProgressFunc) stage.Input {
	return stage.Input{
		View:            view,
		JobID:           x.job.ID,
		UserID:          x.job.UserID,
		Logger:          logger,
		Cancelled:       func() bool { return x.cancelRequested(ctx) },
		Progress:        report,
		CancelPollEvery: x.m.cfg.Workflow.CancelPollEvery,
	}
}

func (x *execution) cancelRequested(ctx context.Context) bool {
	requested, err := x.m.store.CancelRequested(ctx, x.job.ID)
	if err != nil {
		if ctx.Err() == nil {
			x.logger.Debug("cancel flag unreadable", logging.Error(err))
		}
		return false
	}
	return requested
}

// report publishes in-stage progress, at most once per whole percent.
func (x *execution) report(ordinal int, name string, fraction float64, message string) {
	percent := percentOf(fraction)
	x.mu.Lock()
	whole := int(math.Floor(percent))
	if last, ok := x.reported[name]; ok && last >= whole {
		x.mu.Unlock()
		return
	}
	x.reported[name] = whole
	x.mu.Unlock()
	x.publish(progress.Event{Ordinal: ordinal, Stage: name, Status: progress.StatusStarted, Percent: percent, Message: message})
}

func (x *execution) publish(ev progress.Event) {
	ev.JobID = x.job.ID
	ev.Generation = x.job.Generation()
	x.m.hub.Publish(ev)
}

func (x *execution) advance(weight float64) float64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.done += weight
	return x.done
}

func (x *execution) progressDone() float64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.done
}

// save persists the stage, percent and context snapshot on the job row.
func (x *execution) save(ctx context.Context, stageName string, done float64) {
	data, err := x.pc.Marshal()
	if err != nil {
		x.logger.Warn("pipeline context not serialisable", logging.Error(err))
		data = nil
	}
	x.mu.Lock()
	title := x.title
	x.mu.Unlock()
	if err := x.m.store.SaveProgress(ctx, x.job.ID, stageName, percentOf(done), string(data), title); err != nil {
		x.m.logStoreError("failed to persist progress", x.job.ID, err)
	}
}

func percentOf(fraction float64) float64 {
	return math.Round(min(max(fraction, 0), 1)*10000) / 100
}
