package workflow_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"lectern/internal/aitrack"
	"lectern/internal/config"
	"lectern/internal/database"
	"lectern/internal/inference"
	"lectern/internal/jobs"
	"lectern/internal/progress"
	"lectern/internal/render"
	"lectern/internal/retry"
	"lectern/internal/services"
	"lectern/internal/sources"
	"lectern/internal/stagecache"
	"lectern/internal/stages"
	"lectern/internal/testsupport"
	"lectern/internal/workflow"
)

const uploadKey = "users/u1/uploads/cardiology.mp4"

// gatedInference blocks transcription until released.
type gatedInference struct {
	*testsupport.FakeInference
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	free    sync.Once
}

func newGatedInference() *gatedInference {
	return &gatedInference{
		FakeInference: testsupport.NewFakeInference(),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (g *gatedInference) Transcribe(ctx context.Context, req inference.TranscribeRequest) (inference.Transcript, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return inference.Transcript{}, ctx.Err()
	}
	return g.FakeInference.Transcribe(ctx, req)
}

func (g *gatedInference) open() {
	g.free.Do(func() { close(g.release) })
}

type harness struct {
	manager  *workflow.Manager
	store    *jobs.Store
	ai       *testsupport.FakeInference
	gate     *gatedInference
	storage  *testsupport.FakeStorage
	renderer *testsupport.FakeRenderer
	tracker  *aitrack.Tracker
	cache    *stagecache.Store
	db       *database.DB
}

type harnessOption struct {
	config []testsupport.ConfigOption
	gated  bool
}

func newHarness(t *testing.T, opt harnessOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opt.config...)
	db := testsupport.MustOpenDB(t)
	storage := testsupport.NewFakeStorage(t)
	if err := storage.UploadBytes(context.Background(), []byte("fake lecture video"), uploadKey, "video/mp4"); err != nil {
		t.Fatalf("seed upload: %v", err)
	}
	executor := retry.New(retry.Policy{MaxAttempts: 3}, retry.WithSleeper(func(time.Duration) {}))

	h := &harness{
		db:       db,
		ai:       testsupport.NewFakeInference(),
		storage:  storage,
		renderer: testsupport.NewFakeRenderer(),
		tracker:  aitrack.New(db, cfg.Pricing),
		store:    jobs.NewStore(db),
	}
	var client inference.Client = h.ai
	if opt.gated {
		h.gate = newGatedInference()
		h.ai = h.gate.FakeInference
		client = h.gate
		t.Cleanup(h.gate.open)
	}
	cache := stagecache.New(db)
	h.cache = cache
	hub := progress.NewHub(
		progress.WithHistory(h.store),
		progress.WithSink(progress.NewStoreSink(h.store, nil)),
		progress.WithPollInterval(10*time.Millisecond),
	)
	h.manager = workflow.NewManager(workflow.Dependencies{
		Config:  cfg,
		Jobs:    h.store,
		Cache:   cache,
		Tracker: h.tracker,
		Hub:     hub,
		Stages: stages.Deps{
			Config:    cfg,
			Sources:   sources.New(sources.Config{}, storage, executor),
			Storage:   storage,
			Inference: inference.NewTracked(client, h.tracker, cache, executor),
			Media:     testsupport.NewFakeMedia(4),
			Renderer:  h.renderer,
			Executor:  executor,
			CPU:       semaphore.NewWeighted(2),
		},
	}, workflow.WithOwner("test-host"))
	t.Cleanup(h.manager.Stop)
	return h
}

func (h *harness) submit(t *testing.T, profile string) *jobs.Job {
	t.Helper()
	job, err := h.manager.Submit(context.Background(), workflow.SubmitRequest{
		UserID:  "u1",
		Profile: profile,
		Source:  sources.Descriptor{Type: sources.TypeUpload, Ref: uploadKey},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return job
}

// drain follows the current execution of jobID until its stream closes.
func (h *harness) drain(t *testing.T, jobID string) []progress.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	ch, err := h.manager.Subscribe(ctx, jobID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var events []progress.Event
	for ev := range ch {
		events = append(events, ev)
	}
	if ctx.Err() != nil {
		t.Fatalf("timed out waiting for job %s; got %d events", jobID, len(events))
	}
	return events
}

func (h *harness) status(t *testing.T, jobID string) workflow.JobStatus {
	t.Helper()
	st, err := h.manager.Status(context.Background(), jobID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	return st
}

func (h *harness) waitStatus(t *testing.T, jobID string, want jobs.Status) workflow.JobStatus {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		if st := h.status(t, jobID); st.Status == want {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s; last %+v", jobID, want, h.status(t, jobID))
	return workflow.JobStatus{}
}

func artifactsByType(st workflow.JobStatus) map[jobs.ArtifactType]*jobs.Artifact {
	out := make(map[jobs.ArtifactType]*jobs.Artifact, len(st.Artifacts))
	for _, art := range st.Artifacts {
		out[art.Type] = art
	}
	return out
}

func checkStream(t *testing.T, events []progress.Event, wantStatus string) {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("expected progress events")
	}
	terminal := 0
	for i, ev := range events {
		if i > 0 && ev.Seq <= events[i-1].Seq {
			t.Fatalf("event %d seq %d not after %d", i, ev.Seq, events[i-1].Seq)
		}
		if i > 0 && ev.Ordinal < events[i-1].Ordinal {
			t.Fatalf("ordinal went backwards at %d: %d after %d", i, ev.Ordinal, events[i-1].Ordinal)
		}
		if ev.Terminal {
			terminal++
		}
	}
	last := events[len(events)-1]
	if terminal != 1 || !last.Terminal {
		t.Fatalf("expected exactly one trailing terminal event, got %d (last %+v)", terminal, last)
	}
	if last.Status != wantStatus {
		t.Fatalf("terminal status = %q, want %q", last.Status, wantStatus)
	}
}

func findEvent(events []progress.Event, stageName, status string) (progress.Event, bool) {
	for _, ev := range events {
		if ev.Stage == stageName && ev.Status == status {
			return ev, true
		}
	}
	return progress.Event{}, false
}

func TestJobCompletesWithAllArtifacts(t *testing.T) {
	h := newHarness(t, harnessOption{})
	job := h.submit(t, "")
	events := h.drain(t, job.ID)
	checkStream(t, events, progress.StatusCompleted)
	if last := events[len(events)-1]; last.Percent != 100 {
		t.Fatalf("terminal percent = %.2f", last.Percent)
	}
	for _, name := range []string{
		stages.NameRetrieveSource, stages.NameExtractCaptions, stages.NameMatchFrames,
		stages.NameCleanTranscript, stages.NameGenerateOutput, stages.NameCompressOutput,
		stages.NameSpreadsheet, stages.NameVignette, stages.NameMindmap,
	} {
		if _, ok := findEvent(events, name, progress.StatusSucceeded); !ok {
			t.Fatalf("missing succeeded event for %s", name)
		}
	}

	st := h.status(t, job.ID)
	if st.Status != jobs.StatusCompleted || st.ProgressPercent != 100 {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.Title != "Introduction To Cardiology" || st.Profile != "default" || st.Attempts != 1 {
		t.Fatalf("unexpected job fields %+v", st)
	}
	arts := artifactsByType(st)
	for _, typ := range []jobs.ArtifactType{jobs.ArtifactPDF, jobs.ArtifactExcel, jobs.ArtifactVignette, jobs.ArtifactMindmap} {
		art, ok := arts[typ]
		if !ok || art.Status != jobs.ArtifactReady || art.StorageKey == "" {
			t.Fatalf("artifact %s not ready: %+v", typ, art)
		}
		if exists, _ := h.storage.Exists(context.Background(), art.StorageKey); !exists {
			t.Fatalf("artifact %s missing from storage at %s", typ, art.StorageKey)
		}
		if !strings.HasPrefix(art.StorageKey, "users/u1/jobs/"+job.ID+"/") {
			t.Fatalf("artifact %s stored outside the job prefix: %s", typ, art.StorageKey)
		}
	}
}

func TestUnrecordedOutcomeStillClosesStream(t *testing.T) {
	h := newHarness(t, harnessOption{})
	if _, err := h.db.ExecContext(context.Background(),
		`CREATE TRIGGER reject_finish BEFORE UPDATE OF finished_at ON jobs
         WHEN NEW.finished_at IS NOT NULL
         BEGIN SELECT RAISE(ABORT, 'disk I/O error'); END`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	job := h.submit(t, "")
	events := h.drain(t, job.ID)
	checkStream(t, events, progress.StatusFailed)
	if last := events[len(events)-1]; !strings.Contains(last.Message, "job state not recorded") {
		t.Fatalf("terminal message = %q", last.Message)
	}
	if st := h.status(t, job.ID); st.Status != jobs.StatusRunning {
		t.Fatalf("job row should stay running for the stale reclaim, got %s", st.Status)
	}
}

func TestRetryResumesFromCheckpoints(t *testing.T) {
	h := newHarness(t, harnessOption{})
	transient := services.Wrap(services.ErrTransient, "", "upload", "connection reset", nil)
	h.storage.FailUploadsMatching(".pdf", transient, transient, transient, transient)

	job := h.submit(t, "")
	first := h.drain(t, job.ID)
	checkStream(t, first, progress.StatusFailed)

	failed := h.status(t, job.ID)
	if failed.Status != jobs.StatusFailed || failed.ErrorStage != stages.NameGenerateOutput || failed.ErrorKind == "" {
		t.Fatalf("unexpected failure %+v", failed)
	}
	if failed.ErrorMessage == "" {
		t.Fatal("expected an error message")
	}
	if arts := artifactsByType(failed); len(arts) != 0 {
		t.Fatalf("no artifacts expected after a prefix failure, got %v", arts)
	}
	transcribes := h.ai.Calls(stages.FuncTranscribe)
	cleans := h.ai.Calls(stages.FuncClean)
	titles := h.ai.Calls(stages.FuncTitle)
	before := h.cacheCounts(t)
	recordsBefore := h.recordCounts(t, job.ID)

	retried, err := h.manager.Retry(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Attempts != 2 || retried.Status != jobs.StatusRunning {
		t.Fatalf("unexpected retried job %+v", retried)
	}
	second := h.drain(t, job.ID)
	checkStream(t, second, progress.StatusCompleted)
	for _, ev := range second {
		if ev.Generation != 2 {
			t.Fatalf("retry event from generation %d: %+v", ev.Generation, ev)
		}
	}
	for _, name := range []string{stages.NameRetrieveSource, stages.NameExtractCaptions, stages.NameMatchFrames, stages.NameCleanTranscript} {
		ev, ok := findEvent(second, name, progress.StatusSkipped)
		if !ok || ev.Message != "checkpoint reused" {
			t.Fatalf("expected %s to reuse its checkpoint, events %+v", name, second)
		}
	}
	if _, ok := findEvent(second, stages.NameGenerateOutput, progress.StatusSucceeded); !ok {
		t.Fatal("generate_output should run again on retry")
	}

	if got := h.ai.Calls(stages.FuncTranscribe); got != transcribes {
		t.Fatalf("transcribe calls = %d, want %d", got, transcribes)
	}
	if got := h.ai.Calls(stages.FuncClean); got != cleans {
		t.Fatalf("clean calls = %d, want %d", got, cleans)
	}
	if got := h.ai.Calls(stages.FuncTitle); got != titles {
		t.Fatalf("title calls = %d, want %d", got, titles)
	}
	after := h.cacheCounts(t)
	for _, name := range []string{stages.NameRetrieveSource, stages.NameExtractCaptions, stages.NameMatchFrames, stages.NameCleanTranscript} {
		if after[name] != before[name] {
			t.Fatalf("%s checkpoints = %d after retry, want %d", name, after[name], before[name])
		}
	}
	if after[stages.NameGenerateOutput] != before[stages.NameGenerateOutput]+1 {
		t.Fatalf("generate_output checkpoints = %d, want %d", after[stages.NameGenerateOutput], before[stages.NameGenerateOutput]+1)
	}
	recordsAfter := h.recordCounts(t, job.ID)
	for _, fn := range []string{stages.FuncTranscribe, stages.FuncClean} {
		if recordsAfter[fn] != recordsBefore[fn] {
			t.Fatalf("%s records = %d after retry, want %d", fn, recordsAfter[fn], recordsBefore[fn])
		}
	}

	done := h.status(t, job.ID)
	if done.Status != jobs.StatusCompleted || done.ErrorStage != "" || done.Attempts != 2 {
		t.Fatalf("unexpected final status %+v", done)
	}
	if len(done.Artifacts) != 4 {
		t.Fatalf("artifacts = %d, want 4", len(done.Artifacts))
	}
}

func (h *harness) cacheCounts(t *testing.T) map[string]int64 {
	t.Helper()
	stats, err := h.cache.Stats(context.Background())
	if err != nil {
		t.Fatalf("cache stats: %v", err)
	}
	return stats.ByStage
}

func (h *harness) recordCounts(t *testing.T, jobID string) map[string]int {
	t.Helper()
	records, err := h.tracker.JobRecords(context.Background(), jobID)
	if err != nil {
		t.Fatalf("job records: %v", err)
	}
	counts := map[string]int{}
	for _, rec := range records {
		counts[rec.Function]++
	}
	return counts
}

func TestRetryRejectsActiveAndCompletedJobs(t *testing.T) {
	h := newHarness(t, harnessOption{gated: true})
	job := h.submit(t, "")
	<-h.gate.entered

	if _, err := h.manager.Retry(context.Background(), job.ID); !errors.Is(err, jobs.ErrJobActive) {
		t.Fatalf("retry of running job: %v", err)
	}
	if _, err := h.manager.Start(context.Background(), job.ID); !errors.Is(err, jobs.ErrJobActive) {
		t.Fatalf("second start of running job: %v", err)
	}
	h.gate.open()
	checkStream(t, h.drain(t, job.ID), progress.StatusCompleted)

	if _, err := h.manager.Retry(context.Background(), job.ID); !errors.Is(err, jobs.ErrJobTerminal) {
		t.Fatalf("retry of completed job: %v", err)
	}
	if _, err := h.manager.Retry(context.Background(), "missing"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("retry of unknown job: %v", err)
	}
}

func TestCancelRunningJob(t *testing.T) {
	h := newHarness(t, harnessOption{gated: true})
	job := h.submit(t, "")
	<-h.gate.entered

	requested, err := h.manager.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if requested.Status != jobs.StatusRunning || !requested.CancelRequested {
		t.Fatalf("running job should only be flagged, got %+v", requested)
	}
	h.gate.open()
	events := h.drain(t, job.ID)
	checkStream(t, events, progress.StatusCancelled)

	st := h.status(t, job.ID)
	if st.Status != jobs.StatusCancelled || st.ErrorKind != "cancelled" {
		t.Fatalf("unexpected status %+v", st)
	}
	if _, ok := findEvent(events, stages.NameGenerateOutput, progress.StatusStarted); ok {
		t.Fatal("no stage after the cancel point should start")
	}
	if h.ai.Calls(stages.FuncClean) != 0 {
		t.Fatal("cleanup must not run after cancellation")
	}

	retried, err := h.manager.Retry(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("retry cancelled job: %v", err)
	}
	if retried.CancelRequested {
		t.Fatal("retry should clear the cancel flag")
	}
	checkStream(t, h.drain(t, job.ID), progress.StatusCompleted)
}

func TestPendingJobsQueueBehindCapacity(t *testing.T) {
	h := newHarness(t, harnessOption{gated: true, config: []testsupport.ConfigOption{
		testsupport.WithConfig(func(cfg *config.Config) { cfg.Workflow.MaxConcurrentJobs = 1 }),
	}})
	first := h.submit(t, "")
	<-h.gate.entered

	second := h.submit(t, "")
	if second.Status != jobs.StatusPending {
		t.Fatalf("second job should wait, got %s", second.Status)
	}
	third := h.submit(t, "")

	cancelled, err := h.manager.Cancel(context.Background(), third.ID)
	if err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if cancelled.Status != jobs.StatusCancelled {
		t.Fatalf("pending job should cancel at once, got %s", cancelled.Status)
	}
	checkStream(t, h.drain(t, third.ID), progress.StatusCancelled)

	if err := h.manager.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	h.gate.open()
	checkStream(t, h.drain(t, first.ID), progress.StatusCompleted)
	checkStream(t, h.drain(t, second.ID), progress.StatusCompleted)

	if st := h.status(t, third.ID); st.Status != jobs.StatusCancelled || st.Attempts != 0 {
		t.Fatalf("cancelled job must not run, got %+v", st)
	}
}

func TestBranchFailureIsIsolated(t *testing.T) {
	h := newHarness(t, harnessOption{})
	h.renderer.Fail(render.KindSpreadsheet, errors.New("render: exit status 2"))
	job := h.submit(t, "")
	events := h.drain(t, job.ID)
	checkStream(t, events, progress.StatusCompleted)
	if _, ok := findEvent(events, stages.NameSpreadsheet, progress.StatusFailed); !ok {
		t.Fatal("expected a failed spreadsheet event")
	}

	st := h.status(t, job.ID)
	if st.Status != jobs.StatusCompleted || st.ProgressPercent != 100 {
		t.Fatalf("unexpected status %+v", st)
	}
	arts := artifactsByType(st)
	if sheet := arts[jobs.ArtifactExcel]; sheet == nil || sheet.Status != jobs.ArtifactFailed || sheet.ErrorMessage == "" {
		t.Fatalf("spreadsheet artifact should be failed, got %+v", sheet)
	}
	for _, typ := range []jobs.ArtifactType{jobs.ArtifactPDF, jobs.ArtifactVignette, jobs.ArtifactMindmap} {
		if art := arts[typ]; art == nil || art.Status != jobs.ArtifactReady {
			t.Fatalf("artifact %s should be ready, got %+v", typ, art)
		}
	}
}

func TestEmptyVignetteMarksArtifactFailed(t *testing.T) {
	h := newHarness(t, harnessOption{})
	h.ai.SetCompletion(stages.FuncVignette, `{"learning_objectives": []}`)
	job := h.submit(t, "")
	events := h.drain(t, job.ID)
	checkStream(t, events, progress.StatusCompleted)
	if ev, ok := findEvent(events, stages.NameVignette, progress.StatusSkipped); !ok || ev.Message == "" {
		t.Fatalf("expected a skipped vignette event with a reason, got %+v", events)
	}
	vignette := artifactsByType(h.status(t, job.ID))[jobs.ArtifactVignette]
	if vignette == nil || vignette.Status != jobs.ArtifactFailed || vignette.StorageKey != "" {
		t.Fatalf("unexpected vignette artifact %+v", vignette)
	}
	if !strings.Contains(vignette.ErrorMessage, "no vignette questions") {
		t.Fatalf("vignette reason = %q", vignette.ErrorMessage)
	}
}

func TestDisabledBranchesCreateNoArtifacts(t *testing.T) {
	h := newHarness(t, harnessOption{config: []testsupport.ConfigOption{
		testsupport.WithProfile("handout-only", config.Profile{Spreadsheet: true}),
	}})
	job := h.submit(t, "handout-only")
	events := h.drain(t, job.ID)
	checkStream(t, events, progress.StatusCompleted)
	for _, name := range []string{stages.NameVignette, stages.NameMindmap} {
		ev, ok := findEvent(events, name, progress.StatusSkipped)
		if !ok || ev.Message != "disabled by profile" {
			t.Fatalf("expected %s to be skipped by profile", name)
		}
	}
	arts := artifactsByType(h.status(t, job.ID))
	if len(arts) != 2 || arts[jobs.ArtifactPDF] == nil || arts[jobs.ArtifactExcel] == nil {
		t.Fatalf("unexpected artifacts %v", arts)
	}
	if h.ai.Calls(stages.FuncVignette) != 0 || h.ai.Calls(stages.FuncMindmap) != 0 {
		t.Fatal("disabled branches must not call the model")
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, harnessOption{})
	ctx := context.Background()
	cases := []struct {
		name string
		req  workflow.SubmitRequest
		want error
	}{
		{"missing user", workflow.SubmitRequest{Source: sources.Descriptor{Type: sources.TypeUpload, Ref: uploadKey}}, services.ErrValidation},
		{"unknown profile", workflow.SubmitRequest{UserID: "u1", Profile: "nope", Source: sources.Descriptor{Type: sources.TypeUpload, Ref: uploadKey}}, services.ErrValidation},
		{"foreign upload", workflow.SubmitRequest{UserID: "u2", Source: sources.Descriptor{Type: sources.TypeUpload, Ref: uploadKey}}, services.ErrValidation},
		{"missing upload", workflow.SubmitRequest{UserID: "u1", Source: sources.Descriptor{Type: sources.TypeUpload, Ref: "users/u1/uploads/absent.mp4"}}, services.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.manager.Submit(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
	list, err := h.manager.List(ctx, jobs.ListFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("rejected submissions must not create jobs, got %d", len(list))
	}
}

func TestStaleLeaseIsReclaimed(t *testing.T) {
	h := newHarness(t, harnessOption{})
	ctx := context.Background()
	job, err := h.store.Create(ctx, jobs.NewJob{UserID: "u1", Profile: "default", InputType: sources.TypeUpload, InputRef: uploadKey})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.store.Claim(ctx, job.ID, "crashed-host", time.Millisecond); err != nil {
		t.Fatalf("claim: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if err := h.manager.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	st := h.waitStatus(t, job.ID, jobs.StatusFailed)
	if st.ErrorMessage != jobs.LeaseExpiredReason {
		t.Fatalf("error message = %q", st.ErrorMessage)
	}
	events := h.drain(t, job.ID)
	if last := events[len(events)-1]; !last.Terminal || last.Status != progress.StatusFailed {
		t.Fatalf("expected a failed terminal event, got %+v", last)
	}

	if _, err := h.manager.Retry(ctx, job.ID); err != nil {
		t.Fatalf("retry reclaimed job: %v", err)
	}
	checkStream(t, h.drain(t, job.ID), progress.StatusCompleted)
}

func TestCostsAreAttributedToTheJob(t *testing.T) {
	h := newHarness(t, harnessOption{})
	job := h.submit(t, "")
	h.drain(t, job.ID)

	report, err := h.manager.Costs(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("costs: %v", err)
	}
	if report.JobID != job.ID || report.Stats.TotalRequests != len(report.Records) || len(report.Records) == 0 {
		t.Fatalf("unexpected report %+v", report.Stats)
	}
	functions := make(map[string]bool)
	for _, rec := range report.Records {
		if rec.JobID != job.ID || rec.UserID != "u1" {
			t.Fatalf("record attributed to %s/%s", rec.JobID, rec.UserID)
		}
		functions[rec.Function] = true
	}
	for _, fn := range []string{stages.FuncTranscribe, stages.FuncClean, stages.FuncTitle, stages.FuncSpreadsheet, stages.FuncVignette, stages.FuncMindmap} {
		if !functions[fn] {
			t.Fatalf("no record for %s", fn)
		}
	}

	user, err := h.manager.UserCosts(context.Background(), "u1", 24*time.Hour)
	if err != nil {
		t.Fatalf("user costs: %v", err)
	}
	if user.Stats.TotalRequests != report.Stats.TotalRequests {
		t.Fatalf("user requests = %d, want %d", user.Stats.TotalRequests, report.Stats.TotalRequests)
	}
	if _, err := h.manager.Costs(context.Background(), "missing"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("costs of unknown job: %v", err)
	}
}
