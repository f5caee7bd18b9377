package stages

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"lectern/internal/aitrack"
	"lectern/internal/inference"
	"lectern/internal/pipeline"
	"lectern/internal/retry"
	"lectern/internal/services"
	"lectern/internal/sources"
	"lectern/internal/stage"
	"lectern/internal/stagecache"
	"lectern/internal/testsupport"
)

const uploadKey = "users/u1/uploads/cardiology.mp4"

type fixture struct {
	deps     Deps
	ai       *testsupport.FakeInference
	store    *testsupport.FakeStorage
	media    *testsupport.FakeMedia
	renderer *testsupport.FakeRenderer
	tracker  *aitrack.Tracker
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenDB(t)
	store := testsupport.NewFakeStorage(t)
	if err := store.UploadBytes(context.Background(), []byte("fake lecture video"), uploadKey, "video/mp4"); err != nil {
		t.Fatalf("seed upload: %v", err)
	}
	executor := retry.New(retry.Policy{MaxAttempts: 3}, retry.WithSleeper(func(time.Duration) {}))
	ai := testsupport.NewFakeInference()
	tracker := aitrack.New(db, cfg.Pricing)
	fx := fixture{
		ai:       ai,
		store:    store,
		media:    testsupport.NewFakeMedia(4),
		renderer: testsupport.NewFakeRenderer(),
		tracker:  tracker,
	}
	fx.deps = Deps{
		Config:    cfg,
		Sources:   sources.New(sources.Config{}, store, executor),
		Storage:   store,
		Inference: inference.NewTracked(ai, tracker, stagecache.New(db), executor),
		Media:     fx.media,
		Renderer:  fx.renderer,
		Executor:  executor,
		CPU:       semaphore.NewWeighted(2),
	}
	return fx
}

func (fx fixture) newPipeline() *pipeline.Context {
	profile, _ := fx.deps.Config.Profile("default")
	return pipeline.New("job-1", "u1", sources.Descriptor{Type: sources.TypeUpload, Ref: uploadKey}, "default", profile)
}

func runInto[T any](t *testing.T, pc *pipeline.Context, def stage.Definition[T], in stage.Input) T {
	t.Helper()
	in.View = pc.View()
	if in.JobID == "" {
		in.JobID, in.UserID = "job-1", "u1"
	}
	out, err := def.Execute(context.Background(), in)
	if err != nil {
		t.Fatalf("%s: %v", def.Name, err)
	}
	if err := pc.PutRaw(def.Name, out.Payload); err != nil {
		t.Fatalf("put %s: %v", def.Name, err)
	}
	value, err := pipeline.Get[T](pc.View(), def.Name)
	if err != nil {
		t.Fatalf("decode %s: %v", def.Name, err)
	}
	return value
}

func runPrefix(t *testing.T, fx fixture, pc *pipeline.Context) DocumentOutput {
	t.Helper()
	runInto(t, pc, RetrieveSource(fx.deps), stage.Input{})
	runInto(t, pc, ExtractCaptions(fx.deps), stage.Input{})
	runInto(t, pc, MatchFrames(fx.deps), stage.Input{})
	runInto(t, pc, CleanTranscript(fx.deps), stage.Input{})
	runInto(t, pc, GenerateOutput(fx.deps), stage.Input{})
	return runInto(t, pc, CompressOutput(fx.deps), stage.Input{})
}

func TestPrefixProducesHandout(t *testing.T) {
	fx := newFixture(t)
	pc := fx.newPipeline()
	doc := runPrefix(t, fx, pc)

	src, _ := pipeline.Get[SourceOutput](pc.View(), NameRetrieveSource)
	if src.StorageKey != uploadKey || src.Width != 1280 || !src.HasAudio {
		t.Fatalf("unexpected source output %+v", src)
	}
	caps, _ := pipeline.Get[CaptionsOutput](pc.View(), NameExtractCaptions)
	if len(caps.Captions) != 3 {
		t.Fatalf("captions = %d, want 3", len(caps.Captions))
	}
	slides, _ := pipeline.Get[SlidesOutput](pc.View(), NameCleanTranscript)
	if len(slides.Slides) != 2 {
		t.Fatalf("slides = %d, want 2", len(slides.Slides))
	}
	if !strings.Contains(slides.Slides[1].Caption, "four chambers") || !strings.Contains(slides.Slides[1].Caption, "Valves") {
		t.Fatalf("second slide should hold the last two captions, got %q", slides.Slides[1].Caption)
	}
	if slides.Slides[0].Text == "" {
		t.Fatal("expected cleaned text")
	}
	for _, s := range slides.Slides {
		if ok, _ := fx.store.Exists(context.Background(), s.ImageKey); !ok {
			t.Fatalf("frame %s not stored", s.ImageKey)
		}
	}
	if doc.Title != "Introduction To Cardiology" || doc.FileName != "Introduction To Cardiology.pdf" {
		t.Fatalf("unexpected document %+v", doc)
	}
	if doc.Pages != 2 || doc.Compressed {
		t.Fatalf("expected two uncompressed pages, got %+v", doc)
	}
	if !strings.HasPrefix(doc.StorageKey, "users/u1/jobs/job-1/") {
		t.Fatalf("handout stored at %s", doc.StorageKey)
	}
	if calls := fx.ai.Calls(FuncClean); calls != 2 {
		t.Fatalf("clean_transcript calls = %d, want 2", calls)
	}
}

func TestBranchesPublishArtifacts(t *testing.T) {
	fx := newFixture(t)
	pc := fx.newPipeline()
	runPrefix(t, fx, pc)

	sheet := runInto(t, pc, GenerateSpreadsheet(fx.deps), stage.Input{})
	if sheet.FileName != "Introduction To Cardiology.xlsx" || sheet.Items != 1 {
		t.Fatalf("unexpected spreadsheet %+v", sheet)
	}
	vignette := runInto(t, pc, GenerateVignette(fx.deps), stage.Input{})
	if vignette.Skipped || vignette.FileName != "Introduction To Cardiology - Vignette Questions.pdf" {
		t.Fatalf("unexpected vignette %+v", vignette)
	}
	mindmap := runInto(t, pc, GenerateMindmap(fx.deps), stage.Input{})
	if mindmap.FileName != "Introduction To Cardiology - Mindmap.mmd" {
		t.Fatalf("unexpected mindmap %+v", mindmap)
	}
	for _, out := range []BranchOutput{sheet, vignette, mindmap} {
		if ok, _ := fx.store.Exists(context.Background(), out.StorageKey); !ok {
			t.Fatalf("artifact %s not stored", out.StorageKey)
		}
	}
}

func TestVignetteWithoutQuestionsIsSkipped(t *testing.T) {
	fx := newFixture(t)
	fx.ai.SetCompletion(FuncVignette, `{"learning_objectives": []}`)
	pc := fx.newPipeline()
	runPrefix(t, fx, pc)
	out := runInto(t, pc, GenerateVignette(fx.deps), stage.Input{})
	if !out.Skipped || out.StorageKey != "" {
		t.Fatalf("expected skipped vignette, got %+v", out)
	}
}

func TestMatchFramesObservesCancellation(t *testing.T) {
	fx := newFixture(t)
	pc := fx.newPipeline()
	runInto(t, pc, RetrieveSource(fx.deps), stage.Input{})
	runInto(t, pc, ExtractCaptions(fx.deps), stage.Input{})

	in := stage.Input{View: pc.View(), JobID: "job-1", UserID: "u1", CancelPollEvery: 1, Cancelled: func() bool { return true }}
	_, err := MatchFrames(fx.deps).Execute(context.Background(), in)
	if !services.IsCancelled(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if fx.media.Samples() != 0 {
		t.Fatalf("expected no frames sampled after cancel, got %d", fx.media.Samples())
	}
}

func TestGenerateOutputUploadExhaustsRetries(t *testing.T) {
	fx := newFixture(t)
	pc := fx.newPipeline()
	runInto(t, pc, RetrieveSource(fx.deps), stage.Input{})
	runInto(t, pc, ExtractCaptions(fx.deps), stage.Input{})
	runInto(t, pc, MatchFrames(fx.deps), stage.Input{})
	runInto(t, pc, CleanTranscript(fx.deps), stage.Input{})

	transient := services.Wrap(services.ErrTransient, "", "upload", "connection reset", nil)
	fx.store.FailUploadsMatching(".pdf", transient, transient, transient)
	_, err := GenerateOutput(fx.deps).Execute(context.Background(), stage.Input{View: pc.View(), JobID: "job-1", UserID: "u1"})
	if !errors.Is(err, services.ErrRetryExhausted) || !errors.Is(err, services.ErrStorage) {
		t.Fatalf("expected exhausted storage error, got %v", err)
	}
	if details := services.Details(err); details.Stage != NameGenerateOutput {
		t.Fatalf("error stage = %q", details.Stage)
	}
}

func TestCompressionFailureKeepsOriginal(t *testing.T) {
	fx := newFixture(t)
	fx.media.FailCompression(errors.New("gs: exit status 1"))
	doc := runPrefix(t, fx, fx.newPipeline())
	if doc.Compressed || doc.Pages != 2 {
		t.Fatalf("expected original handout, got %+v", doc)
	}
}

func TestBuildSheetMarksSectionHeaders(t *testing.T) {
	table := StudyTable{Rows: []map[string]string{
		{"Topic": "Valves", "Notes": "Valves"},
		{"Topic": "Mitral", "Notes": "Between left atrium and ventricle"},
		{"Topic": "", "Notes": ""},
	}}
	sheet := buildSheet("Cardiology", []string{"Topic", "Notes"}, table)
	if len(sheet.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(sheet.Rows))
	}
	if !sheet.Rows[0].SectionHeader || sheet.Rows[1].SectionHeader {
		t.Fatalf("unexpected header flags %+v", sheet.Rows)
	}
}

func TestSanitizeVignettesDropsMalformed(t *testing.T) {
	choices := map[string]string{"A": "a", "B": "b", "C": "c", "D": "d", "E": "e"}
	in := VignetteQuestions{LearningObjectives: []LearningObjective{{
		Objective: "Murmurs",
		Questions: []VignetteQuestion{
			{Vignette: "v", Question: "q", Choices: choices, CorrectAnswer: "b", Difficulty: "HARD"},
			{Vignette: "v", Question: "q", Choices: choices, CorrectAnswer: "F"},
			{Vignette: "v", Question: "q", Choices: map[string]string{"A": "a"}, CorrectAnswer: "A"},
		},
	}}}
	out, dropped := sanitizeVignettes(in)
	if dropped != 2 || out.Count() != 1 {
		t.Fatalf("dropped=%d count=%d", dropped, out.Count())
	}
	q := out.LearningObjectives[0].Questions[0]
	if q.CorrectAnswer != "B" || q.Difficulty != "Hard" || q.QuestionNumber != 1 {
		t.Fatalf("unexpected normalized question %+v", q)
	}
}

func TestMermaidSourceStripsFence(t *testing.T) {
	got := mermaidSource("Here you go:\n```mermaid\nmindmap\n  root((Heart))\n```")
	if got != "mindmap\n  root((Heart))" {
		t.Fatalf("unexpected source %q", got)
	}
}

func TestSampleTimeStaysInsideVideo(t *testing.T) {
	if got := sampleTime(10, 500, 0); got != 10500*time.Millisecond {
		t.Fatalf("unexpected offset %v", got)
	}
	if got := sampleTime(59.8, 500, 60); got < 59899*time.Millisecond || got > 59901*time.Millisecond {
		t.Fatalf("expected clamp to 59.9s, got %v", got)
	}
}
