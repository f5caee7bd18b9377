package testsupport

import (
	"context"
	"sync"

	"lectern/internal/inference"
)

var defaultCompletions = map[string]string{
	"clean_transcript":     "The heart has four chambers.",
	"generate_title":       "introduction to cardiology",
	"generate_spreadsheet": `{"rows":[{"Topic":"Heart","Key Points":"Four chambers","Clinical Relevance":"Murmurs"}]}`,
	"generate_vignette":    `{"learning_objectives":[{"objective":"Recognize acute coronary syndrome","questions":[{"question_number":1,"difficulty":"Medium","vignette":"A 54-year-old man presents with crushing chest pain.","question":"What is the next best step?","choices":{"A":"ECG","B":"CT head","C":"MRI","D":"Discharge","E":"Observe"},"correct_answer":"A","explanation":"An ECG is required within ten minutes."}]}]}`,
	"generate_mindmap":     "mindmap\n  root((Cardiology))\n    Chambers\n    Valves",
}

// FakeInference is a scripted inference.Client that counts calls per function.
type FakeInference struct {
	mu          sync.Mutex
	completions map[string]string
	failures    map[string][]error
	calls       map[string]int
	segments    []inference.Segment
}

// NewFakeInference returns a fake with canned responses for every pipeline
// function.
func NewFakeInference() *FakeInference {
	completions := make(map[string]string, len(defaultCompletions))
	for fn, content := range defaultCompletions {
		completions[fn] = content
	}
	return &FakeInference{
		completions: completions,
		failures:    make(map[string][]error),
		calls:       make(map[string]int),
		segments: []inference.Segment{
			{Start: 0, End: 4, Text: "Welcome to cardiology."},
			{Start: 4, End: 9, Text: "The heart has four chambers."},
			{Start: 9, End: 15, Text: "Valves keep blood moving forward."},
		},
	}
}

// SetCompletion overrides the content returned for function.
func (f *FakeInference) SetCompletion(function, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions[function] = content
}

// SetSegments overrides the transcription result.
func (f *FakeInference) SetSegments(segments []inference.Segment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.segments = segments
}

// FailNext queues errors returned by the next calls of function, in order.
func (f *FakeInference) FailNext(function string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[function] = append(f.failures[function], errs...)
}

// Calls reports how many times function was invoked, failures included.
func (f *FakeInference) Calls(function string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[function]
}

// TotalCalls reports invocations across all functions.
func (f *FakeInference) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *FakeInference) next(function string) error {
	f.calls[function]++
	if queued := f.failures[function]; len(queued) > 0 {
		f.failures[function] = queued[1:]
		return queued[0]
	}
	return nil
}

// Complete implements inference.Client.
func (f *FakeInference) Complete(ctx context.Context, req inference.Request) (inference.Response, error) {
	if err := ctx.Err(); err != nil {
		return inference.Response{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next(req.Function); err != nil {
		return inference.Response{}, err
	}
	content, ok := f.completions[req.Function]
	if !ok {
		content = "ok"
	}
	return inference.Response{
		Content:          content,
		Model:            req.Model,
		PromptTokens:     len(req.Prompt)/4 + 10,
		CompletionTokens: len(content)/4 + 1,
	}, nil
}

// Transcribe implements inference.Client.
func (f *FakeInference) Transcribe(ctx context.Context, req inference.TranscribeRequest) (inference.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return inference.Transcript{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next(req.Function); err != nil {
		return inference.Transcript{}, err
	}
	segments := append([]inference.Segment(nil), f.segments...)
	text := ""
	for i, seg := range segments {
		if i > 0 {
			text += " "
		}
		text += seg.Text
	}
	return inference.Transcript{Text: text, Segments: segments, Model: req.Model, PromptTokens: 0, CompletionTokens: len(text) / 4}, nil
}
