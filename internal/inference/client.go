package inference

import (
	"context"
	"strings"
)

// Request is one chat completion.
type Request struct {
	// Function identifies the calling pipeline operation for accounting,
	// e.g. "clean_transcript".
	Function string
	Model    string
	System   string
	Prompt   string
	// JSON asks the endpoint for a JSON object response.
	JSON bool
}

// Response carries the completion content and token usage.
type Response struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// TranscribeRequest describes an audio transcription.
type TranscribeRequest struct {
	Function  string
	Model     string
	AudioPath string
	Language  string
	// ContentHash identifies the audio for memoization. When empty the
	// tracked client hashes AudioPath.
	ContentHash string
}

// Segment is one timestamped transcript fragment. Times are in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the transcription result.
type Transcript struct {
	Text             string    `json:"text"`
	Language         string    `json:"language,omitempty"`
	Segments         []Segment `json:"segments"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
}

// Client is the inference surface used by pipeline stages.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Transcribe(ctx context.Context, req TranscribeRequest) (Transcript, error)
}

func (r Request) normalized() Request {
	r.Function = strings.TrimSpace(r.Function)
	r.Model = strings.TrimSpace(r.Model)
	r.System = strings.TrimSpace(r.System)
	r.Prompt = strings.TrimSpace(r.Prompt)
	return r
}
