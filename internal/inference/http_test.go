package inference_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lectern/internal/inference"
	"lectern/internal/services"
)

func completionServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *inference.HTTPClient {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(server.Close)
	return inference.NewHTTPClient(inference.Config{APIKey: "test", BaseURL: server.URL})
}

func TestCompleteReportsUsage(t *testing.T) {
	client := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test" {
			t.Fatalf("authorization = %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body["response_format"] == nil {
			t.Fatalf("expected response_format for JSON request")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   "demo-2025",
			"choices": []any{map[string]any{"message": map[string]any{"content": "```json\n{\"ok\":true}\n```"}}},
			"usage":   map[string]any{"prompt_tokens": 120, "completion_tokens": 7},
		})
	})

	resp, err := client.Complete(context.Background(), inference.Request{
		Function: "generate_title", Model: "demo", System: "sys", Prompt: "hello", JSON: true,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.PromptTokens != 120 || resp.CompletionTokens != 7 || resp.Model != "demo-2025" {
		t.Fatalf("unexpected response %+v", resp)
	}
	var parsed struct {
		OK bool `json:"ok"`
	}
	if err := inference.DecodeJSON(resp.Content, &parsed); err != nil || !parsed.OK {
		t.Fatalf("DecodeJSON = %v, %+v", err, parsed)
	}
}

func TestCompleteClassifiesStatus(t *testing.T) {
	cases := []struct {
		status    int
		marker    error
		transient bool
	}{
		{http.StatusTooManyRequests, services.ErrRateLimited, true},
		{http.StatusBadGateway, services.ErrTransient, true},
		{http.StatusRequestTimeout, services.ErrTimeout, true},
		{http.StatusUnauthorized, services.ErrPermanent, false},
		{http.StatusBadRequest, services.ErrPermanent, false},
	}
	for _, tc := range cases {
		client := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
		})
		_, err := client.Complete(context.Background(), inference.Request{Function: "f", Model: "m", Prompt: "p"})
		if !errors.Is(err, tc.marker) {
			t.Fatalf("status %d: error %v does not match %v", tc.status, err, tc.marker)
		}
		if services.IsTransient(err) != tc.transient {
			t.Fatalf("status %d: transient = %v", tc.status, !tc.transient)
		}
		var statusErr *inference.StatusError
		if !errors.As(err, &statusErr) || statusErr.RetryAfter() != 3*time.Second {
			t.Fatalf("status %d: missing retry-after hint in %v", tc.status, err)
		}
	}
}

func TestStatusErrorFlattensBody(t *testing.T) {
	cases := []struct {
		body string
		want string
	}{
		{"upstream\n\n   overloaded\t ", "inference request: http 502: upstream overloaded"},
		{"  \n ", "inference request: http 502: <empty>"},
		{strings.Repeat("x", 200), "inference request: http 502: " + strings.Repeat("x", 160) + "..."},
	}
	for _, tc := range cases {
		err := &inference.StatusError{StatusCode: http.StatusBadGateway, Body: tc.body}
		if got := err.Error(); got != tc.want {
			t.Fatalf("Error() = %q, want %q", got, tc.want)
		}
	}
}

func TestCompleteEmptyContentIsTransient(t *testing.T) {
	client := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": ""}, "finish_reason": "length"}},
		})
	})
	_, err := client.Complete(context.Background(), inference.Request{Function: "f", Model: "m", Prompt: "p"})
	if !services.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestCompleteRequiresAPIKey(t *testing.T) {
	client := inference.NewHTTPClient(inference.Config{BaseURL: "http://127.0.0.1:1"})
	_, err := client.Complete(context.Background(), inference.Request{Function: "f", Model: "m", Prompt: "p"})
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if services.Details(err).Hint == "" {
		t.Fatalf("expected a hint on %v", err)
	}
}

func TestTranscribeParsesSegments(t *testing.T) {
	audio := filepath.Join(t.TempDir(), "audio.mp3")
	if err := os.WriteFile(audio, []byte("ID3fake"), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	client := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.FormValue("response_format"); got != "verbose_json" {
			t.Fatalf("response_format = %q", got)
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Fatalf("missing file part: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"text": "hello there",
			"segments": []any{
				map[string]any{"start": 0.0, "end": 1.5, "text": " hello "},
				map[string]any{"start": 1.5, "end": 2.0, "text": "  "},
				map[string]any{"start": 2.0, "end": 3.0, "text": "there"},
			},
		})
	})

	tr, err := client.Transcribe(context.Background(), inference.TranscribeRequest{
		Function: "transcribe_audio", Model: "whisper-1", AudioPath: audio,
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(tr.Segments) != 2 || tr.Segments[0].Text != "hello" || tr.Segments[1].Start != 2.0 {
		t.Fatalf("unexpected segments %+v", tr.Segments)
	}
}

func TestDecodeJSONExtractsEmbeddedObject(t *testing.T) {
	var out struct {
		Rows []map[string]string `json:"rows"`
	}
	content := "Here you go:\n{\"rows\":[{\"Topic\":\"Heart\"}]}\nThanks"
	if err := inference.DecodeJSON(content, &out); err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if len(out.Rows) != 1 || out.Rows[0]["Topic"] != "Heart" {
		t.Fatalf("unexpected rows %+v", out.Rows)
	}
	if err := inference.DecodeJSON("no json here", &out); err == nil || !strings.Contains(err.Error(), "snippet") {
		t.Fatalf("expected snippet error, got %v", err)
	}
}

func TestDecodeJSONSkipsBracketedProse(t *testing.T) {
	var out []string
	content := "Answer [draft]:\n```json\n[\"a\", \"b\"]\n```"
	if err := inference.DecodeJSON(content, &out); err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if len(out) != 2 || out[1] != "b" {
		t.Fatalf("unexpected values %v", out)
	}
}
