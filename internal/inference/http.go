package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"lectern/internal/services"
)

const (
	jsonResponseType   = "json_object"
	defaultHTTPTimeout = 120 * time.Second
)

// Config captures the runtime settings required to talk to the endpoint.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// HTTPClient implements Client against an OpenAI-compatible REST API.
type HTTPClient struct {
	cfg        Config
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*HTTPClient)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *HTTPClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewHTTPClient constructs a client using the supplied configuration.
func NewHTTPClient(cfg Config, opts ...Option) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	client := &HTTPClient{
		cfg: Config{
			APIKey:  strings.TrimSpace(cfg.APIKey),
			BaseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			Timeout: timeout,
		},
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
	retryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("inference request: http %d: %s", e.StatusCode, snippet(e.Body))
}

// RetryAfter reports the server-provided delay, if any.
func (e *StatusError) RetryAfter() time.Duration {
	return e.retryAfter
}

// Complete issues one chat completion request.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (Response, error) {
	req = req.normalized()
	if req.Prompt == "" {
		return Response{}, services.Wrap(services.ErrValidation, "", "inference complete", "prompt required", nil)
	}
	if req.Model == "" {
		return Response{}, services.Wrap(services.ErrValidation, "", "inference complete", "model required", nil)
	}
	if err := c.requireKey("inference complete"); err != nil {
		return Response{}, err
	}

	payload := chatCompletionRequest{Model: req.Model}
	if req.System != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: req.System})
	}
	payload.Messages = append(payload.Messages, chatMessage{Role: "user", Content: req.Prompt})
	if req.JSON {
		payload.ResponseFormat = map[string]string{"type": jsonResponseType}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("inference request: encode body: %w", err)
	}

	body, err := c.post(ctx, "chat/completions", "application/json", bytes.NewReader(encoded))
	if err != nil {
		return Response{}, err
	}
	var completion chatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return Response{}, services.Wrap(services.ErrTransient, "", "inference complete", "decode response", err)
	}
	if completion.Error != nil {
		return Response{}, services.Wrap(services.ErrPermanent, "", "inference complete",
			strings.TrimSpace(completion.Error.Message), nil)
	}
	content, finishReason := extractCompletionPayload(completion)
	if content == "" {
		return Response{}, services.Wrap(services.ErrTransient, "", "inference complete",
			fmt.Sprintf("empty content (finish_reason=%q, response_snippet=%s)",
				finishReason, snippet(string(body))), nil)
	}
	model := completion.Model
	if model == "" {
		model = req.Model
	}
	return Response{
		Content:          content,
		Model:            model,
		PromptTokens:     completion.Usage.PromptTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
	}, nil
}

// Transcribe uploads an audio file and returns segment-level timestamps.
func (c *HTTPClient) Transcribe(ctx context.Context, req TranscribeRequest) (Transcript, error) {
	if strings.TrimSpace(req.AudioPath) == "" {
		return Transcript{}, services.Wrap(services.ErrValidation, "", "inference transcribe", "audio path required", nil)
	}
	if err := c.requireKey("inference transcribe"); err != nil {
		return Transcript{}, err
	}
	file, err := os.Open(req.AudioPath)
	if err != nil {
		return Transcript{}, services.Wrap(services.ErrValidation, "", "inference transcribe", "open audio", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", filepath.Base(req.AudioPath))
	if err != nil {
		return Transcript{}, fmt.Errorf("inference transcribe: form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return Transcript{}, fmt.Errorf("inference transcribe: copy audio: %w", err)
	}
	fields := map[string]string{
		"model":                     req.Model,
		"response_format":           "verbose_json",
		"timestamp_granularities[]": "segment",
	}
	if req.Language != "" {
		fields["language"] = req.Language
	}
	for key, value := range fields {
		if err := form.WriteField(key, value); err != nil {
			return Transcript{}, fmt.Errorf("inference transcribe: field %s: %w", key, err)
		}
	}
	if err := form.Close(); err != nil {
		return Transcript{}, fmt.Errorf("inference transcribe: close form: %w", err)
	}

	body, err := c.post(ctx, "audio/transcriptions", form.FormDataContentType(), &buf)
	if err != nil {
		return Transcript{}, err
	}
	var decoded transcriptionResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Transcript{}, services.Wrap(services.ErrTransient, "", "inference transcribe", "decode response", err)
	}
	transcript := Transcript{
		Text:             strings.TrimSpace(decoded.Text),
		Language:         decoded.Language,
		Model:            req.Model,
		PromptTokens:     decoded.Usage.InputTokens,
		CompletionTokens: decoded.Usage.OutputTokens,
	}
	for _, seg := range decoded.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		transcript.Segments = append(transcript.Segments, Segment{Start: seg.Start, End: seg.End, Text: text})
	}
	return transcript, nil
}

// HealthCheck verifies the endpoint accepts the configured API key.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	if err := c.requireKey("inference health"); err != nil {
		return err
	}
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "models")
	if err != nil {
		return fmt.Errorf("inference health: build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("inference health: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	_, err = c.do(req, "inference health")
	return err
}

func (c *HTTPClient) requireKey(op string) error {
	if c.cfg.APIKey == "" {
		return services.WithHint(
			services.Wrap(services.ErrConfiguration, "", op, "api key required", nil),
			"set inference.api_key or LECTERN_API_KEY")
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path, contentType string, body io.Reader) ([]byte, error) {
	endpoint, err := url.JoinPath(c.cfg.BaseURL, path)
	if err != nil {
		return nil, fmt.Errorf("inference request: build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("inference request: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", contentType)
	return c.do(req, "inference "+path)
}

func (c *HTTPClient) do(req *http.Request, op string) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(req.Context(), op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(req.Context(), op, err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(body), retryAfter: retryAfter}
		return nil, services.Wrap(classifyStatus(resp.StatusCode), "", op, "", statusErr)
	}
	return body, nil
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		return services.ErrRateLimited
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return services.ErrTimeout
	case code >= http.StatusInternalServerError:
		return services.ErrTransient
	case code == http.StatusNotFound:
		return services.ErrNotFound
	default:
		return services.ErrPermanent
	}
}

func classifyTransportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.ErrTimeout, "", op, "", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return services.Wrap(services.ErrTimeout, "", op, "", err)
	}
	// Connection resets and refusals are worth another attempt.
	return services.Wrap(services.ErrTransient, "", op, "", err)
}

type chatCompletionRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatCompletionMessage `json:"message"`
		// Some providers return the streaming schema (delta) even when
		// stream=false.
		Delta        chatCompletionMessage `json:"delta"`
		Text         string                `json:"text"`
		FinishReason string                `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type chatCompletionMessage struct {
	Content   string     `json:"content"`
	ToolCalls []toolCall `json:"tool_calls"`
}

type toolCall struct {
	Function struct {
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type transcriptionResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func extractCompletionPayload(completion chatCompletionResponse) (string, string) {
	var finishReason string
	for _, choice := range completion.Choices {
		if finishReason == "" {
			finishReason = strings.TrimSpace(choice.FinishReason)
		}
		if content := firstNonEmpty(choice.Message.Content, choice.Delta.Content, choice.Text); content != "" {
			return content, finishReason
		}
		for _, call := range append(choice.Message.ToolCalls, choice.Delta.ToolCalls...) {
			if args := strings.TrimSpace(call.Function.Arguments); args != "" {
				return args, finishReason
			}
		}
	}
	return "", finishReason
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		delay := time.Until(when)
		if delay < 0 {
			return 0, false
		}
		return delay, true
	}
	return 0, false
}
