package inference

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DecodeJSON decodes the first JSON object or array found in a model
// response into target. Markdown fences and prose before or after the value
// are ignored.
func DecodeJSON(content string, target any) error {
	body := []byte(strings.TrimSpace(content))
	if len(body) == 0 {
		return errors.New("empty model response")
	}
	var firstErr error
	for start := 0; start < len(body); {
		offset := bytes.IndexAny(body[start:], "{[")
		if offset < 0 {
			break
		}
		start += offset
		// Decoding a single value stops at its closing bracket, so trailing
		// prose and closing fences never reach the decoder.
		err := json.NewDecoder(bytes.NewReader(body[start:])).Decode(target)
		if err == nil {
			return nil
		}
		var syntaxErr *json.SyntaxError
		if !errors.As(err, &syntaxErr) && !errors.Is(err, io.ErrUnexpectedEOF) {
			// Well-formed JSON of the wrong shape; an inner value would only
			// decode into a half-empty target.
			return fmt.Errorf("decode model response: %w (snippet: %s)", err, snippet(content))
		}
		if firstErr == nil {
			firstErr = err
		}
		start++
	}
	if firstErr == nil {
		firstErr = errors.New("no JSON value found")
	}
	return fmt.Errorf("decode model response: %w (snippet: %s)", firstErr, snippet(content))
}

func snippet(content string) string {
	const limit = 160
	flat := strings.Join(strings.Fields(content), " ")
	if flat == "" {
		return "<empty>"
	}
	if runes := []rune(flat); len(runes) > limit {
		return string(runes[:limit]) + "..."
	}
	return flat
}
