package testsupport

import (
	"context"
	"sync"

	"lectern/internal/render"
)

// FakeRenderer writes placeholder documents: a blank PDF for handouts and
// vignettes, opaque bytes for spreadsheets, and real Mermaid files.
type FakeRenderer struct {
	mu       sync.Mutex
	failures map[render.Kind]error
	requests []render.Request
}

// NewFakeRenderer returns a renderer that succeeds for every kind.
func NewFakeRenderer() *FakeRenderer {
	return &FakeRenderer{failures: make(map[render.Kind]error)}
}

// Fail makes every render of kind return err.
func (f *FakeRenderer) Fail(kind render.Kind, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[kind] = err
}

// Requests returns the requests seen so far.
func (f *FakeRenderer) Requests() []render.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]render.Request(nil), f.requests...)
}

func (f *FakeRenderer) Render(ctx context.Context, req render.Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	err := f.failures[req.Kind]
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	switch req.Kind {
	case render.KindMindmap:
		return render.Mermaid{}.Render(ctx, req)
	case render.KindSpreadsheet:
		return req.OutputPath, writeFile(req.OutputPath, []byte("PK\x03\x04 fake workbook"))
	default:
		return req.OutputPath, writeFile(req.OutputPath, MinimalPDF(2))
	}
}
