package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"lectern/internal/config"
	"lectern/internal/services"
)

type recordedCall struct {
	name string
	args []string
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []recordedCall
	stdout []byte
	err    error
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{name: name, args: append([]string(nil), args...)})
	if f.err != nil {
		return nil, f.err
	}
	// Emulate tools that write their output file as the final argument.
	if last := args[len(args)-1]; strings.HasSuffix(last, ".mp3") || strings.HasSuffix(last, ".jpg") {
		_ = os.WriteFile(last, []byte("data"), 0o644)
	}
	for _, arg := range args {
		if out, ok := strings.CutPrefix(arg, "-sOutputFile="); ok {
			_ = os.WriteFile(out, []byte("%PDF-1.4"), 0o644)
		}
	}
	return f.stdout, nil
}

func patternFrame(w, h int, vertical bool) Gray {
	pix := make([]byte, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			pos := x
			if !vertical {
				pos = y
			}
			if (pos/4)%2 == 0 {
				pix[y*w+x] = 230
			}
		}
	}
	return Gray{Width: w, Height: h, Pix: pix}
}

func TestSimilarityIdenticalFrames(t *testing.T) {
	frame := patternFrame(32, 24, true)
	if score := Similarity(frame, frame); score < 0.999 {
		t.Fatalf("expected identical frames to score 1, got %v", score)
	}
}

func TestSimilarityDifferentSlides(t *testing.T) {
	a := patternFrame(32, 24, true)
	b := patternFrame(32, 24, false)
	if score := Similarity(a, b); score > 0.5 {
		t.Fatalf("expected different layouts to score low, got %v", score)
	}
}

func TestSimilarityMismatchedSizes(t *testing.T) {
	if score := Similarity(patternFrame(32, 24, true), patternFrame(16, 24, true)); score != 0 {
		t.Fatalf("expected 0 for mismatched frames, got %v", score)
	}
}

func TestSimilarityBlankFrames(t *testing.T) {
	blank := Gray{Width: 8, Height: 8, Pix: make([]byte, 64)}
	if score := Similarity(blank, blank); score != 1 {
		t.Fatalf("expected identical blank frames to match, got %v", score)
	}
}

func TestSampleGrayBuildsFrame(t *testing.T) {
	runner := &fakeRunner{stdout: make([]byte, 64*36)}
	tools := New(config.Tools{FFmpeg: "/opt/bin/ffmpeg"}, WithRunner(runner.run))
	frame, err := tools.SampleGray(context.Background(), "lecture.mp4", 1500*time.Millisecond, 64)
	if err != nil {
		t.Fatalf("SampleGray: %v", err)
	}
	if frame.Width != 64 || frame.Height != 36 {
		t.Fatalf("unexpected dimensions %dx%d", frame.Width, frame.Height)
	}
	call := runner.calls[0]
	if call.name != "/opt/bin/ffmpeg" {
		t.Fatalf("unexpected binary %q", call.name)
	}
	joined := strings.Join(call.args, " ")
	if !strings.Contains(joined, "-ss 1.500") || !strings.Contains(joined, "scale=64:-2,format=gray") {
		t.Fatalf("unexpected args: %s", joined)
	}
}

func TestSampleGrayRejectsShortOutput(t *testing.T) {
	runner := &fakeRunner{stdout: make([]byte, 65)}
	tools := New(config.Tools{}, WithRunner(runner.run))
	_, err := tools.SampleGray(context.Background(), "lecture.mp4", 0, 64)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestExtractAudioArgs(t *testing.T) {
	runner := &fakeRunner{}
	tools := New(config.Tools{}, WithRunner(runner.run))
	dst := filepath.Join(t.TempDir(), "audio", "lecture.mp3")
	if err := tools.ExtractAudio(context.Background(), "lecture.mp4", dst); err != nil {
		t.Fatalf("ExtractAudio: %v", err)
	}
	joined := strings.Join(runner.calls[0].args, " ")
	if !strings.Contains(joined, "-ac 1 -ar 16000") {
		t.Fatalf("expected mono 16k audio, got %s", joined)
	}
}

func TestCompressPDFUsesEbookPreset(t *testing.T) {
	runner := &fakeRunner{}
	tools := New(config.Tools{Ghostscript: "gs"}, WithRunner(runner.run))
	dir := t.TempDir()
	dst := filepath.Join(dir, "out.pdf")
	if err := tools.CompressPDF(context.Background(), filepath.Join(dir, "in.pdf"), dst); err != nil {
		t.Fatalf("CompressPDF: %v", err)
	}
	call := runner.calls[0]
	if call.name != "gs" || !strings.Contains(strings.Join(call.args, " "), "-dPDFSETTINGS=/ebook") {
		t.Fatalf("unexpected invocation %+v", call)
	}
}

func TestToolErrorsAreClassified(t *testing.T) {
	runner := &fakeRunner{err: errors.New("exit status 1")}
	tools := New(config.Tools{}, WithRunner(runner.run))
	err := tools.ExtractFrame(context.Background(), "lecture.mp4", time.Second, filepath.Join(t.TempDir(), "f.jpg"))
	if !errors.Is(err, services.ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}

	runner.err = context.Canceled
	err = tools.CompressPDF(context.Background(), "in.pdf", "out.pdf")
	if !errors.Is(err, services.ErrCancelled) {
		t.Fatalf("expected cancelled error, got %v", err)
	}
}

func TestProbeBinaryFollowsFFmpegPath(t *testing.T) {
	if got := probeBinary("/usr/local/bin/ffmpeg"); got != "/usr/local/bin/ffprobe" {
		t.Fatalf("unexpected probe binary %q", got)
	}
	if got := probeBinary("avconv"); got != "ffprobe" {
		t.Fatalf("unexpected fallback %q", got)
	}
}
