package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"lectern/internal/config"
	"lectern/internal/logging"
	"lectern/internal/media/ffprobe"
	"lectern/internal/services"
)

// CommandRunner executes name with args and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Tools invokes ffmpeg, ffprobe and ghostscript.
type Tools struct {
	ffmpeg      string
	ffprobe     string
	ghostscript string
	run         CommandRunner
	logger      *slog.Logger
}

// Option customises Tools.
type Option func(*Tools)

// WithRunner substitutes the command runner.
func WithRunner(run CommandRunner) Option {
	return func(t *Tools) {
		if run != nil {
			t.run = run
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tools) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New builds Tools from the configured binary names.
func New(cfg config.Tools, opts ...Option) *Tools {
	t := &Tools{
		ffmpeg:      firstNonEmpty(cfg.FFmpeg, "ffmpeg"),
		ghostscript: firstNonEmpty(cfg.Ghostscript, "gs"),
		run:         execRunner,
		logger:      logging.NewNop(),
	}
	t.ffprobe = probeBinary(t.ffmpeg)
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// FFmpeg returns the ffmpeg binary name.
func (t *Tools) FFmpeg() string { return t.ffmpeg }

// Ghostscript returns the ghostscript binary name.
func (t *Tools) Ghostscript() string { return t.ghostscript }

// Probe inspects a media file.
func (t *Tools) Probe(ctx context.Context, path string) (ffprobe.Result, error) {
	out, err := t.invoke(ctx, t.ffprobe, ffprobe.Args(path)...)
	if err != nil {
		return ffprobe.Result{}, toolError("probe", "ffprobe failed", err)
	}
	result, err := ffprobe.Parse(out)
	if err != nil {
		return ffprobe.Result{}, toolError("probe", "ffprobe output unreadable", err)
	}
	return result, nil
}

// ExtractAudio writes a mono 16 kHz mp3 suitable for transcription.
func (t *Tools) ExtractAudio(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return services.Wrap(services.ErrStorage, "", "extract audio", "create output directory", err)
	}
	args := []string{"-y", "-v", "error", "-i", src, "-vn", "-ac", "1", "-ar", "16000", "-b:a", "64k", dst}
	if _, err := t.invoke(ctx, t.ffmpeg, args...); err != nil {
		return toolError("extract audio", "ffmpeg audio extraction failed", err)
	}
	return requireOutput("extract audio", dst)
}

// ExtractFrame captures the frame at offset as a JPEG.
func (t *Tools) ExtractFrame(ctx context.Context, src string, at time.Duration, dst string) error {
	args := []string{"-y", "-v", "error", "-ss", seconds(at), "-i", src, "-frames:v", "1", "-q:v", "3", dst}
	if _, err := t.invoke(ctx, t.ffmpeg, args...); err != nil {
		return toolError("extract frame", fmt.Sprintf("ffmpeg frame capture at %s failed", seconds(at)), err)
	}
	return requireOutput("extract frame", dst)
}

// SampleGray decodes the frame at offset as 8-bit grayscale scaled to width
// pixels, preserving aspect ratio.
func (t *Tools) SampleGray(ctx context.Context, src string, at time.Duration, width int) (Gray, error) {
	if width < 8 {
		width = 8
	}
	width -= width % 2
	args := []string{
		"-v", "error", "-ss", seconds(at), "-i", src, "-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:-2,format=gray", width),
		"-f", "rawvideo", "-",
	}
	out, err := t.invoke(ctx, t.ffmpeg, args...)
	if err != nil {
		return Gray{}, toolError("sample frame", fmt.Sprintf("ffmpeg frame sample at %s failed", seconds(at)), err)
	}
	if len(out) == 0 || len(out)%width != 0 {
		return Gray{}, services.Wrap(services.ErrValidation, "", "sample frame",
			fmt.Sprintf("unexpected raw frame size %d for width %d", len(out), width), nil)
	}
	return Gray{Width: width, Height: len(out) / width, Pix: out}, nil
}

// FetchStream remuxes an HLS playlist into a local file.
func (t *Tools) FetchStream(ctx context.Context, playlistURL, dest string) error {
	args := []string{"-y", "-v", "error", "-i", playlistURL, "-c", "copy", "-bsf:a", "aac_adtstoasc", dest}
	if _, err := t.invoke(ctx, t.ffmpeg, args...); err != nil {
		return services.Wrap(services.ErrTransient, "", "fetch stream", "ffmpeg stream download failed", err)
	}
	return requireOutput("fetch stream", dest)
}

// CompressPDF rewrites src into dst with ghostscript's ebook preset.
func (t *Tools) CompressPDF(ctx context.Context, src, dst string) error {
	args := []string{
		"-sDEVICE=pdfwrite", "-dCompatibilityLevel=1.4", "-dPDFSETTINGS=/ebook",
		"-dNOPAUSE", "-dQUIET", "-dBATCH", "-sOutputFile=" + dst, src,
	}
	if _, err := t.invoke(ctx, t.ghostscript, args...); err != nil {
		return toolError("compress pdf", "ghostscript compression failed", err)
	}
	return requireOutput("compress pdf", dst)
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s: %w: %s", filepath.Base(name), err, tail(stderr.String(), 512))
	}
	return stdout.Bytes(), nil
}

func toolError(operation, message string, err error) error {
	if errors.Is(err, context.Canceled) {
		return services.Wrap(services.ErrCancelled, "", operation, message, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.ErrTimeout, "", operation, message, err)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return services.WithHint(
			services.Wrap(services.ErrConfiguration, "", operation, message, err),
			"install the tool or set its path in the [tools] config section",
		)
	}
	return services.Wrap(services.ErrPermanent, "", operation, message, err)
}

func requireOutput(operation, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return services.Wrap(services.ErrPermanent, "", operation, "tool produced no output", err)
	}
	if info.Size() == 0 {
		return services.Wrap(services.ErrPermanent, "", operation, "tool produced an empty file", nil)
	}
	return nil
}

// probeBinary derives the ffprobe path that ships next to ffmpeg.
func probeBinary(ffmpeg string) string {
	dir, base := filepath.Split(ffmpeg)
	if strings.HasPrefix(base, "ffmpeg") {
		return dir + "ffprobe" + strings.TrimPrefix(base, "ffmpeg")
	}
	return "ffprobe"
}

func seconds(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func tail(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return "..." + s[len(s)-limit:]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func (t *Tools) invoke(ctx context.Context, name string, args ...string) ([]byte, error) {
	started := time.Now()
	out, err := t.run(ctx, name, args...)
	t.logger.Debug("media tool finished",
		logging.String("tool", filepath.Base(name)),
		logging.Duration("elapsed", time.Since(started)),
		logging.Bool("ok", err == nil),
	)
	return out, err
}
