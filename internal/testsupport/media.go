package testsupport

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"lectern/internal/media"
	"lectern/internal/media/ffprobe"
)

// FakeMedia stands in for ffmpeg and ghostscript. Sampled frames are
// deterministic noise keyed by slide index, so frames within one slide are
// identical and frames across slides are uncorrelated.
type FakeMedia struct {
	mu          sync.Mutex
	boundaries  []float64
	duration    float64
	compressErr error
	samples     int
	frames      int
}

// NewFakeMedia starts a new slide at each boundary, in seconds.
func NewFakeMedia(boundaries ...float64) *FakeMedia {
	sorted := append([]float64(nil), boundaries...)
	sort.Float64s(sorted)
	return &FakeMedia{boundaries: sorted, duration: 60}
}

// FailCompression makes CompressPDF return err.
func (f *FakeMedia) FailCompression(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compressErr = err
}

// Samples reports SampleGray calls.
func (f *FakeMedia) Samples() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.samples
}

// Frames reports ExtractFrame calls.
func (f *FakeMedia) Frames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

func (f *FakeMedia) Probe(_ context.Context, path string) (ffprobe.Result, error) {
	if _, err := os.Stat(path); err != nil {
		return ffprobe.Result{}, err
	}
	return ffprobe.Result{
		Streams: []ffprobe.Stream{
			{Index: 0, CodecType: "video", CodecName: "h264", Width: 1280, Height: 720},
			{Index: 1, CodecType: "audio", CodecName: "aac", Channels: 2},
		},
		Format: ffprobe.Format{Filename: path, Duration: fmt.Sprintf("%.1f", f.duration)},
	}, nil
}

func (f *FakeMedia) ExtractAudio(_ context.Context, _ string, dst string) error {
	return writeFile(dst, []byte("ID3 fake audio"))
}

func (f *FakeMedia) SampleGray(ctx context.Context, _ string, at time.Duration, width int) (media.Gray, error) {
	if err := ctx.Err(); err != nil {
		return media.Gray{}, err
	}
	f.mu.Lock()
	f.samples++
	slide := sort.SearchFloat64s(f.boundaries, at.Seconds()+1e-9)
	f.mu.Unlock()

	height := width * 9 / 16
	rng := rand.New(rand.NewPCG(uint64(slide)+1, 7))
	pix := make([]byte, width*height)
	for i := range pix {
		pix[i] = byte(rng.IntN(256))
	}
	return media.Gray{Width: width, Height: height, Pix: pix}, nil
}

func (f *FakeMedia) ExtractFrame(_ context.Context, _ string, at time.Duration, dst string) error {
	f.mu.Lock()
	f.frames++
	f.mu.Unlock()
	return writeFile(dst, []byte(fmt.Sprintf("jpeg@%.3f", at.Seconds())))
}

func (f *FakeMedia) CompressPDF(_ context.Context, src, dst string) error {
	f.mu.Lock()
	err := f.compressErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return writeFile(dst, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
