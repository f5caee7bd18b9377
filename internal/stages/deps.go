package stages

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"lectern/internal/config"
	"lectern/internal/inference"
	"lectern/internal/media"
	"lectern/internal/media/ffprobe"
	"lectern/internal/render"
	"lectern/internal/retry"
	"lectern/internal/services"
	"lectern/internal/sources"
	"lectern/internal/storage"
	"lectern/internal/textutil"
)

// Stage names double as pipeline slot names.
const (
	NameRetrieveSource  = "retrieve_source"
	NameExtractCaptions = "extract_captions"
	NameMatchFrames     = "match_frames"
	NameCleanTranscript = "clean_transcript"
	NameGenerateOutput  = "generate_output"
	NameCompressOutput  = "compress_output"
	NameSpreadsheet     = "generate_spreadsheet"
	NameVignette        = "generate_vignette"
	NameMindmap         = "generate_mindmap"
)

// Inference function names used for cost accounting.
const (
	FuncTranscribe  = "transcribe_audio"
	FuncClean       = "clean_transcript"
	FuncTitle       = "generate_title"
	FuncSpreadsheet = "generate_spreadsheet"
	FuncVignette    = "generate_vignette"
	FuncMindmap     = "generate_mindmap"
)

// SourceRetriever resolves a job input to a local file.
type SourceRetriever interface {
	Retrieve(ctx context.Context, desc sources.Descriptor, destDir string, progress sources.ProgressFunc) (sources.Media, error)
}

// InferenceBinder hands out clients attributed to one job.
type InferenceBinder interface {
	Bind(jobID, userID string) inference.Client
}

// MediaTools is the subset of media.Tools the stages use.
type MediaTools interface {
	Probe(ctx context.Context, path string) (ffprobe.Result, error)
	ExtractAudio(ctx context.Context, src, dst string) error
	SampleGray(ctx context.Context, src string, at time.Duration, width int) (media.Gray, error)
	ExtractFrame(ctx context.Context, src string, at time.Duration, dst string) error
	CompressPDF(ctx context.Context, src, dst string) error
}

// Deps are the collaborators shared by every stage.
type Deps struct {
	Config    *config.Config
	Sources   SourceRetriever
	Storage   storage.Storage
	Inference InferenceBinder
	Media     MediaTools
	Renderer  render.Renderer
	Executor  *retry.Executor
	// CPU bounds concurrent frame decoding across all jobs.
	CPU *semaphore.Weighted
}

// WorkDir is the scratch directory of a job.
func (d Deps) WorkDir(jobID string) string {
	return filepath.Join(d.Config.Paths.WorkDir, "jobs", textutil.SanitizeToken(jobID))
}

func (d Deps) upload(ctx context.Context, stageName, localPath, key, contentType string) error {
	err := d.Executor.Do(ctx, "upload "+path.Base(key), func(ctx context.Context) error {
		return d.Storage.Upload(ctx, localPath, key, contentType)
	})
	if err != nil {
		return services.Wrap(services.ErrStorage, stageName, "upload", "failed to store "+path.Base(key), err)
	}
	return nil
}

// ensureLocal returns localPath, downloading key into it when the scratch
// copy is missing (for example after a checkpoint hit on another host).
func (d Deps) ensureLocal(ctx context.Context, stageName, key, localPath string) (string, error) {
	if info, err := os.Stat(localPath); err == nil && info.Size() > 0 {
		return localPath, nil
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return "", services.Wrap(services.ErrStorage, stageName, "prepare scratch", "create work dir", err)
	}
	err := d.Executor.Do(ctx, "download "+path.Base(key), func(ctx context.Context) error {
		return d.Storage.Download(ctx, key, localPath)
	})
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return "", services.Wrap(services.ErrNotFound, stageName, "download", "stored object "+key+" is gone", err)
		}
		return "", services.Wrap(services.ErrStorage, stageName, "download", "failed to fetch "+path.Base(key), err)
	}
	return localPath, nil
}

func (d Deps) acquireCPU(ctx context.Context) (func(), error) {
	if d.CPU == nil {
		return func() {}, nil
	}
	if err := d.CPU.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { d.CPU.Release(1) }, nil
}

func interrupted(ctx context.Context, stageName string, err error) error {
	if ctx.Err() != nil && !services.IsCancelled(err) {
		return services.Wrap(services.ErrCancelled, stageName, "run", "stage interrupted", ctx.Err())
	}
	return err
}
