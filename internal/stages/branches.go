package stages

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"lectern/internal/pipeline"
	"lectern/internal/render"
	"lectern/internal/services"
	"lectern/internal/stage"
	"lectern/internal/storage"
)

// branchInputs are the slots every artifact branch reads.
var branchInputs = []string{NameCleanTranscript, NameCompressOutput}

type branchSource struct {
	text string
	doc  DocumentOutput
}

func loadBranchSource(view pipeline.View, stageName string) (branchSource, error) {
	slides, err := pipeline.Get[SlidesOutput](view, NameCleanTranscript)
	if err != nil {
		return branchSource{}, err
	}
	doc, err := pipeline.Get[DocumentOutput](view, NameCompressOutput)
	if err != nil {
		return branchSource{}, err
	}
	text := slides.Transcript()
	if strings.TrimSpace(text) == "" {
		return branchSource{}, services.Wrap(services.ErrValidation, stageName, "load transcript", "transcript is empty", nil)
	}
	return branchSource{text: text, doc: doc}, nil
}

// publish renders req and stores the file under the job.
func publish(ctx context.Context, d Deps, in stage.Input, stageName string, req render.Request, contentType string, items int) (BranchOutput, error) {
	in.Report(0.6, "Rendering "+string(req.Kind))
	local, err := d.Renderer.Render(ctx, req)
	if err != nil {
		return BranchOutput{}, interrupted(ctx, stageName, err)
	}
	info, err := os.Stat(local)
	if err != nil {
		return BranchOutput{}, services.Wrap(services.ErrStorage, stageName, "stat artifact", "", err)
	}
	name := filepath.Base(local)
	key := storage.JobKey(in.UserID, in.JobID, name)
	in.Report(0.8, "Uploading "+name)
	if err := d.upload(ctx, stageName, local, key, contentType); err != nil {
		return BranchOutput{}, interrupted(ctx, stageName, err)
	}
	in.Report(1, name+" ready")
	return BranchOutput{FileName: name, StorageKey: key, SizeBytes: info.Size(), Items: items}, nil
}

func branchOutputPath(d Deps, jobID, name string) string {
	return filepath.Join(d.WorkDir(jobID), "artifacts", name)
}
