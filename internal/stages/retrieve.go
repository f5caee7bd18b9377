package stages

import (
	"context"
	"path/filepath"
	"strings"

	"lectern/internal/logging"
	"lectern/internal/pipeline"
	"lectern/internal/services"
	"lectern/internal/sources"
	"lectern/internal/stage"
	"lectern/internal/storage"
)

// RetrieveSource downloads the job input, probes it and makes sure a copy
// lives in object storage so later stages can run on any host.
func RetrieveSource(d Deps) stage.Definition[SourceOutput] {
	return stage.Definition[SourceOutput]{
		Name:    NameRetrieveSource,
		Version: 1,
		Config: func(v pipeline.View) any {
			return struct {
				Source sources.Descriptor `json:"source"`
				UserID string             `json:"user_id"`
			}{v.Source(), v.UserID()}
		},
		Validate: func(out SourceOutput) error {
			if out.SourceID == "" || out.StorageKey == "" {
				return services.Wrap(services.ErrValidation, NameRetrieveSource, "validate", "source output incomplete", nil)
			}
			return nil
		},
		Run: func(ctx context.Context, in stage.Input) (SourceOutput, error) {
			return retrieveSource(ctx, d, in)
		},
	}
}

func retrieveSource(ctx context.Context, d Deps, in stage.Input) (SourceOutput, error) {
	desc := in.View.Source()
	destDir := filepath.Join(d.WorkDir(in.JobID), "source")
	got, err := d.Sources.Retrieve(ctx, desc, destDir, func(fraction float64, message string) {
		in.Report(fraction*0.8, message)
	})
	if err != nil {
		return SourceOutput{}, interrupted(ctx, NameRetrieveSource, err)
	}

	probe, err := d.Media.Probe(ctx, got.LocalPath)
	if err != nil {
		return SourceOutput{}, interrupted(ctx, NameRetrieveSource, err)
	}
	video, ok := probe.VideoStream()
	if !ok {
		return SourceOutput{}, services.WithHint(
			services.Wrap(services.ErrValidation, NameRetrieveSource, "probe", "source has no video stream", nil),
			"submit a screen recording or lecture video, not an audio-only file")
	}
	out := SourceOutput{
		SourceID:        got.SourceID,
		FileName:        filepath.Base(got.LocalPath),
		Label:           desc.Label(),
		SizeBytes:       got.Size,
		DurationSeconds: probe.DurationSeconds(),
		Width:           video.Width,
		Height:          video.Height,
		HasAudio:        probe.HasAudio(),
	}

	if desc.Type == sources.TypeUpload {
		out.StorageKey = strings.TrimSpace(desc.Ref)
	} else {
		out.StorageKey = storage.SourceKey(in.UserID, got.SourceID, "source"+got.Extension)
		exists, err := d.Storage.Exists(ctx, out.StorageKey)
		if err != nil {
			return SourceOutput{}, interrupted(ctx, NameRetrieveSource, err)
		}
		if !exists {
			in.Report(0.85, "Storing source media")
			if err := d.upload(ctx, NameRetrieveSource, got.LocalPath, out.StorageKey, got.ContentType); err != nil {
				return SourceOutput{}, interrupted(ctx, NameRetrieveSource, err)
			}
		}
	}

	in.Report(1, "Source ready")
	in.Log().Info("source media ready",
		logging.String(logging.FieldEventType, "source_ready"),
		logging.String("source_id", out.SourceID),
		logging.Float64("duration_seconds", out.DurationSeconds),
		logging.Int("width", out.Width),
		logging.Int("height", out.Height),
	)
	return out, nil
}

func sourcePath(d Deps, jobID string, src SourceOutput) string {
	return filepath.Join(d.WorkDir(jobID), "source", src.FileName)
}
