package stages

import (
	"context"
	"path/filepath"

	"lectern/internal/inference"
	"lectern/internal/logging"
	"lectern/internal/pipeline"
	"lectern/internal/services"
	"lectern/internal/stage"
	"lectern/internal/textutil"
)

const transcriptionLanguage = "en"

// ExtractCaptions transcribes the source audio into timestamped captions.
func ExtractCaptions(d Deps) stage.Definition[CaptionsOutput] {
	return stage.Definition[CaptionsOutput]{
		Name:    NameExtractCaptions,
		Version: 1,
		Inputs:  []string{NameRetrieveSource},
		Config: func(pipeline.View) any {
			return map[string]string{
				"model":    d.Config.Inference.TranscriptionModel,
				"language": transcriptionLanguage,
			}
		},
		Validate: validateCaptions,
		Run: func(ctx context.Context, in stage.Input) (CaptionsOutput, error) {
			return extractCaptions(ctx, d, in)
		},
	}
}

func extractCaptions(ctx context.Context, d Deps, in stage.Input) (CaptionsOutput, error) {
	src, err := pipeline.Get[SourceOutput](in.View, NameRetrieveSource)
	if err != nil {
		return CaptionsOutput{}, err
	}
	if !src.HasAudio {
		return CaptionsOutput{}, services.Wrap(services.ErrValidation, NameExtractCaptions, "extract audio", "source has no audio stream", nil)
	}
	local, err := d.ensureLocal(ctx, NameExtractCaptions, src.StorageKey, sourcePath(d, in.JobID, src))
	if err != nil {
		return CaptionsOutput{}, interrupted(ctx, NameExtractCaptions, err)
	}

	in.Report(0.05, "Extracting audio")
	audio := filepath.Join(d.WorkDir(in.JobID), "audio.mp3")
	if err := d.Media.ExtractAudio(ctx, local, audio); err != nil {
		return CaptionsOutput{}, interrupted(ctx, NameExtractCaptions, err)
	}
	if err := in.CheckCancelled(NameExtractCaptions); err != nil {
		return CaptionsOutput{}, err
	}

	in.Report(0.2, "Transcribing audio")
	client := d.Inference.Bind(in.JobID, in.UserID)
	transcript, err := client.Transcribe(ctx, inference.TranscribeRequest{
		Function:    FuncTranscribe,
		Model:       d.Config.Inference.TranscriptionModel,
		AudioPath:   audio,
		Language:    transcriptionLanguage,
		ContentHash: src.SourceID,
	})
	if err != nil {
		return CaptionsOutput{}, interrupted(ctx, NameExtractCaptions, err)
	}

	out := CaptionsOutput{Language: transcript.Language}
	if out.Language == "" {
		out.Language = transcriptionLanguage
	}
	for _, seg := range transcript.Segments {
		text := textutil.NormalizeCaption(seg.Text)
		if text == "" {
			continue
		}
		out.Captions = append(out.Captions, Caption{Text: text, Timestamp: max(seg.Start, 0)})
	}
	if len(out.Captions) == 0 {
		return CaptionsOutput{}, services.Wrap(services.ErrValidation, NameExtractCaptions, "transcribe", "transcription returned no segments", nil)
	}

	in.Report(1, "Captions extracted")
	in.Log().Info("captions extracted",
		logging.String(logging.FieldEventType, "captions_extracted"),
		logging.Int("captions", len(out.Captions)),
	)
	return out, nil
}
