package stages

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"lectern/internal/inference"
	"lectern/internal/logging"
	"lectern/internal/pipeline"
	"lectern/internal/render"
	"lectern/internal/services"
	"lectern/internal/stage"
	"lectern/internal/storage"
	"lectern/internal/textutil"
)

const (
	titlePromptLimit = 8000
	pdfContentType   = "application/pdf"
)

type handoutSlide struct {
	Index     int     `json:"index"`
	ImageKey  string  `json:"image_key"`
	Timestamp float64 `json:"timestamp"`
	Text      string  `json:"text"`
}

type handoutDocument struct {
	Title  string         `json:"title"`
	Source string         `json:"source"`
	Slides []handoutSlide `json:"slides"`
}

// GenerateOutput titles the lecture, renders the slide handout and stores it
// under the job.
func GenerateOutput(d Deps) stage.Definition[DocumentOutput] {
	return stage.Definition[DocumentOutput]{
		Name:    NameGenerateOutput,
		Version: 1,
		Inputs:  []string{NameRetrieveSource, NameCleanTranscript},
		Config: func(v pipeline.View) any {
			return map[string]string{"job_id": v.JobID(), "model": d.Config.Inference.FastModel, "system": titleSystem}
		},
		Validate: validateDocument,
		Run: func(ctx context.Context, in stage.Input) (DocumentOutput, error) {
			return generateOutput(ctx, d, in)
		},
	}
}

func generateOutput(ctx context.Context, d Deps, in stage.Input) (DocumentOutput, error) {
	src, err := pipeline.Get[SourceOutput](in.View, NameRetrieveSource)
	if err != nil {
		return DocumentOutput{}, err
	}
	cleaned, err := pipeline.Get[SlidesOutput](in.View, NameCleanTranscript)
	if err != nil {
		return DocumentOutput{}, err
	}

	in.Report(0.05, "Generating title")
	title, err := generateTitle(ctx, d, in, cleaned)
	if err != nil {
		return DocumentOutput{}, interrupted(ctx, NameGenerateOutput, err)
	}
	if title == "" {
		title = fallbackTitle(src)
	}
	fileName := textutil.SanitizeFileName(title) + ".pdf"

	doc := handoutDocument{Title: title, Source: src.Label, Slides: make([]handoutSlide, 0, len(cleaned.Slides))}
	for _, s := range cleaned.Slides {
		text := s.Text
		if strings.TrimSpace(text) == "" {
			text = s.Caption
		}
		doc.Slides = append(doc.Slides, handoutSlide{Index: s.Index, ImageKey: s.ImageKey, Timestamp: s.Timestamp, Text: text})
	}

	in.Report(0.3, "Rendering handout")
	local, err := d.Renderer.Render(ctx, render.Request{
		Kind:       render.KindHandout,
		Title:      title,
		OutputPath: filepath.Join(d.WorkDir(in.JobID), "output", fileName),
		Data:       doc,
	})
	if err != nil {
		return DocumentOutput{}, interrupted(ctx, NameGenerateOutput, err)
	}
	info, err := os.Stat(local)
	if err != nil {
		return DocumentOutput{}, services.Wrap(services.ErrStorage, NameGenerateOutput, "stat handout", "", err)
	}

	in.Report(0.7, "Uploading handout")
	key := storage.JobKey(in.UserID, in.JobID, fileName)
	if err := d.upload(ctx, NameGenerateOutput, local, key, pdfContentType); err != nil {
		return DocumentOutput{}, interrupted(ctx, NameGenerateOutput, err)
	}

	in.Report(1, "Handout ready")
	in.Log().Info("handout generated",
		logging.String(logging.FieldEventType, "handout_generated"),
		logging.String("title", title),
		logging.Int("slides", len(doc.Slides)),
		logging.Int64("size_bytes", info.Size()),
	)
	return DocumentOutput{Title: title, FileName: fileName, StorageKey: key, SizeBytes: info.Size()}, nil
}

func generateTitle(ctx context.Context, d Deps, in stage.Input, slides SlidesOutput) (string, error) {
	text := slides.Transcript()
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	if len(text) > titlePromptLimit {
		text = text[:titlePromptLimit]
	}
	resp, err := d.Inference.Bind(in.JobID, in.UserID).Complete(ctx, inference.Request{
		Function: FuncTitle,
		Model:    d.Config.Inference.FastModel,
		System:   titleSystem,
		Prompt:   text,
	})
	if err != nil {
		return "", err
	}
	return textutil.TitleCase(resp.Content), nil
}

func fallbackTitle(src SourceOutput) string {
	label := strings.TrimSpace(src.Label)
	if ext := filepath.Ext(label); ext != "" {
		label = strings.TrimSuffix(label, ext)
	}
	if label = textutil.TitleCase(strings.NewReplacer("_", " ", "-", " ").Replace(label)); label != "" {
		return label
	}
	return "Lecture"
}
