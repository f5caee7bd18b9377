package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ledongthuc/pdf"

	"lectern/internal/logging"
	"lectern/internal/pipeline"
	"lectern/internal/services"
	"lectern/internal/stage"
)

// CompressOutput shrinks the handout with ghostscript and verifies that the
// stored document opens. A failed or larger compression keeps the original.
func CompressOutput(d Deps) stage.Definition[DocumentOutput] {
	return stage.Definition[DocumentOutput]{
		Name:     NameCompressOutput,
		Version:  1,
		Inputs:   []string{NameGenerateOutput},
		Config:   func(pipeline.View) any { return map[string]string{"preset": "ebook"} },
		Validate: validateDocument,
		Run: func(ctx context.Context, in stage.Input) (DocumentOutput, error) {
			return compressOutput(ctx, d, in)
		},
	}
}

func compressOutput(ctx context.Context, d Deps, in stage.Input) (DocumentOutput, error) {
	doc, err := pipeline.Get[DocumentOutput](in.View, NameGenerateOutput)
	if err != nil {
		return DocumentOutput{}, err
	}
	outDir := filepath.Join(d.WorkDir(in.JobID), "output")
	original, err := d.ensureLocal(ctx, NameCompressOutput, doc.StorageKey, filepath.Join(outDir, doc.FileName))
	if err != nil {
		return DocumentOutput{}, interrupted(ctx, NameCompressOutput, err)
	}
	pages, err := pdfPages(original)
	if err != nil {
		return DocumentOutput{}, services.Wrap(services.ErrValidation, NameCompressOutput, "validate handout", "handout PDF is unreadable", err)
	}

	in.Report(0.1, "Compressing handout")
	out := doc
	out.Pages = pages
	compressed := filepath.Join(outDir, "compressed-"+doc.FileName)
	if err := d.Media.CompressPDF(ctx, original, compressed); err != nil {
		if ctx.Err() != nil || services.IsCancelled(err) {
			return DocumentOutput{}, interrupted(ctx, NameCompressOutput, err)
		}
		logging.WarnWithContext(in.Log(), "pdf compression failed", "compression_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "the uncompressed handout is kept"),
		)
		in.Report(1, "Kept uncompressed handout")
		return out, nil
	}
	defer os.Remove(compressed)

	smaller, reason := acceptCompressed(original, compressed)
	if !smaller {
		in.Log().Info("compressed handout discarded", logging.String("reason", reason))
		in.Report(1, "Kept uncompressed handout")
		return out, nil
	}

	in.Report(0.6, "Uploading compressed handout")
	if err := d.upload(ctx, NameCompressOutput, compressed, doc.StorageKey, pdfContentType); err != nil {
		return DocumentOutput{}, interrupted(ctx, NameCompressOutput, err)
	}
	info, err := os.Stat(compressed)
	if err != nil {
		return DocumentOutput{}, services.Wrap(services.ErrStorage, NameCompressOutput, "stat compressed", "", err)
	}
	if err := os.Rename(compressed, original); err != nil {
		in.Log().Debug("failed to replace scratch handout", logging.Error(err))
	}
	out.SizeBytes = info.Size()
	out.Compressed = true
	in.Report(1, "Handout compressed")
	in.Log().Info("handout compressed",
		logging.String(logging.FieldEventType, "handout_compressed"),
		logging.Int64("original_bytes", doc.SizeBytes),
		logging.Int64("compressed_bytes", out.SizeBytes),
		logging.Int("pages", pages),
	)
	return out, nil
}

func acceptCompressed(original, compressed string) (bool, string) {
	before, err := os.Stat(original)
	if err != nil {
		return false, err.Error()
	}
	after, err := os.Stat(compressed)
	if err != nil {
		return false, err.Error()
	}
	if after.Size() >= before.Size() {
		return false, "compressed file is not smaller"
	}
	if _, err := pdfPages(compressed); err != nil {
		return false, "compressed file is unreadable: " + err.Error()
	}
	return true, ""
}

// pdfPages opens path and returns its page count. The parser panics on some
// malformed inputs; those are reported as errors.
func pdfPages(path string) (pages int, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages, err = 0, fmt.Errorf("parse pdf: %v", r)
		}
	}()
	f, reader, err := pdf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()
	pages = reader.NumPage()
	if pages < 1 {
		return 0, errors.New("pdf has no pages")
	}
	return pages, nil
}
