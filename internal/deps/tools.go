package deps

import (
	"path/filepath"
	"strings"

	"lectern/internal/config"
)

// Requirements lists the executables the pipeline needs for cfg.
func Requirements(cfg config.Tools) []Requirement {
	return []Requirement{
		{
			Name:        "FFmpeg",
			Command:     cfg.FFmpeg,
			Description: "Required for audio extraction and frame sampling",
		},
		{
			Name:        "FFprobe",
			Command:     ResolveFFprobePath(cfg.FFmpeg),
			Description: "Required for media inspection",
		},
		{
			Name:        "Ghostscript",
			Command:     cfg.Ghostscript,
			Description: "Compresses handout PDFs; the uncompressed handout is kept without it",
			Optional:    true,
		},
		{
			Name:        "Renderer",
			Command:     cfg.RenderCommand,
			Description: "Renders handouts, spreadsheets and vignette PDFs",
		},
	}
}

// ResolveFFprobePath returns the ffprobe that sits next to ffmpeg, or the
// bare name when ffmpeg is resolved from PATH.
func ResolveFFprobePath(ffmpeg string) string {
	ffmpeg = strings.TrimSpace(ffmpeg)
	if ffmpeg == "" || !strings.ContainsRune(ffmpeg, filepath.Separator) {
		return "ffprobe"
	}
	return filepath.Join(filepath.Dir(ffmpeg), "ffprobe")
}
