package stages

import (
	"errors"
	"strings"
)

// SourceOutput describes the retrieved media.
type SourceOutput struct {
	SourceID        string  `json:"source_id"`
	StorageKey      string  `json:"storage_key"`
	FileName        string  `json:"file_name"`
	Label           string  `json:"label"`
	SizeBytes       int64   `json:"size_bytes"`
	DurationSeconds float64 `json:"duration_seconds"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	HasAudio        bool    `json:"has_audio"`
}

// Caption is one transcribed segment; Timestamp is its start in seconds.
type Caption struct {
	Text      string  `json:"text"`
	Timestamp float64 `json:"timestamp"`
}

// CaptionsOutput is the transcription result.
type CaptionsOutput struct {
	Captions []Caption `json:"captions"`
	Language string    `json:"language"`
}

// Slide pairs a frame image with the speech heard while it was shown. Text
// is filled by clean_transcript.
type Slide struct {
	Index     int     `json:"index"`
	ImageKey  string  `json:"image_key"`
	Timestamp float64 `json:"timestamp"`
	Caption   string  `json:"caption"`
	Text      string  `json:"text,omitempty"`
}

// SlidesOutput is produced by match_frames and clean_transcript.
type SlidesOutput struct {
	Slides []Slide `json:"slides"`
}

// Transcript joins the best available text of every slide.
func (s SlidesOutput) Transcript() string {
	parts := make([]string, 0, len(s.Slides))
	for _, slide := range s.Slides {
		text := strings.TrimSpace(slide.Text)
		if text == "" {
			text = strings.TrimSpace(slide.Caption)
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// DocumentOutput describes an uploaded handout.
type DocumentOutput struct {
	Title      string `json:"title"`
	FileName   string `json:"file_name"`
	StorageKey string `json:"storage_key"`
	SizeBytes  int64  `json:"size_bytes"`
	Pages      int    `json:"pages,omitempty"`
	Compressed bool   `json:"compressed,omitempty"`
}

// BaseName is the file name without extension, used to name branch outputs.
func (d DocumentOutput) BaseName() string {
	name := strings.TrimSpace(d.FileName)
	if i := strings.LastIndex(name, "."); i > 0 {
		name = name[:i]
	}
	if name == "" {
		return "Lecture"
	}
	return name
}

// BranchOutput describes one artifact branch result.
type BranchOutput struct {
	FileName   string `json:"file_name,omitempty"`
	StorageKey string `json:"storage_key,omitempty"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
	Items      int    `json:"items"`
	// Skipped is set when the model produced nothing usable; no file exists.
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func validateCaptions(out CaptionsOutput) error {
	if len(out.Captions) == 0 {
		return errors.New("no captions")
	}
	return nil
}

func validateSlides(out SlidesOutput) error {
	if len(out.Slides) == 0 {
		return errors.New("no slides")
	}
	return nil
}

func validateDocument(out DocumentOutput) error {
	if out.StorageKey == "" || out.FileName == "" {
		return errors.New("document has no storage key")
	}
	return nil
}

func validateBranch(out BranchOutput) error {
	if !out.Skipped && out.StorageKey == "" {
		return errors.New("branch output has no storage key")
	}
	return nil
}
