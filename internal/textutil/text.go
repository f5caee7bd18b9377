package textutil

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

var titleCaser = cases.Title(language.English)

// NormalizeCaption returns NFC-normalized text with whitespace collapsed to
// single spaces.
func NormalizeCaption(text string) string {
	return strings.Join(strings.Fields(norm.NFC.String(text)), " ")
}

// TitleCase trims surrounding quotes and punctuation from a generated title
// and applies English title casing.
func TitleCase(title string) string {
	title = strings.TrimSpace(NormalizeCaption(title))
	title = strings.Trim(title, "\"'`*#.: ")
	if title == "" {
		return ""
	}
	return titleCaser.String(title)
}

// JoinCaptions concatenates caption texts into one paragraph.
func JoinCaptions(texts []string) string {
	parts := make([]string, 0, len(texts))
	for _, text := range texts {
		if normalized := NormalizeCaption(text); normalized != "" {
			parts = append(parts, normalized)
		}
	}
	return strings.Join(parts, " ")
}
