package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// SanitizeFileName makes a generated title usable as a download name. Path
// separators, colons and asterisks become dashes, other shell-hostile
// punctuation is dropped and whitespace runs collapse to one space.
func SanitizeFileName(name string) string {
	var b strings.Builder
	for _, r := range norm.NFC.String(name) {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*':
			b.WriteByte('-')
		case unicode.IsControl(r) || strings.ContainsRune(`?"<>|`, r):
		default:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// SanitizeToken folds value into a lowercase ASCII storage key segment.
// Accents are stripped, runs of other characters become one underscore and
// an empty result is "unknown".
func SanitizeToken(value string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range norm.NFKD.String(strings.ToLower(value)) {
		switch {
		case unicode.Is(unicode.Mn, r):
			continue
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		default:
			pendingSep = true
		}
	}
	if token := strings.Trim(b.String(), "_-"); token != "" {
		return token
	}
	return "unknown"
}
