// Package textutil normalizes and truncates OCR candidate text.
package textutil

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	newlineRe   = regexp.MustCompile(`\r\n|\r`)
	multiBlank  = regexp.MustCompile(`\n{3,}`)
	multiSpaces = regexp.MustCompile(` +`)
)

// Normalize cleans raw OCR output: strips NUL bytes, converts all newline
// styles to \n, collapses runs of blank lines to at most one blank line, and
// collapses runs of spaces within a line.
func Normalize(text string) string {
	if text == "" {
		return ""
	}

	text = strings.ReplaceAll(text, "\x00", "")
	text = newlineRe.ReplaceAllString(text, "\n")
	text = multiBlank.ReplaceAllString(text, "\n\n")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = multiSpaces.ReplaceAllString(strings.TrimSpace(line), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Truncate limits text to maxBytes without splitting a UTF-8 sequence.
// Returns the (possibly shortened) text and whether truncation happened.
func Truncate(text string, maxBytes int) (string, bool) {
	if maxBytes <= 0 || len(text) <= maxBytes {
		return text, false
	}

	cut := maxBytes
	// Back up to a rune boundary. A continuation byte has the form 10xxxxxx.
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut], true
}
