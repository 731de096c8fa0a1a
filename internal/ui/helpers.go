package ui

import (
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
)

// ShortID trims a job handle for display. Counts runes, not bytes.
func ShortID(id string) string {
	const maxLen = 8
	if utf8.RuneCountInString(id) <= maxLen {
		return id
	}
	count := 0
	for i := range id {
		if count >= maxLen {
			return id[:i]
		}
		count++
	}
	return id
}

// TruncateWithEllipsis truncates text to maxRunes and appends an ellipsis when needed.
func TruncateWithEllipsis(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes]) + "…"
}

// DisplaySize returns the listing's size text, or an em dash when the listing had
// none or only a placeholder dash.
func DisplaySize(size string) string {
	size = strings.TrimSpace(size)
	if size == "" || size == "-" {
		return "—"
	}
	return size
}

// Bytes formats a byte count, or "?" when unknown.
func Bytes(n int64) string {
	if n < 0 {
		return "?"
	}
	return humanize.IBytes(uint64(n))
}
