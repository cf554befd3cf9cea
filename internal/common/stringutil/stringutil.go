// Package stringutil provides common string utility functions.
package stringutil

import "strings"

// TruncateString truncates a string to a maximum length in bytes.
// If the string is shorter than maxLen, it returns the original string.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TruncateStringWithEllipsis truncates a string to a maximum length and adds "..." suffix.
func TruncateStringWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return TruncateString(s, maxLen)
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// TruncateRunes truncates a string to a maximum number of runes, appending an
// ellipsis rune when truncation happens. Used for display text where byte
// truncation could split a multi-byte character.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "…"
}

// NormalizeWhitespace collapses all runs of whitespace (including newlines and
// tabs) into single spaces and trims the result.
func NormalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Snippet produces a whitespace-normalized excerpt of at most maxLen bytes.
// Useful for comparing error messages where formatting varies between runs.
func Snippet(s string, maxLen int) string {
	return TruncateString(NormalizeWhitespace(s), maxLen)
}
