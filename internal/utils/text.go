package utils

import (
	"strings"
	"unicode/utf8"
)

// Ellipsis is appended to text shortened by Truncate.
const Ellipsis = "..."

// Truncate shortens s to at most max runes, appending Ellipsis when anything was cut.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + Ellipsis
}

// FirstNonEmpty returns the first argument that is not blank after trimming.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
