package util

import "unicode/utf8"

// Truncate shortens s to at most max runes. Strings that fit are returned as is.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
