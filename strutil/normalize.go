// Package strutil holds the small string normalisations shared by the
// packages that key things by executable.
package strutil

import "strings"

// NormalizeLower trims surrounding whitespace and converts to lower case.
func NormalizeLower(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// ExeName returns the file name of an executable path. Both slash styles are
// separators regardless of the host OS, since paths come from Windows
// processes and from config files alike.
func ExeName(path string) string {
	path = strings.TrimSpace(path)
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		path = path[i+1:]
	}
	return path
}

// ExeKey is the case-insensitive identity of an executable: its lower-cased
// file name.
func ExeKey(path string) string {
	return strings.ToLower(ExeName(path))
}
