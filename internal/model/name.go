package model

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// CleanName trims, collapses internal whitespace, and NFC-normalises a name so
// "Château" and "Château" store identically.
func CleanName(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// NameKey returns the case-folded comparison key for a cleaned name.
func NameKey(s string) string {
	return folder.String(CleanName(s))
}

// SameName reports whether two names match case-insensitively.
func SameName(a, b string) bool {
	return NameKey(a) == NameKey(b)
}

// DedupeNames cleans names, drops blanks, and keeps the first spelling of each
// case-insensitive duplicate. The result is never nil.
func DedupeNames(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		c := CleanName(n)
		if c == "" {
			continue
		}
		k := NameKey(c)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, c)
	}
	return out
}

// StringPtr returns nil for blank strings and a pointer to the cleaned value otherwise.
func StringPtr(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// Blank reports whether p is nil or only whitespace.
func Blank(p *string) bool {
	return p == nil || strings.TrimSpace(*p) == ""
}
