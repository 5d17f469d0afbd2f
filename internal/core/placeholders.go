package core

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// InvalidFilenameChars are replaced with FilenameReplacement when building
// artifact names.
const InvalidFilenameChars = `<>:"/\|?*`

// FilenameReplacement substitutes each invalid filename character.
const FilenameReplacement = "_"

// ExtractPlaceholders returns the lowercase names of every {{token}} in the
// given texts, sorted and without duplicates.
func ExtractPlaceholders(texts ...string) []string {
	seen := make(map[string]bool)
	for _, text := range texts {
		for _, m := range placeholderPattern.FindAllStringSubmatch(text, -1) {
			seen[strings.ToLower(m[1])] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Substitute replaces every {{token}} with its value in fields. Tokens with
// no entry are left untouched.
func Substitute(text string, fields map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(tok string) string {
		m := placeholderPattern.FindStringSubmatch(tok)
		if v, ok := fields[strings.ToLower(m[1])]; ok {
			return v
		}
		return tok
	})
}

// InvalidFilenameRunes returns the disallowed characters present in s, in
// order of first appearance.
func InvalidFilenameRunes(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(InvalidFilenameChars, r) && !strings.ContainsRune(b.String(), r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SanitizeFilename replaces disallowed characters and trims surrounding
// dots and spaces.
func SanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if strings.ContainsRune(InvalidFilenameChars, r) || r < 0x20 {
			b.WriteString(FilenameReplacement)
			continue
		}
		b.WriteRune(r)
	}
	return strings.Trim(b.String(), ". ")
}

// BuildFilename renders the filename pattern for a row and sanitizes it.
// An empty result falls back to row_<n> with a 1-based row number.
func BuildFilename(pattern string, fields map[string]string, rowIndex int) string {
	name := SanitizeFilename(Substitute(pattern, fields))
	if name == "" {
		return "row_" + strconv.Itoa(rowIndex+1)
	}
	return name
}
