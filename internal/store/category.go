package store

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// CategoryUnknown is the detector label for observations it could not classify.
const CategoryUnknown = "unknown"

// RemoveDiacritics removes diacritical marks from a string (e.g. "Lièvre" -> "Lievre").
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// NormalizeCategory normalizes a species/class label for comparison
// (lowercase, no diacritics, underscores and dashes to spaces). Detectors
// and legacy imports disagree on label formats, e.g. "European-Hare"
// vs "european hare".
func NormalizeCategory(label string) string {
	label = RemoveDiacritics(label)
	label = strings.ToLower(strings.TrimSpace(label))
	label = strings.ReplaceAll(label, "-", " ")
	label = strings.ReplaceAll(label, "_", " ")
	if label == "" {
		return CategoryUnknown
	}
	return label
}

// CompatibleCategories reports whether two labels may belong to the same
// physical animal: exact normalized match, or both unknown.
func CompatibleCategories(a, b string) bool {
	return NormalizeCategory(a) == NormalizeCategory(b)
}
