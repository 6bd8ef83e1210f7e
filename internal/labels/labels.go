// Package labels holds the single normalization applied to inference labels
// before they are persisted or broadcast.
package labels

import (
	"strings"
	"unicode"

	"github.com/samber/lo"
)

// Normalize lower-cases each label, turns separator runs ('-', '_', whitespace)
// into a single space, drops empty labels and removes duplicates while keeping
// first-seen order. Normalize(Normalize(x)) equals Normalize(x).
func Normalize(raw []string) []string {
	normalized := lo.FilterMap(raw, func(label string, _ int) (string, bool) {
		l := normalize(label)
		return l, l != ""
	})
	return lo.Uniq(normalized)
}

func normalize(label string) string {
	fields := strings.FieldsFunc(strings.ToLower(label), isSeparator)
	return strings.Join(fields, " ")
}

func isSeparator(r rune) bool {
	return r == '-' || r == '_' || unicode.IsSpace(r)
}
