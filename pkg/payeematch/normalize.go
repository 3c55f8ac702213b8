// Package payeematch is the fuzzy payee-name matching engine.
//
// It is pure and stateless: no I/O, no clock, no store access. Scores are on
// a 0-100 scale. Matching combines a Levenshtein ratio over normalized names
// with a token-set ratio, plus an additive bonus when the alias dictionary
// maps both sides to the same canonical merchant.
package payeematch

import "strings"

// Normalize lowercases a payee name, trims it, replaces runs of
// non-alphanumeric characters with a single space, and collapses whitespace.
func Normalize(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	lastSpace := true
	for _, r := range strings.ToLower(name) {
		alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if alnum {
			b.WriteRune(r)
			lastSpace = false
			continue
		}
		if !lastSpace {
			b.WriteByte(' ')
			lastSpace = true
		}
	}

	return strings.TrimSpace(b.String())
}

func tokens(normalized string) []string {
	if normalized == "" {
		return nil
	}
	return strings.Fields(normalized)
}
