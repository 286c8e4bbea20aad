// Package textx provides small text utilities used across the project.
package textx

import (
	"strings"

	"github.com/gosimple/slug"
)

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	// strip control chars outside tab/newline/carriage return
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// Slugify lowercases and transliterates s into a url-safe identifier.
func Slugify(s string) string {
	return slug.Make(s)
}

// JoinTexts assembles a display text from several column values, skipping
// empties, separated by blank lines.
func JoinTexts(parts []string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

// Tokenize lowercases and splits on non-letter/digit runes. Used by the
// document-feature-matrix builder.
func Tokenize(s string) []string {
	s = strings.ToLower(s)
	var toks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r > 127 {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return toks
}

// NGrams returns contiguous n-grams of tokens joined by underscores for
// n in [1, max].
func NGrams(tokens []string, max int) []string {
	if max <= 1 {
		return tokens
	}
	out := make([]string, 0, len(tokens)*max)
	for n := 1; n <= max; n++ {
		for i := 0; i+n <= len(tokens); i++ {
			out = append(out, strings.Join(tokens[i:i+n], "_"))
		}
	}
	return out
}
