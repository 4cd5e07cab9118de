package patterns

import (
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
)

// NormalizeTemplate lowercases the template, collapses runs of whitespace inside each line,
// and drops blank lines and trailing spaces. Indentation depth is kept since it carries structure.
func NormalizeTemplate(t string) string {
	var lines []string
	for _, line := range strings.Split(strings.ReplaceAll(t, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimRight(line, " \t")
		if strings.TrimSpace(trimmed) == "" {
			continue
		}
		indent := len(trimmed) - len(strings.TrimLeft(trimmed, " \t"))
		body := strings.Join(strings.Fields(strings.ToLower(trimmed)), " ")
		lines = append(lines, strings.Repeat(" ", indent)+body)
	}
	return strings.Join(lines, "\n")
}

// Fingerprint is the 128-bit xxh3 hash of the normalized template, hex encoded.
func Fingerprint(template string) string {
	h := xxh3.HashString128(NormalizeTemplate(template))
	return fmt.Sprintf("%016x%016x", h.Hi, h.Lo)
}

// structuralTokens splits a normalized template into its words.
func structuralTokens(template string) map[string]bool {
	tokens := map[string]bool{}
	for _, f := range strings.FieldsFunc(NormalizeTemplate(template), func(r rune) bool {
		return !(r == '$' || r == '_' || r == '-' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		tokens[f] = true
	}
	return tokens
}

// StructuralSimilarity is the Jaccard index of two templates' token sets.
func StructuralSimilarity(a, b string) float64 {
	if Fingerprint(a) == Fingerprint(b) {
		return 1
	}
	ta, tb := structuralTokens(a), structuralTokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	return float64(inter) / float64(len(ta)+len(tb)-inter)
}
