package analysis

import (
	"regexp"
	"strings"

	"revspec/internal/extractor"
)

// FactKind classifies a structural observation.
type FactKind string

const (
	FactValidation  FactKind = "validation"
	FactMutation    FactKind = "mutation"
	FactQuery       FactKind = "query"
	FactControlFlow FactKind = "control_flow"
	FactRawOpaque   FactKind = "raw_opaque"
	FactParameter   FactKind = "parameter"
	FactDeclaration FactKind = "declaration"
	FactAssignment  FactKind = "assignment"
	FactReturn      FactKind = "return"
	FactRaise       FactKind = "raise"
	FactCall        FactKind = "call"
	FactSchema      FactKind = "schema"
)

// Fact is what the walker directly observed. Confidence is always 1.0.
// Facts are never mutated after Analyze returns; later stages refer to them by ID.
type Fact struct {
	ID          int               `json:"id"`
	Kind        FactKind          `json:"kind"`
	Span        extractor.Span    `json:"span"`
	Function    string            `json:"function,omitempty"`
	Route       string            `json:"route,omitempty"`
	Text        string            `json:"text"`
	Identifiers []string          `json:"identifiers,omitempty"`
	Tables      []string          `json:"tables,omitempty"`
	Columns     []string          `json:"columns,omitempty"`
	Detail      map[string]string `json:"detail,omitempty"`
	Confidence  float64           `json:"confidence"`
	Depth       int               `json:"depth"`
	Parent      int               `json:"parent"`
}

// Get returns a detail value or "".
func (f Fact) Get(key string) string {
	return f.Detail[key]
}

var (
	literalRe    = regexp.MustCompile(`'(?:[^']|'')*'|"(?:[^"\\]|\\.)*"|` + "`[^`]*`")
	identifierRe = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*`)
)

var keywords = map[string]bool{
	"and": true, "or": true, "not": true, "null": true, "is": true, "in": true, "like": true, "ilike": true,
	"between": true, "true": true, "false": true, "exists": true, "select": true, "from": true, "where": true,
	"case": true, "when": true, "then": true, "else": true, "end": true, "any": true, "all": true,
	"coalesce": true, "now": true, "current_timestamp": true, "current_date": true, "found": true,
	"none": true, "nil": true, "undefined": true, "len": true, "distinct": true, "as": true, "format": true,
	"count": true, "sum": true, "avg": true, "min": true, "max": true, "new": true, "old": true,
}

// Identifiers lists identifier references in an expression, skipping literals and keywords.
func Identifiers(expr string) []string {
	stripped := literalRe.ReplaceAllString(expr, " ")
	var out []string
	seen := map[string]bool{}
	for _, m := range identifierRe.FindAllStringIndex(stripped, -1) {
		id := strings.ToLower(stripped[m[0]:m[1]])
		// function names are not references
		if rest := strings.TrimLeft(stripped[m[1]:], " "); strings.HasPrefix(rest, "(") {
			continue
		}
		if keywords[id] || seen[id] {
			continue
		}
		if m[0] > 0 && (stripped[m[0]-1] >= '0' && stripped[m[0]-1] <= '9') {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Literals lists the string literals in an expression with their quotes removed.
func Literals(expr string) []string {
	var out []string
	for _, m := range literalRe.FindAllString(expr, -1) {
		out = append(out, strings.ReplaceAll(m[1:len(m)-1], "''", "'"))
	}
	return out
}

// BaseName strips qualifiers and common variable prefixes: "v_status", "lead.status" and "p_status" all become "status".
func BaseName(id string) string {
	id = strings.ToLower(id)
	if i := strings.LastIndex(id, "."); i >= 0 {
		id = id[i+1:]
	}
	for _, p := range []string{"v_", "p_", "l_", "in_", "_"} {
		if strings.HasPrefix(id, p) && len(id) > len(p) {
			return id[len(p):]
		}
	}
	return id
}
