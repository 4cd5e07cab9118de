package heuristic

import (
	"strings"

	"revspec/internal/analysis"
)

var purposeHints = []struct {
	purpose string
	names   []string
}{
	{"identifier", []string{"_id", "uuid", "pk_"}},
	{"count", []string{"count", "cnt", "num", "n_"}},
	{"total", []string{"total", "sum", "amount", "balance"}},
	{"flag", []string{"is_", "has_", "found", "exists", "flag", "is_ok", "valid"}},
	{"result", []string{"result", "ret_", "out_", "res_", "rv"}},
	{"accumulator", []string{"acc", "buffer", "list", "arr", "items", "ids"}},
	{"record", []string{"rec", "row"}},
}

// Purpose guesses what a variable is for from its name and declared type.
func Purpose(name, typ string) string {
	base := analysis.BaseName(name)
	typ = strings.ToLower(typ)
	switch {
	case strings.HasPrefix(typ, "bool"):
		return "flag"
	case typ == "record" || strings.HasSuffix(typ, "%rowtype"):
		return "record"
	case strings.HasSuffix(typ, "[]"):
		return "accumulator"
	}
	for _, h := range purposeHints {
		for _, n := range h.names {
			if base == strings.Trim(n, "_") || strings.HasPrefix(base, n) || strings.HasSuffix(base, n) {
				return h.purpose
			}
		}
	}
	if base == "id" {
		return "identifier"
	}
	return "value"
}
