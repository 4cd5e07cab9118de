package ai

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"revspec/internal/analysis"
	"revspec/internal/heuristic"
	"revspec/internal/patterns"
)

const responseSchemaURL = "revspec://ai/response.schema.json"

const responseSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["idiom", "confidence"],
  "properties": {
    "idiom": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9][a-z0-9_-]*$"},
    "shape": {"type": "string"},
    "category": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "rationale": {"type": "string"},
    "params": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`

func compileResponseSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(responseSchemaURL, strings.NewReader(responseSchema)); err != nil {
		return nil, err
	}
	return compiler.Compile(responseSchemaURL)
}

const promptHeader = `You are reviewing a reverse-engineered interpretation of legacy source code.
The facts below were observed directly. The current interpretation scored low confidence.
Propose the single best idiom for these facts as a JSON object with the fields:
  idiom (kebab-case), shape, category, confidence (0..1), rationale, params (string map).
Reply with JSON only.
`

// buildPrompt renders the facts an annotation covers, the annotation itself and related stored patterns.
func buildPrompt(facts []analysis.Fact, a heuristic.Annotation, related []patterns.Scored) string {
	var b strings.Builder
	b.WriteString(promptHeader)

	b.WriteString("\nFacts:\n")
	for _, id := range a.Facts {
		if id < 0 || id >= len(facts) {
			continue
		}
		f := facts[id]
		fmt.Fprintf(&b, "- [%d] %s", f.ID, f.Kind)
		if f.Function != "" {
			fmt.Fprintf(&b, " in %s", f.Function)
		}
		if f.Route != "" {
			fmt.Fprintf(&b, " (%s)", f.Route)
		}
		if len(f.Tables) > 0 {
			fmt.Fprintf(&b, " tables=%s", strings.Join(f.Tables, ","))
		}
		b.WriteByte('\n')
		if text := strings.TrimSpace(f.Text); text != "" {
			fmt.Fprintf(&b, "    %s\n", oneLine(text, 400))
		}
		for _, k := range sortedKeys(f.Detail) {
			fmt.Fprintf(&b, "    %s: %s\n", k, oneLine(f.Detail[k], 200))
		}
	}

	fmt.Fprintf(&b, "\nCurrent interpretation: %s", a.Idiom)
	if a.Shape != "" {
		fmt.Fprintf(&b, " (%s)", a.Shape)
	}
	fmt.Fprintf(&b, " confidence=%.2f evidence=%s\n", a.Confidence, strings.Join(a.Evidence, ","))

	if len(related) > 0 {
		b.WriteString("\nKnown patterns:\n")
		for _, p := range related {
			fmt.Fprintf(&b, "- %s [%s] similarity=%.2f: %s\n", p.Pattern.Name, p.Pattern.Category, p.Similarity, p.Pattern.Description)
			for _, line := range strings.Split(strings.TrimSpace(p.Pattern.Template), "\n") {
				fmt.Fprintf(&b, "    %s\n", line)
			}
		}
	}
	return b.String()
}

// queryText is the text embedded to find patterns related to an annotation.
func queryText(facts []analysis.Fact, a heuristic.Annotation) string {
	parts := []string{a.Idiom, a.Shape}
	for _, id := range a.Facts {
		if id >= 0 && id < len(facts) {
			parts = append(parts, facts[id].Function, oneLine(facts[id].Text, 200))
		}
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

// oneLine collapses whitespace and cuts s to at most max bytes without splitting a rune.
func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
