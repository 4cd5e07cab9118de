package heuristic

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"revspec/internal/analysis"
	"revspec/internal/patterns"
)

// Enhancer applies an ordered rule set to a file's facts. It never writes to the pattern
// repository; discoveries are returned as candidates for the caller to persist.
type Enhancer struct {
	cfg   Config
	rules []Rule
	log   *zap.Logger
}

func NewEnhancer(cfg Config, log *zap.Logger, rules ...Rule) *Enhancer {
	if log == nil {
		log = zap.NewNop()
	}
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Enhancer{cfg: cfg, rules: rules, log: log}
}

// Enhance scores idioms over facts. For a fixed fact slice and pattern source the result is identical across calls.
func (e *Enhancer) Enhance(facts []analysis.Fact, src PatternSource) Outcome {
	var evidence []Evidence
	for _, r := range e.rules {
		evidence = append(evidence, r.Apply(facts)...)
	}

	groups := groupEvidence(evidence)
	scored := make([]Annotation, 0, len(groups))
	for _, g := range groups {
		scored = append(scored, e.score(g, facts, src))
	}
	kept := resolveFamilies(scored)
	kept = append(kept, uncovered(facts, kept)...)
	sortAnnotations(kept)

	e.log.Debug("heuristic pass",
		zap.Int("facts", len(facts)),
		zap.Int("evidence", len(evidence)),
		zap.Int("annotations", len(kept)))
	return Outcome{Annotations: kept, Candidates: candidates(kept, facts)}
}

type group struct {
	key      string
	evidence []Evidence
}

func groupEvidence(evidence []Evidence) []*group {
	index := map[string]*group{}
	var out []*group
	for _, ev := range evidence {
		ids := append([]int{}, ev.Facts...)
		sort.Ints(ids)
		key := ev.Idiom + "|" + joinInts(ids)
		g, ok := index[key]
		if !ok {
			g = &group{key: key}
			index[key] = g
			out = append(out, g)
		}
		ev.Facts = ids
		g.evidence = append(g.evidence, ev)
	}
	return out
}

func (e *Enhancer) score(g *group, facts []analysis.Fact, src PatternSource) Annotation {
	a := Annotation{Origin: OriginHeuristic, Params: map[string]string{}}
	var contributions []float64
	for _, ev := range g.evidence {
		if a.Idiom == "" {
			a.Idiom, a.Facts, a.Family = ev.Idiom, ev.Facts, ev.Family
		}
		if a.Shape == "" {
			a.Shape = ev.Shape
		}
		if a.Category == "" {
			a.Category = ev.Category
		}
		if a.Template == "" {
			a.Template = ev.Template
		}
		for k, v := range ev.Params {
			if _, ok := a.Params[k]; !ok && v != "" {
				a.Params[k] = v
			}
		}
		a.Evidence = append(a.Evidence, ev.Rule)
		contributions = append(contributions, ev.Contribution)
	}
	if id := a.First(); id >= 0 && id < len(facts) {
		a.Function = facts[id].Function
	}

	if a.Template != "" && src != nil {
		if m, ok := src.BestMatch(a.Template, a.Category); ok && m.Similarity >= e.cfg.SimilarityThreshold {
			contributions = append(contributions, e.cfg.PatternBoost*m.Similarity)
			a.Evidence = append(a.Evidence, "pattern:"+m.Pattern.Name)
			a.Params["pattern"] = m.Pattern.Name
		}
	}

	a.Confidence = clamp(Combine(contributions...), 0, e.cfg.Cap)
	a.NeedsReview = a.Confidence < e.cfg.LowConfidence
	if len(a.Params) == 0 {
		a.Params = nil
	}
	return a
}

// resolveFamilies keeps, within each family, the best of any interpretations that share facts:
// higher confidence first, then fewer facts, then idiom name for a stable order.
func resolveFamilies(anns []Annotation) []Annotation {
	order := make([]int, len(anns))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := anns[order[i]], anns[order[j]]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if len(a.Facts) != len(b.Facts) {
			return len(a.Facts) < len(b.Facts)
		}
		if a.Idiom != b.Idiom {
			return a.Idiom < b.Idiom
		}
		return a.First() < b.First()
	})

	claimed := map[string]map[int]bool{}
	keep := make([]bool, len(anns))
	for _, i := range order {
		a := anns[i]
		if a.Family == "" {
			keep[i] = true
			continue
		}
		used := claimed[a.Family]
		if used == nil {
			used = map[int]bool{}
			claimed[a.Family] = used
		}
		conflict := false
		for _, id := range a.Facts {
			if used[id] {
				conflict = true
				break
			}
		}
		if conflict {
			continue
		}
		for _, id := range a.Facts {
			used[id] = true
		}
		keep[i] = true
	}

	out := make([]Annotation, 0, len(anns))
	for i, a := range anns {
		if keep[i] {
			out = append(out, a)
		}
	}
	return out
}

// uncovered surfaces every fact no annotation references as an observed raw-opaque annotation.
func uncovered(facts []analysis.Fact, anns []Annotation) []Annotation {
	covered := make(map[int]bool, len(facts))
	for _, a := range anns {
		for _, id := range a.Facts {
			covered[id] = true
		}
	}
	var out []Annotation
	for _, f := range facts {
		if covered[f.ID] {
			continue
		}
		params := map[string]string{"fact_kind": string(f.Kind)}
		if r := f.Get("reason"); r != "" {
			params["reason"] = r
		}
		out = append(out, Annotation{
			Idiom:       IdiomRawOpaque,
			Category:    CategoryObserved,
			Facts:       []int{f.ID},
			Function:    f.Function,
			Confidence:  f.Confidence,
			NeedsReview: true,
			Origin:      OriginObserved,
			Params:      params,
		})
	}
	return out
}

func sortAnnotations(anns []Annotation) {
	sort.SliceStable(anns, func(i, j int) bool {
		a, b := anns[i], anns[j]
		if a.First() != b.First() {
			return a.First() < b.First()
		}
		if len(a.Facts) != len(b.Facts) {
			return len(a.Facts) > len(b.Facts)
		}
		return a.Idiom < b.Idiom
	})
}

// candidates turns surviving templated annotations into pattern discoveries, one per fingerprint.
func candidates(anns []Annotation, facts []analysis.Fact) []patterns.Candidate {
	seen := map[string]bool{}
	var out []patterns.Candidate
	for _, a := range anns {
		if a.Origin != OriginHeuristic || a.Template == "" {
			continue
		}
		fp := patterns.Fingerprint(a.Template)
		if seen[fp] {
			continue
		}
		seen[fp] = true
		name := a.Function
		if name == "" || name == "do_block" {
			name = strings.ReplaceAll(a.Idiom, "-", "_")
		}
		out = append(out, patterns.Candidate{
			Name:        name,
			Category:    a.Category,
			Template:    a.Template,
			Description: describe(a, facts),
			SourceType:  patterns.SourceDiscovered,
		})
	}
	return out
}

func describe(a Annotation, facts []analysis.Fact) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)", a.Idiom, a.Shape)
	if t := a.Params["table"]; t != "" {
		fmt.Fprintf(&b, " on %s", t)
	}
	if c := a.Params["condition"]; c != "" {
		fmt.Fprintf(&b, " when %s", c)
	}
	for _, id := range a.Facts {
		if id >= 0 && id < len(facts) {
			if m := facts[id].Get("message"); m != "" {
				fmt.Fprintf(&b, ": %s", m)
				break
			}
		}
	}
	return b.String()
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}
