package report

import (
	"sort"
	"strings"

	"revspec/internal/analysis"
	"revspec/internal/extractor"
	"revspec/internal/heuristic"
)

// ReviewFlag names a reason a human should look at part of a result.
type ReviewFlag string

const (
	FlagPartialParse  ReviewFlag = "partial_parse"
	FlagLowConfidence ReviewFlag = "low_confidence"
	FlagRawOpaque     ReviewFlag = "raw_opaque"
	FlagAISuggestion  ReviewFlag = "ai_suggestion"
)

type Flag struct {
	Kind   ReviewFlag `json:"kind" yaml:"kind"`
	Facts  []int      `json:"facts,omitempty" yaml:"facts,omitempty,flow"`
	Detail string     `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Field is a candidate specification field: an action input or an entity column.
type Field struct {
	Name    string `json:"name" yaml:"name"`
	Type    string `json:"type,omitempty" yaml:"type,omitempty"`
	Default string `json:"default,omitempty" yaml:"default,omitempty"`
	Purpose string `json:"purpose,omitempty" yaml:"purpose,omitempty"`
}

// Action groups the annotations of one function (or route handler) in source order.
type Action struct {
	Name   string                 `json:"name" yaml:"name"`
	Route  string                 `json:"route,omitempty" yaml:"route,omitempty"`
	Inputs []Field                `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Steps  []heuristic.Annotation `json:"steps" yaml:"steps"`
}

type Entity struct {
	Name       string   `json:"name" yaml:"name"`
	PrimaryKey string   `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`
	Fields     []Field  `json:"fields" yaml:"fields"`
	Traits     []string `json:"traits,omitempty" yaml:"traits,omitempty,flow"`
}

type ConfidenceSummary struct {
	Min         float64 `json:"min" yaml:"min"`
	Mean        float64 `json:"mean" yaml:"mean"`
	Max         float64 `json:"max" yaml:"max"`
	Annotations int     `json:"annotations" yaml:"annotations"`
	NeedsReview int     `json:"needs_review" yaml:"needs_review"`
}

// AnalysisResult is the per-file output handed to emitters.
type AnalysisResult struct {
	Path        string                 `json:"path" yaml:"path"`
	Dialect     extractor.Dialect      `json:"dialect" yaml:"dialect"`
	Facts       []analysis.Fact        `json:"facts" yaml:"-"`
	Annotations []heuristic.Annotation `json:"annotations" yaml:"-"`
	Entities    []Entity               `json:"entities,omitempty" yaml:"entities,omitempty"`
	Actions     []Action               `json:"actions,omitempty" yaml:"actions,omitempty"`
	Summary     ConfidenceSummary      `json:"summary" yaml:"summary"`
	Flags       []Flag                 `json:"review_flags,omitempty" yaml:"review_flags,omitempty"`
	Warnings    []string               `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Build assembles the result for one file. Annotations are expected in the enhancer's order.
func Build(tree *extractor.Tree, facts []analysis.Fact, anns []heuristic.Annotation, warnings []string) *AnalysisResult {
	r := &AnalysisResult{
		Path:        tree.Unit.Path,
		Dialect:     tree.Unit.Dialect,
		Facts:       facts,
		Annotations: anns,
		Warnings:    warnings,
	}
	for _, w := range tree.Warnings {
		r.Warnings = append(r.Warnings, w.Code+": "+w.Message)
	}
	r.Entities = entities(facts, anns)
	r.Actions = actions(facts, anns)
	r.Summary = summarize(anns)
	r.Flags = flags(facts, anns)
	return r
}

// Covered reports whether every fact is referenced by at least one annotation.
func (r *AnalysisResult) Covered() bool {
	seen := make(map[int]bool, len(r.Facts))
	for _, a := range r.Annotations {
		for _, id := range a.Facts {
			seen[id] = true
		}
	}
	for _, f := range r.Facts {
		if !seen[f.ID] {
			return false
		}
	}
	return true
}

func entities(facts []analysis.Fact, anns []heuristic.Annotation) []Entity {
	traits := map[int][]string{}
	for _, a := range anns {
		if a.Category != heuristic.CategoryEntity || a.Idiom == "entity" || len(a.Facts) == 0 {
			continue
		}
		traits[a.Facts[0]] = append(traits[a.Facts[0]], a.Idiom)
	}

	var out []Entity
	for _, f := range facts {
		if f.Kind != analysis.FactSchema || len(f.Tables) == 0 {
			continue
		}
		e := Entity{Name: f.Tables[0], PrimaryKey: f.Get("primary_key"), Traits: traits[f.ID]}
		for _, c := range f.Columns {
			e.Fields = append(e.Fields, Field{Name: c, Type: f.Get("type:" + c), Default: f.Get("default:" + c)})
		}
		sort.Strings(e.Traits)
		out = append(out, e)
	}
	return out
}

func actions(facts []analysis.Fact, anns []heuristic.Annotation) []Action {
	index := map[string]int{}
	var out []Action
	get := func(fn string) *Action {
		i, ok := index[fn]
		if !ok {
			i = len(out)
			index[fn] = i
			out = append(out, Action{Name: fn})
		}
		return &out[i]
	}

	for _, a := range anns {
		id := a.First()
		if id < 0 || id >= len(facts) {
			continue
		}
		f := facts[id]
		if f.Kind == analysis.FactSchema {
			continue
		}
		fn := f.Function
		if fn == "" {
			fn = "main"
		}
		act := get(fn)
		if act.Route == "" {
			act.Route = f.Route
		}
		if f.Kind == analysis.FactParameter && a.Origin == heuristic.OriginHeuristic {
			if a.Idiom == "input-field" {
				act.Inputs = append(act.Inputs, Field{
					Name:    a.Params["name"],
					Type:    a.Params["type"],
					Default: a.Params["default"],
				})
			}
			continue
		}
		if a.Category == heuristic.CategoryField && f.Kind == analysis.FactDeclaration {
			continue
		}
		act.Steps = append(act.Steps, a)
	}
	return out
}

func summarize(anns []heuristic.Annotation) ConfidenceSummary {
	var s ConfidenceSummary
	if len(anns) == 0 {
		return s
	}
	s.Min, s.Max = 1, 0
	var sum float64
	for _, a := range anns {
		if a.Confidence < s.Min {
			s.Min = a.Confidence
		}
		if a.Confidence > s.Max {
			s.Max = a.Confidence
		}
		sum += a.Confidence
		if a.NeedsReview {
			s.NeedsReview++
		}
	}
	s.Annotations = len(anns)
	s.Mean = sum / float64(len(anns))
	return s
}

func flags(facts []analysis.Fact, anns []heuristic.Annotation) []Flag {
	var out []Flag
	for _, f := range facts {
		if f.Get("reason") == "partial_parse" {
			out = append(out, Flag{Kind: FlagPartialParse, Facts: []int{f.ID}, Detail: f.Get("error")})
		}
	}
	for _, a := range anns {
		switch {
		case a.Origin == heuristic.OriginAI:
			out = append(out, Flag{Kind: FlagAISuggestion, Facts: a.Facts, Detail: a.Idiom})
		case a.Idiom == heuristic.IdiomRawOpaque:
			out = append(out, Flag{Kind: FlagRawOpaque, Facts: a.Facts, Detail: strings.TrimSpace(a.Params["fact_kind"] + " " + a.Params["reason"])})
		case a.NeedsReview:
			out = append(out, Flag{Kind: FlagLowConfidence, Facts: a.Facts, Detail: a.Idiom})
		}
	}
	return out
}
