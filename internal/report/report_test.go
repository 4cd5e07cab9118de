package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revspec/internal/analysis"
	"revspec/internal/extractor"
	"revspec/internal/heuristic"
)

func sampleTree() *extractor.Tree {
	return &extractor.Tree{
		Unit:     extractor.SourceUnit{Path: "leads.sql", Dialect: extractor.DialectPLpgSQL},
		Warnings: []extractor.Warning{{Code: extractor.WarnPartialParse, Message: "unrecognized statement"}},
	}
}

func sampleFacts() []analysis.Fact {
	return []analysis.Fact{
		{ID: 0, Kind: analysis.FactSchema, Tables: []string{"leads"}, Columns: []string{"pk_lead", "id", "status"},
			Detail: map[string]string{"type:id": "uuid", "default:status": "'lead'", "primary_key": "pk_lead"}},
		{ID: 1, Kind: analysis.FactParameter, Function: "qualify_lead", Route: "POST /leads/qualify", Detail: map[string]string{}},
		{ID: 2, Kind: analysis.FactDeclaration, Function: "qualify_lead", Detail: map[string]string{"name": "v_count"}},
		{ID: 3, Kind: analysis.FactValidation, Function: "qualify_lead", Detail: map[string]string{}},
		{ID: 4, Kind: analysis.FactMutation, Function: "qualify_lead", Detail: map[string]string{}},
		{ID: 5, Kind: analysis.FactRawOpaque, Function: "qualify_lead", Detail: map[string]string{"reason": "partial_parse", "error": "bad token"}},
	}
}

func sampleAnnotations() []heuristic.Annotation {
	return []heuristic.Annotation{
		{Idiom: "entity", Category: heuristic.CategoryEntity, Facts: []int{0}, Confidence: 0.95, Origin: heuristic.OriginHeuristic},
		{Idiom: "trinity-identifiers", Category: heuristic.CategoryEntity, Facts: []int{0}, Confidence: 0.895, Origin: heuristic.OriginHeuristic},
		{Idiom: "input-field", Category: heuristic.CategoryField, Facts: []int{1}, Confidence: 0.93, Origin: heuristic.OriginHeuristic,
			Params: map[string]string{"name": "p_id", "type": "uuid"}},
		{Idiom: "local-variable", Category: heuristic.CategoryField, Facts: []int{2}, Confidence: 0.91, Origin: heuristic.OriginHeuristic},
		{Idiom: "validate-then-update", Category: heuristic.CategoryValidation, Facts: []int{3, 4}, Confidence: 0.7, NeedsReview: true, Origin: heuristic.OriginHeuristic},
		{Idiom: heuristic.IdiomRawOpaque, Category: heuristic.CategoryObserved, Facts: []int{5}, Confidence: 1, NeedsReview: true, Origin: heuristic.OriginObserved,
			Params: map[string]string{"fact_kind": "raw_opaque", "reason": "partial_parse"}},
		{Idiom: "qualify-lead", Facts: []int{3, 4}, Confidence: 0.6, NeedsReview: true, Origin: heuristic.OriginAI},
	}
}

func TestBuild(t *testing.T) {
	r := Build(sampleTree(), sampleFacts(), sampleAnnotations(), []string{"ai: timed out"})

	assert.Equal(t, "leads.sql", r.Path)
	assert.True(t, r.Covered())
	assert.Equal(t, []string{"ai: timed out", "partial_parse: unrecognized statement"}, r.Warnings)

	require.Len(t, r.Entities, 1)
	e := r.Entities[0]
	assert.Equal(t, "leads", e.Name)
	assert.Equal(t, "pk_lead", e.PrimaryKey)
	assert.Equal(t, []string{"trinity-identifiers"}, e.Traits)
	assert.Equal(t, Field{Name: "id", Type: "uuid"}, e.Fields[1])
	assert.Equal(t, "'lead'", e.Fields[2].Default)

	require.Len(t, r.Actions, 1)
	a := r.Actions[0]
	assert.Equal(t, "qualify_lead", a.Name)
	assert.Equal(t, "POST /leads/qualify", a.Route)
	assert.Equal(t, []Field{{Name: "p_id", Type: "uuid"}}, a.Inputs)
	steps := make([]string, 0, len(a.Steps))
	for _, s := range a.Steps {
		steps = append(steps, s.Idiom)
	}
	assert.Equal(t, []string{"validate-then-update", heuristic.IdiomRawOpaque, "qualify-lead"}, steps)

	assert.Equal(t, 7, r.Summary.Annotations)
	assert.Equal(t, 0.6, r.Summary.Min)
	assert.Equal(t, 1.0, r.Summary.Max)
	assert.Equal(t, 3, r.Summary.NeedsReview)

	kinds := make([]ReviewFlag, 0, len(r.Flags))
	for _, f := range r.Flags {
		kinds = append(kinds, f.Kind)
	}
	assert.Equal(t, []ReviewFlag{FlagPartialParse, FlagLowConfidence, FlagRawOpaque, FlagAISuggestion}, kinds)
	assert.Equal(t, "bad token", r.Flags[0].Detail)
}

func TestCovered_DetectsDroppedFact(t *testing.T) {
	anns := sampleAnnotations()[:3]
	r := Build(sampleTree(), sampleFacts(), anns, nil)
	assert.False(t, r.Covered())
}

func TestBatchStatus(t *testing.T) {
	ok := Entry{Path: "a", Result: &AnalysisResult{Path: "a"}}
	bad := Entry{Path: "b", Error: &FileError{Kind: KindParseError, Message: "unterminated string"}}
	skipped := Entry{Path: "c", Error: &FileError{Kind: KindSkipped}}

	cases := []struct {
		name    string
		entries []Entry
		want    string
		code    int
	}{
		{"empty", nil, "AllSucceeded", 0},
		{"all ok", []Entry{ok, ok}, "AllSucceeded", 0},
		{"partial", []Entry{ok, bad}, "PartialSuccess(1)", 1},
		{"partial with skips", []Entry{ok, bad, skipped}, "PartialSuccess(1, 1 skipped)", 1},
		{"only skips", []Entry{ok, skipped, skipped}, "PartialSuccess(0, 2 skipped)", 1},
		{"none ok", []Entry{bad, skipped}, "TotalFailure", 2},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b := &BatchReport{Entries: c.entries}
			assert.Equal(t, c.want, b.Status().String())
			assert.Equal(t, c.code, b.Status().ExitCode())
		})
	}

	b := &BatchReport{Entries: []Entry{ok, bad, skipped, bad}}
	assert.Equal(t, map[ErrorKind]int{KindParseError: 2, KindSkipped: 1}, b.CountByKind())
	assert.Len(t, b.Results(), 1)
	assert.Equal(t, Status{Kind: PartialSuccess, Failed: 2, Skipped: 1}, b.Status())
	assert.Len(t, b.Failures(), 2)
	assert.True(t, skipped.Skipped())
	assert.False(t, skipped.Failed())
}
