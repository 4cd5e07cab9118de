package heuristic

import (
	"revspec/internal/patterns"
)

// Origin records which stage produced an annotation.
type Origin string

const (
	OriginObserved  Origin = "observed"
	OriginHeuristic Origin = "heuristic"
	OriginAI        Origin = "ai"
)

// IdiomRawOpaque is the idiom of fallback annotations over facts no rule claimed.
const IdiomRawOpaque = "raw-opaque"

// Annotation is a claim about one or more facts, referenced by fact ID.
type Annotation struct {
	Idiom       string            `json:"idiom" yaml:"idiom"`
	Shape       string            `json:"shape,omitempty" yaml:"shape,omitempty"`
	Category    string            `json:"category,omitempty" yaml:"category,omitempty"`
	Family      string            `json:"family,omitempty" yaml:"-"`
	Facts       []int             `json:"facts" yaml:"facts,flow"`
	Function    string            `json:"function,omitempty" yaml:"-"`
	Confidence  float64           `json:"confidence" yaml:"confidence"`
	NeedsReview bool              `json:"needs_manual_review" yaml:"needs_manual_review"`
	Origin      Origin            `json:"origin" yaml:"origin"`
	Evidence    []string          `json:"evidence,omitempty" yaml:"evidence,omitempty,flow"`
	Params      map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	Template    string            `json:"template,omitempty" yaml:"-"`
	Rationale   string            `json:"rationale,omitempty" yaml:"rationale,omitempty"`
}

// First returns the lowest referenced fact ID, or -1.
func (a Annotation) First() int {
	if len(a.Facts) == 0 {
		return -1
	}
	min := a.Facts[0]
	for _, id := range a.Facts[1:] {
		if id < min {
			min = id
		}
	}
	return min
}

// Evidence is a single rule's contribution toward an idiom over a set of facts.
type Evidence struct {
	Rule         string
	Idiom        string
	Shape        string
	Family       string
	Category     string
	Facts        []int
	Contribution float64
	Template     string
	Params       map[string]string
}

// Outcome is everything the enhancer produces for one file.
type Outcome struct {
	Annotations []Annotation
	// Candidates are pattern discoveries waiting for repository upsert.
	Candidates []patterns.Candidate
}

// PatternSource answers structural lookups against a repository snapshot.
type PatternSource interface {
	BestMatch(template, category string) (patterns.Scored, bool)
}
