package patterns

import (
	"context"
	"sort"
)

// Snapshot is an immutable view of the repository taken once per run, so heuristic
// scoring stays reproducible while other workers keep upserting.
type Snapshot struct {
	patterns []Pattern
}

func NewSnapshot(ps []Pattern) *Snapshot {
	cp := append([]Pattern(nil), ps...)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Fingerprint < cp[j].Fingerprint })
	return &Snapshot{patterns: cp}
}

// TakeSnapshot lists the repository into a Snapshot.
func TakeSnapshot(ctx context.Context, repo Repository) (*Snapshot, error) {
	ps, err := repo.List(ctx)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(ps), nil
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.patterns)
}

// BestMatch returns the structurally closest pattern in the category, or any category when empty.
func (s *Snapshot) BestMatch(template, category string) (Scored, bool) {
	if s == nil {
		return Scored{}, false
	}
	var best Scored
	found := false
	for _, p := range s.patterns {
		if category != "" && p.Category != category {
			continue
		}
		sim := StructuralSimilarity(template, p.Template)
		if !found || sim > best.Similarity {
			best, found = Scored{Pattern: p, Similarity: sim}, true
		}
	}
	return best, found
}
