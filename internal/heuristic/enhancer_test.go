package heuristic

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revspec/internal/analysis"
	"revspec/internal/extractor"
	"revspec/internal/patterns"
)

func fact(id int, kind analysis.FactKind, fn string, detail map[string]string) analysis.Fact {
	if detail == nil {
		detail = map[string]string{}
	}
	return analysis.Fact{ID: id, Kind: kind, Function: fn, Detail: detail, Confidence: 1, Parent: -1}
}

func guardThenUpdate() []analysis.Fact {
	v := fact(0, analysis.FactValidation, "do_block", map[string]string{
		"condition": "status != 'lead'", "message": "not a lead", "literal": "lead",
	})
	v.Identifiers = []string{"status"}
	m := fact(1, analysis.FactMutation, "do_block", map[string]string{
		"operation": "update", "set.status": "'qualified'", "where": "id = p_id",
	})
	m.Tables = []string{"leads"}
	m.Columns = []string{"status", "id"}
	m.Identifiers = []string{"id", "p_id"}
	return []analysis.Fact{v, m}
}

func idioms(anns []Annotation) []string {
	out := make([]string, 0, len(anns))
	for _, a := range anns {
		out = append(out, a.Idiom)
	}
	return out
}

func TestEnhance_ValidateThenUpdate(t *testing.T) {
	out := NewEnhancer(DefaultConfig(), nil).Enhance(guardThenUpdate(), nil)

	require.Len(t, out.Annotations, 1)
	a := out.Annotations[0]
	assert.Equal(t, "validate-then-update", a.Idiom)
	assert.Equal(t, []int{0, 1}, a.Facts)
	assert.InDelta(t, 0.925, a.Confidence, 1e-9)
	assert.False(t, a.NeedsReview)
	assert.Equal(t, OriginHeuristic, a.Origin)
	assert.Equal(t, "status", a.Params["field"])
	assert.Equal(t, "lead", a.Params["from"])
	assert.Equal(t, "qualified", a.Params["to"])
	assert.Equal(t, []string{"validate-then-mutate", "validate-then-mutate:adjacent", "validate-then-mutate:state-transition"}, a.Evidence)

	require.Len(t, out.Candidates, 1)
	c := out.Candidates[0]
	assert.Equal(t, "validate_then_update", c.Name)
	assert.Equal(t, CategoryValidation, c.Category)
	assert.Equal(t, patterns.SourceDiscovered, c.SourceType)
	assert.Contains(t, c.Description, "on leads")
	assert.Contains(t, c.Description, "not a lead")
}

func TestEnhance_ParsedGuardThenUpdate(t *testing.T) {
	tree, err := extractor.DefaultRegistry().Parse(context.Background(), extractor.NewSourceUnit("lead.sql", extractor.DialectPLpgSQL, []byte(`DO $$
BEGIN
  IF status != 'lead' THEN
    RAISE EXCEPTION 'not a lead';
  END IF;
  UPDATE leads SET status = 'qualified' WHERE id = p_id;
END $$;`)))
	require.NoError(t, err)
	facts := analysis.NewAnalyzer().Analyze(tree.Root)

	out := NewEnhancer(DefaultConfig(), nil).Enhance(facts, nil)
	require.Equal(t, []string{"validate-then-update"}, idioms(out.Annotations))
	assert.InDelta(t, 0.925, out.Annotations[0].Confidence, 1e-9)
}

func TestEnhance_DynamicSQLStaysVisible(t *testing.T) {
	p := fact(0, analysis.FactParameter, "run_report", map[string]string{"type": "text"})
	p.Identifiers = []string{"p_table"}
	d := fact(1, analysis.FactRawOpaque, "run_report", map[string]string{"reason": "dynamic_sql"})

	out := NewEnhancer(DefaultConfig(), nil).Enhance([]analysis.Fact{p, d}, nil)
	require.Equal(t, []string{"input-field", IdiomRawOpaque}, idioms(out.Annotations))

	in := out.Annotations[0]
	assert.InDelta(t, 0.93, in.Confidence, 1e-9)
	assert.False(t, in.NeedsReview)
	assert.Equal(t, "p_table", in.Params["name"])

	raw := out.Annotations[1]
	assert.Equal(t, []int{1}, raw.Facts)
	assert.Equal(t, 1.0, raw.Confidence)
	assert.True(t, raw.NeedsReview)
	assert.Equal(t, OriginObserved, raw.Origin)
	assert.Equal(t, CategoryObserved, raw.Category)
	assert.Equal(t, "dynamic_sql", raw.Params["reason"])
	assert.Empty(t, out.Candidates)
}

func TestEnhance_EveryFactIsCovered(t *testing.T) {
	facts := []analysis.Fact{
		fact(0, analysis.FactDeclaration, "f", map[string]string{"name": "v_count", "type": "integer"}),
		fact(1, analysis.FactControlFlow, "f", map[string]string{"construct": "mystery"}),
		fact(2, analysis.FactRawOpaque, "f", map[string]string{"reason": "unknown_kind"}),
		fact(3, analysis.FactReturn, "f", map[string]string{"value": "v_count"}),
	}
	out := NewEnhancer(DefaultConfig(), nil).Enhance(facts, nil)

	covered := map[int]bool{}
	for _, a := range out.Annotations {
		assert.GreaterOrEqual(t, a.Confidence, 0.0)
		assert.LessOrEqual(t, a.Confidence, 1.0)
		if a.Origin == OriginHeuristic {
			assert.LessOrEqual(t, a.Confidence, DefaultConfig().Cap)
			assert.Equal(t, a.Confidence < DefaultConfig().LowConfidence, a.NeedsReview)
		}
		for _, id := range a.Facts {
			covered[id] = true
		}
	}
	for _, f := range facts {
		assert.True(t, covered[f.ID], "fact %d has no annotation", f.ID)
	}
	assert.Equal(t, []string{"local-variable", IdiomRawOpaque, IdiomRawOpaque, "return-value"}, idioms(out.Annotations))
	assert.Equal(t, "count", out.Annotations[0].Params["purpose"])
}

func TestEnhance_Deterministic(t *testing.T) {
	e := NewEnhancer(DefaultConfig(), nil)
	facts := append(guardThenUpdate(), schemaFact(2))
	snap := primitivesSnapshot()

	first := e.Enhance(facts, snap)
	for i := 0; i < 5; i++ {
		if diff := cmp.Diff(first, e.Enhance(facts, snap)); diff != "" {
			t.Fatalf("run %d differs (-first +again):\n%s", i, diff)
		}
	}
}

func TestEnhance_FamilyTieBreak(t *testing.T) {
	wide := ruleFunc{"wide", func(name string, facts []analysis.Fact) []Evidence {
		return []Evidence{{Rule: name, Idiom: "wide", Family: "x", Facts: []int{0, 1}, Contribution: 0.9}}
	}}
	narrowB := ruleFunc{"narrow-b", func(name string, facts []analysis.Fact) []Evidence {
		return []Evidence{{Rule: name, Idiom: "narrow-b", Family: "x", Facts: []int{1}, Contribution: 0.9}}
	}}
	narrowA := ruleFunc{"narrow-a", func(name string, facts []analysis.Fact) []Evidence {
		return []Evidence{{Rule: name, Idiom: "narrow-a", Family: "x", Facts: []int{1}, Contribution: 0.9}}
	}}
	other := ruleFunc{"other", func(name string, facts []analysis.Fact) []Evidence {
		return []Evidence{{Rule: name, Idiom: "other", Family: "y", Facts: []int{0, 1}, Contribution: 0.5}}
	}}
	facts := []analysis.Fact{fact(0, analysis.FactCall, "f", nil), fact(1, analysis.FactCall, "f", nil)}

	out := NewEnhancer(DefaultConfig(), nil, wide, narrowB, narrowA, other).Enhance(facts, nil)
	// fewer facts beats more at equal confidence, then idiom name decides
	assert.Equal(t, []string{"other", "narrow-a"}, idioms(out.Annotations))
	assert.True(t, out.Annotations[0].NeedsReview)
}

func TestEnhance_AggregateCheckBeatsChain(t *testing.T) {
	q := fact(0, analysis.FactAssignment, "debit", map[string]string{"target": "v_total", "aggregates": "sum(amount)"})
	q.Tables = []string{"ledger"}
	v1 := fact(1, analysis.FactValidation, "debit", map[string]string{"condition": "v_total < p_amount", "message": "insufficient funds"})
	v1.Identifiers = []string{"v_total", "p_amount"}
	v2 := fact(2, analysis.FactValidation, "debit", map[string]string{"condition": "p_amount <= 0", "message": "amount must be positive"})
	v2.Identifiers = []string{"p_amount"}

	out := NewEnhancer(DefaultConfig(), nil).Enhance([]analysis.Fact{q, v1, v2}, nil)
	require.Equal(t, []string{"aggregate-check", "aggregate-lookup", "guard", "guard"}, idioms(out.Annotations))
	assert.InDelta(t, 0.846, out.Annotations[0].Confidence, 1e-9)
	assert.True(t, out.Annotations[0].NeedsReview)
	assert.Equal(t, "sum(amount)", out.Annotations[0].Params["aggregate"])
	assert.InDelta(t, 0.88, out.Annotations[2].Confidence, 1e-9)
}

func schemaFact(id int) analysis.Fact {
	f := fact(id, analysis.FactSchema, "", map[string]string{"type:id": "uuid", "primary_key": "pk_lead"})
	f.Tables = []string{"leads"}
	f.Columns = []string{"pk_lead", "id", "identifier", "created_at", "updated_at", "deleted_at", "created_by", "updated_by"}
	f.Identifiers = f.Columns
	return f
}

func primitivesSnapshot() *patterns.Snapshot {
	var ps []patterns.Pattern
	for _, c := range LanguagePrimitives() {
		ps = append(ps, patterns.Pattern{
			Fingerprint: patterns.Fingerprint(c.Template),
			Name:        c.Name,
			Category:    c.Category,
			Template:    c.Template,
			SourceType:  c.SourceType,
		})
	}
	return patterns.NewSnapshot(ps)
}

func TestEnhance_EntityIdioms(t *testing.T) {
	facts := []analysis.Fact{schemaFact(0)}
	e := NewEnhancer(DefaultConfig(), nil)

	plain := e.Enhance(facts, nil)
	require.Equal(t, []string{"audit-fields", "entity", "soft-delete-timestamps", "trinity-identifiers"}, idioms(plain.Annotations))
	assert.InDelta(t, 0.895, plain.Annotations[3].Confidence, 1e-9)
	assert.Len(t, plain.Candidates, 3)
	assert.Equal(t, "audit_fields", plain.Candidates[0].Name)

	boosted := e.Enhance(facts, primitivesSnapshot())
	trinity := boosted.Annotations[3]
	assert.InDelta(t, 0.92125, trinity.Confidence, 1e-9)
	assert.Contains(t, trinity.Evidence, "pattern:trinity_identifiers")
	assert.Equal(t, "trinity_identifiers", trinity.Params["pattern"])
}

func TestEnhance_PatternBoostNeedsThreshold(t *testing.T) {
	e := NewEnhancer(DefaultConfig(), nil)
	base := e.Enhance(guardThenUpdate(), nil).Annotations[0]

	exact := patterns.NewSnapshot([]patterns.Pattern{{
		Fingerprint: patterns.Fingerprint(base.Template), Name: "qualify_lead",
		Category: CategoryValidation, Template: base.Template,
	}})
	boosted := e.Enhance(guardThenUpdate(), exact).Annotations[0]
	assert.InDelta(t, 1-0.075*0.75, boosted.Confidence, 1e-9)
	assert.Equal(t, "qualify_lead", boosted.Params["pattern"])

	// the generic primitive lacks the transition line and stays below the threshold
	loose := e.Enhance(guardThenUpdate(), primitivesSnapshot()).Annotations[0]
	assert.Equal(t, base.Confidence, loose.Confidence)
	assert.NotContains(t, loose.Params, "pattern")
}

func TestEnhance_RouteVerbCorroborates(t *testing.T) {
	m := fact(0, analysis.FactMutation, "create_lead", map[string]string{"operation": "insert"})
	m.Tables = []string{"leads"}
	m.Columns = []string{"name", "email"}
	m.Route = "POST /leads"

	out := NewEnhancer(DefaultConfig(), nil).Enhance([]analysis.Fact{m}, nil)
	require.Len(t, out.Annotations, 1)
	a := out.Annotations[0]
	assert.Equal(t, "crud-insert", a.Idiom)
	assert.InDelta(t, 0.86, a.Confidence, 1e-9)
	assert.Equal(t, "POST /leads", a.Params["route"])
	require.Len(t, out.Candidates, 1)
	assert.Equal(t, "create_lead", out.Candidates[0].Name)
	assert.Contains(t, out.Candidates[0].Template, "fields: [email, name]")
}

func TestCombine(t *testing.T) {
	assert.Equal(t, 0.0, Combine())
	assert.InDelta(t, 0.75, Combine(0.5, 0.5), 1e-9)
	assert.Equal(t, 1.0, Combine(1.5))
	assert.Equal(t, 0.0, Combine(-0.2))
}

func TestPurpose(t *testing.T) {
	cases := []struct{ name, typ, want string }{
		{"v_count", "integer", "count"},
		{"account_id", "", "identifier"},
		{"v_found", "boolean", "flag"},
		{"r", "record", "record"},
		{"v_lead", "leads%ROWTYPE", "record"},
		{"v_ids", "uuid[]", "accumulator"},
		{"v_total", "numeric", "total"},
		{"id", "", "identifier"},
		{"book", "", "value"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Purpose(c.name, c.typ), c.name)
	}
}
