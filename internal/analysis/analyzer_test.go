package analysis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revspec/internal/extractor"
)

func analyze(t *testing.T, dialect extractor.Dialect, src string) []Fact {
	t.Helper()
	tree, err := extractor.DefaultRegistry().Parse(context.Background(), extractor.NewSourceUnit("test", dialect, []byte(src)))
	require.NoError(t, err)
	return NewAnalyzer().Analyze(tree.Root)
}

func kinds(facts []Fact) []FactKind {
	out := make([]FactKind, 0, len(facts))
	for _, f := range facts {
		out = append(out, f.Kind)
	}
	return out
}

func TestAnalyze_GuardThenUpdate(t *testing.T) {
	facts := analyze(t, extractor.DialectPLpgSQL, `DO $$
BEGIN
  IF status != 'lead' THEN
    RAISE EXCEPTION 'not a lead';
  END IF;
  UPDATE leads SET status = 'qualified' WHERE id = p_id;
END $$;`)

	require.Equal(t, []FactKind{FactValidation, FactMutation}, kinds(facts))

	v := facts[0]
	assert.Equal(t, "status != 'lead'", v.Get("condition"))
	assert.Equal(t, "not a lead", v.Get("message"))
	assert.Equal(t, "lead", v.Get("literal"))
	assert.Equal(t, []string{"status"}, v.Identifiers)
	assert.Equal(t, 1.0, v.Confidence)
	assert.Equal(t, "do_block", v.Function)

	m := facts[1]
	assert.Equal(t, "update", m.Get("operation"))
	assert.Equal(t, []string{"leads"}, m.Tables)
	assert.Equal(t, "'qualified'", m.Get("set.status"))
	assert.Equal(t, 1, m.ID)
	assert.Equal(t, -1, m.Parent)
}

func TestAnalyze_DynamicSQLIsOpaque(t *testing.T) {
	facts := analyze(t, extractor.DialectPLpgSQL, `DO $$
BEGIN
  EXECUTE format('SELECT * FROM %I', v_table);
END $$;`)

	require.Len(t, facts, 1)
	assert.Equal(t, FactRawOpaque, facts[0].Kind)
	assert.Equal(t, "dynamic_sql", facts[0].Get("reason"))
	assert.Contains(t, facts[0].Identifiers, "v_table")
}

func TestAnalyze_ControlFlowNesting(t *testing.T) {
	facts := analyze(t, extractor.DialectPLpgSQL, `CREATE FUNCTION close_all(p_owner uuid) RETURNS integer LANGUAGE plpgsql AS $$
DECLARE
  v_count integer := 0;
  r record;
BEGIN
  FOR r IN SELECT id FROM tickets WHERE owner = p_owner LOOP
    IF r.id IS NULL THEN
      CONTINUE;
    ELSE
      DELETE FROM tickets WHERE id = r.id;
      v_count := v_count + 1;
    END IF;
  END LOOP;
  RETURN v_count;
END;
$$;`)

	require.Equal(t, []FactKind{
		FactParameter, FactDeclaration, FactDeclaration,
		FactControlFlow, FactControlFlow, FactControlFlow,
		FactMutation, FactAssignment, FactReturn,
	}, kinds(facts))

	loop := facts[3]
	assert.Equal(t, "loop", loop.Get("construct"))
	assert.Equal(t, "true", loop.Get("query_loop"))
	assert.Equal(t, []string{"tickets"}, loop.Tables)

	cond := facts[4]
	assert.Equal(t, "if", cond.Get("construct"))
	assert.Equal(t, loop.ID, cond.Parent)
	assert.Equal(t, 1, cond.Depth)

	exit := facts[5]
	assert.Equal(t, "exit", exit.Get("construct"))
	assert.Equal(t, cond.ID, exit.Parent)

	del := facts[6]
	assert.Equal(t, "delete", del.Get("operation"))
	assert.Equal(t, 2, del.Depth)

	assign := facts[7]
	assert.Equal(t, "v_count", assign.Get("target"))
	assert.Equal(t, "close_all", assign.Function)
	assert.Equal(t, FactReturn, facts[8].Kind)
	assert.Equal(t, 0, facts[8].Depth)
}

func TestAnalyze_Schema(t *testing.T) {
	facts := analyze(t, extractor.DialectPLpgSQL, `CREATE TABLE leads (
  pk_lead bigint PRIMARY KEY,
  id uuid NOT NULL UNIQUE,
  status text DEFAULT 'new',
  created_at timestamptz
);`)

	require.Len(t, facts, 1)
	s := facts[0]
	assert.Equal(t, FactSchema, s.Kind)
	assert.Equal(t, []string{"leads"}, s.Tables)
	assert.Equal(t, []string{"pk_lead", "id", "status", "created_at"}, s.Columns)
	assert.Equal(t, "uuid", s.Get("type:id"))
}

func TestAnalyze_RouteScope(t *testing.T) {
	facts := analyze(t, extractor.DialectPython, `
@app.post("/leads/<lead_id>/qualify")
def qualify(lead_id, db):
    db.execute("UPDATE leads SET status = 'qualified' WHERE id = %s", lead_id)
`)

	require.NotEmpty(t, facts)
	last := facts[len(facts)-1]
	assert.Equal(t, FactMutation, last.Kind)
	assert.Equal(t, "POST /leads/<lead_id>/qualify", last.Route)
	assert.Equal(t, "qualify", last.Function)
}

func TestAnalyze_Deterministic(t *testing.T) {
	src := `DO $$ BEGIN PERFORM notify('x'); RAISE NOTICE 'done'; END $$;`
	first := analyze(t, extractor.DialectPLpgSQL, src)
	second := analyze(t, extractor.DialectPLpgSQL, src)
	assert.Equal(t, first, second)
	assert.Equal(t, []FactKind{FactCall, FactRaise}, kinds(first))
	assert.Equal(t, "notice", first[1].Get("level"))
}

func TestAnalyze_UnknownKind(t *testing.T) {
	root := &extractor.Node{Kind: extractor.KindUnit, Children: []*extractor.Node{{Kind: "mystery", Text: "???"}}}
	facts := NewAnalyzer().Analyze(root)
	require.Len(t, facts, 1)
	assert.Equal(t, FactRawOpaque, facts[0].Kind)
	assert.Equal(t, "unknown_kind", facts[0].Get("reason"))
}

func TestIdentifiers(t *testing.T) {
	assert.Equal(t, []string{"v_status", "lead.kind"}, Identifiers(`v_status <> 'x' AND lead.kind IS NOT NULL AND lower(v_status) = "y"`))
	assert.Equal(t, "status", BaseName("v_status"))
	assert.Equal(t, "status", BaseName("lead.status"))
	assert.Equal(t, "id", BaseName("id"))
}
