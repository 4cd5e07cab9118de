package ai

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revspec/internal/analysis"
	"revspec/internal/heuristic"
	"revspec/internal/patterns"
)

type fakeTransport struct {
	mu      sync.Mutex
	reply   string
	err     error
	block   bool
	prompts []string
}

func (f *fakeTransport) Complete(ctx context.Context, prompt string, _ time.Duration) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.reply, f.err
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (fakeEmbedder) Dimension() int { return 2 }

type fakeSearch struct{ hits []patterns.Scored }

func (f fakeSearch) SearchSemantic(context.Context, []float32, int, float64) ([]patterns.Scored, error) {
	return f.hits, nil
}

func lowConfidence() ([]analysis.Fact, []heuristic.Annotation) {
	facts := []analysis.Fact{
		{ID: 0, Kind: analysis.FactControlFlow, Function: "sync_accounts", Text: "FOR r IN EXECUTE q LOOP", Confidence: 1,
			Detail: map[string]string{"construct": "loop", "dynamic": "true"}},
		{ID: 1, Kind: analysis.FactReturn, Function: "sync_accounts", Text: "RETURN v_count", Confidence: 1,
			Detail: map[string]string{"value": "v_count"}},
	}
	anns := []heuristic.Annotation{
		{Idiom: "dynamic-loop", Category: heuristic.CategoryControlFlow, Facts: []int{0}, Function: "sync_accounts",
			Confidence: 0.6, NeedsReview: true, Origin: heuristic.OriginHeuristic, Evidence: []string{"control-flow"}},
		{Idiom: "return-value", Category: heuristic.CategoryQuery, Facts: []int{1}, Function: "sync_accounts",
			Confidence: 0.9, Origin: heuristic.OriginHeuristic},
	}
	return facts, anns
}

func newEnhancer(t *testing.T, tr *fakeTransport, search Searcher, opts Options) *Enhancer {
	t.Helper()
	opts.RequestsPerMinute = 0
	e, err := NewEnhancer(tr, fakeEmbedder{}, search, opts, nil)
	require.NoError(t, err)
	return e
}

func TestEnhance_MergesDiscountedSuggestion(t *testing.T) {
	tr := &fakeTransport{reply: `{"idiom":"batch-sync","shape":"foreach over dynamic query","confidence":0.95,"rationale":"iterates accounts","params":{"entity":"accounts"}}`}
	search := fakeSearch{hits: []patterns.Scored{{Pattern: patterns.Pattern{Name: "iterate_query", Category: "control_flow",
		Template: "pattern: iterate-query\nsteps:\n  - foreach: $record\n"}, Similarity: 0.8}}}
	e := newEnhancer(t, tr, search, DefaultOptions())

	facts, anns := lowConfidence()
	out, errs := e.Enhance(context.Background(), "sync.sql", facts, anns)
	require.Empty(t, errs)
	require.Len(t, out, 3)
	assert.Equal(t, anns, out[:2])

	s := out[2]
	assert.Equal(t, "batch-sync", s.Idiom)
	assert.Equal(t, 0.75, s.Confidence)
	assert.True(t, s.NeedsReview)
	assert.Equal(t, heuristic.OriginAI, s.Origin)
	assert.Equal(t, []int{0}, s.Facts)
	assert.Equal(t, heuristic.CategoryControlFlow, s.Category)
	assert.Equal(t, "accounts", s.Params["entity"])
	assert.Equal(t, []string{"ai:refines:dynamic-loop", "pattern:iterate_query"}, s.Evidence)

	require.Equal(t, 1, tr.calls())
	assert.Contains(t, tr.prompts[0], "FOR r IN EXECUTE q LOOP")
	assert.Contains(t, tr.prompts[0], "iterate_query [control_flow] similarity=0.80")
	assert.Contains(t, tr.prompts[0], "Current interpretation: dynamic-loop")
}

func TestEnhance_KeepsLowerSuggestedConfidence(t *testing.T) {
	tr := &fakeTransport{reply: `{"idiom":"batch-sync","confidence":0.4}`}
	e := newEnhancer(t, tr, nil, DefaultOptions())

	facts, anns := lowConfidence()
	out, errs := e.Enhance(context.Background(), "sync.sql", facts, anns)
	require.Empty(t, errs)
	require.Len(t, out, 3)
	assert.Equal(t, 0.4, out[2].Confidence)
}

func TestEnhance_FailuresLeaveInputUnchanged(t *testing.T) {
	cases := []struct {
		name string
		tr   *fakeTransport
		want error
	}{
		{"transport", &fakeTransport{err: errors.New("connection refused")}, ErrTransport},
		{"not json", &fakeTransport{reply: "I think this is a loop"}, ErrMalformedResponse},
		{"schema", &fakeTransport{reply: `{"idiom":"x","confidence":3}`}, ErrMalformedResponse},
		{"missing idiom", &fakeTransport{reply: `{"confidence":0.5}`}, ErrMalformedResponse},
		{"timeout", &fakeTransport{block: true}, ErrTimeout},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.Timeout = 20 * time.Millisecond
			e := newEnhancer(t, c.tr, nil, opts)

			facts, anns := lowConfidence()
			out, errs := e.Enhance(context.Background(), "sync.sql", facts, anns)
			assert.Equal(t, anns, out)
			require.Len(t, errs, 1)
			assert.ErrorIs(t, errs[0], c.want)
		})
	}
}

func TestEnhance_SkipsConfidentAndObserved(t *testing.T) {
	tr := &fakeTransport{reply: `{"idiom":"x","confidence":0.5}`}
	e := newEnhancer(t, tr, nil, DefaultOptions())

	anns := []heuristic.Annotation{
		{Idiom: "guard", Facts: []int{0}, Confidence: 0.88, Origin: heuristic.OriginHeuristic},
		{Idiom: heuristic.IdiomRawOpaque, Facts: []int{1}, Confidence: 1, NeedsReview: true, Origin: heuristic.OriginObserved},
	}
	out, errs := e.Enhance(context.Background(), "a.sql", nil, anns)
	assert.Empty(t, errs)
	assert.Equal(t, anns, out)
	assert.Equal(t, 0, tr.calls())
}

func TestEnhance_RateLimitHonoursCancellation(t *testing.T) {
	tr := &fakeTransport{reply: `{"idiom":"x","confidence":0.5}`}
	opts := DefaultOptions()
	opts.RequestsPerMinute = 1
	e, err := NewEnhancer(tr, nil, nil, opts, nil)
	require.NoError(t, err)

	facts, anns := lowConfidence()
	anns[1].Confidence = 0.5

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out, errs := e.Enhance(ctx, "sync.sql", facts, anns)
	// the first call consumes the burst, the second cannot get a token before the deadline
	assert.Len(t, out, 3)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrTimeout)
	assert.Equal(t, 1, tr.calls())
}

func TestNewEnhancer_RequiresTransport(t *testing.T) {
	_, err := NewEnhancer(nil, nil, nil, DefaultOptions(), nil)
	assert.Error(t, err)
}

func TestOneLine_CutsOnRuneBoundary(t *testing.T) {
	// "é" is two bytes; a cut at byte 3 would land inside the second one
	s := "aéé  tail"
	got := oneLine(s, 3)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "aé...", got)

	assert.Equal(t, "aé é", oneLine("aé\n\té", 10))
	assert.True(t, utf8.ValidString(oneLine("顧客の残高を確認する", 7)))
}
