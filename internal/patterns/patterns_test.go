package patterns

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEmbedder struct {
	mu   sync.Mutex
	fail bool
}

func (s *stubEmbedder) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("embedding service down")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		switch {
		case strings.Contains(t, "balance"):
			out[i] = []float32{0.9, 0.3, 0}
		case strings.Contains(t, "audit"):
			out[i] = []float32{0, 1, 0}
		default:
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

func (s *stubEmbedder) Dimension() int { return 3 }

func openRepo(t *testing.T, driver string, emb *stubEmbedder) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(Options{
		Driver:   driver,
		Path:     filepath.Join(t.TempDir(), "patterns.db"),
		Embedder: emb,
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

var drivers = []string{DriverCGO, DriverPure}

const balanceTemplate = `pattern: aggregate-check
steps:
  - aggregate: sum($column) from $entity
  - validate: $total against $threshold
`

func TestFingerprint_Normalization(t *testing.T) {
	a := "pattern: crud-update\nsteps:\n  - update:   $entity\n"
	b := "PATTERN: crud-update\r\n\nsteps:   \n  - update: $entity"
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.Len(t, Fingerprint(a), 32)

	// indentation is structure
	c := "pattern: crud-update\nsteps:\n- update: $entity\n"
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
}

func TestUpsert_ConcurrentSameFingerprint(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			repo := openRepo(t, driver, &stubEmbedder{})
			ctx := context.Background()

			var wg sync.WaitGroup
			templates := []string{balanceTemplate, strings.ReplaceAll(balanceTemplate, "aggregate: sum", "aggregate:   sum")}
			for _, tmpl := range templates {
				wg.Add(1)
				go func(tmpl string) {
					defer wg.Done()
					_, err := repo.Upsert(ctx, Candidate{Name: "check_customer_balance", Category: "validation", Template: tmpl})
					assert.NoError(t, err)
				}(tmpl)
			}
			wg.Wait()

			all, err := repo.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, int64(2), all[0].UsageCount)
			assert.Equal(t, SourceDiscovered, all[0].SourceType)
			assert.False(t, all[0].EmbeddingPending)
		})
	}
}

func TestUpsert_ReturnsStoredRow(t *testing.T) {
	repo := openRepo(t, DriverPure, &stubEmbedder{})
	ctx := context.Background()

	first, err := repo.Upsert(ctx, Candidate{Name: "first", Category: "validation", Template: balanceTemplate})
	require.NoError(t, err)
	second, err := repo.Upsert(ctx, Candidate{Name: "second", Category: "validation", Template: balanceTemplate})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "first", second.Name)
	assert.Equal(t, int64(1), first.UsageCount)
	assert.Equal(t, int64(2), second.UsageCount)
	assert.False(t, second.UpdatedAt.Before(first.UpdatedAt))

	got, err := repo.GetByFingerprint(ctx, Fingerprint(balanceTemplate))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.UsageCount, got.UsageCount)

	missing, err := repo.GetByFingerprint(ctx, "0000")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpsert_PendingEmbeddingAndBackfill(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			emb := &stubEmbedder{fail: true}
			repo := openRepo(t, driver, emb)
			ctx := context.Background()

			p, err := repo.Upsert(ctx, Candidate{Name: "check_customer_balance", Category: "validation", Template: balanceTemplate})
			require.NoError(t, err)
			assert.True(t, p.EmbeddingPending)

			hits, err := repo.SearchSemantic(ctx, []float32{0.9, 0.3, 0}, 5, 0)
			require.NoError(t, err)
			assert.Empty(t, hits)

			emb.setFail(false)
			n, err := repo.BackfillEmbeddings(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			hits, err = repo.SearchSemantic(ctx, []float32{0.9, 0.3, 0}, 5, 0)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
		})
	}
}

func TestSearchSemantic_RanksAndFilters(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			emb := &stubEmbedder{}
			repo := openRepo(t, driver, emb)
			ctx := context.Background()

			_, err := repo.Upsert(ctx, Candidate{Name: "audit_trail", Category: "side_effect",
				Template: "pattern: audit-trail\nsteps:\n  - insert: $audit_entity\n", Description: "Record a history row"})
			require.NoError(t, err)
			_, err = repo.Upsert(ctx, Candidate{Name: "check_customer_balance", Category: "validation",
				Template: balanceTemplate, Description: "Sum balance and reject when insufficient"})
			require.NoError(t, err)

			q, err := emb.Embed(ctx, []string{"verify sufficient account balance before debit"})
			require.NoError(t, err)
			hits, err := repo.SearchSemantic(ctx, q[0], 5, 0.7)
			require.NoError(t, err)
			require.NotEmpty(t, hits)
			assert.Equal(t, "check_customer_balance", hits[0].Pattern.Name)
			assert.GreaterOrEqual(t, hits[0].Similarity, 0.7)

			all, err := repo.SearchSemantic(ctx, q[0], 5, -1)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.GreaterOrEqual(t, all[0].Similarity, all[1].Similarity)

			disjoint, err := emb.Embed(ctx, []string{"render mermaid diagrams"})
			require.NoError(t, err)
			none, err := repo.SearchSemantic(ctx, disjoint[0], 5, 0.9)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestSeed_DoesNotCountUsage(t *testing.T) {
	repo := openRepo(t, DriverCGO, &stubEmbedder{})
	ctx := context.Background()
	seed := []Candidate{{Name: "check_balance", Category: "validation", Template: balanceTemplate, SourceType: SourceLanguagePrimitive}}

	require.NoError(t, repo.Seed(ctx, seed))
	require.NoError(t, repo.Seed(ctx, seed))

	p, err := repo.GetByFingerprint(ctx, Fingerprint(balanceTemplate))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int64(1), p.UsageCount)
	assert.Equal(t, SourceLanguagePrimitive, p.SourceType)
}

func TestSnapshot_BestMatch(t *testing.T) {
	snap := NewSnapshot([]Pattern{
		{Fingerprint: "b", Name: "balance", Category: "validation", Template: balanceTemplate},
		{Fingerprint: "a", Name: "other", Category: "validation", Template: "pattern: validation-chain\nchecks: 2\n"},
		{Fingerprint: "c", Name: "entity", Category: "entity", Template: balanceTemplate},
	})
	assert.Equal(t, 3, snap.Len())

	m, ok := snap.BestMatch(balanceTemplate, "validation")
	require.True(t, ok)
	assert.Equal(t, "balance", m.Pattern.Name)
	assert.Equal(t, 1.0, m.Similarity)

	_, ok = snap.BestMatch(balanceTemplate, "mutation")
	assert.False(t, ok)

	var nilSnap *Snapshot
	_, ok = nilSnap.BestMatch(balanceTemplate, "")
	assert.False(t, ok)
}

func TestStructuralSimilarity(t *testing.T) {
	a := "pattern: validate-then-update\nsteps:\n  - validate: $condition\n  - update: $entity\n    set: [status]\n"
	b := "pattern: validate-then-update\nsteps:\n  - validate: $condition\n  - update: $entity\n    set: $fields\n"
	sim := StructuralSimilarity(a, b)
	assert.Greater(t, sim, 0.7)
	assert.Less(t, sim, 1.0)
	assert.Equal(t, 0.0, StructuralSimilarity("", b))
}

func TestNewSQLiteRepository_UnknownDriver(t *testing.T) {
	_, err := NewSQLiteRepository(Options{Driver: "postgres", Path: "x"})
	assert.Error(t, err)
}
