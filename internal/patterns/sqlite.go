package patterns

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"revspec/internal/knowledge"
)

const (
	DriverCGO  = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPure = "sqlite"  // modernc.org/sqlite
)

type Options struct {
	Driver   string
	Path     string
	Embedder knowledge.Embedder
	Logger   *zap.Logger
}

// SQLiteRepository stores patterns in a single SQLite table keyed by fingerprint.
type SQLiteRepository struct {
	db       *sql.DB
	driver   string
	embedder knowledge.Embedder
	locks    *keyedMutex
	log      *zap.Logger
	now      func() time.Time
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates or opens a pattern database.
func NewSQLiteRepository(opts Options) (*SQLiteRepository, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverCGO
	}
	if driver != DriverCGO && driver != DriverPure {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	db, err := sql.Open(driver, dsn(driver, opts.Path))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRepositoryUnavailable, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrRepositoryUnavailable, err)
	}

	r := &SQLiteRepository{
		db:       db,
		driver:   driver,
		embedder: opts.Embedder,
		locks:    newKeyedMutex(),
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	log.Debug("pattern repository opened", zap.String("driver", driver), zap.String("path", opts.Path), zap.Bool("sql_cosine", r.sqlCosine()))
	return r, nil
}

func dsn(driver, path string) string {
	if driver == DriverPure {
		return "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
	}
	return path + "?_busy_timeout=10000&_journal_mode=WAL"
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS patterns (
			id TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			category TEXT NOT NULL,
			template TEXT NOT NULL,
			description TEXT,
			embedding BLOB,
			embedding_pending INTEGER NOT NULL DEFAULT 0,
			usage_count INTEGER NOT NULL DEFAULT 1,
			source_type TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_patterns_category ON patterns(category);`,
		`CREATE INDEX IF NOT EXISTS idx_patterns_pending ON patterns(embedding_pending);`,
	}
	for _, q := range queries {
		if _, err := r.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// sqlCosine reports whether vec_distance_cosine is callable from SQL on this connection.
func (r *SQLiteRepository) sqlCosine() bool {
	return r.driver == DriverPure || nativeVec
}

const patternColumns = `id, fingerprint, name, category, template, description, embedding, embedding_pending, usage_count, source_type, created_at, updated_at`

// Upsert computes the fingerprint and either inserts the candidate or bumps usage_count.
// The embedding is computed before taking the fingerprint lock so slow embedders never block other writers.
func (r *SQLiteRepository) Upsert(ctx context.Context, c Candidate) (Pattern, error) {
	return r.upsert(ctx, c, true)
}

// Seed inserts candidates that are missing without touching usage counts of existing rows.
func (r *SQLiteRepository) Seed(ctx context.Context, cs []Candidate) error {
	for _, c := range cs {
		if _, err := r.upsert(ctx, c, false); err != nil {
			return err
		}
	}
	return nil
}

func (r *SQLiteRepository) upsert(ctx context.Context, c Candidate, count bool) (Pattern, error) {
	if strings.TrimSpace(c.Template) == "" {
		return Pattern{}, errors.New("candidate template is empty")
	}
	fp := Fingerprint(c.Template)
	if c.SourceType == "" {
		c.SourceType = SourceDiscovered
	}

	existing, err := r.GetByFingerprint(ctx, fp)
	if err != nil {
		return Pattern{}, err
	}
	var blob any
	pending := 0
	if existing == nil {
		emb, err := r.embed(ctx, embeddingText(c.Name, c.Description, c.Template))
		if err != nil {
			r.log.Warn("pattern embedding failed, storing as pending", zap.String("fingerprint", fp), zap.Error(err))
			pending = 1
		} else {
			blob = encodeVector(emb)
		}
	}

	unlock := r.locks.Lock(fp)
	defer unlock()

	now := r.now().Format(time.RFC3339Nano)
	onConflict := `DO UPDATE SET usage_count = usage_count + 1, updated_at = excluded.updated_at`
	if !count {
		onConflict = `DO NOTHING`
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO patterns (`+patternColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(fingerprint) `+onConflict,
		uuid.NewString(), fp, c.Name, c.Category, c.Template, c.Description, blob, pending, string(c.SourceType), now, now)
	if err != nil {
		return Pattern{}, fmt.Errorf("%w: upsert %s: %v", ErrRepositoryUnavailable, fp, err)
	}

	stored, err := r.GetByFingerprint(ctx, fp)
	if err != nil {
		return Pattern{}, err
	}
	if stored == nil {
		return Pattern{}, fmt.Errorf("%w: pattern %s vanished after upsert", ErrRepositoryUnavailable, fp)
	}
	return *stored, nil
}

func (r *SQLiteRepository) embed(ctx context.Context, text string) ([]float32, error) {
	if r.embedder == nil {
		return nil, errors.New("no embedder configured")
	}
	vecs, err := r.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("embedder returned %d vectors", len(vecs))
	}
	return vecs[0], nil
}

func (r *SQLiteRepository) GetByFingerprint(ctx context.Context, fp string) (*Pattern, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+patternColumns+" FROM patterns WHERE fingerprint = ?", fp)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrRepositoryUnavailable, fp, err)
	}
	return &p, nil
}

// List returns every pattern ordered by fingerprint.
func (r *SQLiteRepository) List(ctx context.Context) ([]Pattern, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+patternColumns+" FROM patterns ORDER BY fingerprint")
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrRepositoryUnavailable, err)
	}
	defer rows.Close()

	var out []Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrRepositoryUnavailable, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrRepositoryUnavailable, err)
	}
	return out, nil
}

// SearchSemantic ranks patterns with a ready embedding by cosine similarity to query.
func (r *SQLiteRepository) SearchSemantic(ctx context.Context, query []float32, k int, minSimilarity float64) ([]Scored, error) {
	if k <= 0 || len(query) == 0 {
		return nil, nil
	}
	var (
		scored []Scored
		err    error
	)
	if r.sqlCosine() {
		scored, err = r.searchSQL(ctx, query, k, minSimilarity)
	} else {
		scored, err = r.searchScan(ctx, query, minSimilarity)
	}
	if err != nil {
		return nil, err
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].Pattern.Fingerprint < scored[j].Pattern.Fingerprint
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (r *SQLiteRepository) searchSQL(ctx context.Context, query []float32, k int, minSimilarity float64) ([]Scored, error) {
	blob := encodeVector(query)
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+patternColumns+`, 1 - vec_distance_cosine(embedding, ?) AS similarity
		FROM patterns
		WHERE embedding_pending = 0 AND embedding IS NOT NULL AND length(embedding) = ?
		ORDER BY similarity DESC, fingerprint ASC
		LIMIT ?`, blob, len(blob), k)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", ErrRepositoryUnavailable, err)
	}
	defer rows.Close()

	var out []Scored
	for rows.Next() {
		var sim float64
		p, err := scanPattern(rows, &sim)
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrRepositoryUnavailable, err)
		}
		if sim >= minSimilarity {
			out = append(out, Scored{Pattern: p, Similarity: sim})
		}
	}
	return out, rows.Err()
}

// searchScan is the in-process fallback when the connection has no vector functions.
func (r *SQLiteRepository) searchScan(ctx context.Context, query []float32, minSimilarity float64) ([]Scored, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+patternColumns+" FROM patterns WHERE embedding_pending = 0 AND embedding IS NOT NULL")
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", ErrRepositoryUnavailable, err)
	}
	defer rows.Close()

	var out []Scored
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrRepositoryUnavailable, err)
		}
		if len(p.Embedding) != len(query) {
			continue
		}
		if sim := CosineSimilarity(query, p.Embedding); sim >= minSimilarity {
			out = append(out, Scored{Pattern: p, Similarity: sim})
		}
	}
	return out, rows.Err()
}

// BackfillEmbeddings embeds pending rows and returns how many were filled.
func (r *SQLiteRepository) BackfillEmbeddings(ctx context.Context) (int, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+patternColumns+" FROM patterns WHERE embedding_pending = 1 OR embedding IS NULL ORDER BY fingerprint")
	if err != nil {
		return 0, fmt.Errorf("%w: backfill: %v", ErrRepositoryUnavailable, err)
	}
	var pending []Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("%w: scan: %v", ErrRepositoryUnavailable, err)
		}
		pending = append(pending, p)
	}
	rows.Close()

	filled := 0
	for _, p := range pending {
		emb, err := r.embed(ctx, p.EmbeddingText())
		if err != nil {
			return filled, fmt.Errorf("embed %s: %w", p.Fingerprint, err)
		}
		unlock := r.locks.Lock(p.Fingerprint)
		_, err = r.db.ExecContext(ctx, `UPDATE patterns SET embedding = ?, embedding_pending = 0, updated_at = ? WHERE fingerprint = ?`,
			encodeVector(emb), r.now().Format(time.RFC3339Nano), p.Fingerprint)
		unlock()
		if err != nil {
			return filled, fmt.Errorf("%w: backfill %s: %v", ErrRepositoryUnavailable, p.Fingerprint, err)
		}
		filled++
	}
	r.log.Info("embedding backfill complete", zap.Int("filled", filled), zap.Int("pending", len(pending)))
	return filled, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPattern(s scanner, extra ...any) (Pattern, error) {
	var (
		p                Pattern
		description      sql.NullString
		blob             []byte
		pending          int
		source           string
		created, updated string
	)
	dest := []any{&p.ID, &p.Fingerprint, &p.Name, &p.Category, &p.Template, &description, &blob, &pending, &p.UsageCount, &source, &created, &updated}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return Pattern{}, err
	}
	p.Description = description.String
	p.EmbeddingPending = pending != 0
	p.SourceType = SourceType(source)
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	if len(blob) > 0 {
		p.Embedding = decodeVector(blob)
	}
	return p, nil
}

func encodeVector(v []float32) []byte {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return nil
	}
	return buf.Bytes()
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &v); err != nil {
		return nil
	}
	return v
}

// CosineSimilarity returns 0 for empty or mismatched vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
