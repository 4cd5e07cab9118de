package patterns

import (
	"context"
	"errors"
	"time"
)

// ErrRepositoryUnavailable wraps storage failures. Callers decide whether to retry.
var ErrRepositoryUnavailable = errors.New("pattern repository unavailable")

type SourceType string

const (
	SourceDiscovered        SourceType = "discovered"
	SourceLanguagePrimitive SourceType = "language_primitive"
	SourceManual            SourceType = "manual"
)

// Pattern is a stored reusable shape. Its identity is Fingerprint; ID is only a row key.
type Pattern struct {
	ID               string     `json:"id"`
	Fingerprint      string     `json:"fingerprint"`
	Name             string     `json:"name"`
	Category         string     `json:"category"`
	Template         string     `json:"template"`
	Description      string     `json:"description,omitempty"`
	Embedding        []float32  `json:"-"`
	EmbeddingPending bool       `json:"embedding_pending"`
	UsageCount       int64      `json:"usage_count"`
	SourceType       SourceType `json:"source_type"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// EmbeddingText is what gets embedded for semantic search.
func (p Pattern) EmbeddingText() string {
	return embeddingText(p.Name, p.Description, p.Template)
}

func embeddingText(name, description, template string) string {
	return name + "\n" + description + "\n" + template
}

// Candidate is a discovered shape waiting to be upserted.
type Candidate struct {
	Name        string
	Category    string
	Template    string
	Description string
	SourceType  SourceType
}

// Scored pairs a pattern with a similarity in [-1, 1].
type Scored struct {
	Pattern    Pattern `json:"pattern"`
	Similarity float64 `json:"similarity"`
}

// Repository is the storage boundary for patterns.
type Repository interface {
	// Upsert inserts the candidate or increments usage_count of the row with the same fingerprint.
	Upsert(ctx context.Context, c Candidate) (Pattern, error)
	// SearchSemantic returns up to k patterns with cosine similarity >= minSimilarity, best first.
	SearchSemantic(ctx context.Context, query []float32, k int, minSimilarity float64) ([]Scored, error)
	// GetByFingerprint returns nil when no pattern has the fingerprint.
	GetByFingerprint(ctx context.Context, fp string) (*Pattern, error)
	List(ctx context.Context) ([]Pattern, error)
	Close() error
}
