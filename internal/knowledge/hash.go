package knowledge

import (
	"context"
	"math"
	"strings"
	"unicode"

	"github.com/zeebo/xxh3"
)

const defaultHashDimension = 256

// HashEmbedder is an offline feature-hashing embedder. Texts sharing words land close together;
// it needs no network and is deterministic, which makes it the default for local runs and tests.
type HashEmbedder struct {
	dimension int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = defaultHashDimension
	}
	return &HashEmbedder{dimension: dim}
}

func (h *HashEmbedder) Dimension() int {
	return h.dimension
}

func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, h.vector(text))
	}
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	v := make([]float32, h.dimension)
	for _, tok := range hashTokens(text) {
		sum := xxh3.HashString(tok)
		idx := int(sum % uint64(h.dimension))
		if sum&(1<<63) != 0 {
			v[idx]--
		} else {
			v[idx]++
		}
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v
}

// hashTokens lowercases text and splits on anything that is not a letter or digit,
// so snake_case names contribute their parts.
func hashTokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
