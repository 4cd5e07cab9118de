package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Embedder converts text to vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Transport sends one prompt to a reasoning service and returns the raw reply.
// Implementations must honor both ctx and timeout.
type Transport interface {
	Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error)
}

type Options struct {
	Provider  string
	APIKey    string
	Model     string
	Dimension int
	BaseURL   string
}

func provider(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" {
		return "hash"
	}
	return p
}

// NewEmbedder builds the embedder named by opts.Provider. The default is the offline hash embedder.
func NewEmbedder(ctx context.Context, opts Options) (Embedder, error) {
	switch provider(opts.Provider) {
	case "hash":
		return NewHashEmbedder(opts.Dimension), nil
	case "gemini":
		return NewGeminiEmbedder(ctx, opts.APIKey, opts.Model, opts.Dimension, opts.BaseURL)
	case "openai":
		return NewOpenAIEmbedder(opts.APIKey, opts.Model, opts.Dimension, opts.BaseURL), nil
	case "ollama":
		return NewOllamaEmbedder(opts.Model, opts.Dimension, opts.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported embedder provider: %s", opts.Provider)
	}
}

// NewTransport builds the reasoning-service client named by opts.Provider.
func NewTransport(ctx context.Context, opts Options) (Transport, error) {
	switch p := provider(opts.Provider); p {
	case "gemini":
		return NewGeminiTransport(ctx, opts.APIKey, opts.Model, opts.BaseURL)
	case "openai":
		return NewOpenAITransport(opts.APIKey, opts.Model, opts.BaseURL), nil
	case "ollama":
		return NewOllamaTransport(opts.Model, opts.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported reasoning provider: %s", p)
	}
}

// stripFences removes a surrounding markdown code fence from a model reply.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 && !strings.ContainsAny(text[:nl], "{[") {
		text = text[nl+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

func waitOrCancel(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func batches(n, size int) [][2]int {
	var out [][2]int
	for i := 0; i < n; i += size {
		end := i + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{i, end})
	}
	return out
}
