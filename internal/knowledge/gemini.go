package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	geminiBatchSize  = 50
	geminiBatchDelay = 700 * time.Millisecond
	geminiRetryDelay = 6 * time.Second
	geminiMaxRetries = 5
)

// newGeminiClient connects to the Gemini API. An empty baseURL keeps the public endpoint.
func newGeminiClient(ctx context.Context, apiKey, baseURL string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return client, nil
}

// GeminiEmbedder embeds pattern text with the Gemini embedding API.
type GeminiEmbedder struct {
	client    *genai.Client
	model     string
	dimension int

	batchDelay time.Duration
	retryDelay time.Duration
}

func NewGeminiEmbedder(ctx context.Context, apiKey, model string, dim int, baseURL string) (*GeminiEmbedder, error) {
	client, err := newGeminiClient(ctx, apiKey, baseURL)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	return &GeminiEmbedder{
		client:     client,
		model:      model,
		dimension:  dim,
		batchDelay: geminiBatchDelay,
		retryDelay: geminiRetryDelay,
	}, nil
}

func (g *GeminiEmbedder) Dimension() int {
	return g.dimension
}

func (g *GeminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var config *genai.EmbedContentConfig
	if g.dimension > 0 {
		dim := int32(g.dimension)
		config = &genai.EmbedContentConfig{OutputDimensionality: &dim}
	}

	results := make([][]float32, 0, len(texts))
	for n, b := range batches(len(texts), geminiBatchSize) {
		if n > 0 && !waitOrCancel(ctx, g.batchDelay) {
			return nil, ctx.Err()
		}
		contents := make([]*genai.Content, 0, b[1]-b[0])
		for _, text := range texts[b[0]:b[1]] {
			contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
		}

		var res *genai.EmbedContentResponse
		var err error
		for attempt := 0; attempt <= geminiMaxRetries; attempt++ {
			res, err = g.client.Models.EmbedContent(ctx, g.model, contents, config)
			if err == nil {
				break
			}
			if !isRateLimitError(err) || attempt == geminiMaxRetries {
				return nil, fmt.Errorf("failed to embed text: %w", err)
			}
			if !waitOrCancel(ctx, g.retryDelay) {
				return nil, ctx.Err()
			}
		}
		if len(res.Embeddings) != len(contents) {
			return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(res.Embeddings), len(contents))
		}
		for _, emb := range res.Embeddings {
			results = append(results, emb.Values)
		}
	}
	return results, nil
}

// GeminiTransport asks a Gemini model for a JSON reply.
type GeminiTransport struct {
	client *genai.Client
	model  string
}

func NewGeminiTransport(ctx context.Context, apiKey, model, baseURL string) (*GeminiTransport, error) {
	client, err := newGeminiClient(ctx, apiKey, baseURL)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &GeminiTransport{client: client, model: model}, nil
}

func (g *GeminiTransport) Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	temp := float32(0.1)
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:      &temp,
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return "", err
	}
	return stripFences(resp.Text()), nil
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == 429 {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "429") || strings.Contains(s, "RESOURCE_EXHAUSTED") || strings.Contains(s, "quota")
}
