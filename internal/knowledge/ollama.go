package knowledge

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	ollamaBatchSize  = 64
	ollamaBatchDelay = 200 * time.Millisecond
)

func ollamaEndpoint(baseURL, path string) string {
	url := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if url == "" {
		url = "http://127.0.0.1:11434"
	}
	if strings.HasSuffix(url, path) {
		return url
	}
	return url + path
}

// OllamaEmbedder calls a local Ollama /api/embed endpoint.
type OllamaEmbedder struct {
	client    *http.Client
	model     string
	dimension int
	endpoint  string
}

func NewOllamaEmbedder(model string, dim int, baseURL string) *OllamaEmbedder {
	if model == "" {
		model = "nomic-embed-text"
	}
	return &OllamaEmbedder{
		client:    &http.Client{Timeout: 90 * time.Second},
		model:     model,
		dimension: dim,
		endpoint:  ollamaEndpoint(baseURL, "/api/embed"),
	}
}

func (o *OllamaEmbedder) Dimension() int {
	return o.dimension
}

func (o *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for n, b := range batches(len(texts), ollamaBatchSize) {
		if n > 0 && !waitOrCancel(ctx, ollamaBatchDelay) {
			return nil, ctx.Err()
		}
		batch := texts[b[0]:b[1]]
		var parsed struct {
			Embeddings [][]float32 `json:"embeddings"`
		}
		req := map[string]any{"model": o.model, "input": batch}
		if err := postJSON(ctx, o.client, "ollama embed", o.endpoint, "", req, &parsed); err != nil {
			return nil, err
		}
		if len(parsed.Embeddings) != len(batch) {
			return nil, fmt.Errorf("ollama embedding count mismatch: got %d, expected %d", len(parsed.Embeddings), len(batch))
		}
		out = append(out, parsed.Embeddings...)
	}
	if o.dimension <= 0 && len(out) > 0 {
		o.dimension = len(out[0])
	}
	return out, nil
}

// OllamaTransport calls /api/generate with JSON output.
type OllamaTransport struct {
	client   *http.Client
	model    string
	endpoint string
}

func NewOllamaTransport(model, baseURL string) *OllamaTransport {
	if model == "" {
		model = "llama3.1"
	}
	return &OllamaTransport{
		client:   &http.Client{},
		model:    model,
		endpoint: ollamaEndpoint(baseURL, "/api/generate"),
	}
}

func (o *OllamaTransport) Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var parsed struct {
		Response string `json:"response"`
	}
	err := postJSON(ctx, o.client, "ollama generate", o.endpoint, "", map[string]any{
		"model":   o.model,
		"prompt":  prompt,
		"stream":  false,
		"format":  "json",
		"options": map[string]any{"temperature": 0.1},
	}, &parsed)
	if err != nil {
		return "", err
	}
	return stripFences(parsed.Response), nil
}
