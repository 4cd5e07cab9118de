package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	openAIBatchSize  = 64
	openAIBatchDelay = 400 * time.Millisecond
	openAIRetries    = 5
	openAIRetryDelay = 3 * time.Second
)

// httpStatusError carries the status of a failed provider call so callers can decide on retries.
type httpStatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("%s request failed (%d): %s", e.Provider, e.Status, e.Body)
}

func (e *httpStatusError) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// postJSON sends payload and decodes a 2xx JSON reply into out.
func postJSON(ctx context.Context, client *http.Client, provider, endpoint, apiKey string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		var errBody struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &errBody) == nil && errBody.Error.Message != "" {
			msg = errBody.Error.Message
		}
		return &httpStatusError{Provider: provider, Status: resp.StatusCode, Body: msg}
	}
	return json.Unmarshal(raw, out)
}

func openAIEndpoint(baseURL, path string) string {
	endpoint := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if endpoint == "" {
		return "https://api.openai.com/v1" + path
	}
	if strings.HasSuffix(endpoint, path) {
		return endpoint
	}
	if !strings.HasSuffix(endpoint, "/v1") {
		endpoint += "/v1"
	}
	return endpoint + path
}

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	client    *http.Client
	apiKey    string
	model     string
	dimension int
	endpoint  string
}

type openAIEmbeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions *int     `json:"dimensions,omitempty"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func NewOpenAIEmbedder(apiKey, model string, dim int, baseURL string) *OpenAIEmbedder {
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIEmbedder{
		client:    &http.Client{Timeout: 60 * time.Second},
		apiKey:    apiKey,
		model:     model,
		dimension: dim,
		endpoint:  openAIEndpoint(baseURL, "/embeddings"),
	}
}

func (o *OpenAIEmbedder) Dimension() int {
	return o.dimension
}

func (o *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if strings.TrimSpace(o.apiKey) == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	results := make([][]float32, 0, len(texts))
	for n, b := range batches(len(texts), openAIBatchSize) {
		if n > 0 && !waitOrCancel(ctx, openAIBatchDelay) {
			return nil, ctx.Err()
		}
		vecs, err := o.embedBatch(ctx, texts[b[0]:b[1]])
		if err != nil {
			return nil, err
		}
		results = append(results, vecs...)
	}
	return results, nil
}

func (o *OpenAIEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	payload := openAIEmbeddingRequest{Model: o.model, Input: batch}
	if o.dimension > 0 {
		payload.Dimensions = &o.dimension
	}

	var parsed openAIEmbeddingResponse
	var err error
	for attempt := 0; attempt <= openAIRetries; attempt++ {
		err = postJSON(ctx, o.client, "openai embeddings", o.endpoint, o.apiKey, payload, &parsed)
		if err == nil {
			break
		}
		if se, ok := err.(*httpStatusError); ok && !se.retryable() {
			return nil, err
		}
		if attempt == openAIRetries || !waitOrCancel(ctx, openAIRetryDelay) {
			return nil, err
		}
	}

	if len(parsed.Data) != len(batch) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(parsed.Data), len(batch))
	}
	out := make([][]float32, len(batch))
	for _, item := range parsed.Data {
		if item.Index >= 0 && item.Index < len(batch) {
			out[item.Index] = item.Embedding
		}
	}
	for i := range out {
		if len(out[i]) == 0 {
			return nil, fmt.Errorf("embedding missing at index %d", i)
		}
	}
	return out, nil
}

// OpenAITransport calls an OpenAI-compatible /chat/completions endpoint in JSON mode.
type OpenAITransport struct {
	client   *http.Client
	apiKey   string
	model    string
	endpoint string
}

type openAIChatRequest struct {
	Model          string              `json:"model"`
	Messages       []openAIChatMessage `json:"messages"`
	Temperature    float64             `json:"temperature"`
	ResponseFormat map[string]string   `json:"response_format,omitempty"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIChatMessage `json:"message"`
	} `json:"choices"`
}

func NewOpenAITransport(apiKey, model, baseURL string) *OpenAITransport {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAITransport{
		client:   &http.Client{},
		apiKey:   apiKey,
		model:    model,
		endpoint: openAIEndpoint(baseURL, "/chat/completions"),
	}
}

func (o *OpenAITransport) Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	if strings.TrimSpace(o.apiKey) == "" {
		return "", fmt.Errorf("openai api key is required")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var parsed openAIChatResponse
	err := postJSON(ctx, o.client, "openai chat", o.endpoint, o.apiKey, openAIChatRequest{
		Model:          o.model,
		Messages:       []openAIChatMessage{{Role: "user", Content: prompt}},
		Temperature:    0.1,
		ResponseFormat: map[string]string{"type": "json_object"},
	}, &parsed)
	if err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("openai chat returned no choices")
	}
	return stripFences(parsed.Choices[0].Message.Content), nil
}
