package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func TestHashEmbedder(t *testing.T) {
	e := NewHashEmbedder(0)
	assert.Equal(t, defaultHashDimension, e.Dimension())

	vecs, err := e.Embed(context.Background(), []string{
		"check_customer_balance verify account balance",
		"verify sufficient account balance before debit",
		"render mermaid diagrams",
	})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.InDelta(t, 1.0, cosine(vecs[0], vecs[0]), 1e-5)
	assert.Greater(t, cosine(vecs[0], vecs[1]), cosine(vecs[0], vecs[2]))

	again, err := e.Embed(context.Background(), []string{"check_customer_balance verify account balance"})
	require.NoError(t, err)
	assert.Equal(t, vecs[0], again[0])
}

func TestOpenAIEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var req openAIEmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// answer out of order to exercise index mapping
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder("key", "m", 2, srv.URL)
	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vecs)
}

func TestOpenAIEmbedder_ClientErrorIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad input"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIEmbedder("key", "m", 0, srv.URL).Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad input")
	assert.Equal(t, 1, calls)
}

func TestOpenAITransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var req openAIChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "json_object", req.ResponseFormat["type"])
		_, _ = w.Write([]byte("{\"choices\":[{\"message\":{\"role\":\"assistant\",\"content\":\"```json\\n{\\\"idiom\\\":\\\"x\\\"}\\n```\"}}]}"))
	}))
	defer srv.Close()

	out, err := NewOpenAITransport("key", "", srv.URL+"/v1").Complete(context.Background(), "prompt", time.Second)
	require.NoError(t, err)
	assert.Equal(t, `{"idiom":"x"}`, out)
}

func TestOllamaTransport_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := NewOllamaTransport("m", srv.URL).Complete(context.Background(), "p", 50*time.Millisecond)
	require.Error(t, err)
}

func geminiEmbedServer(t *testing.T, calls *atomic.Int32, failFirst int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.True(t, strings.HasSuffix(r.URL.Path, "gemini-embedding-001:batchEmbedContents"), r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-goog-api-key"))
		if int(n) <= failFirst {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`))
			return
		}
		var req struct {
			Requests []json.RawMessage `json:"requests"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		embeddings := make([]string, len(req.Requests))
		for i := range req.Requests {
			embeddings[i] = fmt.Sprintf(`{"values":[%d,1]}`, i)
		}
		_, _ = fmt.Fprintf(w, `{"embeddings":[%s]}`, strings.Join(embeddings, ","))
	}))
}

func newTestGeminiEmbedder(t *testing.T, url string) *GeminiEmbedder {
	t.Helper()
	e, err := NewGeminiEmbedder(context.Background(), "key", "", 2, url)
	require.NoError(t, err)
	e.batchDelay = time.Millisecond
	e.retryDelay = time.Millisecond
	return e
}

func TestGeminiEmbedder_Batches(t *testing.T) {
	var calls atomic.Int32
	srv := geminiEmbedServer(t, &calls, 0)
	defer srv.Close()

	texts := make([]string, geminiBatchSize+1)
	for i := range texts {
		texts[i] = fmt.Sprintf("text %d", i)
	}
	vecs, err := newTestGeminiEmbedder(t, srv.URL).Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []float32{1, 1}, vecs[1])
	// the second batch restarts its indices
	assert.Equal(t, []float32{0, 1}, vecs[geminiBatchSize])
}

func TestGeminiEmbedder_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := geminiEmbedServer(t, &calls, 2)
	defer srv.Close()

	vecs, err := newTestGeminiEmbedder(t, srv.URL).Embed(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 1}}, vecs)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGeminiEmbedder_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := geminiEmbedServer(t, &calls, geminiMaxRetries+10)
	defer srv.Close()

	_, err := newTestGeminiEmbedder(t, srv.URL).Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.True(t, isRateLimitError(err))
	assert.Equal(t, int32(geminiMaxRetries+1), calls.Load())
}

func TestGeminiTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "gemini-2.5-flash:generateContent"), r.URL.Path)
		var req struct {
			GenerationConfig struct {
				ResponseMIMEType string `json:"responseMimeType"`
			} `json:"generationConfig"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "application/json", req.GenerationConfig.ResponseMIMEType)
		_, _ = w.Write([]byte("{\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"```json\\n{\\\"idiom\\\":\\\"x\\\"}\\n```\"}]}}]}"))
	}))
	defer srv.Close()

	tr, err := NewGeminiTransport(context.Background(), "key", "", srv.URL)
	require.NoError(t, err)
	out, err := tr.Complete(context.Background(), "prompt", time.Second)
	require.NoError(t, err)
	assert.Equal(t, `{"idiom":"x"}`, out)
}

func TestIsRateLimitError(t *testing.T) {
	assert.True(t, isRateLimitError(genai.APIError{Code: 429}))
	assert.True(t, isRateLimitError(fmt.Errorf("embed: %w", genai.APIError{Code: 429})))
	assert.True(t, isRateLimitError(errors.New("RESOURCE_EXHAUSTED: try later")))
	assert.False(t, isRateLimitError(genai.APIError{Code: 400, Message: "bad request"}))
	assert.False(t, isRateLimitError(nil))
}

func TestNewEmbedder_Providers(t *testing.T) {
	e, err := NewEmbedder(context.Background(), Options{})
	require.NoError(t, err)
	assert.IsType(t, &HashEmbedder{}, e)

	_, err = NewEmbedder(context.Background(), Options{Provider: "nope"})
	assert.Error(t, err)

	_, err = NewTransport(context.Background(), Options{})
	assert.Error(t, err)
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences(`{"a":1}`))
	assert.Equal(t, `{"a":1}`, stripFences("```{\"a\":1}```"))
}
