// Package ollama provides an Ollama-backed implementation of the engine's
// encoder.Embedder capability, talking to Ollama's HTTP /api/embeddings
// endpoint directly.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/synapseai/synapse-mvp/pkg/resilience"
)

// EmbedClient implements encoder.Embedder using Ollama's HTTP API.
type EmbedClient struct {
	baseURL string
	model   string
	client  *http.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
}

// NewEmbedClient creates an Ollama embedding client. Outbound requests are
// throttled so a burst of recalls can't overrun a local Ollama/ML worker
// process, and trip a circuit breaker once the embedder starts failing
// consistently so callers fall straight into the hash-fallback path instead
// of waiting out a timeout on every recall.
func NewEmbedClient(baseURL, model string) *EmbedClient {
	return &EmbedClient{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{},
		limiter: rate.NewLimiter(rate.Every(20*time.Millisecond), 10),
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}
}

type ollamaEmbedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResp struct {
	Embedding []float64 `json:"embedding"`
}

// Encode implements encoder.Embedder.
func (c *EmbedClient) Encode(ctx context.Context, text string) ([]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("ollama embed: rate limit wait: %w", err)
	}

	var out []float32
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(ollamaEmbedReq{Model: c.model, Prompt: text})
		if err != nil {
			return fmt.Errorf("ollama embed: marshal request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("ollama embed: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("ollama embed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("ollama embed: status %d", resp.StatusCode)
		}

		var result ollamaEmbedResp
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("ollama embed decode: %w", err)
		}

		out = make([]float32, len(result.Embedding))
		for i, v := range result.Embedding {
			out[i] = float32(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ModelID implements encoder.Embedder.
func (c *EmbedClient) ModelID() string { return c.model }

// BaseURL implements encoder.Embedder.
func (c *EmbedClient) BaseURL() string { return c.baseURL }
