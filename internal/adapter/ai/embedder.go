// Package ai holds the HTTP clients for the external model services: the
// embeddings server used by the sbert and fasttext vectorizers, the text
// generation endpoint, and the fine-tuning trainer. Deterministic stubs
// back every client for dev and tests.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/activetigger/activetigger/internal/adapter/observability"
	"github.com/activetigger/activetigger/internal/config"
	"github.com/activetigger/activetigger/internal/domain"
)

// EmbedClient calls an embeddings HTTP service with retries. Requests are
// batched so one task does not pin the service with a giant payload.
type EmbedClient struct {
	baseURL   string
	apiKey    string
	batchSize int
	http      *http.Client

	boInitial, boMax, boElapsed time.Duration
}

// NewEmbedClient builds a client from config.
func NewEmbedClient(cfg config.Config) *EmbedClient {
	initial, maxIv, elapsed := cfg.EmbedderBackoff()
	return &EmbedClient{
		baseURL:   cfg.EmbedderURL,
		apiKey:    cfg.EmbedderAPIKey,
		batchSize: cfg.EmbedderBatchSize,
		http:      &http.Client{Timeout: cfg.EmbedderTimeout},
		boInitial: initial,
		boMax:     maxIv,
		boElapsed: elapsed,
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Texts []string `json:"texts"`
}

type embedResponse struct {
	Vectors [][]float64 `json:"vectors"`
}

// Embed vectorizes texts with the named model.
func (c *EmbedClient) Embed(ctx context.Context, model string, texts []string) ([][]float64, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("op=ai.Embed: embedder not configured: %w", domain.ErrUnavailable)
	}
	out := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := c.embedBatch(ctx, model, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *EmbedClient) embedBatch(ctx context.Context, model string, texts []string) ([][]float64, error) {
	body, err := json.Marshal(embedRequest{Model: model, Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("op=ai.Embed: %w", err)
	}

	var vectors [][]float64
	operation := func() error {
		start := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		observability.EmbedderRequestDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("embedder status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return backoff.Permanent(fmt.Errorf("embedder status %d: %s", resp.StatusCode, raw))
		}
		var parsed embedResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return err
		}
		vectors = parsed.Vectors
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.boInitial
	bo.MaxInterval = c.boMax
	bo.MaxElapsedTime = c.boElapsed
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("op=ai.Embed: %w: %w", domain.ErrUnavailable, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("op=ai.Embed: got %d vectors for %d texts: %w", len(vectors), len(texts), domain.ErrInternal)
	}
	return vectors, nil
}
