package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/activetigger/activetigger/internal/config"
	"github.com/activetigger/activetigger/internal/domain"
)

// GenerateClient calls a chat-completions style endpoint with one prompt
// at a time. Batching and pacing are the caller's job: generation tasks
// already run on the cpu pool.
type GenerateClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewGenerateClient builds a client from config.
func NewGenerateClient(cfg config.Config) *GenerateClient {
	return &GenerateClient{
		baseURL: cfg.GenerationURL,
		apiKey:  cfg.GenerationAPIKey,
		http:    &http.Client{Timeout: cfg.GenerationTimeout},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	Answer string `json:"answer"`
}

// Generate answers one prompt with the named model.
func (c *GenerateClient) Generate(ctx context.Context, model, prompt string) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("op=ai.Generate: generation endpoint not configured: %w", domain.ErrUnavailable)
	}
	body, err := json.Marshal(generateRequest{Model: model, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("op=ai.Generate: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("op=ai.Generate: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=ai.Generate: %w: %w", domain.ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("op=ai.Generate: status %d: %s: %w", resp.StatusCode, raw, domain.ErrUnavailable)
	}
	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("op=ai.Generate: %w", err)
	}
	return parsed.Answer, nil
}
