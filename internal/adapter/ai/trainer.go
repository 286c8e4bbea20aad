package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/activetigger/activetigger/internal/config"
	"github.com/activetigger/activetigger/internal/domain"
)

// TrainerClient drives fine-tuning on an external trainer service. Train
// submits a job and polls until it finishes; cancellation of the context
// sends a stop request before returning.
type TrainerClient struct {
	baseURL  string
	interval time.Duration
	http     *http.Client
}

// NewTrainerClient builds a client from config.
func NewTrainerClient(cfg config.Config) *TrainerClient {
	return &TrainerClient{
		baseURL:  cfg.TrainerURL,
		interval: cfg.TrainerCheckInterval,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

type trainerJob struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (c *TrainerClient) post(ctx context.Context, path string, payload, into any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("trainer status %d: %s: %w", resp.StatusCode, raw, domain.ErrUnavailable)
	}
	if into == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

// Train submits a fine-tuning job and blocks until it completes.
func (c *TrainerClient) Train(ctx context.Context, spec domain.TrainSpec) error {
	if c.baseURL == "" {
		return fmt.Errorf("op=ai.Train: trainer not configured: %w", domain.ErrUnavailable)
	}
	var job trainerJob
	if err := c.post(ctx, "/train", spec, &job); err != nil {
		return fmt.Errorf("op=ai.Train: %w", err)
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// best effort stop with a fresh context
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = c.post(stopCtx, "/stop", map[string]string{"id": job.ID}, nil)
			cancel()
			return ctx.Err()
		case <-ticker.C:
			var st trainerJob
			if err := c.post(ctx, "/status", map[string]string{"id": job.ID}, &st); err != nil {
				return fmt.Errorf("op=ai.Train: %w", err)
			}
			switch st.Status {
			case "done":
				return nil
			case "failed":
				return fmt.Errorf("op=ai.Train: %s: %w", st.Error, domain.ErrInternal)
			}
		}
	}
}

type trainerPredictRequest struct {
	ModelDir string   `json:"model_dir"`
	Texts    []string `json:"texts"`
}

type trainerPredictResponse struct {
	Classes []string    `json:"classes"`
	Probas  [][]float64 `json:"probas"`
}

// Predict scores texts with a fine-tuned model.
func (c *TrainerClient) Predict(ctx context.Context, modelDir string, texts []string) ([]string, [][]float64, error) {
	if c.baseURL == "" {
		return nil, nil, fmt.Errorf("op=ai.Predict: trainer not configured: %w", domain.ErrUnavailable)
	}
	var resp trainerPredictResponse
	if err := c.post(ctx, "/predict", trainerPredictRequest{ModelDir: modelDir, Texts: texts}, &resp); err != nil {
		return nil, nil, fmt.Errorf("op=ai.Predict: %w", err)
	}
	if len(resp.Probas) != len(texts) {
		return nil, nil, fmt.Errorf("op=ai.Predict: got %d rows for %d texts: %w", len(resp.Probas), len(texts), domain.ErrInternal)
	}
	return resp.Classes, resp.Probas, nil
}
