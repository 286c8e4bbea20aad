package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/activetigger/activetigger/internal/config"
	"github.com/activetigger/activetigger/internal/domain"
)

func embedCfg(url string) config.Config {
	return config.Config{
		AppEnv:            "test",
		EmbedderURL:       url,
		EmbedderBatchSize: 2,
		EmbedderTimeout:   5 * time.Second,
	}
}

func TestEmbedClient_BatchesRequests(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		vecs := make([][]float64, len(req.Texts))
		for i := range vecs {
			vecs[i] = []float64{1, 2}
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Vectors: vecs})
	}))
	defer srv.Close()

	c := NewEmbedClient(embedCfg(srv.URL))
	vecs, err := c.Embed(context.Background(), "minilm", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vecs, 3)
	assert.Equal(t, int32(2), calls.Load())
}

func TestEmbedClient_RetriesOn5xx(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Vectors: [][]float64{{1}}})
	}))
	defer srv.Close()

	c := NewEmbedClient(embedCfg(srv.URL))
	vecs, err := c.Embed(context.Background(), "minilm", []string{"a"})
	require.NoError(t, err)
	assert.Len(t, vecs, 1)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestEmbedClient_BadRequestIsPermanent(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewEmbedClient(embedCfg(srv.URL))
	_, err := c.Embed(context.Background(), "minilm", []string{"a"})
	require.ErrorIs(t, err, domain.ErrUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEmbedClient_UnconfiguredIsUnavailable(t *testing.T) {
	t.Parallel()
	c := NewEmbedClient(config.Config{AppEnv: "test", EmbedderBatchSize: 1})
	_, err := c.Embed(context.Background(), "minilm", []string{"a"})
	require.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestStubEmbedder_DeterministicUnitNorm(t *testing.T) {
	t.Parallel()
	s := &StubEmbedder{Dim: 8}
	a, err := s.Embed(context.Background(), "m", []string{"hello"})
	require.NoError(t, err)
	b, err := s.Embed(context.Background(), "m", []string{"hello"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	var norm float64
	for _, v := range a[0] {
		norm += v * v
	}
	assert.InDelta(t, 1, norm, 1e-9)
}

func TestStubTrainer_RoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tr := StubTrainer{}
	err := tr.Train(context.Background(), domain.TrainSpec{
		Dir:    dir,
		Texts:  []string{"x", "y"},
		Labels: []string{"pos", "neg"},
	})
	require.NoError(t, err)

	classes, probas, err := tr.Predict(context.Background(), dir, []string{"x", "z"})
	require.NoError(t, err)
	assert.Equal(t, []string{"neg", "pos"}, classes)
	require.Len(t, probas, 2)
	var sum float64
	for _, p := range probas[0] {
		sum += p
	}
	assert.InDelta(t, 1, sum, 1e-9)
}
