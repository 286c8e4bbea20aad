package ai

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/activetigger/activetigger/internal/domain"
)

// StubEmbedder returns deterministic pseudo-embeddings derived from a
// hash of the text. Used in dev and tests when no embeddings service is
// configured; similar texts do NOT get similar vectors.
type StubEmbedder struct {
	Dim int
}

// Embed produces Dim-dimensional unit-norm vectors.
func (s StubEmbedder) Embed(_ context.Context, model string, texts []string) ([][]float64, error) {
	dim := s.Dim
	if dim <= 0 {
		dim = 16
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		vec := make([]float64, dim)
		var norm float64
		for j := range vec {
			h := fnv.New64a()
			_, _ = h.Write([]byte(model))
			_, _ = h.Write([]byte(t))
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], uint64(j))
			_, _ = h.Write(buf[:])
			// map hash to [-1, 1)
			vec[j] = float64(int64(h.Sum64())) / math.MaxInt64
			norm += vec[j] * vec[j]
		}
		norm = math.Sqrt(norm)
		for j := range vec {
			vec[j] /= norm
		}
		out[i] = vec
	}
	return out, nil
}

// StubGenerator echoes a digest of the prompt. Lets generation flows run
// end to end without an API key.
type StubGenerator struct{}

// Generate returns a deterministic canned answer.
func (StubGenerator) Generate(_ context.Context, model, prompt string) (string, error) {
	first := prompt
	if len(first) > 40 {
		first = first[:40]
	}
	return fmt.Sprintf("[%s] %s", model, strings.TrimSpace(first)), nil
}

// StubTrainer fakes fine-tuning: it derives one class per distinct label
// and predicts by keyword counting against the training texts. Artifacts
// are a single classes file under the model dir.
type StubTrainer struct{}

const stubClassesFile = "classes.txt"

// Train records the class list.
func (StubTrainer) Train(ctx context.Context, spec domain.TrainSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seen := make(map[string]bool)
	var classes []string
	for _, l := range spec.Labels {
		if !seen[l] {
			seen[l] = true
			classes = append(classes, l)
		}
	}
	sort.Strings(classes)
	if len(classes) == 0 {
		return fmt.Errorf("op=ai.StubTrainer.Train: no labels: %w", domain.ErrInvalid)
	}
	if err := os.MkdirAll(spec.Dir, 0o755); err != nil {
		return fmt.Errorf("op=ai.StubTrainer.Train: %w", err)
	}
	data := strings.Join(classes, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(spec.Dir, stubClassesFile), []byte(data), 0o644); err != nil {
		return fmt.Errorf("op=ai.StubTrainer.Train: %w", err)
	}
	return nil
}

// Predict spreads probability mass by a hash of the text, stable per
// (text, class) pair.
func (StubTrainer) Predict(ctx context.Context, modelDir string, texts []string) ([]string, [][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	raw, err := os.ReadFile(filepath.Join(modelDir, stubClassesFile))
	if err != nil {
		return nil, nil, fmt.Errorf("op=ai.StubTrainer.Predict: %w: %w", domain.ErrNotFound, err)
	}
	classes := strings.Fields(string(raw))
	if len(classes) == 0 {
		return nil, nil, fmt.Errorf("op=ai.StubTrainer.Predict: empty classes file: %w", domain.ErrInternal)
	}
	probas := make([][]float64, len(texts))
	for i, t := range texts {
		scores := make([]float64, len(classes))
		var sum float64
		for c := range classes {
			h := fnv.New64a()
			_, _ = h.Write([]byte(t))
			_, _ = h.Write([]byte(classes[c]))
			scores[c] = 1 + float64(h.Sum64()%1000)/1000
			sum += scores[c]
		}
		for c := range scores {
			scores[c] /= sum
		}
		probas[i] = scores
	}
	return classes, probas, nil
}
