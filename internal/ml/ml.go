// Package ml implements the small supervised classifiers behind quick
// models: multinomial logistic regression (L2 and L1), k nearest
// neighbours, random forest and multinomial naive Bayes, plus the metric
// and cross-validation helpers. Everything is deterministic given a seed.
package ml

import (
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"os"

	"gonum.org/v1/gonum/mat"

	"github.com/activetigger/activetigger/internal/domain"
)

// Classifier is the common contract of the quick model families.
type Classifier interface {
	// Fit trains on X (n x d) with labels y in [0, k).
	Fit(X *mat.Dense, y []int, k int) error
	// Proba returns the n x k class probability matrix.
	Proba(X *mat.Dense) *mat.Dense
}

func init() {
	gob.Register(&Logistic{})
	gob.Register(&KNN{})
	gob.Register(&Forest{})
	gob.Register(&NaiveBayes{})
	gob.Register(&Scaler{})
}

// Artifact is the serialized form of a trained pipeline.
type Artifact struct {
	Labels     []string
	Features   []string
	Scaler     *Scaler
	Classifier Classifier
}

// SaveArtifact writes the pipeline as gob.
func SaveArtifact(path string, a *Artifact) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("op=ml.SaveArtifact: %w", err)
	}
	defer func() { _ = f.Close() }()
	if err := gob.NewEncoder(f).Encode(a); err != nil {
		return fmt.Errorf("op=ml.SaveArtifact: %w", err)
	}
	return nil
}

// LoadArtifact reads a pipeline back.
func LoadArtifact(path string) (*Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("op=ml.LoadArtifact: %s: %w", path, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=ml.LoadArtifact: %w", err)
	}
	defer func() { _ = f.Close() }()
	var a Artifact
	if err := gob.NewDecoder(f).Decode(&a); err != nil {
		return nil, fmt.Errorf("op=ml.LoadArtifact: %w", err)
	}
	return &a, nil
}

// Scaler is a per-column z-score transform fitted on the training rows.
type Scaler struct {
	Mean []float64
	Std  []float64
}

// FitScaler computes column means and standard deviations.
func FitScaler(X *mat.Dense) *Scaler {
	n, d := X.Dims()
	s := &Scaler{Mean: make([]float64, d), Std: make([]float64, d)}
	for j := 0; j < d; j++ {
		var sum float64
		for i := 0; i < n; i++ {
			sum += X.At(i, j)
		}
		mean := sum / float64(n)
		var ss float64
		for i := 0; i < n; i++ {
			diff := X.At(i, j) - mean
			ss += diff * diff
		}
		std := math.Sqrt(ss / float64(n))
		if std == 0 {
			std = 1
		}
		s.Mean[j] = mean
		s.Std[j] = std
	}
	return s
}

// Apply returns the standardized copy of X.
func (s *Scaler) Apply(X *mat.Dense) *mat.Dense {
	n, d := X.Dims()
	out := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			out.Set(i, j, (X.At(i, j)-s.Mean[j])/s.Std[j])
		}
	}
	return out
}

// Split returns a deterministic shuffled train/test index partition.
func Split(n int, testFrac float64, seed int64) (train, test []int) {
	idx := rand.New(rand.NewSource(seed)).Perm(n)
	nTest := int(math.Round(float64(n) * testFrac))
	if nTest < 1 && n > 1 {
		nTest = 1
	}
	return idx[nTest:], idx[:nTest]
}

// KFold returns k deterministic folds of row indices.
func KFold(n, k int, seed int64) [][]int {
	if k > n {
		k = n
	}
	idx := rand.New(rand.NewSource(seed)).Perm(n)
	folds := make([][]int, k)
	for i, v := range idx {
		folds[i%k] = append(folds[i%k], v)
	}
	return folds
}

// Entropy computes the Shannon entropy of a probability row, in nats.
func Entropy(p []float64) float64 {
	var h float64
	for _, v := range p {
		if v > 0 {
			h -= v * math.Log(v)
		}
	}
	return h
}

// Argmax returns the index of the largest value; ties go to the lowest
// index so predictions are stable.
func Argmax(p []float64) int {
	best := 0
	for i := 1; i < len(p); i++ {
		if p[i] > p[best] {
			best = i
		}
	}
	return best
}

// Rows selects the given rows of X into a new matrix.
func Rows(X *mat.Dense, idx []int) *mat.Dense {
	_, d := X.Dims()
	out := mat.NewDense(len(idx), d, nil)
	for i, r := range idx {
		out.SetRow(i, X.RawRowView(r))
	}
	return out
}

// Labels selects the given positions of y.
func Labels(y []int, idx []int) []int {
	out := make([]int, len(idx))
	for i, r := range idx {
		out[i] = y[r]
	}
	return out
}

// Predict returns the argmax class per row of a probability matrix.
func Predict(proba *mat.Dense) []int {
	n, _ := proba.Dims()
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = Argmax(proba.RawRowView(i))
	}
	return out
}
