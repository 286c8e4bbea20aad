package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/activetigger/activetigger/internal/domain"
)

// NaiveBayes is a multinomial naive Bayes over non-negative counts, the
// classifier forced onto the document-feature matrix.
type NaiveBayes struct {
	Alpha    float64
	FitPrior bool
	// ClassPrior overrides the fitted priors when non-nil.
	ClassPrior []float64

	K        int
	LogPrior []float64
	// LogProb is K x d feature log likelihoods.
	LogProb [][]float64
}

// Fit estimates priors and smoothed feature likelihoods.
func (m *NaiveBayes) Fit(X *mat.Dense, y []int, k int) error {
	n, d := X.Dims()
	if n == 0 || n != len(y) {
		return fmt.Errorf("op=ml.NaiveBayes.Fit: %d rows vs %d labels: %w", n, len(y), domain.ErrInvalid)
	}
	if m.Alpha <= 0 {
		m.Alpha = 1
	}
	m.K = k
	counts := make([]float64, k)
	featSum := make([][]float64, k)
	for c := range featSum {
		featSum[c] = make([]float64, d)
	}
	for i := 0; i < n; i++ {
		c := y[i]
		counts[c]++
		for j := 0; j < d; j++ {
			v := X.At(i, j)
			if v < 0 {
				return fmt.Errorf("op=ml.NaiveBayes.Fit: negative count at (%d,%d): %w", i, j, domain.ErrInvalid)
			}
			featSum[c][j] += v
		}
	}

	m.LogPrior = make([]float64, k)
	switch {
	case m.ClassPrior != nil:
		if len(m.ClassPrior) != k {
			return fmt.Errorf("op=ml.NaiveBayes.Fit: %d priors for %d classes: %w", len(m.ClassPrior), k, domain.ErrInvalid)
		}
		for c, p := range m.ClassPrior {
			m.LogPrior[c] = math.Log(p)
		}
	case m.FitPrior:
		for c := range m.LogPrior {
			m.LogPrior[c] = math.Log(counts[c] / float64(n))
		}
	default:
		for c := range m.LogPrior {
			m.LogPrior[c] = -math.Log(float64(k))
		}
	}

	m.LogProb = make([][]float64, k)
	for c := 0; c < k; c++ {
		total := 0.0
		for j := 0; j < d; j++ {
			total += featSum[c][j] + m.Alpha
		}
		m.LogProb[c] = make([]float64, d)
		for j := 0; j < d; j++ {
			m.LogProb[c][j] = math.Log((featSum[c][j] + m.Alpha) / total)
		}
	}
	return nil
}

// Proba returns normalized posteriors per row.
func (m *NaiveBayes) Proba(X *mat.Dense) *mat.Dense {
	n, d := X.Dims()
	out := mat.NewDense(n, m.K, nil)
	for i := 0; i < n; i++ {
		scores := make([]float64, m.K)
		for c := 0; c < m.K; c++ {
			s := m.LogPrior[c]
			for j := 0; j < d; j++ {
				s += X.At(i, j) * m.LogProb[c][j]
			}
			scores[c] = s
		}
		out.SetRow(i, softmax(scores))
	}
	return out
}
