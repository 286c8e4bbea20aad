package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/activetigger/activetigger/internal/domain"
)

// Penalty selects the regularization of the logistic solver.
type Penalty string

const (
	PenaltyL2 Penalty = "l2"
	PenaltyL1 Penalty = "l1"
)

// Logistic is a multinomial logistic regression trained by full-batch
// gradient descent, with proximal soft-thresholding for the L1 penalty.
// Weights are stored as plain slices so the artifact gob-encodes.
type Logistic struct {
	Penalty Penalty
	// C is the inverse regularization strength, sklearn-style.
	C      float64
	Epochs int
	LR     float64

	K int
	// W is (d+1) rows of K weights, bias in the last row.
	W [][]float64
}

func (l *Logistic) defaults() {
	if l.C <= 0 {
		l.C = 1
	}
	if l.Epochs <= 0 {
		l.Epochs = 300
	}
	if l.LR <= 0 {
		l.LR = 0.1
	}
	if l.Penalty == "" {
		l.Penalty = PenaltyL2
	}
}

// Fit trains the weights. y values must lie in [0, k).
func (l *Logistic) Fit(X *mat.Dense, y []int, k int) error {
	l.defaults()
	n, d := X.Dims()
	if n == 0 || n != len(y) {
		return fmt.Errorf("op=ml.Logistic.Fit: %d rows vs %d labels: %w", n, len(y), domain.ErrInvalid)
	}
	l.K = k
	l.W = make([][]float64, d+1)
	for j := range l.W {
		l.W[j] = make([]float64, k)
	}
	lambda := 1 / (l.C * float64(n))

	grad := make([][]float64, d+1)
	for j := range grad {
		grad[j] = make([]float64, k)
	}
	for epoch := 0; epoch < l.Epochs; epoch++ {
		for j := range grad {
			for c := range grad[j] {
				grad[j][c] = 0
			}
		}
		for i := 0; i < n; i++ {
			x := X.RawRowView(i)
			p := l.rowProba(x)
			for c := 0; c < k; c++ {
				delta := p[c]
				if y[i] == c {
					delta -= 1
				}
				delta /= float64(n)
				for j := 0; j < d; j++ {
					grad[j][c] += delta * x[j]
				}
				grad[d][c] += delta
			}
		}
		lr := l.LR / (1 + 0.01*float64(epoch))
		for j := 0; j <= d; j++ {
			for c := 0; c < k; c++ {
				w := l.W[j][c] - lr*grad[j][c]
				if j < d {
					switch l.Penalty {
					case PenaltyL2:
						w -= lr * lambda * l.W[j][c]
					case PenaltyL1:
						// proximal step
						t := lr * lambda
						switch {
						case w > t:
							w -= t
						case w < -t:
							w += t
						default:
							w = 0
						}
					}
				}
				l.W[j][c] = w
			}
		}
	}
	return nil
}

func (l *Logistic) rowProba(x []float64) []float64 {
	scores := make([]float64, l.K)
	d := len(x)
	for c := 0; c < l.K; c++ {
		s := l.W[d][c]
		for j := 0; j < d; j++ {
			s += l.W[j][c] * x[j]
		}
		scores[c] = s
	}
	return softmax(scores)
}

// Proba returns class probabilities per row.
func (l *Logistic) Proba(X *mat.Dense) *mat.Dense {
	n, _ := X.Dims()
	out := mat.NewDense(n, l.K, nil)
	for i := 0; i < n; i++ {
		out.SetRow(i, l.rowProba(X.RawRowView(i)))
	}
	return out
}

func softmax(scores []float64) []float64 {
	max := scores[0]
	for _, s := range scores[1:] {
		if s > max {
			max = s
		}
	}
	var sum float64
	out := make([]float64, len(scores))
	for i, s := range scores {
		out[i] = math.Exp(s - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
