package ml

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/activetigger/activetigger/internal/domain"
)

// KNN is a k nearest neighbours classifier with euclidean distance and
// uniform vote weights. The training rows are kept verbatim, as plain
// slices so the artifact gob-encodes.
type KNN struct {
	NNeighbors int

	K int
	X [][]float64
	Y []int
}

// Fit stores the training set.
func (m *KNN) Fit(X *mat.Dense, y []int, k int) error {
	n, _ := X.Dims()
	if n == 0 || n != len(y) {
		return fmt.Errorf("op=ml.KNN.Fit: %d rows vs %d labels: %w", n, len(y), domain.ErrInvalid)
	}
	if m.NNeighbors <= 0 {
		m.NNeighbors = 5
	}
	m.K = k
	m.X = make([][]float64, n)
	for i := range m.X {
		m.X[i] = append([]float64(nil), X.RawRowView(i)...)
	}
	m.Y = append([]int(nil), y...)
	return nil
}

// Proba votes among the nearest neighbours of each row.
func (m *KNN) Proba(X *mat.Dense) *mat.Dense {
	n, d := X.Dims()
	nTrain := len(m.X)
	kNear := m.NNeighbors
	if kNear > nTrain {
		kNear = nTrain
	}
	out := mat.NewDense(n, m.K, nil)
	type neighbour struct {
		dist float64
		y    int
	}
	for i := 0; i < n; i++ {
		dists := make([]neighbour, nTrain)
		for t := 0; t < nTrain; t++ {
			var s float64
			for j := 0; j < d; j++ {
				diff := X.At(i, j) - m.X[t][j]
				s += diff * diff
			}
			dists[t] = neighbour{dist: s, y: m.Y[t]}
		}
		sort.Slice(dists, func(a, b int) bool { return dists[a].dist < dists[b].dist })
		votes := make([]float64, m.K)
		for _, nb := range dists[:kNear] {
			votes[nb.y] += 1 / float64(kNear)
		}
		out.SetRow(i, votes)
	}
	return out
}
