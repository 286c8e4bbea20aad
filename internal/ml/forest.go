package ml

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/activetigger/activetigger/internal/domain"
)

// Forest is a random forest of CART trees split on gini impurity, with
// bootstrap sampling and per-split feature subsampling.
type Forest struct {
	NEstimators int
	// MaxFeatures caps the features tried per split; 0 means sqrt(d).
	MaxFeatures int
	MaxDepth    int
	Seed        int64

	K     int
	Trees []*Tree
}

// Tree is one CART tree, stored as a flat node slice.
type Tree struct {
	Nodes []Node
}

// Node is either a split (Feature >= 0) or a leaf holding a class
// distribution.
type Node struct {
	Feature   int
	Threshold float64
	Left      int
	Right     int
	Dist      []float64
}

// Fit grows the trees.
func (f *Forest) Fit(X *mat.Dense, y []int, k int) error {
	n, d := X.Dims()
	if n == 0 || n != len(y) {
		return fmt.Errorf("op=ml.Forest.Fit: %d rows vs %d labels: %w", n, len(y), domain.ErrInvalid)
	}
	if f.NEstimators <= 0 {
		f.NEstimators = 100
	}
	if f.MaxDepth <= 0 {
		f.MaxDepth = 12
	}
	mtry := f.MaxFeatures
	if mtry <= 0 || mtry > d {
		mtry = int(math.Sqrt(float64(d)))
		if mtry < 1 {
			mtry = 1
		}
	}
	f.K = k
	rng := rand.New(rand.NewSource(f.Seed))
	f.Trees = make([]*Tree, f.NEstimators)
	for t := range f.Trees {
		sample := make([]int, n)
		for i := range sample {
			sample[i] = rng.Intn(n)
		}
		tree := &Tree{}
		g := &grower{X: X, Y: y, K: k, mtry: mtry, maxDepth: f.MaxDepth, rng: rng, tree: tree}
		g.grow(sample, 0)
		f.Trees[t] = tree
	}
	return nil
}

type grower struct {
	X        *mat.Dense
	Y        []int
	K        int
	mtry     int
	maxDepth int
	rng      *rand.Rand
	tree     *Tree
}

func (g *grower) dist(rows []int) []float64 {
	d := make([]float64, g.K)
	for _, r := range rows {
		d[g.Y[r]]++
	}
	for i := range d {
		d[i] /= float64(len(rows))
	}
	return d
}

func gini(dist []float64) float64 {
	s := 1.0
	for _, p := range dist {
		s -= p * p
	}
	return s
}

// grow appends a node for rows and returns its index.
func (g *grower) grow(rows []int, depth int) int {
	idx := len(g.tree.Nodes)
	dist := g.dist(rows)
	node := Node{Feature: -1, Dist: dist}
	g.tree.Nodes = append(g.tree.Nodes, node)
	if depth >= g.maxDepth || len(rows) < 2 || gini(dist) == 0 {
		return idx
	}

	_, d := g.X.Dims()
	bestGain := 0.0
	bestFeat, bestLeft, bestRight := -1, []int(nil), []int(nil)
	var bestThr float64
	parentImp := gini(dist)

	feats := g.rng.Perm(d)[:g.mtry]
	for _, j := range feats {
		sorted := append([]int(nil), rows...)
		sort.Slice(sorted, func(a, b int) bool { return g.X.At(sorted[a], j) < g.X.At(sorted[b], j) })
		for cut := 1; cut < len(sorted); cut++ {
			lo, hi := g.X.At(sorted[cut-1], j), g.X.At(sorted[cut], j)
			if lo == hi {
				continue
			}
			left, right := sorted[:cut], sorted[cut:]
			imp := (float64(len(left))*gini(g.dist(left)) + float64(len(right))*gini(g.dist(right))) / float64(len(rows))
			gain := parentImp - imp
			if gain > bestGain {
				bestGain = gain
				bestFeat = j
				bestThr = (lo + hi) / 2
				bestLeft = append([]int(nil), left...)
				bestRight = append([]int(nil), right...)
			}
		}
	}
	if bestFeat < 0 {
		return idx
	}
	left := g.grow(bestLeft, depth+1)
	right := g.grow(bestRight, depth+1)
	g.tree.Nodes[idx].Feature = bestFeat
	g.tree.Nodes[idx].Threshold = bestThr
	g.tree.Nodes[idx].Left = left
	g.tree.Nodes[idx].Right = right
	return idx
}

func (t *Tree) proba(x []float64) []float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Feature < 0 {
			return n.Dist
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Proba averages the leaf distributions across trees.
func (f *Forest) Proba(X *mat.Dense) *mat.Dense {
	n, _ := X.Dims()
	out := mat.NewDense(n, f.K, nil)
	for i := 0; i < n; i++ {
		row := make([]float64, f.K)
		x := X.RawRowView(i)
		for _, t := range f.Trees {
			for c, p := range t.proba(x) {
				row[c] += p
			}
		}
		for c := range row {
			row[c] /= float64(len(f.Trees))
		}
		out.SetRow(i, row)
	}
	return out
}
