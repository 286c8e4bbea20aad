package ml

import (
	"gonum.org/v1/gonum/mat"
)

// LabelMetrics is the per-class precision/recall/F1 triple.
type LabelMetrics struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// Metrics summarizes a prediction run against ground truth.
type Metrics struct {
	Accuracy   float64                 `json:"accuracy"`
	F1Macro    float64                 `json:"f1_macro"`
	F1Weighted float64                 `json:"f1_weighted"`
	PerLabel   map[string]LabelMetrics `json:"per_label"`
	Confusion  [][]int                 `json:"confusion"`
	N          int                     `json:"n"`
}

// Evaluate computes metrics for integer class labels in [0, k).
func Evaluate(yTrue, yPred []int, labels []string) Metrics {
	k := len(labels)
	conf := make([][]int, k)
	for i := range conf {
		conf[i] = make([]int, k)
	}
	correct := 0
	for i := range yTrue {
		conf[yTrue[i]][yPred[i]]++
		if yTrue[i] == yPred[i] {
			correct++
		}
	}
	m := Metrics{
		PerLabel:  make(map[string]LabelMetrics, k),
		Confusion: conf,
		N:         len(yTrue),
	}
	if m.N > 0 {
		m.Accuracy = float64(correct) / float64(m.N)
	}
	var f1Sum, f1WeightedSum float64
	for c := 0; c < k; c++ {
		tp := conf[c][c]
		var fp, fn int
		for o := 0; o < k; o++ {
			if o == c {
				continue
			}
			fp += conf[o][c]
			fn += conf[c][o]
		}
		support := tp + fn
		var prec, rec, f1 float64
		if tp+fp > 0 {
			prec = float64(tp) / float64(tp+fp)
		}
		if support > 0 {
			rec = float64(tp) / float64(support)
		}
		if prec+rec > 0 {
			f1 = 2 * prec * rec / (prec + rec)
		}
		m.PerLabel[labels[c]] = LabelMetrics{Precision: prec, Recall: rec, F1: f1, Support: support}
		f1Sum += f1
		f1WeightedSum += f1 * float64(support)
	}
	if k > 0 {
		m.F1Macro = f1Sum / float64(k)
	}
	if m.N > 0 {
		m.F1Weighted = f1WeightedSum / float64(m.N)
	}
	return m
}

// CrossValidate runs k-fold CV of a fresh classifier per fold and pools
// the out-of-fold predictions into one metric set.
func CrossValidate(newClassifier func() Classifier, X *mat.Dense, y []int, labels []string, folds int, seed int64) (Metrics, error) {
	n, _ := X.Dims()
	parts := KFold(n, folds, seed)
	yPred := make([]int, n)
	for f := range parts {
		var trainIdx []int
		for o, p := range parts {
			if o != f {
				trainIdx = append(trainIdx, p...)
			}
		}
		clf := newClassifier()
		if err := clf.Fit(Rows(X, trainIdx), Labels(y, trainIdx), len(labels)); err != nil {
			return Metrics{}, err
		}
		proba := clf.Proba(Rows(X, parts[f]))
		for i, r := range parts[f] {
			yPred[r] = Argmax(proba.RawRowView(i))
		}
	}
	return Evaluate(y, yPred, labels), nil
}
