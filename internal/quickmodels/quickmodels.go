// Package quickmodels trains the fast statistical classifiers used
// during annotation: logistic regression, kNN, random forest and naive
// Bayes over the computed feature columns. Training runs on the cpu
// pool; artifacts and metrics land under quickmodels/<name>/ in the
// project directory.
package quickmodels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/activetigger/activetigger/internal/domain"
	"github.com/activetigger/activetigger/internal/features"
	"github.com/activetigger/activetigger/internal/frame"
	"github.com/activetigger/activetigger/internal/ml"
	"github.com/activetigger/activetigger/internal/queue"
)

// TaskKind is the queue kind for quick-model trainings.
const TaskKind = "quickmodel"

// Model kinds.
const (
	KindLiblinear    = "liblinear"
	KindLasso        = "lasso"
	KindKNN          = "knn"
	KindRandomForest = "randomforest"
	KindNaiveBayes   = "multi_naivebayes"
)

// minTrainRows is the smallest annotated sample accepted for a fit.
const minTrainRows = 10

// Service trains and applies quick models.
type Service struct {
	Models      domain.ModelRepo
	Schemes     domain.SchemeRepo
	Annotations domain.AnnotationRepo
	Features    *features.Service
	Store       *frame.Store
	Queue       *queue.Queue
	Log         *slog.Logger
}

// TrainSpec describes one training request.
type TrainSpec struct {
	Name        string
	Scheme      string
	Kind        string
	Features    []string
	Params      map[string]any
	Standardize bool
	CV10        bool
	User        string
}

// Results groups the metric sets of one training run. Valid and Test are
// present only when feature vectors exist for those partitions.
type Results struct {
	Train    ml.Metrics  `json:"train"`
	Internal ml.Metrics  `json:"internal_valid"`
	CV10     *ml.Metrics `json:"cv10,omitempty"`
	Valid    *ml.Metrics `json:"valid,omitempty"`
	Test     *ml.Metrics `json:"test,omitempty"`
}

// ModelDir returns the artifact directory of a quick model.
func ModelDir(projectDir, name string) string {
	return filepath.Join(projectDir, "quickmodels", name)
}

// PredictPath returns the prediction file of a dataset.
func PredictPath(projectDir string, dataset domain.Dataset) string {
	return filepath.Join(projectDir, fmt.Sprintf("predict_%s.parquet", dataset))
}

// Train validates the request and queues the fit on the cpu pool. One
// training per user at a time.
func (s *Service) Train(ctx context.Context, project, dir string, spec TrainSpec) (string, error) {
	if spec.Name == "" {
		return "", fmt.Errorf("op=quickmodels.Train: empty name: %w", domain.ErrInvalid)
	}
	if _, err := newClassifier(spec.Kind, spec.Params)(); err != nil {
		return "", err
	}
	if len(spec.Features) == 0 {
		return "", fmt.Errorf("op=quickmodels.Train: no features selected: %w", domain.ErrInvalid)
	}
	if _, err := s.Models.Get(ctx, project, spec.Name); err == nil {
		return "", fmt.Errorf("op=quickmodels.Train: model %q: %w", spec.Name, domain.ErrAlreadyExists)
	}
	if _, err := s.Schemes.Get(ctx, project, spec.Scheme); err != nil {
		return "", err
	}
	if s.Queue.Pending(spec.User, TaskKind) {
		return "", fmt.Errorf("op=quickmodels.Train: user %s already has a training running: %w", spec.User, domain.ErrConflict)
	}

	modelDir := ModelDir(dir, spec.Name)
	err := s.Models.Add(ctx, domain.Model{
		Project:    project,
		Name:       spec.Name,
		Kind:       domain.ModelQuick,
		User:       spec.User,
		Scheme:     spec.Scheme,
		Parameters: map[string]any{"kind": spec.Kind, "features": spec.Features, "params": spec.Params},
		Path:       modelDir,
		Status:     domain.ModelQueued,
		Time:       time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}

	fn := func(taskCtx context.Context) (any, error) {
		if err := s.Models.SetStatus(taskCtx, project, spec.Name, domain.ModelTraining); err != nil {
			return nil, err
		}
		res, err := s.fit(taskCtx, project, dir, spec, modelDir)
		if err != nil {
			return nil, err
		}
		if err := s.Models.SetParam(taskCtx, project, spec.Name, "metrics", res); err != nil {
			return nil, err
		}
		if err := s.Predict(taskCtx, project, dir, spec.Name, domain.DatasetTrain); err != nil {
			return nil, err
		}
		return res, s.Models.SetStatus(taskCtx, project, spec.Name, domain.ModelTrained)
	}
	done := func(_ any, err error) {
		if err == nil {
			return
		}
		s.Log.Warn("quick model training failed",
			slog.String("project", project),
			slog.String("model", spec.Name),
			slog.Any("error", err))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Models.SetStatus(ctx, project, spec.Name, domain.ModelFailed)
	}
	return s.Queue.Add(TaskKind, project, spec.User, domain.PoolCPU, fn, done)
}

func (s *Service) fit(ctx context.Context, project, dir string, spec TrainSpec, modelDir string) (*Results, error) {
	fr, cols, err := s.Features.Matrix(ctx, project, dir, spec.Features)
	if err != nil {
		return nil, err
	}
	sc, err := s.Schemes.Get(ctx, project, spec.Scheme)
	if err != nil {
		return nil, err
	}
	labels := append([]string(nil), sc.Labels...)
	sort.Strings(labels)
	labelIdx := make(map[string]int, len(labels))
	for i, l := range labels {
		labelIdx[l] = i
	}

	X, y, err := s.partitionMatrix(ctx, project, spec.Scheme, domain.DatasetTrain, fr, cols, labelIdx)
	if err != nil {
		return nil, err
	}
	n := len(y)
	if n < minTrainRows {
		return nil, fmt.Errorf("op=quickmodels.fit: only %d annotated elements with features: %w", n, domain.ErrInvalid)
	}
	present := make(map[int]bool)
	for _, c := range y {
		present[c] = true
	}
	if len(present) < 2 {
		return nil, fmt.Errorf("op=quickmodels.fit: all elements share one label: %w", domain.ErrInvalid)
	}

	// naive Bayes works on raw counts, never standardized
	var scaler *ml.Scaler
	if spec.Standardize && spec.Kind != KindNaiveBayes {
		scaler = ml.FitScaler(X)
		X = scaler.Apply(X)
	}

	maker := newClassifier(spec.Kind, spec.Params)
	clf, err := maker()
	if err != nil {
		return nil, err
	}
	if err := clf.Fit(X, y, len(labels)); err != nil {
		return nil, err
	}

	res := &Results{Train: ml.Evaluate(y, ml.Predict(clf.Proba(X)), labels)}

	trainIdx, holdIdx := ml.Split(n, 0.2, 42)
	if len(holdIdx) > 0 && len(trainIdx) > 0 {
		inner, err := maker()
		if err != nil {
			return nil, err
		}
		if err := inner.Fit(ml.Rows(X, trainIdx), ml.Labels(y, trainIdx), len(labels)); err != nil {
			return nil, err
		}
		res.Internal = ml.Evaluate(ml.Labels(y, holdIdx), ml.Predict(inner.Proba(ml.Rows(X, holdIdx))), labels)
	}

	if spec.CV10 {
		m, err := ml.CrossValidate(func() ml.Classifier {
			c, _ := maker()
			return c
		}, X, y, labels, 10, 42)
		if err != nil {
			return nil, err
		}
		res.CV10 = &m
	}

	for _, p := range []struct {
		dataset domain.Dataset
		out     **ml.Metrics
	}{
		{domain.DatasetValid, &res.Valid},
		{domain.DatasetTest, &res.Test},
	} {
		Xp, yp, err := s.partitionMatrix(ctx, project, spec.Scheme, p.dataset, fr, cols, labelIdx)
		if err != nil {
			return nil, err
		}
		if Xp == nil {
			continue
		}
		if scaler != nil {
			Xp = scaler.Apply(Xp)
		}
		m := ml.Evaluate(yp, ml.Predict(clf.Proba(Xp)), labels)
		*p.out = &m
	}

	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		return nil, fmt.Errorf("op=quickmodels.fit: %w", err)
	}
	artifact := &ml.Artifact{Labels: labels, Features: cols, Scaler: scaler, Classifier: clf}
	if err := ml.SaveArtifact(filepath.Join(modelDir, "model.gob"), artifact); err != nil {
		return nil, err
	}
	raw, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("op=quickmodels.fit: %w", err)
	}
	if err := os.WriteFile(filepath.Join(modelDir, "metrics.json"), raw, 0o644); err != nil {
		return nil, fmt.Errorf("op=quickmodels.fit: %w", err)
	}
	return res, nil
}

// partitionMatrix joins the feature rows with the latest labels of a
// partition, keeping rows with complete predictors and a known label.
func (s *Service) partitionMatrix(ctx context.Context, project, scheme string, dataset domain.Dataset, fr *frame.Frame, cols []string, labelIdx map[string]int) (*mat.Dense, []int, error) {
	current, err := s.Annotations.LatestPerElement(ctx, project, scheme, []domain.Dataset{dataset}, "")
	if err != nil {
		return nil, nil, err
	}
	data, complete, err := fr.Matrix(cols)
	if err != nil {
		return nil, nil, err
	}
	d := len(cols)
	var rows []int
	var y []int
	for _, c := range current {
		if c.Label == nil {
			continue
		}
		cls, known := labelIdx[*c.Label]
		if !known {
			continue
		}
		i := fr.RowIndex(c.ElementID)
		if i < 0 || !complete[i] {
			continue
		}
		rows = append(rows, i)
		y = append(y, cls)
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}
	X := mat.NewDense(len(rows), d, nil)
	for j, i := range rows {
		X.SetRow(j, data[i*d:(i+1)*d])
	}
	return X, y, nil
}

// Predict applies a trained model to every feature-complete element of
// the dataset and writes predict_<dataset>.parquet with the winning
// label, the per-class probabilities and the prediction entropy.
func (s *Service) Predict(ctx context.Context, project, dir, name string, dataset domain.Dataset) error {
	m, err := s.Models.Get(ctx, project, name)
	if err != nil {
		return err
	}
	artifact, err := ml.LoadArtifact(filepath.Join(m.Path, "model.gob"))
	if err != nil {
		return err
	}
	paths := frame.ProjectPaths{Dir: dir}
	cols := append(append([]string(nil), artifact.Features...), "dataset")
	fr, err := s.Store.Load(paths.Features(), cols...)
	if err != nil {
		return err
	}
	data, complete, err := fr.Matrix(artifact.Features)
	if err != nil {
		return err
	}
	ds := fr.Col("dataset")
	d := len(artifact.Features)
	var ids []string
	var rows []int
	for i, id := range fr.IDs {
		if !complete[i] {
			continue
		}
		if dataset != domain.DatasetAll && ds != nil && (!ds.Valid[i] || ds.Strings[i] != string(dataset)) {
			continue
		}
		ids = append(ids, id)
		rows = append(rows, i)
	}
	if len(rows) == 0 {
		return fmt.Errorf("op=quickmodels.Predict: no feature-complete elements: %w", domain.ErrInvalid)
	}
	X := mat.NewDense(len(rows), d, nil)
	for j, i := range rows {
		X.SetRow(j, data[i*d:(i+1)*d])
	}
	if artifact.Scaler != nil {
		X = artifact.Scaler.Apply(X)
	}
	proba := artifact.Classifier.Proba(X)

	out, err := frame.New(ids)
	if err != nil {
		return err
	}
	pred := make([]string, len(ids))
	entropy := make([]float64, len(ids))
	perClass := make([][]float64, len(artifact.Labels))
	for c := range perClass {
		perClass[c] = make([]float64, len(ids))
	}
	for i := range ids {
		row := proba.RawRowView(i)
		pred[i] = artifact.Labels[ml.Argmax(row)]
		entropy[i] = ml.Entropy(row)
		for c := range perClass {
			perClass[c][i] = row[c]
		}
	}
	if err := out.AddStrings("label", pred, nil); err != nil {
		return err
	}
	if err := out.AddFloats("entropy", entropy, nil); err != nil {
		return err
	}
	for c, l := range artifact.Labels {
		if err := out.AddFloats("proba_"+l, perClass[c], nil); err != nil {
			return err
		}
	}
	return s.Store.Save(PredictPath(dir, dataset), out)
}

// Retrain replaces an existing model: the old row and artifacts go away
// and a fresh run is queued under the same name.
func (s *Service) Retrain(ctx context.Context, project, dir string, spec TrainSpec) (string, error) {
	if err := s.Delete(ctx, project, dir, spec.Name); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}
	return s.Train(ctx, project, dir, spec)
}

// List returns the quick models of a project.
func (s *Service) List(ctx context.Context, project string) ([]domain.Model, error) {
	return s.Models.List(ctx, project, domain.ModelQuick)
}

// Delete removes the model row, its artifacts and its prediction files.
func (s *Service) Delete(ctx context.Context, project, dir, name string) error {
	m, err := s.Models.Get(ctx, project, name)
	if err != nil {
		return err
	}
	if err := s.Models.Delete(ctx, project, name); err != nil {
		return err
	}
	if m.Path != "" {
		if err := os.RemoveAll(m.Path); err != nil {
			return fmt.Errorf("op=quickmodels.Delete: %w", err)
		}
	}
	return nil
}

// newClassifier returns a factory building fresh classifiers for the
// kind, so cross-validation never reuses fitted state.
func newClassifier(kind string, params map[string]any) func() (ml.Classifier, error) {
	return func() (ml.Classifier, error) {
		switch kind {
		case KindLiblinear:
			return &ml.Logistic{Penalty: ml.PenaltyL2, C: paramFloat(params, "cost", 1)}, nil
		case KindLasso:
			return &ml.Logistic{Penalty: ml.PenaltyL1, C: paramFloat(params, "C", 1)}, nil
		case KindKNN:
			return &ml.KNN{NNeighbors: paramInt(params, "n_neighbors", 5)}, nil
		case KindRandomForest:
			return &ml.Forest{
				NEstimators: paramInt(params, "n_estimators", 100),
				MaxFeatures: paramInt(params, "max_features", 0),
				Seed:        42,
			}, nil
		case KindNaiveBayes:
			return &ml.NaiveBayes{
				Alpha:      paramFloat(params, "alpha", 1),
				FitPrior:   paramBool(params, "fit_prior", true),
				ClassPrior: paramFloats(params, "class_prior"),
			}, nil
		}
		return nil, fmt.Errorf("op=quickmodels.newClassifier: kind %q: %w", kind, domain.ErrInvalid)
	}
}

func paramFloat(m map[string]any, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func paramInt(m map[string]any, key string, def int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

func paramBool(m map[string]any, key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

func paramFloats(m map[string]any, key string) []float64 {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(raw))
	for _, v := range raw {
		f, ok := v.(float64)
		if !ok {
			return nil
		}
		out = append(out, f)
	}
	return out
}
