// Package languagemodels manages fine-tuned transformer classifiers
// through the external trainer service. The server never runs the
// training itself: it ships texts and labels, tracks the lifecycle
// (queued, training, trained or failed) and pulls predictions back as
// feature columns.
package languagemodels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/activetigger/activetigger/internal/domain"
	"github.com/activetigger/activetigger/internal/features"
	"github.com/activetigger/activetigger/internal/frame"
	"github.com/activetigger/activetigger/internal/ml"
	"github.com/activetigger/activetigger/internal/queue"
)

// Queue kinds. Train and predict are tracked separately so a user can
// predict with one model while another trains.
const (
	TaskKind        = "languagemodel"
	PredictTaskKind = "languagemodel_predict"
)

const minTrainRows = 10

// Service drives language model training and inference.
type Service struct {
	Models      domain.ModelRepo
	Schemes     domain.SchemeRepo
	Annotations domain.AnnotationRepo
	Features    *features.Service
	Store       *frame.Store
	Queue       *queue.Queue
	Trainer     domain.Trainer
	Log         *slog.Logger
}

// TrainSpec describes one fine-tuning request.
type TrainSpec struct {
	Name   string
	Scheme string
	// Base is the checkpoint to fine-tune from.
	Base   string
	Params map[string]any
	User   string
}

// ModelDir returns the artifact directory of a language model.
func ModelDir(projectDir, name string) string {
	return filepath.Join(projectDir, "languagemodels", name)
}

// PredictPath returns the prediction file of a dataset.
func PredictPath(projectDir, name string, dataset domain.Dataset) string {
	return filepath.Join(projectDir, fmt.Sprintf("predict_bert_%s_%s.parquet", name, dataset))
}

// Train collects the labeled train texts and queues the fine-tune on the
// gpu pool. One training per user at a time.
func (s *Service) Train(ctx context.Context, project, dir string, spec TrainSpec) (string, error) {
	if spec.Name == "" {
		return "", fmt.Errorf("op=languagemodels.Train: empty name: %w", domain.ErrInvalid)
	}
	if _, err := s.Models.Get(ctx, project, spec.Name); err == nil {
		return "", fmt.Errorf("op=languagemodels.Train: model %q: %w", spec.Name, domain.ErrAlreadyExists)
	}
	if _, err := s.Schemes.Get(ctx, project, spec.Scheme); err != nil {
		return "", err
	}
	if s.Queue.Pending(spec.User, TaskKind) {
		return "", fmt.Errorf("op=languagemodels.Train: user %s already has a training running: %w", spec.User, domain.ErrConflict)
	}

	texts, labels, err := s.labeledTexts(ctx, project, dir, spec.Scheme, domain.DatasetTrain)
	if err != nil {
		return "", err
	}
	if len(texts) < minTrainRows {
		return "", fmt.Errorf("op=languagemodels.Train: only %d annotated elements: %w", len(texts), domain.ErrInvalid)
	}

	modelDir := ModelDir(dir, spec.Name)
	err = s.Models.Add(ctx, domain.Model{
		Project:    project,
		Name:       spec.Name,
		Kind:       domain.ModelLanguage,
		User:       spec.User,
		Scheme:     spec.Scheme,
		Parameters: map[string]any{"base": spec.Base, "params": spec.Params},
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
		if err := os.MkdirAll(modelDir, 0o755); err != nil {
			return nil, fmt.Errorf("op=languagemodels.Train: %w", err)
		}
		err := s.Trainer.Train(taskCtx, domain.TrainSpec{
			Project: project,
			Name:    spec.Name,
			Base:    spec.Base,
			Texts:   texts,
			Labels:  labels,
			Params:  spec.Params,
			Dir:     modelDir,
		})
		if err != nil {
			return nil, err
		}
		return nil, s.Models.SetStatus(taskCtx, project, spec.Name, domain.ModelTrained)
	}
	done := func(_ any, err error) {
		if err == nil {
			return
		}
		s.Log.Warn("language model training failed",
			slog.String("project", project),
			slog.String("model", spec.Name),
			slog.Any("error", err))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Models.SetStatus(ctx, project, spec.Name, domain.ModelFailed)
	}
	return s.Queue.Add(TaskKind, project, spec.User, domain.PoolGPU, fn, done)
}

// Predict queues inference over a dataset on the gpu pool. Predictions
// over the train partition are registered as a feature so active
// selection can use them; predictions over test also produce metrics.
func (s *Service) Predict(ctx context.Context, project, dir, name string, dataset domain.Dataset, user string) (string, error) {
	m, err := s.Models.Get(ctx, project, name)
	if err != nil {
		return "", err
	}
	if m.Status != domain.ModelTrained {
		return "", fmt.Errorf("op=languagemodels.Predict: model %s is %s: %w", name, m.Status, domain.ErrConflict)
	}
	if s.Queue.Pending(user, PredictTaskKind) {
		return "", fmt.Errorf("op=languagemodels.Predict: user %s already has a prediction running: %w", user, domain.ErrConflict)
	}
	paths := frame.ProjectPaths{Dir: dir}
	dataPath, err := paths.Dataset(dataset)
	if err != nil {
		return "", err
	}

	fn := func(taskCtx context.Context) (any, error) {
		fr, err := s.Store.Load(dataPath, "text")
		if err != nil {
			return nil, err
		}
		texts := fr.Col("text")
		if texts == nil {
			return nil, fmt.Errorf("op=languagemodels.Predict: no text column: %w", domain.ErrInternal)
		}
		classes, probas, err := s.Trainer.Predict(taskCtx, m.Path, texts.Strings)
		if err != nil {
			return nil, err
		}
		if err := s.writePredictions(dir, name, dataset, fr.IDs, classes, probas); err != nil {
			return nil, err
		}
		if dataset == domain.DatasetTrain {
			if err := s.Features.RegisterPrediction(taskCtx, project, dir, name, fr.IDs, classes, probas, user); err != nil {
				return nil, err
			}
		}
		if dataset == domain.DatasetTest {
			metrics, err := s.testMetrics(taskCtx, project, m.Scheme, fr.IDs, classes, probas)
			if err != nil {
				return nil, err
			}
			if metrics != nil {
				if err := s.Models.SetParam(taskCtx, project, name, "test_metrics", metrics); err != nil {
					return nil, err
				}
			}
		}
		return nil, nil
	}
	done := func(_ any, err error) {
		if err != nil {
			s.Log.Warn("language model prediction failed",
				slog.String("project", project),
				slog.String("model", name),
				slog.String("dataset", string(dataset)),
				slog.Any("error", err))
		}
	}
	return s.Queue.Add(PredictTaskKind, project, user, domain.PoolGPU, fn, done)
}

func (s *Service) writePredictions(dir, name string, dataset domain.Dataset, ids []string, classes []string, probas [][]float64) error {
	out, err := frame.New(ids)
	if err != nil {
		return err
	}
	pred := make([]string, len(ids))
	entropy := make([]float64, len(ids))
	perClass := make([][]float64, len(classes))
	for c := range perClass {
		perClass[c] = make([]float64, len(ids))
	}
	for i := range ids {
		if len(probas[i]) != len(classes) {
			return fmt.Errorf("op=languagemodels.writePredictions: ragged probabilities at row %d: %w", i, domain.ErrInternal)
		}
		pred[i] = classes[ml.Argmax(probas[i])]
		entropy[i] = ml.Entropy(probas[i])
		for c := range classes {
			perClass[c][i] = probas[i][c]
		}
	}
	if err := out.AddStrings("label", pred, nil); err != nil {
		return err
	}
	if err := out.AddFloats("entropy", entropy, nil); err != nil {
		return err
	}
	for c, l := range classes {
		if err := out.AddFloats("proba_"+l, perClass[c], nil); err != nil {
			return err
		}
	}
	return s.Store.Save(PredictPath(dir, name, dataset), out)
}

// testMetrics scores the predictions against the latest test labels.
// Returns nil when the test partition carries no annotations yet.
func (s *Service) testMetrics(ctx context.Context, project, scheme string, ids []string, classes []string, probas [][]float64) (*ml.Metrics, error) {
	current, err := s.Annotations.LatestPerElement(ctx, project, scheme, []domain.Dataset{domain.DatasetTest}, "")
	if err != nil {
		return nil, err
	}
	classIdx := make(map[string]int, len(classes))
	for i, c := range classes {
		classIdx[c] = i
	}
	rowOf := make(map[string]int, len(ids))
	for i, id := range ids {
		rowOf[id] = i
	}
	var yTrue, yPred []int
	for _, c := range current {
		if c.Label == nil {
			continue
		}
		cls, known := classIdx[*c.Label]
		if !known {
			continue
		}
		i, ok := rowOf[c.ElementID]
		if !ok {
			continue
		}
		yTrue = append(yTrue, cls)
		yPred = append(yPred, ml.Argmax(probas[i]))
	}
	if len(yTrue) == 0 {
		return nil, nil
	}
	m := ml.Evaluate(yTrue, yPred, classes)
	return &m, nil
}

func (s *Service) labeledTexts(ctx context.Context, project, dir, scheme string, dataset domain.Dataset) ([]string, []string, error) {
	current, err := s.Annotations.LatestPerElement(ctx, project, scheme, []domain.Dataset{dataset}, "")
	if err != nil {
		return nil, nil, err
	}
	paths := frame.ProjectPaths{Dir: dir}
	dataPath, err := paths.Dataset(dataset)
	if err != nil {
		return nil, nil, err
	}
	fr, err := s.Store.Load(dataPath, "text")
	if err != nil {
		return nil, nil, err
	}
	col := fr.Col("text")
	if col == nil {
		return nil, nil, fmt.Errorf("op=languagemodels.labeledTexts: no text column: %w", domain.ErrInternal)
	}
	// stable order keeps retrains reproducible
	sort.Slice(current, func(i, j int) bool { return current[i].ElementID < current[j].ElementID })
	var texts, labels []string
	for _, c := range current {
		if c.Label == nil {
			continue
		}
		i := fr.RowIndex(c.ElementID)
		if i < 0 {
			continue
		}
		texts = append(texts, col.Strings[i])
		labels = append(labels, *c.Label)
	}
	return texts, labels, nil
}

// Stop cancels the user's running trainings of this family.
func (s *Service) Stop(user string) []string {
	return s.Queue.KillUser(user, TaskKind, PredictTaskKind)
}

// List returns the language models of a project.
func (s *Service) List(ctx context.Context, project string) ([]domain.Model, error) {
	return s.Models.List(ctx, project, domain.ModelLanguage)
}

// Rename changes the record name. The artifact directory keeps its
// original name; the stored path stays authoritative.
func (s *Service) Rename(ctx context.Context, project, old, new string) error {
	if new == "" {
		return fmt.Errorf("op=languagemodels.Rename: empty name: %w", domain.ErrInvalid)
	}
	if _, err := s.Models.Get(ctx, project, new); err == nil {
		return fmt.Errorf("op=languagemodels.Rename: model %q: %w", new, domain.ErrAlreadyExists)
	}
	return s.Models.Rename(ctx, project, old, new)
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
			return fmt.Errorf("op=languagemodels.Delete: %w", err)
		}
	}
	for _, d := range []domain.Dataset{domain.DatasetTrain, domain.DatasetValid, domain.DatasetTest} {
		if err := s.Store.Remove(PredictPath(dir, name, d)); err != nil {
			return err
		}
	}
	return nil
}
