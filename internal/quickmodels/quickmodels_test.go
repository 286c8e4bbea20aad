package quickmodels

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/activetigger/activetigger/internal/domain"
	"github.com/activetigger/activetigger/internal/features"
	"github.com/activetigger/activetigger/internal/frame"
	"github.com/activetigger/activetigger/internal/queue"
)

type memModels struct {
	mu sync.Mutex
	m  map[string]domain.Model
}

func newMemModels() *memModels { return &memModels{m: map[string]domain.Model{}} }

func (r *memModels) key(p, n string) string { return p + "/" + n }

func (r *memModels) Add(_ context.Context, m domain.Model) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[r.key(m.Project, m.Name)]; ok {
		return domain.ErrAlreadyExists
	}
	r.m[r.key(m.Project, m.Name)] = m
	return nil
}

func (r *memModels) Get(_ context.Context, p, n string) (domain.Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.m[r.key(p, n)]
	if !ok {
		return domain.Model{}, domain.ErrNotFound
	}
	return m, nil
}

func (r *memModels) SetStatus(_ context.Context, p, n string, st domain.ModelStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.m[r.key(p, n)]
	if !ok {
		return domain.ErrNotFound
	}
	m.Status = st
	r.m[r.key(p, n)] = m
	return nil
}

func (r *memModels) SetParam(_ context.Context, p, n, flag string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.m[r.key(p, n)]
	if !ok {
		return domain.ErrNotFound
	}
	if m.Parameters == nil {
		m.Parameters = map[string]any{}
	}
	m.Parameters[flag] = value
	r.m[r.key(p, n)] = m
	return nil
}

func (r *memModels) Rename(_ context.Context, p, old, new string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[r.key(p, new)]; ok {
		return domain.ErrAlreadyExists
	}
	m, ok := r.m[r.key(p, old)]
	if !ok {
		return domain.ErrNotFound
	}
	delete(r.m, r.key(p, old))
	m.Name = new
	r.m[r.key(p, new)] = m
	return nil
}

func (r *memModels) Delete(_ context.Context, p, n string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[r.key(p, n)]; !ok {
		return domain.ErrNotFound
	}
	delete(r.m, r.key(p, n))
	return nil
}

func (r *memModels) list(p string, kind domain.ModelKind, trainedOnly bool) []domain.Model {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Model
	for _, m := range r.m {
		if m.Project == p && m.Kind == kind && (!trainedOnly || m.Status == domain.ModelTrained) {
			out = append(out, m)
		}
	}
	return out
}

func (r *memModels) ListTrained(_ context.Context, p string, kind domain.ModelKind) ([]domain.Model, error) {
	return r.list(p, kind, true), nil
}

func (r *memModels) List(_ context.Context, p string, kind domain.ModelKind) ([]domain.Model, error) {
	return r.list(p, kind, false), nil
}

type memSchemes struct {
	m map[string]domain.Scheme
}

func (r *memSchemes) Add(_ context.Context, s domain.Scheme) error { return nil }
func (r *memSchemes) Delete(_ context.Context, _, _ string) error  { return nil }
func (r *memSchemes) Get(_ context.Context, p, n string) (domain.Scheme, error) {
	s, ok := r.m[p+"/"+n]
	if !ok {
		return domain.Scheme{}, domain.ErrNotFound
	}
	return s, nil
}
func (r *memSchemes) List(_ context.Context, _ string) ([]domain.Scheme, error)     { return nil, nil }
func (r *memSchemes) UpdateLabels(_ context.Context, _, _ string, _ []string) error { return nil }
func (r *memSchemes) UpdateCodebook(_ context.Context, _, _, _ string) error        { return nil }
func (r *memSchemes) Rename(_ context.Context, _, _, _ string) error                { return nil }
func (r *memSchemes) Duplicate(_ context.Context, _, _, _, _ string) error          { return nil }

// labelsOnly serves LatestPerElement from a fixed map per dataset.
type labelsOnly struct {
	byDataset map[domain.Dataset][]domain.CurrentLabel
}

func (r *labelsOnly) Append(_ context.Context, _ domain.Annotation) error        { return nil }
func (r *labelsOnly) AppendBatch(_ context.Context, _ []domain.Annotation) error { return nil }
func (r *labelsOnly) LatestPerElement(_ context.Context, _, _ string, datasets []domain.Dataset, _ string) ([]domain.CurrentLabel, error) {
	var out []domain.CurrentLabel
	for _, d := range datasets {
		out = append(out, r.byDataset[d]...)
	}
	return out, nil
}
func (r *labelsOnly) History(_ context.Context, _, _, _ string, _ int) ([]domain.Annotation, error) {
	return nil, nil
}
func (r *labelsOnly) DistinctUsers(_ context.Context, _, _ string) ([]string, error) {
	return nil, nil
}
func (r *labelsOnly) RecentIDs(_ context.Context, _, _, _ string, _ int, _ domain.Dataset) ([]string, error) {
	return nil, nil
}
func (r *labelsOnly) ReconciliationTable(_ context.Context, _, _ string) ([]domain.Disagreement, error) {
	return nil, nil
}
func (r *labelsOnly) DeleteDataset(_ context.Context, _ string, _ domain.Dataset) error { return nil }

type memFeatures struct {
	m map[string]domain.Feature
}

func (r *memFeatures) Add(_ context.Context, f domain.Feature) error {
	r.m[f.Project+"/"+f.Name] = f
	return nil
}
func (r *memFeatures) Delete(_ context.Context, _, _ string) error { return nil }
func (r *memFeatures) Get(_ context.Context, p, n string) (domain.Feature, error) {
	f, ok := r.m[p+"/"+n]
	if !ok {
		return domain.Feature{}, domain.ErrNotFound
	}
	return f, nil
}
func (r *memFeatures) List(_ context.Context, _ string) ([]domain.Feature, error) { return nil, nil }
func (r *memFeatures) DeleteAll(_ context.Context, _ string) error                { return nil }

// fixture: two well separated clusters spread over 40 train, 4 valid
// and 4 test elements
func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	store := frame.NewStore()
	paths := frame.ProjectPaths{Dir: dir}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	rng := rand.New(rand.NewSource(7))
	var ids []string
	var f0, f1 []float64
	var datasets []string
	byDataset := map[domain.Dataset][]domain.CurrentLabel{}
	addRow := func(id string, d domain.Dataset, i int) {
		cx, label := 0.0, "a"
		if i%2 == 1 {
			cx, label = 6.0, "b"
		}
		ids = append(ids, id)
		f0 = append(f0, cx+rng.NormFloat64()*0.3)
		f1 = append(f1, cx+rng.NormFloat64()*0.3)
		datasets = append(datasets, string(d))
		l := label
		byDataset[d] = append(byDataset[d], domain.CurrentLabel{ElementID: id, Dataset: d, Label: &l})
	}
	for i := 0; i < 40; i++ {
		addRow("e"+string(rune('0'+i/10))+string(rune('0'+i%10)), domain.DatasetTrain, i)
	}
	for i := 0; i < 4; i++ {
		addRow("v"+string(rune('0'+i)), domain.DatasetValid, i)
		addRow("t"+string(rune('0'+i)), domain.DatasetTest, i)
	}
	fr, err := frame.New(ids)
	require.NoError(t, err)
	require.NoError(t, fr.AddFloats("feat__0", f0, nil))
	require.NoError(t, fr.AddFloats("feat__1", f1, nil))
	require.NoError(t, fr.AddStrings("dataset", datasets, nil))
	require.NoError(t, store.Save(paths.Features(), fr))

	featRepo := &memFeatures{m: map[string]domain.Feature{}}
	require.NoError(t, featRepo.Add(context.Background(), domain.Feature{
		Project: "p", Name: "feat", Kind: domain.FeatureSbert,
		Columns: []string{"feat__0", "feat__1"},
	}))

	q := queue.New(2, 1, 5, log)
	t.Cleanup(q.Close)

	return &Service{
		Models: newMemModels(),
		Schemes: &memSchemes{m: map[string]domain.Scheme{
			"p/default": {Project: "p", Name: "default", Kind: domain.SchemeMulticlass, Labels: []string{"a", "b"}},
		}},
		Annotations: &labelsOnly{byDataset: byDataset},
		Features:    &features.Service{Features: featRepo, Store: store, Queue: q, Log: log},
		Store:       store,
		Queue:       q,
		Log:         log,
	}, dir
}

func waitStatus(t *testing.T, s *Service, project, name string, want domain.ModelStatus) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		s.Queue.Reap()
		m, err := s.Models.Get(context.Background(), project, name)
		require.NoError(t, err)
		if m.Status == want {
			return
		}
		if m.Status == domain.ModelFailed && want != domain.ModelFailed {
			t.Fatalf("model %s failed", name)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("model %s never reached %s", name, want)
}

func TestTrain_LiblinearEndToEnd(t *testing.T) {
	t.Parallel()
	svc, dir := newTestService(t)
	ctx := context.Background()

	id, err := svc.Train(ctx, "p", dir, TrainSpec{
		Name: "m1", Scheme: "default", Kind: KindLiblinear,
		Features: []string{"feat"}, Standardize: true, User: "u",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	waitStatus(t, svc, "p", "m1", domain.ModelTrained)

	m, err := svc.Models.Get(ctx, "p", "m1")
	require.NoError(t, err)
	res, ok := m.Parameters["metrics"].(*Results)
	require.True(t, ok)
	assert.Greater(t, res.Train.Accuracy, 0.9)
	assert.Greater(t, res.Internal.Accuracy, 0.9)
	require.NotNil(t, res.Valid)
	assert.Greater(t, res.Valid.Accuracy, 0.9)
	require.NotNil(t, res.Test)
	assert.Greater(t, res.Test.Accuracy, 0.9)

	_, err = os.Stat(filepath.Join(ModelDir(dir, "m1"), "model.gob"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(ModelDir(dir, "m1"), "metrics.json"))
	require.NoError(t, err)

	// predictions cover the train partition only
	pred, err := svc.Store.Load(PredictPath(dir, domain.DatasetTrain))
	require.NoError(t, err)
	assert.Equal(t, 40, pred.Len())
	require.NotNil(t, pred.Col("label"))
	require.NotNil(t, pred.Col("entropy"))
	require.NotNil(t, pred.Col("proba_a"))
	require.NotNil(t, pred.Col("proba_b"))
}

func TestPredict_FiltersByPartition(t *testing.T) {
	t.Parallel()
	svc, dir := newTestService(t)
	ctx := context.Background()

	_, err := svc.Train(ctx, "p", dir, TrainSpec{
		Name: "m1", Scheme: "default", Kind: KindLiblinear,
		Features: []string{"feat"}, Standardize: true, User: "u",
	})
	require.NoError(t, err)
	waitStatus(t, svc, "p", "m1", domain.ModelTrained)

	require.NoError(t, svc.Predict(ctx, "p", dir, "m1", domain.DatasetTest))
	pred, err := svc.Store.Load(PredictPath(dir, domain.DatasetTest))
	require.NoError(t, err)
	assert.Equal(t, 4, pred.Len())
	for _, id := range []string{"t0", "t1", "t2", "t3"} {
		assert.GreaterOrEqual(t, pred.RowIndex(id), 0)
	}

	require.NoError(t, svc.Predict(ctx, "p", dir, "m1", domain.DatasetAll))
	all, err := svc.Store.Load(PredictPath(dir, domain.DatasetAll))
	require.NoError(t, err)
	assert.Equal(t, 48, all.Len())
}

func TestTrain_RandomForestWithCV(t *testing.T) {
	t.Parallel()
	svc, dir := newTestService(t)
	ctx := context.Background()

	_, err := svc.Train(ctx, "p", dir, TrainSpec{
		Name: "rf", Scheme: "default", Kind: KindRandomForest,
		Features: []string{"feat"}, CV10: true,
		Params: map[string]any{"n_estimators": 20}, User: "u",
	})
	require.NoError(t, err)
	waitStatus(t, svc, "p", "rf", domain.ModelTrained)

	m, _ := svc.Models.Get(ctx, "p", "rf")
	res := m.Parameters["metrics"].(*Results)
	require.NotNil(t, res.CV10)
	assert.Greater(t, res.CV10.Accuracy, 0.9)
}

func TestTrain_Validation(t *testing.T) {
	t.Parallel()
	svc, dir := newTestService(t)
	ctx := context.Background()

	_, err := svc.Train(ctx, "p", dir, TrainSpec{
		Name: "x", Scheme: "default", Kind: "svm", Features: []string{"feat"}, User: "u",
	})
	require.ErrorIs(t, err, domain.ErrInvalid)

	_, err = svc.Train(ctx, "p", dir, TrainSpec{
		Name: "x", Scheme: "default", Kind: KindKNN, User: "u",
	})
	require.ErrorIs(t, err, domain.ErrInvalid)

	_, err = svc.Train(ctx, "p", dir, TrainSpec{
		Name: "x", Scheme: "missing", Kind: KindKNN, Features: []string{"feat"}, User: "u",
	})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTrain_DuplicateName(t *testing.T) {
	t.Parallel()
	svc, dir := newTestService(t)
	ctx := context.Background()

	_, err := svc.Train(ctx, "p", dir, TrainSpec{
		Name: "m1", Scheme: "default", Kind: KindKNN, Features: []string{"feat"}, User: "u",
	})
	require.NoError(t, err)
	waitStatus(t, svc, "p", "m1", domain.ModelTrained)

	_, err = svc.Train(ctx, "p", dir, TrainSpec{
		Name: "m1", Scheme: "default", Kind: KindKNN, Features: []string{"feat"}, User: "u",
	})
	require.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestTrain_TooFewAnnotationsFails(t *testing.T) {
	t.Parallel()
	svc, dir := newTestService(t)
	ctx := context.Background()

	repo := svc.Annotations.(*labelsOnly)
	repo.byDataset[domain.DatasetTrain] = repo.byDataset[domain.DatasetTrain][:4]

	_, err := svc.Train(ctx, "p", dir, TrainSpec{
		Name: "tiny", Scheme: "default", Kind: KindKNN, Features: []string{"feat"}, User: "u",
	})
	require.NoError(t, err)
	waitStatus(t, svc, "p", "tiny", domain.ModelFailed)
}

func TestDelete_RemovesArtifacts(t *testing.T) {
	t.Parallel()
	svc, dir := newTestService(t)
	ctx := context.Background()

	_, err := svc.Train(ctx, "p", dir, TrainSpec{
		Name: "m1", Scheme: "default", Kind: KindKNN, Features: []string{"feat"}, User: "u",
	})
	require.NoError(t, err)
	waitStatus(t, svc, "p", "m1", domain.ModelTrained)

	require.NoError(t, svc.Delete(ctx, "p", dir, "m1"))
	_, err = svc.Models.Get(ctx, "p", "m1")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = os.Stat(ModelDir(dir, "m1"))
	require.True(t, os.IsNotExist(err))
}

func TestRetrain_ReplacesModel(t *testing.T) {
	t.Parallel()
	svc, dir := newTestService(t)
	ctx := context.Background()

	_, err := svc.Train(ctx, "p", dir, TrainSpec{
		Name: "m1", Scheme: "default", Kind: KindKNN, Features: []string{"feat"}, User: "u",
	})
	require.NoError(t, err)
	waitStatus(t, svc, "p", "m1", domain.ModelTrained)

	_, err = svc.Retrain(ctx, "p", dir, TrainSpec{
		Name: "m1", Scheme: "default", Kind: KindLiblinear, Features: []string{"feat"}, User: "u",
	})
	require.NoError(t, err)
	waitStatus(t, svc, "p", "m1", domain.ModelTrained)

	m, err := svc.Models.Get(ctx, "p", "m1")
	require.NoError(t, err)
	assert.Equal(t, KindLiblinear, m.Parameters["kind"])
}
