package project

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/activetigger/activetigger/internal/domain"
	"github.com/activetigger/activetigger/internal/features"
	"github.com/activetigger/activetigger/internal/frame"
	"github.com/activetigger/activetigger/internal/projections"
	"github.com/activetigger/activetigger/internal/queue"
	"github.com/activetigger/activetigger/internal/quickmodels"
)

type memAnnotations struct {
	mu        sync.Mutex
	byDataset map[domain.Dataset][]domain.CurrentLabel
	history   []domain.Annotation
}

func (r *memAnnotations) Append(_ context.Context, a domain.Annotation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, a)
	return nil
}
func (r *memAnnotations) AppendBatch(_ context.Context, _ []domain.Annotation) error { return nil }
func (r *memAnnotations) LatestPerElement(_ context.Context, _, _ string, datasets []domain.Dataset, _ string) ([]domain.CurrentLabel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.CurrentLabel
	for _, d := range datasets {
		out = append(out, r.byDataset[d]...)
	}
	return out, nil
}
func (r *memAnnotations) History(_ context.Context, _, _, elementID string, limit int) ([]domain.Annotation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Annotation
	for _, a := range r.history {
		if elementID == "" || a.ElementID == elementID {
			out = append(out, a)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
func (r *memAnnotations) DistinctUsers(_ context.Context, _, _ string) ([]string, error) {
	return []string{"u"}, nil
}
func (r *memAnnotations) RecentIDs(_ context.Context, _, _, _ string, _ int, _ domain.Dataset) ([]string, error) {
	return nil, nil
}
func (r *memAnnotations) ReconciliationTable(_ context.Context, _, _ string) ([]domain.Disagreement, error) {
	return nil, nil
}
func (r *memAnnotations) DeleteDataset(_ context.Context, _ string, dataset domain.Dataset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byDataset, dataset)
	return nil
}

type memProjects struct {
	mu     sync.Mutex
	params map[string]domain.ProjectParams
}

func (r *memProjects) Add(_ context.Context, p domain.ProjectParams, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.params[p.Slug] = p
	return nil
}
func (r *memProjects) Update(_ context.Context, p domain.ProjectParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.params[p.Slug] = p
	return nil
}
func (r *memProjects) Get(_ context.Context, slug string) (domain.ProjectParams, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.params[slug]
	if !ok {
		return domain.ProjectParams{}, domain.ErrNotFound
	}
	return p, nil
}
func (r *memProjects) List(_ context.Context) ([]string, error) { return nil, nil }
func (r *memProjects) Delete(_ context.Context, _ string) error { return nil }

type memFeatures struct {
	mu sync.Mutex
	m  map[string]domain.Feature
}

func (r *memFeatures) Add(_ context.Context, f domain.Feature) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[f.Project+"/"+f.Name] = f
	return nil
}
func (r *memFeatures) Delete(_ context.Context, _, _ string) error { return nil }
func (r *memFeatures) Get(_ context.Context, p, n string) (domain.Feature, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.m[p+"/"+n]
	if !ok {
		return domain.Feature{}, domain.ErrNotFound
	}
	return f, nil
}
func (r *memFeatures) List(_ context.Context, _ string) ([]domain.Feature, error) { return nil, nil }
func (r *memFeatures) DeleteAll(_ context.Context, p string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, f := range r.m {
		if f.Project == p {
			delete(r.m, k)
		}
	}
	return nil
}

func strptr(s string) *string { return &s }

func newTestProject(t *testing.T) *Project {
	t.Helper()
	dir := t.TempDir()
	store := frame.NewStore()
	paths := frame.ProjectPaths{Dir: dir}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	ids := []string{"e1", "e2", "e3", "e4", "e5", "e6"}
	texts := []string{"alpha cat", "beta dog", "gamma cat", "delta dog", "epsilon cat", "zeta dog"}
	years := []float64{2019, 2020, 2021, 2022, 2023, 2024}
	train, err := frame.New(ids)
	require.NoError(t, err)
	require.NoError(t, train.AddStrings("text", texts, nil))
	require.NoError(t, train.AddFloats("year", years, nil))
	limits := make([]float64, len(ids))
	for i := range limits {
		limits[i] = 1200
	}
	require.NoError(t, train.AddFloats("limit", limits, nil))
	require.NoError(t, store.Save(paths.Train(), train))

	// corpus file with two rows still unused
	allIDs := append(append([]string(nil), ids...), "x1", "x2")
	all, err := frame.New(allIDs)
	require.NoError(t, err)
	allTexts := append(append([]string(nil), texts...), "eta cat", "theta dog")
	require.NoError(t, all.AddStrings("text", allTexts, nil))
	require.NoError(t, all.AddFloats("year", append(append([]float64(nil), years...), 2025, 2026), nil))
	require.NoError(t, all.AddFloats("limit", append(append([]float64(nil), limits...), 1200, 1200), nil))
	datasets := make([]string, len(allIDs))
	valid := make([]bool, len(allIDs))
	for i := range ids {
		datasets[i] = "train"
		valid[i] = true
	}
	require.NoError(t, all.AddStrings("dataset", datasets, valid))
	require.NoError(t, store.Save(paths.All(), all))

	testF, err := frame.New([]string{"t1", "t2"})
	require.NoError(t, err)
	require.NoError(t, testF.AddStrings("text", []string{"test one", "test two"}, nil))
	require.NoError(t, store.Save(paths.Test(), testF))

	// quick model predictions over the train ids
	pred, err := frame.New(ids)
	require.NoError(t, err)
	require.NoError(t, pred.AddStrings("label", []string{"pos", "neg", "pos", "neg", "pos", "neg"}, nil))
	require.NoError(t, pred.AddFloats("proba_pos", []float64{0.9, 0.2, 0.7, 0.4, 0.6, 0.1}, nil))
	require.NoError(t, pred.AddFloats("proba_neg", []float64{0.1, 0.8, 0.3, 0.6, 0.4, 0.9}, nil))
	require.NoError(t, pred.AddFloats("entropy", []float64{0.3, 0.5, 0.6, 0.67, 0.65, 0.2}, nil))
	require.NoError(t, store.Save(quickmodels.PredictPath(dir, domain.DatasetTrain), pred))

	require.NoError(t, store.Reset(paths.Features(), ids))

	q := queue.New(2, 1, 5, log)
	t.Cleanup(q.Close)
	feats := &features.Service{Features: &memFeatures{m: map[string]domain.Feature{}}, Store: store, Queue: q, Log: log}

	params := domain.ProjectParams{
		Slug:        "p",
		ColsContext: []string{"year"},
		ColsText:    []string{"text"},
		AllColumns:  []string{"text", "year", "limit", "label"},
		NTrain:      6,
		NTest:       2,
		NTotal:      8,
		HasTest:     true,
		Dir:         dir,
	}
	projectsRepo := &memProjects{params: map[string]domain.ProjectParams{"p": params}}
	annotations := &memAnnotations{byDataset: map[domain.Dataset][]domain.CurrentLabel{
		domain.DatasetTrain: {
			{ElementID: "e1", Label: strptr("pos"), User: "u"},
			{ElementID: "e2", Label: nil, User: "u"},
		},
		domain.DatasetTest: {
			{ElementID: "t1", Label: strptr("pos"), User: "u"},
		},
	}}

	return &Project{
		Params:      params,
		Features:    feats,
		Projections: projections.NewService(feats, q, log),
		Store:       store,
		Projects:    projectsRepo,
		Annotations: annotations,
		Log:         log,
		LoadedAt:    time.Now(),
	}
}

func TestNextElement_DeterministicUntagged(t *testing.T) {
	t.Parallel()
	p := newTestProject(t)
	out, err := p.NextElement(context.Background(), SelectionReq{
		Scheme: "default", Mode: domain.SelectionDeterministic, Sample: domain.SampleUntagged, User: "u",
	})
	require.NoError(t, err)
	// e1 carries a label, e2's latest record is a null label
	assert.Equal(t, "e2", out.ElementID)
	assert.Equal(t, "beta dog", out.Text)
	assert.Equal(t, 1200, out.Limit)
	assert.Equal(t, 2020.0, out.Context["year"])
}

func TestNextElement_RandomSeeded(t *testing.T) {
	t.Parallel()
	p := newTestProject(t)
	req := SelectionReq{
		Scheme: "default", Mode: domain.SelectionRandom, Sample: domain.SampleAll, User: "u", Seed: 42,
	}
	a, err := p.NextElement(context.Background(), req)
	require.NoError(t, err)
	b, err := p.NextElement(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, a.ElementID, b.ElementID)
}

func TestNextElement_MaxProb(t *testing.T) {
	t.Parallel()
	p := newTestProject(t)
	out, err := p.NextElement(context.Background(), SelectionReq{
		Scheme: "default", Mode: domain.SelectionMaxProb, Sample: domain.SampleUntagged,
		User: "u", Tag: "pos",
	})
	require.NoError(t, err)
	// e1 is tagged; e3 has the highest proba_pos of the untagged rows
	assert.Equal(t, "e3", out.ElementID)
	assert.Equal(t, "probability: 0.70", out.Info)
	require.NotNil(t, out.Predict)
	assert.Equal(t, "pos", out.Predict.Label)

	_, err = p.NextElement(context.Background(), SelectionReq{
		Scheme: "default", Mode: domain.SelectionMaxProb, Sample: domain.SampleAll, User: "u",
	})
	require.ErrorIs(t, err, domain.ErrInvalid)
}

func TestNextElement_Active(t *testing.T) {
	t.Parallel()
	p := newTestProject(t)
	out, err := p.NextElement(context.Background(), SelectionReq{
		Scheme: "default", Mode: domain.SelectionActive, Sample: domain.SampleAll, User: "u",
	})
	require.NoError(t, err)
	assert.Equal(t, "e4", out.ElementID)
	assert.Contains(t, out.Info, "entropy")
}

func TestNextElement_Filters(t *testing.T) {
	t.Parallel()
	p := newTestProject(t)
	ctx := context.Background()

	out, err := p.NextElement(ctx, SelectionReq{
		Scheme: "default", Mode: domain.SelectionDeterministic, Sample: domain.SampleAll,
		User: "u", Filter: "cat",
	})
	require.NoError(t, err)
	assert.Equal(t, "e1", out.ElementID)

	out, err = p.NextElement(ctx, SelectionReq{
		Scheme: "default", Mode: domain.SelectionDeterministic, Sample: domain.SampleAll,
		User: "u", Filter: "CONTEXT=2022",
	})
	require.NoError(t, err)
	assert.Equal(t, "e4", out.ElementID)

	out, err = p.NextElement(ctx, SelectionReq{
		Scheme: "default", Mode: domain.SelectionDeterministic, Sample: domain.SampleAll,
		User: "u", History: []string{"e1", "e2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "e3", out.ElementID)

	_, err = p.NextElement(ctx, SelectionReq{
		Scheme: "default", Mode: domain.SelectionDeterministic, Sample: domain.SampleAll,
		User: "u", Filter: "no such text anywhere",
	})
	require.ErrorIs(t, err, domain.ErrUnavailable)

	_, err = p.NextElement(ctx, SelectionReq{
		Scheme: "default", Mode: domain.SelectionDeterministic, Sample: domain.SampleAll,
		User: "u", Filter: "(",
	})
	require.ErrorIs(t, err, domain.ErrInvalid)
}

func TestNextElement_TestMode(t *testing.T) {
	t.Parallel()
	p := newTestProject(t)
	out, err := p.NextElement(context.Background(), SelectionReq{
		Scheme: "default", Mode: domain.SelectionTest, User: "u", Seed: 7,
	})
	require.NoError(t, err)
	// t1 is already tagged in the test partition
	assert.Equal(t, "t2", out.ElementID)

	p.Params.HasTest = false
	_, err = p.NextElement(context.Background(), SelectionReq{
		Scheme: "default", Mode: domain.SelectionTest, User: "u",
	})
	require.ErrorIs(t, err, domain.ErrInvalid)
}

func TestGetElement(t *testing.T) {
	t.Parallel()
	p := newTestProject(t)
	ctx := context.Background()
	require.NoError(t, p.Annotations.Append(ctx, domain.Annotation{
		ID: "01A", ElementID: "e1", Scheme: "default", User: "u", Label: strptr("pos"),
	}))

	out, err := p.GetElement(ctx, "e1", "default")
	require.NoError(t, err)
	assert.Equal(t, "alpha cat", out.Text)
	require.Len(t, out.History, 1)
	require.NotNil(t, out.Predict)

	out, err = p.GetElement(ctx, "t2", "default")
	require.NoError(t, err)
	assert.Equal(t, "test two", out.Text)

	_, err = p.GetElement(ctx, "missing", "default")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStats(t *testing.T) {
	t.Parallel()
	p := newTestProject(t)
	st, err := p.Stats(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, 6, st.NTrain)
	assert.Equal(t, 1, st.TrainAnnotated)
	assert.Equal(t, map[string]int{"pos": 1}, st.TrainLabels)
	assert.Equal(t, 1, st.TestAnnotated)
	assert.Equal(t, []string{"u"}, st.Users)
}

func TestTable(t *testing.T) {
	t.Parallel()
	p := newTestProject(t)
	ctx := context.Background()

	rows, err := p.Table(ctx, "default", domain.DatasetTrain, domain.SampleTagged, 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "e1", rows[0].ElementID)

	rows, err = p.Table(ctx, "default", domain.DatasetTrain, domain.SampleUntagged, 0, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "e2", rows[0].ElementID)
}

func TestExportAnnotationsCSV(t *testing.T) {
	t.Parallel()
	p := newTestProject(t)
	var buf bytes.Buffer
	require.NoError(t, p.ExportAnnotationsCSV(context.Background(), &buf, "default", domain.DatasetTrain))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "element_id,label,user,time", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "e1,pos,u"))
}

func TestDropTestSet(t *testing.T) {
	t.Parallel()
	p := newTestProject(t)
	ctx := context.Background()

	require.NoError(t, p.DropTestSet(ctx))
	assert.False(t, p.Params.HasTest)
	assert.Equal(t, 0, p.Params.NTest)
	paths := frame.ProjectPaths{Dir: p.Params.Dir}
	_, err := os.Stat(paths.Test())
	require.True(t, os.IsNotExist(err))

	require.ErrorIs(t, p.DropTestSet(ctx), domain.ErrNotFound)
}

func TestExtendTrain(t *testing.T) {
	t.Parallel()
	p := newTestProject(t)
	ctx := context.Background()

	added, err := p.ExtendTrain(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, 8, p.Params.NTrain)

	paths := frame.ProjectPaths{Dir: p.Params.Dir}
	train, err := p.Store.Load(paths.Train())
	require.NoError(t, err)
	assert.Equal(t, 8, train.Len())
	assert.GreaterOrEqual(t, train.RowIndex("x1"), 0)
	assert.Nil(t, train.Col("dataset"))

	// the rebuilt features file spans the extended train set plus the
	// test partition
	feats, err := p.Store.Load(paths.Features())
	require.NoError(t, err)
	assert.Equal(t, 10, feats.Len())
	ds := feats.Col("dataset")
	require.NotNil(t, ds)
	assert.GreaterOrEqual(t, feats.RowIndex("x1"), 0)
	assert.GreaterOrEqual(t, feats.RowIndex("t1"), 0)

	_, err = p.ExtendTrain(ctx, 1)
	require.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestUpdateColumns(t *testing.T) {
	t.Parallel()
	p := newTestProject(t)
	ctx := context.Background()

	require.NoError(t, p.UpdateColumns(ctx, []string{"year", "limit"}, nil))
	assert.Equal(t, []string{"year", "limit"}, p.Params.ColsContext)
	assert.Equal(t, []string{"text"}, p.Params.ColsText)

	err := p.UpdateColumns(ctx, []string{"nope"}, nil)
	require.ErrorIs(t, err, domain.ErrInvalid)

	err = p.UpdateColumns(ctx, nil, []string{})
	require.ErrorIs(t, err, domain.ErrInvalid)
}
