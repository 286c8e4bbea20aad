// Package features computes and stores per-element feature columns.
// Every feature is a named group of float columns (name__0..name__k) in
// the project's features file, which spans the train, valid and test ids
// with a dataset column marking each row's partition. Embedding features
// run on the worker pools; regex and dataset features are cheap and
// computed inline.
package features

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/activetigger/activetigger/internal/domain"
	"github.com/activetigger/activetigger/internal/frame"
	"github.com/activetigger/activetigger/internal/queue"
	"github.com/activetigger/activetigger/pkg/textx"
)

// TaskKind is the queue kind for feature computations, used for the
// one-pending-per-user rule.
const TaskKind = "feature"

// Service owns feature computation for loaded projects.
type Service struct {
	Features domain.FeatureRepo
	Store    *frame.Store
	Queue    *queue.Queue
	// Sbert runs on the gpu pool, Fasttext on the cpu pool. Both speak
	// the same embeddings port.
	Sbert    domain.Embedder
	Fasttext domain.Embedder
	Log      *slog.Logger

	mu       sync.Mutex
	inflight map[string]Computing // task id -> queued computation
}

// Computing is one feature computation in flight. Progress is a percent
// read from the task's progress file under the project dir.
type Computing struct {
	TaskID   string             `json:"task_id"`
	Name     string             `json:"name"`
	Kind     domain.FeatureKind `json:"kind"`
	User     string             `json:"user"`
	Progress float64            `json:"progress"`

	project string
}

// AddSpec describes one feature to compute.
type AddSpec struct {
	Name   string
	Kind   domain.FeatureKind
	Params map[string]any
	User   string
}

// Add computes a feature. Embedding and dfm kinds are queued and the task
// id is returned; regex and dataset kinds complete before returning with
// an empty task id. A user with a computation already in flight gets
// ErrConflict.
func (s *Service) Add(ctx context.Context, project, dir string, spec AddSpec) (string, error) {
	if spec.Name == "" {
		return "", fmt.Errorf("op=features.Add: empty name: %w", domain.ErrInvalid)
	}
	if _, err := s.Features.Get(ctx, project, spec.Name); err == nil {
		return "", fmt.Errorf("op=features.Add: feature %q: %w", spec.Name, domain.ErrAlreadyExists)
	}

	ids, texts, err := s.partitionTexts(dir)
	if err != nil {
		return "", fmt.Errorf("op=features.Add: %w", err)
	}

	switch spec.Kind {
	case domain.FeatureRegex:
		return "", s.addRegex(ctx, project, dir, spec, ids, texts)
	case domain.FeatureDataset:
		return "", s.addDataset(ctx, project, dir, spec)
	case domain.FeatureSbert, domain.FeatureFasttext, domain.FeatureDfm:
	default:
		return "", fmt.Errorf("op=features.Add: kind %q: %w", spec.Kind, domain.ErrInvalid)
	}

	if s.Queue.Pending(spec.User, TaskKind) {
		return "", fmt.Errorf("op=features.Add: user %s already has a feature computing: %w", spec.User, domain.ErrConflict)
	}

	pool := domain.PoolCPU
	if spec.Kind == domain.FeatureSbert {
		pool = domain.PoolGPU
	}
	fn := func(taskCtx context.Context) (any, error) {
		progress := func(float64) {}
		if id := queue.TaskIDFrom(taskCtx); id != "" {
			pf := filepath.Join(dir, id)
			progress = func(p float64) {
				_ = os.WriteFile(pf, []byte(strconv.FormatFloat(p, 'f', 1, 64)), 0o644)
			}
			progress(0)
			defer func() { _ = os.Remove(pf) }()
		}
		vectors, err := s.compute(taskCtx, spec, texts, progress)
		if err != nil {
			return nil, err
		}
		cols, err := s.writeColumns(dir, spec.Name, ids, vectors, nil)
		if err != nil {
			return nil, err
		}
		return cols, s.Features.Add(taskCtx, domain.Feature{
			Project:    project,
			Name:       spec.Name,
			Kind:       spec.Kind,
			Parameters: spec.Params,
			User:       spec.User,
			Columns:    cols,
			Time:       time.Now().UTC(),
		})
	}
	done := func(_ any, err error) {
		if err != nil {
			s.Log.Warn("feature computation failed",
				slog.String("project", project),
				slog.String("feature", spec.Name),
				slog.Any("error", err))
		}
	}
	id, err := s.Queue.Add(TaskKind, project, spec.User, pool, fn, done)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	if s.inflight == nil {
		s.inflight = make(map[string]Computing)
	}
	s.inflight[id] = Computing{TaskID: id, Name: spec.Name, Kind: spec.Kind, User: spec.User, project: project}
	s.mu.Unlock()
	return id, nil
}

// CurrentComputing lists the feature computations of a project still
// pending or running, with the progress their tasks last reported.
// Entries of finished tasks are pruned on the way.
func (s *Service) CurrentComputing(project, dir string) []Computing {
	states := make(map[string]domain.TaskState)
	for _, t := range s.Queue.Snapshot() {
		states[t.ID] = t.State
	}
	s.mu.Lock()
	var out []Computing
	for id, c := range s.inflight {
		st, ok := states[id]
		if !ok || (st != domain.TaskPending && st != domain.TaskRunning) {
			delete(s.inflight, id)
			continue
		}
		if c.project != project {
			continue
		}
		c.Progress = readProgress(filepath.Join(dir, id))
		out = append(out, c)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func readProgress(path string) float64 {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	p, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0
	}
	return p
}

// partitionFrame is one partition file loaded for feature computation.
type partitionFrame struct {
	dataset domain.Dataset
	frame   *frame.Frame
}

// partitionFrames loads the requested columns of the train, valid and
// test files, in that order. Partitions without a file are skipped.
func (s *Service) partitionFrames(dir string, cols ...string) ([]partitionFrame, error) {
	paths := frame.ProjectPaths{Dir: dir}
	var out []partitionFrame
	for _, d := range []domain.Dataset{domain.DatasetTrain, domain.DatasetValid, domain.DatasetTest} {
		p, err := paths.Dataset(d)
		if err != nil {
			return nil, err
		}
		f, err := s.Store.Load(p, cols...)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, partitionFrame{dataset: d, frame: f})
	}
	return out, nil
}

// partitionTexts concatenates the ids and texts of every partition, in
// features-file row order.
func (s *Service) partitionTexts(dir string) ([]string, []string, error) {
	parts, err := s.partitionFrames(dir, "text")
	if err != nil {
		return nil, nil, err
	}
	var ids, texts []string
	for _, p := range parts {
		c := p.frame.Col("text")
		if c == nil {
			return nil, nil, fmt.Errorf("op=features.partitionTexts: %s partition has no text column: %w", p.dataset, domain.ErrInternal)
		}
		ids = append(ids, p.frame.IDs...)
		texts = append(texts, c.Strings...)
	}
	if len(ids) == 0 {
		return nil, nil, fmt.Errorf("op=features.partitionTexts: no partition files: %w", domain.ErrNotFound)
	}
	return ids, texts, nil
}

// embedBatch is the number of texts sent to an embedder per call;
// progress is reported after each batch.
const embedBatch = 128

func embedBatches(ctx context.Context, e domain.Embedder, model string, texts []string, progress func(float64)) ([][]float64, error) {
	out := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatch {
		end := start + embedBatch
		if end > len(texts) {
			end = len(texts)
		}
		vs, err := e.Embed(ctx, model, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vs...)
		progress(100 * float64(end) / float64(len(texts)))
	}
	return out, nil
}

func (s *Service) compute(ctx context.Context, spec AddSpec, texts []string, progress func(float64)) ([][]float64, error) {
	switch spec.Kind {
	case domain.FeatureSbert:
		return embedBatches(ctx, s.Sbert, paramString(spec.Params, "model", "all-MiniLM-L6-v2"), texts, progress)
	case domain.FeatureFasttext:
		return embedBatches(ctx, s.Fasttext, paramString(spec.Params, "model", "cc.en.300"), texts, progress)
	case domain.FeatureDfm:
		out := BuildDfm(texts, DfmParamsFrom(spec.Params))
		progress(100)
		return out, nil
	}
	return nil, fmt.Errorf("op=features.compute: kind %q: %w", spec.Kind, domain.ErrInvalid)
}

func (s *Service) addRegex(ctx context.Context, project, dir string, spec AddSpec, ids []string, texts []string) error {
	pattern := paramString(spec.Params, "value", "")
	if pattern == "" {
		return fmt.Errorf("op=features.addRegex: empty pattern: %w", domain.ErrInvalid)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("op=features.addRegex: %v: %w", err, domain.ErrInvalid)
	}
	vectors := make([][]float64, len(texts))
	for i, t := range texts {
		v := 0.0
		if re.MatchString(t) {
			v = 1
		}
		vectors[i] = []float64{v}
	}
	cols, err := s.writeColumns(dir, spec.Name, ids, vectors, nil)
	if err != nil {
		return err
	}
	return s.Features.Add(ctx, domain.Feature{
		Project:    project,
		Name:       spec.Name,
		Kind:       domain.FeatureRegex,
		Parameters: spec.Params,
		User:       spec.User,
		Columns:    cols,
		Time:       time.Now().UTC(),
	})
}

// addDataset copies a numeric column of the source table into the
// feature space, null where a partition lacks the column.
func (s *Service) addDataset(ctx context.Context, project, dir string, spec AddSpec) error {
	column := paramString(spec.Params, "column", "")
	if column == "" {
		return fmt.Errorf("op=features.addDataset: no column: %w", domain.ErrInvalid)
	}
	parts, err := s.partitionFrames(dir, column)
	if err != nil {
		return err
	}
	var ids []string
	var vectors [][]float64
	var valid []bool
	found := false
	for _, p := range parts {
		c := p.frame.Col(column)
		if c != nil {
			if c.Kind != frame.KindFloat {
				return fmt.Errorf("op=features.addDataset: column %q is not numeric: %w", column, domain.ErrInvalid)
			}
			found = true
		}
		for i, id := range p.frame.IDs {
			v := math.NaN()
			ok := false
			if c != nil && c.Valid[i] {
				v = c.Floats[i]
				ok = true
			}
			ids = append(ids, id)
			vectors = append(vectors, []float64{v})
			valid = append(valid, ok)
		}
	}
	if !found {
		return fmt.Errorf("op=features.addDataset: column %q: %w", column, domain.ErrNotFound)
	}
	cols, err := s.writeColumns(dir, spec.Name, ids, vectors, valid)
	if err != nil {
		return err
	}
	return s.Features.Add(ctx, domain.Feature{
		Project:    project,
		Name:       spec.Name,
		Kind:       domain.FeatureDataset,
		Parameters: spec.Params,
		User:       spec.User,
		Columns:    cols,
		Time:       time.Now().UTC(),
	})
}

// RegisterPrediction stores the probability columns of a language-model
// prediction run as a feature usable for active selection and training.
func (s *Service) RegisterPrediction(ctx context.Context, project, dir, name string, ids []string, classes []string, probas [][]float64, user string) error {
	if len(probas) != len(ids) {
		return fmt.Errorf("op=features.RegisterPrediction: %d rows for %d ids: %w", len(probas), len(ids), domain.ErrInvalid)
	}
	cols, err := s.writeColumns(dir, name, ids, probas, nil)
	if err != nil {
		return err
	}
	return s.Features.Add(ctx, domain.Feature{
		Project:    project,
		Name:       name,
		Kind:       domain.FeaturePrediction,
		Parameters: map[string]any{"classes": classes},
		User:       user,
		Columns:    cols,
		Time:       time.Now().UTC(),
	})
}

// writeColumns joins the vectors into the features file under its lock,
// replacing any previous columns of the same name. Returns the column
// names written.
func (s *Service) writeColumns(dir, name string, ids []string, vectors [][]float64, valid []bool) ([]string, error) {
	if len(vectors) != len(ids) {
		return nil, fmt.Errorf("op=features.writeColumns: %d vectors for %d ids: %w", len(vectors), len(ids), domain.ErrInvalid)
	}
	width := 0
	if len(vectors) > 0 {
		width = len(vectors[0])
	}
	cols := make([]string, width)
	for j := range cols {
		cols[j] = fmt.Sprintf("%s__%d", name, j)
	}

	src, err := frame.New(ids)
	if err != nil {
		return nil, err
	}
	for j, col := range cols {
		vals := make([]float64, len(ids))
		for i := range ids {
			if len(vectors[i]) != width {
				return nil, fmt.Errorf("op=features.writeColumns: ragged vector at row %d: %w", i, domain.ErrInternal)
			}
			vals[i] = vectors[i][j]
		}
		if err := src.AddFloats(col, vals, valid); err != nil {
			return nil, err
		}
	}

	paths := frame.ProjectPaths{Dir: dir}
	err = s.Store.Update(paths.Features(), func(f *frame.Frame) (*frame.Frame, error) {
		f.DropPrefixed(name + "__")
		if err := f.JoinFloats(src, cols...); err != nil {
			return nil, err
		}
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return cols, nil
}

// Delete drops the feature's columns and its metadata row.
func (s *Service) Delete(ctx context.Context, project, dir, name string) error {
	if _, err := s.Features.Get(ctx, project, name); err != nil {
		return err
	}
	paths := frame.ProjectPaths{Dir: dir}
	err := s.Store.Update(paths.Features(), func(f *frame.Frame) (*frame.Frame, error) {
		f.DropPrefixed(name + "__")
		return f, nil
	})
	if err != nil {
		return err
	}
	return s.Features.Delete(ctx, project, name)
}

// List returns the available features of a project.
func (s *Service) List(ctx context.Context, project string) ([]domain.Feature, error) {
	return s.Features.List(ctx, project)
}

// Matrix loads the columns of the named features as one frame restricted
// to complete rows being the caller's concern. Feature order is the
// request order; columns keep their stored order within a feature.
func (s *Service) Matrix(ctx context.Context, project, dir string, names []string) (*frame.Frame, []string, error) {
	var cols []string
	for _, n := range names {
		f, err := s.Features.Get(ctx, project, n)
		if err != nil {
			return nil, nil, err
		}
		cols = append(cols, f.Columns...)
	}
	if len(cols) == 0 {
		return nil, nil, fmt.Errorf("op=features.Matrix: no features selected: %w", domain.ErrInvalid)
	}
	paths := frame.ProjectPaths{Dir: dir}
	fr, err := s.Store.Load(paths.Features(), cols...)
	if err != nil {
		return nil, nil, err
	}
	for _, c := range cols {
		if fr.Col(c) == nil {
			return nil, nil, fmt.Errorf("op=features.Matrix: column %q missing from store: %w", c, domain.ErrInternal)
		}
	}
	return fr, cols, nil
}

// ResetAll rebuilds the features file from the current partition files,
// keeping only the dataset column, and drops all metadata rows. Called
// when partitions change.
func (s *Service) ResetAll(ctx context.Context, project, dir string) error {
	parts, err := s.partitionFrames(dir, "text")
	if err != nil {
		return err
	}
	var ids, datasets []string
	for _, p := range parts {
		ids = append(ids, p.frame.IDs...)
		for range p.frame.IDs {
			datasets = append(datasets, string(p.dataset))
		}
	}
	f, err := frame.New(ids)
	if err != nil {
		return err
	}
	if err := f.AddStrings("dataset", datasets, nil); err != nil {
		return err
	}
	paths := frame.ProjectPaths{Dir: dir}
	if err := s.Store.Save(paths.Features(), f); err != nil {
		return err
	}
	return s.Features.DeleteAll(ctx, project)
}

// RegexFeatureName derives the canonical name of a regex feature.
func RegexFeatureName(pattern, user string) string {
	return fmt.Sprintf("regex_[%s]_by_%s", pattern, user)
}

// DfmParams tunes the document-feature-matrix builder. MaxTermFreq
// bounds the document frequency of kept terms: an absolute document
// count above 1, a proportion of the corpus at 1 or below.
type DfmParams struct {
	NGrams      int
	MinTermFreq int
	MaxTermFreq float64
	MaxFeatures int
	TFIDF       bool
	Norm        string // "", "l1" or "l2"
	Log         bool
}

// DfmParamsFrom reads dfm options with their defaults.
func DfmParamsFrom(m map[string]any) DfmParams {
	return DfmParams{
		NGrams:      paramInt(m, "ngrams", 1),
		MinTermFreq: paramInt(m, "min_term_freq", 5),
		MaxTermFreq: paramFloat(m, "max_term_freq", 100),
		MaxFeatures: paramInt(m, "max_features", 500),
		TFIDF:       paramBool(m, "tfidf", false),
		Norm:        paramString(m, "norm", ""),
		Log:         paramBool(m, "log", false),
	}
}

// BuildDfm tokenizes the texts and produces term-count vectors over a
// bounded vocabulary, optionally sublinear, tf-idf weighted and row
// normalized. Vocabulary terms are ranked by document frequency, ties
// broken lexically, so the matrix is deterministic.
func BuildDfm(texts []string, p DfmParams) [][]float64 {
	if p.NGrams < 1 {
		p.NGrams = 1
	}
	if p.MaxFeatures < 1 {
		p.MaxFeatures = 500
	}
	maxDF := len(texts)
	if p.MaxTermFreq > 0 {
		if p.MaxTermFreq > 1 {
			maxDF = int(p.MaxTermFreq)
		} else {
			maxDF = int(p.MaxTermFreq * float64(len(texts)))
		}
	}
	docs := make([]map[string]int, len(texts))
	docFreq := make(map[string]int)
	for i, t := range texts {
		counts := make(map[string]int)
		for _, tok := range textx.NGrams(textx.Tokenize(t), p.NGrams) {
			counts[tok]++
		}
		docs[i] = counts
		for tok := range counts {
			docFreq[tok]++
		}
	}

	type term struct {
		tok string
		df  int
	}
	terms := make([]term, 0, len(docFreq))
	for tok, df := range docFreq {
		if df >= p.MinTermFreq && df <= maxDF {
			terms = append(terms, term{tok, df})
		}
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].df != terms[j].df {
			return terms[i].df > terms[j].df
		}
		return terms[i].tok < terms[j].tok
	})
	if len(terms) > p.MaxFeatures {
		terms = terms[:p.MaxFeatures]
	}

	index := make(map[string]int, len(terms))
	idf := make([]float64, len(terms))
	for j, t := range terms {
		index[t.tok] = j
		idf[j] = math.Log(float64(1+len(texts))/float64(1+t.df)) + 1
	}

	out := make([][]float64, len(texts))
	for i, counts := range docs {
		row := make([]float64, len(terms))
		for tok, c := range counts {
			j, ok := index[tok]
			if !ok {
				continue
			}
			tf := float64(c)
			if p.Log {
				tf = 1 + math.Log(tf)
			}
			row[j] = tf
			if p.TFIDF {
				row[j] *= idf[j]
			}
		}
		normalizeRow(row, p.Norm)
		out[i] = row
	}
	return out
}

// normalizeRow scales a row to unit l1 or l2 norm in place; any other
// norm name leaves it untouched.
func normalizeRow(row []float64, norm string) {
	var n float64
	switch norm {
	case "l1":
		for _, v := range row {
			n += math.Abs(v)
		}
	case "l2":
		for _, v := range row {
			n += v * v
		}
		n = math.Sqrt(n)
	default:
		return
	}
	if n == 0 {
		return
	}
	for j := range row {
		row[j] /= n
	}
}

func paramString(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
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

func paramFloat(m map[string]any, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}
