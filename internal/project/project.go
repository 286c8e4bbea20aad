// Package project is the aggregate root of one loaded project: it
// composes the annotation, feature, model and projection services and
// drives the element-selection policy of active learning.
package project

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/activetigger/activetigger/internal/domain"
	"github.com/activetigger/activetigger/internal/features"
	"github.com/activetigger/activetigger/internal/frame"
	"github.com/activetigger/activetigger/internal/generations"
	"github.com/activetigger/activetigger/internal/languagemodels"
	"github.com/activetigger/activetigger/internal/projections"
	"github.com/activetigger/activetigger/internal/quickmodels"
	"github.com/activetigger/activetigger/internal/schemes"
)

// historyLimit caps the annotation history attached to a served element.
const historyLimit = 10

// Project is one loaded project with its services.
type Project struct {
	Params domain.ProjectParams

	Schemes     *schemes.Service
	Features    *features.Service
	Quick       *quickmodels.Service
	Language    *languagemodels.Service
	Projections *projections.Service
	Generations *generations.Service

	Store       *frame.Store
	Projects    domain.ProjectRepo
	Annotations domain.AnnotationRepo
	Log         *slog.Logger

	LoadedAt time.Time
}

// SelectionReq carries the parameters of one next-element request.
type SelectionReq struct {
	Scheme string
	Mode   domain.SelectionMode
	Sample domain.SampleFilter
	User   string
	// Tag is the target label for maxprob selection.
	Tag string
	// History excludes recently served element ids.
	History []string
	// Frame restricts to the user's projection rectangle when len == 4.
	Frame []float64
	// Filter is a regex over text, or over context columns when
	// prefixed CONTEXT=.
	Filter string
	// Seed fixes the random draws; 0 draws a fresh seed.
	Seed int64
}

// Prediction is the current-model output attached to a served element.
type Prediction struct {
	Label string  `json:"label"`
	Proba float64 `json:"proba"`
}

// ElementOut is one served element.
type ElementOut struct {
	ElementID string              `json:"element_id"`
	Text      string              `json:"text"`
	Context   map[string]any      `json:"context"`
	Selection domain.SelectionMode `json:"selection"`
	Info      string              `json:"info"`
	Predict   *Prediction         `json:"predict,omitempty"`
	History   []domain.Annotation `json:"history"`
	Limit     int                 `json:"limit"`
}

// NextElement applies the sample filter, the optional sub-filters and
// the selection strategy, and returns the next element to annotate.
// An empty candidate pool is ErrUnavailable.
func (p *Project) NextElement(ctx context.Context, req SelectionReq) (*ElementOut, error) {
	dataset := domain.DatasetTrain
	if req.Mode == domain.SelectionTest {
		if !p.Params.HasTest {
			return nil, fmt.Errorf("op=project.NextElement: project has no test set: %w", domain.ErrInvalid)
		}
		dataset = domain.DatasetTest
		req.Sample = domain.SampleUntagged
	}
	switch req.Mode {
	case domain.SelectionDeterministic, domain.SelectionRandom,
		domain.SelectionMaxProb, domain.SelectionActive, domain.SelectionTest:
	default:
		return nil, fmt.Errorf("op=project.NextElement: mode %q: %w", req.Mode, domain.ErrInvalid)
	}
	if req.Mode == domain.SelectionMaxProb && req.Tag == "" {
		return nil, fmt.Errorf("op=project.NextElement: maxprob needs a tag: %w", domain.ErrInvalid)
	}

	fr, err := p.loadPartition(dataset)
	if err != nil {
		return nil, err
	}
	candidates, err := p.filterCandidates(ctx, fr, dataset, req)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("op=project.NextElement: %w", domain.ErrUnavailable)
	}

	var chosen string
	var info string
	switch req.Mode {
	case domain.SelectionDeterministic:
		chosen = candidates[0]
	case domain.SelectionRandom, domain.SelectionTest:
		seed := req.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		chosen = candidates[rand.New(rand.NewSource(seed)).Intn(len(candidates))]
	case domain.SelectionMaxProb:
		scored, err := p.scoreCandidates(candidates, "proba_"+req.Tag)
		if err != nil {
			return nil, err
		}
		if scored == nil {
			return nil, fmt.Errorf("op=project.NextElement: no prediction for tag %q: %w", req.Tag, domain.ErrInvalid)
		}
		chosen = scored.id
		info = fmt.Sprintf("probability: %.2f", scored.score)
	case domain.SelectionActive:
		scored, err := p.scoreCandidates(candidates, "entropy")
		if err != nil {
			return nil, err
		}
		if scored == nil {
			return nil, fmt.Errorf("op=project.NextElement: no quick model predictions: %w", domain.ErrInvalid)
		}
		chosen = scored.id
		info = fmt.Sprintf("entropy: %.2f", scored.score)
	}

	out, err := p.buildElement(ctx, fr, chosen, req.Scheme)
	if err != nil {
		return nil, err
	}
	out.Selection = req.Mode
	out.Info = info
	return out, nil
}

func (p *Project) loadPartition(dataset domain.Dataset) (*frame.Frame, error) {
	paths := frame.ProjectPaths{Dir: p.Params.Dir}
	path, err := paths.Dataset(dataset)
	if err != nil {
		return nil, err
	}
	return p.Store.Load(path)
}

// filterCandidates applies the sample filter, the regex/context filter,
// the projection frame and the caller history, preserving index order.
func (p *Project) filterCandidates(ctx context.Context, fr *frame.Frame, dataset domain.Dataset, req SelectionReq) ([]string, error) {
	labeled := make(map[string]bool)
	if req.Sample == domain.SampleUntagged || req.Sample == domain.SampleTagged {
		current, err := p.Annotations.LatestPerElement(ctx, p.Params.Slug, req.Scheme, []domain.Dataset{dataset}, "")
		if err != nil {
			return nil, err
		}
		for _, c := range current {
			if c.Label != nil {
				labeled[c.ElementID] = true
			}
		}
	}

	var re *regexp.Regexp
	contextFilter := false
	if req.Filter != "" {
		pattern := req.Filter
		if strings.HasPrefix(pattern, "CONTEXT=") {
			contextFilter = true
			pattern = strings.TrimPrefix(pattern, "CONTEXT=")
		}
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("op=project.filterCandidates: %v: %w", err, domain.ErrInvalid)
		}
	}

	var inFrame map[string]bool
	if len(req.Frame) == 4 {
		st, err := p.Projections.Get(p.Params.Slug, req.User)
		if err == nil {
			inFrame = make(map[string]bool)
			for _, id := range st.InFrame([4]float64{req.Frame[0], req.Frame[1], req.Frame[2], req.Frame[3]}) {
				inFrame[id] = true
			}
		}
	}
	exclude := make(map[string]bool, len(req.History))
	for _, id := range req.History {
		exclude[id] = true
	}

	text := fr.Col("text")
	var out []string
	for i, id := range fr.IDs {
		switch req.Sample {
		case domain.SampleUntagged:
			if labeled[id] {
				continue
			}
		case domain.SampleTagged:
			if !labeled[id] {
				continue
			}
		}
		if exclude[id] {
			continue
		}
		if inFrame != nil && !inFrame[id] {
			continue
		}
		if re != nil {
			var hay string
			if contextFilter {
				hay = p.contextString(fr, i)
			} else if text != nil {
				hay = text.Strings[i]
			}
			if !re.MatchString(hay) {
				continue
			}
		}
		out = append(out, id)
	}
	return out, nil
}

func (p *Project) contextString(fr *frame.Frame, row int) string {
	var parts []string
	for _, c := range p.Params.ColsContext {
		col := fr.Col(c)
		if col == nil || !col.Valid[row] {
			continue
		}
		switch col.Kind {
		case frame.KindString:
			parts = append(parts, col.Strings[row])
		case frame.KindFloat:
			parts = append(parts, strconv.FormatFloat(col.Floats[row], 'g', -1, 64))
		}
	}
	return strings.Join(parts, " ")
}

type scoredID struct {
	id    string
	score float64
}

// scoreCandidates picks the candidate with the highest value of the
// named prediction column. A missing prediction file or column returns
// nil without error so callers can report the precondition.
func (p *Project) scoreCandidates(candidates []string, column string) (*scoredID, error) {
	pred, err := p.Store.Load(quickmodels.PredictPath(p.Params.Dir, domain.DatasetTrain))
	if err != nil {
		return nil, nil
	}
	col := pred.Col(column)
	if col == nil || col.Kind != frame.KindFloat {
		return nil, nil
	}
	var best *scoredID
	for _, id := range candidates {
		i := pred.RowIndex(id)
		if i < 0 || !col.Valid[i] {
			continue
		}
		if best == nil || col.Floats[i] > best.score {
			best = &scoredID{id: id, score: col.Floats[i]}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("op=project.scoreCandidates: no scored candidate: %w", domain.ErrUnavailable)
	}
	return best, nil
}

func (p *Project) buildElement(ctx context.Context, fr *frame.Frame, id, scheme string) (*ElementOut, error) {
	i := fr.RowIndex(id)
	if i < 0 {
		return nil, fmt.Errorf("op=project.buildElement: element %q: %w", id, domain.ErrNotFound)
	}
	out := &ElementOut{
		ElementID: id,
		Context:   make(map[string]any),
		Limit:     corpusLimit(fr, i),
	}
	if text := fr.Col("text"); text != nil {
		out.Text = text.Strings[i]
	}
	for _, c := range p.Params.ColsContext {
		col := fr.Col(c)
		if col == nil || !col.Valid[i] {
			continue
		}
		switch col.Kind {
		case frame.KindString:
			out.Context[c] = col.Strings[i]
		case frame.KindFloat:
			out.Context[c] = col.Floats[i]
		}
	}
	if pred, err := p.Store.Load(quickmodels.PredictPath(p.Params.Dir, domain.DatasetTrain)); err == nil {
		if j := pred.RowIndex(id); j >= 0 {
			if label := pred.Col("label"); label != nil && label.Valid[j] {
				pr := &Prediction{Label: label.Strings[j]}
				if proba := pred.Col("proba_" + pr.Label); proba != nil && proba.Valid[j] {
					pr.Proba = proba.Floats[j]
				}
				out.Predict = pr
			}
		}
	}
	history, err := p.Annotations.History(ctx, p.Params.Slug, scheme, id, historyLimit)
	if err != nil {
		return nil, err
	}
	out.History = history
	return out, nil
}

func corpusLimit(fr *frame.Frame, row int) int {
	if col := fr.Col("limit"); col != nil && col.Kind == frame.KindFloat && col.Valid[row] {
		return int(col.Floats[row])
	}
	return 0
}

// GetElement serves one element by id, searching the partitions in
// train, valid, test order.
func (p *Project) GetElement(ctx context.Context, id, scheme string) (*ElementOut, error) {
	for _, d := range []domain.Dataset{domain.DatasetTrain, domain.DatasetValid, domain.DatasetTest} {
		fr, err := p.loadPartition(d)
		if err != nil {
			continue
		}
		if fr.RowIndex(id) < 0 {
			continue
		}
		out, err := p.buildElement(ctx, fr, id, scheme)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("op=project.GetElement: element %q: %w", id, domain.ErrNotFound)
}

// Statistics summarizes the annotation progress of a scheme.
type Statistics struct {
	Project        string         `json:"project"`
	Scheme         string         `json:"scheme"`
	Users          []string       `json:"users"`
	NTrain         int            `json:"n_train"`
	NValid         int            `json:"n_valid"`
	NTest          int            `json:"n_test"`
	TrainAnnotated int            `json:"train_annotated"`
	TestAnnotated  int            `json:"test_annotated"`
	TrainLabels    map[string]int `json:"train_labels"`
	TestLabels     map[string]int `json:"test_labels"`
}

// Stats computes the per-partition annotation counts and label
// distributions of a scheme.
func (p *Project) Stats(ctx context.Context, scheme string) (*Statistics, error) {
	users, err := p.Annotations.DistinctUsers(ctx, p.Params.Slug, scheme)
	if err != nil {
		return nil, err
	}
	st := &Statistics{
		Project:     p.Params.Slug,
		Scheme:      scheme,
		Users:       users,
		NTrain:      p.Params.NTrain,
		NValid:      p.Params.NValid,
		NTest:       p.Params.NTest,
		TrainLabels: make(map[string]int),
		TestLabels:  make(map[string]int),
	}
	for _, part := range []struct {
		dataset   domain.Dataset
		annotated *int
		dist      map[string]int
	}{
		{domain.DatasetTrain, &st.TrainAnnotated, st.TrainLabels},
		{domain.DatasetTest, &st.TestAnnotated, st.TestLabels},
	} {
		current, err := p.Annotations.LatestPerElement(ctx, p.Params.Slug, scheme, []domain.Dataset{part.dataset}, "")
		if err != nil {
			return nil, err
		}
		for _, c := range current {
			if c.Label == nil {
				continue
			}
			*part.annotated++
			part.dist[*c.Label]++
		}
	}
	return st, nil
}

// Table returns a page of elements with their current labels, filtered
// like NextElement's sample modes.
func (p *Project) Table(ctx context.Context, scheme string, dataset domain.Dataset, sample domain.SampleFilter, offset, limit int) ([]ElementRow, error) {
	fr, err := p.loadPartition(dataset)
	if err != nil {
		return nil, err
	}
	current, err := p.Annotations.LatestPerElement(ctx, p.Params.Slug, scheme, []domain.Dataset{dataset}, "")
	if err != nil {
		return nil, err
	}
	labelOf := make(map[string]*string, len(current))
	for _, c := range current {
		labelOf[c.ElementID] = c.Label
	}
	text := fr.Col("text")
	var rows []ElementRow
	for i, id := range fr.IDs {
		label, tagged := labelOf[id]
		hasLabel := tagged && label != nil
		switch sample {
		case domain.SampleUntagged:
			if hasLabel {
				continue
			}
		case domain.SampleTagged:
			if !hasLabel {
				continue
			}
		}
		row := ElementRow{ElementID: id}
		if text != nil {
			row.Text = text.Strings[i]
		}
		if hasLabel {
			row.Label = label
		}
		rows = append(rows, row)
	}
	if offset > len(rows) {
		offset = len(rows)
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows, nil
}

// ElementRow is one line of the annotation table.
type ElementRow struct {
	ElementID string  `json:"element_id"`
	Text      string  `json:"text"`
	Label     *string `json:"label"`
}

// ExportAnnotationsCSV streams the latest labels of a partition.
func (p *Project) ExportAnnotationsCSV(ctx context.Context, w io.Writer, scheme string, dataset domain.Dataset) error {
	current, err := p.Annotations.LatestPerElement(ctx, p.Params.Slug, scheme, []domain.Dataset{dataset}, "")
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"element_id", "label", "user", "time"}); err != nil {
		return fmt.Errorf("op=project.ExportAnnotationsCSV: %w", err)
	}
	for _, c := range current {
		label := ""
		if c.Label != nil {
			label = *c.Label
		}
		if err := cw.Write([]string{c.ElementID, label, c.User, c.Time.UTC().Format(time.RFC3339)}); err != nil {
			return fmt.Errorf("op=project.ExportAnnotationsCSV: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportFeaturesCSV streams the columns of the named features.
func (p *Project) ExportFeaturesCSV(ctx context.Context, w io.Writer, names []string) error {
	fr, cols, err := p.Features.Matrix(ctx, p.Params.Slug, p.Params.Dir, names)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(append([]string{"element_id"}, cols...)); err != nil {
		return fmt.Errorf("op=project.ExportFeaturesCSV: %w", err)
	}
	row := make([]string, len(cols)+1)
	for i, id := range fr.IDs {
		row[0] = id
		for j, c := range cols {
			col := fr.Col(c)
			if col.Valid[i] {
				row[j+1] = strconv.FormatFloat(col.Floats[i], 'g', -1, 64)
			} else {
				row[j+1] = ""
			}
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("op=project.ExportFeaturesCSV: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// UpdateColumns changes which corpus columns serve as context or text.
// Nil keeps the current set; every named column must exist in the corpus.
func (p *Project) UpdateColumns(ctx context.Context, colsContext, colsText []string) error {
	known := make(map[string]bool, len(p.Params.AllColumns))
	for _, c := range p.Params.AllColumns {
		known[c] = true
	}
	for _, c := range append(append([]string{}, colsContext...), colsText...) {
		if !known[c] {
			return fmt.Errorf("op=project.UpdateColumns: unknown column %q: %w", c, domain.ErrInvalid)
		}
	}
	if colsContext != nil {
		p.Params.ColsContext = colsContext
	}
	if colsText != nil {
		if len(colsText) == 0 {
			return fmt.Errorf("op=project.UpdateColumns: at least one text column: %w", domain.ErrInvalid)
		}
		p.Params.ColsText = colsText
	}
	return p.Projects.Update(ctx, p.Params)
}

// DropTestSet removes the test partition: annotations, file and counts.
func (p *Project) DropTestSet(ctx context.Context) error {
	if !p.Params.HasTest {
		return fmt.Errorf("op=project.DropTestSet: no test set: %w", domain.ErrNotFound)
	}
	if err := p.Annotations.DeleteDataset(ctx, p.Params.Slug, domain.DatasetTest); err != nil {
		return err
	}
	paths := frame.ProjectPaths{Dir: p.Params.Dir}
	if err := p.Store.Remove(paths.Test()); err != nil {
		return err
	}
	if err := p.markDataset(paths.All(), nil, string(domain.DatasetTest), ""); err != nil {
		return err
	}
	p.Params.HasTest = false
	p.Params.NTest = 0
	return p.Projects.Update(ctx, p.Params)
}

// ExtendTrain moves up to n still-unused rows of the corpus into the
// train partition and resets the feature store over the new id set.
func (p *Project) ExtendTrain(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("op=project.ExtendTrain: n must be positive: %w", domain.ErrInvalid)
	}
	paths := frame.ProjectPaths{Dir: p.Params.Dir}
	all, err := p.Store.Load(paths.All())
	if err != nil {
		return 0, err
	}
	ds := all.Col("dataset")
	if ds == nil {
		return 0, fmt.Errorf("op=project.ExtendTrain: corpus has no dataset column: %w", domain.ErrInternal)
	}
	var newIDs []string
	var trainIDs []string
	for i, id := range all.IDs {
		used := ds.Valid[i] && ds.Strings[i] != ""
		if used && ds.Strings[i] == string(domain.DatasetTrain) {
			trainIDs = append(trainIDs, id)
		}
		if !used && len(newIDs) < n {
			newIDs = append(newIDs, id)
		}
	}
	if len(newIDs) == 0 {
		return 0, fmt.Errorf("op=project.ExtendTrain: no unused rows left: %w", domain.ErrUnavailable)
	}
	trainIDs = append(trainIDs, newIDs...)

	train, err := all.TakeIDs(trainIDs)
	if err != nil {
		return 0, err
	}
	train.DropColumns("dataset")
	if err := p.Store.Save(paths.Train(), train); err != nil {
		return 0, err
	}
	if err := p.markDataset(paths.All(), newIDs, "", string(domain.DatasetTrain)); err != nil {
		return 0, err
	}
	// feature columns are partition-aligned and stale after the extension
	if err := p.Features.ResetAll(ctx, p.Params.Slug, p.Params.Dir); err != nil {
		return 0, err
	}
	p.Params.NTrain = len(trainIDs)
	if err := p.Projects.Update(ctx, p.Params); err != nil {
		return 0, err
	}
	return len(newIDs), nil
}

// markDataset rewrites the dataset column of the corpus file: rows in
// ids (or every row carrying from when ids is nil) are set to to.
func (p *Project) markDataset(path string, ids []string, from, to string) error {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return p.Store.Update(path, func(f *frame.Frame) (*frame.Frame, error) {
		ds := f.Col("dataset")
		if ds == nil {
			return nil, fmt.Errorf("op=project.markDataset: no dataset column: %w", domain.ErrInternal)
		}
		for i, id := range f.IDs {
			match := false
			if ids != nil {
				match = want[id]
			} else {
				match = ds.Valid[i] && ds.Strings[i] == from
			}
			if match {
				ds.Strings[i] = to
				ds.Valid[i] = to != ""
			}
		}
		return f, nil
	})
}
