// Package corpus ingests an uploaded table and carves it into the
// dataset partitions of a new project: a test sample first (optionally
// stratified), then the validation sample, then a train set that prefers
// rows already carrying a label.
package corpus

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"sort"
	"strconv"

	"github.com/gabriel-vasile/mimetype"

	"github.com/activetigger/activetigger/internal/domain"
	"github.com/activetigger/activetigger/internal/frame"
	"github.com/activetigger/activetigger/pkg/textx"
)

// DisplayLimit is the default per-element character hint stored in the
// limit column and served with each element.
const DisplayLimit = 1200

// Table is a raw uploaded table.
type Table struct {
	Header []string
	Rows   [][]string
}

// ReadCSV loads and sniffs an uploaded file. Only CSV-shaped text makes
// it through; binary uploads are rejected early.
func ReadCSV(path string) (*Table, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=corpus.ReadCSV: %w", err)
	}
	if !mt.Is("text/csv") && !mt.Is("text/plain") && !mt.Is("text/tab-separated-values") {
		return nil, fmt.Errorf("op=corpus.ReadCSV: unsupported upload type %s: %w", mt.String(), domain.ErrInvalid)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("op=corpus.ReadCSV: %w", err)
	}
	defer func() { _ = f.Close() }()
	r := csv.NewReader(f)
	if mt.Is("text/tab-separated-values") {
		r.Comma = '\t'
	}
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("op=corpus.ReadCSV: empty file: %w", domain.ErrInvalid)
	}
	t := &Table{Header: header}
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("op=corpus.ReadCSV: %w", err)
		}
		// tolerate ragged rows by padding
		for len(rec) < len(header) {
			rec = append(rec, "")
		}
		t.Rows = append(t.Rows, rec[:len(header)])
	}
	if len(t.Rows) == 0 {
		return nil, fmt.Errorf("op=corpus.ReadCSV: no data rows: %w", domain.ErrInvalid)
	}
	return t, nil
}

func (t *Table) colIndex(name string) int {
	for i, h := range t.Header {
		if h == name {
			return i
		}
	}
	return -1
}

// ElementIDs derives unique element ids: the slugified id column when its
// values stay unique after slugification, row numbers otherwise.
func (t *Table) ElementIDs(colID string) []string {
	idx := t.colIndex(colID)
	ids := make([]string, len(t.Rows))
	if idx >= 0 {
		seen := make(map[string]bool, len(t.Rows))
		unique := true
		for i, row := range t.Rows {
			s := textx.Slugify(row[idx])
			if s == "" || seen[s] {
				unique = false
				break
			}
			seen[s] = true
			ids[i] = s
		}
		if unique {
			return ids
		}
	}
	for i := range ids {
		ids[i] = strconv.Itoa(i)
	}
	return ids
}

// Partition carves row indexes into test, valid and train samples.
// The test sample goes first so later retraining never leaks into it;
// when strata are given it draws round(nTest/len strata) per stratum.
// Train prefers labeled rows, filling up with unlabeled ones.
func Partition(n int, labeled []bool, strata []string, nTrain, nValid, nTest int, seed int64) (train, valid, test []int, err error) {
	if nTest+nValid+nTrain > n {
		return nil, nil, nil, fmt.Errorf("op=corpus.Partition: %d requested rows exceed %d available: %w", nTest+nValid+nTrain, n, domain.ErrInvalid)
	}
	rng := rand.New(rand.NewSource(seed))
	remaining := rng.Perm(n)

	take := func(pool []int, count int) (sample, rest []int) {
		if count > len(pool) {
			count = len(pool)
		}
		return pool[:count], pool[count:]
	}

	if nTest > 0 {
		if len(strata) == n {
			groups := make(map[string][]int)
			var keys []string
			for _, i := range remaining {
				s := strata[i]
				if _, ok := groups[s]; !ok {
					keys = append(keys, s)
				}
				groups[s] = append(groups[s], i)
			}
			sort.Strings(keys)
			per := int(math.Round(float64(nTest) / float64(len(keys))))
			if per < 1 {
				per = 1
			}
			taken := make(map[int]bool)
			for _, k := range keys {
				s, _ := take(groups[k], per)
				for _, i := range s {
					if len(test) < nTest {
						test = append(test, i)
						taken[i] = true
					}
				}
			}
			var rest []int
			for _, i := range remaining {
				if !taken[i] {
					rest = append(rest, i)
				}
			}
			remaining = rest
		} else {
			test, remaining = take(remaining, nTest)
		}
	}
	if nValid > 0 {
		valid, remaining = take(remaining, nValid)
	}

	// labeled rows first for train
	var withLabel, without []int
	for _, i := range remaining {
		if labeled != nil && labeled[i] {
			withLabel = append(withLabel, i)
		} else {
			without = append(without, i)
		}
	}
	train, _ = take(append(withLabel, without...), nTrain)
	return train, valid, test, nil
}

// Build materializes the partitions of a project from an uploaded table
// and fills in the counting fields of params. The features file starts
// with only the dataset column, over the train, valid and test ids.
func Build(t *Table, params *domain.ProjectParams, store *frame.Store, seed int64) error {
	ids := t.ElementIDs(params.ColID)

	textIdx := make([]int, 0, len(params.ColsText))
	for _, c := range params.ColsText {
		i := t.colIndex(c)
		if i < 0 {
			return fmt.Errorf("op=corpus.Build: text column %q missing: %w", c, domain.ErrInvalid)
		}
		textIdx = append(textIdx, i)
	}
	if len(textIdx) == 0 {
		return fmt.Errorf("op=corpus.Build: no text columns: %w", domain.ErrInvalid)
	}

	texts := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		parts := make([]string, len(textIdx))
		for j, c := range textIdx {
			parts[j] = textx.SanitizeText(row[c])
		}
		texts[i] = textx.JoinTexts(parts)
	}

	var labeled []bool
	var labels []string
	if params.ColLabel != "" {
		li := t.colIndex(params.ColLabel)
		if li < 0 {
			return fmt.Errorf("op=corpus.Build: label column %q missing: %w", params.ColLabel, domain.ErrInvalid)
		}
		labeled = make([]bool, len(t.Rows))
		labels = make([]string, len(t.Rows))
		for i, row := range t.Rows {
			labels[i] = row[li]
			labeled[i] = row[li] != ""
		}
	}

	var strata []string
	if len(params.ColsStratify) > 0 {
		idxs := make([]int, 0, len(params.ColsStratify))
		for _, c := range params.ColsStratify {
			i := t.colIndex(c)
			if i < 0 {
				return fmt.Errorf("op=corpus.Build: stratify column %q missing: %w", c, domain.ErrInvalid)
			}
			idxs = append(idxs, i)
		}
		strata = make([]string, len(t.Rows))
		for i, row := range t.Rows {
			key := ""
			for _, c := range idxs {
				key += row[c] + "|"
			}
			strata[i] = key
		}
	}

	train, valid, test, err := Partition(len(t.Rows), labeled, strata, params.NTrain, params.NValid, params.NTest, seed)
	if err != nil {
		return err
	}

	paths := frame.ProjectPaths{Dir: params.Dir}
	if err := os.MkdirAll(params.Dir, 0o755); err != nil {
		return fmt.Errorf("op=corpus.Build: %w", err)
	}

	datasetOf := make([]string, len(t.Rows))
	for _, i := range train {
		datasetOf[i] = string(domain.DatasetTrain)
	}
	for _, i := range valid {
		datasetOf[i] = string(domain.DatasetValid)
	}
	for _, i := range test {
		datasetOf[i] = string(domain.DatasetTest)
	}

	build := func(rows []int, withDataset bool) (*frame.Frame, error) {
		sub := make([]string, len(rows))
		for j, i := range rows {
			sub[j] = ids[i]
		}
		f, err := frame.New(sub)
		if err != nil {
			return nil, err
		}
		vals := make([]string, len(rows))
		for j, i := range rows {
			vals[j] = texts[i]
		}
		if err := f.AddStrings("text", vals, nil); err != nil {
			return nil, err
		}
		limits := make([]float64, len(rows))
		for j := range limits {
			limits[j] = DisplayLimit
		}
		if err := f.AddFloats("limit", limits, nil); err != nil {
			return nil, err
		}
		if labels != nil {
			lv := make([]string, len(rows))
			valid := make([]bool, len(rows))
			for j, i := range rows {
				lv[j] = labels[i]
				valid[j] = labels[i] != ""
			}
			if err := f.AddStrings("label", lv, valid); err != nil {
				return nil, err
			}
		}
		for _, c := range params.ColsContext {
			ci := t.colIndex(c)
			if ci < 0 {
				return nil, fmt.Errorf("op=corpus.Build: context column %q missing: %w", c, domain.ErrInvalid)
			}
			addContextColumn(f, t, rows, c, ci)
		}
		if withDataset {
			dv := make([]string, len(rows))
			dvalid := make([]bool, len(rows))
			for j, i := range rows {
				dv[j] = datasetOf[i]
				dvalid[j] = datasetOf[i] != ""
			}
			if err := f.AddStrings("dataset", dv, dvalid); err != nil {
				return nil, err
			}
		}
		return f, nil
	}

	all := make([]int, len(t.Rows))
	for i := range all {
		all[i] = i
	}
	type out struct {
		rows        []int
		path        string
		withDataset bool
	}
	for _, o := range []out{
		{all, paths.All(), true},
		{train, paths.Train(), false},
		{valid, paths.Valid(), false},
		{test, paths.Test(), false},
	} {
		if len(o.rows) == 0 && o.path != paths.All() {
			continue
		}
		f, err := build(o.rows, o.withDataset)
		if err != nil {
			return err
		}
		if err := store.Save(o.path, f); err != nil {
			return err
		}
	}

	featIDs := make([]string, 0, len(train)+len(valid)+len(test))
	featDatasets := make([]string, 0, len(train)+len(valid)+len(test))
	for _, part := range [][]int{train, valid, test} {
		for _, i := range part {
			featIDs = append(featIDs, ids[i])
			featDatasets = append(featDatasets, datasetOf[i])
		}
	}
	feats, err := frame.New(featIDs)
	if err != nil {
		return err
	}
	if err := feats.AddStrings("dataset", featDatasets, nil); err != nil {
		return err
	}
	if err := store.Save(paths.Features(), feats); err != nil {
		return err
	}

	params.NTotal = len(t.Rows)
	params.NTrain = len(train)
	params.NValid = len(valid)
	params.NTest = len(test)
	params.HasTest = len(test) > 0
	params.HasValid = len(valid) > 0
	params.AllColumns = append([]string(nil), t.Header...)
	return nil
}

// addContextColumn stores a context column as float when every non-empty
// value parses, string otherwise.
func addContextColumn(f *frame.Frame, t *Table, rows []int, name string, ci int) {
	numeric := true
	for _, i := range rows {
		v := t.Rows[i][ci]
		if v == "" {
			continue
		}
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			numeric = false
			break
		}
	}
	valid := make([]bool, len(rows))
	if numeric {
		vals := make([]float64, len(rows))
		for j, i := range rows {
			v := t.Rows[i][ci]
			if v == "" {
				vals[j] = math.NaN()
				continue
			}
			vals[j], _ = strconv.ParseFloat(v, 64)
			valid[j] = true
		}
		_ = f.AddFloats(name, vals, valid)
		return
	}
	vals := make([]string, len(rows))
	for j, i := range rows {
		vals[j] = t.Rows[i][ci]
		valid[j] = vals[j] != ""
	}
	_ = f.AddStrings(name, vals, valid)
}
