// Package frame implements the columnar data layer of a project: ordered
// element ids plus typed columns, persisted as parquet files under the
// project directory. Dataset partitions (train/valid/test/all) and the
// features file are all frames.
package frame

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/activetigger/activetigger/internal/domain"
)

// ColKind is the storage type of a column.
type ColKind int

const (
	KindFloat ColKind = iota
	KindString
)

// Column is a typed column with a null mask. Exactly one of Floats or
// Strings is populated, matching Kind, and len equals the frame row count.
type Column struct {
	Name    string
	Kind    ColKind
	Floats  []float64
	Strings []string
	Valid   []bool
}

// Frame is an ordered set of rows keyed by element id.
type Frame struct {
	IDs   []string
	cols  []*Column
	index map[string]int
	byID  map[string]int
}

// New creates an empty frame over the given ids. Duplicate ids are rejected.
func New(ids []string) (*Frame, error) {
	f := &Frame{
		IDs:   ids,
		index: make(map[string]int),
		byID:  make(map[string]int, len(ids)),
	}
	for i, id := range ids {
		if _, dup := f.byID[id]; dup {
			return nil, fmt.Errorf("op=frame.New: duplicate id %q: %w", id, domain.ErrInvalid)
		}
		f.byID[id] = i
	}
	return f, nil
}

// Len returns the row count.
func (f *Frame) Len() int { return len(f.IDs) }

// ColumnNames returns column names in insertion order.
func (f *Frame) ColumnNames() []string {
	names := make([]string, len(f.cols))
	for i, c := range f.cols {
		names[i] = c.Name
	}
	return names
}

// Col returns the named column or nil.
func (f *Frame) Col(name string) *Column {
	i, ok := f.index[name]
	if !ok {
		return nil
	}
	return f.cols[i]
}

// RowIndex returns the position of id, or -1.
func (f *Frame) RowIndex(id string) int {
	i, ok := f.byID[id]
	if !ok {
		return -1
	}
	return i
}

func (f *Frame) addCol(c *Column) error {
	if _, dup := f.index[c.Name]; dup {
		return fmt.Errorf("op=frame.addCol: column %q: %w", c.Name, domain.ErrAlreadyExists)
	}
	f.index[c.Name] = len(f.cols)
	f.cols = append(f.cols, c)
	return nil
}

// AddFloats appends a float column. Values length must match the frame.
func (f *Frame) AddFloats(name string, values []float64, valid []bool) error {
	if len(values) != f.Len() {
		return fmt.Errorf("op=frame.AddFloats: %d values for %d rows: %w", len(values), f.Len(), domain.ErrInvalid)
	}
	if valid == nil {
		valid = allValid(f.Len())
	}
	return f.addCol(&Column{Name: name, Kind: KindFloat, Floats: values, Valid: valid})
}

// AddStrings appends a string column. Values length must match the frame.
func (f *Frame) AddStrings(name string, values []string, valid []bool) error {
	if len(values) != f.Len() {
		return fmt.Errorf("op=frame.AddStrings: %d values for %d rows: %w", len(values), f.Len(), domain.ErrInvalid)
	}
	if valid == nil {
		valid = allValid(f.Len())
	}
	return f.addCol(&Column{Name: name, Kind: KindString, Strings: values, Valid: valid})
}

// DropColumns removes every column whose name is in names.
func (f *Frame) DropColumns(names ...string) {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	kept := f.cols[:0]
	for _, c := range f.cols {
		if !drop[c.Name] {
			kept = append(kept, c)
		}
	}
	f.cols = kept
	f.index = make(map[string]int, len(f.cols))
	for i, c := range f.cols {
		f.index[c.Name] = i
	}
}

// DropPrefixed removes every column whose name starts with prefix.
func (f *Frame) DropPrefixed(prefix string) []string {
	var dropped []string
	for _, c := range f.cols {
		if strings.HasPrefix(c.Name, prefix) {
			dropped = append(dropped, c.Name)
		}
	}
	f.DropColumns(dropped...)
	return dropped
}

// PrefixedColumns returns names starting with prefix, in column order.
func (f *Frame) PrefixedColumns(prefix string) []string {
	var names []string
	for _, c := range f.cols {
		if strings.HasPrefix(c.Name, prefix) {
			names = append(names, c.Name)
		}
	}
	return names
}

// Select returns a new frame restricted to the named columns, sharing the
// same rows. Missing columns are an error.
func (f *Frame) Select(names ...string) (*Frame, error) {
	out, err := New(f.IDs)
	if err != nil {
		return nil, err
	}
	for _, n := range names {
		c := f.Col(n)
		if c == nil {
			return nil, fmt.Errorf("op=frame.Select: column %q: %w", n, domain.ErrNotFound)
		}
		if err := out.addCol(c); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// FilterRows returns a new frame with the rows where keep returns true.
func (f *Frame) FilterRows(keep func(row int) bool) (*Frame, error) {
	var idx []int
	for i := range f.IDs {
		if keep(i) {
			idx = append(idx, i)
		}
	}
	return f.takeRows(idx)
}

// TakeIDs returns a new frame holding the rows of the given ids, in the
// given order. Unknown ids are skipped.
func (f *Frame) TakeIDs(ids []string) (*Frame, error) {
	var idx []int
	for _, id := range ids {
		if i, ok := f.byID[id]; ok {
			idx = append(idx, i)
		}
	}
	return f.takeRows(idx)
}

func (f *Frame) takeRows(idx []int) (*Frame, error) {
	ids := make([]string, len(idx))
	for j, i := range idx {
		ids[j] = f.IDs[i]
	}
	out, err := New(ids)
	if err != nil {
		return nil, err
	}
	for _, c := range f.cols {
		nc := &Column{Name: c.Name, Kind: c.Kind, Valid: make([]bool, len(idx))}
		switch c.Kind {
		case KindFloat:
			nc.Floats = make([]float64, len(idx))
			for j, i := range idx {
				nc.Floats[j] = c.Floats[i]
				nc.Valid[j] = c.Valid[i]
			}
		case KindString:
			nc.Strings = make([]string, len(idx))
			for j, i := range idx {
				nc.Strings[j] = c.Strings[i]
				nc.Valid[j] = c.Valid[i]
			}
		}
		if err := out.addCol(nc); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// JoinFloats copies float columns from other, aligned by id. Rows absent
// from other become null.
func (f *Frame) JoinFloats(other *Frame, names ...string) error {
	if len(names) == 0 {
		for _, c := range other.cols {
			if c.Kind == KindFloat {
				names = append(names, c.Name)
			}
		}
	}
	for _, n := range names {
		src := other.Col(n)
		if src == nil || src.Kind != KindFloat {
			return fmt.Errorf("op=frame.JoinFloats: column %q: %w", n, domain.ErrNotFound)
		}
		vals := make([]float64, f.Len())
		valid := make([]bool, f.Len())
		for i, id := range f.IDs {
			if j, ok := other.byID[id]; ok && src.Valid[j] {
				vals[i] = src.Floats[j]
				valid[i] = true
			} else {
				vals[i] = math.NaN()
			}
		}
		if err := f.AddFloats(n, vals, valid); err != nil {
			return err
		}
	}
	return nil
}

// Matrix materializes the named float columns as a dense row-major matrix
// plus a mask of rows with no missing value.
func (f *Frame) Matrix(names []string) (data []float64, complete []bool, err error) {
	cols := make([]*Column, len(names))
	for i, n := range names {
		c := f.Col(n)
		if c == nil || c.Kind != KindFloat {
			return nil, nil, fmt.Errorf("op=frame.Matrix: column %q: %w", n, domain.ErrNotFound)
		}
		cols[i] = c
	}
	data = make([]float64, f.Len()*len(names))
	complete = make([]bool, f.Len())
	for i := 0; i < f.Len(); i++ {
		complete[i] = true
		for j, c := range cols {
			if !c.Valid[i] {
				complete[i] = false
			}
			data[i*len(names)+j] = c.Floats[i]
		}
	}
	return data, complete, nil
}

// SortedColumnNames returns column names in lexical order. Parquet groups
// store fields sorted, so persisted column order follows this.
func (f *Frame) SortedColumnNames() []string {
	names := f.ColumnNames()
	sort.Strings(names)
	return names
}

func allValid(n int) []bool {
	v := make([]bool, n)
	for i := range v {
		v[i] = true
	}
	return v
}
