package frame

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/parquet-go/parquet-go"

	"github.com/activetigger/activetigger/internal/domain"
)

const idField = "element_id"

// schema builds the flat parquet schema of the frame: a required string id
// plus one optional leaf per column. Parquet groups sort fields by name.
func (f *Frame) schema() *parquet.Schema {
	group := parquet.Group{idField: parquet.String()}
	for _, c := range f.cols {
		switch c.Kind {
		case KindFloat:
			group[c.Name] = parquet.Optional(parquet.Leaf(parquet.DoubleType))
		case KindString:
			group[c.Name] = parquet.Optional(parquet.String())
		}
	}
	return parquet.NewSchema("frame", group)
}

// WriteParquet persists the frame atomically: write to a temp file in the
// same directory, then rename over the target.
func WriteParquet(path string, f *Frame) error {
	tmp, err := os.CreateTemp(dirOf(path), ".frame-*.parquet")
	if err != nil {
		return fmt.Errorf("op=frame.WriteParquet: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	schema := f.schema()
	w := parquet.NewWriter(tmp, schema)

	// Leaf order follows the sorted field names of the group.
	names := append([]string{idField}, f.ColumnNames()...)
	sort.Strings(names)
	colIdx := make(map[string]int, len(names))
	for i, n := range names {
		colIdx[n] = i
	}

	row := make(parquet.Row, len(names))
	for i := 0; i < f.Len(); i++ {
		for _, n := range names {
			ci := colIdx[n]
			if n == idField {
				row[ci] = parquet.ValueOf(f.IDs[i]).Level(0, 0, ci)
				continue
			}
			c := f.Col(n)
			if !c.Valid[i] {
				row[ci] = parquet.NullValue().Level(0, 0, ci)
				continue
			}
			switch c.Kind {
			case KindFloat:
				row[ci] = parquet.ValueOf(c.Floats[i]).Level(0, 1, ci)
			case KindString:
				row[ci] = parquet.ValueOf(c.Strings[i]).Level(0, 1, ci)
			}
		}
		if _, err := w.WriteRows([]parquet.Row{row}); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("op=frame.WriteParquet: row %d: %w", i, err)
		}
	}
	if err := w.Close(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("op=frame.WriteParquet: close: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("op=frame.WriteParquet: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("op=frame.WriteParquet: %w", err)
	}
	return nil
}

// ReadParquet loads a frame. When cols is non-empty the result is
// restricted to those columns (the id column is always present).
func ReadParquet(path string, cols ...string) (*Frame, error) {
	osf, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("op=frame.ReadParquet: %s: %w", path, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=frame.ReadParquet: %w", err)
	}
	defer func() { _ = osf.Close() }()
	stat, err := osf.Stat()
	if err != nil {
		return nil, fmt.Errorf("op=frame.ReadParquet: %w", err)
	}
	pf, err := parquet.OpenFile(osf, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("op=frame.ReadParquet: %w", err)
	}

	fields := pf.Schema().Fields()
	type leaf struct {
		name    string
		isFloat bool
	}
	leaves := make([]leaf, len(fields))
	idCol := -1
	for i, fld := range fields {
		leaves[i] = leaf{name: fld.Name(), isFloat: fld.Type().Kind() == parquet.Double}
		if fld.Name() == idField {
			idCol = i
		}
	}
	if idCol < 0 {
		return nil, fmt.Errorf("op=frame.ReadParquet: missing %s column: %w", idField, domain.ErrInvalid)
	}

	var ids []string
	floats := make(map[string][]float64)
	strs := make(map[string][]string)
	valid := make(map[string][]bool)

	for _, rg := range pf.RowGroups() {
		rows := rg.Rows()
		buf := make([]parquet.Row, 128)
		for {
			n, err := rows.ReadRows(buf)
			for _, row := range buf[:n] {
				ids = append(ids, "")
				ri := len(ids) - 1
				for _, l := range leaves {
					if l.name == idField {
						continue
					}
					if l.isFloat {
						floats[l.name] = append(floats[l.name], math.NaN())
					} else {
						strs[l.name] = append(strs[l.name], "")
					}
					valid[l.name] = append(valid[l.name], false)
				}
				for _, v := range row {
					l := leaves[v.Column()]
					if l.name == idField {
						ids[ri] = v.String()
						continue
					}
					if v.IsNull() {
						continue
					}
					if l.isFloat {
						floats[l.name][ri] = v.Double()
					} else {
						strs[l.name][ri] = v.String()
					}
					valid[l.name][ri] = true
				}
			}
			if err != nil {
				break
			}
		}
		_ = rows.Close()
	}

	f, err := New(ids)
	if err != nil {
		return nil, err
	}
	want := map[string]bool{}
	for _, c := range cols {
		want[c] = true
	}
	for _, l := range leaves {
		if l.name == idField {
			continue
		}
		if len(want) > 0 && !want[l.name] {
			continue
		}
		if l.isFloat {
			err = f.AddFloats(l.name, floats[l.name], valid[l.name])
		} else {
			err = f.AddStrings(l.name, strs[l.name], valid[l.name])
		}
		if err != nil {
			return nil, err
		}
	}
	return f, nil
}

// WriteCSV exports the frame for download.
func WriteCSV(path string, f *Frame) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("op=frame.WriteCSV: %w", err)
	}
	defer func() { _ = out.Close() }()
	w := csv.NewWriter(out)
	header := append([]string{idField}, f.ColumnNames()...)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("op=frame.WriteCSV: %w", err)
	}
	rec := make([]string, len(header))
	for i := 0; i < f.Len(); i++ {
		rec[0] = f.IDs[i]
		for j, name := range f.ColumnNames() {
			c := f.Col(name)
			switch {
			case !c.Valid[i]:
				rec[j+1] = ""
			case c.Kind == KindFloat:
				rec[j+1] = strconv.FormatFloat(c.Floats[i], 'g', -1, 64)
			default:
				rec[j+1] = c.Strings[i]
			}
		}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("op=frame.WriteCSV: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
