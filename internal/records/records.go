// Package records implements the in-memory record table passed between the
// extract, transform, and load stages.
//
// A Table is an ordered collection of rows sharing one uniform column set.
// The column set is allowed to grow while the table is being assembled from
// API responses (providers add fields between runs); rows created before a
// column appeared read as nil for it.
package records

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Table holds rows in insertion order over a shared column set.
//
// Columns and Rows are exported so stages can walk them directly; mutation
// should go through the methods below so the column index stays consistent.
type Table struct {
	Columns []string
	Rows    [][]any

	index map[string]int
}

// New returns an empty table with the given columns.
func New(columns []string) *Table {
	t := &Table{Columns: append([]string(nil), columns...)}
	t.reindex()
	return t
}

func (t *Table) reindex() {
	t.index = make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		t.index[c] = i
	}
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// ColumnIndex returns the position of a column, or -1 if absent.
func (t *Table) ColumnIndex(name string) int {
	if t.index == nil {
		t.reindex()
	}
	if i, ok := t.index[name]; ok {
		return i
	}
	return -1
}

// AppendRow appends a row that must already be aligned to t.Columns.
func (t *Table) AppendRow(row []any) error {
	if len(row) != len(t.Columns) {
		return fmt.Errorf("records: row has %d values, table has %d columns", len(row), len(t.Columns))
	}
	t.Rows = append(t.Rows, row)
	return nil
}

// AppendMap appends one decoded object, growing the column set for keys not
// seen before. New columns keep first-seen order; earlier rows are padded
// with nil.
func (t *Table) AppendMap(obj map[string]any) {
	if t.index == nil {
		t.reindex()
	}

	// Deterministic order for keys that are new in this object.
	var fresh []string
	for k := range obj {
		if _, ok := t.index[k]; !ok {
			fresh = append(fresh, k)
		}
	}
	sort.Strings(fresh)
	for _, k := range fresh {
		t.index[k] = len(t.Columns)
		t.Columns = append(t.Columns, k)
		for i := range t.Rows {
			t.Rows[i] = append(t.Rows[i], nil)
		}
	}

	row := make([]any, len(t.Columns))
	for k, v := range obj {
		row[t.index[k]] = Normalize(v)
	}
	t.Rows = append(t.Rows, row)
}

// FromMaps builds a table from a slice of decoded JSON objects.
func FromMaps(objs []map[string]any) *Table {
	t := New(nil)
	for _, o := range objs {
		t.AppendMap(o)
	}
	return t
}

// Normalize converts decoder artifacts into the small set of value types the
// rest of the pipeline understands:
//
//   - json.Number -> int64 when integral, float64 otherwise
//   - nested objects/arrays -> their compact JSON text (free-form metadata
//     fields are loaded as strings)
//   - everything else passes through unchanged
func Normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := strconv.ParseInt(x.String(), 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(x.String(), 64); err == nil {
			return f
		}
		return x.String()
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	default:
		return v
	}
}

// Rename renames a column in place. Renaming a column that does not exist is
// a no-op (the provider may omit fields for an empty window).
func (t *Table) Rename(oldName, newName string) {
	i := t.ColumnIndex(oldName)
	if i < 0 {
		return
	}
	t.Columns[i] = newName
	t.reindex()
}

// MapColumns rewrites every column name through fn (e.g. strings.ToUpper).
func (t *Table) MapColumns(fn func(string) string) {
	for i, c := range t.Columns {
		t.Columns[i] = fn(c)
	}
	t.reindex()
}

// Filter returns a new table containing only rows for which keep returns
// true. Column set is shared with the receiver.
func (t *Table) Filter(keep func(row []any) bool) *Table {
	out := New(t.Columns)
	for _, r := range t.Rows {
		if keep(r) {
			out.Rows = append(out.Rows, r)
		}
	}
	return out
}

// Column returns all values of one column, or nil if the column is absent.
func (t *Table) Column(name string) []any {
	i := t.ColumnIndex(name)
	if i < 0 {
		return nil
	}
	vals := make([]any, 0, len(t.Rows))
	for _, r := range t.Rows {
		vals = append(vals, r[i])
	}
	return vals
}

// timeLayouts are the timestamp shapes the provider and the run log emit.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses a cell value as a timestamp.
//
// Accepts time.Time directly and the string layouts above. Returns ok=false
// for nil, empty strings, and anything unparseable.
func ParseTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, x); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// MaxTime scans a column for its largest parseable timestamp.
func (t *Table) MaxTime(column string) (time.Time, bool) {
	var max time.Time
	found := false
	for _, v := range t.Column(column) {
		ts, ok := ParseTime(v)
		if !ok {
			continue
		}
		if !found || ts.After(max) {
			max = ts
			found = true
		}
	}
	return max, found
}
