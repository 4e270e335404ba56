package records

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"
)

// WriteFile serializes the table to a delimited file at path, fully
// overwriting whatever was there. The first line is the header row.
//
// Cell formatting:
//   - nil            -> empty field
//   - time.Time      -> "2006-01-02 15:04:05"
//   - int64/float64  -> strconv formatting (no exponent for typical values)
//   - bool           -> "true"/"false"
func (t *Table) WriteFile(path string, comma rune) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("records: create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = comma

	if err := w.Write(t.Columns); err != nil {
		return fmt.Errorf("records: write header: %w", err)
	}

	line := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i, v := range row {
			line[i] = FormatCell(v)
		}
		if err := w.Write(line); err != nil {
			return fmt.Errorf("records: write row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("records: flush %s: %w", path, err)
	}
	return f.Close()
}

// ReadFile parses a headerless delimited file into a table with the given
// column names. Short lines are padded with nil; long lines are an error.
//
// This is the read path for the run log, whose column names come from
// configuration rather than a header row.
func ReadFile(path string, comma rune, columns []string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("records: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	t := New(columns)
	lines, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("records: read %s: %w", path, err)
	}
	for n, line := range lines {
		if len(line) > len(columns) {
			return nil, fmt.Errorf("records: %s line %d has %d fields, want at most %d", path, n+1, len(line), len(columns))
		}
		row := make([]any, len(columns))
		for i, cell := range line {
			row[i] = cell
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// FormatCell renders one cell value for delimited output.
func FormatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		return x.Format("2006-01-02 15:04:05")
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(v)
	}
}
