package warehouse

import (
	"fmt"
	"strings"
	"time"

	"calletl/internal/records"
)

// columnType maps an observed cell value to a destination column type. The
// mapping is deliberately small; a value outside it means the provider
// changed its payload and the run must stop rather than guess.
func columnType(v any) (string, bool) {
	switch v.(type) {
	case string:
		return "STRING", true
	case int, int64:
		return "INTEGER", true
	case float64:
		return "REAL", true
	case bool:
		return "BOOLEAN", true
	case time.Time:
		return "TIMESTAMP_NTZ(9)", true
	}
	return "", false
}

// BuildCreateTableSQL derives CREATE TABLE IF NOT EXISTS DDL from the
// observed data.
//
// Each column is typed from its first non-nil value; a column that is nil in
// every row falls back to STRING. Columns named in datetimeColumns are
// forced to TIMESTAMP_NTZ(9) regardless of how their values arrived (the
// provider ships timestamps as strings). A value of any other type is an
// unsupported-column-type error.
func BuildCreateTableSQL(table string, tbl *records.Table, datetimeColumns []string) (string, error) {
	name, err := formatName(table)
	if err != nil {
		return "", err
	}
	if len(tbl.Columns) == 0 {
		return "", fmt.Errorf("warehouse: cannot derive a schema for %s from a table with no columns", table)
	}

	forced := make(map[string]bool, len(datetimeColumns))
	for _, c := range datetimeColumns {
		forced[strings.ToUpper(c)] = true
	}

	defs := make([]string, len(tbl.Columns))
	for i, col := range tbl.Columns {
		if err := validIdent(col); err != nil {
			return "", fmt.Errorf("warehouse: column name: %w", err)
		}

		typ := "STRING"
		if forced[strings.ToUpper(col)] {
			typ = "TIMESTAMP_NTZ(9)"
		} else {
			for _, row := range tbl.Rows {
				v := row[i]
				if v == nil {
					continue
				}
				t, ok := columnType(v)
				if !ok {
					return "", fmt.Errorf("warehouse: unsupported column type %T in column %s", v, col)
				}
				typ = t
				break
			}
		}
		defs[i] = fmt.Sprintf("%s %s", quoteIdent(col), typ)
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", name, strings.Join(defs, ", ")), nil
}
