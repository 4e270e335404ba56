// Package warehouse owns every interaction with the destination warehouse:
// environment objects, table DDL from inferred schemas, bulk appends, the
// watermark accessor, and raw-extract staging.
//
// One *sql.DB is opened per run and shared by the writer, the transformer's
// watermark query, and the stager; components do not open their own
// connections.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"calletl/internal/config"
	"calletl/internal/metrics"
	"calletl/internal/records"
	"calletl/internal/runlog"

	sf "github.com/snowflakedb/gosnowflake"
)

// maxBindParams bounds the number of bind parameters per INSERT chunk,
// keeping statements well inside driver limits.
const maxBindParams = 2000

// LoadReport summarizes one bulk append.
type LoadReport struct {
	Rows   int
	Chunks int
}

// Writer executes warehouse DDL and bulk loads.
type Writer struct {
	db  *sql.DB
	cfg config.Load
	log *runlog.Logger
}

// Open connects to the warehouse and validates connectivity.
func Open(ctx context.Context, cfg config.Load, log *runlog.Logger) (*Writer, error) {
	dsn, err := sf.DSN(&sf.Config{
		Account:   cfg.Account,
		User:      cfg.User,
		Password:  cfg.Password,
		Database:  cfg.Database,
		Schema:    cfg.Schema,
		Warehouse: cfg.Warehouse,
	})
	if err != nil {
		return nil, fmt.Errorf("warehouse: build DSN: %w", err)
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("warehouse: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("warehouse: ping: %w", err)
	}
	return &Writer{db: db, cfg: cfg, log: log}, nil
}

// NewWithDB wraps an existing connection. Tests use this with an in-memory
// SQLite database to exercise the SQL paths.
func NewWithDB(db *sql.DB, cfg config.Load, log *runlog.Logger) *Writer {
	return &Writer{db: db, cfg: cfg, log: log}
}

// Close releases the underlying connection.
func (w *Writer) Close() error {
	return w.db.Close()
}

// DB exposes the shared connection to the stager.
func (w *Writer) DB() *sql.DB { return w.db }

// EnsureEnvironment creates the compute/storage/schema containers if absent
// and selects them for the session. Idempotent; safe on every run. A
// failure here means the run cannot locate or build its destination and is
// fatal.
func (w *Writer) EnsureEnvironment(ctx context.Context) error {
	names := map[string]string{
		"warehouse": w.cfg.Warehouse,
		"database":  w.cfg.Database,
		"schema":    w.cfg.Schema,
	}
	for kind, name := range names {
		if err := validIdent(name); err != nil {
			return fmt.Errorf("warehouse: %s name: %w", kind, err)
		}
	}

	stmts := []string{
		fmt.Sprintf("CREATE WAREHOUSE IF NOT EXISTS %s", w.cfg.Warehouse),
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", w.cfg.Database),
		fmt.Sprintf("USE DATABASE %s", w.cfg.Database),
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.cfg.Schema),
		fmt.Sprintf("USE WAREHOUSE %s", w.cfg.Warehouse),
		fmt.Sprintf("USE SCHEMA %s", w.cfg.Schema),
	}
	for _, stmt := range stmts {
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("warehouse: %s: %w", stmt, err)
		}
	}
	return nil
}

// EnsureTable creates table from the inferred schema when absent. An
// existing table is never altered; drift surfaces at append time.
func (w *Writer) EnsureTable(ctx context.Context, table string, tbl *records.Table, datetimeColumns []string) error {
	stmt, err := BuildCreateTableSQL(table, tbl, datetimeColumns)
	if err != nil {
		return err
	}
	if _, err := w.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("warehouse: create table %s: %w", table, err)
	}
	return nil
}

// TableExists probes table with a zero-row select.
func (w *Writer) TableExists(ctx context.Context, table string) (bool, error) {
	name, err := formatName(table)
	if err != nil {
		return false, err
	}
	rows, err := w.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s WHERE 1 = 0", name))
	if err != nil {
		if isMissingObject(err) {
			return false, nil
		}
		return false, fmt.Errorf("warehouse: probe table %s: %w", table, err)
	}
	defer rows.Close()
	return true, rows.Err()
}

// MaxTimestamp returns the destination's current high watermark:
// SELECT MAX(column) FROM table. found is false for an empty table.
func (w *Writer) MaxTimestamp(ctx context.Context, table, column string) (time.Time, bool, error) {
	name, err := formatName(table)
	if err != nil {
		return time.Time{}, false, err
	}
	if err := validIdent(column); err != nil {
		return time.Time{}, false, fmt.Errorf("warehouse: timestamp column: %w", err)
	}

	var v any
	err = w.db.QueryRowContext(ctx, fmt.Sprintf("SELECT MAX(%s) FROM %s", column, name)).Scan(&v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("warehouse: watermark query on %s: %w", table, err)
	}

	switch x := v.(type) {
	case nil:
		return time.Time{}, false, nil
	case time.Time:
		return x, true, nil
	case []byte:
		v = string(x)
	}
	if ts, ok := records.ParseTime(v); ok {
		return ts, true, nil
	}
	return time.Time{}, false, fmt.Errorf("warehouse: cannot interpret MAX(%s) value %v (%T) as a timestamp", column, v, v)
}

// Append bulk-inserts every row of tbl into table in bounded chunks.
//
// Before the first chunk the destination's column set is probed; a source
// column missing from the destination is schema drift and rejects the whole
// load (tables are never altered in place). Destination columns absent from
// the source are left NULL.
//
// An empty table appends nothing and reports success, which keeps re-runs
// with an already-loaded window idempotent.
func (w *Writer) Append(ctx context.Context, table string, tbl *records.Table) (LoadReport, error) {
	if tbl.Len() == 0 {
		w.log.Infof("load", "no new rows for %s", table)
		return LoadReport{}, nil
	}
	name, err := formatName(table)
	if err != nil {
		return LoadReport{}, err
	}

	destCols, err := w.destinationColumns(ctx, name)
	if err != nil {
		return LoadReport{}, err
	}
	for _, c := range tbl.Columns {
		if !destCols[strings.ToUpper(c)] {
			return LoadReport{}, fmt.Errorf("warehouse: schema drift: column %s is not in destination table %s", c, table)
		}
	}

	cols := make([]string, len(tbl.Columns))
	for i, c := range tbl.Columns {
		if err := validIdent(c); err != nil {
			return LoadReport{}, fmt.Errorf("warehouse: column name: %w", err)
		}
		cols[i] = quoteIdent(c)
	}

	rowsPerChunk := maxBindParams / len(cols)
	if rowsPerChunk < 1 {
		rowsPerChunk = 1
	}
	rowPlaceholder := "(" + strings.TrimRight(strings.Repeat("?,", len(cols)), ",") + ")"

	report := LoadReport{}
	for start := 0; start < tbl.Len(); start += rowsPerChunk {
		end := start + rowsPerChunk
		if end > tbl.Len() {
			end = tbl.Len()
		}
		chunk := tbl.Rows[start:end]

		placeholders := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)*len(cols))
		for i, row := range chunk {
			placeholders[i] = rowPlaceholder
			args = append(args, row...)
		}

		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", name, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
		if _, err := w.db.ExecContext(ctx, stmt, args...); err != nil {
			return report, fmt.Errorf("warehouse: append chunk %d to %s: %w", report.Chunks+1, table, err)
		}
		report.Rows += len(chunk)
		report.Chunks++
	}

	metrics.IncCounter(metrics.MetricRecordsTotal, float64(report.Rows), metrics.Labels{"kind": "loaded"})
	w.log.Infof("load", "%d rows loaded into %s in %d chunks", report.Rows, table, report.Chunks)
	return report, nil
}

// destinationColumns reads the destination's column set via a zero-row
// select, upper-cased for case-insensitive comparison.
func (w *Writer) destinationColumns(ctx context.Context, formattedName string) (map[string]bool, error) {
	rows, err := w.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s WHERE 1 = 0", formattedName))
	if err != nil {
		return nil, fmt.Errorf("warehouse: read destination columns: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("warehouse: read destination columns: %w", err)
	}
	set := make(map[string]bool, len(cols))
	for _, c := range cols {
		set[strings.ToUpper(c)] = true
	}
	return set, rows.Err()
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

// validIdent rejects anything that is not a plain SQL identifier. Object
// names come from configuration and column names from the provider; neither
// is trusted inside interpolated DDL.
func validIdent(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

// QualifiedName joins database, schema, and object into a fully qualified
// name, skipping empty parts. Parts are validated when the name is used.
func QualifiedName(database, schema, name string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{database, schema, name} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

// formatName validates a possibly schema-qualified object name
// ("DB.SCHEMA.TABLE" or just "TABLE") part by part.
func formatName(name string) (string, error) {
	parts := strings.Split(name, ".")
	for _, p := range parts {
		if err := validIdent(p); err != nil {
			return "", fmt.Errorf("warehouse: object name: %w", err)
		}
	}
	return strings.Join(parts, "."), nil
}

// isMissingObject matches the "object does not exist" error shapes of the
// warehouse driver (and of SQLite, which backs the tests).
func isMissingObject(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "does not exist") || strings.Contains(msg, "no such table")
}
