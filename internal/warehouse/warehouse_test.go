package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"calletl/internal/config"
	"calletl/internal/records"
	"calletl/internal/runlog"

	_ "modernc.org/sqlite"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// In-memory SQLite is per-connection; keep the pool at one.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testLogger(t *testing.T) *runlog.Logger {
	t.Helper()
	l, err := runlog.New(filepath.Join(t.TempDir(), "run.log"), "test", false)
	if err != nil {
		t.Fatalf("runlog.New: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func testWriter(t *testing.T) *Writer {
	t.Helper()
	return NewWithDB(testDB(t), config.Load{}, testLogger(t))
}

func callTable(stamps ...string) *records.Table {
	objs := make([]map[string]any, 0, len(stamps))
	for i, s := range stamps {
		objs = append(objs, map[string]any{
			"RECORD_ID": fmt.Sprintf("rec-%d", i),
			"DURATION":  int64(30 + i),
			"DATE_TIME": s,
		})
	}
	return records.FromMaps(objs)
}

func TestBuildCreateTableSQL_TypeInference(t *testing.T) {
	tbl := records.FromMaps([]map[string]any{
		{"RECORD_ID": "a", "DURATION": int64(30), "DATE_TIME": "2024-03-15 10:00:00", "EMPTY": nil},
	})

	stmt, err := BuildCreateTableSQL("CALLS", tbl, []string{"DATE_TIME"})
	if err != nil {
		t.Fatalf("BuildCreateTableSQL: %v", err)
	}
	for _, want := range []string{
		`"RECORD_ID" STRING`,
		`"DURATION" INTEGER`,
		`"DATE_TIME" TIMESTAMP_NTZ(9)`,
		`"EMPTY" STRING`,
		"CREATE TABLE IF NOT EXISTS CALLS",
	} {
		if !strings.Contains(stmt, want) {
			t.Fatalf("DDL missing %q:\n%s", want, stmt)
		}
	}
}

func TestBuildCreateTableSQL_UnsupportedType(t *testing.T) {
	tbl := records.FromMaps([]map[string]any{
		{"WEIRD": struct{}{}},
	})
	if _, err := BuildCreateTableSQL("CALLS", tbl, nil); err == nil {
		t.Fatalf("expected unsupported column type error")
	}
}

func TestTableExists(t *testing.T) {
	w := testWriter(t)
	ctx := context.Background()

	ok, err := w.TableExists(ctx, "CALLS")
	if err != nil {
		t.Fatalf("TableExists: %v", err)
	}
	if ok {
		t.Fatalf("table should not exist yet")
	}

	if err := w.EnsureTable(ctx, "CALLS", callTable("2024-03-15 10:00:00"), []string{"DATE_TIME"}); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	ok, err = w.TableExists(ctx, "CALLS")
	if err != nil {
		t.Fatalf("TableExists after create: %v", err)
	}
	if !ok {
		t.Fatalf("table should exist after EnsureTable")
	}
}

func TestAppendAndMaxTimestamp(t *testing.T) {
	w := testWriter(t)
	ctx := context.Background()
	tbl := callTable("2024-03-15 10:00:00", "2024-03-15 11:30:00", "2024-03-15 09:00:00")

	if err := w.EnsureTable(ctx, "CALLS", tbl, []string{"DATE_TIME"}); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}

	report, err := w.Append(ctx, "CALLS", tbl)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if report.Rows != 3 || report.Chunks != 1 {
		t.Fatalf("report = %+v, want 3 rows in 1 chunk", report)
	}

	ts, found, err := w.MaxTimestamp(ctx, "CALLS", "DATE_TIME")
	if err != nil {
		t.Fatalf("MaxTimestamp: %v", err)
	}
	if !found {
		t.Fatalf("expected a watermark after loading rows")
	}
	if want := time.Date(2024, 3, 15, 11, 30, 0, 0, time.UTC); !ts.Equal(want) {
		t.Fatalf("watermark = %v, want %v", ts, want)
	}
}

func TestMaxTimestamp_EmptyTable(t *testing.T) {
	w := testWriter(t)
	ctx := context.Background()

	if err := w.EnsureTable(ctx, "CALLS", callTable("2024-03-15 10:00:00"), []string{"DATE_TIME"}); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	_, found, err := w.MaxTimestamp(ctx, "CALLS", "DATE_TIME")
	if err != nil {
		t.Fatalf("MaxTimestamp: %v", err)
	}
	if found {
		t.Fatalf("empty table should report no watermark")
	}
}

func TestAppend_EmptyTableSucceeds(t *testing.T) {
	w := testWriter(t)

	// No destination table at all: an empty append is still a success.
	report, err := w.Append(context.Background(), "CALLS", records.New(nil))
	if err != nil {
		t.Fatalf("Append of empty table: %v", err)
	}
	if report.Rows != 0 || report.Chunks != 0 {
		t.Fatalf("report = %+v, want zero", report)
	}
}

func TestAppend_SchemaDriftRejected(t *testing.T) {
	w := testWriter(t)
	ctx := context.Background()

	if err := w.EnsureTable(ctx, "CALLS", callTable("2024-03-15 10:00:00"), []string{"DATE_TIME"}); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}

	drifted := records.FromMaps([]map[string]any{
		{"RECORD_ID": "a", "DURATION": int64(1), "DATE_TIME": "2024-03-16 10:00:00", "NEW_FIELD": "x"},
	})
	_, err := w.Append(ctx, "CALLS", drifted)
	if err == nil {
		t.Fatalf("expected drift rejection for a new source column")
	}
	if !strings.Contains(err.Error(), "schema drift") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAppend_Chunking(t *testing.T) {
	w := testWriter(t)
	ctx := context.Background()

	stamps := make([]string, 1400)
	for i := range stamps {
		stamps[i] = fmt.Sprintf("2024-03-15 %02d:%02d:00", i/60%24, i%60)
	}
	tbl := callTable(stamps...)

	if err := w.EnsureTable(ctx, "CALLS", tbl, []string{"DATE_TIME"}); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	report, err := w.Append(ctx, "CALLS", tbl)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if report.Rows != 1400 {
		t.Fatalf("rows = %d, want 1400", report.Rows)
	}
	// Three columns allow 666 rows per chunk under the bind budget.
	if report.Chunks != 3 {
		t.Fatalf("chunks = %d, want 3", report.Chunks)
	}

	var n int
	if err := w.DB().QueryRow(`SELECT COUNT(*) FROM CALLS`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1400 {
		t.Fatalf("destination has %d rows, want 1400", n)
	}
}

func TestEnsureEnvironment_RejectsBadIdentifiers(t *testing.T) {
	w := NewWithDB(testDB(t), config.Load{
		Warehouse: "LOAD_WH",
		Database:  "TELEPHONY",
		Schema:    "PUBLIC; DROP TABLE CALLS",
	}, testLogger(t))

	if err := w.EnsureEnvironment(context.Background()); err == nil {
		t.Fatalf("expected identifier validation to fail")
	}
}

func TestStalePartitions(t *testing.T) {
	today := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	names := []string{
		"raw_stage/2024-03-01/call_log.csv.gz",
		"raw_stage/2024-03-01/call_log_2.csv.gz",
		"raw_stage/2024-03-08/call_log.csv.gz",
		"raw_stage/2024-03-14/call_log.csv.gz",
		"raw_stage/not-a-date/stray.csv",
		"malformed",
	}

	got := stalePartitions(names, today, 7)
	want := []string{"2024-03-01", "2024-03-08"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("stalePartitions = %v, want %v", got, want)
	}
}

func TestStalePartitions_CutoffIsInclusive(t *testing.T) {
	today := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	names := []string{"raw_stage/2024-03-08/f", "raw_stage/2024-03-09/f"}

	got := stalePartitions(names, today, 7)
	if !reflect.DeepEqual(got, []string{"2024-03-08"}) {
		t.Fatalf("stalePartitions = %v, want [2024-03-08]", got)
	}
}
