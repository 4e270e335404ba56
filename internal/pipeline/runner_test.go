package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"calletl/internal/config"
	"calletl/internal/runlog"
	"calletl/internal/warehouse"

	_ "modernc.org/sqlite"
)

type fakeStager struct {
	archived []string
	pruned   []int
}

func (f *fakeStager) Archive(ctx context.Context, localPath string) error {
	f.archived = append(f.archived, localPath)
	return nil
}

func (f *fakeStager) Prune(ctx context.Context, retainDays int) error {
	f.pruned = append(f.pruned, retainDays)
	return nil
}

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testLogger(t *testing.T, path string) *runlog.Logger {
	t.Helper()
	l, err := runlog.New(path, "call_logs_etl", false)
	if err != nil {
		t.Fatalf("runlog.New: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// callLogServer serves one fixed page of call records.
func callLogServer(t *testing.T, logs []map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			t.Errorf("request missing Authorization header")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"total_records":   len(logs),
			"next_page_token": "",
			"call_logs":       logs,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, baseURL string) config.Pipeline {
	t.Helper()
	dir := t.TempDir()
	return config.Pipeline{
		Job: "call_logs_etl",
		Extract: config.Extract{
			PageSize:          100,
			Period:            "day",
			NumPeriods:        1,
			EndDate:           "today",
			DownloadPath:      filepath.Join(dir, "call_log.csv"),
			BaseURL:           baseURL,
			RequestsPerSecond: 5,
			APIKey:            "key",
			APISecret:         "secret",
		},
		Load: config.Load{
			Table:           "CALLS",
			Stage:           "raw_stage",
			DaysToStage:     7,
			DatetimeColumns: []string{"DATE_TIME"},
		},
		Log: config.Log{
			FilePath:        filepath.Join(dir, "run.log"),
			TableName:       "ZOOM_LOG",
			ColNames:        []string{"LOG_TIME", "JOB", "COMPONENT", "LEVEL", "MESSAGE"},
			DatetimeColumns: []string{"LOG_TIME"},
		},
	}
}

func TestRun_EndToEnd(t *testing.T) {
	srv := callLogServer(t, []map[string]any{
		{"id": "a1", "date_time": "2024-03-15 10:00:00", "duration": 30},
		{"id": "a2", "date_time": "2024-03-15 11:00:00", "duration": 45},
	})
	cfg := testConfig(t, srv.URL)
	rlog := testLogger(t, cfg.Log.FilePath)
	w := warehouse.NewWithDB(testDB(t), cfg.Load, rlog)
	st := &fakeStager{}

	err := Run(context.Background(), cfg, rlog, w, Options{stager: st})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var n int
	if err := w.DB().QueryRow(`SELECT COUNT(*) FROM CALLS`).Scan(&n); err != nil {
		t.Fatalf("count destination rows: %v", err)
	}
	if n != 2 {
		t.Fatalf("destination has %d rows, want 2", n)
	}

	// The renamed, uppercased id column must be what landed.
	var id string
	if err := w.DB().QueryRow(`SELECT "RECORD_ID" FROM CALLS ORDER BY "RECORD_ID"`).Scan(&id); err != nil {
		t.Fatalf("read RECORD_ID: %v", err)
	}
	if id != "a1" {
		t.Fatalf("RECORD_ID = %q, want a1", id)
	}

	if _, err := os.Stat(cfg.Extract.DownloadPath); err != nil {
		t.Fatalf("raw artifact not written: %v", err)
	}
	if len(st.archived) != 1 || st.archived[0] != cfg.Extract.DownloadPath {
		t.Fatalf("archived = %v, want the artifact path", st.archived)
	}
	if len(st.pruned) != 1 || st.pruned[0] != 7 {
		t.Fatalf("pruned = %v, want [7]", st.pruned)
	}
}

func TestRun_SecondRunLoadsNothingNew(t *testing.T) {
	srv := callLogServer(t, []map[string]any{
		{"id": "a1", "date_time": "2024-03-15 10:00:00"},
	})
	cfg := testConfig(t, srv.URL)
	rlog := testLogger(t, cfg.Log.FilePath)
	w := warehouse.NewWithDB(testDB(t), cfg.Load, rlog)

	for i := 0; i < 2; i++ {
		if err := Run(context.Background(), cfg, rlog, w, Options{stager: &fakeStager{}}); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}

	var n int
	if err := w.DB().QueryRow(`SELECT COUNT(*) FROM CALLS`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("watermark should deduplicate the rerun; have %d rows, want 1", n)
	}
}

func TestRun_ZeroRecordsLeavesDestinationUntouched(t *testing.T) {
	srv := callLogServer(t, nil)
	cfg := testConfig(t, srv.URL)
	rlog := testLogger(t, cfg.Log.FilePath)
	w := warehouse.NewWithDB(testDB(t), cfg.Load, rlog)
	st := &fakeStager{}

	if err := Run(context.Background(), cfg, rlog, w, Options{stager: st}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	exists, err := w.TableExists(context.Background(), "CALLS")
	if err != nil {
		t.Fatalf("TableExists: %v", err)
	}
	if exists {
		t.Fatalf("no table should be created on a zero-record run")
	}
	// The (empty) artifact is still archived for the audit trail.
	if len(st.archived) != 1 {
		t.Fatalf("archived = %v, want one artifact", st.archived)
	}
}

func TestArchiveRunLog(t *testing.T) {
	cfg := testConfig(t, "http://unused")
	rlog := testLogger(t, cfg.Log.FilePath)
	w := warehouse.NewWithDB(testDB(t), cfg.Load, rlog)

	rlog.Infof("extract", "pulled %d records", 2)
	rlog.Errorf("transform", "1 row dropped")
	if err := rlog.Close(); err != nil {
		t.Fatalf("close run log: %v", err)
	}

	if err := ArchiveRunLog(context.Background(), cfg.Log, w); err != nil {
		t.Fatalf("ArchiveRunLog: %v", err)
	}

	var n int
	if err := w.DB().QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, cfg.Log.TableName)).Scan(&n); err != nil {
		t.Fatalf("count log rows: %v", err)
	}
	if n != 2 {
		t.Fatalf("audit table has %d rows, want 2", n)
	}

	var level string
	if err := w.DB().QueryRow(`SELECT "LEVEL" FROM ZOOM_LOG WHERE "COMPONENT" = 'transform'`).Scan(&level); err != nil {
		t.Fatalf("read level: %v", err)
	}
	if level != "ERROR" {
		t.Fatalf("level = %q, want ERROR", level)
	}
}

func TestArchiveRunLog_EmptyLogIsNoop(t *testing.T) {
	cfg := testConfig(t, "http://unused")
	rlog := testLogger(t, cfg.Log.FilePath)
	w := warehouse.NewWithDB(testDB(t), cfg.Load, rlog)
	if err := rlog.Close(); err != nil {
		t.Fatalf("close run log: %v", err)
	}

	if err := ArchiveRunLog(context.Background(), cfg.Log, w); err != nil {
		t.Fatalf("ArchiveRunLog on empty log: %v", err)
	}
	exists, err := w.TableExists(context.Background(), "ZOOM_LOG")
	if err != nil {
		t.Fatalf("TableExists: %v", err)
	}
	if exists {
		t.Fatalf("no audit table should be created for an empty log")
	}
}
