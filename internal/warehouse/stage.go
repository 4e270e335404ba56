package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"calletl/internal/runlog"
)

const partitionLayout = "2006-01-02"

// Stager archives raw extract files to a named stage under date partitions
// (@stage/YYYY-MM-DD/...) and prunes partitions past retention. It shares
// the writer's connection.
type Stager struct {
	db    *sql.DB
	stage string
	log   *runlog.Logger

	now func() time.Time
}

// NewStager builds a stager on the writer's connection.
func NewStager(w *Writer, stage string, log *runlog.Logger) *Stager {
	return &Stager{db: w.db, stage: stage, log: log, now: time.Now}
}

// Archive uploads the local extract file into today's partition of the
// stage, creating the stage if needed. Re-running on the same day
// overwrites the partition's copy, so a retried run never duplicates the
// archive.
func (s *Stager) Archive(ctx context.Context, localPath string) error {
	if err := validIdent(s.stage); err != nil {
		return fmt.Errorf("warehouse: stage name: %w", err)
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return fmt.Errorf("warehouse: resolve artifact path: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("CREATE STAGE IF NOT EXISTS %s", s.stage)); err != nil {
		return fmt.Errorf("warehouse: create stage %s: %w", s.stage, err)
	}

	partition := s.now().Format(partitionLayout)
	put := fmt.Sprintf("PUT 'file://%s' @%s/%s/call_log OVERWRITE = TRUE", abs, s.stage, partition)
	if _, err := s.db.ExecContext(ctx, put); err != nil {
		return fmt.Errorf("warehouse: stage artifact: %w", err)
	}
	s.log.Infof("stage", "raw extract archived to @%s/%s", s.stage, partition)
	return nil
}

// Prune lists the stage and removes every date partition older than
// retainDays. A listing failure is fatal (retention silently stalling is
// worse than a failed run); individual REMOVE failures are logged and
// skipped so one stuck partition cannot block the rest.
func (s *Stager) Prune(ctx context.Context, retainDays int) error {
	if err := validIdent(s.stage); err != nil {
		return fmt.Errorf("warehouse: stage name: %w", err)
	}

	names, err := s.list(ctx)
	if err != nil {
		return err
	}

	for _, p := range stalePartitions(names, s.now(), retainDays) {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("REMOVE @%s/%s", s.stage, p)); err != nil {
			s.log.Errorf("stage", "failed to remove partition %s: %v", p, err)
			continue
		}
		s.log.Infof("stage", "removed stale partition @%s/%s", s.stage, p)
	}
	return nil
}

// list returns the staged file names, the first column of LIST output.
func (s *Stager) list(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("LIST @%s", s.stage))
	if err != nil {
		return nil, fmt.Errorf("warehouse: list stage %s: %w", s.stage, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("warehouse: list stage %s: %w", s.stage, err)
	}

	var names []string
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("warehouse: scan stage listing: %w", err)
		}
		switch v := vals[0].(type) {
		case string:
			names = append(names, v)
		case []byte:
			names = append(names, string(v))
		}
	}
	return names, rows.Err()
}

// stalePartitions extracts the date partitions from staged file names and
// returns, sorted and deduplicated, those at least retainDays old. Names
// look like "stagename/2024-03-01/call_log.csv.gz"; segments that do not
// parse as dates are ignored.
func stalePartitions(names []string, today time.Time, retainDays int) []string {
	cutoff := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC).
		AddDate(0, 0, -retainDays)

	seen := make(map[string]bool)
	for _, name := range names {
		parts := strings.Split(name, "/")
		if len(parts) < 2 {
			continue
		}
		d, err := time.Parse(partitionLayout, parts[1])
		if err != nil {
			continue
		}
		if !d.After(cutoff) {
			seen[parts[1]] = true
		}
	}

	stale := make([]string, 0, len(seen))
	for p := range seen {
		stale = append(stale, p)
	}
	sort.Strings(stale)
	return stale
}
