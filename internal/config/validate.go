package config

import (
	"fmt"
	"time"

	"calletl/internal/runlog"
)

// Severity classifies a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding, addressed by a dotted config path.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func errorf(path, format string, args ...any) Issue {
	return Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, args...)}
}

func warnf(path, format string, args ...any) Issue {
	return Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, args...)}
}

// maxPageSize mirrors the provider ceiling enforced again by the fetcher.
const maxPageSize = 300

var validPeriods = map[string]bool{"day": true, "month": true, "year": true}

// Validate checks the whole document and returns every issue found, so a
// misconfigured deployment is fixed in one round trip. Errors abort the run
// before any side effect; warnings are printed and ignored.
func Validate(p *Pipeline) []Issue {
	var issues []Issue

	// extract
	if p.Extract.PageSize < 1 {
		issues = append(issues, errorf("extract.page_size", "must be at least 1, got %d", p.Extract.PageSize))
	} else if p.Extract.PageSize > maxPageSize {
		issues = append(issues, errorf("extract.page_size", "value %d exceeds the provider maximum of %d", p.Extract.PageSize, maxPageSize))
	}

	if p.UseDateRange() {
		if _, err := time.Parse("2006-01-02", p.Extract.StartDate); err != nil {
			issues = append(issues, errorf("extract.start_date", "not a YYYY-MM-DD date: %q", p.Extract.StartDate))
		}
		if p.Extract.EndDate != "today" {
			if _, err := time.Parse("2006-01-02", p.Extract.EndDate); err != nil {
				issues = append(issues, errorf("extract.end_date", "must be a YYYY-MM-DD date or \"today\", got %q", p.Extract.EndDate))
			}
		}
	} else {
		if !validPeriods[p.Extract.Period] {
			issues = append(issues, errorf("extract.period", "must be one of day, month, year; got %q", p.Extract.Period))
		}
		if p.Extract.NumPeriods < 1 {
			issues = append(issues, errorf("extract.num_periods", "must be at least 1, got %d", p.Extract.NumPeriods))
		}
	}

	if p.Extract.DownloadPath == "" {
		issues = append(issues, errorf("extract.download_path", "is required"))
	}
	if p.Extract.APIKey == "" {
		issues = append(issues, errorf("extract", "API key missing; set %s", EnvAPIKey))
	}
	if p.Extract.APISecret == "" {
		issues = append(issues, errorf("extract", "API secret missing; set %s", EnvAPISecret))
	}
	if p.Extract.RequestsPerSecond > 5 {
		issues = append(issues, warnf("extract.requests_per_second", "%d exceeds the documented provider ceiling of 5", p.Extract.RequestsPerSecond))
	}

	// load
	for _, f := range []struct{ path, val string }{
		{"load.user", p.Load.User},
		{"load.account", p.Load.Account},
		{"load.warehouse", p.Load.Warehouse},
		{"load.database", p.Load.Database},
		{"load.schema", p.Load.Schema},
		{"load.stage", p.Load.Stage},
	} {
		if f.val == "" {
			issues = append(issues, errorf(f.path, "is required"))
		}
	}
	if p.Load.Password == "" {
		issues = append(issues, errorf("load", "warehouse password missing; set %s", EnvWarehousePassword))
	}
	if p.Load.DaysToStage < 0 {
		issues = append(issues, errorf("load.days_to_stage", "must not be negative, got %d", p.Load.DaysToStage))
	} else if p.Load.DaysToStage == 0 {
		issues = append(issues, warnf("load.days_to_stage", "is 0; staged raw extracts are pruned immediately"))
	}

	// log
	if p.Log.FilePath == "" {
		issues = append(issues, errorf("log.file_path", "is required"))
	}
	if p.Log.Database == "" {
		issues = append(issues, errorf("log.database", "is required"))
	}
	if p.Log.Schema == "" {
		issues = append(issues, errorf("log.schema", "is required"))
	}
	if len(p.Log.ColNames) != runlog.Columns {
		issues = append(issues, errorf("log.col_names", "run log lines have %d fields, config names %d columns", runlog.Columns, len(p.Log.ColNames)))
	}

	return issues
}

// HasErrors reports whether any issue is fatal.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}
