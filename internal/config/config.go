// Package config defines the single structured document that drives a run
// and its validation.
//
// The JSON file carries everything non-secret: pagination size, date-window
// policy, warehouse objects, datetime column list, staging retention, and
// run-log shape. Credentials never live in the file; they resolve from the
// environment (see ApplyEnv), optionally seeded from a .env file by
// cmd/calletl via godotenv.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Environment variables holding secrets.
const (
	EnvAPIKey            = "ZOOM_API_KEY"
	EnvAPISecret         = "ZOOM_API_SECRET"
	EnvWarehousePassword = "SNOWFLAKE_PASSWORD"
)

// Pipeline is the full run configuration.
type Pipeline struct {
	Job     string  `json:"job"`
	Extract Extract `json:"extract"`
	Load    Load    `json:"load"`
	Log     Log     `json:"log"`
}

// Extract configures the provider pull.
type Extract struct {
	// PageSize is records per page, capped at the provider maximum (300).
	PageSize int `json:"page_size"`

	// Period ("day", "month", "year") and NumPeriods define the rolling
	// window when no explicit date range is requested. NumPeriods of 1
	// means the current day/month/year to date.
	Period     string `json:"period"`
	NumPeriods int    `json:"num_periods"`

	// StartDate and EndDate define the explicit range. EndDate may be the
	// literal "today".
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`

	// DownloadPath is where the raw extract artifact (CSV) is written.
	DownloadPath string `json:"download_path"`

	// BaseURL overrides the production API endpoint (mock servers, tests).
	BaseURL string `json:"base_url,omitempty"`

	// RequestsPerSecond caps outbound requests. Defaults to the provider
	// ceiling of 5.
	RequestsPerSecond int `json:"requests_per_second,omitempty"`

	// Secrets, resolved from the environment.
	APIKey    string `json:"-"`
	APISecret string `json:"-"`
}

// Load configures the warehouse destination.
type Load struct {
	User      string `json:"user"`
	Account   string `json:"account"`
	Warehouse string `json:"warehouse"`
	Database  string `json:"database"`
	Schema    string `json:"schema"`
	Stage     string `json:"stage"`
	Table     string `json:"table"`

	// DatetimeColumns are columns stored as text by the provider that must
	// be typed as timestamps in the destination table.
	DatetimeColumns []string `json:"datetime_columns"`

	// DaysToStage is the retention window for staged raw extracts.
	DaysToStage int `json:"days_to_stage"`

	// Password resolves from the environment.
	Password string `json:"-"`
}

// Log configures the run log and its warehouse audit table.
type Log struct {
	FilePath        string   `json:"file_path"`
	Database        string   `json:"database"`
	Schema          string   `json:"schema"`
	TableName       string   `json:"table_name"`
	ColNames        []string `json:"col_names"`
	DatetimeColumns []string `json:"datetime_columns"`
}

// Read loads the pipeline config from a JSON file, applies defaults, and
// resolves secrets from the environment. Validation is separate (Validate)
// so the CLI can report every issue at once.
func Read(path string) (*Pipeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var p Pipeline
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	p.ApplyDefaults()
	p.ApplyEnv()
	return &p, nil
}

// ApplyDefaults fills optional fields that have sensible fixed values.
func (p *Pipeline) ApplyDefaults() {
	if p.Job == "" {
		p.Job = "call_logs_etl"
	}
	if p.Extract.RequestsPerSecond == 0 {
		p.Extract.RequestsPerSecond = 5
	}
	if p.Load.Table == "" {
		p.Load.Table = "ZOOM_CALL_LOGS"
	}
	if p.Log.TableName == "" {
		p.Log.TableName = "ZOOM_LOG"
	}
	if len(p.Log.ColNames) == 0 {
		p.Log.ColNames = []string{"LOG_TIME", "JOB", "COMPONENT", "LEVEL", "MESSAGE"}
	}
	if len(p.Log.DatetimeColumns) == 0 {
		p.Log.DatetimeColumns = []string{"LOG_TIME"}
	}
}

// ApplyEnv copies secrets from the process environment into the config.
func (p *Pipeline) ApplyEnv() {
	if v := os.Getenv(EnvAPIKey); v != "" {
		p.Extract.APIKey = v
	}
	if v := os.Getenv(EnvAPISecret); v != "" {
		p.Extract.APISecret = v
	}
	if v := os.Getenv(EnvWarehousePassword); v != "" {
		p.Load.Password = v
	}
}

// UseDateRange reports whether an explicit start date was configured; the
// CLI flag of the same name forces it.
func (p *Pipeline) UseDateRange() bool {
	return p.Extract.StartDate != ""
}
