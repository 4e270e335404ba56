// Package runlog implements the pipe-delimited run log.
//
// Every pipeline event is appended as one line to a local file:
//
//	2024-03-15 10:00:00.123|calls_etl|extract|INFO|3 pages fetched
//
// The file is a load artifact as much as a log: at the end of a run the
// pipeline parses it back into a record table (using the column names from
// configuration) and bulk-appends it to a warehouse audit table. Keeping the
// format delimiter-clean is therefore part of the contract, which is why
// messages have embedded pipes replaced.
package runlog

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Columns is the fixed field count of one log line. The configured column
// names for the audit table must match it.
const Columns = 5

// Logger appends run events to a local file and optionally mirrors them to
// the process logger on stderr.
type Logger struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	job    string
	mirror bool

	now func() time.Time
}

// New creates (truncating) the run log file at path.
func New(path, job string, mirror bool) (*Logger, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("runlog: create %s: %w", path, err)
	}
	return &Logger{f: f, path: path, job: job, mirror: mirror, now: time.Now}, nil
}

// Path returns the location of the underlying file.
func (l *Logger) Path() string { return l.path }

// Infof appends an INFO line attributed to component.
func (l *Logger) Infof(component, format string, args ...any) {
	l.write("INFO", component, fmt.Sprintf(format, args...))
}

// Errorf appends an ERROR line attributed to component.
func (l *Logger) Errorf(component, format string, args ...any) {
	l.write("ERROR", component, fmt.Sprintf(format, args...))
}

func (l *Logger) write(level, component, msg string) {
	// The message is one field of a pipe-delimited record.
	msg = strings.ReplaceAll(msg, "|", "/")
	msg = strings.ReplaceAll(msg, "\n", " ")

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f != nil {
		ts := l.now().Format("2006-01-02 15:04:05.000")
		fmt.Fprintf(l.f, "%s|%s|%s|%s|%s\n", ts, l.job, component, level, msg)
	}
	if l.mirror {
		log.Printf("%s %s: %s", level, component, msg)
	}
}

// Close flushes and closes the file. Lines written after Close go only to
// the mirror.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
