// Package runlog provides the run-scoped structured event log: a
// bounded global debug ring plus per-run buckets persisted as one JSON
// document per flow run with a computed status rollup.
package runlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lecternhq/lectern/internal/ring"
)

const (
	// GlobalCap bounds the cross-run debug ring.
	GlobalCap = 5000
	// RunCap bounds each run's retained events.
	RunCap = 20000
)

// Entry is one structured event.
type Entry struct {
	Ts    int64          `json:"ts"`
	Level string         `json:"level"`
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// Options configures a Log. Zero values get sensible defaults.
type Options struct {
	LogsDir   string
	Logger    zerolog.Logger
	GlobalCap int
	RunCap    int
	// Normalize rewrites flow run ids extracted from event data before
	// they select a run bucket. Defaults to the identity function.
	Normalize func(string) string
	Now       func() int64
}

// Log owns the global ring and the per-run buckets. Safe for
// concurrent use.
type Log struct {
	mu        sync.Mutex
	logsDir   string
	logger    zerolog.Logger
	global    *ring.Buffer[Entry]
	runs      map[string][]Entry
	runFiles  map[string]string
	runCap    int
	normalize func(string) string
	now       func() int64
}

// New creates a Log writing run documents under opts.LogsDir.
func New(opts Options) *Log {
	if opts.GlobalCap <= 0 {
		opts.GlobalCap = GlobalCap
	}
	if opts.RunCap <= 0 {
		opts.RunCap = RunCap
	}
	if opts.Normalize == nil {
		opts.Normalize = func(s string) string { return s }
	}
	if opts.Now == nil {
		opts.Now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Log{
		logsDir:   opts.LogsDir,
		logger:    opts.Logger,
		global:    ring.New[Entry](opts.GlobalCap),
		runs:      map[string][]Entry{},
		runFiles:  map[string]string{},
		runCap:    opts.RunCap,
		normalize: opts.Normalize,
		now:       opts.Now,
	}
}

// Record appends an event to the global ring and, when a flow run id
// can be resolved from data, to that run's bucket, synchronously
// rewriting the run's summary document. Persistence failures are
// logged and swallowed.
func (l *Log) Record(event string, data map[string]any, level string) {
	if level == "" {
		level = "info"
	}
	if data == nil {
		data = map[string]any{}
	}
	entry := Entry{Ts: l.now(), Level: level, Event: event, Data: data}

	l.echo(entry)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.global.Append(entry)

	runID := ExtractFlowRunID(data)
	if runID == "" {
		return
	}
	runID = l.normalize(runID)
	bucket := append(l.runs[runID], entry)
	if len(bucket) > l.runCap {
		bucket = append(bucket[:0:0], bucket[len(bucket)-l.runCap:]...)
	}
	l.runs[runID] = bucket
	if err := l.flushRunLocked(runID); err != nil {
		l.logger.Warn().Err(err).Str("run_id", runID).Msg("run log flush failed")
	}
}

// echo mirrors every event onto the process logger.
func (l *Log) echo(entry Entry) {
	var ev *zerolog.Event
	switch strings.ToLower(entry.Level) {
	case "error":
		ev = l.logger.Error()
	case "warn", "warning":
		ev = l.logger.Warn()
	default:
		ev = l.logger.Info()
	}
	ev.Fields(map[string]any{"data": entry.Data}).Msg(entry.Event)
}

// Events returns the global debug ring, optionally clearing it so each
// poll drains only what is new.
func (l *Log) Events(clear bool) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if clear {
		out := l.global.Drain()
		if out == nil {
			out = []Entry{}
		}
		return out
	}
	return l.global.Items()
}

// RunEvents returns a copy of the retained events for one run.
func (l *Log) RunEvents(runID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	bucket := l.runs[runID]
	out := make([]Entry, len(bucket))
	copy(out, bucket)
	return out
}

// RunInfo is the rollup view of one run, used by the archiver.
type RunInfo struct {
	RunID        string
	Status       string
	EventCount   int
	ErrorCount   int
	WarningCount int
	LastProblem  string
	CreatedTs    int64
	UpdatedTs    int64
	Path         string
}

// Runs returns the rollup for every run seen this session.
func (l *Log) Runs() []RunInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]RunInfo, 0, len(l.runs))
	for runID, events := range l.runs {
		if len(events) == 0 {
			continue
		}
		s := summarize(events)
		info := RunInfo{
			RunID:        runID,
			Status:       s.Status,
			EventCount:   len(events),
			ErrorCount:   s.Counts["error"],
			WarningCount: s.Counts["warn"] + s.Counts["warning"],
			CreatedTs:    events[0].Ts,
			UpdatedTs:    events[len(events)-1].Ts,
			Path:         l.runFiles[runID],
		}
		if s.LastProblem != nil {
			info.LastProblem = s.LastProblem.Event
		}
		out = append(out, info)
	}
	return out
}

// RunFile reports the document path chosen for a run, or "" when the
// run has recorded nothing yet.
func (l *Log) RunFile(runID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runFiles[runID]
}

var plainRunFilePattern = regexp.MustCompile(`^log\d+$`)

// runFileLocked resolves (and caches) the document path for a run.
// Auto-assigned logN ids map to stable names; everything else gets the
// first event timestamp appended to avoid collisions across sessions.
func (l *Log) runFileLocked(runID string, firstTs int64) string {
	if path, ok := l.runFiles[runID]; ok {
		return path
	}
	safe := SafeFilename(runID)
	var path string
	if plainRunFilePattern.MatchString(safe) {
		path = filepath.Join(l.logsDir, safe+".json")
	} else {
		path = filepath.Join(l.logsDir, fmt.Sprintf("%s-%d.json", safe, firstTs))
	}
	l.runFiles[runID] = path
	return path
}

type runSummary struct {
	Status      string         `json:"status"`
	Counts      map[string]int `json:"counts"`
	LastProblem *Entry         `json:"last_problem"`
}

type runDocument struct {
	RunID     string     `json:"run_id"`
	CreatedTs int64      `json:"created_ts"`
	UpdatedTs int64      `json:"updated_ts"`
	Summary   runSummary `json:"summary"`
	Events    []Entry    `json:"events"`
}

// flushRunLocked recomputes the run summary and atomically rewrites
// the run document (write to temp, rename over target).
func (l *Log) flushRunLocked(runID string) error {
	events := l.runs[runID]
	if len(events) == 0 {
		return nil
	}
	firstTs := events[0].Ts
	if firstTs == 0 {
		firstTs = l.now()
	}
	path := l.runFileLocked(runID, firstTs)

	doc := runDocument{
		RunID:     runID,
		CreatedTs: firstTs,
		UpdatedTs: l.now(),
		Summary:   summarize(events),
		Events:    events,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("runlog: mkdir for %s: %w", runID, err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("runlog: marshal %s: %w", runID, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("runlog: write %s: %w", runID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("runlog: rename %s: %w", runID, err)
	}
	return nil
}

// summarize derives the rollup status from level counts and event-name
// failure signals.
func summarize(events []Entry) runSummary {
	counts := map[string]int{}
	var lastProblem *Entry
	sawFailureSignal := false
	for i := range events {
		e := events[i]
		lvl := strings.ToLower(e.Level)
		if lvl == "" {
			lvl = "info"
		}
		counts[lvl]++
		if lvl == "warn" || lvl == "warning" || lvl == "error" {
			cp := e
			lastProblem = &cp
		}
		name := strings.ToLower(e.Event)
		if strings.Contains(name, "failed") || strings.HasSuffix(name, "_error") || strings.HasSuffix(name, "error") {
			sawFailureSignal = true
		}
	}

	status := "ok"
	switch {
	case counts["error"] > 0 || sawFailureSignal:
		status = "failed"
	case counts["warn"] > 0 || counts["warning"] > 0:
		status = "warning"
	}
	return runSummary{Status: status, Counts: counts, LastProblem: lastProblem}
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-z0-9_-]+`)

// SafeFilename reduces a run id to a filesystem-safe name.
func SafeFilename(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ToLower(s)
	s = unsafeFilenameChars.ReplaceAllString(s, "")
	if s == "" {
		return "run"
	}
	return s
}
