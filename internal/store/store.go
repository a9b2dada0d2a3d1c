// Package store persists sources, export/download runs, schedules and job
// logs. Every method is a self-contained unit of work: callers never hold a
// session across a subprocess run.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"tdl-archive-manager/internal/model"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrReadOnly = errors.New("store opened read-only")
)

type SourceFilter struct {
	ActiveOnly bool
}

type ExportFilter struct {
	SourceID int64
	Status   string
	Limit    int
}

type DownloadFilter struct {
	SourceID int64
	ExportID int64
	Status   string
	Limit    int
}

type ScheduleFilter struct {
	SourceID    int64
	JobType     string
	EnabledOnly bool
}

type JobLogFilter struct {
	SourceID int64
	JobType  string
	Status   string
	Limit    int
}

type Stats struct {
	Sources            int   `json:"sources"`
	ActiveSources      int   `json:"active_sources"`
	Exports            int   `json:"exports"`
	CompletedExports   int   `json:"completed_exports"`
	Downloads          int   `json:"downloads"`
	CompletedDownloads int   `json:"completed_downloads"`
	Files              int64 `json:"files"`
	Bytes              int64 `json:"bytes"`
}

// Store is the persistence capability the orchestrator and scheduler need.
// List results are newest first, except sources which keep creation order.
type Store interface {
	CountSources(ctx context.Context) (int, error)
	UpsertSource(ctx context.Context, src model.Source) (model.Source, error)
	GetSource(ctx context.Context, id int64) (model.Source, error)
	GetSourceByExternalID(ctx context.Context, externalID string) (model.Source, error)
	ListSources(ctx context.Context, f SourceFilter) ([]model.Source, error)
	// UpdateSource writes descriptive fields, flags and last_checked. It never
	// touches the checkpoint; see AdvanceCheckpoint.
	UpdateSource(ctx context.Context, src model.Source) error
	// AdvanceCheckpoint stores max(current, ts) and returns the stored value.
	AdvanceCheckpoint(ctx context.Context, sourceID int64, ts int64) (int64, error)
	DeleteSource(ctx context.Context, id int64) error

	CreateExportRun(ctx context.Context, run model.ExportRun) (model.ExportRun, error)
	UpdateExportRun(ctx context.Context, run model.ExportRun) error
	GetExportRun(ctx context.Context, id int64) (model.ExportRun, error)
	ListExportRuns(ctx context.Context, f ExportFilter) ([]model.ExportRun, error)

	CreateDownloadRun(ctx context.Context, run model.DownloadRun) (model.DownloadRun, error)
	UpdateDownloadRun(ctx context.Context, run model.DownloadRun) error
	GetDownloadRun(ctx context.Context, id int64) (model.DownloadRun, error)
	ListDownloadRuns(ctx context.Context, f DownloadFilter) ([]model.DownloadRun, error)

	// EnsureSchedule returns the existing row or creates one with enabled.
	EnsureSchedule(ctx context.Context, sourceID int64, jobType string, enabled bool) (model.Schedule, error)
	GetSchedule(ctx context.Context, sourceID int64, jobType string) (model.Schedule, error)
	ListSchedules(ctx context.Context, f ScheduleFilter) ([]model.Schedule, error)
	UpdateSchedule(ctx context.Context, sch model.Schedule) error

	CreateJobLog(ctx context.Context, job model.JobLog) (model.JobLog, error)
	UpdateJobLog(ctx context.Context, job model.JobLog) error
	GetJobLog(ctx context.Context, id int64) (model.JobLog, error)
	ListJobLogs(ctx context.Context, f JobLogFilter) ([]model.JobLog, error)
	// FailRunningJobLogs finalizes every running job log as failed.
	FailRunningJobLogs(ctx context.Context, message string, now time.Time) (int, error)

	Stats(ctx context.Context) (Stats, error)
	Close() error
}

type OpenOptions struct {
	// ReadOnly skips the state-directory lock of the file backend and
	// rejects mutations.
	ReadOnly bool
}

// Open builds a store from a DSN: memory://, file://<path> (or a bare
// path), postgres://...
func Open(ctx context.Context, dsn string, opts OpenOptions) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("store dsn is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse store dsn: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem":
		return NewMemoryStore(), nil
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return OpenFileStore(path, opts)
	case "postgres", "postgresql":
		return OpenPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", parsed.Scheme)
	}
}

// ValidateDSN checks the scheme without opening anything.
func ValidateDSN(dsn string) error {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return fmt.Errorf("parse store dsn: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "", "file", "postgres", "postgresql":
		return nil
	default:
		return fmt.Errorf("unsupported store scheme: %s", parsed.Scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return filepath.Clean(raw), nil
	}
	path := parsed.Host + parsed.Path
	if parsed.Opaque != "" {
		path = parsed.Opaque
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("file store dsn has no path: %s", raw)
	}
	return filepath.Clean(path), nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
