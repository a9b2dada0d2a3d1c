// Package archive composes the tdl adapter, the supervisor and the manifest
// reconciler into per-source export and download operations, recording
// every attempt in the store.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"tdl-archive-manager/internal/manifest"
	"tdl-archive-manager/internal/model"
	"tdl-archive-manager/internal/store"
	"tdl-archive-manager/internal/supervisor"
	"tdl-archive-manager/internal/tdl"
)

// ErrNoExport is returned when a source has no completed export to download from.
var ErrNoExport = errors.New("no completed export")

// Tool is the subset of the tdl client the service drives.
type Tool interface {
	ListChats(ctx context.Context, filter string) ([]tdl.Chat, error)
	Export(ctx context.Context, opts tdl.ExportOptions, logPath string) error
	DownloadCommand(opts tdl.DownloadOptions) (supervisor.Command, error)
}

// Runner runs a long-lived download under an idle/total timeout policy.
type Runner interface {
	Run(cmd supervisor.Command, logPath string, verify func() bool) supervisor.Outcome
}

type Options struct {
	Store      store.Store
	Tool       Tool
	Runner     Runner
	Reconciler *manifest.Reconciler
	Logger     *slog.Logger

	ExportsDir   string
	DownloadsDir string
	LogsDir      string
	// OrganizeBySource puts each source's files under its own folder.
	OrganizeBySource bool

	IncludeContent bool
	IncludeAll     bool
	// Incremental starts exports after the source's checkpoint instead of
	// at the epoch.
	Incremental bool

	// SessionLockPath is waited on after exports; see supervisor.WaitForLock.
	SessionLockPath string
	LockWait        time.Duration

	Now func() time.Time
}

type Service struct {
	store      store.Store
	tool       Tool
	runner     Runner
	reconciler *manifest.Reconciler
	logger     *slog.Logger
	now        func() time.Time

	exportsDir       string
	downloadsDir     string
	logsDir          string
	organizeBySource bool
	includeContent   bool
	includeAll       bool
	incremental      bool
	sessionLockPath  string
	lockWait         time.Duration
}

func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Tool == nil {
		return nil, fmt.Errorf("tool is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := opts.Reconciler
	if rec == nil {
		rec = manifest.NewReconciler(logger)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	lockWait := opts.LockWait
	if lockWait <= 0 {
		lockWait = 10 * time.Second
	}
	return &Service{
		store:            opts.Store,
		tool:             opts.Tool,
		runner:           opts.Runner,
		reconciler:       rec,
		logger:           logger.With("component", "archive"),
		now:              now,
		exportsDir:       defaultDir(opts.ExportsDir, "exports"),
		downloadsDir:     defaultDir(opts.DownloadsDir, "downloads"),
		logsDir:          defaultDir(opts.LogsDir, "logs"),
		organizeBySource: opts.OrganizeBySource,
		includeContent:   opts.IncludeContent,
		includeAll:       opts.IncludeAll,
		incremental:      opts.Incremental,
		sessionLockPath:  strings.TrimSpace(opts.SessionLockPath),
		lockWait:         lockWait,
	}, nil
}

func (s *Service) Store() store.Store {
	return s.store
}

// Destination is the directory a source's files are downloaded into.
func (s *Service) Destination(src model.Source) string {
	if !s.organizeBySource {
		return s.downloadsDir
	}
	return filepath.Join(s.downloadsDir, safeFolder(src.FolderOrID()))
}

// LatestCompletedExport returns the newest completed export of a source.
func (s *Service) LatestCompletedExport(ctx context.Context, sourceID int64) (model.ExportRun, error) {
	runs, err := s.store.ListExportRuns(ctx, store.ExportFilter{SourceID: sourceID, Status: model.StatusCompleted, Limit: 1})
	if err != nil {
		return model.ExportRun{}, err
	}
	if len(runs) == 0 {
		return model.ExportRun{}, fmt.Errorf("source %d: %w", sourceID, ErrNoExport)
	}
	return runs[0], nil
}

func (s *Service) touchSource(ctx context.Context, sourceID int64) {
	src, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		s.logger.Warn("reload source failed", "source_id", sourceID, "error", err)
		return
	}
	src.LastCheckedAt = model.TimePtr(s.now().UTC())
	if err := s.store.UpdateSource(ctx, src); err != nil {
		s.logger.Warn("update last_checked failed", "source_id", sourceID, "error", err)
	}
}

func defaultDir(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// safeFolder keeps folder names inside the downloads base.
func safeFolder(name string) string {
	name = strings.TrimSpace(name)
	name = strings.NewReplacer("/", "_", "\\", "_", "\x00", "").Replace(name)
	switch name {
	case "", ".", "..":
		return "unnamed"
	}
	return name
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func seconds(d time.Duration) float64 {
	return d.Round(time.Millisecond).Seconds()
}
