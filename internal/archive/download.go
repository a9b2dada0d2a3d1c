package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"tdl-archive-manager/internal/manifest"
	"tdl-archive-manager/internal/model"
	"tdl-archive-manager/internal/store"
	"tdl-archive-manager/internal/supervisor"
	"tdl-archive-manager/internal/tdl"
)

type DownloadResult struct {
	Run model.DownloadRun `json:"run"`
	// Pending is the number of file records handed to the tool.
	Pending int `json:"pending"`
	// Skipped is the number of the export's files already on disk.
	Skipped    int             `json:"skipped"`
	Renamed    int             `json:"renamed"`
	Outcome    supervisor.Kind `json:"outcome,omitempty"`
	Checkpoint *int64          `json:"checkpoint,omitempty"`
}

// DownloadFromExport fetches the files of an export that are not yet on
// disk. What is missing is derived from the destination directory, not from
// run history, so a retry after a failure only fetches the remainder.
func (s *Service) DownloadFromExport(ctx context.Context, exportID int64) (DownloadResult, error) {
	exp, err := s.store.GetExportRun(ctx, exportID)
	if err != nil {
		return DownloadResult{}, fmt.Errorf("load export %d: %w", exportID, err)
	}
	if exp.Status != model.StatusCompleted {
		return DownloadResult{}, fmt.Errorf("export %d is %s, not completed", exp.ID, exp.Status)
	}
	src, err := s.store.GetSource(ctx, exp.SourceID)
	if err != nil {
		return DownloadResult{}, fmt.Errorf("load source %d: %w", exp.SourceID, err)
	}

	dest := s.Destination(src)
	run, err := s.store.CreateDownloadRun(ctx, model.DownloadRun{
		ExportID:    exp.ID,
		SourceID:    src.ID,
		Destination: dest,
		Status:      model.StatusPending,
	})
	if err != nil {
		return DownloadResult{}, fmt.Errorf("create download run: %w", err)
	}
	res := DownloadResult{Run: run}
	logger := s.logger.With("source_id", src.ID, "export_id", exp.ID, "download_id", run.ID)
	began := s.now()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return s.failDownload(ctx, res, began, fmt.Errorf("create destination: %w", err))
	}

	// Earlier runs may have been interrupted before their rename step.
	res.Renamed = s.renameAll(ctx, src.ID, dest)

	beforeFiles, beforeBytes, err := manifest.DirectoryTotals(dest)
	if err != nil {
		return s.failDownload(ctx, res, began, fmt.Errorf("scan destination: %w", err))
	}

	pendingPath := manifest.SiblingPath(exp.ManifestPath, "_pending_"+strconv.FormatInt(run.ID, 10))
	filtered := s.reconciler.FilterUndownloaded(exp.ManifestPath, dest, pendingPath)
	res.Pending = filtered.Pending
	res.Skipped = max(exp.MediaCount-filtered.Pending, 0)

	if filtered.NothingToDo() {
		logger.Info("nothing to download", "present", filtered.Satisfied)
		if err := model.TransitionDownloadRun(&res.Run, model.StatusRunning, ""); err != nil {
			return res, err
		}
		if err := model.TransitionDownloadRun(&res.Run, model.StatusCompleted, ""); err != nil {
			return res, err
		}
		res.Run.DurationSeconds = seconds(s.now().Sub(began))
		if err := s.store.UpdateDownloadRun(ctx, res.Run); err != nil {
			return res, fmt.Errorf("persist download run: %w", err)
		}
		res.Checkpoint = s.advanceCheckpoint(ctx, src.ID, exp.ManifestPath, dest)
		s.touchSource(ctx, src.ID)
		return res, nil
	}

	if err := model.TransitionDownloadRun(&res.Run, model.StatusRunning, ""); err != nil {
		return res, err
	}
	if err := s.store.UpdateDownloadRun(ctx, res.Run); err != nil {
		return res, fmt.Errorf("persist download run: %w", err)
	}

	cmd, err := s.tool.DownloadCommand(tdl.DownloadOptions{ManifestPath: filtered.Path, Destination: dest})
	if err != nil {
		return s.failDownload(ctx, res, began, err)
	}
	logger.Info("download started", "source", src.Label(), "pending", filtered.Pending, "dest", dest)

	logPath := filepath.Join(s.logsDir, "download_"+strconv.FormatInt(run.ID, 10)+".log")
	outcome := s.runner.Run(cmd, logPath, func() bool {
		return s.reconciler.VerifyLastFilePresent(filtered.Path, dest)
	})
	res.Outcome = outcome.Kind

	// Partial progress is renamed even when the run failed.
	res.Renamed += s.reconciler.RenameToCanonical(exp.ManifestPath, dest)

	afterFiles, afterBytes, err := manifest.DirectoryTotals(dest)
	if err != nil {
		logger.Warn("rescan destination failed", "error", err)
		afterFiles, afterBytes = beforeFiles, beforeBytes
	}
	res.Run.FilesCount = max(afterFiles-beforeFiles, 0)
	res.Run.BytesCount = max(afterBytes-beforeBytes, 0)
	res.Run.DurationSeconds = seconds(s.now().Sub(began))

	if !outcome.Success() {
		runErr := outcome.Err()
		if err := model.TransitionDownloadRun(&res.Run, model.StatusFailed, truncate(runErr.Error(), 1200)); err != nil {
			return res, err
		}
		if err := s.store.UpdateDownloadRun(ctx, res.Run); err != nil {
			return res, fmt.Errorf("persist download run: %w", err)
		}
		logger.Error("download failed", "outcome", outcome.Kind, "new_files", res.Run.FilesCount, "error", runErr)
		return res, fmt.Errorf("download source %s: %w", src.Label(), runErr)
	}

	if err := model.TransitionDownloadRun(&res.Run, model.StatusCompleted, ""); err != nil {
		return res, err
	}
	if err := s.store.UpdateDownloadRun(ctx, res.Run); err != nil {
		return res, fmt.Errorf("persist download run: %w", err)
	}
	res.Checkpoint = s.advanceCheckpoint(ctx, src.ID, exp.ManifestPath, dest)
	s.touchSource(ctx, src.ID)
	logger.Info("download completed", "outcome", outcome.Kind, "new_files", res.Run.FilesCount, "new_bytes", res.Run.BytesCount, "duration_seconds", res.Run.DurationSeconds)
	return res, nil
}

// advanceCheckpoint moves the source checkpoint to the newest message whose
// file is confirmed on disk. Without a confirmed message it stays put.
func (s *Service) advanceCheckpoint(ctx context.Context, sourceID int64, manifestPath, dest string) *int64 {
	ts, ok := s.reconciler.MaxConfirmedTimestamp(manifestPath, dest)
	if !ok {
		s.logger.Warn("no confirmed file timestamp, checkpoint unchanged", "source_id", sourceID, "manifest", manifestPath)
		return nil
	}
	stored, err := s.store.AdvanceCheckpoint(ctx, sourceID, ts)
	if err != nil {
		s.logger.Error("advance checkpoint failed", "source_id", sourceID, "error", err)
		return nil
	}
	return &stored
}

func (s *Service) renameAll(ctx context.Context, sourceID int64, dest string) int {
	exports, err := s.store.ListExportRuns(ctx, store.ExportFilter{SourceID: sourceID, Status: model.StatusCompleted, Limit: 1000})
	if err != nil {
		s.logger.Warn("list exports for rename failed", "source_id", sourceID, "error", err)
		return 0
	}
	renamed := 0
	// Oldest manifest first.
	for i := len(exports) - 1; i >= 0; i-- {
		path := exports[i].ManifestPath
		if _, err := os.Stat(path); err != nil {
			continue
		}
		renamed += s.reconciler.RenameToCanonical(path, dest)
	}
	return renamed
}

// RenameSourceFiles applies canonical renaming for every completed export of
// a source.
func (s *Service) RenameSourceFiles(ctx context.Context, sourceID int64) (int, error) {
	src, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		return 0, fmt.Errorf("load source %d: %w", sourceID, err)
	}
	dest := s.Destination(src)
	if _, err := os.Stat(dest); err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return s.renameAll(ctx, src.ID, dest), nil
}

func (s *Service) failDownload(ctx context.Context, res DownloadResult, began time.Time, cause error) (DownloadResult, error) {
	res.Run.DurationSeconds = seconds(s.now().Sub(began))
	if err := model.TransitionDownloadRun(&res.Run, model.StatusFailed, truncate(cause.Error(), 1200)); err != nil {
		return res, err
	}
	if err := s.store.UpdateDownloadRun(ctx, res.Run); err != nil {
		return res, fmt.Errorf("persist download run: %w", err)
	}
	return res, cause
}
