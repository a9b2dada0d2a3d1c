package archive

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"tdl-archive-manager/internal/manifest"
	"tdl-archive-manager/internal/model"
	"tdl-archive-manager/internal/supervisor"
	"tdl-archive-manager/internal/tdl"
)

// ExportMessages exports a source's messages since its checkpoint into a new
// manifest. The returned run is finalized whether or not the export failed.
func (s *Service) ExportMessages(ctx context.Context, sourceID int64) (model.ExportRun, error) {
	src, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		return model.ExportRun{}, fmt.Errorf("load source %d: %w", sourceID, err)
	}

	now := s.now()
	start := int64(0)
	if s.incremental && src.LastSuccessfulDownloadTimestamp != nil {
		start = max(*src.LastSuccessfulDownloadTimestamp+1, 0)
	}
	end := now.Unix()
	if end < start {
		end = start
	}

	manifestPath := filepath.Join(s.exportsDir, safeFolder(src.ExternalID), "export_"+now.Format("20060102_150405")+".json")
	run, err := s.store.CreateExportRun(ctx, model.ExportRun{
		SourceID:       src.ID,
		StartTimestamp: start,
		EndTimestamp:   end,
		ManifestPath:   manifestPath,
		Status:         model.StatusPending,
	})
	if err != nil {
		return model.ExportRun{}, fmt.Errorf("create export run: %w", err)
	}
	logger := s.logger.With("source_id", src.ID, "export_id", run.ID)

	if err := model.TransitionExportRun(&run, model.StatusRunning, ""); err != nil {
		return run, err
	}
	if err := s.store.UpdateExportRun(ctx, run); err != nil {
		return run, fmt.Errorf("persist export run: %w", err)
	}
	logger.Info("export started", "source", src.Label(), "start", start, "end", end, "manifest", manifestPath)

	began := s.now()
	logPath := filepath.Join(s.logsDir, "export_"+strconv.FormatInt(run.ID, 10)+".log")
	exportErr := s.tool.Export(ctx, tdl.ExportOptions{
		ChatID:         src.ExternalID,
		OutputPath:     manifestPath,
		StartTimestamp: start,
		EndTimestamp:   end,
		WithContent:    s.includeContent,
		All:            s.includeAll,
	}, logPath)
	if s.sessionLockPath != "" && !supervisor.WaitForLock(s.sessionLockPath, s.lockWait, 0) {
		logger.Warn("session lock still held after export", "path", s.sessionLockPath)
	}
	run.DurationSeconds = seconds(s.now().Sub(began))

	if exportErr != nil {
		if err := model.TransitionExportRun(&run, model.StatusFailed, truncate(exportErr.Error(), 1200)); err != nil {
			return run, err
		}
		if err := s.store.UpdateExportRun(ctx, run); err != nil {
			return run, fmt.Errorf("persist export run: %w", err)
		}
		logger.Error("export failed", "error", exportErr)
		return run, fmt.Errorf("export source %s: %w", src.Label(), exportErr)
	}

	if err := manifest.Validate(manifestPath); err != nil {
		logger.Warn("manifest schema mismatch", "error", err)
	}
	run.MessageCount, run.MediaCount = s.reconciler.CountMessagesAndMedia(manifestPath)
	if err := model.TransitionExportRun(&run, model.StatusCompleted, ""); err != nil {
		return run, err
	}
	if err := s.store.UpdateExportRun(ctx, run); err != nil {
		return run, fmt.Errorf("persist export run: %w", err)
	}
	s.touchSource(ctx, src.ID)
	logger.Info("export completed", "messages", run.MessageCount, "media", run.MediaCount, "duration_seconds", run.DurationSeconds)
	return run, nil
}
