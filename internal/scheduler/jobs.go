package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"tdl-archive-manager/internal/archive"
	"tdl-archive-manager/internal/model"
	"tdl-archive-manager/internal/notify"
	"tdl-archive-manager/internal/store"
)

const maxJobError = 1000

// RunScheduled is the cron entry: it runs a batch over every enabled
// schedule.
func (s *Scheduler) RunScheduled(ctx context.Context) notify.BatchEvent {
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{EnabledOnly: true})
	if err != nil {
		s.logger.Error("list enabled schedules failed", "error", err)
		return notify.BatchEvent{}
	}
	var syncIDs, downloadIDs []int64
	for _, sch := range schedules {
		switch sch.JobType {
		case model.JobTypeSync:
			syncIDs = append(syncIDs, sch.SourceID)
		case model.JobTypeDownload:
			downloadIDs = append(downloadIDs, sch.SourceID)
		}
	}
	return s.RunBatch(ctx, syncIDs, downloadIDs)
}

// RunBatch handles the union of both id lists one source at a time: the
// source's export finishes before its download starts, and both finish
// before the next source begins. Afterwards next run times are republished
// and a single batch event is emitted.
func (s *Scheduler) RunBatch(ctx context.Context, syncIDs, downloadIDs []int64) notify.BatchEvent {
	began := s.now()
	ids := union(syncIDs, downloadIDs)
	doSync := set(syncIDs)
	doDownload := set(downloadIDs)
	s.logger.Info("batch started", "sources", len(ids), "sync", len(syncIDs), "download", len(downloadIDs))

	batch := notify.BatchEvent{Sources: len(ids)}
	for _, id := range ids {
		for _, row := range s.runSource(ctx, id, doSync[id], doDownload[id]) {
			batch.Jobs++
			if row.Failed() {
				batch.Failures++
			}
			batch.Files += row.Files
			batch.Bytes += row.Bytes
			batch.Rows = append(batch.Rows, row)
		}
	}

	if err := s.RefreshNextRuns(ctx); err != nil {
		s.logger.Warn("refresh next run times failed", "error", err)
	}
	batch.Duration = s.now().Sub(began)
	batch.At = s.now()
	s.logger.Info("batch finished", "sources", batch.Sources, "jobs", batch.Jobs, "failures", batch.Failures, "files", batch.Files, "bytes", batch.Bytes, "duration", batch.Duration)
	if len(ids) > 0 {
		s.notifier.NotifyBatch(ctx, batch)
	}
	return batch
}

func (s *Scheduler) runSource(ctx context.Context, sourceID int64, doSync, doDownload bool) (rows []notify.JobEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("batch source panicked", "source_id", sourceID, "panic", r, "stack", string(debug.Stack()))
			rows = append(rows, notify.JobEvent{
				Phase:    notify.PhaseFailed,
				SourceID: sourceID,
				Trigger:  model.TriggerScheduled,
				Batch:    true,
				Error:    fmt.Sprintf("panic: %v", r),
				At:       s.now(),
			})
		}
	}()
	if doSync {
		if ev, ran := s.runJob(ctx, sourceID, model.JobTypeSync, model.TriggerScheduled, true); ran {
			rows = append(rows, ev)
		}
	}
	if doDownload {
		if ev, ran := s.runJob(ctx, sourceID, model.JobTypeDownload, model.TriggerScheduled, true); ran {
			rows = append(rows, ev)
		}
	}
	return rows
}

// RunJob runs one job synchronously. Scheduled runs skip inactive or
// disabled sources; manual runs do not. The event's phase is skipped when
// nothing was recorded.
func (s *Scheduler) RunJob(ctx context.Context, sourceID int64, jobType, trigger string) notify.JobEvent {
	ev, _ := s.runJob(ctx, sourceID, jobType, trigger, false)
	return ev
}

// runJob reports ran=true once a job log exists for the invocation. A panic
// after that point still finalizes the log as failed.
func (s *Scheduler) runJob(ctx context.Context, sourceID int64, jobType, trigger string, batch bool) (result notify.JobEvent, ran bool) {
	logger := s.logger.With("source_id", sourceID, "job_type", jobType, "trigger", trigger)
	ev := notify.JobEvent{
		SourceID: sourceID,
		JobType:  jobType,
		Trigger:  trigger,
		Batch:    batch,
		At:       s.now(),
	}
	skip := func(reason string) (notify.JobEvent, bool) {
		logger.Info("job skipped", "reason", reason)
		ev.Phase = notify.PhaseSkipped
		ev.Reason = reason
		return ev, false
	}

	key := JobKey(jobType, sourceID)
	if !s.guard.TryAcquire(key) {
		return skip("already running")
	}
	defer s.guard.Release(key)

	src, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		logger.Error("load source failed", "error", err)
		ev.Phase = notify.PhaseFailed
		ev.Error = err.Error()
		return ev, false
	}
	ev.SourceName = src.Label()
	ev.ExternalID = src.ExternalID
	if trigger == model.TriggerScheduled {
		if !src.Active {
			return skip("source inactive")
		}
		if !src.EnabledFor(jobType) {
			return skip(jobType + " disabled")
		}
	}

	var exp model.ExportRun
	if jobType == model.JobTypeDownload {
		exp, err = s.orch.LatestCompletedExport(ctx, sourceID)
		if errors.Is(err, archive.ErrNoExport) {
			return skip("no completed export")
		}
		if err != nil {
			logger.Error("find export failed", "error", err)
			ev.Phase = notify.PhaseFailed
			ev.Error = err.Error()
			return ev, false
		}
		if exp.MediaCount == 0 {
			return skip("export has no media")
		}
	}

	began := s.now()
	job, err := s.store.CreateJobLog(ctx, model.JobLog{
		SourceID:  sourceID,
		JobType:   jobType,
		Trigger:   trigger,
		Status:    model.StatusRunning,
		StartedAt: began.UTC(),
	})
	if err != nil {
		logger.Error("create job log failed", "error", err)
		ev.Phase = notify.PhaseFailed
		ev.Error = err.Error()
		return ev, false
	}

	finalized := false
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		msg := fmt.Sprintf("panic: %v", r)
		logger.Error("job panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
		if !finalized {
			s.abandonJob(ctx, &job, began, msg)
			ev.Phase = notify.PhaseFailed
			ev.Error = msg
			ev.At = s.now()
		}
		result, ran = ev, true
	}()

	ev.JobID = job.ID
	ev.Phase = notify.PhaseStarted
	s.notifier.NotifyJob(ctx, ev)
	logger.Info("job started", "job_id", job.ID, "source", src.Label())

	opErr := s.execute(ctx, &job, exp)

	finished := s.now()
	job.CompletedAt = model.TimePtr(finished.UTC())
	job.DurationSeconds = finished.Sub(began).Round(time.Millisecond).Seconds()
	status, msg := model.StatusCompleted, ""
	if opErr != nil {
		status, msg = model.StatusFailed, notify.TruncateError(opErr.Error(), maxJobError)
	}
	if err := model.TransitionJobLog(&job, status, msg); err != nil {
		logger.Error("job transition rejected", "error", err)
	}
	if err := s.store.UpdateJobLog(ctx, job); err != nil {
		logger.Error("persist job log failed", "job_id", job.ID, "error", err)
	} else {
		finalized = true
	}
	s.touchSchedule(ctx, sourceID, jobType, finished)

	ev.Phase = notify.PhaseCompleted
	if opErr != nil {
		ev.Phase = notify.PhaseFailed
		ev.Error = msg
	}
	ev.Messages = job.MessagesAdded
	ev.Media = job.MediaFound
	ev.Files = job.FilesDownloaded
	ev.Bytes = job.BytesDownloaded
	ev.Skipped = job.FilesSkipped
	ev.Duration = finished.Sub(began)
	ev.At = finished
	s.notifier.NotifyJob(ctx, ev)

	if opErr != nil {
		logger.Error("job failed", "job_id", job.ID, "error", opErr)
	} else {
		logger.Info("job completed", "job_id", job.ID, "messages", job.MessagesAdded, "media", job.MediaFound, "files", job.FilesDownloaded, "bytes", job.BytesDownloaded, "skipped", job.FilesSkipped)
	}
	return ev, true
}

// execute runs the orchestrator call for job and copies its counters onto
// the log. A panic becomes the job's error.
func (s *Scheduler) execute(ctx context.Context, job *model.JobLog, exp model.ExportRun) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	switch job.JobType {
	case model.JobTypeSync:
		run, err := s.orch.ExportMessages(ctx, job.SourceID)
		if run.ID != 0 {
			job.ExportID = model.Int64Ptr(run.ID)
		}
		job.MessagesAdded = run.MessageCount
		job.MediaFound = run.MediaCount
		return err
	case model.JobTypeDownload:
		res, err := s.orch.DownloadFromExport(ctx, exp.ID)
		job.ExportID = model.Int64Ptr(exp.ID)
		if res.Run.ID != 0 {
			job.DownloadID = model.Int64Ptr(res.Run.ID)
		}
		job.MediaFound = exp.MediaCount
		job.FilesDownloaded = res.Run.FilesCount
		job.BytesDownloaded = res.Run.BytesCount
		job.FilesSkipped = res.Skipped
		return err
	default:
		return fmt.Errorf("invalid job type %q", job.JobType)
	}
}

// abandonJob finalizes a job log that its run could not finish normally.
func (s *Scheduler) abandonJob(ctx context.Context, job *model.JobLog, began time.Time, msg string) {
	finished := s.now()
	job.CompletedAt = model.TimePtr(finished.UTC())
	job.DurationSeconds = finished.Sub(began).Round(time.Millisecond).Seconds()
	if err := model.TransitionJobLog(job, model.StatusFailed, msg); err != nil {
		job.Status = model.StatusFailed
		job.Error = msg
	}
	if err := s.store.UpdateJobLog(ctx, *job); err != nil {
		s.logger.Error("persist abandoned job log failed", "job_id", job.ID, "error", err)
	}
}

func (s *Scheduler) touchSchedule(ctx context.Context, sourceID int64, jobType string, at time.Time) {
	sch, err := s.store.GetSchedule(ctx, sourceID, jobType)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("load schedule failed", "source_id", sourceID, "job_type", jobType, "error", err)
		return
	}
	sch.LastRunAt = model.TimePtr(at.UTC())
	if err := s.store.UpdateSchedule(ctx, sch); err != nil {
		s.logger.Warn("update schedule last run failed", "schedule_id", sch.ID, "error", err)
	}
}

// union keeps first-seen order.
func union(lists ...[]int64) []int64 {
	seen := map[int64]bool{}
	var out []int64
	for _, list := range lists {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

func set(ids []int64) map[int64]bool {
	out := make(map[int64]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}
