package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tdl-archive-manager/internal/model"
)

func seedSource(t *testing.T, s Store, externalID string) model.Source {
	t.Helper()
	src, err := s.UpsertSource(context.Background(), model.Source{
		ExternalID: externalID,
		Name:       "chat " + externalID,
		Active:     true,
	})
	require.NoError(t, err)
	return src
}

func TestUpsertSourceKeepsFlagsAndCheckpoint(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	src := seedSource(t, s, "100")
	src.SyncEnabled = true
	src.FolderName = "family"
	require.NoError(t, s.UpdateSource(ctx, src))
	_, err := s.AdvanceCheckpoint(ctx, src.ID, 500)
	require.NoError(t, err)

	again, err := s.UpsertSource(ctx, model.Source{ExternalID: "100", Name: "renamed"})
	require.NoError(t, err)
	assert.Equal(t, src.ID, again.ID)
	assert.Equal(t, "renamed", again.Name)
	assert.True(t, again.SyncEnabled)
	assert.Equal(t, "family", again.FolderName)
	require.NotNil(t, again.LastSuccessfulDownloadTimestamp)
	assert.Equal(t, int64(500), *again.LastSuccessfulDownloadTimestamp)

	n, err := s.CountSources(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAdvanceCheckpointIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	src := seedSource(t, s, "1")

	steps := []struct {
		in   int64
		want int64
	}{
		{in: 1000, want: 1000},
		{in: 400, want: 1000},
		{in: 2000, want: 2000},
		{in: 2000, want: 2000},
	}
	for _, step := range steps {
		got, err := s.AdvanceCheckpoint(ctx, src.ID, step.in)
		require.NoError(t, err)
		assert.Equal(t, step.want, got)
	}

	// UpdateSource must not overwrite the checkpoint with a stale copy.
	stale := src
	stale.LastSuccessfulDownloadTimestamp = model.Int64Ptr(1)
	require.NoError(t, s.UpdateSource(ctx, stale))
	reloaded, err := s.GetSource(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), *reloaded.LastSuccessfulDownloadTimestamp)
}

func TestListsAreNewestFirstAndFiltered(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a := seedSource(t, s, "a")
	b := seedSource(t, s, "b")

	for i := 0; i < 3; i++ {
		_, err := s.CreateExportRun(ctx, model.ExportRun{SourceID: a.ID, Status: model.StatusCompleted})
		require.NoError(t, err)
	}
	_, err := s.CreateExportRun(ctx, model.ExportRun{SourceID: b.ID, Status: model.StatusFailed})
	require.NoError(t, err)

	runs, err := s.ListExportRuns(ctx, ExportFilter{SourceID: a.ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Greater(t, runs[0].ID, runs[1].ID)

	failed, err := s.ListExportRuns(ctx, ExportFilter{Status: model.StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, b.ID, failed[0].SourceID)
}

func TestCreateDownloadRunInheritsSource(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	src := seedSource(t, s, "x")
	exp, err := s.CreateExportRun(ctx, model.ExportRun{SourceID: src.ID, Status: model.StatusCompleted})
	require.NoError(t, err)

	dl, err := s.CreateDownloadRun(ctx, model.DownloadRun{ExportID: exp.ID, Status: model.StatusPending})
	require.NoError(t, err)
	assert.Equal(t, src.ID, dl.SourceID)

	_, err = s.CreateDownloadRun(ctx, model.DownloadRun{ExportID: 999})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestEnsureScheduleIsUniquePerSourceAndJobType(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	src := seedSource(t, s, "x")

	first, err := s.EnsureSchedule(ctx, src.ID, model.JobTypeSync, true)
	require.NoError(t, err)
	second, err := s.EnsureSchedule(ctx, src.ID, model.JobTypeSync, false)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Enabled, "existing row must not be reset")

	_, err = s.EnsureSchedule(ctx, src.ID, "bogus", true)
	assert.Error(t, err)

	all, err := s.ListSchedules(ctx, ScheduleFilter{SourceID: src.ID})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFailRunningJobLogs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	src := seedSource(t, s, "x")
	started := time.Now().Add(-time.Minute)

	running, err := s.CreateJobLog(ctx, model.JobLog{SourceID: src.ID, JobType: model.JobTypeSync, Trigger: model.TriggerScheduled, Status: model.StatusRunning, StartedAt: started})
	require.NoError(t, err)
	done, err := s.CreateJobLog(ctx, model.JobLog{SourceID: src.ID, JobType: model.JobTypeDownload, Trigger: model.TriggerManual, Status: model.StatusCompleted, StartedAt: started})
	require.NoError(t, err)

	n, err := s.FailRunningJobLogs(ctx, "interrupted", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetJobLog(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, "interrupted", got.Error)
	require.NotNil(t, got.CompletedAt)
	assert.InDelta(t, 60, got.DurationSeconds, 5)

	untouched, err := s.GetJobLog(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, untouched.Status)
}

func TestDeleteSourceCascades(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	src := seedSource(t, s, "x")
	keep := seedSource(t, s, "y")

	exp, err := s.CreateExportRun(ctx, model.ExportRun{SourceID: src.ID, Status: model.StatusCompleted})
	require.NoError(t, err)
	_, err = s.CreateDownloadRun(ctx, model.DownloadRun{ExportID: exp.ID, Status: model.StatusPending})
	require.NoError(t, err)
	_, err = s.EnsureSchedule(ctx, src.ID, model.JobTypeSync, true)
	require.NoError(t, err)
	_, err = s.CreateJobLog(ctx, model.JobLog{SourceID: src.ID, JobType: model.JobTypeSync, Status: model.StatusRunning})
	require.NoError(t, err)

	require.NoError(t, s.DeleteSource(ctx, src.ID))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Sources: 1, ActiveSources: 1}, stats)
	_, err = s.GetSource(ctx, keep.ID)
	assert.NoError(t, err)
	assert.ErrorIs(t, s.DeleteSource(ctx, src.ID), ErrNotFound)
}

func TestStatsCountCompletedDownloadsOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	src := seedSource(t, s, "x")
	exp, err := s.CreateExportRun(ctx, model.ExportRun{SourceID: src.ID, Status: model.StatusCompleted})
	require.NoError(t, err)

	ok, err := s.CreateDownloadRun(ctx, model.DownloadRun{ExportID: exp.ID, Status: model.StatusCompleted, FilesCount: 3, BytesCount: 300})
	require.NoError(t, err)
	_, err = s.CreateDownloadRun(ctx, model.DownloadRun{ExportID: exp.ID, Status: model.StatusFailed, FilesCount: 9, BytesCount: 900})
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Downloads)
	assert.Equal(t, 1, stats.CompletedDownloads)
	assert.Equal(t, int64(ok.FilesCount), stats.Files)
	assert.Equal(t, int64(300), stats.Bytes)
}
