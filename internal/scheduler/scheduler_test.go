package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tdl-archive-manager/internal/archive"
	"tdl-archive-manager/internal/model"
	"tdl-archive-manager/internal/notify"
	"tdl-archive-manager/internal/store"
)

var fixedNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

type fakeOrchestrator struct {
	mu          sync.Mutex
	calls       []string
	exportErr   map[int64]error
	exportPanic map[int64]bool
	noExport    map[int64]bool
	mediaCount  int
	block       chan struct{}
	entered     chan struct{}
	imported    func(ctx context.Context) (int, error)
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{
		exportErr:   map[int64]error{},
		exportPanic: map[int64]bool{},
		noExport:    map[int64]bool{},
		mediaCount:  2,
	}
}

func (f *fakeOrchestrator) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeOrchestrator) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeOrchestrator) ExportMessages(ctx context.Context, sourceID int64) (model.ExportRun, error) {
	f.record(fmt.Sprintf("export:%d", sourceID))
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if f.exportPanic[sourceID] {
		panic("exporter exploded")
	}
	run := model.ExportRun{ID: 100 + sourceID, SourceID: sourceID, Status: model.StatusCompleted, MessageCount: 5, MediaCount: f.mediaCount}
	if err := f.exportErr[sourceID]; err != nil {
		run.ID = 0
		return run, err
	}
	return run, nil
}

func (f *fakeOrchestrator) DownloadFromExport(ctx context.Context, exportID int64) (archive.DownloadResult, error) {
	f.record(fmt.Sprintf("download:%d", exportID-100))
	return archive.DownloadResult{
		Run:     model.DownloadRun{ID: 200 + exportID, ExportID: exportID, Status: model.StatusCompleted, FilesCount: 3, BytesCount: 300},
		Skipped: 1,
	}, nil
}

func (f *fakeOrchestrator) LatestCompletedExport(ctx context.Context, sourceID int64) (model.ExportRun, error) {
	if f.noExport[sourceID] {
		return model.ExportRun{}, fmt.Errorf("source %d: %w", sourceID, archive.ErrNoExport)
	}
	return model.ExportRun{ID: 100 + sourceID, SourceID: sourceID, Status: model.StatusCompleted, MediaCount: f.mediaCount}, nil
}

func (f *fakeOrchestrator) ImportSources(ctx context.Context, filter string) (int, error) {
	f.record("import:" + filter)
	if f.imported != nil {
		return f.imported(ctx)
	}
	return 0, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	jobs    []notify.JobEvent
	batches []notify.BatchEvent
}

func (r *recordingNotifier) NotifyJob(_ context.Context, ev notify.JobEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, ev)
}

func (r *recordingNotifier) NotifyBatch(_ context.Context, ev notify.BatchEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, ev)
}

func (r *recordingNotifier) phases() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.jobs {
		out = append(out, fmt.Sprintf("%s:%d:%s", ev.JobType, ev.SourceID, ev.Phase))
	}
	return out
}

type fixture struct {
	store    *store.MemoryStore
	orch     *fakeOrchestrator
	notifier *recordingNotifier
	sched    *Scheduler
}

func newFixture(t *testing.T, enabled bool) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemoryStore(),
		orch:     newFakeOrchestrator(),
		notifier: &recordingNotifier{},
	}
	s, err := New(Options{
		Store:        f.store,
		Orchestrator: f.orch,
		Notifier:     f.notifier,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		CronSchedule: "0 */6 * * *",
		Timezone:     "UTC",
		Enabled:      enabled,
		Now:          func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	f.sched = s
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return f
}

func (f *fixture) addSource(t *testing.T, ext string, syncOn, downloadOn bool) model.Source {
	t.Helper()
	src, err := f.store.UpsertSource(context.Background(), model.Source{
		ExternalID:      ext,
		Name:            "chat " + ext,
		Active:          true,
		SyncEnabled:     syncOn,
		DownloadEnabled: downloadOn,
	})
	require.NoError(t, err)
	return src
}

func (f *fixture) jobLogs(t *testing.T, sourceID int64) []model.JobLog {
	t.Helper()
	logs, err := f.store.ListJobLogs(context.Background(), store.JobLogFilter{SourceID: sourceID})
	require.NoError(t, err)
	return logs
}

func TestStartRunsStartupSequence(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	src := f.addSource(t, "-100", true, false)
	stale, err := f.store.CreateJobLog(ctx, model.JobLog{SourceID: src.ID, JobType: model.JobTypeSync, Trigger: model.TriggerScheduled, Status: model.StatusRunning, StartedAt: fixedNow.Add(-time.Hour)})
	require.NoError(t, err)

	require.NoError(t, f.sched.Start(ctx))

	got, err := f.store.GetJobLog(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, InterruptedMessage, got.Error)
	require.NotNil(t, got.CompletedAt)

	syncSch, err := f.store.GetSchedule(ctx, src.ID, model.JobTypeSync)
	require.NoError(t, err)
	assert.True(t, syncSch.Enabled)
	require.NotNil(t, syncSch.NextRunAt)
	assert.Equal(t, time.Date(2026, 3, 4, 6, 0, 0, 0, time.UTC), syncSch.NextRunAt.UTC())

	dlSch, err := f.store.GetSchedule(ctx, src.ID, model.JobTypeDownload)
	require.NoError(t, err)
	assert.False(t, dlSch.Enabled)
	assert.Nil(t, dlSch.NextRunAt)

	assert.Empty(t, f.orch.Calls(), "sources exist, so no import")
	assert.Error(t, f.sched.Start(ctx))
}

func TestStartImportsSourcesIntoEmptyStore(t *testing.T) {
	f := newFixture(t, false)
	f.orch.imported = func(ctx context.Context) (int, error) {
		_, err := f.store.UpsertSource(ctx, model.Source{ExternalID: "-5", Name: "five", Active: true, SyncEnabled: true, DownloadEnabled: true})
		return 1, err
	}
	require.NoError(t, f.sched.Start(context.Background()))

	assert.Equal(t, []string{"import:"}, f.orch.Calls())
	schedules, err := f.store.ListSchedules(context.Background(), store.ScheduleFilter{})
	require.NoError(t, err)
	assert.Len(t, schedules, 2)
	for _, sch := range schedules {
		assert.True(t, sch.Enabled)
		assert.Nil(t, sch.NextRunAt, "global scheduling is off")
	}
	assert.Nil(t, f.sched.NextRun())
}

func TestRunBatchFinishesEachSourceBeforeTheNext(t *testing.T) {
	f := newFixture(t, true)
	a := f.addSource(t, "-1", true, true)
	b := f.addSource(t, "-2", true, true)
	c := f.addSource(t, "-3", false, true)

	batch := f.sched.RunBatch(context.Background(), []int64{a.ID, b.ID}, []int64{b.ID, a.ID, c.ID})

	assert.Equal(t, []string{
		fmt.Sprintf("export:%d", a.ID), fmt.Sprintf("download:%d", a.ID),
		fmt.Sprintf("export:%d", b.ID), fmt.Sprintf("download:%d", b.ID),
		fmt.Sprintf("download:%d", c.ID),
	}, f.orch.Calls())
	assert.Equal(t, 3, batch.Sources)
	assert.Equal(t, 5, batch.Jobs)
	assert.Zero(t, batch.Failures)
	assert.Equal(t, 9, batch.Files)
	assert.Equal(t, int64(900), batch.Bytes)

	require.Len(t, f.notifier.batches, 1)
	for _, ev := range f.notifier.jobs {
		assert.True(t, ev.Batch)
	}

	logs := f.jobLogs(t, a.ID)
	require.Len(t, logs, 2)
	dl := logs[0]
	assert.Equal(t, model.JobTypeDownload, dl.JobType)
	assert.Equal(t, model.StatusCompleted, dl.Status)
	assert.Equal(t, 3, dl.FilesDownloaded)
	assert.Equal(t, 1, dl.FilesSkipped)
	assert.Equal(t, 2, dl.MediaFound)
	require.NotNil(t, dl.DownloadID)
	sy := logs[1]
	assert.Equal(t, 5, sy.MessagesAdded)
	require.NotNil(t, sy.ExportID)
	assert.Equal(t, 100+a.ID, *sy.ExportID)
}

func TestRunScheduledUsesEnabledSchedulesAndSourceFlags(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	on := f.addSource(t, "-1", true, false)
	off := f.addSource(t, "-2", false, false)
	require.NoError(t, f.sched.Start(ctx))

	// Schedule says enabled but the source flag says no: scheduled runs skip it.
	sch, err := f.store.EnsureSchedule(ctx, off.ID, model.JobTypeSync, false)
	require.NoError(t, err)
	sch.Enabled = true
	require.NoError(t, f.store.UpdateSchedule(ctx, sch))

	batch := f.sched.RunScheduled(ctx)
	assert.Equal(t, []string{fmt.Sprintf("export:%d", on.ID)}, f.orch.Calls())
	assert.Equal(t, 2, batch.Sources)
	assert.Equal(t, 1, batch.Jobs)
	assert.Empty(t, f.jobLogs(t, off.ID))

	onSch, err := f.store.GetSchedule(ctx, on.ID, model.JobTypeSync)
	require.NoError(t, err)
	require.NotNil(t, onSch.LastRunAt)
	assert.Equal(t, fixedNow, onSch.LastRunAt.UTC())
}

func TestOverlappingJobIsSkipped(t *testing.T) {
	f := newFixture(t, true)
	src := f.addSource(t, "-1", true, true)
	f.orch.block = make(chan struct{})
	f.orch.entered = make(chan struct{}, 1)

	done := make(chan notify.JobEvent, 1)
	go func() {
		done <- f.sched.RunJob(context.Background(), src.ID, model.JobTypeSync, model.TriggerScheduled)
	}()
	<-f.orch.entered

	inflight := f.sched.InFlight()
	require.Len(t, inflight, 1)
	assert.Equal(t, JobKey(model.JobTypeSync, src.ID), inflight[0].Key)

	second := f.sched.RunJob(context.Background(), src.ID, model.JobTypeSync, model.TriggerManual)
	assert.Equal(t, notify.PhaseSkipped, second.Phase)
	assert.Equal(t, "already running", second.Reason)

	err := f.sched.TriggerManually(context.Background(), src.ID, model.JobTypeSync)
	assert.ErrorIs(t, err, ErrJobRunning)

	// A different job type of the same source is not blocked.
	dl := f.sched.RunJob(context.Background(), src.ID, model.JobTypeDownload, model.TriggerManual)
	assert.Equal(t, notify.PhaseCompleted, dl.Phase)

	close(f.orch.block)
	first := <-done
	assert.Equal(t, notify.PhaseCompleted, first.Phase)
	assert.Empty(t, f.sched.InFlight())
	assert.Len(t, f.jobLogs(t, src.ID), 2)
}

func TestManualTriggerBypassesDisabledFlag(t *testing.T) {
	f := newFixture(t, true)
	src := f.addSource(t, "-1", false, false)

	require.NoError(t, f.sched.TriggerManually(context.Background(), src.ID, model.JobTypeSync))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.sched.Stop(ctx))

	logs := f.jobLogs(t, src.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, model.TriggerManual, logs[0].Trigger)
	assert.Equal(t, model.StatusCompleted, logs[0].Status)
	assert.Equal(t, []string{
		fmt.Sprintf("sync:%d:started", src.ID),
		fmt.Sprintf("sync:%d:completed", src.ID),
	}, f.notifier.phases())

	assert.ErrorIs(t, f.sched.TriggerManually(context.Background(), src.ID, model.JobTypeSync), ErrStopped)
	assert.Error(t, f.sched.TriggerManually(context.Background(), src.ID, "rename"))
	assert.ErrorIs(t, f.sched.TriggerManually(context.Background(), 999, model.JobTypeSync), store.ErrNotFound)
}

func TestScheduledRunSkipsDisabledButManualRuns(t *testing.T) {
	f := newFixture(t, true)
	src := f.addSource(t, "-1", false, false)

	ev := f.sched.RunJob(context.Background(), src.ID, model.JobTypeSync, model.TriggerScheduled)
	assert.Equal(t, notify.PhaseSkipped, ev.Phase)
	assert.Empty(t, f.jobLogs(t, src.ID))

	ev = f.sched.RunJob(context.Background(), src.ID, model.JobTypeSync, model.TriggerManual)
	assert.Equal(t, notify.PhaseCompleted, ev.Phase)
	assert.Len(t, f.jobLogs(t, src.ID), 1)
}

func TestDownloadJobSkipsWithoutUsableExport(t *testing.T) {
	f := newFixture(t, true)
	src := f.addSource(t, "-1", true, true)

	f.orch.noExport[src.ID] = true
	ev := f.sched.RunJob(context.Background(), src.ID, model.JobTypeDownload, model.TriggerManual)
	assert.Equal(t, notify.PhaseSkipped, ev.Phase)
	assert.Equal(t, "no completed export", ev.Reason)

	f.orch.noExport[src.ID] = false
	f.orch.mediaCount = 0
	ev = f.sched.RunJob(context.Background(), src.ID, model.JobTypeDownload, model.TriggerManual)
	assert.Equal(t, notify.PhaseSkipped, ev.Phase)
	assert.Equal(t, "export has no media", ev.Reason)

	assert.Empty(t, f.jobLogs(t, src.ID))
	assert.Empty(t, f.orch.Calls())
}

func TestFailedJobsAreRecorded(t *testing.T) {
	f := newFixture(t, true)
	a := f.addSource(t, "-1", true, true)
	b := f.addSource(t, "-2", true, true)
	f.orch.exportErr[a.ID] = errors.New(strings.Repeat("e", 3000))
	f.orch.exportPanic[b.ID] = true

	batch := f.sched.RunBatch(context.Background(), []int64{a.ID, b.ID}, nil)
	assert.Equal(t, 2, batch.Jobs)
	assert.Equal(t, 2, batch.Failures)

	logsA := f.jobLogs(t, a.ID)
	require.Len(t, logsA, 1)
	assert.Equal(t, model.StatusFailed, logsA[0].Status)
	assert.Len(t, logsA[0].Error, maxJobError)
	assert.Nil(t, logsA[0].ExportID)

	logsB := f.jobLogs(t, b.ID)
	require.Len(t, logsB, 1)
	assert.Equal(t, model.StatusFailed, logsB[0].Status)
	assert.Equal(t, "panic: exporter exploded", logsB[0].Error)
	assert.Empty(t, f.sched.InFlight())

	require.Len(t, f.notifier.batches, 1)
	assert.Equal(t, 2, f.notifier.batches[0].Failures)
}

// explodingNotifier panics on one job phase and records everything else.
type explodingNotifier struct {
	*recordingNotifier
	phase string
}

func (n explodingNotifier) NotifyJob(ctx context.Context, ev notify.JobEvent) {
	if ev.Phase == n.phase {
		panic("notifier exploded")
	}
	n.recordingNotifier.NotifyJob(ctx, ev)
}

func TestPanicOutsideOperationStillFinalizesJobLog(t *testing.T) {
	f := newFixture(t, true)
	src := f.addSource(t, "-1", true, false)
	f.sched.notifier = explodingNotifier{recordingNotifier: f.notifier, phase: notify.PhaseStarted}

	ev := f.sched.RunJob(context.Background(), src.ID, model.JobTypeSync, model.TriggerManual)
	assert.Equal(t, notify.PhaseFailed, ev.Phase)
	assert.Equal(t, "panic: notifier exploded", ev.Error)

	logs := f.jobLogs(t, src.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, model.StatusFailed, logs[0].Status)
	assert.Equal(t, "panic: notifier exploded", logs[0].Error)
	assert.NotNil(t, logs[0].CompletedAt)
	assert.Empty(t, f.sched.InFlight())
	assert.Empty(t, f.orch.Calls(), "the operation never started")

	// A panic after the log is finalized keeps the recorded outcome.
	f.sched.notifier = explodingNotifier{recordingNotifier: f.notifier, phase: notify.PhaseCompleted}
	batch := f.sched.RunBatch(context.Background(), []int64{src.ID}, nil)
	assert.Equal(t, 1, batch.Jobs)
	assert.Equal(t, 0, batch.Failures)

	logs = f.jobLogs(t, src.ID)
	require.Len(t, logs, 2)
	statuses := []string{logs[0].Status, logs[1].Status}
	assert.ElementsMatch(t, []string{model.StatusFailed, model.StatusCompleted}, statuses)
	for _, l := range logs {
		assert.NotEqual(t, model.StatusRunning, l.Status)
	}
}

func TestSetEnabledFlipsFlagAndNextRun(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	src := f.addSource(t, "-1", false, false)

	sch, err := f.sched.SetEnabled(ctx, src.ID, model.JobTypeDownload, true)
	require.NoError(t, err)
	assert.True(t, sch.Enabled)
	require.NotNil(t, sch.NextRunAt)
	want, err := NextFire("0 */6 * * *", "UTC", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, want, *sch.NextRunAt)

	got, err := f.store.GetSource(ctx, src.ID)
	require.NoError(t, err)
	assert.True(t, got.DownloadEnabled)
	assert.False(t, got.SyncEnabled)

	sch, err = f.sched.SetEnabled(ctx, src.ID, model.JobTypeDownload, false)
	require.NoError(t, err)
	assert.False(t, sch.Enabled)
	assert.Nil(t, sch.NextRunAt)
	got, err = f.store.GetSource(ctx, src.ID)
	require.NoError(t, err)
	assert.False(t, got.DownloadEnabled)

	_, err = f.sched.SetEnabled(ctx, src.ID, "bogus", true)
	assert.Error(t, err)
}

func TestUpdateCronAndGlobalToggle(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	src := f.addSource(t, "-1", true, false)
	require.NoError(t, f.sched.Start(ctx))

	assert.Error(t, f.sched.UpdateCron(ctx, "not a cron"))
	assert.Equal(t, "0 */6 * * *", f.sched.CronSchedule())

	require.NoError(t, f.sched.UpdateCron(ctx, "30 2 * * *"))
	sch, err := f.store.GetSchedule(ctx, src.ID, model.JobTypeSync)
	require.NoError(t, err)
	require.NotNil(t, sch.NextRunAt)
	assert.Equal(t, time.Date(2026, 3, 5, 2, 30, 0, 0, time.UTC), sch.NextRunAt.UTC())

	require.NoError(t, f.sched.SetGlobalEnabled(ctx, false))
	assert.Nil(t, f.sched.NextRun())
	assert.False(t, f.sched.Status().Enabled)
	sch, err = f.store.GetSchedule(ctx, src.ID, model.JobTypeSync)
	require.NoError(t, err)
	assert.Nil(t, sch.NextRunAt)

	require.NoError(t, f.sched.SetGlobalEnabled(ctx, true))
	require.NotNil(t, f.sched.NextRun())
	assert.Equal(t, "UTC", f.sched.Status().Timezone)
}

func TestValidateCron(t *testing.T) {
	for expr, ok := range map[string]bool{
		"0 */6 * * *":  true,
		"*/5 * * * *":  true,
		"@daily":       true,
		"":             false,
		"0 */6 * *":    false,
		"61 * * * *":   false,
		"0 0 * * * *":  false,
		"every minute": false,
	} {
		err := ValidateCron(expr)
		if ok {
			assert.NoError(t, err, expr)
		} else {
			assert.Error(t, err, expr)
		}
	}

	next, err := NextFire("0 9 * * *", "Europe/Berlin", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC), next.UTC())

	_, err = NextFire("0 9 * * *", "Mars/Olympus", fixedNow)
	assert.Error(t, err)
}

func TestInFlightGuard(t *testing.T) {
	g := NewInFlight()
	assert.True(t, g.TryAcquire("sync:1"))
	assert.False(t, g.TryAcquire("sync:1"))
	assert.True(t, g.TryAcquire("download:1"))
	keys := g.Snapshot()
	require.Len(t, keys, 2)
	assert.Equal(t, "download:1", keys[0].Key)
	g.Release("sync:1")
	assert.True(t, g.TryAcquire("sync:1"))
}
