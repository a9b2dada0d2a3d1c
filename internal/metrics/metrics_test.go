package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tdl-archive-manager/internal/notify"
	"tdl-archive-manager/internal/supervisor"
)

func TestJobEventsFeedCounters(t *testing.T) {
	m := New()
	ctx := context.Background()
	m.NotifyJob(ctx, notify.JobEvent{Phase: notify.PhaseStarted, JobType: "download", Trigger: "manual"})
	m.NotifyJob(ctx, notify.JobEvent{Phase: notify.PhaseCompleted, JobType: "download", Trigger: "manual", Files: 3, Bytes: 4096, Skipped: 2, Duration: 2 * time.Second})
	m.NotifyJob(ctx, notify.JobEvent{Phase: notify.PhaseFailed, JobType: "sync", Trigger: "scheduled"})
	m.NotifyJob(ctx, notify.JobEvent{Phase: notify.PhaseSkipped, JobType: "sync", Trigger: "scheduled"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues("download", "manual", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues("sync", "scheduled", "failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.files))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.bytes))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.skipped))

	m.NotifyBatch(ctx, notify.BatchEvent{Failures: 1})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batches))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batchFailures))
}

func TestSupervisorOutcomesAndHandler(t *testing.T) {
	m := New()
	m.ObserveOutcome(supervisor.Outcome{Kind: supervisor.KindIdleKilled, Elapsed: 12 * time.Second})
	m.ObserveOutcome(supervisor.Outcome{Kind: supervisor.KindIdleKilled, Elapsed: 3 * time.Second})
	m.TrackInFlight(func() int { return 2 })

	assert.Equal(t, 2.0, testutil.ToFloat64(m.outcomes.WithLabelValues("idle_killed")))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `tdl_archive_supervisor_runs_total{outcome="idle_killed"} 2`)
	assert.Contains(t, string(body), "tdl_archive_jobs_in_flight 2")
	assert.Contains(t, string(body), "go_goroutines")
}
