// Package scheduler drives the orchestrator from one global cron entry.
// Each tick runs a batch over every source with an enabled schedule; manual
// triggers reuse the same job logic in the background. A (source, job type)
// pair never runs twice at once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tdl-archive-manager/internal/archive"
	"tdl-archive-manager/internal/model"
	"tdl-archive-manager/internal/notify"
	"tdl-archive-manager/internal/store"
)

// InterruptedMessage is written to job logs a previous process left running.
const InterruptedMessage = "Job interrupted by scheduler restart or crash"

var (
	ErrJobRunning = errors.New("job already running")
	ErrStopped    = errors.New("scheduler stopped")
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Orchestrator is the part of the archive service the scheduler drives.
type Orchestrator interface {
	ExportMessages(ctx context.Context, sourceID int64) (model.ExportRun, error)
	DownloadFromExport(ctx context.Context, exportID int64) (archive.DownloadResult, error)
	LatestCompletedExport(ctx context.Context, sourceID int64) (model.ExportRun, error)
	ImportSources(ctx context.Context, filter string) (int, error)
}

type Options struct {
	Store        store.Store
	Orchestrator Orchestrator
	Notifier     notify.Notifier
	Guard        Guard
	Logger       *slog.Logger

	CronSchedule string
	// Timezone is an IANA name; empty means the local zone.
	Timezone string
	// Enabled registers the batch entry. Manual triggers work either way.
	Enabled bool
	// ImportFilter is passed to the first-start source import.
	ImportFilter string

	Now func() time.Time
}

type Scheduler struct {
	store    store.Store
	orch     Orchestrator
	notifier notify.Notifier
	guard    Guard
	logger   *slog.Logger
	now      func() time.Time
	loc      *time.Location
	cron     *cron.Cron
	filter   string

	mu         sync.Mutex
	expr       string
	schedule   cron.Schedule
	enabled    bool
	entry      cron.EntryID
	registered bool
	started    bool
	stopped    bool
	jobCtx     context.Context

	manual sync.WaitGroup
}

// ValidateCron checks a standard five-field expression (descriptors such as
// @daily are accepted too).
func ValidateCron(expr string) error {
	_, err := parseCron(expr)
	return err
}

// NextFire returns the first fire time of expr strictly after now in tz.
func NextFire(expr, tz string, now time.Time) (time.Time, error) {
	sched, err := parseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := loadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now.In(loc)), nil
}

func parseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("cron expression is empty")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return loc, nil
}

func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	sched, err := parseCron(opts.CronSchedule)
	if err != nil {
		return nil, err
	}
	loc, err := loadLocation(opts.Timezone)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	guard := opts.Guard
	if guard == nil {
		guard = NewInFlight()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	clog := cronLogger{logger: logger}
	s := &Scheduler{
		store:    opts.Store,
		orch:     opts.Orchestrator,
		notifier: notifier,
		guard:    guard,
		logger:   logger,
		now:      now,
		loc:      loc,
		filter:   opts.ImportFilter,
		expr:     strings.TrimSpace(opts.CronSchedule),
		schedule: sched,
		enabled:  opts.Enabled,
		jobCtx:   context.Background(),
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithParser(cronParser),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
	}
	return s, nil
}

// Start runs the startup sequence and starts the cron loop:
// import sources on an empty store, fail job logs a crashed process left
// running, make sure every active source has schedule rows, register the
// batch entry and publish next run times.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.jobCtx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	n, err := s.store.CountSources(ctx)
	if err != nil {
		return fmt.Errorf("count sources: %w", err)
	}
	if n == 0 {
		imported, err := s.orch.ImportSources(ctx, s.filter)
		if err != nil {
			s.logger.Warn("initial source import failed", "error", err)
		} else {
			s.logger.Info("imported sources on first start", "count", imported)
		}
	}

	failed, err := s.store.FailRunningJobLogs(ctx, InterruptedMessage, s.now())
	if err != nil {
		return fmt.Errorf("clean up stale jobs: %w", err)
	}
	if failed > 0 {
		s.logger.Warn("marked stale running jobs as failed", "count", failed)
	}

	if _, err := s.EnsureSchedules(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.enabled {
		if err := s.registerLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()

	if err := s.RefreshNextRuns(ctx); err != nil {
		s.logger.Warn("refresh next run times failed", "error", err)
	}
	s.cron.Start()
	st := s.Status()
	s.logger.Info("scheduler started", "enabled", st.Enabled, "cron", st.CronSchedule, "timezone", st.Timezone, "next_run", st.NextRun)
	return nil
}

// Stop halts the cron loop and waits for the running batch and background
// manual jobs, or until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronDone := s.cron.Stop()
	manualDone := make(chan struct{})
	go func() {
		s.manual.Wait()
		close(manualDone)
	}()
	for _, done := range []<-chan struct{}{cronDone.Done(), manualDone} {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("stop scheduler: %w", ctx.Err())
		}
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// EnsureSchedules creates missing sync and download schedule rows for every
// active source, enabled according to the source's flags.
func (s *Scheduler) EnsureSchedules(ctx context.Context) (int, error) {
	sources, err := s.store.ListSources(ctx, store.SourceFilter{ActiveOnly: true})
	if err != nil {
		return 0, fmt.Errorf("list sources: %w", err)
	}
	n := 0
	for _, src := range sources {
		for _, jobType := range model.JobTypes {
			if _, err := s.store.EnsureSchedule(ctx, src.ID, jobType, src.EnabledFor(jobType)); err != nil {
				return n, fmt.Errorf("ensure %s schedule for source %d: %w", jobType, src.ID, err)
			}
			n++
		}
	}
	return n, nil
}

// RefreshNextRuns stores the next fire time on every enabled schedule, or
// clears it while the batch entry is not registered.
func (s *Scheduler) RefreshNextRuns(ctx context.Context) error {
	next := s.NextRun()
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{EnabledOnly: true})
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	for _, sch := range schedules {
		sch.NextRunAt = next
		if err := s.store.UpdateSchedule(ctx, sch); err != nil {
			return fmt.Errorf("update schedule %d: %w", sch.ID, err)
		}
	}
	return nil
}

// NextRun is the next batch fire time, nil while the batch entry is not
// registered.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRunLocked()
}

func (s *Scheduler) nextRunLocked() *time.Time {
	if !s.registered {
		return nil
	}
	next := s.schedule.Next(s.now().In(s.loc))
	return &next
}

// UpdateCron swaps the batch expression and republishes next run times.
func (s *Scheduler) UpdateCron(ctx context.Context, expr string) error {
	sched, err := parseCron(expr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.expr = strings.TrimSpace(expr)
	s.schedule = sched
	if s.registered {
		s.unregisterLocked()
		if err := s.registerLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()
	s.logger.Info("cron schedule updated", "cron", s.CronSchedule())
	return s.RefreshNextRuns(ctx)
}

// SetGlobalEnabled registers or removes the batch entry.
func (s *Scheduler) SetGlobalEnabled(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	s.enabled = enabled
	if enabled && !s.registered {
		if err := s.registerLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	if !enabled && s.registered {
		s.unregisterLocked()
	}
	s.mu.Unlock()
	s.logger.Info("scheduler toggled", "enabled", enabled)
	return s.RefreshNextRuns(ctx)
}

func (s *Scheduler) CronSchedule() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expr
}

func (s *Scheduler) registerLocked() error {
	id, err := s.cron.AddFunc(s.expr, func() {
		s.RunScheduled(s.jobContext())
	})
	if err != nil {
		return fmt.Errorf("register batch job: %w", err)
	}
	s.entry = id
	s.registered = true
	return nil
}

func (s *Scheduler) unregisterLocked() {
	s.cron.Remove(s.entry)
	s.entry = 0
	s.registered = false
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobCtx
}

type Status struct {
	Enabled      bool          `json:"enabled"`
	CronSchedule string        `json:"cron_schedule"`
	Timezone     string        `json:"timezone"`
	NextRun      *time.Time    `json:"next_run,omitempty"`
	InFlight     []InFlightJob `json:"in_flight"`
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{
		Enabled:      s.enabled,
		CronSchedule: s.expr,
		Timezone:     s.loc.String(),
		NextRun:      s.nextRunLocked(),
	}
	s.mu.Unlock()
	st.InFlight = s.InFlight()
	return st
}

func (s *Scheduler) InFlight() []InFlightJob {
	return s.guard.Snapshot()
}

// SetEnabled flips a source's flag for one job type together with its
// schedule row. Enabling publishes the next fire time, disabling clears it.
// The cron registration is untouched: the batch reads enabled schedules
// when it fires.
func (s *Scheduler) SetEnabled(ctx context.Context, sourceID int64, jobType string, enabled bool) (model.Schedule, error) {
	if !model.IsJobType(jobType) {
		return model.Schedule{}, fmt.Errorf("invalid job type %q", jobType)
	}
	src, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		return model.Schedule{}, err
	}
	src.SetEnabled(jobType, enabled)
	if err := s.store.UpdateSource(ctx, src); err != nil {
		return model.Schedule{}, fmt.Errorf("update source %d: %w", sourceID, err)
	}
	sch, err := s.store.EnsureSchedule(ctx, sourceID, jobType, enabled)
	if err != nil {
		return model.Schedule{}, err
	}
	sch.Enabled = enabled
	sch.NextRunAt = nil
	if enabled {
		sch.NextRunAt = s.NextRun()
	}
	if err := s.store.UpdateSchedule(ctx, sch); err != nil {
		return model.Schedule{}, fmt.Errorf("update schedule %d: %w", sch.ID, err)
	}
	s.logger.Info("schedule toggled", "source_id", sourceID, "job_type", jobType, "enabled", enabled)
	return sch, nil
}

// TriggerManually starts one job in the background, ignoring the enabled
// flags. It fails fast when the same job is already running.
func (s *Scheduler) TriggerManually(ctx context.Context, sourceID int64, jobType string) error {
	if !model.IsJobType(jobType) {
		return fmt.Errorf("invalid job type %q", jobType)
	}
	if _, err := s.store.GetSource(ctx, sourceID); err != nil {
		return err
	}
	key := JobKey(jobType, sourceID)
	for _, job := range s.guard.Snapshot() {
		if job.Key == key {
			return fmt.Errorf("%s: %w", key, ErrJobRunning)
		}
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.manual.Add(1)
	jobCtx := s.jobCtx
	s.mu.Unlock()

	go func() {
		defer s.manual.Done()
		s.RunJob(jobCtx, sourceID, jobType, model.TriggerManual)
	}()
	s.logger.Info("manual job triggered", "source_id", sourceID, "job_type", jobType)
	return nil
}

// cronLogger routes cron's own logging into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
