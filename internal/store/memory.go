package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tdl-archive-manager/internal/model"
)

// memState is also the JSON snapshot format of the file backend.
type memState struct {
	SchemaVersion int                         `json:"schema_version"`
	Seq           map[string]int64            `json:"seq"`
	Sources       map[int64]model.Source      `json:"sources"`
	Exports       map[int64]model.ExportRun   `json:"exports"`
	Downloads     map[int64]model.DownloadRun `json:"downloads"`
	Schedules     map[int64]model.Schedule    `json:"schedules"`
	JobLogs       map[int64]model.JobLog      `json:"job_logs"`
}

const stateSchemaVersion = 1

func newMemState() *memState {
	return &memState{
		SchemaVersion: stateSchemaVersion,
		Seq:           map[string]int64{},
		Sources:       map[int64]model.Source{},
		Exports:       map[int64]model.ExportRun{},
		Downloads:     map[int64]model.DownloadRun{},
		Schedules:     map[int64]model.Schedule{},
		JobLogs:       map[int64]model.JobLog{},
	}
}

func (st *memState) fill() {
	if st.Seq == nil {
		st.Seq = map[string]int64{}
	}
	if st.Sources == nil {
		st.Sources = map[int64]model.Source{}
	}
	if st.Exports == nil {
		st.Exports = map[int64]model.ExportRun{}
	}
	if st.Downloads == nil {
		st.Downloads = map[int64]model.DownloadRun{}
	}
	if st.Schedules == nil {
		st.Schedules = map[int64]model.Schedule{}
	}
	if st.JobLogs == nil {
		st.JobLogs = map[int64]model.JobLog{}
	}
	if st.SchemaVersion == 0 {
		st.SchemaVersion = stateSchemaVersion
	}
}

func (st *memState) next(table string) int64 {
	st.Seq[table]++
	return st.Seq[table]
}

// MemoryStore keeps everything in process memory. The file backend wraps it
// with a persist hook.
type MemoryStore struct {
	mu       sync.Mutex
	st       *memState
	persist  func(*memState) error
	readOnly bool
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: newMemState(), now: time.Now}
}

func (s *MemoryStore) read(fn func(st *memState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

func (s *MemoryStore) write(fn func(st *memState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return ErrReadOnly
	}
	if err := fn(s.st); err != nil {
		return err
	}
	if s.persist != nil {
		return s.persist(s.st)
	}
	return nil
}

func (s *MemoryStore) CountSources(ctx context.Context) (int, error) {
	var n int
	err := s.read(func(st *memState) error {
		n = len(st.Sources)
		return nil
	})
	return n, err
}

func (s *MemoryStore) UpsertSource(ctx context.Context, src model.Source) (model.Source, error) {
	src.ExternalID = strings.TrimSpace(src.ExternalID)
	if src.ExternalID == "" {
		return model.Source{}, fmt.Errorf("source external id is required")
	}
	var out model.Source
	err := s.write(func(st *memState) error {
		for id, existing := range st.Sources {
			if existing.ExternalID != src.ExternalID {
				continue
			}
			if src.Name != "" {
				existing.Name = src.Name
			}
			if src.Type != "" {
				existing.Type = src.Type
			}
			if src.Username != "" {
				existing.Username = src.Username
			}
			st.Sources[id] = existing
			out = existing
			return nil
		}
		src.ID = st.next("sources")
		if src.AddedAt.IsZero() {
			src.AddedAt = s.now().UTC()
		}
		src.LastSuccessfulDownloadTimestamp = nil
		st.Sources[src.ID] = src
		out = src
		return nil
	})
	return out, err
}

func (s *MemoryStore) GetSource(ctx context.Context, id int64) (model.Source, error) {
	var out model.Source
	err := s.read(func(st *memState) error {
		src, ok := st.Sources[id]
		if !ok {
			return fmt.Errorf("source %d: %w", id, ErrNotFound)
		}
		out = src
		return nil
	})
	return out, err
}

func (s *MemoryStore) GetSourceByExternalID(ctx context.Context, externalID string) (model.Source, error) {
	var out model.Source
	err := s.read(func(st *memState) error {
		for _, src := range st.Sources {
			if src.ExternalID == strings.TrimSpace(externalID) {
				out = src
				return nil
			}
		}
		return fmt.Errorf("source %q: %w", externalID, ErrNotFound)
	})
	return out, err
}

func (s *MemoryStore) ListSources(ctx context.Context, f SourceFilter) ([]model.Source, error) {
	out := []model.Source{}
	err := s.read(func(st *memState) error {
		for _, src := range st.Sources {
			if f.ActiveOnly && !src.Active {
				continue
			}
			out = append(out, src)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (s *MemoryStore) UpdateSource(ctx context.Context, src model.Source) error {
	return s.write(func(st *memState) error {
		existing, ok := st.Sources[src.ID]
		if !ok {
			return fmt.Errorf("source %d: %w", src.ID, ErrNotFound)
		}
		src.ExternalID = existing.ExternalID
		src.AddedAt = existing.AddedAt
		src.LastSuccessfulDownloadTimestamp = existing.LastSuccessfulDownloadTimestamp
		st.Sources[src.ID] = src
		return nil
	})
}

func (s *MemoryStore) AdvanceCheckpoint(ctx context.Context, sourceID int64, ts int64) (int64, error) {
	var stored int64
	err := s.write(func(st *memState) error {
		src, ok := st.Sources[sourceID]
		if !ok {
			return fmt.Errorf("source %d: %w", sourceID, ErrNotFound)
		}
		if src.LastSuccessfulDownloadTimestamp == nil || *src.LastSuccessfulDownloadTimestamp < ts {
			src.LastSuccessfulDownloadTimestamp = model.Int64Ptr(ts)
			st.Sources[sourceID] = src
		}
		stored = *src.LastSuccessfulDownloadTimestamp
		return nil
	})
	return stored, err
}

func (s *MemoryStore) DeleteSource(ctx context.Context, id int64) error {
	return s.write(func(st *memState) error {
		if _, ok := st.Sources[id]; !ok {
			return fmt.Errorf("source %d: %w", id, ErrNotFound)
		}
		delete(st.Sources, id)
		for k, v := range st.Exports {
			if v.SourceID == id {
				delete(st.Exports, k)
			}
		}
		for k, v := range st.Downloads {
			if v.SourceID == id {
				delete(st.Downloads, k)
			}
		}
		for k, v := range st.Schedules {
			if v.SourceID == id {
				delete(st.Schedules, k)
			}
		}
		for k, v := range st.JobLogs {
			if v.SourceID == id {
				delete(st.JobLogs, k)
			}
		}
		return nil
	})
}

func (s *MemoryStore) CreateExportRun(ctx context.Context, run model.ExportRun) (model.ExportRun, error) {
	err := s.write(func(st *memState) error {
		if _, ok := st.Sources[run.SourceID]; !ok {
			return fmt.Errorf("source %d: %w", run.SourceID, ErrNotFound)
		}
		run.ID = st.next("exports")
		if run.CreatedAt.IsZero() {
			run.CreatedAt = s.now().UTC()
		}
		st.Exports[run.ID] = run
		return nil
	})
	return run, err
}

func (s *MemoryStore) UpdateExportRun(ctx context.Context, run model.ExportRun) error {
	return s.write(func(st *memState) error {
		if _, ok := st.Exports[run.ID]; !ok {
			return fmt.Errorf("export run %d: %w", run.ID, ErrNotFound)
		}
		st.Exports[run.ID] = run
		return nil
	})
}

func (s *MemoryStore) GetExportRun(ctx context.Context, id int64) (model.ExportRun, error) {
	var out model.ExportRun
	err := s.read(func(st *memState) error {
		run, ok := st.Exports[id]
		if !ok {
			return fmt.Errorf("export run %d: %w", id, ErrNotFound)
		}
		out = run
		return nil
	})
	return out, err
}

func (s *MemoryStore) ListExportRuns(ctx context.Context, f ExportFilter) ([]model.ExportRun, error) {
	out := []model.ExportRun{}
	err := s.read(func(st *memState) error {
		for _, run := range st.Exports {
			if f.SourceID != 0 && run.SourceID != f.SourceID {
				continue
			}
			if f.Status != "" && run.Status != f.Status {
				continue
			}
			out = append(out, run)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return limitSlice(out, f.Limit), err
}

func (s *MemoryStore) CreateDownloadRun(ctx context.Context, run model.DownloadRun) (model.DownloadRun, error) {
	err := s.write(func(st *memState) error {
		exp, ok := st.Exports[run.ExportID]
		if !ok {
			return fmt.Errorf("export run %d: %w", run.ExportID, ErrNotFound)
		}
		run.SourceID = exp.SourceID
		run.ID = st.next("downloads")
		if run.CreatedAt.IsZero() {
			run.CreatedAt = s.now().UTC()
		}
		st.Downloads[run.ID] = run
		return nil
	})
	return run, err
}

func (s *MemoryStore) UpdateDownloadRun(ctx context.Context, run model.DownloadRun) error {
	return s.write(func(st *memState) error {
		if _, ok := st.Downloads[run.ID]; !ok {
			return fmt.Errorf("download run %d: %w", run.ID, ErrNotFound)
		}
		st.Downloads[run.ID] = run
		return nil
	})
}

func (s *MemoryStore) GetDownloadRun(ctx context.Context, id int64) (model.DownloadRun, error) {
	var out model.DownloadRun
	err := s.read(func(st *memState) error {
		run, ok := st.Downloads[id]
		if !ok {
			return fmt.Errorf("download run %d: %w", id, ErrNotFound)
		}
		out = run
		return nil
	})
	return out, err
}

func (s *MemoryStore) ListDownloadRuns(ctx context.Context, f DownloadFilter) ([]model.DownloadRun, error) {
	out := []model.DownloadRun{}
	err := s.read(func(st *memState) error {
		for _, run := range st.Downloads {
			if f.SourceID != 0 && run.SourceID != f.SourceID {
				continue
			}
			if f.ExportID != 0 && run.ExportID != f.ExportID {
				continue
			}
			if f.Status != "" && run.Status != f.Status {
				continue
			}
			out = append(out, run)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return limitSlice(out, f.Limit), err
}

func (s *MemoryStore) EnsureSchedule(ctx context.Context, sourceID int64, jobType string, enabled bool) (model.Schedule, error) {
	if !model.IsJobType(jobType) {
		return model.Schedule{}, fmt.Errorf("invalid job type %q", jobType)
	}
	var out model.Schedule
	err := s.write(func(st *memState) error {
		if _, ok := st.Sources[sourceID]; !ok {
			return fmt.Errorf("source %d: %w", sourceID, ErrNotFound)
		}
		for _, sch := range st.Schedules {
			if sch.SourceID == sourceID && sch.JobType == jobType {
				out = sch
				return nil
			}
		}
		out = model.Schedule{
			ID:       st.next("schedules"),
			SourceID: sourceID,
			JobType:  jobType,
			Enabled:  enabled,
		}
		st.Schedules[out.ID] = out
		return nil
	})
	return out, err
}

func (s *MemoryStore) GetSchedule(ctx context.Context, sourceID int64, jobType string) (model.Schedule, error) {
	var out model.Schedule
	err := s.read(func(st *memState) error {
		for _, sch := range st.Schedules {
			if sch.SourceID == sourceID && sch.JobType == jobType {
				out = sch
				return nil
			}
		}
		return fmt.Errorf("schedule %d/%s: %w", sourceID, jobType, ErrNotFound)
	})
	return out, err
}

func (s *MemoryStore) ListSchedules(ctx context.Context, f ScheduleFilter) ([]model.Schedule, error) {
	out := []model.Schedule{}
	err := s.read(func(st *memState) error {
		for _, sch := range st.Schedules {
			if f.SourceID != 0 && sch.SourceID != f.SourceID {
				continue
			}
			if f.JobType != "" && sch.JobType != f.JobType {
				continue
			}
			if f.EnabledOnly && !sch.Enabled {
				continue
			}
			out = append(out, sch)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		return out[i].JobType > out[j].JobType
	})
	return out, err
}

func (s *MemoryStore) UpdateSchedule(ctx context.Context, sch model.Schedule) error {
	return s.write(func(st *memState) error {
		existing, ok := st.Schedules[sch.ID]
		if !ok {
			return fmt.Errorf("schedule %d: %w", sch.ID, ErrNotFound)
		}
		sch.SourceID = existing.SourceID
		sch.JobType = existing.JobType
		st.Schedules[sch.ID] = sch
		return nil
	})
}

func (s *MemoryStore) CreateJobLog(ctx context.Context, job model.JobLog) (model.JobLog, error) {
	err := s.write(func(st *memState) error {
		if _, ok := st.Sources[job.SourceID]; !ok {
			return fmt.Errorf("source %d: %w", job.SourceID, ErrNotFound)
		}
		job.ID = st.next("job_logs")
		if job.StartedAt.IsZero() {
			job.StartedAt = s.now().UTC()
		}
		st.JobLogs[job.ID] = job
		return nil
	})
	return job, err
}

func (s *MemoryStore) UpdateJobLog(ctx context.Context, job model.JobLog) error {
	return s.write(func(st *memState) error {
		if _, ok := st.JobLogs[job.ID]; !ok {
			return fmt.Errorf("job log %d: %w", job.ID, ErrNotFound)
		}
		st.JobLogs[job.ID] = job
		return nil
	})
}

func (s *MemoryStore) GetJobLog(ctx context.Context, id int64) (model.JobLog, error) {
	var out model.JobLog
	err := s.read(func(st *memState) error {
		job, ok := st.JobLogs[id]
		if !ok {
			return fmt.Errorf("job log %d: %w", id, ErrNotFound)
		}
		out = job
		return nil
	})
	return out, err
}

func (s *MemoryStore) ListJobLogs(ctx context.Context, f JobLogFilter) ([]model.JobLog, error) {
	out := []model.JobLog{}
	err := s.read(func(st *memState) error {
		for _, job := range st.JobLogs {
			if f.SourceID != 0 && job.SourceID != f.SourceID {
				continue
			}
			if f.JobType != "" && job.JobType != f.JobType {
				continue
			}
			if f.Status != "" && job.Status != f.Status {
				continue
			}
			out = append(out, job)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return limitSlice(out, f.Limit), err
}

func (s *MemoryStore) FailRunningJobLogs(ctx context.Context, message string, now time.Time) (int, error) {
	n := 0
	err := s.write(func(st *memState) error {
		for id, job := range st.JobLogs {
			if job.Status != model.StatusRunning {
				continue
			}
			job.Status = model.StatusFailed
			job.Error = message
			job.CompletedAt = model.TimePtr(now.UTC())
			job.DurationSeconds = now.Sub(job.StartedAt).Seconds()
			st.JobLogs[id] = job
			n++
		}
		return nil
	})
	return n, err
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	err := s.read(func(st *memState) error {
		out.Sources = len(st.Sources)
		for _, src := range st.Sources {
			if src.Active {
				out.ActiveSources++
			}
		}
		out.Exports = len(st.Exports)
		for _, run := range st.Exports {
			if run.Status == model.StatusCompleted {
				out.CompletedExports++
			}
		}
		out.Downloads = len(st.Downloads)
		for _, run := range st.Downloads {
			if run.Status == model.StatusCompleted {
				out.CompletedDownloads++
				out.Files += int64(run.FilesCount)
				out.Bytes += run.BytesCount
			}
		}
		return nil
	})
	return out, err
}

func (s *MemoryStore) Close() error {
	return nil
}

func limitSlice[T any](items []T, limit int) []T {
	limit = normalizeLimit(limit)
	if len(items) > limit {
		return items[:limit]
	}
	return items
}
