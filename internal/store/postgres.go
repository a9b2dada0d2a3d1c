package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tdl-archive-manager/internal/model"
)

// PostgresStore runs each method as its own statement or transaction on a
// pooled connection.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := NewMigrator(pool, slog.Default().With("component", "migrator")).Run(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const sourceColumns = `id, external_id, name, source_type, username, folder_name, active,
	sync_enabled, download_enabled, added_at, last_checked_at, last_successful_download_timestamp`

func scanSource(row pgx.Row) (model.Source, error) {
	var src model.Source
	err := row.Scan(
		&src.ID, &src.ExternalID, &src.Name, &src.Type, &src.Username, &src.FolderName, &src.Active,
		&src.SyncEnabled, &src.DownloadEnabled, &src.AddedAt, &src.LastCheckedAt, &src.LastSuccessfulDownloadTimestamp,
	)
	return src, err
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

func (s *PostgresStore) CountSources(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sources`).Scan(&n)
	return n, err
}

// UpsertSource inserts by external id, or refreshes descriptive fields while
// keeping flags, folder and checkpoint.
func (s *PostgresStore) UpsertSource(ctx context.Context, src model.Source) (model.Source, error) {
	src.ExternalID = strings.TrimSpace(src.ExternalID)
	if src.ExternalID == "" {
		return model.Source{}, fmt.Errorf("source external id is required")
	}
	addedAt := src.AddedAt
	if addedAt.IsZero() {
		addedAt = time.Now().UTC()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO sources (external_id, name, source_type, username, folder_name, active, sync_enabled, download_enabled, added_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (external_id) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), sources.name),
			source_type = COALESCE(NULLIF(EXCLUDED.source_type, ''), sources.source_type),
			username = COALESCE(NULLIF(EXCLUDED.username, ''), sources.username)
		RETURNING `+sourceColumns,
		src.ExternalID, src.Name, src.Type, src.Username, src.FolderName, src.Active, src.SyncEnabled, src.DownloadEnabled, addedAt,
	)
	return scanSource(row)
}

func (s *PostgresStore) GetSource(ctx context.Context, id int64) (model.Source, error) {
	src, err := scanSource(s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id))
	return src, notFound(err, fmt.Sprintf("source %d", id))
}

func (s *PostgresStore) GetSourceByExternalID(ctx context.Context, externalID string) (model.Source, error) {
	src, err := scanSource(s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE external_id = $1`, strings.TrimSpace(externalID)))
	return src, notFound(err, fmt.Sprintf("source %q", externalID))
}

func (s *PostgresStore) ListSources(ctx context.Context, f SourceFilter) ([]model.Source, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sourceColumns+` FROM sources WHERE ($1 = FALSE OR active) ORDER BY id`, f.ActiveOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Source{}
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateSource(ctx context.Context, src model.Source) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sources SET name = $2, source_type = $3, username = $4, folder_name = $5, active = $6,
			sync_enabled = $7, download_enabled = $8, last_checked_at = $9
		WHERE id = $1`,
		src.ID, src.Name, src.Type, src.Username, src.FolderName, src.Active, src.SyncEnabled, src.DownloadEnabled, src.LastCheckedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source %d: %w", src.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) AdvanceCheckpoint(ctx context.Context, sourceID int64, ts int64) (int64, error) {
	var stored int64
	err := s.pool.QueryRow(ctx, `
		UPDATE sources
		SET last_successful_download_timestamp = GREATEST(last_successful_download_timestamp, $2::BIGINT)
		WHERE id = $1
		RETURNING last_successful_download_timestamp`, sourceID, ts).Scan(&stored)
	return stored, notFound(err, fmt.Sprintf("source %d", sourceID))
}

func (s *PostgresStore) DeleteSource(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source %d: %w", id, ErrNotFound)
	}
	return nil
}

const exportColumns = `id, source_id, start_timestamp, end_timestamp, manifest_path, status,
	message_count, media_count, error_message, created_at, duration_seconds`

func scanExport(row pgx.Row) (model.ExportRun, error) {
	var run model.ExportRun
	err := row.Scan(&run.ID, &run.SourceID, &run.StartTimestamp, &run.EndTimestamp, &run.ManifestPath, &run.Status,
		&run.MessageCount, &run.MediaCount, &run.Error, &run.CreatedAt, &run.DurationSeconds)
	return run, err
}

func (s *PostgresStore) CreateExportRun(ctx context.Context, run model.ExportRun) (model.ExportRun, error) {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO export_runs (source_id, start_timestamp, end_timestamp, manifest_path, status, message_count, media_count, error_message, created_at, duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		run.SourceID, run.StartTimestamp, run.EndTimestamp, run.ManifestPath, run.Status,
		run.MessageCount, run.MediaCount, run.Error, run.CreatedAt, run.DurationSeconds,
	).Scan(&run.ID)
	return run, err
}

func (s *PostgresStore) UpdateExportRun(ctx context.Context, run model.ExportRun) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE export_runs SET manifest_path = $2, status = $3, message_count = $4, media_count = $5,
			error_message = $6, duration_seconds = $7
		WHERE id = $1`,
		run.ID, run.ManifestPath, run.Status, run.MessageCount, run.MediaCount, run.Error, run.DurationSeconds,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("export run %d: %w", run.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetExportRun(ctx context.Context, id int64) (model.ExportRun, error) {
	run, err := scanExport(s.pool.QueryRow(ctx, `SELECT `+exportColumns+` FROM export_runs WHERE id = $1`, id))
	return run, notFound(err, fmt.Sprintf("export run %d", id))
}

func (s *PostgresStore) ListExportRuns(ctx context.Context, f ExportFilter) ([]model.ExportRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+exportColumns+` FROM export_runs
		WHERE ($1 = 0 OR source_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY id DESC LIMIT $3`,
		f.SourceID, f.Status, normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.ExportRun{}
	for rows.Next() {
		run, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

const downloadColumns = `id, export_id, source_id, destination, status, files_count, bytes_count,
	error_message, created_at, duration_seconds`

func scanDownload(row pgx.Row) (model.DownloadRun, error) {
	var run model.DownloadRun
	err := row.Scan(&run.ID, &run.ExportID, &run.SourceID, &run.Destination, &run.Status, &run.FilesCount, &run.BytesCount,
		&run.Error, &run.CreatedAt, &run.DurationSeconds)
	return run, err
}

func (s *PostgresStore) CreateDownloadRun(ctx context.Context, run model.DownloadRun) (model.DownloadRun, error) {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO download_runs (export_id, source_id, destination, status, files_count, bytes_count, error_message, created_at, duration_seconds)
		SELECT id, source_id, $2, $3, $4, $5, $6, $7, $8 FROM export_runs WHERE id = $1
		RETURNING id, source_id`,
		run.ExportID, run.Destination, run.Status, run.FilesCount, run.BytesCount, run.Error, run.CreatedAt, run.DurationSeconds,
	).Scan(&run.ID, &run.SourceID)
	return run, notFound(err, fmt.Sprintf("export run %d", run.ExportID))
}

func (s *PostgresStore) UpdateDownloadRun(ctx context.Context, run model.DownloadRun) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE download_runs SET destination = $2, status = $3, files_count = $4, bytes_count = $5,
			error_message = $6, duration_seconds = $7
		WHERE id = $1`,
		run.ID, run.Destination, run.Status, run.FilesCount, run.BytesCount, run.Error, run.DurationSeconds,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("download run %d: %w", run.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetDownloadRun(ctx context.Context, id int64) (model.DownloadRun, error) {
	run, err := scanDownload(s.pool.QueryRow(ctx, `SELECT `+downloadColumns+` FROM download_runs WHERE id = $1`, id))
	return run, notFound(err, fmt.Sprintf("download run %d", id))
}

func (s *PostgresStore) ListDownloadRuns(ctx context.Context, f DownloadFilter) ([]model.DownloadRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+downloadColumns+` FROM download_runs
		WHERE ($1 = 0 OR source_id = $1) AND ($2 = 0 OR export_id = $2) AND ($3 = '' OR status = $3)
		ORDER BY id DESC LIMIT $4`,
		f.SourceID, f.ExportID, f.Status, normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.DownloadRun{}
	for rows.Next() {
		run, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

const scheduleColumns = `id, source_id, job_type, enabled, last_run_at, next_run_at`

func scanSchedule(row pgx.Row) (model.Schedule, error) {
	var sch model.Schedule
	err := row.Scan(&sch.ID, &sch.SourceID, &sch.JobType, &sch.Enabled, &sch.LastRunAt, &sch.NextRunAt)
	return sch, err
}

func (s *PostgresStore) EnsureSchedule(ctx context.Context, sourceID int64, jobType string, enabled bool) (model.Schedule, error) {
	if !model.IsJobType(jobType) {
		return model.Schedule{}, fmt.Errorf("invalid job type %q", jobType)
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO schedules (source_id, job_type, enabled) VALUES ($1, $2, $3)
		ON CONFLICT (source_id, job_type) DO NOTHING`, sourceID, jobType, enabled); err != nil {
		return model.Schedule{}, err
	}
	return s.GetSchedule(ctx, sourceID, jobType)
}

func (s *PostgresStore) GetSchedule(ctx context.Context, sourceID int64, jobType string) (model.Schedule, error) {
	sch, err := scanSchedule(s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE source_id = $1 AND job_type = $2`, sourceID, jobType))
	return sch, notFound(err, fmt.Sprintf("schedule %d/%s", sourceID, jobType))
}

func (s *PostgresStore) ListSchedules(ctx context.Context, f ScheduleFilter) ([]model.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE ($1 = 0 OR source_id = $1) AND ($2 = '' OR job_type = $2) AND ($3 = FALSE OR enabled)
		ORDER BY source_id, job_type DESC`,
		f.SourceID, f.JobType, f.EnabledOnly,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Schedule{}
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateSchedule(ctx context.Context, sch model.Schedule) error {
	tag, err := s.pool.Exec(ctx, `UPDATE schedules SET enabled = $2, last_run_at = $3, next_run_at = $4 WHERE id = $1`,
		sch.ID, sch.Enabled, sch.LastRunAt, sch.NextRunAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %d: %w", sch.ID, ErrNotFound)
	}
	return nil
}

const jobColumns = `id, source_id, job_type, trigger_origin, status, started_at, completed_at, duration_seconds,
	messages_added, media_found, files_downloaded, bytes_downloaded, files_skipped, export_id, download_id, error_message`

func scanJob(row pgx.Row) (model.JobLog, error) {
	var job model.JobLog
	err := row.Scan(&job.ID, &job.SourceID, &job.JobType, &job.Trigger, &job.Status, &job.StartedAt, &job.CompletedAt, &job.DurationSeconds,
		&job.MessagesAdded, &job.MediaFound, &job.FilesDownloaded, &job.BytesDownloaded, &job.FilesSkipped, &job.ExportID, &job.DownloadID, &job.Error)
	return job, err
}

func (s *PostgresStore) CreateJobLog(ctx context.Context, job model.JobLog) (model.JobLog, error) {
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO job_logs (source_id, job_type, trigger_origin, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		job.SourceID, job.JobType, job.Trigger, job.Status, job.StartedAt,
	).Scan(&job.ID)
	return job, err
}

func (s *PostgresStore) UpdateJobLog(ctx context.Context, job model.JobLog) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_logs SET status = $2, completed_at = $3, duration_seconds = $4, messages_added = $5,
			media_found = $6, files_downloaded = $7, bytes_downloaded = $8, files_skipped = $9,
			export_id = $10, download_id = $11, error_message = $12
		WHERE id = $1`,
		job.ID, job.Status, job.CompletedAt, job.DurationSeconds, job.MessagesAdded,
		job.MediaFound, job.FilesDownloaded, job.BytesDownloaded, job.FilesSkipped,
		job.ExportID, job.DownloadID, job.Error,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job log %d: %w", job.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetJobLog(ctx context.Context, id int64) (model.JobLog, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM job_logs WHERE id = $1`, id))
	return job, notFound(err, fmt.Sprintf("job log %d", id))
}

func (s *PostgresStore) ListJobLogs(ctx context.Context, f JobLogFilter) ([]model.JobLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM job_logs
		WHERE ($1 = 0 OR source_id = $1) AND ($2 = '' OR job_type = $2) AND ($3 = '' OR status = $3)
		ORDER BY id DESC LIMIT $4`,
		f.SourceID, f.JobType, f.Status, normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.JobLog{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FailRunningJobLogs(ctx context.Context, message string, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_logs
		SET status = 'failed', error_message = $1, completed_at = $2::TIMESTAMPTZ,
			duration_seconds = GREATEST(EXTRACT(EPOCH FROM ($2::TIMESTAMPTZ - started_at)), 0)
		WHERE status = 'running'`, message, now.UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM sources),
			(SELECT COUNT(*) FROM sources WHERE active),
			(SELECT COUNT(*) FROM export_runs),
			(SELECT COUNT(*) FROM export_runs WHERE status = 'completed'),
			(SELECT COUNT(*) FROM download_runs),
			(SELECT COUNT(*) FROM download_runs WHERE status = 'completed'),
			(SELECT COALESCE(SUM(files_count), 0)::BIGINT FROM download_runs WHERE status = 'completed'),
			(SELECT COALESCE(SUM(bytes_count), 0)::BIGINT FROM download_runs WHERE status = 'completed')`,
	).Scan(&out.Sources, &out.ActiveSources, &out.Exports, &out.CompletedExports,
		&out.Downloads, &out.CompletedDownloads, &out.Files, &out.Bytes)
	return out, err
}
