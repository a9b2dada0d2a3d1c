package model

import (
	"errors"
	"strings"
	"time"
)

const (
	JobTypeSync     = "sync"
	JobTypeDownload = "download"

	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// JobTypes lists the schedulable job types in batch order.
var JobTypes = []string{JobTypeSync, JobTypeDownload}

func IsJobType(v string) bool {
	return v == JobTypeSync || v == JobTypeDownload
}

// Source is a tracked chat or channel.
//
// LastSuccessfulDownloadTimestamp is the checkpoint for incremental exports:
// the newest message time whose file is confirmed present on disk.
type Source struct {
	ID                              int64      `json:"id"`
	ExternalID                      string     `json:"external_id"`
	Name                            string     `json:"name"`
	Type                            string     `json:"type,omitempty"`
	Username                        string     `json:"username,omitempty"`
	FolderName                      string     `json:"folder_name,omitempty"`
	Active                          bool       `json:"active"`
	SyncEnabled                     bool       `json:"sync_enabled"`
	DownloadEnabled                 bool       `json:"download_enabled"`
	AddedAt                         time.Time  `json:"added_at"`
	LastCheckedAt                   *time.Time `json:"last_checked_at,omitempty"`
	LastSuccessfulDownloadTimestamp *int64     `json:"last_successful_download_timestamp,omitempty"`
}

func (s Source) Label() string {
	if strings.TrimSpace(s.Name) != "" {
		return s.Name
	}
	return s.ExternalID
}

// FolderOrID is the per-source directory name under the downloads base.
func (s Source) FolderOrID() string {
	if v := strings.TrimSpace(s.FolderName); v != "" {
		return v
	}
	return s.ExternalID
}

// ValidateFolderName accepts a single path segment or the empty string,
// which resets the folder to the external id.
func ValidateFolderName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	if name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return errors.New("folder name must be a single path segment")
	}
	return nil
}

func (s Source) EnabledFor(jobType string) bool {
	switch jobType {
	case JobTypeSync:
		return s.SyncEnabled
	case JobTypeDownload:
		return s.DownloadEnabled
	default:
		return false
	}
}

func (s *Source) SetEnabled(jobType string, enabled bool) {
	switch jobType {
	case JobTypeSync:
		s.SyncEnabled = enabled
	case JobTypeDownload:
		s.DownloadEnabled = enabled
	}
}

type ExportRun struct {
	ID              int64     `json:"id"`
	SourceID        int64     `json:"source_id"`
	StartTimestamp  int64     `json:"start_timestamp"`
	EndTimestamp    int64     `json:"end_timestamp"`
	ManifestPath    string    `json:"manifest_path"`
	Status          string    `json:"status"`
	MessageCount    int       `json:"message_count"`
	MediaCount      int       `json:"media_count"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// DownloadRun counts only files acquired by this run, never directory totals.
type DownloadRun struct {
	ID              int64     `json:"id"`
	ExportID        int64     `json:"export_id"`
	SourceID        int64     `json:"source_id"`
	Destination     string    `json:"destination"`
	Status          string    `json:"status"`
	FilesCount      int       `json:"files_count"`
	BytesCount      int64     `json:"bytes_count"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	DurationSeconds float64   `json:"duration_seconds"`
}

type Schedule struct {
	ID        int64      `json:"id"`
	SourceID  int64      `json:"source_id"`
	JobType   string     `json:"job_type"`
	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

// JobLog records one scheduled or manual job invocation.
type JobLog struct {
	ID              int64      `json:"id"`
	SourceID        int64      `json:"source_id"`
	JobType         string     `json:"job_type"`
	Trigger         string     `json:"trigger"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
	MessagesAdded   int        `json:"messages_added"`
	MediaFound      int        `json:"media_found"`
	FilesDownloaded int        `json:"files_downloaded"`
	BytesDownloaded int64      `json:"bytes_downloaded"`
	FilesSkipped    int        `json:"files_skipped"`
	ExportID        *int64     `json:"export_id,omitempty"`
	DownloadID      *int64     `json:"download_id,omitempty"`
	Error           string     `json:"error,omitempty"`
}

func Int64Ptr(v int64) *int64 {
	return &v
}

func TimePtr(t time.Time) *time.Time {
	return &t
}
