package model

import "fmt"

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Export and download runs share one lifecycle.
var runTransitions = map[string]map[string]bool{
	"": {
		StatusPending: true,
	},
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusCompleted: {},
	StatusFailed:    {},
}

// Job logs are born running.
var jobTransitions = map[string]map[string]bool{
	"": {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusCompleted: {},
	StatusFailed:    {},
}

func IsKnownStatus(status string) bool {
	_, ok := runTransitions[status]
	return ok && status != ""
}

func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

func CanTransition(from, to string) bool {
	next, ok := runTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

func CanTransitionJob(from, to string) bool {
	next, ok := jobTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

func TransitionExportRun(run *ExportRun, to string, errMsg string) error {
	if !CanTransition(run.Status, to) {
		return fmt.Errorf("invalid export status transition: %q -> %q (export_id=%d source_id=%d)", run.Status, to, run.ID, run.SourceID)
	}
	run.Status = to
	run.Error = errMsg
	return nil
}

func TransitionDownloadRun(run *DownloadRun, to string, errMsg string) error {
	if !CanTransition(run.Status, to) {
		return fmt.Errorf("invalid download status transition: %q -> %q (download_id=%d export_id=%d)", run.Status, to, run.ID, run.ExportID)
	}
	run.Status = to
	run.Error = errMsg
	return nil
}

func TransitionJobLog(job *JobLog, to string, errMsg string) error {
	if !CanTransitionJob(job.Status, to) {
		return fmt.Errorf("invalid job status transition: %q -> %q (job_id=%d source_id=%d job_type=%s)", job.Status, to, job.ID, job.SourceID, job.JobType)
	}
	job.Status = to
	job.Error = errMsg
	return nil
}
