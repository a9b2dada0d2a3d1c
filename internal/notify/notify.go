// Package notify delivers job and batch results to external channels.
// Delivery is fire-and-forget: implementations log failures and never
// report them to the caller.
package notify

import (
	"context"
	"time"
)

const (
	PhaseStarted   = "started"
	PhaseCompleted = "completed"
	PhaseFailed    = "failed"
	PhaseSkipped   = "skipped"
)

// JobEvent describes one job at one point of its life.
type JobEvent struct {
	Phase      string        `json:"phase"`
	JobID      int64         `json:"job_id,omitempty"`
	SourceID   int64         `json:"source_id"`
	SourceName string        `json:"source_name,omitempty"`
	ExternalID string        `json:"external_id,omitempty"`
	JobType    string        `json:"job_type"`
	Trigger    string        `json:"trigger"`
	Batch      bool          `json:"batch,omitempty"`
	Messages   int           `json:"messages"`
	Media      int           `json:"media"`
	Files      int           `json:"files"`
	Bytes      int64         `json:"bytes"`
	Skipped    int           `json:"skipped"`
	Error      string        `json:"error,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	At         time.Time     `json:"at"`
}

// Failed reports whether the event closes a job that did not succeed.
func (e JobEvent) Failed() bool {
	return e.Phase == PhaseFailed
}

// BatchEvent summarizes one scheduled batch tick.
type BatchEvent struct {
	Sources  int           `json:"sources"`
	Jobs     int           `json:"jobs"`
	Failures int           `json:"failures"`
	Files    int           `json:"files"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration_ns"`
	Rows     []JobEvent    `json:"rows"`
	At       time.Time     `json:"at"`
}

type Notifier interface {
	NotifyJob(ctx context.Context, ev JobEvent)
	NotifyBatch(ctx context.Context, ev BatchEvent)
}

type Nop struct{}

func (Nop) NotifyJob(context.Context, JobEvent)     {}
func (Nop) NotifyBatch(context.Context, BatchEvent) {}

// Multi fans every event out to each notifier in order.
type Multi []Notifier

func (m Multi) NotifyJob(ctx context.Context, ev JobEvent) {
	for _, n := range m {
		if n != nil {
			n.NotifyJob(ctx, ev)
		}
	}
}

func (m Multi) NotifyBatch(ctx context.Context, ev BatchEvent) {
	for _, n := range m {
		if n != nil {
			n.NotifyBatch(ctx, ev)
		}
	}
}

// TruncateError caps an error message at max bytes.
func TruncateError(msg string, max int) string {
	if max <= 0 || len(msg) <= max {
		return msg
	}
	return msg[:max]
}
