// Package events defines the typed job lifecycle events emitted by the
// engine and a synchronous in-process bus for observers.
package events

import (
	"errors"
	"fmt"
	"time"
)

// Kind denotes the lifecycle milestone represented by an Event.
type Kind string

// Supported event kinds. The set is closed; the bus rejects anything else.
const (
	KindJobStarted   Kind = "JOB_STARTED"
	KindJobProgress  Kind = "JOB_PROGRESS"
	KindJobCompleted Kind = "JOB_COMPLETED"
	KindJobFailed    Kind = "JOB_FAILED"
	KindJobCancelled Kind = "JOB_CANCELLED"
)

// TargetOutcome is the coarse per-target result carried on progress events.
type TargetOutcome string

// Supported target outcomes.
const (
	OutcomeOK      TargetOutcome = "ok"
	OutcomePartial TargetOutcome = "partial"
	OutcomeFailed  TargetOutcome = "failed"
)

// Event captures one job lifecycle milestone.
type Event struct {
	// Kind denotes which milestone occurred.
	Kind Kind
	// JobID identifies the job the event belongs to.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Progress is the 0-100 completion percentage at emission time.
	Progress int
	// CompletedCount and TotalCount mirror the job counters.
	CompletedCount int
	TotalCount     int
	// Target is the target just processed; progress events only.
	Target string
	// Outcome grades the target just processed; progress events only.
	Outcome TargetOutcome
	// Dur is the job wall time; terminal events only.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindJobStarted, KindJobCompleted, KindJobFailed, KindJobCancelled:
	case KindJobProgress:
		if e.Progress < 0 || e.Progress > 100 {
			return fmt.Errorf("progress %d out of range", e.Progress)
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
