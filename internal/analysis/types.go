// Package analysis defines core types shared across subsystems.
package analysis

import (
	"time"

	"github.com/sitegauge/sitegauge/internal/faults"
)

// JobStatus represents the lifecycle state of an analysis job.
type JobStatus string

// Job status values tracked by the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// AnalysisConfig carries per-job weighting and threshold knobs requested by
// the client. The engine passes it through to the analysis function untouched.
type AnalysisConfig struct {
	UserAgent  string             `json:"user_agent,omitempty"`
	Weights    map[string]float64 `json:"weights,omitempty"`
	Thresholds map[string]float64 `json:"thresholds,omitempty"`
	Tags       map[string]string  `json:"tags,omitempty"`
}

// Result is the per-target quality report accumulated on a job. Degraded
// targets still occupy a result slot, with Partial set and the check lists
// describing what could and could not run.
type Result struct {
	Target          string             `json:"target"`
	Score           float64            `json:"score"`
	StatusCode      int                `json:"status_code,omitempty"`
	BodyBytes       int64              `json:"body_bytes,omitempty"`
	DurationMs      int64              `json:"duration_ms,omitempty"`
	Checks          map[string]float64 `json:"checks,omitempty"`
	Partial         bool               `json:"partial,omitempty"`
	CompletedChecks []string           `json:"completed_checks,omitempty"`
	FailedChecks    []string           `json:"failed_checks,omitempty"`
	ErrorCode       string             `json:"error_code,omitempty"`
	AnalyzedAt      time.Time          `json:"analyzed_at"`
}

// PartialResult is a degraded best-effort outcome for one target. Only the
// degradation policy constructs these.
type PartialResult struct {
	CompletedChecks []string      `json:"completed_checks"`
	FailedChecks    []string      `json:"failed_checks"`
	Payload         Result        `json:"payload"`
	Errors          []ErrorRecord `json:"errors"`
}

// ErrorRecord captures one classified target failure. Records are owned by
// the job that produced them and are never shared across jobs.
type ErrorRecord struct {
	Class      faults.Class `json:"class"`
	Code       string       `json:"code"`
	Target     string       `json:"target"`
	Message    string       `json:"message"`
	Attempts   int          `json:"attempts"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// Job represents one batch submission and its aggregate state. Mutable fields
// are written by exactly one runner at a time; the store serializes access.
type Job struct {
	ID             string         `json:"id"`
	Targets        []string       `json:"targets"`
	Config         AnalysisConfig `json:"config"`
	Status         JobStatus      `json:"status"`
	Progress       int            `json:"progress"`
	CompletedCount int            `json:"completed_count"`
	TotalCount     int            `json:"total_count"`
	Results        []Result       `json:"results"`
	Errors         []ErrorRecord  `json:"errors,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	SubmittedAt    time.Time      `json:"submitted_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
}

// StatusSnapshot is the caller-facing view returned by status queries.
type StatusSnapshot struct {
	ID             string        `json:"id"`
	Status         JobStatus     `json:"status"`
	Progress       int           `json:"progress"`
	CompletedCount int           `json:"completed_count"`
	TotalCount     int           `json:"total_count"`
	Errors         []ErrorRecord `json:"errors,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
}

// Snapshot builds the caller-facing view of the job.
func (j Job) Snapshot() StatusSnapshot {
	return StatusSnapshot{
		ID:             j.ID,
		Status:         j.Status,
		Progress:       j.Progress,
		CompletedCount: j.CompletedCount,
		TotalCount:     j.TotalCount,
		Errors:         j.Errors,
		LastError:      j.LastError,
	}
}
