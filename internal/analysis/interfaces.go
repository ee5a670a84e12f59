package analysis

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by job store implementations.
var (
	// ErrJobNotFound is returned for unknown job IDs.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobTerminal is returned when a mutation reaches a job that already
	// finished. First writer wins on terminal state.
	ErrJobTerminal = errors.New("job already terminal")
	// ErrJobNotCompleted is returned when results are requested before the
	// job reaches the completed state.
	ErrJobNotCompleted = errors.New("job not completed")
)

// AnalysisFunc runs the external per-URL scoring pipeline for one target.
// Implementations should honor ctx cancellation; the engine also races a
// per-target timeout against the call.
type AnalysisFunc func(ctx context.Context, target string, cfg AnalysisConfig) (Result, error)

// JobStore holds all jobs keyed by ID and serializes per-job mutations.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	// MarkRunning promotes a pending job and stamps StartedAt.
	MarkRunning(ctx context.Context, id string, startedAt time.Time) error
	// RecordTarget appends the target outcome, bumps CompletedCount and
	// recomputes Progress. Either result or errRec may be nil. It fails with
	// ErrJobTerminal once the job has finished.
	RecordTarget(ctx context.Context, id string, result *Result, errRec *ErrorRecord) (Job, error)
	// Finish transitions the job to a terminal status exactly once. The
	// returned bool is false when another writer already finished the job.
	Finish(ctx context.Context, id string, status JobStatus, errText string, finishedAt time.Time) (Job, bool, error)
	CountsByStatus(ctx context.Context) (map[JobStatus]int, error)
	// DeleteTerminalBefore purges terminal jobs that finished before cutoff
	// and reports how many were removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Publisher pushes job completion payloads to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
