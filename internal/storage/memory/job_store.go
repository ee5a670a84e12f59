// Package memory provides the in-memory job store used by the engine.
package memory

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/sitegauge/sitegauge/internal/analysis"
)

// JobStore keeps all jobs in a mutex-guarded map. Each job's mutable fields
// are written by exactly one runner at a time; the map lock is the only
// synchronization needed. Reads return copies so callers never observe a
// job mid-mutation.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]analysis.Job
}

// NewJobStore constructs an empty JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]analysis.Job)}
}

// CreateJob stores a new job in pending state.
func (s *JobStore) CreateJob(_ context.Context, job analysis.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a copy of a job by ID.
func (s *JobStore) GetJob(_ context.Context, id string) (analysis.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return analysis.Job{}, analysis.ErrJobNotFound
	}
	return cloneJob(job), nil
}

// MarkRunning promotes a pending job and stamps StartedAt.
func (s *JobStore) MarkRunning(_ context.Context, id string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return analysis.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return analysis.ErrJobTerminal
	}
	job.Status = analysis.JobStatusRunning
	job.StartedAt = pointerTime(startedAt)
	s.jobs[id] = job
	return nil
}

// RecordTarget appends the outcome of one target, bumps CompletedCount and
// recomputes Progress. Either result or errRec may be nil. Once the job is
// terminal the write is rejected with ErrJobTerminal, which is how a cancel
// racing the runner stays first-writer-wins.
func (s *JobStore) RecordTarget(
	_ context.Context,
	id string,
	result *analysis.Result,
	errRec *analysis.ErrorRecord,
) (analysis.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return analysis.Job{}, analysis.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return analysis.Job{}, analysis.ErrJobTerminal
	}

	if result != nil {
		job.Results = append(job.Results, *result)
	}
	if errRec != nil {
		job.Errors = append(job.Errors, *errRec)
		job.LastError = errRec.Message
	}
	if job.CompletedCount < job.TotalCount {
		job.CompletedCount++
	}
	job.Progress = progressFor(job.CompletedCount, job.TotalCount)
	s.jobs[id] = job
	return cloneJob(job), nil
}

// Finish transitions the job to a terminal status exactly once.
func (s *JobStore) Finish(
	_ context.Context,
	id string,
	status analysis.JobStatus,
	errText string,
	finishedAt time.Time,
) (analysis.Job, bool, error) {
	if !status.Terminal() {
		return analysis.Job{}, false, errors.New("finish requires a terminal status")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return analysis.Job{}, false, analysis.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return cloneJob(job), false, nil
	}
	job.Status = status
	if errText != "" {
		job.LastError = errText
	}
	job.FinishedAt = pointerTime(finishedAt)
	s.jobs[id] = job
	return cloneJob(job), true, nil
}

// CountsByStatus tallies jobs per lifecycle state.
func (s *JobStore) CountsByStatus(_ context.Context) (map[analysis.JobStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[analysis.JobStatus]int, 4)
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

// DeleteTerminalBefore purges terminal jobs that finished before cutoff.
func (s *JobStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func progressFor(completed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(completed) / float64(total) * 100))
}

func cloneJob(job analysis.Job) analysis.Job {
	cp := job
	cp.Targets = append([]string(nil), job.Targets...)
	cp.Results = append([]analysis.Result(nil), job.Results...)
	cp.Errors = append([]analysis.ErrorRecord(nil), job.Errors...)
	return cp
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
