// Package scheduler implements the job orchestration engine: admission of
// submitted batches under a global concurrency cap and the per-job runner
// that drives guarded target analysis.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitegauge/sitegauge/internal/analysis"
	"github.com/sitegauge/sitegauge/internal/clock/system"
	"github.com/sitegauge/sitegauge/internal/events"
	"github.com/sitegauge/sitegauge/internal/id/uuid"
	"github.com/sitegauge/sitegauge/internal/metrics"
	"github.com/sitegauge/sitegauge/internal/resilience"
)

// Config controls engine behavior.
type Config struct {
	MaxConcurrentJobs int
	TargetTimeout     time.Duration
	Retry             resilience.RetryConfig
	BreakerThreshold  int
	BreakerWindow     time.Duration
	Degrade           resilience.DegradePolicy
	CleanupAge        time.Duration
	CleanupInterval   time.Duration
}

const (
	defaultMaxConcurrentJobs = 5
	defaultTargetTimeout     = 30 * time.Second
	defaultCleanupAge        = 24 * time.Hour
)

func (c Config) withDefaults() Config {
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = defaultMaxConcurrentJobs
	}
	if c.TargetTimeout <= 0 {
		c.TargetTimeout = defaultTargetTimeout
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = resilience.DefaultRetryConfig()
	}
	if c.Degrade == (resilience.DegradePolicy{}) {
		c.Degrade = resilience.DefaultDegradePolicy()
	}
	if c.CleanupAge <= 0 {
		c.CleanupAge = defaultCleanupAge
	}
	return c
}

// Deps carries the collaborators injected into the Scheduler. Store and
// Analyze are required; everything else gets a sensible default.
type Deps struct {
	Store    analysis.JobStore
	Analyze  analysis.AnalysisFunc
	Bus      *events.Bus
	Breaker  *resilience.Breaker
	Registry *metrics.Registry
	IDGen    analysis.IDGenerator
	Clock    analysis.Clock
	Logger   *zap.Logger
}

// Scheduler owns the job map, the pending FIFO and the running set. At most
// MaxConcurrentJobs runners execute at once; each runner processes its
// targets strictly sequentially.
type Scheduler struct {
	cfg      Config
	store    analysis.JobStore
	analyze  analysis.AnalysisFunc
	bus      *events.Bus
	breaker  *resilience.Breaker
	registry *metrics.Registry
	idGen    analysis.IDGenerator
	clock    analysis.Clock
	logger   *zap.Logger

	mu      sync.Mutex
	pending []string
	running map[string]context.CancelFunc
	closed  bool

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Scheduler and starts its cleanup loop when an interval is
// configured.
func New(deps Deps, cfg Config) (*Scheduler, error) {
	if deps.Store == nil {
		return nil, errors.New("scheduler requires a job store")
	}
	if deps.Analyze == nil {
		return nil, errors.New("scheduler requires an analysis function")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Degrade.Validate(); err != nil {
		return nil, fmt.Errorf("degrade policy: %w", err)
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus(deps.Logger)
	}
	if deps.Breaker == nil {
		deps.Breaker = resilience.NewBreaker(cfg.BreakerThreshold, cfg.BreakerWindow)
	}
	if deps.Registry == nil {
		deps.Registry = metrics.NewRegistry()
	}
	if deps.IDGen == nil {
		deps.IDGen = uuid.NewGenerator()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	s := &Scheduler{
		cfg:      cfg,
		store:    deps.Store,
		analyze:  deps.Analyze,
		bus:      deps.Bus,
		breaker:  deps.Breaker,
		registry: deps.Registry,
		idGen:    deps.IDGen,
		clock:    deps.Clock,
		logger:   deps.Logger,
		running:  make(map[string]context.CancelFunc),
		stopCh:   make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		go s.cleanupLoop()
	}
	return s, nil
}

// Bus exposes the event bus for observer registration.
func (s *Scheduler) Bus() *events.Bus {
	return s.bus
}

// On registers an observer for one event kind.
func (s *Scheduler) On(kind events.Kind, h events.Handler) {
	s.bus.On(kind, h)
}

// Submit creates a pending job for the targets and enqueues it. It returns
// the job ID synchronously and never blocks on execution.
func (s *Scheduler) Submit(ctx context.Context, targets []string, cfg analysis.AnalysisConfig) (string, error) {
	if len(targets) == 0 {
		return "", errors.New("at least one target required")
	}
	id, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	job := analysis.Job{
		ID:          id,
		Targets:     append([]string(nil), targets...),
		Config:      cfg,
		Status:      analysis.JobStatusPending,
		TotalCount:  len(targets),
		SubmittedAt: s.clock.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errors.New("scheduler is shut down")
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	s.pending = append(s.pending, id)
	s.promoteLocked()
	return id, nil
}

// promoteLocked admits pending jobs while capacity is free. It is idempotent
// and runs after every Submit and every terminal transition. Caller holds mu.
func (s *Scheduler) promoteLocked() {
	for len(s.running) < s.cfg.MaxConcurrentJobs && len(s.pending) > 0 {
		id := s.pending[0]
		s.pending = s.pending[1:]
		if err := s.store.MarkRunning(context.Background(), id, s.clock.Now()); err != nil {
			// Cancelled while pending, or gone; skip to the next one.
			continue
		}
		runCtx, cancel := context.WithCancel(context.Background())
		s.running[id] = cancel
		s.wg.Add(1)
		go s.runJob(runCtx, id)
	}
}

func (s *Scheduler) onJobDone(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.running[id]; ok {
		cancel()
		delete(s.running, id)
	}
	s.promoteLocked()
}

// Status returns the caller-facing view of a job.
func (s *Scheduler) Status(ctx context.Context, id string) (analysis.StatusSnapshot, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return analysis.StatusSnapshot{}, err
	}
	return job.Snapshot(), nil
}

// Results returns the ordered result list for a completed job.
func (s *Scheduler) Results(ctx context.Context, id string) ([]analysis.Result, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != analysis.JobStatusCompleted {
		return nil, fmt.Errorf("%w: status is %s", analysis.ErrJobNotCompleted, job.Status)
	}
	return job.Results, nil
}

// Cancel stops a pending or running job. The transition is recorded first so
// the runner's next write loses the race; an in-flight target analysis is
// not forcibly interrupted beyond context cancellation. Cancelling a job
// that already finished is a no-op that still reports true, a contract
// callers have come to rely on; only unknown IDs report false.
func (s *Scheduler) Cancel(ctx context.Context, id string) bool {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return false
	}
	if job.Status.Terminal() {
		return true
	}

	now := s.clock.Now()
	final, won, err := s.store.Finish(ctx, id, analysis.JobStatusFailed, "job cancelled by caller", now)
	if err != nil || !won {
		return true
	}

	s.mu.Lock()
	if cancel, ok := s.running[id]; ok {
		cancel()
	}
	s.pending = removeID(s.pending, id)
	s.mu.Unlock()

	var dur time.Duration
	if final.StartedAt != nil {
		dur = now.Sub(*final.StartedAt)
	}
	s.bus.Publish(events.Event{
		Kind:           events.KindJobCancelled,
		JobID:          id,
		TS:             now,
		Progress:       final.Progress,
		CompletedCount: final.CompletedCount,
		TotalCount:     final.TotalCount,
		Dur:            dur,
		Note:           "job cancelled by caller",
	})
	s.logger.Info("job cancelled", zap.String("job_id", id))
	return true
}

// Stats reports queue depth plus aggregated error metrics.
type Stats struct {
	TotalJobs     int              `json:"total_jobs"`
	PendingJobs   int              `json:"pending_jobs"`
	RunningJobs   int              `json:"running_jobs"`
	CompletedJobs int              `json:"completed_jobs"`
	FailedJobs    int              `json:"failed_jobs"`
	ErrorMetrics  metrics.Snapshot `json:"error_metrics"`
}

// Stats snapshots the engine counters.
func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.store.CountsByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count jobs: %w", err)
	}
	stats := Stats{
		PendingJobs:   counts[analysis.JobStatusPending],
		RunningJobs:   counts[analysis.JobStatusRunning],
		CompletedJobs: counts[analysis.JobStatusCompleted],
		FailedJobs:    counts[analysis.JobStatusFailed],
		ErrorMetrics:  s.registry.Snapshot(),
	}
	stats.TotalJobs = stats.PendingJobs + stats.RunningJobs + stats.CompletedJobs + stats.FailedJobs
	return stats, nil
}

// Close stops admission and the cleanup loop, then waits for running jobs.
func (s *Scheduler) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler close wait: %w", ctx.Err())
	}
}

func (s *Scheduler) cleanupLoop() {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			cutoff := s.clock.Now().Add(-s.cfg.CleanupAge)
			removed, err := s.store.DeleteTerminalBefore(context.Background(), cutoff)
			if err != nil {
				s.logger.Warn("job cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				s.logger.Info("purged terminal jobs", zap.Int("removed", removed))
			}
		}
	}
}

func removeID(ids []string, id string) []string {
	for i, candidate := range ids {
		if candidate == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
