package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sitegauge/sitegauge/internal/analysis"
	"github.com/sitegauge/sitegauge/internal/events"
	"github.com/sitegauge/sitegauge/internal/faults"
	"github.com/sitegauge/sitegauge/internal/resilience"
	"github.com/sitegauge/sitegauge/internal/storage/memory"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) handle(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) ofKind(kind events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, evt := range r.events {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}

func (r *eventRecorder) count(kind events.Kind) int {
	return len(r.ofKind(kind))
}

// fastRetry keeps tests quick while still exercising the retry path.
func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func newTestScheduler(t *testing.T, analyze analysis.AnalysisFunc, cfg Config) (*Scheduler, *eventRecorder) {
	t.Helper()
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = fastRetry()
	}
	s, err := New(Deps{
		Store:   memory.NewJobStore(),
		Analyze: analyze,
		Logger:  zap.NewNop(),
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})

	rec := &eventRecorder{}
	s.Bus().OnAll(rec.handle)
	return s, rec
}

func okAnalyze(_ context.Context, target string, _ analysis.AnalysisConfig) (analysis.Result, error) {
	return analysis.Result{Target: target, Score: 90, StatusCode: 200}, nil
}

func waitForStatus(t *testing.T, s *Scheduler, id string, want analysis.JobStatus) analysis.StatusSnapshot {
	t.Helper()
	var snap analysis.StatusSnapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = s.Status(context.Background(), id)
		return err == nil && snap.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return snap
}

func TestScheduler_New_RequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{Analyze: okAnalyze}, Config{})
	require.Error(t, err)

	_, err = New(Deps{Store: memory.NewJobStore()}, Config{})
	require.Error(t, err)
}

func TestScheduler_Submit_RejectsEmptyTargets(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, okAnalyze, Config{})
	_, err := s.Submit(context.Background(), nil, analysis.AnalysisConfig{})
	require.Error(t, err)
}

func TestScheduler_Submit_RunsJobToCompletion(t *testing.T) {
	t.Parallel()

	s, rec := newTestScheduler(t, okAnalyze, Config{})

	id, err := s.Submit(context.Background(), []string{"https://a.example", "https://b.example"}, analysis.AnalysisConfig{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	snap := waitForStatus(t, s, id, analysis.JobStatusCompleted)
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, 2, snap.CompletedCount)
	assert.Equal(t, 2, snap.TotalCount)
	assert.Empty(t, snap.LastError)

	results, err := s.Results(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "https://a.example", results[0].Target)
	assert.Equal(t, "https://b.example", results[1].Target)

	require.Eventually(t, func() bool {
		return rec.count(events.KindJobCompleted) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.count(events.KindJobStarted))
	assert.Equal(t, 2, rec.count(events.KindJobProgress))
}

func TestScheduler_ProgressEventsAreMonotonicAndOrdered(t *testing.T) {
	t.Parallel()

	s, rec := newTestScheduler(t, okAnalyze, Config{})

	targets := []string{"https://a.example", "https://b.example", "https://c.example"}
	id, err := s.Submit(context.Background(), targets, analysis.AnalysisConfig{})
	require.NoError(t, err)

	waitForStatus(t, s, id, analysis.JobStatusCompleted)

	progress := rec.ofKind(events.KindJobProgress)
	require.Len(t, progress, 3)
	assert.Equal(t, []int{33, 67, 100}, []int{progress[0].Progress, progress[1].Progress, progress[2].Progress})
	for i, evt := range progress {
		assert.Equal(t, targets[i], evt.Target)
		assert.Equal(t, events.OutcomeOK, evt.Outcome)
	}
}

func TestScheduler_QueueDepth_RespectsMaxConcurrentJobs(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	analyze := func(ctx context.Context, target string, _ analysis.AnalysisConfig) (analysis.Result, error) {
		select {
		case <-gate:
			return analysis.Result{Target: target, Score: 50}, nil
		case <-ctx.Done():
			return analysis.Result{}, ctx.Err()
		}
	}

	s, _ := newTestScheduler(t, analyze, Config{MaxConcurrentJobs: 1})

	first, err := s.Submit(context.Background(), []string{"https://a.example"}, analysis.AnalysisConfig{})
	require.NoError(t, err)
	second, err := s.Submit(context.Background(), []string{"https://b.example"}, analysis.AnalysisConfig{})
	require.NoError(t, err)

	waitForStatus(t, s, first, analysis.JobStatusRunning)
	snap, err := s.Status(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, analysis.JobStatusPending, snap.Status)

	close(gate)

	waitForStatus(t, s, first, analysis.JobStatusCompleted)
	waitForStatus(t, s, second, analysis.JobStatusCompleted)
}

func TestScheduler_Cancel_RunningJob(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	var once sync.Once
	analyze := func(ctx context.Context, target string, _ analysis.AnalysisConfig) (analysis.Result, error) {
		if target == "https://fast.example" {
			return analysis.Result{Target: target, Score: 75}, nil
		}
		once.Do(func() { close(started) })
		<-ctx.Done()
		return analysis.Result{}, ctx.Err()
	}

	s, rec := newTestScheduler(t, analyze, Config{MaxConcurrentJobs: 1})

	id, err := s.Submit(context.Background(), []string{"https://a.example", "https://b.example"}, analysis.AnalysisConfig{})
	require.NoError(t, err)
	<-started

	require.True(t, s.Cancel(context.Background(), id))

	snap := waitForStatus(t, s, id, analysis.JobStatusFailed)
	assert.Equal(t, "job cancelled by caller", snap.LastError)

	require.Eventually(t, func() bool {
		return rec.count(events.KindJobCancelled) == 1
	}, time.Second, 5*time.Millisecond)

	// With one slot, the next job can only complete once the cancelled
	// runner unwound and released capacity. No progress events may surface
	// for the cancelled job afterwards.
	replacement, err := s.Submit(context.Background(), []string{"https://fast.example"}, analysis.AnalysisConfig{})
	require.NoError(t, err)
	waitForStatus(t, s, replacement, analysis.JobStatusCompleted)
	for _, evt := range rec.ofKind(events.KindJobProgress) {
		assert.NotEqual(t, id, evt.JobID)
	}
	for _, evt := range rec.ofKind(events.KindJobCompleted) {
		assert.Equal(t, replacement, evt.JobID)
	}
}

func TestScheduler_Cancel_PendingJobNeverRuns(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	analyze := func(ctx context.Context, target string, _ analysis.AnalysisConfig) (analysis.Result, error) {
		select {
		case <-gate:
			return analysis.Result{Target: target}, nil
		case <-ctx.Done():
			return analysis.Result{}, ctx.Err()
		}
	}

	s, rec := newTestScheduler(t, analyze, Config{MaxConcurrentJobs: 1})

	blocker, err := s.Submit(context.Background(), []string{"https://a.example"}, analysis.AnalysisConfig{})
	require.NoError(t, err)
	queued, err := s.Submit(context.Background(), []string{"https://b.example"}, analysis.AnalysisConfig{})
	require.NoError(t, err)

	waitForStatus(t, s, blocker, analysis.JobStatusRunning)
	require.True(t, s.Cancel(context.Background(), queued))

	snap, err := s.Status(context.Background(), queued)
	require.NoError(t, err)
	assert.Equal(t, analysis.JobStatusFailed, snap.Status)

	close(gate)
	waitForStatus(t, s, blocker, analysis.JobStatusCompleted)

	for _, evt := range rec.ofKind(events.KindJobStarted) {
		assert.NotEqual(t, queued, evt.JobID)
	}
}

func TestScheduler_Cancel_TerminalJobIsNoOpTrue(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, okAnalyze, Config{})

	id, err := s.Submit(context.Background(), []string{"https://a.example"}, analysis.AnalysisConfig{})
	require.NoError(t, err)
	waitForStatus(t, s, id, analysis.JobStatusCompleted)

	assert.True(t, s.Cancel(context.Background(), id))

	snap, err := s.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, analysis.JobStatusCompleted, snap.Status)
}

func TestScheduler_Cancel_UnknownJobIsFalse(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, okAnalyze, Config{})
	assert.False(t, s.Cancel(context.Background(), "no-such-job"))
}

func TestScheduler_MixedBatch_DegradesDNSFailure(t *testing.T) {
	t.Parallel()

	analyze := func(_ context.Context, target string, _ analysis.AnalysisConfig) (analysis.Result, error) {
		if target == "https://broken.example" {
			return analysis.Result{}, errors.New("lookup broken.example: ENOTFOUND")
		}
		return analysis.Result{Target: target, Score: 80}, nil
	}

	s, rec := newTestScheduler(t, analyze, Config{Retry: resilience.RetryConfig{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	}})

	targets := []string{"https://a.example", "https://broken.example", "https://c.example"}
	id, err := s.Submit(context.Background(), targets, analysis.AnalysisConfig{})
	require.NoError(t, err)

	snap := waitForStatus(t, s, id, analysis.JobStatusCompleted)
	assert.Equal(t, 3, snap.TotalCount)
	assert.Equal(t, 3, snap.CompletedCount)
	require.Len(t, snap.Errors, 1)
	assert.Equal(t, faults.ClassNetwork, snap.Errors[0].Class)
	assert.Equal(t, faults.CodeDNSFailure, snap.Errors[0].Code)
	assert.Equal(t, "https://broken.example", snap.Errors[0].Target)
	assert.Equal(t, 2, snap.Errors[0].Attempts)

	results, err := s.Results(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[1].Partial)
	assert.Zero(t, results[1].Score)
	assert.Equal(t, faults.CodeDNSFailure, results[1].ErrorCode)

	progress := rec.ofKind(events.KindJobProgress)
	require.Len(t, progress, 3)
	assert.Equal(t, events.OutcomePartial, progress[1].Outcome)
}

func TestScheduler_AllTargetsFail_StillCompletes(t *testing.T) {
	t.Parallel()

	analyze := func(_ context.Context, _ string, _ analysis.AnalysisConfig) (analysis.Result, error) {
		return analysis.Result{}, errors.New("invalid html: unclosed tag")
	}

	s, _ := newTestScheduler(t, analyze, Config{})

	id, err := s.Submit(context.Background(), []string{"https://a.example", "https://b.example"}, analysis.AnalysisConfig{})
	require.NoError(t, err)

	snap := waitForStatus(t, s, id, analysis.JobStatusCompleted)
	require.Len(t, snap.Errors, 2)
	for _, errRec := range snap.Errors {
		assert.Equal(t, faults.ClassParsing, errRec.Class)
	}
}

func TestScheduler_NonRetryableError_SingleAttempt(t *testing.T) {
	t.Parallel()

	var calls int32
	var mu sync.Mutex
	analyze := func(_ context.Context, _ string, _ analysis.AnalysisConfig) (analysis.Result, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return analysis.Result{}, errors.New("HTTP 404 not found")
	}

	s, _ := newTestScheduler(t, analyze, Config{})

	id, err := s.Submit(context.Background(), []string{"https://gone.example"}, analysis.AnalysisConfig{})
	require.NoError(t, err)

	snap := waitForStatus(t, s, id, analysis.JobStatusCompleted)
	require.Len(t, snap.Errors, 1)
	assert.Equal(t, 1, snap.Errors[0].Attempts)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(1), calls)
}

func TestScheduler_CircuitOpen_FailsFastWithoutInvokingAnalysis(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := map[string]int{}
	analyze := func(_ context.Context, target string, _ analysis.AnalysisConfig) (analysis.Result, error) {
		mu.Lock()
		calls[target]++
		mu.Unlock()
		return analysis.Result{}, errors.New("connection refused")
	}

	s, _ := newTestScheduler(t, analyze, Config{
		BreakerThreshold: 2,
		BreakerWindow:    time.Minute,
		Retry: resilience.RetryConfig{
			MaxAttempts: 1,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Millisecond,
		},
	})

	targets := []string{
		"https://flaky.example/one",
		"https://flaky.example/two",
		"https://flaky.example/three",
	}
	id, err := s.Submit(context.Background(), targets, analysis.AnalysisConfig{})
	require.NoError(t, err)

	snap := waitForStatus(t, s, id, analysis.JobStatusCompleted)
	require.Len(t, snap.Errors, 3)
	assert.Equal(t, faults.CodeConnectionRefused, snap.Errors[0].Code)
	assert.Equal(t, faults.CodeConnectionRefused, snap.Errors[1].Code)
	assert.Equal(t, faults.CodeCircuitOpen, snap.Errors[2].Code)
	assert.Equal(t, faults.ClassService, snap.Errors[2].Class)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls["https://flaky.example/three"])
}

func TestScheduler_TargetTimeout_Classified(t *testing.T) {
	t.Parallel()

	analyze := func(ctx context.Context, _ string, _ analysis.AnalysisConfig) (analysis.Result, error) {
		<-ctx.Done()
		return analysis.Result{}, ctx.Err()
	}

	s, _ := newTestScheduler(t, analyze, Config{
		TargetTimeout: 20 * time.Millisecond,
		Retry: resilience.RetryConfig{
			MaxAttempts: 1,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Millisecond,
		},
	})

	id, err := s.Submit(context.Background(), []string{"https://slow.example"}, analysis.AnalysisConfig{})
	require.NoError(t, err)

	snap := waitForStatus(t, s, id, analysis.JobStatusCompleted)
	require.Len(t, snap.Errors, 1)
	assert.Equal(t, faults.CodeTimeout, snap.Errors[0].Code)
	assert.Equal(t, faults.ClassNetwork, snap.Errors[0].Class)
}

func TestScheduler_PanicInAnalysisFailsJob(t *testing.T) {
	t.Parallel()

	analyze := func(_ context.Context, _ string, _ analysis.AnalysisConfig) (analysis.Result, error) {
		panic("selector table corrupted")
	}

	s, rec := newTestScheduler(t, analyze, Config{})

	id, err := s.Submit(context.Background(), []string{"https://a.example"}, analysis.AnalysisConfig{})
	require.NoError(t, err)

	snap := waitForStatus(t, s, id, analysis.JobStatusFailed)
	assert.Contains(t, snap.LastError, "internal error")
	assert.Contains(t, snap.LastError, "selector table corrupted")

	require.Eventually(t, func() bool {
		return rec.count(events.KindJobFailed) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_PanicInOneJobDoesNotStopOthers(t *testing.T) {
	t.Parallel()

	analyze := func(_ context.Context, target string, _ analysis.AnalysisConfig) (analysis.Result, error) {
		if target == "https://bad.example" {
			panic("nil scorer")
		}
		return analysis.Result{Target: target, Score: 80, StatusCode: 200}, nil
	}

	s, _ := newTestScheduler(t, analyze, Config{MaxConcurrentJobs: 1})

	badID, err := s.Submit(context.Background(), []string{"https://bad.example"}, analysis.AnalysisConfig{})
	require.NoError(t, err)
	goodID, err := s.Submit(context.Background(), []string{"https://good.example"}, analysis.AnalysisConfig{})
	require.NoError(t, err)

	waitForStatus(t, s, badID, analysis.JobStatusFailed)
	waitForStatus(t, s, goodID, analysis.JobStatusCompleted)
}

func TestScheduler_CancelBeforeRunnerStarts_EmitsNoStartedEvent(t *testing.T) {
	t.Parallel()

	s, rec := newTestScheduler(t, okAnalyze, Config{})

	// Reproduce the narrow window where Cancel lands after the job is
	// marked running but before the runner goroutine reads it.
	job := analysis.Job{
		ID:          "job-race",
		Targets:     []string{"https://a.example"},
		Status:      analysis.JobStatusPending,
		TotalCount:  1,
		SubmittedAt: time.Now(),
	}
	require.NoError(t, s.store.CreateJob(context.Background(), job))
	require.NoError(t, s.store.MarkRunning(context.Background(), job.ID, time.Now()))
	_, won, err := s.store.Finish(context.Background(), job.ID, analysis.JobStatusFailed, "job cancelled by caller", time.Now())
	require.NoError(t, err)
	require.True(t, won)

	s.wg.Add(1)
	s.runJob(context.Background(), job.ID)

	assert.Zero(t, rec.count(events.KindJobStarted))
	assert.Zero(t, rec.count(events.KindJobProgress))
	assert.Zero(t, rec.count(events.KindJobCompleted))
	assert.Zero(t, rec.count(events.KindJobFailed))

	snap, err := s.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, analysis.JobStatusFailed, snap.Status)
	assert.Equal(t, "job cancelled by caller", snap.LastError)
}

func TestScheduler_Results_RequireCompletedJob(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	analyze := func(ctx context.Context, target string, _ analysis.AnalysisConfig) (analysis.Result, error) {
		select {
		case <-gate:
			return analysis.Result{Target: target}, nil
		case <-ctx.Done():
			return analysis.Result{}, ctx.Err()
		}
	}

	s, _ := newTestScheduler(t, analyze, Config{})

	id, err := s.Submit(context.Background(), []string{"https://a.example"}, analysis.AnalysisConfig{})
	require.NoError(t, err)
	waitForStatus(t, s, id, analysis.JobStatusRunning)

	_, err = s.Results(context.Background(), id)
	require.ErrorIs(t, err, analysis.ErrJobNotCompleted)

	_, err = s.Results(context.Background(), "missing")
	require.ErrorIs(t, err, analysis.ErrJobNotFound)

	close(gate)
	waitForStatus(t, s, id, analysis.JobStatusCompleted)
	_, err = s.Results(context.Background(), id)
	require.NoError(t, err)
}

func TestScheduler_Stats_CountsAndErrorMetrics(t *testing.T) {
	t.Parallel()

	analyze := func(_ context.Context, target string, _ analysis.AnalysisConfig) (analysis.Result, error) {
		if target == "https://down.example" {
			return analysis.Result{}, errors.New("503 service unavailable")
		}
		return analysis.Result{Target: target, Score: 70}, nil
	}

	s, _ := newTestScheduler(t, analyze, Config{Retry: resilience.RetryConfig{
		MaxAttempts: 1,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
	}})

	good, err := s.Submit(context.Background(), []string{"https://up.example"}, analysis.AnalysisConfig{})
	require.NoError(t, err)
	bad, err := s.Submit(context.Background(), []string{"https://down.example"}, analysis.AnalysisConfig{})
	require.NoError(t, err)

	waitForStatus(t, s, good, analysis.JobStatusCompleted)
	waitForStatus(t, s, bad, analysis.JobStatusCompleted)

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.CompletedJobs)
	assert.Equal(t, 2, stats.TotalJobs)
	assert.Equal(t, int64(1), stats.ErrorMetrics.TotalErrors)
	assert.Equal(t, int64(1), stats.ErrorMetrics.ErrorsByCode[faults.CodeServiceUnavailable])
}

func TestScheduler_Close_RejectsNewSubmissions(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, okAnalyze, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))

	_, err := s.Submit(context.Background(), []string{"https://a.example"}, analysis.AnalysisConfig{})
	require.Error(t, err)
}

func TestScheduler_ConcurrentSubmissions(t *testing.T) {
	t.Parallel()

	s, rec := newTestScheduler(t, okAnalyze, Config{MaxConcurrentJobs: 3})

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.Submit(context.Background(),
				[]string{fmt.Sprintf("https://site-%d.example", i)}, analysis.AnalysisConfig{})
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		waitForStatus(t, s, id, analysis.JobStatusCompleted)
	}
	require.Eventually(t, func() bool {
		return rec.count(events.KindJobCompleted) == 10
	}, 2*time.Second, 5*time.Millisecond)
}
