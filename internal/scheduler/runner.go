package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sitegauge/sitegauge/internal/analysis"
	"github.com/sitegauge/sitegauge/internal/events"
	"github.com/sitegauge/sitegauge/internal/faults"
	"github.com/sitegauge/sitegauge/internal/metrics"
	"github.com/sitegauge/sitegauge/internal/resilience"
)

// runJob drives one job from started to terminal. Targets are processed
// sequentially so progress events for a job arrive in order. A panic in the
// analysis function fails the job instead of taking the process down.
func (s *Scheduler) runJob(ctx context.Context, jobID string) {
	defer s.wg.Done()
	defer s.onJobDone(jobID)

	start := s.clock.Now()

	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		note := fmt.Sprintf("internal error: %v", rec)
		now := s.clock.Now()
		final, won, err := s.store.Finish(context.Background(), jobID, analysis.JobStatusFailed, note, now)
		s.logger.Error("job runner panicked",
			zap.String("job_id", jobID),
			zap.Any("panic", rec),
		)
		if err != nil || !won {
			return
		}
		s.bus.Publish(events.Event{
			Kind:           events.KindJobFailed,
			JobID:          jobID,
			TS:             now,
			Progress:       final.Progress,
			CompletedCount: final.CompletedCount,
			TotalCount:     final.TotalCount,
			Dur:            now.Sub(start),
			Note:           note,
		})
	}()

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Error("runner lost its job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if job.Status.Terminal() {
		// Cancelled between promotion and this first read. The cancelling
		// side already published the terminal event; a started event now
		// would land after it and confuse every ordered consumer.
		s.logger.Info("job finished before runner started", zap.String("job_id", jobID))
		return
	}

	s.bus.Publish(events.Event{
		Kind:       events.KindJobStarted,
		JobID:      jobID,
		TS:         start,
		TotalCount: job.TotalCount,
	})
	s.logger.Info("job started",
		zap.String("job_id", jobID),
		zap.Int("targets", job.TotalCount),
	)

	for _, target := range job.Targets {
		if ctx.Err() != nil {
			// Cancelled; the cancelling side already finished the job.
			return
		}
		result, errRec := s.processTarget(ctx, job, target)
		if result == nil && errRec == nil {
			// Cancelled mid-target; nothing to record.
			return
		}
		updated, err := s.store.RecordTarget(context.Background(), jobID, result, errRec)
		if err != nil {
			// Terminal transition won elsewhere; this outcome is discarded.
			return
		}
		s.bus.Publish(events.Event{
			Kind:           events.KindJobProgress,
			JobID:          jobID,
			TS:             s.clock.Now(),
			Progress:       updated.Progress,
			CompletedCount: updated.CompletedCount,
			TotalCount:     updated.TotalCount,
			Target:         target,
			Outcome:        outcomeFor(result, errRec),
		})
	}

	now := s.clock.Now()
	final, won, err := s.store.Finish(context.Background(), jobID, analysis.JobStatusCompleted, "", now)
	if err != nil || !won {
		return
	}
	s.bus.Publish(events.Event{
		Kind:           events.KindJobCompleted,
		JobID:          jobID,
		TS:             now,
		Progress:       final.Progress,
		CompletedCount: final.CompletedCount,
		TotalCount:     final.TotalCount,
		Dur:            now.Sub(start),
	})
	s.logger.Info("job completed",
		zap.String("job_id", jobID),
		zap.Int("targets", final.TotalCount),
		zap.Duration("runtime", now.Sub(start)),
	)
}

// processTarget runs one target through the breaker, the retry executor and,
// on failure, classification and degradation. It returns a result, an error
// record, or both (a degraded partial result keeps its error record). Both
// nil means the context was cancelled and nothing should be recorded.
func (s *Scheduler) processTarget(ctx context.Context, job analysis.Job, target string) (*analysis.Result, *analysis.ErrorRecord) {
	site := metrics.SanitizeSite(target)

	result, attempts, err := resilience.Guard(s.breaker, site, func() (analysis.Result, int, error) {
		return resilience.Execute(ctx, s.cfg.Retry, func() (analysis.Result, error) {
			return s.analyzeTarget(ctx, target, job.Config)
		})
	})
	if err == nil {
		if result.Target == "" {
			result.Target = target
		}
		return &result, nil
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)) {
		return nil, nil
	}

	classified := faults.Classify(err)
	now := s.clock.Now()
	rec := analysis.ErrorRecord{
		Class:      classified.Class,
		Code:       classified.Code,
		Target:     target,
		Message:    classified.Error(),
		Attempts:   attempts,
		OccurredAt: now,
	}

	s.registry.Record(classified, site)
	if s.registry.ShouldAlert(classified) {
		entry := faults.Lookup(classified.Code)
		s.logger.Warn("analysis failure crossed alert threshold",
			zap.String("job_id", job.ID),
			zap.String("target", target),
			zap.String("code", classified.Code),
			zap.String("class", classified.Class.String()),
			zap.String("severity", string(s.registry.Severity(classified))),
			zap.Strings("suggested_actions", entry.SuggestedActions),
		)
	} else {
		s.logger.Debug("target analysis failed",
			zap.String("job_id", job.ID),
			zap.String("target", target),
			zap.String("code", classified.Code),
			zap.Int("attempts", attempts),
		)
	}

	if partial, ok := s.cfg.Degrade.Degrade(target, site, classified, rec, now); ok {
		return &partial.Payload, &rec
	}
	return nil, &rec
}

// analyzeTarget applies the per-target timeout. The analysis function runs
// in its own goroutine so a function that ignores its context cannot stall
// the runner past the deadline. A panic inside the function is captured and
// rethrown on the runner goroutine, where runJob's recovery fails the job;
// left alone it would escape every recover and take the process down.
func (s *Scheduler) analyzeTarget(ctx context.Context, target string, cfg analysis.AnalysisConfig) (analysis.Result, error) {
	tctx, cancel := context.WithTimeout(ctx, s.cfg.TargetTimeout)
	defer cancel()

	type outcome struct {
		res      analysis.Result
		err      error
		panicked any
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- outcome{panicked: rec}
			}
		}()
		res, err := s.analyze(tctx, target, cfg)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case out := <-ch:
		if out.panicked != nil {
			panic(out.panicked)
		}
		return out.res, out.err
	case <-tctx.Done():
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return analysis.Result{}, fmt.Errorf("analysis of %s timed out after %s: %w",
				target, s.cfg.TargetTimeout, context.DeadlineExceeded)
		}
		return analysis.Result{}, tctx.Err()
	}
}

func outcomeFor(result *analysis.Result, errRec *analysis.ErrorRecord) events.TargetOutcome {
	switch {
	case result != nil && errRec != nil:
		return events.OutcomePartial
	case result != nil:
		return events.OutcomeOK
	default:
		return events.OutcomeFailed
	}
}
