package sinks

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sitegauge/sitegauge/internal/events"
)

// PrometheusSink exports engine progress metrics. It owns all collectors for
// jobs started/completed/running and per-outcome target counters.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec
	targetsTotal  *prometheus.CounterVec

	tracker *jobTracker
}

// jobTracker remembers which jobs were seen starting, so the running gauge
// is not decremented for jobs cancelled while still pending.
type jobTracker struct {
	mu   sync.Mutex
	jobs map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{jobs: make(map[string]struct{})}
}

func (t *jobTracker) start(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.jobs[jobID]; ok {
		return false
	}
	t.jobs[jobID] = struct{}{}
	return true
}

func (t *jobTracker) finish(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.jobs[jobID]; !ok {
		return false
	}
	delete(t.jobs, jobID)
	return true
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitegauge_jobs_started_total",
			Help: "Total jobs that have started.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitegauge_jobs_completed_total",
			Help: "Total jobs finished partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sitegauge_jobs_running",
			Help: "Current number of running jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitegauge_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		targetsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitegauge_targets_total",
			Help: "Targets processed partitioned by outcome.",
		}, []string{"outcome"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.targetsTotal,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register engine collector: %w", err)
		}
	}
	return s, nil
}

// Handle updates the collectors from one event. It is safe for concurrent
// use by multiple goroutines.
func (s *PrometheusSink) Handle(evt events.Event) {
	switch evt.Kind {
	case events.KindJobStarted:
		s.jobsStarted.Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case events.KindJobProgress:
		outcome := string(evt.Outcome)
		if outcome == "" {
			outcome = string(events.OutcomeOK)
		}
		s.targetsTotal.WithLabelValues(outcome).Inc()
	case events.KindJobCompleted:
		s.finish(evt, "completed")
	case events.KindJobFailed:
		s.finish(evt, "failed")
	case events.KindJobCancelled:
		s.finish(evt, "cancelled")
	}
}

func (s *PrometheusSink) finish(evt events.Event, result string) {
	s.jobsCompleted.WithLabelValues(result).Inc()
	if s.tracker.finish(evt.JobID) {
		s.jobsRunning.Dec()
	}
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}
