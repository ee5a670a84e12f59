// Package metrics aggregates error counts and rates for observability and
// alert-worthiness decisions.
package metrics

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sitegauge/sitegauge/internal/faults"
)

// Severity grades how alarming a failure is.
type Severity string

// Severity levels, most alarming first.
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

const (
	defaultAlertRatePerMinute = 5.0
	rateWindow                = time.Hour
	classCountAlertThreshold  = 10
)

// Registry tracks process-wide error statistics. It is shared by all
// concurrently running job runners; all methods are safe for concurrent use.
// Construct one per engine and inject it, never share via package state.
type Registry struct {
	alertRatePerMinute float64
	now                func() time.Time

	mu         sync.Mutex
	total      int64
	byClass    map[string]int64
	byCode     map[string]int64
	byService  map[string]int64
	timestamps []time.Time
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithAlertRate overrides the errors/minute alert threshold.
func WithAlertRate(perMinute float64) RegistryOption {
	return func(r *Registry) {
		if perMinute > 0 {
			r.alertRatePerMinute = perMinute
		}
	}
}

// WithRegistryClock overrides the time source, for tests.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry builds an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		alertRatePerMinute: defaultAlertRatePerMinute,
		now:                time.Now,
		byClass:            make(map[string]int64),
		byCode:             make(map[string]int64),
		byService:          make(map[string]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record accounts one classified failure attributed to a service label.
func (r *Registry) Record(classified *faults.Classified, service string) {
	if classified == nil {
		return
	}
	if service == "" {
		service = "unknown"
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.total++
	r.byClass[classified.Class.String()]++
	r.byCode[classified.Code]++
	r.byService[service]++
	r.timestamps = append(r.timestamps, now)
	r.prune(now)
}

// prune drops timestamps outside the rolling rate window. Caller holds mu.
func (r *Registry) prune(now time.Time) {
	cutoff := now.Add(-rateWindow)
	idx := 0
	for idx < len(r.timestamps) && r.timestamps[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		r.timestamps = append(r.timestamps[:0], r.timestamps[idx:]...)
	}
}

// RatePerMinute returns the rolling error rate over the last hour.
func (r *Registry) RatePerMinute() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(r.now())
	return float64(len(r.timestamps)) / rateWindow.Minutes()
}

// Severity grades a classified failure using current registry counts.
// Authentication failures are always critical; classes that pile up, or
// outright service unavailability, are high; network and parsing failures
// are medium by default.
func (r *Registry) Severity(classified *faults.Classified) Severity {
	if classified == nil {
		return SeverityLow
	}
	if classified.Code == faults.CodeAuthentication {
		return SeverityCritical
	}

	r.mu.Lock()
	classCount := r.byClass[classified.Class.String()]
	r.mu.Unlock()

	if classCount > classCountAlertThreshold ||
		classified.Code == faults.CodeServiceUnavailable ||
		strings.Contains(strings.ToLower(classified.Error()), "service unavailable") {
		return SeverityHigh
	}
	switch classified.Class {
	case faults.ClassNetwork, faults.ClassParsing:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ShouldAlert reports whether the failure warrants operator attention:
// critical/high severity, or an error rate above the configured threshold.
func (r *Registry) ShouldAlert(classified *faults.Classified) bool {
	switch r.Severity(classified) {
	case SeverityCritical, SeverityHigh:
		return true
	}
	return r.RatePerMinute() > r.alertRatePerMinute
}

// Snapshot is a point-in-time copy of the registry counters.
type Snapshot struct {
	TotalErrors     int64            `json:"total_errors"`
	RatePerMinute   float64          `json:"rate_per_minute"`
	ErrorsByClass   map[string]int64 `json:"errors_by_class"`
	ErrorsByCode    map[string]int64 `json:"errors_by_code"`
	ErrorsByService map[string]int64 `json:"errors_by_service"`
}

// Snapshot copies the current counters.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(r.now())
	return Snapshot{
		TotalErrors:     r.total,
		RatePerMinute:   float64(len(r.timestamps)) / rateWindow.Minutes(),
		ErrorsByClass:   copyCounts(r.byClass),
		ErrorsByCode:    copyCounts(r.byCode),
		ErrorsByService: copyCounts(r.byService),
	}
}

func copyCounts(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// SanitizeSite extracts a lowercase hostname from a target URL for service
// labels and breaker keys. It returns "unknown" for unparseable input.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
