package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sitegauge/sitegauge/internal/analysis"
	"github.com/sitegauge/sitegauge/internal/faults"
)

// Check identifiers used in partial results.
const (
	CheckNetworkConnectivity = "network-connectivity"
	CheckBasicConnectivity   = "basic-connectivity"
	CheckHTMLParsing         = "html-parsing"
	CheckContentAnalysis     = "content-analysis"
)

// DegradePolicy converts unrecoverable classified failures into partial
// results. The per-class scores reflect how much of the analysis was still
// possible: nothing for network failures, connectivity only for parsing
// failures, everything local for service failures. The ordering
// Network < Parsing < Service must hold.
type DegradePolicy struct {
	NetworkScore float64
	ParsingScore float64
	ServiceScore float64
}

// DefaultDegradePolicy returns the stock partial-credit scores.
func DefaultDegradePolicy() DegradePolicy {
	return DegradePolicy{
		NetworkScore: 0,
		ParsingScore: 25,
		ServiceScore: 60,
	}
}

// Validate enforces the severity ordering of the partial-credit scores.
func (p DegradePolicy) Validate() error {
	if p.NetworkScore >= p.ParsingScore || p.ParsingScore >= p.ServiceScore {
		return fmt.Errorf("degrade scores must be ordered network < parsing < service, got %.0f/%.0f/%.0f",
			p.NetworkScore, p.ParsingScore, p.ServiceScore)
	}
	return nil
}

// Degrade builds a PartialResult for the classified failure. The service
// label scopes the failed API check for service-class failures. It returns
// ok=false when the failure cannot be degraded, which is only the case for
// cancellation: a cancelled target has no meaningful partial outcome.
func (p DegradePolicy) Degrade(
	target string,
	service string,
	classified *faults.Classified,
	rec analysis.ErrorRecord,
	now time.Time,
) (analysis.PartialResult, bool) {
	if classified == nil || errors.Is(classified, context.Canceled) {
		return analysis.PartialResult{}, false
	}

	var (
		score     float64
		completed []string
		failed    []string
	)
	switch classified.Class {
	case faults.ClassNetwork:
		score = p.NetworkScore
		completed = []string{}
		failed = []string{CheckNetworkConnectivity}
	case faults.ClassParsing:
		score = p.ParsingScore
		completed = []string{CheckBasicConnectivity}
		failed = []string{CheckHTMLParsing, CheckContentAnalysis}
	case faults.ClassService:
		score = p.ServiceScore
		completed = []string{CheckBasicConnectivity, CheckHTMLParsing}
		failed = []string{"api-" + service, CheckContentAnalysis}
	default:
		return analysis.PartialResult{}, false
	}

	partial := analysis.PartialResult{
		CompletedChecks: completed,
		FailedChecks:    failed,
		Errors:          []analysis.ErrorRecord{rec},
		Payload: analysis.Result{
			Target:          target,
			Score:           score,
			Partial:         true,
			CompletedChecks: completed,
			FailedChecks:    failed,
			ErrorCode:       classified.Code,
			AnalyzedAt:      now,
		},
	}
	return partial, true
}
