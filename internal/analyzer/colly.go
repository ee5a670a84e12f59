// Package analyzer provides the default page quality analysis backed by a
// Colly collector. One Analyzer is shared across jobs; every call clones the
// base collector so concurrent targets never share callback state.
package analyzer

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/sitegauge/sitegauge/internal/analysis"
	"github.com/sitegauge/sitegauge/internal/faults"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

const (
	defaultUserAgent = "sitegauge/1.0 (+https://github.com/sitegauge/sitegauge)"
	defaultTimeout   = 15 * time.Second

	// Check names reported on results.
	checkStatus       = "status"
	checkTitle        = "title"
	checkMetaDesc     = "meta-description"
	checkHeadings     = "headings"
	checkImageAlts    = "image-alts"
	checkResponseTime = "response-time"
	checkBodySize     = "body-size"
)

var defaultWeights = map[string]float64{
	checkStatus:       2,
	checkTitle:        1,
	checkMetaDesc:     1,
	checkHeadings:     1,
	checkImageAlts:    1,
	checkResponseTime: 1,
	checkBodySize:     1,
}

// Analyzer implements analysis.AnalysisFunc over HTTP using Colly.
type Analyzer struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds an Analyzer.
func New(cfg Config) *Analyzer {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Analyzer{cfg: cfg, baseCollector: c}
}

// pageFacts accumulates what the collector callbacks observed for one visit.
type pageFacts struct {
	statusCode  int
	bodyBytes   int64
	duration    time.Duration
	title       string
	metaDesc    string
	h1Count     int
	imgTotal    int
	imgWithAlt  int
	sawDocument bool
	fetchErr    error
}

// Analyze fetches the target and scores it. The signature matches
// analysis.AnalysisFunc so the Analyze method can be passed to the engine
// directly.
func (a *Analyzer) Analyze(ctx context.Context, target string, cfg analysis.AnalysisConfig) (analysis.Result, error) {
	start := time.Now()
	facts := &pageFacts{}

	collector := a.baseCollector.Clone()
	collector.UserAgent = a.cfg.UserAgent
	if cfg.UserAgent != "" {
		collector.UserAgent = cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(a.cfg.Timeout)

	collector.OnResponse(func(r *colly.Response) {
		facts.statusCode = r.StatusCode
		facts.bodyBytes = int64(len(r.Body))
		facts.duration = time.Since(start)
	})
	collector.OnHTML("html", func(*colly.HTMLElement) {
		facts.sawDocument = true
	})
	collector.OnHTML("head > title", func(e *colly.HTMLElement) {
		facts.title = strings.TrimSpace(e.Text)
	})
	collector.OnHTML(`meta[name="description"]`, func(e *colly.HTMLElement) {
		facts.metaDesc = strings.TrimSpace(e.Attr("content"))
	})
	collector.OnHTML("h1", func(*colly.HTMLElement) {
		facts.h1Count++
	})
	collector.OnHTML("img", func(e *colly.HTMLElement) {
		facts.imgTotal++
		if strings.TrimSpace(e.Attr("alt")) != "" {
			facts.imgWithAlt++
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			facts.statusCode = r.StatusCode
		}
		facts.fetchErr = err
	})

	visitErr := runCollector(ctx, collector, target)
	if ctx.Err() != nil {
		return analysis.Result{}, fmt.Errorf("fetch of %s canceled: %w", target, ctx.Err())
	}
	// A status failure beats the raw visit error so classification can rely
	// on the code instead of message phrasing.
	if facts.statusCode >= http.StatusBadRequest {
		return analysis.Result{}, &faults.HTTPError{StatusCode: facts.statusCode, URL: target}
	}
	if visitErr == nil {
		visitErr = facts.fetchErr
	}
	if visitErr != nil {
		return analysis.Result{}, fmt.Errorf("fetch %s: %w", target, visitErr)
	}
	if !facts.sawDocument {
		return analysis.Result{}, fmt.Errorf("invalid html: %s returned no parseable document", target)
	}

	return a.score(target, cfg, facts), nil
}

// runCollector runs the visit in its own goroutine so cancellation cannot be
// held up by a stalled transport.
func runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// score converts page facts into a weighted 0-100 result. Job-level weights
// override the defaults per check; unknown weight keys are ignored.
func (a *Analyzer) score(target string, cfg analysis.AnalysisConfig, facts *pageFacts) analysis.Result {
	checks := map[string]float64{
		checkStatus:       scoreStatus(facts.statusCode),
		checkTitle:        scoreTitle(facts.title),
		checkMetaDesc:     scoreMetaDescription(facts.metaDesc),
		checkHeadings:     scoreHeadings(facts.h1Count),
		checkImageAlts:    scoreImageAlts(facts.imgTotal, facts.imgWithAlt),
		checkResponseTime: scoreResponseTime(facts.duration, threshold(cfg, "response_time_ms", 2000)),
		checkBodySize:     scoreBodySize(facts.bodyBytes, int64(threshold(cfg, "min_body_bytes", 512))),
	}

	var weighted, totalWeight float64
	completed := make([]string, 0, len(checks))
	for name, score := range checks {
		weight := defaultWeights[name]
		if override, ok := cfg.Weights[name]; ok && override >= 0 {
			weight = override
		}
		weighted += score * weight
		totalWeight += weight
		completed = append(completed, name)
	}
	var total float64
	if totalWeight > 0 {
		total = weighted / totalWeight
	}

	return analysis.Result{
		Target:          target,
		Score:           total,
		StatusCode:      facts.statusCode,
		BodyBytes:       facts.bodyBytes,
		DurationMs:      facts.duration.Milliseconds(),
		Checks:          checks,
		CompletedChecks: completed,
		AnalyzedAt:      time.Now().UTC(),
	}
}

func threshold(cfg analysis.AnalysisConfig, key string, fallback float64) float64 {
	if v, ok := cfg.Thresholds[key]; ok && v > 0 {
		return v
	}
	return fallback
}

func scoreStatus(code int) float64 {
	switch {
	case code >= 200 && code < 300:
		return 100
	case code >= 300 && code < 400:
		return 50
	default:
		return 0
	}
}

func scoreTitle(title string) float64 {
	n := len(title)
	switch {
	case n == 0:
		return 0
	case n >= 10 && n <= 70:
		return 100
	default:
		return 60
	}
}

func scoreMetaDescription(desc string) float64 {
	n := len(desc)
	switch {
	case n == 0:
		return 0
	case n >= 50 && n <= 160:
		return 100
	default:
		return 60
	}
}

func scoreHeadings(h1Count int) float64 {
	switch h1Count {
	case 1:
		return 100
	case 0:
		return 0
	default:
		return 40
	}
}

func scoreImageAlts(total, withAlt int) float64 {
	if total == 0 {
		return 100
	}
	return 100 * float64(withAlt) / float64(total)
}

func scoreResponseTime(d time.Duration, thresholdMs float64) float64 {
	ms := float64(d.Milliseconds())
	if ms <= thresholdMs {
		return 100
	}
	if ms >= 2*thresholdMs {
		return 0
	}
	return 100 * (2*thresholdMs - ms) / thresholdMs
}

func scoreBodySize(bytes, minBytes int64) float64 {
	if bytes >= minBytes {
		return 100
	}
	if minBytes == 0 {
		return 100
	}
	return 100 * float64(bytes) / float64(minBytes)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
