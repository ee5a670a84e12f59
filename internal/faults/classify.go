// Package faults classifies raw analysis failures into a closed taxonomy
// with stable error codes used for troubleshooting lookup and circuit
// breaker bucketing.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// Class is the closed failure taxonomy.
type Class int

// Failure classes, ordered by severity of what was lost: a network failure
// means nothing was reachable, a parsing failure means the page was reached,
// a service failure means only third-party enrichment was lost.
const (
	ClassNetwork Class = iota
	ClassParsing
	ClassService
)

// String returns the stable class label.
func (c Class) String() string {
	switch c {
	case ClassNetwork:
		return "NetworkError"
	case ClassParsing:
		return "ParsingError"
	case ClassService:
		return "ServiceError"
	default:
		return "UnknownError"
	}
}

// MarshalText renders the class label for JSON payloads.
func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Stable error codes.
const (
	CodeTimeout            = "TIMEOUT"
	CodeDNSFailure         = "DNS_FAILURE"
	CodeConnectionRefused  = "CONNECTION_REFUSED"
	CodeInvalidHTML        = "INVALID_HTML"
	CodeMissingElement     = "MISSING_ELEMENT"
	CodeRateLimited        = "RATE_LIMITED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeAuthentication     = "AUTHENTICATION_ERROR"
	CodeCircuitOpen        = "CIRCUIT_OPEN"
	CodeNetworkUnknown     = "NETWORK_ERROR"
)

// HTTPCode renders the code for an HTTP status failure, e.g. HTTP_500.
func HTTPCode(status int) string {
	return "HTTP_" + strconv.Itoa(status)
}

// HTTPError is a structured HTTP status failure collaborators may return so
// classification does not depend on message phrasing.
type HTTPError struct {
	StatusCode int
	URL        string
}

// Error renders the failure with its status code.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d fetching %s", e.StatusCode, e.URL)
}

// Classified wraps a raw error with its class and stable code.
type Classified struct {
	Class Class
	Code  string
	Err   error
}

// Error renders the classification prefix plus the underlying message.
func (e *Classified) Error() string {
	return fmt.Sprintf("%s [%s]: %v", e.Class, e.Code, e.Err)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e *Classified) Unwrap() error {
	return e.Err
}

var httpStatusRe = regexp.MustCompile(`\b([45]\d{2})\b`)

// Classify maps a raw error to its class and stable code. Already-classified
// errors pass through unchanged.
func Classify(err error) *Classified {
	if err == nil {
		return nil
	}
	var classified *Classified
	if errors.As(err, &classified) {
		return classified
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Classified{Class: ClassNetwork, Code: CodeTimeout, Err: err}
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return classifyStatus(httpErr.StatusCode, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Classified{Class: ClassNetwork, Code: CodeDNSFailure, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Classified{Class: ClassNetwork, Code: CodeTimeout, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "circuit breaker open"):
		return &Classified{Class: ClassService, Code: CodeCircuitOpen, Err: err}
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "deadline exceeded"):
		return &Classified{Class: ClassNetwork, Code: CodeTimeout, Err: err}
	case strings.Contains(msg, "no such host") || strings.Contains(msg, "enotfound") ||
		strings.Contains(msg, "dns"):
		return &Classified{Class: ClassNetwork, Code: CodeDNSFailure, Err: err}
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "econnrefused") ||
		strings.Contains(msg, "connection reset"):
		return &Classified{Class: ClassNetwork, Code: CodeConnectionRefused, Err: err}
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return &Classified{Class: ClassService, Code: CodeRateLimited, Err: err}
	case strings.Contains(msg, "service unavailable"):
		return &Classified{Class: ClassService, Code: CodeServiceUnavailable, Err: err}
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "authentication"):
		return &Classified{Class: ClassService, Code: CodeAuthentication, Err: err}
	case strings.Contains(msg, "invalid html") || strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "unexpected eof") || strings.Contains(msg, "parse"):
		return &Classified{Class: ClassParsing, Code: CodeInvalidHTML, Err: err}
	case strings.Contains(msg, "missing element") || strings.Contains(msg, "selector") ||
		strings.Contains(msg, "no matching"):
		return &Classified{Class: ClassParsing, Code: CodeMissingElement, Err: err}
	}

	if m := httpStatusRe.FindStringSubmatch(msg); m != nil {
		status, _ := strconv.Atoi(m[1])
		return classifyStatus(status, err)
	}

	// Connectivity is the safest default for unrecognized failures.
	return &Classified{Class: ClassNetwork, Code: CodeNetworkUnknown, Err: err}
}

func classifyStatus(status int, err error) *Classified {
	switch {
	case status == 429:
		return &Classified{Class: ClassService, Code: CodeRateLimited, Err: err}
	case status == 503:
		return &Classified{Class: ClassService, Code: CodeServiceUnavailable, Err: err}
	case status == 401 || status == 403:
		return &Classified{Class: ClassService, Code: CodeAuthentication, Err: err}
	case status >= 400:
		return &Classified{Class: ClassNetwork, Code: HTTPCode(status), Err: err}
	default:
		return &Classified{Class: ClassNetwork, Code: CodeNetworkUnknown, Err: err}
	}
}
