package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_Table(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		wantClass Class
		wantCode  string
	}{
		{"deadline exceeded", context.DeadlineExceeded, ClassNetwork, CodeTimeout},
		{"timeout phrasing", errors.New("request timed out after 30s"), ClassNetwork, CodeTimeout},
		{"dns error type", &net.DNSError{Err: "no such host", Name: "example.invalid"}, ClassNetwork, CodeDNSFailure},
		{"enotfound phrasing", errors.New("getaddrinfo ENOTFOUND example"), ClassNetwork, CodeDNSFailure},
		{"connection refused", errors.New("dial tcp: connection refused"), ClassNetwork, CodeConnectionRefused},
		{"http 404", &HTTPError{StatusCode: 404, URL: "https://example.com/x"}, ClassNetwork, "HTTP_404"},
		{"http 500", &HTTPError{StatusCode: 500, URL: "https://example.com"}, ClassNetwork, "HTTP_500"},
		{"http 429", &HTTPError{StatusCode: 429, URL: "https://example.com"}, ClassService, CodeRateLimited},
		{"http 503", &HTTPError{StatusCode: 503, URL: "https://example.com"}, ClassService, CodeServiceUnavailable},
		{"http 401", &HTTPError{StatusCode: 401, URL: "https://example.com"}, ClassService, CodeAuthentication},
		{"http 403", &HTTPError{StatusCode: 403, URL: "https://example.com"}, ClassService, CodeAuthentication},
		{"status in message", errors.New("unexpected status 502 from origin"), ClassNetwork, "HTTP_502"},
		{"rate limit phrasing", errors.New("rate limit exceeded for key"), ClassService, CodeRateLimited},
		{"service unavailable phrasing", errors.New("upstream service unavailable"), ClassService, CodeServiceUnavailable},
		{"unauthorized phrasing", errors.New("401 unauthorized"), ClassService, CodeAuthentication},
		{"invalid html", errors.New("invalid HTML near byte 512"), ClassParsing, CodeInvalidHTML},
		{"missing element", errors.New("missing element #main-content"), ClassParsing, CodeMissingElement},
		{"circuit open", errors.New("circuit breaker open for example.com"), ClassService, CodeCircuitOpen},
		{"unknown", errors.New("something odd happened"), ClassNetwork, CodeNetworkUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tc.err)
			require.NotNil(t, got)
			assert.Equal(t, tc.wantClass, got.Class)
			assert.Equal(t, tc.wantCode, got.Code)
		})
	}
}

func TestClassify_Nil(t *testing.T) {
	t.Parallel()
	require.Nil(t, Classify(nil))
}

func TestClassify_PassThrough(t *testing.T) {
	t.Parallel()

	inner := &Classified{Class: ClassParsing, Code: CodeMissingElement, Err: errors.New("boom")}
	wrapped := fmt.Errorf("analyze target: %w", inner)
	got := Classify(wrapped)
	require.Same(t, inner, got)
}

func TestClassified_Unwrap(t *testing.T) {
	t.Parallel()

	base := errors.New("dial tcp: connection refused")
	classified := Classify(base)
	require.ErrorIs(t, classified, base)
	assert.Contains(t, classified.Error(), "NetworkError")
	assert.Contains(t, classified.Error(), CodeConnectionRefused)
}

func TestLookup(t *testing.T) {
	t.Parallel()

	entry := Lookup(CodeDNSFailure)
	assert.NotEmpty(t, entry.Message)
	assert.NotEmpty(t, entry.SuggestedActions)

	httpEntry := Lookup("HTTP_502")
	assert.Contains(t, httpEntry.Message, "HTTP_502")

	fallback := Lookup("NOT_A_CODE")
	assert.Equal(t, defaultTroubleshooting, fallback)
}
