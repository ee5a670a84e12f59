package faults

import "strings"

// Troubleshooting is the static user-facing guidance attached to a code.
type Troubleshooting struct {
	Message          string   `json:"message"`
	LikelyCauses     []string `json:"likely_causes"`
	SuggestedActions []string `json:"suggested_actions"`
}

var troubleshootingTable = map[string]Troubleshooting{
	CodeTimeout: {
		Message:          "The site did not respond in time.",
		LikelyCauses:     []string{"slow origin server", "network congestion", "overly aggressive per-target timeout"},
		SuggestedActions: []string{"retry later", "verify the site loads in a browser", "raise the per-target timeout"},
	},
	CodeDNSFailure: {
		Message:          "The hostname could not be resolved.",
		LikelyCauses:     []string{"typo in the URL", "expired domain", "DNS propagation in progress"},
		SuggestedActions: []string{"check the URL spelling", "confirm the domain is registered and resolving"},
	},
	CodeConnectionRefused: {
		Message:          "The server refused the connection.",
		LikelyCauses:     []string{"web server down", "firewall blocking the request", "wrong port"},
		SuggestedActions: []string{"confirm the server is running", "check firewall rules"},
	},
	CodeInvalidHTML: {
		Message:          "The page markup could not be parsed.",
		LikelyCauses:     []string{"truncated response", "severely malformed HTML"},
		SuggestedActions: []string{"validate the page markup", "check for server-side rendering errors"},
	},
	CodeMissingElement: {
		Message:          "An expected page element was not found.",
		LikelyCauses:     []string{"page structure changed", "content rendered only by JavaScript"},
		SuggestedActions: []string{"review the page structure", "confirm content is present without JavaScript"},
	},
	CodeRateLimited: {
		Message:          "An upstream service is rate limiting requests.",
		LikelyCauses:     []string{"too many analyses in a short window", "shared quota exhausted"},
		SuggestedActions: []string{"wait before resubmitting", "reduce batch size"},
	},
	CodeServiceUnavailable: {
		Message:          "A dependent service is temporarily unavailable.",
		LikelyCauses:     []string{"upstream maintenance", "upstream outage"},
		SuggestedActions: []string{"retry later", "check the upstream status page"},
	},
	CodeAuthentication: {
		Message:          "Authentication with an upstream service failed.",
		LikelyCauses:     []string{"expired or revoked credentials", "missing API key"},
		SuggestedActions: []string{"rotate the credentials", "verify the configured API key"},
	},
	CodeCircuitOpen: {
		Message:          "Requests to this operation are paused after repeated failures.",
		LikelyCauses:     []string{"sustained upstream failures within the breaker window"},
		SuggestedActions: []string{"wait for the failure window to cool down", "investigate the underlying errors"},
	},
	CodeNetworkUnknown: {
		Message:          "The site could not be reached.",
		LikelyCauses:     []string{"transient network failure"},
		SuggestedActions: []string{"retry later", "verify the site loads in a browser"},
	},
}

var defaultTroubleshooting = Troubleshooting{
	Message:          "The analysis failed unexpectedly.",
	LikelyCauses:     []string{"unrecognized failure"},
	SuggestedActions: []string{"retry the job", "contact support with the error code"},
}

// Lookup returns the troubleshooting entry for a code. HTTP_<code> entries
// share one generic entry; unknown codes fall back to a default.
func Lookup(code string) Troubleshooting {
	if entry, ok := troubleshootingTable[code]; ok {
		return entry
	}
	if strings.HasPrefix(code, "HTTP_") {
		return Troubleshooting{
			Message:          "The server returned an error status (" + code + ").",
			LikelyCauses:     []string{"page removed or moved", "server-side error"},
			SuggestedActions: []string{"check the URL in a browser", "review the server logs"},
		}
	}
	return defaultTroubleshooting
}
