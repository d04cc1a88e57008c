// Package classify maps push transport failures onto failure kinds.
package classify

import (
	"strings"

	"pushfanout/internal/push"
)

// Input is the normalized shape of a transport failure.
// StatusCode is zero when no HTTP response was received.
type Input struct {
	StatusCode int
	Code       string
}

// Result is a classified failure.
type Result struct {
	Kind         push.FailureKind
	StatusCode   int
	DeadEndpoint bool
	Retryable    bool
}

// Transient transport codes treated as timeouts.
var timeoutCodes = map[string]struct{}{
	"ETIMEDOUT":       {},
	"ESOCKETTIMEDOUT": {},
	"ECONNRESET":      {},
	"EAI_AGAIN":       {},
	"ENOTFOUND":       {},
}

// Classify applies the failure rules in priority order. It never fails;
// an empty Input is unknown.
func Classify(in Input) Result {
	status := in.StatusCode
	code := strings.ToUpper(strings.TrimSpace(in.Code))

	switch {
	case status == 404 || status == 410:
		return Result{Kind: push.FailureDeadEndpoint, StatusCode: status, DeadEndpoint: true}
	case status == 401 || status == 403:
		return Result{Kind: push.FailureAuth, StatusCode: status}
	case isTimeoutCode(code) || status == 408:
		return Result{Kind: push.FailureTimeout, StatusCode: status, Retryable: true}
	case strings.HasPrefix(code, "ECONN") || status >= 500 || status == 429:
		return Result{Kind: push.FailureNetwork, StatusCode: status, Retryable: true}
	default:
		return Result{Kind: push.FailureUnknown, StatusCode: status}
	}
}

func isTimeoutCode(code string) bool {
	_, ok := timeoutCodes[code]
	return ok
}

// Internal is the result recorded when a send crashed instead of failing.
func Internal() Result {
	return Result{Kind: push.FailureInternal}
}
