package fanout

import (
	"pushfanout/internal/push"
)

// Outcome is how a fan-out ended.
type Outcome string

const (
	OutcomeSkipped       Outcome = "skipped"
	OutcomeDeduped       Outcome = "deduped"
	OutcomeSent          Outcome = Outcome(push.StatusSent)
	OutcomePartialFailed Outcome = Outcome(push.StatusPartialFailed)
	OutcomeFailed        Outcome = Outcome(push.StatusFailed)
)

// Report summarizes one fan-out. It carries the same fields as the
// completion log line.
type Report struct {
	RunID           string                   `json:"runId"`
	Label           string                   `json:"label"`
	Role            push.Role                `json:"role"`
	EventKey        string                   `json:"eventKey"`
	Outcome         Outcome                  `json:"outcome"`
	Subscriptions   int                      `json:"subscriptionCount"`
	Attempts        int                      `json:"sendAttempts"`
	Sent            int                      `json:"sentCount"`
	Failed          int                      `json:"failedCount"`
	Deduped         int                      `json:"dedupedCount"`
	DeadEndpoints   int                      `json:"deadEndpointCount"`
	Invalidated     int64                    `json:"invalidatedCount"`
	FailuresByKind  map[push.FailureKind]int `json:"failureByType,omitempty"`
	TrackingEnabled bool                     `json:"trackingEnabled"`
	ElapsedMs       int64                    `json:"elapsedMs"`
}
