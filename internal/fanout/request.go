package fanout

import (
	"bytes"
	"encoding/json"

	"pushfanout/internal/apperrors"
	"pushfanout/internal/push"
)

// Request is one fan-out: a serialized payload for every subscription in a
// role's recipient scope.
type Request struct {
	Label    string      `json:"label"`
	Role     push.Role   `json:"role"`
	EventKey string      `json:"eventKey"`
	Target   push.Target `json:"target"`
	Payload  Payload     `json:"payload"`

	// Subscriptions is the pre-fetched subscriber list. When nil, Deliver
	// loads the active subscriptions from the store.
	Subscriptions []push.Subscription `json:"subscriptions,omitempty"`

	TTL     int    `json:"ttl,omitempty"`
	Urgency string `json:"urgency,omitempty"`
	Topic   string `json:"topic,omitempty"`
}

var validUrgency = map[string]struct{}{
	"very-low": {},
	"low":      {},
	"normal":   {},
	"high":     {},
}

// Validate checks the request before any side effect.
func (r *Request) Validate() error {
	if _, err := push.ParseRole(string(r.Role)); err != nil {
		return apperrors.Validation("role", "role must be one of customer, pharm, rider")
	}
	if r.EventKey == "" {
		return apperrors.Validation("eventKey", "eventKey is required")
	}
	if r.Target.ScopeID(r.Role) <= 0 {
		return apperrors.Validation("target", "target "+string(r.Role.Column())+" is required for role "+string(r.Role))
	}
	if len(r.Payload) == 0 {
		return apperrors.Validation("payload", "payload is required")
	}
	if r.TTL < 0 {
		return apperrors.Validation("ttl", "ttl must not be negative")
	}
	if r.Urgency != "" {
		if _, ok := validUrgency[r.Urgency]; !ok {
			return apperrors.Validation("urgency", "urgency must be one of very-low, low, normal, high")
		}
	}
	return nil
}

// Payload is an already-serialized notification body. In JSON it is either
// an object (sent verbatim) or a string (sent as its contents).
type Payload []byte

// UnmarshalJSON accepts a JSON string or any other JSON value.
func (p *Payload) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*p = nil
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*p = Payload(s)
		return nil
	}
	*p = append((*p)[:0], trimmed...)
	return nil
}

// MarshalJSON emits valid JSON payloads verbatim and anything else as a string.
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	if json.Valid(p) && p[0] != '"' {
		return []byte(p), nil
	}
	return json.Marshal(string(p))
}
