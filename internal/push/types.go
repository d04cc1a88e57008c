// Package push defines the domain types shared by the fan-out engine and its stores.
package push

import (
	"fmt"
	"time"
)

// Role identifies which audience a subscription belongs to.
type Role string

const (
	RoleCustomer Role = "customer"
	RolePharmacy Role = "pharm"
	RoleRider    Role = "rider"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleCustomer, RolePharmacy, RoleRider:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// ScopeColumn is the subscription column that narrows a role to one recipient.
type ScopeColumn string

const (
	ScopeOrder    ScopeColumn = "order_id"
	ScopePharmacy ScopeColumn = "pharmacy_id"
	ScopeRider    ScopeColumn = "rider_id"
)

// Column returns the scope column used for this role.
func (r Role) Column() ScopeColumn {
	switch r {
	case RolePharmacy:
		return ScopePharmacy
	case RoleRider:
		return ScopeRider
	default:
		return ScopeOrder
	}
}

// Target identifies the recipient scope for one role.
// Only the id matching the role is read; zero means unset.
type Target struct {
	OrderID    int64 `json:"orderId,omitempty"`
	PharmacyID int64 `json:"pharmacyId,omitempty"`
	RiderID    int64 `json:"riderId,omitempty"`
}

// ScopeID returns the id that scopes the given role.
func (t Target) ScopeID(role Role) int64 {
	switch role.Column() {
	case ScopePharmacy:
		return t.PharmacyID
	case ScopeRider:
		return t.RiderID
	default:
		return t.OrderID
	}
}

// TargetFor builds a Target with the scope id for role set.
func TargetFor(role Role, id int64) Target {
	switch role.Column() {
	case ScopePharmacy:
		return Target{PharmacyID: id}
	case ScopeRider:
		return Target{RiderID: id}
	default:
		return Target{OrderID: id}
	}
}

// Subscription is one registered push endpoint.
type Subscription struct {
	Endpoint          string     `json:"endpoint"`
	Auth              string     `json:"auth"`
	P256dh            string     `json:"p256dh"`
	InvalidatedAt     *time.Time `json:"invalidatedAt,omitempty"`
	LastFailureStatus *int       `json:"lastFailureStatus,omitempty"`
}

// Active reports whether the subscription has not been invalidated.
func (s Subscription) Active() bool {
	return s.InvalidatedAt == nil
}

// DedupeByEndpoint keeps the first subscription for each endpoint and drops
// entries without an endpoint. Input order is preserved.
func DedupeByEndpoint(subs []Subscription) []Subscription {
	seen := make(map[string]struct{}, len(subs))
	out := make([]Subscription, 0, len(subs))
	for _, s := range subs {
		if s.Endpoint == "" {
			continue
		}
		if _, ok := seen[s.Endpoint]; ok {
			continue
		}
		seen[s.Endpoint] = struct{}{}
		out = append(out, s)
	}
	return out
}

// FailureKind labels why a send did not succeed.
type FailureKind string

const (
	FailureDeadEndpoint FailureKind = "dead_endpoint"
	FailureAuth         FailureKind = "auth_error"
	FailureTimeout      FailureKind = "timeout"
	FailureNetwork      FailureKind = "network"
	FailureUnknown      FailureKind = "unknown"
	FailureInternal     FailureKind = "internal"
)

// DeliveryStatus is the state of a delivery gate record.
type DeliveryStatus string

const (
	StatusPending       DeliveryStatus = "pending"
	StatusSent          DeliveryStatus = "sent"
	StatusFailed        DeliveryStatus = "failed"
	StatusPartialFailed DeliveryStatus = "partial_failed"
)

// GateKey identifies one delivery gate record.
type GateKey struct {
	EventKey string
	Role     Role
	ScopeID  int64
}

// KeyFor builds the gate key for an event sent to a role's target.
func KeyFor(eventKey string, role Role, target Target) GateKey {
	return GateKey{EventKey: eventKey, Role: role, ScopeID: target.ScopeID(role)}
}

// DeliveryRecord is the persisted state of a delivery gate entry.
type DeliveryRecord struct {
	EventKey    string         `json:"eventKey"`
	Role        Role           `json:"role"`
	ScopeID     int64          `json:"scopeId"`
	Status      DeliveryStatus `json:"status"`
	ErrorType   *string        `json:"errorType,omitempty"`
	DeliveredAt *time.Time     `json:"deliveredAt,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// InvalidationBatch marks every listed endpoint dead with one status code.
type InvalidationBatch struct {
	StatusCode int
	Endpoints  []string
}
