// Package gate implements the delivery gate: an idempotency record per
// (event key, role, scope) that lets a fan-out run at most once.
//
// The gate never blocks delivery. When its backing table is missing the gate
// switches itself off for the rest of the process and every reservation is
// let through untracked.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"pushfanout/internal/apperrors"
	"pushfanout/internal/push"
)

// ErrStoreMissing is returned by stores when the gate table does not exist.
var ErrStoreMissing = errors.New("delivery gate store missing")

// Store persists delivery gate records.
type Store interface {
	// InsertIfAbsent creates a pending record. It returns false without error
	// when a record for key already exists.
	InsertIfAbsent(ctx context.Context, key push.GateKey, createdAt time.Time) (bool, error)

	// UpdateStatus moves a record to a terminal status.
	UpdateStatus(ctx context.Context, key push.GateKey, status push.DeliveryStatus, errorType *string, deliveredAt time.Time) error

	// GetDelivery returns the record for key or an apperrors not found error.
	GetDelivery(ctx context.Context, key push.GateKey) (*push.DeliveryRecord, error)
}

// MetricsRecorder is an optional interface for recording gate metrics.
type MetricsRecorder interface {
	RecordGateDegraded(ctx context.Context)
}

// Availability tracks whether the gate store can be used.
// Share one value per engine; tests create their own.
type Availability struct {
	missing atomic.Bool
}

// NewAvailability returns an Availability that starts enabled.
func NewAvailability() *Availability {
	return &Availability{}
}

// Enabled reports whether the gate store is usable.
func (a *Availability) Enabled() bool {
	return !a.missing.Load()
}

// Disable switches the gate off. It returns true only for the call that
// performed the switch.
func (a *Availability) Disable() bool {
	return !a.missing.Swap(true)
}

// Reset re-enables the gate.
func (a *Availability) Reset() {
	a.missing.Store(false)
}

// Reservation is the result of Reserve.
type Reservation struct {
	TrackingEnabled bool
	Deduped         bool
}

// Gate reserves and finalizes delivery records.
type Gate struct {
	store        Store
	availability *Availability
	metrics      MetricsRecorder
	logger       *slog.Logger
	now          func() time.Time
}

// New creates a gate. metrics may be nil.
func New(store Store, availability *Availability, metrics MetricsRecorder) *Gate {
	if availability == nil {
		availability = NewAvailability()
	}
	return &Gate{
		store:        store,
		availability: availability,
		metrics:      metrics,
		logger:       slog.With("component", "delivery_gate"),
		now:          time.Now,
	}
}

// Availability returns the gate's availability switch.
func (g *Gate) Availability() *Availability {
	return g.availability
}

// Reserve inserts a pending record for key. A missing store disables
// tracking; an existing record reports Deduped. Other store errors are
// returned to the caller.
func (g *Gate) Reserve(ctx context.Context, key push.GateKey) (Reservation, error) {
	if !g.availability.Enabled() {
		return Reservation{}, nil
	}

	inserted, err := g.store.InsertIfAbsent(ctx, key, g.now())
	if err != nil {
		if errors.Is(err, ErrStoreMissing) {
			g.degrade(ctx, err)
			return Reservation{}, nil
		}
		return Reservation{}, fmt.Errorf("reserve delivery gate: %w", err)
	}

	if !inserted {
		return Reservation{TrackingEnabled: true, Deduped: true}, nil
	}
	return Reservation{TrackingEnabled: true}, nil
}

// Finalize records the terminal status of a reserved fan-out. Errors are
// logged and swallowed: by now the notifications have already gone out.
func (g *Gate) Finalize(ctx context.Context, key push.GateKey, res Reservation, status push.DeliveryStatus, failures map[push.FailureKind]int) {
	if !res.TrackingEnabled || res.Deduped {
		return
	}

	var errorType *string
	if status != push.StatusSent {
		if joined := ErrorType(failures); joined != "" {
			errorType = &joined
		}
	}

	err := g.store.UpdateStatus(ctx, key, status, errorType, g.now())
	if err == nil {
		return
	}
	if errors.Is(err, ErrStoreMissing) {
		g.degrade(ctx, err)
		return
	}
	g.logger.Warn("Failed to finalize delivery gate",
		"eventKey", key.EventKey,
		"role", key.Role,
		"scopeId", key.ScopeID,
		"status", status,
		"error", err,
	)
}

// Lookup returns the stored record for key.
func (g *Gate) Lookup(ctx context.Context, key push.GateKey) (*push.DeliveryRecord, error) {
	if !g.availability.Enabled() {
		return nil, apperrors.Unavailable("delivery gate", "delivery tracking is disabled")
	}

	rec, err := g.store.GetDelivery(ctx, key)
	if err != nil {
		if errors.Is(err, ErrStoreMissing) {
			g.degrade(ctx, err)
			return nil, apperrors.Unavailable("delivery gate", "delivery tracking is disabled")
		}
		return nil, err
	}
	return rec, nil
}

func (g *Gate) degrade(ctx context.Context, cause error) {
	if !g.availability.Disable() {
		return
	}
	if g.metrics != nil {
		g.metrics.RecordGateDegraded(ctx)
	}
	g.logger.Warn("Delivery gate store missing, dedupe disabled", "error", cause)
}

// ErrorType joins the observed failure kinds in sorted order.
func ErrorType(failures map[push.FailureKind]int) string {
	kinds := make([]string, 0, len(failures))
	for kind, n := range failures {
		if n > 0 {
			kinds = append(kinds, string(kind))
		}
	}
	slices.Sort(kinds)
	return strings.Join(kinds, ",")
}
