// Package subscription reads active push subscriptions and prunes dead ones.
package subscription

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"pushfanout/internal/push"
)

// Store is the subscription persistence used by the engine.
type Store interface {
	// FindActive returns subscriptions for role+scope that are not invalidated.
	FindActive(ctx context.Context, role push.Role, scopeID int64) ([]push.Subscription, error)

	// InvalidateEndpoints applies every batch in a single transaction and
	// returns the number of rows changed.
	InvalidateEndpoints(ctx context.Context, role push.Role, scopeID int64, batches []push.InvalidationBatch, at time.Time) (int64, error)
}

// DeadSet groups dead endpoints by the status code that killed them.
type DeadSet map[int]map[string]struct{}

// Add records endpoint as dead with status.
func (d DeadSet) Add(status int, endpoint string) {
	set, ok := d[status]
	if !ok {
		set = make(map[string]struct{})
		d[status] = set
	}
	set[endpoint] = struct{}{}
}

// Len returns the number of distinct (status, endpoint) entries.
func (d DeadSet) Len() int {
	n := 0
	for _, set := range d {
		n += len(set)
	}
	return n
}

// Batches returns one batch per status code, sorted for stable statements.
func (d DeadSet) Batches() []push.InvalidationBatch {
	batches := make([]push.InvalidationBatch, 0, len(d))
	for status, set := range d {
		if len(set) == 0 {
			continue
		}
		endpoints := make([]string, 0, len(set))
		for ep := range set {
			endpoints = append(endpoints, ep)
		}
		slices.Sort(endpoints)
		batches = append(batches, push.InvalidationBatch{StatusCode: status, Endpoints: endpoints})
	}
	slices.SortFunc(batches, func(a, b push.InvalidationBatch) int {
		return cmp.Compare(a.StatusCode, b.StatusCode)
	})
	return batches
}

// Invalidator marks dead endpoints inactive.
type Invalidator struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewInvalidator creates an invalidator backed by store.
func NewInvalidator(store Store) *Invalidator {
	return &Invalidator{
		store:  store,
		logger: slog.With("component", "invalidator"),
		now:    time.Now,
	}
}

// Invalidate stamps invalidated_at and last_failure_status on every dead
// endpoint within role+target. An empty set does nothing.
func (i *Invalidator) Invalidate(ctx context.Context, role push.Role, target push.Target, dead DeadSet) (int64, error) {
	batches := dead.Batches()
	if len(batches) == 0 {
		return 0, nil
	}

	n, err := i.store.InvalidateEndpoints(ctx, role, target.ScopeID(role), batches, i.now())
	if err != nil {
		return 0, fmt.Errorf("invalidate dead endpoints: %w", err)
	}

	i.logger.Info("Dead endpoints invalidated",
		"role", role,
		"scopeId", target.ScopeID(role),
		"statusCodes", len(batches),
		"endpoints", dead.Len(),
		"rows", n,
	)
	return n, nil
}

// Fetcher loads the active subscriber list for a fan-out.
type Fetcher struct {
	store  Store
	logger *slog.Logger
}

// NewFetcher creates a fetcher backed by store.
func NewFetcher(store Store) *Fetcher {
	return &Fetcher{
		store:  store,
		logger: slog.With("component", "subscriptions"),
	}
}

// FetchActive returns the active subscriptions for role+target, deduplicated
// by endpoint. label only tags the log line.
func (f *Fetcher) FetchActive(ctx context.Context, role push.Role, target push.Target, label string) ([]push.Subscription, error) {
	start := time.Now()

	rows, err := f.store.FindActive(ctx, role, target.ScopeID(role))
	if err != nil {
		return nil, fmt.Errorf("fetch active subscriptions: %w", err)
	}
	subs := push.DedupeByEndpoint(rows)

	f.logger.Info("Subscriptions fetched",
		"label", label,
		"role", role,
		"scopeId", target.ScopeID(role),
		"rawCount", len(rows),
		"dedupedCount", len(subs),
		"elapsedMs", time.Since(start).Milliseconds(),
	)
	return subs, nil
}
