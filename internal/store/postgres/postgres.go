// Package postgres implements the subscription and delivery gate stores on
// PostgreSQL.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pushfanout/internal/apperrors"
	"pushfanout/internal/gate"
	"pushfanout/internal/push"
)

//go:embed schema.sql
var schema string

const (
	codeUndefinedTable  = "42P01"
	codeUniqueViolation = "23505"
)

// Config holds connection settings.
type Config struct {
	URL      string
	MaxConns int32 // 0 keeps the pgxpool default
}

// Store is backed by a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects and pings the database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.New("database url is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(pool), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: slog.With("component", "postgres_store"),
	}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	s.logger.Info("Schema applied")
	return nil
}

// Ready pings the database.
func (s *Store) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// scopeColumn is always one of the fixed push.Scope* identifiers.
func scopeColumn(role push.Role) string {
	return string(role.Column())
}

// FindActive returns subscriptions for role and scope that have not been
// invalidated.
func (s *Store) FindActive(ctx context.Context, role push.Role, scopeID int64) ([]push.Subscription, error) {
	q := fmt.Sprintf(`
SELECT endpoint, auth, p256dh
FROM push_subscriptions
WHERE role = $1 AND %s = $2 AND invalidated_at IS NULL
ORDER BY id`, scopeColumn(role))

	rows, err := s.pool.Query(ctx, q, string(role), scopeID)
	if err != nil {
		return nil, apperrors.Internal("postgres.findActive", err)
	}
	subs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (push.Subscription, error) {
		var sub push.Subscription
		err := row.Scan(&sub.Endpoint, &sub.Auth, &sub.P256dh)
		return sub, err
	})
	if err != nil {
		return nil, apperrors.Internal("postgres.findActive", err)
	}
	return subs, nil
}

// InvalidateEndpoints marks every batch's endpoints dead in one transaction.
func (s *Store) InvalidateEndpoints(ctx context.Context, role push.Role, scopeID int64, batches []push.InvalidationBatch, at time.Time) (int64, error) {
	if len(batches) == 0 {
		return 0, nil
	}
	q := fmt.Sprintf(`
UPDATE push_subscriptions
SET invalidated_at = $1, last_failure_status = $2, updated_at = $1
WHERE role = $3 AND %s = $4 AND endpoint = ANY($5)`, scopeColumn(role))

	var changed int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, b := range batches {
			batch.Queue(q, at, b.StatusCode, string(role), scopeID, b.Endpoints)
		}
		results := tx.SendBatch(ctx, batch)
		for range batches {
			tag, err := results.Exec()
			if err != nil {
				results.Close()
				return err
			}
			changed += tag.RowsAffected()
		}
		return results.Close()
	})
	if err != nil {
		return 0, apperrors.Internal("postgres.invalidateEndpoints", err)
	}
	return changed, nil
}

// SaveSubscription registers an endpoint for role and target. Re-registering
// an endpoint refreshes its keys and clears any invalidation.
func (s *Store) SaveSubscription(ctx context.Context, role push.Role, target push.Target, sub push.Subscription) error {
	scoped := push.TargetFor(role, target.ScopeID(role))
	const q = `
INSERT INTO push_subscriptions (role, order_id, pharmacy_id, rider_id, endpoint, auth, p256dh)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (role, order_id, pharmacy_id, rider_id, endpoint) DO UPDATE
SET auth = EXCLUDED.auth,
    p256dh = EXCLUDED.p256dh,
    invalidated_at = NULL,
    last_failure_status = NULL,
    updated_at = now()`

	_, err := s.pool.Exec(ctx, q, string(role), scoped.OrderID, scoped.PharmacyID, scoped.RiderID, sub.Endpoint, sub.Auth, sub.P256dh)
	if err != nil {
		return apperrors.Internal("postgres.saveSubscription", err)
	}
	return nil
}

// InsertIfAbsent creates a pending delivery record. It reports false when
// the record already exists.
func (s *Store) InsertIfAbsent(ctx context.Context, key push.GateKey, createdAt time.Time) (bool, error) {
	const q = `
INSERT INTO push_deliveries (event_key, role, scope_id, status, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT DO NOTHING`

	tag, err := s.pool.Exec(ctx, q, key.EventKey, string(key.Role), key.ScopeID, string(push.StatusPending), createdAt)
	if err != nil {
		if hasCode(err, codeUniqueViolation) {
			return false, nil
		}
		return false, gateErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateStatus sets the terminal status of a delivery record.
func (s *Store) UpdateStatus(ctx context.Context, key push.GateKey, status push.DeliveryStatus, errorType *string, deliveredAt time.Time) error {
	const q = `
UPDATE push_deliveries
SET status = $4, error_type = $5, delivered_at = $6
WHERE event_key = $1 AND role = $2 AND scope_id = $3`

	if _, err := s.pool.Exec(ctx, q, key.EventKey, string(key.Role), key.ScopeID, string(status), errorType, deliveredAt); err != nil {
		return gateErr(err)
	}
	return nil
}

// GetDelivery returns the delivery record for key.
func (s *Store) GetDelivery(ctx context.Context, key push.GateKey) (*push.DeliveryRecord, error) {
	const q = `
SELECT event_key, role, scope_id, status, error_type, delivered_at, created_at
FROM push_deliveries
WHERE event_key = $1 AND role = $2 AND scope_id = $3`

	var (
		rec    push.DeliveryRecord
		role   string
		status string
	)
	err := s.pool.QueryRow(ctx, q, key.EventKey, string(key.Role), key.ScopeID).Scan(
		&rec.EventKey,
		&role,
		&rec.ScopeID,
		&status,
		&rec.ErrorType,
		&rec.DeliveredAt,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("delivery", key.EventKey)
		}
		return nil, gateErr(err)
	}
	rec.Role = push.Role(role)
	rec.Status = push.DeliveryStatus(status)
	return &rec, nil
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// gateErr maps a missing table to gate.ErrStoreMissing.
func gateErr(err error) error {
	if hasCode(err, codeUndefinedTable) {
		return fmt.Errorf("%w: %v", gate.ErrStoreMissing, err)
	}
	return err
}
