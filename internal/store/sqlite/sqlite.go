// Package sqlite implements the subscription and delivery gate stores on an
// embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pushfanout/internal/apperrors"
	"pushfanout/internal/gate"
	"pushfanout/internal/push"
)

//go:embed schema.sql
var schema string

const timeLayout = time.RFC3339Nano

// Config holds database settings.
type Config struct {
	Path        string        // file path or ":memory:"
	BusyTimeout time.Duration // default: 5s
}

// Store is backed by a single-connection database/sql handle.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens the database and applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path, cfg.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; also keeps ":memory:" on a single database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Pragmas run on connect, so a bad setting surfaces here.
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}

	s := &Store{db: db, logger: slog.With("component", "sqlite_store")}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// dsn attaches the connection pragmas so every new connection gets them.
func dsn(path string, busyTimeout time.Duration) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join([]string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", busyTimeout.Milliseconds()),
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
	}, "&")
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ready pings the database.
func (s *Store) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) FindActive(ctx context.Context, role push.Role, scopeID int64) ([]push.Subscription, error) {
	q := fmt.Sprintf(`
SELECT endpoint, auth, p256dh
FROM push_subscriptions
WHERE role = ? AND %s = ? AND invalidated_at IS NULL
ORDER BY id`, role.Column())

	rows, err := s.db.QueryContext(ctx, q, string(role), scopeID)
	if err != nil {
		return nil, apperrors.Internal("sqlite.findActive", err)
	}
	defer rows.Close()

	var subs []push.Subscription
	for rows.Next() {
		var sub push.Subscription
		if err := rows.Scan(&sub.Endpoint, &sub.Auth, &sub.P256dh); err != nil {
			return nil, apperrors.Internal("sqlite.findActive", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("sqlite.findActive", err)
	}
	return subs, nil
}

func (s *Store) InvalidateEndpoints(ctx context.Context, role push.Role, scopeID int64, batches []push.InvalidationBatch, at time.Time) (int64, error) {
	if len(batches) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperrors.Internal("sqlite.invalidateEndpoints", err)
	}
	defer tx.Rollback()

	stamp := at.UTC().Format(timeLayout)
	var changed int64
	for _, b := range batches {
		if len(b.Endpoints) == 0 {
			continue
		}
		q := fmt.Sprintf(`
UPDATE push_subscriptions
SET invalidated_at = ?, last_failure_status = ?, updated_at = ?
WHERE role = ? AND %s = ? AND endpoint IN (%s)`, role.Column(), placeholders(len(b.Endpoints)))

		args := make([]any, 0, 5+len(b.Endpoints))
		args = append(args, stamp, b.StatusCode, stamp, string(role), scopeID)
		for _, e := range b.Endpoints {
			args = append(args, e)
		}
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, apperrors.Internal("sqlite.invalidateEndpoints", err)
		}
		n, _ := res.RowsAffected()
		changed += n
	}

	if err := tx.Commit(); err != nil {
		return 0, apperrors.Internal("sqlite.invalidateEndpoints", err)
	}
	return changed, nil
}

// SaveSubscription registers an endpoint for role and target. Re-registering
// an endpoint refreshes its keys and clears any invalidation.
func (s *Store) SaveSubscription(ctx context.Context, role push.Role, target push.Target, sub push.Subscription) error {
	scoped := push.TargetFor(role, target.ScopeID(role))
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO push_subscriptions (role, order_id, pharmacy_id, rider_id, endpoint, auth, p256dh, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (role, order_id, pharmacy_id, rider_id, endpoint) DO UPDATE
SET auth = excluded.auth,
    p256dh = excluded.p256dh,
    invalidated_at = NULL,
    last_failure_status = NULL,
    updated_at = excluded.updated_at`,
		string(role), scoped.OrderID, scoped.PharmacyID, scoped.RiderID, sub.Endpoint, sub.Auth, sub.P256dh, now, now,
	)
	if err != nil {
		return apperrors.Internal("sqlite.saveSubscription", err)
	}
	return nil
}

func (s *Store) InsertIfAbsent(ctx context.Context, key push.GateKey, createdAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO push_deliveries (event_key, role, scope_id, status, created_at)
VALUES (?, ?, ?, ?, ?)`,
		key.EventKey, string(key.Role), key.ScopeID, string(push.StatusPending), createdAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return false, gateErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) UpdateStatus(ctx context.Context, key push.GateKey, status push.DeliveryStatus, errorType *string, deliveredAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE push_deliveries
SET status = ?, error_type = ?, delivered_at = ?
WHERE event_key = ? AND role = ? AND scope_id = ?`,
		string(status), errorType, deliveredAt.UTC().Format(timeLayout), key.EventKey, string(key.Role), key.ScopeID,
	)
	if err != nil {
		return gateErr(err)
	}
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, key push.GateKey) (*push.DeliveryRecord, error) {
	var (
		rec         push.DeliveryRecord
		role        string
		status      string
		errorType   sql.NullString
		deliveredAt sql.NullString
		createdAt   string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT event_key, role, scope_id, status, error_type, delivered_at, created_at
FROM push_deliveries
WHERE event_key = ? AND role = ? AND scope_id = ?`,
		key.EventKey, string(key.Role), key.ScopeID,
	).Scan(&rec.EventKey, &role, &rec.ScopeID, &status, &errorType, &deliveredAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("delivery", key.EventKey)
		}
		return nil, gateErr(err)
	}

	rec.Role = push.Role(role)
	rec.Status = push.DeliveryStatus(status)
	if errorType.Valid {
		rec.ErrorType = &errorType.String
	}
	if deliveredAt.Valid {
		if t, err := time.Parse(timeLayout, deliveredAt.String); err == nil {
			rec.DeliveredAt = &t
		}
	}
	rec.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &rec, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// gateErr maps a missing table to gate.ErrStoreMissing.
func gateErr(err error) error {
	if err != nil && strings.Contains(err.Error(), "no such table") {
		return fmt.Errorf("%w: %v", gate.ErrStoreMissing, err)
	}
	return err
}
