package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pushfanout/internal/apperrors"
	"pushfanout/internal/gate"
	"pushfanout/internal/push"
	"pushfanout/internal/subscription"
)

var (
	_ gate.Store         = (*Store)(nil)
	_ subscription.Store = (*Store)(nil)
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func save(t *testing.T, s *Store, role push.Role, target push.Target, endpoint string) {
	t.Helper()
	err := s.SaveSubscription(context.Background(), role, target, push.Subscription{Endpoint: endpoint, Auth: "auth", P256dh: "key"})
	if err != nil {
		t.Fatalf("SaveSubscription failed: %v", err)
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Error("Expected error for empty path")
	}
}

func TestOpen_CreatesFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "push.db")
	s, err := Open(context.Background(), Config{Path: path})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
	if err := s.Ready(context.Background()); err != nil {
		t.Errorf("Expected ready store, got %v", err)
	}
}

func TestOpen_PragmasSurviveReconnect(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "push.db")
	s, err := Open(context.Background(), Config{Path: path, BusyTimeout: 2500 * time.Millisecond})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	// Drop the idle connection so the next query dials a fresh one.
	s.db.SetMaxIdleConns(0)
	s.db.SetMaxIdleConns(1)

	var timeout int
	if err := s.db.QueryRowContext(context.Background(), "PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatalf("Read busy_timeout failed: %v", err)
	}
	if timeout != 2500 {
		t.Errorf("Expected busy_timeout 2500, got %d", timeout)
	}
	var mode string
	if err := s.db.QueryRowContext(context.Background(), "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("Read journal_mode failed: %v", err)
	}
	if mode != "wal" {
		t.Errorf("Expected journal_mode wal, got %q", mode)
	}
}

func TestDSN(t *testing.T) {
	t.Parallel()
	tests := []struct {
		path   string
		prefix string
	}{
		{"data/push.db", "data/push.db?_pragma=busy_timeout(5000)&"},
		{"file:push.db?mode=rwc", "file:push.db?mode=rwc&_pragma=busy_timeout(5000)&"},
		{":memory:", ":memory:?_pragma=busy_timeout(5000)&"},
	}
	for _, tt := range tests {
		got := dsn(tt.path, 5*time.Second)
		if !strings.HasPrefix(got, tt.prefix) || !strings.Contains(got, "_pragma=journal_mode(WAL)") {
			t.Errorf("dsn(%q) = %q", tt.path, got)
		}
	}
}

func TestFindActive_ScopedByRoleColumn(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	save(t, s, push.RoleCustomer, push.Target{OrderID: 1}, "https://push.example.com/c1")
	save(t, s, push.RoleCustomer, push.Target{OrderID: 1}, "https://push.example.com/c2")
	save(t, s, push.RoleCustomer, push.Target{OrderID: 2}, "https://push.example.com/c3")
	save(t, s, push.RolePharmacy, push.Target{PharmacyID: 1}, "https://push.example.com/p1")
	save(t, s, push.RoleRider, push.Target{RiderID: 1, OrderID: 1}, "https://push.example.com/r1")

	tests := []struct {
		role  push.Role
		scope int64
		want  []string
	}{
		{push.RoleCustomer, 1, []string{"https://push.example.com/c1", "https://push.example.com/c2"}},
		{push.RoleCustomer, 2, []string{"https://push.example.com/c3"}},
		{push.RolePharmacy, 1, []string{"https://push.example.com/p1"}},
		{push.RoleRider, 1, []string{"https://push.example.com/r1"}},
		{push.RoleRider, 2, nil},
	}

	for _, tt := range tests {
		got, err := s.FindActive(ctx, tt.role, tt.scope)
		if err != nil {
			t.Fatalf("FindActive failed: %v", err)
		}
		if len(got) != len(tt.want) {
			t.Errorf("%s/%d: expected %d subscriptions, got %d", tt.role, tt.scope, len(tt.want), len(got))
			continue
		}
		for i := range got {
			if got[i].Endpoint != tt.want[i] {
				t.Errorf("%s/%d: expected %s at %d, got %s", tt.role, tt.scope, tt.want[i], i, got[i].Endpoint)
			}
		}
	}
}

func TestInvalidateEndpoints(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	save(t, s, push.RolePharmacy, push.Target{PharmacyID: 5}, "https://push.example.com/a")
	save(t, s, push.RolePharmacy, push.Target{PharmacyID: 5}, "https://push.example.com/b")
	save(t, s, push.RolePharmacy, push.Target{PharmacyID: 5}, "https://push.example.com/c")
	save(t, s, push.RolePharmacy, push.Target{PharmacyID: 6}, "https://push.example.com/a")

	n, err := s.InvalidateEndpoints(ctx, push.RolePharmacy, 5, []push.InvalidationBatch{
		{StatusCode: 404, Endpoints: []string{"https://push.example.com/a"}},
		{StatusCode: 410, Endpoints: []string{"https://push.example.com/b", "https://push.example.com/missing"}},
	}, time.Now())
	if err != nil {
		t.Fatalf("InvalidateEndpoints failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 rows changed, got %d", n)
	}

	active, err := s.FindActive(ctx, push.RolePharmacy, 5)
	if err != nil {
		t.Fatalf("FindActive failed: %v", err)
	}
	if len(active) != 1 || active[0].Endpoint != "https://push.example.com/c" {
		t.Errorf("Expected only c active, got %v", active)
	}

	var status int
	err = s.db.QueryRow(`SELECT last_failure_status FROM push_subscriptions WHERE pharmacy_id = 5 AND endpoint = ?`, "https://push.example.com/b").Scan(&status)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if status != 410 {
		t.Errorf("Expected last failure status 410, got %d", status)
	}

	other, err := s.FindActive(ctx, push.RolePharmacy, 6)
	if err != nil {
		t.Fatalf("FindActive failed: %v", err)
	}
	if len(other) != 1 {
		t.Errorf("Expected other pharmacy untouched, got %d", len(other))
	}
}

func TestSaveSubscription_ReactivatesEndpoint(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	endpoint := "https://push.example.com/again"

	save(t, s, push.RoleRider, push.Target{RiderID: 9}, endpoint)
	if _, err := s.InvalidateEndpoints(ctx, push.RoleRider, 9, []push.InvalidationBatch{{StatusCode: 410, Endpoints: []string{endpoint}}}, time.Now()); err != nil {
		t.Fatalf("InvalidateEndpoints failed: %v", err)
	}
	save(t, s, push.RoleRider, push.Target{RiderID: 9}, endpoint)

	active, err := s.FindActive(ctx, push.RoleRider, 9)
	if err != nil {
		t.Fatalf("FindActive failed: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("Expected re-registered endpoint to be active, got %d", len(active))
	}
}

func TestInsertIfAbsent_SingleWinner(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	key := push.GateKey{EventKey: "order:1:shipped", Role: push.RoleCustomer, ScopeID: 1}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inserted, err := s.InsertIfAbsent(context.Background(), key, time.Now())
			if err != nil {
				t.Errorf("InsertIfAbsent failed: %v", err)
				return
			}
			if inserted {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly 1 insert, got %d", wins)
	}
}

func TestDeliveryRecord_Lifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	key := push.GateKey{EventKey: "order:2:ready", Role: push.RolePharmacy, ScopeID: 4}

	if _, err := s.GetDelivery(ctx, key); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("Expected not found, got %v", err)
	}
	if _, err := s.InsertIfAbsent(ctx, key, time.Now()); err != nil {
		t.Fatalf("InsertIfAbsent failed: %v", err)
	}

	rec, err := s.GetDelivery(ctx, key)
	if err != nil {
		t.Fatalf("GetDelivery failed: %v", err)
	}
	if rec.Status != push.StatusPending || rec.DeliveredAt != nil {
		t.Errorf("Expected pending record, got %+v", rec)
	}

	errorType := "dead_endpoint"
	if err := s.UpdateStatus(ctx, key, push.StatusFailed, &errorType, time.Now()); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	rec, err = s.GetDelivery(ctx, key)
	if err != nil {
		t.Fatalf("GetDelivery failed: %v", err)
	}
	if rec.Status != push.StatusFailed {
		t.Errorf("Expected failed, got %s", rec.Status)
	}
	if rec.ErrorType == nil || *rec.ErrorType != errorType {
		t.Errorf("Expected error type %q, got %v", errorType, rec.ErrorType)
	}
	if rec.DeliveredAt == nil {
		t.Error("Expected delivered_at to be set")
	}
	if rec.CreatedAt.IsZero() {
		t.Error("Expected created_at to be parsed")
	}
}

func TestGateStoreMissing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.db.Exec(`DROP TABLE push_deliveries`); err != nil {
		t.Fatalf("Drop failed: %v", err)
	}
	key := push.GateKey{EventKey: "evt", Role: push.RoleCustomer, ScopeID: 1}

	if _, err := s.InsertIfAbsent(ctx, key, time.Now()); !errors.Is(err, gate.ErrStoreMissing) {
		t.Errorf("Expected ErrStoreMissing from insert, got %v", err)
	}
	if err := s.UpdateStatus(ctx, key, push.StatusSent, nil, time.Now()); !errors.Is(err, gate.ErrStoreMissing) {
		t.Errorf("Expected ErrStoreMissing from update, got %v", err)
	}
	if _, err := s.GetDelivery(ctx, key); !errors.Is(err, gate.ErrStoreMissing) {
		t.Errorf("Expected ErrStoreMissing from get, got %v", err)
	}
}

func TestGate_DegradesOnMissingTable(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	if _, err := s.db.Exec(`DROP TABLE push_deliveries`); err != nil {
		t.Fatalf("Drop failed: %v", err)
	}
	g := gate.New(s, gate.NewAvailability(), nil)

	res, err := g.Reserve(context.Background(), push.GateKey{EventKey: "evt", Role: push.RoleCustomer, ScopeID: 1})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if res.TrackingEnabled || res.Deduped {
		t.Errorf("Expected untracked reservation, got %+v", res)
	}
	if g.Availability().Enabled() {
		t.Error("Expected gate disabled")
	}
}
