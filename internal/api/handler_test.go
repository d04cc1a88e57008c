package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pushfanout/internal/apperrors"
	"pushfanout/internal/dispatcher"
	"pushfanout/internal/fanout"
	"pushfanout/internal/health"
	"pushfanout/internal/push"
)

const fanoutBody = `{
	"label": "order_status",
	"role": "customer",
	"eventKey": "order:42:status:shipped",
	"target": {"orderId": 42},
	"payload": {"title": "Your order has shipped"}
}`

// mockDispatcher records dispatched jobs for testing.
type mockDispatcher struct {
	mu   sync.Mutex
	jobs []*dispatcher.Job
	err  error
}

func (m *mockDispatcher) Dispatch(job *dispatcher.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *mockDispatcher) Stats() dispatcher.Stats { return dispatcher.Stats{} }

func (m *mockDispatcher) Close(ctx context.Context) error { return nil }

type mockEngine struct {
	got *fanout.Request
	err error
}

func (m *mockEngine) Deliver(ctx context.Context, req *fanout.Request) (*fanout.Report, error) {
	m.got = req
	if m.err != nil {
		return nil, m.err
	}
	return &fanout.Report{RunID: "run-1", EventKey: req.EventKey, Outcome: fanout.OutcomeSent, Subscriptions: 2, Sent: 2}, nil
}

type mockDeliveries struct {
	records map[push.GateKey]*push.DeliveryRecord
	err     error
}

func (m *mockDeliveries) Lookup(ctx context.Context, key push.GateKey) (*push.DeliveryRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	rec, ok := m.records[key]
	if !ok {
		return nil, apperrors.NotFound("delivery", key.EventKey)
	}
	return rec, nil
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return v
}

func TestHandler_Livez(t *testing.T) {
	t.Parallel()
	handler := &Handler{health: health.NewChecker()}

	w := httptest.NewRecorder()
	handler.Livez(w, httptest.NewRequest(http.MethodGet, "/livez", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if resp := decodeBody[health.Response](t, w); resp.Status != health.StatusHealthy {
		t.Errorf("Expected status healthy, got %s", resp.Status)
	}
}

func TestHandler_Readyz_StoreDown(t *testing.T) {
	t.Parallel()
	handler := &Handler{health: health.NewChecker(health.Check{
		Name:    "store",
		Checker: health.ReadinessFunc(func(ctx context.Context) error { return errors.New("connection refused") }),
	})}

	w := httptest.NewRecorder()
	handler.Readyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	if resp := decodeBody[health.Response](t, w); resp.Status != health.StatusUnhealthy {
		t.Errorf("Expected status unhealthy, got %s", resp.Status)
	}
}

func TestHandler_CreateFanout(t *testing.T) {
	t.Parallel()
	mock := &mockDispatcher{}
	handler := &Handler{dispatcher: mock}

	req := httptest.NewRequest(http.MethodPost, "/v1/fanouts", bytes.NewBufferString(fanoutBody))
	w := httptest.NewRecorder()
	handler.CreateFanout(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body.String())
	}
	resp := decodeBody[QueuedResponse](t, w)
	if resp.Status != "queued" || resp.ID == "" {
		t.Errorf("Unexpected response %+v", resp)
	}
	if len(mock.jobs) != 1 {
		t.Fatalf("Expected 1 job, got %d", len(mock.jobs))
	}
	job := mock.jobs[0]
	if job.ID != resp.ID {
		t.Errorf("Expected job id %s, got %s", resp.ID, job.ID)
	}
	if job.Source != "api" {
		t.Errorf("Expected source api, got %s", job.Source)
	}
	if job.Request.Target.OrderID != 42 {
		t.Errorf("Expected order 42, got %d", job.Request.Target.OrderID)
	}
	if string(job.Request.Payload) != `{"title": "Your order has shipped"}` {
		t.Errorf("Expected payload kept verbatim, got %s", job.Request.Payload)
	}
}

func TestHandler_CreateFanout_BufferFull(t *testing.T) {
	t.Parallel()
	handler := &Handler{dispatcher: &mockDispatcher{err: dispatcher.ErrBufferFull}}

	w := httptest.NewRecorder()
	handler.CreateFanout(w, httptest.NewRequest(http.MethodPost, "/v1/fanouts", bytes.NewBufferString(fanoutBody)))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestHandler_CreateFanout_BadRequests(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"malformed json", `{"role": customer}`},
		{"unknown role", `{"role":"admin","eventKey":"e","target":{"orderId":1},"payload":"x"}`},
		{"missing event key", `{"role":"customer","target":{"orderId":1},"payload":"x"}`},
		{"wrong scope for role", `{"role":"rider","eventKey":"e","target":{"orderId":1},"payload":"x"}`},
		{"missing payload", `{"role":"customer","eventKey":"e","target":{"orderId":1}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mock := &mockDispatcher{}
			handler := &Handler{dispatcher: mock}

			w := httptest.NewRecorder()
			handler.CreateFanout(w, httptest.NewRequest(http.MethodPost, "/v1/fanouts", bytes.NewBufferString(tt.body)))

			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
			}
			if resp := decodeBody[map[string]string](t, w); resp["error"] == "" {
				t.Error("Expected error message in response")
			}
			if len(mock.jobs) != 0 {
				t.Errorf("Expected no jobs, got %d", len(mock.jobs))
			}
		})
	}
}

func TestHandler_SendFanout(t *testing.T) {
	t.Parallel()
	engine := &mockEngine{}
	handler := &Handler{engine: engine}

	w := httptest.NewRecorder()
	handler.SendFanout(w, httptest.NewRequest(http.MethodPost, "/v1/fanouts/sync", bytes.NewBufferString(fanoutBody)))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	report := decodeBody[fanout.Report](t, w)
	if report.Outcome != fanout.OutcomeSent || report.Sent != 2 {
		t.Errorf("Unexpected report %+v", report)
	}
	if engine.got == nil || engine.got.EventKey != "order:42:status:shipped" {
		t.Errorf("Expected engine to receive the request, got %+v", engine.got)
	}
}

func TestHandler_SendFanout_EngineError(t *testing.T) {
	t.Parallel()
	handler := &Handler{engine: &mockEngine{err: apperrors.Internal("gate.reserve", errors.New("connection reset"))}}

	w := httptest.NewRecorder()
	handler.SendFanout(w, httptest.NewRequest(http.MethodPost, "/v1/fanouts/sync", bytes.NewBufferString(fanoutBody)))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestHandler_GetDelivery(t *testing.T) {
	t.Parallel()
	delivered := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	key := push.GateKey{EventKey: "order:42:status:shipped", Role: push.RoleCustomer, ScopeID: 42}
	handler := &Handler{deliveries: &mockDeliveries{records: map[push.GateKey]*push.DeliveryRecord{
		key: {EventKey: key.EventKey, Role: key.Role, ScopeID: key.ScopeID, Status: push.StatusSent, DeliveredAt: &delivered},
	}}}

	tests := []struct {
		name     string
		query    string
		expected int
	}{
		{"found", "?eventKey=order:42:status:shipped&role=customer&scopeId=42", http.StatusOK},
		{"not found", "?eventKey=order:42:status:shipped&role=customer&scopeId=43", http.StatusNotFound},
		{"missing event key", "?role=customer&scopeId=42", http.StatusBadRequest},
		{"bad role", "?eventKey=e&role=admin&scopeId=42", http.StatusBadRequest},
		{"bad scope", "?eventKey=e&role=customer&scopeId=abc", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := httptest.NewRecorder()
			handler.GetDelivery(w, httptest.NewRequest(http.MethodGet, "/v1/deliveries"+tt.query, nil))
			if w.Code != tt.expected {
				t.Errorf("Expected status %d, got %d", tt.expected, w.Code)
			}
		})
	}
}

func TestHandler_GetDelivery_TrackingDisabled(t *testing.T) {
	t.Parallel()
	handler := &Handler{deliveries: &mockDeliveries{err: apperrors.Unavailable("delivery gate", "delivery tracking is disabled")}}

	w := httptest.NewRecorder()
	handler.GetDelivery(w, httptest.NewRequest(http.MethodGet, "/v1/deliveries?eventKey=e&role=rider&scopeId=7", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestRouter_RequiresAuth(t *testing.T) {
	t.Parallel()
	router := NewRouter(RouterConfig{
		Dispatcher:    &mockDispatcher{},
		HealthChecker: health.NewChecker(),
		APIKey:        "secret",
	})

	tests := []struct {
		name     string
		auth     string
		expected int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"valid key", "Bearer secret", http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/v1/fanouts", bytes.NewBufferString(fanoutBody))
			req.Header.Set("Content-Type", "application/json")
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.expected {
				t.Errorf("Expected status %d, got %d", tt.expected, w.Code)
			}
			if w.Header().Get(RequestIDHeader) == "" {
				t.Error("Expected request id header")
			}
		})
	}

	// Probes stay open.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/livez", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected livez %d, got %d", http.StatusOK, w.Code)
	}
}

func TestMiddleware_RequestID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"generated", "", false},
		{"propagated", "req-123", true},
		{"oversized replaced", strings.Repeat("x", 200), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var seen string
			handler := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestIDFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/livez", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if seen == "" {
				t.Fatal("Expected request id in context")
			}
			if got := w.Header().Get(RequestIDHeader); got != seen {
				t.Errorf("Expected response header %q, got %q", seen, got)
			}
			if tt.keep && seen != tt.incoming {
				t.Errorf("Expected %q, got %q", tt.incoming, seen)
			}
			if !tt.keep && seen == tt.incoming {
				t.Errorf("Expected a generated id, got %q", seen)
			}
		})
	}
}

func TestMiddleware_LoggingPassesThrough(t *testing.T) {
	t.Parallel()
	handler := LoggingMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/deliveries", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("Expected status %d, got %d", http.StatusTeapot, w.Code)
	}
	if w.Body.String() != "short and stout" {
		t.Errorf("Expected body passed through, got %q", w.Body.String())
	}
}

func TestMiddleware_Recovery(t *testing.T) {
	t.Parallel()
	handler := RecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/fanouts", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
	if resp := decodeBody[map[string]string](t, w); resp["error"] == "" {
		t.Error("Expected JSON error body")
	}
}

func TestMiddleware_ContentType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		method      string
		contentType string
		allowed     bool
	}{
		{"json", http.MethodPost, "application/json", true},
		{"json with charset", http.MethodPost, "application/json; charset=utf-8", true},
		{"missing", http.MethodPost, "", true},
		{"text", http.MethodPost, "text/plain", false},
		{"unparseable", http.MethodPost, ";;", false},
		{"get ignores type", http.MethodGet, "text/plain", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			called := false
			handler := ContentTypeMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))

			req := httptest.NewRequest(tt.method, "/v1/fanouts", bytes.NewBufferString("{}"))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if called != tt.allowed {
				t.Errorf("Expected allowed=%v, got %v", tt.allowed, called)
			}
			if !tt.allowed && w.Code != http.StatusUnsupportedMediaType {
				t.Errorf("Expected status %d, got %d", http.StatusUnsupportedMediaType, w.Code)
			}
		})
	}
}

func TestMiddleware_CORSPreflight(t *testing.T) {
	t.Parallel()
	called := false
	handler := CORSMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/v1/fanouts", nil))

	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status %d, got %d", http.StatusNoContent, w.Code)
	}
	if called {
		t.Error("Expected preflight to stop before the handler")
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	tests := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Bearer   abc ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", tt.header)
		token, ok := bearerToken(req)
		if token != tt.token || ok != tt.ok {
			t.Errorf("bearerToken(%q) = %q, %v; want %q, %v", tt.header, token, ok, tt.token, tt.ok)
		}
	}
}
