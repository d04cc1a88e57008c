// Package api provides the HTTP API handlers and routing for the fan-out service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"pushfanout/internal/apperrors"
	"pushfanout/internal/dispatcher"
	"pushfanout/internal/fanout"
	"pushfanout/internal/health"
	"pushfanout/internal/push"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Deliverer runs one fan-out inline. *fanout.Engine satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, req *fanout.Request) (*fanout.Report, error)
}

// DeliveryLookup reads delivery gate records. *gate.Gate satisfies it.
type DeliveryLookup interface {
	Lookup(ctx context.Context, key push.GateKey) (*push.DeliveryRecord, error)
}

// QueuedResponse is returned for accepted async fan-outs.
type QueuedResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Handler contains HTTP handlers for the fan-out API
type Handler struct {
	engine     Deliverer
	deliveries DeliveryLookup
	dispatcher dispatcher.Dispatcher
	health     *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(cfg RouterConfig) *Handler {
	return &Handler{
		engine:     cfg.Engine,
		deliveries: cfg.Deliveries,
		dispatcher: cfg.Dispatcher,
		health:     cfg.HealthChecker,
	}
}

// CreateFanout handles POST /v1/fanouts
func (h *Handler) CreateFanout(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeFanout(w, r)
	if !ok {
		return
	}

	job := dispatcher.NewJob(req, "api")
	if err := h.dispatcher.Dispatch(job); err != nil {
		if errors.Is(err, dispatcher.ErrBufferFull) || errors.Is(err, dispatcher.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, QueuedResponse{ID: job.ID, Status: "queued"})
}

// SendFanout handles POST /v1/fanouts/sync
func (h *Handler) SendFanout(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeFanout(w, r)
	if !ok {
		return
	}

	report, err := h.engine.Deliver(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// GetDelivery handles GET /v1/deliveries?eventKey=&role=&scopeId=
func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	eventKey := q.Get("eventKey")
	if eventKey == "" {
		h.handleError(w, r, apperrors.Validation("eventKey", "eventKey is required"))
		return
	}
	role, err := push.ParseRole(q.Get("role"))
	if err != nil {
		h.handleError(w, r, apperrors.Validation("role", err.Error()))
		return
	}
	scopeID, err := strconv.ParseInt(q.Get("scopeId"), 10, 64)
	if err != nil || scopeID <= 0 {
		h.handleError(w, r, apperrors.Validation("scopeId", "scopeId must be a positive integer"))
		return
	}

	rec, err := h.deliveries.Lookup(r.Context(), push.GateKey{EventKey: eventKey, Role: role, ScopeID: scopeID})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the store is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, response)
}

func (h *Handler) decodeFanout(w http.ResponseWriter, r *http.Request) (*fanout.Request, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req fanout.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return nil, false
	}
	if err := req.Validate(); err != nil {
		h.handleError(w, r, err)
		return nil, false
	}
	return &req, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path, "requestId", RequestIDFromContext(r.Context()))
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status, "field", apperrors.FieldOf(err))
	}
	writeError(w, status, err.Error())
}
