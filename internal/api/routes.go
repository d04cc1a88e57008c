package api

import (
	"net/http"

	"pushfanout/internal/dispatcher"
	"pushfanout/internal/health"
	"pushfanout/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Engine        Deliverer
	Deliveries    DeliveryLookup
	Dispatcher    dispatcher.Dispatcher
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Fan-out endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/fanouts", authMiddleware(http.HandlerFunc(handler.CreateFanout)))
	mux.Handle("POST /v1/fanouts/sync", authMiddleware(http.HandlerFunc(handler.SendFanout)))
	mux.Handle("GET /v1/deliveries", authMiddleware(http.HandlerFunc(handler.GetDelivery)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RequestIDMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
