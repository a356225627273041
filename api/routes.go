package api

import (
	"net/http"

	"github.com/yourusername/tokenbucket/metrics"
)

// Routes registers the service endpoints on mux.
//
//	POST /check    consume tokens for a client
//	GET  /stats    JSON metrics snapshot
//	GET  /metrics  Prometheus exposition
//	GET  /health   liveness and dependency checks
func Routes(mux *http.ServeMux, h *Handler, recorder *metrics.Recorder, checks map[string]HealthCheck) {
	mux.HandleFunc("/check", h.CheckRateLimit)
	mux.Handle("/stats", NewStatsHandler(recorder))
	mux.Handle("/metrics", recorder.Handler())
	mux.Handle("/health", NewHealthHandler(checks))
}
