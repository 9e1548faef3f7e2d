package api

import (
	"net/http"

	"sessionsync/internal/peers"
)

func RegisterRoutes(mux *http.ServeMux, h *Handler) http.Handler {
	// Session APIs
	mux.HandleFunc("PUT /sessions/{realm}/{id}", h.PutSession)
	mux.HandleFunc("POST /sessions/{realm}/{id}/refresh", h.RefreshSession)
	mux.HandleFunc("GET /sessions/{realm}/{id}", h.GetSession)
	mux.HandleFunc("DELETE /sessions/{realm}/{id}", h.DeleteSession)

	// Site-to-site APIs
	mux.HandleFunc("GET /internal/sessions/{realm}/{id}", h.GetLocalSession)
	mux.HandleFunc("GET "+peers.HeartbeatPath, h.Heartbeat)

	// Observability APIs
	mux.Handle("GET /metrics", h.metrics.Handler())
	mux.HandleFunc("GET /health", h.GetHealth)

	// Admin APIs
	mux.HandleFunc("GET /admin/metrics", h.GetMetrics)
	mux.HandleFunc("GET /admin/peers", h.GetPeers)
	mux.HandleFunc("GET /admin/sessions", h.ListSessions)
	mux.HandleFunc("POST /admin/flush", h.Flush)

	// Middlewares
	return Chain(
		mux,
		RecoveryMiddleware(h.logger),
		LoggingMiddleware(h.logger),
	)
}
