// Package server wires HTTP handlers into a ServeMux for the GoChat
// application via routing helpers.
package server

import (
	"log/slog"
	"net/http"
)

// SetupRoutes configures and returns an HTTP ServeMux with all application routes.
// It sets up handlers for health check, stats, WebSocket endpoint, and test page.
func SetupRoutes(hub *Hub, log *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/stats", StatsHandler(hub, log))
	mux.HandleFunc("/ws", WebSocketHandler(hub, log))
	mux.HandleFunc("/test", TestPageHandler(log))
	return mux
}
