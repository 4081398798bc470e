package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/slurmdeck/backend/internal/gateway"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Status            string `json:"status"`
	ActiveConnections int64  `json:"active_connections"`
}

// Health returns the health status of the server
func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// Ready reports readiness along with the current gateway load.
func Ready(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ReadyResponse{
			Status:            "ready",
			ActiveConnections: gw.ActiveConnections(),
		})
	}
}
