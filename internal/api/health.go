package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const serviceName = "dea-ng"

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
}

type ReadinessResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Store     string    `json:"store"`
	Bus       string    `json:"bus"`
}

// Pinger reports whether the task store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// BusStatus reports whether the bus connection is up
type BusStatus interface {
	Connected() bool
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   serviceName,
	})
}

func HandleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "alive",
		Timestamp: time.Now(),
		Service:   serviceName,
	})
}

// HandleReadiness is ready when the store answers a ping and, if a bus is
// given, the bus is connected.
func HandleReadiness(store Pinger, bus BusStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := ReadinessResponse{
			Status:    "ready",
			Timestamp: time.Now(),
			Service:   serviceName,
			Store:     "unknown",
			Bus:       "unknown",
		}
		code := http.StatusOK

		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			response.Store = "connected"
			if err := store.Ping(ctx); err != nil {
				response.Store = "disconnected"
				response.Status = "not ready"
				code = http.StatusServiceUnavailable
			}
		}

		if bus != nil {
			response.Bus = "connected"
			if !bus.Connected() {
				response.Bus = "disconnected"
				response.Status = "not ready"
				code = http.StatusServiceUnavailable
			}
		}

		writeJSON(w, code, response)
	}
}
