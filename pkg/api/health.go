package api

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/ciforge/pkg/metrics"
	"github.com/cuemby/ciforge/pkg/storage"
)

// HealthResponse is spec.md §4.4's unauthenticated liveness response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse reports whether the process can actually serve traffic:
// the store must be reachable.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// healthHandler is a pure liveness check: if the process can answer HTTP,
// it is healthy. It never touches the store.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// readyHandler additionally verifies the store is reachable, via
// Store.Stats(), matching the teacher's readiness-probes-storage pattern.
func readyHandler(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{}
		ready := true

		if _, err := store.Stats(); err != nil {
			checks["store"] = "error: " + err.Error()
			ready = false
		} else {
			checks["store"] = "ok"
		}

		status := "ready"
		code := http.StatusOK
		if !ready {
			status = "not ready"
			code = http.StatusServiceUnavailable
		}

		writeJSON(w, code, ReadyResponse{Status: status, Checks: checks})
	}
}

// metricsHandler exposes the Prometheus exposition format.
func metricsHandler() http.Handler {
	return metrics.Handler()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
