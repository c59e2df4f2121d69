// Package server exposes the minimal operational HTTP surface of
// SPEC_FULL §C.1: a liveness/readiness "/healthz" endpoint and a
// Prometheus "/metrics" endpoint. It deliberately does not implement the
// JSON-RPC/WebSocket query API — that surface is out of scope per spec.md
// §1 — only the ambient endpoints an operator needs to run the daemon.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/l2indexer/node/pkg/metrics"
	"github.com/l2indexer/node/pkg/storage"
)

// Handlers bundles the collaborators the operational endpoints depend on,
// following the teacher's *Handlers-struct-plus-logger convention.
type Handlers struct {
	storage storage.Adapter
	metrics *metrics.Registry
	logger  *log.Logger
}

// New constructs the operational Handlers. A nil logger defaults to a
// bracketed stderr logger.
func New(adapter storage.Adapter, reg *metrics.Registry, logger *log.Logger) *Handlers {
	if logger == nil {
		logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	return &Handlers{storage: adapter, metrics: reg, logger: logger}
}

// Mux builds the http.ServeMux serving "/healthz" and "/metrics".
func (h *Handlers) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.HandleHealthz)
	if h.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.metrics.Gatherer(), promhttp.HandlerOpts{}))
	}
	return mux
}

type healthResponse struct {
	Status        string `json:"status"`
	Phase         string `json:"phase,omitempty"`
	LastCompleted uint64 `json:"last_completed_height,omitempty"`
	Error         string `json:"error,omitempty"`
}

// HandleHealthz reports "ok" if the storage adapter's IBD checkpoint is
// reachable, "degraded" if no checkpoint has been written yet (a fresh
// node before its first bulk-sync run), and 503 if storage itself errors.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.storage == nil {
		writeJSONError(w, "storage adapter not configured", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	cp, err := h.storage.GetCheckpoint(ctx)
	if err != nil {
		h.logger.Printf("healthz: checkpoint read failed: %v", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(healthResponse{Status: "down", Error: err.Error()})
		return
	}
	if cp == nil {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(healthResponse{Status: "degraded", Phase: "uninitialized"})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(healthResponse{
		Status:        "ok",
		Phase:         string(cp.Phase),
		LastCompleted: cp.LastCompleted,
	})
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
