package server

import (
	"context"
	"net/http"
	"time"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
)

// SystemHandler serves liveness, readiness and the status document.
type SystemHandler struct {
	StartedAt time.Time
	Clock     clock.Clock
	Version   string
	// Ready reports whether backing stores are reachable. nil means always ready.
	Ready func(ctx context.Context) error
}

type systemStatus struct {
	ServiceName string `json:"service_name"`
	Version     string `json:"version"`
	ServerTime  string `json:"server_time"`
	Uptime      string `json:"uptime"`
}

func (h SystemHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.health)
	mux.HandleFunc("/readyz", h.ready)
	mux.HandleFunc("/v1/system/status", h.status)
}

func (h SystemHandler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h SystemHandler) ready(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ready(ctx); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (h SystemHandler) status(w http.ResponseWriter, _ *http.Request) {
	now := time.Now().UTC()
	if h.Clock != nil {
		now = h.Clock.Now().UTC()
	}
	writeJSON(w, http.StatusOK, systemStatus{
		ServiceName: "open-ledger-go",
		Version:     h.Version,
		ServerTime:  now.Format(time.RFC3339Nano),
		Uptime:      now.Sub(h.StartedAt).String(),
	})
}
