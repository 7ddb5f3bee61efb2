package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/onnwee/lol-autostream/store"
	"github.com/onnwee/lol-autostream/telemetry"
)

// HandleHealthz is the liveness probe; it only checks that the process serves requests.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes with the first failing check.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	checks := []struct {
		name string
		fn   func() error
	}{
		{"store", func() error { return store.Ping(ctx, h.kv) }},
		{"riot_credential", func() error {
			if h.cfg.RiotAPIKey == "" {
				return errors.New("RIOT_API_KEY not set")
			}
			return nil
		}},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	tracing := "disabled"
	if telemetry.IsTracingEnabled() {
		tracing = "enabled"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "tracing": tracing})
}
