package probe

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/regprobe/shield"
)

// Handler is the ops surface: /healthz and /metrics.
func (e *Engine) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range shield.OpsStack(e.logger) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if err := e.store.DB.PingContext(r.Context()); err != nil {
			shield.Logger(r.Context()).Warn("probe: health ping failed", "error", err)
			status, code = "degraded", http.StatusServiceUnavailable
		}
		rs := e.reasoner.Stats()
		writeJSON(w, code, map[string]any{
			"status":    status,
			"uptime":    time.Since(e.started).Round(time.Second).String(),
			"providers": e.providers.Names(),
			"sessions":  e.sessions.Len(),
			"reasoning": rs,
		})
	})
	r.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry}))
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
