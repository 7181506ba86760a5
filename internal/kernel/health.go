package kernel

import (
	"context"
	"errors"
	"net/http"
	"time"

	"taskorch/pkg/queue"
)

const healthProbeTimeout = 2 * time.Second

// HealthHandler answers GET /healthz with 200 OK while the queue store is reachable
// and 503 when it reports itself unavailable.
func (e *Engine) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain")

		ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
		defer cancel()
		_, err := e.Tasks.Get(ctx, "healthz-probe")
		if err != nil && !errors.Is(err, queue.ErrNotFound) {
			e.Logger.Warn("Health probe failed: %v", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("queue store unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}
