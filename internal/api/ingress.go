package api

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"call-sync-engine/internal/telemetry"
)

// Allower is a keyed limiter shared across processes.
type Allower interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// LocalIngressLimit limits sync requests per client IP within this process.
func LocalIngressLimit(perMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		perMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(rejectIngress),
	)
}

// SharedIngressLimit limits sync requests per client IP through a shared
// window, so every API replica draws from one budget.
func SharedIngressLimit(a Allower) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, err := httprate.KeyByIP(r)
			if err != nil {
				writeError(w, fmt.Errorf("ingress key: %w", err))
				return
			}
			allowed, wait, err := a.Allow(r.Context(), "ingress:"+ip)
			if err != nil {
				writeError(w, fmt.Errorf("ingress limiter: %w", err))
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				rejectIngress(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rejectIngress(w http.ResponseWriter, _ *http.Request) {
	telemetry.IngressRejects.Inc()
	writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many sync requests"})
}
