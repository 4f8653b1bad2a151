package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"escrowd/storage"
)

const idempotencyHeader = "Idempotency-Key"

// IdempotencyStore caches responses keyed by the Idempotency-Key header.
// *storage.Store satisfies it.
type IdempotencyStore interface {
	LookupIdempotency(ctx context.Context, key string) (*storage.StoredResponse, bool, error)
	SaveIdempotency(ctx context.Context, key, method, path string, status int, body string) error
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	body   strings.Builder
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}

// Idempotency replays the cached response for a previously seen key. Only
// mutating methods are considered; requests without the header pass through.
func Idempotency(store IdempotencyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil || r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			cached, found, err := store.LookupIdempotency(r.Context(), key)
			if err != nil {
				logger.Warn("idempotency lookup failed", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if found {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotency-Replayed", "true")
				w.WriteHeader(cached.Status)
				w.Write([]byte(cached.Body))
				return
			}
			rec := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			if rec.status >= 200 && rec.status < 300 {
				if err := store.SaveIdempotency(r.Context(), key, r.Method, r.URL.Path, rec.status, rec.body.String()); err != nil {
					logger.Warn("idempotency save failed", "key", key, "error", err)
				}
			}
		})
	}
}
