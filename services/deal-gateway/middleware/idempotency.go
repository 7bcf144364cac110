package middleware

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"time"

	"investchain/services/deal-gateway/store"
)

const idempotencyHeader = "Idempotency-Key"

// Idempotency replays cached responses for repeated mutating requests
// carrying the same Idempotency-Key. Requests without the header execute
// normally.
type Idempotency struct {
	store *store.Store
	ttl   time.Duration
}

// NewIdempotency wraps the bolt-backed response cache.
func NewIdempotency(s *store.Store, ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Idempotency{store: s, ttl: ttl}
}

type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}

// Middleware caches successful responses keyed by method, path, and the
// caller-supplied key. Server errors are not cached so retries can succeed.
func (i *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if i == nil || i.store == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		cacheKey := r.Method + "|" + r.URL.Path + "|" + key
		if record, err := i.store.GetIdempotent(cacheKey); err == nil {
			w.Header().Set("X-Idempotent-Replay", "true")
			w.WriteHeader(record.StatusCode)
			_, _ = w.Write(record.Body)
			return
		} else if !errors.Is(err, store.ErrNotFound) {
			http.Error(w, "idempotency lookup failed", http.StatusInternalServerError)
			return
		}
		capture := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(capture, r)
		if capture.status < http.StatusInternalServerError {
			_ = i.store.PutIdempotent(cacheKey, capture.status, capture.body.Bytes(), i.ttl)
		}
	})
}
