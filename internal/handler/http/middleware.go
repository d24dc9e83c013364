package http

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/vireshop/checkout/internal/repository"
	"github.com/vireshop/checkout/pkg/httputil"
)

// HeaderUserID carries the authenticated customer identity, set by the edge
// gateway. Absence means an anonymous (guest) caller.
const HeaderUserID = "X-User-ID"

// HeaderIdempotencyKey gates side-effecting checkout operations.
const HeaderIdempotencyKey = "Idempotency-Key"

// userID extracts the authenticated customer id, empty for guests.
func userID(r *http.Request) string {
	return r.Header.Get(HeaderUserID)
}

// ContentTypeJSON sets the JSON content type on all responses.
func ContentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// CORS applies permissive cross-origin headers for browser storefronts.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, Idempotency-Key, X-Correlation-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// responseRecorder buffers a handler's response so the idempotency layer can
// store it for replay.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Idempotency replays the stored response of a completed request carrying
// the same Idempotency-Key, and rejects a key whose first attempt is still
// in flight. Requests without the header pass through untouched.
//
// Server errors clear the claim so the client may retry with the same key.
func Idempotency(store repository.IdempotencyStore, ttl time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderIdempotencyKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			// Scope the key to the caller and route so two customers (or two
			// endpoints) reusing a key cannot collide.
			scoped := r.Method + ":" + r.URL.Path + ":" + userID(r) + ":" + key

			ok, prior, err := store.Begin(r.Context(), scoped, ttl)
			if err != nil {
				logger.ErrorContext(r.Context(), "idempotency claim failed",
					slog.String("error", err.Error()),
				)
				httputil.WriteJSON(w, http.StatusServiceUnavailable, httputil.Response{
					Error: &httputil.ErrorResponse{Code: "IDEMPOTENCY_UNAVAILABLE", Message: "idempotency store unavailable, retry later"},
				})
				return
			}

			if !ok {
				if prior == nil {
					// The prior claim expired mid-flight; treat as fresh.
					next.ServeHTTP(w, r)
					return
				}
				if prior.InProgress {
					httputil.WriteJSON(w, http.StatusConflict, httputil.Response{
						Error: &httputil.ErrorResponse{Code: "REQUEST_IN_FLIGHT", Message: "a request with this idempotency key is still being processed"},
					})
					return
				}

				for k, vals := range prior.Header {
					w.Header()[k] = vals
				}
				w.Header().Set("Idempotency-Replayed", "true")
				w.WriteHeader(prior.Status)
				_, _ = w.Write(prior.Body)
				return
			}

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= http.StatusInternalServerError {
				if err := store.Clear(r.Context(), scoped); err != nil {
					logger.ErrorContext(r.Context(), "failed to clear idempotency key",
						slog.String("error", err.Error()),
					)
				}
				return
			}

			if err := store.Complete(context.WithoutCancel(r.Context()), scoped, rec.status, rec.Header().Clone(), rec.body.Bytes(), ttl); err != nil {
				logger.ErrorContext(r.Context(), "failed to store idempotent response",
					slog.String("error", err.Error()),
				)
			}
		})
	}
}
