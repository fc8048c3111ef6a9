package api

import (
	"context"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/getsentry/sentry-go"

	"github.com/cuemby/ciforge/pkg/apierr"
	"github.com/cuemby/ciforge/pkg/log"
	"github.com/cuemby/ciforge/pkg/metrics"
	"github.com/cuemby/ciforge/pkg/types"
)

type ctxKey int

const userCtxKey ctxKey = iota

// requestLogger logs one line per request with the chi request ID
// attached, following the teacher's structured-logging-via-zerolog style.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger := log.WithComponent("api")
		logger.Info().
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request handled")

		metrics.APIRequestsTotal.WithLabelValues(r.Method, r.URL.Path, http.StatusText(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// recoverer turns a panicking handler into a 500 response, reporting to
// Sentry when configured. Sentry is best-effort and never blocks the
// response.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
					hub.Recover(rec)
				} else {
					sentry.CurrentHub().Recover(rec)
				}
				log.WithComponent("api").Error().
					Str("request_id", chimiddleware.GetReqID(r.Context())).
					Interface("panic", rec).
					Msg("panic recovered")
				writeError(w, apierr.New(http.StatusInternalServerError, "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authenticate resolves the Authorization header to a User and stashes it
// in the request context, matching spec.md §6's 403-missing/401-invalid
// distinction.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			metrics.AuthFailuresTotal.WithLabelValues("missing_header").Inc()
			writeError(w, apierr.New(http.StatusForbidden, "missing Authorization header"))
			return
		}

		user, err := s.authn.Authenticate(r.Context(), header)
		if err != nil {
			metrics.AuthFailuresTotal.WithLabelValues("invalid_or_revoked").Inc()
			writeError(w, apierr.New(http.StatusUnauthorized, "invalid or revoked credentials"))
			return
		}

		ctx := context.WithValue(r.Context(), userCtxKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) *types.User {
	user, _ := ctx.Value(userCtxKey).(*types.User)
	return user
}

func writeError(w http.ResponseWriter, err *apierr.Error) {
	writeJSON(w, err.Status, map[string]string{"detail": err.Message})
}
