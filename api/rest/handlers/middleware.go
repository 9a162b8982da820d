package handlers

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Headers set by the authentication layer in front of this service.
const (
	UserIDHeader        = "X-User-ID"
	InternalTokenHeader = "X-Internal-Token"
)

type ctxKey int

const userKey ctxKey = iota

// RequireUser rejects requests without an owner id and stores it in the
// request context.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if owner == "" {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "missing " + UserIDHeader})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, owner)))
	})
}

// RequireInternalToken only lets through callers presenting token. An empty
// token disables the internal endpoints.
func RequireInternalToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(InternalTokenHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "forbidden"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(userKey).(string)
	return owner
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// LogRequests logs one line per request.
func LogRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Debug("request")
	})
}
