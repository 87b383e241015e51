// Package middleware provides HTTP middleware for the prescription API.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/drfirst/go-rxguard/internal/audit"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	actorSlotKey
)

// RequestIDHeader carries the correlation id in both directions
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLen = 64

// RequestID propagates the caller's X-Request-ID or assigns a new one. The id
// is also attached for audit events recorded while serving the request.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(audit.WithRequestID(ctx, id)))
	})
}

// header values end up in logs and the audit table
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

// GetRequestID returns the request id, or ""
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
