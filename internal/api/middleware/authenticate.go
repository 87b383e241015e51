package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/auth"
)

// Authenticator resolves a bearer credential to an identity
type Authenticator interface {
	Authenticate(ctx context.Context, bearer string) (*auth.Identity, error)
}

// actorSlot lets Authenticate report the actor back to Logger, which wraps it
type actorSlot struct{ id string }

// Authenticate rejects requests without a valid bearer token and stores the
// resolved identity in the request context
func Authenticate(gw Authenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bearer := r.Header.Get("Authorization")
			if bearer == "" {
				challenge(w, "authentication required")
				return
			}

			ident, err := gw.Authenticate(r.Context(), bearer)
			if errors.Is(err, auth.ErrUnauthenticated) {
				logger.Debug("bearer rejected",
					zap.String("request_id", GetRequestID(r.Context())),
					zap.Error(err))
				challenge(w, "invalid or expired token")
				return
			}
			if err != nil {
				logger.Error("identity lookup failed",
					zap.String("request_id", GetRequestID(r.Context())),
					zap.Error(err))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
				return
			}

			if slot, ok := r.Context().Value(actorSlotKey).(*actorSlot); ok {
				slot.id = ident.ID
			}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), ident)))
		})
	}
}

func challenge(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="rxguard"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetActorID returns the authenticated identity id, or ""
func GetActorID(ctx context.Context) string {
	if ident := auth.FromContext(ctx); ident != nil {
		return ident.ID
	}
	return ""
}
