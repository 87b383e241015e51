package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/api/middleware"
	"github.com/drfirst/go-rxguard/internal/audit"
	"github.com/drfirst/go-rxguard/internal/auth"
)

// TokenIssuer verifies credentials and signs bearer tokens
type TokenIssuer interface {
	Login(ctx context.Context, creds auth.CredentialStore, employeeID, password string) (*auth.Identity, error)
	IssueToken(ident *auth.Identity) (string, time.Time, error)
}

// AuthHandler handles token issuance
type AuthHandler struct {
	issuer TokenIssuer
	creds  auth.CredentialStore
	audit  audit.Log
	logger *zap.Logger
}

// NewAuthHandler creates a new handler
func NewAuthHandler(issuer TokenIssuer, creds auth.CredentialStore, log audit.Log, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{issuer: issuer, creds: creds, audit: log, logger: logger}
}

// Routes returns the handler routes
func (h *AuthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/token", h.Token)
	return r
}

// TokenRequest is the login body
type TokenRequest struct {
	EmployeeID string `json:"employee_id"`
	Password   string `json:"password"`
}

// TokenResponse carries a signed bearer token
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Token handles POST /auth/token
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.EmployeeID) == "" || req.Password == "" {
		jsonError(w, "employee_id and password are required", http.StatusBadRequest)
		return
	}

	ident, err := h.issuer.Login(r.Context(), h.creds, req.EmployeeID, req.Password)
	if err != nil {
		if !errors.Is(err, auth.ErrUnauthenticated) {
			h.logger.Error("login failed", zap.Error(err))
			jsonError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		jsonError(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	token, expiresAt, err := h.issuer.IssueToken(ident)
	if err != nil {
		// inactive accounts get the same answer as bad passwords
		jsonError(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	event := audit.NewEvent(audit.ActionTokenIssued, ident.ID, "Identity", ident.ID,
		map[string]any{"role": string(ident.Role)})
	if err := h.audit.Record(r.Context(), event); err != nil {
		h.logger.Error("audit token issuance",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		jsonError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{Token: token, ExpiresAt: expiresAt.UTC()})
}
