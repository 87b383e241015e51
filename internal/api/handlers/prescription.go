// Package handlers provides HTTP handlers for the prescription API.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/api/middleware"
	"github.com/drfirst/go-rxguard/internal/auth"
	fhir "github.com/drfirst/go-rxguard/internal/fhir/r5"
	"github.com/drfirst/go-rxguard/internal/workflow"
)

// Prescriptions is the workflow behind the prescription endpoints
type Prescriptions interface {
	Create(ctx context.Context, req workflow.CreateRequest, actor *auth.Identity) (*workflow.View, error)
	Fetch(ctx context.Context, id string, actor *auth.Identity, stepUpCode string) (*workflow.View, error)
	Send(ctx context.Context, id string, actor *auth.Identity) (*workflow.SendResult, error)
	RetryDocument(ctx context.Context, id string, actor *auth.Identity) (*workflow.View, error)
}

// StepUpHeader carries the one-time code for identities enrolled in a second factor
const StepUpHeader = "X-Step-Up-Code"

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	wf     Prescriptions
	logger *zap.Logger
	now    func() time.Time
}

// NewPrescriptionHandler creates a new handler
func NewPrescriptionHandler(wf Prescriptions, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{wf: wf, logger: logger, now: time.Now}
}

// Routes returns the handler routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/fhir", h.GetFHIR)
	r.Post("/{id}/send", h.Send)
	r.Post("/{id}/document", h.RetryDocument)
	return r
}

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req workflow.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	view, err := h.wf.Create(r.Context(), req, auth.FromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Info("prescription created",
		zap.String("id", view.ID),
		zap.String("request_id", middleware.GetRequestID(r.Context())))
	writeJSON(w, http.StatusCreated, view)
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.wf.Fetch(r.Context(), chi.URLParam(r, "id"), auth.FromContext(r.Context()), stepUpCode(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetFHIR handles GET /prescriptions/{id}/fhir. Access rules and auditing
// are the same as Get.
func (h *PrescriptionHandler) GetFHIR(w http.ResponseWriter, r *http.Request) {
	view, err := h.wf.Fetch(r.Context(), chi.URLParam(r, "id"), auth.FromContext(r.Context()), stepUpCode(r))
	if err != nil {
		h.failFHIR(w, r, err)
		return
	}
	w.Header().Set("Content-Type", fhir.ContentType)
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(fhir.ExportBundle(view, h.now()))
}

// Send handles POST /prescriptions/{id}/send
func (h *PrescriptionHandler) Send(w http.ResponseWriter, r *http.Request) {
	res, err := h.wf.Send(r.Context(), chi.URLParam(r, "id"), auth.FromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":         "Prescription sent successfully",
		"prescription_id": res.PrescriptionID,
		"method":          res.Method,
	})
}

// RetryDocument handles POST /prescriptions/{id}/document
func (h *PrescriptionHandler) RetryDocument(w http.ResponseWriter, r *http.Request) {
	view, err := h.wf.RetryDocument(r.Context(), chi.URLParam(r, "id"), auth.FromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// stepUpCode reads the one-time code from the header or a {"token": ...} body
func stepUpCode(r *http.Request) string {
	if code := r.Header.Get(StepUpHeader); code != "" {
		return code
	}
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil {
		return ""
	}
	return body.Token
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}
