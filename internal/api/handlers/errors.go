package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/api/middleware"
	"github.com/drfirst/go-rxguard/internal/auth"
	"github.com/drfirst/go-rxguard/internal/document"
	"github.com/drfirst/go-rxguard/internal/domain/prescription"
	fhir "github.com/drfirst/go-rxguard/internal/fhir/r5"
	"github.com/drfirst/go-rxguard/internal/workflow"
)

// fail maps a workflow error to a response. Server-side failures get a
// generic message; the detail stays in the logs.
func (h *PrescriptionHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *workflow.ValidationError
		ierr *workflow.InteractionDetectedError
		rerr *document.RenderError
	)

	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "validation failed",
			"details": verr.Problems,
		})
	case errors.As(err, &ierr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":        "drug interactions detected",
			"interactions": ierr.Interactions,
		})
	case errors.Is(err, auth.ErrStepUpFailed):
		jsonError(w, "second factor verification required", http.StatusUnauthorized)
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, auth.ErrUnauthorized):
		jsonError(w, "authentication required", http.StatusUnauthorized)
	case errors.Is(err, auth.ErrForbidden):
		jsonError(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, prescription.ErrNotFound):
		jsonError(w, "prescription not found", http.StatusNotFound)
	case errors.Is(err, workflow.ErrNotReady):
		jsonError(w, "prescription document not ready", http.StatusConflict)
	case errors.As(err, &rerr):
		h.logFailure(r, err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":           "document generation failed",
			"prescription_id": rerr.PrescriptionID,
		})
	default:
		h.logFailure(r, err)
		jsonError(w, "internal server error", http.StatusInternalServerError)
	}
}

func (h *PrescriptionHandler) logFailure(r *http.Request, err error) {
	h.logger.Error("request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetRequestID(r.Context())),
		zap.String("actor_id", middleware.GetActorID(r.Context())),
		zap.Error(err))
}

// failFHIR answers FHIR clients with an OperationOutcome
func (h *PrescriptionHandler) failFHIR(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := http.StatusInternalServerError, fhir.IssueException, "internal server error"
	switch {
	case errors.Is(err, auth.ErrStepUpFailed):
		status, code, msg = http.StatusUnauthorized, fhir.IssueLogin, "second factor verification required"
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, auth.ErrUnauthorized):
		status, code, msg = http.StatusUnauthorized, fhir.IssueLogin, "authentication required"
	case errors.Is(err, auth.ErrForbidden):
		status, code, msg = http.StatusForbidden, fhir.IssueForbidden, "forbidden"
	case errors.Is(err, prescription.ErrNotFound):
		status, code, msg = http.StatusNotFound, fhir.IssueNotFound, "prescription not found"
	default:
		h.logFailure(r, err)
	}
	w.Header().Set("Content-Type", fhir.ContentType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(fhir.NewErrorOutcome(code, msg))
}
