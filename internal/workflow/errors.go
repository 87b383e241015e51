package workflow

import (
	"errors"
	"fmt"

	"github.com/drfirst/go-rxguard/internal/domain/prescription"
	"github.com/drfirst/go-rxguard/internal/interaction"
)

// ValidationError lists the problems with a create payload
type ValidationError = prescription.ValidationError

// ErrNotReady means the prescription has no document to send yet
var ErrNotReady = errors.New("prescription document not ready")

// InteractionDetectedError blocks a prescription whose medications interact
type InteractionDetectedError struct {
	Interactions []interaction.Interaction
}

func (e *InteractionDetectedError) Error() string {
	return fmt.Sprintf("%d drug interaction(s) detected", len(e.Interactions))
}

// AuditError means an operation could not be recorded in the audit log.
// The operation is reported as failed even if its effects were applied.
type AuditError struct {
	Action     string
	ResourceID string
	Err        error
}

func (e *AuditError) Error() string {
	return fmt.Sprintf("audit %s for %s: %v", e.Action, e.ResourceID, e.Err)
}

func (e *AuditError) Unwrap() error { return e.Err }
