// Package patient provides the patient directory. Contact details and the
// SSN are encrypted at rest.
package patient

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/drfirst/go-rxguard/internal/auth"
)

// ErrNotFound means no patient has the requested id
var ErrNotFound = errors.New("patient not found")

// Encrypted column names. They are bound into the ciphertext.
const (
	ColumnEmail = "patients.email"
	ColumnSSN   = "patients.ssn"

	// ColumnTOTPSecret holds the portal second factor
	ColumnTOTPSecret = "patients.totp_secret"
)

// Patient is a patient record with sensitive fields in plaintext
type Patient struct {
	ID          string      `json:"id"`
	MRN         string      `json:"mrn"`
	FirstName   string      `json:"first_name"`
	LastName    string      `json:"last_name"`
	DateOfBirth *time.Time  `json:"date_of_birth,omitempty"`
	Email       string      `json:"email,omitempty"`
	Phone       string      `json:"phone,omitempty"`
	SSN         string      `json:"-"`
	Status      auth.Status `json:"status"`
	// SecondFactor is the portal TOTP enrollment
	SecondFactor auth.SecondFactor `json:"-"`
}

// FullName returns "First Last"
func (p *Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Identity returns the portal identity of the patient
func (p *Patient) Identity() *auth.Identity {
	status := p.Status
	if status == "" {
		status = auth.StatusActive
	}
	return &auth.Identity{
		ID:           p.ID,
		FirstName:    p.FirstName,
		LastName:     p.LastName,
		Email:        p.Email,
		Role:         auth.RolePatient,
		Status:       status,
		SecondFactor: p.SecondFactor,
	}
}

// Directory resolves patients
type Directory interface {
	Get(ctx context.Context, id string) (*Patient, error)
}
