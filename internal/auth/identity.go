// Package auth implements the authentication gateway: bearer token validation,
// role-based authorization and the opt-in TOTP step-up check.
package auth

import (
	"context"
	"errors"
	"fmt"
)

// Role is the coarse role carried by an identity
type Role string

const (
	RoleSuperAdmin    Role = "superAdmin"
	RoleAdmin         Role = "admin"
	RoleDoctor        Role = "doctor"
	RoleNurse         Role = "nurse"
	RolePharmacist    Role = "pharmacist"
	RoleLabTechnician Role = "labTechnician"
	// RolePatient is held by patient portal accounts. The identity id equals the patient id.
	RolePatient Role = "patient"
)

// Status is the employment/account status of an identity
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

// ParseRole validates a role string
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleSuperAdmin, RoleAdmin, RoleDoctor, RoleNurse, RolePharmacist, RoleLabTechnician, RolePatient:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// SecondFactor holds the TOTP enrollment of an identity
type SecondFactor struct {
	Enabled bool
	Secret  string
}

// Identity is the acting principal resolved from a bearer credential
type Identity struct {
	ID           string       `json:"id"`
	EmployeeID   string       `json:"employee_id,omitempty"`
	FirstName    string       `json:"first_name"`
	LastName     string       `json:"last_name"`
	Email        string       `json:"email,omitempty"`
	Role         Role         `json:"role"`
	Status       Status       `json:"status"`
	PasswordHash string       `json:"-"`
	SecondFactor SecondFactor `json:"-"`
}

// FullName returns "First Last"
func (i *Identity) FullName() string {
	switch {
	case i.FirstName == "":
		return i.LastName
	case i.LastName == "":
		return i.FirstName
	}
	return i.FirstName + " " + i.LastName
}

// DisplayName prefixes doctors with their title
func (i *Identity) DisplayName() string {
	if i.Role == RoleDoctor {
		return "Dr. " + i.FullName()
	}
	return i.FullName()
}

// IsActive reports whether the identity may pass authorization
func (i *Identity) IsActive() bool {
	return i.Status == StatusActive
}

// ErrIdentityNotFound is returned by stores when a subject does not resolve
var ErrIdentityNotFound = errors.New("identity not found")

// IdentityStore resolves a subject id to an identity
type IdentityStore interface {
	FindByID(ctx context.Context, id string) (*Identity, error)
}

// CredentialStore resolves login names for token issuance
type CredentialStore interface {
	FindByEmployeeID(ctx context.Context, employeeID string) (*Identity, error)
}

// ChainStore tries each store in order until one resolves the subject
type ChainStore []IdentityStore

// FindByID implements IdentityStore
func (c ChainStore) FindByID(ctx context.Context, id string) (*Identity, error) {
	for _, s := range c {
		ident, err := s.FindByID(ctx, id)
		if err == nil {
			return ident, nil
		}
		if !errors.Is(err, ErrIdentityNotFound) {
			return nil, err
		}
	}
	return nil, ErrIdentityNotFound
}

type ctxKey struct{}

// WithIdentity stores the authenticated identity in the context
func WithIdentity(ctx context.Context, ident *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, ident)
}

// FromContext returns the authenticated identity, or nil
func FromContext(ctx context.Context) *Identity {
	ident, _ := ctx.Value(ctxKey{}).(*Identity)
	return ident
}
