package workflow

import (
	"context"
	"errors"

	"github.com/drfirst/go-rxguard/internal/auth"
	"github.com/drfirst/go-rxguard/internal/domain/patient"
	"github.com/drfirst/go-rxguard/internal/domain/prescription"
)

// Party is the expanded form of a patient or prescriber reference
type Party struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	MRN  string `json:"mrn,omitempty"`
	Role string `json:"role,omitempty"`
	// EmployeeID is set for staff parties
	EmployeeID string `json:"employee_id,omitempty"`
}

// View is a prescription with its patient and prescriber expanded
type View struct {
	*prescription.Prescription
	Patient    Party `json:"patient"`
	Prescriber Party `json:"prescriber"`
}

func patientParty(p *patient.Patient) Party {
	return Party{ID: p.ID, Name: p.FullName(), MRN: p.MRN}
}

func prescriberParty(ident *auth.Identity) Party {
	return Party{ID: ident.ID, Name: ident.DisplayName(), Role: string(ident.Role), EmployeeID: ident.EmployeeID}
}

// expand resolves both parties. A party that no longer resolves is shown by id.
func (w *Workflow) expand(ctx context.Context, p *prescription.Prescription) (*View, error) {
	v := &View{
		Prescription: p,
		Patient:      Party{ID: p.PatientID},
		Prescriber:   Party{ID: p.PrescriberID},
	}

	pat, err := w.patients.Get(ctx, p.PatientID)
	switch {
	case err == nil:
		v.Patient = patientParty(pat)
	case !errors.Is(err, patient.ErrNotFound):
		return nil, err
	}

	doc, err := w.staff.FindByID(ctx, p.PrescriberID)
	switch {
	case err == nil:
		v.Prescriber = prescriberParty(doc)
	case !errors.Is(err, auth.ErrIdentityNotFound):
		return nil, err
	}
	return v, nil
}
