// Package prescription holds the prescription record, its invariants and its
// persistence.
package prescription

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound means no prescription has the requested id
	ErrNotFound = errors.New("prescription not found")
	// ErrDocumentAttached means the prescription already has a document
	ErrDocumentAttached = errors.New("prescription already has a document")
)

// Status is the stored prescription status
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Medication is one ordered entry of a prescription
type Medication struct {
	Name              string   `json:"name"`
	Dosage            string   `json:"dosage"`
	Frequency         string   `json:"frequency"`
	Duration          string   `json:"duration,omitempty"`
	Instructions      string   `json:"instructions,omitempty"`
	Contraindications []string `json:"contraindications,omitempty"`
}

// Signature records who signed the generated document and when
type Signature struct {
	SignerID string    `json:"signer_id"`
	SignedAt time.Time `json:"signed_at"`
}

// Prescription is an issued prescription. Medications and diagnosis never
// change after creation; only the status and the document/signature pair do.
type Prescription struct {
	ID           string       `json:"id"`
	PatientID    string       `json:"patient_id"`
	PrescriberID string       `json:"prescriber_id"`
	Medications  []Medication `json:"medications"`
	Diagnosis    string       `json:"diagnosis"`
	IssueDate    time.Time    `json:"issue_date"`
	ExpiryDate   time.Time    `json:"expiry_date"`
	Status       Status       `json:"status"`
	Signature    *Signature   `json:"signature,omitempty"`
	DocumentRef  string       `json:"document_ref,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// ValidationError lists every problem found in a payload
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid prescription: " + strings.Join(e.Problems, "; ")
}

// Draft is a validated, not yet persisted prescription payload
type Draft struct {
	PatientID   string
	Medications []Medication
	Diagnosis   string
	ExpiryDate  time.Time
}

// NewDraft validates a payload against the issue instant now. Every problem
// is reported, not only the first.
func NewDraft(patientID string, meds []Medication, diagnosis, expiry string, now time.Time) (*Draft, error) {
	var problems []string

	if strings.TrimSpace(patientID) == "" {
		problems = append(problems, "patient is required")
	}
	if len(meds) == 0 {
		problems = append(problems, "at least one medication is required")
	}
	cleaned := make([]Medication, len(meds))
	for i, m := range meds {
		m.Name = strings.TrimSpace(m.Name)
		m.Dosage = strings.TrimSpace(m.Dosage)
		m.Frequency = strings.TrimSpace(m.Frequency)
		if m.Name == "" {
			problems = append(problems, fmt.Sprintf("medications[%d].name is required", i))
		}
		if m.Dosage == "" {
			problems = append(problems, fmt.Sprintf("medications[%d].dosage is required", i))
		}
		if m.Frequency == "" {
			problems = append(problems, fmt.Sprintf("medications[%d].frequency is required", i))
		}
		cleaned[i] = m
	}
	if strings.TrimSpace(diagnosis) == "" {
		problems = append(problems, "diagnosis is required")
	}

	var expiryDate time.Time
	if strings.TrimSpace(expiry) == "" {
		problems = append(problems, "expiry date is required")
	} else if t, err := ParseDate(expiry); err != nil {
		problems = append(problems, "expiry date must be an ISO-8601 date or date-time")
	} else if !t.After(now) {
		problems = append(problems, "expiry date must be after the issue date")
	} else {
		expiryDate = t.UTC()
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return &Draft{
		PatientID:   strings.TrimSpace(patientID),
		Medications: cleaned,
		Diagnosis:   strings.TrimSpace(diagnosis),
		ExpiryDate:  expiryDate,
	}, nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseDate accepts ISO-8601 dates and date-times. Values without a zone are UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// Issue turns a draft into a prescription issued by prescriberID at now
func (d *Draft) Issue(id, prescriberID string, now time.Time) *Prescription {
	now = now.UTC()
	return &Prescription{
		ID:           id,
		PatientID:    d.PatientID,
		PrescriberID: prescriberID,
		Medications:  append([]Medication(nil), d.Medications...),
		Diagnosis:    d.Diagnosis,
		IssueDate:    now,
		ExpiryDate:   d.ExpiryDate,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// DrugNames returns medication names in order
func (d *Draft) DrugNames() []string {
	names := make([]string, len(d.Medications))
	for i, m := range d.Medications {
		names[i] = m.Name
	}
	return names
}

// HasDocument reports whether a document has been generated. A prescription
// without one is issued but not yet deliverable.
func (p *Prescription) HasDocument() bool {
	return p.DocumentRef != ""
}

// Sign sets the signature that the document will carry
func (p *Prescription) Sign(signerID string, at time.Time) {
	p.Signature = &Signature{SignerID: signerID, SignedAt: at.UTC()}
}

// AttachDocument records the document reference. The prescription must be
// signed and must not already have a document.
func (p *Prescription) AttachDocument(ref string, at time.Time) error {
	if p.HasDocument() {
		return ErrDocumentAttached
	}
	if ref == "" {
		return errors.New("document reference is required")
	}
	if p.Signature == nil {
		return errors.New("document requires a signature")
	}
	p.DocumentRef = ref
	p.Touch(at)
	return nil
}

// Touch updates the last-modified timestamp
func (p *Prescription) Touch(at time.Time) {
	p.UpdatedAt = at.UTC()
}

// Clone returns a deep copy
func (p *Prescription) Clone() *Prescription {
	cp := *p
	cp.Medications = make([]Medication, len(p.Medications))
	for i, m := range p.Medications {
		m.Contraindications = append([]string(nil), m.Contraindications...)
		cp.Medications[i] = m
	}
	if p.Signature != nil {
		sig := *p.Signature
		cp.Signature = &sig
	}
	return &cp
}
