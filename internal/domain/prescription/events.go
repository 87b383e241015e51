package prescription

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a prescription domain event
type EventType string

const (
	EventPrescriptionIssued EventType = "PrescriptionIssued"
	EventDocumentAttached   EventType = "DocumentAttached"
)

// AggregateType is the outbox aggregate type of prescription events
const AggregateType = "Prescription"

// Event is published on the prescription events topic through the outbox
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	PrescriptionID string    `json:"prescription_id"`
	PatientID      string    `json:"patient_id"`
	PrescriberID   string    `json:"prescriber_id"`
	DocumentRef    string    `json:"document_ref,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func newEvent(t EventType, p *Prescription) Event {
	return Event{
		ID:             uuid.New().String(),
		Type:           t,
		PrescriptionID: p.ID,
		PatientID:      p.PatientID,
		PrescriberID:   p.PrescriberID,
		DocumentRef:    p.DocumentRef,
		OccurredAt:     p.UpdatedAt,
	}
}

// IssuedEvent describes a newly persisted prescription
func IssuedEvent(p *Prescription) Event {
	return newEvent(EventPrescriptionIssued, p)
}

// DocumentAttachedEvent describes a document attached to a prescription
func DocumentAttachedEvent(p *Prescription) Event {
	return newEvent(EventDocumentAttached, p)
}
