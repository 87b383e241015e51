package r5

// MedicationRequest represents a FHIR R5 MedicationRequest resource.
// One is exported per prescribed medication.
type MedicationRequest struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`

	Status string `json:"status"`
	Intent string `json:"intent"`

	// GroupIdentifier ties together the requests of one prescription
	GroupIdentifier *Identifier `json:"groupIdentifier,omitempty"`

	Medication CodeableReference `json:"medication"`
	Subject    Reference         `json:"subject"`
	AuthoredOn string            `json:"authoredOn"`
	Requester  *Reference        `json:"requester,omitempty"`

	Reason            []CodeableReference `json:"reason,omitempty"`
	Note              []Annotation        `json:"note,omitempty"`
	DosageInstruction []Dosage            `json:"dosageInstruction,omitempty"`
	DispenseRequest   *DispenseRequest    `json:"dispenseRequest,omitempty"`
}

// DispenseRequest contains information about the requested dispensing.
type DispenseRequest struct {
	// Validity period for the prescription
	ValidityPeriod *Period `json:"validityPeriod,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Sequence              int               `json:"sequence,omitempty"`
	Text                  string            `json:"text,omitempty"`
	PatientInstruction    string            `json:"patientInstruction,omitempty"`
	AdditionalInstruction []CodeableConcept `json:"additionalInstruction,omitempty"`
}
