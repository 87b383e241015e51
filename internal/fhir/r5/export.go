package r5

import (
	"fmt"
	"strings"
	"time"

	"github.com/drfirst/go-rxguard/internal/domain/prescription"
	"github.com/drfirst/go-rxguard/internal/workflow"
)

// ExportBundle maps a prescription view to a collection Bundle holding the
// patient, the prescriber and one MedicationRequest per medication.
func ExportBundle(v *workflow.View, at time.Time) *Bundle {
	p := v.Prescription
	patientRef := "Patient/" + p.PatientID
	prescriberRef := "Practitioner/" + p.PrescriberID

	bundle := &Bundle{
		ResourceType: "Bundle",
		ID:           p.ID,
		Identifier:   &Identifier{System: SystemPrescription, Value: p.ID},
		Type:         "collection",
		Timestamp:    at.UTC().Format(time.RFC3339),
	}

	pat := &Patient{ResourceType: "Patient", ID: p.PatientID}
	if v.Patient.MRN != "" {
		pat.Identifier = []Identifier{{Use: "usual", System: SystemMRN, Value: v.Patient.MRN}}
	}
	if v.Patient.Name != "" {
		pat.Name = []HumanName{{Use: "official", Text: v.Patient.Name}}
	}

	doc := &Practitioner{ResourceType: "Practitioner", ID: p.PrescriberID}
	if v.Prescriber.EmployeeID != "" {
		doc.Identifier = []Identifier{{Use: "official", System: SystemEmployeeID, Value: v.Prescriber.EmployeeID}}
	}
	if v.Prescriber.Name != "" {
		doc.Name = []HumanName{{Text: v.Prescriber.Name}}
	}

	bundle.Entry = append(bundle.Entry,
		BundleEntry{FullURL: "urn:uuid:" + p.PatientID, Resource: pat},
		BundleEntry{FullURL: "urn:uuid:" + p.PrescriberID, Resource: doc},
	)

	for i, m := range p.Medications {
		req := medicationRequest(p, m, i)
		req.Subject = Reference{Reference: patientRef, Display: v.Patient.Name}
		req.Requester = &Reference{Reference: prescriberRef, Display: v.Prescriber.Name}
		bundle.Entry = append(bundle.Entry, BundleEntry{
			FullURL:  fmt.Sprintf("urn:uuid:%s-%d", p.ID, i+1),
			Resource: req,
		})
	}
	return bundle
}

func medicationRequest(p *prescription.Prescription, m prescription.Medication, i int) *MedicationRequest {
	req := &MedicationRequest{
		ResourceType:    "MedicationRequest",
		ID:              fmt.Sprintf("%s-%d", p.ID, i+1),
		Meta:            &Meta{LastUpdated: p.UpdatedAt.UTC().Format(time.RFC3339)},
		Status:          requestStatus(p.Status),
		Intent:          IntentOrder,
		GroupIdentifier: &Identifier{System: SystemPrescription, Value: p.ID},
		Medication:      CodeableReference{Concept: &CodeableConcept{Text: m.Name}},
		AuthoredOn:      p.IssueDate.UTC().Format(time.RFC3339),
		DispenseRequest: &DispenseRequest{ValidityPeriod: &Period{
			Start: p.IssueDate.UTC().Format(time.RFC3339),
			End:   p.ExpiryDate.UTC().Format(time.RFC3339),
		}},
	}
	if p.Diagnosis != "" {
		req.Reason = []CodeableReference{{Concept: &CodeableConcept{Text: p.Diagnosis}}}
	}

	dosage := Dosage{
		Sequence:           1,
		Text:               dosageText(m),
		PatientInstruction: m.Instructions,
	}
	for _, c := range m.Contraindications {
		dosage.AdditionalInstruction = append(dosage.AdditionalInstruction, CodeableConcept{Text: "Contraindication: " + c})
	}
	req.DosageInstruction = []Dosage{dosage}
	return req
}

func dosageText(m prescription.Medication) string {
	parts := []string{m.Dosage, m.Frequency}
	if m.Duration != "" {
		parts = append(parts, "for "+m.Duration)
	}
	return strings.Join(parts, ", ")
}

func requestStatus(s prescription.Status) string {
	switch s {
	case prescription.StatusCompleted:
		return StatusCompleted
	case prescription.StatusCancelled:
		return StatusCancelled
	}
	return StatusActive
}
