package r5

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxguard/internal/domain/prescription"
	"github.com/drfirst/go-rxguard/internal/workflow"
)

func sampleView() *workflow.View {
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &workflow.View{
		Prescription: &prescription.Prescription{
			ID:           "rx-1",
			PatientID:    "pat-1",
			PrescriberID: "doc-1",
			Medications: []prescription.Medication{
				{Name: "Amoxicillin", Dosage: "500mg", Frequency: "3x daily", Duration: "7 days",
					Instructions: "With food", Contraindications: []string{"penicillin allergy"}},
				{Name: "Ibuprofen", Dosage: "200mg", Frequency: "as needed"},
			},
			Diagnosis:  "Acute sinusitis",
			IssueDate:  issued,
			ExpiryDate: issued.AddDate(0, 1, 0),
			Status:     prescription.StatusActive,
			UpdatedAt:  issued,
		},
		Patient:    workflow.Party{ID: "pat-1", Name: "Ada Lovelace", MRN: "MRN-1"},
		Prescriber: workflow.Party{ID: "doc-1", Name: "Dr. Gregory House", Role: "doctor", EmployeeID: "E100"},
	}
}

func TestExportBundle(t *testing.T) {
	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	b := ExportBundle(sampleView(), at)

	assert.Equal(t, "Bundle", b.ResourceType)
	assert.Equal(t, "collection", b.Type)
	assert.Equal(t, "2026-03-02T08:00:00Z", b.Timestamp)
	require.Len(t, b.Entry, 4)

	pat, ok := b.Entry[0].Resource.(*Patient)
	require.True(t, ok)
	assert.Equal(t, "MRN-1", pat.Identifier[0].Value)

	doc, ok := b.Entry[1].Resource.(*Practitioner)
	require.True(t, ok)
	require.Len(t, doc.Identifier, 1)
	assert.Equal(t, SystemEmployeeID, doc.Identifier[0].System)
	assert.Equal(t, "E100", doc.Identifier[0].Value)

	first, ok := b.Entry[2].Resource.(*MedicationRequest)
	require.True(t, ok)
	assert.Equal(t, "rx-1-1", first.ID)
	assert.Equal(t, StatusActive, first.Status)
	assert.Equal(t, IntentOrder, first.Intent)
	assert.Equal(t, "Amoxicillin", first.Medication.Concept.Text)
	assert.Equal(t, "Patient/pat-1", first.Subject.Reference)
	assert.Equal(t, "Practitioner/doc-1", first.Requester.Reference)
	assert.Equal(t, "500mg, 3x daily, for 7 days", first.DosageInstruction[0].Text)
	assert.Equal(t, "With food", first.DosageInstruction[0].PatientInstruction)
	require.Len(t, first.DosageInstruction[0].AdditionalInstruction, 1)
	assert.Equal(t, "2026-04-01T12:00:00Z", first.DispenseRequest.ValidityPeriod.End)
	assert.Equal(t, "Acute sinusitis", first.Reason[0].Concept.Text)
	assert.Equal(t, "rx-1", first.GroupIdentifier.Value)
}

func TestExportBundle_JSONShape(t *testing.T) {
	data, err := json.Marshal(ExportBundle(sampleView(), time.Now()))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	entries := decoded["entry"].([]any)
	resource := entries[3].(map[string]any)["resource"].(map[string]any)
	assert.Equal(t, "MedicationRequest", resource["resourceType"])
	assert.Equal(t, "Ibuprofen", resource["medication"].(map[string]any)["concept"].(map[string]any)["text"])
}

func TestRequestStatus(t *testing.T) {
	assert.Equal(t, StatusCancelled, requestStatus(prescription.StatusCancelled))
	assert.Equal(t, StatusCompleted, requestStatus(prescription.StatusCompleted))
	assert.Equal(t, StatusActive, requestStatus(""))
}

func TestNewErrorOutcome(t *testing.T) {
	data, err := json.Marshal(NewErrorOutcome(IssueNotFound, "prescription not found"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"not-found","diagnostics":"prescription not found"}]}`, string(data))
}
