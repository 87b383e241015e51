package prescription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var issuedAt = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func validMeds() []Medication {
	return []Medication{{Name: "Amoxicillin", Dosage: "500mg", Frequency: "3x daily", Duration: "7 days"}}
}

func TestNewDraft_Valid(t *testing.T) {
	d, err := NewDraft(" pat-1 ", validMeds(), "Sinusitis", "2026-04-01", issuedAt)
	require.NoError(t, err)
	assert.Equal(t, "pat-1", d.PatientID)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), d.ExpiryDate)
	assert.Equal(t, []string{"Amoxicillin"}, d.DrugNames())
}

func TestNewDraft_AcceptsDateTime(t *testing.T) {
	d, err := NewDraft("pat-1", validMeds(), "Sinusitis", "2026-04-01T10:00:00+02:00", issuedAt)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC), d.ExpiryDate)
}

func TestNewDraft_ReportsEveryProblem(t *testing.T) {
	_, err := NewDraft("", []Medication{{Name: "Ibuprofen"}}, "", "yesterday", issuedAt)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Problems, "patient is required")
	assert.Contains(t, verr.Problems, "medications[0].dosage is required")
	assert.Contains(t, verr.Problems, "medications[0].frequency is required")
	assert.Contains(t, verr.Problems, "diagnosis is required")
	assert.Contains(t, verr.Problems, "expiry date must be an ISO-8601 date or date-time")
}

func TestNewDraft_ExpiryMustFollowIssue(t *testing.T) {
	cases := []string{"2026-03-01T09:30:00Z", "2026-02-28", "2026-03-01"}
	for _, expiry := range cases {
		t.Run(expiry, func(t *testing.T) {
			_, err := NewDraft("pat-1", validMeds(), "Sinusitis", expiry, issuedAt)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, []string{"expiry date must be after the issue date"}, verr.Problems)
		})
	}
}

func TestNewDraft_RequiresMedication(t *testing.T) {
	_, err := NewDraft("pat-1", nil, "Sinusitis", "2026-04-01", issuedAt)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"at least one medication is required"}, verr.Problems)
}

func TestIssueAndAttachDocument(t *testing.T) {
	d, err := NewDraft("pat-1", validMeds(), "Sinusitis", "2026-04-01", issuedAt)
	require.NoError(t, err)

	p := d.Issue("rx-1", "doc-1", issuedAt)
	assert.Equal(t, StatusActive, p.Status)
	assert.Equal(t, issuedAt, p.IssueDate)
	assert.False(t, p.HasDocument())

	assert.Error(t, p.AttachDocument("rx-1.pdf", issuedAt), "unsigned document must be rejected")

	later := issuedAt.Add(time.Second)
	p.Sign("doc-1", issuedAt)
	require.NoError(t, p.AttachDocument("rx-1.pdf", later))
	assert.True(t, p.HasDocument())
	assert.Equal(t, later, p.UpdatedAt)
	assert.ErrorIs(t, p.AttachDocument("other.pdf", later), ErrDocumentAttached)
}

func TestClone_IsDeep(t *testing.T) {
	p := &Prescription{ID: "rx-1", Medications: []Medication{{Name: "A", Contraindications: []string{"x"}}}}
	p.Sign("doc-1", issuedAt)
	cp := p.Clone()
	cp.Medications[0].Contraindications[0] = "y"
	cp.Signature.SignerID = "other"
	assert.Equal(t, "x", p.Medications[0].Contraindications[0])
	assert.Equal(t, "doc-1", p.Signature.SignerID)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	old := &Prescription{ID: "rx-old", PatientID: "pat-1", CreatedAt: issuedAt.Add(-time.Hour), UpdatedAt: issuedAt}
	fresh := &Prescription{ID: "rx-new", PatientID: "pat-1", CreatedAt: issuedAt, UpdatedAt: issuedAt}
	require.NoError(t, store.Create(ctx, old))
	require.NoError(t, store.Create(ctx, fresh))

	pending, err := store.ListUndocumented(ctx, issuedAt, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "rx-old", pending[0].ID)

	old.Sign("doc-1", issuedAt)
	require.NoError(t, old.AttachDocument("rx-old.pdf", issuedAt))
	require.NoError(t, store.AttachDocument(ctx, old))
	assert.ErrorIs(t, store.AttachDocument(ctx, old), ErrDocumentAttached)

	got, err := store.Get(ctx, "rx-old")
	require.NoError(t, err)
	assert.Equal(t, "rx-old.pdf", got.DocumentRef)
	require.NotNil(t, got.Signature)

	events := store.Events()
	require.Len(t, events, 3)
	assert.Equal(t, EventDocumentAttached, events[2].Type)
	assert.Equal(t, "rx-old.pdf", events[2].DocumentRef)
}
