// Package document renders signed prescription documents and stores them.
package document

import (
	"fmt"
	"time"

	"github.com/drfirst/go-rxguard/internal/auth"
	"github.com/drfirst/go-rxguard/internal/domain/patient"
	"github.com/drfirst/go-rxguard/internal/domain/prescription"
)

// Input is everything a document shows
type Input struct {
	Institution  string
	Prescription *prescription.Prescription
	Prescriber   *auth.Identity
	Patient      *patient.Patient
}

// LineKind places a line on the page
type LineKind int

const (
	KindHeader LineKind = iota
	KindBody
	KindSignature
	KindTimestamp
)

// Line is one line of text in a document
type Line struct {
	Kind LineKind
	Text string
}

// Layout lays out a prescription. The signature block is present only when
// the prescription carries a signature.
func Layout(in Input) []Line {
	p := in.Prescription
	lines := []Line{
		{KindHeader, in.Institution},
		{KindBody, "Date: " + p.IssueDate.UTC().Format("2006-01-02")},
		{KindBody, "Patient: " + in.Patient.FullName()},
		{KindBody, "Doctor: " + in.Prescriber.DisplayName()},
		{KindBody, ""},
		{KindBody, "Prescribed Medications:"},
	}
	for _, m := range p.Medications {
		lines = append(lines, Line{KindBody, fmt.Sprintf("- %s: %s, %s", m.Name, m.Dosage, m.Frequency)})
		if m.Instructions != "" {
			lines = append(lines, Line{KindBody, "  Instructions: " + m.Instructions})
		}
	}
	if p.Signature != nil {
		lines = append(lines,
			Line{KindSignature, "Digitally signed by Dr. " + in.Prescriber.LastName},
			Line{KindTimestamp, p.Signature.SignedAt.UTC().Format(time.RFC3339)},
		)
	}
	return lines
}
