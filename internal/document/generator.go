package document

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/go-pdf/fpdf"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RenderError means a document could not be produced or stored. The
// prescription it belongs to is kept and the render can be retried.
type RenderError struct {
	PrescriptionID string
	Err            error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render document for prescription %s: %v", e.PrescriptionID, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Handle identifies a stored document
type Handle struct {
	Locator  string
	Name     string
	Size     int
	Checksum string
}

// Config holds document settings
type Config struct {
	Institution string
}

// DefaultConfig returns document defaults
func DefaultConfig() Config {
	return Config{Institution: "Hospital Management System"}
}

// Generator renders prescriptions to PDF
type Generator struct {
	cfg    Config
	store  Store
	tracer trace.Tracer
	logger *zap.Logger
}

// NewGenerator creates a generator writing to store
func NewGenerator(cfg Config, store Store, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Institution == "" {
		cfg.Institution = DefaultConfig().Institution
	}
	return &Generator{
		cfg:    cfg,
		store:  store,
		tracer: otel.Tracer("document-generator"),
		logger: logger,
	}
}

// FileName is the stored name of a prescription document
func FileName(prescriptionID string) string {
	return "prescription_" + prescriptionID + ".pdf"
}

// Render draws and stores the document. Failures are *RenderError.
func (g *Generator) Render(ctx context.Context, in Input) (*Handle, error) {
	if in.Prescription == nil || in.Prescriber == nil || in.Patient == nil {
		return nil, &RenderError{Err: errors.New("prescription, prescriber and patient are required")}
	}
	id := in.Prescription.ID

	ctx, span := g.tracer.Start(ctx, "document.render",
		trace.WithAttributes(attribute.String("prescription.id", id)))
	defer span.End()

	fail := func(err error) (*Handle, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &RenderError{PrescriptionID: id, Err: err}
	}

	if in.Institution == "" {
		in.Institution = g.cfg.Institution
	}
	data, err := g.draw(in)
	if err != nil {
		return fail(err)
	}

	name := FileName(id)
	locator, err := g.store.Put(ctx, name, data)
	if err != nil {
		return fail(err)
	}

	sum := sha256.Sum256(data)
	g.logger.Debug("document rendered",
		zap.String("prescription_id", id),
		zap.String("locator", locator),
		zap.Int("size", len(data)))

	return &Handle{
		Locator:  locator,
		Name:     name,
		Size:     len(data),
		Checksum: hex.EncodeToString(sum[:]),
	}, nil
}

// Open reads a stored document
func (g *Generator) Open(ctx context.Context, locator string) ([]byte, error) {
	rc, err := g.store.Open(ctx, locator)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", locator, err)
	}
	return data, nil
}

func (g *Generator) draw(in Input) ([]byte, error) {
	p := in.Prescription

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCreationDate(p.IssueDate)
	pdf.SetModificationDate(p.IssueDate)
	// same prescription, same bytes
	pdf.SetCatalogSort(true)
	pdf.SetTitle("Prescription "+p.ID, true)
	pdf.SetAuthor(in.Prescriber.DisplayName(), true)
	pdf.SetCreator(in.Institution, true)
	pdf.AddPage()

	tr := pdf.UnicodeTranslatorFromDescriptor("")
	const left = 18.0

	pdf.SetXY(left, 18)
	for _, line := range Layout(in) {
		switch line.Kind {
		case KindHeader:
			pdf.SetFont("Helvetica", "B", 20)
			pdf.CellFormat(0, 10, tr(line.Text), "", 1, "L", false, 0, "")
			pdf.Ln(6)
		case KindBody:
			pdf.SetFont("Helvetica", "", 12)
			pdf.SetX(left)
			pdf.CellFormat(0, 7, tr(line.Text), "", 1, "L", false, 0, "")
		case KindSignature:
			pdf.SetFont("Helvetica", "", 10)
			pdf.SetXY(left, 255)
			pdf.CellFormat(0, 5, tr(line.Text), "", 1, "L", false, 0, "")
		case KindTimestamp:
			pdf.SetFont("Helvetica", "", 8)
			pdf.SetX(left)
			pdf.CellFormat(0, 4, line.Text, "", 1, "L", false, 0, "")
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), nil
}
