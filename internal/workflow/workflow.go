// Package workflow runs the prescription pipeline: issuance behind the
// interaction gate, guarded access and delivery. Every step is audited.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/audit"
	"github.com/drfirst/go-rxguard/internal/auth"
	"github.com/drfirst/go-rxguard/internal/delivery"
	"github.com/drfirst/go-rxguard/internal/document"
	"github.com/drfirst/go-rxguard/internal/domain/patient"
	"github.com/drfirst/go-rxguard/internal/domain/prescription"
	"github.com/drfirst/go-rxguard/internal/interaction"
	"github.com/drfirst/go-rxguard/internal/observability/metrics"
)

// SystemActorID is the acting identity of background repairs
const SystemActorID = "system"

// InteractionChecker is the interaction gate
type InteractionChecker interface {
	Check(ctx context.Context, drugs []string) ([]interaction.Interaction, error)
}

// StepUpVerifier checks the second factor of enrolled identities
type StepUpVerifier interface {
	RequireStepUp(ident *auth.Identity, code string) error
}

// Renderer produces and reads prescription documents
type Renderer interface {
	Render(ctx context.Context, in document.Input) (*document.Handle, error)
	Open(ctx context.Context, locator string) ([]byte, error)
}

// Deliverer sends a document to a recipient
type Deliverer interface {
	Deliver(ctx context.Context, doc delivery.Attachment, recipient string) error
}

// Dependencies wires a Workflow. Metrics, Clock, NewID are optional.
type Dependencies struct {
	Prescriptions prescription.Store
	Patients      patient.Directory
	Staff         auth.IdentityStore
	StepUp        StepUpVerifier
	Checker       InteractionChecker
	Documents     Renderer
	Delivery      Deliverer
	Audit         audit.Log
	Metrics       *metrics.Metrics
	Clock         func() time.Time
	NewID         func() string
}

// Workflow coordinates the prescription pipeline
type Workflow struct {
	store     prescription.Store
	patients  patient.Directory
	staff     auth.IdentityStore
	stepUp    StepUpVerifier
	checker   InteractionChecker
	documents Renderer
	delivery  Deliverer
	audit     audit.Log
	metrics   *metrics.Metrics
	now       func() time.Time
	newID     func() string
	tracer    trace.Tracer
	logger    *zap.Logger
}

// New creates a workflow
func New(deps Dependencies, logger *zap.Logger) (*Workflow, error) {
	switch {
	case deps.Prescriptions == nil:
		return nil, errors.New("prescription store is required")
	case deps.Patients == nil:
		return nil, errors.New("patient directory is required")
	case deps.Staff == nil:
		return nil, errors.New("staff store is required")
	case deps.StepUp == nil:
		return nil, errors.New("step-up verifier is required")
	case deps.Checker == nil:
		return nil, errors.New("interaction checker is required")
	case deps.Documents == nil:
		return nil, errors.New("document renderer is required")
	case deps.Delivery == nil:
		return nil, errors.New("delivery service is required")
	case deps.Audit == nil:
		return nil, errors.New("audit log is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = func() string { return uuid.New().String() }
	}
	return &Workflow{
		store:     deps.Prescriptions,
		patients:  deps.Patients,
		staff:     deps.Staff,
		stepUp:    deps.StepUp,
		checker:   deps.Checker,
		documents: deps.Documents,
		delivery:  deps.Delivery,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		now:       func() time.Time { return deps.Clock().UTC() },
		newID:     deps.NewID,
		tracer:    otel.Tracer("prescription-workflow"),
		logger:    logger,
	}, nil
}

// CreateRequest is the payload of a new prescription
type CreateRequest struct {
	PatientID   string                    `json:"patient"`
	Medications []prescription.Medication `json:"medications"`
	Diagnosis   string                    `json:"diagnosis"`
	ExpiryDate  string                    `json:"expiryDate"`
}

// Create issues a prescription. Only active doctors may create. A payload
// whose medications interact is rejected before anything is stored. Once
// stored, the record is kept even if rendering fails: the error is then a
// *document.RenderError and the document can be retried.
func (w *Workflow) Create(ctx context.Context, req CreateRequest, actor *auth.Identity) (*View, error) {
	defer w.metrics.Observe("create", time.Now())
	ctx, span := w.tracer.Start(ctx, "workflow.create")
	defer span.End()

	if err := auth.Authorize(actor, auth.RoleDoctor); err != nil {
		return nil, err
	}

	now := w.now()
	draft, err := prescription.NewDraft(req.PatientID, req.Medications, req.Diagnosis, req.ExpiryDate, now)
	if err != nil {
		return nil, err
	}

	pat, err := w.patients.Get(ctx, draft.PatientID)
	if errors.Is(err, patient.ErrNotFound) {
		return nil, &ValidationError{Problems: []string{"patient not found"}}
	}
	if err != nil {
		return nil, fmt.Errorf("resolve patient: %w", err)
	}

	hits, err := w.checker.Check(ctx, draft.DrugNames())
	if err != nil {
		return nil, fmt.Errorf("interaction check: %w", err)
	}
	if len(hits) > 0 {
		w.metrics.Blocked()
		w.logger.Info("prescription blocked by interaction gate",
			zap.String("prescriber_id", actor.ID),
			zap.Int("interactions", len(hits)))
		return nil, &InteractionDetectedError{Interactions: hits}
	}

	p := draft.Issue(w.newID(), actor.ID, now)
	span.SetAttributes(attribute.String("prescription.id", p.ID))
	if err := w.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("persist prescription: %w", err)
	}
	w.metrics.Created()

	_, renderErr := w.attachDocument(ctx, p, actor, pat)

	detail := map[string]any{
		"patient_id":  p.PatientID,
		"medications": len(p.Medications),
		"document":    "generated",
	}
	if renderErr != nil {
		detail["document"] = "pending"
	}
	if err := w.record(ctx, audit.NewEvent(audit.ActionPrescriptionCreated, actor.ID,
		audit.ResourcePrescription, p.ID, detail)); err != nil {
		return nil, err
	}

	if renderErr != nil {
		span.SetStatus(codes.Error, renderErr.Error())
		w.failure(ctx, renderErr, map[string]any{"prescription_id": p.ID, "operation": "create"})
		return nil, renderErr
	}
	return &View{Prescription: p, Patient: patientParty(pat), Prescriber: prescriberParty(actor)}, nil
}

// Fetch returns a prescription to an authorized reader. Doctors and
// pharmacists may read any prescription, patients only their own. Every
// successful read is audited.
func (w *Workflow) Fetch(ctx context.Context, id string, actor *auth.Identity, stepUpCode string) (*View, error) {
	defer w.metrics.Observe("fetch", time.Now())
	ctx, span := w.tracer.Start(ctx, "workflow.fetch", trace.WithAttributes(attribute.String("prescription.id", id)))
	defer span.End()

	if actor == nil {
		return nil, auth.ErrUnauthorized
	}
	if !actor.IsActive() {
		w.metrics.Accessed("forbidden")
		return nil, auth.ErrForbidden
	}
	if err := w.stepUp.RequireStepUp(actor, stepUpCode); err != nil {
		w.metrics.Accessed("step_up_failed")
		return nil, err
	}

	p, err := w.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !canRead(actor, p) {
		w.metrics.Accessed("forbidden")
		w.logger.Warn("prescription access denied",
			zap.String("prescription_id", id),
			zap.String("actor_id", actor.ID),
			zap.String("role", string(actor.Role)))
		return nil, auth.ErrForbidden
	}

	if err := w.record(ctx, audit.NewEvent(audit.ActionPrescriptionAccessed, actor.ID,
		audit.ResourcePrescription, p.ID, map[string]any{"role": string(actor.Role)})); err != nil {
		return nil, err
	}
	w.metrics.Accessed("granted")

	return w.expand(ctx, p)
}

func canRead(actor *auth.Identity, p *prescription.Prescription) bool {
	switch actor.Role {
	case auth.RoleDoctor, auth.RolePharmacist:
		return true
	}
	return actor.ID == p.PatientID
}

// SendResult describes a completed delivery
type SendResult struct {
	PrescriptionID string `json:"prescription_id"`
	Method         string `json:"method"`
	Recipient      string `json:"recipient"`
}

// Send emails the prescription document to the patient
func (w *Workflow) Send(ctx context.Context, id string, actor *auth.Identity) (*SendResult, error) {
	defer w.metrics.Observe("send", time.Now())
	ctx, span := w.tracer.Start(ctx, "workflow.send", trace.WithAttributes(attribute.String("prescription.id", id)))
	defer span.End()

	if err := auth.Authorize(actor, auth.RoleDoctor, auth.RolePharmacist); err != nil {
		return nil, err
	}

	p, err := w.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.HasDocument() {
		return nil, ErrNotReady
	}

	pat, err := w.patients.Get(ctx, p.PatientID)
	if err != nil {
		return nil, fmt.Errorf("resolve patient: %w", err)
	}

	data, err := w.documents.Open(ctx, p.DocumentRef)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}

	err = w.delivery.Deliver(ctx, delivery.Attachment{
		Filename:    document.FileName(p.ID),
		ContentType: "application/pdf",
		Data:        data,
	}, pat.Email)
	w.metrics.Delivered(err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		w.failure(ctx, err, map[string]any{"prescription_id": p.ID, "operation": "send"})
		return nil, err
	}

	if err := w.record(ctx, audit.NewEvent(audit.ActionPrescriptionSent, actor.ID,
		audit.ResourcePrescription, p.ID, map[string]any{
			"method":    "email",
			"recipient": pat.Email,
		})); err != nil {
		return nil, err
	}

	return &SendResult{PrescriptionID: p.ID, Method: "email", Recipient: pat.Email}, nil
}

// RetryDocument renders the document of a prescription whose render failed.
// It does nothing when a document already exists.
func (w *Workflow) RetryDocument(ctx context.Context, id string, actor *auth.Identity) (*View, error) {
	if err := auth.Authorize(actor, auth.RoleDoctor); err != nil {
		return nil, err
	}
	p, _, err := w.regenerate(ctx, id, actor.ID, "manual")
	if err != nil {
		return nil, err
	}
	return w.expand(ctx, p)
}

// RepairDocument is RetryDocument for background workers. It reports whether
// this call attached the document; false when another writer got there first.
func (w *Workflow) RepairDocument(ctx context.Context, id string) (bool, error) {
	p, err := w.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if p.HasDocument() {
		return false, nil
	}
	_, attached, err := w.regenerate(ctx, id, SystemActorID, "repair")
	if err != nil {
		return false, err
	}
	return attached, nil
}

// regenerate renders a missing document. Only the writer whose document was
// attached records the regeneration.
func (w *Workflow) regenerate(ctx context.Context, id, actorID, trigger string) (*prescription.Prescription, bool, error) {
	ctx, span := w.tracer.Start(ctx, "workflow.regenerate", trace.WithAttributes(
		attribute.String("prescription.id", id),
		attribute.String("trigger", trigger)))
	defer span.End()

	p, err := w.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if p.HasDocument() {
		return p, false, nil
	}

	pat, err := w.patients.Get(ctx, p.PatientID)
	if err != nil {
		return nil, false, fmt.Errorf("resolve patient: %w", err)
	}
	prescriber, err := w.staff.FindByID(ctx, p.PrescriberID)
	if err != nil {
		return nil, false, fmt.Errorf("resolve prescriber: %w", err)
	}

	attached, err := w.attachDocument(ctx, p, prescriber, pat)
	if err != nil {
		w.failure(ctx, err, map[string]any{"prescription_id": p.ID, "operation": "regenerate", "trigger": trigger})
		return nil, false, err
	}
	if !attached {
		w.logger.Info("document attached by another writer",
			zap.String("prescription_id", p.ID),
			zap.String("trigger", trigger))
		return p, false, nil
	}

	if err := w.record(ctx, audit.NewEvent(audit.ActionDocumentRegenerated, actorID,
		audit.ResourcePrescription, p.ID, map[string]any{"trigger": trigger})); err != nil {
		return nil, false, err
	}
	return p, true, nil
}

// attachDocument signs, renders and stores the document reference. Any
// failure is a *document.RenderError and leaves p without a document.
// attached is false when a concurrent writer stored its document first; p is
// then replaced by the stored record and the file rewritten to match it.
func (w *Workflow) attachDocument(ctx context.Context, p *prescription.Prescription, prescriber *auth.Identity, pat *patient.Patient) (attached bool, err error) {
	now := w.now()
	p.Sign(prescriber.ID, now)

	h, err := w.documents.Render(ctx, document.Input{
		Prescription: p,
		Prescriber:   prescriber,
		Patient:      pat,
	})
	w.metrics.Rendered(err)
	if err != nil {
		p.Signature = nil
		return false, asRenderError(p.ID, err)
	}

	if err := p.AttachDocument(h.Locator, now); err != nil {
		p.Signature = nil
		return false, asRenderError(p.ID, err)
	}

	err = w.store.AttachDocument(ctx, p)
	if errors.Is(err, prescription.ErrDocumentAttached) {
		stored, getErr := w.store.Get(ctx, p.ID)
		if getErr != nil {
			return false, asRenderError(p.ID, getErr)
		}
		*p = *stored
		// our render overwrote the winner's file; put back the signed copy
		if _, err := w.documents.Render(ctx, document.Input{
			Prescription: p,
			Prescriber:   prescriber,
			Patient:      pat,
		}); err != nil {
			return false, asRenderError(p.ID, err)
		}
		return false, nil
	}
	if err != nil {
		p.Signature = nil
		p.DocumentRef = ""
		return false, asRenderError(p.ID, err)
	}
	return true, nil
}

func asRenderError(id string, err error) error {
	var rerr *document.RenderError
	if errors.As(err, &rerr) {
		if rerr.PrescriptionID == "" {
			rerr.PrescriptionID = id
		}
		return rerr
	}
	return &document.RenderError{PrescriptionID: id, Err: err}
}

// record writes an audit event. A failed write is an *AuditError.
func (w *Workflow) record(ctx context.Context, event audit.Event) error {
	if err := w.audit.Record(ctx, event); err != nil {
		w.metrics.AuditFailed()
		w.failure(ctx, err, map[string]any{
			"action":      event.Action,
			"resource_id": event.ResourceID,
		})
		return &AuditError{Action: event.Action, ResourceID: event.ResourceID, Err: err}
	}
	return nil
}

// failure writes to the error audit stream when the log has one
func (w *Workflow) failure(ctx context.Context, err error, fields map[string]any) {
	if fr, ok := w.audit.(audit.FailureRecorder); ok {
		fr.Failure(ctx, err, fields)
		return
	}
	w.logger.Error("operation failed", zap.Error(err), zap.Any("context", fields))
}
