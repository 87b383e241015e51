package prescription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxguard/internal/infrastructure/redpanda"
)

// Store persists prescriptions
type Store interface {
	// Create inserts a new prescription without document or signature
	Create(ctx context.Context, p *Prescription) error
	// Get loads a prescription or returns ErrNotFound
	Get(ctx context.Context, id string) (*Prescription, error)
	// AttachDocument stores the document reference and signature of p. It
	// fails with ErrDocumentAttached if a document was stored concurrently.
	AttachDocument(ctx context.Context, p *Prescription) error
	// ListUndocumented returns prescriptions created before cutoff that
	// still have no document, oldest first
	ListUndocumented(ctx context.Context, cutoff time.Time, limit int) ([]*Prescription, error)
}

// Repository is the PostgreSQL Store. Every write queues a domain event on
// the outbox in the same transaction.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// Create implements Store
func (r *Repository) Create(ctx context.Context, p *Prescription) error {
	meds, err := json.Marshal(p.Medications)
	if err != nil {
		return fmt.Errorf("marshal medications: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO prescriptions
		(id, patient_id, prescriber_id, medications, diagnosis, issue_date, expiry_date, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, p.ID, p.PatientID, p.PrescriberID, meds, p.Diagnosis,
		p.IssueDate, p.ExpiryDate, p.Status, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert prescription: %w", err)
	}

	if err := r.writeEvent(ctx, tx, IssuedEvent(p)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("prescription stored", zap.String("prescription_id", p.ID))
	return nil
}

// AttachDocument implements Store
func (r *Repository) AttachDocument(ctx context.Context, p *Prescription) error {
	if p.Signature == nil || p.DocumentRef == "" {
		return errors.New("document reference and signature are required")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE prescriptions
		SET document_ref = $2, signed_by = $3, signed_at = $4, updated_at = $5
		WHERE id = $1 AND document_ref IS NULL
	`, p.ID, p.DocumentRef, p.Signature.SignerID, p.Signature.SignedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("attach document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM prescriptions WHERE id = $1)`, p.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check prescription: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrDocumentAttached
	}

	if err := r.writeEvent(ctx, tx, DocumentAttachedEvent(p)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *Repository) writeEvent(ctx context.Context, tx pgx.Tx, event Event) error {
	entry, err := postgres.NewEntry(AggregateType, event.PrescriptionID, string(event.Type), redpanda.TopicPrescriptionEvents, event)
	if err != nil {
		return err
	}
	return postgres.WriteEntry(ctx, tx, entry)
}

const selectColumns = `
	SELECT id, patient_id, prescriber_id, medications, diagnosis, issue_date, expiry_date,
	       status, signed_by, signed_at, document_ref, created_at, updated_at
	FROM prescriptions
`

// Get implements Store
func (r *Repository) Get(ctx context.Context, id string) (*Prescription, error) {
	p, err := scanPrescription(r.pool.QueryRow(ctx, selectColumns+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prescription %s: %w", id, err)
	}
	return p, nil
}

// ListUndocumented implements Store
func (r *Repository) ListUndocumented(ctx context.Context, cutoff time.Time, limit int) ([]*Prescription, error) {
	rows, err := r.pool.Query(ctx, selectColumns+`
		WHERE document_ref IS NULL AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list undocumented: %w", err)
	}
	defer rows.Close()

	var out []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var (
		p        Prescription
		meds     []byte
		signedBy *string
		signedAt *time.Time
		docRef   *string
	)
	err := row.Scan(&p.ID, &p.PatientID, &p.PrescriberID, &meds, &p.Diagnosis,
		&p.IssueDate, &p.ExpiryDate, &p.Status, &signedBy, &signedAt, &docRef,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(meds, &p.Medications); err != nil {
		return nil, fmt.Errorf("unmarshal medications: %w", err)
	}
	if signedBy != nil && signedAt != nil {
		p.Signature = &Signature{SignerID: *signedBy, SignedAt: signedAt.UTC()}
	}
	if docRef != nil {
		p.DocumentRef = *docRef
	}
	return &p, nil
}
