package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/auth"
	"github.com/drfirst/go-rxguard/internal/security"
)

// Repository is the PostgreSQL patient directory. It also resolves patient
// portal identities for the authentication gateway.
type Repository struct {
	pool   *pgxpool.Pool
	cipher *security.FieldCipher
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, cipher *security.FieldCipher, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, cipher: cipher, logger: logger}
}

// Create inserts a patient, encrypting email and SSN
func (r *Repository) Create(ctx context.Context, p *Patient) error {
	email, err := r.cipher.Encrypt(ColumnEmail, p.Email)
	if err != nil {
		return err
	}
	ssn, err := r.cipher.Encrypt(ColumnSSN, p.SSN)
	if err != nil {
		return err
	}
	status := p.Status
	if status == "" {
		status = auth.StatusActive
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO patients (id, mrn, first_name, last_name, date_of_birth, email_encrypted, phone, ssn_encrypted, portal_status)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9)
	`, p.ID, p.MRN, p.FirstName, p.LastName, p.DateOfBirth, email, p.Phone, ssn, status)
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

// Get implements Directory
func (r *Repository) Get(ctx context.Context, id string) (*Patient, error) {
	var (
		p          Patient
		dob        *time.Time
		email      *string
		phone      *string
		ssn        *string
		totpSecret *string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, mrn, first_name, last_name, date_of_birth, email_encrypted, phone, ssn_encrypted,
		       portal_status, totp_secret, totp_enabled
		FROM patients WHERE id = $1
	`, id).Scan(&p.ID, &p.MRN, &p.FirstName, &p.LastName, &dob, &email, &phone, &ssn,
		&p.Status, &totpSecret, &p.SecondFactor.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get patient %s: %w", id, err)
	}

	p.DateOfBirth = dob
	if phone != nil {
		p.Phone = *phone
	}
	if email != nil {
		if p.Email, err = r.cipher.Decrypt(ColumnEmail, *email); err != nil {
			return nil, fmt.Errorf("decrypt patient email: %w", err)
		}
	}
	if ssn != nil {
		if p.SSN, err = r.cipher.Decrypt(ColumnSSN, *ssn); err != nil {
			return nil, fmt.Errorf("decrypt patient ssn: %w", err)
		}
	}
	if totpSecret != nil {
		if p.SecondFactor.Secret, err = r.cipher.Decrypt(ColumnTOTPSecret, *totpSecret); err != nil {
			return nil, fmt.Errorf("decrypt patient totp secret: %w", err)
		}
	}
	return &p, nil
}

// FindByID implements auth.IdentityStore for patient portal accounts
func (r *Repository) FindByID(ctx context.Context, id string) (*auth.Identity, error) {
	p, err := r.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, auth.ErrIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	return p.Identity(), nil
}
