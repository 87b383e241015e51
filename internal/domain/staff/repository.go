// Package staff stores employee identities and credentials.
package staff

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/auth"
	"github.com/drfirst/go-rxguard/internal/security"
)

// ColumnTOTPSecret is bound into the encrypted second-factor secret
const ColumnTOTPSecret = "staff.totp_secret"

// Repository implements auth.IdentityStore and auth.CredentialStore on PostgreSQL
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

// Create inserts a staff identity. PasswordHash must already be a bcrypt hash.
func (r *Repository) Create(ctx context.Context, ident *auth.Identity) error {
	if ident.Role == auth.RolePatient {
		return errors.New("patients are not staff")
	}
	status := ident.Status
	if status == "" {
		status = auth.StatusActive
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO staff (id, employee_id, first_name, last_name, email, role, status, password_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ident.ID, ident.EmployeeID, ident.FirstName, ident.LastName, ident.Email,
		ident.Role, status, ident.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert staff: %w", err)
	}
	return nil
}

// EnableSecondFactor stores an encrypted TOTP secret and turns step-up on
func (r *Repository) EnableSecondFactor(ctx context.Context, id, secret string) error {
	enc, err := r.cipher.Encrypt(ColumnTOTPSecret, secret)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE staff SET totp_secret = $2, totp_enabled = TRUE, updated_at = NOW() WHERE id = $1
	`, id, enc)
	if err != nil {
		return fmt.Errorf("enable second factor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return auth.ErrIdentityNotFound
	}
	return nil
}

// FindByID implements auth.IdentityStore
func (r *Repository) FindByID(ctx context.Context, id string) (*auth.Identity, error) {
	return r.find(ctx, "id", id)
}

// FindByEmployeeID implements auth.CredentialStore
func (r *Repository) FindByEmployeeID(ctx context.Context, employeeID string) (*auth.Identity, error) {
	return r.find(ctx, "employee_id", employeeID)
}

func (r *Repository) find(ctx context.Context, column, value string) (*auth.Identity, error) {
	var (
		ident  auth.Identity
		secret *string
	)
	query := `
		SELECT id, employee_id, first_name, last_name, email, role, status, password_hash, totp_secret, totp_enabled
		FROM staff WHERE ` + column + ` = $1`
	err := r.pool.QueryRow(ctx, query, value).Scan(&ident.ID, &ident.EmployeeID, &ident.FirstName,
		&ident.LastName, &ident.Email, &ident.Role, &ident.Status, &ident.PasswordHash,
		&secret, &ident.SecondFactor.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auth.ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find staff by %s: %w", column, err)
	}
	if secret != nil {
		if ident.SecondFactor.Secret, err = r.cipher.Decrypt(ColumnTOTPSecret, *secret); err != nil {
			return nil, fmt.Errorf("decrypt totp secret: %w", err)
		}
	}
	return &ident, nil
}
