package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUnauthenticated means no credential, or one that is malformed, expired or unresolvable
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrUnauthorized means an authorization check ran without an identity
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the identity is known but not allowed
	ErrForbidden = errors.New("forbidden")
	// ErrStepUpFailed means the one-time code was missing or wrong
	ErrStepUpFailed = errors.New("second factor verification failed")
)

// MinSecretLength is the shortest accepted HMAC signing secret
const MinSecretLength = 32

// Config holds gateway configuration
type Config struct {
	// Secret signs and verifies HS256 tokens
	Secret []byte
	// Issuer is written to and required on every token
	Issuer string
	// TokenTTL is the lifetime of issued tokens
	TokenTTL time.Duration
	// StepUpSkew is the number of 30s TOTP steps tolerated either side of now
	StepUpSkew uint
}

// DefaultConfig returns defaults for the given secret
func DefaultConfig(secret []byte) Config {
	return Config{
		Secret:     secret,
		Issuer:     "rxguard",
		TokenTTL:   8 * time.Hour,
		StepUpSkew: 1,
	}
}

// Claims are the JWT claims carried by bearer tokens
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Gateway authenticates bearer credentials and authorizes identities
type Gateway struct {
	cfg    Config
	store  IdentityStore
	logger *zap.Logger
	now    func() time.Time
}

// NewGateway creates a gateway bound to a secret and an identity store
func NewGateway(cfg Config, store IdentityStore, logger *zap.Logger) (*Gateway, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("signing secret must be at least %d bytes", MinSecretLength)
	}
	if store == nil {
		return nil, errors.New("identity store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultConfig(nil).TokenTTL
	}
	return &Gateway{
		cfg:    cfg,
		store:  store,
		logger: logger,
		now:    time.Now,
	}, nil
}

// WithClock replaces the gateway clock
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// Authenticate validates a bearer token and resolves its subject
func (g *Gateway) Authenticate(ctx context.Context, bearer string) (*Identity, error) {
	tokenString := strings.TrimSpace(bearer)
	if after, ok := strings.CutPrefix(tokenString, "Bearer "); ok {
		tokenString = strings.TrimSpace(after)
	}
	if tokenString == "" {
		return nil, ErrUnauthenticated
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return g.cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(g.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil || !token.Valid {
		g.logger.Debug("token rejected", zap.Error(err))
		return nil, ErrUnauthenticated
	}
	if claims.Subject == "" {
		return nil, ErrUnauthenticated
	}

	ident, err := g.store.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("resolve subject: %w", err)
	}
	return ident, nil
}

// Authorize checks that an active identity holds one of the allowed roles
func (g *Gateway) Authorize(ident *Identity, allowed ...Role) error {
	return Authorize(ident, allowed...)
}

// Authorize checks that an active identity holds one of the allowed roles.
// An empty allowed list only checks presence and status.
func Authorize(ident *Identity, allowed ...Role) error {
	if ident == nil {
		return ErrUnauthorized
	}
	if !ident.IsActive() {
		return ErrForbidden
	}
	if len(allowed) == 0 {
		return nil
	}
	for _, r := range allowed {
		if ident.Role == r {
			return nil
		}
	}
	return ErrForbidden
}

// RequireStepUp validates a TOTP code for identities enrolled in a second factor.
// Identities without an enabled second factor pass through.
func (g *Gateway) RequireStepUp(ident *Identity, code string) error {
	if ident == nil {
		return ErrUnauthorized
	}
	if !ident.SecondFactor.Enabled {
		return nil
	}
	code = strings.TrimSpace(code)
	if code == "" || ident.SecondFactor.Secret == "" {
		return ErrStepUpFailed
	}

	ok, err := totp.ValidateCustom(code, ident.SecondFactor.Secret, g.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      g.cfg.StepUpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !ok {
		g.logger.Info("step-up rejected", zap.String("identity", ident.ID))
		return ErrStepUpFailed
	}
	return nil
}

// IssueToken signs a bearer token for the identity
func (g *Gateway) IssueToken(ident *Identity) (string, time.Time, error) {
	if err := Authorize(ident); err != nil {
		return "", time.Time{}, err
	}
	now := g.now()
	expiresAt := now.Add(g.cfg.TokenTTL)
	claims := &Claims{
		Role: string(ident.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ident.ID,
			Issuer:    g.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.cfg.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// dummyHash keeps login timing similar for unknown and known accounts
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("rxguard-timing-equalizer"), bcrypt.DefaultCost)

// Login verifies an employee id and password
func (g *Gateway) Login(ctx context.Context, creds CredentialStore, employeeID, password string) (*Identity, error) {
	ident, err := creds.FindByEmployeeID(ctx, employeeID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("lookup credentials: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(ident.PasswordHash), []byte(password)); err != nil {
		return nil, ErrUnauthenticated
	}
	return ident, nil
}

// HashPassword returns a bcrypt hash suitable for Identity.PasswordHash
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// EnrollSecondFactor generates a TOTP secret and its provisioning URL
func EnrollSecondFactor(issuer, account string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
	})
	if err != nil {
		return "", "", fmt.Errorf("generate totp key: %w", err)
	}
	return key.Secret(), key.URL(), nil
}
