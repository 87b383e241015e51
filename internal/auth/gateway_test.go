package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestGateway(t *testing.T, idents ...*Identity) (*Gateway, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore(idents...)
	gw, err := NewGateway(DefaultConfig(testSecret), store, nil)
	require.NoError(t, err)
	return gw, store
}

func doctor() *Identity {
	return &Identity{ID: "staff-1", EmployeeID: "E100", FirstName: "Gregory", LastName: "House", Role: RoleDoctor, Status: StatusActive}
}

func TestNewGateway_RejectsShortSecret(t *testing.T) {
	_, err := NewGateway(DefaultConfig([]byte("short")), NewMemoryStore(), nil)
	assert.Error(t, err)
}

func TestAuthenticate_RoundTrip(t *testing.T) {
	gw, _ := newTestGateway(t, doctor())

	token, exp, err := gw.IssueToken(doctor())
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	ident, err := gw.Authenticate(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "staff-1", ident.ID)
	assert.Equal(t, RoleDoctor, ident.Role)
}

func TestAuthenticate_Failures(t *testing.T) {
	gw, _ := newTestGateway(t, doctor())

	sign := func(secret []byte, claims *Claims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
		require.NoError(t, err)
		return s
	}
	valid := func(sub string) *Claims {
		return &Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    "rxguard",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
	}

	expired := valid("staff-1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	noExp := valid("staff-1")
	noExp.ExpiresAt = nil

	wrongIssuer := valid("staff-1")
	wrongIssuer.Issuer = "someone-else"

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"malformed", "not-a-token"},
		{"wrong secret", sign([]byte("ffffffffffffffffffffffffffffffff"), valid("staff-1"))},
		{"expired", sign(testSecret, expired)},
		{"missing expiry", sign(testSecret, noExp)},
		{"wrong issuer", sign(testSecret, wrongIssuer)},
		{"unknown subject", sign(testSecret, valid("ghost"))},
		{"empty subject", sign(testSecret, valid(""))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := gw.Authenticate(context.Background(), tt.token)
			assert.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}

func TestAuthenticate_RejectsNoneAlgorithm(t *testing.T) {
	gw, _ := newTestGateway(t, doctor())
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "staff-1",
		Issuer:    "rxguard",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = gw.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthorize(t *testing.T) {
	nurse := &Identity{ID: "n1", Role: RoleNurse, Status: StatusActive}
	suspended := &Identity{ID: "d2", Role: RoleDoctor, Status: StatusSuspended}
	inactive := &Identity{ID: "d3", Role: RoleDoctor, Status: StatusInactive}

	assert.ErrorIs(t, Authorize(nil, RoleDoctor), ErrUnauthorized)
	assert.NoError(t, Authorize(doctor(), RoleDoctor))
	assert.NoError(t, Authorize(doctor(), RoleDoctor, RolePharmacist))
	assert.ErrorIs(t, Authorize(nurse, RoleDoctor), ErrForbidden)
	assert.ErrorIs(t, Authorize(suspended, RoleDoctor), ErrForbidden)
	assert.ErrorIs(t, Authorize(inactive, RoleDoctor), ErrForbidden)
	assert.NoError(t, Authorize(nurse))
}

func TestRequireStepUp(t *testing.T) {
	secret, _, err := EnrollSecondFactor("rxguard", "house@example.org")
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gw, _ := newTestGateway(t)
	gw.WithClock(func() time.Time { return now })

	enrolled := doctor()
	enrolled.SecondFactor = SecondFactor{Enabled: true, Secret: secret}

	code := func(at time.Time) string {
		c, err := totp.GenerateCode(secret, at)
		require.NoError(t, err)
		return c
	}

	t.Run("disabled passes through", func(t *testing.T) {
		assert.NoError(t, gw.RequireStepUp(doctor(), ""))
	})
	t.Run("current code", func(t *testing.T) {
		assert.NoError(t, gw.RequireStepUp(enrolled, code(now)))
	})
	t.Run("one step of skew", func(t *testing.T) {
		assert.NoError(t, gw.RequireStepUp(enrolled, code(now.Add(-30*time.Second))))
		assert.NoError(t, gw.RequireStepUp(enrolled, code(now.Add(30*time.Second))))
	})
	t.Run("outside window", func(t *testing.T) {
		assert.ErrorIs(t, gw.RequireStepUp(enrolled, code(now.Add(-5*time.Minute))), ErrStepUpFailed)
	})
	t.Run("missing code", func(t *testing.T) {
		assert.ErrorIs(t, gw.RequireStepUp(enrolled, ""), ErrStepUpFailed)
	})
	t.Run("nil identity", func(t *testing.T) {
		assert.ErrorIs(t, gw.RequireStepUp(nil, "123456"), ErrUnauthorized)
	})
}

func TestLogin(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	d := doctor()
	d.PasswordHash = hash
	gw, store := newTestGateway(t, d)

	ident, err := gw.Login(context.Background(), store, "E100", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "staff-1", ident.ID)

	_, err = gw.Login(context.Background(), store, "E100", "wrong")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = gw.Login(context.Background(), store, "E999", "correct horse")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestChainStore(t *testing.T) {
	staff := NewMemoryStore(doctor())
	patients := NewMemoryStore(&Identity{ID: "pat-1", Role: RolePatient, Status: StatusActive})
	chain := ChainStore{staff, patients}

	ident, err := chain.FindByID(context.Background(), "pat-1")
	require.NoError(t, err)
	assert.Equal(t, RolePatient, ident.Role)

	_, err = chain.FindByID(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrIdentityNotFound)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Dr. Gregory House", doctor().DisplayName())
	p := &Identity{FirstName: "Lisa", LastName: "Cuddy", Role: RoleAdmin}
	assert.Equal(t, "Lisa Cuddy", p.DisplayName())
}
