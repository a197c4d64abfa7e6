package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIssuer(t *testing.T, now *time.Time) *Issuer {
	t.Helper()

	issuer, err := NewIssuer(Config{
		AccessSecret:       "access-secret",
		RefreshSecret:      "refresh-secret",
		VerificationSecret: "verification-secret",
		AccessTTL:          time.Hour,
		RefreshTTL:         30 * 24 * time.Hour,
		VerificationTTL:    24 * time.Hour,
	})
	require.NoError(t, err)
	return issuer.WithClock(func() time.Time { return *now })
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, &now)

	pair, err := issuer.Issue("account-1")
	require.NoError(t, err)
	assert.NotEqual(t, pair.Access.JTI(), pair.Refresh.JTI())

	access, err := issuer.Verify(pair.AccessToken, KindAccess)
	require.NoError(t, err)
	assert.Equal(t, "account-1", access.AccountID())
	assert.Equal(t, pair.Access.JTI(), access.JTI())
	assert.Equal(t, now.Add(time.Hour), access.ExpiresAtTime())

	refresh, err := issuer.Verify(pair.RefreshToken, KindRefresh)
	require.NoError(t, err)
	assert.Equal(t, pair.Refresh.JTI(), refresh.JTI())
	assert.Equal(t, now.Add(30*24*time.Hour), refresh.ExpiresAtTime())
}

func TestVerifyRejectsCrossKind(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, &now)

	pair, err := issuer.Issue("account-1")
	require.NoError(t, err)

	_, err = issuer.Verify(pair.RefreshToken, KindAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = issuer.Verify(pair.AccessToken, KindRefresh)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsKindMismatchUnderSameSecret(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, &now)

	claims := Claims{Type: KindRefresh, RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    "brevity-server",
		Subject:   "account-1",
		ID:        "jti-1",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("access-secret"))
	require.NoError(t, err)

	_, err = issuer.Verify(raw, KindAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyExpired(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, &now)

	pair, err := issuer.Issue("account-1")
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = issuer.Verify(pair.AccessToken, KindAccess)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyRejectsGarbageAndAlgNone(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, &now)

	_, err := issuer.Verify("", KindAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = issuer.Verify("not.a.jwt", KindAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Type: KindAccess}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = issuer.Verify(unsigned, KindAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerificationTokenRoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, &now)

	raw, err := issuer.IssueVerification("account-1", "reader@example.com", "nonce-1")
	require.NoError(t, err)

	claims, err := issuer.VerifyVerification(raw)
	require.NoError(t, err)
	assert.Equal(t, "reader@example.com", claims.Email)
	assert.Equal(t, "nonce-1", claims.Nonce)

	_, err = issuer.Verify(raw, KindAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)

	now = now.Add(25 * time.Hour)
	_, err = issuer.VerifyVerification(raw)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestNewIssuerRequiresDistinctSecrets(t *testing.T) {
	_, err := NewIssuer(Config{AccessSecret: "same", RefreshSecret: "same"})
	assert.Error(t, err)

	_, err = NewIssuer(Config{AccessSecret: "only"})
	assert.Error(t, err)
}
