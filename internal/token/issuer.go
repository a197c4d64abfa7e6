package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Kind string

const (
	KindAccess            Kind = "access"
	KindRefresh           Kind = "refresh"
	KindEmailVerification Kind = "email_verification"
)

const issuer = "brevity-server"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

type Claims struct {
	Type  Kind   `json:"typ"`
	Email string `json:"email,omitempty"`
	Nonce string `json:"nonce,omitempty"`
	jwt.RegisteredClaims
}

func (c Claims) AccountID() string {
	return c.Subject
}

func (c Claims) JTI() string {
	return c.ID
}

func (c Claims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time.UTC()
}

// Pair is the access/refresh couple handed out on login. The claims are kept
// so callers can persist the refresh JTI and expiry without re-parsing.
type Pair struct {
	AccessToken  string
	RefreshToken string
	Access       Claims
	Refresh      Claims
}

type Config struct {
	AccessSecret       string
	RefreshSecret      string
	VerificationSecret string
	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	VerificationTTL    time.Duration
}

type Issuer struct {
	accessSecret       []byte
	refreshSecret      []byte
	verificationSecret []byte
	accessTTL          time.Duration
	refreshTTL         time.Duration
	verificationTTL    time.Duration
	now                func() time.Time
}

func NewIssuer(cfg Config) (*Issuer, error) {
	if strings.TrimSpace(cfg.AccessSecret) == "" || strings.TrimSpace(cfg.RefreshSecret) == "" {
		return nil, errors.New("access and refresh secrets are required")
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if cfg.VerificationSecret == "" {
		cfg.VerificationSecret = cfg.AccessSecret
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 7 * 24 * time.Hour
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	if cfg.VerificationTTL <= 0 {
		cfg.VerificationTTL = 24 * time.Hour
	}

	return &Issuer{
		accessSecret:       []byte(cfg.AccessSecret),
		refreshSecret:      []byte(cfg.RefreshSecret),
		verificationSecret: []byte(cfg.VerificationSecret),
		accessTTL:          cfg.AccessTTL,
		refreshTTL:         cfg.RefreshTTL,
		verificationTTL:    cfg.VerificationTTL,
		now:                time.Now,
	}, nil
}

func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	if now != nil {
		i.now = now
	}
	return i
}

func (i *Issuer) RefreshTTL() time.Duration {
	return i.refreshTTL
}

func (i *Issuer) Issue(accountID string) (Pair, error) {
	if accountID == "" {
		return Pair{}, errors.New("issue token pair: empty account id")
	}

	now := i.now().UTC()
	access, accessClaims, err := i.sign(Claims{Type: KindAccess}, accountID, now, i.accessTTL, i.accessSecret)
	if err != nil {
		return Pair{}, err
	}
	refresh, refreshClaims, err := i.sign(Claims{Type: KindRefresh}, accountID, now, i.refreshTTL, i.refreshSecret)
	if err != nil {
		return Pair{}, err
	}

	return Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		Access:       accessClaims,
		Refresh:      refreshClaims,
	}, nil
}

// Verify checks signature, expiry and kind. A refresh token presented as an
// access token fails on the signature before the kind is ever compared.
func (i *Issuer) Verify(raw string, kind Kind) (Claims, error) {
	var secret []byte
	switch kind {
	case KindAccess:
		secret = i.accessSecret
	case KindRefresh:
		secret = i.refreshSecret
	case KindEmailVerification:
		secret = i.verificationSecret
	default:
		return Claims{}, ErrInvalidToken
	}

	claims, err := i.parse(raw, secret)
	if err != nil {
		return Claims{}, err
	}
	if claims.Type != kind || claims.ID == "" || claims.Subject == "" {
		return Claims{}, ErrInvalidToken
	}

	return claims, nil
}

func (i *Issuer) IssueVerification(accountID, email, nonce string) (string, error) {
	if email == "" || nonce == "" {
		return "", errors.New("issue verification token: email and nonce are required")
	}

	raw, _, err := i.sign(
		Claims{Type: KindEmailVerification, Email: email, Nonce: nonce},
		accountID, i.now().UTC(), i.verificationTTL, i.verificationSecret,
	)
	return raw, err
}

func (i *Issuer) VerifyVerification(raw string) (Claims, error) {
	claims, err := i.Verify(raw, KindEmailVerification)
	if err != nil {
		return Claims{}, err
	}
	if claims.Email == "" || claims.Nonce == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

func (i *Issuer) sign(claims Claims, subject string, now time.Time, ttl time.Duration, secret []byte) (string, Claims, error) {
	jti, err := uuid.NewV7()
	if err != nil {
		return "", Claims{}, fmt.Errorf("generate jti: %w", err)
	}

	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		ID:        jti.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("sign %s token: %w", claims.Type, err)
	}

	return signed, claims, nil
}

func (i *Issuer) parse(raw string, secret []byte) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, ErrInvalidToken
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrInvalidToken
	}
	if !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}

	return claims, nil
}
