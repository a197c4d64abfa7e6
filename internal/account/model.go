package account

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

type Provider string

const (
	ProviderLocal  Provider = "local"
	ProviderGoogle Provider = "google"
)

var (
	ErrNotFound              = errors.New("account not found")
	ErrDuplicateEmail        = errors.New("email already registered")
	ErrRefreshTokenNotFound  = errors.New("refresh token not found")
	ErrInvalidAccountPayload = errors.New("invalid account payload")
	ErrPasswordTooLong       = errors.New("password exceeds 72 bytes")
)

type Image struct {
	URL      string `json:"url,omitempty"`
	PublicID string `json:"publicId,omitempty"`
}

func (i Image) IsZero() bool {
	return i.URL == "" && i.PublicID == ""
}

// Account is the persisted identity record. PasswordHash and the token hashes
// never leave the store through Public.
type Account struct {
	ID                    string
	Email                 string
	DisplayName           string
	PasswordHash          string `json:"-"`
	Provider              Provider
	EmailVerified         bool
	VerificationTokenHash string `json:"-"`
	VerificationExpires   *time.Time
	PasswordResetHash     string `json:"-"`
	PasswordResetExpires  *time.Time
	LoginAttempts         int
	LockUntil             *time.Time
	ProfileImage          Image
	IsActive              bool
	LastLoginAt           *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// IsLocked reports whether lock-until is set and still in the future.
func (a Account) IsLocked(now time.Time) bool {
	return a.LoginState().Locked(now)
}

func (a Account) IsOAuthOnly() bool {
	return a.Provider == ProviderGoogle || a.PasswordHash == ""
}

func (a Account) LoginState() LoginState {
	return LoginState{Attempts: a.LoginAttempts, LockUntil: a.LockUntil}
}

// Public is the read projection handed to clients.
type Public struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	DisplayName   string     `json:"displayName"`
	Provider      Provider   `json:"authProvider"`
	EmailVerified bool       `json:"emailVerified"`
	ProfileImage  *Image     `json:"profileImage,omitempty"`
	IsActive      bool       `json:"isActive"`
	LastLoginAt   *time.Time `json:"lastLogin,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func (a Account) Public() Public {
	p := Public{
		ID:            a.ID,
		Email:         a.Email,
		DisplayName:   a.DisplayName,
		Provider:      a.Provider,
		EmailVerified: a.EmailVerified,
		IsActive:      a.IsActive,
		LastLoginAt:   a.LastLoginAt,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
	if !a.ProfileImage.IsZero() {
		image := a.ProfileImage
		p.ProfileImage = &image
	}
	return p
}

type NewAccount struct {
	Email         string
	DisplayName   string
	Password      string
	Provider      Provider
	EmailVerified bool
	Verification  *Secret
	ProfileImage  Image
}

// Secret is an opaque hashed token with its expiry.
type Secret struct {
	Hash    string
	Expires time.Time
}

// Fields is a sparse update. Nil pointers and false Clear flags leave the
// column untouched. Password holds plaintext and is hashed before persisting.
type Fields struct {
	DisplayName        *string
	Password           *string
	Provider           *Provider
	EmailVerified      *bool
	IsActive           *bool
	ProfileImage       *Image
	SetVerification    *Secret
	ClearVerification  bool
	SetPasswordReset   *Secret
	ClearPasswordReset bool
	// IfPasswordReset makes the update conditional on the stored reset hash
	// still matching, so a reset code is consumed at most once.
	IfPasswordReset string
}

func (f Fields) IsEmpty() bool {
	return f.DisplayName == nil && f.Password == nil && f.Provider == nil && f.EmailVerified == nil &&
		f.IsActive == nil && f.ProfileImage == nil && f.SetVerification == nil && !f.ClearVerification &&
		f.SetPasswordReset == nil && !f.ClearPasswordReset
}

type RefreshToken struct {
	JTI       string
	TokenHash string `json:"-"`
	CreatedAt time.Time
	ExpiresAt time.Time
}

type NewRefreshToken struct {
	Raw       string
	JTI       string
	ExpiresAt time.Time
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HashToken is the lookup key used for refresh tokens and verification nonces.
func HashToken(raw string) string {
	hash := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(hash[:])
}
