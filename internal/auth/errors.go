package auth

import (
	"errors"
	"time"
)

var (
	ErrValidation            = errors.New("validation failed")
	ErrEmailInUse            = errors.New("user already exists with this email")
	ErrInvalidCredentials    = errors.New("invalid email or password")
	ErrEmailNotVerified      = errors.New("email address is not verified")
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrNotFound              = errors.New("user not found")
	ErrReauthRequired        = errors.New("password or google id token is required")
	ErrAlreadyVerified       = errors.New("email is already verified")
	ErrInvalidGoogleToken    = errors.New("invalid google token")
	ErrAccountInactive       = errors.New("account is deactivated")
	ErrNoProfileImage        = errors.New("no profile image to delete")
	ErrMediaUnavailable      = errors.New("image storage is not configured")
	ErrImageUpload           = errors.New("failed to upload image")
)

// ErrAccountLocked carries the instant the lock lapses so handlers can set
// Retry-After.
type ErrAccountLocked struct {
	Until time.Time
}

func (e ErrAccountLocked) Error() string {
	return "account is temporarily locked due to too many failed login attempts"
}

// ValidationError names the offending fields of a request.
type ValidationError struct {
	Fields map[string]string
}

func (e ValidationError) Error() string {
	return ErrValidation.Error()
}

func (e ValidationError) Unwrap() error {
	return ErrValidation
}
