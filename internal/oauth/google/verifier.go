package google

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/idtoken"
)

var (
	ErrNotConfigured   = errors.New("google sign-in is not configured")
	ErrInvalidIDToken  = errors.New("invalid google id token")
	ErrEmailUnverified = errors.New("google email is not verified")
)

// Identity is what a validated ID token says about its holder.
type Identity struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}

type validateFunc func(ctx context.Context, token, audience string) (*idtoken.Payload, error)

type Verifier struct {
	clientID string
	timeout  time.Duration
	validate validateFunc
}

func NewVerifier(clientID string) *Verifier {
	return &Verifier{
		clientID: strings.TrimSpace(clientID),
		timeout:  5 * time.Second,
		validate: idtoken.Validate,
	}
}

func (v *Verifier) Verify(ctx context.Context, token string) (Identity, error) {
	if v.clientID == "" {
		return Identity{}, ErrNotConfigured
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrInvalidIDToken
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	payload, err := v.validate(ctx, token, v.clientID)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidIDToken, err)
	}

	identity := Identity{
		Subject:       payload.Subject,
		Email:         stringClaim(payload.Claims, "email"),
		EmailVerified: boolClaim(payload.Claims, "email_verified"),
		Name:          stringClaim(payload.Claims, "name"),
		Picture:       stringClaim(payload.Claims, "picture"),
	}
	if identity.Email == "" {
		return Identity{}, fmt.Errorf("%w: email not found in claims", ErrInvalidIDToken)
	}
	if !identity.EmailVerified {
		return Identity{}, ErrEmailUnverified
	}
	if identity.Name == "" {
		identity.Name = strings.SplitN(identity.Email, "@", 2)[0]
	}

	return identity, nil
}

func stringClaim(claims map[string]any, key string) string {
	value, _ := claims[key].(string)
	return strings.TrimSpace(value)
}

// boolClaim accepts both JSON booleans and the "true" string some issuers
// emit.
func boolClaim(claims map[string]any, key string) bool {
	switch value := claims[key].(type) {
	case bool:
		return value
	case string:
		return strings.EqualFold(value, "true")
	}
	return false
}
