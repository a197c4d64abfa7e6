package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"brevity-server/internal/account"
	"brevity-server/internal/observability"
	"brevity-server/internal/token"
)

type identityKey struct{}

// Identity is the caller resolved by the guard. Anonymous identities carry
// no account.
type Identity struct {
	Account   account.Public
	Claims    token.Claims
	Anonymous bool
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(Identity)
	return identity, ok
}

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

type AccountFinder interface {
	FindByID(ctx context.Context, id string) (account.Account, error)
}

type RevocationChecker interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Guard authenticates bearer access tokens. Signature and expiry come from
// the issuer, liveness from the account store and the revocation ledger.
type Guard struct {
	tokens              *token.Issuer
	accounts            AccountFinder
	revocations         RevocationChecker
	logger              *observability.Logger
	requireVerification bool
}

func NewGuard(tokens *token.Issuer, accounts AccountFinder, revocations RevocationChecker, logger *observability.Logger, requireVerification bool) *Guard {
	return &Guard{
		tokens:              tokens,
		accounts:            accounts,
		revocations:         revocations,
		logger:              logger,
		requireVerification: requireVerification,
	}
}

// Strict rejects anonymous callers and, when verification is enforced,
// accounts whose email is still unverified.
func (g *Guard) Strict(next http.Handler) http.Handler {
	return g.require(true, next)
}

// AllowUnverified is Strict without the email verification gate. It guards
// the few routes an unverified account must still reach.
func (g *Guard) AllowUnverified(next http.Handler) http.Handler {
	return g.require(false, next)
}

// Optional never rejects. Any problem with the credentials yields an
// anonymous identity.
func (g *Guard) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := g.authenticate(r)
		if err != nil {
			if !errors.Is(err, ErrUnauthorized) {
				g.logger.Error("auth_guard_lookup_failed", map[string]any{"path": r.URL.Path, "error": err.Error()})
			}
			identity = Identity{Anonymous: true}
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

func (g *Guard) require(enforceVerification bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := g.authenticate(r)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				writeError(w, http.StatusUnauthorized, "Not authorized, token failed")
				return
			}
			sentry.CaptureException(err)
			g.logger.Error("auth_guard_lookup_failed", map[string]any{"path": r.URL.Path, "error": err.Error()})
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		if enforceVerification && g.requireVerification && !identity.Account.EmailVerified {
			writeError(w, http.StatusForbidden, "Please verify your email address to continue")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// authenticate returns ErrUnauthorized for every credential problem so the
// caller cannot tell expired, forged and revoked tokens apart. Other errors
// are infrastructure failures.
func (g *Guard) authenticate(r *http.Request) (Identity, error) {
	raw, ok := bearerToken(r)
	if !ok {
		return Identity{}, ErrUnauthorized
	}

	claims, err := g.tokens.Verify(raw, token.KindAccess)
	if err != nil {
		return Identity{}, ErrUnauthorized
	}

	found, err := g.accounts.FindByID(r.Context(), claims.AccountID())
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return Identity{}, ErrUnauthorized
		}
		return Identity{}, err
	}
	if !found.IsActive {
		return Identity{}, ErrUnauthorized
	}

	revoked, err := g.revocations.IsRevoked(r.Context(), claims.JTI())
	if err != nil {
		return Identity{}, err
	}
	if revoked {
		return Identity{}, ErrUnauthorized
	}

	return Identity{Account: found.Public(), Claims: claims}, nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	raw := strings.TrimSpace(parts[1])
	return raw, raw != ""
}
