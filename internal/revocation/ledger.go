package revocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"brevity-server/internal/account"
	"brevity-server/internal/observability"
	"brevity-server/internal/token"
)

type Reason string

const (
	ReasonLogout           Reason = "logout"
	ReasonAccountDeletion  Reason = "account_deletion"
	ReasonManualRevocation Reason = "manual_revocation"
)

const defaultPruneBatchSize = 500

func (r Reason) Valid() bool {
	switch r {
	case ReasonLogout, ReasonAccountDeletion, ReasonManualRevocation:
		return true
	}
	return false
}

type Entry struct {
	JTI       string
	AccountID string
	ExpiresAt time.Time
	Reason    Reason
	RevokedAt time.Time
}

type Store interface {
	Insert(ctx context.Context, entry Entry) error
	Exists(ctx context.Context, jti string, now time.Time) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time, batchSize int) (int64, error)
}

// RefreshTokenSource enumerates the refresh tokens an account still holds.
type RefreshTokenSource interface {
	ListRefreshTokens(ctx context.Context, accountID string) ([]account.RefreshToken, error)
}

type Ledger struct {
	store  Store
	tokens RefreshTokenSource
	logger *observability.Logger
	now    func() time.Time
}

func NewLedger(store Store, tokens RefreshTokenSource, logger *observability.Logger) *Ledger {
	return &Ledger{store: store, tokens: tokens, logger: logger, now: time.Now}
}

func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	if now != nil {
		l.now = now
	}
	return l
}

// Record blacklists one JTI. Recording the same JTI twice is a no-op.
func (l *Ledger) Record(ctx context.Context, entry Entry) error {
	if entry.JTI == "" || entry.AccountID == "" {
		return errors.New("record revocation: jti and account id are required")
	}
	if !entry.Reason.Valid() {
		entry.Reason = ReasonManualRevocation
	}
	if entry.RevokedAt.IsZero() {
		entry.RevokedAt = l.now().UTC()
	}

	if err := l.store.Insert(ctx, entry); err != nil {
		return fmt.Errorf("record revocation: %w", err)
	}
	return nil
}

// IsRevoked reports whether an unexpired entry exists for jti.
func (l *Ledger) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, nil
	}
	revoked, err := l.store.Exists(ctx, jti, l.now().UTC())
	if err != nil {
		return false, fmt.Errorf("check revocation: %w", err)
	}
	return revoked, nil
}

// RevokeAll blacklists every stored refresh token of the account plus the
// presented access token, if any. Individual failures are logged and joined
// into the returned error but never stop the sweep; the count is the number
// of entries actually recorded.
func (l *Ledger) RevokeAll(ctx context.Context, accountID string, presented *token.Claims, reason Reason) (int, error) {
	var errs []error
	recorded := 0

	record := func(jti string, expiresAt time.Time) {
		err := l.Record(ctx, Entry{JTI: jti, AccountID: accountID, ExpiresAt: expiresAt, Reason: reason})
		if err != nil {
			l.logger.Error("revocation_record_failed", map[string]any{
				"account_id": accountID,
				"jti":        jti,
				"error":      err.Error(),
			})
			errs = append(errs, err)
			return
		}
		recorded++
	}

	stored, err := l.tokens.ListRefreshTokens(ctx, accountID)
	if err != nil {
		l.logger.Error("revocation_list_refresh_tokens_failed", map[string]any{
			"account_id": accountID,
			"error":      err.Error(),
		})
		errs = append(errs, fmt.Errorf("list refresh tokens: %w", err))
	}
	for _, t := range stored {
		if t.JTI == "" {
			continue
		}
		record(t.JTI, t.ExpiresAt)
	}

	if presented != nil && presented.JTI() != "" {
		record(presented.JTI(), presented.ExpiresAtTime())
	}

	l.logger.Info("revocation_revoke_all", map[string]any{
		"account_id": accountID,
		"reason":     string(reason),
		"recorded":   recorded,
		"failed":     len(errs),
	})

	return recorded, errors.Join(errs...)
}

// Prune removes entries whose tokens have expired anyway.
func (l *Ledger) Prune(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = defaultPruneBatchSize
	}
	deleted, err := l.store.DeleteExpired(ctx, l.now().UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("prune revocations: %w", err)
	}
	return deleted, nil
}
