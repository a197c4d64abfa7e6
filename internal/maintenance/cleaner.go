package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"brevity-server/internal/observability"
)

const defaultBatchSize = 500

type RevocationPruner interface {
	Prune(ctx context.Context, batchSize int) (int64, error)
}

type RefreshTokenPruner interface {
	DeleteExpiredRefreshTokens(ctx context.Context, now time.Time, batchSize int) (int64, error)
}

type Result struct {
	DeletedRevocations   int64 `json:"deletedRevocations"`
	DeletedRefreshTokens int64 `json:"deletedRefreshTokens"`
}

// Cleaner removes ledger entries and refresh tokens whose expiry has passed.
// Each call deletes at most one batch of each.
type Cleaner struct {
	revocations RevocationPruner
	refresh     RefreshTokenPruner
	logger      *observability.Logger
	batchSize   int
	now         func() time.Time
}

func NewCleaner(revocations RevocationPruner, refresh RefreshTokenPruner, logger *observability.Logger, batchSize int) *Cleaner {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Cleaner{
		revocations: revocations,
		refresh:     refresh,
		logger:      logger,
		batchSize:   batchSize,
		now:         time.Now,
	}
}

// Run prunes both tables. A failure on one side does not stop the other.
func (c *Cleaner) Run(ctx context.Context) (Result, error) {
	var result Result
	var errs []error

	deleted, err := c.revocations.Prune(ctx, c.batchSize)
	if err != nil {
		errs = append(errs, err)
	}
	result.DeletedRevocations = deleted

	deleted, err = c.refresh.DeleteExpiredRefreshTokens(ctx, c.now().UTC(), c.batchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("prune refresh tokens: %w", err))
	}
	result.DeletedRefreshTokens = deleted

	if err := errors.Join(errs...); err != nil {
		c.logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		return result, err
	}

	c.logger.Info("auth_cleanup_completed", map[string]any{
		"deleted_revocations":    result.DeletedRevocations,
		"deleted_refresh_tokens": result.DeletedRefreshTokens,
	})
	return result, nil
}
