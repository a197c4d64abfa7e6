package revocation

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Insert(ctx context.Context, entry Entry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO revoked_tokens (jti, account_id, expires_at, reason, revoked_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (jti) DO NOTHING
	`, entry.JTI, entry.AccountID, entry.ExpiresAt.UTC(), string(entry.Reason), entry.RevokedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert revoked token: %w", err)
	}
	return nil
}

func (r *Repository) Exists(ctx context.Context, jti string, now time.Time) (bool, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE jti = $1 AND expires_at > $2)
	`, jti, now.UTC()).Scan(&exists); err != nil {
		return false, fmt.Errorf("query revoked token: %w", err)
	}
	return exists, nil
}

func (r *Repository) DeleteExpired(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT jti
			FROM revoked_tokens
			WHERE expires_at <= $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM revoked_tokens t
		USING stale
		WHERE t.jti = stale.jti
	`, now.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete expired revoked tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired revoked tokens rows affected: %w", err)
	}
	return affected, nil
}
