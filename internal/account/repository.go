package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

const accountColumns = `
	id, email, display_name, password_hash, auth_provider, email_verified,
	email_verification_token, email_verification_expires,
	password_reset_token, password_reset_expires,
	login_attempts, lock_until, profile_image_url, profile_image_public_id,
	is_active, last_login_at, created_at, updated_at`

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

type Repository struct {
	db         *sql.DB
	bcryptCost int
}

func NewRepository(db *sql.DB, bcryptCost int) *Repository {
	return &Repository{db: db, bcryptCost: bcryptCost}
}

func (r *Repository) Create(ctx context.Context, input NewAccount) (Account, error) {
	input.Email = NormalizeEmail(input.Email)
	input.DisplayName = strings.TrimSpace(input.DisplayName)
	if input.Email == "" || input.DisplayName == "" {
		return Account{}, ErrInvalidAccountPayload
	}
	if input.Provider == "" {
		input.Provider = ProviderLocal
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Account{}, fmt.Errorf("generate account id: %w", err)
	}

	var passwordHash sql.NullString
	if input.Password != "" {
		hash, err := HashPassword(input.Password, r.bcryptCost)
		if err != nil {
			return Account{}, err
		}
		passwordHash = sql.NullString{String: hash, Valid: true}
	}

	var verificationHash sql.NullString
	var verificationExpires sql.NullTime
	if input.Verification != nil {
		verificationHash = sql.NullString{String: input.Verification.Hash, Valid: true}
		verificationExpires = sql.NullTime{Time: input.Verification.Expires.UTC(), Valid: true}
	}

	now := time.Now().UTC()
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO accounts (
			id, email, display_name, password_hash, auth_provider, email_verified,
			email_verification_token, email_verification_expires,
			profile_image_url, profile_image_public_id, is_active, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE, $11, $11)
		RETURNING `+accountColumns,
		id.String(), input.Email, input.DisplayName, passwordHash, string(input.Provider), input.EmailVerified,
		verificationHash, verificationExpires,
		nullString(input.ProfileImage.URL), nullString(input.ProfileImage.PublicID), now,
	)

	created, err := scanAccount(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Account{}, ErrDuplicateEmail
		}
		return Account{}, fmt.Errorf("insert account: %w", err)
	}

	return created, nil
}

func (r *Repository) FindByID(ctx context.Context, id string) (Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Account{}, ErrNotFound
	}

	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	found, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("query account by id: %w", err)
	}

	return found, nil
}

func (r *Repository) FindByEmail(ctx context.Context, email string) (Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE LOWER(email) = $1`, NormalizeEmail(email))
	found, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("query account by email: %w", err)
	}

	return found, nil
}

// FindByVerificationToken looks an account up by the sha256 of its pending
// verification nonce. Expiry is the caller's concern.
func (r *Repository) FindByVerificationToken(ctx context.Context, nonceHash string) (Account, error) {
	if nonceHash == "" {
		return Account{}, ErrNotFound
	}

	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email_verification_token = $1`, nonceHash)
	found, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("query account by verification token: %w", err)
	}

	return found, nil
}

// UpdateFields applies a sparse update. A new password is hashed here so the
// plaintext never reaches the database.
func (r *Repository) UpdateFields(ctx context.Context, id string, fields Fields) error {
	if fields.IsEmpty() {
		return nil
	}

	query := psql.Update("accounts").Set("updated_at", time.Now().UTC())
	if fields.DisplayName != nil {
		query = query.Set("display_name", strings.TrimSpace(*fields.DisplayName))
	}
	if fields.Password != nil {
		hash, err := HashPassword(*fields.Password, r.bcryptCost)
		if err != nil {
			return err
		}
		query = query.Set("password_hash", hash)
	}
	if fields.Provider != nil {
		query = query.Set("auth_provider", string(*fields.Provider))
	}
	if fields.EmailVerified != nil {
		query = query.Set("email_verified", *fields.EmailVerified)
	}
	if fields.IsActive != nil {
		query = query.Set("is_active", *fields.IsActive)
	}
	if fields.ProfileImage != nil {
		query = query.
			Set("profile_image_url", nullString(fields.ProfileImage.URL)).
			Set("profile_image_public_id", nullString(fields.ProfileImage.PublicID))
	}
	switch {
	case fields.SetVerification != nil:
		query = query.
			Set("email_verification_token", fields.SetVerification.Hash).
			Set("email_verification_expires", fields.SetVerification.Expires.UTC())
	case fields.ClearVerification:
		query = query.Set("email_verification_token", nil).Set("email_verification_expires", nil)
	}
	switch {
	case fields.SetPasswordReset != nil:
		query = query.
			Set("password_reset_token", fields.SetPasswordReset.Hash).
			Set("password_reset_expires", fields.SetPasswordReset.Expires.UTC())
	case fields.ClearPasswordReset:
		query = query.Set("password_reset_token", nil).Set("password_reset_expires", nil)
	}

	query = query.Where(squirrel.Eq{"id": id})
	if fields.IfPasswordReset != "" {
		query = query.Where(squirrel.Eq{"password_reset_token": fields.IfPasswordReset})
	}

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build account update: %w", err)
	}

	res, err := r.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	return requireAffected(res, "update account")
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return requireAffected(res, "delete account")
}

// RegisterFailedLogin records one failed attempt with a single atomic UPDATE,
// mirroring NextLoginState, so concurrent failures are never lost.
func (r *Repository) RegisterFailedLogin(ctx context.Context, id string, policy LockoutPolicy, now time.Time) (LoginState, error) {
	now = now.UTC()
	var state LoginState
	var lockUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		UPDATE accounts
		SET
			login_attempts = CASE
				WHEN lock_until IS NOT NULL AND lock_until <= $2 THEN 1
				ELSE login_attempts + 1
			END,
			lock_until = CASE
				WHEN lock_until IS NOT NULL AND lock_until <= $2 THEN NULL
				WHEN lock_until IS NULL AND login_attempts + 1 >= $3 THEN $4
				ELSE lock_until
			END,
			updated_at = $2
		WHERE id = $1
		RETURNING login_attempts, lock_until
	`, id, now, policy.MaxAttempts, now.Add(policy.LockDuration)).Scan(&state.Attempts, &lockUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LoginState{}, ErrNotFound
		}
		return LoginState{}, fmt.Errorf("register failed login: %w", err)
	}
	if lockUntil.Valid {
		value := lockUntil.Time.UTC()
		state.LockUntil = &value
	}

	return state, nil
}

func (r *Repository) RecordSuccessfulLogin(ctx context.Context, id string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET login_attempts = 0, lock_until = NULL, last_login_at = $2, updated_at = $2
		WHERE id = $1
	`, id, now.UTC())
	if err != nil {
		return fmt.Errorf("record successful login: %w", err)
	}
	return requireAffected(res, "record successful login")
}

func (r *Repository) AddRefreshToken(ctx context.Context, accountID string, token NewRefreshToken) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate refresh token id: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO account_refresh_tokens (id, account_id, token_hash, jti, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id.String(), accountID, HashToken(token.Raw), token.JTI, time.Now().UTC(), token.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}

	return nil
}

// RotateRefreshToken swaps a stored refresh token for a new one in one
// transaction. The old token must belong to the account and be unexpired.
func (r *Repository) RotateRefreshToken(ctx context.Context, accountID, oldRaw string, next NewRefreshToken) error {
	newID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate refresh token id: %w", err)
	}
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refresh rotation tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM account_refresh_tokens
		WHERE account_id = $1 AND token_hash = $2 AND expires_at > $3
	`, accountID, HashToken(oldRaw), now)
	if err != nil {
		return fmt.Errorf("delete rotated refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rotated refresh token rows affected: %w", err)
	}
	if affected == 0 {
		return ErrRefreshTokenNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO account_refresh_tokens (id, account_id, token_hash, jti, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, newID.String(), accountID, HashToken(next.Raw), next.JTI, now, next.ExpiresAt.UTC()); err != nil {
		return fmt.Errorf("insert rotated refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit refresh rotation tx: %w", err)
	}

	return nil
}

func (r *Repository) RemoveRefreshToken(ctx context.Context, accountID, raw string) error {
	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM account_refresh_tokens
		WHERE account_id = $1 AND token_hash = $2
	`, accountID, HashToken(raw)); err != nil {
		return fmt.Errorf("remove refresh token: %w", err)
	}
	return nil
}

func (r *Repository) ClearRefreshTokens(ctx context.Context, accountID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM account_refresh_tokens WHERE account_id = $1`, accountID); err != nil {
		return fmt.Errorf("clear refresh tokens: %w", err)
	}
	return nil
}

// ListRefreshTokens returns the account's unexpired refresh tokens.
func (r *Repository) ListRefreshTokens(ctx context.Context, accountID string) ([]RefreshToken, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT jti, token_hash, created_at, expires_at
		FROM account_refresh_tokens
		WHERE account_id = $1 AND expires_at > $2
		ORDER BY created_at ASC
	`, accountID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("query refresh tokens: %w", err)
	}
	defer rows.Close()

	tokens := make([]RefreshToken, 0)
	for rows.Next() {
		var t RefreshToken
		if err := rows.Scan(&t.JTI, &t.TokenHash, &t.CreatedAt, &t.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan refresh token: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refresh tokens: %w", err)
	}

	return tokens, nil
}

func (r *Repository) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM account_refresh_tokens
			WHERE expires_at <= $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM account_refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, now.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired refresh tokens rows affected: %w", err)
	}
	return affected, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var a Account
	var provider string
	var passwordHash, verificationToken, resetToken, imageURL, imagePublicID sql.NullString
	var verificationExpires, resetExpires, lockUntil, lastLogin sql.NullTime

	err := row.Scan(
		&a.ID, &a.Email, &a.DisplayName, &passwordHash, &provider, &a.EmailVerified,
		&verificationToken, &verificationExpires,
		&resetToken, &resetExpires,
		&a.LoginAttempts, &lockUntil, &imageURL, &imagePublicID,
		&a.IsActive, &lastLogin, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return Account{}, err
	}

	a.Provider = Provider(provider)
	a.PasswordHash = passwordHash.String
	a.VerificationTokenHash = verificationToken.String
	a.VerificationExpires = timePtr(verificationExpires)
	a.PasswordResetHash = resetToken.String
	a.PasswordResetExpires = timePtr(resetExpires)
	a.LockUntil = timePtr(lockUntil)
	a.LastLoginAt = timePtr(lastLogin)
	a.ProfileImage = Image{URL: imageURL.String, PublicID: imagePublicID.String}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()

	return a, nil
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func requireAffected(res sql.Result, op string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
