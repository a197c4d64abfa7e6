package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/xlzd/gotp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"brevity-server/internal/account"
	"brevity-server/internal/media"
	"brevity-server/internal/oauth/google"
	"brevity-server/internal/observability"
	"brevity-server/internal/revocation"
	"brevity-server/internal/token"
)

const (
	defaultVerificationTTL = 24 * time.Hour
	defaultResetCodeTTL    = time.Hour
	maxDisplayNameLength   = 50
	collaboratorTimeout    = 20 * time.Second
)

var tracer = otel.Tracer("brevity-server/internal/auth")

type AccountStore interface {
	Create(ctx context.Context, input account.NewAccount) (account.Account, error)
	FindByID(ctx context.Context, id string) (account.Account, error)
	FindByEmail(ctx context.Context, email string) (account.Account, error)
	FindByVerificationToken(ctx context.Context, nonceHash string) (account.Account, error)
	UpdateFields(ctx context.Context, id string, fields account.Fields) error
	Delete(ctx context.Context, id string) error
	RegisterFailedLogin(ctx context.Context, id string, policy account.LockoutPolicy, now time.Time) (account.LoginState, error)
	RecordSuccessfulLogin(ctx context.Context, id string, now time.Time) error
	AddRefreshToken(ctx context.Context, accountID string, token account.NewRefreshToken) error
	RotateRefreshToken(ctx context.Context, accountID, oldRaw string, next account.NewRefreshToken) error
	RemoveRefreshToken(ctx context.Context, accountID, raw string) error
	ClearRefreshTokens(ctx context.Context, accountID string) error
}

type Mailer interface {
	SendVerification(ctx context.Context, to, name, link string, expiresIn time.Duration) error
	SendPasswordReset(ctx context.Context, to, name, code string, expiresIn time.Duration) error
	SendPasswordChanged(ctx context.Context, to, name string) error
}

type GoogleVerifier interface {
	Verify(ctx context.Context, idToken string) (google.Identity, error)
}

type ImageStore interface {
	UploadImage(ctx context.Context, imageSource string) (media.Image, error)
	DestroyImage(ctx context.Context, publicID string) error
}

type Revoker interface {
	Record(ctx context.Context, entry revocation.Entry) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
	RevokeAll(ctx context.Context, accountID string, presented *token.Claims, reason revocation.Reason) (int, error)
}

// Deps are the collaborators of Service. Images may be nil when no media
// backend is configured.
type Deps struct {
	Accounts AccountStore
	Tokens   *token.Issuer
	Ledger   Revoker
	Mailer   Mailer
	Google   GoogleVerifier
	Images   ImageStore
	Logger   *observability.Logger
}

type Config struct {
	Lockout                  account.LockoutPolicy
	RequireEmailVerification bool
	VerificationTTL          time.Duration
	ResetCodeTTL             time.Duration
	BcryptCost               int
	DeploymentURL            string
}

type Service struct {
	accounts AccountStore
	tokens   *token.Issuer
	ledger   Revoker
	mailer   Mailer
	google   GoogleVerifier
	images   ImageStore
	logger   *observability.Logger
	cfg      Config
	now      func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

func NewService(deps Deps, cfg Config) *Service {
	if cfg.Lockout.MaxAttempts <= 0 {
		cfg.Lockout.MaxAttempts = 5
	}
	if cfg.Lockout.LockDuration <= 0 {
		cfg.Lockout.LockDuration = 30 * time.Minute
	}
	if cfg.VerificationTTL <= 0 {
		cfg.VerificationTTL = defaultVerificationTTL
	}
	if cfg.ResetCodeTTL <= 0 {
		cfg.ResetCodeTTL = defaultResetCodeTTL
	}
	cfg.DeploymentURL = strings.TrimRight(cfg.DeploymentURL, "/")

	return &Service{
		accounts: deps.Accounts,
		tokens:   deps.Tokens,
		ledger:   deps.Ledger,
		mailer:   deps.Mailer,
		google:   deps.Google,
		images:   deps.Images,
		logger:   deps.Logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// RequiresVerifiedEmail reports whether unverified accounts are refused at
// login and by the strict guard.
func (s *Service) RequiresVerifiedEmail() bool {
	return s.cfg.RequireEmailVerification
}

// Session is returned by every flow that signs an account in.
type Session struct {
	User         account.Public `json:"user"`
	AccessToken  string         `json:"accessToken"`
	RefreshToken string         `json:"refreshToken"`
}

type RegisterInput struct {
	DisplayName string
	Email       string
	Password    string
	ImageSource string
}

func (s *Service) Register(ctx context.Context, input RegisterInput) (Session, error) {
	ctx, span := startSpan(ctx, "auth.register")
	defer span.End()

	email := account.NormalizeEmail(input.Email)
	name := strings.TrimSpace(input.DisplayName)
	if email == "" || name == "" || input.Password == "" {
		return Session{}, ErrValidation
	}

	if _, err := s.accounts.FindByEmail(ctx, email); err == nil {
		return Session{}, ErrEmailInUse
	} else if !errors.Is(err, account.ErrNotFound) {
		return Session{}, err
	}

	nonce, err := randomToken(32)
	if err != nil {
		return Session{}, fmt.Errorf("generate verification nonce: %w", err)
	}

	now := s.now().UTC()
	created, err := s.accounts.Create(ctx, account.NewAccount{
		Email:        email,
		DisplayName:  name,
		Password:     input.Password,
		Provider:     account.ProviderLocal,
		Verification: &account.Secret{Hash: account.HashToken(nonce), Expires: now.Add(s.cfg.VerificationTTL)},
		ProfileImage: s.uploadOptional(ctx, input.ImageSource),
	})
	if err != nil {
		if errors.Is(err, account.ErrDuplicateEmail) {
			return Session{}, ErrEmailInUse
		}
		return Session{}, err
	}

	s.logger.Info("auth_registered", map[string]any{"account_id": created.ID})
	s.sendVerification(ctx, created, nonce)

	return s.signIn(ctx, created)
}

// VerifyEmail consumes a verification link token. The signed email and nonce
// must both match the pending verification stored on the account.
func (s *Service) VerifyEmail(ctx context.Context, raw string) (account.Public, error) {
	claims, err := s.tokens.VerifyVerification(raw)
	if err != nil {
		return account.Public{}, ErrInvalidOrExpiredToken
	}

	found, err := s.accounts.FindByVerificationToken(ctx, account.HashToken(claims.Nonce))
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return account.Public{}, ErrInvalidOrExpiredToken
		}
		return account.Public{}, err
	}
	if found.ID != claims.AccountID() || found.Email != account.NormalizeEmail(claims.Email) {
		return account.Public{}, ErrInvalidOrExpiredToken
	}
	if found.VerificationExpires == nil || s.now().After(*found.VerificationExpires) {
		return account.Public{}, ErrInvalidOrExpiredToken
	}

	verified := true
	if err := s.accounts.UpdateFields(ctx, found.ID, account.Fields{
		EmailVerified:     &verified,
		ClearVerification: true,
	}); err != nil {
		return account.Public{}, err
	}

	s.logger.Info("auth_email_verified", map[string]any{"account_id": found.ID})

	found.EmailVerified = true
	found.VerificationTokenHash = ""
	found.VerificationExpires = nil
	return found.Public(), nil
}

func (s *Service) ResendVerification(ctx context.Context, email string) error {
	found, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if found.EmailVerified {
		return ErrAlreadyVerified
	}

	nonce, err := randomToken(32)
	if err != nil {
		return fmt.Errorf("generate verification nonce: %w", err)
	}
	if err := s.accounts.UpdateFields(ctx, found.ID, account.Fields{
		SetVerification: &account.Secret{Hash: account.HashToken(nonce), Expires: s.now().UTC().Add(s.cfg.VerificationTTL)},
	}); err != nil {
		return err
	}

	s.sendVerification(ctx, found, nonce)
	return nil
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	ctx, span := startSpan(ctx, "auth.login")
	defer span.End()

	email = account.NormalizeEmail(email)
	if email == "" || password == "" {
		return Session{}, ErrInvalidCredentials
	}

	found, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			// Spend the same bcrypt effort as a real mismatch.
			account.ComparePassword(s.dummyPasswordHash(), password)
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, err
	}
	span.SetAttributes(attribute.String("account.id", found.ID))

	// Google accounts have no usable password. Guesses against them are not
	// counted, so they cannot lock the owner out of Google sign-in.
	if found.IsOAuthOnly() {
		account.ComparePassword(s.dummyPasswordHash(), password)
		return Session{}, ErrInvalidCredentials
	}

	now := s.now().UTC()
	if found.IsLocked(now) {
		s.logger.Warn("auth_login_locked", map[string]any{"account_id": found.ID})
		return Session{}, ErrAccountLocked{Until: *found.LockUntil}
	}

	if !account.ComparePassword(found.PasswordHash, password) {
		state, err := s.accounts.RegisterFailedLogin(ctx, found.ID, s.cfg.Lockout, now)
		if err != nil {
			return Session{}, err
		}
		if state.Locked(now) {
			s.logger.Warn("auth_account_locked", map[string]any{
				"account_id": found.ID,
				"attempts":   state.Attempts,
				"lock_until": state.LockUntil.Format(time.RFC3339),
			})
			return Session{}, ErrAccountLocked{Until: *state.LockUntil}
		}
		s.logger.Info("auth_login_failed", map[string]any{
			"account_id": found.ID,
			"attempts":   state.Attempts,
		})
		return Session{}, ErrInvalidCredentials
	}

	if !found.IsActive {
		return Session{}, ErrAccountInactive
	}
	if s.cfg.RequireEmailVerification && !found.EmailVerified {
		return Session{}, ErrEmailNotVerified
	}

	return s.signIn(ctx, found)
}

// Refresh exchanges a stored refresh token for a new pair. The presented
// token is rotated out, so it cannot be replayed.
func (s *Service) Refresh(ctx context.Context, raw string) (Session, error) {
	ctx, span := startSpan(ctx, "auth.refresh")
	defer span.End()

	claims, err := s.tokens.Verify(raw, token.KindRefresh)
	if err != nil {
		return Session{}, ErrUnauthorized
	}
	revoked, err := s.ledger.IsRevoked(ctx, claims.JTI())
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, ErrUnauthorized
	}

	found, err := s.accounts.FindByID(ctx, claims.AccountID())
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return Session{}, ErrUnauthorized
		}
		return Session{}, err
	}
	if !found.IsActive {
		return Session{}, ErrUnauthorized
	}

	pair, err := s.tokens.Issue(found.ID)
	if err != nil {
		return Session{}, err
	}
	if err := s.accounts.RotateRefreshToken(ctx, found.ID, raw, refreshRecord(pair)); err != nil {
		if errors.Is(err, account.ErrRefreshTokenNotFound) {
			return Session{}, ErrUnauthorized
		}
		return Session{}, err
	}

	return Session{User: found.Public(), AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}, nil
}

// Logout drops one refresh token, or every one of them when refreshRaw is
// empty. With revokeAccess the presented access token is blacklisted too.
func (s *Service) Logout(ctx context.Context, identity Identity, refreshRaw string, revokeAccess bool) error {
	accountID := identity.Account.ID
	refreshRaw = strings.TrimSpace(refreshRaw)

	if refreshRaw != "" {
		if err := s.accounts.RemoveRefreshToken(ctx, accountID, refreshRaw); err != nil {
			return err
		}
	} else {
		if err := s.accounts.ClearRefreshTokens(ctx, accountID); err != nil {
			return err
		}
	}

	if revokeAccess && identity.Claims.JTI() != "" {
		err := s.ledger.Record(ctx, revocation.Entry{
			JTI:       identity.Claims.JTI(),
			AccountID: accountID,
			ExpiresAt: identity.Claims.ExpiresAtTime(),
			Reason:    revocation.ReasonLogout,
		})
		if err != nil {
			s.logger.Error("auth_logout_revoke_failed", map[string]any{"account_id": accountID, "error": err.Error()})
		}
	}

	s.logger.Info("auth_logout", map[string]any{
		"account_id":  accountID,
		"all_devices": refreshRaw == "",
	})
	return nil
}

func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	found, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	code := gotp.NewDefaultTOTP(gotp.RandomSecret(16)).Now()
	hash, err := account.HashPassword(code, s.cfg.BcryptCost)
	if err != nil {
		return err
	}

	if err := s.accounts.UpdateFields(ctx, found.ID, account.Fields{
		SetPasswordReset: &account.Secret{Hash: hash, Expires: s.now().UTC().Add(s.cfg.ResetCodeTTL)},
	}); err != nil {
		return err
	}

	mailCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), collaboratorTimeout)
	defer cancel()
	if err := s.mailer.SendPasswordReset(mailCtx, found.Email, found.DisplayName, code, s.cfg.ResetCodeTTL); err != nil {
		s.logger.Error("auth_reset_mail_failed", map[string]any{"account_id": found.ID, "error": err.Error()})
	}

	s.logger.Info("auth_password_reset_requested", map[string]any{"account_id": found.ID})
	return nil
}

// ResetPassword consumes a reset code. The code is valid until its expiry
// instant inclusive and can be used once.
func (s *Service) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	found, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return ErrInvalidOrExpiredToken
		}
		return err
	}

	if found.PasswordResetHash == "" || found.PasswordResetExpires == nil {
		return ErrInvalidOrExpiredToken
	}
	if s.now().After(*found.PasswordResetExpires) {
		return ErrInvalidOrExpiredToken
	}
	if !account.ComparePassword(found.PasswordResetHash, strings.TrimSpace(code)) {
		return ErrInvalidOrExpiredToken
	}

	provider := account.ProviderLocal
	err = s.accounts.UpdateFields(ctx, found.ID, account.Fields{
		Password:           &newPassword,
		Provider:           &provider,
		ClearPasswordReset: true,
		IfPasswordReset:    found.PasswordResetHash,
	})
	if errors.Is(err, account.ErrNotFound) {
		// Another request consumed the code first.
		return ErrInvalidOrExpiredToken
	}
	if err != nil {
		return err
	}
	if err := s.accounts.ClearRefreshTokens(ctx, found.ID); err != nil {
		return err
	}

	mailCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), collaboratorTimeout)
	defer cancel()
	if err := s.mailer.SendPasswordChanged(mailCtx, found.Email, found.DisplayName); err != nil {
		s.logger.Error("auth_password_changed_mail_failed", map[string]any{"account_id": found.ID, "error": err.Error()})
	}

	s.logger.Info("auth_password_reset", map[string]any{"account_id": found.ID})
	return nil
}

// LoginWithGoogle signs in with a Google ID token, creating the account on
// first use. The identity provider has already verified the email.
func (s *Service) LoginWithGoogle(ctx context.Context, idToken string) (Session, error) {
	ctx, span := startSpan(ctx, "auth.login_google")
	defer span.End()

	identity, err := s.google.Verify(ctx, idToken)
	if err != nil {
		s.logger.Warn("auth_google_token_rejected", map[string]any{"error": err.Error()})
		return Session{}, ErrInvalidGoogleToken
	}

	found, err := s.findOrCreateGoogleAccount(ctx, identity)
	if err != nil {
		return Session{}, err
	}

	// A fresh identity-provider proof is not subject to the password lockout.
	if !found.IsActive {
		return Session{}, ErrAccountInactive
	}
	if !found.EmailVerified {
		verified := true
		if err := s.accounts.UpdateFields(ctx, found.ID, account.Fields{EmailVerified: &verified, ClearVerification: true}); err != nil {
			return Session{}, err
		}
		found.EmailVerified = true
	}

	return s.signIn(ctx, found)
}

func (s *Service) findOrCreateGoogleAccount(ctx context.Context, identity google.Identity) (account.Account, error) {
	found, err := s.accounts.FindByEmail(ctx, identity.Email)
	if err == nil {
		return found, nil
	}
	if !errors.Is(err, account.ErrNotFound) {
		return account.Account{}, err
	}

	placeholder, err := account.PlaceholderPassword()
	if err != nil {
		return account.Account{}, err
	}

	created, err := s.accounts.Create(ctx, account.NewAccount{
		Email:         identity.Email,
		DisplayName:   truncateRunes(identity.Name, maxDisplayNameLength),
		Password:      placeholder,
		Provider:      account.ProviderGoogle,
		EmailVerified: true,
		ProfileImage:  account.Image{URL: identity.Picture},
	})
	if errors.Is(err, account.ErrDuplicateEmail) {
		// Lost a race with a concurrent first login.
		return s.accounts.FindByEmail(ctx, identity.Email)
	}
	if err != nil {
		return account.Account{}, err
	}

	s.logger.Info("auth_google_account_created", map[string]any{"account_id": created.ID})
	return created, nil
}

type DeleteInput struct {
	Password      string
	GoogleIDToken string
}

// DeleteAccount requires fresh proof of identity, then revokes every
// outstanding token before the record goes away.
func (s *Service) DeleteAccount(ctx context.Context, identity Identity, input DeleteInput) error {
	ctx, span := startSpan(ctx, "auth.delete_account")
	defer span.End()

	found, err := s.accounts.FindByID(ctx, identity.Account.ID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	if err := s.reauthenticate(ctx, found, input); err != nil {
		return err
	}

	var presented *token.Claims
	if identity.Claims.JTI() != "" {
		claims := identity.Claims
		presented = &claims
	}
	if _, err := s.ledger.RevokeAll(ctx, found.ID, presented, revocation.ReasonAccountDeletion); err != nil {
		s.logger.Warn("auth_delete_revoke_partial", map[string]any{"account_id": found.ID, "error": err.Error()})
	}
	if err := s.accounts.ClearRefreshTokens(ctx, found.ID); err != nil {
		s.logger.Warn("auth_delete_clear_refresh_failed", map[string]any{"account_id": found.ID, "error": err.Error()})
	}
	s.destroyImage(ctx, found.ID, found.ProfileImage.PublicID)

	if err := s.accounts.Delete(ctx, found.ID); err != nil {
		return err
	}

	s.logger.Info("auth_account_deleted", map[string]any{"account_id": found.ID})
	return nil
}

func (s *Service) reauthenticate(ctx context.Context, found account.Account, input DeleteInput) error {
	if found.IsOAuthOnly() {
		if strings.TrimSpace(input.GoogleIDToken) == "" {
			return ErrReauthRequired
		}
		identity, err := s.google.Verify(ctx, input.GoogleIDToken)
		if err != nil {
			return ErrInvalidGoogleToken
		}
		if account.NormalizeEmail(identity.Email) != found.Email {
			return ErrInvalidCredentials
		}
		return nil
	}

	if input.Password == "" {
		return ErrReauthRequired
	}
	if !account.ComparePassword(found.PasswordHash, input.Password) {
		return ErrInvalidCredentials
	}
	return nil
}

func (s *Service) Me(ctx context.Context, identity Identity) (account.Public, error) {
	found, err := s.accounts.FindByID(ctx, identity.Account.ID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return account.Public{}, ErrNotFound
		}
		return account.Public{}, err
	}
	return found.Public(), nil
}

type ProfileInput struct {
	DisplayName *string
	ImageSource string
}

// UpdateProfile changes the display name and/or replaces the profile image.
// The previous image is destroyed on a best-effort basis.
func (s *Service) UpdateProfile(ctx context.Context, identity Identity, input ProfileInput) (account.Public, error) {
	found, err := s.accounts.FindByID(ctx, identity.Account.ID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return account.Public{}, ErrNotFound
		}
		return account.Public{}, err
	}

	var fields account.Fields
	if input.DisplayName != nil {
		name := strings.TrimSpace(*input.DisplayName)
		if name == "" || utf8.RuneCountInString(name) > maxDisplayNameLength {
			return account.Public{}, ValidationError{Fields: map[string]string{"displayName": "must be between 1 and 50 characters"}}
		}
		fields.DisplayName = &name
	}

	if input.ImageSource != "" {
		if s.images == nil {
			return account.Public{}, ErrMediaUnavailable
		}
		uploadCtx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
		uploaded, err := s.images.UploadImage(uploadCtx, input.ImageSource)
		cancel()
		if err != nil {
			s.logger.Error("auth_profile_image_upload_failed", map[string]any{"account_id": found.ID, "error": err.Error()})
			return account.Public{}, ErrImageUpload
		}
		fields.ProfileImage = &account.Image{URL: uploaded.URL, PublicID: uploaded.PublicID}
	}

	if fields.IsEmpty() {
		return found.Public(), nil
	}
	if err := s.accounts.UpdateFields(ctx, found.ID, fields); err != nil {
		return account.Public{}, err
	}
	if fields.ProfileImage != nil {
		s.destroyImage(ctx, found.ID, found.ProfileImage.PublicID)
	}

	updated, err := s.accounts.FindByID(ctx, found.ID)
	if err != nil {
		return account.Public{}, err
	}
	return updated.Public(), nil
}

func (s *Service) DeleteProfileImage(ctx context.Context, identity Identity) error {
	found, err := s.accounts.FindByID(ctx, identity.Account.ID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if found.ProfileImage.IsZero() {
		return ErrNoProfileImage
	}

	s.destroyImage(ctx, found.ID, found.ProfileImage.PublicID)
	return s.accounts.UpdateFields(ctx, found.ID, account.Fields{ProfileImage: &account.Image{}})
}

// signIn issues a pair, stores the refresh token and stamps the login.
func (s *Service) signIn(ctx context.Context, acct account.Account) (Session, error) {
	pair, err := s.tokens.Issue(acct.ID)
	if err != nil {
		return Session{}, err
	}
	if err := s.accounts.AddRefreshToken(ctx, acct.ID, refreshRecord(pair)); err != nil {
		return Session{}, err
	}

	now := s.now().UTC()
	if err := s.accounts.RecordSuccessfulLogin(ctx, acct.ID, now); err != nil {
		return Session{}, err
	}
	acct.LoginAttempts = 0
	acct.LockUntil = nil
	acct.LastLoginAt = &now

	return Session{User: acct.Public(), AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}, nil
}

func (s *Service) sendVerification(ctx context.Context, acct account.Account, nonce string) {
	raw, err := s.tokens.IssueVerification(acct.ID, acct.Email, nonce)
	if err != nil {
		s.logger.Error("auth_verification_token_failed", map[string]any{"account_id": acct.ID, "error": err.Error()})
		return
	}

	link := s.cfg.DeploymentURL + "/auth/verify-email?token=" + url.QueryEscape(raw)

	mailCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), collaboratorTimeout)
	defer cancel()
	if err := s.mailer.SendVerification(mailCtx, acct.Email, acct.DisplayName, link, s.cfg.VerificationTTL); err != nil {
		s.logger.Error("auth_verification_mail_failed", map[string]any{"account_id": acct.ID, "error": err.Error()})
	}
}

// uploadOptional uploads a registration image. Failures only cost the image.
func (s *Service) uploadOptional(ctx context.Context, source string) account.Image {
	if source == "" || s.images == nil {
		return account.Image{}
	}

	uploadCtx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	defer cancel()
	uploaded, err := s.images.UploadImage(uploadCtx, source)
	if err != nil {
		s.logger.Error("auth_profile_image_upload_failed", map[string]any{"error": err.Error()})
		return account.Image{}
	}
	return account.Image{URL: uploaded.URL, PublicID: uploaded.PublicID}
}

func (s *Service) destroyImage(ctx context.Context, accountID, publicID string) {
	if publicID == "" || s.images == nil {
		return
	}

	destroyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), collaboratorTimeout)
	defer cancel()
	if err := s.images.DestroyImage(destroyCtx, publicID); err != nil {
		s.logger.Error("auth_profile_image_destroy_failed", map[string]any{
			"account_id": accountID,
			"public_id":  publicID,
			"error":      err.Error(),
		})
	}
}

func (s *Service) dummyPasswordHash() string {
	s.dummyOnce.Do(func() {
		hash, err := account.HashPassword("brevity-dummy-password", s.cfg.BcryptCost)
		if err == nil {
			s.dummyHash = hash
		}
	})
	return s.dummyHash
}

func refreshRecord(pair token.Pair) account.NewRefreshToken {
	return account.NewRefreshToken{
		Raw:       pair.RefreshToken,
		JTI:       pair.Refresh.JTI(),
		ExpiresAt: pair.Refresh.ExpiresAtTime(),
	}
}

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
}

func truncateRunes(value string, limit int) string {
	value = strings.TrimSpace(value)
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	return string([]rune(value)[:limit])
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
