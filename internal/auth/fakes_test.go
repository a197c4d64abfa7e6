package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"brevity-server/internal/account"
	"brevity-server/internal/media"
	"brevity-server/internal/oauth/google"
	"brevity-server/internal/observability"
	"brevity-server/internal/revocation"
	"brevity-server/internal/token"
)

const testCost = 4

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storedRefresh struct {
	jti       string
	expiresAt time.Time
	createdAt time.Time
}

// memoryAccounts mirrors the Postgres repository closely enough for service
// and guard tests.
type memoryAccounts struct {
	mu       sync.Mutex
	clock    *clock
	accounts map[string]account.Account
	refresh  map[string]map[string]storedRefresh
	findErr  error
}

func newMemoryAccounts(c *clock) *memoryAccounts {
	return &memoryAccounts{
		clock:    c,
		accounts: make(map[string]account.Account),
		refresh:  make(map[string]map[string]storedRefresh),
	}
}

func (m *memoryAccounts) Create(_ context.Context, input account.NewAccount) (account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := account.NormalizeEmail(input.Email)
	for _, existing := range m.accounts {
		if existing.Email == email {
			return account.Account{}, account.ErrDuplicateEmail
		}
	}

	now := m.clock.Now()
	created := account.Account{
		ID:            uuid.NewString(),
		Email:         email,
		DisplayName:   strings.TrimSpace(input.DisplayName),
		Provider:      input.Provider,
		EmailVerified: input.EmailVerified,
		ProfileImage:  input.ProfileImage,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if input.Password != "" {
		hash, err := account.HashPassword(input.Password, testCost)
		if err != nil {
			return account.Account{}, err
		}
		created.PasswordHash = hash
	}
	if input.Verification != nil {
		expires := input.Verification.Expires
		created.VerificationTokenHash = input.Verification.Hash
		created.VerificationExpires = &expires
	}

	m.accounts[created.ID] = created
	return created, nil
}

func (m *memoryAccounts) FindByID(_ context.Context, id string) (account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return account.Account{}, m.findErr
	}
	found, ok := m.accounts[id]
	if !ok {
		return account.Account{}, account.ErrNotFound
	}
	return found, nil
}

func (m *memoryAccounts) FindByEmail(_ context.Context, email string) (account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email = account.NormalizeEmail(email)
	for _, found := range m.accounts {
		if found.Email == email {
			return found, nil
		}
	}
	return account.Account{}, account.ErrNotFound
}

func (m *memoryAccounts) FindByVerificationToken(_ context.Context, nonceHash string) (account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, found := range m.accounts {
		if nonceHash != "" && found.VerificationTokenHash == nonceHash {
			return found, nil
		}
	}
	return account.Account{}, account.ErrNotFound
}

func (m *memoryAccounts) UpdateFields(_ context.Context, id string, fields account.Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	found, ok := m.accounts[id]
	if !ok {
		return account.ErrNotFound
	}
	if fields.IfPasswordReset != "" && fields.IfPasswordReset != found.PasswordResetHash {
		return account.ErrNotFound
	}
	if fields.DisplayName != nil {
		found.DisplayName = *fields.DisplayName
	}
	if fields.Password != nil {
		hash, err := account.HashPassword(*fields.Password, testCost)
		if err != nil {
			return err
		}
		found.PasswordHash = hash
	}
	if fields.Provider != nil {
		found.Provider = *fields.Provider
	}
	if fields.EmailVerified != nil {
		found.EmailVerified = *fields.EmailVerified
	}
	if fields.IsActive != nil {
		found.IsActive = *fields.IsActive
	}
	if fields.ProfileImage != nil {
		found.ProfileImage = *fields.ProfileImage
	}
	if fields.SetVerification != nil {
		expires := fields.SetVerification.Expires
		found.VerificationTokenHash = fields.SetVerification.Hash
		found.VerificationExpires = &expires
	}
	if fields.ClearVerification {
		found.VerificationTokenHash = ""
		found.VerificationExpires = nil
	}
	if fields.SetPasswordReset != nil {
		expires := fields.SetPasswordReset.Expires
		found.PasswordResetHash = fields.SetPasswordReset.Hash
		found.PasswordResetExpires = &expires
	}
	if fields.ClearPasswordReset {
		found.PasswordResetHash = ""
		found.PasswordResetExpires = nil
	}
	found.UpdatedAt = m.clock.Now()
	m.accounts[id] = found
	return nil
}

func (m *memoryAccounts) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[id]; !ok {
		return account.ErrNotFound
	}
	delete(m.accounts, id)
	delete(m.refresh, id)
	return nil
}

func (m *memoryAccounts) RegisterFailedLogin(_ context.Context, id string, policy account.LockoutPolicy, now time.Time) (account.LoginState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found, ok := m.accounts[id]
	if !ok {
		return account.LoginState{}, account.ErrNotFound
	}
	next := account.NextLoginState(found.LoginState(), policy, now)
	found.LoginAttempts = next.Attempts
	found.LockUntil = next.LockUntil
	m.accounts[id] = found
	return next, nil
}

func (m *memoryAccounts) RecordSuccessfulLogin(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	found, ok := m.accounts[id]
	if !ok {
		return account.ErrNotFound
	}
	found.LoginAttempts = 0
	found.LockUntil = nil
	found.LastLoginAt = &now
	m.accounts[id] = found
	return nil
}

func (m *memoryAccounts) AddRefreshToken(_ context.Context, accountID string, t account.NewRefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refresh[accountID] == nil {
		m.refresh[accountID] = make(map[string]storedRefresh)
	}
	m.refresh[accountID][account.HashToken(t.Raw)] = storedRefresh{jti: t.JTI, expiresAt: t.ExpiresAt, createdAt: m.clock.Now()}
	return nil
}

func (m *memoryAccounts) RotateRefreshToken(_ context.Context, accountID, oldRaw string, next account.NewRefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tokens := m.refresh[accountID]
	hash := account.HashToken(oldRaw)
	stored, ok := tokens[hash]
	if !ok || !stored.expiresAt.After(m.clock.Now()) {
		return account.ErrRefreshTokenNotFound
	}
	delete(tokens, hash)
	tokens[account.HashToken(next.Raw)] = storedRefresh{jti: next.JTI, expiresAt: next.ExpiresAt, createdAt: m.clock.Now()}
	return nil
}

func (m *memoryAccounts) RemoveRefreshToken(_ context.Context, accountID, raw string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refresh[accountID], account.HashToken(raw))
	return nil
}

func (m *memoryAccounts) ClearRefreshTokens(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refresh, accountID)
	return nil
}

func (m *memoryAccounts) ListRefreshTokens(_ context.Context, accountID string) ([]account.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []account.RefreshToken
	for hash, stored := range m.refresh[accountID] {
		if stored.expiresAt.After(m.clock.Now()) {
			out = append(out, account.RefreshToken{JTI: stored.jti, TokenHash: hash, CreatedAt: stored.createdAt, ExpiresAt: stored.expiresAt})
		}
	}
	return out, nil
}

func (m *memoryAccounts) refreshCount(accountID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.refresh[accountID])
}

func (m *memoryAccounts) byEmail(t *testing.T, email string) account.Account {
	t.Helper()
	found, err := m.FindByEmail(context.Background(), email)
	require.NoError(t, err)
	return found
}

type memoryRevocations struct {
	mu      sync.Mutex
	entries map[string]revocation.Entry
}

func (s *memoryRevocations) Insert(_ context.Context, entry revocation.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.JTI]; !ok {
		s.entries[entry.JTI] = entry
	}
	return nil
}

func (s *memoryRevocations) Exists(_ context.Context, jti string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[jti]
	return ok && entry.ExpiresAt.After(now), nil
}

func (s *memoryRevocations) DeleteExpired(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}

type sentMail struct {
	kind string
	to   string
	link string
	code string
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *recordingMailer) SendVerification(_ context.Context, to, _, link string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{kind: "verification", to: to, link: link})
	return m.err
}

func (m *recordingMailer) SendPasswordReset(_ context.Context, to, _, code string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{kind: "reset", to: to, code: code})
	return m.err
}

func (m *recordingMailer) SendPasswordChanged(_ context.Context, to, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{kind: "changed", to: to})
	return m.err
}

func (m *recordingMailer) last(kind string) (sentMail, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].kind == kind {
			return m.sent[i], true
		}
	}
	return sentMail{}, false
}

// stubGoogle accepts any token present in identities.
type stubGoogle struct {
	identities map[string]google.Identity
}

func (g stubGoogle) Verify(_ context.Context, idToken string) (google.Identity, error) {
	identity, ok := g.identities[idToken]
	if !ok {
		return google.Identity{}, google.ErrInvalidIDToken
	}
	return identity, nil
}

type stubImages struct {
	mu        sync.Mutex
	uploads   int
	destroyed []string
	uploadErr error
}

func (s *stubImages) UploadImage(_ context.Context, source string) (media.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploadErr != nil {
		return media.Image{}, s.uploadErr
	}
	s.uploads++
	id := "brevity/avatar-" + strings.Repeat("x", s.uploads)
	return media.Image{URL: "https://img.example.com/" + id, PublicID: id}, nil
}

func (s *stubImages) DestroyImage(_ context.Context, publicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = append(s.destroyed, publicID)
	return nil
}

type fixture struct {
	clock    *clock
	accounts *memoryAccounts
	revoked  *memoryRevocations
	ledger   *revocation.Ledger
	tokens   *token.Issuer
	mailer   *recordingMailer
	google   stubGoogle
	images   *stubImages
	service  *Service
	guard    *Guard
}

type fixtureOption func(*Config)

func requireVerification(cfg *Config) {
	cfg.RequireEmailVerification = true
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	c := newClock()
	accounts := newMemoryAccounts(c)
	revoked := &memoryRevocations{entries: make(map[string]revocation.Entry)}
	logger := observability.Discard()

	ledger := revocation.NewLedger(revoked, accounts, logger).WithClock(c.Now)

	tokens, err := token.NewIssuer(token.Config{
		AccessSecret:  "access-secret-for-tests",
		RefreshSecret: "refresh-secret-for-tests",
	})
	require.NoError(t, err)
	tokens.WithClock(c.Now)

	cfg := Config{
		Lockout:       account.LockoutPolicy{MaxAttempts: 5, LockDuration: 30 * time.Minute},
		ResetCodeTTL:  time.Hour,
		BcryptCost:    testCost,
		DeploymentURL: "https://brevity.example.com/",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	f := &fixture{
		clock:    c,
		accounts: accounts,
		revoked:  revoked,
		ledger:   ledger,
		tokens:   tokens,
		mailer:   &recordingMailer{},
		google:   stubGoogle{identities: make(map[string]google.Identity)},
		images:   &stubImages{},
	}
	f.service = NewService(Deps{
		Accounts: accounts,
		Tokens:   tokens,
		Ledger:   ledger,
		Mailer:   f.mailer,
		Google:   f.google,
		Images:   f.images,
		Logger:   logger,
	}, cfg).WithClock(c.Now)
	f.guard = NewGuard(tokens, accounts, ledger, logger, cfg.RequireEmailVerification)

	return f
}

func (f *fixture) register(t *testing.T, email, password string) Session {
	t.Helper()
	session, err := f.service.Register(context.Background(), RegisterInput{
		DisplayName: "Ada Lovelace",
		Email:       email,
		Password:    password,
	})
	require.NoError(t, err)
	return session
}

func (f *fixture) identity(t *testing.T, session Session) Identity {
	t.Helper()
	claims, err := f.tokens.Verify(session.AccessToken, token.KindAccess)
	require.NoError(t, err)
	return Identity{Account: session.User, Claims: claims}
}

var errBoom = errors.New("boom")
