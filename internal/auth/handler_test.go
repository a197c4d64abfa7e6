package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brevity-server/internal/account"
	"brevity-server/internal/observability"
)

type response struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Data    json.RawMessage   `json:"data"`
	Errors  map[string]string `json:"errors"`
}

func call(t *testing.T, h http.Handler, method, target, body, bearer string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func newHandler(f *fixture) *Handler {
	return NewHandler(f.service, observability.Discard())
}

func TestRegisterHandler(t *testing.T) {
	f := newFixture(t)
	h := newHandler(f)

	rec, body := call(t, http.HandlerFunc(h.Register), http.MethodPost, "/auth/register",
		`{"displayName":"Ada","email":"ada@example.com","password":"correct-horse"}`, "")

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, body.Success)

	var session struct {
		User struct {
			Email string `json:"email"`
		} `json:"user"`
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &session))
	assert.Equal(t, "ada@example.com", session.User.Email)
	assert.NotEmpty(t, session.AccessToken)
	assert.NotContains(t, rec.Body.String(), "passwordHash")

	rec, body = call(t, http.HandlerFunc(h.Register), http.MethodPost, "/auth/register",
		`{"displayName":"Ada","email":"ada@example.com","password":"correct-horse"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "User already exists with this email", body.Message)
}

func TestRegisterHandlerValidation(t *testing.T) {
	f := newFixture(t)
	h := newHandler(f)

	rec, body := call(t, http.HandlerFunc(h.Register), http.MethodPost, "/auth/register",
		`{"displayName":"","email":"not-an-email","password":"short"}`, "")

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, body.Success)
	assert.Equal(t, "Validation failed", body.Message)
	assert.Contains(t, body.Errors, "displayName")
	assert.Contains(t, body.Errors, "email")
	assert.Equal(t, "must be at least 8 characters", body.Errors["password"])

	rec, body = call(t, http.HandlerFunc(h.Register), http.MethodPost, "/auth/register",
		`{"displayName":"Ada","email":"ada@example.com","password":"correct-horse","role":"admin"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid JSON body", body.Message)
}

func TestPasswordsOverBcryptLimitAreRejected(t *testing.T) {
	f := newFixture(t)
	h := newHandler(f)

	long := strings.Repeat("a", 73)
	rec, body := call(t, http.HandlerFunc(h.Register), http.MethodPost, "/auth/register",
		`{"displayName":"Ada","email":"ada@example.com","password":"`+long+`"}`, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "must be at most 72 bytes", body.Errors["password"])

	// 40 characters, 80 bytes.
	wide := strings.Repeat("é", 40)
	rec, body = call(t, http.HandlerFunc(h.Register), http.MethodPost, "/auth/register",
		`{"displayName":"Ada","email":"ada@example.com","password":"`+wide+`"}`, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body.Errors, "password")

	rec, body = call(t, http.HandlerFunc(h.ResetPassword), http.MethodPost, "/auth/reset-password",
		`{"email":"ada@example.com","token":"123456","newPassword":"`+long+`"}`, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "must be at most 72 bytes", body.Errors["newPassword"])

	rec, _ = call(t, http.HandlerFunc(h.Register), http.MethodPost, "/auth/register",
		`{"displayName":"Ada","email":"ada@example.com","password":"`+strings.Repeat("a", 72)+`"}`, "")
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestTooLongPasswordFromServiceIsBadRequest(t *testing.T) {
	h := newHandler(newFixture(t))

	rec := httptest.NewRecorder()
	h.writeServiceError(rec, httptest.NewRequest(http.MethodPost, "/auth/register", nil),
		fmt.Errorf("create account: %w", account.ErrPasswordTooLong), "Registration failed")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterHandlerMultipart(t *testing.T) {
	f := newFixture(t)
	h := newHandler(f)

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	require.NoError(t, form.WriteField("displayName", "Ada"))
	require.NoError(t, form.WriteField("email", "ada@example.com"))
	require.NoError(t, form.WriteField("password", "correct-horse"))
	part, err := form.CreateFormFile("profileImage", "avatar.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("\x89PNG\r\n\x1a\n0000000000000000"))
	require.NoError(t, err)
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/auth/register", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	rec := httptest.NewRecorder()
	h.Register(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "img.example.com")
	assert.Equal(t, 1, f.images.uploads)
}

func TestRegisterThenLockoutScenario(t *testing.T) {
	f := newFixture(t)
	h := newHandler(f)

	rec, body := call(t, http.HandlerFunc(h.Register), http.MethodPost, "/auth/register",
		`{"displayName":"Pw1","email":"a@x.com","password":"pass12345"}`, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, string(body.Data), `"accessToken":"ey`)

	for i := 0; i < 4; i++ {
		rec, body := call(t, http.HandlerFunc(h.Login), http.MethodPost, "/auth/login",
			`{"email":"a@x.com","password":"wrong"}`, "")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Equal(t, "Invalid email or password", body.Message)
	}

	rec, _ = call(t, http.HandlerFunc(h.Login), http.MethodPost, "/auth/login",
		`{"email":"a@x.com","password":"wrong"}`, "")
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec, _ = call(t, http.HandlerFunc(h.Login), http.MethodPost, "/auth/login",
		`{"email":"a@x.com","password":"pass12345"}`, "")
	assert.Equal(t, http.StatusLocked, rec.Code)
}

func TestVerifyEmailPage(t *testing.T) {
	f := newFixture(t)
	h := newHandler(f)
	f.register(t, "ada@example.com", "correct-horse")
	mail, _ := f.mailer.last("verification")

	req := httptest.NewRequest(http.MethodGet, "/auth/verify-email?token="+verificationToken(t, mail.link), nil)
	rec := httptest.NewRecorder()
	h.VerifyEmail(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Ada Lovelace")

	rec = httptest.NewRecorder()
	h.VerifyEmail(rec, httptest.NewRequest(http.MethodGet, "/auth/verify-email?token=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusHandler(t *testing.T) {
	f := newFixture(t)
	h := f.guard.Optional(http.HandlerFunc(newHandler(f).Status))

	_, body := call(t, h, http.MethodGet, "/auth/status", "", "")
	assert.JSONEq(t, `{"authenticated":false}`, string(body.Data))

	session := f.register(t, "ada@example.com", "correct-horse")
	_, body = call(t, h, http.MethodGet, "/auth/status", "", session.AccessToken)
	assert.Contains(t, string(body.Data), `"authenticated":true`)
}

func TestLogoutHandlerRevokesAccessByDefault(t *testing.T) {
	f := newFixture(t)
	h := newHandler(f)
	session := f.register(t, "ada@example.com", "correct-horse")

	logout := f.guard.AllowUnverified(http.HandlerFunc(h.Logout))
	me := f.guard.Strict(http.HandlerFunc(h.Me))

	rec, _ := call(t, me, http.MethodGet, "/auth/me", "", session.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := call(t, logout, http.MethodPost, "/auth/logout", "", session.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Logout successful", body.Message)

	rec, _ = call(t, me, http.MethodGet, "/auth/me", "", session.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutHandlerCanKeepAccessToken(t *testing.T) {
	f := newFixture(t)
	h := newHandler(f)
	session := f.register(t, "ada@example.com", "correct-horse")

	logout := f.guard.AllowUnverified(http.HandlerFunc(h.Logout))
	me := f.guard.Strict(http.HandlerFunc(h.Me))

	rec, _ := call(t, logout, http.MethodPost, "/auth/logout",
		`{"refreshToken":"`+session.RefreshToken+`","revokeAccessToken":false}`, session.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = call(t, me, http.MethodGet, "/auth/me", "", session.AccessToken)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestResetPasswordHandlerValidatesCode(t *testing.T) {
	f := newFixture(t)
	h := newHandler(f)

	rec, body := call(t, http.HandlerFunc(h.ResetPassword), http.MethodPost, "/auth/reset-password",
		`{"email":"ada@example.com","token":"12ab","newPassword":"new-password-1"}`, "")

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body.Errors, "token")

	rec, body = call(t, http.HandlerFunc(h.ResetPassword), http.MethodPost, "/auth/reset-password",
		`{"email":"ada@example.com","token":"123456","newPassword":"new-password-1"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid or expired token", body.Message)
}

func TestDeleteAccountHandler(t *testing.T) {
	f := newFixture(t)
	h := f.guard.Strict(http.HandlerFunc(newHandler(f).DeleteAccount))
	session := f.register(t, "ada@example.com", "correct-horse")

	rec, _ := call(t, h, http.MethodDelete, "/auth/account", "", session.AccessToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := call(t, h, http.MethodDelete, "/auth/account", `{"password":"correct-horse"}`, session.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Account deletion successful for Ada Lovelace", body.Message)

	rec, _ = call(t, h, http.MethodDelete, "/auth/account", `{"password":"correct-horse"}`, session.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServiceErrorFallsBackToServerError(t *testing.T) {
	f := newFixture(t)
	h := newHandler(f)
	session := f.register(t, "ada@example.com", "correct-horse")
	identity := f.identity(t, session)

	f.accounts.findErr = errBoom
	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req = req.WithContext(WithIdentity(req.Context(), identity))
	rec := httptest.NewRecorder()
	h.Me(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"success":false,"message":"Failed to get user data"}`, rec.Body.String())
}
