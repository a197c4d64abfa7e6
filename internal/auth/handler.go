package auth

import (
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"brevity-server/internal/account"
	"brevity-server/internal/media"
	"brevity-server/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

//go:embed templates/*.html
var pageFiles embed.FS

var verifyPage = template.Must(template.ParseFS(pageFiles, "templates/verify_email.html"))

type Handler struct {
	service  *Service
	logger   *observability.Logger
	validate *validator.Validate
}

func NewHandler(service *Service, logger *observability.Logger) *Handler {
	return &Handler{service: service, logger: logger, validate: newValidator()}
}

type envelope struct {
	Success bool              `json:"success"`
	Message string            `json:"message,omitempty"`
	Data    any               `json:"data,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

type registerRequest struct {
	DisplayName string `json:"displayName" validate:"required,min=1,max=50"`
	Email       string `json:"email" validate:"required,email,max=254"`
	Password    string `json:"password" validate:"required,min=8,bcryptmax"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,max=128"`
}

type googleRequest struct {
	IDToken string `json:"idToken" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type emailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type resetPasswordRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Token       string `json:"token" validate:"required,numeric,len=6"`
	NewPassword string `json:"newPassword" validate:"required,min=8,bcryptmax"`
}

type logoutRequest struct {
	RefreshToken      string `json:"refreshToken"`
	RevokeAccessToken *bool  `json:"revokeAccessToken"`
}

type deleteAccountRequest struct {
	Password      string `json:"password"`
	GoogleIDToken string `json:"googleIdToken"`
}

type profileRequest struct {
	DisplayName *string `json:"displayName" validate:"omitempty,min=1,max=50"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	var imageSource string

	if isMultipart(r) {
		source, err := media.ParseImageUpload(r, "profileImage")
		if err != nil && !errors.Is(err, media.ErrMissingFile) {
			writeError(w, http.StatusBadRequest, uploadErrorMessage(err))
			return
		}
		imageSource = source
		body = registerRequest{
			DisplayName: r.FormValue("displayName"),
			Email:       r.FormValue("email"),
			Password:    r.FormValue("password"),
		}
	} else if !h.decode(w, r, &body, false) {
		return
	}

	body.DisplayName = strings.TrimSpace(body.DisplayName)
	body.Email = strings.TrimSpace(body.Email)
	if !h.valid(w, body) {
		return
	}

	session, err := h.service.Register(r.Context(), RegisterInput{
		DisplayName: body.DisplayName,
		Email:       body.Email,
		Password:    body.Password,
		ImageSource: imageSource,
	})
	if err != nil {
		h.writeServiceError(w, r, err, "Registration failed")
		return
	}

	writeData(w, http.StatusCreated, "User registered successfully", session)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !h.decode(w, r, &body, false) {
		return
	}
	body.Email = strings.TrimSpace(body.Email)
	if !h.valid(w, body) {
		return
	}

	session, err := h.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		h.writeServiceError(w, r, err, "Login failed")
		return
	}

	writeData(w, http.StatusOK, "Login successful", session)
}

func (h *Handler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	var body googleRequest
	if !h.decode(w, r, &body, false) || !h.valid(w, body) {
		return
	}

	session, err := h.service.LoginWithGoogle(r.Context(), body.IDToken)
	if err != nil {
		h.writeServiceError(w, r, err, "Google login failed")
		return
	}

	writeData(w, http.StatusOK, "Login successful", session)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !h.decode(w, r, &body, false) {
		return
	}
	body.RefreshToken = strings.TrimSpace(body.RefreshToken)
	if !h.valid(w, body) {
		return
	}

	session, err := h.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to refresh token")
		return
	}

	writeData(w, http.StatusOK, "Token refreshed", session)
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.VerifyEmail(r.Context(), r.URL.Query().Get("token"))

	status := http.StatusOK
	data := map[string]any{"Success": true, "Name": user.DisplayName}
	if err != nil {
		if !errors.Is(err, ErrInvalidOrExpiredToken) {
			observability.CaptureRequestError(r, err)
			h.logger.Error("auth_verify_email_failed", map[string]any{"error": err.Error()})
		}
		status = http.StatusBadRequest
		data = map[string]any{"Success": false}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = verifyPage.Execute(w, data)
}

func (h *Handler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var body emailRequest
	if !h.decode(w, r, &body, true) {
		return
	}

	// Signed-in callers may omit the email.
	if identity, ok := IdentityFrom(r.Context()); ok && !identity.Anonymous && strings.TrimSpace(body.Email) == "" {
		body.Email = identity.Account.Email
	}
	body.Email = strings.TrimSpace(body.Email)
	if !h.valid(w, body) {
		return
	}

	if err := h.service.ResendVerification(r.Context(), body.Email); err != nil {
		h.writeServiceError(w, r, err, "Failed to resend verification email")
		return
	}

	writeMessage(w, http.StatusOK, "Verification email sent")
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body emailRequest
	if !h.decode(w, r, &body, false) {
		return
	}
	body.Email = strings.TrimSpace(body.Email)
	if !h.valid(w, body) {
		return
	}

	if err := h.service.ForgotPassword(r.Context(), body.Email); err != nil {
		h.writeServiceError(w, r, err, "Failed to start password reset")
		return
	}

	writeMessage(w, http.StatusOK, "Password reset code sent to your email")
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetPasswordRequest
	if !h.decode(w, r, &body, false) {
		return
	}
	body.Email = strings.TrimSpace(body.Email)
	body.Token = strings.TrimSpace(body.Token)
	if !h.valid(w, body) {
		return
	}

	if err := h.service.ResetPassword(r.Context(), body.Email, body.Token, body.NewPassword); err != nil {
		h.writeServiceError(w, r, err, "Failed to reset password")
		return
	}

	writeMessage(w, http.StatusOK, "Password reset successful")
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok || identity.Anonymous {
		writeError(w, http.StatusUnauthorized, "Not authorized")
		return
	}

	var body logoutRequest
	if !h.decode(w, r, &body, true) {
		return
	}

	revokeAccess := true
	if body.RevokeAccessToken != nil {
		revokeAccess = *body.RevokeAccessToken
	}

	if err := h.service.Logout(r.Context(), identity, body.RefreshToken, revokeAccess); err != nil {
		h.writeServiceError(w, r, err, "Logout failed")
		return
	}

	writeMessage(w, http.StatusOK, "Logout successful")
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok || identity.Anonymous {
		writeError(w, http.StatusUnauthorized, "Not authorized")
		return
	}

	user, err := h.service.Me(r.Context(), identity)
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to get user data")
		return
	}

	writeData(w, http.StatusOK, "", map[string]any{"user": user})
}

// Status reports who the caller is without requiring credentials.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok || identity.Anonymous {
		writeData(w, http.StatusOK, "", map[string]any{"authenticated": false})
		return
	}

	writeData(w, http.StatusOK, "", map[string]any{"authenticated": true, "user": identity.Account})
}

func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok || identity.Anonymous {
		writeError(w, http.StatusUnauthorized, "Not authorized")
		return
	}

	var body deleteAccountRequest
	if !h.decode(w, r, &body, true) {
		return
	}

	err := h.service.DeleteAccount(r.Context(), identity, DeleteInput{
		Password:      body.Password,
		GoogleIDToken: strings.TrimSpace(body.GoogleIDToken),
	})
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to delete account, please retry")
		return
	}

	writeMessage(w, http.StatusOK, "Account deletion successful for "+identity.Account.DisplayName)
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok || identity.Anonymous {
		writeError(w, http.StatusUnauthorized, "Not authorized")
		return
	}

	var body profileRequest
	var imageSource string
	if isMultipart(r) {
		source, err := media.ParseImageUpload(r, "profileImage")
		if err != nil && !errors.Is(err, media.ErrMissingFile) {
			writeError(w, http.StatusBadRequest, uploadErrorMessage(err))
			return
		}
		imageSource = source
		if values, present := r.MultipartForm.Value["displayName"]; present && len(values) > 0 {
			name := values[0]
			body.DisplayName = &name
		}
	} else if !h.decode(w, r, &body, false) {
		return
	}

	if body.DisplayName != nil {
		name := strings.TrimSpace(*body.DisplayName)
		body.DisplayName = &name
	}
	if !h.valid(w, body) {
		return
	}

	user, err := h.service.UpdateProfile(r.Context(), identity, ProfileInput{
		DisplayName: body.DisplayName,
		ImageSource: imageSource,
	})
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to update profile")
		return
	}

	writeData(w, http.StatusOK, "Profile updated successfully", map[string]any{"user": user})
}

func (h *Handler) UploadProfileImage(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok || identity.Anonymous {
		writeError(w, http.StatusUnauthorized, "Not authorized")
		return
	}

	source, err := media.ParseImageUpload(r, "profileImage")
	if err != nil {
		writeError(w, http.StatusBadRequest, uploadErrorMessage(err))
		return
	}

	user, err := h.service.UpdateProfile(r.Context(), identity, ProfileInput{ImageSource: source})
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to update profile image")
		return
	}

	writeData(w, http.StatusOK, "Profile image updated successfully", map[string]any{"user": user})
}

func (h *Handler) DeleteProfileImage(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok || identity.Anonymous {
		writeError(w, http.StatusUnauthorized, "Not authorized")
		return
	}

	if err := h.service.DeleteProfileImage(r.Context(), identity); err != nil {
		h.writeServiceError(w, r, err, "Failed to delete profile image")
		return
	}

	writeMessage(w, http.StatusOK, "Profile image deleted successfully")
}

// decode reads a JSON body. With allowEmpty an absent body leaves dst at
// its zero value.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

func (h *Handler) valid(w http.ResponseWriter, body any) bool {
	if err := h.validate.Struct(body); err != nil {
		var failure ValidationError
		if errors.As(validationFailure(err), &failure) {
			writeJSON(w, http.StatusBadRequest, envelope{Success: false, Message: "Validation failed", Errors: failure.Fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "Validation failed")
		return false
	}
	return true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var locked ErrAccountLocked
	if errors.As(err, &locked) {
		retryAfter := int(time.Until(locked.Until).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusLocked, "Account is temporarily locked due to too many failed login attempts")
		return
	}

	var invalid ValidationError
	if errors.As(err, &invalid) {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Message: "Validation failed", Errors: invalid.Fields})
		return
	}
	if errors.Is(err, account.ErrPasswordTooLong) {
		writeError(w, http.StatusBadRequest, "Password must be at most 72 bytes")
		return
	}

	switch {
	case errors.Is(err, ErrValidation):
		writeError(w, http.StatusBadRequest, "Validation failed")
	case errors.Is(err, ErrEmailInUse):
		writeError(w, http.StatusBadRequest, "User already exists with this email")
	case errors.Is(err, ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
	case errors.Is(err, ErrEmailNotVerified):
		writeError(w, http.StatusUnauthorized, "Please verify your email address before logging in")
	case errors.Is(err, ErrAccountInactive):
		writeError(w, http.StatusUnauthorized, "Account is deactivated")
	case errors.Is(err, ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "Not authorized, token failed")
	case errors.Is(err, ErrInvalidGoogleToken):
		writeError(w, http.StatusUnauthorized, "Invalid Google token")
	case errors.Is(err, ErrInvalidOrExpiredToken):
		writeError(w, http.StatusBadRequest, "Invalid or expired token")
	case errors.Is(err, ErrAlreadyVerified):
		writeError(w, http.StatusBadRequest, "Email is already verified")
	case errors.Is(err, ErrReauthRequired):
		writeError(w, http.StatusBadRequest, "Password or Google ID token is required to delete the account")
	case errors.Is(err, ErrNoProfileImage):
		writeError(w, http.StatusBadRequest, "No profile image to delete")
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "User not found")
	case errors.Is(err, ErrImageUpload):
		writeError(w, http.StatusBadGateway, "Failed to upload image")
	case errors.Is(err, ErrMediaUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Image uploads are not available")
	default:
		observability.CaptureRequestError(r, err)
		h.logger.Error("auth_request_failed", map[string]any{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "multipart/form-data")
}

func uploadErrorMessage(err error) string {
	switch {
	case errors.Is(err, media.ErrFileTooLarge):
		return "Image is too large"
	case errors.Is(err, media.ErrNotImage):
		return "File must be an image"
	case errors.Is(err, media.ErrEmptyFile):
		return "Image is empty"
	case errors.Is(err, media.ErrMissingFile):
		return "Image is required"
	default:
		return "Invalid multipart form"
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeData(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{Success: true, Message: message, Data: data})
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: true, Message: message})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Message: message})
}
