package auth

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"auth-service/internal/account"
	"auth-service/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service *Service
	logger  *observability.Logger
}

func NewHandler(service *Service, logger *observability.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshTokenRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type sessionResponse struct {
	account.View
	Tokens
}

type sessionStatusResponse struct {
	Authenticated bool   `json:"authenticated"`
	AccountID     string `json:"accountId,omitempty"`
	Email         string `json:"email,omitempty"`
}

type errorResponse struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// failure maps a service error to what the caller sees.
type failure struct {
	err     error
	status  int
	message string
	kind    string
}

var failures = []failure{
	{ErrMissingFields, http.StatusBadRequest, "All fields are required", ""},
	{ErrInvalidEmail, http.StatusBadRequest, "Please provide a valid email address", ""},
	{ErrInvalidUsername, http.StatusBadRequest, "Username must be between 2 and 30 characters long", ""},
	{ErrWeakPassword, http.StatusBadRequest, "Password must be at least 8 characters long", ""},
	{ErrPasswordTooLong, http.StatusBadRequest, "Password must be at most 72 bytes long", ""},
	{ErrDuplicateUsername, http.StatusBadRequest, "Username already taken. Please try another one.", "unameDupErr"},
	{ErrDuplicateEmail, http.StatusBadRequest, "Email already taken. Please try another one.", "emailDupErr"},
	{ErrInvalidCredentials, http.StatusBadRequest, "Invalid email or password", ""},
	{ErrAccountLocked, http.StatusLocked, "Account is locked due to too many failed login attempts. Please try again later.", ""},
	{ErrMissingToken, http.StatusUnauthorized, "Refresh token required", ""},
	{ErrInvalidOrExpiredToken, http.StatusForbidden, "Invalid or expired refresh token", ""},
	{ErrInvalidRefreshToken, http.StatusForbidden, "Invalid refresh token", ""},
	{ErrInvalidToken, http.StatusForbidden, "Invalid token", ""},
	{ErrAccountNotFound, http.StatusNotFound, "User not found", ""},
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !h.decode(w, r, &body) {
		return
	}

	session, err := h.service.Register(r.Context(), RegisterInput{
		Username: body.Username,
		Email:    body.Email,
		Password: body.Password,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, sessionResponse{View: session.Account, Tokens: session.Tokens})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !h.decode(w, r, &body) {
		return
	}

	session, err := h.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		var locked LockedError
		if errors.As(err, &locked) {
			retryAfter := int(time.Until(locked.Until).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		}
		h.fail(w, r, err, failure{ErrMissingFields, http.StatusBadRequest, "Email and password are required", ""})
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{View: session.Account, Tokens: session.Tokens})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshTokenRequest
	if !h.decode(w, r, &body) {
		return
	}

	tokens, err := h.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

// Logout always answers 200, even for unreadable bodies.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body refreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		h.logger.Info("logout_unreadable_body", map[string]any{"error": err.Error()})
	}

	h.service.Logout(r.Context(), body.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}

func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	var body refreshTokenRequest
	if !h.decode(w, r, &body) {
		return
	}

	if err := h.service.LogoutAll(r.Context(), body.RefreshToken); err != nil {
		h.fail(w, r, err, failure{ErrMissingToken, http.StatusBadRequest, "Refresh token required", ""})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out from all devices"})
}

// Me requires RequireAuth in front of it.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	payload, ok := PayloadFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Access token required", "")
		return
	}

	view, err := h.service.Me(r.Context(), payload.Subject)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// Session reports whether the caller presented a valid access token. It sits
// behind OptionalAuth and never rejects.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	payload, ok := PayloadFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, sessionStatusResponse{Authenticated: false})
		return
	}

	writeJSON(w, http.StatusOK, sessionStatusResponse{
		Authenticated: true,
		AccountID:     payload.Subject,
		Email:         payload.Email,
	})
}

// decode reads a JSON body into dst. An empty body leaves dst zeroed so the
// service can report the missing fields itself.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", "")
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, overrides ...failure) {
	for _, f := range append(overrides, failures...) {
		if errors.Is(err, f.err) {
			writeError(w, f.status, f.message, f.kind)
			return
		}
	}

	observability.CaptureRequestError(r, err)
	h.logger.Error("auth_request_failed", map[string]any{
		"path":  r.URL.Path,
		"error": err.Error(),
	})
	writeError(w, http.StatusInternalServerError, "Internal server error", "")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, kind string) {
	writeJSON(w, status, errorResponse{Message: message, Type: kind})
}
