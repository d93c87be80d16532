package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/fieldgate/fieldgate/internal/middleware"
	"github.com/fieldgate/fieldgate/internal/service"
)

// JSON helper functions

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

// writeError writes the flat error envelope: a stable machine-readable
// code plus a human-readable message.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

func readJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("request body is empty")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// getClientIP extracts the client IP address from the request
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}

// requestDeviceID resolves the device the request is bound to: the
// gateway's context value when present, the raw header otherwise.
func (h *Handler) requestDeviceID(r *http.Request) string {
	if id := middleware.DeviceID(r.Context()); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get(h.cfg.RequestSigning.DeviceIDHeader))
}

// --- Auth handlers ---

type loginRequest struct {
	Email      string                 `json:"email"`
	Password   string                 `json:"password"`
	DeviceID   string                 `json:"deviceId"`
	DeviceInfo map[string]interface{} `json:"deviceInfo,omitempty"`
}

// Login handles POST /api/v1/mobile/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}

	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "Email and password are required")
		return
	}
	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = h.requestDeviceID(r)
	}
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "A device identifier is required")
		return
	}

	resp, err := h.authSvc.Login(r.Context(), service.LoginRequest{
		Email:      req.Email,
		Password:   req.Password,
		DeviceID:   deviceID,
		DeviceInfo: req.DeviceInfo,
		IP:         getClientIP(r),
		UserAgent:  r.UserAgent(),
		SessionID:  middleware.GetRequestID(r.Context()),
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "The email or password is incorrect.")
		default:
			h.log.Error().Err(err).Msg("login failed")
			writeError(w, http.StatusInternalServerError, "internal_error", "Login failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

type rotateRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// RotateTokens handles POST /api/v1/mobile/auth/rotate
func (h *Handler) RotateTokens(w http.ResponseWriter, r *http.Request) {
	var req rotateRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "A refresh token is required")
		return
	}

	pair, err := h.tokenSvc.RotateTokens(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrTokenExpired):
			writeError(w, http.StatusBadRequest, "token_expired", "The refresh token has expired.")
		case errors.Is(err, service.ErrTokenInvalid):
			writeError(w, http.StatusBadRequest, "token_invalid", "The refresh token is invalid.")
		default:
			h.log.Error().Err(err).Msg("token rotation failed")
			writeError(w, http.StatusInternalServerError, "internal_error", "Token rotation failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, pair)
}

// TokenInfo handles GET /api/v1/mobile/auth/token
func (h *Handler) TokenInfo(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFrom(r.Context())
	deviceID := h.requestDeviceID(r)
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "A device identifier is required")
		return
	}

	info, err := h.tokenSvc.GetTokenInfo(r.Context(), p.User.ID, deviceID)
	if err != nil {
		h.log.Error().Err(err).Msg("token info lookup failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to look up token state")
		return
	}
	if info == nil {
		writeError(w, http.StatusNotFound, "not_found", "No token pair is bound to this device")
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// Logout handles POST /api/v1/mobile/auth/logout. Revokes every pair
// bound to the calling device.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFrom(r.Context())
	deviceID := h.requestDeviceID(r)
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "A device identifier is required")
		return
	}

	revoked, err := h.tokenSvc.RevokeDeviceTokens(r.Context(), p.User.ID, deviceID)
	if err != nil {
		h.log.Error().Err(err).Msg("logout failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Logout failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Logged out",
		"revoked": revoked,
	})
}

// LogoutAll handles POST /api/v1/mobile/auth/logout-all. Revokes every
// pair the user holds across all devices.
func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFrom(r.Context())

	revoked, err := h.tokenSvc.RevokeAllUserTokens(r.Context(), p.User.ID)
	if err != nil {
		h.log.Error().Err(err).Msg("logout-all failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Logout failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Logged out on all devices",
		"revoked": revoked,
	})
}

// Profile handles GET /api/v1/mobile/profile
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFrom(r.Context())

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       p.User.ID,
		"tenantId": p.User.TenantID,
		"email":    p.User.Email,
		"role":     p.User.Role,
		"deviceId": h.requestDeviceID(r),
	})
}

type createUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

// CreateUser handles POST /api/v1/mobile/users. Admin only; the new
// user lands in the caller's tenant.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFrom(r.Context())
	if !p.User.IsAdmin() {
		writeError(w, http.StatusForbidden, "forbidden", "Administrator role required")
		return
	}

	var req createUserRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "Email and password are required")
		return
	}

	user, err := h.authSvc.CreateUser(r.Context(), service.CreateUserRequest{
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
		TenantID: p.User.TenantID,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEmailAlreadyExists):
			writeError(w, http.StatusConflict, "email_exists", "A user with this email already exists.")
		case errors.Is(err, service.ErrPasswordTooWeak):
			writeError(w, http.StatusBadRequest, "password_too_weak", err.Error())
		case errors.Is(err, service.ErrInvalidEmail):
			writeError(w, http.StatusBadRequest, "validation_error", "Invalid email format")
		case errors.Is(err, service.ErrInvalidRole):
			writeError(w, http.StatusBadRequest, "validation_error", "Role must be user or admin")
		default:
			h.log.Error().Err(err).Msg("user creation failed")
			writeError(w, http.StatusInternalServerError, "internal_error", "User creation failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, user)
}
