package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fieldgate/fieldgate/internal/auth"
	"github.com/fieldgate/fieldgate/internal/config"
	"github.com/fieldgate/fieldgate/internal/logger"
	"github.com/fieldgate/fieldgate/internal/model"
	"github.com/fieldgate/fieldgate/internal/repository"
)

// Common service errors
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailAlreadyExists = errors.New("email already registered")
	ErrPasswordTooWeak    = errors.New("password does not meet requirements")
	ErrInvalidEmail       = errors.New("invalid email format")
	ErrInvalidRole        = errors.New("invalid user role")
)

// minPasswordLength applies to user provisioning. Mobile clients never
// see it; accounts are created through the admin surface.
const minPasswordLength = 12

// UserStore is the persistence contract for the user directory.
// Implemented by repository.UserRepository.
type UserStore interface {
	Create(ctx context.Context, user *model.User) error
	GetByID(ctx context.Context, id string) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
}

// AuthService verifies credentials and drives the login flow: password
// check, device registration, signing secret issue, token pair issue.
type AuthService struct {
	users       UserStore
	devices     *DeviceService
	tokens      *TokenService
	events      *SecurityEventService
	argonParams *auth.Argon2Params
	cfg         *config.Config
	log         *logger.Logger
}

// NewAuthService creates a new AuthService
func NewAuthService(
	users UserStore,
	devices *DeviceService,
	tokens *TokenService,
	events *SecurityEventService,
	cfg *config.Config,
	log *logger.Logger,
) *AuthService {
	return &AuthService{
		users:       users,
		devices:     devices,
		tokens:      tokens,
		events:      events,
		argonParams: auth.DefaultParams(),
		cfg:         cfg,
		log:         log.WithComponent("auth_service"),
	}
}

// LoginRequest contains the credentials plus the request metadata the
// security event needs.
type LoginRequest struct {
	Email      string
	Password   string
	DeviceID   string
	DeviceInfo map[string]interface{}
	IP         string
	UserAgent  string
	SessionID  string
}

// UserSummary is the client-safe projection of a user
type UserSummary struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

// LoginResponse carries everything a device needs to operate: the token
// pair and the signing secret. The secret is regenerated on every login
// and this response is the only place it ever appears in plaintext.
type LoginResponse struct {
	User          UserSummary        `json:"user"`
	Tokens        *TokenPairResponse `json:"tokens"`
	DeviceSecret  string             `json:"deviceSecret"`
	DeviceTrusted bool               `json:"deviceTrusted"`
}

// Login authenticates the user and binds the calling device: the device
// is registered (or touched), its signing secret rotated, and a fresh
// token pair issued. Credential failures are deliberately
// indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logAuthFailure(ctx, req, nil, "unknown_email")
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	match, err := auth.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to verify password: %w", err)
	}
	if !match {
		s.logAuthFailure(ctx, req, user, "invalid_password")
		return nil, ErrInvalidCredentials
	}

	if _, err := s.devices.Register(ctx, user.ID, req.DeviceID, req.DeviceInfo); err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}

	secret, ok, err := s.devices.GenerateSecret(ctx, user.ID, req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate device secret: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("device registration vanished during login")
	}

	trusted, err := s.devices.IsTrusted(ctx, user.ID, req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to check device trust: %w", err)
	}

	tokens, err := s.tokens.GenerateTokenPair(ctx, user.ID, req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate tokens: %w", err)
	}

	s.events.Log(ctx, EventRecord{
		Type:      model.EventAuthSuccess,
		UserID:    user.ID,
		TenantID:  user.TenantID,
		DeviceID:  req.DeviceID,
		IP:        cleanIP(req.IP),
		UserAgent: req.UserAgent,
		SessionID: req.SessionID,
	})
	s.log.Info().Str("user_id", user.ID).Str("device_id", req.DeviceID).Msg("user logged in")

	return &LoginResponse{
		User: UserSummary{
			ID:       user.ID,
			TenantID: user.TenantID,
			Email:    user.Email,
			Role:     user.Role,
		},
		Tokens:        tokens,
		DeviceSecret:  secret,
		DeviceTrusted: trusted,
	}, nil
}

// CreateUserRequest contains the data for provisioning a user
type CreateUserRequest struct {
	Email    string
	Password string
	Role     string
	TenantID string
}

// CreateUser provisions a user account. Callers are expected to have
// passed the admin check already; the tenant comes from the caller so
// admins can only provision within their own tenant.
func (s *AuthService) CreateUser(ctx context.Context, req CreateUserRequest) (*model.User, error) {
	if !isValidEmail(req.Email) {
		return nil, ErrInvalidEmail
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	exists, err := s.users.ExistsByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to check email: %w", err)
	}
	if exists {
		return nil, ErrEmailAlreadyExists
	}

	if err := auth.ValidatePassword(req.Password, minPasswordLength); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPasswordTooWeak, err.Error())
	}

	role := req.Role
	if role == "" {
		role = model.RoleUser
	}
	if role != model.RoleUser && role != model.RoleAdmin {
		return nil, ErrInvalidRole
	}

	hash, err := auth.HashPassword(req.Password, s.argonParams)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now()
	user := &model.User{
		ID:           generateID("usr"),
		TenantID:     req.TenantID,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrEmailAlreadyExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.log.Info().Str("user_id", user.ID).Str("role", role).Msg("user created")
	return user, nil
}

// FindByID resolves a user for an authenticated token. Returns nil
// without error when the user no longer exists.
func (s *AuthService) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

func (s *AuthService) logAuthFailure(ctx context.Context, req LoginRequest, user *model.User, reason string) {
	rec := EventRecord{
		Type:      model.EventAuthFailure,
		DeviceID:  req.DeviceID,
		IP:        cleanIP(req.IP),
		UserAgent: req.UserAgent,
		SessionID: req.SessionID,
		Context:   map[string]interface{}{"reason": reason},
	}
	if user != nil {
		rec.UserID = user.ID
		rec.TenantID = user.TenantID
	}
	s.events.Log(ctx, rec)
}

// --- Helpers ---

func isValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 255 {
		return false
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return false
	}
	if len(parts[0]) == 0 || len(parts[1]) == 0 {
		return false
	}
	if !strings.Contains(parts[1], ".") {
		return false
	}
	return true
}

func cleanIP(ip string) string {
	// Strip port if present
	host, _, err := net.SplitHostPort(ip)
	if err != nil {
		return ip
	}
	return host
}
