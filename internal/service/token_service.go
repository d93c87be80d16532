package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fieldgate/fieldgate/internal/auth"
	"github.com/fieldgate/fieldgate/internal/cache"
	"github.com/fieldgate/fieldgate/internal/config"
	"github.com/fieldgate/fieldgate/internal/logger"
	"github.com/fieldgate/fieldgate/internal/model"
	"github.com/fieldgate/fieldgate/internal/repository"
)

var (
	ErrTokenInvalid = errors.New("token is invalid")
	ErrTokenExpired = errors.New("token has expired")
)

// tokenInfoCacheTTL bounds staleness of the per-device token summary.
// Rotation and revocation invalidate the entry explicitly.
const tokenInfoCacheTTL = 5 * time.Minute

// PairStore is the pair-record slice of the token persistence contract.
// Split out because the device registry tears down pairs when a device
// is removed.
type PairStore interface {
	CreatePair(ctx context.Context, pair *model.TokenPair) error
	GetPairByRefreshTokenID(ctx context.Context, refreshTokenID string) (*model.TokenPair, error)
	GetLatestPairByUserAndDevice(ctx context.Context, userID, deviceID string) (*model.TokenPair, error)
	ListPairsByUserAndDevice(ctx context.Context, userID, deviceID string) ([]model.TokenPair, error)
	ListPairsByUser(ctx context.Context, userID string) ([]model.TokenPair, error)
	ListReclaimablePairs(ctx context.Context, now time.Time) ([]model.TokenPair, error)
	DeletePairWithTokens(ctx context.Context, pair *model.TokenPair) error
}

// TokenStore is the persistence contract the token lifecycle needs.
// Implemented by repository.TokenRepository.
type TokenStore interface {
	PairStore
	CreateToken(ctx context.Context, token *model.BearerToken) error
	GetTokenByHash(ctx context.Context, tokenHash string) (*model.BearerToken, error)
	GetTokenByID(ctx context.Context, id string) (*model.BearerToken, error)
	TouchToken(ctx context.Context, id string, usedAt time.Time) error
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

// TokenService issues, rotates, and revokes the opaque access/refresh
// token pairs mobile devices authenticate with
type TokenService struct {
	tokens TokenStore
	cache  cache.Store
	events *SecurityEventService
	cfg    *config.Config
	log    *logger.Logger
}

// NewTokenService creates a new TokenService
func NewTokenService(
	tokens TokenStore,
	cacheStore cache.Store,
	events *SecurityEventService,
	cfg *config.Config,
	log *logger.Logger,
) *TokenService {
	return &TokenService{
		tokens: tokens,
		cache:  cacheStore,
		events: events,
		cfg:    cfg,
		log:    log.WithComponent("token_service"),
	}
}

// TokenPairResponse carries a freshly issued pair back to the client.
// The plaintext tokens exist only here; storage holds hashes.
type TokenPairResponse struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	TokenType        string    `json:"tokenType"`
	ExpiresIn        int64     `json:"expiresIn"`
	RefreshExpiresIn int64     `json:"refreshExpiresIn"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// TokenInfo summarizes the current pair for a device without exposing
// token identifiers or hashes
type TokenInfo struct {
	DeviceID         string     `json:"deviceId"`
	IssuedAt         time.Time  `json:"issuedAt"`
	AccessExpiresAt  *time.Time `json:"accessExpiresAt,omitempty"`
	RefreshExpiresAt *time.Time `json:"refreshExpiresAt,omitempty"`
	AccessValid      bool       `json:"accessValid"`
	RefreshValid     bool       `json:"refreshValid"`
	ShouldRotate     bool       `json:"shouldRotate"`
}

// GenerateTokenPair issues a fresh access/refresh pair bound to the
// device and records the pair so later rotations and revocations can
// find both halves.
func (s *TokenService) GenerateTokenPair(ctx context.Context, userID, deviceID string) (*TokenPairResponse, error) {
	resp, err := s.issuePair(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}

	s.events.Log(ctx, EventRecord{
		Type:     model.EventTokenIssued,
		UserID:   userID,
		DeviceID: deviceID,
	})
	s.log.Info().Str("user_id", userID).Str("device_id", deviceID).Msg("token pair issued")
	return resp, nil
}

// issuePair mints and stores both tokens plus the pair record
func (s *TokenService) issuePair(ctx context.Context, userID, deviceID string) (*TokenPairResponse, error) {
	now := time.Now()
	accessExpires := now.Add(s.cfg.MobileTokens.Access.Lifetime)
	refreshExpires := now.Add(s.cfg.MobileTokens.Refresh.Lifetime)

	accessPlain, accessHash, err := auth.GenerateToken()
	if err != nil {
		return nil, err
	}
	refreshPlain, refreshHash, err := auth.GenerateToken()
	if err != nil {
		return nil, err
	}

	accessToken := &model.BearerToken{
		ID:        generateID("tok"),
		UserID:    userID,
		Name:      auth.TokenName(auth.TokenKindAccess, deviceID, now),
		TokenHash: accessHash,
		Abilities: s.cfg.MobileTokens.Access.Abilities,
		CreatedAt: now,
		ExpiresAt: &accessExpires,
	}
	refreshToken := &model.BearerToken{
		ID:        generateID("tok"),
		UserID:    userID,
		Name:      auth.TokenName(auth.TokenKindRefresh, deviceID, now),
		TokenHash: refreshHash,
		Abilities: s.cfg.MobileTokens.Refresh.Abilities,
		CreatedAt: now,
		ExpiresAt: &refreshExpires,
	}

	if err := s.tokens.CreateToken(ctx, accessToken); err != nil {
		return nil, fmt.Errorf("failed to store access token: %w", err)
	}
	if err := s.tokens.CreateToken(ctx, refreshToken); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	pair := &model.TokenPair{
		ID:             generateID("pair"),
		UserID:         userID,
		DeviceID:       deviceID,
		AccessTokenID:  accessToken.ID,
		RefreshTokenID: refreshToken.ID,
		CreatedAt:      now,
		ExpiresAt:      refreshExpires,
	}
	if err := s.tokens.CreatePair(ctx, pair); err != nil {
		return nil, fmt.Errorf("failed to store token pair: %w", err)
	}

	s.cacheForget(ctx, tokenInfoCacheKey(userID, deviceID))

	return &TokenPairResponse{
		AccessToken:      accessPlain,
		RefreshToken:     refreshPlain,
		TokenType:        "Bearer",
		ExpiresIn:        int64(s.cfg.MobileTokens.Access.Lifetime.Seconds()),
		RefreshExpiresIn: int64(s.cfg.MobileTokens.Refresh.Lifetime.Seconds()),
		AccessExpiresAt:  accessExpires,
		RefreshExpiresAt: refreshExpires,
	}, nil
}

// RotateTokens exchanges a refresh token for a fresh pair. The old
// pair is deleted before the new one is issued, so the presented
// refresh token is single-use. Returns ErrTokenInvalid for unknown
// tokens, tokens without the refresh ability, and orphaned tokens;
// ErrTokenExpired for expired ones.
func (s *TokenService) RotateTokens(ctx context.Context, refreshToken string) (*TokenPairResponse, error) {
	token, err := s.tokens.GetTokenByHash(ctx, auth.HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logRotationFailure(ctx, "", "", "unknown_token")
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("failed to look up refresh token: %w", err)
	}

	if !token.HasAbility(model.AbilityRefresh) {
		s.logRotationFailure(ctx, token.UserID, "", "missing_refresh_ability")
		return nil, ErrTokenInvalid
	}
	if token.IsExpired() {
		s.logRotationFailure(ctx, token.UserID, "", "refresh_token_expired")
		return nil, ErrTokenExpired
	}

	pair, err := s.tokens.GetPairByRefreshTokenID(ctx, token.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logRotationFailure(ctx, token.UserID, "", "orphaned_refresh_token")
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("failed to look up token pair: %w", err)
	}

	if err := s.tokens.DeletePairWithTokens(ctx, pair); err != nil {
		return nil, fmt.Errorf("failed to retire token pair: %w", err)
	}
	s.cacheForget(ctx, tokenInfoCacheKey(pair.UserID, pair.DeviceID))

	resp, err := s.issuePair(ctx, pair.UserID, pair.DeviceID)
	if err != nil {
		return nil, err
	}

	s.events.Log(ctx, EventRecord{
		Type:     model.EventTokenRotated,
		UserID:   pair.UserID,
		DeviceID: pair.DeviceID,
	})
	s.log.Info().Str("user_id", pair.UserID).Str("device_id", pair.DeviceID).Msg("token pair rotated")
	return resp, nil
}

// ResolveAccessToken maps a presented bearer token to its record,
// enforcing expiry and the required ability. Last use is updated
// best-effort.
func (s *TokenService) ResolveAccessToken(ctx context.Context, plaintext, requiredAbility string) (*model.BearerToken, error) {
	token, err := s.tokens.GetTokenByHash(ctx, auth.HashToken(plaintext))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("failed to look up bearer token: %w", err)
	}

	if token.IsExpired() {
		return nil, ErrTokenExpired
	}
	if requiredAbility != "" && !token.Can(requiredAbility) {
		return nil, ErrTokenInvalid
	}

	if err := s.tokens.TouchToken(ctx, token.ID, time.Now()); err != nil {
		s.log.Warn().Err(err).Str("token_id", token.ID).Msg("failed to update token last use")
	}
	return token, nil
}

// ShouldRotate reports whether a token has consumed enough of its
// lifetime that the client ought to rotate proactively
func (s *TokenService) ShouldRotate(token *model.BearerToken) bool {
	if token.ExpiresAt == nil {
		return false
	}
	lifetime := token.ExpiresAt.Sub(token.CreatedAt)
	if lifetime <= 0 {
		return true
	}
	elapsed := time.Since(token.CreatedAt)
	return float64(elapsed) >= s.cfg.TokenRotation.Threshold*float64(lifetime)
}

// GetTokenInfo returns the summary of the device's current pair, or
// nil when the device holds none. Cached briefly; rotation and
// revocation invalidate.
func (s *TokenService) GetTokenInfo(ctx context.Context, userID, deviceID string) (*TokenInfo, error) {
	key := tokenInfoCacheKey(userID, deviceID)
	if val, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var info TokenInfo
		if err := json.Unmarshal([]byte(val), &info); err == nil {
			return &info, nil
		}
	}

	pair, err := s.tokens.GetLatestPairByUserAndDevice(ctx, userID, deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up token pair: %w", err)
	}

	info := &TokenInfo{
		DeviceID: deviceID,
		IssuedAt: pair.CreatedAt,
	}
	if access, err := s.tokens.GetTokenByID(ctx, pair.AccessTokenID); err == nil {
		info.AccessExpiresAt = access.ExpiresAt
		info.AccessValid = !access.IsExpired()
		info.ShouldRotate = s.ShouldRotate(access)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up access token: %w", err)
	}
	if refresh, err := s.tokens.GetTokenByID(ctx, pair.RefreshTokenID); err == nil {
		info.RefreshExpiresAt = refresh.ExpiresAt
		info.RefreshValid = !refresh.IsExpired()
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up refresh token: %w", err)
	}

	if data, err := json.Marshal(info); err == nil {
		s.cachePut(ctx, key, string(data), tokenInfoCacheTTL)
	}
	return info, nil
}

// RevokeDeviceTokens deletes every pair bound to (user, device) and
// returns how many were revoked
func (s *TokenService) RevokeDeviceTokens(ctx context.Context, userID, deviceID string) (int, error) {
	pairs, err := s.tokens.ListPairsByUserAndDevice(ctx, userID, deviceID)
	if err != nil {
		return 0, fmt.Errorf("failed to list device token pairs: %w", err)
	}

	count := 0
	for i := range pairs {
		if err := s.tokens.DeletePairWithTokens(ctx, &pairs[i]); err != nil {
			return count, fmt.Errorf("failed to revoke token pair: %w", err)
		}
		count++
	}
	s.cacheForget(ctx, tokenInfoCacheKey(userID, deviceID))

	if count > 0 {
		s.events.Log(ctx, EventRecord{
			Type:     model.EventTokenRevoked,
			UserID:   userID,
			DeviceID: deviceID,
			Context:  map[string]interface{}{"scope": "device", "revoked": count},
		})
		s.log.Info().Str("user_id", userID).Str("device_id", deviceID).Int("count", count).Msg("device tokens revoked")
	}
	return count, nil
}

// RevokeAllUserTokens deletes every pair the user holds across all
// devices and returns how many were revoked
func (s *TokenService) RevokeAllUserTokens(ctx context.Context, userID string) (int, error) {
	pairs, err := s.tokens.ListPairsByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to list user token pairs: %w", err)
	}

	count := 0
	for i := range pairs {
		if err := s.tokens.DeletePairWithTokens(ctx, &pairs[i]); err != nil {
			return count, fmt.Errorf("failed to revoke token pair: %w", err)
		}
		s.cacheForget(ctx, tokenInfoCacheKey(userID, pairs[i].DeviceID))
		count++
	}

	if count > 0 {
		s.events.Log(ctx, EventRecord{
			Type:    model.EventTokenRevoked,
			UserID:  userID,
			Context: map[string]interface{}{"scope": "all_devices", "revoked": count},
		})
		s.log.Info().Str("user_id", userID).Int("count", count).Msg("all user tokens revoked")
	}
	return count, nil
}

// CleanupExpiredTokens reclaims expired and orphaned pairs, then sweeps
// any bearer tokens left behind without a pair. Returns the number of
// pairs reclaimed.
func (s *TokenService) CleanupExpiredTokens(ctx context.Context) (int, error) {
	now := time.Now()

	pairs, err := s.tokens.ListReclaimablePairs(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list reclaimable pairs: %w", err)
	}

	count := 0
	for i := range pairs {
		if err := s.tokens.DeletePairWithTokens(ctx, &pairs[i]); err != nil {
			s.log.Error().Err(err).Str("pair_id", pairs[i].ID).Msg("failed to reclaim token pair")
			continue
		}
		s.cacheForget(ctx, tokenInfoCacheKey(pairs[i].UserID, pairs[i].DeviceID))
		count++
	}

	stragglers, err := s.tokens.DeleteExpiredTokens(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to sweep expired bearer tokens")
	}

	if count > 0 || stragglers > 0 {
		s.log.Info().Int("pairs", count).Int64("tokens", stragglers).Msg("expired tokens reclaimed")
	}
	return count, nil
}

func (s *TokenService) logRotationFailure(ctx context.Context, userID, deviceID, reason string) {
	s.events.Log(ctx, EventRecord{
		Type:     model.EventTokenRotationFailed,
		UserID:   userID,
		DeviceID: deviceID,
		Context:  map[string]interface{}{"reason": reason},
	})
}

func (s *TokenService) cachePut(ctx context.Context, key, value string, ttl time.Duration) {
	if err := s.cache.Put(ctx, key, value, ttl); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("cache put failed")
	}
}

func (s *TokenService) cacheForget(ctx context.Context, key string) {
	if err := s.cache.Forget(ctx, key); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("cache invalidation failed")
	}
}

func tokenInfoCacheKey(userID, deviceID string) string {
	return fmt.Sprintf("token:info:%s:%s", userID, deviceID)
}
