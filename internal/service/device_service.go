package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldgate/fieldgate/internal/auth"
	"github.com/fieldgate/fieldgate/internal/cache"
	"github.com/fieldgate/fieldgate/internal/config"
	"github.com/fieldgate/fieldgate/internal/logger"
	"github.com/fieldgate/fieldgate/internal/model"
	"github.com/fieldgate/fieldgate/internal/repository"
)

// Registry flag cache TTLs. Every mutation invalidates the exact keys
// it touches before returning, so these only bound staleness after a
// crash between write and invalidate.
const (
	registeredCacheTTL = time.Hour
	trustedCacheTTL    = 30 * time.Minute
	secretCacheTTL     = 2 * time.Hour
)

// DeviceStore is the persistence contract the registry needs.
// Implemented by repository.DeviceRepository.
type DeviceStore interface {
	Create(ctx context.Context, reg *model.DeviceRegistration) error
	GetByUserAndDevice(ctx context.Context, userID, deviceID string) (*model.DeviceRegistration, error)
	GetByDeviceID(ctx context.Context, deviceID string) (*model.DeviceRegistration, error)
	GetByUserID(ctx context.Context, userID string) ([]model.DeviceRegistration, error)
	Touch(ctx context.Context, userID, deviceID string, deviceInfo map[string]interface{}, lastUsedAt time.Time) error
	UpdateTrust(ctx context.Context, userID, deviceID string, trusted bool, trustedAt, trustedUntil *time.Time) (bool, error)
	UpdateSecret(ctx context.Context, userID, deviceID, secret string) (bool, error)
	Delete(ctx context.Context, userID, deviceID string) (bool, error)
	OldestByLastUsed(ctx context.Context, userID string) (*model.DeviceRegistration, error)
	CountByUserID(ctx context.Context, userID string) (int, error)
	ListExpiredTrust(ctx context.Context, now time.Time) ([]model.DeviceRegistration, error)
}

// DeviceService is the source of truth for device identity, trust, and
// per-device signing secrets
type DeviceService struct {
	devices DeviceStore
	pairs   PairStore
	cache   cache.Store
	events  *SecurityEventService
	cfg     *config.Config
	log     *logger.Logger
}

// NewDeviceService creates a new DeviceService
func NewDeviceService(
	devices DeviceStore,
	pairs PairStore,
	cacheStore cache.Store,
	events *SecurityEventService,
	cfg *config.Config,
	log *logger.Logger,
) *DeviceService {
	return &DeviceService{
		devices: devices,
		pairs:   pairs,
		cache:   cacheStore,
		events:  events,
		cfg:     cfg,
		log:     log.WithComponent("device_service"),
	}
}

// IsRegistered reports whether (user, device) has a registration.
// Results are cached for an hour; registration and removal invalidate
// the entry.
func (s *DeviceService) IsRegistered(ctx context.Context, userID, deviceID string) (bool, error) {
	key := registeredCacheKey(userID, deviceID)
	if val, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		return val == "1", nil
	}

	registered := true
	_, err := s.devices.GetByUserAndDevice(ctx, userID, deviceID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return false, fmt.Errorf("failed to look up device registration: %w", err)
		}
		registered = false
	}

	if err := s.cache.Put(ctx, key, boolFlag(registered), registeredCacheTTL); err != nil {
		s.log.Warn().Err(err).Str("device_id", deviceID).Msg("failed to cache registration flag")
	}
	return registered, nil
}

// IsTrusted reports whether (user, device) is trusted right now. A
// registration whose trust window has lapsed is lazily cleared so a
// later sweep has less to do.
func (s *DeviceService) IsTrusted(ctx context.Context, userID, deviceID string) (bool, error) {
	key := trustedCacheKey(userID, deviceID)
	if val, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		return val == "1", nil
	}

	trusted := false
	reg, err := s.devices.GetByUserAndDevice(ctx, userID, deviceID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return false, fmt.Errorf("failed to look up device trust: %w", err)
		}
	} else if reg.TrustValid() {
		trusted = true
	} else if reg.IsTrusted {
		// Flag still set but the window lapsed; clear it in place
		if _, err := s.devices.UpdateTrust(ctx, userID, deviceID, false, nil, nil); err != nil {
			s.log.Error().Err(err).Str("device_id", deviceID).Msg("failed to expire device trust")
		}
	}

	if err := s.cache.Put(ctx, key, boolFlag(trusted), trustedCacheTTL); err != nil {
		s.log.Warn().Err(err).Str("device_id", deviceID).Msg("failed to cache trust flag")
	}
	return trusted, nil
}

// Register creates or refreshes a device registration. Re-registering
// an existing (user, device) updates device info and last use, keeping
// trust state and secret. A new registration that would push the user
// past the device limit evicts the least recently used device first.
func (s *DeviceService) Register(ctx context.Context, userID, deviceID string, deviceInfo map[string]interface{}) (*model.DeviceRegistration, error) {
	now := time.Now()

	existing, err := s.devices.GetByUserAndDevice(ctx, userID, deviceID)
	if err == nil {
		if err := s.devices.Touch(ctx, userID, deviceID, deviceInfo, now); err != nil {
			return nil, fmt.Errorf("failed to refresh device registration: %w", err)
		}
		existing.DeviceInfo = deviceInfo
		existing.LastUsedAt = now
		s.cachePut(ctx, registeredCacheKey(userID, deviceID), "1", registeredCacheTTL)
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up device registration: %w", err)
	}

	evictedDeviceID, err := s.evictIfAtLimit(ctx, userID)
	if err != nil {
		return nil, err
	}

	secret, err := auth.GenerateDeviceSecret()
	if err != nil {
		return nil, err
	}

	reg := &model.DeviceRegistration{
		ID:           generateID("dev"),
		UserID:       userID,
		DeviceID:     deviceID,
		DeviceInfo:   deviceInfo,
		IsTrusted:    false,
		DeviceSecret: secret,
		RegisteredAt: now,
		LastUsedAt:   now,
	}
	if err := s.devices.Create(ctx, reg); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// Lost a race with a concurrent registration of the same
			// device; treat it as a re-registration.
			if touchErr := s.devices.Touch(ctx, userID, deviceID, deviceInfo, now); touchErr != nil {
				return nil, fmt.Errorf("failed to refresh device registration: %w", touchErr)
			}
			return s.devices.GetByUserAndDevice(ctx, userID, deviceID)
		}
		return nil, fmt.Errorf("failed to create device registration: %w", err)
	}

	s.cachePut(ctx, registeredCacheKey(userID, deviceID), "1", registeredCacheTTL)
	s.cacheForget(ctx, secretCacheKey(deviceID))

	eventCtx := map[string]interface{}{}
	if evictedDeviceID != "" {
		eventCtx["evicted_device_id"] = evictedDeviceID
	}
	s.events.Log(ctx, EventRecord{
		Type:     model.EventDeviceRegistered,
		UserID:   userID,
		DeviceID: deviceID,
		Context:  eventCtx,
	})

	s.log.Info().Str("user_id", userID).Str("device_id", deviceID).Msg("device registered")
	return reg, nil
}

// evictIfAtLimit removes the least recently used registration when the
// user already holds the configured maximum, returning the evicted
// device ID
func (s *DeviceService) evictIfAtLimit(ctx context.Context, userID string) (string, error) {
	max := s.cfg.DeviceBinding.MaxDevicesPerUser
	if max <= 0 {
		return "", nil
	}

	count, err := s.devices.CountByUserID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to count devices: %w", err)
	}
	if count < max {
		return "", nil
	}

	oldest, err := s.devices.OldestByLastUsed(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to find eviction candidate: %w", err)
	}

	if _, err := s.devices.Delete(ctx, userID, oldest.DeviceID); err != nil {
		return "", fmt.Errorf("failed to evict device: %w", err)
	}
	s.forgetDeviceFlags(ctx, userID, oldest.DeviceID)

	s.log.Info().
		Str("user_id", userID).
		Str("device_id", oldest.DeviceID).
		Time("last_used_at", oldest.LastUsedAt).
		Msg("evicted least recently used device")
	return oldest.DeviceID, nil
}

// Trust marks the device trusted for the configured duration. Returns
// false when no matching registration exists.
func (s *DeviceService) Trust(ctx context.Context, userID, deviceID string) (bool, error) {
	now := time.Now()
	until := now.Add(s.cfg.DeviceBinding.TrustDuration)

	updated, err := s.devices.UpdateTrust(ctx, userID, deviceID, true, &now, &until)
	if err != nil {
		return false, fmt.Errorf("failed to trust device: %w", err)
	}
	if !updated {
		return false, nil
	}

	s.cacheForget(ctx, trustedCacheKey(userID, deviceID))
	s.events.Log(ctx, EventRecord{
		Type:     model.EventDeviceTrusted,
		UserID:   userID,
		DeviceID: deviceID,
		Context:  map[string]interface{}{"trusted_until": until},
	})

	s.log.Info().Str("user_id", userID).Str("device_id", deviceID).Time("trusted_until", until).Msg("device trusted")
	return true, nil
}

// RevokeTrust clears the trust fields. Returns false when nothing was
// updated.
func (s *DeviceService) RevokeTrust(ctx context.Context, userID, deviceID string) (bool, error) {
	updated, err := s.devices.UpdateTrust(ctx, userID, deviceID, false, nil, nil)
	if err != nil {
		return false, fmt.Errorf("failed to revoke device trust: %w", err)
	}
	if !updated {
		return false, nil
	}

	s.cacheForget(ctx, trustedCacheKey(userID, deviceID))
	s.events.Log(ctx, EventRecord{
		Type:     model.EventDeviceTrustRevoked,
		UserID:   userID,
		DeviceID: deviceID,
	})

	s.log.Info().Str("user_id", userID).Str("device_id", deviceID).Msg("device trust revoked")
	return true, nil
}

// GenerateSecret mints a fresh signing secret for the device, stores
// it, and returns the plaintext. This is the only point where the
// secret leaves the registry; the caller delivers it to the device
// once. Returns ok=false when no matching registration exists.
func (s *DeviceService) GenerateSecret(ctx context.Context, userID, deviceID string) (string, bool, error) {
	secret, err := auth.GenerateDeviceSecret()
	if err != nil {
		return "", false, err
	}

	updated, err := s.devices.UpdateSecret(ctx, userID, deviceID, secret)
	if err != nil {
		return "", false, fmt.Errorf("failed to store device secret: %w", err)
	}
	if !updated {
		return "", false, nil
	}

	s.cacheForget(ctx, secretCacheKey(deviceID))
	return secret, true, nil
}

// SecretForDevice resolves the signing secret for a device ID. Used by
// the signature validator on every signed request, so hits are cached
// for two hours.
func (s *DeviceService) SecretForDevice(ctx context.Context, deviceID string) (string, bool, error) {
	key := secretCacheKey(deviceID)
	if val, ok, err := s.cache.Get(ctx, key); err == nil && ok && val != "" {
		return val, true, nil
	}

	reg, err := s.devices.GetByDeviceID(ctx, deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to look up device secret: %w", err)
	}

	s.cachePut(ctx, key, reg.DeviceSecret, secretCacheTTL)
	return reg.DeviceSecret, true, nil
}

// ListDevices returns the user's registrations, most recently used first
func (s *DeviceService) ListDevices(ctx context.Context, userID string) ([]model.DeviceRegistration, error) {
	devices, err := s.devices.GetByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// GetRegistration returns a single registration, or nil when none exists
func (s *DeviceService) GetRegistration(ctx context.Context, userID, deviceID string) (*model.DeviceRegistration, error) {
	reg, err := s.devices.GetByUserAndDevice(ctx, userID, deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get device registration: %w", err)
	}
	return reg, nil
}

// RemoveDevice deletes a registration and every token pair bound to
// it. Returns false when no matching registration exists.
func (s *DeviceService) RemoveDevice(ctx context.Context, userID, deviceID string) (bool, error) {
	deleted, err := s.devices.Delete(ctx, userID, deviceID)
	if err != nil {
		return false, fmt.Errorf("failed to delete device registration: %w", err)
	}
	if !deleted {
		return false, nil
	}

	// Tear down the device's token pairs so the removed device cannot
	// keep calling the API
	pairs, err := s.pairs.ListPairsByUserAndDevice(ctx, userID, deviceID)
	if err != nil {
		s.log.Error().Err(err).Str("device_id", deviceID).Msg("failed to list pairs for removed device")
	} else {
		for i := range pairs {
			if err := s.pairs.DeletePairWithTokens(ctx, &pairs[i]); err != nil {
				s.log.Error().Err(err).Str("pair_id", pairs[i].ID).Msg("failed to revoke pair for removed device")
			}
		}
	}

	s.forgetDeviceFlags(ctx, userID, deviceID)
	s.log.Info().Str("user_id", userID).Str("device_id", deviceID).Msg("device removed")
	return true, nil
}

// CleanupExpiredTrust clears trust on every registration whose window
// has lapsed, invalidating the cached flag per record. Returns the
// number of registrations processed.
func (s *DeviceService) CleanupExpiredTrust(ctx context.Context) (int, error) {
	expired, err := s.devices.ListExpiredTrust(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to list expired trust: %w", err)
	}

	count := 0
	for i := range expired {
		reg := &expired[i]
		if _, err := s.devices.UpdateTrust(ctx, reg.UserID, reg.DeviceID, false, nil, nil); err != nil {
			s.log.Error().Err(err).Str("device_id", reg.DeviceID).Msg("failed to clear expired trust")
			continue
		}
		s.cacheForget(ctx, trustedCacheKey(reg.UserID, reg.DeviceID))
		count++
	}

	if count > 0 {
		s.log.Info().Int("count", count).Msg("cleared expired device trust")
	}
	return count, nil
}

// forgetDeviceFlags drops every cached flag for a registration
func (s *DeviceService) forgetDeviceFlags(ctx context.Context, userID, deviceID string) {
	s.cacheForget(ctx, registeredCacheKey(userID, deviceID))
	s.cacheForget(ctx, trustedCacheKey(userID, deviceID))
	s.cacheForget(ctx, secretCacheKey(deviceID))
	s.cacheForget(ctx, tokenInfoCacheKey(userID, deviceID))
}

func (s *DeviceService) cachePut(ctx context.Context, key, value string, ttl time.Duration) {
	if err := s.cache.Put(ctx, key, value, ttl); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("cache put failed")
	}
}

func (s *DeviceService) cacheForget(ctx context.Context, key string) {
	if err := s.cache.Forget(ctx, key); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("cache invalidation failed")
	}
}

func registeredCacheKey(userID, deviceID string) string {
	return fmt.Sprintf("device:registered:%s:%s", userID, deviceID)
}

func trustedCacheKey(userID, deviceID string) string {
	return fmt.Sprintf("device:trusted:%s:%s", userID, deviceID)
}

func secretCacheKey(deviceID string) string {
	return fmt.Sprintf("device:secret:%s", deviceID)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// generateID creates a prefixed unique identifier
func generateID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, strings.ReplaceAll(uuid.New().String(), "-", ""))
}
