package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldgate/fieldgate/internal/cache"
	"github.com/fieldgate/fieldgate/internal/model"
)

func newDeviceHarness(t *testing.T) (*DeviceService, *fakeDeviceStore, *fakeTokenStore) {
	t.Helper()
	cfg := testConfig()
	devices := newFakeDeviceStore()
	tokens := newFakeTokenStore()
	events := NewSecurityEventService(newFakeEventStore(), newFakePublisher(), cfg, testLogger())
	svc := NewDeviceService(devices, tokens, cache.NewMemory(), events, cfg, testLogger())
	return svc, devices, tokens
}

func TestRegisterNewDevice(t *testing.T) {
	svc, _, _ := newDeviceHarness(t)
	ctx := context.Background()

	reg, err := svc.Register(ctx, "user-1", "device-1", map[string]interface{}{"platform": "ios"})
	require.NoError(t, err)
	require.NotNil(t, reg)

	assert.NotEmpty(t, reg.ID)
	assert.Equal(t, "user-1", reg.UserID)
	assert.Equal(t, "device-1", reg.DeviceID)
	assert.NotEmpty(t, reg.DeviceSecret)
	assert.False(t, reg.IsTrusted)
	assert.Equal(t, "ios", reg.DeviceInfo["platform"])

	registered, err := svc.IsRegistered(ctx, "user-1", "device-1")
	require.NoError(t, err)
	assert.True(t, registered)
}

func TestRegisterIsIdempotent(t *testing.T) {
	svc, devices, _ := newDeviceHarness(t)
	ctx := context.Background()

	first, err := svc.Register(ctx, "user-1", "device-1", map[string]interface{}{"platform": "ios"})
	require.NoError(t, err)

	trusted, err := svc.Trust(ctx, "user-1", "device-1")
	require.NoError(t, err)
	require.True(t, trusted)

	second, err := svc.Register(ctx, "user-1", "device-1", map[string]interface{}{"platform": "ios", "os_version": "17.4"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.DeviceSecret, second.DeviceSecret)
	assert.Equal(t, "17.4", second.DeviceInfo["os_version"])

	// Re-registration must not reset trust.
	stored := devices.get("user-1", "device-1")
	require.NotNil(t, stored)
	assert.True(t, stored.IsTrusted)

	count, err := devices.CountByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRegisterEvictsOldestDeviceAtLimit(t *testing.T) {
	svc, devices, _ := newDeviceHarness(t)
	ctx := context.Background()

	deviceIDs := []string{"d-1", "d-2", "d-3", "d-4", "d-5"}
	for _, id := range deviceIDs {
		_, err := svc.Register(ctx, "user-1", id, nil)
		require.NoError(t, err)
	}
	// Stagger last use so d-3 is unambiguously the LRU.
	base := time.Now()
	for i, id := range deviceIDs {
		devices.get("user-1", id).LastUsedAt = base.Add(time.Duration(i+1) * time.Minute)
	}
	devices.get("user-1", "d-3").LastUsedAt = base.Add(-time.Hour)

	_, err := svc.Register(ctx, "user-1", "d-6", nil)
	require.NoError(t, err)

	count, err := devices.CountByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	evicted, err := svc.GetRegistration(ctx, "user-1", "d-3")
	require.NoError(t, err)
	assert.Nil(t, evicted)

	kept, err := svc.GetRegistration(ctx, "user-1", "d-6")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestTrustAndIsTrusted(t *testing.T) {
	svc, devices, _ := newDeviceHarness(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "user-1", "device-1", nil)
	require.NoError(t, err)

	trusted, err := svc.IsTrusted(ctx, "user-1", "device-1")
	require.NoError(t, err)
	assert.False(t, trusted)

	ok, err := svc.Trust(ctx, "user-1", "device-1")
	require.NoError(t, err)
	require.True(t, ok)

	trusted, err = svc.IsTrusted(ctx, "user-1", "device-1")
	require.NoError(t, err)
	assert.True(t, trusted)

	stored := devices.get("user-1", "device-1")
	require.NotNil(t, stored.TrustedUntil)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *stored.TrustedUntil, 5*time.Second)
}

func TestTrustUnknownDevice(t *testing.T) {
	svc, _, _ := newDeviceHarness(t)

	ok, err := svc.Trust(context.Background(), "user-1", "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLapsedTrustIsClearedOnRead(t *testing.T) {
	svc, devices, _ := newDeviceHarness(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "user-1", "device-1", nil)
	require.NoError(t, err)
	_, err = svc.Trust(ctx, "user-1", "device-1")
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	stored := devices.get("user-1", "device-1")
	stored.TrustedUntil = &past
	require.NoError(t, svc.cache.Forget(ctx, trustedCacheKey("user-1", "device-1")))

	trusted, err := svc.IsTrusted(ctx, "user-1", "device-1")
	require.NoError(t, err)
	assert.False(t, trusted)

	// The lapsed flag is cleared in storage, not just masked.
	assert.False(t, stored.IsTrusted)
	assert.Nil(t, stored.TrustedUntil)
}

func TestRevokeTrust(t *testing.T) {
	svc, _, _ := newDeviceHarness(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "user-1", "device-1", nil)
	require.NoError(t, err)
	_, err = svc.Trust(ctx, "user-1", "device-1")
	require.NoError(t, err)

	ok, err := svc.RevokeTrust(ctx, "user-1", "device-1")
	require.NoError(t, err)
	require.True(t, ok)

	trusted, err := svc.IsTrusted(ctx, "user-1", "device-1")
	require.NoError(t, err)
	assert.False(t, trusted)
}

func TestGenerateSecretRotates(t *testing.T) {
	svc, _, _ := newDeviceHarness(t)
	ctx := context.Background()

	reg, err := svc.Register(ctx, "user-1", "device-1", nil)
	require.NoError(t, err)

	before, ok, err := svc.SecretForDevice(ctx, "device-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, reg.DeviceSecret, before)

	rotated, ok, err := svc.GenerateSecret(ctx, "user-1", "device-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, before, rotated)

	// The resolver must not serve the stale cached secret.
	after, ok, err := svc.SecretForDevice(ctx, "device-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rotated, after)
}

func TestGenerateSecretUnknownDevice(t *testing.T) {
	svc, _, _ := newDeviceHarness(t)

	secret, ok, err := svc.GenerateSecret(context.Background(), "user-1", "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, secret)
}

func TestSecretForUnknownDevice(t *testing.T) {
	svc, _, _ := newDeviceHarness(t)

	secret, ok, err := svc.SecretForDevice(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, secret)
}

func TestRemoveDeviceRevokesItsPairs(t *testing.T) {
	svc, _, tokens := newDeviceHarness(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "user-1", "device-1", nil)
	require.NoError(t, err)

	now := time.Now()
	expires := now.Add(24 * time.Hour)
	require.NoError(t, tokens.CreatePair(ctx, &model.TokenPair{
		ID: "pair-1", UserID: "user-1", DeviceID: "device-1",
		AccessTokenID: "tok-a1", RefreshTokenID: "tok-r1",
		CreatedAt: now, ExpiresAt: expires,
	}))
	require.NoError(t, tokens.CreatePair(ctx, &model.TokenPair{
		ID: "pair-2", UserID: "user-1", DeviceID: "other-device",
		AccessTokenID: "tok-a2", RefreshTokenID: "tok-r2",
		CreatedAt: now, ExpiresAt: expires,
	}))

	removed, err := svc.RemoveDevice(ctx, "user-1", "device-1")
	require.NoError(t, err)
	require.True(t, removed)

	reg, err := svc.GetRegistration(ctx, "user-1", "device-1")
	require.NoError(t, err)
	assert.Nil(t, reg)

	gone, err := tokens.ListPairsByUserAndDevice(ctx, "user-1", "device-1")
	require.NoError(t, err)
	assert.Empty(t, gone)

	kept, err := tokens.ListPairsByUserAndDevice(ctx, "user-1", "other-device")
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestRemoveUnknownDevice(t *testing.T) {
	svc, _, _ := newDeviceHarness(t)

	removed, err := svc.RemoveDevice(context.Background(), "user-1", "ghost")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestCleanupExpiredTrust(t *testing.T) {
	svc, devices, _ := newDeviceHarness(t)
	ctx := context.Background()

	for _, id := range []string{"lapsed", "live", "untrusted"} {
		_, err := svc.Register(ctx, "user-1", id, nil)
		require.NoError(t, err)
	}
	for _, id := range []string{"lapsed", "live"} {
		_, err := svc.Trust(ctx, "user-1", id)
		require.NoError(t, err)
	}
	past := time.Now().Add(-time.Minute)
	devices.get("user-1", "lapsed").TrustedUntil = &past

	count, err := svc.CleanupExpiredTrust(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.False(t, devices.get("user-1", "lapsed").IsTrusted)
	assert.True(t, devices.get("user-1", "live").IsTrusted)
}

func TestListDevicesMostRecentFirst(t *testing.T) {
	svc, devices, _ := newDeviceHarness(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "user-1", "older", nil)
	require.NoError(t, err)
	_, err = svc.Register(ctx, "user-1", "newer", nil)
	require.NoError(t, err)
	devices.get("user-1", "older").LastUsedAt = time.Now().Add(-time.Hour)

	list, err := svc.ListDevices(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "newer", list[0].DeviceID)
	assert.Equal(t, "older", list[1].DeviceID)
}

func TestGetRegistrationMissing(t *testing.T) {
	svc, _, _ := newDeviceHarness(t)

	reg, err := svc.GetRegistration(context.Background(), "user-1", "ghost")
	require.NoError(t, err)
	assert.Nil(t, reg)
}
