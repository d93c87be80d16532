package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldgate/fieldgate/internal/auth"
	"github.com/fieldgate/fieldgate/internal/cache"
	"github.com/fieldgate/fieldgate/internal/model"
)

func newTokenHarness(t *testing.T) (*TokenService, *fakeTokenStore) {
	t.Helper()
	cfg := testConfig()
	tokens := newFakeTokenStore()
	events := NewSecurityEventService(newFakeEventStore(), newFakePublisher(), cfg, testLogger())
	return NewTokenService(tokens, cache.NewMemory(), events, cfg, testLogger()), tokens
}

func (s *fakeTokenStore) eachPair(fn func(*model.TokenPair)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pair := range s.pairs {
		fn(pair)
	}
}

func (s *fakeTokenStore) dropPairs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs = make(map[string]*model.TokenPair)
}

func (s *fakeTokenStore) dropToken(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token, ok := s.tokens[id]; ok {
		delete(s.byHash, token.TokenHash)
		delete(s.tokens, id)
	}
}

func TestGenerateTokenPair(t *testing.T) {
	svc, tokens := newTokenHarness(t)
	ctx := context.Background()

	resp, err := svc.GenerateTokenPair(ctx, "user-1", "device-1")
	require.NoError(t, err)

	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.NotEqual(t, resp.AccessToken, resp.RefreshToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int64(900), resp.ExpiresIn)
	assert.Equal(t, int64(86400), resp.RefreshExpiresIn)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), resp.AccessExpiresAt, 5*time.Second)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), resp.RefreshExpiresAt, 5*time.Second)

	// Storage holds hashes, never the plaintext.
	access := tokens.tokenByHash(auth.HashToken(resp.AccessToken))
	require.NotNil(t, access)
	assert.NotEqual(t, resp.AccessToken, access.TokenHash)
	assert.Equal(t, []string{model.AbilityAll}, access.Abilities)

	refresh := tokens.tokenByHash(auth.HashToken(resp.RefreshToken))
	require.NotNil(t, refresh)
	assert.Equal(t, []string{model.AbilityRefresh}, refresh.Abilities)

	assert.Equal(t, 1, tokens.pairCount())
	assert.Equal(t, 2, tokens.tokenCount())
}

func TestRotateTokensIssuesFreshPair(t *testing.T) {
	svc, tokens := newTokenHarness(t)
	ctx := context.Background()

	first, err := svc.GenerateTokenPair(ctx, "user-1", "device-1")
	require.NoError(t, err)

	second, err := svc.RotateTokens(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// The retired pair is gone, not just superseded.
	assert.Equal(t, 1, tokens.pairCount())
	assert.Equal(t, 2, tokens.tokenCount())

	_, err = svc.ResolveAccessToken(ctx, first.AccessToken, model.AbilityMobileAccess)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = svc.ResolveAccessToken(ctx, second.AccessToken, model.AbilityMobileAccess)
	assert.NoError(t, err)
}

func TestRotateTokensIsSingleUse(t *testing.T) {
	svc, _ := newTokenHarness(t)
	ctx := context.Background()

	pair, err := svc.GenerateTokenPair(ctx, "user-1", "device-1")
	require.NoError(t, err)

	_, err = svc.RotateTokens(ctx, pair.RefreshToken)
	require.NoError(t, err)

	_, err = svc.RotateTokens(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRotateRejectsAccessToken(t *testing.T) {
	svc, _ := newTokenHarness(t)
	ctx := context.Background()

	pair, err := svc.GenerateTokenPair(ctx, "user-1", "device-1")
	require.NoError(t, err)

	// The access token's wildcard would pass Can; rotation requires the
	// literal refresh ability.
	_, err = svc.RotateTokens(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRotateExpiredRefreshToken(t *testing.T) {
	svc, tokens := newTokenHarness(t)
	ctx := context.Background()

	pair, err := svc.GenerateTokenPair(ctx, "user-1", "device-1")
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	tokens.tokenByHash(auth.HashToken(pair.RefreshToken)).ExpiresAt = &past

	_, err = svc.RotateTokens(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestRotateOrphanedRefreshToken(t *testing.T) {
	svc, tokens := newTokenHarness(t)
	ctx := context.Background()

	pair, err := svc.GenerateTokenPair(ctx, "user-1", "device-1")
	require.NoError(t, err)

	tokens.dropPairs()

	_, err = svc.RotateTokens(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRotateUnknownToken(t *testing.T) {
	svc, _ := newTokenHarness(t)

	_, err := svc.RotateTokens(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestResolveAccessToken(t *testing.T) {
	svc, tokens := newTokenHarness(t)
	ctx := context.Background()

	pair, err := svc.GenerateTokenPair(ctx, "user-1", "device-1")
	require.NoError(t, err)

	token, err := svc.ResolveAccessToken(ctx, pair.AccessToken, model.AbilityMobileAccess)
	require.NoError(t, err)
	assert.Equal(t, "user-1", token.UserID)
	assert.True(t, token.Can(model.AbilityMobileAccess))

	stored := tokens.tokenByHash(auth.HashToken(pair.AccessToken))
	require.NotNil(t, stored.LastUsedAt)
}

func TestResolveAccessTokenWrongAbility(t *testing.T) {
	svc, _ := newTokenHarness(t)
	ctx := context.Background()

	pair, err := svc.GenerateTokenPair(ctx, "user-1", "device-1")
	require.NoError(t, err)

	// A refresh token cannot be used as a bearer credential.
	_, err = svc.ResolveAccessToken(ctx, pair.RefreshToken, model.AbilityMobileAccess)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestResolveExpiredAccessToken(t *testing.T) {
	svc, tokens := newTokenHarness(t)
	ctx := context.Background()

	pair, err := svc.GenerateTokenPair(ctx, "user-1", "device-1")
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	tokens.tokenByHash(auth.HashToken(pair.AccessToken)).ExpiresAt = &past

	_, err = svc.ResolveAccessToken(ctx, pair.AccessToken, model.AbilityMobileAccess)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestResolveUnknownToken(t *testing.T) {
	svc, _ := newTokenHarness(t)

	_, err := svc.ResolveAccessToken(context.Background(), "not-a-token", model.AbilityMobileAccess)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestShouldRotate(t *testing.T) {
	svc, _ := newTokenHarness(t)
	now := time.Now()

	tests := []struct {
		name      string
		createdAt time.Time
		expiresAt *time.Time
		want      bool
	}{
		{
			name:      "no expiry never rotates",
			createdAt: now.Add(-time.Hour),
			expiresAt: nil,
			want:      false,
		},
		{
			name:      "young token",
			createdAt: now.Add(-time.Minute),
			expiresAt: timePtr(now.Add(14 * time.Minute)),
			want:      false,
		},
		{
			name:      "past threshold",
			createdAt: now.Add(-13 * time.Minute),
			expiresAt: timePtr(now.Add(2 * time.Minute)),
			want:      true,
		},
		{
			name:      "already expired",
			createdAt: now.Add(-20 * time.Minute),
			expiresAt: timePtr(now.Add(-5 * time.Minute)),
			want:      true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := &model.BearerToken{CreatedAt: tt.createdAt, ExpiresAt: tt.expiresAt}
			assert.Equal(t, tt.want, svc.ShouldRotate(token))
		})
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func TestGetTokenInfo(t *testing.T) {
	svc, _ := newTokenHarness(t)
	ctx := context.Background()

	_, err := svc.GenerateTokenPair(ctx, "user-1", "device-1")
	require.NoError(t, err)

	info, err := svc.GetTokenInfo(ctx, "user-1", "device-1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "device-1", info.DeviceID)
	assert.True(t, info.AccessValid)
	assert.True(t, info.RefreshValid)
	assert.False(t, info.ShouldRotate)
	require.NotNil(t, info.AccessExpiresAt)
	require.NotNil(t, info.RefreshExpiresAt)
	assert.True(t, info.RefreshExpiresAt.After(*info.AccessExpiresAt))
}

func TestGetTokenInfoAfterRevoke(t *testing.T) {
	svc, _ := newTokenHarness(t)
	ctx := context.Background()

	_, err := svc.GenerateTokenPair(ctx, "user-1", "device-1")
	require.NoError(t, err)

	// Prime the cached summary, then make sure revocation invalidates it.
	info, err := svc.GetTokenInfo(ctx, "user-1", "device-1")
	require.NoError(t, err)
	require.NotNil(t, info)

	count, err := svc.RevokeDeviceTokens(ctx, "user-1", "device-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	info, err = svc.GetTokenInfo(ctx, "user-1", "device-1")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestGetTokenInfoNoPair(t *testing.T) {
	svc, _ := newTokenHarness(t)

	info, err := svc.GetTokenInfo(context.Background(), "user-1", "device-1")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestRevokeDeviceTokens(t *testing.T) {
	svc, tokens := newTokenHarness(t)
	ctx := context.Background()

	first, err := svc.GenerateTokenPair(ctx, "user-1", "device-1")
	require.NoError(t, err)
	second, err := svc.GenerateTokenPair(ctx, "user-1", "device-1")
	require.NoError(t, err)
	other, err := svc.GenerateTokenPair(ctx, "user-1", "device-2")
	require.NoError(t, err)

	count, err := svc.RevokeDeviceTokens(ctx, "user-1", "device-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = svc.ResolveAccessToken(ctx, first.AccessToken, model.AbilityMobileAccess)
	assert.ErrorIs(t, err, ErrTokenInvalid)
	_, err = svc.ResolveAccessToken(ctx, second.AccessToken, model.AbilityMobileAccess)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	// The other device keeps its pair.
	_, err = svc.ResolveAccessToken(ctx, other.AccessToken, model.AbilityMobileAccess)
	assert.NoError(t, err)
	assert.Equal(t, 1, tokens.pairCount())
}

func TestRevokeAllUserTokens(t *testing.T) {
	svc, tokens := newTokenHarness(t)
	ctx := context.Background()

	_, err := svc.GenerateTokenPair(ctx, "user-1", "device-1")
	require.NoError(t, err)
	_, err = svc.GenerateTokenPair(ctx, "user-1", "device-2")
	require.NoError(t, err)
	foreign, err := svc.GenerateTokenPair(ctx, "user-2", "device-9")
	require.NoError(t, err)

	count, err := svc.RevokeAllUserTokens(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	assert.Equal(t, 1, tokens.pairCount())
	_, err = svc.ResolveAccessToken(ctx, foreign.AccessToken, model.AbilityMobileAccess)
	assert.NoError(t, err)
}

func TestCleanupExpiredTokens(t *testing.T) {
	svc, tokens := newTokenHarness(t)
	ctx := context.Background()

	_, err := svc.GenerateTokenPair(ctx, "user-1", "expired-dev")
	require.NoError(t, err)
	live, err := svc.GenerateTokenPair(ctx, "user-1", "live-dev")
	require.NoError(t, err)
	_, err = svc.GenerateTokenPair(ctx, "user-1", "orphaned-dev")
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	var orphaned []string
	tokens.eachPair(func(pair *model.TokenPair) {
		switch pair.DeviceID {
		case "expired-dev":
			pair.ExpiresAt = past
		case "orphaned-dev":
			orphaned = append(orphaned, pair.AccessTokenID, pair.RefreshTokenID)
		}
	})
	for _, id := range orphaned {
		tokens.dropToken(id)
	}

	// A bearer token left behind with no pair gets swept too.
	require.NoError(t, tokens.CreateToken(ctx, &model.BearerToken{
		ID: "tok-straggler", UserID: "user-1", TokenHash: "straggler-hash",
		CreatedAt: past.Add(-time.Hour), ExpiresAt: &past,
	}))

	count, err := svc.CleanupExpiredTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	assert.Equal(t, 1, tokens.pairCount())
	assert.Equal(t, 2, tokens.tokenCount())

	_, err = svc.ResolveAccessToken(ctx, live.AccessToken, model.AbilityMobileAccess)
	assert.NoError(t, err)
}
