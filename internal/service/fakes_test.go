package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fieldgate/fieldgate/internal/config"
	"github.com/fieldgate/fieldgate/internal/logger"
	"github.com/fieldgate/fieldgate/internal/model"
	"github.com/fieldgate/fieldgate/internal/repository"
)

func testConfig() *config.Config {
	return &config.Config{
		DeviceBinding: config.DeviceBindingConfig{
			Enabled:           true,
			MaxDevicesPerUser: 5,
			TrustDuration:     time.Hour,
		},
		RequestSigning: config.RequestSigningConfig{
			Enabled:            true,
			RequireNonce:       true,
			TimestampTolerance: 5 * time.Minute,
			Algorithm:          "sha256",
			DeviceIDHeader:     "X-Device-Id",
			TimestampHeader:    "X-Timestamp",
			NonceHeader:        "X-Nonce",
			SignatureHeader:    "X-Signature",
		},
		MobileTokens: config.MobileTokensConfig{
			Access:  config.TokenPolicy{Lifetime: 15 * time.Minute, Abilities: []string{model.AbilityAll}},
			Refresh: config.TokenPolicy{Lifetime: 24 * time.Hour, Abilities: []string{model.AbilityRefresh}},
		},
		TokenRotation: config.TokenRotationConfig{Threshold: 0.8},
		SecurityEvents: config.SecurityEventsConfig{
			PersistThreshold: 0.6,
			SIEMThreshold:    0.8,
			AlertThreshold:   0.9,
			SIEMChannel:      "fieldgate:siem",
			AlertChannel:     "fieldgate:alerts",
		},
	}
}

func testLogger() *logger.Logger {
	return logger.New("disabled", "json")
}

// --- device store ---

type fakeDeviceStore struct {
	mu      sync.Mutex
	devices map[string]*model.DeviceRegistration
}

func newFakeDeviceStore() *fakeDeviceStore {
	return &fakeDeviceStore{devices: make(map[string]*model.DeviceRegistration)}
}

func deviceKey(userID, deviceID string) string {
	return userID + "/" + deviceID
}

func (s *fakeDeviceStore) Create(_ context.Context, reg *model.DeviceRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deviceKey(reg.UserID, reg.DeviceID)
	if _, ok := s.devices[key]; ok {
		return repository.ErrDuplicate
	}
	s.devices[key] = reg
	return nil
}

func (s *fakeDeviceStore) GetByUserAndDevice(_ context.Context, userID, deviceID string) (*model.DeviceRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.devices[deviceKey(userID, deviceID)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return reg, nil
}

func (s *fakeDeviceStore) GetByDeviceID(_ context.Context, deviceID string) (*model.DeviceRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, reg := range s.devices {
		if reg.DeviceID == deviceID {
			return reg, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *fakeDeviceStore) GetByUserID(_ context.Context, userID string) ([]model.DeviceRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var regs []model.DeviceRegistration
	for _, reg := range s.devices {
		if reg.UserID == userID {
			regs = append(regs, *reg)
		}
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].LastUsedAt.After(regs[j].LastUsedAt) })
	return regs, nil
}

func (s *fakeDeviceStore) Touch(_ context.Context, userID, deviceID string, deviceInfo map[string]interface{}, lastUsedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reg, ok := s.devices[deviceKey(userID, deviceID)]; ok {
		reg.DeviceInfo = deviceInfo
		reg.LastUsedAt = lastUsedAt
	}
	return nil
}

func (s *fakeDeviceStore) UpdateTrust(_ context.Context, userID, deviceID string, trusted bool, trustedAt, trustedUntil *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.devices[deviceKey(userID, deviceID)]
	if !ok {
		return false, nil
	}
	reg.IsTrusted = trusted
	reg.TrustedAt = trustedAt
	reg.TrustedUntil = trustedUntil
	return true, nil
}

func (s *fakeDeviceStore) UpdateSecret(_ context.Context, userID, deviceID, secret string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.devices[deviceKey(userID, deviceID)]
	if !ok {
		return false, nil
	}
	reg.DeviceSecret = secret
	return true, nil
}

func (s *fakeDeviceStore) Delete(_ context.Context, userID, deviceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deviceKey(userID, deviceID)
	if _, ok := s.devices[key]; !ok {
		return false, nil
	}
	delete(s.devices, key)
	return true, nil
}

func (s *fakeDeviceStore) OldestByLastUsed(_ context.Context, userID string) (*model.DeviceRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *model.DeviceRegistration
	for _, reg := range s.devices {
		if reg.UserID != userID {
			continue
		}
		if oldest == nil || reg.LastUsedAt.Before(oldest.LastUsedAt) {
			oldest = reg
		}
	}
	if oldest == nil {
		return nil, repository.ErrNotFound
	}
	return oldest, nil
}

func (s *fakeDeviceStore) CountByUserID(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, reg := range s.devices {
		if reg.UserID == userID {
			count++
		}
	}
	return count, nil
}

func (s *fakeDeviceStore) ListExpiredTrust(_ context.Context, now time.Time) ([]model.DeviceRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var regs []model.DeviceRegistration
	for _, reg := range s.devices {
		if reg.IsTrusted && reg.TrustedUntil != nil && now.After(*reg.TrustedUntil) {
			regs = append(regs, *reg)
		}
	}
	return regs, nil
}

// get returns the live record for direct test mutation.
func (s *fakeDeviceStore) get(userID, deviceID string) *model.DeviceRegistration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices[deviceKey(userID, deviceID)]
}

// --- token store ---

type fakeTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*model.BearerToken
	byHash map[string]string
	pairs  map[string]*model.TokenPair
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{
		tokens: make(map[string]*model.BearerToken),
		byHash: make(map[string]string),
		pairs:  make(map[string]*model.TokenPair),
	}
}

func (s *fakeTokenStore) CreateToken(_ context.Context, token *model.BearerToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[token.TokenHash]; ok {
		return repository.ErrDuplicate
	}
	s.tokens[token.ID] = token
	s.byHash[token.TokenHash] = token.ID
	return nil
}

func (s *fakeTokenStore) GetTokenByHash(_ context.Context, tokenHash string) (*model.BearerToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[tokenHash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	token, ok := s.tokens[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return token, nil
}

func (s *fakeTokenStore) GetTokenByID(_ context.Context, id string) (*model.BearerToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return token, nil
}

func (s *fakeTokenStore) TouchToken(_ context.Context, id string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token, ok := s.tokens[id]; ok {
		token.LastUsedAt = &usedAt
	}
	return nil
}

func (s *fakeTokenStore) DeleteExpiredTokens(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for id, token := range s.tokens {
		if token.ExpiresAt != nil && token.ExpiresAt.Before(now) {
			delete(s.byHash, token.TokenHash)
			delete(s.tokens, id)
			count++
		}
	}
	return count, nil
}

func (s *fakeTokenStore) CreatePair(_ context.Context, pair *model.TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs[pair.ID] = pair
	return nil
}

func (s *fakeTokenStore) GetPairByRefreshTokenID(_ context.Context, refreshTokenID string) (*model.TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pair := range s.pairs {
		if pair.RefreshTokenID == refreshTokenID {
			return pair, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *fakeTokenStore) GetLatestPairByUserAndDevice(_ context.Context, userID, deviceID string) (*model.TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *model.TokenPair
	for _, pair := range s.pairs {
		if pair.UserID != userID || pair.DeviceID != deviceID {
			continue
		}
		if latest == nil || pair.CreatedAt.After(latest.CreatedAt) {
			latest = pair
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	return latest, nil
}

func (s *fakeTokenStore) ListPairsByUserAndDevice(_ context.Context, userID, deviceID string) ([]model.TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pairs []model.TokenPair
	for _, pair := range s.pairs {
		if pair.UserID == userID && pair.DeviceID == deviceID {
			pairs = append(pairs, *pair)
		}
	}
	return pairs, nil
}

func (s *fakeTokenStore) ListPairsByUser(_ context.Context, userID string) ([]model.TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pairs []model.TokenPair
	for _, pair := range s.pairs {
		if pair.UserID == userID {
			pairs = append(pairs, *pair)
		}
	}
	return pairs, nil
}

func (s *fakeTokenStore) ListReclaimablePairs(_ context.Context, now time.Time) ([]model.TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pairs []model.TokenPair
	for _, pair := range s.pairs {
		_, hasAccess := s.tokens[pair.AccessTokenID]
		_, hasRefresh := s.tokens[pair.RefreshTokenID]
		if pair.ExpiresAt.Before(now) || (!hasAccess && !hasRefresh) {
			pairs = append(pairs, *pair)
		}
	}
	return pairs, nil
}

func (s *fakeTokenStore) DeletePairWithTokens(_ context.Context, pair *model.TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pairs, pair.ID)
	for _, id := range []string{pair.AccessTokenID, pair.RefreshTokenID} {
		if token, ok := s.tokens[id]; ok {
			delete(s.byHash, token.TokenHash)
			delete(s.tokens, id)
		}
	}
	return nil
}

// tokenByHash returns the live record for direct test mutation.
func (s *fakeTokenStore) tokenByHash(hash string) *model.BearerToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byHash[hash]; ok {
		return s.tokens[id]
	}
	return nil
}

func (s *fakeTokenStore) pairCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pairs)
}

func (s *fakeTokenStore) tokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// --- event store and publisher ---

type fakeEventStore struct {
	mu     sync.Mutex
	events []*model.SecurityEvent
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{}
}

func (s *fakeEventStore) Create(_ context.Context, event *model.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *fakeEventStore) List(_ context.Context, filter repository.EventFilter) ([]model.SecurityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SecurityEvent
	for _, e := range s.events {
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		if filter.UserID != "" && (e.UserID == nil || *e.UserID != filter.UserID) {
			continue
		}
		if filter.MinRisk > 0 && e.RiskScore < filter.MinRisk {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

func (s *fakeEventStore) Stats(_ context.Context, since time.Time) ([]repository.EventTypeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byType := make(map[string]*repository.EventTypeStats)
	totals := make(map[string]float64)
	for _, e := range s.events {
		if e.CreatedAt.Before(since) {
			continue
		}
		stat, ok := byType[e.EventType]
		if !ok {
			stat = &repository.EventTypeStats{EventType: e.EventType}
			byType[e.EventType] = stat
		}
		stat.Count++
		totals[e.EventType] += e.RiskScore
		if e.RiskScore > stat.MaxRisk {
			stat.MaxRisk = e.RiskScore
		}
	}
	var out []repository.EventTypeStats
	for eventType, stat := range byType {
		stat.AverageRisk = totals[eventType] / float64(stat.Count)
		out = append(out, *stat)
	}
	return out, nil
}

func (s *fakeEventStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *fakeEventStore) lastOfType(eventType string) *model.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].EventType == eventType {
			return s.events[i]
		}
	}
	return nil
}

type failingEventStore struct {
	fakeEventStore
}

func (s *failingEventStore) Create(context.Context, *model.SecurityEvent) error {
	return fmt.Errorf("event store unavailable")
}

type fakePublisher struct {
	mu       sync.Mutex
	messages map[string][]string
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{messages: make(map[string][]string)}
}

func (p *fakePublisher) Publish(_ context.Context, channel string, message interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages[channel] = append(p.messages[channel], fmt.Sprint(message))
	return nil
}

func (p *fakePublisher) count(channel string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages[channel])
}

// --- user store ---

type fakeUserStore struct {
	mu      sync.Mutex
	byID    map[string]*model.User
	byEmail map[string]*model.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{
		byID:    make(map[string]*model.User),
		byEmail: make(map[string]*model.User),
	}
}

func (s *fakeUserStore) Create(_ context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[user.Email]; ok {
		return repository.ErrDuplicate
	}
	s.byID[user.ID] = user
	s.byEmail[user.Email] = user
	return nil
}

func (s *fakeUserStore) GetByID(_ context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return user, nil
}

func (s *fakeUserStore) GetByEmail(_ context.Context, email string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.byEmail[email]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return user, nil
}

func (s *fakeUserStore) ExistsByEmail(_ context.Context, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byEmail[email]
	return ok, nil
}
