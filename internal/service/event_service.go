package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldgate/fieldgate/internal/config"
	"github.com/fieldgate/fieldgate/internal/logger"
	"github.com/fieldgate/fieldgate/internal/model"
	"github.com/fieldgate/fieldgate/internal/repository"
)

// EventStore is the persistence contract for security events.
// Implemented by repository.EventRepository.
type EventStore interface {
	Create(ctx context.Context, event *model.SecurityEvent) error
	List(ctx context.Context, filter repository.EventFilter) ([]model.SecurityEvent, error)
	Stats(ctx context.Context, since time.Time) ([]repository.EventTypeStats, error)
}

// EventPublisher fans high-risk events out to external channels.
// Implemented by database.Redis.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// EventRecord is what callers hand to Log. Fields the caller does not
// know stay empty; the risk model only reads the type and context.
type EventRecord struct {
	Type      string
	UserID    string
	TenantID  string
	DeviceID  string
	IP        string
	UserAgent string
	SessionID string
	Context   map[string]interface{}
}

// SecurityEventService scores security events and routes them to the
// sinks their risk warrants. Every sink is best-effort: a failing
// database or broker must never break request handling.
type SecurityEventService struct {
	store     EventStore
	publisher EventPublisher
	cfg       *config.Config
	log       *logger.Logger
}

// NewSecurityEventService creates a new SecurityEventService
func NewSecurityEventService(
	store EventStore,
	publisher EventPublisher,
	cfg *config.Config,
	log *logger.Logger,
) *SecurityEventService {
	return &SecurityEventService{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		log:       log.WithComponent("security_events"),
	}
}

// Log scores the event and writes it to every sink whose threshold the
// score reaches. The structured security log line is written always;
// persistence, SIEM forwarding, and alerting only above their
// configured thresholds.
func (s *SecurityEventService) Log(ctx context.Context, rec EventRecord) {
	score, known := ComputeRiskScore(rec.Type, rec.Context)
	if !known {
		s.log.Warn().Str("event_type", rec.Type).Msg("unrecognized security event type, scoring from neutral base")
	}

	s.log.SecurityEvent(rec.Type, score, rec.UserID, rec.DeviceID, rec.IP, rec.Context)

	thresholds := s.cfg.SecurityEvents
	if score < thresholds.PersistThreshold && score < thresholds.SIEMThreshold && score < thresholds.AlertThreshold {
		return
	}

	event := s.buildEvent(rec, score)

	if score >= thresholds.PersistThreshold {
		if err := s.store.Create(ctx, event); err != nil {
			s.log.Error().Err(err).Str("event_type", rec.Type).Msg("failed to persist security event")
		}
	}
	if score >= thresholds.SIEMThreshold {
		s.publish(ctx, thresholds.SIEMChannel, event)
	}
	if score >= thresholds.AlertThreshold {
		s.publish(ctx, thresholds.AlertChannel, event)
	}
}

// ListEvents returns persisted events matching the filter
func (s *SecurityEventService) ListEvents(ctx context.Context, filter repository.EventFilter) ([]model.SecurityEvent, error) {
	events, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	return events, nil
}

// EventStats aggregates persisted events by type since the given time
func (s *SecurityEventService) EventStats(ctx context.Context, since time.Time) ([]repository.EventTypeStats, error) {
	stats, err := s.store.Stats(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate security events: %w", err)
	}
	return stats, nil
}

func (s *SecurityEventService) buildEvent(rec EventRecord, score float64) *model.SecurityEvent {
	event := &model.SecurityEvent{
		ID:        generateID("evt"),
		EventType: rec.Type,
		IP:        rec.IP,
		UserAgent: rec.UserAgent,
		DeviceID:  rec.DeviceID,
		SessionID: rec.SessionID,
		Context:   rec.Context,
		RiskScore: score,
		CreatedAt: time.Now(),
	}
	if rec.UserID != "" {
		userID := rec.UserID
		event.UserID = &userID
	}
	if rec.TenantID != "" {
		tenantID := rec.TenantID
		event.TenantID = &tenantID
	}
	return event
}

func (s *SecurityEventService) publish(ctx context.Context, channel string, event *model.SecurityEvent) {
	if channel == "" {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.log.Error().Err(err).Str("event_type", event.EventType).Msg("failed to encode security event")
		return
	}
	if err := s.publisher.Publish(ctx, channel, string(payload)); err != nil {
		s.log.Error().Err(err).Str("channel", channel).Str("event_type", event.EventType).Msg("failed to publish security event")
	}
}
