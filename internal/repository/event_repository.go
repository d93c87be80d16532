package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldgate/fieldgate/internal/database"
	"github.com/fieldgate/fieldgate/internal/model"
)

// EventRepository handles security event persistence
type EventRepository struct {
	db *database.Postgres
}

// NewEventRepository creates a new EventRepository
func NewEventRepository(db *database.Postgres) *EventRepository {
	return &EventRepository{db: db}
}

// Create inserts a new security event row
func (r *EventRepository) Create(ctx context.Context, event *model.SecurityEvent) error {
	contextJSON, err := json.Marshal(event.Context)
	if err != nil {
		contextJSON = []byte("{}")
	}

	query := `
		INSERT INTO security_events (id, event_type, user_id, tenant_id, ip, user_agent,
		    device_id, session_id, context, risk_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.db.ExecContext(ctx, query,
		event.ID,
		event.EventType,
		event.UserID,
		event.TenantID,
		event.IP,
		event.UserAgent,
		event.DeviceID,
		event.SessionID,
		contextJSON,
		event.RiskScore,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create security event: %w", err)
	}
	return nil
}

// EventFilter narrows List queries. Zero values mean "no constraint".
type EventFilter struct {
	UserID    string
	EventType string
	MinRisk   float64
	Since     time.Time
	Until     time.Time
	Limit     int
}

// List returns persisted events matching the filter, newest first
func (r *EventRepository) List(ctx context.Context, filter EventFilter) ([]model.SecurityEvent, error) {
	query := `
		SELECT id, event_type, user_id, tenant_id, ip, user_agent,
		       device_id, session_id, context, risk_score, created_at
		FROM security_events
		WHERE 1=1
	`
	var args []interface{}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if filter.EventType != "" {
		args = append(args, filter.EventType)
		query += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	if filter.MinRisk > 0 {
		args = append(args, filter.MinRisk)
		query += fmt.Sprintf(" AND risk_score >= $%d", len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !filter.Until.IsZero() {
		args = append(args, filter.Until)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}
	defer rows.Close()

	var events []model.SecurityEvent
	for rows.Next() {
		var event model.SecurityEvent
		var contextJSON []byte
		err := rows.Scan(
			&event.ID,
			&event.EventType,
			&event.UserID,
			&event.TenantID,
			&event.IP,
			&event.UserAgent,
			&event.DeviceID,
			&event.SessionID,
			&contextJSON,
			&event.RiskScore,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security event row: %w", err)
		}
		if len(contextJSON) > 0 {
			json.Unmarshal(contextJSON, &event.Context)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate security event rows: %w", err)
	}
	return events, nil
}

// EventTypeStats aggregates persisted events for one event type
type EventTypeStats struct {
	EventType   string  `json:"eventType"`
	Count       int64   `json:"count"`
	AverageRisk float64 `json:"averageRisk"`
	MaxRisk     float64 `json:"maxRisk"`
}

// Stats returns per-type counts and risk aggregates since the given time
func (r *EventRepository) Stats(ctx context.Context, since time.Time) ([]EventTypeStats, error) {
	query := `
		SELECT event_type, COUNT(*), AVG(risk_score), MAX(risk_score)
		FROM security_events
		WHERE created_at >= $1
		GROUP BY event_type
		ORDER BY COUNT(*) DESC
	`
	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query event stats: %w", err)
	}
	defer rows.Close()

	var stats []EventTypeStats
	for rows.Next() {
		var s EventTypeStats
		if err := rows.Scan(&s.EventType, &s.Count, &s.AverageRisk, &s.MaxRisk); err != nil {
			return nil, fmt.Errorf("failed to scan event stats row: %w", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event stats rows: %w", err)
	}
	return stats, nil
}
