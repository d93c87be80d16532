package service

import "github.com/fieldgate/fieldgate/internal/model"

// Base risk per event type. Context modifiers adjust from here; the
// final score is clamped to [0, 1].
var baseRiskScores = map[string]float64{
	model.EventAuthSuccess:            0.1,
	model.EventAuthFailure:            0.6,
	model.EventAPIKeyFailed:           0.9,
	model.EventDeviceFailed:           0.7,
	model.EventUntrustedDeviceAccess:  0.5,
	model.EventSignatureFailed:        0.8,
	model.EventRateLimitExceeded:      0.7,
	model.EventValidationSuccess:      0.1,
	model.EventTokenIssued:            0.2,
	model.EventTokenRotated:           0.2,
	model.EventTokenRotationFailed:    0.4,
	model.EventTokenRevoked:           0.3,
	model.EventDeviceRegistered:       0.2,
	model.EventDeviceTrusted:          0.3,
	model.EventDeviceTrustRevoked:     0.4,
}

// unknownEventRisk is the fallback base for event types not in the table
const unknownEventRisk = 0.5

// Modifier weights. Each contributes a bounded increment so no single
// context field can swing the score across more than two tiers.
const (
	failedAttemptStep     = 0.05
	failedAttemptCap      = 0.2
	farOriginDistanceKm   = 1000.0
	farOriginIncrement    = 0.2
	suspiciousUAIncrement = 0.15
	manySessionsThreshold = 3
	manySessionsIncrement = 0.1
)

// ComputeRiskScore derives a risk score in [0, 1] from the event type
// and its context map. The second return reports whether the event
// type was recognized; unknown types score from a neutral base.
//
// Recognized context keys:
//
//	failed_attempts     number  +0.05 per attempt, capped at +0.2
//	distance_km         number  +0.2 beyond 1000 km from usual origin
//	suspicious_user_agent bool  +0.15
//	concurrent_sessions number  +0.1 beyond 3 sessions
func ComputeRiskScore(eventType string, context map[string]interface{}) (float64, bool) {
	base, known := baseRiskScores[eventType]
	if !known {
		base = unknownEventRisk
	}

	score := base

	if attempts, ok := contextNumber(context, "failed_attempts"); ok && attempts > 0 {
		bump := attempts * failedAttemptStep
		if bump > failedAttemptCap {
			bump = failedAttemptCap
		}
		score += bump
	}
	if distance, ok := contextNumber(context, "distance_km"); ok && distance > farOriginDistanceKm {
		score += farOriginIncrement
	}
	if suspicious, ok := contextBool(context, "suspicious_user_agent"); ok && suspicious {
		score += suspiciousUAIncrement
	}
	if sessions, ok := contextNumber(context, "concurrent_sessions"); ok && sessions > manySessionsThreshold {
		score += manySessionsIncrement
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, known
}

// contextNumber reads a numeric context value. Context maps come both
// from Go callers (ints) and from JSON round-trips (float64).
func contextNumber(context map[string]interface{}, key string) (float64, bool) {
	if context == nil {
		return 0, false
	}
	switch v := context[key].(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func contextBool(context map[string]interface{}, key string) (bool, bool) {
	if context == nil {
		return false, false
	}
	v, ok := context[key].(bool)
	return v, ok
}
