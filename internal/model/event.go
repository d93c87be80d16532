package model

import "time"

// SecurityEvent is one risk-scored security observation. Events are
// always written to the security log channel; only those whose score
// clears the persistence threshold become rows.
type SecurityEvent struct {
	ID        string                 `json:"id"`
	EventType string                 `json:"eventType"`
	UserID    *string                `json:"userId,omitempty"`
	TenantID  *string                `json:"tenantId,omitempty"`
	IP        string                 `json:"ip,omitempty"`
	UserAgent string                 `json:"userAgent,omitempty"`
	DeviceID  string                 `json:"deviceId,omitempty"`
	SessionID string                 `json:"sessionId,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
	RiskScore float64                `json:"riskScore"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Security event types. The risk base score for each lives in the
// service layer's scoring table; unknown types score 0.5 and log a
// warning so a missing table entry is noticed.
const (
	EventAuthSuccess           = "auth_success"
	EventAuthFailure           = "auth_failure"
	EventAPIKeyFailed          = "api_key_validation_failed"
	EventDeviceFailed          = "device_validation_failed"
	EventUntrustedDeviceAccess = "untrusted_device_access"
	EventSignatureFailed       = "signature_validation_failed"
	EventRateLimitExceeded     = "rate_limit_exceeded"
	EventValidationSuccess     = "security_validation_success"
	EventTokenIssued           = "token_issued"
	EventTokenRotated          = "token_rotated"
	EventTokenRotationFailed   = "token_rotation_failed"
	EventTokenRevoked          = "token_revoked"
	EventDeviceRegistered      = "device_registered"
	EventDeviceTrusted         = "device_trusted"
	EventDeviceTrustRevoked    = "device_trust_revoked"
)
