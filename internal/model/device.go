package model

import (
	"time"
)

// DeviceRegistration binds a client-chosen device identifier to a user
// account. The device secret issued at registration time keys the HMAC
// request signatures for that device.
type DeviceRegistration struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"userId"`
	DeviceID     string                 `json:"deviceId"`
	DeviceInfo   map[string]interface{} `json:"deviceInfo,omitempty"`
	IsTrusted    bool                   `json:"isTrusted"`
	TrustedAt    *time.Time             `json:"trustedAt,omitempty"`
	TrustedUntil *time.Time             `json:"trustedUntil,omitempty"`
	DeviceSecret string                 `json:"-"` // never expose the signing secret
	RegisteredAt time.Time              `json:"registeredAt"`
	LastUsedAt   time.Time              `json:"lastUsedAt"`
}

// TrustValid reports whether the device is trusted right now: the flag
// must be set and the trust window must not have lapsed.
func (d *DeviceRegistration) TrustValid() bool {
	if !d.IsTrusted {
		return false
	}
	if d.TrustedUntil == nil {
		return false
	}
	return time.Now().Before(*d.TrustedUntil)
}
