package model

import (
	"time"
)

// Token abilities. Access tokens carry the configured access abilities
// (wildcard by default); refresh tokens carry only AbilityRefresh so a
// leaked refresh token can rotate but never call the API directly.
const (
	AbilityAll          = "*"
	AbilityRefresh      = "refresh"
	AbilityMobileAccess = "mobile-access"
)

// BearerToken is the stored form of an opaque bearer token. The
// plaintext exists only in the issuance response; TokenHash is the
// SHA-256 of the plaintext and is the only thing persisted.
type BearerToken struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Name       string     `json:"name"`
	TokenHash  string     `json:"-"`
	Abilities  []string   `json:"abilities"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// Can reports whether the token grants the given ability, either
// explicitly or through the wildcard.
func (t *BearerToken) Can(ability string) bool {
	for _, a := range t.Abilities {
		if a == AbilityAll || a == ability {
			return true
		}
	}
	return false
}

// HasAbility reports whether the token carries the ability literally.
// Unlike Can, the wildcard does not match: rotation is gated on a token
// explicitly labelled "refresh", so a stolen access token with wildcard
// abilities still cannot mint new pairs.
func (t *BearerToken) HasAbility(ability string) bool {
	for _, a := range t.Abilities {
		if a == ability {
			return true
		}
	}
	return false
}

// IsExpired checks if the token has expired. Tokens without an expiry
// never expire.
func (t *BearerToken) IsExpired() bool {
	if t.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*t.ExpiresAt)
}

// TokenPair links one access token and one refresh token to the
// (user, device) they were issued for. The device ID is stored here as
// a first-class column so rotation never has to recover it from the
// token label.
type TokenPair struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	DeviceID       string    `json:"deviceId"`
	AccessTokenID  string    `json:"accessTokenId"`
	RefreshTokenID string    `json:"refreshTokenId"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// IsExpired checks if the pairing has outlived its refresh token
func (p *TokenPair) IsExpired() bool {
	return time.Now().After(p.ExpiresAt)
}
