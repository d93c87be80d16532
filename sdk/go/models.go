package fieldgate

import "time"

// TokenPair is an access/refresh token pair as issued by the server.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	TokenType        string    `json:"tokenType"`
	ExpiresIn        int64     `json:"expiresIn"`
	RefreshExpiresIn int64     `json:"refreshExpiresIn"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// User is the account summary returned at login.
type User struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

// LoginResult is the login response: the account, the first token pair,
// and the freshly rotated device secret. The secret is not retrievable
// later; persist the session after login.
type LoginResult struct {
	User          User       `json:"user"`
	Tokens        *TokenPair `json:"tokens"`
	DeviceSecret  string     `json:"deviceSecret"`
	DeviceTrusted bool       `json:"deviceTrusted"`
}

// TokenInfo is the server's view of this device's current pair.
type TokenInfo struct {
	DeviceID         string     `json:"deviceId"`
	IssuedAt         time.Time  `json:"issuedAt"`
	AccessExpiresAt  *time.Time `json:"accessExpiresAt,omitempty"`
	RefreshExpiresAt *time.Time `json:"refreshExpiresAt,omitempty"`
	AccessValid      bool       `json:"accessValid"`
	RefreshValid     bool       `json:"refreshValid"`
	ShouldRotate     bool       `json:"shouldRotate"`
}

// Profile is the authenticated principal as seen by the server,
// including the device the current request was bound to.
type Profile struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	DeviceID string `json:"deviceId"`
}

// Device is a registered device as listed by the server. The signing
// secret is never included.
type Device struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"userId"`
	DeviceID     string                 `json:"deviceId"`
	DeviceInfo   map[string]interface{} `json:"deviceInfo,omitempty"`
	IsTrusted    bool                   `json:"isTrusted"`
	TrustedAt    *time.Time             `json:"trustedAt,omitempty"`
	TrustedUntil *time.Time             `json:"trustedUntil,omitempty"`
	RegisteredAt time.Time              `json:"registeredAt"`
	LastUsedAt   time.Time              `json:"lastUsedAt"`
}

type deviceListResponse struct {
	Devices         []Device `json:"devices"`
	CurrentDeviceID string   `json:"currentDeviceId"`
}
