package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Token kinds used in token labels
const (
	TokenKindAccess  = "access"
	TokenKindRefresh = "refresh"
)

// GenerateToken mints a new opaque bearer token. It returns the
// plaintext (handed to the client exactly once) and the SHA-256 hash
// that gets persisted. The server can recognize a presented token by
// re-hashing it but can never recover a lost plaintext.
func GenerateToken() (plaintext, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("failed to generate token: %w", err)
	}
	plaintext = hex.EncodeToString(raw)
	return plaintext, HashToken(plaintext), nil
}

// HashToken creates a SHA-256 hash of a token for secure storage
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// TokenName builds the operator-facing label for a mobile token,
// mobile_{kind}_{deviceID}_{unix}. The label is display-only; device
// lookups go through the pair record, never through this string.
func TokenName(kind, deviceID string, issuedAt time.Time) string {
	return fmt.Sprintf("mobile_%s_%s_%d", kind, deviceID, issuedAt.Unix())
}

// GenerateDeviceSecret creates the per-device HMAC signing secret:
// 32 random bytes, hex-encoded
func GenerateDeviceSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate device secret: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
