// Package fieldgate is the Go client for the FieldGate mobile security
// service. It keeps the device session (token pair plus signing
// secret), signs sensitive requests with the device secret, and rotates
// the pair before the access token expires.
package fieldgate

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fieldgate/fieldgate/pkg/signing"
)

// Config holds the configuration for the FieldGate client.
type Config struct {
	// BaseURL is the root URL of the FieldGate server.
	// Examples: "https://gate.example.com" or "https://gate.example.com/api/v1"
	// The "/api/v1" suffix is appended automatically if missing.
	BaseURL string

	// DeviceID identifies this installation. Chosen by the caller and
	// stable across launches; typically a random UUID minted on first
	// run and stored with the session.
	DeviceID string

	// DeviceInfo is free-form metadata sent at login (platform, model,
	// app version).
	DeviceInfo map[string]interface{}

	// APIKey is the shared application secret, sent on every request
	// when set.
	APIKey string

	// Algorithm selects the request signing HMAC. Default: signing.SHA256.
	Algorithm signing.Algorithm

	// RotateThreshold is the fraction of the access token lifetime
	// after which Do rotates before sending. Default: 0.8.
	RotateThreshold float64

	// HTTPClient is an optional custom HTTP client.
	// If nil, a default client with 10s timeout is used.
	HTTPClient *http.Client

	// Header names, overridable to match server configuration.
	APIKeyHeader    string
	DeviceIDHeader  string
	TimestampHeader string
	NonceHeader     string
	SignatureHeader string
}

func (c *Config) defaults() {
	if c.Algorithm == "" {
		c.Algorithm = signing.SHA256
	}
	if c.RotateThreshold <= 0 || c.RotateThreshold > 1 {
		c.RotateThreshold = 0.8
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.APIKeyHeader == "" {
		c.APIKeyHeader = "X-API-Key"
	}
	if c.DeviceIDHeader == "" {
		c.DeviceIDHeader = "X-Device-Id"
	}
	if c.TimestampHeader == "" {
		c.TimestampHeader = "X-Timestamp"
	}
	if c.NonceHeader == "" {
		c.NonceHeader = "X-Nonce"
	}
	if c.SignatureHeader == "" {
		c.SignatureHeader = "X-Signature"
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if !strings.HasSuffix(c.BaseURL, "/api/v1") {
		c.BaseURL = c.BaseURL + "/api/v1"
	}
}

// Session is the client-side device state. Persist it across launches
// with Session/Restore; the device secret only leaves the server at
// login and secret rotation.
type Session struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	DeviceSecret     string    `json:"deviceSecret"`
	AccessIssuedAt   time.Time `json:"accessIssuedAt"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// Client is the FieldGate SDK client.
type Client struct {
	cfg Config

	mu      sync.Mutex
	session Session
}

// NewClient creates a new FieldGate client with the given configuration.
func NewClient(cfg Config) *Client {
	cfg.defaults()
	return &Client{cfg: cfg}
}

// Session returns a copy of the current device session for persistence.
func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Restore resumes a previously persisted session.
func (c *Client) Restore(s Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

// Login authenticates with email and password. On success the client
// holds a fresh token pair and the newly rotated device secret.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	payload := map[string]interface{}{
		"email":    email,
		"password": password,
		"deviceId": c.cfg.DeviceID,
	}
	if len(c.cfg.DeviceInfo) > 0 {
		payload["deviceInfo"] = c.cfg.DeviceInfo
	}

	var result LoginResult
	if err := c.call(ctx, http.MethodPost, "/mobile/auth/login", payload, &result, false); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.adoptPair(result.Tokens)
	c.session.DeviceSecret = result.DeviceSecret
	c.mu.Unlock()

	return &result, nil
}

// Rotate exchanges the refresh token for a fresh pair. The server
// retires the old pair first, so a rotation that reaches the server
// always invalidates the presented refresh token.
func (c *Client) Rotate(ctx context.Context) (*TokenPair, error) {
	c.mu.Lock()
	refresh := c.session.RefreshToken
	c.mu.Unlock()
	if refresh == "" {
		return nil, ErrNoSession
	}

	var pair TokenPair
	err := c.call(ctx, http.MethodPost, "/mobile/auth/rotate", map[string]string{
		"refreshToken": refresh,
	}, &pair, false)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.adoptPair(&pair)
	c.mu.Unlock()
	return &pair, nil
}

// EnsureFresh rotates the pair when the access token is past the
// rotation threshold or already expired. Call it before bursts of
// requests; Do calls it automatically.
func (c *Client) EnsureFresh(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	if s.AccessToken == "" {
		return ErrNoSession
	}
	if !c.needsRotation(s) {
		return nil
	}
	_, err := c.Rotate(ctx)
	return err
}

// Logout revokes the token pairs bound to this device.
func (c *Client) Logout(ctx context.Context) error {
	err := c.call(ctx, http.MethodPost, "/mobile/auth/logout", nil, nil, true)
	c.clearTokens()
	return err
}

// LogoutAll revokes the user's token pairs on every device.
func (c *Client) LogoutAll(ctx context.Context) error {
	err := c.call(ctx, http.MethodPost, "/mobile/auth/logout-all", nil, nil, true)
	c.clearTokens()
	return err
}

// TokenInfo fetches the server's view of this device's pair.
func (c *Client) TokenInfo(ctx context.Context) (*TokenInfo, error) {
	var info TokenInfo
	if err := c.call(ctx, http.MethodGet, "/mobile/auth/token", nil, &info, true); err != nil {
		return nil, err
	}
	return &info, nil
}

// Profile fetches the authenticated principal summary.
func (c *Client) Profile(ctx context.Context) (*Profile, error) {
	var p Profile
	if err := c.call(ctx, http.MethodGet, "/mobile/profile", nil, &p, true); err != nil {
		return nil, err
	}
	return &p, nil
}

// Devices lists the user's registered devices.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	var resp deviceListResponse
	if err := c.call(ctx, http.MethodGet, "/mobile/devices", nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

// TrustDevice marks this device trusted for the server's trust window.
func (c *Client) TrustDevice(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/mobile/devices/trust", map[string]string{}, nil, true)
}

// RevokeTrust clears this device's trust early.
func (c *Client) RevokeTrust(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/mobile/devices/revoke-trust", map[string]string{}, nil, true)
}

// RemoveDevice deletes a device registration and its token pairs.
func (c *Client) RemoveDevice(ctx context.Context, deviceID string) error {
	return c.call(ctx, http.MethodDelete, "/mobile/devices/"+deviceID, nil, nil, true)
}

// RotateSecret replaces the device signing secret. The request itself
// is signed with the old secret.
func (c *Client) RotateSecret(ctx context.Context) error {
	var resp struct {
		DeviceSecret string `json:"deviceSecret"`
	}
	if err := c.call(ctx, http.MethodPost, "/mobile/devices/secret", map[string]string{}, &resp, true); err != nil {
		return err
	}
	c.mu.Lock()
	c.session.DeviceSecret = resp.DeviceSecret
	c.mu.Unlock()
	return nil
}

// Do performs an authenticated request against an arbitrary API path
// (relative to /api/v1), rotating the pair first when it is stale and
// signing the request with the device secret. The response body is
// decoded into out when out is non-nil.
func (c *Client) Do(ctx context.Context, method, path string, payload, out interface{}) error {
	if err := c.EnsureFresh(ctx); err != nil && !errors.Is(err, ErrNoSession) {
		return err
	}
	return c.call(ctx, method, path, payload, out, true)
}

// --- Internals ---

// adoptPair stores a fresh pair. Caller holds the lock.
func (c *Client) adoptPair(pair *TokenPair) {
	c.session.AccessToken = pair.AccessToken
	c.session.RefreshToken = pair.RefreshToken
	c.session.AccessExpiresAt = pair.AccessExpiresAt
	c.session.RefreshExpiresAt = pair.RefreshExpiresAt
	c.session.AccessIssuedAt = pair.AccessExpiresAt.Add(-time.Duration(pair.ExpiresIn) * time.Second)
}

func (c *Client) needsRotation(s Session) bool {
	if s.AccessExpiresAt.IsZero() {
		return false
	}
	if time.Now().After(s.AccessExpiresAt) {
		return true
	}
	lifetime := s.AccessExpiresAt.Sub(s.AccessIssuedAt)
	if lifetime <= 0 {
		return false
	}
	elapsed := time.Since(s.AccessIssuedAt)
	return float64(elapsed) >= c.cfg.RotateThreshold*float64(lifetime)
}

func (c *Client) clearTokens() {
	c.mu.Lock()
	c.session.AccessToken = ""
	c.session.RefreshToken = ""
	c.session.AccessIssuedAt = time.Time{}
	c.session.AccessExpiresAt = time.Time{}
	c.session.RefreshExpiresAt = time.Time{}
	c.mu.Unlock()
}

// call builds, signs, and executes one request. Every request carries
// the API key and device headers; authed requests add the bearer token.
// Signing headers are always attached so sensitive routes validate; the
// server ignores them elsewhere.
func (c *Client) call(ctx context.Context, method, path string, payload, out interface{}, authed bool) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("fieldgate: failed to encode request: %w", err)
		}
	}

	url := c.cfg.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("fieldgate: failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKey)
	}
	if c.cfg.DeviceID != "" {
		req.Header.Set(c.cfg.DeviceIDHeader, c.cfg.DeviceID)
	}

	c.mu.Lock()
	access := c.session.AccessToken
	secret := c.session.DeviceSecret
	c.mu.Unlock()

	if authed {
		if access == "" {
			return ErrNoSession
		}
		req.Header.Set("Authorization", "Bearer "+access)
	}

	if secret != "" {
		if err := c.sign(req, url, body, secret); err != nil {
			return err
		}
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("fieldgate: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("fieldgate: failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseAPIError(resp.StatusCode, respBody)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("fieldgate: failed to parse response: %w", err)
		}
	}
	return nil
}

// sign attaches the timestamp, nonce, and HMAC headers. The signed URL
// must match what the server reconstructs, scheme and host included.
func (c *Client) sign(req *http.Request, url string, body []byte, secret string) error {
	nonce, err := newNonce()
	if err != nil {
		return fmt.Errorf("fieldgate: failed to generate nonce: %w", err)
	}
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	sig, err := signing.Sign(c.cfg.Algorithm, req.Method, url, body, timestamp, nonce, secret)
	if err != nil {
		return fmt.Errorf("fieldgate: failed to sign request: %w", err)
	}

	req.Header.Set(c.cfg.TimestampHeader, timestamp)
	req.Header.Set(c.cfg.NonceHeader, nonce)
	req.Header.Set(c.cfg.SignatureHeader, sig)
	return nil
}

func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
