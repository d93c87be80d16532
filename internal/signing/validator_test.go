package signing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldgate/fieldgate/internal/cache"
	"github.com/fieldgate/fieldgate/internal/config"
	"github.com/fieldgate/fieldgate/pkg/signing"
)

type staticSecrets map[string]string

func (s staticSecrets) SecretForDevice(_ context.Context, deviceID string) (string, bool, error) {
	secret, ok := s[deviceID]
	return secret, ok, nil
}

func testSigningConfig() config.RequestSigningConfig {
	return config.RequestSigningConfig{
		Enabled:            true,
		RequireNonce:       true,
		TimestampTolerance: 5 * time.Minute,
		Algorithm:          "sha256",
		DeviceIDHeader:     "X-Device-Id",
		TimestampHeader:    "X-Timestamp",
		NonceHeader:        "X-Nonce",
		SignatureHeader:    "X-Signature",
	}
}

func newTestValidator(cfg config.RequestSigningConfig, secrets SecretSource, window time.Duration) *Validator {
	guard := NewReplayGuard(cache.NewMemory(), window)
	return NewValidator(cfg, secrets, guard, NewRouteTable(DefaultSensitiveRoutes()))
}

var nonceSeq int

func nextNonce() string {
	nonceSeq++
	return fmt.Sprintf("nonce-%d", nonceSeq)
}

// signedRequest builds a correctly signed request for the given target.
// An https target makes httptest set r.TLS, so the validator
// reconstructs exactly the URL that was signed.
func signedRequest(t *testing.T, cfg config.RequestSigningConfig, method, target, body, deviceID, secret string) *http.Request {
	t.Helper()
	return signedRequestNonce(t, cfg, method, target, body, deviceID, secret, nextNonce())
}

func signedRequestNonce(t *testing.T, cfg config.RequestSigningConfig, method, target, body, deviceID, secret, nonce string) *http.Request {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	sig, err := signing.Sign(signing.Algorithm(cfg.Algorithm), method, target, []byte(body), ts, nonce, secret)
	require.NoError(t, err)

	req.Header.Set(cfg.DeviceIDHeader, deviceID)
	req.Header.Set(cfg.TimestampHeader, ts)
	if nonce != "" {
		req.Header.Set(cfg.NonceHeader, nonce)
	}
	req.Header.Set(cfg.SignatureHeader, sig)
	return req
}

func requireReason(t *testing.T, err error, reason string) {
	t.Helper()
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, reason, vErr.Reason)
}

const (
	sensitiveTarget = "https://api.example.com/api/v1/mobile/users"
	testDeviceID    = "dev-1"
	testSecret      = "0f1e2d3c4b5a69788796a5b4c3d2e1f00f1e2d3c4b5a69788796a5b4c3d2e1f0"
)

func TestValidateSkipsUnsignedRoutes(t *testing.T) {
	v := newTestValidator(testSigningConfig(), staticSecrets{}, time.Minute)

	req := httptest.NewRequest(http.MethodGet, "https://api.example.com/api/v1/mobile/profile", nil)
	assert.NoError(t, v.Validate(context.Background(), req))
}

func TestValidateSkipsWhenDisabled(t *testing.T) {
	cfg := testSigningConfig()
	cfg.Enabled = false
	v := newTestValidator(cfg, staticSecrets{}, time.Minute)

	req := httptest.NewRequest(http.MethodPost, sensitiveTarget, strings.NewReader("{}"))
	assert.NoError(t, v.Validate(context.Background(), req))
}

func TestValidateAcceptsSignedRequest(t *testing.T) {
	cfg := testSigningConfig()
	v := newTestValidator(cfg, staticSecrets{testDeviceID: testSecret}, time.Minute)

	req := signedRequest(t, cfg, http.MethodPost, sensitiveTarget, `{"email":"x@example.com"}`, testDeviceID, testSecret)
	assert.NoError(t, v.Validate(context.Background(), req))
}

func TestValidateRestoresBody(t *testing.T) {
	cfg := testSigningConfig()
	v := newTestValidator(cfg, staticSecrets{testDeviceID: testSecret}, time.Minute)

	const payload = `{"email":"x@example.com","password":"longenoughpassword"}`
	req := signedRequest(t, cfg, http.MethodPost, sensitiveTarget, payload, testDeviceID, testSecret)
	require.NoError(t, v.Validate(context.Background(), req))

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, string(body), "handler must see the full body after validation")
}

func TestValidateAcceptsSHA512(t *testing.T) {
	cfg := testSigningConfig()
	cfg.Algorithm = "sha512"
	v := newTestValidator(cfg, staticSecrets{testDeviceID: testSecret}, time.Minute)

	req := signedRequest(t, cfg, http.MethodPost, sensitiveTarget, "{}", testDeviceID, testSecret)
	assert.NoError(t, v.Validate(context.Background(), req))
}

func TestValidateCoversQueryString(t *testing.T) {
	cfg := testSigningConfig()
	v := newTestValidator(cfg, staticSecrets{testDeviceID: testSecret}, time.Minute)

	target := sensitiveTarget + "?dry_run=1"
	req := signedRequest(t, cfg, http.MethodPost, target, "{}", testDeviceID, testSecret)
	assert.NoError(t, v.Validate(context.Background(), req))
}

func TestValidateMissingTimestamp(t *testing.T) {
	cfg := testSigningConfig()
	v := newTestValidator(cfg, staticSecrets{testDeviceID: testSecret}, time.Minute)

	req := signedRequest(t, cfg, http.MethodPost, sensitiveTarget, "{}", testDeviceID, testSecret)
	req.Header.Del(cfg.TimestampHeader)

	requireReason(t, v.Validate(context.Background(), req), ReasonMissingTimestamp)
}

func TestValidateTimestampOutOfRange(t *testing.T) {
	cfg := testSigningConfig()
	v := newTestValidator(cfg, staticSecrets{testDeviceID: testSecret}, time.Minute)

	tests := []struct {
		name      string
		timestamp string
	}{
		{"stale", strconv.FormatInt(time.Now().Add(-10*time.Minute).UnixMilli(), 10)},
		{"future", strconv.FormatInt(time.Now().Add(10*time.Minute).UnixMilli(), 10)},
		{"garbage", "not-a-number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := signedRequest(t, cfg, http.MethodPost, sensitiveTarget, "{}", testDeviceID, testSecret)
			req.Header.Set(cfg.TimestampHeader, tt.timestamp)

			requireReason(t, v.Validate(context.Background(), req), ReasonTimestampOutOfRange)
		})
	}
}

func TestValidateMissingNonce(t *testing.T) {
	cfg := testSigningConfig()
	v := newTestValidator(cfg, staticSecrets{testDeviceID: testSecret}, time.Minute)

	req := signedRequest(t, cfg, http.MethodPost, sensitiveTarget, "{}", testDeviceID, testSecret)
	req.Header.Del(cfg.NonceHeader)

	requireReason(t, v.Validate(context.Background(), req), ReasonMissingNonce)
}

func TestValidateRejectsReplayedNonce(t *testing.T) {
	cfg := testSigningConfig()
	v := newTestValidator(cfg, staticSecrets{testDeviceID: testSecret}, time.Minute)

	req := signedRequest(t, cfg, http.MethodPost, sensitiveTarget, "{}", testDeviceID, testSecret)
	require.NoError(t, v.Validate(context.Background(), req))

	requireReason(t, v.Validate(context.Background(), req), ReasonDuplicateNonce)
}

func TestValidateNonceReusableAfterWindow(t *testing.T) {
	cfg := testSigningConfig()
	v := newTestValidator(cfg, staticSecrets{testDeviceID: testSecret}, 30*time.Millisecond)

	nonce := nextNonce()
	req := signedRequestNonce(t, cfg, http.MethodPost, sensitiveTarget, "{}", testDeviceID, testSecret, nonce)
	require.NoError(t, v.Validate(context.Background(), req))

	time.Sleep(60 * time.Millisecond)

	replay := signedRequestNonce(t, cfg, http.MethodPost, sensitiveTarget, "{}", testDeviceID, testSecret, nonce)
	assert.NoError(t, v.Validate(context.Background(), replay),
		"nonce entries expire with the guard window")
}

func TestValidateNonceOptional(t *testing.T) {
	cfg := testSigningConfig()
	cfg.RequireNonce = false
	v := newTestValidator(cfg, staticSecrets{testDeviceID: testSecret}, time.Minute)

	req := signedRequestNonce(t, cfg, http.MethodPost, sensitiveTarget, "{}", testDeviceID, testSecret, "")
	assert.NoError(t, v.Validate(context.Background(), req))
}

func TestValidateMissingSignature(t *testing.T) {
	cfg := testSigningConfig()
	v := newTestValidator(cfg, staticSecrets{testDeviceID: testSecret}, time.Minute)

	req := signedRequest(t, cfg, http.MethodPost, sensitiveTarget, "{}", testDeviceID, testSecret)
	req.Header.Del(cfg.SignatureHeader)

	requireReason(t, v.Validate(context.Background(), req), ReasonMissingSignature)
}

func TestValidateMissingDeviceID(t *testing.T) {
	cfg := testSigningConfig()
	v := newTestValidator(cfg, staticSecrets{testDeviceID: testSecret}, time.Minute)

	req := signedRequest(t, cfg, http.MethodPost, sensitiveTarget, "{}", testDeviceID, testSecret)
	req.Header.Del(cfg.DeviceIDHeader)

	requireReason(t, v.Validate(context.Background(), req), ReasonMissingDeviceID)
}

func TestValidateUnknownDevice(t *testing.T) {
	cfg := testSigningConfig()
	v := newTestValidator(cfg, staticSecrets{}, time.Minute)

	req := signedRequest(t, cfg, http.MethodPost, sensitiveTarget, "{}", "ghost-device", testSecret)

	requireReason(t, v.Validate(context.Background(), req), ReasonUnknownDevice)
}

func TestValidateSignatureMismatch(t *testing.T) {
	cfg := testSigningConfig()
	v := newTestValidator(cfg, staticSecrets{testDeviceID: testSecret}, time.Minute)

	req := signedRequest(t, cfg, http.MethodPost, sensitiveTarget, "{}", testDeviceID, "wrong-secret")

	requireReason(t, v.Validate(context.Background(), req), ReasonSignatureMismatch)
}

func TestValidateTamperedBody(t *testing.T) {
	cfg := testSigningConfig()
	v := newTestValidator(cfg, staticSecrets{testDeviceID: testSecret}, time.Minute)

	req := signedRequest(t, cfg, http.MethodPost, sensitiveTarget, `{"role":"user"}`, testDeviceID, testSecret)
	req.Body = io.NopCloser(strings.NewReader(`{"role":"admin"}`))

	requireReason(t, v.Validate(context.Background(), req), ReasonSignatureMismatch)
}

type failingSecrets struct{}

func (failingSecrets) SecretForDevice(context.Context, string) (string, bool, error) {
	return "", false, errors.New("store down")
}

func TestValidateInfrastructureFailureIsPlainError(t *testing.T) {
	cfg := testSigningConfig()
	v := newTestValidator(cfg, failingSecrets{}, time.Minute)

	req := signedRequest(t, cfg, http.MethodPost, sensitiveTarget, "{}", testDeviceID, testSecret)
	err := v.Validate(context.Background(), req)
	require.Error(t, err)

	var vErr *ValidationError
	assert.False(t, errors.As(err, &vErr),
		"store failures must not masquerade as signature rejections")
}
