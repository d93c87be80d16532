package signing

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fieldgate/fieldgate/internal/config"
	"github.com/fieldgate/fieldgate/pkg/signing"
)

// Validation failure reasons. All of them surface to the caller as one
// invalid-signature failure; the reason is kept for event context and
// logs, never returned to the client verbatim.
const (
	ReasonMissingTimestamp    = "missing_timestamp"
	ReasonTimestampOutOfRange = "timestamp_out_of_range"
	ReasonMissingNonce        = "missing_nonce"
	ReasonDuplicateNonce      = "duplicate_nonce"
	ReasonMissingSignature    = "missing_signature"
	ReasonMissingDeviceID     = "missing_device_id"
	ReasonUnknownDevice       = "unknown_device"
	ReasonSignatureMismatch   = "signature_mismatch"
)

// ValidationError is a request that failed the signing pipeline.
// Infrastructure failures (store unreachable) are returned as plain
// errors, never as ValidationError.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "request signature validation failed: " + e.Reason
}

func failValidation(reason string) error {
	return &ValidationError{Reason: reason}
}

// SecretSource resolves a device's signing secret. Implemented by the
// device service, which caches lookups.
type SecretSource interface {
	SecretForDevice(ctx context.Context, deviceID string) (string, bool, error)
}

// Validator checks signed requests: timestamp freshness, nonce
// once-use, and the HMAC itself. Only requests matching the sensitive
// route table are validated; everything else passes through untouched.
type Validator struct {
	cfg     config.RequestSigningConfig
	secrets SecretSource
	guard   *ReplayGuard
	routes  *RouteTable
}

// NewValidator creates a request signature validator
func NewValidator(cfg config.RequestSigningConfig, secrets SecretSource, guard *ReplayGuard, routes *RouteTable) *Validator {
	return &Validator{
		cfg:     cfg,
		secrets: secrets,
		guard:   guard,
		routes:  routes,
	}
}

// RequiresSignature reports whether the route is in the sensitive set
func (v *Validator) RequiresSignature(method, requestPath string) bool {
	if !v.cfg.Enabled {
		return false
	}
	return v.routes.Matches(method, requestPath)
}

// Validate runs the signing pipeline against the request. It returns
// nil for unsigned routes, a *ValidationError when the request fails a
// pipeline step, and a plain error on infrastructure failure. The
// request body is consumed and restored so downstream handlers can
// read it again.
func (v *Validator) Validate(ctx context.Context, r *http.Request) error {
	if !v.RequiresSignature(r.Method, r.URL.Path) {
		return nil
	}

	// Step 1: timestamp freshness
	tsHeader := strings.TrimSpace(r.Header.Get(v.cfg.TimestampHeader))
	if tsHeader == "" {
		return failValidation(ReasonMissingTimestamp)
	}
	tsMillis, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return failValidation(ReasonTimestampOutOfRange)
	}
	skew := time.Now().UnixMilli() - tsMillis
	if skew < 0 {
		skew = -skew
	}
	if skew > v.cfg.TimestampTolerance.Milliseconds() {
		return failValidation(ReasonTimestampOutOfRange)
	}

	// Step 2: nonce once-use
	nonce := strings.TrimSpace(r.Header.Get(v.cfg.NonceHeader))
	if v.cfg.RequireNonce {
		if nonce == "" {
			return failValidation(ReasonMissingNonce)
		}
		fresh, err := v.guard.Remember(ctx, nonce)
		if err != nil {
			return fmt.Errorf("replay guard unavailable: %w", err)
		}
		if !fresh {
			return failValidation(ReasonDuplicateNonce)
		}
	}

	// Step 3: HMAC over the canonical payload
	sig := strings.TrimSpace(r.Header.Get(v.cfg.SignatureHeader))
	if sig == "" {
		return failValidation(ReasonMissingSignature)
	}
	deviceID := strings.TrimSpace(r.Header.Get(v.cfg.DeviceIDHeader))
	if deviceID == "" {
		return failValidation(ReasonMissingDeviceID)
	}

	secret, ok, err := v.secrets.SecretForDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("device secret lookup failed: %w", err)
	}
	if !ok || secret == "" {
		return failValidation(ReasonUnknownDevice)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	match, err := signing.Verify(signing.Algorithm(v.cfg.Algorithm),
		r.Method, RequestURL(r), body, tsHeader, nonce, secret, sig)
	if err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	if !match {
		return failValidation(ReasonSignatureMismatch)
	}

	return nil
}

// RequestURL reconstructs the full URL the client signed: scheme, host,
// path, and query. Behind a proxy the scheme comes from
// X-Forwarded-Proto; the client must sign the externally visible URL.
func RequestURL(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
