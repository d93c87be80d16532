package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/fieldgate/fieldgate/internal/model"
	"github.com/fieldgate/fieldgate/internal/service"
	"github.com/fieldgate/fieldgate/internal/signing"
)

// DeviceRegistry is the slice of the device service the gateway needs.
type DeviceRegistry interface {
	IsRegistered(ctx context.Context, userID, deviceID string) (bool, error)
	IsTrusted(ctx context.Context, userID, deviceID string) (bool, error)
}

// SignatureValidator checks signed requests. The validator decides for
// itself whether the route needs a signature at all.
type SignatureValidator interface {
	Validate(ctx context.Context, r *http.Request) error
}

// RequestLimiter classifies and meters requests for the gateway's rate
// limiting step.
type RequestLimiter interface {
	Classify(method, path string) RateClass
	Allow(ctx context.Context, class RateClass, key string) (*RateLimitResult, error)
}

// SecurityEvents is the event side-channel every gateway decision is
// reported to.
type SecurityEvents interface {
	Log(ctx context.Context, rec service.EventRecord)
}

// Gateway runs the full security pipeline on device-bound mobile
// routes, in fixed order: API key, bearer principal, device binding,
// request signature, rate limit. Each rejection emits a security event
// before the response is written; requests that clear every step emit
// a validation success event. Must run after Authenticate.
func (m *Middleware) Gateway(devices DeviceRegistry, validator SignatureValidator, limiter RequestLimiter, events SecurityEvents) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			principal := PrincipalFrom(ctx)
			deviceID := strings.TrimSpace(r.Header.Get(m.cfg.RequestSigning.DeviceIDHeader))

			// Step 1: shared application secret.
			if m.cfg.APIKey.Required {
				presented := r.Header.Get(m.cfg.APIKey.HeaderName)
				if subtle.ConstantTimeCompare([]byte(presented), []byte(m.cfg.APIKey.Key)) != 1 {
					events.Log(ctx, m.gatewayEvent(r, principal, deviceID, model.EventAPIKeyFailed, nil))
					writeError(w, http.StatusUnauthorized, "invalid_api_key", "A valid API key is required")
					return
				}
			}

			// Step 2: bearer principal. Authenticate already resolved
			// it; here a missing principal becomes a recorded failure.
			if principal == nil {
				events.Log(ctx, m.gatewayEvent(r, nil, deviceID, model.EventAuthFailure, map[string]interface{}{
					"reason": "missing_or_invalid_bearer",
				}))
				writeError(w, http.StatusUnauthorized, "unauthenticated", "Authentication required")
				return
			}

			// Step 3: device binding. Unregistered devices are turned
			// away; registered but untrusted ones pass with a warning
			// event so risk scoring sees the pattern.
			if m.cfg.DeviceBinding.Enabled {
				if deviceID == "" {
					events.Log(ctx, m.gatewayEvent(r, principal, "", model.EventDeviceFailed, map[string]interface{}{
						"reason": "missing_device_id",
					}))
					writeError(w, http.StatusForbidden, "invalid_device", "A registered device is required")
					return
				}

				trusted, err := devices.IsTrusted(ctx, principal.User.ID, deviceID)
				if err != nil {
					m.internalError(w, r, err, "device trust lookup failed")
					return
				}
				if !trusted {
					registered, err := devices.IsRegistered(ctx, principal.User.ID, deviceID)
					if err != nil {
						m.internalError(w, r, err, "device registration lookup failed")
						return
					}
					if !registered {
						events.Log(ctx, m.gatewayEvent(r, principal, deviceID, model.EventDeviceFailed, map[string]interface{}{
							"reason": "unregistered_device",
						}))
						writeError(w, http.StatusForbidden, "invalid_device", "A registered device is required")
						return
					}
					events.Log(ctx, m.gatewayEvent(r, principal, deviceID, model.EventUntrustedDeviceAccess, nil))
				}
			}

			if deviceID != "" {
				ctx = context.WithValue(ctx, DeviceIDKey, deviceID)
				r = r.WithContext(ctx)
			}

			// Step 4: request signature on sensitive routes.
			if err := validator.Validate(ctx, r); err != nil {
				var vErr *signing.ValidationError
				if errors.As(err, &vErr) {
					events.Log(ctx, m.gatewayEvent(r, principal, deviceID, model.EventSignatureFailed, map[string]interface{}{
						"reason": vErr.Reason,
					}))
					writeError(w, http.StatusForbidden, "invalid_signature", "Request signature validation failed")
					return
				}
				m.internalError(w, r, err, "signature validation failed")
				return
			}

			// Step 5: per-class rate limit keyed by user. Counting
			// failures fail open.
			class := limiter.Classify(r.Method, r.URL.Path)
			res, err := limiter.Allow(ctx, class, principal.User.ID)
			if err != nil {
				m.log.Warn().Err(err).Msg("rate limit check failed, allowing request")
			} else {
				applyRateHeaders(w, res)
				if !res.Allowed {
					events.Log(ctx, m.gatewayEvent(r, principal, deviceID, model.EventRateLimitExceeded, map[string]interface{}{
						"class": string(class),
					}))
					writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests. Please try again later.")
					return
				}
			}

			events.Log(ctx, m.gatewayEvent(r, principal, deviceID, model.EventValidationSuccess, nil))
			next.ServeHTTP(w, r)
		})
	}
}

// gatewayEvent builds the event record for one gateway decision. The
// request ID doubles as the session correlation handle.
func (m *Middleware) gatewayEvent(r *http.Request, principal *Principal, deviceID, eventType string, extra map[string]interface{}) service.EventRecord {
	rec := service.EventRecord{
		Type:      eventType,
		DeviceID:  deviceID,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		SessionID: GetRequestID(r.Context()),
		Context:   extra,
	}
	if principal != nil {
		rec.UserID = principal.User.ID
		rec.TenantID = principal.User.TenantID
	}
	return rec
}

func (m *Middleware) internalError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	m.log.Error().Err(err).Str("path", r.URL.Path).Msg(msg)
	writeError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
}
