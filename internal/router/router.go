package router

import (
	"net/http"

	"github.com/fieldgate/fieldgate/internal/handler"
	"github.com/fieldgate/fieldgate/internal/middleware"
	"github.com/fieldgate/fieldgate/internal/service"
	"github.com/fieldgate/fieldgate/internal/signing"
)

// Deps carries everything the router wires into the middleware chains.
type Deps struct {
	Handler   *handler.Handler
	MW        *middleware.Middleware
	Limiter   *middleware.RateLimiter
	Validator *signing.Validator
	AuthSvc   *service.AuthService
	DeviceSvc *service.DeviceService
	TokenSvc  *service.TokenService
	EventSvc  *service.SecurityEventService
}

// New creates and configures the HTTP router
func New(d Deps) http.Handler {
	h, mw := d.Handler, d.MW
	mux := http.NewServeMux()

	// Health check endpoints (no auth required)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)

	// API v1 root
	mux.HandleFunc("GET /api/v1/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"FieldGate API v1","version":"` + handler.Version + `"}`))
	})

	// Public auth routes. No gateway here: the device has no tokens or
	// secret yet. Metered against the auth budget keyed by client IP.
	authLimit := mw.RateLimit(d.Limiter, middleware.RateClassAuth)
	mux.Handle("POST /api/v1/mobile/auth/login", authLimit(http.HandlerFunc(h.Login)))
	mux.Handle("POST /api/v1/mobile/auth/rotate", authLimit(http.HandlerFunc(h.RotateTokens)))

	// Device-bound mobile routes: Authenticate resolves the principal,
	// then the gateway runs the full pipeline.
	authn := mw.Authenticate(d.TokenSvc, d.AuthSvc)
	gateway := mw.Gateway(d.DeviceSvc, d.Validator, d.Limiter, d.EventSvc)
	protected := func(fn http.HandlerFunc) http.Handler {
		return authn(gateway(fn))
	}

	mux.Handle("GET /api/v1/mobile/profile", protected(h.Profile))
	mux.Handle("GET /api/v1/mobile/auth/token", protected(h.TokenInfo))
	mux.Handle("POST /api/v1/mobile/auth/logout", protected(h.Logout))
	mux.Handle("POST /api/v1/mobile/auth/logout-all", protected(h.LogoutAll))
	mux.Handle("POST /api/v1/mobile/users", protected(h.CreateUser))

	mux.Handle("GET /api/v1/mobile/devices", protected(h.ListDevices))
	mux.Handle("POST /api/v1/mobile/devices", protected(h.RegisterDevice))
	mux.Handle("POST /api/v1/mobile/devices/trust", protected(h.TrustDevice))
	mux.Handle("POST /api/v1/mobile/devices/revoke-trust", protected(h.RevokeTrustDevice))
	mux.Handle("POST /api/v1/mobile/devices/secret", protected(h.RotateDeviceSecret))
	mux.Handle("DELETE /api/v1/mobile/devices/{deviceId}", protected(h.DeleteDevice))

	// Admin routes: bearer auth plus role check, no device binding.
	adminLimit := mw.RateLimit(d.Limiter, middleware.RateClassAPIGeneral)
	admin := func(fn http.HandlerFunc) http.Handler {
		return authn(mw.RequireAuth(mw.RequireAdmin(adminLimit(fn))))
	}

	mux.Handle("POST /api/v1/admin/users/{userId}/revoke-tokens", admin(h.AdminRevokeUserTokens))
	mux.Handle("POST /api/v1/admin/maintenance/tokens", admin(h.AdminCleanupTokens))
	mux.Handle("POST /api/v1/admin/maintenance/trust", admin(h.AdminCleanupTrust))
	mux.Handle("GET /api/v1/admin/events", admin(h.AdminListEvents))
	mux.Handle("GET /api/v1/admin/events/stats", admin(h.AdminEventStats))

	// Apply middleware stack
	var root http.Handler = mux

	// CORS (for the browser based admin tooling)
	root = mw.CORS([]string{"http://localhost:3000", "http://localhost:5173"})(root)

	// Security headers
	root = mw.SecurityHeaders(root)

	// Request logging
	root = mw.Logger(root)

	// Request ID
	root = mw.RequestID(root)

	// Panic recovery (outermost)
	root = mw.Recover(root)

	return root
}
