package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/fieldgate/fieldgate/internal/model"
)

// Context keys for authenticated request data
const (
	PrincipalKey contextKey = "principal"
	DeviceIDKey  contextKey = "device_id"
)

// TokenResolver maps a presented bearer plaintext to its stored record,
// enforcing expiry and the required ability. Implemented by the token
// service.
type TokenResolver interface {
	ResolveAccessToken(ctx context.Context, plaintext, requiredAbility string) (*model.BearerToken, error)
}

// UserDirectory resolves the user a token belongs to. Implemented by
// the auth service.
type UserDirectory interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// Principal is the authenticated caller: the resolved user plus the
// bearer token that authenticated them.
type Principal struct {
	User  *model.User
	Token *model.BearerToken
}

// PrincipalFrom returns the authenticated principal, or nil when the
// request carried no usable bearer token.
func PrincipalFrom(ctx context.Context) *Principal {
	if p, ok := ctx.Value(PrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}

// DeviceID returns the device identifier the gateway bound the request
// to, or "" for unbound requests.
func DeviceID(ctx context.Context) string {
	if id, ok := ctx.Value(DeviceIDKey).(string); ok {
		return id
	}
	return ""
}

// Authenticate resolves the Authorization bearer token and attaches the
// principal to the request context. It never rejects on its own: the
// gateway and RequireAuth decide what a missing principal means for
// their routes, and the gateway wants to record the failure as a
// security event before responding.
func (m *Middleware) Authenticate(tokens TokenResolver, users UserDirectory) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			plaintext := bearerToken(r)
			if plaintext == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			token, err := tokens.ResolveAccessToken(ctx, plaintext, model.AbilityMobileAccess)
			if err != nil {
				m.log.Debug().Err(err).Msg("bearer token rejected")
				next.ServeHTTP(w, r)
				return
			}

			user, err := users.FindByID(ctx, token.UserID)
			if err != nil || user == nil {
				m.log.Debug().Err(err).Str("user_id", token.UserID).Msg("token user not found")
				next.ServeHTTP(w, r)
				return
			}

			ctx = context.WithValue(ctx, PrincipalKey, &Principal{User: user, Token: token})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuth rejects requests that have no authenticated principal.
// Used on the admin surface, which is not device-bound and therefore
// does not pass through the gateway.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if PrincipalFrom(r.Context()) == nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "Authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects authenticated requests whose user does not hold
// the admin role. Must run after RequireAuth.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFrom(r.Context())
		if p == nil || !p.User.IsAdmin() {
			writeError(w, http.StatusForbidden, "forbidden", "Administrator role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
