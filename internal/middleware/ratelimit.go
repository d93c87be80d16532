package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fieldgate/fieldgate/internal/config"
	"github.com/fieldgate/fieldgate/internal/database"
	"github.com/fieldgate/fieldgate/internal/logger"
	"github.com/fieldgate/fieldgate/internal/signing"
)

// RateClass buckets a request into one of the three rate budgets.
type RateClass string

const (
	RateClassAuth       RateClass = "auth"
	RateClassSensitive  RateClass = "sensitive"
	RateClassAPIGeneral RateClass = "api_general"
)

// RateLimitResult is the outcome of one Allow call.
type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// RateLimiter meters requests against per-class fixed windows backed by
// Redis counters. Redis being down never blocks traffic: counting
// errors fail open and are only logged.
type RateLimiter struct {
	rdb       *database.Redis
	cfg       config.RateLimitsConfig
	auth      *signing.RouteTable
	sensitive *signing.RouteTable
	log       *logger.Logger
}

// NewRateLimiter builds a limiter classifying against the default auth
// and sensitive route tables.
func NewRateLimiter(rdb *database.Redis, cfg config.RateLimitsConfig, log *logger.Logger) *RateLimiter {
	return &RateLimiter{
		rdb:       rdb,
		cfg:       cfg,
		auth:      signing.NewRouteTable(signing.DefaultAuthRoutes()),
		sensitive: signing.NewRouteTable(signing.DefaultSensitiveRoutes()),
		log:       log.WithComponent("rate_limiter"),
	}
}

// Classify maps a request to its rate class: auth endpoints first,
// then sensitive ones, everything else is general API traffic.
func (l *RateLimiter) Classify(method, path string) RateClass {
	if l.auth.Matches(method, path) {
		return RateClassAuth
	}
	if l.sensitive.Matches(method, path) {
		return RateClassSensitive
	}
	return RateClassAPIGeneral
}

// Allow counts one request for key against the class budget. A rule
// with a non-positive limit means the class is unmetered.
func (l *RateLimiter) Allow(ctx context.Context, class RateClass, key string) (*RateLimitResult, error) {
	rule := l.rule(class)
	if rule.Limit <= 0 {
		return &RateLimitResult{Allowed: true, Limit: rule.Limit}, nil
	}

	counterKey := fmt.Sprintf("ratelimit:%s:%s", class, key)
	count, err := l.rdb.Incr(ctx, counterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	if count == 1 {
		if err := l.rdb.Expire(ctx, counterKey, rule.Window); err != nil {
			l.log.Warn().Err(err).Str("key", counterKey).Msg("failed to set rate limit window")
		}
	}

	ttl, err := l.rdb.TTL(ctx, counterKey)
	if err != nil || ttl < 0 {
		ttl = rule.Window
	}

	res := &RateLimitResult{
		Allowed:   count <= int64(rule.Limit),
		Limit:     rule.Limit,
		Remaining: rule.Limit - int(count),
		ResetAt:   time.Now().Add(ttl),
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !res.Allowed {
		res.RetryAfter = ttl
	}
	return res, nil
}

func (l *RateLimiter) rule(class RateClass) config.RateLimitRule {
	switch class {
	case RateClassAuth:
		return l.cfg.Auth
	case RateClassSensitive:
		return l.cfg.Sensitive
	default:
		return l.cfg.APIGeneral
	}
}

// RateLimit meters a route against a fixed class, keyed by the
// authenticated user when present and the client IP otherwise. Used on
// the public auth endpoints and the admin surface; gateway-protected
// routes are metered by the gateway itself.
func (m *Middleware) RateLimit(limiter *RateLimiter, class RateClass) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			res, err := limiter.Allow(ctx, class, requestKey(r))
			if err != nil {
				m.log.Warn().Err(err).Msg("rate limit check failed, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			applyRateHeaders(w, res)
			if !res.Allowed {
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests. Please try again later.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// requestKey picks the counter identity: user when authenticated,
// client IP otherwise.
func requestKey(r *http.Request) string {
	if p := PrincipalFrom(r.Context()); p != nil {
		return p.User.ID
	}
	return clientIP(r)
}

func applyRateHeaders(w http.ResponseWriter, res *RateLimitResult) {
	if res.Limit <= 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	if !res.Allowed {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(res.RetryAfter.Seconds()), 10))
	}
}
