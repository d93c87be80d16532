package signing

import (
	"path"
	"strings"
)

// Rule matches requests by method and path glob. Pattern wildcards
// cover single path segments (path.Match semantics), so
// "DELETE /api/v1/mobile/devices/*" matches a device ID but not a
// deeper subtree.
type Rule struct {
	Method  string
	Pattern string
}

// RouteTable is an ordered list of rules evaluated first-match
type RouteTable struct {
	rules []Rule
}

// NewRouteTable creates a RouteTable from the given rules
func NewRouteTable(rules []Rule) *RouteTable {
	return &RouteTable{rules: rules}
}

// Matches reports whether any rule covers (method, requestPath)
func (t *RouteTable) Matches(method, requestPath string) bool {
	for _, rule := range t.rules {
		if !strings.EqualFold(rule.Method, method) {
			continue
		}
		if ok, err := path.Match(rule.Pattern, requestPath); err == nil && ok {
			return true
		}
	}
	return false
}

// DefaultSensitiveRoutes returns the operations that require a signed
// request: anything that creates principals, changes trust, or tears
// down credentials.
func DefaultSensitiveRoutes() []Rule {
	return []Rule{
		{Method: "POST", Pattern: "/api/v1/mobile/users"},
		{Method: "POST", Pattern: "/api/v1/mobile/devices/trust"},
		{Method: "POST", Pattern: "/api/v1/mobile/devices/revoke-trust"},
		{Method: "POST", Pattern: "/api/v1/mobile/devices/secret"},
		{Method: "DELETE", Pattern: "/api/v1/mobile/devices/*"},
		{Method: "POST", Pattern: "/api/v1/mobile/auth/logout-all"},
	}
}

// DefaultAuthRoutes returns the unauthenticated credential endpoints
// that get the tightest rate budget
func DefaultAuthRoutes() []Rule {
	return []Rule{
		{Method: "POST", Pattern: "/api/v1/mobile/auth/login"},
		{Method: "POST", Pattern: "/api/v1/mobile/auth/rotate"},
	}
}
