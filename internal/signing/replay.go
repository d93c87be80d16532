package signing

import (
	"context"
	"time"

	"github.com/fieldgate/fieldgate/internal/cache"
)

const noncePrefix = "nonce:"

// ReplayGuard tracks nonces for one tolerance window so a captured
// request cannot be presented twice. Entries expire on their own; the
// guard never deletes them explicitly.
type ReplayGuard struct {
	store  cache.Store
	window time.Duration
}

// NewReplayGuard creates a ReplayGuard over the given cache store
func NewReplayGuard(store cache.Store, window time.Duration) *ReplayGuard {
	return &ReplayGuard{store: store, window: window}
}

// Remember records the nonce and reports whether this was its first
// use inside the window. The underlying insert-if-absent keeps two
// concurrent presentations of the same nonce from both succeeding.
func (g *ReplayGuard) Remember(ctx context.Context, nonce string) (bool, error) {
	return g.store.Add(ctx, noncePrefix+nonce, "1", g.window)
}

// Window returns the guard's tolerance window
func (g *ReplayGuard) Window() time.Duration {
	return g.window
}
