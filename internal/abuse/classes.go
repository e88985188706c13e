package abuse

import (
	"context"
	"time"

	"stormcrm.dev/internal/config"
)

// Route classes.
const (
	ClassGeneral  = "general"
	ClassAuth     = "auth"
	ClassLookup   = "lookup"
	ClassCampaign = "campaign"
)

// Limiters bundles one limiter per route class.
type Limiters struct {
	General  *Limiter
	Auth     *Limiter
	Lookup   *Limiter
	Campaign *Limiter
}

// NewLimiters builds the per-class limiters from configuration.
func NewLimiters(rl config.RateLimits, opts ...Option) Limiters {
	return Limiters{
		General:  NewLimiter(ClassGeneral, rl.General.MaxRequests, rl.General.Window, opts...),
		Auth:     NewLimiter(ClassAuth, rl.Auth.MaxRequests, rl.Auth.Window, opts...),
		Lookup:   NewLimiter(ClassLookup, rl.Lookup.MaxRequests, rl.Lookup.Window, opts...),
		Campaign: NewLimiter(ClassCampaign, rl.Campaign.MaxRequests, rl.Campaign.Window, opts...),
	}
}

// All returns the limiters in a stable order.
func (ls Limiters) All() []*Limiter {
	return []*Limiter{ls.General, ls.Auth, ls.Lookup, ls.Campaign}
}

// Run sweeps every limiter until ctx is done.
func (ls Limiters) Run(ctx context.Context, every time.Duration) {
	runSweeper(ctx, every, func() {
		for _, l := range ls.All() {
			l.Sweep()
		}
	})
}
