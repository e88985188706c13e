// Package abuse holds the process-wide abuse-mitigation state: one windowed
// request counter per route class and an escalating per-client blocklist.
// Every exported operation is atomic with respect to a single client key.
package abuse

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrRateLimited = errors.New("abuse: rate limited")
	ErrIPBlocked   = errors.New("abuse: ip blocked")
)

// Decision is the outcome of CheckAndIncrement.
type Decision struct {
	Allowed    bool
	Count      int
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type window struct {
	start time.Time
	count int
}

// Limiter counts requests per client key inside a window of fixed length
// that opens with the client's first request.
type Limiter struct {
	class string
	max   int
	win   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// Option configures Limiter and Blocklist.
type Option func(*clock)

type clock struct {
	now func() time.Time
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(c *clock) {
		if fn != nil {
			c.now = fn
		}
	}
}

func resolveClock(opts []Option) func() time.Time {
	c := clock{now: time.Now}
	for _, opt := range opts {
		opt(&c)
	}
	return c.now
}

// NewLimiter creates a limiter for one route class.
func NewLimiter(class string, max int, win time.Duration, opts ...Option) *Limiter {
	if max < 1 {
		max = 1
	}
	if win <= 0 {
		win = time.Minute
	}
	return &Limiter{
		class:   class,
		max:     max,
		win:     win,
		now:     resolveClock(opts),
		windows: make(map[string]*window),
	}
}

// Class returns the route class this limiter guards.
func (l *Limiter) Class() string { return l.class }

// CheckAndIncrement counts one request for key. A missing or elapsed window
// is replaced by a fresh one; the request is rejected once the count passes
// the ceiling.
func (l *Limiter) CheckAndIncrement(key string) Decision {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[key]
	if w == nil || now.Sub(w.start) > l.win {
		w = &window{start: now}
		l.windows[key] = w
	}
	w.count++

	d := Decision{
		Allowed: w.count <= l.max,
		Count:   w.count,
		Limit:   l.max,
		ResetAt: w.start.Add(l.win),
	}
	if d.Allowed {
		d.Remaining = l.max - w.count
	} else {
		d.RetryAfter = d.ResetAt.Sub(now)
	}
	return d
}

// Release undoes one counted request for key within its current window.
// It is used to keep successful sign-ins out of the auth budget.
func (l *Limiter) Release(key string) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.windows[key]
	if w == nil || now.Sub(w.start) > l.win {
		return
	}
	if w.count > 0 {
		w.count--
	}
}

// Sweep drops elapsed windows and reports how many were removed.
func (l *Limiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, w := range l.windows {
		if now.Sub(w.start) > l.win {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, every time.Duration) {
	runSweeper(ctx, every, func() { l.Sweep() })
}

func runSweeper(ctx context.Context, every time.Duration, sweep func()) {
	if every <= 0 {
		every = 5 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sweep()
		case <-ctx.Done():
			return
		}
	}
}
