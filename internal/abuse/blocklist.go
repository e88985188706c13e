package abuse

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultMaxAttempts   = 10
	DefaultBlockDuration = time.Hour
)

type blockRecord struct {
	failures     int
	blockedUntil time.Time
}

// Blocklist tracks abuse signals per client key and blocks a key for a fixed
// duration once it accumulates enough failures. Its state is independent of
// every Limiter.
type Blocklist struct {
	maxAttempts int
	duration    time.Duration
	now         func() time.Time

	mu      sync.Mutex
	records map[string]*blockRecord
}

// NewBlocklist creates a blocklist. Non-positive arguments select the defaults.
func NewBlocklist(maxAttempts int, duration time.Duration, opts ...Option) *Blocklist {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if duration <= 0 {
		duration = DefaultBlockDuration
	}
	return &Blocklist{
		maxAttempts: maxAttempts,
		duration:    duration,
		now:         resolveClock(opts),
		records:     make(map[string]*blockRecord),
	}
}

// Check reports whether key is currently blocked and until when. An expired
// block is purged here, so the client starts over at zero failures.
func (b *Blocklist) Check(key string) (bool, time.Time) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.records[key]
	if rec == nil || rec.blockedUntil.IsZero() {
		return false, time.Time{}
	}
	if !now.Before(rec.blockedUntil) {
		delete(b.records, key)
		return false, time.Time{}
	}
	return true, rec.blockedUntil
}

// RecordFailure counts one abuse signal for key. The returned time is
// non-zero when this failure started a block.
func (b *Blocklist) RecordFailure(key string) (int, time.Time) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.records[key]
	if rec == nil {
		rec = &blockRecord{}
		b.records[key] = rec
	}
	if !rec.blockedUntil.IsZero() {
		return rec.failures, time.Time{}
	}
	rec.failures++
	if rec.failures >= b.maxAttempts {
		rec.blockedUntil = now.Add(b.duration)
		return rec.failures, rec.blockedUntil
	}
	return rec.failures, time.Time{}
}

// ClearFailures forgets the failures of an unblocked key. Active blocks stay.
func (b *Blocklist) ClearFailures(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec := b.records[key]; rec != nil && rec.blockedUntil.IsZero() {
		delete(b.records, key)
	}
}

// Failures returns the current failure count for key.
func (b *Blocklist) Failures(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec := b.records[key]; rec != nil {
		return rec.failures
	}
	return 0
}

// Sweep purges elapsed blocks.
func (b *Blocklist) Sweep() int {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for key, rec := range b.records {
		if !rec.blockedUntil.IsZero() && !now.Before(rec.blockedUntil) {
			delete(b.records, key)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (b *Blocklist) Run(ctx context.Context, every time.Duration) {
	runSweeper(ctx, every, func() { b.Sweep() })
}
