package httpapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"stormcrm.dev/internal/abuse"
	"stormcrm.dev/internal/audit"
	"stormcrm.dev/internal/obs"
)

func (a *API) clientKey(r *http.Request) string {
	return clientIP(r, a.cfg.TrustProxy)
}

// blockGuard rejects requests from blocked client keys before anything else runs.
func (a *API) blockGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if blocked, until := a.blocklist.Check(a.clientKey(r)); blocked {
			obs.IPBlocked()
			wait := until.Sub(a.now())
			writeRetryLater(w, r, codeIPBlocked, "too many failed attempts from this address", wait, until)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limit counts every request against l. With releaseOnSuccess, requests that
// end below 400 are handed back, so only failures consume the budget.
func (a *API) limit(l *abuse.Limiter, releaseOnSuccess bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := a.clientKey(r)
			d := l.CheckAndIncrement(key)
			if !d.Allowed {
				obs.RateLimited(l.Class())
				writeRetryLater(w, r, codeRateLimited, "too many requests, please try again later", d.RetryAfter, d.ResetAt)
				return
			}
			if !releaseOnSuccess {
				next.ServeHTTP(w, r)
				return
			}
			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(sw, r)
			if sw.code < http.StatusBadRequest {
				l.Release(key)
			}
		})
	}
}

// generalLimit applies the general class to everything except the health path.
func (a *API) generalLimit(next http.Handler) http.Handler {
	limited := a.limit(a.limiters.General, false)(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == a.cfg.HealthCheckPath {
			next.ServeHTTP(w, r)
			return
		}
		limited.ServeHTTP(w, r)
	})
}

// recordFailure feeds an abuse signal for the caller into the blocklist.
func (a *API) recordFailure(r *http.Request) {
	key := a.clientKey(r)
	failures, until := a.blocklist.RecordFailure(key)
	if until.IsZero() {
		return
	}
	obs.IPBlockStarted()
	_ = audit.LogEvent(r.Context(), audit.EventIPBlocked,
		zap.String("client_ip", key),
		zap.Int("failures", failures),
		zap.Time("blocked_until", until),
	)
}

func (a *API) clearFailures(r *http.Request) {
	a.blocklist.ClearFailures(a.clientKey(r))
}

func (a *API) now() time.Time {
	if a.clock != nil {
		return a.clock()
	}
	return time.Now()
}
