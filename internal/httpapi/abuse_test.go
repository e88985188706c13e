package httpapi

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stormcrm.dev/internal/config"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC()}
}

func TestAuthLimiterCountsOnlyFailures(t *testing.T) {
	clk := newTestClock()
	env := newTestEnv(t, withClock(clk.Now))

	for i := 0; i < 8; i++ {
		env.login(adminEmail, adminPassword)
	}

	bad := map[string]any{"email": adminEmail, "password": "wrong-password"}
	for i := 1; i <= 5; i++ {
		resp := env.do(http.MethodPost, "/v1/auth/login", bad, "")
		require.Equal(t, http.StatusUnauthorized, resp.Code, "attempt %d", i)
		require.Equal(t, codeInvalidCredentials, resp.json(t)["error"])
	}

	resp := env.do(http.MethodPost, "/v1/auth/login", bad, "")
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	body := resp.json(t)
	require.Equal(t, codeRateLimited, body["error"])
	require.Equal(t, clk.Now().Add(15*time.Minute).Format(time.RFC3339), body["retryAfter"])
	require.Equal(t, "900", resp.Header().Get("Retry-After"))

	resp = env.do(http.MethodPost, "/v1/auth/login", bad, "", "198.51.100.9:1234")
	require.Equal(t, http.StatusUnauthorized, resp.Code, "other clients keep their own window")

	clk.Advance(15*time.Minute + time.Second)
	env.login(adminEmail, adminPassword)
}

func TestIPBlockAfterRepeatedFailures(t *testing.T) {
	clk := newTestClock()
	env := newTestEnv(t, func(cfg *config.Config, d *Deps) {
		cfg.RateLimits.Auth = config.Window{Window: 15 * time.Minute, MaxRequests: 100}
		withClock(clk.Now)(cfg, d)
	})

	const remote = "203.0.113.50:5555"
	bad := map[string]any{"email": adminEmail, "password": "wrong-password"}
	for i := 1; i <= 10; i++ {
		resp := env.do(http.MethodPost, "/v1/auth/login", bad, "", remote)
		require.Equal(t, http.StatusUnauthorized, resp.Code, "failure %d is not blocked yet", i)
	}

	resp := env.do(http.MethodGet, "/healthz", nil, "", remote)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	body := resp.json(t)
	require.Equal(t, codeIPBlocked, body["error"])
	require.Equal(t, clk.Now().Add(time.Hour).Format(time.RFC3339), body["retryAfter"])
	require.Equal(t, "3600", resp.Header().Get("Retry-After"))

	resp = env.do(http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, resp.Code, "other addresses are unaffected")

	clk.Advance(time.Hour)
	resp = env.do(http.MethodPost, "/v1/auth/login", map[string]any{"email": adminEmail, "password": adminPassword}, "", remote)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, 0, env.api.blocklist.Failures("203.0.113.50"))
}

func TestSuccessfulLoginClearsFailures(t *testing.T) {
	env := newTestEnv(t)
	bad := map[string]any{"email": adminEmail, "password": "wrong-password"}
	for i := 0; i < 3; i++ {
		env.do(http.MethodPost, "/v1/auth/login", bad, "")
	}
	require.Equal(t, 3, env.api.blocklist.Failures("192.0.2.10"))
	env.login(adminEmail, adminPassword)
	require.Equal(t, 0, env.api.blocklist.Failures("192.0.2.10"))
}

func TestGeneralLimiterExemptsHealthCheck(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config, _ *Deps) {
		cfg.RateLimits.General = config.Window{Window: time.Minute, MaxRequests: 2}
	})

	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", nil, "").Code)
	}
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/v1/info", nil, "").Code)
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/v1/info", nil, "").Code)

	resp := env.do(http.MethodGet, "/v1/info", nil, "")
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	require.Equal(t, codeRateLimited, resp.json(t)["error"])
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", nil, "").Code)
}

func TestTrustProxySelectsClientKey(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:443"
	req.Header.Set("X-Forwarded-For", "198.51.100.1, 203.0.113.50")

	require.Equal(t, "10.0.0.1", clientIP(req, false))
	require.Equal(t, "203.0.113.50", clientIP(req, true))

	req.Header.Add("X-Forwarded-For", "203.0.113.77")
	require.Equal(t, "203.0.113.77", clientIP(req, true))

	req.Header.Set("X-Forwarded-For", "198.51.100.1, not-an-ip")
	require.Equal(t, "10.0.0.1", clientIP(req, true))

	req.Header.Del("X-Forwarded-For")
	req.Header.Set("X-Real-IP", "198.51.100.2")
	require.Equal(t, "198.51.100.2", clientIP(req, true))
}

func TestSpoofedForwardedForCannotEscapeBlock(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config, _ *Deps) {
		c.TrustProxy = true
		c.IPBlockAttempts = 3
		c.RateLimits.Auth = config.Window{Window: 15 * time.Minute, MaxRequests: 100}
	})

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/login",
			strings.NewReader(`{"email":"`+adminEmail+`","password":"wrong-password"}`))
		req.RemoteAddr = "10.0.0.1:443"
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("1.1.1.%d, 203.0.113.50", i))
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/info", nil)
	req.RemoteAddr = "10.0.0.1:443"
	req.Header.Set("X-Forwarded-For", "9.9.9.9, 203.0.113.50")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Contains(t, rec.Body.String(), codeIPBlocked)
}
