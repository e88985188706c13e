package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stormcrm.dev/internal/abuse"
	"stormcrm.dev/internal/auth"
	"stormcrm.dev/internal/config"
	"stormcrm.dev/internal/store"
)

const (
	adminEmail    = "admin@example.com"
	adminPassword = "admin-password"
)

type testEnv struct {
	api      *API
	handler  http.Handler
	store    *store.Memory
	accounts *auth.Service
	t        *testing.T
}

type testOption func(*config.Config, *Deps)

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.AccessSecret = "access-secret-for-tests"
	cfg.RefreshSecret = "refresh-secret-for-tests"
	cfg.BurstPerSecond = 0
	return cfg
}

func newTestEnv(t *testing.T, opts ...testOption) *testEnv {
	t.Helper()
	cfg := testConfig()
	deps := Deps{Version: "test"}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	mem := store.NewMemory()
	tokens, err := auth.NewTokens(cfg.AccessSecret, cfg.RefreshSecret)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	accounts, err := auth.NewService(mem, tokens)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if _, err := accounts.EnsureAdmin(context.Background(), adminEmail, adminPassword); err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}

	deps.Config = cfg
	deps.Store = mem
	deps.Accounts = accounts
	api, err := New(deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testEnv{api: api, handler: api.Handler(), store: mem, accounts: accounts, t: t}
}

// withClock drives every limiter, the blocklist and the API from one clock.
func withClock(now func() time.Time) testOption {
	return func(cfg *config.Config, d *Deps) {
		d.Clock = now
		d.Limiters = abuse.NewLimiters(cfg.RateLimits, abuse.WithClock(now))
		d.Blocklist = abuse.NewBlocklist(cfg.IPBlockAttempts, cfg.IPBlockDuration, abuse.WithClock(now))
	}
}

type response struct {
	*httptest.ResponseRecorder
}

func (r response) json(t *testing.T) map[string]any {
	t.Helper()
	var v map[string]any
	if err := json.Unmarshal(r.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", r.Body.String(), err)
	}
	return v
}

func (e *testEnv) do(method, path string, body any, token string, remote ...string) response {
	e.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.RemoteAddr = "192.0.2.10:4000"
	if len(remote) > 0 {
		req.RemoteAddr = remote[0]
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return response{rr}
}

func (e *testEnv) register(email, role string) (string, string) {
	e.t.Helper()
	body := map[string]any{"email": email, "password": "correct-horse"}
	if role != "" {
		body["role"] = role
	}
	resp := e.do(http.MethodPost, "/v1/auth/register", body, "")
	if resp.Code != http.StatusCreated {
		e.t.Fatalf("register %s: status %d body %s", email, resp.Code, resp.Body.String())
	}
	return sessionOf(e.t, resp)
}

func (e *testEnv) login(email, password string) (string, string) {
	e.t.Helper()
	resp := e.do(http.MethodPost, "/v1/auth/login", map[string]any{"email": email, "password": password}, "")
	if resp.Code != http.StatusOK {
		e.t.Fatalf("login %s: status %d body %s", email, resp.Code, resp.Body.String())
	}
	return sessionOf(e.t, resp)
}

// sessionOf returns the user id and access token of a session response.
func sessionOf(t *testing.T, resp response) (string, string) {
	t.Helper()
	var sess struct {
		User   auth.Identity  `json:"user"`
		Tokens auth.TokenPair `json:"tokens"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if sess.User.ID == "" || sess.Tokens.AccessToken == "" || sess.Tokens.RefreshToken == "" {
		t.Fatalf("incomplete session: %s", resp.Body.String())
	}
	return sess.User.ID, sess.Tokens.AccessToken
}

func TestRoleRestrictedRouteEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	env.register("rep@example.com", "sales_rep")
	_, repToken := env.login("rep@example.com", "correct-horse")

	resp := env.do(http.MethodGet, "/v1/users", nil, repToken)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", resp.Code, resp.Body.String())
	}
	body := resp.json(t)
	if body["error"] != codeInsufficientPermissions {
		t.Fatalf("unexpected error code: %v", body["error"])
	}
	details, _ := body["details"].([]any)
	if len(details) != 2 || details[0] != "admin" || details[1] != "manager" {
		t.Fatalf("allow-list missing from details: %v", body["details"])
	}
	if body["request_id"] == "" || resp.Header().Get(requestIDHeader) == "" {
		t.Fatalf("request id not echoed")
	}

	_, adminToken := env.login(adminEmail, adminPassword)
	resp = env.do(http.MethodGet, "/v1/users", nil, adminToken)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d: %s", resp.Code, resp.Body.String())
	}
	if got := resp.json(t)["count"]; got != float64(2) {
		t.Fatalf("expected two users, got %v", got)
	}
}

func TestHealthReadyInfo(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodGet, "/healthz", nil, "")
	if resp.Code != http.StatusOK || resp.json(t)["status"] != "ok" {
		t.Fatalf("healthz: %d %s", resp.Code, resp.Body.String())
	}
	resp = env.do(http.MethodGet, "/readyz", nil, "")
	if resp.Code != http.StatusOK || resp.json(t)["backend"] != "memory" {
		t.Fatalf("readyz: %d %s", resp.Code, resp.Body.String())
	}
	if resp.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers missing")
	}

	resp = env.do(http.MethodGet, "/v1/info", nil, "")
	if _, ok := resp.json(t)["user"]; ok || resp.Code != http.StatusOK {
		t.Fatalf("anonymous info: %d %s", resp.Code, resp.Body.String())
	}
	resp = env.do(http.MethodGet, "/v1/info", nil, "garbage")
	if resp.Code != http.StatusOK {
		t.Fatalf("optional auth must swallow bad tokens, got %d", resp.Code)
	}
	_, token := env.login(adminEmail, adminPassword)
	resp = env.do(http.MethodGet, "/v1/info", nil, token)
	user, _ := resp.json(t)["user"].(map[string]any)
	if user["email"] != adminEmail || user["role"] != "admin" {
		t.Fatalf("signed-in info missing caller: %s", resp.Body.String())
	}
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodGet, "/v1/nowhere", nil, "")
	if resp.Code != http.StatusNotFound || resp.json(t)["error"] != codeNotFound {
		t.Fatalf("unexpected: %d %s", resp.Code, resp.Body.String())
	}
	resp = env.do(http.MethodPut, "/v1/leads", nil, "")
	if resp.Code != http.StatusMethodNotAllowed || resp.json(t)["error"] != codeMethodNotAllowed {
		t.Fatalf("unexpected: %d %s", resp.Code, resp.Body.String())
	}
}

func TestMeReturnsLiveRecord(t *testing.T) {
	env := newTestEnv(t)
	id, token := env.register("rep@example.com", "")

	resp := env.do(http.MethodGet, "/v1/auth/me", nil, token)
	if resp.Code != http.StatusOK {
		t.Fatalf("me: %d %s", resp.Code, resp.Body.String())
	}
	body := resp.json(t)
	if body["id"] != id || body["role"] != "sales_rep" {
		t.Fatalf("unexpected profile: %v", body)
	}
	if _, leaked := body["password_hash"]; leaked {
		t.Fatalf("password hash leaked")
	}
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodPost, "/v1/auth/register", map[string]any{"email": "x@example.com", "password": "short"}, "")
	body := resp.json(t)
	if resp.Code != http.StatusBadRequest || body["error"] != codeInvalidRequest {
		t.Fatalf("short password: %d %s", resp.Code, resp.Body.String())
	}
	if body["message"] != "password must be at least 8 characters" {
		t.Fatalf("message should carry only the reason, got %q", body["message"])
	}
	resp = env.do(http.MethodPost, "/v1/auth/register", map[string]any{"email": "x@example.com", "password": "correct-horse", "role": "admin"}, "")
	if resp.Code != http.StatusForbidden {
		t.Fatalf("self-assigned admin: %d %s", resp.Code, resp.Body.String())
	}
	resp = env.do(http.MethodPost, "/v1/auth/register", map[string]any{"email": adminEmail, "password": "correct-horse"}, "")
	if resp.Code != http.StatusConflict {
		t.Fatalf("duplicate email: %d %s", resp.Code, resp.Body.String())
	}
	resp = env.do(http.MethodPost, "/v1/auth/register", map[string]any{"email": "x@example.com", "password": "correct-horse", "extra": 1}, "")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: %d %s", resp.Code, resp.Body.String())
	}
}

func TestRefreshFlow(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(http.MethodPost, "/v1/auth/register", map[string]any{"email": "rep@example.com", "password": "correct-horse"}, "")
	var sess struct {
		Tokens auth.TokenPair `json:"tokens"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode: %v", err)
	}

	resp = env.do(http.MethodPost, "/v1/auth/refresh", map[string]any{"refresh_token": sess.Tokens.RefreshToken}, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("refresh: %d %s", resp.Code, resp.Body.String())
	}
	resp = env.do(http.MethodPost, "/v1/auth/refresh", map[string]any{"refresh_token": sess.Tokens.AccessToken}, "")
	if resp.Code != http.StatusUnauthorized || resp.json(t)["error"] != codeAuthenticationFailed {
		t.Fatalf("access token used as refresh: %d %s", resp.Code, resp.Body.String())
	}
	if env.api.blocklist.Failures("192.0.2.10") != 1 {
		t.Fatalf("failed refresh must count as an abuse signal")
	}
	resp = env.do(http.MethodPost, "/v1/auth/refresh", map[string]any{}, "")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("missing token: %d", resp.Code)
	}
}
