// Package httpapi is the HTTP surface of the CRM core: the abuse, authn and
// authorization pipeline in front of the lead, campaign and user handlers.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"stormcrm.dev/internal/abuse"
	"stormcrm.dev/internal/auth"
	"stormcrm.dev/internal/config"
	"stormcrm.dev/internal/obs"
	"stormcrm.dev/internal/store"
)

const serviceName = "stormcrm-api"

// Deps are the collaborators the API is built from. Limiters and Blocklist
// are derived from Config when left empty.
type Deps struct {
	Config    config.Config
	Store     store.Store
	Accounts  *auth.Service
	Limiters  abuse.Limiters
	Blocklist *abuse.Blocklist
	Version   string
	Clock     func() time.Time
}

// API is the HTTP layer.
type API struct {
	cfg       config.Config
	store     store.Store
	accounts  *auth.Service
	tokens    *auth.Tokens
	limiters  abuse.Limiters
	blocklist *abuse.Blocklist
	version   string
	clock     func() time.Time

	router *mux.Router
}

// New wires the router.
func New(d Deps) (*API, error) {
	if d.Store == nil {
		return nil, errors.New("httpapi: store is required")
	}
	if d.Accounts == nil {
		return nil, errors.New("httpapi: account service is required")
	}
	a := &API{
		cfg:       d.Config,
		store:     d.Store,
		accounts:  d.Accounts,
		tokens:    d.Accounts.Tokens(),
		limiters:  d.Limiters,
		blocklist: d.Blocklist,
		version:   d.Version,
		clock:     d.Clock,
	}
	if a.limiters.General == nil {
		a.limiters = abuse.NewLimiters(d.Config.RateLimits)
	}
	if a.blocklist == nil {
		a.blocklist = abuse.NewBlocklist(d.Config.IPBlockAttempts, d.Config.IPBlockDuration)
	}
	if a.cfg.HealthCheckPath == "" {
		a.cfg.HealthCheckPath = "/healthz"
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	// health/ready/info
	r.HandleFunc(a.cfg.HealthCheckPath, a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)
	r.Handle("/v1/info", a.optionalAuth(http.HandlerFunc(a.Info))).Methods(http.MethodGet)

	authLimit := a.limit(a.limiters.Auth, true)
	r.Handle("/v1/auth/register", authLimit(http.HandlerFunc(a.register))).Methods(http.MethodPost)
	r.Handle("/v1/auth/login", authLimit(http.HandlerFunc(a.login))).Methods(http.MethodPost)
	r.Handle("/v1/auth/refresh", authLimit(http.HandlerFunc(a.refresh))).Methods(http.MethodPost)
	r.Handle("/v1/auth/me", a.authenticate(http.HandlerFunc(a.me))).Methods(http.MethodGet)

	staff := RequireRole(auth.RoleAdmin, auth.RoleManager)
	writers := RequireRole(auth.RoleAdmin, auth.RoleManager, auth.RoleSalesRep)
	ownsLead := OwnerOrAdmin(a.leadOwner)

	r.Handle("/v1/leads", a.authenticate(http.HandlerFunc(a.listLeads))).Methods(http.MethodGet)
	r.Handle("/v1/leads", chain(http.HandlerFunc(a.createLead), a.authenticate, writers)).Methods(http.MethodPost)
	r.Handle("/v1/leads/{id}", chain(http.HandlerFunc(a.getLead), a.authenticate, ownsLead)).Methods(http.MethodGet)
	r.Handle("/v1/leads/{id}", chain(http.HandlerFunc(a.updateLead), a.authenticate, ownsLead)).Methods(http.MethodPatch)
	r.Handle("/v1/leads/{id}", chain(http.HandlerFunc(a.deleteLead), a.authenticate, ownsLead)).Methods(http.MethodDelete)
	r.Handle("/v1/leads/{id}/skip-trace", chain(http.HandlerFunc(a.skipTrace),
		a.limit(a.limiters.Lookup, false), a.authenticate, ownsLead)).Methods(http.MethodPost)

	r.Handle("/v1/campaigns", a.authenticate(http.HandlerFunc(a.listCampaigns))).Methods(http.MethodGet)
	r.Handle("/v1/campaigns", chain(http.HandlerFunc(a.createCampaign), a.authenticate, staff)).Methods(http.MethodPost)
	r.Handle("/v1/campaigns/{id}/launch", chain(http.HandlerFunc(a.launchCampaign),
		a.limit(a.limiters.Campaign, false), a.authenticate, staff)).Methods(http.MethodPost)

	r.Handle("/v1/users", chain(http.HandlerFunc(a.listUsers), a.authenticate, staff)).Methods(http.MethodGet)
	r.Handle("/v1/users/{id}", chain(http.HandlerFunc(a.updateUser), a.authenticate, RequireRole(auth.RoleAdmin))).Methods(http.MethodPatch)

	a.router = r
}

// Handler returns the full middleware pipeline around the router.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = a.generalLimit(h)
	h = RateLimit(h, a.cfg.BurstSize, a.cfg.BurstPerSecond, a.clientKey)
	h = a.blockGuard(h)
	h = MaxBodyBytes(h, a.cfg.MaxBodyBytes)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Recover(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		logFailure(r, err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "not_ready",
			"backend": a.store.Backend(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ready",
		"backend": a.store.Backend(),
	})
}

// Info answers anonymously and adds the caller when a valid token was sent.
func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"name":    serviceName,
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.version,
	}
	if caller, ok := auth.IdentityFromContext(r.Context()); ok {
		body["user"] = caller
	}
	writeJSON(w, http.StatusOK, body)
}
