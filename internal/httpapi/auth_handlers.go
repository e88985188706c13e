package httpapi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"stormcrm.dev/internal/audit"
	"stormcrm.dev/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	var req auth.Registration
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	sess, err := a.accounts.Register(r.Context(), req)
	if err != nil {
		handleError(w, r, err)
		return
	}
	ctx := auth.ContextWithIdentity(r.Context(), sess.Identity.Summary())
	_ = audit.LogEvent(ctx, audit.EventRegister, zap.String("email", sess.Identity.Email))
	writeJSON(w, http.StatusCreated, sess)
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	sess, err := a.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			a.recordFailure(r)
			_ = audit.LogEvent(r.Context(), audit.EventLoginFailed,
				zap.String("email", auth.NormalizeEmail(req.Email)),
				zap.String("client_ip", a.clientKey(r)),
			)
		}
		handleError(w, r, err)
		return
	}
	a.clearFailures(r)
	ctx := auth.ContextWithIdentity(r.Context(), sess.Identity.Summary())
	_ = audit.LogEvent(ctx, audit.EventLogin, zap.String("client_ip", a.clientKey(r)))
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.RefreshToken == "" {
		badRequest(w, r, "refresh_token is required")
		return
	}
	sess, err := a.accounts.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrMalformedToken) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrAuthenticationFailed) {
			a.recordFailure(r)
		}
		handleError(w, r, err)
		return
	}
	a.clearFailures(r)
	ctx := auth.ContextWithIdentity(r.Context(), sess.Identity.Summary())
	_ = audit.LogEvent(ctx, audit.EventRefresh)
	writeJSON(w, http.StatusOK, sess)
}

// me returns the live account record, not just the token claims.
func (a *API) me(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.IdentityFromContext(r.Context())
	id, err := a.accounts.Profile(r.Context(), caller.ID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}
