package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"stormcrm.dev/internal/audit"
	"stormcrm.dev/internal/auth"
)

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.accounts.ListIdentities(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": users,
		"count": len(users),
	})
}

// updateUser changes role, names or the active flag. Accounts are never
// deleted, and an admin cannot demote or deactivate themselves.
func (a *API) updateUser(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.IdentityFromContext(r.Context())
	id := mux.Vars(r)["id"]
	var req auth.IdentityUpdate
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if id == caller.ID {
		if req.IsActive != nil && !*req.IsActive {
			badRequest(w, r, "cannot deactivate your own account")
			return
		}
		if req.Role != nil && *req.Role != string(auth.RoleAdmin) {
			badRequest(w, r, "cannot change your own role")
			return
		}
	}
	updated, err := a.accounts.UpdateIdentity(r.Context(), id, req)
	if err != nil {
		handleError(w, r, err)
		return
	}
	fields := []zap.Field{zap.String("target_user_id", id)}
	if req.Role != nil {
		fields = append(fields, zap.String("new_role", string(updated.Role)))
	}
	if req.IsActive != nil {
		fields = append(fields, zap.Bool("is_active", updated.IsActive))
	}
	_ = audit.LogEvent(r.Context(), audit.EventUserUpdated, fields...)
	writeJSON(w, http.StatusOK, updated)
}
