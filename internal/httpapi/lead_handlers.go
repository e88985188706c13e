package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"stormcrm.dev/internal/audit"
	"stormcrm.dev/internal/auth"
	"stormcrm.dev/internal/store"
)

var leadStatuses = []string{"new", "contacted", "qualified", "appointment", "proposal", "won", "lost"}

type leadRequest struct {
	FirstName  *string `json:"first_name"`
	LastName   *string `json:"last_name"`
	Email      *string `json:"email"`
	Phone      *string `json:"phone"`
	Address    *string `json:"address"`
	City       *string `json:"city"`
	State      *string `json:"state"`
	Zip        *string `json:"zip"`
	Status     *string `json:"status"`
	Source     *string `json:"source"`
	DamageType *string `json:"damage_type"`
	Notes      *string `json:"notes"`
	AssignedTo *string `json:"assigned_to"`
}

// values returns the supplied attributes, trimmed, keyed by column.
func (req leadRequest) values() (store.Record, error) {
	rec := store.Record{}
	set := func(col string, v *string) {
		if v != nil {
			rec[col] = strings.TrimSpace(*v)
		}
	}
	set("first_name", req.FirstName)
	set("last_name", req.LastName)
	set("email", req.Email)
	set("phone", req.Phone)
	set("address", req.Address)
	set("city", req.City)
	set("state", req.State)
	set("zip", req.Zip)
	set("source", req.Source)
	set("damage_type", req.DamageType)
	set("notes", req.Notes)
	if req.Status != nil {
		status := strings.ToLower(strings.TrimSpace(*req.Status))
		if !slices.Contains(leadStatuses, status) {
			return nil, fmt.Errorf("status must be one of %s", strings.Join(leadStatuses, ", "))
		}
		rec["status"] = status
	}
	if req.AssignedTo != nil {
		rec["assigned_to"] = strings.TrimSpace(*req.AssignedTo)
	}
	return rec, nil
}

// leadOwner resolves the identity a lead is assigned to.
func (a *API) leadOwner(r *http.Request) auth.OwnerResolver {
	id := mux.Vars(r)["id"]
	return func(ctx context.Context) (string, error) {
		lead, err := store.QueryOne(ctx, a.store, store.FetchByID{Entity: store.Leads, ID: id})
		if err != nil {
			return "", err
		}
		return lead.String("assigned_to"), nil
	}
}

func (a *API) listLeads(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.IdentityFromContext(r.Context())
	var stmt store.Statement = store.ListByOwner{Entity: store.Leads, OwnerID: caller.ID}
	if auth.Allowed(caller.Role, []auth.Role{auth.RoleAdmin, auth.RoleManager}) {
		stmt = store.ListAll{Entity: store.Leads}
	}
	res, err := a.store.Query(r.Context(), stmt)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(res))
}

func (a *API) createLead(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.IdentityFromContext(r.Context())
	var req leadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	values, err := req.values()
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if values.String("address") == "" {
		badRequest(w, r, "address is required")
		return
	}
	if _, ok := values["status"]; !ok {
		values["status"] = leadStatuses[0]
	}
	// Only staff may hand a new lead to someone else.
	if values.String("assigned_to") == "" || caller.Role == auth.RoleSalesRep {
		values["assigned_to"] = caller.ID
	} else if !a.assignable(w, r, values.String("assigned_to")) {
		return
	}
	lead, err := store.QueryOne(r.Context(), a.store, store.InsertInto{Entity: store.Leads, Values: values})
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/leads/"+lead.String(store.FieldID))
	writeJSON(w, http.StatusCreated, lead)
}

func (a *API) getLead(w http.ResponseWriter, r *http.Request) {
	lead, err := store.QueryOne(r.Context(), a.store, store.FetchByID{Entity: store.Leads, ID: mux.Vars(r)["id"]})
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

func (a *API) updateLead(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.IdentityFromContext(r.Context())
	var req leadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	values, err := req.values()
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if _, ok := values["assigned_to"]; ok && !caller.IsAdmin() {
		handleError(w, r, &auth.PermissionError{Allowed: []auth.Role{auth.RoleAdmin}})
		return
	}
	if len(values) == 0 {
		badRequest(w, r, "nothing to update")
		return
	}
	if assignee, ok := values["assigned_to"].(string); ok && !a.assignable(w, r, assignee) {
		return
	}
	lead, err := store.QueryOne(r.Context(), a.store, store.UpdateByID{Entity: store.Leads, ID: mux.Vars(r)["id"], Values: values})
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

func (a *API) deleteLead(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := a.store.Query(r.Context(), store.DeleteByID{Entity: store.Leads, ID: id})
	if err != nil {
		handleError(w, r, err)
		return
	}
	if res.RowCount == 0 {
		notFound(w, r)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventLeadDeleted, zap.String("lead_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// skipTrace queues a contact lookup for the lead. The third-party provider
// picks pending requests up out of band.
func (a *API) skipTrace(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.IdentityFromContext(r.Context())
	id := mux.Vars(r)["id"]
	var queued store.Record
	err := a.store.Transaction(r.Context(), func(ctx context.Context, q store.Querier) error {
		if _, err := store.QueryOne(ctx, q, store.FetchByID{Entity: store.Leads, ID: id}); err != nil {
			return err
		}
		var err error
		queued, err = store.QueryOne(ctx, q, store.InsertInto{Entity: store.SkipTraceRequests, Values: store.Record{
			"lead_id":      id,
			"requested_by": caller.ID,
			"status":       "pending",
		}})
		return err
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, queued)
}

// assignable reports whether leads can be assigned to userID, answering the
// request itself when they cannot.
func (a *API) assignable(w http.ResponseWriter, r *http.Request, userID string) bool {
	assignee, err := a.accounts.Profile(r.Context(), userID)
	switch {
	case errors.Is(err, auth.ErrNotFound):
		badRequest(w, r, "assigned_to does not name a user")
		return false
	case err != nil:
		handleError(w, r, err)
		return false
	case !assignee.IsActive:
		badRequest(w, r, "assigned_to names a deactivated user")
		return false
	}
	return true
}

type listBody struct {
	Items []store.Record `json:"items"`
	Count int            `json:"count"`
}

func listResponse(res store.Result) listBody {
	items := res.Rows
	if items == nil {
		items = []store.Record{}
	}
	return listBody{Items: items, Count: len(items)}
}
