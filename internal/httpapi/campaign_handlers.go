package httpapi

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"stormcrm.dev/internal/audit"
	"stormcrm.dev/internal/auth"
	"stormcrm.dev/internal/store"
)

var campaignChannels = []string{"email", "sms", "mail"}

const (
	campaignDraft    = "draft"
	campaignLaunched = "launched"
)

var errAlreadyLaunched = errors.New("campaign already launched")

type campaignRequest struct {
	Name    string `json:"name"`
	Channel string `json:"channel"`
	Subject string `json:"subject"`
	Message string `json:"message"`
}

func (a *API) listCampaigns(w http.ResponseWriter, r *http.Request) {
	res, err := a.store.Query(r.Context(), store.ListAll{Entity: store.Campaigns})
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(res))
}

func (a *API) createCampaign(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.IdentityFromContext(r.Context())
	var req campaignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		badRequest(w, r, "name is required")
		return
	}
	channel := strings.ToLower(strings.TrimSpace(req.Channel))
	if channel == "" {
		channel = campaignChannels[0]
	}
	if !slices.Contains(campaignChannels, channel) {
		badRequest(w, r, "channel must be one of "+strings.Join(campaignChannels, ", "))
		return
	}
	campaign, err := store.QueryOne(r.Context(), a.store, store.InsertInto{Entity: store.Campaigns, Values: store.Record{
		"name":       name,
		"channel":    channel,
		"subject":    strings.TrimSpace(req.Subject),
		"message":    req.Message,
		"status":     campaignDraft,
		"created_by": caller.ID,
	}})
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/campaigns/"+campaign.String(store.FieldID))
	writeJSON(w, http.StatusCreated, campaign)
}

// launchCampaign moves a draft campaign to launched. Delivery itself happens
// outside this service.
func (a *API) launchCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var launched store.Record
	err := a.store.Transaction(r.Context(), func(ctx context.Context, q store.Querier) error {
		campaign, err := store.QueryOne(ctx, q, store.FetchByID{Entity: store.Campaigns, ID: id})
		if err != nil {
			return err
		}
		if campaign.String("status") == campaignLaunched {
			return errAlreadyLaunched
		}
		launched, err = store.QueryOne(ctx, q, store.UpdateByID{Entity: store.Campaigns, ID: id, Values: store.Record{
			"status":      campaignLaunched,
			"launched_at": a.now().UTC(),
		}})
		return err
	})
	if errors.Is(err, errAlreadyLaunched) {
		writeError(w, r, http.StatusConflict, codeConflict, err.Error())
		return
	}
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventCampaignLaunch,
		zap.String("campaign_id", id),
		zap.String("channel", launched.String("channel")),
	)
	writeJSON(w, http.StatusOK, launched)
}
