package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"perfwatch/alerting"
	"perfwatch/core"
	"perfwatch/vault"

	"github.com/gorilla/mux"
)

type createEndpointRequest struct {
	Type      string `json:"type" validate:"required,oneof=chat paging email"`
	Name      string `json:"name" validate:"required,max=128"`
	URL       string `json:"url" validate:"required,url"`
	Recipient string `json:"recipient" validate:"max=256"`
	Format    string `json:"format" validate:"omitempty,oneof=json text slack msgpack"`
	Primary   bool   `json:"primary"`
	Batch     bool   `json:"batch"`
	Disabled  bool   `json:"disabled"`
}

func (a *API) getEndpoints(w http.ResponseWriter, r *http.Request) {
	eps, err := a.vault.List(r.Context())
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if eps == nil {
		eps = []*core.WebhookEndpoint{}
	}
	writeJSON(w, http.StatusOK, eps)
}

// createEndpoint stores an endpoint in the vault. The URL is never echoed.
func (a *API) createEndpoint(w http.ResponseWriter, r *http.Request) {
	var req createEndpointRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	id, err := a.vault.Store(r.Context(), vault.StoreRequest{
		Type:      core.EndpointType(req.Type),
		Name:      req.Name,
		URL:       req.URL,
		Recipient: req.Recipient,
		Format:    core.MessageFormat(req.Format),
		Primary:   req.Primary,
		Batch:     req.Batch,
		Disabled:  req.Disabled,
	})
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	a.requestLogger(r).Infow("Endpoint stored via API", "endpoint_id", id, "by", actor(r.Context()))
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type endpointTestResponse struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// testEndpoint sends a test message. A delivery failure is a 200 reply with
// ok=false; the result is also recorded on the endpoint.
func (a *API) testEndpoint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if a.tester == nil {
		writeError(w, r, errors.New("endpoint tester not configured"), a.logger)
		return
	}
	err := a.vault.Test(r.Context(), id, a.tester)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, endpointTestResponse{ID: id, OK: true})
	case errors.Is(err, core.ErrDeliveryFailure):
		writeJSON(w, http.StatusOK, endpointTestResponse{ID: id, OK: false, Error: sanitizeErrorMessage(err.Error())})
	default:
		writeError(w, r, err, a.logger)
	}
}

type setEnabledRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

func (a *API) setEndpointEnabled(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req setEnabledRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if err := a.vault.SetEnabled(r.Context(), id, *req.Enabled); err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "enabled": *req.Enabled})
}

func (a *API) getRoutingRules(w http.ResponseWriter, r *http.Request) {
	rules, err := a.pipeline.RoutingRules(r.Context())
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if rules == nil {
		rules = []core.RoutingRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

type putRoutingRulesRequest struct {
	Rules []core.RoutingRule `json:"rules" validate:"max=1000"`
}

// putRoutingRules replaces the whole rule set. An empty list restores the
// severity policy table.
func (a *API) putRoutingRules(w http.ResponseWriter, r *http.Request) {
	var req putRoutingRulesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	rules, err := a.pipeline.SetRoutingRules(r.Context(), req.Rules)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if rules == nil {
		rules = []core.RoutingRule{}
	}
	a.requestLogger(r).Infow("Routing rules replaced via API", "rules", len(rules), "by", actor(r.Context()))
	writeJSON(w, http.StatusOK, rules)
}

func (a *API) getSnoozes(w http.ResponseWriter, r *http.Request) {
	activeOnly, err := queryBool(r, "active", true)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	snoozes, err := a.pipeline.ListSnoozes(r.Context(), activeOnly)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if snoozes == nil {
		snoozes = []*core.Snooze{}
	}
	writeJSON(w, http.StatusOK, snoozes)
}

func (a *API) createSnooze(w http.ResponseWriter, r *http.Request) {
	var req alerting.SnoozeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if strings.TrimSpace(req.CreatedBy) == "" {
		req.CreatedBy = actor(r.Context())
	}
	sn, err := a.pipeline.Snooze(r.Context(), req)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	writeJSON(w, http.StatusCreated, sn)
}

func (a *API) deleteSnooze(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.pipeline.RevokeSnooze(r.Context(), id); err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getPendingAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100, 1, 1000)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	alerts, err := a.pipeline.PendingAlerts(r.Context(), limit)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if alerts == nil {
		alerts = []*core.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

type acknowledgeRequest struct {
	By string `json:"by" validate:"max=256"`
}

// acknowledgeAlert marks an alert acknowledged. The body is optional; the
// acknowledger defaults to the token subject.
func (a *API) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req acknowledgeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err, a.logger)
			return
		}
	}
	by := strings.TrimSpace(req.By)
	if by == "" {
		by = actor(r.Context())
	}
	alert, err := a.pipeline.Acknowledge(r.Context(), id, by)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

type escalationView struct {
	alerting.Escalation
	AgeSeconds    float64 `json:"age_seconds"`
	WindowSeconds float64 `json:"window_seconds"`
}

func (a *API) getEscalations(w http.ResponseWriter, r *http.Request) {
	escalations, err := a.pipeline.EscalationQueue(r.Context())
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	out := make([]escalationView, len(escalations))
	for i, e := range escalations {
		out[i] = escalationView{Escalation: e, AgeSeconds: e.Age.Seconds(), WindowSeconds: e.Window.Seconds()}
	}
	writeJSON(w, http.StatusOK, out)
}

type deliveryStatsResponse struct {
	Since     time.Time                           `json:"since"`
	Endpoints []core.DeliveryStats                `json:"endpoints"`
	Breakers  map[string]core.CircuitBreakerState `json:"breakers,omitempty"`
}

func (a *API) getDeliveryStats(w http.ResponseWriter, r *http.Request) {
	hours, err := queryInt(r, "hours", 24, 1, 720)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	since := a.clock.Now().Add(-time.Duration(hours) * time.Hour)
	stats, err := a.store.DeliveryStats(r.Context(), since)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if stats == nil {
		stats = []core.DeliveryStats{}
	}
	resp := deliveryStatsResponse{Since: since, Endpoints: stats}
	if a.dispatcher != nil {
		resp.Breakers = a.dispatcher.BreakerStates()
	}
	writeJSON(w, http.StatusOK, resp)
}
