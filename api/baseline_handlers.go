package api

import (
	"net/http"
	"strings"
	"time"

	"perfwatch/baseline"
	"perfwatch/core"

	"github.com/gorilla/mux"
)

// maxSamplesPerRequest bounds one ingestion batch
const maxSamplesPerRequest = 10000

type sampleInput struct {
	OperationType  string    `json:"operation_type" validate:"required,max=256"`
	DurationMicros float64   `json:"duration_us" validate:"gte=0"`
	Actor          string    `json:"actor,omitempty" validate:"max=256"`
	Timestamp      time.Time `json:"timestamp"`
}

type recordSamplesRequest struct {
	Samples []sampleInput `json:"samples" validate:"required,min=1,max=10000,dive"`
}

// recordSamples ingests metric samples. Samples without a timestamp are
// stamped with the server time.
func (a *API) recordSamples(w http.ResponseWriter, r *http.Request) {
	var req recordSamplesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, a.logger)
		return
	}

	now := a.clock.Now()
	samples := make([]core.MetricSample, len(req.Samples))
	for i, in := range req.Samples {
		ts := in.Timestamp
		if ts.IsZero() {
			ts = now
		}
		samples[i] = core.MetricSample{
			OperationType:  strings.TrimSpace(in.OperationType),
			DurationMicros: in.DurationMicros,
			Actor:          in.Actor,
			Timestamp:      ts.UTC(),
		}
	}
	if err := a.store.RecordSamples(r.Context(), samples); err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"recorded": len(samples)})
}

func (a *API) getBaselines(w http.ResponseWriter, r *http.Request) {
	baselines, err := a.store.ActiveBaselines(r.Context())
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if baselines == nil {
		baselines = []*core.Baseline{}
	}
	writeJSON(w, http.StatusOK, baselines)
}

func (a *API) getBaselineHistory(w http.ResponseWriter, r *http.Request) {
	op := mux.Vars(r)["op"]
	if op == "" {
		writeError(w, r, invalidPath("op"), a.logger)
		return
	}
	limit, err := queryInt(r, "limit", 50, 1, 1000)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	history, err := a.store.BaselineHistory(r.Context(), op, limit)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if history == nil {
		history = []core.BaselineHistory{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (a *API) getExecutions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100, 1, 1000)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	execs, err := a.store.RecentExecutions(r.Context(), limit)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if execs == nil {
		execs = []core.RecalcExecution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

type recalculateRequest struct {
	// OperationType limits the run to one type; empty recalculates all
	OperationType string `json:"operation_type" validate:"max=256"`
	LookbackDays  *int   `json:"lookback_days,omitempty"`
	MinSamples    *int   `json:"min_samples,omitempty"`
	Force         bool   `json:"force"`
	Reason        string `json:"reason"`
	// BudgetSeconds bounds a run over all types; zero means no budget
	BudgetSeconds int `json:"budget_seconds" validate:"min=0,max=3600"`
}

type outcomeView struct {
	baseline.Outcome
	Error string `json:"error,omitempty"`
}

type recalculateResponse struct {
	Outcomes []outcomeView  `json:"outcomes"`
	Counts   map[string]int `json:"counts"`
}

// recalculateBaselines triggers recalculation. Invalid parameters are
// rejected with 400 before any write; per-type failures are reported in
// the outcomes of a 200 reply.
func (a *API) recalculateBaselines(w http.ResponseWriter, r *http.Request) {
	var req recalculateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, a.logger)
		return
	}

	reason, err := core.ParseRecalcReason(req.Reason)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	opts := a.recalc.DefaultOptions(reason)
	if req.LookbackDays != nil {
		opts.LookbackDays = *req.LookbackDays
	}
	if req.MinSamples != nil {
		opts.MinSamples = *req.MinSamples
	}
	opts.Force = req.Force
	if err := opts.Validate(); err != nil {
		writeError(w, r, err, a.logger)
		return
	}

	var outcomes []baseline.Outcome
	if op := strings.TrimSpace(req.OperationType); op != "" {
		out, _ := a.recalc.Recalculate(r.Context(), op, opts)
		outcomes = []baseline.Outcome{out}
	} else {
		outcomes, err = a.recalc.RecalculateAll(r.Context(), opts, time.Duration(req.BudgetSeconds)*time.Second)
		if err != nil {
			writeError(w, r, err, a.logger)
			return
		}
	}

	resp := recalculateResponse{
		Outcomes: make([]outcomeView, len(outcomes)),
		Counts:   make(map[string]int),
	}
	for i, o := range outcomes {
		resp.Outcomes[i] = outcomeView{Outcome: o, Error: o.ErrorText()}
		resp.Counts[string(o.Status)]++
	}
	a.requestLogger(r).Infow("Recalculation triggered via API",
		"by", actor(r.Context()), "operation_type", req.OperationType, "reason", opts.Reason,
		"force", opts.Force, "outcomes", len(outcomes))
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) getAnomalies(w http.ResponseWriter, r *http.Request) {
	hours, err := queryInt(r, "hours", 24, 1, 720)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	limit, err := queryInt(r, "limit", 100, 1, 1000)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	since := a.clock.Now().Add(-time.Duration(hours) * time.Hour)
	anomalies, err := a.store.RecentAnomalies(r.Context(), r.URL.Query().Get("operation_type"), since, limit)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if anomalies == nil {
		anomalies = []core.Anomaly{}
	}
	writeJSON(w, http.StatusOK, anomalies)
}

func (a *API) getCorrelations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 1, 1000)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	correlations, err := a.store.LatestCorrelations(r.Context(), limit)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if correlations == nil {
		correlations = []core.Correlation{}
	}
	writeJSON(w, http.StatusOK, correlations)
}
