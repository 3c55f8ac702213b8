package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/mathewab/actual-assist-sub002/internal/errors"
	"github.com/mathewab/actual-assist-sub002/internal/store"
	"github.com/mathewab/actual-assist-sub002/pkg/jobs"
	"github.com/mathewab/actual-assist-sub002/pkg/orchestrator"
	"github.com/mathewab/actual-assist-sub002/pkg/payeematch"
)

type handler struct {
	deps   Deps
	logger *zap.Logger
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createJobRequest struct {
	BudgetID string            `json:"budgetId"`
	Type     string            `json:"type"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type createJobResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

func (h *handler) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}

	job, err := h.deps.Orchestrator.NewJob(r.Context(), req.BudgetID, jobs.Type(req.Type), req.Metadata)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	h.deps.Orchestrator.Launch(job.ID)

	writeJSON(w, http.StatusAccepted, createJobResponse{
		JobID:  job.ID,
		Status: string(job.Status),
	})
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	budgetID := r.URL.Query().Get("budget")
	if budgetID == "" {
		apperrors.RespondWithError(w, r, apperrors.Validationf("budget query parameter is required"))
		return
	}
	list, err := h.deps.Jobs.List(r.Context(), budgetID)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	detail, err := h.deps.Jobs.GetDetail(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *handler) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Jobs.Delete(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := h.deps.Jobs.TransitionJob(r.Context(), jobID, jobs.StatusCanceled, ""); err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	job, err := h.deps.Jobs.Get(r.Context(), jobID)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) listSuggestions(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Suggestions.List(r.Context(),
		chi.URLParam(r, "budgetID"), r.URL.Query().Get("status"))
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) approveSuggestion(w http.ResponseWriter, r *http.Request) {
	h.moveSuggestion(w, r, h.deps.Suggestions.Approve)
}

func (h *handler) rejectSuggestion(w http.ResponseWriter, r *http.Request) {
	h.moveSuggestion(w, r, h.deps.Suggestions.Reject)
}

func (h *handler) moveSuggestion(w http.ResponseWriter, r *http.Request, move func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "suggestionID")
	if err := move(r.Context(), id); err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	suggestion, err := h.deps.Suggestions.Get(r.Context(), id)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, suggestion)
}

func (h *handler) createPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.deps.Planner.CreatePlan(r.Context(), chi.URLParam(r, "budgetID"))
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	h.deps.Plans.Put(plan)
	writeJSON(w, http.StatusCreated, plan)
}

func (h *handler) executePlan(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	plan, err := h.deps.Plans.Get(planID)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}

	res, err := h.deps.Executor.Execute(r.Context(), plan, "")
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	h.deps.Plans.Remove(planID)
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) listClusters(w http.ResponseWriter, r *http.Request) {
	clusters, err := h.deps.Merger.ComputeClusters(r.Context(), chi.URLParam(r, "budgetID"))
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clusters)
}

func (h *handler) hideCluster(w http.ResponseWriter, r *http.Request) {
	err := h.deps.Merger.HideCluster(r.Context(),
		chi.URLParam(r, "budgetID"), chi.URLParam(r, "groupHash"))
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) unhideCluster(w http.ResponseWriter, r *http.Request) {
	err := h.deps.Merger.UnhideCluster(r.Context(),
		chi.URLParam(r, "budgetID"), chi.URLParam(r, "groupHash"))
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// disambiguatePayee returns "did you mean" candidates for a payee query
// against the budget's known payees.
func (h *handler) disambiguatePayee(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		apperrors.RespondWithError(w, r, apperrors.Validationf("q query parameter is required"))
		return
	}

	payees, err := store.ListPayees(r.Context(), h.deps.DB, chi.URLParam(r, "budgetID"))
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	candidates := make([]payeematch.Candidate, 0, len(payees))
	for _, p := range payees {
		candidates = append(candidates, payeematch.Candidate{ID: p.PayeeID, Name: p.Name})
	}

	matches := payeematch.CandidatesForDisambiguation(query, candidates)
	writeJSON(w, http.StatusOK, map[string]any{
		"query":      query,
		"candidates": matches,
	})
}

type mergePayeesRequest struct {
	TargetID  string   `json:"targetId"`
	SourceIDs []string `json:"sourceIds"`
}

// mergePayees starts an asynchronous payees_merge job.
func (h *handler) mergePayees(w http.ResponseWriter, r *http.Request) {
	var req mergePayeesRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}

	metadata := map[string]string{
		orchestrator.MetaTargetPayeeID:  req.TargetID,
		orchestrator.MetaSourcePayeeIDs: strings.Join(req.SourceIDs, ","),
	}
	job, err := h.deps.Orchestrator.NewJob(r.Context(),
		chi.URLParam(r, "budgetID"), jobs.TypePayeesMerge, metadata)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	h.deps.Orchestrator.Launch(job.ID)

	writeJSON(w, http.StatusAccepted, createJobResponse{
		JobID:  job.ID,
		Status: string(job.Status),
	})
}

func (h *handler) listAudit(w http.ResponseWriter, r *http.Request) {
	records, err := h.deps.Recorder.ForBudget(r.Context(), chi.URLParam(r, "budgetID"))
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func decodeJSON(body io.Reader, out any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return apperrors.Validationf("invalid request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = writeJSONBody(w, payload)
}

func writeJSONBody(w io.Writer, payload any) error {
	return json.NewEncoder(w).Encode(payload)
}
