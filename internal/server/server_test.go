package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mathewab/actual-assist-sub002/internal/audit"
	apperrors "github.com/mathewab/actual-assist-sub002/internal/errors"
	"github.com/mathewab/actual-assist-sub002/internal/store"
	"github.com/mathewab/actual-assist-sub002/pkg/budget"
	"github.com/mathewab/actual-assist-sub002/pkg/jobs"
	"github.com/mathewab/actual-assist-sub002/pkg/orchestrator"
	"github.com/mathewab/actual-assist-sub002/pkg/payeemerge"
	"github.com/mathewab/actual-assist-sub002/pkg/snapshot"
	"github.com/mathewab/actual-assist-sub002/pkg/suggest"
	"github.com/mathewab/actual-assist-sub002/pkg/syncer"
)

type stubClient struct{}

func (stubClient) ListTransactions(ctx context.Context, budgetID string) ([]budget.Transaction, error) {
	return nil, nil
}

func (stubClient) ListCategories(ctx context.Context, budgetID string) ([]budget.Category, error) {
	return nil, nil
}

func (stubClient) ListPayees(ctx context.Context, budgetID string) ([]budget.Payee, error) {
	return nil, nil
}

func (stubClient) UpdateTransactionCategory(ctx context.Context, budgetID, transactionID, categoryID string) error {
	return nil
}

func (stubClient) MergePayees(ctx context.Context, budgetID, targetID string, sourceIDs []string) error {
	return nil
}

func (stubClient) TriggerSync(ctx context.Context, budgetID string) error {
	return nil
}

type testEnv struct {
	db     *sql.DB
	jobs   *jobs.Service
	server *Server
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.Open(context.Background(), store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(context.Background(), db))

	logger := zap.NewNop()
	client := stubClient{}
	jobSvc := jobs.NewService(db, jobs.NewBus(0), logger)
	suggestions := suggest.NewService(db, nil, logger)
	recorder := audit.NewRecorder(db, logger)
	executor := syncer.NewExecutor(client, suggestions, recorder, logger)
	planner := syncer.NewPlanner(db, logger)

	orch := orchestrator.New(orchestrator.Config{
		Jobs:        jobSvc,
		Snapshots:   snapshot.NewService(db, client, logger),
		Suggestions: suggestions,
		Planner:     planner,
		Executor:    executor,
		Merger:      payeemerge.NewEngine(db, client, logger),
		Recorder:    recorder,
		Logger:      logger,
	})

	srv := New("127.0.0.1", 0, 30*time.Second, 30*time.Second, Deps{
		DB:           db,
		Jobs:         jobSvc,
		Orchestrator: orch,
		Suggestions:  suggestions,
		Planner:      planner,
		Executor:     executor,
		Plans:        syncer.NewRegistry(),
		Merger:       payeemerge.NewEngine(db, client, logger),
		Recorder:     recorder,
		Logger:       logger,
	})
	return &testEnv{db: db, jobs: jobSvc, server: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeErrorEnvelope(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPErrorResponse {
	t.Helper()
	var envelope apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope
}

func TestHealth(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateJob(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"budgetId": "b1",
		"type":     "suggestions",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp createJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, "queued", resp.Status)
}

func TestCreateJob_UnknownType(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"budgetId": "b1",
		"type":     "nonsense",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeErrorEnvelope(t, rec).Error.Code)
}

func TestGetJob_NotFound(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodGet, "/api/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeErrorEnvelope(t, rec).Error.Code)
}

func TestGetJob_ReturnsDetail(t *testing.T) {
	env := newTestServer(t)

	job, err := env.jobs.CreateJob(context.Background(), "b1", jobs.TypeSync, nil)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var detail jobs.Detail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, job.ID, detail.Job.ID)
	require.Len(t, detail.Events, 1)
	assert.Equal(t, jobs.StatusQueued, detail.Events[0].Status)
}

func TestCancelJob(t *testing.T) {
	env := newTestServer(t)

	job, err := env.jobs.CreateJob(context.Background(), "b1", jobs.TypeSync, nil)
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got jobs.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, jobs.StatusCanceled, got.Status)

	// Terminal jobs cannot be canceled again.
	rec = env.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_TRANSITION", decodeErrorEnvelope(t, rec).Error.Code)
}

func TestDeleteJob_RequiresTerminalState(t *testing.T) {
	env := newTestServer(t)

	job, err := env.jobs.CreateJob(context.Background(), "b1", jobs.TypeSync, nil)
	require.NoError(t, err)

	rec := env.do(t, http.MethodDelete, "/api/jobs/"+job.ID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.NoError(t, env.jobs.TransitionJob(context.Background(), job.ID, jobs.StatusCanceled, ""))
	rec = env.do(t, http.MethodDelete, "/api/jobs/"+job.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func seedPendingSuggestion(t *testing.T, db *sql.DB, suggestionID, txnID string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.InsertSuggestion(context.Background(), db, store.SuggestionRow{
		SuggestionID: suggestionID, BudgetID: "b1", TransactionID: txnID,
		ProposedCategoryID: "c1", ProposedCategoryName: "Groceries",
		Confidence: 0.8, Status: suggest.StatusPending,
		CreatedAt: now, UpdatedAt: now,
	}))
}

func TestSuggestionApproveReject(t *testing.T) {
	env := newTestServer(t)
	seedPendingSuggestion(t, env.db, "s1", "t1")

	rec := env.do(t, http.MethodPost, "/api/suggestions/s1/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got suggest.Suggestion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, suggest.StatusApproved, got.Status)

	rec = env.do(t, http.MethodPost, "/api/suggestions/unknown/reject", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSuggestions(t *testing.T) {
	env := newTestServer(t)
	seedPendingSuggestion(t, env.db, "s1", "t1")
	seedPendingSuggestion(t, env.db, "s2", "t2")

	rec := env.do(t, http.MethodGet, "/api/budgets/b1/suggestions?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []suggest.Suggestion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 2)
}

func TestPlanLifecycle(t *testing.T) {
	env := newTestServer(t)
	seedPendingSuggestion(t, env.db, "s1", "t1")

	// No approved suggestions yet.
	rec := env.do(t, http.MethodPost, "/api/budgets/b1/plans", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/suggestions/s1/approve", nil).Code)

	rec = env.do(t, http.MethodPost, "/api/budgets/b1/plans", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var plan syncer.Plan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plan))
	require.Len(t, plan.Changes, 1)
	assert.NotEmpty(t, plan.Summary.Impact)

	rec = env.do(t, http.MethodPost, "/api/plans/"+plan.ID+"/execute", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res syncer.ExecResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.ChangesApplied)

	// Executed plans leave the registry.
	rec = env.do(t, http.MethodPost, "/api/plans/"+plan.ID+"/execute", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPayeeClustersAndHide(t *testing.T) {
	env := newTestServer(t)
	require.NoError(t, store.ReplaceSnapshot(context.Background(), env.db, "b1", nil, nil, []store.PayeeRow{
		{BudgetID: "b1", PayeeID: "p1", Name: "Amazon"},
		{BudgetID: "b1", PayeeID: "p2", Name: "AMAZON.COM"},
	}))

	rec := env.do(t, http.MethodGet, "/api/budgets/b1/payees/clusters", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var clusters []payeemerge.Cluster
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &clusters))
	require.Len(t, clusters, 1)

	rec = env.do(t, http.MethodPost, "/api/budgets/b1/payees/clusters/"+clusters[0].GroupHash+"/hide", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/budgets/b1/payees/clusters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	clusters = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &clusters))
	assert.Empty(t, clusters)
}

func TestDisambiguation(t *testing.T) {
	env := newTestServer(t)
	require.NoError(t, store.ReplaceSnapshot(context.Background(), env.db, "b1", nil, nil, []store.PayeeRow{
		{BudgetID: "b1", PayeeID: "p1", Name: "Shell Oil"},
		{BudgetID: "b1", PayeeID: "p2", Name: "Shell Service Station"},
	}))

	rec := env.do(t, http.MethodGet, "/api/budgets/b1/payees/disambiguation?q=Shelby", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/budgets/b1/payees/disambiguation", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownRouteEnvelope(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodGet, "/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeErrorEnvelope(t, rec).Error.Code)
}

func TestMethodNotAllowedEnvelope(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodDelete, "/healthz", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", decodeErrorEnvelope(t, rec).Error.Code)
}
