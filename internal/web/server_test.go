package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lucasnoah/infrafactory/internal/contract"
	"github.com/lucasnoah/infrafactory/internal/orchestrator"
	"github.com/lucasnoah/infrafactory/internal/pipeline"
)

// fakeEngine serves state from a real store and records resumes.
type fakeEngine struct {
	store   *pipeline.Store
	resumed chan string
}

func (f *fakeEngine) Status(id string) (*pipeline.PipelineState, error) { return f.store.Get(id) }

func (f *fakeEngine) List(filter string) ([]pipeline.PipelineState, error) {
	return f.store.List(filter)
}

func (f *fakeEngine) Summary(id string) (string, error) { return f.store.ReadSummary(id) }

func (f *fakeEngine) RecordDecision(id string, d contract.ApprovalDecision) error {
	ps, err := f.store.Get(id)
	if err != nil {
		return err
	}
	if !ps.Suspended() || ps.PendingGate != d.Gate {
		return fmt.Errorf("%w: %s", orchestrator.ErrNotSuspended, id)
	}
	return f.store.SaveDecision(id, d)
}

func (f *fakeEngine) Resume(_ context.Context, id string) (*pipeline.PipelineState, error) {
	f.resumed <- id
	return f.store.Get(id)
}

func setupTestServer(t *testing.T) (*Server, *fakeEngine) {
	t.Helper()
	fe := &fakeEngine{store: pipeline.NewStore(t.TempDir()), resumed: make(chan string, 4)}
	s := NewServer(fe, nil, zap.NewNop(), "127.0.0.1:0")
	s.now = func() time.Time { return time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s, fe
}

func createPipeline(t *testing.T, store *pipeline.Store, id string, stage pipeline.Stage, pending contract.GateID) {
	t.Helper()
	ps := &pipeline.PipelineState{
		Request: contract.Request{
			ID:          id,
			Description: "add a redis cache",
			Environment: contract.EnvTst,
		},
		Stage:       stage,
		MaxAttempts: 3,
		PendingGate: pending,
		CreatedAt:   time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Create(ps))
}

func do(s *Server, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	s, _ := setupTestServer(t)
	rec := do(s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := setupTestServer(t)
	rec := do(s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestHandleList(t *testing.T) {
	s, fe := setupTestServer(t)
	createPipeline(t, fe.store, "req-1", pipeline.StageGatePlan, contract.GatePlan)
	createPipeline(t, fe.store, "req-2", pipeline.StageDone, "")

	rec := do(s, http.MethodGet, "/api/v1/pipelines", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []PipelineRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "req-1", rows[0].RequestID)
	assert.Equal(t, "plan", rows[0].PendingGate)

	rec = do(s, http.MethodGet, "/api/v1/pipelines?stage=done", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "req-2", rows[0].RequestID)

	rec = do(s, http.MethodGet, "/api/v1/pipelines?stage=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStatus(t *testing.T) {
	s, fe := setupTestServer(t)
	createPipeline(t, fe.store, "req-1", pipeline.StageGatePlan, contract.GatePlan)

	rec := do(s, http.MethodGet, "/api/v1/pipelines/req-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var d PipelineDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, "gate_plan", d.Stage)
	assert.Equal(t, 3, d.MaxAttempts)
	assert.Equal(t, "tst", d.Environment)

	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, "/api/v1/pipelines/req-missing", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodGet, "/api/v1/pipelines/..bad", "").Code)
}

func TestHandleSummary(t *testing.T) {
	s, fe := setupTestServer(t)
	createPipeline(t, fe.store, "req-1", pipeline.StageDone, "")
	require.NoError(t, fe.store.WriteSummary("req-1", "# Change Request req-1\n\n| Field | Value |\n|---|---|\n| Status | **done** |\n"))

	rec := do(s, http.MethodGet, "/api/v1/pipelines/req-1/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "# Change Request req-1"))

	rec = do(s, http.MethodGet, "/api/v1/pipelines/req-1/summary?format=html", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "<h1>Change Request req-1</h1>")
	assert.Contains(t, rec.Body.String(), "<table>")

	createPipeline(t, fe.store, "req-2", pipeline.StageRouting, "")
	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, "/api/v1/pipelines/req-2/summary", "").Code)
}

func TestHandleDecision(t *testing.T) {
	s, fe := setupTestServer(t)
	createPipeline(t, fe.store, "req-1", pipeline.StageGatePlan, contract.GatePlan)

	rec := do(s, http.MethodPost, "/api/v1/pipelines/req-1/gates/plan/decision", `{"granted":true,"approver":"alice","note":"lgtm"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp DecisionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Granted)
	assert.Equal(t, "resuming", resp.Status)

	select {
	case id := <-fe.resumed:
		assert.Equal(t, "req-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline was not resumed")
	}

	d, err := fe.store.ReadDecision("req-1", contract.GatePlan)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "alice", d.Approver)
	assert.Equal(t, "lgtm", d.Note)
}

func TestHandleDecisionErrors(t *testing.T) {
	s, fe := setupTestServer(t)
	createPipeline(t, fe.store, "req-1", pipeline.StageGatePlan, contract.GatePlan)

	tests := []struct {
		name   string
		target string
		body   string
		want   int
	}{
		{"wrong gate", "/api/v1/pipelines/req-1/gates/deploy/decision", `{"granted":true,"approver":"a"}`, http.StatusConflict},
		{"unknown gate", "/api/v1/pipelines/req-1/gates/merge/decision", `{"granted":true,"approver":"a"}`, http.StatusBadRequest},
		{"missing approver", "/api/v1/pipelines/req-1/gates/plan/decision", `{"granted":true}`, http.StatusBadRequest},
		{"bad body", "/api/v1/pipelines/req-1/gates/plan/decision", `{`, http.StatusBadRequest},
		{"unknown pipeline", "/api/v1/pipelines/req-9/gates/plan/decision", `{"granted":false,"approver":"a"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(s, http.MethodPost, tt.target, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
	assert.Empty(t, fe.resumed)
}

func TestAnalyticsDisabledWithoutDB(t *testing.T) {
	s, _ := setupTestServer(t)
	assert.Equal(t, http.StatusServiceUnavailable, do(s, http.MethodGet, "/api/v1/stats", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(s, http.MethodGet, "/api/v1/pipelines/req-1/timeline", "").Code)
}

func TestRelTime(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		at   time.Time
		want string
	}{
		{time.Time{}, ""},
		{now.Add(-10 * time.Second), "just now"},
		{now.Add(-5 * time.Minute), "5m ago"},
		{now.Add(-3 * time.Hour), "3h ago"},
		{now.Add(-50 * time.Hour), "2d ago"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, relTime(tt.at, now))
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseSince("", now)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -7), got)

	got, err = parseSince("30d", now)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -30), got)

	got, err = parseSince("36h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-36*time.Hour), got)

	_, err = parseSince("soon", now)
	assert.Error(t, err)
}
