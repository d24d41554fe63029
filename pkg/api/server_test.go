package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiaryhq/apiary/pkg/config"
	"github.com/apiaryhq/apiary/pkg/engine"
	"github.com/apiaryhq/apiary/pkg/events"
	"github.com/apiaryhq/apiary/pkg/llm"
	"github.com/apiaryhq/apiary/pkg/models"
)

// irreversiblePlan parks a run at plan approval under the default policy.
const irreversiblePlan = `[{"id":"t1","title":"Drop the legacy table","action_class":"irreversible"}]`

const waitFor = 5 * time.Second
const tick = 10 * time.Millisecond

type testServer struct {
	srv    *Server
	eng    *engine.Engine
	client *llm.Static
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	cfg := *config.Default()
	cfg.VaultPath = t.TempDir()
	cfg.LLM.Provider = llm.ProviderStatic
	cfg.LLM.Model = "static"
	if mutate != nil {
		mutate(&cfg)
	}
	client := llm.NewStatic("static")
	eng, err := engine.New(cfg, engine.Options{LLM: client})
	require.NoError(t, err)
	t.Cleanup(eng.Stop)
	return &testServer{srv: NewServer(cfg, eng), eng: eng, client: client}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), "body: %s", rec.Body.String())
}

// parkedRun starts a run that blocks at plan approval and returns its id
// plus the pending requirement id.
func (ts *testServer) parkedRun(t *testing.T) (runID, reqID string) {
	t.Helper()
	ts.client.Push(llm.ScriptEntry{Response: llm.Response{Content: irreversiblePlan, TotalTokens: 40}})

	rec := ts.do(t, http.MethodPost, "/api/v1/runs", models.StartRunRequest{Goal: "retire the legacy table"}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var run models.Run
	decode(t, rec, &run)

	require.Eventually(t, func() bool {
		detail := ts.getRunDetail(t, run.ID)
		if len(detail.Requirements) == 0 {
			return false
		}
		reqID = detail.Requirements[0].ID
		return detail.Requirements[0].State == models.RequirementPending
	}, waitFor, tick, "run never parked at plan approval")
	return run.ID, reqID
}

func (ts *testServer) getRunDetail(t *testing.T, runID string) RunDetail {
	t.Helper()
	rec := ts.do(t, http.MethodGet, "/api/v1/runs/"+runID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var detail RunDetail
	decode(t, rec, &detail)
	return detail
}

func (ts *testServer) awaitRunState(t *testing.T, runID string, want models.RunState) RunDetail {
	t.Helper()
	var detail RunDetail
	require.Eventually(t, func() bool {
		detail = ts.getRunDetail(t, runID)
		return detail.Run.State == want
	}, waitFor, tick, "run %s never reached %s", runID, want)
	return detail
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	decode(t, rec, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.NotEmpty(t, health.Version)
	assert.NotEmpty(t, health.Vault)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/hives", models.CreateHiveRequest{Name: "ops"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "apiary_events_appended_total")
	assert.Contains(t, rec.Body.String(), "apiary_open_requirements")
}

func TestAPIKeyAuth(t *testing.T) {
	t.Setenv("APIARY_API_KEY", "sekret-key")
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
	})

	body := models.CreateHiveRequest{Name: "ops"}

	rec := ts.do(t, http.MethodPost, "/api/v1/hives", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/hives", body, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/hives", body, map[string]string{"X-API-Key": "sekret-key"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	// Probes and scrapers stay open.
	rec = ts.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthFailsClosedWithoutKey(t *testing.T) {
	t.Setenv("APIARY_API_KEY", "")
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
	})

	rec := ts.do(t, http.MethodPost, "/api/v1/hives", models.CreateHiveRequest{Name: "ops"},
		map[string]string{"X-API-Key": "anything"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHiveColonyEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/hives", models.CreateHiveRequest{Name: "platform"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var hive models.Hive
	decode(t, rec, &hive)
	assert.True(t, strings.HasPrefix(hive.ID, "hv-"), hive.ID)
	assert.Equal(t, models.HiveActive, hive.Status)

	rec = ts.do(t, http.MethodPost, "/api/v1/hives", models.CreateHiveRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/colonies",
		models.CreateColonyRequest{HiveID: hive.ID, Name: "deploys"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var col models.Colony
	decode(t, rec, &col)
	assert.Equal(t, models.ColonyPending, col.Status)

	rec = ts.do(t, http.MethodPost, "/api/v1/colonies/"+col.ID+"/start", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &col)
	assert.Equal(t, models.ColonyInProgress, col.Status)

	// Live colony blocks the hive close.
	rec = ts.do(t, http.MethodPost, "/api/v1/hives/"+hive.ID+"/close", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/colonies/"+col.ID+"/complete", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/v1/hives/"+hive.ID+"/close", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &hive)
	assert.Equal(t, models.HiveClosed, hive.Status)

	rec = ts.do(t, http.MethodPost, "/api/v1/colonies/col-missing/start", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/runs", models.StartRunRequest{Goal: "summarize the incident"}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var run models.Run
	decode(t, rec, &run)
	assert.Equal(t, models.RunRunning, run.State)

	detail := ts.awaitRunState(t, run.ID, models.RunCompleted)
	require.Len(t, detail.Tasks, 1)
	assert.Equal(t, "t1", detail.Tasks[0].ID)
	assert.Equal(t, models.TaskCompleted, detail.Tasks[0].State)

	rec = ts.do(t, http.MethodGet, "/api/v1/runs", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list models.RunListResult
	decode(t, rec, &list)
	assert.Equal(t, 1, list.TotalCount)

	rec = ts.do(t, http.MethodGet, "/api/v1/runs?state=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/runs/run-missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/runs", models.StartRunRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	t.Run("events and lineage", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/events", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var evs []*events.Event
		decode(t, rec, &evs)
		require.GreaterOrEqual(t, len(evs), 8)
		assert.Equal(t, events.TypeRunStarted, evs[0].Type)

		base := "/api/v1/runs/" + run.ID + "/events/" + evs[0].ID + "/lineage"
		rec = ts.do(t, http.MethodGet, base+"?direction=both", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var lineage models.LineageResult
		decode(t, rec, &lineage)
		assert.Greater(t, len(lineage.EventIDs), 1)

		rec = ts.do(t, http.MethodGet, base+"?max_depth=0", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		lineage = models.LineageResult{}
		decode(t, rec, &lineage)
		assert.Equal(t, []string{evs[0].ID}, lineage.EventIDs, "zero depth returns the seed alone")

		rec = ts.do(t, http.MethodGet, base+"?direction=sideways", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = ts.do(t, http.MethodGet, base+"?max_depth=abc", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = ts.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/events/evt-missing/lineage", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestApprovalOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)

	t.Run("rejecting the plan fails the run", func(t *testing.T) {
		runID, reqID := ts.parkedRun(t)

		rec := ts.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/complete", nil, nil)
		assert.Equal(t, http.StatusConflict, rec.Code, "parked run is not quiescent")

		rec = ts.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/requirements/"+reqID+"/resolve",
			models.ResolveRequirementRequest{Approved: false, Comment: "not during business hours"}, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		ts.awaitRunState(t, runID, models.RunFailed)
	})

	t.Run("emergency stop cancels the pending approval", func(t *testing.T) {
		runID, reqID := ts.parkedRun(t)

		rec := ts.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/stop",
			models.EmergencyStopRequest{Reason: "bad deploy window"}, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		detail := ts.awaitRunState(t, runID, models.RunAborted)
		for _, r := range detail.Requirements {
			if r.ID == reqID {
				assert.Equal(t, models.RequirementCancelled, r.State)
			}
		}
	})
}

func TestTaskEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	runID, _ := ts.parkedRun(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/tasks",
		models.CreateTaskRequest{Title: "Rotate production keys", ActionClass: string(models.ActionIrreversible)}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var task models.Task
	decode(t, rec, &task)

	// A basic-trust actor needs an approval for irreversible work; the
	// conflict response carries the requirement to resolve.
	alice := map[string]string{"X-Forwarded-User": "alice"}
	rec = ts.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/tasks/"+task.ID+"/assign",
		models.AssignTaskRequest{Assignee: "alice-worker"}, alice)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	var conflict struct {
		RequirementID string `json:"requirement_id"`
	}
	decode(t, rec, &conflict)
	require.NotEmpty(t, conflict.RequirementID)

	rec = ts.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/requirements/"+conflict.RequirementID+"/resolve",
		models.ResolveRequirementRequest{Approved: true, SelectedOption: "approve"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/tasks/"+task.ID+"/assign",
		models.AssignTaskRequest{Assignee: "alice-worker"}, alice)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &task)
	assert.Equal(t, models.TaskAssigned, task.State)

	rec = ts.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/tasks/"+task.ID+"/progress",
		models.ProgressTaskRequest{Progress: 60}, alice)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &task)
	assert.Equal(t, models.TaskInProgress, task.State)
	assert.Equal(t, 60, task.Progress)

	rec = ts.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/tasks/"+task.ID+"/complete",
		models.CompleteTaskRequest{Result: "rotated"}, alice)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &task)
	assert.Equal(t, models.TaskCompleted, task.State)

	t.Run("failing a completed task conflicts", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/tasks/"+task.ID+"/fail",
			models.FailTaskRequest{Error: "too late"}, alice)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestDeniedActor(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Policy.DeniedActors = []string{"mallory"}
	})
	runID, _ := ts.parkedRun(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/tasks",
		models.CreateTaskRequest{Title: "Anything"}, map[string]string{"X-Forwarded-User": "mallory"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHeartbeatEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	runID, _ := ts.parkedRun(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/heartbeat",
		models.HeartbeatRequest{Message: "still working"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/v1/runs/run-missing/heartbeat", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
