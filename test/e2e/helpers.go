package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apiaryhq/apiary/pkg/api"
	"github.com/apiaryhq/apiary/pkg/events"
	"github.com/apiaryhq/apiary/pkg/llm"
	"github.com/apiaryhq/apiary/pkg/models"
)

// irreversiblePlan parks any run at plan approval under the default policy.
const irreversiblePlan = `[{"id":"t1","title":"Drop the legacy table","action_class":"irreversible"}]`

// scripted wraps a raw plan or worker reply in a ScriptEntry.
func scripted(content string) llm.ScriptEntry {
	return llm.ScriptEntry{Response: llm.Response{Content: content, TotalTokens: 40}}
}

// ────────────────────────────────────────────────────────────
// HTTP client helpers
// ────────────────────────────────────────────────────────────

// request performs one HTTP call and returns status and raw body.
func (app *TestApp) request(t *testing.T, method, path string, body any, headers map[string]string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, app.BaseURL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

// mustJSON performs a call, requires the status, and decodes the body.
func (app *TestApp) mustJSON(t *testing.T, method, path string, body any, want int, out any) {
	t.Helper()
	status, raw := app.request(t, method, path, body, nil)
	require.Equal(t, want, status, "%s %s: %s", method, path, raw)
	if out != nil {
		require.NoError(t, json.Unmarshal(raw, out), "body: %s", raw)
	}
}

// ────────────────────────────────────────────────────────────
// Command helpers
// ────────────────────────────────────────────────────────────

// CreateHive posts a hive and returns it.
func (app *TestApp) CreateHive(t *testing.T, name string) models.Hive {
	t.Helper()
	var hive models.Hive
	app.mustJSON(t, http.MethodPost, "/api/v1/hives",
		models.CreateHiveRequest{Name: name}, http.StatusCreated, &hive)
	return hive
}

// CreateStartedColony creates a colony in hiveID and starts it.
func (app *TestApp) CreateStartedColony(t *testing.T, hiveID, name string) models.Colony {
	t.Helper()
	var col models.Colony
	app.mustJSON(t, http.MethodPost, "/api/v1/colonies",
		models.CreateColonyRequest{HiveID: hiveID, Name: name}, http.StatusCreated, &col)
	app.mustJSON(t, http.MethodPost, "/api/v1/colonies/"+col.ID+"/start", nil, http.StatusOK, &col)
	return col
}

// StartRun posts a run and returns the accepted snapshot.
func (app *TestApp) StartRun(t *testing.T, req models.StartRunRequest) models.Run {
	t.Helper()
	var run models.Run
	app.mustJSON(t, http.MethodPost, "/api/v1/runs", req, http.StatusAccepted, &run)
	return run
}

// ParkedRun scripts an irreversible plan and starts a run that blocks at
// plan approval. Returns the run id and the pending requirement id.
func (app *TestApp) ParkedRun(t *testing.T, colonyID string) (runID, reqID string) {
	t.Helper()
	app.LLM.Push(scripted(irreversiblePlan))
	run := app.StartRun(t, models.StartRunRequest{Goal: "retire the legacy table", ColonyID: colonyID})
	req := app.WaitForPendingRequirement(t, run.ID)
	return run.ID, req.ID
}

// Resolve approves or rejects a requirement.
func (app *TestApp) Resolve(t *testing.T, runID, reqID string, approved bool, comment string) {
	t.Helper()
	app.mustJSON(t, http.MethodPost, "/api/v1/runs/"+runID+"/requirements/"+reqID+"/resolve",
		models.ResolveRequirementRequest{Approved: approved, SelectedOption: option(approved), Comment: comment},
		http.StatusOK, nil)
}

func option(approved bool) string {
	if approved {
		return "approve"
	}
	return "reject"
}

// CreateTask posts a manual task into runID.
func (app *TestApp) CreateTask(t *testing.T, runID string, req models.CreateTaskRequest) models.Task {
	t.Helper()
	var task models.Task
	app.mustJSON(t, http.MethodPost, "/api/v1/runs/"+runID+"/tasks", req, http.StatusCreated, &task)
	return task
}

// FailTask marks a task failed with the given error.
func (app *TestApp) FailTask(t *testing.T, runID, taskID, errMsg string) {
	t.Helper()
	app.mustJSON(t, http.MethodPost, "/api/v1/runs/"+runID+"/tasks/"+taskID+"/fail",
		models.FailTaskRequest{Error: errMsg}, http.StatusOK, nil)
}

// ────────────────────────────────────────────────────────────
// Query and polling helpers
// ────────────────────────────────────────────────────────────

// GetRun fetches the run detail projection.
func (app *TestApp) GetRun(t *testing.T, runID string) api.RunDetail {
	t.Helper()
	var detail api.RunDetail
	app.mustJSON(t, http.MethodGet, "/api/v1/runs/"+runID, nil, http.StatusOK, &detail)
	return detail
}

// Events fetches the run's full event log.
func (app *TestApp) Events(t *testing.T, runID string) []*events.Event {
	t.Helper()
	var evs []*events.Event
	app.mustJSON(t, http.MethodGet, "/api/v1/runs/"+runID+"/events", nil, http.StatusOK, &evs)
	return evs
}

// WaitForRunState polls the run detail until the run reaches want.
func (app *TestApp) WaitForRunState(t *testing.T, runID string, want models.RunState) api.RunDetail {
	t.Helper()
	var detail api.RunDetail
	require.Eventually(t, func() bool {
		detail = app.GetRun(t, runID)
		return detail.Run.State == want
	}, waitFor, tick, "run %s never reached %s (last: %s)", runID, want, detail.Run.State)
	return detail
}

// WaitForPendingRequirement polls until the run has a pending requirement
// and returns it.
func (app *TestApp) WaitForPendingRequirement(t *testing.T, runID string) models.Requirement {
	t.Helper()
	var req models.Requirement
	require.Eventually(t, func() bool {
		detail := app.GetRun(t, runID)
		for _, r := range detail.Requirements {
			if r.State == models.RequirementPending {
				req = r
				return true
			}
		}
		return false
	}, waitFor, tick, "run %s never raised a pending requirement", runID)
	return req
}

// WaitForColonyStatus polls the hive projection until the colony reaches
// want. Colony state is read engine-side; the control surface exposes runs.
func (app *TestApp) WaitForColonyStatus(t *testing.T, hiveID, colonyID string, want models.ColonyState) {
	t.Helper()
	var last models.ColonyState
	require.Eventually(t, func() bool {
		proj, err := app.Engine.Hive(hiveID)
		if err != nil {
			return false
		}
		col, ok := proj.Colony(colonyID)
		if !ok {
			return false
		}
		last = col.Status
		return last == want
	}, waitFor, tick, "colony %s never reached %s (last: %s)", colonyID, want, last)
}

// ────────────────────────────────────────────────────────────
// Event log assertions
// ────────────────────────────────────────────────────────────

// eventTypes projects the log onto its type sequence.
func eventTypes(evs []*events.Event) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

// eventsOfType filters the log by type.
func eventsOfType(evs []*events.Event, eventType string) []*events.Event {
	var out []*events.Event
	for _, e := range evs {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// indexOf returns the position of the first event matching type and task id,
// or -1.
func indexOf(evs []*events.Event, eventType, taskID string) int {
	for i, e := range evs {
		if e.Type == eventType && e.TaskID == taskID {
			return i
		}
	}
	return -1
}

// requireChained asserts the prev-hash chain links every event to its
// predecessor.
func requireChained(t *testing.T, evs []*events.Event) {
	t.Helper()
	require.NotEmpty(t, evs)
	require.Empty(t, evs[0].PrevHash, "first event must open the chain")
	for i := 1; i < len(evs); i++ {
		require.Equal(t, evs[i-1].Hash, evs[i].PrevHash,
			"event %d (%s) does not chain to its predecessor", i, evs[i].Type)
	}
}
