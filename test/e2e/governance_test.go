package e2e

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiaryhq/apiary/pkg/config"
	"github.com/apiaryhq/apiary/pkg/events"
	"github.com/apiaryhq/apiary/pkg/models"
)

// ────────────────────────────────────────────────────────────
// Scenario 6: sentinel loop detection suspends the colony
// ────────────────────────────────────────────────────────────

func TestE2E_SentinelLoopSuspendsColony(t *testing.T) {
	app := NewTestApp(t, WithConfig(func(cfg *config.Config) {
		cfg.Sentinel.LoopThreshold = 3
		cfg.Sentinel.Window = 500 * time.Millisecond
		cfg.Governance.MaxOscillations = 1
	}))

	hive := app.CreateHive(t, "platform")
	col := app.CreateStartedColony(t, hive.ID, "deploys")
	runID, reqID := app.ParkedRun(t, col.ID)

	// Identical title and error three times inside the window is the loop
	// signature the sentinel watches for.
	failLoop := func(rid string) {
		for i := 0; i < 3; i++ {
			task := app.CreateTask(t, rid, models.CreateTaskRequest{Title: "Fetch the report"})
			app.FailTask(t, rid, task.ID, "connection reset")
		}
	}
	failLoop(runID)

	app.WaitForColonyStatus(t, hive.ID, col.ID, models.ColonySuspended)

	// Suspension aborts the colony's live runs and cancels their approvals.
	detail := app.WaitForRunState(t, runID, models.RunAborted)
	for _, r := range detail.Requirements {
		if r.ID == reqID {
			assert.Equal(t, models.RequirementCancelled, r.State)
		}
	}

	// A suspended colony accepts no new runs.
	app.LLM.Push(scripted(irreversiblePlan))
	status, raw := app.request(t, http.MethodPost, "/api/v1/runs",
		models.StartRunRequest{Goal: "try again", ColonyID: col.ID}, nil)
	assert.Equal(t, http.StatusConflict, status, "%s", raw)

	// Starting a suspended colony resumes it, consuming an oscillation.
	app.mustJSON(t, http.MethodPost, "/api/v1/colonies/"+col.ID+"/start", nil, http.StatusOK, nil)
	app.WaitForColonyStatus(t, hive.ID, col.ID, models.ColonyInProgress)

	proj, err := app.Engine.Hive(hive.ID)
	require.NoError(t, err)
	resumed, ok := proj.Colony(col.ID)
	require.True(t, ok)
	assert.Equal(t, 1, resumed.Oscillations)

	// Let the alert damping window lapse before provoking the second loop.
	time.Sleep(600 * time.Millisecond)

	secondRun, _ := app.ParkedRun(t, col.ID)
	failLoop(secondRun)

	// The oscillation budget is spent: the sentinel escalates to quarantine,
	// which has no resume edge.
	app.WaitForColonyStatus(t, hive.ID, col.ID, models.ColonyQuarantined)
	app.WaitForRunState(t, secondRun, models.RunAborted)

	status, raw = app.request(t, http.MethodPost, "/api/v1/colonies/"+col.ID+"/start", nil, nil)
	assert.Equal(t, http.StatusConflict, status, "%s", raw)
}

// ────────────────────────────────────────────────────────────
// Silence watchdog: a run that stops reporting times out
// ────────────────────────────────────────────────────────────

func TestE2E_SilentRunTimesOut(t *testing.T) {
	app := NewTestApp(t, WithConfig(func(cfg *config.Config) {
		cfg.Governance.HeartbeatInterval = 40 * time.Millisecond
	}))

	// A parked run never heartbeats; the watchdog needs two silent scans
	// before it calls time of death.
	runID, reqID := app.ParkedRun(t, "")

	detail := app.WaitForRunState(t, runID, models.RunTimedOut)
	for _, r := range detail.Requirements {
		if r.ID == reqID {
			assert.Equal(t, models.RequirementCancelled, r.State)
		}
	}

	evs := app.Events(t, runID)
	assert.NotEmpty(t, eventsOfType(evs, events.TypeSilenceDetected))
	timedOut := eventsOfType(evs, events.TypeRunTimedOut)
	require.Len(t, timedOut, 1, "exactly one terminal event even across repeated sweeps")
	var payload events.RunTimedOutPayload
	require.NoError(t, events.DecodePayload(timedOut[0], &payload))
	assert.Contains(t, payload.Reason, "no activity")
}

// ────────────────────────────────────────────────────────────
// Masking: secrets leave the log, structure stays intact
// ────────────────────────────────────────────────────────────

func TestE2E_MaskingPreservesStructure(t *testing.T) {
	app := NewTestApp(t)
	runID, _ := app.ParkedRun(t, "")

	task := app.CreateTask(t, runID, models.CreateTaskRequest{
		Title:       "Wire up the database",
		Description: "connect with password=hunter2secret9 please",
	})
	assert.Equal(t, "connect with password=__MASKED_PASSWORD__ please", task.Description)

	app.mustJSON(t, http.MethodPost, "/api/v1/runs/"+runID+"/tasks/"+task.ID+"/assign",
		models.AssignTaskRequest{Assignee: "human-worker"}, http.StatusOK, nil)
	app.mustJSON(t, http.MethodPost, "/api/v1/runs/"+runID+"/tasks/"+task.ID+"/progress",
		models.ProgressTaskRequest{Progress: 42, Message: "retry with api_key=abcdef1234567890XYZ now"},
		http.StatusOK, nil)

	var progressed *events.Event
	for _, e := range eventsOfType(app.Events(t, runID), events.TypeTaskProgressed) {
		if e.TaskID == task.ID {
			progressed = e
		}
	}
	require.NotNil(t, progressed)
	var payload events.TaskProgressedPayload
	require.NoError(t, events.DecodePayload(progressed, &payload))
	assert.Equal(t, 42, payload.Progress, "masking never rewrites non-string members")
	assert.Contains(t, payload.Message, "__MASKED_API_KEY__")
	assert.NotContains(t, payload.Message, "abcdef1234567890XYZ")
}

// ────────────────────────────────────────────────────────────
// Rate limiting: an impossible token estimate fails the run
// ────────────────────────────────────────────────────────────

func TestE2E_TokenBudgetFailsRun(t *testing.T) {
	app := NewTestApp(t, WithConfig(func(cfg *config.Config) {
		cfg.RateLimit.Models = map[string]config.ModelLimit{
			"static": {RPM: 60, TPM: 8},
		}
	}))

	// The planner's estimate can never fit an 8-token-per-minute budget, so
	// the run fails fast instead of waiting for a bucket that cannot fill.
	run := app.StartRun(t, models.StartRunRequest{Goal: "summarize everything"})
	app.WaitForRunState(t, run.ID, models.RunFailed)

	failed := eventsOfType(app.Events(t, run.ID), events.TypeRunFailed)
	require.Len(t, failed, 1)
	var payload events.RunFailedPayload
	require.NoError(t, events.DecodePayload(failed[0], &payload))
	assert.Contains(t, payload.Reason, "planning failed")
	assert.Contains(t, payload.Reason, "exceeds per-minute budget")
}
