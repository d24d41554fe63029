package projection

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiaryhq/apiary/pkg/events"
	"github.com/apiaryhq/apiary/pkg/models"
)

// ev builds an event scoped to run-1, sealed so Known()/hash checks behave
// like production events.
func ev(t *testing.T, eventType string, payload any, opts ...events.Option) *events.Event {
	t.Helper()
	opts = append([]events.Option{events.WithRun("run-1")}, opts...)
	e := events.New(eventType, "test", payload, opts...)
	require.NoError(t, e.Seal(""))
	return e
}

func runLog(t *testing.T) []*events.Event {
	t.Helper()
	return []*events.Event{
		ev(t, events.TypeRunStarted, events.RunStartedPayload{Goal: "ship it", ColonyID: "col-1"}),
		ev(t, events.TypeTaskCreated, events.TaskCreatedPayload{
			Title:       "build",
			ActionClass: models.ActionReversible,
		}, events.WithTask("task-a")),
		ev(t, events.TypeTaskAssigned, events.TaskAssignedPayload{Assignee: "worker-llm"}, events.WithTask("task-a")),
		ev(t, events.TypeWorkerStarted, events.WorkerStartedPayload{Assignee: "worker-llm", RetryCount: 0}, events.WithTask("task-a")),
		ev(t, events.TypeTaskProgressed, events.TaskProgressedPayload{Progress: 40}, events.WithTask("task-a")),
		ev(t, events.TypeTaskCompleted, events.TaskCompletedPayload{Result: "built"}, events.WithTask("task-a")),
	}
}

func TestProjectRun_FoldsTasksAndState(t *testing.T) {
	p := ProjectRun("run-1", runLog(t))

	assert.Equal(t, models.RunRunning, p.Run.State)
	assert.Equal(t, "ship it", p.Run.Goal)
	assert.Equal(t, "col-1", p.Run.ColonyID)
	assert.Equal(t, 6, p.Run.EventCount)

	task := p.Tasks["task-a"]
	require.NotNil(t, task)
	assert.Equal(t, models.TaskCompleted, task.State)
	assert.Equal(t, "built", task.Result)
	assert.Equal(t, 100, task.Progress)
	assert.Equal(t, "worker-llm", task.Assignee)

	assert.Empty(t, p.OpenTasks())
	assert.True(t, p.Quiescent())

	result, ok := p.Result("task-a")
	require.True(t, ok)
	assert.Equal(t, models.TaskCompleted, result.State)
	assert.Equal(t, "built", result.Result)
}

func TestRunProjection_ApplyEqualsRefold(t *testing.T) {
	log := runLog(t)
	log = append(log,
		ev(t, events.TypeRunHeartbeat, events.RunHeartbeatPayload{}),
		ev(t, events.TypeRunCompleted, events.RunCompletedPayload{Succeeded: true}),
	)

	incremental := NewRun("run-1")
	for _, e := range log {
		incremental.Apply(e)
	}
	refolded := ProjectRun("run-1", log)

	if diff := cmp.Diff(refolded, incremental, cmp.AllowUnexported(RunProjection{})); diff != "" {
		t.Fatalf("incremental apply diverged from refold (-refold +incremental):\n%s", diff)
	}
	assert.Equal(t, models.RunCompleted, incremental.Run.State)
	require.NotNil(t, incremental.Run.CompletedAt)
	require.NotNil(t, incremental.Run.LastHeartbeat)
}

func TestRunProjection_UnknownEventsCountedNotApplied(t *testing.T) {
	log := runLog(t)
	unknown := ev(t, "shiny.new_thing", map[string]any{"x": 1})
	log = append(log, unknown)

	p := ProjectRun("run-1", log)
	assert.Equal(t, 1, p.UnknownEvents)
	assert.Equal(t, models.RunRunning, p.Run.State)
	assert.Equal(t, 7, p.Run.EventCount)
	assert.Equal(t, unknown.ID, p.LastEventID)
}

func TestRunProjection_IllegalTransitionChangesNothing(t *testing.T) {
	log := []*events.Event{
		ev(t, events.TypeRunStarted, events.RunStartedPayload{Goal: "g"}),
		// completed before any worker ran: the fold must not honor it
		ev(t, events.TypeTaskCompleted, events.TaskCompletedPayload{Result: "?"}, events.WithTask("ghost")),
		ev(t, events.TypeRunCompleted, events.RunCompletedPayload{Succeeded: true}),
		ev(t, events.TypeRunFailed, events.RunFailedPayload{Reason: "late"}), // terminal absorbs
	}
	p := ProjectRun("run-1", log)
	assert.NotContains(t, p.Tasks, "ghost")
	assert.Equal(t, models.RunCompleted, p.Run.State)
}

func TestRunProjection_Requirements(t *testing.T) {
	created := ev(t, events.TypeRequirementCreated, events.RequirementCreatedPayload{
		Description: "Delete production bucket?",
		Options:     []string{"yes", "no"},
	})
	log := []*events.Event{
		ev(t, events.TypeRunStarted, events.RunStartedPayload{Goal: "g"}),
		created,
	}

	p := ProjectRun("run-1", log)
	req := p.Requirements[created.ID]
	require.NotNil(t, req)
	assert.Equal(t, models.RequirementPending, req.State)
	assert.Equal(t, []string{created.ID}, p.OpenRequirements())
	assert.False(t, p.Quiescent())

	p.Apply(ev(t, events.TypeRequirementApproved, events.RequirementResolvedPayload{
		RequirementID:  created.ID,
		SelectedOption: "yes",
		Comment:        "go ahead",
	}))
	assert.Equal(t, models.RequirementApproved, req.State)
	assert.Equal(t, "yes", req.SelectedOption)
	assert.Empty(t, p.OpenRequirements())

	// Second resolution loses: first-wins.
	p.Apply(ev(t, events.TypeRequirementRejected, events.RequirementResolvedPayload{RequirementID: created.ID}))
	assert.Equal(t, models.RequirementApproved, p.Requirements[created.ID].State)
}

func TestRunProjection_TaskRetryAndFailure(t *testing.T) {
	log := []*events.Event{
		ev(t, events.TypeRunStarted, events.RunStartedPayload{Goal: "g"}),
		ev(t, events.TypeTaskCreated, events.TaskCreatedPayload{Title: "flaky"}, events.WithTask("task-f")),
		ev(t, events.TypeTaskAssigned, events.TaskAssignedPayload{Assignee: "w"}, events.WithTask("task-f")),
		ev(t, events.TypeWorkerStarted, events.WorkerStartedPayload{Assignee: "w", RetryCount: 0}, events.WithTask("task-f")),
		ev(t, events.TypeWorkerStarted, events.WorkerStartedPayload{Assignee: "w", RetryCount: 1}, events.WithTask("task-f")),
		ev(t, events.TypeWorkerStarted, events.WorkerStartedPayload{Assignee: "w", RetryCount: 2}, events.WithTask("task-f")),
		ev(t, events.TypeTaskFailed, events.TaskFailedPayload{Error: "boom", Reason: "retries_exhausted"}, events.WithTask("task-f")),
	}
	p := ProjectRun("run-1", log)

	task := p.Tasks["task-f"]
	require.NotNil(t, task)
	assert.Equal(t, models.TaskFailed, task.State)
	assert.Equal(t, 2, task.RetryCount)
	assert.Equal(t, "boom", task.Error)

	result, ok := p.Result("task-f")
	require.True(t, ok)
	assert.Equal(t, 2, result.Retries)
	assert.Empty(t, p.OpenTasks())
}

func TestRunProjection_CloneIsIndependent(t *testing.T) {
	p := ProjectRun("run-1", runLog(t))
	clone := p.Clone()

	clone.Tasks["task-a"].Title = "mutated"
	clone.Run.Goal = "mutated"

	assert.Equal(t, "build", p.Tasks["task-a"].Title)
	assert.Equal(t, "ship it", p.Run.Goal)

	if diff := cmp.Diff(p, p.Clone(), cmp.AllowUnexported(RunProjection{})); diff != "" {
		t.Fatalf("clone of untouched projection differs:\n%s", diff)
	}
}

func TestRunProjection_LastActivityTracksNewestTimestamp(t *testing.T) {
	p := NewRun("run-1")
	e := ev(t, events.TypeRunStarted, events.RunStartedPayload{Goal: "g"})
	p.Apply(e)
	assert.WithinDuration(t, time.Now().UTC(), p.LastActivity, time.Minute)
	assert.Equal(t, e.Timestamp, p.LastActivity)
}

func TestRunProjection_TasksInOrder(t *testing.T) {
	log := []*events.Event{
		ev(t, events.TypeRunStarted, events.RunStartedPayload{Goal: "g"}),
		ev(t, events.TypeTaskCreated, events.TaskCreatedPayload{Title: "first"}, events.WithTask("task-1")),
		ev(t, events.TypeTaskCreated, events.TaskCreatedPayload{Title: "second"}, events.WithTask("task-2")),
	}
	p := ProjectRun("run-1", log)
	titles := []string{}
	for _, task := range p.TasksInOrder() {
		titles = append(titles, task.Title)
	}
	assert.Equal(t, []string{"first", "second"}, titles)

	ignored := cmpopts.IgnoreFields(models.Task{}, "State", "ActionClass")
	if diff := cmp.Diff(models.Task{ID: "task-1", RunID: "run-1", Title: "first"}, p.TasksInOrder()[0], ignored); diff != "" {
		t.Fatalf("unexpected first task:\n%s", diff)
	}
}
