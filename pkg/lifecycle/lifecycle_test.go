package lifecycle

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiaryhq/apiary/pkg/events"
	"github.com/apiaryhq/apiary/pkg/models"
)

func TestRunNext(t *testing.T) {
	tests := []struct {
		name      string
		state     models.RunState
		eventType string
		want      models.RunState
		wantErr   bool
	}{
		{name: "started creates run", state: "", eventType: events.TypeRunStarted, want: models.RunRunning},
		{name: "running completes", state: models.RunRunning, eventType: events.TypeRunCompleted, want: models.RunCompleted},
		{name: "running fails", state: models.RunRunning, eventType: events.TypeRunFailed, want: models.RunFailed},
		{name: "running aborts", state: models.RunRunning, eventType: events.TypeRunAborted, want: models.RunAborted},
		{name: "running times out", state: models.RunRunning, eventType: events.TypeRunTimedOut, want: models.RunTimedOut},
		{name: "heartbeat keeps running", state: models.RunRunning, eventType: events.TypeRunHeartbeat, want: models.RunRunning},
		{name: "started twice rejected", state: models.RunRunning, eventType: events.TypeRunStarted, wantErr: true},
		{name: "completed absorbs", state: models.RunCompleted, eventType: events.TypeRunFailed, wantErr: true},
		{name: "aborted absorbs heartbeat", state: models.RunAborted, eventType: events.TypeRunHeartbeat, wantErr: true},
		{name: "complete before start rejected", state: "", eventType: events.TypeRunCompleted, wantErr: true},
		{name: "task event ignored", state: models.RunRunning, eventType: events.TypeTaskCompleted, want: models.RunRunning},
		{name: "unknown type ignored", state: models.RunRunning, eventType: "custom.thing", want: models.RunRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RunNext(tt.state, tt.eventType, "run-1")
			if tt.wantErr {
				require.Error(t, err)
				var ite *InvalidTransitionError
				require.ErrorAs(t, err, &ite)
				assert.Equal(t, "run", ite.Entity)
				assert.Equal(t, "run-1", ite.ID)
				assert.Equal(t, tt.eventType, ite.Event)
				// State must be unchanged on rejection.
				assert.Equal(t, tt.state, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTaskNext(t *testing.T) {
	tests := []struct {
		name      string
		state     models.TaskState
		eventType string
		want      models.TaskState
		wantErr   bool
	}{
		{name: "created", state: "", eventType: events.TypeTaskCreated, want: models.TaskPending},
		{name: "assigned", state: models.TaskPending, eventType: events.TypeTaskAssigned, want: models.TaskAssigned},
		{name: "worker starts", state: models.TaskAssigned, eventType: events.TypeWorkerStarted, want: models.TaskInProgress},
		{name: "retry restarts worker", state: models.TaskInProgress, eventType: events.TypeWorkerStarted, want: models.TaskInProgress},
		{name: "progress", state: models.TaskInProgress, eventType: events.TypeTaskProgressed, want: models.TaskInProgress},
		{name: "completes", state: models.TaskInProgress, eventType: events.TypeTaskCompleted, want: models.TaskCompleted},
		{name: "fails in progress", state: models.TaskInProgress, eventType: events.TypeTaskFailed, want: models.TaskFailed},
		{name: "fails while pending", state: models.TaskPending, eventType: events.TypeTaskFailed, want: models.TaskFailed},
		{name: "fails while blocked", state: models.TaskBlocked, eventType: events.TypeTaskFailed, want: models.TaskFailed},
		{name: "blocks", state: models.TaskInProgress, eventType: events.TypeTaskBlocked, want: models.TaskBlocked},
		{name: "unblocks", state: models.TaskBlocked, eventType: events.TypeTaskUnblocked, want: models.TaskInProgress},
		{name: "cancel pending", state: models.TaskPending, eventType: events.TypeTaskCancelled, want: models.TaskCancelled},
		{name: "cancel assigned", state: models.TaskAssigned, eventType: events.TypeTaskCancelled, want: models.TaskCancelled},
		{name: "cancel in progress", state: models.TaskInProgress, eventType: events.TypeTaskCancelled, want: models.TaskCancelled},
		{name: "cancel blocked", state: models.TaskBlocked, eventType: events.TypeTaskCancelled, want: models.TaskCancelled},
		{name: "worker start before assignment rejected", state: models.TaskPending, eventType: events.TypeWorkerStarted, wantErr: true},
		{name: "complete from pending rejected", state: models.TaskPending, eventType: events.TypeTaskCompleted, wantErr: true},
		{name: "complete from blocked rejected", state: models.TaskBlocked, eventType: events.TypeTaskCompleted, wantErr: true},
		{name: "completed absorbs", state: models.TaskCompleted, eventType: events.TypeTaskFailed, wantErr: true},
		{name: "cancelled absorbs", state: models.TaskCancelled, eventType: events.TypeWorkerStarted, wantErr: true},
		{name: "unblock a running task rejected", state: models.TaskInProgress, eventType: events.TypeTaskUnblocked, wantErr: true},
		{name: "run event ignored", state: models.TaskInProgress, eventType: events.TypeRunHeartbeat, want: models.TaskInProgress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TaskNext(tt.state, tt.eventType, "task-1")
			if tt.wantErr {
				require.Error(t, err)
				var ite *InvalidTransitionError
				require.ErrorAs(t, err, &ite)
				assert.Equal(t, "task", ite.Entity)
				assert.Equal(t, tt.state, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRequirementNext(t *testing.T) {
	tests := []struct {
		name      string
		state     models.RequirementState
		eventType string
		want      models.RequirementState
		wantErr   bool
	}{
		{name: "created", state: "", eventType: events.TypeRequirementCreated, want: models.RequirementPending},
		{name: "approved", state: models.RequirementPending, eventType: events.TypeRequirementApproved, want: models.RequirementApproved},
		{name: "rejected", state: models.RequirementPending, eventType: events.TypeRequirementRejected, want: models.RequirementRejected},
		{name: "cancelled", state: models.RequirementPending, eventType: events.TypeRequirementCancelled, want: models.RequirementCancelled},
		{name: "approve after reject loses", state: models.RequirementRejected, eventType: events.TypeRequirementApproved, wantErr: true},
		{name: "reject after approve loses", state: models.RequirementApproved, eventType: events.TypeRequirementRejected, wantErr: true},
		{name: "cancel after approve rejected", state: models.RequirementApproved, eventType: events.TypeRequirementCancelled, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RequirementNext(tt.state, tt.eventType, "req-1")
			if tt.wantErr {
				require.Error(t, err)
				var ite *InvalidTransitionError
				require.ErrorAs(t, err, &ite)
				assert.Equal(t, "requirement", ite.Entity)
				assert.Equal(t, tt.state, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestColonyNext(t *testing.T) {
	tests := []struct {
		name      string
		state     models.ColonyState
		eventType string
		want      models.ColonyState
		wantErr   bool
	}{
		{name: "created", state: "", eventType: events.TypeColonyCreated, want: models.ColonyPending},
		{name: "started", state: models.ColonyPending, eventType: events.TypeColonyStarted, want: models.ColonyInProgress},
		{name: "suspended", state: models.ColonyInProgress, eventType: events.TypeColonySuspended, want: models.ColonySuspended},
		{name: "second started resumes", state: models.ColonySuspended, eventType: events.TypeColonyStarted, want: models.ColonyInProgress},
		{name: "completed", state: models.ColonyInProgress, eventType: events.TypeColonyCompleted, want: models.ColonyCompleted},
		{name: "failed", state: models.ColonyInProgress, eventType: events.TypeColonyFailed, want: models.ColonyFailed},
		{name: "complete while suspended rejected", state: models.ColonySuspended, eventType: events.TypeColonyCompleted, wantErr: true},
		{name: "suspend twice rejected", state: models.ColonySuspended, eventType: events.TypeColonySuspended, wantErr: true},
		{name: "completed absorbs", state: models.ColonyCompleted, eventType: events.TypeColonyStarted, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ColonyNext(tt.state, tt.eventType, "col-1")
			if tt.wantErr {
				require.Error(t, err)
				var ite *InvalidTransitionError
				require.ErrorAs(t, err, &ite)
				assert.Equal(t, "colony", ite.Entity)
				assert.Equal(t, tt.state, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHiveNext(t *testing.T) {
	tests := []struct {
		name      string
		state     models.HiveState
		eventType string
		want      models.HiveState
		wantErr   bool
	}{
		{name: "created active", state: "", eventType: events.TypeHiveCreated, want: models.HiveActive},
		{name: "idles", state: models.HiveActive, eventType: events.TypeHiveIdled, want: models.HiveIdle},
		{name: "reactivates", state: models.HiveIdle, eventType: events.TypeHiveActivated, want: models.HiveActive},
		{name: "closes from idle", state: models.HiveIdle, eventType: events.TypeHiveClosed, want: models.HiveClosed},
		{name: "close from active rejected", state: models.HiveActive, eventType: events.TypeHiveClosed, wantErr: true},
		{name: "closed absorbs", state: models.HiveClosed, eventType: events.TypeHiveActivated, wantErr: true},
		{name: "activate while active rejected", state: models.HiveActive, eventType: events.TypeHiveActivated, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := HiveNext(tt.state, tt.eventType, "hive-1")
			if tt.wantErr {
				require.Error(t, err)
				var ite *InvalidTransitionError
				require.ErrorAs(t, err, &ite)
				assert.Equal(t, "hive", ite.Entity)
				assert.Equal(t, tt.state, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInvalidTransitionError_Message(t *testing.T) {
	err := &InvalidTransitionError{Entity: "task", ID: "task-9", State: "completed", Event: events.TypeTaskFailed}
	assert.Equal(t, `invalid transition: task task-9 in state "completed" cannot apply task.failed`, err.Error())

	missing := &InvalidTransitionError{Entity: "run", ID: "run-9", State: "", Event: events.TypeRunCompleted}
	assert.Contains(t, missing.Error(), "does not exist yet")

	wrapped := fmt.Errorf("applying event: %w", err)
	var target *InvalidTransitionError
	assert.True(t, errors.As(wrapped, &target))
}
