// Package lifecycle encodes the entity state machines as pure transition
// tables. Each Next function answers: given the entity's current state and
// one event type, what is the state afterwards?
//
// Three behaviors fall out of the tables:
//
//   - An event type that belongs to the entity's family but has no edge from
//     the current state is an *InvalidTransitionError. The enclosing command
//     must not append the event.
//   - An event type outside the family (a task event folding through a Run
//     machine, an unknown type) leaves the state unchanged.
//   - Terminal states absorb: they have no outgoing edges.
//
// Nothing here holds state; projections own the folding.
package lifecycle

import (
	"fmt"
	"strings"

	"github.com/apiaryhq/apiary/pkg/events"
	"github.com/apiaryhq/apiary/pkg/models"
)

// InvalidTransitionError reports a state-machine rejection: the event names a
// transition the entity's current state does not permit.
type InvalidTransitionError struct {
	Entity string // run, task, requirement, colony, hive
	ID     string
	State  string // current state ("" for not-yet-created)
	Event  string // event type that was rejected
}

func (e *InvalidTransitionError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("invalid transition: %s %s does not exist yet, cannot apply %s", e.Entity, e.ID, e.Event)
	}
	return fmt.Sprintf("invalid transition: %s %s in state %q cannot apply %s", e.Entity, e.ID, e.State, e.Event)
}

// runTable maps event type → legal source states → resulting state.
// The empty source state means the entity does not exist yet.
var runTable = map[string]map[models.RunState]models.RunState{
	events.TypeRunStarted:   {"": models.RunRunning},
	events.TypeRunCompleted: {models.RunRunning: models.RunCompleted},
	events.TypeRunFailed:    {models.RunRunning: models.RunFailed},
	events.TypeRunAborted:   {models.RunRunning: models.RunAborted},
	events.TypeRunTimedOut:  {models.RunRunning: models.RunTimedOut},
	events.TypeRunHeartbeat: {models.RunRunning: models.RunRunning},
}

// RunNext folds one event type through the Run machine.
func RunNext(state models.RunState, eventType, runID string) (models.RunState, error) {
	edges, ok := runTable[eventType]
	if !ok {
		if strings.HasPrefix(eventType, "run.") {
			return state, &InvalidTransitionError{Entity: "run", ID: runID, State: string(state), Event: eventType}
		}
		return state, nil
	}
	next, ok := edges[state]
	if !ok {
		return state, &InvalidTransitionError{Entity: "run", ID: runID, State: string(state), Event: eventType}
	}
	return next, nil
}

// taskTable encodes pending → assigned → in-progress → terminal, with
// blocked ↔ in-progress and cancellation of any open state. worker.started
// from in-progress is a retry attempt, not a new assignment.
var taskTable = map[string]map[models.TaskState]models.TaskState{
	events.TypeTaskCreated: {"": models.TaskPending},
	events.TypeTaskAssigned: {
		models.TaskPending: models.TaskAssigned,
	},
	events.TypeWorkerStarted: {
		models.TaskAssigned:   models.TaskInProgress,
		models.TaskInProgress: models.TaskInProgress,
	},
	events.TypeTaskProgressed: {
		models.TaskInProgress: models.TaskInProgress,
	},
	events.TypeTaskCompleted: {
		models.TaskInProgress: models.TaskCompleted,
	},
	events.TypeTaskFailed: {
		models.TaskPending:    models.TaskFailed, // policy denial or failed dependency
		models.TaskAssigned:   models.TaskFailed,
		models.TaskInProgress: models.TaskFailed,
		models.TaskBlocked:    models.TaskFailed,
	},
	events.TypeTaskBlocked: {
		models.TaskInProgress: models.TaskBlocked,
	},
	events.TypeTaskUnblocked: {
		models.TaskBlocked: models.TaskInProgress,
	},
	events.TypeTaskCancelled: {
		models.TaskPending:    models.TaskCancelled,
		models.TaskAssigned:   models.TaskCancelled,
		models.TaskInProgress: models.TaskCancelled,
		models.TaskBlocked:    models.TaskCancelled,
	},
}

// taskEventPrefixes are the families the Task machine claims.
func isTaskEvent(eventType string) bool {
	return strings.HasPrefix(eventType, "task.") || eventType == events.TypeWorkerStarted
}

// TaskNext folds one event type through the Task machine.
func TaskNext(state models.TaskState, eventType, taskID string) (models.TaskState, error) {
	edges, ok := taskTable[eventType]
	if !ok {
		if isTaskEvent(eventType) {
			return state, &InvalidTransitionError{Entity: "task", ID: taskID, State: string(state), Event: eventType}
		}
		return state, nil
	}
	next, ok := edges[state]
	if !ok {
		return state, &InvalidTransitionError{Entity: "task", ID: taskID, State: string(state), Event: eventType}
	}
	return next, nil
}

var requirementTable = map[string]map[models.RequirementState]models.RequirementState{
	events.TypeRequirementCreated:   {"": models.RequirementPending},
	events.TypeRequirementApproved:  {models.RequirementPending: models.RequirementApproved},
	events.TypeRequirementRejected:  {models.RequirementPending: models.RequirementRejected},
	events.TypeRequirementCancelled: {models.RequirementPending: models.RequirementCancelled},
}

// RequirementNext folds one event type through the Requirement machine.
func RequirementNext(state models.RequirementState, eventType, reqID string) (models.RequirementState, error) {
	edges, ok := requirementTable[eventType]
	if !ok {
		if strings.HasPrefix(eventType, "requirement.") {
			return state, &InvalidTransitionError{Entity: "requirement", ID: reqID, State: string(state), Event: eventType}
		}
		return state, nil
	}
	next, ok := edges[state]
	if !ok {
		return state, &InvalidTransitionError{Entity: "requirement", ID: reqID, State: string(state), Event: eventType}
	}
	return next, nil
}

// colonyTable includes the resume edge: colony.started while suspended
// brings the colony back to in-progress. There is no dedicated resume type;
// replay treats the second occurrence as a resume, never re-initialization.
// sentinel.quarantine is the one cross-family edge: it parks the colony in
// the terminal quarantined state, which has no way out.
var colonyTable = map[string]map[models.ColonyState]models.ColonyState{
	events.TypeColonyCreated: {"": models.ColonyPending},
	events.TypeColonyStarted: {
		models.ColonyPending:   models.ColonyInProgress,
		models.ColonySuspended: models.ColonyInProgress,
	},
	events.TypeColonyCompleted: {models.ColonyInProgress: models.ColonyCompleted},
	events.TypeColonyFailed:    {models.ColonyInProgress: models.ColonyFailed},
	events.TypeColonySuspended: {models.ColonyInProgress: models.ColonySuspended},
	events.TypeSentinelQuarantine: {
		models.ColonyInProgress: models.ColonyQuarantined,
		models.ColonySuspended:  models.ColonyQuarantined,
	},
}

// ColonyNext folds one event type through the Colony machine.
func ColonyNext(state models.ColonyState, eventType, colonyID string) (models.ColonyState, error) {
	edges, ok := colonyTable[eventType]
	if !ok {
		if strings.HasPrefix(eventType, "colony.") {
			return state, &InvalidTransitionError{Entity: "colony", ID: colonyID, State: string(state), Event: eventType}
		}
		return state, nil
	}
	next, ok := edges[state]
	if !ok {
		return state, &InvalidTransitionError{Entity: "colony", ID: colonyID, State: string(state), Event: eventType}
	}
	return next, nil
}

var hiveTable = map[string]map[models.HiveState]models.HiveState{
	events.TypeHiveCreated:   {"": models.HiveActive},
	events.TypeHiveActivated: {models.HiveIdle: models.HiveActive},
	events.TypeHiveIdled:     {models.HiveActive: models.HiveIdle},
	events.TypeHiveClosed:    {models.HiveIdle: models.HiveClosed},
}

// HiveNext folds one event type through the Hive machine.
func HiveNext(state models.HiveState, eventType, hiveID string) (models.HiveState, error) {
	edges, ok := hiveTable[eventType]
	if !ok {
		if strings.HasPrefix(eventType, "hive.") {
			return state, &InvalidTransitionError{Entity: "hive", ID: hiveID, State: string(state), Event: eventType}
		}
		return state, nil
	}
	next, ok := edges[state]
	if !ok {
		return state, &InvalidTransitionError{Entity: "hive", ID: hiveID, State: string(state), Event: eventType}
	}
	return next, nil
}
