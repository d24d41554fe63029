package events

import "github.com/apiaryhq/apiary/pkg/models"

// Typed payloads for every known event type. Callers pass these to New,
// which flattens them into the event's payload map; the structs exist so
// producers and tests agree on field names.

// RunStartedPayload is the payload for run.started.
type RunStartedPayload struct {
	Goal     string `json:"goal"`
	ColonyID string `json:"colony_id,omitempty"`
}

// RunCompletedPayload is the payload for run.completed.
type RunCompletedPayload struct {
	Force     bool   `json:"force,omitempty"`
	Summary   string `json:"summary,omitempty"`
	Succeeded bool   `json:"succeeded"`
}

// RunFailedPayload is the payload for run.failed.
type RunFailedPayload struct {
	Reason string `json:"reason"`
}

// RunAbortedPayload is the payload for run.aborted (emergency stop).
type RunAbortedPayload struct {
	Reason string `json:"reason"`
	Scope  string `json:"scope,omitempty"`
}

// RunTimedOutPayload is the payload for run.timed_out.
type RunTimedOutPayload struct {
	Reason string `json:"reason"`
}

// RunHeartbeatPayload is the payload for run.heartbeat.
type RunHeartbeatPayload struct {
	Message string `json:"message,omitempty"`
}

// TaskCreatedPayload is the payload for task.created.
type TaskCreatedPayload struct {
	Title        string             `json:"title"`
	Description  string             `json:"description,omitempty"`
	ParentTaskID string             `json:"parent_task_id,omitempty"`
	Dependencies []string           `json:"dependencies,omitempty"`
	ActionClass  models.ActionClass `json:"action_class"`
}

// TaskAssignedPayload is the payload for task.assigned.
type TaskAssignedPayload struct {
	Assignee string `json:"assignee"`
}

// WorkerStartedPayload is the payload for worker.started. RetryCount is 0 on
// the first attempt and increments on each requeue.
type WorkerStartedPayload struct {
	Assignee   string `json:"assignee"`
	RetryCount int    `json:"retry_count"`
}

// TaskProgressedPayload is the payload for task.progressed.
type TaskProgressedPayload struct {
	Progress int    `json:"progress"` // 0–100
	Message  string `json:"message,omitempty"`
}

// TaskCompletedPayload is the payload for task.completed.
type TaskCompletedPayload struct {
	Result     string `json:"result,omitempty"`
	TokensUsed int    `json:"tokens_used,omitempty"`
}

// TaskFailedPayload is the payload for task.failed. Reason carries the
// failure classification (aborted, rejected, policy_denied,
// dependency_failed, retries_exhausted, timeout, worker_error). Title is
// denormalized from task.created so failure events are self-contained for
// the sentinel's loop detector.
type TaskFailedPayload struct {
	Title     string `json:"title,omitempty"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
	Reason    string `json:"reason,omitempty"`
}

// TaskBlockedPayload is the payload for task.blocked.
type TaskBlockedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// TaskUnblockedPayload is the payload for task.unblocked.
type TaskUnblockedPayload struct{}

// TaskCancelledPayload is the payload for task.cancelled (force-complete or
// emergency stop).
type TaskCancelledPayload struct {
	Reason string `json:"reason,omitempty"`
}

// RequirementCreatedPayload is the payload for requirement.created.
type RequirementCreatedPayload struct {
	Description string             `json:"description"`
	Options     []string           `json:"options,omitempty"`
	ActionClass models.ActionClass `json:"action_class,omitempty"`
	// TaskID links plan- or task-gating requirements back to their subject.
	TaskID string `json:"task_id,omitempty"`
}

// RequirementResolvedPayload is the payload for requirement.approved and
// requirement.rejected. RequirementID is the id of the requirement.created
// event being resolved.
type RequirementResolvedPayload struct {
	RequirementID  string `json:"requirement_id"`
	SelectedOption string `json:"selected_option,omitempty"`
	Comment        string `json:"comment,omitempty"`
}

// RequirementCancelledPayload is the payload for requirement.cancelled.
type RequirementCancelledPayload struct {
	RequirementID string `json:"requirement_id"`
	Reason        string `json:"reason,omitempty"`
}

// ColonyCreatedPayload is the payload for colony.created.
type ColonyCreatedPayload struct {
	Name string `json:"name"`
	Goal string `json:"goal,omitempty"`
}

// ColonyStartedPayload is the payload for colony.started. Resume marks the
// second and later occurrences that bring a suspended colony back.
type ColonyStartedPayload struct {
	Resume bool `json:"resume,omitempty"`
}

// ColonyCompletedPayload is the payload for colony.completed.
type ColonyCompletedPayload struct{}

// ColonyFailedPayload is the payload for colony.failed.
type ColonyFailedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ColonySuspendedPayload is the payload for colony.suspended.
type ColonySuspendedPayload struct {
	Reason  string `json:"reason"`
	Pattern string `json:"pattern,omitempty"` // sentinel pattern that triggered it
}

// HiveCreatedPayload is the payload for hive.created.
type HiveCreatedPayload struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// HiveClosedPayload is the payload for hive.closed.
type HiveClosedPayload struct{}

// PlannerCompletedPayload is the payload for planner.completed and carries
// the full plan.
type PlannerCompletedPayload struct {
	Tasks      []models.TaskSpec `json:"tasks"`
	Layers     [][]string        `json:"layers"`
	Fallback   bool              `json:"fallback,omitempty"` // single-task fallback plan
	Model      string            `json:"model,omitempty"`
	TokensUsed int               `json:"tokens_used,omitempty"`
}

// PipelineStagePayload is the payload for pipeline.stage_started and
// pipeline.stage_completed.
type PipelineStagePayload struct {
	Stage   string `json:"stage"`
	Outcome string `json:"outcome,omitempty"` // completed events only
	Detail  string `json:"detail,omitempty"`
}

// SentinelAlertPayload is the payload for sentinel.alert_raised.
type SentinelAlertPayload struct {
	Pattern  string `json:"pattern"`
	ColonyID string `json:"colony_id,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// SentinelRollbackPayload is the payload for sentinel.rollback.
type SentinelRollbackPayload struct {
	TargetRunID string `json:"target_run_id,omitempty"`
	ToEventID   string `json:"to_event_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// SentinelQuarantinePayload is the payload for sentinel.quarantine.
type SentinelQuarantinePayload struct {
	ColonyID string `json:"colony_id"`
	Reason   string `json:"reason,omitempty"`
}

// OperationFailedPayload is the payload for operation.failed.
type OperationFailedPayload struct {
	Operation string `json:"operation"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// OperationTimeoutPayload is the payload for operation.timeout.
type OperationTimeoutPayload struct {
	Operation string `json:"operation"`
	Timeout   string `json:"timeout"` // duration string, e.g. "5m0s"
}

// SilenceDetectedPayload is the payload for system.silence_detected.
type SilenceDetectedPayload struct {
	LastHeartbeat string `json:"last_heartbeat,omitempty"` // RFC3339
	Silence       string `json:"silence"`                  // duration string
}
