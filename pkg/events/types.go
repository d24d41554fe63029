package events

// Run lifecycle event types.
const (
	TypeRunStarted   = "run.started"
	TypeRunCompleted = "run.completed"
	TypeRunFailed    = "run.failed"
	TypeRunAborted   = "run.aborted"
	TypeRunTimedOut  = "run.timed_out"
	TypeRunHeartbeat = "run.heartbeat"
)

// Task lifecycle event types. worker.started marks one execution attempt of
// an assigned task; retries emit it again with an incremented retry_count.
const (
	TypeTaskCreated    = "task.created"
	TypeTaskAssigned   = "task.assigned"
	TypeWorkerStarted  = "worker.started"
	TypeTaskProgressed = "task.progressed"
	TypeTaskCompleted  = "task.completed"
	TypeTaskFailed     = "task.failed"
	TypeTaskBlocked    = "task.blocked"
	TypeTaskUnblocked  = "task.unblocked"
	TypeTaskCancelled  = "task.cancelled"
)

// Requirement (user approval) event types.
const (
	TypeRequirementCreated   = "requirement.created"
	TypeRequirementApproved  = "requirement.approved"
	TypeRequirementRejected  = "requirement.rejected"
	TypeRequirementCancelled = "requirement.cancelled"
)

// Colony lifecycle event types. A colony.started appended while the colony
// is suspended resumes it; there is no dedicated resume type.
const (
	TypeColonyCreated   = "colony.created"
	TypeColonyStarted   = "colony.started"
	TypeColonyCompleted = "colony.completed"
	TypeColonyFailed    = "colony.failed"
	TypeColonySuspended = "colony.suspended"
)

// Hive lifecycle event types.
const (
	TypeHiveCreated   = "hive.created"
	TypeHiveActivated = "hive.activated"
	TypeHiveIdled     = "hive.idled"
	TypeHiveClosed    = "hive.closed"
)

// Planner and pipeline event types.
const (
	TypePlannerCompleted       = "planner.completed"
	TypePipelineStageStarted   = "pipeline.stage_started"
	TypePipelineStageCompleted = "pipeline.stage_completed"
)

// Sentinel event types. alert_raised announces a detection; the enforcement
// that follows is one of colony.suspended, sentinel.rollback, or
// sentinel.quarantine.
const (
	TypeSentinelAlertRaised = "sentinel.alert_raised"
	TypeSentinelRollback    = "sentinel.rollback"
	TypeSentinelQuarantine  = "sentinel.quarantine"
)

// Operational event types.
const (
	TypeOperationFailed  = "operation.failed"
	TypeOperationTimeout = "operation.timeout"
	TypeSilenceDetected  = "system.silence_detected"
)

// knownTypes is the registry of event types this binary understands.
// Anything else still parses (forward compatibility) but never advances
// projection state.
var knownTypes = map[string]struct{}{
	TypeRunStarted:   {},
	TypeRunCompleted: {},
	TypeRunFailed:    {},
	TypeRunAborted:   {},
	TypeRunTimedOut:  {},
	TypeRunHeartbeat: {},

	TypeTaskCreated:    {},
	TypeTaskAssigned:   {},
	TypeWorkerStarted:  {},
	TypeTaskProgressed: {},
	TypeTaskCompleted:  {},
	TypeTaskFailed:     {},
	TypeTaskBlocked:    {},
	TypeTaskUnblocked:  {},
	TypeTaskCancelled:  {},

	TypeRequirementCreated:   {},
	TypeRequirementApproved:  {},
	TypeRequirementRejected:  {},
	TypeRequirementCancelled: {},

	TypeColonyCreated:   {},
	TypeColonyStarted:   {},
	TypeColonyCompleted: {},
	TypeColonyFailed:    {},
	TypeColonySuspended: {},

	TypeHiveCreated:   {},
	TypeHiveActivated: {},
	TypeHiveIdled:     {},
	TypeHiveClosed:    {},

	TypePlannerCompleted:       {},
	TypePipelineStageStarted:   {},
	TypePipelineStageCompleted: {},

	TypeSentinelAlertRaised: {},
	TypeSentinelRollback:    {},
	TypeSentinelQuarantine:  {},

	TypeOperationFailed:  {},
	TypeOperationTimeout: {},
	TypeSilenceDetected:  {},
}

// KnownType reports whether t is a registered event type.
func KnownType(t string) bool {
	_, ok := knownTypes[t]
	return ok
}
