package models

// RunState is the lifecycle state of a Run.
type RunState string

const (
	// RunRunning is the initial and only non-terminal Run state.
	RunRunning RunState = "running"
	// RunCompleted means the Run finished and post-verification passed.
	RunCompleted RunState = "completed"
	// RunFailed means execution or verification failed.
	RunFailed RunState = "failed"
	// RunAborted means an emergency stop ended the Run.
	RunAborted RunState = "aborted"
	// RunTimedOut means the Run exceeded its deadline or went silent.
	RunTimedOut RunState = "timed-out"
)

// Terminal reports whether the state absorbs all further events.
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunAborted || s == RunTimedOut
}

// TaskState is the lifecycle state of a Task.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskAssigned   TaskState = "assigned"
	TaskInProgress TaskState = "in-progress"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
	TaskBlocked    TaskState = "blocked"
	TaskCancelled  TaskState = "cancelled"
)

// Terminal reports whether the Task can receive no further transitions.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// RequirementState is the lifecycle state of a user-approval Requirement.
type RequirementState string

const (
	RequirementPending   RequirementState = "pending"
	RequirementApproved  RequirementState = "approved"
	RequirementRejected  RequirementState = "rejected"
	RequirementCancelled RequirementState = "cancelled"
)

// Terminal reports whether the Requirement has been resolved.
func (s RequirementState) Terminal() bool {
	return s != RequirementPending
}

// ColonyState is the lifecycle state of a Colony.
type ColonyState string

const (
	ColonyPending    ColonyState = "pending"
	ColonyInProgress ColonyState = "in-progress"
	ColonyCompleted  ColonyState = "completed"
	ColonyFailed     ColonyState = "failed"
	ColonySuspended  ColonyState = "suspended"
	// ColonyQuarantined is the sentinel's terminal stop: unlike suspended
	// there is no resume edge.
	ColonyQuarantined ColonyState = "quarantined"
)

// Terminal reports whether the Colony can receive no further transitions.
func (s ColonyState) Terminal() bool {
	return s == ColonyCompleted || s == ColonyFailed || s == ColonyQuarantined
}

// HiveState is the lifecycle state of a Hive.
type HiveState string

const (
	HiveActive HiveState = "active"
	HiveIdle   HiveState = "idle"
	HiveClosed HiveState = "closed"
)

// ActionClass is the risk classification of a tool or command.
type ActionClass string

const (
	// ActionReadOnly actions observe state and are always allowed.
	ActionReadOnly ActionClass = "read-only"
	// ActionReversible actions mutate state but can be undone.
	ActionReversible ActionClass = "reversible"
	// ActionIrreversible actions cannot be undone and default to
	// requiring approval regardless of trust.
	ActionIrreversible ActionClass = "irreversible"
)

// ValidActionClass reports whether s names a known action class.
func ValidActionClass(s string) bool {
	switch ActionClass(s) {
	case ActionReadOnly, ActionReversible, ActionIrreversible:
		return true
	}
	return false
}

// riskRank orders action classes from least to most dangerous.
func (c ActionClass) riskRank() int {
	switch c {
	case ActionReadOnly:
		return 0
	case ActionReversible:
		return 1
	case ActionIrreversible:
		return 2
	}
	return 1 // unknown classes are treated as reversible
}

// RiskierThan reports whether c carries more risk than other.
func (c ActionClass) RiskierThan(other ActionClass) bool {
	return c.riskRank() > other.riskRank()
}

// TrustLevel is the authorization attribute of an actor.
type TrustLevel string

const (
	TrustUntrusted TrustLevel = "untrusted"
	TrustBasic     TrustLevel = "basic"
	TrustTrusted   TrustLevel = "trusted"
	TrustAdmin     TrustLevel = "admin"
)

// AtLeast reports whether t grants at least the authority of min.
func (t TrustLevel) AtLeast(min TrustLevel) bool {
	return t.rank() >= min.rank()
}

func (t TrustLevel) rank() int {
	switch t {
	case TrustUntrusted:
		return 0
	case TrustBasic:
		return 1
	case TrustTrusted:
		return 2
	case TrustAdmin:
		return 3
	}
	return 1 // unknown levels are treated as basic
}

// Decision is the policy gate's answer for one attempted action.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionRequireApproval Decision = "require-approval"
	DecisionDeny            Decision = "deny"
)

// Verdict is a Guard collaborator's judgement of a plan or result.
type Verdict string

const (
	VerdictPass        Verdict = "pass"
	VerdictConditional Verdict = "conditional"
	VerdictFail        Verdict = "fail"
)
