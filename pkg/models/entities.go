// Package models defines the domain entities, their lifecycle states, and
// the command request/result types exchanged with the control surface.
//
// Entities here are projection snapshots: plain data derived by folding a
// scope's event log. The event log is the only authority; nothing in this
// package is persisted directly.
package models

import "time"

// Hive is the project-scope container. It owns Colonies.
type Hive struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Status      HiveState `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	ColonyIDs   []string  `json:"colony_ids,omitempty"`
}

// Colony is a domain-scope workgroup inside a Hive. It owns Runs and exactly
// one planner-scheduler.
type Colony struct {
	ID        string      `json:"id"`
	HiveID    string      `json:"hive_id"`
	Name      string      `json:"name"`
	Goal      string      `json:"goal,omitempty"`
	Status    ColonyState `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	RunIDs    []string    `json:"run_ids,omitempty"`
	// Oscillations counts suspend/resume flips, bounded by governance config.
	Oscillations int `json:"oscillations,omitempty"`
}

// Run is one execution pass of a goal.
type Run struct {
	ID            string     `json:"id"`
	ColonyID      string     `json:"colony_id,omitempty"`
	Goal          string     `json:"goal"`
	State         RunState   `json:"state"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	EventCount    int        `json:"event_count"`
}

// Task is a unit of work inside a Run.
type Task struct {
	ID           string      `json:"id"`
	RunID        string      `json:"run_id"`
	ParentTaskID string      `json:"parent_task_id,omitempty"`
	Title        string      `json:"title"`
	Description  string      `json:"description,omitempty"`
	State        TaskState   `json:"state"`
	Progress     int         `json:"progress"`
	Assignee     string      `json:"assignee,omitempty"`
	RetryCount   int         `json:"retry_count"`
	Dependencies []string    `json:"dependencies,omitempty"`
	ActionClass  ActionClass `json:"action_class"`
	Result       string      `json:"result,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// Requirement is a pending or resolved user-approval request.
type Requirement struct {
	ID          string           `json:"id"`
	RunID       string           `json:"run_id"`
	Description string           `json:"description"`
	State       RequirementState `json:"state"`
	// TaskID links task-gating requirements back to their subject task.
	TaskID         string    `json:"task_id,omitempty"`
	Options        []string  `json:"options,omitempty"`
	SelectedOption string    `json:"selected_option,omitempty"`
	Comment        string    `json:"comment,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Episode is the post-run learning record produced on terminal Run events.
// The Sentinel KPI detector and future planning heuristics consume these.
type Episode struct {
	ID              string        `json:"id"`
	RunID           string        `json:"run_id"`
	ColonyID        string        `json:"colony_id,omitempty"`
	GoalFingerprint string        `json:"goal_fingerprint"`
	Outcome         RunState      `json:"outcome"`
	Duration        time.Duration `json:"duration_ns"`
	TasksCompleted  int           `json:"tasks_completed"`
	TasksFailed     int           `json:"tasks_failed"`
	TokensUsed      int           `json:"tokens_used"`
	// Interventions counts sentinel enforcements and human approvals
	// that touched the Run.
	Interventions int       `json:"interventions"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// TaskSpec is one planned task as produced by goal decomposition, before
// any Task entity exists.
type TaskSpec struct {
	ID           string      `json:"id"`
	Title        string      `json:"title"`
	Description  string      `json:"description,omitempty"`
	Dependencies []string    `json:"dependencies,omitempty"`
	ActionClass  ActionClass `json:"action_class,omitempty"`
}

// TaskResult is one finished Task's outcome as seen by dependents.
type TaskResult struct {
	TaskID     string    `json:"task_id"`
	Title      string    `json:"title"`
	State      TaskState `json:"state"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	Retries    int       `json:"retries"`
	TokensUsed int       `json:"tokens_used,omitempty"`
	Completed  time.Time `json:"completed"`
}

// ColonyResult aggregates all Task outcomes of one Run plus verifier verdicts.
type ColonyResult struct {
	RunID     string                `json:"run_id"`
	Succeeded bool                  `json:"succeeded"`
	Tasks     map[string]TaskResult `json:"tasks"`
	Verdicts  []VerdictRecord       `json:"verdicts,omitempty"`
	// FailedTasks lists task ids that ended failed, in completion order.
	FailedTasks []string `json:"failed_tasks,omitempty"`
}

// VerdictRecord captures one Guard invocation.
type VerdictRecord struct {
	Stage   string  `json:"stage"`
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason,omitempty"`
}
