package models

// Command requests for the control surface. Every request carries an
// optional CommandID; replaying a command with the same id returns the
// recorded first result instead of re-executing.

// CreateHiveRequest creates a project-scope Hive.
type CreateHiveRequest struct {
	CommandID   string `json:"command_id,omitempty"`
	Actor       string `json:"actor,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CreateColonyRequest creates a Colony inside a Hive.
type CreateColonyRequest struct {
	CommandID string `json:"command_id,omitempty"`
	Actor     string `json:"actor,omitempty"`
	HiveID    string `json:"hive_id"`
	Name      string `json:"name"`
	Goal      string `json:"goal,omitempty"`
}

// CloseHiveRequest closes a Hive once every Colony in it is terminal.
type CloseHiveRequest struct {
	CommandID string `json:"command_id,omitempty"`
	Actor     string `json:"actor,omitempty"`
	HiveID    string `json:"hive_id"`
}

// StartColonyRequest moves a Colony to in-progress. Starting a suspended
// Colony is a resume; the engine derives the flag from the current state.
type StartColonyRequest struct {
	CommandID string `json:"command_id,omitempty"`
	Actor     string `json:"actor,omitempty"`
	ColonyID  string `json:"colony_id"`
}

// CompleteColonyRequest completes a Colony once its Runs are terminal.
type CompleteColonyRequest struct {
	CommandID string `json:"command_id,omitempty"`
	Actor     string `json:"actor,omitempty"`
	ColonyID  string `json:"colony_id"`
}

// StartRunRequest starts one execution pass. ColonyID is optional for
// standalone runs.
type StartRunRequest struct {
	CommandID string `json:"command_id,omitempty"`
	Actor     string `json:"actor,omitempty"`
	Goal      string `json:"goal"`
	ColonyID  string `json:"colony_id,omitempty"`
}

// CompleteRunRequest completes a Run. Force cancels open Tasks and
// Requirements with explicit transition events; without it the command
// fails while any Task is non-terminal.
type CompleteRunRequest struct {
	CommandID string `json:"command_id,omitempty"`
	Actor     string `json:"actor,omitempty"`
	RunID     string `json:"run_id"`
	Force     bool   `json:"force,omitempty"`
}

// EmergencyStopRequest aborts a Run, fanning cancellation out to every
// in-flight Task and the monitor.
type EmergencyStopRequest struct {
	CommandID string `json:"command_id,omitempty"`
	Actor     string `json:"actor,omitempty"`
	RunID     string `json:"run_id"`
	Reason    string `json:"reason"`
	Scope     string `json:"scope,omitempty"`
}

// CreateTaskRequest adds a Task to a Run.
type CreateTaskRequest struct {
	CommandID    string   `json:"command_id,omitempty"`
	Actor        string   `json:"actor,omitempty"`
	RunID        string   `json:"run_id"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	ParentTaskID string   `json:"parent_task_id,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	ActionClass  string   `json:"action_class,omitempty"`
}

// AssignTaskRequest assigns a pending Task to a worker.
type AssignTaskRequest struct {
	CommandID string `json:"command_id,omitempty"`
	Actor     string `json:"actor,omitempty"`
	RunID     string `json:"run_id"`
	TaskID    string `json:"task_id"`
	Assignee  string `json:"assignee"`
}

// ProgressTaskRequest reports progress on an in-progress Task.
type ProgressTaskRequest struct {
	CommandID string `json:"command_id,omitempty"`
	Actor     string `json:"actor,omitempty"`
	RunID     string `json:"run_id"`
	TaskID    string `json:"task_id"`
	Progress  int    `json:"progress"`
	Message   string `json:"message,omitempty"`
}

// CompleteTaskRequest finishes a Task successfully.
type CompleteTaskRequest struct {
	CommandID string `json:"command_id,omitempty"`
	Actor     string `json:"actor,omitempty"`
	RunID     string `json:"run_id"`
	TaskID    string `json:"task_id"`
	Result    string `json:"result,omitempty"`
}

// FailTaskRequest finishes a Task unsuccessfully.
type FailTaskRequest struct {
	CommandID string `json:"command_id,omitempty"`
	Actor     string `json:"actor,omitempty"`
	RunID     string `json:"run_id"`
	TaskID    string `json:"task_id"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

// CreateRequirementRequest raises a user-approval Requirement. TaskID
// ties the requirement to the task it gates, if any.
type CreateRequirementRequest struct {
	CommandID   string   `json:"command_id,omitempty"`
	Actor       string   `json:"actor,omitempty"`
	RunID       string   `json:"run_id"`
	Description string   `json:"description"`
	TaskID      string   `json:"task_id,omitempty"`
	Options     []string `json:"options,omitempty"`
}

// ResolveRequirementRequest answers a pending Requirement.
type ResolveRequirementRequest struct {
	CommandID      string `json:"command_id,omitempty"`
	Actor          string `json:"actor,omitempty"`
	RunID          string `json:"run_id"`
	RequirementID  string `json:"requirement_id"`
	Approved       bool   `json:"approved"`
	SelectedOption string `json:"selected_option,omitempty"`
	Comment        string `json:"comment,omitempty"`
}

// HeartbeatRequest records liveness for a running Run.
type HeartbeatRequest struct {
	CommandID string `json:"command_id,omitempty"`
	Actor     string `json:"actor,omitempty"`
	RunID     string `json:"run_id"`
	Message   string `json:"message,omitempty"`
}

// LineageRequest walks the event ancestry graph.
type LineageRequest struct {
	RunID   string `json:"run_id"`
	EventID string `json:"event_id"`
	// Direction is "ancestors", "descendants", or "both".
	Direction string `json:"direction"`
	// MaxDepth bounds the walk in edge hops. Nil walks unbounded; an
	// explicit 0 returns only the seed.
	MaxDepth *int `json:"max_depth,omitempty"`
}

// LineageResult is the resolved ancestry set.
type LineageResult struct {
	EventIDs []string `json:"event_ids"`
	// Truncated is set when any walk hit MaxDepth before exhausting the graph.
	Truncated bool `json:"truncated"`
}

// RunListParams filters and paginates run listings.
type RunListParams struct {
	ColonyID string `form:"colony_id"`
	State    string `form:"state"`
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
}

// RunListResult is one page of runs.
type RunListResult struct {
	Runs       []*Run `json:"runs"`
	TotalCount int    `json:"total_count"`
	Page       int    `json:"page"`
	PageSize   int    `json:"page_size"`
}
