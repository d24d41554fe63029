package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/apiaryhq/apiary/pkg/approval"
	"github.com/apiaryhq/apiary/pkg/events"
	"github.com/apiaryhq/apiary/pkg/lifecycle"
	"github.com/apiaryhq/apiary/pkg/models"
	"github.com/apiaryhq/apiary/pkg/policy"
	"github.com/apiaryhq/apiary/pkg/projection"
)

// commandEntry parks duplicate submissions until the first attempt settles.
// Only successful results are retained; a failed attempt is evicted so the
// client can retry with the same command id.
type commandEntry struct {
	done   chan struct{}
	result any
	ok     bool
}

// command wraps every mutating entry point: it rejects work after Stop,
// times the command, and deduplicates by command id.
func command[T any](e *Engine, name, commandID string, fn func() (T, error)) (T, error) {
	var zero T
	if e.isStopped() {
		return zero, ErrEngineStopped
	}
	start := time.Now()
	defer func() {
		e.metrics.CommandDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	if commandID == "" {
		return fn()
	}
	for {
		e.idemMu.Lock()
		if entry, exists := e.idem[commandID]; exists {
			e.idemMu.Unlock()
			<-entry.done
			if !entry.ok {
				continue // first attempt failed and was evicted; become the retry
			}
			result, match := entry.result.(T)
			if !match {
				return zero, NewValidationError("command_id", "reused across different commands")
			}
			slog.Info("Command replayed from idempotency table", "command", name, "command_id", commandID)
			return result, nil
		}
		entry := &commandEntry{done: make(chan struct{})}
		e.idem[commandID] = entry
		e.idemMu.Unlock()

		result, err := fn()
		e.idemMu.Lock()
		if err != nil {
			delete(e.idem, commandID)
		} else {
			entry.result = result
			entry.ok = true
		}
		e.idemMu.Unlock()
		close(entry.done)
		return result, err
	}
}

// gateCommand enforces only the Deny effect for control commands. A human
// issuing a command is already the approval, so RequireApproval passes here;
// task assignment enforces the full decision separately.
func (e *Engine) gateCommand(actor, cmd, scope, scopeID string) error {
	decision, reason := e.gate.Decide(policy.Action{Actor: actor, Tool: cmd, Scope: scope, ScopeID: scopeID})
	if decision == models.DecisionDeny {
		return &policy.DeniedError{
			Actor:   actor,
			Tool:    cmd,
			Class:   e.gate.Classify(cmd),
			Scope:   scope,
			ScopeID: scopeID,
			Reason:  reason,
		}
	}
	return nil
}

// actorOr defaults empty actors to the system actor: embedded callers omit
// it, the HTTP surface always fills it in.
func actorOr(actor string) string {
	if actor == "" {
		return policy.SystemActor
	}
	return actor
}

// CreateHive opens a new top-level workspace.
func (e *Engine) CreateHive(ctx context.Context, req models.CreateHiveRequest) (*models.Hive, error) {
	return command(e, policy.CommandHiveCreate, req.CommandID, func() (*models.Hive, error) {
		if req.Name == "" {
			return nil, NewValidationError("name", "must not be empty")
		}
		actor := actorOr(req.Actor)
		hiveID := newID("hv")
		if err := e.gateCommand(actor, policy.CommandHiveCreate, "hive", hiveID); err != nil {
			return nil, err
		}
		_, err := e.Record(ctx, events.New(events.TypeHiveCreated, actor,
			events.HiveCreatedPayload{Name: req.Name, Description: req.Description},
			events.WithHive(hiveID)))
		if err != nil {
			return nil, err
		}
		return e.hiveSnapshot(hiveID)
	})
}

// CloseHive retires a hive. Every colony must already be terminal.
func (e *Engine) CloseHive(ctx context.Context, req models.CloseHiveRequest) (*models.Hive, error) {
	return command(e, policy.CommandHiveClose, req.CommandID, func() (*models.Hive, error) {
		if req.HiveID == "" {
			return nil, NewValidationError("hive_id", "must not be empty")
		}
		actor := actorOr(req.Actor)
		if err := e.gateCommand(actor, policy.CommandHiveClose, "hive", req.HiveID); err != nil {
			return nil, err
		}
		proj, ok := e.cache.Hive(req.HiveID)
		if !ok {
			return nil, fmt.Errorf("%w: hive %s", ErrNotFound, req.HiveID)
		}
		if !proj.AllColoniesTerminal() {
			return nil, fmt.Errorf("hive %s has non-terminal colonies: %w", req.HiveID, ErrNotQuiescent)
		}
		// Closing is legal only from idle; an active hive idles first.
		if proj.Hive.Status == models.HiveActive {
			if _, err := e.Record(ctx, events.New(events.TypeHiveIdled, actor, nil,
				events.WithHive(req.HiveID))); err != nil {
				return nil, err
			}
		}
		_, err := e.Record(ctx, events.New(events.TypeHiveClosed, actor,
			events.HiveClosedPayload{}, events.WithHive(req.HiveID)))
		if err != nil {
			return nil, err
		}
		return e.hiveSnapshot(req.HiveID)
	})
}

// CreateColony adds a workgroup to a hive.
func (e *Engine) CreateColony(ctx context.Context, req models.CreateColonyRequest) (*models.Colony, error) {
	return command(e, policy.CommandColonyCreate, req.CommandID, func() (*models.Colony, error) {
		if req.HiveID == "" {
			return nil, NewValidationError("hive_id", "must not be empty")
		}
		if req.Name == "" {
			return nil, NewValidationError("name", "must not be empty")
		}
		actor := actorOr(req.Actor)
		if err := e.gateCommand(actor, policy.CommandColonyCreate, "hive", req.HiveID); err != nil {
			return nil, err
		}
		if _, ok := e.cache.Hive(req.HiveID); !ok {
			return nil, fmt.Errorf("%w: hive %s", ErrNotFound, req.HiveID)
		}
		colonyID := newID("col")
		_, err := e.Record(ctx, events.New(events.TypeColonyCreated, actor,
			events.ColonyCreatedPayload{Name: req.Name, Goal: req.Goal},
			events.WithHive(req.HiveID), events.WithColony(colonyID)))
		if err != nil {
			return nil, err
		}
		return e.colonySnapshot(req.HiveID, colonyID)
	})
}

// StartColony moves a colony from pending to in-progress. Starting a
// suspended colony is a resume and is marked as one in the event.
func (e *Engine) StartColony(ctx context.Context, req models.StartColonyRequest) (*models.Colony, error) {
	return command(e, policy.CommandColonyStart, req.CommandID, func() (*models.Colony, error) {
		if req.ColonyID == "" {
			return nil, NewValidationError("colony_id", "must not be empty")
		}
		actor := actorOr(req.Actor)
		if err := e.gateCommand(actor, policy.CommandColonyStart, "colony", req.ColonyID); err != nil {
			return nil, err
		}
		hiveID, ok := e.cache.HiveForColony(req.ColonyID)
		if !ok {
			return nil, fmt.Errorf("%w: colony %s", ErrNotFound, req.ColonyID)
		}
		state, _ := e.cache.ColonyState(hiveID, req.ColonyID)
		resume := state == models.ColonySuspended
		_, err := e.Record(ctx, events.New(events.TypeColonyStarted, actor,
			events.ColonyStartedPayload{Resume: resume},
			events.WithHive(hiveID), events.WithColony(req.ColonyID)))
		if err != nil {
			return nil, err
		}
		return e.colonySnapshot(hiveID, req.ColonyID)
	})
}

// CompleteColony closes a colony whose runs have all reached terminal state.
func (e *Engine) CompleteColony(ctx context.Context, req models.CompleteColonyRequest) (*models.Colony, error) {
	return command(e, policy.CommandColonyComplete, req.CommandID, func() (*models.Colony, error) {
		if req.ColonyID == "" {
			return nil, NewValidationError("colony_id", "must not be empty")
		}
		actor := actorOr(req.Actor)
		if err := e.gateCommand(actor, policy.CommandColonyComplete, "colony", req.ColonyID); err != nil {
			return nil, err
		}
		hiveID, ok := e.cache.HiveForColony(req.ColonyID)
		if !ok {
			return nil, fmt.Errorf("%w: colony %s", ErrNotFound, req.ColonyID)
		}
		col, err := e.colonySnapshot(hiveID, req.ColonyID)
		if err != nil {
			return nil, err
		}
		for _, runID := range col.RunIDs {
			if state, ok := e.cache.RunState(runID); ok && !state.Terminal() {
				return nil, fmt.Errorf("colony %s has live run %s: %w", req.ColonyID, runID, ErrNotQuiescent)
			}
		}
		_, err = e.Record(ctx, events.New(events.TypeColonyCompleted, actor,
			events.ColonyCompletedPayload{},
			events.WithHive(hiveID), events.WithColony(req.ColonyID)))
		if err != nil {
			return nil, err
		}
		return e.colonySnapshot(hiveID, req.ColonyID)
	})
}

// StartRun opens a run and launches its pipeline. With a colony id the run
// joins that colony and its planner sees the colony's episode history.
func (e *Engine) StartRun(ctx context.Context, req models.StartRunRequest) (*models.Run, error) {
	return command(e, policy.CommandRunStart, req.CommandID, func() (*models.Run, error) {
		if req.Goal == "" {
			return nil, NewValidationError("goal", "must not be empty")
		}
		actor := actorOr(req.Actor)
		runID := newID("run")
		if err := e.gateCommand(actor, policy.CommandRunStart, "run", runID); err != nil {
			return nil, err
		}

		var hiveID string
		if req.ColonyID != "" {
			var ok bool
			hiveID, ok = e.cache.HiveForColony(req.ColonyID)
			if !ok {
				return nil, fmt.Errorf("%w: colony %s", ErrNotFound, req.ColonyID)
			}
			state, _ := e.cache.ColonyState(hiveID, req.ColonyID)
			if state != models.ColonyInProgress {
				return nil, &lifecycle.InvalidTransitionError{
					Entity: "colony",
					ID:     req.ColonyID,
					State:  string(state),
					Event:  events.TypeRunStarted,
				}
			}
		}

		opts := []events.Option{events.WithRun(runID)}
		if req.ColonyID != "" {
			opts = append(opts, events.WithColony(req.ColonyID), events.WithHive(hiveID))
		}
		started, err := e.Record(ctx, events.New(events.TypeRunStarted, actor,
			events.RunStartedPayload{Goal: req.Goal, ColonyID: req.ColonyID}, opts...))
		if err != nil {
			return nil, err
		}

		// Snapshot before launching: the pipeline races the return value
		// otherwise, and callers should see the run as they started it.
		run, err := e.runSnapshot(runID)
		if err != nil {
			return nil, err
		}
		prior := e.priorContext(ctx, req.ColonyID)
		e.launchRun(runID, req.Goal, prior, started.ID)
		slog.Info("Run started", "run_id", runID, "colony_id", req.ColonyID, "actor", actor)
		return run, nil
	})
}

// CompleteRun closes a run. Without force the run must be quiescent; with
// force the engine cancels the pipeline and every open task and requirement
// first, then records the completion.
func (e *Engine) CompleteRun(ctx context.Context, req models.CompleteRunRequest) (*models.Run, error) {
	return command(e, policy.CommandRunComplete, req.CommandID, func() (*models.Run, error) {
		if req.RunID == "" {
			return nil, NewValidationError("run_id", "must not be empty")
		}
		actor := actorOr(req.Actor)
		if err := e.gateCommand(actor, policy.CommandRunComplete, "run", req.RunID); err != nil {
			return nil, err
		}
		proj, ok := e.cache.Run(req.RunID)
		if !ok {
			return nil, fmt.Errorf("%w: run %s", ErrNotFound, req.RunID)
		}
		if !req.Force && !proj.Quiescent() {
			return nil, fmt.Errorf("run %s has %d open tasks and %d pending requirements: %w",
				req.RunID, len(proj.OpenTasks()), len(proj.OpenRequirements()), ErrRunNotQuiescent)
		}
		if req.Force {
			e.cancelSupervisor(req.RunID)
			e.approvals.CancelAll(req.RunID)
			// Re-clone: the pipeline may have appended while we cancelled.
			proj, ok = e.cache.Run(req.RunID)
			if !ok {
				return nil, fmt.Errorf("%w: run %s", ErrNotFound, req.RunID)
			}
			for _, taskID := range proj.OpenTasks() {
				if _, err := e.Record(ctx, events.New(events.TypeTaskCancelled, actor,
					events.TaskCancelledPayload{Reason: "force completed"},
					events.WithRun(req.RunID), events.WithTask(taskID))); err != nil {
					return nil, err
				}
			}
			for _, reqID := range proj.OpenRequirements() {
				if _, err := e.Record(ctx, events.New(events.TypeRequirementCancelled, actor,
					events.RequirementCancelledPayload{RequirementID: reqID, Reason: "force completed"},
					events.WithRun(req.RunID), events.WithParents(reqID))); err != nil {
					return nil, err
				}
			}
		}
		_, err := e.Record(ctx, events.New(events.TypeRunCompleted, actor,
			events.RunCompletedPayload{Force: req.Force, Succeeded: true},
			events.WithRun(req.RunID)))
		if err != nil {
			return nil, err
		}
		return e.runSnapshot(req.RunID)
	})
}

// EmergencyStop aborts a run immediately: cancel the pipeline, cancel every
// pending requirement, and record run.aborted.
func (e *Engine) EmergencyStop(ctx context.Context, req models.EmergencyStopRequest) (*models.Run, error) {
	return command(e, policy.CommandRunEmergencyStop, req.CommandID, func() (*models.Run, error) {
		if req.RunID == "" {
			return nil, NewValidationError("run_id", "must not be empty")
		}
		actor := actorOr(req.Actor)
		if err := e.gateCommand(actor, policy.CommandRunEmergencyStop, "run", req.RunID); err != nil {
			return nil, err
		}
		if _, ok := e.cache.RunState(req.RunID); !ok {
			return nil, fmt.Errorf("%w: run %s", ErrNotFound, req.RunID)
		}
		reason := req.Reason
		if reason == "" {
			reason = "emergency stop"
		}
		slog.Warn("Emergency stop requested", "run_id", req.RunID, "actor", actor, "reason", reason)
		e.cancelSupervisor(req.RunID)
		e.cancelOpenRequirements(ctx, req.RunID, "emergency stop: "+reason)
		_, err := e.Record(ctx, events.New(events.TypeRunAborted, actor,
			events.RunAbortedPayload{Reason: reason, Scope: req.Scope},
			events.WithRun(req.RunID)))
		if err != nil {
			return nil, err
		}
		return e.runSnapshot(req.RunID)
	})
}

// CreateTask adds a manually authored task to a run.
func (e *Engine) CreateTask(ctx context.Context, req models.CreateTaskRequest) (*models.Task, error) {
	return command(e, policy.CommandTaskCreate, req.CommandID, func() (*models.Task, error) {
		if req.RunID == "" {
			return nil, NewValidationError("run_id", "must not be empty")
		}
		if req.Title == "" {
			return nil, NewValidationError("title", "must not be empty")
		}
		class := req.ActionClass
		if class == "" {
			class = string(models.ActionReadOnly)
		}
		if !models.ValidActionClass(class) {
			return nil, NewValidationError("action_class", "unknown class "+req.ActionClass)
		}
		actor := actorOr(req.Actor)
		if err := e.gateCommand(actor, policy.CommandTaskCreate, "run", req.RunID); err != nil {
			return nil, err
		}
		proj, ok := e.cache.Run(req.RunID)
		if !ok {
			return nil, fmt.Errorf("%w: run %s", ErrNotFound, req.RunID)
		}
		for _, dep := range req.Dependencies {
			if _, ok := proj.Tasks[dep]; !ok {
				return nil, NewValidationError("dependencies", "unknown task "+dep)
			}
		}
		taskID := newID("task")
		_, err := e.Record(ctx, events.New(events.TypeTaskCreated, actor,
			events.TaskCreatedPayload{
				Title:        req.Title,
				Description:  req.Description,
				ParentTaskID: req.ParentTaskID,
				Dependencies: req.Dependencies,
				ActionClass:  models.ActionClass(class),
			},
			events.WithRun(req.RunID), events.WithTask(taskID)))
		if err != nil {
			return nil, err
		}
		return e.taskSnapshot(req.RunID, taskID)
	})
}

// AssignTask hands a task to a worker. This is the one command that enforces
// the full policy decision against the task's declared action class: a
// RequireApproval answer surfaces as an ApprovalRequiredError carrying the
// requirement the caller must resolve first.
func (e *Engine) AssignTask(ctx context.Context, req models.AssignTaskRequest) (*models.Task, error) {
	return command(e, policy.CommandTaskAssign, req.CommandID, func() (*models.Task, error) {
		if req.RunID == "" || req.TaskID == "" {
			return nil, NewValidationError("task_id", "run_id and task_id must not be empty")
		}
		if req.Assignee == "" {
			return nil, NewValidationError("assignee", "must not be empty")
		}
		actor := actorOr(req.Actor)
		if err := e.gateCommand(actor, policy.CommandTaskAssign, "run", req.RunID); err != nil {
			return nil, err
		}
		proj, ok := e.cache.Run(req.RunID)
		if !ok {
			return nil, fmt.Errorf("%w: run %s", ErrNotFound, req.RunID)
		}
		task, ok := proj.Tasks[req.TaskID]
		if !ok {
			return nil, fmt.Errorf("%w: task %s", ErrNotFound, req.TaskID)
		}

		decision, reason := e.gate.Decide(policy.Action{
			Actor:   actor,
			Class:   task.ActionClass,
			Scope:   "run",
			ScopeID: req.RunID,
		})
		switch decision {
		case models.DecisionDeny:
			return nil, &policy.DeniedError{
				Actor: actor, Class: task.ActionClass,
				Scope: "run", ScopeID: req.RunID, Reason: reason,
			}
		case models.DecisionRequireApproval:
			reqID, approved := approvedRequirementFor(proj, req.TaskID)
			if !approved {
				if reqID == "" {
					created, err := e.Record(ctx, events.New(events.TypeRequirementCreated, actor,
						events.RequirementCreatedPayload{
							Description: fmt.Sprintf("Task %q is %s and requires approval", task.Title, task.ActionClass),
							Options:     []string{"approve", "reject"},
							ActionClass: task.ActionClass,
							TaskID:      req.TaskID,
						},
						events.WithRun(req.RunID)))
					if err != nil {
						return nil, err
					}
					reqID = created.ID
				}
				return nil, &ApprovalRequiredError{TaskID: req.TaskID, RequirementID: reqID}
			}
		}

		_, err := e.Record(ctx, events.New(events.TypeTaskAssigned, actor,
			events.TaskAssignedPayload{Assignee: req.Assignee},
			events.WithRun(req.RunID), events.WithTask(req.TaskID)))
		if err != nil {
			return nil, err
		}
		return e.taskSnapshot(req.RunID, req.TaskID)
	})
}

// approvedRequirementFor scans a run's requirements for ones gating taskID.
// An approved one wins outright; otherwise the lowest pending id is reported
// so repeated assigns reuse one requirement instead of minting duplicates.
func approvedRequirementFor(proj *projection.RunProjection, taskID string) (string, bool) {
	var pending []string
	for id, r := range proj.Requirements {
		if r.TaskID != taskID {
			continue
		}
		switch r.State {
		case models.RequirementApproved:
			return id, true
		case models.RequirementPending:
			pending = append(pending, id)
		}
	}
	if len(pending) == 0 {
		return "", false
	}
	sort.Strings(pending)
	return pending[0], false
}

// ProgressTask reports worker progress. A directly driven task skips the
// orchestrator, so the first progress report bridges worker.started.
func (e *Engine) ProgressTask(ctx context.Context, req models.ProgressTaskRequest) (*models.Task, error) {
	return command(e, policy.CommandTaskProgress, req.CommandID, func() (*models.Task, error) {
		if req.RunID == "" || req.TaskID == "" {
			return nil, NewValidationError("task_id", "run_id and task_id must not be empty")
		}
		if req.Progress < 0 || req.Progress > 100 {
			return nil, NewValidationError("progress", "must be between 0 and 100")
		}
		actor := actorOr(req.Actor)
		if err := e.gateCommand(actor, policy.CommandTaskProgress, "run", req.RunID); err != nil {
			return nil, err
		}
		if err := e.bridgeWorkerStarted(ctx, actor, req.RunID, req.TaskID); err != nil {
			return nil, err
		}
		_, err := e.Record(ctx, events.New(events.TypeTaskProgressed, actor,
			events.TaskProgressedPayload{Progress: req.Progress, Message: req.Message},
			events.WithRun(req.RunID), events.WithTask(req.TaskID)))
		if err != nil {
			return nil, err
		}
		return e.taskSnapshot(req.RunID, req.TaskID)
	})
}

// CompleteTask records a directly driven task's success.
func (e *Engine) CompleteTask(ctx context.Context, req models.CompleteTaskRequest) (*models.Task, error) {
	return command(e, policy.CommandTaskComplete, req.CommandID, func() (*models.Task, error) {
		if req.RunID == "" || req.TaskID == "" {
			return nil, NewValidationError("task_id", "run_id and task_id must not be empty")
		}
		actor := actorOr(req.Actor)
		if err := e.gateCommand(actor, policy.CommandTaskComplete, "run", req.RunID); err != nil {
			return nil, err
		}
		if err := e.bridgeWorkerStarted(ctx, actor, req.RunID, req.TaskID); err != nil {
			return nil, err
		}
		_, err := e.Record(ctx, events.New(events.TypeTaskCompleted, actor,
			events.TaskCompletedPayload{Result: req.Result},
			events.WithRun(req.RunID), events.WithTask(req.TaskID)))
		if err != nil {
			return nil, err
		}
		return e.taskSnapshot(req.RunID, req.TaskID)
	})
}

// FailTask records a directly driven task's failure.
func (e *Engine) FailTask(ctx context.Context, req models.FailTaskRequest) (*models.Task, error) {
	return command(e, policy.CommandTaskFail, req.CommandID, func() (*models.Task, error) {
		if req.RunID == "" || req.TaskID == "" {
			return nil, NewValidationError("task_id", "run_id and task_id must not be empty")
		}
		if req.Error == "" {
			return nil, NewValidationError("error", "must not be empty")
		}
		actor := actorOr(req.Actor)
		if err := e.gateCommand(actor, policy.CommandTaskFail, "run", req.RunID); err != nil {
			return nil, err
		}
		task, err := e.taskSnapshot(req.RunID, req.TaskID)
		if err != nil {
			return nil, err
		}
		_, err = e.Record(ctx, events.New(events.TypeTaskFailed, actor,
			events.TaskFailedPayload{
				Title:     task.Title,
				Error:     req.Error,
				Retryable: req.Retryable,
				Reason:    "worker_error",
			},
			events.WithRun(req.RunID), events.WithTask(req.TaskID)))
		if err != nil {
			return nil, err
		}
		return e.taskSnapshot(req.RunID, req.TaskID)
	})
}

// bridgeWorkerStarted inserts worker.started for tasks still in assigned:
// completion and progress are only legal from in-progress, and a directly
// driven task has no orchestrator to emit the transition.
func (e *Engine) bridgeWorkerStarted(ctx context.Context, actor, runID, taskID string) error {
	proj, ok := e.cache.Run(runID)
	if !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	task, ok := proj.Tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	if task.State != models.TaskAssigned {
		return nil
	}
	_, err := e.Record(ctx, events.New(events.TypeWorkerStarted, actor,
		events.WorkerStartedPayload{Assignee: task.Assignee, RetryCount: task.RetryCount},
		events.WithRun(runID), events.WithTask(taskID)))
	return err
}

// CreateRequirement records a human-input request outside the orchestrator's
// approval path. Nobody awaits it in-process; resolution is recorded all the
// same.
func (e *Engine) CreateRequirement(ctx context.Context, req models.CreateRequirementRequest) (*models.Requirement, error) {
	return command(e, policy.CommandRequirementCreate, req.CommandID, func() (*models.Requirement, error) {
		if req.RunID == "" {
			return nil, NewValidationError("run_id", "must not be empty")
		}
		if req.Description == "" {
			return nil, NewValidationError("description", "must not be empty")
		}
		actor := actorOr(req.Actor)
		if err := e.gateCommand(actor, policy.CommandRequirementCreate, "run", req.RunID); err != nil {
			return nil, err
		}
		proj, ok := e.cache.Run(req.RunID)
		if !ok {
			return nil, fmt.Errorf("%w: run %s", ErrNotFound, req.RunID)
		}
		if req.TaskID != "" {
			if _, ok := proj.Tasks[req.TaskID]; !ok {
				return nil, fmt.Errorf("%w: task %s", ErrNotFound, req.TaskID)
			}
		}
		created, err := e.Record(ctx, events.New(events.TypeRequirementCreated, actor,
			events.RequirementCreatedPayload{
				Description: req.Description,
				Options:     req.Options,
				TaskID:      req.TaskID,
			},
			events.WithRun(req.RunID)))
		if err != nil {
			return nil, err
		}
		return e.requirementSnapshot(req.RunID, created.ID)
	})
}

// ResolveRequirement answers a pending requirement and unblocks any pipeline
// waiter parked on it.
func (e *Engine) ResolveRequirement(ctx context.Context, req models.ResolveRequirementRequest) (*models.Requirement, error) {
	return command(e, policy.CommandRequirementResolve, req.CommandID, func() (*models.Requirement, error) {
		if req.RunID == "" || req.RequirementID == "" {
			return nil, NewValidationError("requirement_id", "run_id and requirement_id must not be empty")
		}
		actor := actorOr(req.Actor)
		if err := e.gateCommand(actor, policy.CommandRequirementResolve, "run", req.RunID); err != nil {
			return nil, err
		}
		if _, ok := e.cache.RequirementState(req.RunID, req.RequirementID); !ok {
			return nil, fmt.Errorf("%w: requirement %s", ErrNotFound, req.RequirementID)
		}
		eventType := events.TypeRequirementRejected
		if req.Approved {
			eventType = events.TypeRequirementApproved
		}
		_, err := e.Record(ctx, events.New(eventType, actor,
			events.RequirementResolvedPayload{
				RequirementID:  req.RequirementID,
				SelectedOption: req.SelectedOption,
				Comment:        req.Comment,
			},
			events.WithRun(req.RunID), events.WithParents(req.RequirementID)))
		if err != nil {
			return nil, err
		}
		// Only a durably recorded resolution may release the waiter.
		e.approvals.Resolve(req.RequirementID, approvalOutcome(req))
		slog.Info("Requirement resolved", "run_id", req.RunID, "requirement_id", req.RequirementID,
			"approved", req.Approved, "actor", actor)
		return e.requirementSnapshot(req.RunID, req.RequirementID)
	})
}

// Heartbeat refreshes a run's liveness clock for the silence watchdog.
func (e *Engine) Heartbeat(ctx context.Context, req models.HeartbeatRequest) error {
	_, err := command(e, policy.CommandRunHeartbeat, req.CommandID, func() (struct{}, error) {
		if req.RunID == "" {
			return struct{}{}, NewValidationError("run_id", "must not be empty")
		}
		actor := actorOr(req.Actor)
		if err := e.gateCommand(actor, policy.CommandRunHeartbeat, "run", req.RunID); err != nil {
			return struct{}{}, err
		}
		if _, ok := e.cache.RunState(req.RunID); !ok {
			return struct{}{}, fmt.Errorf("%w: run %s", ErrNotFound, req.RunID)
		}
		_, err := e.Record(ctx, events.New(events.TypeRunHeartbeat, actor,
			events.RunHeartbeatPayload{Message: req.Message},
			events.WithRun(req.RunID)))
		return struct{}{}, err
	})
	return err
}

func approvalOutcome(req models.ResolveRequirementRequest) approval.Outcome {
	return approval.Outcome{
		Approved:       req.Approved,
		SelectedOption: req.SelectedOption,
		Comment:        req.Comment,
	}
}

func (e *Engine) runSnapshot(runID string) (*models.Run, error) {
	proj, ok := e.cache.Run(runID)
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	run := proj.Run
	return &run, nil
}

func (e *Engine) taskSnapshot(runID, taskID string) (*models.Task, error) {
	proj, ok := e.cache.Run(runID)
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	task, ok := proj.Tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	t := *task
	return &t, nil
}

func (e *Engine) requirementSnapshot(runID, reqID string) (*models.Requirement, error) {
	proj, ok := e.cache.Run(runID)
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	r, ok := proj.Requirements[reqID]
	if !ok {
		return nil, fmt.Errorf("%w: requirement %s", ErrNotFound, reqID)
	}
	req := *r
	return &req, nil
}

func (e *Engine) hiveSnapshot(hiveID string) (*models.Hive, error) {
	proj, ok := e.cache.Hive(hiveID)
	if !ok {
		return nil, fmt.Errorf("%w: hive %s", ErrNotFound, hiveID)
	}
	h := proj.Hive
	return &h, nil
}

func (e *Engine) colonySnapshot(hiveID, colonyID string) (*models.Colony, error) {
	proj, ok := e.cache.Hive(hiveID)
	if !ok {
		return nil, fmt.Errorf("%w: hive %s", ErrNotFound, hiveID)
	}
	col, ok := proj.Colony(colonyID)
	if !ok {
		return nil, fmt.Errorf("%w: colony %s", ErrNotFound, colonyID)
	}
	return &col, nil
}
