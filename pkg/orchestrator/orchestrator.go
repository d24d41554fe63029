// Package orchestrator drives layered parallel task execution.
//
// Layers run sequentially; tasks inside a layer run in parallel under a
// concurrency cap. Every transition is recorded as an event through the
// engine's write path, with causal parent ids threaded through the chain
// task.created -> task.assigned -> worker.started -> task.completed so
// lineage queries can walk an execution end to end.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/apiaryhq/apiary/pkg/approval"
	"github.com/apiaryhq/apiary/pkg/config"
	"github.com/apiaryhq/apiary/pkg/events"
	"github.com/apiaryhq/apiary/pkg/models"
	"github.com/apiaryhq/apiary/pkg/planner"
	"github.com/apiaryhq/apiary/pkg/policy"
)

// Recorder appends one event through the engine's write path (masking,
// sealing, chaining, projection) and returns the sealed event.
type Recorder interface {
	Record(ctx context.Context, e *events.Event) (*events.Event, error)
}

// ApprovalRequest asks for a human decision before a gated task runs.
type ApprovalRequest struct {
	RunID       string
	TaskID      string
	Description string
	Options     []string
	ActionClass models.ActionClass

	// ParentEventID is the causal parent for the requirement.created event.
	ParentEventID string
}

// Approver records a requirement and blocks until it is resolved or ctx
// is cancelled.
type Approver interface {
	RequireApproval(ctx context.Context, req ApprovalRequest) (approval.Outcome, error)
}

// DependencyResolutionError rejects a plan whose layers reference a
// dependency that is not placed in any earlier layer.
type DependencyResolutionError struct {
	TaskID string
	DepID  string
}

func (e *DependencyResolutionError) Error() string {
	return fmt.Sprintf("task %q depends on %q, which is not resolved in any earlier layer", e.TaskID, e.DepID)
}

// Orchestrator executes layered plans through the worker collaborator.
type Orchestrator struct {
	recorder Recorder
	approver Approver
	worker   Worker
	gate     *policy.Gate
	cfg      config.GovernanceConfig
}

// New builds an Orchestrator.
func New(recorder Recorder, approver Approver, worker Worker, gate *policy.Gate, cfg config.GovernanceConfig) *Orchestrator {
	return &Orchestrator{recorder: recorder, approver: approver, worker: worker, gate: gate, cfg: cfg}
}

// Execute runs the plan against runID. parentEventID is the causal parent
// for the task.created events, typically the planner.completed event.
//
// Task failures are not errors: they land in the result and skip the
// remaining layers. A non-nil error means the plan was structurally
// unsound, an append failed, or ctx was cancelled.
func (o *Orchestrator) Execute(ctx context.Context, runID string, plan *planner.Plan, parentEventID string) (*models.ColonyResult, error) {
	if err := checkLayerCoverage(plan); err != nil {
		return nil, err
	}

	result := &models.ColonyResult{RunID: runID, Tasks: make(map[string]models.TaskResult, len(plan.Tasks))}

	// Create every task up front so the whole graph is visible as pending
	// before the first layer starts.
	created := make(map[string]string, len(plan.Tasks))
	for _, spec := range plan.Tasks {
		e, err := o.recorder.Record(ctx, events.New(events.TypeTaskCreated, policy.SystemActor,
			events.TaskCreatedPayload{
				Title:        spec.Title,
				Description:  spec.Description,
				Dependencies: spec.Dependencies,
				ActionClass:  spec.ActionClass,
			},
			events.WithRun(runID), events.WithTask(spec.ID), withParent(parentEventID)))
		if err != nil {
			return nil, err
		}
		created[spec.ID] = e.ID
	}

	var mu sync.Mutex
	skipCause := "" // first task to exhaust retries; set => remaining layers skip

	for _, layer := range plan.Layers {
		// Abort closes out unstarted tasks so the log never leaves them
		// pending forever.
		if ctx.Err() != nil {
			detached := context.WithoutCancel(ctx)
			for _, id := range layer {
				spec, _ := plan.Task(id)
				tr, rerr := o.failTask(detached, runID, spec, created[id], "aborted before start", "aborted", false, 0)
				if rerr != nil {
					return result, rerr
				}
				result.Tasks[id] = tr
				result.FailedTasks = append(result.FailedTasks, id)
			}
			continue
		}

		if skipCause != "" {
			for _, id := range layer {
				spec, _ := plan.Task(id)
				msg := fmt.Sprintf("skipped: task %s failed in an earlier layer", skipCause)
				tr, rerr := o.failTask(ctx, runID, spec, created[id], msg, "dependency_failed", false, 0)
				if rerr != nil {
					return result, rerr
				}
				result.Tasks[id] = tr
				result.FailedTasks = append(result.FailedTasks, id)
			}
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		if o.cfg.MaxConcurrentTasks > 0 {
			g.SetLimit(o.cfg.MaxConcurrentTasks)
		}

		for _, id := range layer {
			spec, ok := plan.Task(id)
			if !ok {
				continue // unreachable after checkLayerCoverage
			}

			mu.Lock()
			deps, missing := collectDeps(spec, result.Tasks)
			mu.Unlock()
			if missing != "" {
				tr, rerr := o.failTask(ctx, runID, spec, created[id],
					fmt.Sprintf("dependency %s did not complete", missing), "dependency_failed", false, 0)
				if rerr != nil {
					return result, rerr
				}
				mu.Lock()
				result.Tasks[id] = tr
				result.FailedTasks = append(result.FailedTasks, id)
				mu.Unlock()
				continue
			}

			g.Go(func() error {
				tr, err := o.runTask(gctx, runID, spec, created[spec.ID], deps)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				result.Tasks[spec.ID] = tr
				if tr.State != models.TaskCompleted {
					result.FailedTasks = append(result.FailedTasks, spec.ID)
					if skipCause == "" {
						skipCause = spec.ID
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return result, err
		}
	}

	result.Succeeded = len(result.FailedTasks) == 0 && len(result.Tasks) == len(plan.Tasks)
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	return result, nil
}

// runTask takes one task from gate to terminal event. The returned error
// is infrastructure-only; task outcomes land in the TaskResult.
func (o *Orchestrator) runTask(ctx context.Context, runID string, spec models.TaskSpec, createdID string, deps map[string]models.TaskResult) (models.TaskResult, error) {
	parent := createdID

	decision, why := o.gate.Decide(policy.Action{
		Actor:   policy.SystemActor,
		Class:   spec.ActionClass,
		Scope:   "run",
		ScopeID: runID,
	})
	switch decision {
	case models.DecisionDeny:
		return o.failTask(ctx, runID, spec, parent, "policy denied: "+why, "policy_denied", false, 0)

	case models.DecisionRequireApproval:
		outcome, err := o.approver.RequireApproval(ctx, ApprovalRequest{
			RunID:         runID,
			TaskID:        spec.ID,
			Description:   fmt.Sprintf("Task %q is %s and requires approval", spec.Title, spec.ActionClass),
			Options:       []string{"approve", "reject"},
			ActionClass:   spec.ActionClass,
			ParentEventID: parent,
		})
		if err != nil {
			if ctx.Err() != nil {
				return o.failTask(context.WithoutCancel(ctx), runID, spec, parent, "aborted while awaiting approval", "aborted", false, 0)
			}
			return models.TaskResult{}, err
		}
		switch {
		case outcome.Cancelled:
			msg := "approval cancelled"
			if outcome.Comment != "" {
				msg += ": " + outcome.Comment
			}
			return o.failTask(ctx, runID, spec, parent, msg, "rejected", false, 0)
		case !outcome.Approved:
			msg := "approval rejected"
			if outcome.Comment != "" {
				msg += ": " + outcome.Comment
			}
			return o.failTask(ctx, runID, spec, parent, msg, "rejected", false, 0)
		}
	}

	assigned, err := o.recorder.Record(ctx, events.New(events.TypeTaskAssigned, policy.SystemActor,
		events.TaskAssignedPayload{Assignee: o.worker.Name()},
		events.WithRun(runID), events.WithTask(spec.ID), withParent(parent)))
	if err != nil {
		return models.TaskResult{}, err
	}
	parent = assigned.ID

	retries := 0
	timeouts := 0
	for {
		started, err := o.recorder.Record(ctx, events.New(events.TypeWorkerStarted, policy.SystemActor,
			events.WorkerStartedPayload{Assignee: o.worker.Name(), RetryCount: retries},
			events.WithRun(runID), events.WithTask(spec.ID), events.WithParents(parent)))
		if err != nil {
			return models.TaskResult{}, err
		}
		attemptParent := started.ID

		progress := func(percent int, message string) {
			_, perr := o.recorder.Record(ctx, events.New(events.TypeTaskProgressed, o.worker.Name(),
				events.TaskProgressedPayload{Progress: percent, Message: message},
				events.WithRun(runID), events.WithTask(spec.ID), events.WithParents(attemptParent)))
			if perr != nil {
				slog.Warn("Progress event dropped", "run_id", runID, "task_id", spec.ID, "error", perr)
			}
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if o.cfg.TaskTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, o.cfg.TaskTimeout)
		}
		res, werr := o.worker.Execute(attemptCtx, WorkRequest{
			RunID:    runID,
			Task:     spec,
			Attempt:  retries,
			Deps:     deps,
			Progress: progress,
		})
		timedOut := attemptCtx.Err() != nil && ctx.Err() == nil
		cancel()

		if werr == nil {
			_, rerr := o.recorder.Record(ctx, events.New(events.TypeTaskCompleted, o.worker.Name(),
				events.TaskCompletedPayload{Result: res.Output, TokensUsed: res.TokensUsed},
				events.WithRun(runID), events.WithTask(spec.ID), events.WithParents(attemptParent)))
			if rerr != nil {
				return models.TaskResult{}, rerr
			}
			return models.TaskResult{
				TaskID:     spec.ID,
				Title:      spec.Title,
				State:      models.TaskCompleted,
				Result:     res.Output,
				Retries:    retries,
				TokensUsed: res.TokensUsed,
				Completed:  time.Now().UTC(),
			}, nil
		}

		// Run-level abort wins over every other classification.
		if ctx.Err() != nil {
			return o.failTask(context.WithoutCancel(ctx), runID, spec, attemptParent, "aborted during attempt", "aborted", false, retries)
		}

		if timedOut {
			timeouts++
			_, rerr := o.recorder.Record(ctx, events.New(events.TypeOperationTimeout, policy.SystemActor,
				events.OperationTimeoutPayload{Operation: "worker.execute", Timeout: o.cfg.TaskTimeout.String()},
				events.WithRun(runID), events.WithTask(spec.ID), events.WithParents(attemptParent)))
			if rerr != nil {
				return models.TaskResult{}, rerr
			}
			// The first timeout is retryable; a recurrence is not.
			if timeouts == 1 && retries < o.cfg.MaxRetries {
				retries++
				parent = attemptParent
				continue
			}
			return o.failTask(ctx, runID, spec, attemptParent,
				fmt.Sprintf("attempt timed out after %s", o.cfg.TaskTimeout), "timeout", false, retries)
		}

		reason, retryable := classifyWorkerError(werr)
		_, rerr := o.recorder.Record(ctx, events.New(events.TypeOperationFailed, policy.SystemActor,
			events.OperationFailedPayload{Operation: "worker.execute", Error: werr.Error(), Retryable: retryable},
			events.WithRun(runID), events.WithTask(spec.ID), events.WithParents(attemptParent)))
		if rerr != nil {
			return models.TaskResult{}, rerr
		}
		if retryable && retries < o.cfg.MaxRetries {
			retries++
			parent = attemptParent
			continue
		}
		failReason := reason
		if retryable {
			failReason = "retries_exhausted"
		}
		return o.failTask(ctx, runID, spec, attemptParent, werr.Error(), failReason, retryable, retries)
	}
}

// failTask records the terminal failure event and builds the result entry.
func (o *Orchestrator) failTask(ctx context.Context, runID string, spec models.TaskSpec, parentID, errMsg, reason string, retryable bool, retries int) (models.TaskResult, error) {
	_, err := o.recorder.Record(ctx, events.New(events.TypeTaskFailed, policy.SystemActor,
		events.TaskFailedPayload{Title: spec.Title, Error: errMsg, Retryable: retryable, Reason: reason},
		events.WithRun(runID), events.WithTask(spec.ID), withParent(parentID)))
	if err != nil {
		return models.TaskResult{}, err
	}
	slog.Warn("Task failed", "run_id", runID, "task_id", spec.ID, "reason", reason, "error", errMsg)
	return models.TaskResult{
		TaskID:    spec.ID,
		Title:     spec.Title,
		State:     models.TaskFailed,
		Error:     errMsg,
		Retries:   retries,
		Completed: time.Now().UTC(),
	}, nil
}

// collectDeps gathers the declared dependencies' results; the second
// return names the first dependency that did not complete.
func collectDeps(spec models.TaskSpec, done map[string]models.TaskResult) (map[string]models.TaskResult, string) {
	if len(spec.Dependencies) == 0 {
		return nil, ""
	}
	deps := make(map[string]models.TaskResult, len(spec.Dependencies))
	for _, dep := range spec.Dependencies {
		r, ok := done[dep]
		if !ok || r.State != models.TaskCompleted {
			return nil, dep
		}
		deps[dep] = r
	}
	return deps, ""
}

// checkLayerCoverage verifies that every layered task exists, that every
// dependency is placed in a strictly earlier layer, and that the layers
// cover the whole plan.
func checkLayerCoverage(plan *planner.Plan) error {
	resolved := make(map[string]struct{}, len(plan.Tasks))
	placed := 0
	for _, layer := range plan.Layers {
		for _, id := range layer {
			spec, ok := plan.Task(id)
			if !ok {
				return fmt.Errorf("plan layer references unknown task %q", id)
			}
			for _, dep := range spec.Dependencies {
				if _, ok := resolved[dep]; !ok {
					return &DependencyResolutionError{TaskID: id, DepID: dep}
				}
			}
			placed++
		}
		for _, id := range layer {
			resolved[id] = struct{}{}
		}
	}
	if placed != len(plan.Tasks) {
		return fmt.Errorf("plan layers cover %d of %d tasks", placed, len(plan.Tasks))
	}
	return nil
}

func withParent(id string) events.Option {
	if id == "" {
		return func(*events.Event) {}
	}
	return events.WithParents(id)
}
