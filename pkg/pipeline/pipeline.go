// Package pipeline sequences one run from goal to terminal event.
//
// Stages run in order: Plan, Plan-Verify, Plan-Approval, Execute,
// Post-Verify, Finalize. Each stage is bracketed by pipeline.stage_started
// and pipeline.stage_completed events, chained parent-to-child so lineage
// queries can walk the whole run along one spine. A stage that never runs
// (the run failed earlier) leaves no events.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/apiaryhq/apiary/pkg/events"
	"github.com/apiaryhq/apiary/pkg/models"
	"github.com/apiaryhq/apiary/pkg/orchestrator"
	"github.com/apiaryhq/apiary/pkg/planner"
	"github.com/apiaryhq/apiary/pkg/policy"
)

// Stage names carried in pipeline.stage_started/stage_completed payloads.
const (
	StagePlan         = "plan"
	StagePlanVerify   = "plan_verify"
	StagePlanApproval = "plan_approval"
	StageExecute      = "execute"
	StagePostVerify   = "post_verify"
	StageFinalize     = "finalize"
)

// Review is a Guard's judgement of a plan or a finished result.
type Review struct {
	Verdict models.Verdict
	Reason  string
}

// Guard reviews plans before execution and results after. Implementations
// wrap external quality heuristics; the pipeline only records their verdicts.
type Guard interface {
	ReviewPlan(ctx context.Context, goal string, plan *planner.Plan) (Review, error)
	ReviewResult(ctx context.Context, goal string, result *models.ColonyResult) (Review, error)
}

// Permissive is the default Guard: everything passes.
type Permissive struct{}

// ReviewPlan implements Guard.
func (Permissive) ReviewPlan(context.Context, string, *planner.Plan) (Review, error) {
	return Review{Verdict: models.VerdictPass}, nil
}

// ReviewResult implements Guard.
func (Permissive) ReviewResult(context.Context, string, *models.ColonyResult) (Review, error) {
	return Review{Verdict: models.VerdictPass}, nil
}

// Planner decomposes a goal into a layered plan.
type Planner interface {
	Decompose(ctx context.Context, goal, priorContext string) (*planner.Plan, error)
}

// Executor runs the planned layers; implemented by the orchestrator.
type Executor interface {
	Execute(ctx context.Context, runID string, plan *planner.Plan, parentEventID string) (*models.ColonyResult, error)
}

// Deps are the pipeline's collaborators. Guard may be nil; the permissive
// default is used.
type Deps struct {
	Recorder orchestrator.Recorder
	Planner  Planner
	Executor Executor
	Approver orchestrator.Approver
	Guard    Guard
	Gate     *policy.Gate
}

// Pipeline drives runs through the staged sequence.
type Pipeline struct {
	recorder orchestrator.Recorder
	planner  Planner
	executor Executor
	approver orchestrator.Approver
	guard    Guard
	gate     *policy.Gate
}

// New builds a Pipeline from its collaborators.
func New(deps Deps) *Pipeline {
	guard := deps.Guard
	if guard == nil {
		guard = Permissive{}
	}
	return &Pipeline{
		recorder: deps.Recorder,
		planner:  deps.Planner,
		executor: deps.Executor,
		approver: deps.Approver,
		guard:    guard,
		gate:     deps.Gate,
	}
}

// Outcome summarizes one pipeline run for the caller. The event log is the
// authoritative record; this is a convenience for the run supervisor.
type Outcome struct {
	RunID     string
	Succeeded bool
	// Reason is the failure reason recorded on run.failed; empty on success.
	Reason string
	Plan   *planner.Plan
	Result *models.ColonyResult
}

// Run executes the full stage sequence for one run. parentEventID is the
// run.started event id.
//
// A nil error means the run reached a terminal event (run.completed or
// run.failed). ctx cancellation returns ctx.Err() without a terminal event:
// the emergency-stop path records run.aborted itself, and a second terminal
// would be an illegal transition.
func (p *Pipeline) Run(ctx context.Context, runID, goal, priorContext, parentEventID string) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slog.Info("Pipeline started", "run_id", runID, "goal", goal)

	out := &Outcome{RunID: runID}
	var verdicts []models.VerdictRecord

	// Plan.
	stageID, err := p.stageStarted(ctx, runID, StagePlan, parentEventID)
	if err != nil {
		return nil, err
	}
	plan, perr := p.planner.Decompose(ctx, goal, priorContext)
	if perr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		spine, serr := p.stageCompleted(ctx, runID, StagePlan, stageID, "failed", perr.Error())
		if serr != nil {
			return nil, serr
		}
		return p.finish(ctx, out, runID, spine, fmt.Sprintf("planning failed: %v", perr))
	}
	out.Plan = plan

	planEvent, err := p.recorder.Record(ctx, events.New(events.TypePlannerCompleted, policy.SystemActor,
		events.PlannerCompletedPayload{
			Tasks:      plan.Tasks,
			Layers:     plan.Layers,
			Fallback:   plan.Fallback,
			Model:      plan.Model,
			TokensUsed: plan.TokensUsed,
		},
		events.WithRun(runID), events.WithParents(stageID)))
	if err != nil {
		return nil, err
	}
	spine, err := p.stageCompleted(ctx, runID, StagePlan, planEvent.ID, "completed",
		fmt.Sprintf("%d tasks in %d layers", len(plan.Tasks), len(plan.Layers)))
	if err != nil {
		return nil, err
	}

	// Plan-Verify.
	stageID, err = p.stageStarted(ctx, runID, StagePlanVerify, spine)
	if err != nil {
		return nil, err
	}
	review, gerr := p.guard.ReviewPlan(ctx, goal, plan)
	if gerr != nil {
		return p.guardFailed(ctx, out, runID, StagePlanVerify, stageID, "guard.review_plan", gerr)
	}
	verdict := reviewVerdict(review.Verdict)
	verdicts = append(verdicts, models.VerdictRecord{Stage: StagePlanVerify, Verdict: verdict, Reason: review.Reason})
	spine, err = p.stageCompleted(ctx, runID, StagePlanVerify, stageID, string(verdict), review.Reason)
	if err != nil {
		return nil, err
	}
	switch verdict {
	case models.VerdictFail:
		return p.finish(ctx, out, runID, spine, withComment("plan rejected by guard", review.Reason))
	case models.VerdictConditional:
		slog.Info("Plan passed conditionally", "run_id", runID, "reason", review.Reason)
	}

	// Plan-Approval: gate the whole plan on its riskiest task. At most one
	// plan-wide requirement is raised.
	stageID, err = p.stageStarted(ctx, runID, StagePlanApproval, spine)
	if err != nil {
		return nil, err
	}
	maxClass := plan.MaxActionClass()
	decision, why := p.gate.Decide(policy.Action{
		Actor:   policy.SystemActor,
		Class:   maxClass,
		Scope:   "run",
		ScopeID: runID,
	})
	switch decision {
	case models.DecisionDeny:
		spine, err = p.stageCompleted(ctx, runID, StagePlanApproval, stageID, "denied", why)
		if err != nil {
			return nil, err
		}
		return p.finish(ctx, out, runID, spine, "plan denied by policy: "+why)

	case models.DecisionRequireApproval:
		outcome, aerr := p.approver.RequireApproval(ctx, orchestrator.ApprovalRequest{
			RunID:         runID,
			Description:   fmt.Sprintf("Plan for goal %q has %d tasks, riskiest %s, and requires approval", goal, len(plan.Tasks), maxClass),
			Options:       []string{"approve", "reject"},
			ActionClass:   maxClass,
			ParentEventID: stageID,
		})
		if aerr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, aerr
		}
		if outcome.Cancelled || !outcome.Approved {
			spine, err = p.stageCompleted(ctx, runID, StagePlanApproval, stageID, "rejected", outcome.Comment)
			if err != nil {
				return nil, err
			}
			msg := "plan approval rejected"
			if outcome.Cancelled {
				msg = "plan approval cancelled"
			}
			return p.finish(ctx, out, runID, spine, withComment(msg, outcome.Comment))
		}
		spine, err = p.stageCompleted(ctx, runID, StagePlanApproval, stageID, "approved", outcome.Comment)
		if err != nil {
			return nil, err
		}

	default:
		spine, err = p.stageCompleted(ctx, runID, StagePlanApproval, stageID, "allowed", "")
		if err != nil {
			return nil, err
		}
	}

	// Execute.
	stageID, err = p.stageStarted(ctx, runID, StageExecute, spine)
	if err != nil {
		return nil, err
	}
	result, xerr := p.executor.Execute(ctx, runID, plan, planEvent.ID)
	if xerr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if result == nil {
			// Structural rejection: the plan never started.
			spine, serr := p.stageCompleted(ctx, runID, StageExecute, stageID, "failed", xerr.Error())
			if serr != nil {
				return nil, serr
			}
			return p.finish(ctx, out, runID, spine, fmt.Sprintf("execution failed: %v", xerr))
		}
		// Mid-run append failure: the write path is broken, so forcing a
		// terminal event through it would fail too. The run supervisor logs
		// it and the silence watchdog eventually times the run out.
		return nil, xerr
	}
	result.Verdicts = verdicts
	out.Result = result

	execOutcome, detail := "completed", summarize(result)
	if !result.Succeeded {
		execOutcome = "failed"
		detail = "failed tasks: " + strings.Join(result.FailedTasks, ", ")
	}
	spine, err = p.stageCompleted(ctx, runID, StageExecute, stageID, execOutcome, detail)
	if err != nil {
		return nil, err
	}

	// Post-Verify.
	stageID, err = p.stageStarted(ctx, runID, StagePostVerify, spine)
	if err != nil {
		return nil, err
	}
	review, gerr = p.guard.ReviewResult(ctx, goal, result)
	if gerr != nil {
		return p.guardFailed(ctx, out, runID, StagePostVerify, stageID, "guard.review_result", gerr)
	}
	verdict = reviewVerdict(review.Verdict)
	result.Verdicts = append(result.Verdicts, models.VerdictRecord{Stage: StagePostVerify, Verdict: verdict, Reason: review.Reason})
	spine, err = p.stageCompleted(ctx, runID, StagePostVerify, stageID, string(verdict), review.Reason)
	if err != nil {
		return nil, err
	}

	// The guard can fail a succeeded run; it cannot bless a failed one.
	switch {
	case verdict == models.VerdictFail:
		return p.finish(ctx, out, runID, spine, withComment("result rejected by guard", review.Reason))
	case !result.Succeeded:
		return p.finish(ctx, out, runID, spine,
			fmt.Sprintf("%d of %d tasks failed", len(result.FailedTasks), len(plan.Tasks)))
	default:
		return p.finish(ctx, out, runID, spine, "")
	}
}

// finish runs the Finalize stage: one terminal run event inside the stage
// bracket. reason == "" completes the run, anything else fails it.
func (p *Pipeline) finish(ctx context.Context, out *Outcome, runID, parent, reason string) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return out, err
	}

	stageID, err := p.stageStarted(ctx, runID, StageFinalize, parent)
	if err != nil {
		return nil, err
	}

	var terminal *events.Event
	if reason == "" {
		out.Succeeded = true
		terminal, err = p.recorder.Record(ctx, events.New(events.TypeRunCompleted, policy.SystemActor,
			events.RunCompletedPayload{Succeeded: true, Summary: summarize(out.Result)},
			events.WithRun(runID), events.WithParents(stageID)))
	} else {
		out.Reason = reason
		terminal, err = p.recorder.Record(ctx, events.New(events.TypeRunFailed, policy.SystemActor,
			events.RunFailedPayload{Reason: reason},
			events.WithRun(runID), events.WithParents(stageID)))
	}
	if err != nil {
		return nil, err
	}

	outcome := "completed"
	if reason != "" {
		outcome = "failed"
	}
	if _, err := p.stageCompleted(ctx, runID, StageFinalize, terminal.ID, outcome, reason); err != nil {
		return nil, err
	}
	slog.Info("Pipeline finished", "run_id", runID, "succeeded", out.Succeeded, "reason", reason)
	return out, nil
}

// guardFailed closes a verify stage whose guard errored. A guard that cannot
// answer does not wave the subject through; the run fails.
func (p *Pipeline) guardFailed(ctx context.Context, out *Outcome, runID, stage, stageID, operation string, gerr error) (*Outcome, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	slog.Warn("Guard call failed", "run_id", runID, "stage", stage, "error", gerr)
	if _, err := p.recorder.Record(ctx, events.New(events.TypeOperationFailed, policy.SystemActor,
		events.OperationFailedPayload{Operation: operation, Error: gerr.Error(), Retryable: false},
		events.WithRun(runID), events.WithParents(stageID))); err != nil {
		return nil, err
	}
	spine, err := p.stageCompleted(ctx, runID, stage, stageID, string(models.VerdictFail), gerr.Error())
	if err != nil {
		return nil, err
	}
	return p.finish(ctx, out, runID, spine, fmt.Sprintf("%s: %v", operation, gerr))
}

func (p *Pipeline) stageStarted(ctx context.Context, runID, stage, parent string) (string, error) {
	e, err := p.recorder.Record(ctx, events.New(events.TypePipelineStageStarted, policy.SystemActor,
		events.PipelineStagePayload{Stage: stage},
		events.WithRun(runID), withParent(parent)))
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

func (p *Pipeline) stageCompleted(ctx context.Context, runID, stage, parent, outcome, detail string) (string, error) {
	e, err := p.recorder.Record(ctx, events.New(events.TypePipelineStageCompleted, policy.SystemActor,
		events.PipelineStagePayload{Stage: stage, Outcome: outcome, Detail: detail},
		events.WithRun(runID), withParent(parent)))
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

// reviewVerdict coerces a guard's verdict to the known set; anything
// unrecognized fails closed.
func reviewVerdict(v models.Verdict) models.Verdict {
	switch v {
	case models.VerdictPass, models.VerdictConditional, models.VerdictFail:
		return v
	}
	return models.VerdictFail
}

func summarize(result *models.ColonyResult) string {
	if result == nil {
		return ""
	}
	completed := 0
	for _, t := range result.Tasks {
		if t.State == models.TaskCompleted {
			completed++
		}
	}
	return fmt.Sprintf("%d of %d tasks completed", completed, len(result.Tasks))
}

func withComment(msg, comment string) string {
	if comment == "" {
		return msg
	}
	return msg + ": " + comment
}

func withParent(id string) events.Option {
	if id == "" {
		return func(*events.Event) {}
	}
	return events.WithParents(id)
}
