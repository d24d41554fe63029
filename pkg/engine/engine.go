// Package engine wires the vault, projections, policy gate, planner,
// orchestrator, pipeline, and sentinel into one control surface.
//
// Every state change funnels through Record, the single write path: resolve
// the owning scope, check the entity state machine, seal the event onto the
// scope's hash chain, append, fold into the projection cache, and fan out to
// metrics, episodes, and the sentinel. Commands are thin typed fronts over
// that path, idempotent by command id.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apiaryhq/apiary/pkg/approval"
	"github.com/apiaryhq/apiary/pkg/config"
	"github.com/apiaryhq/apiary/pkg/events"
	"github.com/apiaryhq/apiary/pkg/lifecycle"
	"github.com/apiaryhq/apiary/pkg/lineage"
	"github.com/apiaryhq/apiary/pkg/llm"
	"github.com/apiaryhq/apiary/pkg/masking"
	"github.com/apiaryhq/apiary/pkg/metrics"
	"github.com/apiaryhq/apiary/pkg/models"
	"github.com/apiaryhq/apiary/pkg/orchestrator"
	"github.com/apiaryhq/apiary/pkg/pipeline"
	"github.com/apiaryhq/apiary/pkg/planner"
	"github.com/apiaryhq/apiary/pkg/policy"
	"github.com/apiaryhq/apiary/pkg/projection"
	"github.com/apiaryhq/apiary/pkg/ratelimit"
	"github.com/apiaryhq/apiary/pkg/sentinel"
	"github.com/apiaryhq/apiary/pkg/vault"
)

// Options overrides collaborators that would otherwise be built from config.
// Tests inject a scripted llm.Static; embedders can swap the worker or guard.
type Options struct {
	LLM    llm.Client
	Worker orchestrator.Worker
	Guard  pipeline.Guard
}

// supervisor tracks one live pipeline goroutine.
type supervisor struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine owns the event store and every component that reads or writes it.
type Engine struct {
	cfg config.Config

	vault     *vault.Vault
	episodes  *vault.EpisodeStore
	cache     *projection.Cache
	gate      *policy.Gate
	masker    *masking.Masker
	metrics   *metrics.Metrics
	tracer    *lineage.Tracer
	approvals *approval.Registry
	limiter   *ratelimit.Limiter
	llm       llm.Client
	pipe      *pipeline.Pipeline
	sentinel  *sentinel.Sentinel

	// scopeLocks serializes the guard-seal-append-fold sequence per scope.
	scopeMu    sync.Mutex
	scopeLocks map[vault.Scope]*sync.Mutex

	idemMu sync.Mutex
	idem   map[string]*commandEntry

	supMu       sync.Mutex
	supervisors map[string]*supervisor

	// bg tracks detached housekeeping goroutines (colony aborts) so Stop
	// can wait for their appends to land.
	bg sync.WaitGroup

	// strikes maps run id to the timestamp of its last silence event; a
	// second silent scan against the same stamp times the run out.
	strikeMu sync.Mutex
	strikes  map[string]time.Time

	// runCtx parents every supervisor; Stop cancels it.
	runCtx    context.Context
	runCancel context.CancelFunc

	lifeMu     sync.Mutex
	started    bool
	stopped    bool
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// New opens the vault, rebuilds projections by replay, and wires the
// collaborators. The returned engine accepts commands immediately; Start
// launches the background loops.
func New(cfg config.Config, opts Options) (*Engine, error) {
	v, err := vault.Open(cfg.VaultPath)
	if err != nil {
		return nil, err
	}
	episodes, err := v.OpenEpisodes()
	if err != nil {
		return nil, err
	}

	client := opts.LLM
	if client == nil {
		client, err = llm.New(cfg.LLM)
		if err != nil {
			return nil, err
		}
	}
	limiter := ratelimit.New(cfg.RateLimit)
	worker := opts.Worker
	if worker == nil {
		worker = orchestrator.NewLLMWorker(client, limiter, cfg.LLM.MaxTokens)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		vault:       v,
		episodes:    episodes,
		cache:       projection.NewCache(),
		gate:        policy.NewGate(cfg.Policy),
		masker:      masking.New(cfg.Masking),
		metrics:     metrics.New(),
		tracer:      lineage.New(v),
		approvals:   approval.NewRegistry(),
		limiter:     limiter,
		llm:         client,
		scopeLocks:  make(map[vault.Scope]*sync.Mutex),
		idem:        make(map[string]*commandEntry),
		supervisors: make(map[string]*supervisor),
		strikes:     make(map[string]time.Time),
		runCtx:      runCtx,
		runCancel:   runCancel,
	}
	e.sentinel = sentinel.New(cfg.Sentinel, cfg.Governance.MaxOscillations, e, episodes)
	e.pipe = pipeline.New(pipeline.Deps{
		Recorder: e,
		Planner:  planner.New(client, limiter, cfg.LLM.MaxTokens),
		Executor: orchestrator.New(e, e, worker, e.gate, cfg.Governance),
		Approver: e,
		Guard:    opts.Guard,
		Gate:     e.gate,
	})

	if err := e.rebuild(context.Background()); err != nil {
		runCancel()
		return nil, err
	}
	return e, nil
}

// Start launches the sentinel monitor and the maintenance loop (silence
// watchdog plus approval reaper). Commands work without Start; only the
// background loops need it.
func (e *Engine) Start(ctx context.Context) {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.started || e.stopped {
		return
	}
	e.started = true
	e.sentinel.Start(ctx)
	loopCtx, cancel := context.WithCancel(ctx)
	e.loopCancel = cancel
	e.loopDone = make(chan struct{})
	go e.maintain(loopCtx)
	slog.Info("Engine started", "vault", e.vault.Root(), "model", e.llm.Model())
}

// Stop cancels live run supervisors, waits for them, and shuts the loops
// down. Runs that were in flight stay running on disk; the watchdog times
// them out after the next start.
func (e *Engine) Stop() {
	e.lifeMu.Lock()
	if e.stopped {
		e.lifeMu.Unlock()
		return
	}
	e.stopped = true
	started := e.started
	e.lifeMu.Unlock()

	e.runCancel()
	e.supMu.Lock()
	sups := make([]*supervisor, 0, len(e.supervisors))
	for _, sup := range e.supervisors {
		sups = append(sups, sup)
	}
	e.supMu.Unlock()
	for _, sup := range sups {
		<-sup.done
	}
	e.bg.Wait()

	if started {
		e.loopCancel()
		<-e.loopDone
		e.sentinel.Stop()
	}
	slog.Info("Engine stopped")
}

// rebuild replays every scope into the projection cache and relinks colony
// run membership through the vault's side index. Corrupt scopes are served
// read-only from their valid prefix.
func (e *Engine) rebuild(ctx context.Context) error {
	scopes, err := e.vault.Scopes()
	if err != nil {
		return err
	}
	openReqs := 0
	var hiveIDs []string
	for _, scope := range scopes {
		evs, rerr := e.vault.ReadAll(ctx, scope)
		if rerr != nil {
			frozen, cause := e.vault.Frozen(scope)
			if !frozen {
				return rerr
			}
			slog.Warn("Serving corrupt scope read-only from its valid prefix", "scope", scope, "error", cause)
		}
		switch {
		case scope == vault.MetaScope:
			// Meta decisions carry no entity state.
		case scope.IsRunScope():
			p := projection.ProjectRun(string(scope), evs)
			if frozen, _ := e.vault.Frozen(scope); frozen {
				p.Frozen = true
			}
			openReqs += len(p.OpenRequirements())
			e.cache.PutRun(p)
		default:
			hiveID := strings.TrimPrefix(string(scope), "hive-")
			p := projection.ProjectHive(hiveID, evs)
			if frozen, _ := e.vault.Frozen(scope); frozen {
				p.Frozen = true
			}
			e.cache.PutHive(p)
			hiveIDs = append(hiveIDs, hiveID)
		}
	}

	runs, err := e.vault.ListRuns()
	if err != nil {
		return err
	}
	linked := 0
	for _, runID := range runs {
		if hiveID, colonyID, ok := e.vault.RunColony(runID); ok && colonyID != "" {
			e.cache.AddColonyRun(hiveID, colonyID, runID)
			linked++
		}
	}

	// Refresh colony snapshots after run membership is relinked, so the
	// on-disk view matches what the cache serves.
	for _, hiveID := range hiveIDs {
		if p, ok := e.cache.Hive(hiveID); ok {
			for _, col := range p.ColoniesInOrder() {
				e.saveColonySnapshot(hiveID, col.ID)
			}
		}
	}
	e.metrics.OpenRequirements.Set(float64(openReqs))
	if len(scopes) > 0 {
		slog.Info("Projections rebuilt", "scopes", len(scopes), "colony_runs", linked, "open_requirements", openReqs)
	}
	return nil
}

// Record is the single write path. It masks payload strings, resolves the
// owning scope, rejects transitions the entity state machine does not
// permit, seals the event onto the scope's chain, appends it, folds it into
// the projection cache, and fans out to metrics, episodes, and the sentinel.
func (e *Engine) Record(ctx context.Context, ev *events.Event) (*events.Event, error) {
	if ev == nil {
		return nil, NewValidationError("event", "must not be nil")
	}
	if ev.Type == "" {
		return nil, NewValidationError("type", "must not be empty")
	}
	if ev.Actor == "" {
		ev.Actor = policy.SystemActor
	}
	if e.masker.Enabled() {
		ev.Payload = e.masker.MaskPayload(ev.Payload)
	}

	// Colony-addressed events live in their hive's scope; the sentinel
	// only knows the colony id.
	if ev.RunID == "" && ev.ColonyID != "" && ev.HiveID == "" {
		hiveID, ok := e.cache.HiveForColony(ev.ColonyID)
		if !ok {
			return nil, fmt.Errorf("%w: colony %s", ErrNotFound, ev.ColonyID)
		}
		ev.HiveID = hiveID
	}

	scope := vault.ScopeFor(ev)
	mu := e.lockScope(scope)
	mu.Lock()
	if err := e.guard(ev); err != nil {
		mu.Unlock()
		return nil, err
	}
	prev, err := e.vault.LastHash(ctx, scope)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	if err := ev.Seal(prev); err != nil {
		mu.Unlock()
		return nil, err
	}
	if err := e.vault.Append(ctx, ev); err != nil {
		mu.Unlock()
		return nil, err
	}
	e.fold(scope, ev)
	e.tracer.Invalidate(scope)
	mu.Unlock()

	e.react(ctx, ev)
	return ev, nil
}

func (e *Engine) lockScope(scope vault.Scope) *sync.Mutex {
	e.scopeMu.Lock()
	defer e.scopeMu.Unlock()
	mu, ok := e.scopeLocks[scope]
	if !ok {
		mu = &sync.Mutex{}
		e.scopeLocks[scope] = mu
	}
	return mu
}

// guard rejects events whose transition the current state does not permit,
// so an appended log never contains invalid transitions. Event families
// without a machine (planner, pipeline, operation, sentinel alerts) pass.
func (e *Engine) guard(ev *events.Event) error {
	switch {
	case strings.HasPrefix(ev.Type, "run."):
		if ev.RunID == "" {
			return NewValidationError("run_id", "required for "+ev.Type)
		}
		state, _ := e.cache.RunState(ev.RunID)
		_, err := lifecycle.RunNext(state, ev.Type, ev.RunID)
		return err

	case strings.HasPrefix(ev.Type, "task.") || ev.Type == events.TypeWorkerStarted:
		if ev.RunID == "" || ev.TaskID == "" {
			return NewValidationError("task_id", "run_id and task_id required for "+ev.Type)
		}
		if _, ok := e.cache.RunState(ev.RunID); !ok {
			return fmt.Errorf("%w: run %s", ErrNotFound, ev.RunID)
		}
		state, _ := e.cache.TaskState(ev.RunID, ev.TaskID)
		_, err := lifecycle.TaskNext(state, ev.Type, ev.TaskID)
		return err

	case strings.HasPrefix(ev.Type, "requirement."):
		if ev.RunID == "" {
			return NewValidationError("run_id", "required for "+ev.Type)
		}
		if _, ok := e.cache.RunState(ev.RunID); !ok {
			return fmt.Errorf("%w: run %s", ErrNotFound, ev.RunID)
		}
		if ev.Type == events.TypeRequirementCreated {
			return nil // identified by this event's own id, no prior state
		}
		reqID, _ := ev.Payload["requirement_id"].(string)
		if reqID == "" {
			return NewValidationError("requirement_id", "required for "+ev.Type)
		}
		state, ok := e.cache.RequirementState(ev.RunID, reqID)
		if !ok {
			return fmt.Errorf("%w: requirement %s", ErrNotFound, reqID)
		}
		_, err := lifecycle.RequirementNext(state, ev.Type, reqID)
		return err

	case strings.HasPrefix(ev.Type, "colony.") || ev.Type == events.TypeSentinelQuarantine:
		if ev.ColonyID == "" || ev.HiveID == "" {
			return NewValidationError("colony_id", "colony_id and hive_id required for "+ev.Type)
		}
		if _, ok := e.cache.HiveState(ev.HiveID); !ok {
			return fmt.Errorf("%w: hive %s", ErrNotFound, ev.HiveID)
		}
		state, _ := e.cache.ColonyState(ev.HiveID, ev.ColonyID)
		_, err := lifecycle.ColonyNext(state, ev.Type, ev.ColonyID)
		return err

	case strings.HasPrefix(ev.Type, "hive."):
		if ev.HiveID == "" {
			return NewValidationError("hive_id", "required for "+ev.Type)
		}
		state, _ := e.cache.HiveState(ev.HiveID)
		_, err := lifecycle.HiveNext(state, ev.Type, ev.HiveID)
		return err
	}
	return nil
}

// fold applies an appended event to the owning projection.
func (e *Engine) fold(scope vault.Scope, ev *events.Event) {
	switch {
	case scope == vault.MetaScope:
	case scope.IsRunScope():
		e.cache.ApplyRun(ev.RunID, ev)
	default:
		e.cache.ApplyHive(ev.HiveID, ev)
	}
}

// react handles post-append fan-out. Everything here is best-effort and
// never fails the append that triggered it.
func (e *Engine) react(ctx context.Context, ev *events.Event) {
	e.observeMetrics(ev)

	switch ev.Type {
	case events.TypeRunStarted:
		if ev.ColonyID != "" && ev.HiveID != "" {
			e.cache.AddColonyRun(ev.HiveID, ev.ColonyID, ev.RunID)
			e.saveColonySnapshot(ev.HiveID, ev.ColonyID)
		}
	case events.TypeRunCompleted, events.TypeRunFailed, events.TypeRunAborted, events.TypeRunTimedOut:
		e.clearStrike(ev.RunID)
		e.recordEpisode(context.WithoutCancel(ctx), ev.RunID)
	case events.TypeColonyCreated, events.TypeColonyStarted, events.TypeColonyCompleted, events.TypeColonyFailed:
		e.saveColonySnapshot(ev.HiveID, ev.ColonyID)
	case events.TypeColonySuspended, events.TypeSentinelQuarantine:
		e.saveColonySnapshot(ev.HiveID, ev.ColonyID)
		colonyID, reason := ev.ColonyID, suspensionReason(ev)
		e.lifeMu.Lock()
		if !e.stopped {
			e.bg.Add(1)
			go func() {
				defer e.bg.Done()
				e.abortColonyRuns(colonyID, reason)
			}()
		}
		e.lifeMu.Unlock()
	}

	colonyID := ev.ColonyID
	if colonyID == "" && ev.RunID != "" {
		if _, cid, ok := e.vault.RunColony(ev.RunID); ok {
			colonyID = cid
		}
	}
	e.sentinel.Observe(ev, colonyID)
}

func (e *Engine) observeMetrics(ev *events.Event) {
	e.metrics.EventsAppended.WithLabelValues(ev.Type).Inc()
	switch ev.Type {
	case events.TypeTaskCompleted:
		e.metrics.TasksTotal.WithLabelValues(string(models.TaskCompleted)).Inc()
		var payload events.TaskCompletedPayload
		if err := events.DecodePayload(ev, &payload); err == nil && payload.TokensUsed > 0 {
			e.metrics.LLMTokens.WithLabelValues(e.llm.Model()).Add(float64(payload.TokensUsed))
		}
	case events.TypeTaskFailed:
		e.metrics.TasksTotal.WithLabelValues(string(models.TaskFailed)).Inc()
	case events.TypeTaskCancelled:
		e.metrics.TasksTotal.WithLabelValues(string(models.TaskCancelled)).Inc()
	case events.TypeRequirementCreated:
		e.metrics.OpenRequirements.Inc()
	case events.TypeRequirementApproved, events.TypeRequirementRejected, events.TypeRequirementCancelled:
		e.metrics.OpenRequirements.Dec()
	case events.TypePlannerCompleted:
		var payload events.PlannerCompletedPayload
		if err := events.DecodePayload(ev, &payload); err == nil && payload.TokensUsed > 0 {
			model := payload.Model
			if model == "" {
				model = e.llm.Model()
			}
			e.metrics.LLMTokens.WithLabelValues(model).Add(float64(payload.TokensUsed))
		}
	case events.TypeSentinelAlertRaised:
		var payload events.SentinelAlertPayload
		if err := events.DecodePayload(ev, &payload); err == nil {
			e.metrics.SentinelAlerts.WithLabelValues(payload.Pattern).Inc()
		}
	}
}

// recordEpisode appends the honeycomb summary of a finished run. Episode
// loss is tolerable (the event log stays authoritative), so failures only
// warn.
func (e *Engine) recordEpisode(ctx context.Context, runID string) {
	proj, ok := e.cache.Run(runID)
	if !ok {
		return
	}
	run := proj.Run
	var duration time.Duration
	if run.CompletedAt != nil && !run.StartedAt.IsZero() {
		duration = run.CompletedAt.Sub(run.StartedAt)
	}
	completed, failed, tokens := 0, 0, 0
	for _, r := range proj.Results() {
		if r.State == models.TaskCompleted {
			completed++
		} else {
			failed++
		}
		tokens += r.TokensUsed
	}
	ep := &models.Episode{
		ID:              newID("ep"),
		RunID:           runID,
		ColonyID:        run.ColonyID,
		GoalFingerprint: fingerprint(run.Goal),
		Outcome:         run.State,
		Duration:        duration,
		TasksCompleted:  completed,
		TasksFailed:     failed,
		TokensUsed:      tokens,
		Interventions:   len(proj.Requirements),
		RecordedAt:      time.Now().UTC(),
	}
	if err := e.episodes.Append(ctx, ep); err != nil {
		slog.Warn("Episode append failed", "run_id", runID, "error", err)
		return
	}
	slog.Info("Episode recorded", "run_id", runID, "outcome", ep.Outcome, "tasks_completed", completed, "tasks_failed", failed)
}

// saveColonySnapshot mirrors a colony's folded state to its on-disk
// snapshot. The log stays the authority; snapshot loss only warns.
func (e *Engine) saveColonySnapshot(hiveID, colonyID string) {
	proj, ok := e.cache.Hive(hiveID)
	if !ok {
		return
	}
	col, ok := proj.Colony(colonyID)
	if !ok {
		return
	}
	if err := e.vault.SaveColonySnapshot(hiveID, col); err != nil {
		slog.Warn("Colony snapshot write failed", "hive_id", hiveID, "colony_id", colonyID, "error", err)
	}
}

// abortColonyRuns force-aborts live runs of a suspended or quarantined
// colony. Races with runs finishing on their own resolve through the state
// machine guard: the loser's terminal event is rejected and dropped.
func (e *Engine) abortColonyRuns(colonyID, reason string) {
	for _, run := range e.cache.Runs() {
		if run.ColonyID != colonyID || run.State != models.RunRunning {
			continue
		}
		slog.Warn("Aborting run of suspended colony", "run_id", run.ID, "colony_id", colonyID)
		e.cancelSupervisor(run.ID)
		e.cancelOpenRequirements(e.runCtx, run.ID, "colony suspended")
		if _, err := e.Record(e.runCtx, events.New(events.TypeRunAborted, policy.SystemActor,
			events.RunAbortedPayload{Reason: "colony suspended: " + reason, Scope: "colony"},
			events.WithRun(run.ID))); err != nil {
			var ite *lifecycle.InvalidTransitionError
			if !errors.As(err, &ite) {
				slog.Error("Abort event append failed", "run_id", run.ID, "error", err)
			}
		}
	}
}

// cancelOpenRequirements unblocks in-process waiters and records
// requirement.cancelled for every pending requirement of the run.
func (e *Engine) cancelOpenRequirements(ctx context.Context, runID, reason string) {
	e.approvals.CancelAll(runID)
	proj, ok := e.cache.Run(runID)
	if !ok {
		return
	}
	for _, reqID := range proj.OpenRequirements() {
		if _, err := e.Record(ctx, events.New(events.TypeRequirementCancelled, policy.SystemActor,
			events.RequirementCancelledPayload{RequirementID: reqID, Reason: reason},
			events.WithRun(runID), events.WithParents(reqID))); err != nil {
			slog.Warn("Requirement cancellation failed", "run_id", runID, "requirement_id", reqID, "error", err)
		}
	}
}

// RequireApproval implements orchestrator.Approver: record the requirement,
// park a handle, and block until requirement.resolve (or cancellation)
// answers it.
func (e *Engine) RequireApproval(ctx context.Context, req orchestrator.ApprovalRequest) (approval.Outcome, error) {
	opts := []events.Option{events.WithRun(req.RunID)}
	if req.ParentEventID != "" {
		opts = append(opts, events.WithParents(req.ParentEventID))
	}
	recorded, err := e.Record(ctx, events.New(events.TypeRequirementCreated, policy.SystemActor,
		events.RequirementCreatedPayload{
			Description: req.Description,
			Options:     req.Options,
			ActionClass: req.ActionClass,
			TaskID:      req.TaskID,
		}, opts...))
	if err != nil {
		return approval.Outcome{}, err
	}
	handle := e.approvals.Create(req.RunID, recorded.ID)
	slog.Info("Approval required", "run_id", req.RunID, "requirement_id", recorded.ID, "class", req.ActionClass)
	return handle.Await(ctx)
}

// launchRun supervises one pipeline pass in its own goroutine. Emergency
// stop, colony suspension, and engine shutdown cancel its context.
func (e *Engine) launchRun(runID, goal, priorContext, parentEventID string) {
	ctx, cancel := context.WithCancel(e.runCtx)
	sup := &supervisor{cancel: cancel, done: make(chan struct{})}
	e.supMu.Lock()
	e.supervisors[runID] = sup
	e.supMu.Unlock()

	go func() {
		defer close(sup.done)
		defer cancel()
		defer func() {
			e.supMu.Lock()
			delete(e.supervisors, runID)
			e.supMu.Unlock()
		}()

		out, err := e.pipe.Run(ctx, runID, goal, priorContext, parentEventID)
		switch {
		case err == nil:
			slog.Info("Run finished", "run_id", runID, "succeeded", out.Succeeded)
		case ctx.Err() != nil:
			slog.Info("Run cancelled", "run_id", runID)
		default:
			var ite *lifecycle.InvalidTransitionError
			if errors.As(err, &ite) {
				// The terminal event was recorded elsewhere (force
				// complete or watchdog timeout) while the pipeline ran.
				slog.Info("Run closed elsewhere", "run_id", runID, "rejected_event", ite.Event)
				return
			}
			slog.Error("Pipeline stopped without terminal event", "run_id", runID, "error", err)
		}
	}()
}

// cancelSupervisor cancels a run's pipeline goroutine and waits for it to
// finish its in-flight appends. No-op for runs without a live supervisor.
func (e *Engine) cancelSupervisor(runID string) {
	e.supMu.Lock()
	sup := e.supervisors[runID]
	e.supMu.Unlock()
	if sup == nil {
		return
	}
	sup.cancel()
	<-sup.done
}

// priorContext summarizes colony history for the planner: the colony goal
// plus the most recent episode outcomes.
func (e *Engine) priorContext(ctx context.Context, colonyID string) string {
	if colonyID == "" {
		return ""
	}
	hiveID, ok := e.cache.HiveForColony(colonyID)
	if !ok {
		return ""
	}
	proj, ok := e.cache.Hive(hiveID)
	if !ok {
		return ""
	}
	col, ok := proj.Colony(colonyID)
	if !ok {
		return ""
	}

	var b strings.Builder
	if col.Goal != "" {
		fmt.Fprintf(&b, "Colony goal: %s\n", col.Goal)
	}
	eps, err := e.episodes.Recent(ctx, 20)
	if err != nil {
		return b.String()
	}
	lines := 0
	for i := len(eps) - 1; i >= 0 && lines < 3; i-- { // newest last
		ep := eps[i]
		if ep.ColonyID != colonyID {
			continue
		}
		fmt.Fprintf(&b, "Prior run %s: %s, %d of %d tasks completed\n",
			ep.RunID, ep.Outcome, ep.TasksCompleted, ep.TasksCompleted+ep.TasksFailed)
		lines++
	}
	return b.String()
}

func (e *Engine) isStopped() bool {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	return e.stopped
}

// Metrics exposes the engine's collectors for the HTTP surface.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// LimiterStats snapshots per-model rate limiter usage for the health surface.
func (e *Engine) LimiterStats() []ratelimit.Stats { return e.limiter.Snapshot() }

// VaultRoot reports the store's filesystem root.
func (e *Engine) VaultRoot() string { return e.vault.Root() }

func suspensionReason(ev *events.Event) string {
	if r, ok := ev.Payload["reason"].(string); ok && r != "" {
		return r
	}
	return ev.Type
}

// fingerprint is a short stable digest of a goal, for grouping episodes of
// repeated work without storing the text twice.
func fingerprint(goal string) string {
	sum := sha256.Sum256([]byte(goal))
	return hex.EncodeToString(sum[:8])
}

func newID(prefix string) string {
	return prefix + "-" + uuid.Must(uuid.NewV7()).String()
}
