// Package projection derives entity snapshots by folding event logs.
//
// Projections are pure: folding the same events in the same order always
// yields the same snapshot, and Apply(e) on a live projection is equivalent
// to refolding the log with e appended. The event log stays the only
// authority; every projection is disposable and rebuildable.
package projection

import (
	"sort"
	"time"

	"github.com/apiaryhq/apiary/pkg/events"
	"github.com/apiaryhq/apiary/pkg/lifecycle"
	"github.com/apiaryhq/apiary/pkg/models"
)

// RunProjection is the folded view of one Run scope.
type RunProjection struct {
	Run          models.Run
	Tasks        map[string]*models.Task
	Requirements map[string]*models.Requirement

	// UnknownEvents counts events whose type this binary does not know.
	// They are preserved on disk but never advance state.
	UnknownEvents int

	// LastActivity is the timestamp of the newest event in the scope,
	// whatever its type. The watchdog compares it against the heartbeat
	// interval.
	LastActivity time.Time

	// LastEventID anchors lineage queries issued without an explicit seed.
	LastEventID string

	// Frozen is set when the scope's log failed hash verification; the
	// projection is still served but the Run accepts no further commands.
	Frozen bool

	taskOrder []string
	results   map[string]models.TaskResult
	openTasks map[string]struct{}
	openReqs  map[string]struct{}
}

// NewRun returns an empty projection for a Run scope.
func NewRun(runID string) *RunProjection {
	return &RunProjection{
		Run:          models.Run{ID: runID},
		Tasks:        make(map[string]*models.Task),
		Requirements: make(map[string]*models.Requirement),
		results:      make(map[string]models.TaskResult),
		openTasks:    make(map[string]struct{}),
		openReqs:     make(map[string]struct{}),
	}
}

// ProjectRun folds a full Run log in order.
func ProjectRun(runID string, evs []*events.Event) *RunProjection {
	p := NewRun(runID)
	for _, e := range evs {
		p.Apply(e)
	}
	return p
}

// Apply folds one event into the projection. Events that fail their state
// machine are counted as activity but change no state; an appended log never
// contains such events, replayed foreign logs may.
func (p *RunProjection) Apply(e *events.Event) {
	p.Run.EventCount++
	if e.Timestamp.After(p.LastActivity) {
		p.LastActivity = e.Timestamp
	}
	p.LastEventID = e.ID

	if !e.Known() {
		p.UnknownEvents++
		return
	}

	switch e.Type {
	case events.TypeRunStarted, events.TypeRunCompleted, events.TypeRunFailed,
		events.TypeRunAborted, events.TypeRunTimedOut, events.TypeRunHeartbeat:
		p.applyRun(e)
	case events.TypeTaskCreated, events.TypeTaskAssigned, events.TypeWorkerStarted,
		events.TypeTaskProgressed, events.TypeTaskCompleted, events.TypeTaskFailed,
		events.TypeTaskBlocked, events.TypeTaskUnblocked, events.TypeTaskCancelled:
		p.applyTask(e)
	case events.TypeRequirementCreated, events.TypeRequirementApproved,
		events.TypeRequirementRejected, events.TypeRequirementCancelled:
		p.applyRequirement(e)
	}
	// Planner, pipeline, sentinel and operation events carry no entity state.
}

func (p *RunProjection) applyRun(e *events.Event) {
	next, err := lifecycle.RunNext(p.Run.State, e.Type, p.Run.ID)
	if err != nil {
		return
	}
	p.Run.State = next

	switch e.Type {
	case events.TypeRunStarted:
		var payload events.RunStartedPayload
		if err := events.DecodePayload(e, &payload); err == nil {
			p.Run.Goal = payload.Goal
			p.Run.ColonyID = payload.ColonyID
		}
		p.Run.StartedAt = e.Timestamp
	case events.TypeRunHeartbeat:
		ts := e.Timestamp
		p.Run.LastHeartbeat = &ts
	default: // terminal transitions
		ts := e.Timestamp
		p.Run.CompletedAt = &ts
	}
}

func (p *RunProjection) applyTask(e *events.Event) {
	if e.TaskID == "" {
		return
	}
	task, exists := p.Tasks[e.TaskID]
	state := models.TaskState("")
	if exists {
		state = task.State
	}
	next, err := lifecycle.TaskNext(state, e.Type, e.TaskID)
	if err != nil {
		return
	}
	tokensUsed := 0

	if !exists {
		task = &models.Task{ID: e.TaskID, RunID: p.Run.ID}
		p.Tasks[e.TaskID] = task
		p.taskOrder = append(p.taskOrder, e.TaskID)
		p.openTasks[e.TaskID] = struct{}{}
	}
	task.State = next

	switch e.Type {
	case events.TypeTaskCreated:
		var payload events.TaskCreatedPayload
		if err := events.DecodePayload(e, &payload); err == nil {
			task.Title = payload.Title
			task.Description = payload.Description
			task.ParentTaskID = payload.ParentTaskID
			task.Dependencies = payload.Dependencies
			task.ActionClass = payload.ActionClass
		}
	case events.TypeTaskAssigned:
		var payload events.TaskAssignedPayload
		if err := events.DecodePayload(e, &payload); err == nil {
			task.Assignee = payload.Assignee
		}
	case events.TypeWorkerStarted:
		var payload events.WorkerStartedPayload
		if err := events.DecodePayload(e, &payload); err == nil {
			task.RetryCount = payload.RetryCount
			if payload.Assignee != "" {
				task.Assignee = payload.Assignee
			}
		}
	case events.TypeTaskProgressed:
		var payload events.TaskProgressedPayload
		if err := events.DecodePayload(e, &payload); err == nil {
			task.Progress = payload.Progress
		}
	case events.TypeTaskCompleted:
		var payload events.TaskCompletedPayload
		if err := events.DecodePayload(e, &payload); err == nil {
			task.Result = payload.Result
			tokensUsed = payload.TokensUsed
		}
		task.Progress = 100
	case events.TypeTaskFailed:
		var payload events.TaskFailedPayload
		if err := events.DecodePayload(e, &payload); err == nil {
			task.Error = payload.Error
		}
	}

	if task.State.Terminal() {
		delete(p.openTasks, e.TaskID)
		p.results[task.ID] = models.TaskResult{
			TaskID:     task.ID,
			Title:      task.Title,
			State:      task.State,
			Result:     task.Result,
			Error:      task.Error,
			Retries:    task.RetryCount,
			TokensUsed: tokensUsed,
			Completed:  e.Timestamp,
		}
	}
}

func (p *RunProjection) applyRequirement(e *events.Event) {
	switch e.Type {
	case events.TypeRequirementCreated:
		// The requirement is identified by its creating event's id.
		if _, err := lifecycle.RequirementNext("", e.Type, e.ID); err != nil {
			return
		}
		var payload events.RequirementCreatedPayload
		if err := events.DecodePayload(e, &payload); err != nil {
			return
		}
		p.Requirements[e.ID] = &models.Requirement{
			ID:          e.ID,
			RunID:       p.Run.ID,
			Description: payload.Description,
			TaskID:      payload.TaskID,
			Options:     payload.Options,
			State:       models.RequirementPending,
			CreatedAt:   e.Timestamp,
		}
		p.openReqs[e.ID] = struct{}{}
	case events.TypeRequirementApproved, events.TypeRequirementRejected:
		var payload events.RequirementResolvedPayload
		if err := events.DecodePayload(e, &payload); err != nil {
			return
		}
		req, ok := p.Requirements[payload.RequirementID]
		if !ok {
			return
		}
		next, err := lifecycle.RequirementNext(req.State, e.Type, req.ID)
		if err != nil {
			return
		}
		req.State = next
		req.SelectedOption = payload.SelectedOption
		req.Comment = payload.Comment
		delete(p.openReqs, req.ID)
	case events.TypeRequirementCancelled:
		var payload events.RequirementCancelledPayload
		if err := events.DecodePayload(e, &payload); err != nil {
			return
		}
		req, ok := p.Requirements[payload.RequirementID]
		if !ok {
			return
		}
		next, err := lifecycle.RequirementNext(req.State, e.Type, req.ID)
		if err != nil {
			return
		}
		req.State = next
		req.Comment = payload.Reason
		delete(p.openReqs, req.ID)
	}
}

// OpenTasks returns the ids of non-terminal tasks, sorted.
func (p *RunProjection) OpenTasks() []string {
	return sortedKeys(p.openTasks)
}

// OpenRequirements returns the ids of pending requirements, sorted.
func (p *RunProjection) OpenRequirements() []string {
	return sortedKeys(p.openReqs)
}

// Quiescent reports whether the Run has no open tasks and no pending
// requirements. Completing a Run without force requires quiescence.
func (p *RunProjection) Quiescent() bool {
	return len(p.openTasks) == 0 && len(p.openReqs) == 0
}

// TasksInOrder returns task snapshots in creation order.
func (p *RunProjection) TasksInOrder() []models.Task {
	out := make([]models.Task, 0, len(p.taskOrder))
	for _, id := range p.taskOrder {
		if t := p.Tasks[id]; t != nil {
			out = append(out, *t)
		}
	}
	return out
}

// Results returns the terminal task outcomes keyed by task id.
func (p *RunProjection) Results() map[string]models.TaskResult {
	out := make(map[string]models.TaskResult, len(p.results))
	for id, r := range p.results {
		out[id] = r
	}
	return out
}

// Result returns one task's terminal outcome, if it has one.
func (p *RunProjection) Result(taskID string) (models.TaskResult, bool) {
	r, ok := p.results[taskID]
	return r, ok
}

// Clone returns an independent deep copy, safe to hand outside any lock.
func (p *RunProjection) Clone() *RunProjection {
	c := &RunProjection{
		Run:           p.Run,
		Tasks:         make(map[string]*models.Task, len(p.Tasks)),
		Requirements:  make(map[string]*models.Requirement, len(p.Requirements)),
		UnknownEvents: p.UnknownEvents,
		LastActivity:  p.LastActivity,
		LastEventID:   p.LastEventID,
		Frozen:        p.Frozen,
		taskOrder:     append([]string(nil), p.taskOrder...),
		results:       make(map[string]models.TaskResult, len(p.results)),
		openTasks:     make(map[string]struct{}, len(p.openTasks)),
		openReqs:      make(map[string]struct{}, len(p.openReqs)),
	}
	for id, t := range p.Tasks {
		tc := *t
		tc.Dependencies = append([]string(nil), t.Dependencies...)
		c.Tasks[id] = &tc
	}
	for id, r := range p.Requirements {
		rc := *r
		rc.Options = append([]string(nil), r.Options...)
		c.Requirements[id] = &rc
	}
	for id, r := range p.results {
		c.results[id] = r
	}
	for id := range p.openTasks {
		c.openTasks[id] = struct{}{}
	}
	for id := range p.openReqs {
		c.openReqs[id] = struct{}{}
	}
	return c
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
