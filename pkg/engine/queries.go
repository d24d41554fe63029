package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/apiaryhq/apiary/pkg/events"
	"github.com/apiaryhq/apiary/pkg/lineage"
	"github.com/apiaryhq/apiary/pkg/models"
	"github.com/apiaryhq/apiary/pkg/projection"
	"github.com/apiaryhq/apiary/pkg/vault"
)

// Run returns the folded view of one run: snapshot, tasks, requirements, and
// the frozen flag. The projection is a clone; callers may keep it.
func (e *Engine) Run(runID string) (*projection.RunProjection, error) {
	proj, ok := e.cache.Run(runID)
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return proj, nil
}

// Runs lists run snapshots newest first, optionally filtered by colony and
// state, paginated.
func (e *Engine) Runs(params models.RunListParams) (*models.RunListResult, error) {
	if params.State != "" && !validRunState(params.State) {
		return nil, NewValidationError("state", "unknown state "+params.State)
	}
	page := params.Page
	if page < 1 {
		page = 1
	}
	size := params.PageSize
	if size < 1 {
		size = 20
	}
	if size > 200 {
		size = 200
	}

	all := e.cache.Runs()
	filtered := all[:0:0]
	for _, run := range all {
		if params.ColonyID != "" && run.ColonyID != params.ColonyID {
			continue
		}
		if params.State != "" && run.State != models.RunState(params.State) {
			continue
		}
		filtered = append(filtered, run)
	}

	start := (page - 1) * size
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + size
	if end > len(filtered) {
		end = len(filtered)
	}
	pageRuns := make([]*models.Run, 0, end-start)
	for i := start; i < end; i++ {
		run := filtered[i]
		pageRuns = append(pageRuns, &run)
	}
	return &models.RunListResult{
		Runs:       pageRuns,
		TotalCount: len(filtered),
		Page:       page,
		PageSize:   size,
	}, nil
}

func validRunState(s string) bool {
	switch models.RunState(s) {
	case models.RunRunning, models.RunCompleted, models.RunFailed, models.RunAborted, models.RunTimedOut:
		return true
	}
	return false
}

// Hives lists every hive snapshot sorted by id.
func (e *Engine) Hives() []models.Hive {
	return e.cache.Hives()
}

// Hive returns one hive's folded view, colonies included.
func (e *Engine) Hive(hiveID string) (*projection.HiveProjection, error) {
	proj, ok := e.cache.Hive(hiveID)
	if !ok {
		return nil, fmt.Errorf("%w: hive %s", ErrNotFound, hiveID)
	}
	return proj, nil
}

// Events returns a run's event log in append order. A frozen scope yields
// its valid prefix together with the corruption error, so callers can show
// both.
func (e *Engine) Events(ctx context.Context, runID string) ([]*events.Event, error) {
	if _, ok := e.cache.RunState(runID); !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	evs, err := e.vault.ReadAll(ctx, vault.Scope(runID))
	if err != nil {
		if frozen, _ := e.vault.Frozen(vault.Scope(runID)); frozen {
			e.cache.MarkRunFrozen(runID)
			return evs, err
		}
		return nil, err
	}
	return evs, nil
}

// Lineage walks the causality graph from a seed event. Direction defaults to
// ancestors; an empty event id seeds from the run's newest event. A nil
// MaxDepth walks unbounded, an explicit zero returns only the seed.
func (e *Engine) Lineage(ctx context.Context, req models.LineageRequest) (*models.LineageResult, error) {
	proj, ok := e.cache.Run(req.RunID)
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, req.RunID)
	}
	seed := req.EventID
	if seed == "" {
		seed = proj.LastEventID
	}
	if seed == "" {
		return &models.LineageResult{}, nil
	}
	maxDepth := -1 // no bound given walks the whole graph
	if req.MaxDepth != nil {
		maxDepth = *req.MaxDepth
	}

	scope := vault.Scope(req.RunID)
	var (
		ids       []string
		truncated bool
		err       error
	)
	switch req.Direction {
	case "", "ancestors":
		ids, truncated, err = e.tracer.Ancestors(ctx, scope, seed, maxDepth)
	case "descendants":
		ids, truncated, err = e.tracer.Descendants(ctx, scope, seed, maxDepth)
	case "both":
		ids, truncated, err = e.tracer.Both(ctx, scope, seed, maxDepth)
	default:
		return nil, NewValidationError("direction", "must be ancestors, descendants, or both")
	}
	if err != nil {
		if errors.Is(err, lineage.ErrEventNotFound) {
			return nil, fmt.Errorf("%w: event %s", ErrNotFound, seed)
		}
		return nil, err
	}
	return &models.LineageResult{EventIDs: ids, Truncated: truncated}, nil
}
