// Package lineage answers causality queries over one scope's event graph.
//
// Events name their causal parents by id; ancestors follow those edges
// backwards, descendants need the inverted index. The index is built lazily
// from one replay per scope and thrown away when the engine reports an
// append, so queries always see the current log without re-reading it per
// call.
package lineage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/apiaryhq/apiary/pkg/events"
	"github.com/apiaryhq/apiary/pkg/vault"
)

// ErrEventNotFound reports a lineage seed that is not in the scope's log.
var ErrEventNotFound = errors.New("lineage: event not found in scope")

// Source supplies full scope logs. *vault.Vault satisfies it.
type Source interface {
	ReadAll(ctx context.Context, scope vault.Scope) ([]*events.Event, error)
}

// Tracer resolves ancestor and descendant queries with per-scope cached
// indexes.
type Tracer struct {
	source Source

	mu      sync.Mutex
	indexes map[vault.Scope]*scopeIndex
}

type scopeIndex struct {
	parents  map[string][]string
	children map[string][]string
}

// New returns a Tracer reading logs from source.
func New(source Source) *Tracer {
	return &Tracer{
		source:  source,
		indexes: make(map[vault.Scope]*scopeIndex),
	}
}

// Invalidate drops the cached index for scope. The engine calls it after
// every append to that scope.
func (t *Tracer) Invalidate(scope vault.Scope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.indexes, scope)
}

func (t *Tracer) index(ctx context.Context, scope vault.Scope) (*scopeIndex, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx, ok := t.indexes[scope]; ok {
		return idx, nil
	}

	evs, err := t.source.ReadAll(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("building lineage index for scope %s: %w", scope, err)
	}
	idx := &scopeIndex{
		parents:  make(map[string][]string, len(evs)),
		children: make(map[string][]string),
	}
	for _, e := range evs {
		idx.parents[e.ID] = append([]string(nil), e.Parents...)
		for _, parent := range e.Parents {
			idx.children[parent] = append(idx.children[parent], e.ID)
		}
	}
	// Event ids are time-ordered; sorting makes sibling order deterministic.
	for _, kids := range idx.children {
		sort.Strings(kids)
	}
	t.indexes[scope] = idx
	return idx, nil
}

// Ancestors walks parent edges breadth-first from eventID. The result starts
// with the seed; maxDepth bounds the number of edge hops (0 → seed only,
// negative → unbounded). truncated reports that the walk stopped at maxDepth
// with unvisited ancestors remaining.
func (t *Tracer) Ancestors(ctx context.Context, scope vault.Scope, eventID string, maxDepth int) (ids []string, truncated bool, err error) {
	idx, err := t.index(ctx, scope)
	if err != nil {
		return nil, false, err
	}
	return walk(idx, eventID, maxDepth, func(id string) []string { return idx.parents[id] })
}

// Descendants walks child edges breadth-first from eventID, same contract as
// Ancestors.
func (t *Tracer) Descendants(ctx context.Context, scope vault.Scope, eventID string, maxDepth int) (ids []string, truncated bool, err error) {
	idx, err := t.index(ctx, scope)
	if err != nil {
		return nil, false, err
	}
	return walk(idx, eventID, maxDepth, func(id string) []string { return idx.children[id] })
}

// Both unions ancestors and descendants. The seed appears once, first.
func (t *Tracer) Both(ctx context.Context, scope vault.Scope, eventID string, maxDepth int) (ids []string, truncated bool, err error) {
	up, upTrunc, err := t.Ancestors(ctx, scope, eventID, maxDepth)
	if err != nil {
		return nil, false, err
	}
	down, downTrunc, err := t.Descendants(ctx, scope, eventID, maxDepth)
	if err != nil {
		return nil, false, err
	}
	seen := make(map[string]struct{}, len(up)+len(down))
	out := make([]string, 0, len(up)+len(down))
	for _, id := range append(up, down...) {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, upTrunc || downTrunc, nil
}

// walk runs a bounded BFS from seed along next edges.
func walk(idx *scopeIndex, seed string, maxDepth int, next func(string) []string) ([]string, bool, error) {
	if _, ok := idx.parents[seed]; !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrEventNotFound, seed)
	}

	visited := map[string]struct{}{seed: {}}
	order := []string{seed}
	frontier := []string{seed}

	for depth := 0; len(frontier) > 0; depth++ {
		if maxDepth >= 0 && depth == maxDepth {
			// Anything reachable beyond this level goes unreported.
			for _, id := range frontier {
				for _, n := range next(id) {
					if _, ok := visited[n]; !ok {
						return order, true, nil
					}
				}
			}
			return order, false, nil
		}
		var upcoming []string
		for _, id := range frontier {
			for _, n := range next(id) {
				if _, ok := visited[n]; ok {
					continue
				}
				// Parents may reference ids outside the scope (pruned or
				// foreign logs); report them but do not walk through them.
				visited[n] = struct{}{}
				order = append(order, n)
				if _, inScope := idx.parents[n]; inScope {
					upcoming = append(upcoming, n)
				}
			}
		}
		frontier = upcoming
	}
	return order, false, nil
}
