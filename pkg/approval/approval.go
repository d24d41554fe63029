// Package approval holds the in-process completion handles that connect a
// suspended caller (a pipeline stage or a gated task) to the external
// approve/reject command that eventually answers it.
//
// Handles are process-local and deliberately not persisted: the
// requirement.created / requirement.approved events are the durable truth.
// After a restart a pending requirement simply has no handle; resolving it
// still lands the resolution event, there is just nobody left waiting.
package approval

import (
	"context"
	"sync"
)

// Outcome is the answer a waiting caller receives.
type Outcome struct {
	Approved       bool   `json:"approved"`
	Cancelled      bool   `json:"cancelled,omitempty"`
	SelectedOption string `json:"selected_option,omitempty"`
	Comment        string `json:"comment,omitempty"`
}

// Handle is a single-producer, single-consumer completion cell for one
// requirement.
type Handle struct {
	reqID string
	runID string

	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

// RequirementID returns the requirement this handle answers.
func (h *Handle) RequirementID() string { return h.reqID }

// Await blocks until the handle is resolved or ctx ends. The handle stays
// resolvable afterwards; a late resolution is simply unobserved.
func (h *Handle) Await(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// resolve signals the waiter. Only the first resolution lands.
func (h *Handle) resolve(o Outcome) bool {
	won := false
	h.once.Do(func() {
		h.outcome = o
		close(h.done)
		won = true
	})
	return won
}

// Registry tracks the open handles of the process.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle // keyed by requirement id
}

// NewRegistry returns an empty handle registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Create registers a handle for reqID within runID. Creating a second handle
// for the same requirement returns the existing one.
func (r *Registry) Create(runID, reqID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[reqID]; ok {
		return h
	}
	h := &Handle{reqID: reqID, runID: runID, done: make(chan struct{})}
	r.handles[reqID] = h
	return h
}

// Resolve answers a pending requirement's handle and removes it. It returns
// false when no handle exists (resolution after restart, or an id nothing
// ever waited on); the caller records the resolution event regardless.
func (r *Registry) Resolve(reqID string, o Outcome) bool {
	r.mu.Lock()
	h, ok := r.handles[reqID]
	if ok {
		delete(r.handles, reqID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	return h.resolve(o)
}

// CancelAll resolves open handles with a cancelled outcome and returns the
// requirement ids it cancelled. With run ids given, only their handles are
// cancelled; with none, every open handle is.
func (r *Registry) CancelAll(runIDs ...string) []string {
	match := func(string) bool { return true }
	if len(runIDs) > 0 {
		wanted := make(map[string]struct{}, len(runIDs))
		for _, id := range runIDs {
			wanted[id] = struct{}{}
		}
		match = func(runID string) bool {
			_, ok := wanted[runID]
			return ok
		}
	}

	r.mu.Lock()
	var picked []*Handle
	for reqID, h := range r.handles {
		if match(h.runID) {
			picked = append(picked, h)
			delete(r.handles, reqID)
		}
	}
	r.mu.Unlock()

	cancelled := make([]string, 0, len(picked))
	for _, h := range picked {
		if h.resolve(Outcome{Cancelled: true}) {
			cancelled = append(cancelled, h.reqID)
		}
	}
	return cancelled
}

// Open returns the ids of requirements with live handles, for diagnostics.
func (r *Registry) Open() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.handles))
	for reqID := range r.handles {
		out = append(out, reqID)
	}
	return out
}
