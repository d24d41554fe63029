package projection

import (
	"sort"
	"sync"

	"github.com/apiaryhq/apiary/pkg/events"
	"github.com/apiaryhq/apiary/pkg/models"
)

// Cache holds live projections in memory. The engine applies every appended
// event here right after the vault accepts it; cold starts rebuild the cache
// by replay. Reads hand out clones, never the live pointers.
type Cache struct {
	mu    sync.RWMutex
	runs  map[string]*RunProjection
	hives map[string]*HiveProjection

	// colonyHive reverses colony id → owning hive id, so colony-addressed
	// events can be routed to their hive scope without scanning.
	colonyHive map[string]string
}

// NewCache returns an empty projection cache.
func NewCache() *Cache {
	return &Cache{
		runs:       make(map[string]*RunProjection),
		hives:      make(map[string]*HiveProjection),
		colonyHive: make(map[string]string),
	}
}

// ApplyRun folds e into the Run projection, creating it on first use.
func (c *Cache) ApplyRun(runID string, e *events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.runs[runID]
	if !ok {
		p = NewRun(runID)
		c.runs[runID] = p
	}
	p.Apply(e)
}

// ApplyHive folds e into the Hive projection, creating it on first use.
func (c *Cache) ApplyHive(hiveID string, e *events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.hives[hiveID]
	if !ok {
		p = NewHive(hiveID)
		c.hives[hiveID] = p
	}
	p.Apply(e)
	if e.ColonyID != "" {
		c.colonyHive[e.ColonyID] = hiveID
	}
}

// PutRun installs a rebuilt projection, replacing any cached one.
func (c *Cache) PutRun(p *RunProjection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[p.Run.ID] = p
}

// PutHive installs a rebuilt projection, replacing any cached one.
func (c *Cache) PutHive(p *HiveProjection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hives[p.Hive.ID] = p
	for _, colonyID := range p.Hive.ColonyIDs {
		c.colonyHive[colonyID] = p.Hive.ID
	}
}

// HiveForColony resolves the hive owning a colony.
func (c *Cache) HiveForColony(colonyID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hiveID, ok := c.colonyHive[colonyID]
	return hiveID, ok
}

// Run returns a clone of one Run projection.
func (c *Cache) Run(runID string) (*RunProjection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.runs[runID]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Hive returns a clone of one Hive projection.
func (c *Cache) Hive(hiveID string) (*HiveProjection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.hives[hiveID]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Runs returns snapshots of all cached Runs, newest first (run ids are
// time-ordered).
func (c *Cache) Runs() []models.Run {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Run, 0, len(c.runs))
	for _, p := range c.runs {
		out = append(out, p.Run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// Hives returns snapshots of all cached Hives, sorted by id.
func (c *Cache) Hives() []models.Hive {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Hive, 0, len(c.hives))
	for _, p := range c.hives {
		h := p.Hive
		h.ColonyIDs = append([]string(nil), p.Hive.ColonyIDs...)
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddColonyRun cross-references a Run onto its owning colony's projection.
func (c *Cache) AddColonyRun(hiveID, colonyID, runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.hives[hiveID]; ok {
		p.AddRun(colonyID, runID)
	}
}

// The *State accessors answer the engine's pre-append guard without
// cloning a whole projection per command.

// RunState returns one Run's current state. ok is false when the run has
// no projection yet.
func (c *Cache) RunState(runID string) (models.RunState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.runs[runID]
	if !ok {
		return "", false
	}
	return p.Run.State, true
}

// TaskState returns one Task's current state within a Run.
func (c *Cache) TaskState(runID, taskID string) (models.TaskState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.runs[runID]
	if !ok {
		return "", false
	}
	t, ok := p.Tasks[taskID]
	if !ok {
		return "", false
	}
	return t.State, true
}

// RequirementState returns one Requirement's current state within a Run.
func (c *Cache) RequirementState(runID, reqID string) (models.RequirementState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.runs[runID]
	if !ok {
		return "", false
	}
	r, ok := p.Requirements[reqID]
	if !ok {
		return "", false
	}
	return r.State, true
}

// ColonyState returns one Colony's current state within a Hive.
func (c *Cache) ColonyState(hiveID, colonyID string) (models.ColonyState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.hives[hiveID]
	if !ok {
		return "", false
	}
	col, ok := p.Colonies[colonyID]
	if !ok {
		return "", false
	}
	return col.Status, true
}

// HiveState returns one Hive's current state.
func (c *Cache) HiveState(hiveID string) (models.HiveState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.hives[hiveID]
	if !ok {
		return "", false
	}
	return p.Hive.Status, true
}

// MarkRunFrozen flags a Run projection read-only after scope corruption.
func (c *Cache) MarkRunFrozen(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.runs[runID]; ok {
		p.Frozen = true
	}
}

// MarkHiveFrozen flags a Hive projection read-only after scope corruption.
func (c *Cache) MarkHiveFrozen(hiveID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.hives[hiveID]; ok {
		p.Frozen = true
	}
}
