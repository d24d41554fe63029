package projection

import (
	"sort"

	"github.com/apiaryhq/apiary/pkg/events"
	"github.com/apiaryhq/apiary/pkg/lifecycle"
	"github.com/apiaryhq/apiary/pkg/models"
)

// HiveProjection is the folded view of one Hive scope: the hive itself plus
// its colonies. Run ids are attached out of band (run.started events live in
// their own scopes), via AddRun.
type HiveProjection struct {
	Hive     models.Hive
	Colonies map[string]*models.Colony

	// Frozen mirrors the vault scope's read-only flag.
	Frozen bool

	colonyOrder []string
	runsByCol   map[string]map[string]struct{}
}

// NewHive returns an empty projection for a Hive scope.
func NewHive(hiveID string) *HiveProjection {
	return &HiveProjection{
		Hive:      models.Hive{ID: hiveID},
		Colonies:  make(map[string]*models.Colony),
		runsByCol: make(map[string]map[string]struct{}),
	}
}

// ProjectHive folds a full Hive log in order.
func ProjectHive(hiveID string, evs []*events.Event) *HiveProjection {
	p := NewHive(hiveID)
	for _, e := range evs {
		p.Apply(e)
	}
	return p
}

// Apply folds one event into the projection.
func (p *HiveProjection) Apply(e *events.Event) {
	if !e.Known() {
		return
	}
	switch e.Type {
	case events.TypeHiveCreated, events.TypeHiveActivated, events.TypeHiveIdled, events.TypeHiveClosed:
		next, err := lifecycle.HiveNext(p.Hive.Status, e.Type, p.Hive.ID)
		if err != nil {
			return
		}
		p.Hive.Status = next
		if e.Type == events.TypeHiveCreated {
			var payload events.HiveCreatedPayload
			if err := events.DecodePayload(e, &payload); err == nil {
				p.Hive.Name = payload.Name
				p.Hive.Description = payload.Description
			}
			p.Hive.CreatedAt = e.Timestamp
		}
	case events.TypeColonyCreated, events.TypeColonyStarted, events.TypeColonyCompleted,
		events.TypeColonyFailed, events.TypeColonySuspended, events.TypeSentinelQuarantine:
		p.applyColony(e)
	}
}

func (p *HiveProjection) applyColony(e *events.Event) {
	if e.ColonyID == "" {
		return
	}
	col, exists := p.Colonies[e.ColonyID]
	state := models.ColonyState("")
	if exists {
		state = col.Status
	}
	next, err := lifecycle.ColonyNext(state, e.Type, e.ColonyID)
	if err != nil {
		return
	}
	if !exists {
		col = &models.Colony{ID: e.ColonyID, HiveID: p.Hive.ID}
		p.Colonies[e.ColonyID] = col
		p.colonyOrder = append(p.colonyOrder, e.ColonyID)
		p.Hive.ColonyIDs = append(p.Hive.ColonyIDs, e.ColonyID)
	}
	col.Status = next

	switch e.Type {
	case events.TypeColonyCreated:
		var payload events.ColonyCreatedPayload
		if err := events.DecodePayload(e, &payload); err == nil {
			col.Name = payload.Name
			col.Goal = payload.Goal
		}
		col.CreatedAt = e.Timestamp
	case events.TypeColonySuspended:
		col.Oscillations++
	}
}

// AddRun attaches a Run id to a colony. The engine calls it when a
// run.started lands; rebuilds call it per run-index entry. Idempotent.
func (p *HiveProjection) AddRun(colonyID, runID string) {
	col, ok := p.Colonies[colonyID]
	if !ok {
		return
	}
	runs := p.runsByCol[colonyID]
	if runs == nil {
		runs = make(map[string]struct{})
		p.runsByCol[colonyID] = runs
	}
	if _, dup := runs[runID]; dup {
		return
	}
	runs[runID] = struct{}{}
	col.RunIDs = append(col.RunIDs, runID)
	sort.Strings(col.RunIDs)
}

// ColoniesInOrder returns colony snapshots in creation order.
func (p *HiveProjection) ColoniesInOrder() []models.Colony {
	out := make([]models.Colony, 0, len(p.colonyOrder))
	for _, id := range p.colonyOrder {
		if c := p.Colonies[id]; c != nil {
			out = append(out, *c)
		}
	}
	return out
}

// Colony returns one colony snapshot.
func (p *HiveProjection) Colony(colonyID string) (models.Colony, bool) {
	c, ok := p.Colonies[colonyID]
	if !ok {
		return models.Colony{}, false
	}
	return *c, true
}

// AllColoniesTerminal reports whether every colony reached a terminal state.
// A hive with no colonies counts as terminal; closing it is legal.
func (p *HiveProjection) AllColoniesTerminal() bool {
	for _, c := range p.Colonies {
		if !c.Status.Terminal() {
			return false
		}
	}
	return true
}

// Clone returns an independent deep copy, safe to hand outside any lock.
func (p *HiveProjection) Clone() *HiveProjection {
	c := &HiveProjection{
		Hive:        p.Hive,
		Colonies:    make(map[string]*models.Colony, len(p.Colonies)),
		Frozen:      p.Frozen,
		colonyOrder: append([]string(nil), p.colonyOrder...),
		runsByCol:   make(map[string]map[string]struct{}, len(p.runsByCol)),
	}
	c.Hive.ColonyIDs = append([]string(nil), p.Hive.ColonyIDs...)
	for id, col := range p.Colonies {
		cc := *col
		cc.RunIDs = append([]string(nil), col.RunIDs...)
		c.Colonies[id] = &cc
	}
	for id, runs := range p.runsByCol {
		rc := make(map[string]struct{}, len(runs))
		for r := range runs {
			rc[r] = struct{}{}
		}
		c.runsByCol[id] = rc
	}
	return c
}
