// Package policy implements the action gate.
//
// Every control command and every planned task passes through one decision
// point: given who is acting, how risky the action is, and where it lands,
// answer Allow, RequireApproval, or Deny. The gate holds no state and makes
// no records itself; callers append events only when a gated action was
// actually attempted.
package policy

import (
	"fmt"

	"github.com/apiaryhq/apiary/pkg/config"
	"github.com/apiaryhq/apiary/pkg/models"
)

// SystemActor is the engine's internal identity. It is always admin: the
// engine gating its own machinery against itself would deadlock the control
// loop.
const SystemActor = "system"

// Decision reasons, reported alongside RequireApproval and Deny.
const (
	ReasonDeniedTool           = "denied_tool"
	ReasonDeniedActor          = "denied_actor"
	ReasonInsufficientTrust    = "insufficient_trust"
	ReasonIrreversibleAction   = "irreversible_requires_approval"
	ReasonToolRequiresApproval = "tool_requires_approval"
)

// Command names carried through the gate. Mutating commands are reversible
// (their effects are explicit events a later command can supersede); reads
// are read-only. emergency_stop and requirement.resolve are deliberately
// read-only class: the panic button and the approval mechanism must never
// queue behind an approval themselves.
const (
	CommandHiveCreate         = "hive.create"
	CommandHiveClose          = "hive.close"
	CommandColonyCreate       = "colony.create"
	CommandColonyStart        = "colony.start"
	CommandColonyComplete     = "colony.complete"
	CommandRunStart           = "run.start"
	CommandRunComplete        = "run.complete"
	CommandRunEmergencyStop   = "run.emergency_stop"
	CommandRunHeartbeat       = "run.heartbeat"
	CommandTaskCreate         = "task.create"
	CommandTaskAssign         = "task.assign"
	CommandTaskProgress       = "task.progress"
	CommandTaskComplete       = "task.complete"
	CommandTaskFail           = "task.fail"
	CommandRequirementCreate  = "requirement.create"
	CommandRequirementResolve = "requirement.resolve"
	CommandEventsList         = "events.list"
	CommandEventsLineage      = "events.lineage"
)

// builtinClasses is the central tool/command classification table. Unknown
// names default to reversible.
var builtinClasses = map[string]models.ActionClass{
	CommandHiveCreate:         models.ActionReversible,
	CommandHiveClose:          models.ActionReversible,
	CommandColonyCreate:       models.ActionReversible,
	CommandColonyStart:        models.ActionReversible,
	CommandColonyComplete:     models.ActionReversible,
	CommandRunStart:           models.ActionReversible,
	CommandRunComplete:        models.ActionReversible,
	CommandRunEmergencyStop:   models.ActionReadOnly,
	CommandRunHeartbeat:       models.ActionReadOnly,
	CommandTaskCreate:         models.ActionReversible,
	CommandTaskAssign:         models.ActionReversible,
	CommandTaskProgress:       models.ActionReadOnly,
	CommandTaskComplete:       models.ActionReversible,
	CommandTaskFail:           models.ActionReversible,
	CommandRequirementCreate:  models.ActionReversible,
	CommandRequirementResolve: models.ActionReadOnly,
	CommandEventsList:         models.ActionReadOnly,
	CommandEventsLineage:      models.ActionReadOnly,

	// Generic worker tools.
	"fs.read":    models.ActionReadOnly,
	"http.get":   models.ActionReadOnly,
	"search":     models.ActionReadOnly,
	"fs.write":   models.ActionReversible,
	"http.post":  models.ActionReversible,
	"git.commit": models.ActionReversible,
	"fs.delete":  models.ActionIrreversible,
	"shell.exec": models.ActionIrreversible,
	"deploy":     models.ActionIrreversible,
	"email.send": models.ActionIrreversible,
}

// Action is one gated attempt.
type Action struct {
	Actor string

	// Tool is the command or tool name; used for classification and the
	// tool denylist. Optional when Class is set explicitly.
	Tool string

	// Class overrides classification when non-empty (planned tasks carry
	// their declared class).
	Class models.ActionClass

	// Trust overrides actor resolution when non-empty.
	Trust models.TrustLevel

	Scope   string // run | colony | hive | meta
	ScopeID string
}

// Gate evaluates Actions against the configured policy.
type Gate struct {
	irreversibleNeedsApproval bool

	trust        map[string]models.TrustLevel
	deniedTools  map[string]struct{}
	deniedActors map[string]struct{}
	overrides    map[string]config.ToolOverride
}

// NewGate compiles the policy configuration. cfg is assumed validated.
func NewGate(cfg config.PolicyConfig) *Gate {
	g := &Gate{
		irreversibleNeedsApproval: cfg.IrreversibleRequiresApproval,
		trust:                     make(map[string]models.TrustLevel, len(cfg.TrustLevels)),
		deniedTools:               make(map[string]struct{}, len(cfg.DeniedTools)),
		deniedActors:              make(map[string]struct{}, len(cfg.DeniedActors)),
		overrides:                 make(map[string]config.ToolOverride, len(cfg.ToolOverrides)),
	}
	for actor, level := range cfg.TrustLevels {
		g.trust[actor] = models.TrustLevel(level)
	}
	for _, tool := range cfg.DeniedTools {
		g.deniedTools[tool] = struct{}{}
	}
	for _, actor := range cfg.DeniedActors {
		g.deniedActors[actor] = struct{}{}
	}
	for tool, o := range cfg.ToolOverrides {
		g.overrides[tool] = o
	}
	return g
}

// Trust resolves an actor's trust level: the system actor is admin, config
// entries next, everyone else basic.
func (g *Gate) Trust(actor string) models.TrustLevel {
	if actor == SystemActor {
		return models.TrustAdmin
	}
	if level, ok := g.trust[actor]; ok {
		return level
	}
	return models.TrustBasic
}

// Classify maps a tool or command name to its action class. Config overrides
// win over the built-in table; unknown names are reversible.
func (g *Gate) Classify(tool string) models.ActionClass {
	if o, ok := g.overrides[tool]; ok && o.ActionClass != "" {
		return models.ActionClass(o.ActionClass)
	}
	if class, ok := builtinClasses[tool]; ok {
		return class
	}
	return models.ActionReversible
}

// Decide answers one gated attempt. reason is empty for Allow and names the
// rule otherwise.
func (g *Gate) Decide(a Action) (models.Decision, string) {
	if _, denied := g.deniedActors[a.Actor]; denied {
		return models.DecisionDeny, ReasonDeniedActor
	}
	if a.Tool != "" {
		if _, denied := g.deniedTools[a.Tool]; denied {
			return models.DecisionDeny, ReasonDeniedTool
		}
	}

	class := a.Class
	if class == "" {
		class = g.Classify(a.Tool)
	}
	trust := a.Trust
	if trust == "" {
		trust = g.Trust(a.Actor)
	}

	if a.Tool != "" {
		if o, ok := g.overrides[a.Tool]; ok && o.AlwaysRequireApproval && class != models.ActionReadOnly {
			return models.DecisionRequireApproval, ReasonToolRequiresApproval
		}
	}

	switch class {
	case models.ActionReadOnly:
		return models.DecisionAllow, ""
	case models.ActionIrreversible:
		if g.irreversibleNeedsApproval {
			return models.DecisionRequireApproval, ReasonIrreversibleAction
		}
		if trust.AtLeast(models.TrustTrusted) {
			return models.DecisionAllow, ""
		}
		return models.DecisionRequireApproval, ReasonInsufficientTrust
	default: // reversible, and anything unclassifiable
		if trust.AtLeast(models.TrustTrusted) {
			return models.DecisionAllow, ""
		}
		return models.DecisionRequireApproval, ReasonInsufficientTrust
	}
}

// DeniedError reports a gate denial.
type DeniedError struct {
	Actor   string
	Tool    string
	Class   models.ActionClass
	Scope   string
	ScopeID string
	Reason  string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("policy denied %s for actor %q (class %s, scope %s/%s): %s",
		e.Tool, e.Actor, e.Class, e.Scope, e.ScopeID, e.Reason)
}
