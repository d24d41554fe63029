// Package planner turns a Run goal into a layered task plan.
//
// The decomposition model proposes a task array; the planner validates it
// against an embedded JSON Schema and then structurally (duplicate ids,
// unknown dependencies, cycles) and computes execution layers with Kahn's
// algorithm. Any violation degrades to a single-task fallback plan rather
// than failing the run: a bad plan is recoverable, a dead run is not.
package planner

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/apiaryhq/apiary/pkg/llm"
	"github.com/apiaryhq/apiary/pkg/models"
	"github.com/apiaryhq/apiary/pkg/ratelimit"
)

//go:embed schema.json
var planSchemaJSON []byte

// planSchema validates the raw decomposition output before it is decoded.
var planSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal(planSchemaJSON, &doc); err != nil {
		panic(fmt.Sprintf("planner: embedded schema is not valid JSON: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.json", doc); err != nil {
		panic(fmt.Sprintf("planner: add schema resource: %v", err))
	}
	schema, err := c.Compile("plan.json")
	if err != nil {
		panic(fmt.Sprintf("planner: compile schema: %v", err))
	}
	return schema
}

// decompositionSystem is the system prompt for goal decomposition.
const decompositionSystem = `You are the planning component of a task orchestration engine.
Decompose the goal into the smallest set of concrete, independently executable tasks.

Respond with a JSON array only. Each element:
  {"id": "t1", "title": "...", "description": "...", "dependencies": ["t0"], "action_class": "read-only"}

Rules:
- ids are short and unique; dependencies reference ids from this array only
- the dependency graph must be acyclic
- action_class is one of read-only, reversible, irreversible and reflects blast radius
- no commentary outside the JSON array`

// Plan is a validated, layered decomposition of one goal.
type Plan struct {
	Tasks  []models.TaskSpec
	Layers [][]string

	// Fallback marks the single-task plan used when the model output was
	// rejected.
	Fallback bool

	// Model and TokensUsed report the decomposition call for cost
	// accounting. Zero for plans that never reached a model.
	Model      string
	TokensUsed int
}

// Task returns the spec for id.
func (p *Plan) Task(id string) (models.TaskSpec, bool) {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return models.TaskSpec{}, false
}

// MaxActionClass returns the riskiest class in the plan.
func (p *Plan) MaxActionClass() models.ActionClass {
	maxClass := models.ActionReadOnly
	for _, t := range p.Tasks {
		if t.ActionClass.RiskierThan(maxClass) {
			maxClass = t.ActionClass
		}
	}
	return maxClass
}

// Planner decomposes goals through the LLM collaborator.
type Planner struct {
	client  llm.Client
	limiter *ratelimit.Limiter

	// maxResponseTokens is the completion allowance added to the token
	// estimate handed to the rate limiter.
	maxResponseTokens int
}

// New builds a Planner. maxResponseTokens should match the LLM
// configuration's max_tokens so estimates cover the full round trip.
func New(client llm.Client, limiter *ratelimit.Limiter, maxResponseTokens int) *Planner {
	return &Planner{client: client, limiter: limiter, maxResponseTokens: maxResponseTokens}
}

// Decompose turns goal into a layered plan. priorContext carries colony
// history for resumed work; empty is fine. The model call goes through
// the rate limiter; a rejected plan falls back to a single task while a
// transport failure is returned to the caller.
func (p *Planner) Decompose(ctx context.Context, goal, priorContext string) (*Plan, error) {
	req := llm.Request{System: decompositionSystem, Prompt: buildPrompt(goal, priorContext)}

	model := p.client.Model()
	estimate := estimateTokens(req.System+req.Prompt) + p.maxResponseTokens
	if err := p.limiter.Acquire(ctx, model, estimate); err != nil {
		return nil, err
	}

	resp, err := p.client.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("decompose goal: %w", err)
	}
	p.limiter.Record(resp.Model, estimate, resp.TotalTokens)

	plan, verr := parsePlan(resp.Content)
	if verr != nil {
		slog.Warn("Plan rejected, using single-task fallback", "reason", verr, "goal", goal)
		plan = fallbackPlan(goal)
	} else {
		slog.Info("Goal decomposed", "tasks", len(plan.Tasks), "layers", len(plan.Layers))
	}
	plan.Model = resp.Model
	plan.TokensUsed = resp.TotalTokens
	return plan, nil
}

func buildPrompt(goal, priorContext string) string {
	var b strings.Builder
	b.WriteString("## Goal\n")
	b.WriteString(goal)
	if priorContext != "" {
		b.WriteString("\n\n## Prior context\n")
		b.WriteString(priorContext)
	}
	return b.String()
}

// estimateTokens is a coarse prompt-size estimate, roughly four
// characters per token.
func estimateTokens(s string) int {
	return len(s)/4 + 1
}

// parsePlan extracts, validates, and layers the model output.
func parsePlan(content string) (*Plan, error) {
	raw, ok := extractJSON(content)
	if !ok {
		return nil, errors.New("no JSON array in model output")
	}

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := planSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}

	var tasks []models.TaskSpec
	if err := json.Unmarshal([]byte(raw), &tasks); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	for i := range tasks {
		if tasks[i].ActionClass == "" {
			tasks[i].ActionClass = models.ActionReversible
		}
	}

	if err := validateStructure(tasks); err != nil {
		return nil, err
	}
	layers, err := layerTasks(tasks)
	if err != nil {
		return nil, err
	}
	return &Plan{Tasks: tasks, Layers: layers}, nil
}

// extractJSON pulls the first JSON array out of model output, tolerating
// markdown fences and surrounding prose.
func extractJSON(content string) (string, bool) {
	s := content
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		if j := strings.IndexByte(s, '\n'); j >= 0 {
			s = s[j+1:]
		}
		if k := strings.Index(s, "```"); k >= 0 {
			s = s[:k]
		}
	}
	start := strings.IndexByte(s, '[')
	end := strings.LastIndexByte(s, ']')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

// fallbackPlan wraps the whole goal in one reversible task.
func fallbackPlan(goal string) *Plan {
	return &Plan{
		Tasks: []models.TaskSpec{{
			ID:          "t1",
			Title:       goal,
			ActionClass: models.ActionReversible,
		}},
		Layers:   [][]string{{"t1"}},
		Fallback: true,
	}
}
