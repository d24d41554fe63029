package api

import (
	"sort"
	"time"

	"github.com/apiaryhq/apiary/pkg/models"
	"github.com/apiaryhq/apiary/pkg/projection"
	"github.com/apiaryhq/apiary/pkg/ratelimit"
)

// RunDetail is the GET /runs/:id response: the run plus its tasks in
// creation order and its requirements in raised order.
type RunDetail struct {
	Run          models.Run           `json:"run"`
	Tasks        []models.Task        `json:"tasks"`
	Requirements []models.Requirement `json:"requirements"`
	LastActivity time.Time            `json:"last_activity"`
	LastEventID  string               `json:"last_event_id,omitempty"`
	// Frozen marks a scope served read-only from its valid prefix after
	// detected corruption.
	Frozen bool `json:"frozen,omitempty"`
}

func runDetail(p *projection.RunProjection) RunDetail {
	reqs := make([]models.Requirement, 0, len(p.Requirements))
	for _, r := range p.Requirements {
		reqs = append(reqs, *r)
	}
	// Requirement ids are time-ordered; sorting by id is raised order.
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].ID < reqs[j].ID })

	return RunDetail{
		Run:          p.Run,
		Tasks:        p.TasksInOrder(),
		Requirements: reqs,
		LastActivity: p.LastActivity,
		LastEventID:  p.LastEventID,
		Frozen:       p.Frozen,
	}
}

// HealthResponse is the GET /healthz payload. Models lists per-model LLM
// limiter usage; it is empty until the first model call.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Vault   string            `json:"vault"`
	Models  []ratelimit.Stats `json:"models,omitempty"`
}
