package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/apiaryhq/apiary/pkg/llm"
	"github.com/apiaryhq/apiary/pkg/models"
	"github.com/apiaryhq/apiary/pkg/ratelimit"
)

// ProgressFunc reports attempt progress; percent is 0-100.
type ProgressFunc func(percent int, message string)

// WorkRequest is one task attempt handed to a worker.
type WorkRequest struct {
	RunID string
	Task  models.TaskSpec

	// Attempt is 0 on the first try and increments per requeue.
	Attempt int

	// Deps holds results of the task's declared dependencies only, never
	// the whole layer.
	Deps map[string]models.TaskResult

	// Progress may be nil; workers report through it when set.
	Progress ProgressFunc
}

// WorkResult is a successful attempt's output.
type WorkResult struct {
	Output     string
	TokensUsed int
}

// Worker executes task attempts. Execute must honor ctx cancellation; the
// orchestrator applies the per-attempt timeout to ctx itself.
type Worker interface {
	Execute(ctx context.Context, req WorkRequest) (WorkResult, error)

	// Name is recorded as the assignee on task.assigned and worker.started.
	Name() string
}

// WorkerError classifies a failed attempt. Workers return it to control
// retry behavior; any other error is treated as a retryable worker_error.
type WorkerError struct {
	Reason    string
	Retryable bool
	Err       error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker: %s: %v", e.Reason, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// classifyWorkerError maps a worker failure to a task.failed reason and a
// retry decision. Unclassified errors are assumed transient; the retry cap
// bounds the damage of a wrong guess.
func classifyWorkerError(err error) (reason string, retryable bool) {
	var we *WorkerError
	if errors.As(err, &we) {
		reason = we.Reason
		if reason == "" {
			reason = "worker_error"
		}
		return reason, we.Retryable
	}
	var te *llm.TransportError
	if errors.As(err, &te) {
		return "worker_error", te.Retryable
	}
	return "worker_error", true
}

// LLMWorker executes tasks by asking the completion model to perform them
// and returning its text. It is the default collaborator wired by the
// daemon; anything heavier (tool plugins, sandboxes) implements Worker
// behind the same interface.
type LLMWorker struct {
	client  llm.Client
	limiter *ratelimit.Limiter

	// maxResponseTokens pads the rate-limiter estimate, matching the LLM
	// configuration's max_tokens.
	maxResponseTokens int
}

// NewLLMWorker builds the model-backed worker.
func NewLLMWorker(client llm.Client, limiter *ratelimit.Limiter, maxResponseTokens int) *LLMWorker {
	return &LLMWorker{client: client, limiter: limiter, maxResponseTokens: maxResponseTokens}
}

// Name implements Worker.
func (w *LLMWorker) Name() string { return "llm-worker" }

const workerSystem = `You are a task executor inside an orchestration engine.
Complete the task below and reply with the result only. Be concise and concrete.`

// Execute implements Worker.
func (w *LLMWorker) Execute(ctx context.Context, req WorkRequest) (WorkResult, error) {
	prompt := buildWorkPrompt(req)

	model := w.client.Model()
	estimate := len(workerSystem+prompt)/4 + 1 + w.maxResponseTokens
	if err := w.limiter.Acquire(ctx, model, estimate); err != nil {
		return WorkResult{}, &WorkerError{Reason: "budget", Retryable: false, Err: err}
	}

	if req.Progress != nil {
		req.Progress(10, "querying model")
	}
	resp, err := w.client.Generate(ctx, llm.Request{System: workerSystem, Prompt: prompt})
	if err != nil {
		return WorkResult{}, err
	}
	w.limiter.Record(resp.Model, estimate, resp.TotalTokens)

	return WorkResult{Output: resp.Content, TokensUsed: resp.TotalTokens}, nil
}

func buildWorkPrompt(req WorkRequest) string {
	var b strings.Builder
	b.WriteString("## Task\n")
	b.WriteString(req.Task.Title)
	if req.Task.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(req.Task.Description)
	}
	if len(req.Deps) > 0 {
		b.WriteString("\n\n## Results of prerequisite tasks\n")
		for _, dep := range req.Task.Dependencies {
			r, ok := req.Deps[dep]
			if !ok {
				continue
			}
			fmt.Fprintf(&b, "- %s (%s): %s\n", r.Title, dep, r.Result)
		}
	}
	return b.String()
}
