package llm

import (
	"context"
	"sync"
)

// ScriptEntry is one canned Generate outcome for the static client.
type ScriptEntry struct {
	Response Response
	Err      error
}

// Static is a deterministic in-process client. Scripted entries are
// consumed in order; once the script is empty every call yields an empty
// JSON array, which the planner turns into its single-task fallback plan.
// That makes provider "static" a usable offline mode, not just a test rig.
type Static struct {
	mu     sync.Mutex
	model  string
	script []ScriptEntry
	calls  []Request
}

// NewStatic builds a scripted client. An empty model defaults to "static".
func NewStatic(model string, entries ...ScriptEntry) *Static {
	if model == "" {
		model = ProviderStatic
	}
	return &Static{model: model, script: append([]ScriptEntry(nil), entries...)}
}

// Push appends entries to the script.
func (s *Static) Push(entries ...ScriptEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, entries...)
}

// Generate pops the next script entry. Missing fields are filled with
// deterministic defaults so scripts stay terse.
func (s *Static) Generate(ctx context.Context, req Request) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)

	if len(s.script) == 0 {
		return &Response{Content: "[]", Model: s.model}, nil
	}
	entry := s.script[0]
	s.script = s.script[1:]
	if entry.Err != nil {
		return nil, entry.Err
	}
	resp := entry.Response
	if resp.Model == "" {
		resp.Model = s.model
	}
	if resp.TotalTokens == 0 {
		resp.TotalTokens = resp.InputTokens + resp.OutputTokens
	}
	return &resp, nil
}

// Model reports the configured model id.
func (s *Static) Model() string { return s.model }

// Calls returns a copy of every request seen so far, in order.
func (s *Static) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.calls...)
}
