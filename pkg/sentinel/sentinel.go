// Package sentinel watches the live event stream for pathological colony
// behavior and stops it.
//
// The engine feeds every appended event to the monitor goroutine through a
// buffered channel; detection never blocks the write path. Five patterns are
// tracked per colony over a sliding window: loop (repeated identical task
// failures), runaway (event-rate ceiling), cost (cumulative token/dollar
// budget), security (flagged tool references), and kpi (episode success rate
// under the floor). A detection raises sentinel.alert_raised and then one
// enforcement event, both through the normal append path so they drive the
// state machines like any other event.
package sentinel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apiaryhq/apiary/pkg/config"
	"github.com/apiaryhq/apiary/pkg/events"
	"github.com/apiaryhq/apiary/pkg/models"
)

// Actor is the identity recorded on sentinel-emitted events.
const Actor = "sentinel"

// Detection patterns.
const (
	PatternLoop     = "loop"
	PatternRunaway  = "runaway"
	PatternCost     = "cost"
	PatternSecurity = "security"
	PatternKPI      = "kpi"
)

// Enforcement actions configurable per pattern.
const (
	EnforceSuspend    = "suspend"
	EnforceRollback   = "rollback"
	EnforceQuarantine = "quarantine"
)

// Recorder appends one event through the engine's write path.
type Recorder interface {
	Record(ctx context.Context, e *events.Event) (*events.Event, error)
}

// EpisodeSource returns up to n recent episodes, newest last.
type EpisodeSource interface {
	Recent(ctx context.Context, n int) ([]*models.Episode, error)
}

// observation pairs an appended event with its resolved colony. Run-scoped
// events do not carry a colony id themselves; the engine resolves it from
// the run projection before feeding.
type observation struct {
	event    *events.Event
	colonyID string
}

// window is one colony's sliding-window state.
type window struct {
	// recent holds timestamps of events inside the window (runaway).
	recent []time.Time
	// failures maps (title, error) keys to failure timestamps (loop).
	failures map[string][]time.Time
	// tokens and cost accumulate over the colony's lifetime; budgets are
	// cumulative, not rates.
	tokens int
	cost   float64
	// lastAlert dampens each pattern to one alert per window.
	lastAlert map[string]time.Time
	// resumes counts suspend -> resume flips for the oscillation cap.
	resumes     int
	quarantined bool
}

func (w *window) prune(now time.Time, span time.Duration) {
	cutoff := now.Add(-span)
	w.recent = pruneTimes(w.recent, cutoff)
	for k, ts := range w.failures {
		ts = pruneTimes(ts, cutoff)
		if len(ts) == 0 {
			delete(w.failures, k)
		} else {
			w.failures[k] = ts
		}
	}
}

// pruneTimes drops leading timestamps at or before cutoff. Timestamps are
// appended in order, so one scan from the front suffices.
func pruneTimes(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}

type alert struct {
	pattern  string
	colonyID string
	runID    string
	detail   string
}

// Sentinel is the anomaly monitor. One per engine.
type Sentinel struct {
	cfg             config.SentinelConfig
	maxOscillations int
	recorder        Recorder
	episodes        EpisodeSource
	flagged         map[string]struct{}

	feed     chan observation
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	dropped  atomic.Int64

	mu       sync.Mutex
	colonies map[string]*window
}

// New builds a Sentinel. maxOscillations comes from the governance config;
// beyond it a suspend escalates to quarantine.
func New(cfg config.SentinelConfig, maxOscillations int, recorder Recorder, episodes EpisodeSource) *Sentinel {
	flagged := make(map[string]struct{}, len(cfg.FlaggedTools))
	for _, tool := range cfg.FlaggedTools {
		flagged[tool] = struct{}{}
	}
	return &Sentinel{
		cfg:             cfg,
		maxOscillations: maxOscillations,
		recorder:        recorder,
		episodes:        episodes,
		flagged:         flagged,
		feed:            make(chan observation, 256),
		stop:            make(chan struct{}),
		stopped:         make(chan struct{}),
		colonies:        make(map[string]*window),
	}
}

// Start launches the monitor goroutine. ctx bounds enforcement appends and
// stops the monitor when cancelled.
func (s *Sentinel) Start(ctx context.Context) {
	go s.monitor(ctx)
}

// Stop shuts the monitor down and waits for it to exit.
func (s *Sentinel) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.stopped
}

// Observe feeds one appended event to the monitor. colonyID resolves the
// owning colony for run-scoped events; empty when the run has none. Never
// blocks: if the feed is full the observation is dropped and counted.
func (s *Sentinel) Observe(e *events.Event, colonyID string) {
	select {
	case s.feed <- observation{event: e, colonyID: colonyID}:
	default:
		s.dropped.Add(1)
		slog.Warn("Sentinel feed full, observation dropped", "type", e.Type)
	}
}

// Dropped reports how many observations were discarded on a full feed.
func (s *Sentinel) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Sentinel) monitor(ctx context.Context) {
	defer close(s.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case obs := <-s.feed:
			s.process(ctx, obs)
		}
	}
}

func (s *Sentinel) process(ctx context.Context, obs observation) {
	e := obs.event

	switch e.Type {
	case events.TypeSentinelAlertRaised, events.TypeSentinelRollback,
		events.TypeSentinelQuarantine, events.TypeColonySuspended:
		// Its own output; counting it would feed back into detection.
		return
	}

	colonyID := obs.colonyID
	if e.ColonyID != "" {
		colonyID = e.ColonyID
	}
	key := colonyID
	if key == "" {
		if e.RunID == "" {
			return // hive and meta events are not monitored
		}
		key = "run:" + e.RunID
	}

	now := e.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	w := s.windowFor(key)

	if e.Type == events.TypeColonyStarted {
		var p events.ColonyStartedPayload
		if events.DecodePayload(e, &p) == nil && p.Resume {
			w.resumes++
		}
		s.mu.Unlock()
		return
	}

	w.prune(now, s.cfg.Window)
	w.recent = append(w.recent, now)

	if tok := tokensOf(e); tok > 0 {
		w.tokens += tok
		w.cost += float64(tok) / 1000 * s.cfg.CostPerThousandTokens
	}

	var alerts []alert

	if e.Type == events.TypeTaskFailed && s.cfg.LoopThreshold > 0 {
		var p events.TaskFailedPayload
		if events.DecodePayload(e, &p) == nil {
			k := p.Title + "\x1f" + p.Error
			w.failures[k] = append(w.failures[k], now)
			if len(w.failures[k]) >= s.cfg.LoopThreshold && s.allowAlert(w, PatternLoop, now) {
				alerts = append(alerts, alert{
					pattern: PatternLoop, colonyID: colonyID, runID: e.RunID,
					detail: fmt.Sprintf("task %q failed %d times with %q", p.Title, len(w.failures[k]), p.Error),
				})
			}
		}
	}

	if s.cfg.RunawayEventsPerMinute > 0 {
		ceiling := float64(s.cfg.RunawayEventsPerMinute) * s.cfg.Window.Minutes()
		if float64(len(w.recent)) > ceiling && s.allowAlert(w, PatternRunaway, now) {
			alerts = append(alerts, alert{
				pattern: PatternRunaway, colonyID: colonyID, runID: e.RunID,
				detail: fmt.Sprintf("%d events in %s, ceiling %d/min", len(w.recent), s.cfg.Window, s.cfg.RunawayEventsPerMinute),
			})
		}
	}

	if s.cfg.MaxTokens > 0 && w.tokens > s.cfg.MaxTokens && s.allowAlert(w, PatternCost, now) {
		alerts = append(alerts, alert{
			pattern: PatternCost, colonyID: colonyID, runID: e.RunID,
			detail: fmt.Sprintf("%d tokens used, budget %d", w.tokens, s.cfg.MaxTokens),
		})
	} else if s.cfg.MaxCostUSD > 0 && w.cost > s.cfg.MaxCostUSD && s.allowAlert(w, PatternCost, now) {
		alerts = append(alerts, alert{
			pattern: PatternCost, colonyID: colonyID, runID: e.RunID,
			detail: fmt.Sprintf("$%.2f spent, budget $%.2f", w.cost, s.cfg.MaxCostUSD),
		})
	}

	if tool, ok := e.Payload["tool"].(string); ok {
		if _, bad := s.flagged[tool]; bad && s.allowAlert(w, PatternSecurity, now) {
			alerts = append(alerts, alert{
				pattern: PatternSecurity, colonyID: colonyID, runID: e.RunID,
				detail: fmt.Sprintf("flagged tool %q referenced by %s", tool, e.Type),
			})
		}
	}
	s.mu.Unlock()

	// Episode reads do file I/O; keep them outside the window lock.
	if colonyID != "" && terminalRunEvent(e.Type) {
		if a := s.kpiCheck(ctx, colonyID, now); a != nil {
			alerts = append(alerts, *a)
		}
	}

	for _, a := range alerts {
		s.raise(ctx, a)
	}
}

// kpiCheck evaluates the colony's episode success rate. Quiet until the
// colony has KPIMinEpisodes episodes; a floor of 0 disables the detector.
func (s *Sentinel) kpiCheck(ctx context.Context, colonyID string, now time.Time) *alert {
	if s.cfg.KPIMinSuccessRate <= 0 || s.episodes == nil {
		return nil
	}
	const sample = 50
	eps, err := s.episodes.Recent(ctx, sample)
	if err != nil {
		slog.Warn("Sentinel episode read failed", "error", err)
		return nil
	}
	total, succeeded := 0, 0
	for _, ep := range eps {
		if ep.ColonyID != colonyID {
			continue
		}
		total++
		if ep.Outcome == models.RunCompleted {
			succeeded++
		}
	}
	if total < s.cfg.KPIMinEpisodes || total == 0 {
		return nil
	}
	rate := float64(succeeded) / float64(total)
	if rate >= s.cfg.KPIMinSuccessRate {
		return nil
	}

	s.mu.Lock()
	ok := s.allowAlert(s.windowFor(colonyID), PatternKPI, now)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return &alert{
		pattern: PatternKPI, colonyID: colonyID,
		detail: fmt.Sprintf("success rate %.2f below floor %.2f over %d episodes", rate, s.cfg.KPIMinSuccessRate, total),
	}
}

// raise appends the alert and, for colony-bound alerts, the enforcement.
func (s *Sentinel) raise(ctx context.Context, a alert) {
	slog.Warn("Sentinel alert", "pattern", a.pattern, "colony_id", a.colonyID, "run_id", a.runID, "detail", a.detail)

	var opts []events.Option
	if a.colonyID != "" {
		opts = append(opts, events.WithColony(a.colonyID))
	} else if a.runID != "" {
		opts = append(opts, events.WithRun(a.runID))
	}
	raised, err := s.recorder.Record(ctx, events.New(events.TypeSentinelAlertRaised, Actor,
		events.SentinelAlertPayload{Pattern: a.pattern, ColonyID: a.colonyID, Detail: a.detail}, opts...))
	if err != nil {
		slog.Error("Sentinel alert append failed", "pattern", a.pattern, "error", err)
		return
	}
	if a.colonyID == "" {
		// A run without a colony has nothing to suspend; the alert stands
		// on its own.
		return
	}
	s.enforce(ctx, a, raised.ID)
}

func (s *Sentinel) enforce(ctx context.Context, a alert, alertID string) {
	action := s.enforcementFor(a.pattern)

	s.mu.Lock()
	w := s.windowFor(a.colonyID)
	if w.quarantined {
		s.mu.Unlock()
		return
	}
	// A colony that keeps flipping suspend/resume is not converging;
	// escalate past the operator loop.
	if action == EnforceSuspend && s.maxOscillations > 0 && w.resumes >= s.maxOscillations {
		action = EnforceQuarantine
	}
	if action == EnforceQuarantine {
		w.quarantined = true
	}
	s.mu.Unlock()

	var e *events.Event
	switch action {
	case EnforceRollback:
		e = events.New(events.TypeSentinelRollback, Actor,
			events.SentinelRollbackPayload{TargetRunID: a.runID, Reason: a.detail},
			events.WithColony(a.colonyID), events.WithParents(alertID))
	case EnforceQuarantine:
		e = events.New(events.TypeSentinelQuarantine, Actor,
			events.SentinelQuarantinePayload{ColonyID: a.colonyID, Reason: a.detail},
			events.WithColony(a.colonyID), events.WithParents(alertID))
	default:
		e = events.New(events.TypeColonySuspended, Actor,
			events.ColonySuspendedPayload{Reason: a.detail, Pattern: a.pattern},
			events.WithColony(a.colonyID), events.WithParents(alertID))
	}
	if _, err := s.recorder.Record(ctx, e); err != nil {
		slog.Error("Sentinel enforcement append failed", "action", action, "colony_id", a.colonyID, "error", err)
		return
	}
	slog.Warn("Sentinel enforcement", "action", action, "colony_id", a.colonyID, "pattern", a.pattern)
}

// enforcementFor resolves the configured action for a pattern. Unlisted
// patterns suspend, except security which quarantines.
func (s *Sentinel) enforcementFor(pattern string) string {
	if a, ok := s.cfg.Enforcements[pattern]; ok {
		switch a {
		case EnforceSuspend, EnforceRollback, EnforceQuarantine:
			return a
		}
		slog.Warn("Unknown sentinel enforcement in config, suspending", "pattern", pattern, "action", a)
	}
	if pattern == PatternSecurity {
		return EnforceQuarantine
	}
	return EnforceSuspend
}

// allowAlert dampens each (colony, pattern) to one alert per window.
// Callers hold s.mu.
func (s *Sentinel) allowAlert(w *window, pattern string, now time.Time) bool {
	if last, ok := w.lastAlert[pattern]; ok && now.Sub(last) < s.cfg.Window {
		return false
	}
	w.lastAlert[pattern] = now
	return true
}

// windowFor returns the window for a colony key, creating it on first use.
// Callers hold s.mu.
func (s *Sentinel) windowFor(key string) *window {
	w, ok := s.colonies[key]
	if !ok {
		w = &window{
			failures:  make(map[string][]time.Time),
			lastAlert: make(map[string]time.Time),
		}
		s.colonies[key] = w
	}
	return w
}

func tokensOf(e *events.Event) int {
	switch e.Type {
	case events.TypeTaskCompleted:
		var p events.TaskCompletedPayload
		if events.DecodePayload(e, &p) == nil {
			return p.TokensUsed
		}
	case events.TypePlannerCompleted:
		var p events.PlannerCompletedPayload
		if events.DecodePayload(e, &p) == nil {
			return p.TokensUsed
		}
	}
	return 0
}

func terminalRunEvent(t string) bool {
	switch t {
	case events.TypeRunCompleted, events.TypeRunFailed, events.TypeRunAborted, events.TypeRunTimedOut:
		return true
	}
	return false
}
