package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/apiaryhq/apiary/pkg/approval"
	"github.com/apiaryhq/apiary/pkg/events"
	"github.com/apiaryhq/apiary/pkg/models"
	"github.com/apiaryhq/apiary/pkg/policy"
)

// maintain is the engine's background loop: the silence watchdog and the
// approval reaper share one ticker at the heartbeat interval.
func (e *Engine) maintain(ctx context.Context) {
	defer close(e.loopDone)
	interval := e.cfg.Governance.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	slog.Info("Maintenance loop started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		e.scanSilence(ctx, interval)
		e.reapApprovals(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// scanSilence times out runs on the second silent scan. The first one past
// the interval records system.silence_detected; since that event itself
// counts as activity, the strike stamp is the event's own timestamp, and a
// LastActivity still equal to it on the next scan means nothing else
// happened in between.
func (e *Engine) scanSilence(ctx context.Context, interval time.Duration) {
	now := time.Now().UTC()
	for _, run := range e.cache.Runs() {
		if run.State != models.RunRunning {
			e.clearStrike(run.ID)
			continue
		}
		proj, ok := e.cache.Run(run.ID)
		if !ok || proj.Frozen {
			continue
		}

		e.strikeMu.Lock()
		stamp, struck := e.strikes[run.ID]
		e.strikeMu.Unlock()
		if struck {
			if !proj.LastActivity.After(stamp) {
				e.timeoutRun(ctx, run.ID, now.Sub(proj.LastActivity))
				continue
			}
			e.clearStrike(run.ID) // recovered; eligible for a fresh strike below
		}

		idle := now.Sub(proj.LastActivity)
		if idle <= interval {
			continue
		}
		recorded, err := e.Record(ctx, events.New(events.TypeSilenceDetected, policy.SystemActor,
			events.SilenceDetectedPayload{
				LastHeartbeat: proj.LastActivity.Format(time.RFC3339),
				Silence:       idle.Round(time.Second).String(),
			},
			events.WithRun(run.ID)))
		if err != nil {
			slog.Warn("Silence event append failed", "run_id", run.ID, "error", err)
			continue
		}
		e.strikeMu.Lock()
		e.strikes[run.ID] = recorded.Timestamp
		e.strikeMu.Unlock()
		slog.Warn("Run is silent", "run_id", run.ID, "idle", idle.Round(time.Second))
	}
}

func (e *Engine) timeoutRun(ctx context.Context, runID string, idle time.Duration) {
	slog.Error("Run timed out after two silent scans", "run_id", runID, "idle", idle.Round(time.Second))
	e.cancelSupervisor(runID)
	e.cancelOpenRequirements(ctx, runID, "run timed out")
	if _, err := e.Record(ctx, events.New(events.TypeRunTimedOut, policy.SystemActor,
		events.RunTimedOutPayload{Reason: fmt.Sprintf("no activity for %s", idle.Round(time.Second))},
		events.WithRun(runID))); err != nil {
		slog.Error("Timeout event append failed", "run_id", runID, "error", err)
	}
	e.clearStrike(runID)
}

func (e *Engine) clearStrike(runID string) {
	e.strikeMu.Lock()
	delete(e.strikes, runID)
	e.strikeMu.Unlock()
}

// reapApprovals cancels requirements that have been pending longer than the
// approval timeout. The cancellation is recorded before the in-process
// waiter is released, same order as a user resolution.
func (e *Engine) reapApprovals(ctx context.Context) {
	timeout := e.cfg.Governance.ApprovalTimeout
	if timeout <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-timeout)
	for _, run := range e.cache.Runs() {
		proj, ok := e.cache.Run(run.ID)
		if !ok || proj.Frozen {
			continue
		}
		for _, reqID := range proj.OpenRequirements() {
			r, ok := proj.Requirements[reqID]
			if !ok || !r.CreatedAt.Before(cutoff) {
				continue
			}
			if _, err := e.Record(ctx, events.New(events.TypeRequirementCancelled, policy.SystemActor,
				events.RequirementCancelledPayload{RequirementID: reqID, Reason: "approval timed out"},
				events.WithRun(run.ID), events.WithParents(reqID))); err != nil {
				slog.Warn("Approval reap failed", "run_id", run.ID, "requirement_id", reqID, "error", err)
				continue
			}
			e.approvals.Resolve(reqID, approval.Outcome{Cancelled: true, Comment: "approval timed out"})
			slog.Warn("Pending approval reaped", "run_id", run.ID, "requirement_id", reqID, "age", time.Since(r.CreatedAt).Round(time.Second))
		}
	}
}
