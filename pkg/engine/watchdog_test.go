package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiaryhq/apiary/pkg/config"
	"github.com/apiaryhq/apiary/pkg/events"
	"github.com/apiaryhq/apiary/pkg/models"
)

func TestSilentRunTimesOutAfterTwoScans(t *testing.T) {
	e, client := newTestEngine(t, func(cfg *config.Config) {
		cfg.Governance.HeartbeatInterval = 40 * time.Millisecond
	})
	ctx := context.Background()
	e.Start(ctx)

	runID, reqID := startParkedRun(t, e, client, "")
	awaitRunState(t, e, runID, models.RunTimedOut)

	proj, err := e.Run(runID)
	require.NoError(t, err)
	req := proj.Requirements[reqID]
	require.NotNil(t, req)
	assert.Equal(t, models.RequirementCancelled, req.State)

	evs, err := e.Events(ctx, runID)
	require.NoError(t, err)
	require.NotEmpty(t, eventsOfType(evs, events.TypeSilenceDetected),
		"a silence strike precedes the timeout")
	timedOut := eventsOfType(evs, events.TypeRunTimedOut)
	require.Len(t, timedOut, 1)
	var payload events.RunTimedOutPayload
	require.NoError(t, events.DecodePayload(timedOut[0], &payload))
	assert.Contains(t, payload.Reason, "no activity")
}

func TestHeartbeatKeepsRunAlive(t *testing.T) {
	e, client := newTestEngine(t, func(cfg *config.Config) {
		cfg.Governance.HeartbeatInterval = 250 * time.Millisecond
	})
	ctx := context.Background()
	e.Start(ctx)

	runID, _ := startParkedRun(t, e, client, "")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		beat := time.NewTicker(25 * time.Millisecond)
		defer beat.Stop()
		for {
			select {
			case <-stop:
				return
			case <-beat.C:
				_ = e.Heartbeat(ctx, models.HeartbeatRequest{RunID: runID, Message: "alive"})
			}
		}
	}()

	// Long enough that a silent run would have struck out twice.
	time.Sleep(900 * time.Millisecond)
	proj, err := e.Run(runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, proj.Run.State)
	assert.NotNil(t, proj.Run.LastHeartbeat)

	close(stop)
	wg.Wait()
	awaitRunState(t, e, runID, models.RunTimedOut)
}

func TestPendingApprovalsAreReaped(t *testing.T) {
	e, client := newTestEngine(t, func(cfg *config.Config) {
		cfg.Governance.HeartbeatInterval = 150 * time.Millisecond
		cfg.Governance.ApprovalTimeout = 20 * time.Millisecond
	})
	ctx := context.Background()
	e.Start(ctx)

	runID, reqID := startParkedRun(t, e, client, "")

	// The reaper cancels the stale requirement, which releases the pipeline's
	// wait as a cancellation and fails the run.
	awaitRunState(t, e, runID, models.RunFailed)

	proj, err := e.Run(runID)
	require.NoError(t, err)
	req := proj.Requirements[reqID]
	require.NotNil(t, req)
	assert.Equal(t, models.RequirementCancelled, req.State)

	evs, err := e.Events(ctx, runID)
	require.NoError(t, err)
	cancelled := eventsOfType(evs, events.TypeRequirementCancelled)
	require.Len(t, cancelled, 1)
	var cp events.RequirementCancelledPayload
	require.NoError(t, events.DecodePayload(cancelled[0], &cp))
	assert.Equal(t, "approval timed out", cp.Reason)

	failed := eventsOfType(evs, events.TypeRunFailed)
	require.Len(t, failed, 1)
	var fp events.RunFailedPayload
	require.NoError(t, events.DecodePayload(failed[0], &fp))
	assert.Contains(t, fp.Reason, "plan approval cancelled")
}
