package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiaryhq/apiary/pkg/config"
)

func TestAcquire_WithinBurstDoesNotBlock(t *testing.T) {
	l := New(config.RateLimitConfig{Models: map[string]config.ModelLimit{
		"fast-model": {RPM: 60, TPM: 10000},
	}})

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(context.Background(), "fast-model", 100))
	}
	assert.Less(t, time.Since(start), time.Second, "burst capacity should admit immediately")
}

func TestAcquire_BudgetExhausted(t *testing.T) {
	l := New(config.RateLimitConfig{Models: map[string]config.ModelLimit{
		"small": {RPM: 60, TPM: 500},
	}})

	err := l.Acquire(context.Background(), "small", 501)
	var bee *BudgetExhaustedError
	require.ErrorAs(t, err, &bee)
	assert.Equal(t, "small", bee.Model)
	assert.Equal(t, 501, bee.Estimated)
	assert.Equal(t, 500, bee.BudgetTPM)

	// Exactly the budget is admissible.
	require.NoError(t, l.Acquire(context.Background(), "small", 500))
}

func TestAcquire_UnknownModelGetsDefaults(t *testing.T) {
	l := New(config.RateLimitConfig{})
	require.NoError(t, l.Acquire(context.Background(), "never-configured", 1000))

	err := l.Acquire(context.Background(), "never-configured", DefaultTPM+1)
	var bee *BudgetExhaustedError
	require.ErrorAs(t, err, &bee)
	assert.Equal(t, DefaultTPM, bee.BudgetTPM)
}

func TestAcquire_ContextCancelledWhileWaiting(t *testing.T) {
	l := New(config.RateLimitConfig{Models: map[string]config.ModelLimit{
		"tiny": {RPM: 1, TPM: 100},
	}})

	// Drain the single-request burst.
	require.NoError(t, l.Acquire(context.Background(), "tiny", 1))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := l.Acquire(ctx, "tiny", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecord_TracksActualUsage(t *testing.T) {
	l := New(config.RateLimitConfig{Models: map[string]config.ModelLimit{
		"m": {RPM: 60, TPM: 10000},
	}})

	require.NoError(t, l.Acquire(context.Background(), "m", 1000))
	l.Record("m", 1000, 1400)

	snap := l.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "m", snap[0].Model)
	assert.EqualValues(t, 1, snap[0].Calls)
	assert.EqualValues(t, 1400, snap[0].TokensUsed)

	// Undershoot settles the counter downward but never refunds the bucket.
	require.NoError(t, l.Acquire(context.Background(), "m", 1000))
	l.Record("m", 1000, 200)
	snap = l.Snapshot()
	assert.EqualValues(t, 1600, snap[0].TokensUsed)
}

func TestSnapshot_Empty(t *testing.T) {
	l := New(config.RateLimitConfig{})
	assert.Empty(t, l.Snapshot())
}
