package projection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiaryhq/apiary/pkg/events"
	"github.com/apiaryhq/apiary/pkg/models"
)

func hiveEv(t *testing.T, eventType string, payload any, opts ...events.Option) *events.Event {
	t.Helper()
	opts = append([]events.Option{events.WithHive("hive-1")}, opts...)
	e := events.New(eventType, "test", payload, opts...)
	require.NoError(t, e.Seal(""))
	return e
}

func TestProjectHive_ColonyLifecycle(t *testing.T) {
	log := []*events.Event{
		hiveEv(t, events.TypeHiveCreated, events.HiveCreatedPayload{Name: "platform"}),
		hiveEv(t, events.TypeColonyCreated, events.ColonyCreatedPayload{Name: "infra", Goal: "keep lights on"}, events.WithColony("col-1")),
		hiveEv(t, events.TypeColonyStarted, events.ColonyStartedPayload{}, events.WithColony("col-1")),
	}
	p := ProjectHive("hive-1", log)

	assert.Equal(t, models.HiveActive, p.Hive.Status)
	assert.Equal(t, "platform", p.Hive.Name)
	assert.Equal(t, []string{"col-1"}, p.Hive.ColonyIDs)

	col, ok := p.Colony("col-1")
	require.True(t, ok)
	assert.Equal(t, models.ColonyInProgress, col.Status)
	assert.Equal(t, "infra", col.Name)
	assert.False(t, p.AllColoniesTerminal())

	p.Apply(hiveEv(t, events.TypeColonyCompleted, events.ColonyCompletedPayload{}, events.WithColony("col-1")))
	assert.True(t, p.AllColoniesTerminal())
}

func TestProjectHive_SuspendResumeCountsOscillations(t *testing.T) {
	log := []*events.Event{
		hiveEv(t, events.TypeHiveCreated, events.HiveCreatedPayload{Name: "h"}),
		hiveEv(t, events.TypeColonyCreated, events.ColonyCreatedPayload{Name: "c"}, events.WithColony("col-1")),
		hiveEv(t, events.TypeColonyStarted, events.ColonyStartedPayload{}, events.WithColony("col-1")),
		hiveEv(t, events.TypeColonySuspended, events.ColonySuspendedPayload{Reason: "loop"}, events.WithColony("col-1")),
		hiveEv(t, events.TypeColonyStarted, events.ColonyStartedPayload{Resume: true}, events.WithColony("col-1")),
		hiveEv(t, events.TypeColonySuspended, events.ColonySuspendedPayload{Reason: "loop"}, events.WithColony("col-1")),
	}
	p := ProjectHive("hive-1", log)

	col, ok := p.Colony("col-1")
	require.True(t, ok)
	assert.Equal(t, models.ColonySuspended, col.Status)
	assert.Equal(t, 2, col.Oscillations)
}

func TestProjectHive_IdleCloseCycle(t *testing.T) {
	log := []*events.Event{
		hiveEv(t, events.TypeHiveCreated, events.HiveCreatedPayload{Name: "h"}),
		hiveEv(t, events.TypeHiveIdled, nil),
		hiveEv(t, events.TypeHiveActivated, nil),
		hiveEv(t, events.TypeHiveIdled, nil),
		hiveEv(t, events.TypeHiveClosed, events.HiveClosedPayload{}),
	}
	p := ProjectHive("hive-1", log)
	assert.Equal(t, models.HiveClosed, p.Hive.Status)

	// Closed absorbs: a stray activation must not resurrect the hive.
	p.Apply(hiveEv(t, events.TypeHiveActivated, nil))
	assert.Equal(t, models.HiveClosed, p.Hive.Status)
}

func TestHiveProjection_AddRun(t *testing.T) {
	p := ProjectHive("hive-1", []*events.Event{
		hiveEv(t, events.TypeHiveCreated, events.HiveCreatedPayload{Name: "h"}),
		hiveEv(t, events.TypeColonyCreated, events.ColonyCreatedPayload{Name: "c"}, events.WithColony("col-1")),
	})

	p.AddRun("col-1", "run-b")
	p.AddRun("col-1", "run-a")
	p.AddRun("col-1", "run-a") // duplicate ignored
	p.AddRun("col-missing", "run-x")

	col, ok := p.Colony("col-1")
	require.True(t, ok)
	assert.Equal(t, []string{"run-a", "run-b"}, col.RunIDs)
}

func TestCache_ApplyAndCloneSemantics(t *testing.T) {
	c := NewCache()

	c.ApplyHive("hive-1", hiveEv(t, events.TypeHiveCreated, events.HiveCreatedPayload{Name: "h"}))
	c.ApplyHive("hive-1", hiveEv(t, events.TypeColonyCreated, events.ColonyCreatedPayload{Name: "c"}, events.WithColony("col-1")))
	c.ApplyRun("run-1", ev(t, events.TypeRunStarted, events.RunStartedPayload{Goal: "g", ColonyID: "col-1"}))
	c.AddColonyRun("hive-1", "col-1", "run-1")

	run, ok := c.Run("run-1")
	require.True(t, ok)
	assert.Equal(t, models.RunRunning, run.Run.State)

	// Mutating the returned clone never touches the cache.
	run.Run.Goal = "mutated"
	again, _ := c.Run("run-1")
	assert.Equal(t, "g", again.Run.Goal)

	hive, ok := c.Hive("hive-1")
	require.True(t, ok)
	col, ok := hive.Colony("col-1")
	require.True(t, ok)
	assert.Equal(t, []string{"run-1"}, col.RunIDs)

	assert.Len(t, c.Runs(), 1)
	assert.Len(t, c.Hives(), 1)

	_, ok = c.Run("run-unknown")
	assert.False(t, ok)
}

func TestCache_MarkFrozen(t *testing.T) {
	c := NewCache()
	c.ApplyRun("run-1", ev(t, events.TypeRunStarted, events.RunStartedPayload{Goal: "g"}))
	c.MarkRunFrozen("run-1")

	run, ok := c.Run("run-1")
	require.True(t, ok)
	assert.True(t, run.Frozen)
}
