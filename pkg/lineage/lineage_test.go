package lineage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiaryhq/apiary/pkg/events"
	"github.com/apiaryhq/apiary/pkg/vault"
)

type fakeSource struct {
	logs  map[vault.Scope][]*events.Event
	reads int
}

func (f *fakeSource) ReadAll(_ context.Context, scope vault.Scope) ([]*events.Event, error) {
	f.reads++
	return f.logs[scope], nil
}

func mkEvent(t *testing.T, parents ...string) *events.Event {
	t.Helper()
	e := events.New(events.TypeTaskProgressed, "test", nil,
		events.WithRun("run-1"), events.WithParents(parents...))
	require.NoError(t, e.Seal(""))
	return e
}

// diamond builds e1 ← {e2, e3} ← e4 ← e5 and returns the tracer plus the
// event ids in creation order.
func diamond(t *testing.T) (*Tracer, *fakeSource, []string) {
	t.Helper()
	e1 := mkEvent(t)
	e2 := mkEvent(t, e1.ID)
	e3 := mkEvent(t, e1.ID)
	e4 := mkEvent(t, e2.ID, e3.ID)
	e5 := mkEvent(t, e4.ID)

	src := &fakeSource{logs: map[vault.Scope][]*events.Event{
		vault.RunScope("run-1"): {e1, e2, e3, e4, e5},
	}}
	return New(src), src, []string{e1.ID, e2.ID, e3.ID, e4.ID, e5.ID}
}

func TestAncestors_WalksDiamond(t *testing.T) {
	tr, _, ids := diamond(t)
	e1, e2, e3, e4 := ids[0], ids[1], ids[2], ids[3]

	got, truncated, err := tr.Ancestors(context.Background(), vault.RunScope("run-1"), e4, -1)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, []string{e4, e2, e3, e1}, got)
}

func TestAncestors_MaxDepth(t *testing.T) {
	tr, _, ids := diamond(t)
	e2, e3, e4 := ids[1], ids[2], ids[3]

	got, truncated, err := tr.Ancestors(context.Background(), vault.RunScope("run-1"), e4, 0)
	require.NoError(t, err)
	assert.True(t, truncated, "parents exist beyond depth 0")
	assert.Equal(t, []string{e4}, got)

	got, truncated, err = tr.Ancestors(context.Background(), vault.RunScope("run-1"), e4, 1)
	require.NoError(t, err)
	assert.True(t, truncated, "grandparent remains")
	assert.Equal(t, []string{e4, e2, e3}, got)

	got, truncated, err = tr.Ancestors(context.Background(), vault.RunScope("run-1"), e4, 2)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Len(t, got, 4)
}

func TestDescendants_InvertedIndex(t *testing.T) {
	tr, _, ids := diamond(t)
	e1, e2, e3, e4, e5 := ids[0], ids[1], ids[2], ids[3], ids[4]

	got, truncated, err := tr.Descendants(context.Background(), vault.RunScope("run-1"), e1, -1)
	require.NoError(t, err)
	assert.False(t, truncated)
	// Sibling order is deterministic: child ids are time-ordered.
	assert.Equal(t, []string{e1, e2, e3, e4, e5}, got)

	got, _, err = tr.Descendants(context.Background(), vault.RunScope("run-1"), e5, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{e5}, got)
}

func TestBoth_SeedOnce(t *testing.T) {
	tr, _, ids := diamond(t)
	e1, e2, e3, e4, e5 := ids[0], ids[1], ids[2], ids[3], ids[4]

	got, truncated, err := tr.Both(context.Background(), vault.RunScope("run-1"), e4, -1)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, []string{e4, e2, e3, e1, e5}, got)
}

func TestAncestors_UnknownSeed(t *testing.T) {
	tr, _, _ := diamond(t)
	_, _, err := tr.Ancestors(context.Background(), vault.RunScope("run-1"), "no-such-event", -1)
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestTracer_CachesUntilInvalidated(t *testing.T) {
	tr, src, ids := diamond(t)
	scope := vault.RunScope("run-1")
	seed := ids[4]

	_, _, err := tr.Descendants(context.Background(), scope, seed, -1)
	require.NoError(t, err)
	_, _, err = tr.Ancestors(context.Background(), scope, seed, -1)
	require.NoError(t, err)
	assert.Equal(t, 1, src.reads, "second query must reuse the cached index")

	// A new child appended to the log is invisible until Invalidate.
	child := mkEvent(t, seed)
	src.logs[scope] = append(src.logs[scope], child)

	got, _, err := tr.Descendants(context.Background(), scope, seed, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{seed}, got)

	tr.Invalidate(scope)
	got, _, err = tr.Descendants(context.Background(), scope, seed, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{seed, child.ID}, got)
	assert.Equal(t, 2, src.reads)
}

func TestAncestors_ForeignParentReportedNotWalked(t *testing.T) {
	outside := "0196ffff-aaaa-7000-8000-000000000000" // not in this scope's log
	e1 := mkEvent(t, outside)
	e2 := mkEvent(t, e1.ID)
	src := &fakeSource{logs: map[vault.Scope][]*events.Event{
		vault.RunScope("run-1"): {e1, e2},
	}}
	tr := New(src)

	got, truncated, err := tr.Ancestors(context.Background(), vault.RunScope("run-1"), e2.ID, -1)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, []string{e2.ID, e1.ID, outside}, got)
}
