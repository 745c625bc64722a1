package melda

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casperlundberg/libmelda/memadapter"
)

func newEngine(t *testing.T) *MeldaCore {
	t.Helper()
	m, err := New(context.Background(), memadapter.New(), nil)
	require.NoError(t, err)
	return m
}

func updateJSON(t *testing.T, m *MeldaCore, raw string) {
	t.Helper()
	require.NoError(t, m.Update(context.Background(), mustParseJSON(t, raw)))
}

func commit(t *testing.T, m *MeldaCore) string {
	t.Helper()
	hash, err := m.Commit(context.Background(), Null())
	require.NoError(t, err)
	return hash
}

func meld(t *testing.T, dst, src *MeldaCore) int {
	t.Helper()
	n, err := dst.Meld(context.Background(), src)
	require.NoError(t, err)
	return n
}

func readDoc(t *testing.T, m *MeldaCore) Value {
	t.Helper()
	v, err := m.Read(context.Background())
	require.NoError(t, err)
	return v
}

// fieldIDs reads the document and returns the _id of every element of
// the given flattened field, in order.
func fieldIDs(t *testing.T, m *MeldaCore, field string) []string {
	t.Helper()
	arr := readDoc(t, m).Get(field)
	require.True(t, arr.IsArray())
	ids := make([]string, 0, len(arr.AsArray()))
	for _, e := range arr.AsArray() {
		require.True(t, e.IsObject())
		ids = append(ids, e.Get("_id").AsString())
	}
	return ids
}

func TestUpdateCommitReadRoundTrip(t *testing.T) {
	m := newEngine(t)
	doc := `{
		"title": "todo",
		"meta": {"version": 2, "tags": ["x", "y"]},
		"tasks♭": [
			{"_id": "t1", "name": "first", "done": false},
			{"_id": "t2", "name": "second", "sub♭": [{"_id": "s1", "n": 0.5}]}
		]
	}`
	updateJSON(t, m, doc)
	assert.True(t, readDoc(t, m).Equal(mustParseJSON(t, doc)), "uncommitted state is readable")

	hash := commit(t, m)
	assert.NotEmpty(t, hash)
	assert.False(t, m.Pending())
	assert.Equal(t, []string{hash}, m.Heads())
	assert.True(t, readDoc(t, m).Equal(mustParseJSON(t, doc)))
}

func TestCommitWithoutChangesIsNoOp(t *testing.T) {
	m := newEngine(t)
	hash, err := m.Commit(context.Background(), Null())
	require.NoError(t, err)
	assert.Empty(t, hash)

	updateJSON(t, m, `{"a": 1}`)
	commit(t, m)
	updateJSON(t, m, `{"a": 1}`) // identical state: nothing to stage
	assert.False(t, m.Pending())
}

func TestEmptyStoreReadsAsEmptyObject(t *testing.T) {
	m := newEngine(t)
	assert.True(t, readDoc(t, m).Equal(EmptyObject()))
}

func TestFlattenedArrayBecomingEmpty(t *testing.T) {
	m := newEngine(t)
	updateJSON(t, m, `{"items♭": [{"_id": "x", "n": 1}]}`)
	commit(t, m)
	updateJSON(t, m, `{"items♭": []}`)
	commit(t, m)

	assert.Empty(t, fieldIDs(t, m, "items♭"))
	w, ok := m.GetWinner("x")
	require.True(t, ok)
	assert.True(t, w.IsDeletion(), "dropped element is tombstoned, not forgotten")
}

func TestRecreateAfterDelete(t *testing.T) {
	m := newEngine(t)
	updateJSON(t, m, `{"items♭": [{"_id": "x", "n": 1}]}`)
	commit(t, m)
	updateJSON(t, m, `{"items♭": []}`)
	commit(t, m)
	updateJSON(t, m, `{"items♭": [{"_id": "x", "n": 2}]}`)
	commit(t, m)

	w, ok := m.GetWinner("x")
	require.True(t, ok)
	assert.False(t, w.IsDeletion())
	assert.Equal(t, 3, w.Index, "new revision is a child of the tombstone")
	doc := readDoc(t, m)
	assert.Equal(t, float64(2), doc.Get("items♭").AsArray()[0].Get("n").AsNumber())
}

func TestReopenResumesState(t *testing.T) {
	ctx := context.Background()
	mem := memadapter.New()
	m, err := New(ctx, mem, nil)
	require.NoError(t, err)
	updateJSON(t, m, `{"items♭": [{"_id": "a", "n": 1}, {"_id": "b", "n": 2}]}`)
	commit(t, m)
	updateJSON(t, m, `{"items♭": [{"_id": "b", "n": 2}]}`)
	commit(t, m)

	reopened, err := New(ctx, mem, nil)
	require.NoError(t, err)
	assert.Equal(t, m.Heads(), reopened.Heads())
	assert.True(t, readDoc(t, m).Equal(readDoc(t, reopened)))
}

func TestCustomFlatMarker(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, memadapter.New(), &Options{FlatMarker: "$"})
	require.NoError(t, err)
	require.NoError(t, m.Update(ctx, mustParseJSON(t, `{"tasks$": [{"_id": "t1"}]}`)))
	commit(t, m)
	_, ok := m.GetWinner("t1")
	assert.True(t, ok, "elements extracted under the configured marker")
}

func TestUpdateRefusesPastPendingLimit(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, memadapter.New(), &Options{MaxPending: 1})
	require.NoError(t, err)

	require.NoError(t, m.Update(ctx, mustParseJSON(t, `{"a": 1}`)))
	err = m.Update(ctx, mustParseJSON(t, `{"a": 2}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPendingLimit))
	assert.True(t, readDoc(t, m).Equal(mustParseJSON(t, `{"a": 1}`)), "refused update leaves state untouched")

	commit(t, m)
	require.NoError(t, m.Update(ctx, mustParseJSON(t, `{"a": 2}`)), "commit drains the buffer")
}

func TestCustomClockSamplesOperations(t *testing.T) {
	ctx := context.Background()
	ticks := 0
	clock := func() time.Time {
		ticks++
		return time.Unix(int64(ticks), 0)
	}
	a, err := New(ctx, memadapter.New(), &Options{Clock: clock})
	require.NoError(t, err)
	updateJSON(t, a, `{"a": 1}`)
	commit(t, a)
	assert.GreaterOrEqual(t, ticks, 2, "commit samples the injected clock")

	before := ticks
	b := newEngine(t)
	meld(t, a, b)
	assert.Greater(t, ticks, before, "meld samples the injected clock")
}

func TestScalarConflictDeterministicWinner(t *testing.T) {
	a := newEngine(t)
	updateJSON(t, a, `{"title": "base"}`)
	commit(t, a)
	b := newEngine(t)
	meld(t, b, a)

	updateJSON(t, a, `{"title": "from a"}`)
	commit(t, a)
	updateJSON(t, b, `{"title": "from b"}`)
	commit(t, b)

	meld(t, a, b)
	meld(t, b, a)

	assert.True(t, readDoc(t, a).Equal(readDoc(t, b)), "same winner everywhere")
	assert.Equal(t, []string{RootID}, a.InConflict())
	assert.Len(t, a.GetConflicting(RootID), 1)
	wa, _ := a.GetWinner(RootID)
	wb, _ := b.GetWinner(RootID)
	assert.Equal(t, wa, wb)
	assert.Len(t, a.Heads(), 2, "two concurrent commits stay on the frontier until the next commit")
}

// Scenario 1: concurrent insertions at the same position on three
// replicas all survive, with a deterministic order between them.
func TestConcurrentInsertSamePosition(t *testing.T) {
	alice := newEngine(t)
	updateJSON(t, alice, `{"tasks♭": [
		{"_id": "task_0", "title": "Initial Task"},
		{"_id": "task_2", "title": "Final Task"}
	]}`)
	commit(t, alice)

	bob := newEngine(t)
	charlie := newEngine(t)
	meld(t, bob, alice)
	meld(t, charlie, alice)

	insert := func(m *MeldaCore, id string) {
		updateJSON(t, m, `{"tasks♭": [
			{"_id": "task_0", "title": "Initial Task"},
			{"_id": "`+id+`", "title": "inserted"},
			{"_id": "task_2", "title": "Final Task"}
		]}`)
		commit(t, m)
	}
	insert(alice, "alice_task")
	insert(bob, "bob_task")
	insert(charlie, "charlie_task")

	meld(t, alice, bob)
	meld(t, alice, charlie)
	meld(t, bob, alice)
	meld(t, charlie, alice)

	got := fieldIDs(t, alice, "tasks♭")
	require.Len(t, got, 5)
	assert.Equal(t, "task_0", got[0])
	assert.Equal(t, "task_2", got[4])
	assert.ElementsMatch(t, []string{"alice_task", "bob_task", "charlie_task"}, got[1:4])

	assert.Equal(t, got, fieldIDs(t, bob, "tasks♭"))
	assert.Equal(t, got, fieldIDs(t, charlie, "tasks♭"))
}

// Scenario 2: three replicas deleting the same element converge to one
// tombstone and report no conflict.
func TestConcurrentDeleteSameElement(t *testing.T) {
	items := `{"items♭": [
		{"_id": "item_1", "n": 1}, {"_id": "item_2", "n": 2}, {"_id": "item_3", "n": 3},
		{"_id": "item_4", "n": 4}, {"_id": "item_5", "n": 5}
	]}`
	without3 := `{"items♭": [
		{"_id": "item_1", "n": 1}, {"_id": "item_2", "n": 2},
		{"_id": "item_4", "n": 4}, {"_id": "item_5", "n": 5}
	]}`

	a := newEngine(t)
	updateJSON(t, a, items)
	commit(t, a)
	b := newEngine(t)
	c := newEngine(t)
	meld(t, b, a)
	meld(t, c, a)

	for _, m := range []*MeldaCore{a, b, c} {
		updateJSON(t, m, without3)
		commit(t, m)
	}
	meld(t, a, b)
	meld(t, a, c)
	meld(t, b, a)
	meld(t, c, a)

	want := []string{"item_1", "item_2", "item_4", "item_5"}
	for _, m := range []*MeldaCore{a, b, c} {
		assert.Equal(t, want, fieldIDs(t, m, "items♭"))
		assert.Empty(t, m.InConflict(), "identical deletions are not a conflict")
	}
}

// Scenario 3: mass delete-then-insert on one replica vs independent
// edits on the others.
func TestMassDeleteVsIndependentEdits(t *testing.T) {
	initial := `{"items♭": [
		{"_id": "init_0", "n": 0}, {"_id": "init_1", "n": 1}, {"_id": "init_2", "n": 2}
	]}`
	r1 := newEngine(t)
	updateJSON(t, r1, initial)
	commit(t, r1)
	r2 := newEngine(t)
	r3 := newEngine(t)
	meld(t, r2, r1)
	meld(t, r3, r1)

	// R1 wipes everything and starts over
	updateJSON(t, r1, `{"items♭": [{"_id": "r1_task_1", "n": 10}]}`)
	commit(t, r1)

	// R2 edits independently against the initial state
	updateJSON(t, r2, `{"items♭": [
		{"_id": "r2_task_1", "n": 20}, {"_id": "init_1", "n": 1},
		{"_id": "init_2", "n": 2}, {"_id": "r2_task_2", "n": 21}
	]}`)
	commit(t, r2)

	// R3 syncs with R1 first, then appends its own task
	meld(t, r3, r1)
	updateJSON(t, r3, `{"items♭": [
		{"_id": "r1_task_1", "n": 10}, {"_id": "r3_task_0", "n": 30}
	]}`)
	commit(t, r3)

	meld(t, r1, r2)
	meld(t, r1, r3)
	meld(t, r2, r1)
	meld(t, r3, r1)

	got := fieldIDs(t, r1, "items♭")
	assert.ElementsMatch(t, []string{"r1_task_1", "r2_task_1", "r2_task_2", "r3_task_0"}, got)
	assert.Equal(t, got, fieldIDs(t, r2, "items♭"))
	assert.Equal(t, got, fieldIDs(t, r3, "items♭"))
}

// Scenario 4: concurrent delete-and-reinsert of the same element at
// different positions duplicates it. This is the documented move
// limitation (one tombstone, two add-wins insertions); the exact outcome
// is asserted to lock the behavior in.
func TestMoveDuplication(t *testing.T) {
	base := `{"letters♭": [{"_id": "A"}, {"_id": "B"}, {"_id": "C"}]}`
	u1 := newEngine(t)
	updateJSON(t, u1, base)
	commit(t, u1)
	u2 := newEngine(t)
	meld(t, u2, u1)

	// u1 moves B to the front as delete + reinsert
	updateJSON(t, u1, `{"letters♭": [{"_id": "A"}, {"_id": "C"}]}`)
	commit(t, u1)
	updateJSON(t, u1, `{"letters♭": [{"_id": "B"}, {"_id": "A"}, {"_id": "C"}]}`)
	commit(t, u1)

	// u2 moves B to the back the same way
	updateJSON(t, u2, `{"letters♭": [{"_id": "A"}, {"_id": "C"}]}`)
	commit(t, u2)
	updateJSON(t, u2, `{"letters♭": [{"_id": "A"}, {"_id": "C"}, {"_id": "B"}]}`)
	commit(t, u2)

	meld(t, u1, u2)
	meld(t, u2, u1)

	assert.Equal(t, []string{"B", "A", "C", "B"}, fieldIDs(t, u1, "letters♭"))
	assert.Equal(t, []string{"B", "A", "C", "B"}, fieldIDs(t, u2, "letters♭"))
}

// Scenario 5: update is state replacement; untouched elements are
// tombstoned and the tombstones win over peers that never edited them.
func TestStateReplacementSemantics(t *testing.T) {
	base := `{"items♭": [{"_id": "item_1", "n": 1}, {"_id": "item_2", "n": 2}, {"_id": "item_3", "n": 3}]}`
	e1 := newEngine(t)
	updateJSON(t, e1, base)
	commit(t, e1)
	e2 := newEngine(t)
	meld(t, e2, e1)

	updateJSON(t, e1, `{"items♭": [{"_id": "item_4", "n": 4}]}`)
	commit(t, e1)
	assert.Equal(t, []string{"item_4"}, fieldIDs(t, e1, "items♭"))

	updateJSON(t, e2, `{"items♭": [{"_id": "item_5", "n": 5}]}`)
	commit(t, e2)

	meld(t, e1, e2)
	meld(t, e2, e1)

	got := fieldIDs(t, e1, "items♭")
	assert.ElementsMatch(t, []string{"item_4", "item_5"}, got)
	assert.Equal(t, got, fieldIDs(t, e2, "items♭"))
}

// countingAdapter wraps an Adapter and counts writes, for the meld
// idempotence scenario.
type countingAdapter struct {
	Adapter
	writes int
}

func (c *countingAdapter) WriteObject(ctx context.Context, name string, data []byte) error {
	c.writes++
	return c.Adapter.WriteObject(ctx, name, data)
}

// Scenario 6: a second meld from the same peer imports nothing and
// writes nothing.
func TestMeldIsIdempotentOverStorage(t *testing.T) {
	ctx := context.Background()
	a := newEngine(t)
	updateJSON(t, a, `{"items♭": [{"_id": "x", "n": 1}]}`)
	commit(t, a)
	updateJSON(t, a, `{"items♭": [{"_id": "x", "n": 1}, {"_id": "y", "n": 2}]}`)
	commit(t, a)

	counting := &countingAdapter{Adapter: memadapter.New()}
	b, err := New(ctx, counting, nil)
	require.NoError(t, err)

	imported := meld(t, b, a)
	assert.Equal(t, 2, imported)
	assert.Greater(t, counting.writes, 0)
	assert.True(t, readDoc(t, a).Equal(readDoc(t, b)))

	counting.writes = 0
	imported = meld(t, b, a)
	assert.Equal(t, 0, imported)
	assert.Equal(t, 0, counting.writes, "content-addressed import: nothing new to write")
}

func TestRefreshWarmsTheViewCache(t *testing.T) {
	a := newEngine(t)
	updateJSON(t, a, `{"items♭": [{"_id": "x", "n": 1}]}`)
	commit(t, a)
	b := newEngine(t)
	meld(t, b, a)
	require.NoError(t, b.Refresh(context.Background()))
	assert.Equal(t, []string{"x"}, fieldIDs(t, b, "items♭"))
}

func TestReadObjectByID(t *testing.T) {
	m := newEngine(t)
	updateJSON(t, m, `{"tasks♭": [{"_id": "t1", "name": "first"}]}`)
	commit(t, m)

	v, ok, err := m.ReadObject(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", v.Get("name").AsString())

	_, ok, err = m.ReadObject(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBidirectionalMeldConverges(t *testing.T) {
	a := newEngine(t)
	updateJSON(t, a, `{"shared": 1, "tasks♭": [{"_id": "t1", "n": 1}]}`)
	commit(t, a)
	b := newEngine(t)
	meld(t, b, a)

	updateJSON(t, a, `{"shared": 2, "tasks♭": [{"_id": "t1", "n": 1}, {"_id": "a1", "n": 2}]}`)
	commit(t, a)
	updateJSON(t, b, `{"shared": 3, "tasks♭": [{"_id": "b1", "n": 3}, {"_id": "t1", "n": 1}]}`)
	commit(t, b)

	meld(t, a, b)
	meld(t, b, a)
	assert.True(t, readDoc(t, a).Equal(readDoc(t, b)))

	// idempotence: melding again changes nothing
	before := readDoc(t, a)
	meld(t, a, b)
	assert.True(t, before.Equal(readDoc(t, a)))
}
