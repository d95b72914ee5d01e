package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stacks-network/chainhook/chainhooks"
	"github.com/stacks-network/chainhook/chaintypes"
)

func newTestInstance(name string) *chainhooks.Instance {
	occ := uint64(2)
	return &chainhooks.Instance{
		Name:                  name,
		ExpireAfterOccurrence: &occ,
		Predicate:             chainhooks.TxidPredicate{Equals: "0xabc"},
		Action:                chainhooks.FileAppendAction{Path: "/tmp/out.log"},
	}
}

func TestRegisterAssignsUUID(t *testing.T) {
	r := New(chaintypes.Stacks)
	inst := newTestInstance("p1")
	id, err := r.Register(inst)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, 1, r.Len())
	require.Empty(t, r.Active())
}

func TestEnableMakesPredicateActive(t *testing.T) {
	r := New(chaintypes.Stacks)
	inst := newTestInstance("p1")
	id, _ := r.Register(inst)

	require.NoError(t, r.Enable(id))
	require.Len(t, r.Active(), 1)
}

func TestDeregisterRemovesPredicate(t *testing.T) {
	r := New(chaintypes.Stacks)
	inst := newTestInstance("p1")
	id, _ := r.Register(inst)
	require.NoError(t, r.Enable(id))

	require.NoError(t, r.Deregister(id))
	require.Equal(t, 0, r.Len())
	_, err := r.Get(id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRecordOccurrenceExceedsOnlyPastLimit(t *testing.T) {
	r := New(chaintypes.Stacks)
	inst := newTestInstance("p1") // ExpireAfterOccurrence = 2
	id, _ := r.Register(inst)
	require.NoError(t, r.Enable(id))

	n, exceeded, err := r.RecordOccurrence(id)
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)
	require.False(t, exceeded)

	n, exceeded, err = r.RecordOccurrence(id)
	require.NoError(t, err)
	require.Equal(t, uint64(2), n)
	require.False(t, exceeded, "the occurrence that reaches the limit is still within budget")

	n, exceeded, err = r.RecordOccurrence(id)
	require.NoError(t, err)
	require.Equal(t, uint64(3), n)
	require.True(t, exceeded, "only the occurrence past the limit is dropped and deregistered")

	require.NoError(t, r.Deregister(id))
	require.Empty(t, r.Active())
}

func TestTargetsBlockFilter(t *testing.T) {
	r := New(chaintypes.Stacks)
	inst := newTestInstance("p1")
	inst.Blocks = []uint64{10, 20, 30}
	id, _ := r.Register(inst)

	require.True(t, r.TargetsBlock(id, 20))
	require.False(t, r.TargetsBlock(id, 21))
}

func TestTargetsBlockNoFilterMatchesEverything(t *testing.T) {
	r := New(chaintypes.Stacks)
	inst := newTestInstance("p1")
	id, _ := r.Register(inst)

	require.True(t, r.TargetsBlock(id, 999999))
}

func TestRegisterDuplicateUUIDRejected(t *testing.T) {
	r := New(chaintypes.Stacks)
	inst := newTestInstance("p1")
	id, _ := r.Register(inst)

	dup := newTestInstance("p1-dup")
	dup.UUID = id
	_, err := r.Register(dup)
	require.Error(t, err)
}
