package forkpad

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stacks-network/chainhook/chaintypes"
)

func blk(index uint64, hash, parentHash string) chaintypes.Block {
	parentIndex := uint64(0)
	if index > 0 {
		parentIndex = index - 1
	}
	return chaintypes.Block{
		Chain:    chaintypes.Stacks,
		ID:       chaintypes.BlockIdentifier{Index: index, Hash: hash},
		ParentID: chaintypes.BlockIdentifier{Index: parentIndex, Hash: parentHash},
	}
}

func TestProcessHeaderGenesis(t *testing.T) {
	fp, err := New(chaintypes.Stacks, 6)
	require.NoError(t, err)

	event, ok, err := fp.ProcessHeader(blk(0, "g", ""))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, chaintypes.ChainUpdatedWithBlocks, event.Kind)

	tip, hasTip := fp.Tip()
	require.True(t, hasTip)
	require.Equal(t, "g", tip.Hash)
}

func TestProcessHeaderBootstrapsFromNonGenesisFirstBlock(t *testing.T) {
	fp, err := New(chaintypes.Stacks, 6)
	require.NoError(t, err)

	// The live-stream handoff after a historical scan ends mid-chain: the
	// first block this pad ever sees has an unknown, unobserved parent,
	// but an empty pad must still bootstrap on it rather than reject it
	// with ErrUnknownParent.
	event, ok, err := fp.ProcessHeader(blk(500, "h500", "h499"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, chaintypes.ChainUpdatedWithBlocks, event.Kind)
	require.Equal(t, []chaintypes.Block{blk(500, "h500", "h499")}, event.NewBlocks)

	tip, hasTip := fp.Tip()
	require.True(t, hasTip)
	require.Equal(t, "h500", tip.Hash)

	// it extends normally from there
	event, ok, err = fp.ProcessHeader(blk(501, "h501", "h500"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, chaintypes.ChainUpdatedWithBlocks, event.Kind)

	tip, _ = fp.Tip()
	require.Equal(t, "h501", tip.Hash)
}

func TestProcessHeaderExtendsChain(t *testing.T) {
	fp, _ := New(chaintypes.Stacks, 100)
	_, _, _ = fp.ProcessHeader(blk(0, "g", ""))

	event, ok, err := fp.ProcessHeader(blk(1, "a1", "g"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, chaintypes.ChainUpdatedWithBlocks, event.Kind)
	require.Len(t, event.NewBlocks, 1)

	tip, _ := fp.Tip()
	require.Equal(t, "a1", tip.Hash)
}

func TestProcessHeaderUnknownParentErrors(t *testing.T) {
	fp, _ := New(chaintypes.Stacks, 100)
	_, _, _ = fp.ProcessHeader(blk(0, "g", ""))

	_, _, err := fp.ProcessHeader(blk(5, "orphan", "missing"))
	require.Error(t, err)
}

func TestProcessHeaderDuplicateIgnored(t *testing.T) {
	fp, _ := New(chaintypes.Stacks, 100)
	_, _, _ = fp.ProcessHeader(blk(0, "g", ""))
	_, _, _ = fp.ProcessHeader(blk(1, "a1", "g"))

	_, ok, err := fp.ProcessHeader(blk(1, "a1", "g"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestProcessHeaderWeakerBranchDoesNotMoveTip(t *testing.T) {
	fp, _ := New(chaintypes.Stacks, 100)
	_, _, _ = fp.ProcessHeader(blk(0, "g", ""))
	_, _, _ = fp.ProcessHeader(blk(1, "a1", "g"))
	_, _, _ = fp.ProcessHeader(blk(2, "a2", "a1"))

	// competing branch from genesis, shorter than the current tip
	_, ok, err := fp.ProcessHeader(blk(1, "b1", "g"))
	require.NoError(t, err)
	require.False(t, ok)

	tip, _ := fp.Tip()
	require.Equal(t, "a2", tip.Hash)
}

func TestProcessHeaderReorgRollsBackAndApplies(t *testing.T) {
	fp, _ := New(chaintypes.Stacks, 100)
	_, _, _ = fp.ProcessHeader(blk(0, "g", ""))
	_, _, _ = fp.ProcessHeader(blk(1, "a1", "g"))
	_, _, _ = fp.ProcessHeader(blk(2, "a2", "a1"))

	// competing branch whose hashes sort below "a2", so the weight-3 tie
	// still resolves in favor of the existing tip until the branch outgrows it
	_, ok, _ := fp.ProcessHeader(blk(1, "01", "g"))
	require.False(t, ok)
	_, ok, _ = fp.ProcessHeader(blk(2, "02", "01"))
	require.False(t, ok) // tie at weight 3, "a2" > "02" lexicographically keeps "a2" as tip

	event, ok, err := fp.ProcessHeader(blk(3, "03", "02"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, chaintypes.ChainUpdatedWithReorg, event.Kind)
	require.Len(t, event.BlocksToRollback, 2)
	require.Len(t, event.BlocksToApply, 3)

	tip, _ := fp.Tip()
	require.Equal(t, "03", tip.Hash)
}

func TestProcessHeaderConfirmationDepthEvictsBlocks(t *testing.T) {
	fp, _ := New(chaintypes.Stacks, 2)
	_, _, _ = fp.ProcessHeader(blk(0, "g", ""))
	_, _, _ = fp.ProcessHeader(blk(1, "a1", "g"))

	event, ok, err := fp.ProcessHeader(blk(2, "a2", "a1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, event.ConfirmedBlocks, 1, "genesis is now confirmationDepth=2 behind tip 2")
	require.Equal(t, "g", event.ConfirmedBlocks[0].ID.Hash)

	event, ok, err = fp.ProcessHeader(blk(3, "a3", "a2"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, event.ConfirmedBlocks, 1, "a1 is now confirmationDepth=2 behind tip 3")
	require.Equal(t, "a1", event.ConfirmedBlocks[0].ID.Hash)
}
