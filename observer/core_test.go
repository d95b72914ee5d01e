package observer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stacks-network/chainhook/chainhooks"
	"github.com/stacks-network/chainhook/chaintypes"
	"github.com/stacks-network/chainhook/indexer/forkpad"
	"github.com/stacks-network/chainhook/storage/blockstore"
	"github.com/stacks-network/chainhook/storage/database"

	"github.com/stacks-network/chainhook/chainhooks/registry"
)

func testBlock(index uint64, hash, parentHash string, txid string) chaintypes.Block {
	parentHeight := uint64(0)
	if index > 0 {
		parentHeight = index - 1
	}
	return chaintypes.Block{
		Chain:    chaintypes.Stacks,
		ID:       chaintypes.BlockIdentifier{Index: index, Hash: hash},
		ParentID: chaintypes.BlockIdentifier{Index: parentHeight, Hash: parentHash},
		Transactions: []chaintypes.Transaction{{
			Txid:    txid,
			Success: true,
			Kind:    chaintypes.KindNativeTokenTransfer,
		}},
	}
}

func newTestCore(t *testing.T) (*Core, chan chainhooks.Occurrence) {
	t.Helper()

	fp, err := forkpad.New(chaintypes.Stacks, 2)
	require.NoError(t, err)

	store := blockstore.New(database.NewMemoryDB(), chaintypes.Stacks)
	reg := registry.New(chaintypes.Stacks)

	d := NewDispatcher()
	sink := make(chan chainhooks.Occurrence, 16)
	d.RegisterChannel("sink", sink)

	core := New(Config{
		StacksNetwork:  chainhooks.NetworkMainnet,
		BitcoinNetwork: chainhooks.NetworkMainnet,

		StacksRegistry:  reg,
		BitcoinRegistry: registry.New(chaintypes.Bitcoin),

		StacksStore:  store,
		BitcoinStore: blockstore.New(database.NewMemoryDB(), chaintypes.Bitcoin),

		StacksForkPad:  fp,
		BitcoinForkPad: mustForkPad(t, chaintypes.Bitcoin),

		Dispatcher: d,
	})
	go core.Run()
	t.Cleanup(func() {
		core.Submit(Command{Kind: CmdTerminate})
		<-core.Stopped()
	})
	return core, sink
}

func mustForkPad(t *testing.T, chain chaintypes.Chain) *forkpad.ForkPad {
	t.Helper()
	fp, err := forkpad.New(chain, 2)
	require.NoError(t, err)
	return fp
}

func registerChannelPredicate(t *testing.T, core *Core, txid string) string {
	t.Helper()
	reply := make(chan CommandResult, 1)
	core.Submit(Command{
		Kind: CmdRegisterPredicate,
		Instance: &chainhooks.Instance{
			Name:      "core-test",
			Network:   chainhooks.NetworkMainnet,
			Predicate: chainhooks.TxidPredicate{Equals: txid},
			Action:    chainhooks.ChannelAction{Name: "sink"},
		},
		Reply: reply,
	})
	res := <-reply
	require.NoError(t, res.Err)

	enableReply := make(chan CommandResult, 1)
	core.Submit(Command{Kind: CmdEnablePredicate, UUID: res.UUID, Reply: enableReply})
	enableRes := <-enableReply
	require.NoError(t, enableRes.Err)

	return res.UUID
}

func TestCoreProcessesHeadersAndDispatchesMatches(t *testing.T) {
	core, sink := newTestCore(t)
	uuid := registerChannelPredicate(t, core, "0xtx1")

	// CmdProcessBitcoinBlock exercises the header-ingestion path (C2) on
	// the Bitcoin side; it produces no match here since no Bitcoin
	// predicate is registered, but must not error.
	core.Submit(Command{Kind: CmdProcessBitcoinBlock, Block: chaintypes.Block{
		Chain: chaintypes.Bitcoin,
		ID:    chaintypes.BlockIdentifier{Index: 0, Hash: "bg"},
	}})

	// CmdPropagateStacksChainEvent exercises the direct-event path: a
	// chain event assembled elsewhere handed straight to propagation.
	core.Submit(Command{Kind: CmdPropagateStacksChainEvent, ChainEvent: chaintypes.ChainEvent{
		Chain:     chaintypes.Stacks,
		Kind:      chaintypes.ChainUpdatedWithBlocks,
		NewBlocks: []chaintypes.Block{testBlock(1, "a1", "g", "0xtx1")},
	}})

	select {
	case occ := <-sink:
		require.Equal(t, uuid, occ.ChainhookUUID)
		require.True(t, occ.IsStreamingBlocks)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a dispatched occurrence")
	}
}

func TestCoreDropsAndDeregistersOnlyTheOccurrenceThatExceedsTheLimit(t *testing.T) {
	core, sink := newTestCore(t)

	one := uint64(1)
	reply := make(chan CommandResult, 1)
	core.Submit(Command{
		Kind: CmdRegisterPredicate,
		Instance: &chainhooks.Instance{
			Name:                  "expiring",
			Network:               chainhooks.NetworkMainnet,
			Predicate:             chainhooks.TxidPredicate{Equals: "0xtx1"},
			Action:                chainhooks.ChannelAction{Name: "sink"},
			ExpireAfterOccurrence: &one,
		},
		Reply: reply,
	})
	res := <-reply
	require.NoError(t, res.Err)
	enableReply := make(chan CommandResult, 1)
	core.Submit(Command{Kind: CmdEnablePredicate, UUID: res.UUID, Reply: enableReply})
	require.NoError(t, (<-enableReply).Err)

	// Occurrence 1 is within the limit (ExpireAfterOccurrence=1): it must
	// still be dispatched, and the predicate must still be active.
	core.Submit(Command{Kind: CmdPropagateStacksChainEvent, ChainEvent: chaintypes.ChainEvent{
		Chain:     chaintypes.Stacks,
		Kind:      chaintypes.ChainUpdatedWithBlocks,
		NewBlocks: []chaintypes.Block{testBlock(1, "a1", "g", "0xtx1")},
	}})

	select {
	case <-sink:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the first occurrence to be dispatched")
	}

	time.Sleep(50 * time.Millisecond)
	stillEnabled := make(chan CommandResult, 1)
	core.Submit(Command{Kind: CmdEnablePredicate, UUID: res.UUID, Reply: stillEnabled})
	require.NoError(t, (<-stillEnabled).Err, "predicate must still be registered after its first, within-budget occurrence")

	// Occurrence 2 exceeds the limit: it must be dropped (no dispatch)
	// and the predicate must be deregistered instead.
	core.Submit(Command{Kind: CmdPropagateStacksChainEvent, ChainEvent: chaintypes.ChainEvent{
		Chain:     chaintypes.Stacks,
		Kind:      chaintypes.ChainUpdatedWithBlocks,
		NewBlocks: []chaintypes.Block{testBlock(2, "a2", "a1", "0xtx1")},
	}})

	select {
	case <-sink:
		t.Fatal("the occurrence that exceeds the limit must never be dispatched")
	case <-time.After(200 * time.Millisecond):
	}

	reply2 := make(chan CommandResult, 1)
	core.Submit(Command{Kind: CmdEnablePredicate, UUID: res.UUID, Reply: reply2})
	require.Error(t, (<-reply2).Err, "predicate should have been deregistered after the occurrence that exceeded its limit")
}

func TestCoreSubmitDoesNotBlockProducerDuringBacklog(t *testing.T) {
	core, _ := newTestCore(t)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			core.Submit(Command{Kind: CmdNotifyBitcoinTransactionProxied, Txid: "t"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit should not block waiting for the consumer to drain a backlog")
	}
}
