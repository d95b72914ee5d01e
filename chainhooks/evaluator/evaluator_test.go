package evaluator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stacks-network/chainhook/chainhooks"
	"github.com/stacks-network/chainhook/chaintypes"
)

func contractCallBlock(index uint64, contractID, method string) chaintypes.Block {
	return chaintypes.Block{
		Chain: chaintypes.Stacks,
		ID:    chaintypes.BlockIdentifier{Index: index, Hash: "0xb"},
		Transactions: []chaintypes.Transaction{
			{
				Txid: "0xtx1",
				ContractCall: &chaintypes.ContractCallTx{
					ContractID: contractID,
					Method:     method,
				},
			},
		},
	}
}

func TestEvaluateContractCallMatch(t *testing.T) {
	inst := &chainhooks.Instance{
		UUID:    "u1",
		Network: chainhooks.NetworkMainnet,
		Predicate: chainhooks.ContractCallPredicate{
			ContractID: "SP000.pox",
			Method:     "stack-stx",
		},
	}

	event := chaintypes.ChainEvent{
		Kind:      chaintypes.ChainUpdatedWithBlocks,
		NewBlocks: []chaintypes.Block{contractCallBlock(100, "SP000.pox", "stack-stx")},
	}

	matches := Evaluate(event, chainhooks.NetworkMainnet, []*chainhooks.Instance{inst})
	require.Len(t, matches, 1)
	require.Len(t, matches[0].Apply, 1)
	require.Len(t, matches[0].Apply[0].Transactions, 1)
}

func TestEvaluateNetworkMismatchSkipped(t *testing.T) {
	inst := &chainhooks.Instance{
		UUID:      "u1",
		Network:   chainhooks.NetworkTestnet,
		Predicate: chainhooks.ContractCallPredicate{ContractID: "SP000.pox", Method: "stack-stx"},
	}
	event := chaintypes.ChainEvent{
		Kind:      chaintypes.ChainUpdatedWithBlocks,
		NewBlocks: []chaintypes.Block{contractCallBlock(100, "SP000.pox", "stack-stx")},
	}

	matches := Evaluate(event, chainhooks.NetworkMainnet, []*chainhooks.Instance{inst})
	require.Empty(t, matches)
}

func TestEvaluateStartEndBlockRange(t *testing.T) {
	start := uint64(200)
	inst := &chainhooks.Instance{
		UUID:       "u1",
		Network:    chainhooks.NetworkMainnet,
		StartBlock: &start,
		Predicate:  chainhooks.ContractCallPredicate{ContractID: "SP000.pox", Method: "stack-stx"},
	}
	event := chaintypes.ChainEvent{
		Kind:      chaintypes.ChainUpdatedWithBlocks,
		NewBlocks: []chaintypes.Block{contractCallBlock(100, "SP000.pox", "stack-stx")},
	}

	matches := Evaluate(event, chainhooks.NetworkMainnet, []*chainhooks.Instance{inst})
	require.Empty(t, matches)
}

func TestEvaluateTxidExactMatch(t *testing.T) {
	inst := &chainhooks.Instance{
		UUID:      "u1",
		Network:   chainhooks.NetworkMainnet,
		Predicate: chainhooks.TxidPredicate{Equals: "0xtx1"},
	}
	event := chaintypes.ChainEvent{
		Kind:      chaintypes.ChainUpdatedWithBlocks,
		NewBlocks: []chaintypes.Block{contractCallBlock(50, "SP000.pox", "stack-stx")},
	}

	matches := Evaluate(event, chainhooks.NetworkMainnet, []*chainhooks.Instance{inst})
	require.Len(t, matches, 1)
}

func TestEvaluatePrintEventContains(t *testing.T) {
	inst := &chainhooks.Instance{
		UUID:    "u1",
		Network: chainhooks.NetworkMainnet,
		Predicate: chainhooks.PrintEventPredicate{
			ContractID: "SP000.pox",
			Contains:   strPtr("stack-stx"),
		},
	}
	block := chaintypes.Block{
		ID: chaintypes.BlockIdentifier{Index: 1, Hash: "0xb"},
		Transactions: []chaintypes.Transaction{
			{
				Txid: "0xtx2",
				Events: []chaintypes.Event{
					{Kind: chaintypes.EventSmartContract, Topic: "print", ContractID: "SP000.pox", Value: "called stack-stx with amount 10"},
				},
			},
		},
	}
	event := chaintypes.ChainEvent{Kind: chaintypes.ChainUpdatedWithBlocks, NewBlocks: []chaintypes.Block{block}}

	matches := Evaluate(event, chainhooks.NetworkMainnet, []*chainhooks.Instance{inst})
	require.Len(t, matches, 1)
}

func TestEvaluateStxEventActionFilter(t *testing.T) {
	inst := &chainhooks.Instance{
		UUID:      "u1",
		Network:   chainhooks.NetworkMainnet,
		Predicate: chainhooks.StxEventPredicate{Actions: []string{"transfer"}},
	}
	block := chaintypes.Block{
		ID: chaintypes.BlockIdentifier{Index: 1, Hash: "0xb"},
		Transactions: []chaintypes.Transaction{
			{Txid: "0xtx3", Events: []chaintypes.Event{{Kind: chaintypes.EventSTXBurn, Action: chaintypes.ActionBurn}}},
			{Txid: "0xtx4", Events: []chaintypes.Event{{Kind: chaintypes.EventSTXTransfer, Action: chaintypes.ActionTransfer}}},
		},
	}
	event := chaintypes.ChainEvent{Kind: chaintypes.ChainUpdatedWithBlocks, NewBlocks: []chaintypes.Block{block}}

	matches := Evaluate(event, chainhooks.NetworkMainnet, []*chainhooks.Instance{inst})
	require.Len(t, matches, 1)
	require.Len(t, matches[0].Apply[0].Transactions, 1)
	require.Equal(t, "0xtx4", matches[0].Apply[0].Transactions[0].Txid)
}

func TestEvaluateReorgProducesRollbackAndApply(t *testing.T) {
	inst := &chainhooks.Instance{
		UUID:      "u1",
		Network:   chainhooks.NetworkMainnet,
		Predicate: chainhooks.TxidPredicate{Equals: "0xtx1"},
	}
	event := chaintypes.ChainEvent{
		Kind:             chaintypes.ChainUpdatedWithReorg,
		BlocksToApply:    []chaintypes.Block{contractCallBlock(100, "SP000.pox", "stack-stx")},
		BlocksToRollback: []chaintypes.Block{contractCallBlock(99, "SP000.pox", "stack-stx")},
	}

	matches := Evaluate(event, chainhooks.NetworkMainnet, []*chainhooks.Instance{inst})
	require.Len(t, matches, 1)
	require.Len(t, matches[0].Apply, 1)
	require.Len(t, matches[0].Rollback, 1)
}

func strPtr(s string) *string { return &s }
