package stacks

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stacks-network/chainhook/chaintypes"
)

const sampleBlock = `{
  "block_identifier": {"index": 100, "hash": "0xblock100"},
  "parent_block_identifier": {"index": 99, "hash": "0xblock99"},
  "timestamp": 1700000000,
  "metadata": {
    "burn_block_hash": "0xburn",
    "burn_block_height": 666060,
    "burn_block_time": 1699999990,
    "miner_txid": "0xminer",
    "stacks_block_hash": "0xblock100"
  },
  "transactions": [
    {
      "txid": "0xtx1",
      "type": "contract_call",
      "raw_tx": "0xdeadbeef",
      "status": "success",
      "sender_address": "SP000",
      "fee_rate": 180,
      "nonce": 3,
      "position": 0,
      "contract_call": {
        "contract_id": "SP000.pox",
        "function_name": "stack-stx",
        "function_args": ["u1000"]
      },
      "events": [
        {"type": "stx_transfer_event", "position": 0, "sender": "SP000", "recipient": "SP001", "amount": "1000"}
      ]
    },
    {
      "txid": "0xtx2",
      "type": "token_transfer",
      "raw_tx": "0xzz",
      "status": "abort_by_response",
      "sender_address": "SP002",
      "position": 1,
      "events": []
    }
  ]
}`

func TestDecodeBlockBasicShape(t *testing.T) {
	block, err := DecodeBlock([]byte(sampleBlock))
	require.NoError(t, err)

	require.Equal(t, chaintypes.Stacks, block.Chain)
	require.Equal(t, uint64(100), block.ID.Index)
	require.Equal(t, uint64(99), block.ParentID.Index)
	require.Equal(t, int64(1700000000), block.Timestamp)

	require.Len(t, block.Transactions, 1, "the undecodable abort_by_response tx must be skipped")
	tx := block.Transactions[0]
	require.Equal(t, chaintypes.KindContractCall, tx.Kind)
	require.Equal(t, "SP000.pox", tx.ContractCall.ContractID)
	require.Equal(t, "stack-stx", tx.ContractCall.Method)
	require.Len(t, tx.Events, 1)
	require.Equal(t, chaintypes.EventSTXTransfer, tx.Events[0].Kind)
	require.Equal(t, chaintypes.ActionTransfer, tx.Events[0].Action)
}

func TestDecodeBlockPoxCycleAnnotation(t *testing.T) {
	block, err := DecodeBlock([]byte(sampleBlock))
	require.NoError(t, err)
	require.Equal(t, uint64(poxCycleLengthBlocks), block.Metadata.PoxCycleLength)
}

func TestDecodeBlockSyntheticBitcoinOrigin(t *testing.T) {
	raw := `{
	  "block_identifier": {"index": 5, "hash": "0xb5"},
	  "parent_block_identifier": {"index": 4, "hash": "0xb4"},
	  "timestamp": 1,
	  "metadata": {},
	  "transactions": [
	    {
	      "txid": "0xtxsynthetic",
	      "type": "coinbase",
	      "raw_tx": "0x00",
	      "status": "success",
	      "position": 0,
	      "events": [{"type": "stx_lock_event", "position": 0}]
	    }
	  ]
	}`
	block, err := DecodeBlock([]byte(raw))
	require.NoError(t, err)
	require.Len(t, block.Transactions, 1)
	require.Equal(t, chaintypes.KindBitcoinOp, block.Transactions[0].Kind)
	require.Equal(t, chaintypes.OpStackSTX, block.Transactions[0].BitcoinOp.Op)
}

func TestDecodeBlockMalformedPayload(t *testing.T) {
	_, err := DecodeBlock([]byte(`not json`))
	require.Error(t, err)
}
