// Package bitcoin implements the Bitcoin half of the Block Normalizer
// (C3): pure JSON decoders for a Bitcoin indexer's block payload, in the
// same style as indexer/stacks -- no I/O, no shared state, one Block out
// per call.
package bitcoin

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/stacks-network/chainhook/chaintypes"
)

type wireBlock struct {
	BlockIdentifier       wireBlockIdentifier `json:"block_identifier"`
	ParentBlockIdentifier wireBlockIdentifier `json:"parent_block_identifier"`
	Timestamp             int64               `json:"timestamp"`
	Transactions          []wireTransaction   `json:"transactions"`
}

type wireBlockIdentifier struct {
	Index uint64 `json:"index"`
	Hash  string `json:"hash"`
}

type wireTransaction struct {
	Txid     string        `json:"txid"`
	Position int           `json:"position"`
	Inputs   []wireInput   `json:"inputs"`
	Outputs  []wireOutput  `json:"outputs"`
}

type wireInput struct {
	Txid string `json:"txid"`
	Vout uint32 `json:"vout"`
}

type wireOutput struct {
	Value         uint64 `json:"value"`
	ScriptPubKey  string `json:"script_pubkey"`
	Address       string `json:"address,omitempty"`
	ScriptType    string `json:"script_type,omitempty"`
}

// DecodeBlock parses one Bitcoin block payload into a canonical Block.
// Every transaction is retained (Bitcoin has no "abort_by_response"
// concept); outputs are classified into the script-template buckets the
// predicate evaluator matches against.
func DecodeBlock(raw []byte) (chaintypes.Block, error) {
	var wb wireBlock
	if err := json.Unmarshal(raw, &wb); err != nil {
		return chaintypes.Block{}, errors.Wrap(chaintypes.ErrMalformedPayload, err.Error())
	}

	block := chaintypes.Block{
		Chain: chaintypes.Bitcoin,
		ID: chaintypes.BlockIdentifier{
			Index: wb.BlockIdentifier.Index,
			Hash:  wb.BlockIdentifier.Hash,
		},
		ParentID: chaintypes.BlockIdentifier{
			Index: wb.ParentBlockIdentifier.Index,
			Hash:  wb.ParentBlockIdentifier.Hash,
		},
		Timestamp: wb.Timestamp,
	}

	for _, wt := range wb.Transactions {
		block.Transactions = append(block.Transactions, decodeTransaction(wt))
	}

	if err := block.ValidateParent(); err != nil {
		return chaintypes.Block{}, err
	}
	return block, nil
}

func decodeTransaction(wt wireTransaction) chaintypes.Transaction {
	tx := chaintypes.Transaction{
		Txid:      wt.Txid,
		Position:  wt.Position,
		Success:   true,
		KindLabel: "bitcoin_transaction",
		Kind:      chaintypes.KindNativeTokenTransfer,
	}

	for _, wi := range wt.Inputs {
		tx.BitcoinInputs = append(tx.BitcoinInputs, chaintypes.BitcoinInput{Txid: wi.Txid, Vout: wi.Vout})
	}
	for _, wo := range wt.Outputs {
		tx.BitcoinOutputs = append(tx.BitcoinOutputs, decodeOutput(wo))
	}
	return tx
}

// decodeOutput classifies an output's script template from the decoder's
// own script_type hint when present, falling back to the raw script
// prefix (the same heuristics a Bitcoin full node exposes via
// scriptPubKey.type: OP_DUP OP_HASH160 for P2PKH, OP_HASH160 for P2SH, the
// 0x0014 witness-version-0 program for P2WPKH).
func decodeOutput(wo wireOutput) chaintypes.BitcoinOutput {
	out := chaintypes.BitcoinOutput{Value: wo.Value}
	switch wo.ScriptType {
	case "p2pkh":
		out.P2PKH = wo.Address
	case "p2sh":
		out.P2SH = wo.Address
	case "p2wpkh":
		out.P2WPKH = wo.Address
	default:
		classifyByScript(wo.ScriptPubKey, &out, wo.Address)
	}
	return out
}

func classifyByScript(script string, out *chaintypes.BitcoinOutput, address string) {
	switch {
	case len(script) >= 50 && script[:6] == "76a914" && script[len(script)-4:] == "88ac":
		out.P2PKH = address
	case len(script) >= 46 && script[:4] == "a914" && script[len(script)-2:] == "87":
		out.P2SH = address
	case len(script) == 44 && script[:4] == "0014":
		out.P2WPKH = address
	}
}
