// Package stacks implements the Stacks half of the Block Normalizer (C3):
// pure JSON decoders turning a Stacks node's /new_block (and
// /new_microblocks) payload into chaintypes.Block / chaintypes.Microblock
// values. No I/O, no shared state -- grounded on the one-type-per-variant
// decoding style of blockchain/types/tx_internal_data_*.go, generalized
// into a single TxKind-tagged Transaction instead of one Go type per
// transaction kind.
package stacks

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/stacks-network/chainhook/chaintypes"
)

// poxCycleLengthBlocks is the mainnet PoX reward cycle length in Bitcoin
// blocks; DecodeBlock uses it to annotate BlockMetadata's PoxCycle* fields
// from burn_block_height (§3 "PoX cycle annotation" supplement).
const poxCycleLengthBlocks = 2100

// poxFirstCycleStartBurnHeight is the mainnet burn height of reward cycle 0.
const poxFirstCycleStartBurnHeight = 666050

type wireBlock struct {
	BlockIdentifier       wireBlockIdentifier `json:"block_identifier"`
	ParentBlockIdentifier wireBlockIdentifier `json:"parent_block_identifier"`
	Timestamp             int64               `json:"timestamp"`
	Transactions          []wireTransaction   `json:"transactions"`
	Metadata              wireBlockMetadata   `json:"metadata"`
}

type wireBlockIdentifier struct {
	Index uint64 `json:"index"`
	Hash  string `json:"hash"`
}

type wireBlockMetadata struct {
	BurnBlockHash   string `json:"burn_block_hash"`
	BurnBlockHeight uint64 `json:"burn_block_height"`
	BurnBlockTime   int64  `json:"burn_block_time"`
	MinerTxid       string `json:"miner_txid"`
	StacksBlockHash string `json:"stacks_block_hash"`
}

type wireTransaction struct {
	Txid            string          `json:"txid"`
	Type            string          `json:"type"`
	RawTx           string          `json:"raw_tx"`
	Status          string          `json:"status"`
	SenderAddress   string          `json:"sender_address"`
	SponsorAddress  *string         `json:"sponsor_address,omitempty"`
	FeeRate         uint64          `json:"fee_rate"`
	Nonce           uint64          `json:"nonce"`
	Position        int             `json:"position"`
	Events          []wireEvent     `json:"events"`
	RawResult       json.RawMessage `json:"raw_result,omitempty"`
	Description     string          `json:"description,omitempty"`
	ContractCall    *wireContractCall       `json:"contract_call,omitempty"`
	SmartContract   *wireSmartContract      `json:"smart_contract,omitempty"`
	ContractABI     json.RawMessage `json:"contract_abi,omitempty"`
}

type wireContractCall struct {
	ContractID   string   `json:"contract_id"`
	FunctionName string   `json:"function_name"`
	FunctionArgs []string `json:"function_args"`
}

type wireSmartContract struct {
	ContractID string `json:"contract_id"`
	CodeBody   string `json:"code_body"`
}

type wireEvent struct {
	Type            string `json:"type"`
	Position        int    `json:"position"`
	AssetIdentifier string `json:"asset_identifier,omitempty"`
	Sender          string `json:"sender,omitempty"`
	Recipient       string `json:"recipient,omitempty"`
	Amount          string `json:"amount,omitempty"`
	TokenID         string `json:"token_id,omitempty"`
	ContractID      string `json:"contract_identifier,omitempty"`
	Topic           string `json:"topic,omitempty"`
	HexValue        string `json:"hex_value,omitempty"`
	VarName         string `json:"var_name,omitempty"`
	MapName         string `json:"map_name,omitempty"`
	Key             string `json:"map_key,omitempty"`
	Value           string `json:"value,omitempty"`
}

// DecodeBlock parses one /new_block payload into a canonical Block. A
// transaction whose status is "abort_by_response" and that fails to decode
// is skipped; any other decode error fails the whole block. Aborted
// transactions that decode cleanly are kept like any other.
func DecodeBlock(raw []byte) (chaintypes.Block, error) {
	var wb wireBlock
	if err := json.Unmarshal(raw, &wb); err != nil {
		return chaintypes.Block{}, errors.Wrap(chaintypes.ErrMalformedPayload, err.Error())
	}

	block := chaintypes.Block{
		Chain: chaintypes.Stacks,
		ID: chaintypes.BlockIdentifier{
			Index: wb.BlockIdentifier.Index,
			Hash:  wb.BlockIdentifier.Hash,
		},
		ParentID: chaintypes.BlockIdentifier{
			Index: wb.ParentBlockIdentifier.Index,
			Hash:  wb.ParentBlockIdentifier.Hash,
		},
		Timestamp: wb.Timestamp,
		Metadata:  decodeMetadata(wb.Metadata),
	}

	for _, wt := range wb.Transactions {
		tx, err := decodeTransaction(wt)
		if err != nil {
			if wt.Status == "abort_by_response" {
				continue
			}
			return chaintypes.Block{}, err
		}
		block.Transactions = append(block.Transactions, tx)
	}

	if err := block.ValidateParent(); err != nil {
		return chaintypes.Block{}, err
	}
	return block, nil
}

// DecodeMicroblocks parses a /new_microblocks payload: a set of
// microblocks anchored to the same parent Stacks block, each carrying its
// own transaction batch and sequence number.
func DecodeMicroblocks(raw []byte) ([]chaintypes.Microblock, error) {
	var payload struct {
		ParentBlockIdentifier wireBlockIdentifier `json:"parent_index_block_hash"`
		Microblocks           []struct {
			Sequence     uint16            `json:"sequence"`
			Hash         string            `json:"microblock_hash"`
			Transactions []wireTransaction `json:"transactions"`
		} `json:"microblocks"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errors.Wrap(chaintypes.ErrMalformedPayload, err.Error())
	}

	out := make([]chaintypes.Microblock, 0, len(payload.Microblocks))
	for _, wmb := range payload.Microblocks {
		mb := chaintypes.Microblock{
			Block: chaintypes.Block{
				Chain: chaintypes.Stacks,
				ID:    chaintypes.BlockIdentifier{Hash: wmb.Hash},
			},
			AnchorBlockID: chaintypes.BlockIdentifier{
				Index: payload.ParentBlockIdentifier.Index,
				Hash:  payload.ParentBlockIdentifier.Hash,
			},
			Sequence: wmb.Sequence,
		}
		for _, wt := range wmb.Transactions {
			if wt.Status == "abort_by_response" || wt.Status == "abort_by_post_condition" {
				continue
			}
			tx, err := decodeTransaction(wt)
			if err != nil {
				return nil, err
			}
			mb.Transactions = append(mb.Transactions, tx)
		}
		out = append(out, mb)
	}
	return out, nil
}

func decodeMetadata(wm wireBlockMetadata) chaintypes.BlockMetadata {
	meta := chaintypes.BlockMetadata{
		BurnBlockHash:   wm.BurnBlockHash,
		BurnBlockHeight: wm.BurnBlockHeight,
		BurnBlockTime:   wm.BurnBlockTime,
		MinerTxid:       wm.MinerTxid,
		StacksBlockHash: wm.StacksBlockHash,
	}
	if wm.BurnBlockHeight >= poxFirstCycleStartBurnHeight {
		offset := wm.BurnBlockHeight - poxFirstCycleStartBurnHeight
		meta.PoxCycleIndex = offset / poxCycleLengthBlocks
		meta.PoxCyclePosition = offset % poxCycleLengthBlocks
		meta.PoxCycleLength = poxCycleLengthBlocks
	}
	return meta
}

func decodeTransaction(wt wireTransaction) (chaintypes.Transaction, error) {
	raw, err := decodeRawTx(wt.RawTx)
	if err != nil {
		return chaintypes.Transaction{}, err
	}

	tx := chaintypes.Transaction{
		Txid:        wt.Txid,
		KindLabel:   wt.Type,
		Success:     wt.Status == "success",
		Sender:      wt.SenderAddress,
		Sponsor:     wt.SponsorAddress,
		Fee:         wt.FeeRate,
		Nonce:       wt.Nonce,
		Position:    wt.Position,
		Receipt:     wt.RawResult,
		Raw:         raw,
		Description: wt.Description,
		ABI:         wt.ContractABI,
	}

	if chaintypes.IsSyntheticBitcoinOrigin(raw) {
		op, err := classifyBitcoinOp(wt.Events)
		if err != nil {
			return chaintypes.Transaction{}, err
		}
		tx.Kind = chaintypes.KindBitcoinOp
		tx.BitcoinOp = &chaintypes.BitcoinOpTx{Op: op}
	} else {
		switch wt.Type {
		case "token_transfer":
			tx.Kind = chaintypes.KindNativeTokenTransfer
		case "contract_call":
			tx.Kind = chaintypes.KindContractCall
			if wt.ContractCall != nil {
				tx.ContractCall = &chaintypes.ContractCallTx{
					ContractID: wt.ContractCall.ContractID,
					Method:     wt.ContractCall.FunctionName,
					Args:       wt.ContractCall.FunctionArgs,
				}
			}
		case "smart_contract":
			tx.Kind = chaintypes.KindContractDeployment
			if wt.SmartContract != nil {
				tx.ContractDeployment = &chaintypes.ContractDeploymentTx{
					ContractID: wt.SmartContract.ContractID,
					Code:       wt.SmartContract.CodeBody,
				}
			}
		case "coinbase":
			tx.Kind = chaintypes.KindCoinbase
		default:
			tx.Kind = chaintypes.KindUnsupported
		}
	}

	tx.Events = make([]chaintypes.Event, 0, len(wt.Events))
	for _, we := range wt.Events {
		tx.Events = append(tx.Events, decodeEvent(we))
	}
	return tx, nil
}

func decodeRawTx(hexStr string) ([]byte, error) {
	hexStr = strings.TrimPrefix(hexStr, "0x")
	if hexStr == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, errors.Wrap(chaintypes.ErrMalformedPayload, "decode raw_tx hex: "+err.Error())
	}
	return raw, nil
}

// classifyBitcoinOp reads the synthetic transaction's events to recover
// which Stacks-on-Bitcoin operation it represents, since the raw payload
// itself carries no information beyond the single sentinel byte.
func classifyBitcoinOp(events []wireEvent) (chaintypes.BitcoinOpKind, error) {
	for _, e := range events {
		switch e.Type {
		case "stx_lock_event":
			return chaintypes.OpStackSTX, nil
		case "stx_transfer_event":
			return chaintypes.OpTransferSTX, nil
		}
	}
	if len(events) == 0 {
		return "", chaintypes.ErrEmptySyntheticTx
	}
	return chaintypes.OpPreSTX, nil
}

func decodeEvent(we wireEvent) chaintypes.Event {
	ev := chaintypes.Event{
		Index:           we.Position,
		AssetIdentifier: we.AssetIdentifier,
		Sender:          we.Sender,
		Recipient:       we.Recipient,
		Amount:          we.Amount,
		TokenID:         we.TokenID,
		ContractID:      we.ContractID,
		Topic:           we.Topic,
		HexValue:        we.HexValue,
		VarName:         we.VarName,
		MapName:         we.MapName,
		Key:             we.Key,
		Value:           we.Value,
	}

	switch we.Type {
	case "stx_transfer_event":
		ev.Kind, ev.Action = chaintypes.EventSTXTransfer, chaintypes.ActionTransfer
	case "stx_mint_event":
		ev.Kind, ev.Action = chaintypes.EventSTXMint, chaintypes.ActionMint
	case "stx_burn_event":
		ev.Kind, ev.Action = chaintypes.EventSTXBurn, chaintypes.ActionBurn
	case "stx_lock_event":
		ev.Kind, ev.Action = chaintypes.EventSTXLock, chaintypes.ActionLock
	case "ft_transfer_event":
		ev.Kind, ev.Action = chaintypes.EventFTTransfer, chaintypes.ActionTransfer
	case "ft_mint_event":
		ev.Kind, ev.Action = chaintypes.EventFTMint, chaintypes.ActionMint
	case "ft_burn_event":
		ev.Kind, ev.Action = chaintypes.EventFTBurn, chaintypes.ActionBurn
	case "nft_transfer_event":
		ev.Kind, ev.Action = chaintypes.EventNFTTransfer, chaintypes.ActionTransfer
	case "nft_mint_event":
		ev.Kind, ev.Action = chaintypes.EventNFTMint, chaintypes.ActionMint
	case "nft_burn_event":
		ev.Kind, ev.Action = chaintypes.EventNFTBurn, chaintypes.ActionBurn
	case "smart_contract_log_event":
		ev.Kind = chaintypes.EventSmartContract
	case "data_var_set_event":
		ev.Kind = chaintypes.EventDataVarSet
	case "data_map_insert_event":
		ev.Kind = chaintypes.EventDataMapInsert
	case "data_map_update_event":
		ev.Kind = chaintypes.EventDataMapUpdate
	case "data_map_delete_event":
		ev.Kind = chaintypes.EventDataMapDelete
	}
	return ev
}
