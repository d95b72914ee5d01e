package chaintypes

import "encoding/json"

// TxKind is the sum type of transaction kinds this system decodes. It
// replaces the teacher's one-struct-per-transaction-kind family
// (TxInternalDataValueTransfer, TxInternalDataSmartContractExecution, ...,
// see blockchain/types/tx_internal_data_*.go) with a single tagged union:
// the evaluator dispatches on Kind via a type switch rather than a vtable
// lookup, per the "dynamic trait objects" redesign note.
type TxKind int

const (
	KindUnsupported TxKind = iota
	KindNativeTokenTransfer
	KindContractCall
	KindContractDeployment
	KindCoinbase
	KindBitcoinOp
)

func (k TxKind) String() string {
	switch k {
	case KindNativeTokenTransfer:
		return "native_token_transfer"
	case KindContractCall:
		return "contract_call"
	case KindContractDeployment:
		return "contract_deployment"
	case KindCoinbase:
		return "coinbase"
	case KindBitcoinOp:
		return "bitcoin_op"
	default:
		return "unsupported"
	}
}

// BitcoinOpKind enumerates the OP_RETURN-carried Stacks-protocol operations
// the original decoder recognizes for transactions whose raw payload is the
// single byte 0x00 (see SPEC_FULL.md §3 "Bitcoin opcode decoding detail").
type BitcoinOpKind string

const (
	OpStackSTX         BitcoinOpKind = "stack_stx"
	OpPreSTX           BitcoinOpKind = "pre_stx"
	OpTransferSTX      BitcoinOpKind = "transfer_stx"
	OpDelegateStackSTX BitcoinOpKind = "delegate_stack_stx"
)

// ContractCallTx carries the fields of a PredicateBody ContractCall match.
type ContractCallTx struct {
	ContractID string          `json:"contract_identifier"`
	Method     string          `json:"method"`
	Args       []string        `json:"function_args,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

// ContractDeploymentTx carries a deployed contract's identifier and code.
type ContractDeploymentTx struct {
	ContractID string `json:"contract_identifier"`
	Code       string `json:"code,omitempty"`
}

// BitcoinOpTx is the TxKind payload for KindBitcoinOp.
type BitcoinOpTx struct {
	Op BitcoinOpKind `json:"op"`
}

// BitcoinInput references the output a Bitcoin transaction input spends.
type BitcoinInput struct {
	Txid string `json:"txid"`
	Vout uint32 `json:"vout"`
}

// BitcoinOutput is one output of a Bitcoin transaction, carrying whichever
// script-template address the Block Normalizer managed to classify it as.
type BitcoinOutput struct {
	Value  uint64 `json:"value"`
	P2PKH  string `json:"p2pkh,omitempty"`
	P2SH   string `json:"p2sh,omitempty"`
	P2WPKH string `json:"p2wpkh,omitempty"`
}

// Transaction is the canonical representation of a single on-chain
// transaction, chain-agnostic except for the Kind payload it carries.
type Transaction struct {
	Txid        string          `json:"txid"`
	Kind        TxKind          `json:"-"`
	KindLabel   string          `json:"type"`
	Success     bool            `json:"success"`
	Sender      string          `json:"sender,omitempty"`
	Sponsor     *string         `json:"sponsor,omitempty"`
	Fee         uint64          `json:"fee,omitempty"`
	Nonce       uint64          `json:"nonce,omitempty"`
	Position    int             `json:"position"`
	Events      []Event         `json:"events"`
	Receipt     json.RawMessage `json:"receipt,omitempty"`
	Raw         []byte          `json:"-"`
	Description string          `json:"description,omitempty"`

	ContractCall       *ContractCallTx       `json:"contract_call,omitempty"`
	ContractDeployment *ContractDeploymentTx `json:"contract_deployment,omitempty"`
	BitcoinOp          *BitcoinOpTx          `json:"bitcoin_op,omitempty"`

	BitcoinInputs  []BitcoinInput  `json:"inputs,omitempty"`
	BitcoinOutputs []BitcoinOutput `json:"outputs,omitempty"`

	ABI json.RawMessage `json:"contract_abi,omitempty"`
}

// IsSyntheticBitcoinOrigin reports the §4.3 rule: a transaction whose raw
// bytes are the single byte 0x00 is a synthetic Bitcoin-originated
// operation and must be classified from its events rather than decoded
// from a payload.
func IsSyntheticBitcoinOrigin(raw []byte) bool {
	return len(raw) == 1 && raw[0] == 0x00
}
