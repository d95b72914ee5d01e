package chaintypes

// EventKind is the sum type of on-chain events a transaction may emit,
// mirroring §3's tagged payload list.
type EventKind int

const (
	EventSTXTransfer EventKind = iota
	EventSTXMint
	EventSTXBurn
	EventSTXLock
	EventFTTransfer
	EventFTMint
	EventFTBurn
	EventNFTTransfer
	EventNFTMint
	EventNFTBurn
	EventDataVarSet
	EventDataMapInsert
	EventDataMapUpdate
	EventDataMapDelete
	EventSmartContract
)

// AssetAction classifies STX/FT/NFT events into mint/burn/transfer/lock,
// the action set PredicateBody{Ft,Nft,Stx}Event filters against.
type AssetAction string

const (
	ActionMint     AssetAction = "mint"
	ActionBurn     AssetAction = "burn"
	ActionTransfer AssetAction = "transfer"
	ActionLock     AssetAction = "lock"
)

// Event is a single tagged event payload attached to a transaction, indexed
// by its position within that transaction's event list (§4.3: "preserve
// event indices").
type Event struct {
	Index int       `json:"position"`
	Kind  EventKind `json:"-"`

	// STX/FT/NFT transfer-family fields.
	Action          AssetAction `json:"event_type,omitempty"`
	AssetIdentifier string      `json:"asset_identifier,omitempty"`
	Sender          string      `json:"sender,omitempty"`
	Recipient       string      `json:"recipient,omitempty"`
	Amount          string      `json:"amount,omitempty"`
	TokenID         string      `json:"token_id,omitempty"`

	// SmartContractEvent fields.
	ContractID string `json:"contract_identifier,omitempty"`
	Topic      string `json:"topic,omitempty"`
	HexValue   string `json:"hex_value,omitempty"`

	// DataVar/DataMap fields.
	VarName string `json:"var_name,omitempty"`
	MapName string `json:"map_name,omitempty"`
	Key     string `json:"map_key,omitempty"`
	Value   string `json:"value,omitempty"`
}

// IsAssetEvent reports whether the event is one of the STX/FT/NFT event
// families (as opposed to a DataVar/DataMap/print event).
func (e Event) IsAssetEvent() bool {
	switch e.Kind {
	case EventSTXTransfer, EventSTXMint, EventSTXBurn, EventSTXLock,
		EventFTTransfer, EventFTMint, EventFTBurn,
		EventNFTTransfer, EventNFTMint, EventNFTBurn:
		return true
	default:
		return false
	}
}

// IsPrintEvent reports whether this is a SmartContractEvent with the
// "print" topic, the only SmartContractEvent variant PrintEvent predicates
// may match against (§4.6).
func (e Event) IsPrintEvent() bool {
	return e.Kind == EventSmartContract && e.Topic == "print"
}
