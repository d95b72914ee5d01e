// Copyright 2020 The chainhook Authors
// This file is part of the chainhook library.
//
// The chainhook library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package chainhooks holds the predicate instance types: the stored rules
// evaluated against every chain event, and the action they trigger on match.
package chainhooks

import "github.com/stacks-network/chainhook/chaintypes"

// Network selects which deployment of a chain a predicate targets.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
	NetworkDevnet  Network = "devnet"
	NetworkRegtest Network = "regtest"
)

// Instance is a registered predicate, the unit the Observer Core's registry
// (C5) owns. One Go struct serves both Stacks and Bitcoin predicates; the
// Predicate field's concrete PredicateBody implementation picks the chain.
type Instance struct {
	UUID    string  `json:"uuid"`
	Owner   *string `json:"owner_uuid,omitempty"`
	Name    string  `json:"name"`
	Version uint32  `json:"version"`
	Network Network `json:"network"`
	Chain   chaintypes.Chain `json:"-"`

	StartBlock            *uint64 `json:"start_block,omitempty"`
	EndBlock              *uint64 `json:"end_block,omitempty"`
	Blocks                []uint64 `json:"blocks,omitempty"`
	ExpireAfterOccurrence *uint64 `json:"expire_after_occurrence,omitempty"`
	CaptureAllEvents      bool    `json:"capture_all_events,omitempty"`
	DecodeClarityValues   bool    `json:"decode_clarity_values,omitempty"`
	IncludeContractABI    bool    `json:"include_contract_abi,omitempty"`

	Predicate PredicateBody `json:"if_this"`
	Action    Action        `json:"then_that"`

	Enabled   bool    `json:"enabled"`
	ExpiredAt *uint64 `json:"expired_at,omitempty"`
}

// IsActive reports whether this predicate is eligible for evaluation: the
// registry's iterators filter on exactly this condition (§4.5).
func (i *Instance) IsActive() bool {
	return i.Enabled && i.ExpiredAt == nil
}

// TargetsEndBlock reports whether block b is past this predicate's
// end_block, the §4.6 rule-1 expiry check.
func (i *Instance) TargetsEndBlock(index uint64) bool {
	return i.EndBlock != nil && index > *i.EndBlock
}

// PredicateBody is implemented by every Stacks/Bitcoin predicate-body
// variant named in §3. A type switch in the evaluator (C6) replaces a
// vtable dispatch, per the "dynamic trait objects" redesign note.
type PredicateBody interface {
	isPredicateBody()
}

// --- Stacks predicate bodies --------------------------------------------

// BlockHeightRule selects blocks by height, per a BlockIdentifierIndexRule.
type BlockHeightRule struct {
	Equals     *uint64 `json:"equals,omitempty"`
	HigherThan *uint64 `json:"higher_than,omitempty"`
	LowerThan  *uint64 `json:"lower_than,omitempty"`
	Between    *[2]uint64 `json:"between,omitempty"`
}

func (BlockHeightRule) isPredicateBody() {}

// ContractDeploymentPredicate matches contract-deployment transactions.
type ContractDeploymentPredicate struct {
	Deployer        *string `json:"deployer,omitempty"`
	ImplementTrait  *string `json:"implement_trait,omitempty"`
}

func (ContractDeploymentPredicate) isPredicateBody() {}

// ContractCallPredicate matches a specific contract+method call.
type ContractCallPredicate struct {
	ContractID string `json:"contract_identifier"`
	Method     string `json:"method"`
}

func (ContractCallPredicate) isPredicateBody() {}

// PrintEventPredicate matches print events by contract and a contains/regex
// rule over the stringified decoded Clarity value.
type PrintEventPredicate struct {
	ContractID    string  `json:"contract_identifier"`
	Contains      *string `json:"contains,omitempty"`
	MatchesRegex  *string `json:"matches_regex,omitempty"`
}

func (PrintEventPredicate) isPredicateBody() {}

// FtEventPredicate matches fungible-token mint/burn/transfer events.
type FtEventPredicate struct {
	AssetIdentifier string   `json:"asset_identifier"`
	Actions         []string `json:"actions"`
}

func (FtEventPredicate) isPredicateBody() {}

// NftEventPredicate matches non-fungible-token mint/burn/transfer events.
type NftEventPredicate struct {
	AssetIdentifier string   `json:"asset_identifier"`
	Actions         []string `json:"actions"`
}

func (NftEventPredicate) isPredicateBody() {}

// StxEventPredicate matches STX mint/burn/transfer/lock events.
type StxEventPredicate struct {
	Actions []string `json:"actions"`
}

func (StxEventPredicate) isPredicateBody() {}

// TxidPredicate matches an exact transaction id.
type TxidPredicate struct {
	Equals string `json:"equals"`
}

func (TxidPredicate) isPredicateBody() {}

// --- Bitcoin predicate bodies --------------------------------------------

// BitcoinOutputPredicate matches transaction outputs paying a given script.
type BitcoinOutputPredicate struct {
	P2PKH *string `json:"p2pkh,omitempty"`
	P2SH  *string `json:"p2sh,omitempty"`
	P2WPKH *string `json:"p2wpkh,omitempty"`
}

func (BitcoinOutputPredicate) isPredicateBody() {}

// BitcoinInputPredicate matches transaction inputs spending a given txid/vout.
type BitcoinInputPredicate struct {
	Txid string `json:"txid"`
	Vout uint32 `json:"vout"`
}

func (BitcoinInputPredicate) isPredicateBody() {}

// BitcoinStacksOpPredicate matches synthetic Stacks operations carried in a
// Bitcoin OP_RETURN output (§4.3 "synthetic Bitcoin-originated operations").
type BitcoinStacksOpPredicate struct {
	Op chaintypes.BitcoinOpKind `json:"op"`
}

func (BitcoinStacksOpPredicate) isPredicateBody() {}

// OrdinalsPredicate names ordinal inscription reveal/transfer operations,
// which only the sidecar mutator annotates (§4.8, §9). It is decoded from
// spec files, but the evaluator never matches it: no transaction field
// carries inscription data.
type OrdinalsPredicate struct {
	InscriptionRevealed bool `json:"inscription_revealed,omitempty"`
}

func (OrdinalsPredicate) isPredicateBody() {}
