// Copyright 2020 The chainhook Authors
// This file is part of the chainhook library.
//
// The chainhook library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package chaintypes is the canonical, chain-agnostic data model shared by
// the indexer, the predicate evaluator and the action dispatcher: one
// concrete set of types for Stacks and Bitcoin blocks, instead of trait
// objects over an "abstract block" (see DESIGN.md).
package chaintypes

import "fmt"

// Chain tags which of the two interleaved chains a value belongs to.
type Chain int

const (
	Stacks Chain = iota
	Bitcoin
)

func (c Chain) String() string {
	if c == Bitcoin {
		return "bitcoin"
	}
	return "stacks"
}

// BlockIdentifier uniquely names a block within a chain. Equality considers
// both fields; ordering uses Index with Hash as a tiebreak so two blocks at
// the same height (competing branches) still sort deterministically.
type BlockIdentifier struct {
	Index uint64 `json:"index"`
	Hash  string `json:"hash"`
}

func (b BlockIdentifier) Equals(o BlockIdentifier) bool {
	return b.Index == o.Index && b.Hash == o.Hash
}

// Less orders by Index, then Hash.
func (b BlockIdentifier) Less(o BlockIdentifier) bool {
	if b.Index != o.Index {
		return b.Index < o.Index
	}
	return b.Hash < o.Hash
}

func (b BlockIdentifier) String() string {
	return fmt.Sprintf("%d:%s", b.Index, b.Hash)
}

// IsGenesis reports whether this identifier names the chain's genesis block.
func (b BlockIdentifier) IsGenesis() bool {
	return b.Index == 0
}

// Block is the canonical, normalized representation produced by the Block
// Normalizer (C3) from raw node payloads, and consumed everywhere else.
type Block struct {
	Chain        Chain           `json:"-"`
	ID           BlockIdentifier `json:"block_identifier"`
	ParentID     BlockIdentifier `json:"parent_block_identifier"`
	Timestamp    int64           `json:"timestamp"`
	Transactions []Transaction   `json:"transactions"`
	Metadata     BlockMetadata   `json:"metadata"`
}

// BlockMetadata carries chain-specific header fields that do not belong in
// the common envelope (PoX cycle position, bitcoin anchor height, etc).
type BlockMetadata struct {
	BurnBlockHash        string `json:"bitcoin_anchor_block_identifier_hash,omitempty"`
	BurnBlockHeight      uint64 `json:"burn_block_height,omitempty"`
	BurnBlockTime        int64  `json:"burn_block_time,omitempty"`
	MinerTxid            string `json:"miner_txid,omitempty"`
	PoxCyclePosition     uint64 `json:"pox_cycle_position,omitempty"`
	PoxCycleLength       uint64 `json:"pox_cycle_length,omitempty"`
	PoxCycleIndex        uint64 `json:"pox_cycle_index,omitempty"`
	StacksBlockHash      string `json:"stacks_block_hash,omitempty"`
	Confirmations        uint64 `json:"-"`
}

// Microblock is a Block with an additional anchor pointer identifying the
// anchored Stacks block whose streamed range it belongs to.
type Microblock struct {
	Block
	AnchorBlockID BlockIdentifier `json:"-"`
	Sequence      uint16          `json:"-"`
}

// ValidateParent checks the I-parent invariant from §3: parent_id.index =
// id.index - 1, except at genesis.
func (b Block) ValidateParent() error {
	if b.ID.IsGenesis() {
		return nil
	}
	if b.ParentID.Index != b.ID.Index-1 {
		return fmt.Errorf("chaintypes: block %s has parent %s, want index %d", b.ID, b.ParentID, b.ID.Index-1)
	}
	return nil
}
