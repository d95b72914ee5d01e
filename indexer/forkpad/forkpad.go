// Package forkpad implements the Fork Scratch Pad (C2): the bounded
// header DAG that turns a stream of newly-seen blocks into ChainEvent
// values, deciding on every insert whether the canonical chain just
// extended, reorganized, or gained a weaker competing branch that sits
// idle until it either overtakes the tip or ages out.
//
// Grounded on consensus/istanbul/backend/snapshot.go's hash-keyed,
// number-stamped state record, generalized from one authorization
// snapshot per epoch to one node per observed header, backed by an
// hashicorp/golang-lru cache instead of an unbounded map so a flood of
// orphan branches can't grow the scratch pad without bound.
package forkpad

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/stacks-network/chainhook/chaintypes"
	"github.com/stacks-network/chainhook/log"
)

var logger = log.NewModuleLogger(log.ForkPad)

// defaultCacheSize bounds how many header nodes the scratch pad holds at
// once; nodes below the confirmation depth are evicted as part of normal
// operation long before this limit matters in practice.
const defaultCacheSize = 8192

type node struct {
	block  chaintypes.Block
	weight uint64 // chain length ending at this block, genesis = 1
}

// ForkPad is the per-chain header DAG and canonical-chain tracker.
type ForkPad struct {
	chain             chaintypes.Chain
	confirmationDepth uint64

	nodes *lru.Cache // hash -> *node

	tip        chaintypes.BlockIdentifier
	tipWeight  uint64
	canonical  map[uint64]chaintypes.BlockIdentifier // index -> id on the current best chain
	confirmedUpTo uint64
	hasTip bool
}

// New returns an empty scratch pad for chain, evicting confirmed blocks
// once they are confirmationDepth blocks behind the tip.
func New(chain chaintypes.Chain, confirmationDepth uint64) (*ForkPad, error) {
	cache, err := lru.New(defaultCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "forkpad: allocate lru cache")
	}
	return &ForkPad{
		chain:             chain,
		confirmationDepth: confirmationDepth,
		nodes:             cache,
		canonical:         make(map[uint64]chaintypes.BlockIdentifier),
	}, nil
}

// ProcessHeader inserts a newly observed block and returns the ChainEvent
// it produces: ChainUpdatedWithBlocks on a plain extension,
// ChainUpdatedWithReorg when a competing branch overtakes the tip, or a
// zero-value event with ok=false for a duplicate or a weaker branch that
// doesn't move the tip.
func (f *ForkPad) ProcessHeader(b chaintypes.Block) (chaintypes.ChainEvent, bool, error) {
	if _, ok := f.nodes.Get(b.ID.Hash); ok {
		return chaintypes.ChainEvent{}, false, nil
	}

	// An empty pad treats its first block as the new root whether or not
	// its parent is known (§4.2): the genesis block has no parent at
	// all, and a block handed off mid-chain from a historical scan has a
	// parent this pad has simply never observed. Looking up the parent
	// in an empty node map would otherwise always fail.
	if !f.hasTip {
		f.nodes.Add(b.ID.Hash, &node{block: b, weight: 1})
		f.hasTip = true
		f.tip = b.ID
		f.tipWeight = 1
		f.canonical[b.ID.Index] = b.ID
		event := f.withConfirmations(chaintypes.ChainEvent{
			Chain:     f.chain,
			Kind:      chaintypes.ChainUpdatedWithBlocks,
			NewBlocks: []chaintypes.Block{b},
		})
		return event, true, nil
	}

	weight := uint64(1)
	if !b.ID.IsGenesis() {
		parent, ok := f.nodes.Get(b.ParentID.Hash)
		if !ok {
			return chaintypes.ChainEvent{}, false, errors.Wrapf(chaintypes.ErrUnknownParent, "block %s parent %s", b.ID, b.ParentID)
		}
		weight = parent.(*node).weight + 1
	}
	f.nodes.Add(b.ID.Hash, &node{block: b, weight: weight})

	if !f.overtakes(weight, b.ID) {
		logger.Debug("received weaker branch, not moving tip", "hash", b.ID.Hash, "index", b.ID.Index)
		return chaintypes.ChainEvent{}, false, nil
	}

	if b.ParentID.Equals(f.tip) {
		f.tip = b.ID
		f.tipWeight = weight
		f.canonical[b.ID.Index] = b.ID
		event := f.withConfirmations(chaintypes.ChainEvent{
			Chain:     f.chain,
			Kind:      chaintypes.ChainUpdatedWithBlocks,
			NewBlocks: []chaintypes.Block{b},
		})
		return event, true, nil
	}

	apply, rollback, err := f.reorgPath(b.ID)
	if err != nil {
		return chaintypes.ChainEvent{}, false, err
	}
	f.tip = b.ID
	f.tipWeight = weight
	for _, applied := range apply {
		f.canonical[applied.ID.Index] = applied.ID
	}
	logger.Info("reorg detected", "newTip", b.ID.Hash, "depth", len(rollback))

	event := f.withConfirmations(chaintypes.ChainEvent{
		Chain:            f.chain,
		Kind:             chaintypes.ChainUpdatedWithReorg,
		BlocksToApply:    apply,
		BlocksToRollback: rollback,
	})
	return event, true, nil
}

// overtakes reports whether a candidate branch of the given weight
// becomes the new tip: strictly heavier wins outright; an exact tie
// breaks toward the lexicographically greater hash, a fixed, deterministic
// rule every observer applies identically so independent nodes converge
// on the same canonical chain without coordination.
func (f *ForkPad) overtakes(weight uint64, id chaintypes.BlockIdentifier) bool {
	if weight != f.tipWeight {
		return weight > f.tipWeight
	}
	return id.Hash > f.tip.Hash
}

// reorgPath walks both branches back to their common ancestor, returning
// the blocks to apply (ancestor-exclusive, in ascending order) and the
// blocks to roll back (descending from the old tip).
func (f *ForkPad) reorgPath(newTip chaintypes.BlockIdentifier) (apply, rollback []chaintypes.Block, err error) {
	applyChain, err := f.collectAncestry(newTip)
	if err != nil {
		return nil, nil, err
	}
	rollbackChain, err := f.collectAncestry(f.tip)
	if err != nil {
		return nil, nil, err
	}

	applyIndexByHash := make(map[string]int, len(applyChain))
	for i, n := range applyChain {
		applyIndexByHash[n.block.ID.Hash] = i
	}

	commonApplyIndex := len(applyChain) - 1 // defaults to the oldest held ancestor if nothing else matches
	for _, n := range rollbackChain {
		if i, ok := applyIndexByHash[n.block.ID.Hash]; ok {
			commonApplyIndex = i
			break
		}
		rollback = append(rollback, n.block)
	}

	for i := commonApplyIndex - 1; i >= 0; i-- {
		apply = append(apply, applyChain[i].block)
	}
	return apply, rollback, nil
}

// collectAncestry walks parent pointers from id back to the oldest ancestor
// the pad still holds (genesis, a mid-chain bootstrap root, or the lowest
// block not yet evicted by confirmation), returning nodes ordered from id
// (index 0) to that ancestor (last index). It fails only when id itself is
// unknown.
func (f *ForkPad) collectAncestry(id chaintypes.BlockIdentifier) ([]*node, error) {
	var chain []*node
	cursor := id
	for {
		raw, ok := f.nodes.Get(cursor.Hash)
		if !ok {
			if len(chain) > 0 {
				break
			}
			return nil, errors.Wrapf(chaintypes.ErrUnknownParent, "ancestry walk missing %s", cursor)
		}
		n := raw.(*node)
		chain = append(chain, n)
		if n.block.ID.IsGenesis() {
			break
		}
		cursor = n.block.ParentID
	}
	return chain, nil
}

// withConfirmations appends ConfirmedBlocks to event for every canonical
// block that just crossed the confirmation depth, and evicts them from
// the scratch pad -- they can no longer be reorganized away.
func (f *ForkPad) withConfirmations(event chaintypes.ChainEvent) chaintypes.ChainEvent {
	if f.tip.Index < f.confirmationDepth {
		return event
	}
	newlyConfirmed := f.tip.Index - f.confirmationDepth

	for idx := f.confirmedUpTo; idx <= newlyConfirmed; idx++ {
		id, ok := f.canonical[idx]
		if !ok {
			continue
		}
		raw, ok := f.nodes.Get(id.Hash)
		if !ok {
			continue
		}
		event.ConfirmedBlocks = append(event.ConfirmedBlocks, raw.(*node).block)
		f.nodes.Remove(id.Hash)
		delete(f.canonical, idx)
	}
	if len(event.ConfirmedBlocks) > 0 {
		f.confirmedUpTo = newlyConfirmed + 1
	}
	return event
}

// Tip returns the current canonical chain tip.
func (f *ForkPad) Tip() (chaintypes.BlockIdentifier, bool) {
	return f.tip, f.hasTip
}

// Len reports how many header nodes the scratch pad currently holds.
func (f *ForkPad) Len() int {
	return f.nodes.Len()
}
