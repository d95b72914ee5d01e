package scan

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/stacks-network/chainhook/chainhooks"
	"github.com/stacks-network/chainhook/chainhooks/evaluator"
	"github.com/stacks-network/chainhook/chainhooks/registry"
	"github.com/stacks-network/chainhook/chaintypes"
)

// defaultReplayChunkSize is how many blocks Phase C walks per chunk when
// ReplayConfig leaves ReplayChunkSize unset, the "chunking" supplement from
// the original's replay loop (§3).
const defaultReplayChunkSize = 500

// maxConsecutiveDispatchErrors aborts Phase C after this many back-to-back
// blocks that produced at least one failed dispatch (§4.4 Phase C, P5).
const maxConsecutiveDispatchErrors = 3

// ErrReplayCancelled is returned when the shared cancel flag was observed
// set before a block was evaluated.
var ErrReplayCancelled = errors.New("scan: replay cancelled")

// ErrTooManyConsecutiveErrors is returned when Phase C's consecutive dispatch
// error counter reaches maxConsecutiveDispatchErrors.
var ErrTooManyConsecutiveErrors = errors.New("scan: too many consecutive dispatch errors, aborting replay")

// DispatchFunc delivers one predicate match to the Action Dispatcher (C7).
// Phase C is decoupled from the observer package's concrete dispatcher the
// same way chaindatafetcher's repository is injected rather than imported
// directly, so scan has no dependency on observer.
type DispatchFunc func(chaintypes.ChainEvent, evaluator.Match) error

// ReplayConfig bounds and chunks Phase C's walk over the canonical fork.
type ReplayConfig struct {
	StartBlock      *uint64
	EndBlock        *uint64
	ReplayChunkSize int
}

func (c ReplayConfig) chunkSize() int {
	if c.ReplayChunkSize > 0 {
		return c.ReplayChunkSize
	}
	return defaultReplayChunkSize
}

// Replay drives Phase C/D: it walks the canonical fork's blocks in forward
// order, evaluates every active predicate against each one, and dispatches
// matches, tracking a consecutive-error counter that aborts replay at
// maxConsecutiveDispatchErrors. It returns the last block evaluated so the
// caller can persist it as each predicate's checkpoint and hand off to the
// streaming path at last.Index+1 (Phase D); the streaming path advances its
// predicates' StartBlock past that checkpoint before registering them, so
// no block is ever evaluated twice (P4).
//
// cancelled is a shared flag checked once per scanned block, before it is
// evaluated: a non-zero value stops the walk cleanly and returns
// ErrReplayCancelled alongside the last block reached.
func Replay(blocks []chaintypes.Block, network chainhooks.Network, reg *registry.Registry, dispatch DispatchFunc, cfg ReplayConfig, cancelled *int32) (last chaintypes.BlockIdentifier, evaluated int, err error) {
	consecutiveErrors := 0
	chunk := cfg.chunkSize()

	for start := 0; start < len(blocks); start += chunk {
		end := start + chunk
		if end > len(blocks) {
			end = len(blocks)
		}

		for _, b := range blocks[start:end] {
			if cancelled != nil && atomic.LoadInt32(cancelled) != 0 {
				return last, evaluated, ErrReplayCancelled
			}
			if cfg.StartBlock != nil && b.ID.Index < *cfg.StartBlock {
				continue
			}
			if cfg.EndBlock != nil && b.ID.Index > *cfg.EndBlock {
				return last, evaluated, nil
			}

			event := chaintypes.ChainEvent{
				Chain:     b.Chain,
				Kind:      chaintypes.ChainUpdatedWithBlocks,
				NewBlocks: []chaintypes.Block{b},
			}
			matches := evaluator.Evaluate(event, network, reg.Active())

			failed := false
			for _, m := range matches {
				occurrences, exceeded, recErr := reg.RecordOccurrence(m.Instance.UUID)
				if recErr != nil {
					continue
				}

				// The occurrence that exceeds expire_after_occurrence is
				// dropped outright: it is never dispatched, and the
				// predicate is deregistered instead of merely expired,
				// matching the live propagation path (observer/core.go).
				if exceeded {
					_ = reg.Deregister(m.Instance.UUID)
					logger.Debug("replay dropped match past expire_after_occurrence", "uuid", m.Instance.UUID, "block", b.ID)
					continue
				}

				if dispatchErr := dispatch(event, m); dispatchErr != nil {
					logger.Error("replay dispatch failed", "uuid", m.Instance.UUID, "block", b.ID, "err", dispatchErr)
					failed = true
					continue
				}
				logger.Debug("replay dispatched match", "uuid", m.Instance.UUID, "occurrences", occurrences)
			}

			if failed {
				consecutiveErrors++
			} else {
				consecutiveErrors = 0
			}
			if consecutiveErrors >= maxConsecutiveDispatchErrors {
				return last, evaluated, ErrTooManyConsecutiveErrors
			}

			last = b.ID
			evaluated++
		}
	}
	return last, evaluated, nil
}
