// Package evaluator implements the Predicate Evaluator (C6): a pure
// function from a ChainEvent and a set of active predicates to the
// occurrences they trigger. It touches no shared state and performs no
// I/O, grounded on chaindata_fetcher's pure getTimeGauge/getRetryGauge
// dispatch-table style generalized to predicate-body match dispatch.
package evaluator

import (
	"regexp"
	"strings"

	"github.com/stacks-network/chainhook/chainhooks"
	"github.com/stacks-network/chainhook/chaintypes"
)

// Match is one predicate's occurrence against one chain event: the
// matched blocks restricted to their matched transactions, unless the
// predicate sets CaptureAllEvents in which case the whole block carries
// over unfiltered.
type Match struct {
	Instance *chainhooks.Instance
	Apply    []chaintypes.Block
	Rollback []chaintypes.Block
}

// Evaluate runs every active predicate against event and returns the
// matches, in predicate-iteration order. network is the chain
// deployment the event was observed on; predicates whose Network differs
// are skipped (§3 "network filter" supplement).
func Evaluate(event chaintypes.ChainEvent, network chainhooks.Network, predicates []*chainhooks.Instance) []Match {
	matches := make([]Match, 0, len(predicates))
	for _, inst := range predicates {
		if inst.Network != network {
			continue
		}

		apply := matchBlocks(inst, event.AppliedBlocks())
		var rollback []chaintypes.Block
		if event.IsReorg() {
			rollback = matchBlocks(inst, event.BlocksToRollback)
		}

		if len(apply) == 0 && len(rollback) == 0 {
			continue
		}
		matches = append(matches, Match{Instance: inst, Apply: apply, Rollback: rollback})
	}
	return matches
}

func matchBlocks(inst *chainhooks.Instance, blocks []chaintypes.Block) []chaintypes.Block {
	out := make([]chaintypes.Block, 0, len(blocks))
	for _, b := range blocks {
		if !withinRange(inst, b.ID.Index) {
			continue
		}
		if !targetsBlock(inst, b.ID.Index) {
			continue
		}

		if inst.CaptureAllEvents {
			if blockHasMatch(inst, b) {
				out = append(out, b)
			}
			continue
		}

		filtered := b
		filtered.Transactions = matchTransactions(inst, b.Transactions)
		if len(filtered.Transactions) > 0 {
			out = append(out, filtered)
		}
	}
	return out
}

func blockHasMatch(inst *chainhooks.Instance, b chaintypes.Block) bool {
	if _, ok := inst.Predicate.(chainhooks.BlockHeightRule); ok {
		return true
	}
	return len(matchTransactions(inst, b.Transactions)) > 0
}

func withinRange(inst *chainhooks.Instance, index uint64) bool {
	if inst.StartBlock != nil && index < *inst.StartBlock {
		return false
	}
	if inst.EndBlock != nil && index > *inst.EndBlock {
		return false
	}
	return true
}

func targetsBlock(inst *chainhooks.Instance, index uint64) bool {
	if len(inst.Blocks) == 0 {
		return true
	}
	for _, b := range inst.Blocks {
		if b == index {
			return true
		}
	}
	return false
}

func matchTransactions(inst *chainhooks.Instance, txs []chaintypes.Transaction) []chaintypes.Transaction {
	out := make([]chaintypes.Transaction, 0)
	for _, tx := range txs {
		if transactionMatches(inst.Predicate, tx) {
			out = append(out, tx)
		}
	}
	return out
}

func transactionMatches(body chainhooks.PredicateBody, tx chaintypes.Transaction) bool {
	switch p := body.(type) {
	case chainhooks.BlockHeightRule:
		// Block-height rules match at the block level; every transaction in
		// an already block-range-filtered block counts.
		return true
	case chainhooks.ContractDeploymentPredicate:
		return matchContractDeployment(p, tx)
	case chainhooks.ContractCallPredicate:
		return tx.ContractCall != nil &&
			tx.ContractCall.ContractID == p.ContractID &&
			tx.ContractCall.Method == p.Method
	case chainhooks.PrintEventPredicate:
		return matchPrintEvent(p, tx)
	case chainhooks.FtEventPredicate:
		return matchAssetEvent(tx, chaintypes.EventFTTransfer, p.AssetIdentifier, p.Actions)
	case chainhooks.NftEventPredicate:
		return matchAssetEvent(tx, chaintypes.EventNFTTransfer, p.AssetIdentifier, p.Actions)
	case chainhooks.StxEventPredicate:
		return matchStxEvent(tx, p.Actions)
	case chainhooks.TxidPredicate:
		return tx.Txid == p.Equals
	case chainhooks.BitcoinOutputPredicate:
		return matchBitcoinOutput(p, tx)
	case chainhooks.BitcoinInputPredicate:
		return matchBitcoinInput(p, tx)
	case chainhooks.BitcoinStacksOpPredicate:
		return tx.BitcoinOp != nil && tx.BitcoinOp.Op == p.Op
	case chainhooks.OrdinalsPredicate:
		// No transaction field carries inscription data, so an ordinals
		// predicate never matches, whether or not the sidecar has run.
		return false
	default:
		return false
	}
}

func matchContractDeployment(p chainhooks.ContractDeploymentPredicate, tx chaintypes.Transaction) bool {
	if tx.ContractDeployment == nil {
		return false
	}
	if p.Deployer != nil {
		return tx.Sender == *p.Deployer
	}
	if p.ImplementTrait != nil {
		if *p.ImplementTrait == "*" {
			return true
		}
		return tx.ABI != nil && strings.Contains(string(tx.ABI), *p.ImplementTrait)
	}
	return false
}

func matchPrintEvent(p chainhooks.PrintEventPredicate, tx chaintypes.Transaction) bool {
	for _, ev := range tx.Events {
		if !ev.IsPrintEvent() || ev.ContractID != p.ContractID {
			continue
		}
		if p.Contains != nil && strings.Contains(ev.Value, *p.Contains) {
			return true
		}
		if p.MatchesRegex != nil {
			if re, err := regexp.Compile(*p.MatchesRegex); err == nil && re.MatchString(ev.Value) {
				return true
			}
		}
	}
	return false
}

func matchAssetEvent(tx chaintypes.Transaction, base chaintypes.EventKind, assetID string, actions []string) bool {
	for _, ev := range tx.Events {
		if !ev.IsAssetEvent() || ev.AssetIdentifier != assetID {
			continue
		}
		if !sameEventFamily(ev.Kind, base) {
			continue
		}
		if actionMatches(ev.Action, actions) {
			return true
		}
	}
	return false
}

func sameEventFamily(k chaintypes.EventKind, base chaintypes.EventKind) bool {
	switch base {
	case chaintypes.EventFTTransfer:
		return k == chaintypes.EventFTTransfer || k == chaintypes.EventFTMint || k == chaintypes.EventFTBurn
	case chaintypes.EventNFTTransfer:
		return k == chaintypes.EventNFTTransfer || k == chaintypes.EventNFTMint || k == chaintypes.EventNFTBurn
	default:
		return k == base
	}
}

func matchStxEvent(tx chaintypes.Transaction, actions []string) bool {
	for _, ev := range tx.Events {
		switch ev.Kind {
		case chaintypes.EventSTXTransfer, chaintypes.EventSTXMint, chaintypes.EventSTXBurn, chaintypes.EventSTXLock:
		default:
			continue
		}
		if actionMatches(ev.Action, actions) {
			return true
		}
	}
	return false
}

func actionMatches(action chaintypes.AssetAction, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if chaintypes.AssetAction(a) == action {
			return true
		}
	}
	return false
}

func matchBitcoinOutput(p chainhooks.BitcoinOutputPredicate, tx chaintypes.Transaction) bool {
	for _, out := range tx.BitcoinOutputs {
		if p.P2PKH != nil && out.P2PKH == *p.P2PKH {
			return true
		}
		if p.P2SH != nil && out.P2SH == *p.P2SH {
			return true
		}
		if p.P2WPKH != nil && out.P2WPKH == *p.P2WPKH {
			return true
		}
	}
	return false
}

func matchBitcoinInput(p chainhooks.BitcoinInputPredicate, tx chaintypes.Transaction) bool {
	for _, in := range tx.BitcoinInputs {
		if in.Txid == p.Txid && in.Vout == p.Vout {
			return true
		}
	}
	return false
}
