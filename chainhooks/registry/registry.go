// Package registry implements the Predicate Registry (C5): the in-memory
// table of registered chainhooks the Observer Core exclusively owns. Every
// exported method assumes the caller already holds that exclusivity (the
// Observer Core's single-consumer command loop, per §5) -- the registry
// itself carries no lock, the same way chaindata_fetcher's checkpointMap
// is only ever mutated from its own request-handling goroutine.
package registry

import (
	set "gopkg.in/fatih/set.v0"

	uuid "github.com/hashicorp/go-uuid"
	"github.com/pkg/errors"

	"github.com/stacks-network/chainhook/chainhooks"
	"github.com/stacks-network/chainhook/chaintypes"
	"github.com/stacks-network/chainhook/log"
)

var logger = log.NewModuleLogger(log.Registry)

// ErrNotFound is returned when an operation names a UUID the registry has
// never seen, or has already forgotten (deregistered predicates are
// dropped rather than tombstoned -- there is no undelete).
var ErrNotFound = errors.New("registry: predicate not found")

// entry bundles a predicate with its registry-private bookkeeping: a
// fatih/set.v0-backed block filter (built once at registration so "blocks"
// membership is an O(1) set lookup instead of a linear scan per block) and
// an occurrence counter for the expire_after_occurrence rule.
type entry struct {
	instance    *chainhooks.Instance
	blockFilter *set.Set
	occurrences uint64
}

// Registry holds every predicate registered for one chain (the Observer
// Core keeps one Registry per chain it observes).
type Registry struct {
	chain   chaintypes.Chain
	entries map[string]*entry
}

// New returns an empty registry for the given chain.
func New(chain chaintypes.Chain) *Registry {
	return &Registry{
		chain:   chain,
		entries: make(map[string]*entry),
	}
}

// Register adds a new predicate in the held (not yet enabled) state,
// assigning it a UUID if it doesn't already carry one. It returns the
// assigned UUID.
func (r *Registry) Register(inst *chainhooks.Instance) (string, error) {
	if inst.UUID == "" {
		generated, err := uuid.GenerateUUID()
		if err != nil {
			return "", errors.Wrap(err, "registry: generate uuid")
		}
		inst.UUID = generated
	}
	if _, exists := r.entries[inst.UUID]; exists {
		return "", errors.Errorf("registry: uuid %s already registered", inst.UUID)
	}

	inst.Chain = r.chain
	inst.Enabled = false

	blockFilter := set.New(set.ThreadSafe)
	for _, b := range inst.Blocks {
		blockFilter.Add(b)
	}

	r.entries[inst.UUID] = &entry{instance: inst, blockFilter: blockFilter}
	logger.Info("predicate registered", "uuid", inst.UUID, "name", inst.Name, "chain", r.chain)
	return inst.UUID, nil
}

// Enable transitions a held predicate to active, the registry's
// held->active edge (§4.5).
func (r *Registry) Enable(id string) error {
	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.instance.Enabled = true
	logger.Info("predicate enabled", "uuid", id)
	return nil
}

// Deregister removes a predicate outright, the explicit-deregister edge.
func (r *Registry) Deregister(id string) error {
	if _, ok := r.entries[id]; !ok {
		return ErrNotFound
	}
	delete(r.entries, id)
	logger.Info("predicate deregistered", "uuid", id)
	return nil
}

// Expire marks a predicate expired in place without removing it, so a
// caller can still answer "why is uuid X inactive" after the fact. Expired
// predicates are excluded from Active.
func (r *Registry) Expire(id string, atBlock uint64) error {
	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	expiredAt := atBlock
	e.instance.ExpiredAt = &expiredAt
	logger.Info("predicate expired", "uuid", id, "at_block", atBlock)
	return nil
}

// Get returns the instance for a UUID, or ErrNotFound.
func (r *Registry) Get(id string) (*chainhooks.Instance, error) {
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.instance, nil
}

// Active returns every enabled, non-expired predicate, the set the
// evaluator (C6) iterates per chain event (§4.5).
func (r *Registry) Active() []*chainhooks.Instance {
	out := make([]*chainhooks.Instance, 0, len(r.entries))
	for _, e := range r.entries {
		if e.instance.IsActive() {
			out = append(out, e.instance)
		}
	}
	return out
}

// TargetsBlock reports whether a predicate's explicit blocks filter
// includes index, or whether it carries no filter at all (in which case
// every block is a candidate).
func (r *Registry) TargetsBlock(id string, index uint64) bool {
	e, ok := r.entries[id]
	if !ok || e.blockFilter.Size() == 0 {
		return true
	}
	return e.blockFilter.Has(index)
}

// RecordOccurrence increments the match counter for a predicate and
// reports whether this occurrence exceeds expire_after_occurrence, the
// §4.6 rule-2 auto-expiry condition (P3): occurrences 1..limit are still
// within budget, only occurrence limit+1 exceeds it. A caller must not
// dispatch an occurrence that exceeds the limit -- it is the trigger that
// gets dropped and deregistered, never delivered, matching the original's
// "total_occurrences <= limit" gate. It does not itself mutate Enabled or
// ExpiredAt -- the caller (Observer Core) decides whether to call Expire
// or Deregister.
func (r *Registry) RecordOccurrence(id string) (occurrences uint64, exceeded bool, err error) {
	e, ok := r.entries[id]
	if !ok {
		return 0, false, ErrNotFound
	}
	e.occurrences++
	if e.instance.ExpireAfterOccurrence != nil && e.occurrences > *e.instance.ExpireAfterOccurrence {
		return e.occurrences, true, nil
	}
	return e.occurrences, false, nil
}

// Occurrences reports the current match count for a predicate, mainly for
// the registration/query HTTP API (§6).
func (r *Registry) Occurrences(id string) (uint64, error) {
	e, ok := r.entries[id]
	if !ok {
		return 0, ErrNotFound
	}
	return e.occurrences, nil
}

// Len reports how many predicates (of any state) the registry holds.
func (r *Registry) Len() int {
	return len(r.entries)
}
