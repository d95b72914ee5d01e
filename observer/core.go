package observer

import (
	"context"

	"github.com/stacks-network/chainhook/chainhooks"
	"github.com/stacks-network/chainhook/chainhooks/evaluator"
	"github.com/stacks-network/chainhook/chainhooks/registry"
	"github.com/stacks-network/chainhook/chaintypes"
	"github.com/stacks-network/chainhook/indexer/forkpad"
	"github.com/stacks-network/chainhook/log"
	"github.com/stacks-network/chainhook/storage/blockstore"
	"github.com/valyala/fasthttp"
)

var coreLogger = log.NewModuleLogger(log.ObserverCore)

// CommandKind tags a Command's variant, the typed command enum that
// replaces the teacher's two ad-hoc channels (chainCh/reqCh in
// chaindata_fetcher.go's handleRequest select loop) with one sum type, per
// §9's redesign note.
type CommandKind int

const (
	CmdTerminate CommandKind = iota
	CmdProcessBitcoinBlock
	CmdCacheBitcoinBlock
	// CmdProcessStacksBlock is the Stacks counterpart to
	// CmdProcessBitcoinBlock: the Fork Scratch Pad (C2) is chain-generic
	// (§4.2), and the Stacks node's own webhook payload does not already
	// tell the observer whether it is looking at a reorg, so a Stacks
	// block header needs the same process_header treatment a Bitcoin
	// header gets before PropagateStacksChainEvent has anything to act
	// on.
	CmdProcessStacksBlock
	CmdPropagateBitcoinChainEvent
	CmdPropagateStacksChainEvent
	CmdPropagateStacksMempoolEvent
	CmdRegisterPredicate
	CmdEnablePredicate
	CmdDeregisterStacks
	CmdDeregisterBitcoin
	CmdExpireStacks
	CmdExpireBitcoin
	CmdNotifyBitcoinTransactionProxied
)

// CommandResult answers a Command submitted with a non-nil Reply channel
// (register/enable, which a synchronous caller such as the HTTP API needs
// the outcome of).
type CommandResult struct {
	UUID string
	Err  error
}

// Command is one unit of work for the Observer Core's single-consumer
// loop. Only the fields relevant to Kind are populated.
type Command struct {
	Kind CommandKind

	Block      chaintypes.Block      // ProcessBitcoinBlock, CacheBitcoinBlock
	ChainEvent chaintypes.ChainEvent // PropagateBitcoinChainEvent, PropagateStacksChainEvent
	MempoolTx  []byte                // PropagateStacksMempoolEvent: raw wire payload

	Instance *chainhooks.Instance // RegisterPredicate
	UUID     string               // EnablePredicate, Deregister*, Expire*
	Height   uint64               // Expire*
	Txid     string               // NotifyBitcoinTransactionProxied

	Reply chan<- CommandResult
}

// MempoolEvaluator evaluates a raw mempool transaction event. The spec
// leaves mempool predicate matching semantics open (§4 Open Questions);
// this build resolves it with a no-op stub so PropagateStacksMempoolEvent
// is wired end to end without inventing match rules the spec never
// states.
type MempoolEvaluator interface {
	EvaluateMempoolEvent(raw []byte) error
}

type noopMempoolEvaluator struct{}

// NewNoopMempoolEvaluator returns a MempoolEvaluator that accepts every
// event without matching any predicate against it.
func NewNoopMempoolEvaluator() MempoolEvaluator { return noopMempoolEvaluator{} }

func (noopMempoolEvaluator) EvaluateMempoolEvent([]byte) error { return nil }

// SidecarMutator is the Ordinals sidecar boundary (§9: "opaque external
// mutator"): given the candidate blocks a Bitcoin chain event is about to
// apply, it returns them augmented with inscription/ordinal metadata.
type SidecarMutator interface {
	MutateBlocks(ctx context.Context, candidates []chaintypes.Block) ([]chaintypes.Block, error)
}

// ObserverEventKind tags an ObserverEvent's variant (§3 ambient supplement:
// embedders and the HTTP API both want a feed of what the core just did).
type ObserverEventKind int

const (
	EventBlockProcessed ObserverEventKind = iota
	EventPredicateRegistered
	EventPredicateDeregistered
	EventError
	EventFatal
	EventTerminate
)

// ObserverEvent is one notification the core emits on its Events channel.
type ObserverEvent struct {
	Kind  ObserverEventKind
	UUID  string
	Block chaintypes.BlockIdentifier
	Err   error
}

// Config wires everything one Core instance needs: both chains' registries,
// fork pads and block stores, the dispatcher, and the optional sidecar.
type Config struct {
	StacksNetwork  chainhooks.Network
	BitcoinNetwork chainhooks.Network

	StacksRegistry  *registry.Registry
	BitcoinRegistry *registry.Registry

	StacksStore  *blockstore.BlockStore
	BitcoinStore *blockstore.BlockStore

	StacksForkPad  *forkpad.ForkPad
	BitcoinForkPad *forkpad.ForkPad

	Dispatcher *Dispatcher
	Sidecar    SidecarMutator
	Mempool    MempoolEvaluator

	// EventBuffer sizes the Events channel. A full buffer drops new
	// events rather than blocking the command loop -- the channel is an
	// observability feed, not a delivery guarantee.
	EventBuffer int
}

// Core is the Observer Core (C8): the single goroutine that owns both
// chains' predicate registries and fork pads, and is the only writer of
// the Block Store and the only caller of the Action Dispatcher. Grounded
// on ChainDataFetcher.handleRequest's single select-loop request handler
// and its Start/Stop/wg.Wait lifecycle.
type Core struct {
	cfg Config

	in      chan Command
	process chan Command
	stopped chan struct{}

	events chan ObserverEvent
}

// New constructs a Core from cfg, defaulting Mempool to a no-op evaluator
// and EventBuffer to 256 if unset. Run must be called (typically in its
// own goroutine) to start processing commands.
func New(cfg Config) *Core {
	if cfg.Mempool == nil {
		cfg.Mempool = NewNoopMempoolEvaluator()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	return &Core{
		cfg:     cfg,
		in:      make(chan Command),
		process: make(chan Command),
		stopped: make(chan struct{}),
		events:  make(chan ObserverEvent, cfg.EventBuffer),
	}
}

// Events returns the read side of the core's notification feed.
func (c *Core) Events() <-chan ObserverEvent { return c.events }

// Submit enqueues cmd for processing. The command queue is unbounded in
// this design (§9): pump buffers commands in a growing slice and only
// blocks on sending to the single consumer, never on receiving from a
// producer, so Submit itself never blocks waiting for the core to catch
// up with a backlog.
func (c *Core) Submit(cmd Command) {
	c.in <- cmd
}

// Run starts the pump goroutine and processes commands from it until a
// Terminate command is handled, then returns. Call in its own goroutine;
// Stopped reports when it has returned.
func (c *Core) Run() {
	go c.pump()
	for cmd := range c.process {
		terminate := cmd.Kind == CmdTerminate
		c.handle(cmd)
		if terminate {
			close(c.stopped)
			return
		}
	}
}

// Stopped is closed once Run has processed a Terminate command and
// returned.
func (c *Core) Stopped() <-chan struct{} { return c.stopped }

// pump is the unbounded-queue adapter between Submit's producers and the
// single consumer in Run: it never blocks receiving from in, buffering
// into queue instead, and only blocks trying to hand the oldest buffered
// command to process.
func (c *Core) pump() {
	defer close(c.process)
	var queue []Command
	for {
		if len(queue) == 0 {
			cmd, ok := <-c.in
			if !ok {
				return
			}
			queue = append(queue, cmd)
			continue
		}
		select {
		case cmd, ok := <-c.in:
			if !ok {
				for _, q := range queue {
					c.process <- q
				}
				return
			}
			queue = append(queue, cmd)
		case c.process <- queue[0]:
			queue = queue[1:]
		}
	}
}

func (c *Core) handle(cmd Command) {
	switch cmd.Kind {
	case CmdTerminate:
		c.terminate()
	case CmdProcessBitcoinBlock:
		c.processHeader(cmd.Block, chaintypes.Bitcoin)
	case CmdProcessStacksBlock:
		c.processHeader(cmd.Block, chaintypes.Stacks)
	case CmdCacheBitcoinBlock:
		if err := c.cfg.BitcoinStore.PutUnconfirmed(cmd.Block); err != nil {
			c.emitError(err)
		}
	case CmdPropagateBitcoinChainEvent:
		c.propagate(cmd.ChainEvent, chaintypes.Bitcoin, true)
	case CmdPropagateStacksChainEvent:
		c.propagate(cmd.ChainEvent, chaintypes.Stacks, true)
	case CmdPropagateStacksMempoolEvent:
		if err := c.cfg.Mempool.EvaluateMempoolEvent(cmd.MempoolTx); err != nil {
			c.emitError(err)
		}
	case CmdRegisterPredicate:
		c.registerPredicate(cmd)
	case CmdEnablePredicate:
		c.enablePredicate(cmd)
	case CmdDeregisterStacks:
		c.deregister(c.cfg.StacksRegistry, cmd)
	case CmdDeregisterBitcoin:
		c.deregister(c.cfg.BitcoinRegistry, cmd)
	case CmdExpireStacks:
		c.expire(c.cfg.StacksRegistry, cmd)
	case CmdExpireBitcoin:
		c.expire(c.cfg.BitcoinRegistry, cmd)
	case CmdNotifyBitcoinTransactionProxied:
		coreLogger.Info("bitcoin transaction proxied", "txid", cmd.Txid)
	}
}

func (c *Core) terminate() {
	if err := c.cfg.StacksStore.Flush(); err != nil {
		c.emitError(err)
	}
	if err := c.cfg.BitcoinStore.Flush(); err != nil {
		c.emitError(err)
	}
	if err := c.cfg.Dispatcher.Close(); err != nil {
		c.emitError(err)
	}
	c.emit(ObserverEvent{Kind: EventTerminate})
}

// processHeader runs a newly received block through the Fork Scratch Pad
// (C2); if a chain event is produced, it is handed to propagate
// immediately. CacheBitcoinBlock stores a block's data out of band (e.g.
// mined_block arriving ahead of the header event) without running C2,
// which is what distinguishes it from this path.
func (c *Core) processHeader(b chaintypes.Block, chain chaintypes.Chain) {
	fp := c.forkPad(chain)
	event, produced, err := fp.ProcessHeader(b)
	if err != nil {
		c.emitError(err)
		return
	}
	if !produced {
		return
	}
	c.propagate(event, chain, true)
}

// propagate is the §4.8 PropagateBitcoinChainEvent/PropagateStacksChainEvent
// procedure: persist, optionally mutate via the sidecar, evaluate, dispatch,
// and apply occurrence/expiry bookkeeping.
func (c *Core) propagate(event chaintypes.ChainEvent, chain chaintypes.Chain, streaming bool) {
	store := c.store(chain)
	reg := c.registry(chain)
	network := c.network(chain)

	for _, b := range event.AppliedBlocks() {
		if err := store.PutUnconfirmed(b); err != nil {
			c.emitError(err)
		}
	}
	for _, b := range event.BlocksToRollback {
		if err := store.DeleteUnconfirmed(b.ID.Index); err != nil {
			c.emitError(err)
		}
	}
	for _, b := range event.ConfirmedBlocks {
		if err := store.PutConfirmed(b); err != nil {
			c.emitError(err)
			continue
		}
		if err := store.DeleteUnconfirmed(b.ID.Index); err != nil {
			c.emitError(err)
		}
	}

	augmented := c.mutateViaSidecar(event, chain)

	matches := evaluator.Evaluate(augmented, network, reg.Active())

	var httpBatch []*fasthttp.Request
	var toDeregister []string

	for _, m := range matches {
		occurrences, exceeded, err := reg.RecordOccurrence(m.Instance.UUID)
		if err != nil {
			continue
		}

		// The occurrence that exceeds expire_after_occurrence is dropped
		// outright: it is never dispatched, and the predicate is
		// deregistered instead, matching the original's
		// "total_occurrences <= limit" dispatch gate.
		if exceeded {
			toDeregister = append(toDeregister, m.Instance.UUID)
			continue
		}

		occ := BuildOccurrence(m, streaming)
		req, err := c.cfg.Dispatcher.Dispatch(m.Instance, occ)
		if err != nil {
			coreLogger.Error("dispatch failed", "uuid", m.Instance.UUID, "err", err)
			c.emit(ObserverEvent{Kind: EventError, UUID: m.Instance.UUID, Err: err})
			continue
		}
		if req != nil {
			httpBatch = append(httpBatch, req)
		} else {
			c.notifyTriggered(m.Instance.UUID, event)
		}
		_ = occurrences
	}

	for _, req := range httpBatch {
		if err := c.cfg.Dispatcher.SendHTTP(req); err != nil {
			coreLogger.Error("http batch send failed", "err", err)
			c.emit(ObserverEvent{Kind: EventError, Err: err})
			continue
		}
		c.notifyTriggered("", event)
	}

	for _, uuid := range toDeregister {
		if err := reg.Deregister(uuid); err != nil {
			c.emitError(err)
			continue
		}
		c.emit(ObserverEvent{Kind: EventPredicateDeregistered, UUID: uuid})
	}
}

func (c *Core) notifyTriggered(uuid string, event chaintypes.ChainEvent) {
	id, ok := event.HighestApplied()
	if !ok {
		return
	}
	c.emit(ObserverEvent{Kind: EventBlockProcessed, UUID: uuid, Block: id})
}

// mutateViaSidecar runs the applied side of a Bitcoin chain event through
// the configured Ordinals sidecar, falling back to the pre-mutation blocks
// on any sidecar error rather than failing the whole propagation.
func (c *Core) mutateViaSidecar(event chaintypes.ChainEvent, chain chaintypes.Chain) chaintypes.ChainEvent {
	if chain != chaintypes.Bitcoin || c.cfg.Sidecar == nil {
		return event
	}

	applied := event.AppliedBlocks()
	augmented, err := c.cfg.Sidecar.MutateBlocks(context.Background(), applied)
	if err != nil {
		coreLogger.Warn("sidecar mutation failed, falling back to pre-mutation blocks", "err", err)
		return event
	}

	out := event
	if out.IsReorg() {
		out.BlocksToApply = augmented
	} else {
		out.NewBlocks = augmented
	}
	return out
}

func (c *Core) registerPredicate(cmd Command) {
	reg := c.registry(cmd.Instance.Chain)
	uuid, err := reg.Register(cmd.Instance)
	c.reply(cmd, uuid, err)
	if err != nil {
		c.emitError(err)
		return
	}
	c.emit(ObserverEvent{Kind: EventPredicateRegistered, UUID: uuid})
}

// enablePredicate searches both registries: EnablePredicate does not carry
// a chain (unlike the Deregister*/Expire* variants), since by the time a
// predicate is enabled its UUID alone already identifies which registry
// holds it.
func (c *Core) enablePredicate(cmd Command) {
	if err := c.cfg.StacksRegistry.Enable(cmd.UUID); err == nil {
		c.reply(cmd, cmd.UUID, nil)
		return
	}
	err := c.cfg.BitcoinRegistry.Enable(cmd.UUID)
	c.reply(cmd, cmd.UUID, err)
	if err != nil {
		c.emitError(err)
	}
}

func (c *Core) deregister(reg *registry.Registry, cmd Command) {
	err := reg.Deregister(cmd.UUID)
	c.reply(cmd, cmd.UUID, err)
	if err != nil {
		c.emitError(err)
		return
	}
	c.emit(ObserverEvent{Kind: EventPredicateDeregistered, UUID: cmd.UUID})
}

func (c *Core) expire(reg *registry.Registry, cmd Command) {
	err := reg.Expire(cmd.UUID, cmd.Height)
	c.reply(cmd, cmd.UUID, err)
	if err != nil {
		c.emitError(err)
	}
}

func (c *Core) reply(cmd Command, uuid string, err error) {
	if cmd.Reply == nil {
		return
	}
	cmd.Reply <- CommandResult{UUID: uuid, Err: err}
}

// emit delivers an event without blocking the command loop: a full Events
// buffer drops the event rather than stalling processing.
func (c *Core) emit(evt ObserverEvent) {
	select {
	case c.events <- evt:
	default:
		coreLogger.Warn("observer event dropped, events channel full", "kind", evt.Kind)
	}
}

func (c *Core) emitError(err error) {
	coreLogger.Error("observer core error", "err", err)
	c.emit(ObserverEvent{Kind: EventError, Err: err})
}

func (c *Core) forkPad(chain chaintypes.Chain) *forkpad.ForkPad {
	if chain == chaintypes.Bitcoin {
		return c.cfg.BitcoinForkPad
	}
	return c.cfg.StacksForkPad
}

func (c *Core) store(chain chaintypes.Chain) *blockstore.BlockStore {
	if chain == chaintypes.Bitcoin {
		return c.cfg.BitcoinStore
	}
	return c.cfg.StacksStore
}

func (c *Core) registry(chain chaintypes.Chain) *registry.Registry {
	if chain == chaintypes.Bitcoin {
		return c.cfg.BitcoinRegistry
	}
	return c.cfg.StacksRegistry
}

func (c *Core) network(chain chaintypes.Chain) chainhooks.Network {
	if chain == chaintypes.Bitcoin {
		return c.cfg.BitcoinNetwork
	}
	return c.cfg.StacksNetwork
}
