package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/stacks-network/chainhook/chainhooks"
	"github.com/stacks-network/chainhook/chainhooks/evaluator"
	"github.com/stacks-network/chainhook/chainhooks/registry"
	"github.com/stacks-network/chainhook/chaintypes"
	"github.com/stacks-network/chainhook/indexer/bitcoin"
	"github.com/stacks-network/chainhook/indexer/stacks"
	"github.com/stacks-network/chainhook/log"
	"github.com/stacks-network/chainhook/observer"
	"github.com/stacks-network/chainhook/scan"
	"github.com/stacks-network/chainhook/storage/blockstore"
	"github.com/stacks-network/chainhook/storage/scanstore"
)

var scanLogger = log.NewModuleLogger(log.HistoricalScan)

var (
	archiveFlag = cli.StringFlag{
		Name:  "archive",
		Usage: "path to the newline-delimited /new_block TSV archive to replay",
	}
	scanChainFlag = cli.StringFlag{
		Name:  "chain",
		Usage: "chain the archive belongs to: stacks or bitcoin",
		Value: "stacks",
	}
	startBlockFlag = cli.Uint64Flag{
		Name:  "start",
		Usage: "lowest block height to replay (0 means from genesis)",
	}

	scanCommand = cli.Command{
		Name:  "scan",
		Usage: "backfill registered predicates against a historical block archive, then exit",
		Flags: append([]cli.Flag{archiveFlag, scanChainFlag, startBlockFlag}, nodeFlags...),
		Action: runScan,
	}
)

// runScan drives Phases A-C of a historical scan directly against a
// standalone config and registry, without starting the HTTP API, then (if
// --scanstore.dsn is set) completes Phase D by persisting each predicate's
// checkpoint: a one-shot backfill a deployment runs once when a predicate
// needs matches from before the process was listening, then hands off to
// the live node, which resumes each predicate past its checkpoint (see
// loadPredicates/applyScanCheckpoint in main.go).
func runScan(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}

	archive := ctx.String(archiveFlag.Name)
	if archive == "" {
		return errors.New("scan: --archive is required")
	}

	chain := chaintypes.Stacks
	normalize := stacks.DecodeBlock
	storeCfg := cfg.StacksStore
	network := chainhooks.Network(cfg.StacksNetwork)
	if ctx.String(scanChainFlag.Name) == "bitcoin" {
		chain = chaintypes.Bitcoin
		normalize = bitcoin.DecodeBlock
		storeCfg = cfg.BitcoinStore
		network = chainhooks.Network(cfg.BitcoinNetwork)
	}

	db, err := openDatabase(storeCfg)
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	store := blockstore.New(db, chain)

	reg := registry.New(chain)
	if err := loadPredicatesIntoRegistry(reg, cfg.PredicateDir, chain); err != nil {
		scanLogger.Warn("predicate load incomplete", "err", err)
	}

	index, err := scan.BuildForkIndex(archive, ctx.Uint64(startBlockFlag.Name), store)
	if err != nil {
		return errors.Wrap(err, "build fork index")
	}
	fork, err := index.CanonicalFork()
	if err != nil {
		return errors.Wrap(err, "resolve canonical fork")
	}

	flushEvery := 2500
	n, err := scan.Backfill(archive, fork, store, flushEvery, normalize)
	if err != nil {
		return errors.Wrap(err, "backfill block store")
	}
	scanLogger.Info("backfilled block store", "blocks", n)

	blocks := make([]chaintypes.Block, 0, len(fork))
	for _, entry := range fork {
		b, err := store.GetConfirmed(entry.ID.Index)
		if err != nil {
			continue
		}
		blocks = append(blocks, b)
	}

	dispatcher := observer.NewDispatcher()
	var cancelled int32
	last, evaluated, err := scan.Replay(blocks, network, reg, func(_ chaintypes.ChainEvent, m evaluator.Match) error {
		req, err := dispatcher.Dispatch(m.Instance, observer.BuildOccurrence(m, false))
		if err != nil {
			return err
		}
		if req != nil {
			return dispatcher.SendHTTP(req)
		}
		return nil
	}, scan.ReplayConfig{}, &cancelled)
	if err != nil {
		return errors.Wrap(err, "replay")
	}

	scanLogger.Info("scan complete", "last_block", last, "evaluated", evaluated)

	if cfg.ScanStoreDSN != "" {
		if err := saveScanCheckpoints(cfg.ScanStoreDSN, reg, last); err != nil {
			scanLogger.Warn("failed to persist scan checkpoints, Phase D handoff will not resume past this scan", "err", err)
		}
	}
	return nil
}

// saveScanCheckpoints records last as the Phase D checkpoint (§4.4) for
// every predicate this scan evaluated, so the live node's loadPredicates
// can pick up streaming at last.Index+1 instead of re-evaluating -- and
// re-dispatching -- blocks this scan already covered (P4).
func saveScanCheckpoints(dsn string, reg *registry.Registry, last chaintypes.BlockIdentifier) error {
	store, err := scanstore.Open(dsn)
	if err != nil {
		return errors.Wrap(err, "open scan checkpoint store")
	}
	defer store.Close()

	for _, inst := range reg.Active() {
		progress := scanstore.ScanProgress{
			PredicateUUID:      inst.UUID,
			LastEvaluatedIndex: last.Index,
			LastEvaluatedHash:  last.Hash,
		}
		if err := store.SaveScanProgress(progress); err != nil {
			scanLogger.Warn("failed to save scan checkpoint", "uuid", inst.UUID, "err", err)
			continue
		}
	}
	return nil
}

// loadPredicatesIntoRegistry reads every *.json predicate file in dir and
// registers (and enables) its instances directly against reg, the
// registry-only counterpart to loadPredicates used by the live node.
func loadPredicatesIntoRegistry(reg *registry.Registry, dir string, chain chaintypes.Chain) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			scanLogger.Warn("failed to read predicate file", "path", path, "err", err)
			continue
		}
		instances, err := chainhooks.DecodeSpecFile(raw, chain)
		if err != nil {
			scanLogger.Warn("failed to decode predicate file", "path", path, "err", err)
			continue
		}
		for _, inst := range instances {
			uuid, err := reg.Register(inst)
			if err != nil {
				scanLogger.Warn("failed to register predicate", "path", path, "err", err)
				continue
			}
			if err := reg.Enable(uuid); err != nil {
				scanLogger.Warn("failed to enable predicate", "path", path, "err", err)
			}
		}
	}
	return nil
}
