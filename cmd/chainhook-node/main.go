// Command chainhook-node runs the chain event observer: it ingests Stacks
// webhook notifications over HTTP, evaluates registered predicates against
// them, and dispatches matches to the configured Action targets. It starts
// no Bitcoin block source of its own; Bitcoin blocks reach the Observer
// Core only as CmdProcessBitcoinBlock/CmdCacheBitcoinBlock commands passed
// to Core.Submit. Grounded on cmd/kcn/main.go's app/flags/Action structure,
// trimmed from a consensus-node CLI down to this process's own
// components.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/stacks-network/chainhook/chainhooks"
	"github.com/stacks-network/chainhook/chainhooks/registry"
	"github.com/stacks-network/chainhook/chaintypes"
	"github.com/stacks-network/chainhook/indexer/forkpad"
	"github.com/stacks-network/chainhook/log"
	"github.com/stacks-network/chainhook/metrics"
	"github.com/stacks-network/chainhook/networks/httpapi"
	"github.com/stacks-network/chainhook/observer"
	"github.com/stacks-network/chainhook/observer/sidecar"
	"github.com/stacks-network/chainhook/storage/blockstore"
	"github.com/stacks-network/chainhook/storage/database"
	"github.com/stacks-network/chainhook/storage/scanstore"
)

var logger = log.NewModuleLogger(log.CmdNode)

var (
	configFileFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	httpAddrFlag = cli.StringFlag{
		Name:  "http.addr",
		Usage: "listen address for the ingestion and chainhook API",
	}
	predicateDirFlag = cli.StringFlag{
		Name:  "predicates.dir",
		Usage: "directory of predicate specification files loaded at startup",
	}
	sidecarAddrFlag = cli.StringFlag{
		Name:  "sidecar.addr",
		Usage: "Ordinals sidecar gRPC target (empty disables sidecar mutation)",
	}
	scanStoreDSNFlag = cli.StringFlag{
		Name:  "scanstore.dsn",
		Usage: "MySQL DSN for scan checkpoints (empty disables scan-to-stream handoff)",
	}
	metricsEnabledFlag = cli.BoolFlag{
		Name:  "metrics",
		Usage: "enable metrics reporters",
	}
	prometheusAddrFlag = cli.StringFlag{
		Name:  "metrics.prometheus.addr",
		Usage: "listen address for the Prometheus exposition endpoint",
	}

	nodeFlags = []cli.Flag{
		configFileFlag,
		httpAddrFlag,
		predicateDirFlag,
		sidecarAddrFlag,
		scanStoreDSNFlag,
		metricsEnabledFlag,
		prometheusAddrFlag,
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "chainhook-node"
	app.Usage = "Stacks/Bitcoin chainhook observer"
	app.Flags = nodeFlags
	app.Action = runNode
	app.Commands = []cli.Command{
		{
			Name:   "dumpconfig",
			Usage:  "show the effective configuration",
			Flags:  nodeFlags,
			Action: dumpConfig,
		},
		scanCommand,
	}

	if err := app.Run(os.Args); err != nil {
		logger.Crit("chainhook-node exiting", "err", err)
	}
}

func runNode(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}

	stacksNetwork := chainhooks.Network(cfg.StacksNetwork)
	bitcoinNetwork := chainhooks.Network(cfg.BitcoinNetwork)

	stacksDB, err := openDatabase(cfg.StacksStore)
	if err != nil {
		return errors.Wrap(err, "open stacks database")
	}
	defer stacksDB.Close()
	bitcoinDB, err := openDatabase(cfg.BitcoinStore)
	if err != nil {
		return errors.Wrap(err, "open bitcoin database")
	}
	defer bitcoinDB.Close()

	stacksStore := blockstore.New(stacksDB, chaintypes.Stacks)
	bitcoinStore := blockstore.New(bitcoinDB, chaintypes.Bitcoin)

	stacksForkPad, err := forkpad.New(chaintypes.Stacks, cfg.ConfirmationDepth)
	if err != nil {
		return errors.Wrap(err, "build stacks fork pad")
	}
	bitcoinForkPad, err := forkpad.New(chaintypes.Bitcoin, cfg.ConfirmationDepth)
	if err != nil {
		return errors.Wrap(err, "build bitcoin fork pad")
	}

	stacksRegistry := registry.New(chaintypes.Stacks)
	bitcoinRegistry := registry.New(chaintypes.Bitcoin)

	dispatcher := observer.NewDispatcher()

	var sidecarClient observer.SidecarMutator
	if cfg.SidecarAddr != "" {
		client, err := sidecar.Dial(cfg.SidecarAddr)
		if err != nil {
			return errors.Wrap(err, "dial ordinals sidecar")
		}
		defer client.Close()
		sidecarClient = client
	}

	core := observer.New(observer.Config{
		StacksNetwork:  stacksNetwork,
		BitcoinNetwork: bitcoinNetwork,

		StacksRegistry:  stacksRegistry,
		BitcoinRegistry: bitcoinRegistry,

		StacksStore:  stacksStore,
		BitcoinStore: bitcoinStore,

		StacksForkPad:  stacksForkPad,
		BitcoinForkPad: bitcoinForkPad,

		Dispatcher: dispatcher,
		Sidecar:    sidecarClient,
	})
	go core.Run()

	if err := loadPredicates(core, cfg.PredicateDir, cfg.ScanStoreDSN); err != nil {
		logger.Warn("predicate directory load incomplete", "dir", cfg.PredicateDir, "err", err)
	}

	if cfg.Metrics.Enabled {
		stopMetrics := startMetrics(cfg.Metrics)
		defer stopMetrics()
	}

	server := httpapi.New(core)
	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: server.Handler()}
	go func() {
		logger.Info("listening", "addr", cfg.HTTPListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Crit("http server exiting", "err", err)
		}
	}()

	waitForShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", "err", err)
	}

	core.Submit(observer.Command{Kind: observer.CmdTerminate})
	<-core.Stopped()
	return nil
}

func openDatabase(cfg storageConfig) (database.Database, error) {
	switch cfg.Type {
	case "badger":
		return database.NewBadgerDB(cfg.Dir)
	case "leveldb", "":
		return database.NewLevelDB(cfg.Dir, cfg.CacheSizeMB, cfg.NumHandles)
	default:
		return nil, errors.Errorf("unknown storage type %q", cfg.Type)
	}
}

// loadPredicates walks dir for *.json predicate specification files and
// registers each one's instances, mirroring how a production deployment
// seeds chainhooks that must survive a restart without a replay of every
// registration HTTP call.
//
// When scanStoreDSN names a reachable checkpoint store, every instance with
// a persisted Phase D checkpoint (§4.4) has its StartBlock advanced to
// LastEvaluatedIndex+1 before registration, so the live evaluator's existing
// StartBlock filter (chainhooks/evaluator) skips every height the Historical
// Scanner already dispatched -- the handoff P4 requires, with no new
// filtering logic of its own.
func loadPredicates(core *observer.Core, dir, scanStoreDSN string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var progress *scanstore.Store
	if scanStoreDSN != "" {
		store, err := scanstore.Open(scanStoreDSN)
		if err != nil {
			logger.Warn("failed to open scan checkpoint store, predicates will load without a resume point", "err", err)
		} else {
			progress = store
			defer store.Close()
		}
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("failed to read predicate file", "path", path, "err", err)
			continue
		}

		chain := chaintypes.Stacks
		if strings.Contains(entry.Name(), "bitcoin") {
			chain = chaintypes.Bitcoin
		}
		instances, err := chainhooks.DecodeSpecFile(raw, chain)
		if err != nil {
			logger.Warn("failed to decode predicate file", "path", path, "err", err)
			continue
		}
		for _, inst := range instances {
			applyScanCheckpoint(progress, inst)

			reply := make(chan observer.CommandResult, 1)
			core.Submit(observer.Command{Kind: observer.CmdRegisterPredicate, Instance: inst, Reply: reply})
			res := <-reply
			if res.Err != nil {
				logger.Warn("failed to register predicate", "path", path, "err", res.Err)
				continue
			}
			enableReply := make(chan observer.CommandResult, 1)
			core.Submit(observer.Command{Kind: observer.CmdEnablePredicate, UUID: res.UUID, Reply: enableReply})
			<-enableReply
		}
	}
	return nil
}

// applyScanCheckpoint advances inst.StartBlock to one past the last height
// a prior `scan` run evaluated for this predicate's UUID, if that checkpoint
// exists and is further ahead than whatever StartBlock the predicate file
// already set. A predicate with no UUID in its file has none assigned until
// CmdRegisterPredicate runs, so it has no checkpoint to look up yet -- this
// only resumes predicates whose UUID survived from the scan that wrote it.
func applyScanCheckpoint(store *scanstore.Store, inst *chainhooks.Instance) {
	if store == nil || inst.UUID == "" {
		return
	}
	checkpoint, found, err := store.LoadScanProgress(inst.UUID)
	if err != nil {
		logger.Warn("failed to load scan checkpoint", "uuid", inst.UUID, "err", err)
		return
	}
	if !found {
		return
	}
	if advanceStartBlock(inst, checkpoint.LastEvaluatedIndex+1) {
		logger.Info("resuming predicate past its scan checkpoint", "uuid", inst.UUID, "start_block", *inst.StartBlock)
	}
}

// advanceStartBlock sets inst.StartBlock to resumeAt if no StartBlock is set
// yet or the existing one lags behind resumeAt, and reports whether it did.
// Split out from applyScanCheckpoint as a pure function so the "never move
// StartBlock backwards" rule is testable without a live checkpoint store.
func advanceStartBlock(inst *chainhooks.Instance, resumeAt uint64) bool {
	if inst.StartBlock != nil && *inst.StartBlock >= resumeAt {
		return false
	}
	inst.StartBlock = &resumeAt
	return true
}

func startMetrics(cfg metricsConfig) func() {
	var stopInflux func()
	if cfg.InfluxDBAddr != "" {
		reporter, err := metrics.NewInfluxDBReporter(metrics.DefaultRegistry, metrics.InfluxDBConfig{
			Addr:     cfg.InfluxDBAddr,
			Database: cfg.InfluxDBDatabase,
			Username: cfg.InfluxDBUsername,
			Password: cfg.InfluxDBPassword,
			Interval: cfg.InfluxDBInterval,
		})
		if err != nil {
			logger.Warn("failed to start influxdb reporter", "err", err)
		} else {
			go reporter.Run()
			stopInflux = reporter.Stop
		}
	}

	var promServer *http.Server
	if cfg.PrometheusAddr != "" {
		promServer = &http.Server{Addr: cfg.PrometheusAddr, Handler: metrics.NewPrometheusHandler(metrics.DefaultRegistry)}
		go func() {
			if err := promServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("prometheus exporter stopped", "err", err)
			}
		}()
	}

	return func() {
		if stopInflux != nil {
			stopInflux()
		}
		if promServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			promServer.Shutdown(ctx)
		}
	}
}

func waitForShutdown() {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)
	<-sigc
	logger.Info("received interrupt, shutting down")
}
