package main

import (
	"bufio"
	"fmt"
	"os"
	"reflect"
	"time"
	"unicode"

	"github.com/naoina/toml"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/stacks-network/chainhook/chainhooks"
)

// tomlSettings ensures TOML keys use the same names as Go struct fields,
// the same settings object cmd/ranger/config.go builds for its own
// rangerConfig.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		link := ""
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://godoc.org/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

// storageConfig names one chain's on-disk database.
type storageConfig struct {
	Type        string // "leveldb" or "badger"
	Dir         string
	CacheSizeMB int
	NumHandles  int
}

// metricsConfig toggles the two reporter options on the shared go-metrics
// registry (§9's ambient instrumentation).
type metricsConfig struct {
	Enabled          bool
	PrometheusAddr   string
	InfluxDBAddr     string
	InfluxDBDatabase string
	InfluxDBUsername string
	InfluxDBPassword string
	InfluxDBInterval time.Duration
}

// nodeConfig is the TOML-decodable configuration for one chainhook-node
// process, the same "one struct, one [section] per field" shape
// rangerConfig gives node.Config/ranger.Config.
type nodeConfig struct {
	HTTPListenAddr string
	PredicateDir   string

	StacksNetwork  string
	BitcoinNetwork string

	StacksStore  storageConfig
	BitcoinStore storageConfig

	ConfirmationDepth uint64

	SidecarAddr string // empty disables the Ordinals sidecar

	// ScanStoreDSN names the MySQL DSN the Historical Scanner writes its
	// Phase D checkpoints to and the live node reads them back from at
	// startup to advance each predicate's StartBlock past what the scan
	// already covered (§4.4 Phase D). Empty disables checkpoint
	// persistence: a scan then behaves as a one-shot backfill with no
	// handoff, and the live node evaluates every predicate from its
	// configured StartBlock as before.
	ScanStoreDSN string

	Metrics metricsConfig
}

func defaultConfig() nodeConfig {
	return nodeConfig{
		HTTPListenAddr: ":20456",
		PredicateDir:   "./predicates",

		StacksNetwork:  string(chainhooks.NetworkMainnet),
		BitcoinNetwork: string(chainhooks.NetworkMainnet),

		StacksStore: storageConfig{
			Type:        "leveldb",
			Dir:         "./data/stacks",
			CacheSizeMB: 128,
			NumHandles:  256,
		},
		BitcoinStore: storageConfig{
			Type:        "leveldb",
			Dir:         "./data/bitcoin",
			CacheSizeMB: 128,
			NumHandles:  256,
		},

		ConfirmationDepth: 6,

		Metrics: metricsConfig{
			InfluxDBInterval: 10 * time.Second,
		},
	}
}

func loadConfig(file string, cfg *nodeConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	if _, ok := err.(*toml.LineError); ok {
		return errors.New(file + ", " + err.Error())
	}
	return err
}

// makeConfig builds the process configuration: defaults, overlaid with a
// TOML file if --config names one, overlaid with explicit flags -- the
// same three-layer precedence cmd/ranger/config.go's makeConfigRanger
// applies to node.Config.
func makeConfig(ctx *cli.Context) (nodeConfig, error) {
	cfg := defaultConfig()

	if file := ctx.String(configFileFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			return cfg, err
		}
	}

	if ctx.IsSet(httpAddrFlag.Name) {
		cfg.HTTPListenAddr = ctx.String(httpAddrFlag.Name)
	}
	if ctx.IsSet(predicateDirFlag.Name) {
		cfg.PredicateDir = ctx.String(predicateDirFlag.Name)
	}
	if ctx.IsSet(sidecarAddrFlag.Name) {
		cfg.SidecarAddr = ctx.String(sidecarAddrFlag.Name)
	}
	if ctx.IsSet(scanStoreDSNFlag.Name) {
		cfg.ScanStoreDSN = ctx.String(scanStoreDSNFlag.Name)
	}
	if ctx.IsSet(metricsEnabledFlag.Name) {
		cfg.Metrics.Enabled = ctx.Bool(metricsEnabledFlag.Name)
	}
	if ctx.IsSet(prometheusAddrFlag.Name) {
		cfg.Metrics.PrometheusAddr = ctx.String(prometheusAddrFlag.Name)
	}

	return cfg, nil
}

func dumpConfig(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	out, err := tomlSettings.Marshal(&cfg)
	if err != nil {
		return err
	}
	os.Stdout.Write(out)
	return nil
}
