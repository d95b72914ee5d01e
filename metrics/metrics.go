// Package metrics is the node's instrumentation surface, grounded on
// chaindata_fetcher.go's rcrowley/go-metrics gauges
// (handledBlockNumberGauge, checkpointGauge, the per-request-type
// *InsertionTimeGauge/*InsertionRetryGauge pairs) generalized from one
// fetcher's request types to this node's chain/component names.
package metrics

import (
	"github.com/rcrowley/go-metrics"
)

// DefaultRegistry is the registry every component registers its metrics
// into unless a test supplies its own, mirroring go-metrics' own
// package-level DefaultRegistry convention.
var DefaultRegistry = metrics.NewRegistry()

// Names follow "<component>/<measurement>", the same slash-separated
// convention chaindata_fetcher.go uses ("klay/chaindatafetcher/...").
const (
	StacksBlockHeightGauge  = "chainhook/stacks/block_height"
	BitcoinBlockHeightGauge = "chainhook/bitcoin/block_height"

	ActivePredicatesGauge = "chainhook/predicates/active"

	DispatchLatencyTimer  = "chainhook/dispatch/latency"
	DispatchErrorCounter  = "chainhook/dispatch/errors"
	DispatchAttemptMeter  = "chainhook/dispatch/attempts"

	ScanProgressGauge  = "chainhook/scan/progress"
	ScanErrorCounter   = "chainhook/scan/errors"
	CommandQueueDepth  = "chainhook/observer/queue_depth"
)

// Gauge returns the named gauge from DefaultRegistry, registering it on
// first use.
func Gauge(name string) metrics.Gauge {
	return metrics.GetOrRegisterGauge(name, DefaultRegistry)
}

// Counter returns the named counter from DefaultRegistry, registering it
// on first use.
func Counter(name string) metrics.Counter {
	return metrics.GetOrRegisterCounter(name, DefaultRegistry)
}

// Timer returns the named timer from DefaultRegistry, registering it on
// first use.
func Timer(name string) metrics.Timer {
	return metrics.GetOrRegisterTimer(name, DefaultRegistry)
}

// Meter returns the named meter from DefaultRegistry, registering it on
// first use.
func Meter(name string) metrics.Meter {
	return metrics.GetOrRegisterMeter(name, DefaultRegistry)
}
