package metrics

import (
	"time"

	client "github.com/influxdata/influxdb/client/v2"
	gometrics "github.com/rcrowley/go-metrics"

	"github.com/stacks-network/chainhook/log"
)

var reporterLogger = log.NewModuleLogger(log.Metrics)

// InfluxDBConfig configures a periodic metrics push to an InfluxDB v1
// instance, the second reporter option on top of the same go-metrics
// registry the Prometheus handler scrapes.
type InfluxDBConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Tags     map[string]string

	Interval time.Duration
}

// InfluxDBReporter periodically snapshots a gometrics.Registry into
// InfluxDB line-protocol points.
type InfluxDBReporter struct {
	registry gometrics.Registry
	cfg      InfluxDBConfig
	client   client.Client

	stop chan struct{}
	done chan struct{}
}

// NewInfluxDBReporter dials cfg.Addr and returns a reporter ready for Run.
func NewInfluxDBReporter(reg gometrics.Registry, cfg InfluxDBConfig) (*InfluxDBReporter, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	c, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
	})
	if err != nil {
		return nil, err
	}
	return &InfluxDBReporter{
		registry: reg,
		cfg:      cfg,
		client:   c,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Run pushes a batch of points every cfg.Interval until Stop is called.
func (r *InfluxDBReporter) Run() {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.reportOnce(); err != nil {
				reporterLogger.Warn("influxdb metrics push failed", "err", err)
			}
		case <-r.stop:
			return
		}
	}
}

// Stop signals Run to exit and waits for it to return.
func (r *InfluxDBReporter) Stop() {
	close(r.stop)
	<-r.done
	r.client.Close()
}

func (r *InfluxDBReporter) reportOnce() error {
	bp, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:  r.cfg.Database,
		Precision: "s",
	})
	if err != nil {
		return err
	}

	now := time.Now()
	r.registry.Each(func(name string, i interface{}) {
		fields := fieldsFor(i)
		if fields == nil {
			return
		}
		pt, err := client.NewPoint(name, r.cfg.Tags, fields, now)
		if err != nil {
			reporterLogger.Warn("skipping metric point", "name", name, "err", err)
			return
		}
		bp.AddPoint(pt)
	})

	return r.client.Write(bp)
}

// fieldsFor converts one go-metrics value into InfluxDB fields, or nil for
// a metric kind this reporter does not export.
func fieldsFor(i interface{}) map[string]interface{} {
	switch m := i.(type) {
	case gometrics.Gauge:
		return map[string]interface{}{"value": m.Value()}
	case gometrics.GaugeFloat64:
		return map[string]interface{}{"value": m.Value()}
	case gometrics.Counter:
		return map[string]interface{}{"count": m.Count()}
	case gometrics.Meter:
		snap := m.Snapshot()
		return map[string]interface{}{"count": snap.Count(), "rate1": snap.Rate1()}
	case gometrics.Timer:
		snap := m.Snapshot()
		return map[string]interface{}{
			"count": snap.Count(),
			"p50":   snap.Percentile(0.5),
			"p99":   snap.Percentile(0.99),
		}
	default:
		return nil
	}
}
