package configutil

import (
	"fmt"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/hcl"
	"github.com/hashicorp/hcl/hcl/ast"
)

// Telemetry is the telemetry { ... } block of the configuration file.
type Telemetry struct {
	StatsiteAddr string `hcl:"statsite_address"`
	StatsdAddr   string `hcl:"statsd_address"`

	DisableHostname bool   `hcl:"disable_hostname"`
	MetricsPrefix   string `hcl:"metrics_prefix"`
}

func parseTelemetry(result *Config, list *ast.ObjectList) error {
	if len(list.Items) > 1 {
		return fmt.Errorf("only one 'telemetry' block is permitted")
	}

	var t Telemetry
	if err := hcl.DecodeObject(&t, list.Items[0].Val); err != nil {
		return err
	}
	result.Telemetry = &t
	return nil
}

// SetupTelemetry configures the global metrics sink from the telemetry
// block; absent sinks leave the in-memory aggregator as the only one.
func SetupTelemetry(t *Telemetry) (*metrics.InmemSink, error) {
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)

	prefix := "helios"
	if t != nil && t.MetricsPrefix != "" {
		prefix = t.MetricsPrefix
	}

	fanout := metrics.FanoutSink{}
	if t != nil && t.StatsiteAddr != "" {
		sink, err := metrics.NewStatsiteSink(t.StatsiteAddr)
		if err != nil {
			return nil, err
		}
		fanout = append(fanout, sink)
	}
	if t != nil && t.StatsdAddr != "" {
		sink, err := metrics.NewStatsdSink(t.StatsdAddr)
		if err != nil {
			return nil, err
		}
		fanout = append(fanout, sink)
	}

	cfg := metrics.DefaultConfig(prefix)
	cfg.EnableHostname = t == nil || !t.DisableHostname

	fanout = append(fanout, inm)
	if _, err := metrics.NewGlobal(cfg, fanout); err != nil {
		return nil, err
	}
	return inm, nil
}
