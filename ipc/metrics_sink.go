package ipc

import (
	"time"

	"github.com/armon/go-metrics"
	"github.com/armon/go-metrics/datadog"
)

// MetricsConfig names the optional external metrics backend a Server
// can fan its armon/go-metrics measurements out to, alongside the
// always-on in-memory sink the stats command reads from.
type MetricsConfig struct {
	// ServiceName prefixes every metric name.
	ServiceName string

	// DogStatsdAddr, if set, fans metrics out to a dogstatsd agent at
	// this address in addition to the in-memory sink.
	DogStatsdAddr string
}

// NewMetricsSink builds the in-memory sink the stats command reads
// from, optionally fanned out to a dogstatsd backend, and installs the
// result as the process-wide default sink every metrics.IncrCounter/
// SetGauge call in the gossip layer reports through. Grounded on the
// teacher's command/agent/command.go setupAgent-time metrics wiring
// (NewInmemSink/DefaultInmemSignal/DefaultConfig/NewGlobal), extended
// with the optional dogstatsd fan-out.
func NewMetricsSink(cfg MetricsConfig) (*metrics.InmemSink, error) {
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)

	sink := metrics.MetricSink(inm)
	if cfg.DogStatsdAddr != "" {
		dog, err := datadog.NewDogStatsdSink(cfg.DogStatsdAddr, cfg.ServiceName)
		if err != nil {
			return nil, err
		}
		sink = metrics.FanoutSink{inm, dog}
	}

	conf := metrics.DefaultConfig(cfg.ServiceName)
	metrics.NewGlobal(conf, sink)
	return inm, nil
}
