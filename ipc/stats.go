package ipc

import (
	"strconv"

	"github.com/armon/go-metrics"
)

// addMetricsSnapshot flattens the most recent interval of an in-memory
// metrics sink into the nested string map the stats command returns,
// grouping gauges and counters separately the way the rest of the
// gossip layer labels its own armon/go-metrics calls.
func addMetricsSnapshot(out map[string]map[string]string, sink *metrics.InmemSink) {
	data := sink.Data()
	if len(data) == 0 {
		return
	}

	interval := data[len(data)-1]
	interval.RLock()
	defer interval.RUnlock()

	gauges := make(map[string]string, len(interval.Gauges))
	for name, val := range interval.Gauges {
		gauges[name] = strconv.FormatFloat(float64(val.Value), 'f', -1, 64)
	}
	out["gauges"] = gauges

	counters := make(map[string]string, len(interval.Counters))
	for name, val := range interval.Counters {
		counters[name] = strconv.FormatFloat(val.AggregateSample.Sum, 'f', -1, 64)
	}
	out["counters"] = counters

	samples := make(map[string]string, len(interval.Samples))
	for name, val := range interval.Samples {
		samples[name] = strconv.FormatFloat(val.AggregateSample.Mean(), 'f', -1, 64)
	}
	out["samples"] = samples
}
