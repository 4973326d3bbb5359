// Package telemetry exposes the counters and gauges the mesh core reports
// at runtime: protocol-level failure counts called out by the spec
// (missing split fragments, exhausted send retries, flash retry exhaustion,
// cluster-size clamps, watchdog resets) plus depth/size gauges.
//
// It wraps github.com/hashicorp/go-metrics, the metrics library the
// teacher's clustering stack already pulls in transitively through serf.
package telemetry

import (
	"time"

	"github.com/hashicorp/go-metrics"
)

const (
	inmemInterval = 10 * time.Second
	inmemRetain   = time.Minute
)

// Counter names. Kept as exported constants so components never need to
// remember the exact label string.
const (
	CounterSplitPacketMissing     = "mesh.packetqueue.split_packet_missing"
	CounterTooManySendRetries     = "mesh.connection.too_many_send_retries"
	CounterFlashRetryExhausted    = "mesh.records.flash_retry_exhausted"
	CounterClusterSizeUnderflow   = "mesh.clustering.cluster_size_underflow_clamped"
	CounterWatchdogReset          = "mesh.node.watchdog_reset"
	CounterHandshakeTimeout       = "mesh.connection.handshake_timeout"
	CounterReestablishTimeout     = "mesh.connection.reestablish_timeout"
	CounterDefragCompleted        = "mesh.records.defrag_completed"
	CounterAdvertisementDeduped   = "mesh.clustering.advertisement_deduped"
	CounterSplitBrainDisconnected = "mesh.connection.split_brain_disconnected"
	CounterClusterUpdateReplayDropped = "mesh.clustering.cluster_update_replay_dropped"
)

// Gauge names.
const (
	GaugeQueueDepth  = "mesh.packetqueue.depth"
	GaugeClusterSize = "mesh.clustering.cluster_size"
)

// Sink is the narrow slice of *metrics.Metrics the mesh core depends on, so
// components can be tested against a fake without importing go-metrics
// directly.
type Sink interface {
	IncrCounter(key []string, val float32)
	SetGauge(key []string, val float32)
}

// global is the process-wide metrics handle. Init installs an
// in-memory sink with a short retention window, matching the teacher's
// pattern of a single global logger installed once at startup.
var global Sink = noopSink{}

// Init installs an in-memory go-metrics sink as the global telemetry
// target. Call once during node boot.
func Init(serviceName string) error {
	inm := metrics.NewInmemSink(inmemInterval, inmemRetain)
	conf := metrics.DefaultConfig(serviceName)
	conf.EnableHostname = false
	conf.EnableRuntimeMetrics = false
	m, err := metrics.New(conf, inm)
	if err != nil {
		return err
	}
	global = m
	return nil
}

// SetSink overrides the global sink, primarily for tests.
func SetSink(s Sink) {
	if s == nil {
		global = noopSink{}
		return
	}
	global = s
}

// IncrCounter bumps the named counter by one.
func IncrCounter(name string) {
	global.IncrCounter([]string{name}, 1)
}

// IncrCounterBy bumps the named counter by val.
func IncrCounterBy(name string, val float32) {
	global.IncrCounter([]string{name}, val)
}

// SetGauge sets the named gauge to val.
func SetGauge(name string, val float32) {
	global.SetGauge([]string{name}, val)
}

type noopSink struct{}

func (noopSink) IncrCounter([]string, float32) {}
func (noopSink) SetGauge([]string, float32)    {}
