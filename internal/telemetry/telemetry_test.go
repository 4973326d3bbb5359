package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeSink struct {
	counters map[string]float32
	gauges   map[string]float32
}

func newFakeSink() *fakeSink {
	return &fakeSink{counters: map[string]float32{}, gauges: map[string]float32{}}
}

func (f *fakeSink) IncrCounter(key []string, val float32) {
	f.counters[key[0]] += val
}

func (f *fakeSink) SetGauge(key []string, val float32) {
	f.gauges[key[0]] = val
}

func TestIncrCounterRoutesToSink(t *testing.T) {
	fake := newFakeSink()
	SetSink(fake)
	defer SetSink(nil)

	IncrCounter(CounterSplitPacketMissing)
	IncrCounter(CounterSplitPacketMissing)
	IncrCounterBy(CounterTooManySendRetries, 3)

	assert.Equal(t, float32(2), fake.counters[CounterSplitPacketMissing])
	assert.Equal(t, float32(3), fake.counters[CounterTooManySendRetries])
}

func TestSetGaugeRoutesToSink(t *testing.T) {
	fake := newFakeSink()
	SetSink(fake)
	defer SetSink(nil)

	SetGauge(GaugeQueueDepth, 42)
	assert.Equal(t, float32(42), fake.gauges[GaugeQueueDepth])
}

func TestNilSinkResetsToNoop(t *testing.T) {
	SetSink(nil)
	// must not panic
	IncrCounter(CounterWatchdogReset)
	SetGauge(GaugeClusterSize, 1)
}
