package clustering

import "meshcore/internal/telemetry"

// ComputeHopsToSink implements spec.md §4.5's sink-hop propagation rule:
// sinks are always 1 hop from themselves; non-sinks are one more than the
// minimum hop count among their currently connected neighbors. -1 means
// unknown/no path and must never be conflated with "many hops away".
func ComputeHopsToSink(deviceType DeviceType, connectedHops []int16) int16 {
	if deviceType == DeviceTypeSink {
		return 1
	}
	best := int16(-1)
	for _, h := range connectedHops {
		if h < 0 {
			continue
		}
		if best < 0 || h < best {
			best = h
		}
	}
	if best < 0 {
		return -1
	}
	return best + 1
}

// ClampClusterSize enforces spec.md §9's resolution of the CLUSTER_INFO_UPDATE
// wraparound Open Question: a signed size delta must never be allowed to
// drive cluster_size below 1. Underflow is clamped rather than wrapped,
// and a telemetry event is raised so the condition is observable.
func ClampClusterSize(size int32) uint16 {
	if size < 1 {
		telemetry.IncrCounter(telemetry.CounterClusterSizeUnderflow)
		return 1
	}
	if size > 0xFFFF {
		return 0xFFFF
	}
	return uint16(size)
}

// ApplyClusterSizeChange applies a signed CLUSTER_INFO_UPDATE delta to a
// node's current cluster size, clamping per ClampClusterSize.
func ApplyClusterSizeChange(current uint16, delta int16) uint16 {
	return ClampClusterSize(int32(current) + int32(delta))
}
