package meshconn

import "meshcore/internal/telemetry"

// DetectDuplicateLink reports whether two established connections are
// actually the same BLE partner connected twice (a "split brain": both
// sides raced to connect to each other simultaneously). When that happens,
// the radio's ConnectionMasterBit on each link breaks the tie: the
// connection where this node holds the master bit survives, and the
// other is torn down. Ties (master bit identical on both, which the
// radio stack should never produce but which this still resolves
// deterministically) keep the connection with the lower handle.
func DetectDuplicateLink(a, b *Connection) (keep, drop *Connection, isDuplicate bool) {
	if a.PartnerAddress != b.PartnerAddress {
		return nil, nil, false
	}
	telemetry.IncrCounter(telemetry.CounterSplitBrainDisconnected)
	if a.ConnectionMasterBit != b.ConnectionMasterBit {
		if a.ConnectionMasterBit {
			return a, b, true
		}
		return b, a, true
	}
	if a.Handle <= b.Handle {
		return a, b, true
	}
	return b, a, true
}
