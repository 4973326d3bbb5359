package packetqueue

import (
	"meshcore/internal/telemetry"
	"meshcore/internal/wire"
)

// Reassembler rebuilds a split message from its fragments on the receive
// side of one connection. Its buffer is fixed at the connection's MTU
// multiplied by the maximum fragment count the 5-bit split counter can
// express, matching the fixed reassembly buffer the spec calls for rather
// than an unbounded append.
type Reassembler struct {
	mtu    int
	buf    []byte
	used   int
	active bool
	lastN  int
}

// maxFragments is the largest split_counter value the 5-bit field can
// carry, plus one.
const maxFragments = 32

// NewReassembler creates a reassembler sized for the given link MTU.
func NewReassembler(mtu int) *Reassembler {
	return &Reassembler{mtu: mtu, buf: make([]byte, mtu*maxFragments)}
}

// Feed processes one received wire fragment. It returns the fully
// reassembled payload and true once the final fragment arrives; for
// intermediate fragments, or a pass-through single-fragment message, it
// returns accordingly.
//
// A pass-through message (header.MessageType not a split sentinel) is
// handed back immediately with no buffering, matching the "single-fragment
// messages pass through without buffering" rule.
func (r *Reassembler) Feed(header wire.PacketHeader, body []byte) (payload []byte, complete bool) {
	if !header.MessageType.IsSplitSentinel() {
		return body, true
	}

	sh, err := wire.DecodeSplitHeader(body)
	if err != nil {
		return nil, false
	}
	chunk := body[wire.SplitHeaderSize:]

	if sh.Counter == 0 {
		// A counter of zero always (re)starts reassembly, even if a prior
		// message was abandoned mid-stream.
		r.active = true
		r.used = 0
		r.lastN = -1
	}

	if !r.active {
		return nil, false
	}

	if int(sh.Counter) != r.lastN+1 {
		telemetry.IncrCounter(telemetry.CounterSplitPacketMissing)
		r.active = false
		return nil, false
	}
	r.lastN = int(sh.Counter)

	if r.used+len(chunk) > len(r.buf) {
		telemetry.IncrCounter(telemetry.CounterSplitPacketMissing)
		r.active = false
		return nil, false
	}
	copy(r.buf[r.used:], chunk)
	r.used += len(chunk)

	if header.MessageType == wire.SplitWriteCmdEnd || sh.Final {
		out := make([]byte, r.used)
		copy(out, r.buf[:r.used])
		r.active = false
		return out, true
	}

	return nil, false
}

// FailureTracker force-disconnects a connection after too many consecutive
// genuine send failures (anything other than BUSY/NO_RESOURCES
// backpressure, which is expected and self-resolving).
type FailureTracker struct {
	threshold int
	count     int
}

// NewFailureTracker creates a tracker that trips after threshold
// consecutive failures.
func NewFailureTracker(threshold int) *FailureTracker {
	return &FailureTracker{threshold: threshold}
}

// RecordFailure registers one non-backpressure send failure and reports
// whether the threshold has now been crossed.
func (f *FailureTracker) RecordFailure() (shouldDisconnect bool) {
	f.count++
	if f.count >= f.threshold {
		telemetry.IncrCounter(telemetry.CounterTooManySendRetries)
		return true
	}
	return false
}

// RecordSuccess clears the consecutive-failure count; any successful send
// resets the window.
func (f *FailureTracker) RecordSuccess() {
	f.count = 0
}
