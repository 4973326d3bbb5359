package packetqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshcore/internal/wire"
)

func TestQueueDataAndPopSingleFragment(t *testing.T) {
	q := New(DefaultConfig())
	sentCalled := false

	err := q.QueueData(PriorityHigh, wire.MessageType(1), 1, 2, []byte("hi"), func() { sentCalled = true })
	require.NoError(t, err)

	out, ok := q.PopNextFragment(nil)
	require.True(t, ok)
	assert.True(t, out.Reliable)
	q.CommitSubmit()

	hdr, err := wire.DecodePacketHeader(out.Data)
	require.NoError(t, err)
	assert.Equal(t, wire.MessageType(1), hdr.MessageType)
	assert.False(t, hdr.MessageType.IsSplitSentinel())

	q.TxComplete(1, 0)
	assert.True(t, sentCalled)
}

func TestPopNextFragmentRetriesSameFragmentUntilCommitted(t *testing.T) {
	q := New(DefaultConfig())
	require.NoError(t, q.QueueData(PriorityHigh, wire.MessageType(1), 1, 2, []byte("retry-me"), nil))

	first, ok := q.PopNextFragment(nil)
	require.True(t, ok)

	// Simulate radio.Stack.Write reporting backpressure: CommitSubmit is
	// never called, so the fragment must not be counted inflight and must
	// be handed out again unchanged.
	assert.Equal(t, 0, q.PendingFragments())

	second, ok := q.PopNextFragment(nil)
	require.True(t, ok)
	assert.Equal(t, first.Data, second.Data, "an uncommitted fragment must be retried identically")
	assert.Equal(t, 0, q.PendingFragments(), "an uncommitted fragment must never be counted inflight")

	q.CommitSubmit()
	assert.Equal(t, 1, q.PendingFragments(), "CommitSubmit must move exactly one fragment inflight")

	q.TxComplete(1, 0)
	assert.Equal(t, 0, q.PendingFragments())
}

func TestVitalLaneDrainsBeforeLowerPriority(t *testing.T) {
	q := New(DefaultConfig())
	require.NoError(t, q.QueueData(PriorityLow, 1, 1, 2, []byte("low"), nil))
	require.NoError(t, q.QueueData(PriorityVital, 1, 1, 2, []byte("vital"), nil))

	out, ok := q.PopNextFragment(nil)
	require.True(t, ok)
	hdr, err := wire.DecodePacketHeader(out.Data)
	require.NoError(t, err)
	body := out.Data[wire.HeaderSize:]
	assert.Equal(t, "vital", string(body))
	_ = hdr
}

func TestQueueFullRejectsAtomically(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferBudgetBytes = 10
	q := New(cfg)

	err := q.QueueData(PriorityLow, 1, 1, 2, make([]byte, 20), nil)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 0, q.Depth())
}

func TestFragmentationSplitsOverMTU(t *testing.T) {
	payload := make([]byte, 50)
	for i := range payload {
		payload[i] = byte(i)
	}
	frags := fragment(5, 1, 2, payload, 20)
	assert.Greater(t, len(frags), 1)

	// Reassemble and confirm byte-for-byte round trip.
	r := NewReassembler(20)
	var got []byte
	for _, f := range frags {
		hdr, err := wire.DecodePacketHeader(f)
		require.NoError(t, err)
		body := f[wire.HeaderSize:]
		out, complete := r.Feed(hdr, body)
		if complete {
			got = out
		}
	}
	assert.Equal(t, payload, got)
}

func TestFragmentCountMatchesCeilDivision(t *testing.T) {
	assert.Equal(t, 1, fragmentCount(10, 20))
	n := fragmentCount(50, 20)
	assert.Equal(t, n, len(fragment(1, 0, 0, make([]byte, 50), 20)))
}

func TestReassemblerDetectsMissingFragment(t *testing.T) {
	payload := make([]byte, 50)
	frags := fragment(5, 1, 2, payload, 20)
	require.GreaterOrEqual(t, len(frags), 3)

	r := NewReassembler(20)
	hdr0, _ := wire.DecodePacketHeader(frags[0])
	_, complete := r.Feed(hdr0, frags[0][wire.HeaderSize:])
	assert.False(t, complete)

	// Skip the middle fragments and feed the final one (fragment 3) directly.
	last := frags[len(frags)-1]
	hdrLast, _ := wire.DecodePacketHeader(last)
	_, complete = r.Feed(hdrLast, last[wire.HeaderSize:])
	assert.False(t, complete)
}

func TestReassemblerRestartsOnCounterZero(t *testing.T) {
	payload := make([]byte, 50)
	frags := fragment(5, 1, 2, payload, 20)

	r := NewReassembler(20)
	hdr0, _ := wire.DecodePacketHeader(frags[0])
	r.Feed(hdr0, frags[0][wire.HeaderSize:])

	// Restart: feed fragment 0 again, then proceed normally.
	var got []byte
	for _, f := range frags {
		hdr, _ := wire.DecodePacketHeader(f)
		out, complete := r.Feed(hdr, f[wire.HeaderSize:])
		if complete {
			got = out
		}
	}
	assert.Equal(t, payload, got)
}

func TestPassThroughMessageSkipsReassemblyBuffer(t *testing.T) {
	r := NewReassembler(20)
	hdr := wire.PacketHeader{MessageType: 9, Sender: 1, Receiver: 2}
	out, complete := r.Feed(hdr, []byte("short"))
	assert.True(t, complete)
	assert.Equal(t, []byte("short"), out)
}

func TestFailureTrackerTripsAtThreshold(t *testing.T) {
	ft := NewFailureTracker(3)
	assert.False(t, ft.RecordFailure())
	assert.False(t, ft.RecordFailure())
	assert.True(t, ft.RecordFailure())
}

func TestFailureTrackerResetsOnSuccess(t *testing.T) {
	ft := NewFailureTracker(3)
	ft.RecordFailure()
	ft.RecordFailure()
	ft.RecordSuccess()
	assert.False(t, ft.RecordFailure())
}
