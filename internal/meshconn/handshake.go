package meshconn

import (
	"fmt"

	msgpack "github.com/hashicorp/go-msgpack/v2/codec"

	"meshcore/internal/wire"
)

// Handshake message types. These live in the application range, well below
// the two fragmentation sentinels wire.SplitWriteCmd/SplitWriteCmdEnd
// reserve at the top of the byte.
const (
	MsgClusterWelcome    wire.MessageType = 0x01
	MsgClusterAck1       wire.MessageType = 0x02
	MsgClusterAck2       wire.MessageType = 0x03
	MsgClusterInfoUpdate wire.MessageType = 0x04
)

// ClusterWelcomePayload is sent by the central side opening the three-way
// cluster-merge handshake: it advertises the cluster it currently belongs
// to so the peripheral can decide who is absorbed into whom.
type ClusterWelcomePayload struct {
	Sender      wire.NodeId
	ClusterId   uint32
	ClusterSize uint16
	HopsToSink  int16
}

// ClusterAck1Payload is sent only by whichever side turns out to be the
// smaller cluster, after it has already reset itself to a singleton with a
// fresh cluster id.
type ClusterAck1Payload struct {
	Sender     wire.NodeId
	HopsToSink int16 // always -1: the smaller side has no sink path yet
}

// ClusterAck2Payload closes the handshake: the bigger side confirms the
// merged cluster identity, with its size already incremented by one to
// absorb the new node.
type ClusterAck2Payload struct {
	ClusterId   uint32
	ClusterSize uint16
	HopsToSink  int16
}

// ClusterInfoUpdatePayload is gossiped after the handshake completes,
// whenever this node's view of its cluster's size or sink distance
// changes. Counter is a narrow 3-bit sequence number (0-7) so stale,
// out-of-order updates (e.g. replayed across a reestablished link) can be
// detected and dropped.
type ClusterInfoUpdatePayload struct {
	ClusterSizeChange int16
	HopsToSink        int16
	Counter           uint8
}

const clusterUpdateCounterMask = 0x07

var mpHandle = &msgpack.MsgpackHandle{}

func encodePayload(v interface{}) ([]byte, error) {
	var buf []byte
	enc := msgpack.NewEncoderBytes(&buf, mpHandle)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("meshconn: encode handshake payload: %w", err)
	}
	return buf, nil
}

func decodePayload(data []byte, v interface{}) error {
	dec := msgpack.NewDecoderBytes(data, mpHandle)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("meshconn: decode handshake payload: %w", err)
	}
	return nil
}

// MergeOutcome classifies how a peripheral's cluster compares to the
// CLUSTER_WELCOME it just received from a central.
type MergeOutcome uint8

const (
	// MergePeripheralSmaller: the peripheral's cluster loses and must reset
	// to a singleton, then send CLUSTER_ACK_1.
	MergePeripheralSmaller MergeOutcome = iota
	// MergePeripheralBigger: the peripheral's cluster wins; it stays idle
	// and sends nothing. No central-side handler resets the central in
	// this case, so the merge does not complete over this connection.
	MergePeripheralBigger
	// MergeCycle: both sides already share a cluster id with differing
	// sizes, meaning a connection formed a loop back into the same
	// cluster. The connection must be dissolved.
	MergeCycle
	// MergeTieReseed: cluster size AND cluster id are identical on both
	// sides — only reachable via a clock-seeded RNG collision on restart.
	// Per spec.md's Open Questions, resolved as: disconnect and re-seed
	// both sides' cluster identity rather than assume any ordering.
	MergeTieReseed
)

// ClassifyMerge is the peripheral-side comparison spec.md §4.3 step 1
// describes.
func ClassifyMerge(local, remote ClusterSnapshot) MergeOutcome {
	if remote.ClusterId == local.ClusterId {
		if remote.ClusterSize == local.ClusterSize {
			return MergeTieReseed
		}
		return MergeCycle
	}
	if remote.ClusterSize < local.ClusterSize || (remote.ClusterSize == local.ClusterSize && remote.ClusterId < local.ClusterId) {
		return MergePeripheralBigger
	}
	return MergePeripheralSmaller
}

// handshakeState tracks progress through the three-way merge while a
// connection sits in StateHandshaking.
type handshakeState struct {
	sentWelcome bool
	outcome     MergeOutcome
	haveOutcome bool
}

func newHandshakeState() *handshakeState {
	return &handshakeState{}
}

// BuildClusterWelcome produces the central side's opening handshake
// message. Must be called while the connection is StateHandshaking.
func (c *Connection) BuildClusterWelcome(local ClusterSnapshot, localNodeId wire.NodeId) ([]byte, error) {
	if c.hs == nil {
		c.hs = newHandshakeState()
	}
	c.hs.sentWelcome = true
	return encodePayload(ClusterWelcomePayload{
		Sender:      localNodeId,
		ClusterId:   local.ClusterId,
		ClusterSize: local.ClusterSize,
		HopsToSink:  local.HopsToSink,
	})
}

// HandleClusterWelcome is the peripheral side's reaction to an inbound
// CLUSTER_WELCOME. It returns the outcome and, only when the peripheral
// turns out to be the smaller cluster, the CLUSTER_ACK_1 payload to send
// back along with the singleton snapshot the peripheral must reset to
// before sending it. newClusterId is supplied by the caller (drawn from
// the clustering engine's random source) since this package does not
// generate randomness itself.
func (c *Connection) HandleClusterWelcome(data []byte, local ClusterSnapshot, localNodeId wire.NodeId, newClusterId uint32) (outcome MergeOutcome, ack1 []byte, resetSnapshot ClusterSnapshot, err error) {
	var msg ClusterWelcomePayload
	if err = decodePayload(data, &msg); err != nil {
		return 0, nil, ClusterSnapshot{}, err
	}
	remote := ClusterSnapshot{ClusterId: msg.ClusterId, ClusterSize: msg.ClusterSize, HopsToSink: msg.HopsToSink}

	if c.hs == nil {
		c.hs = newHandshakeState()
	}
	outcome = ClassifyMerge(local, remote)
	c.hs.outcome = outcome
	c.hs.haveOutcome = true

	if outcome != MergePeripheralSmaller {
		return outcome, nil, ClusterSnapshot{}, nil
	}

	resetSnapshot = ClusterSnapshot{ClusterId: newClusterId, ClusterSize: 1, HopsToSink: -1}
	ack1, err = encodePayload(ClusterAck1Payload{Sender: localNodeId, HopsToSink: -1})
	return outcome, ack1, resetSnapshot, err
}

// HandleClusterAck1 is the central (bigger) side's reaction to CLUSTER_ACK_1:
// it sets this connection's master bit and returns the CLUSTER_ACK_2 to
// send back along with the merged snapshot both sides will now share
// (local size incremented by one to absorb the new node).
func (c *Connection) HandleClusterAck1(data []byte, local ClusterSnapshot) (ack2 []byte, merged ClusterSnapshot, err error) {
	var msg ClusterAck1Payload
	if err = decodePayload(data, &msg); err != nil {
		return nil, ClusterSnapshot{}, err
	}
	c.ConnectionMasterBit = true
	merged = ClusterSnapshot{ClusterId: local.ClusterId, ClusterSize: local.ClusterSize + 1, HopsToSink: local.HopsToSink}
	ack2, err = encodePayload(ClusterAck2Payload{ClusterId: merged.ClusterId, ClusterSize: merged.ClusterSize, HopsToSink: merged.HopsToSink})
	return ack2, merged, err
}

// HandleClusterAck2 is the peripheral (smaller) side's reaction to the
// closing CLUSTER_ACK_2: it adopts the bigger cluster's identity, and the
// handshake completes for both sides.
func (c *Connection) HandleClusterAck2(data []byte) (ClusterSnapshot, error) {
	var msg ClusterAck2Payload
	if err := decodePayload(data, &msg); err != nil {
		return ClusterSnapshot{}, err
	}
	return ClusterSnapshot{ClusterId: msg.ClusterId, ClusterSize: msg.ClusterSize, HopsToSink: msg.HopsToSink}, nil
}

// BuildClusterInfoUpdate encodes an outbound gossip update, wrapping the
// counter into its 3-bit range.
func BuildClusterInfoUpdate(sizeChange, hopsToSink int16, counter uint8) ([]byte, error) {
	return encodePayload(ClusterInfoUpdatePayload{
		ClusterSizeChange: sizeChange,
		HopsToSink:        hopsToSink,
		Counter:           counter & clusterUpdateCounterMask,
	})
}

// DecodeClusterInfoUpdate decodes an inbound gossip update.
func DecodeClusterInfoUpdate(data []byte) (ClusterInfoUpdatePayload, error) {
	var msg ClusterInfoUpdatePayload
	err := decodePayload(data, &msg)
	return msg, err
}
