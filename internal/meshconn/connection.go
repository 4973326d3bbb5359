// Package meshconn implements one mesh link: the connection state machine
// and the three-way cluster-merge handshake carried over it.
//
// The state machine shape — an explicit State enum advanced only through
// named transition methods, with timeouts checked on each tick rather than
// armed as real timers — follows the single cooperative main task model
// spec.md describes; it also mirrors the teacher's
// internal/cluster/distributed_coordinator.go pattern of an explicit
// lifecycle enum driven by discrete events instead of goroutine-per-link.
package meshconn

import (
	"time"

	"github.com/hashicorp/serf/serf"

	"meshcore/internal/packetqueue"
	"meshcore/internal/radio"
	"meshcore/internal/wire"
)

// State is the connection's lifecycle stage.
type State uint8

const (
	StateConnecting State = iota
	StateConnected
	StateEncrypting
	StateHandshaking
	StateHandshakeDone
	StateReestablishing
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateEncrypting:
		return "ENCRYPTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateHandshakeDone:
		return "HANDSHAKE_DONE"
	case StateReestablishing:
		return "REESTABLISHING"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Direction records which side initiated the radio connection.
type Direction uint8

const (
	DirectionOutbound Direction = iota // we called Connect
	DirectionInbound                   // the peer connected to us
)

// Config bounds handshake and reestablishment timing, mirroring the
// defaults spec.md names.
type Config struct {
	HandshakeTimeout   time.Duration // default 4s (mesh_handshake_timeout_ds = 40)
	ReestablishTimeout time.Duration // default 10s
	MTU                int

	// Queue configures the connection's outbound packet queue (budget,
	// send-failure threshold); MTU above always takes precedence over
	// Queue.MTU so the two never disagree.
	Queue packetqueue.Config
}

// DefaultConfig returns spec.md's stated default timings.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:   4 * time.Second,
		ReestablishTimeout: 10 * time.Second,
		MTU:                20,
		Queue:              packetqueue.DefaultConfig(),
	}
}

// ClusterSnapshot is the cluster identity/size/sink-distance a connection
// last agreed on with its partner, refreshed by CLUSTER_INFO_UPDATE.
type ClusterSnapshot struct {
	ClusterId   uint32
	ClusterSize uint16
	// HopsToSink is signed: -1 means unknown, 1 means this node is a sink,
	// otherwise 1+min(connected hops). Must always propagate as a signed
	// value, never as an unsigned sentinel like 65535.
	HopsToSink int16
}

// Connection is one mesh link, covering both the radio layer's lifecycle
// and the cluster-merge handshake layered on top of it.
type Connection struct {
	UniqueConnectionId string
	Direction           Direction
	PartnerAddress      radio.Address
	Handle              uint16
	State               State
	MTU                 int

	Out     *packetqueue.Queue
	In      *packetqueue.Reassembler
	Retries *packetqueue.FailureTracker

	ConnectionMasterBit bool
	ConnectedCluster    ClusterSnapshot

	// ClusterUpdateCounter is the 3-bit sequence number this node last
	// tagged an outbound CLUSTER_INFO_UPDATE with on this connection.
	// NextExpectedClusterUpdateCounter is the value the peer's next
	// CLUSTER_INFO_UPDATE on this link must carry to be accepted; anything
	// else is a replay (most commonly one delivered again across a
	// reestablished link) and is dropped. See spec.md §4.5/§3.
	ClusterUpdateCounter             uint8
	NextExpectedClusterUpdateCounter uint8
	clusterClock                     *serf.LamportClock

	RSSIEma float64 // exponential moving average, dBm

	cfg Config

	connectedAt        time.Time
	encryptionDoneAt   time.Time
	handshakeStartedAt time.Time
	lastSeenAt         time.Time

	DisconnectReason radio.DisconnectReason

	hs *handshakeState
}

// New creates a connection fresh off a radio Connected/inbound-accept
// event. The state starts at StateConnected; callers that require link
// encryption drive it through StateEncrypting themselves before the
// handshake is armed.
func New(id string, dir Direction, addr radio.Address, handle uint16, cfg Config, now time.Time) *Connection {
	qcfg := cfg.Queue
	if qcfg == (packetqueue.Config{}) {
		qcfg = packetqueue.DefaultConfig()
	}
	qcfg.MTU = cfg.MTU

	return &Connection{
		UniqueConnectionId: id,
		Direction:          dir,
		PartnerAddress:     addr,
		Handle:             handle,
		State:              StateConnected,
		MTU:                cfg.MTU,
		Out:                packetqueue.New(qcfg),
		In:                 packetqueue.NewReassembler(cfg.MTU),
		Retries:            packetqueue.NewFailureTracker(qcfg.SendFailureThreshold),
		clusterClock:       new(serf.LamportClock),
		cfg:                cfg,
		connectedAt:        now,
		lastSeenAt:         now,
	}
}

// NextClusterUpdateCounter advances this connection's outbound gossip
// sequence and returns the 3-bit value to tag the next CLUSTER_INFO_UPDATE
// with, per spec.md §4.5. The first value is 0, the counter
// AcceptClusterInfoUpdate expects first.
func (c *Connection) NextClusterUpdateCounter() uint8 {
	c.ClusterUpdateCounter = uint8(c.clusterClock.Increment()-1) & clusterUpdateCounterMask
	return c.ClusterUpdateCounter
}

// AcceptClusterInfoUpdate reports whether counter is the next value this
// connection expects, per spec.md §4.5's exactly-once replay defense:
// only a CLUSTER_INFO_UPDATE carrying the expected-next counter is
// accepted, and the expectation then advances. A duplicate delivered
// again — the scenario a reestablished link can produce — carries a
// counter already consumed and is dropped.
func (c *Connection) AcceptClusterInfoUpdate(counter uint8) bool {
	if counter != c.NextExpectedClusterUpdateCounter {
		return false
	}
	c.NextExpectedClusterUpdateCounter = (c.NextExpectedClusterUpdateCounter + 1) & clusterUpdateCounterMask
	return true
}

// BeginEncryption transitions Connected -> Encrypting. The handshake
// timeout is NOT armed here: per the original firmware
// (BaseConnection.cpp), it is armed only once encryption actually
// completes, not at raw connect time.
func (c *Connection) BeginEncryption(now time.Time) {
	if c.State != StateConnected {
		return
	}
	c.State = StateEncrypting
	c.lastSeenAt = now
}

// EncryptionComplete transitions Encrypting -> Handshaking and arms the
// handshake timeout from this moment.
func (c *Connection) EncryptionComplete(now time.Time) {
	if c.State != StateEncrypting && c.State != StateConnected {
		return
	}
	c.State = StateHandshaking
	c.encryptionDoneAt = now
	c.handshakeStartedAt = now
	c.lastSeenAt = now
	c.hs = newHandshakeState()
}

// HandshakeComplete transitions Handshaking -> HandshakeDone once the
// three-way cluster merge finishes.
func (c *Connection) HandshakeComplete(snapshot ClusterSnapshot, now time.Time) {
	c.State = StateHandshakeDone
	c.ConnectedCluster = snapshot
	c.lastSeenAt = now
}

// BeginReestablishing transitions HandshakeDone -> Reestablishing after a
// supervision timeout or similar recoverable link loss. Per
// BaseConnection.cpp, reestablishment only resyncs the radio link/handles;
// it never redoes the cluster-merge handshake.
func (c *Connection) BeginReestablishing(now time.Time) {
	if c.State != StateHandshakeDone {
		return
	}
	c.State = StateReestablishing
	c.lastSeenAt = now
}

// ReestablishComplete transitions Reestablishing -> HandshakeDone,
// restoring the connection to service with its prior cluster snapshot
// intact.
func (c *Connection) ReestablishComplete(newHandle uint16, now time.Time) {
	if c.State != StateReestablishing {
		return
	}
	c.Handle = newHandle
	c.State = StateHandshakeDone
	c.lastSeenAt = now
}

// Disconnect marks the connection torn down for reason.
func (c *Connection) Disconnect(reason radio.DisconnectReason, now time.Time) {
	c.State = StateDisconnected
	c.DisconnectReason = reason
	c.lastSeenAt = now
}

// Touch records that a packet was seen on this connection, resetting
// whichever liveness window the current state is tracking.
func (c *Connection) Touch(now time.Time) {
	c.lastSeenAt = now
}

// TimeoutKind reports which timeout, if any, CheckTimeout finds expired.
type TimeoutKind uint8

const (
	TimeoutNone TimeoutKind = iota
	TimeoutHandshake
	TimeoutReestablish
)

// CheckTimeout reports whether the connection has overrun its current
// state's timeout budget. Called once per main-loop tick; never blocks.
func (c *Connection) CheckTimeout(now time.Time) TimeoutKind {
	switch c.State {
	case StateHandshaking:
		if now.Sub(c.handshakeStartedAt) >= c.cfg.HandshakeTimeout {
			return TimeoutHandshake
		}
	case StateReestablishing:
		if now.Sub(c.lastSeenAt) >= c.cfg.ReestablishTimeout {
			return TimeoutReestablish
		}
	}
	return TimeoutNone
}

// UpdateRSSI folds a fresh RSSI sample into the connection's running
// average. alpha is the decay weight applied to the new sample; callers
// typically derive it from how long the connection has been alive, giving
// young connections a noisier but faster-converging average and mature
// ones a steadier one.
func (c *Connection) UpdateRSSI(sampleDbm int8, alpha float64) {
	if c.RSSIEma == 0 {
		c.RSSIEma = float64(sampleDbm)
		return
	}
	c.RSSIEma = alpha*float64(sampleDbm) + (1-alpha)*c.RSSIEma
}

// packetHeaderFor builds the envelope a handshake message is sent under.
func packetHeaderFor(mt wire.MessageType, sender, receiver wire.NodeId) wire.PacketHeader {
	return wire.PacketHeader{MessageType: mt, Sender: sender, Receiver: receiver}
}
