// Package connmgr is the connection manager: the fixed-size table of live
// mesh links, slot arbitration for new inbound/outbound connections, and
// inbound packet routing (local dispatch, broadcast, hop-limited forward,
// shortest-sink forward, and default flood).
//
// The "reserve a slot by kind, refuse once the table is full" shape
// mirrors the fixed-capacity accounting in the teacher's
// internal/storage/memory_pool.go; the broadcast/flood forwarding paths
// follow the parallel fan-out-and-collect style of
// internal/cluster/node_communication.go's BroadcastRequest and
// internal/cluster/distributed_event_bus.go's subscriber fan-out, adapted
// here to fan out over mesh connections instead of HTTP peers or local
// channels.
package connmgr

import (
	"fmt"
	"sync"

	"meshcore/internal/clustering"
	"meshcore/internal/meshconn"
	"meshcore/internal/wire"
)

// Kind distinguishes the two connection families the slot limits apply to
// independently.
type Kind uint8

const (
	KindMesh Kind = iota
	KindApp
)

// SlotLimits bounds how many connections of each kind/direction the table
// may hold at once, matching the defaults spec.md names.
type SlotLimits struct {
	OutMeshMax int // default 3
	InMeshMax  int // default 2
	AppMax     int // default 2
	MaxSmall   int // default 5, total connections below the "large" MTU tier
	MaxLarge   int // default 8, total connections overall
}

// DefaultSlotLimits returns spec.md's stated connection slot defaults.
func DefaultSlotLimits() SlotLimits {
	return SlotLimits{
		OutMeshMax: 3,
		InMeshMax:  2,
		AppMax:     2,
		MaxSmall:   5,
		MaxLarge:   8,
	}
}

// ErrSlotFull is returned when accepting a connection would exceed its
// kind/direction's slot limit or the table's overall capacity.
var ErrSlotFull = fmt.Errorf("connmgr: no free slot for this connection kind/direction")

type slotKey struct {
	kind Kind
	dir  meshconn.Direction
}

// entry pairs a connection with the kind it was admitted under, since
// meshconn.Connection itself has no notion of mesh-vs-app.
type entry struct {
	kind Kind
	conn *meshconn.Connection
}

// RoutingDecision is a bitmask modules OR together to influence how an
// inbound packet not addressed to this node is forwarded. BLOCK always
// wins over any ALLOW from another module.
type RoutingDecision uint8

const (
	RouteAllow RoutingDecision = 0
	RouteBlock RoutingDecision = 1 << 0
)

// RoutingPolicy lets a module veto forwarding a packet onto a specific
// outbound connection (e.g. to enforce a mesh access layer's membership
// rules). Decide is called once per forwarding candidate.
type RoutingPolicy interface {
	Decide(header wire.PacketHeader, payload []byte, candidate *meshconn.Connection) RoutingDecision
}

// Manager is the connection table plus routing logic for one node.
type Manager struct {
	mu              sync.RWMutex
	localNodeId     wire.NodeId
	localDeviceType clustering.DeviceType
	limits          SlotLimits
	conns           map[string]entry
	policies        []RoutingPolicy
}

// New creates an empty connection manager for localNodeId, a node of
// localDeviceType. localDeviceType drives the NODE_ID_SHORTEST_SINK
// routing branch: a Sink dispatches that traffic locally instead of
// forwarding it on.
func New(localNodeId wire.NodeId, localDeviceType clustering.DeviceType, limits SlotLimits) *Manager {
	return &Manager{
		localNodeId:     localNodeId,
		localDeviceType: localDeviceType,
		limits:          limits,
		conns:           make(map[string]entry),
	}
}

// AddPolicy registers a routing policy consulted on every forwarding
// decision. Policies are consulted in registration order; any BLOCK wins.
func (m *Manager) AddPolicy(p RoutingPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies = append(m.policies, p)
}

// Admit reserves a slot for c under kind, returning ErrSlotFull if no slot
// is available for this kind/direction or the table is already at its
// overall size cap.
func (m *Manager) Admit(kind Kind, c *meshconn.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.conns) >= m.limits.MaxLarge {
		return ErrSlotFull
	}

	counts := m.countsLocked()
	switch {
	case kind == KindMesh && c.Direction == meshconn.DirectionOutbound:
		if counts[slotKey{KindMesh, meshconn.DirectionOutbound}] >= m.limits.OutMeshMax {
			return ErrSlotFull
		}
	case kind == KindMesh && c.Direction == meshconn.DirectionInbound:
		if counts[slotKey{KindMesh, meshconn.DirectionInbound}] >= m.limits.InMeshMax {
			return ErrSlotFull
		}
	case kind == KindApp:
		if counts[slotKey{KindApp, meshconn.DirectionInbound}]+counts[slotKey{KindApp, meshconn.DirectionOutbound}] >= m.limits.AppMax {
			return ErrSlotFull
		}
	}

	m.conns[c.UniqueConnectionId] = entry{kind: kind, conn: c}
	return nil
}

// Remove drops a connection from the table, freeing its slot.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, id)
}

// Get returns the connection with the given id, if present.
func (m *Manager) Get(id string) (*meshconn.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.conns[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// MeshConnections returns every connection admitted as KindMesh, in no
// particular order.
func (m *Manager) MeshConnections() []*meshconn.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*meshconn.Connection
	for _, e := range m.conns {
		if e.kind == KindMesh {
			out = append(out, e.conn)
		}
	}
	return out
}

func (m *Manager) countsLocked() map[slotKey]int {
	counts := make(map[slotKey]int, 4)
	for _, e := range m.conns {
		counts[slotKey{e.kind, e.conn.Direction}]++
	}
	return counts
}

// Decision is the outcome of routing one inbound packet.
type Decision struct {
	DeliverLocal bool
	ForwardTo    []*meshconn.Connection
	// ForwardHeader is the (possibly hop-decremented) header to send on
	// when forwarding; equal to the original header when no rewrite is
	// needed.
	ForwardHeader wire.PacketHeader
}

// Route decides what to do with an inbound packet received on from
// (excluded from any forwarding fan-out, since a node never echoes a
// packet back to whoever just sent it).
//
// CLUSTER_INFO_UPDATE is a special case the caller must check for first
// (meshconn.MsgClusterInfoUpdate): it is always consumed locally by the
// clustering engine and never forwarded through this path.
func (m *Manager) Route(header wire.PacketHeader, payload []byte, from *meshconn.Connection) Decision {
	if header.Receiver == m.localNodeId {
		return Decision{DeliverLocal: true}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	others := m.othersLocked(from)

	switch {
	case header.Receiver == wire.NodeIdBroadcast:
		return Decision{DeliverLocal: true, ForwardTo: m.applyPolicyLocked(header, payload, others), ForwardHeader: header}

	case header.Receiver == wire.NodeIdShortestSink:
		if m.localDeviceType == clustering.DeviceTypeSink {
			return Decision{DeliverLocal: true}
		}
		target := m.shortestSinkLocked(others)
		if target == nil {
			return Decision{}
		}
		return Decision{ForwardTo: m.applyPolicyLocked(header, payload, []*meshconn.Connection{target}), ForwardHeader: header}

	case header.Receiver >= wire.NodeIdHopsBase && header.Receiver < wire.NodeIdShortestSink:
		// remaining <= 1 means the hop budget is exhausted at this node
		// (original receiver was HopsBase or HopsBase+1): dispatch locally
		// and stop, never forwarding the decremented id onward.
		remaining := uint16(header.Receiver - wire.NodeIdHopsBase)
		if remaining <= 1 {
			return Decision{DeliverLocal: true}
		}
		next := header
		next.Receiver = wire.NodeIdHopsBase + wire.NodeId(remaining-1)
		return Decision{ForwardTo: m.applyPolicyLocked(header, payload, others), ForwardHeader: next}

	default:
		// Any other, unrecognized receiver floods to every other mesh
		// connection, matching the original firmware's default routing
		// behavior for addresses that don't match a known special range.
		return Decision{ForwardTo: m.applyPolicyLocked(header, payload, others), ForwardHeader: header}
	}
}

func (m *Manager) othersLocked(from *meshconn.Connection) []*meshconn.Connection {
	var out []*meshconn.Connection
	for _, e := range m.conns {
		if e.kind != KindMesh {
			continue
		}
		if from != nil && e.conn.UniqueConnectionId == from.UniqueConnectionId {
			continue
		}
		out = append(out, e.conn)
	}
	return out
}

func (m *Manager) shortestSinkLocked(candidates []*meshconn.Connection) *meshconn.Connection {
	var best *meshconn.Connection
	bestHops := int16(-1)
	for _, c := range candidates {
		h := c.ConnectedCluster.HopsToSink
		if h < 0 {
			continue
		}
		if best == nil || h < bestHops {
			best = c
			bestHops = h
		}
	}
	return best
}

func (m *Manager) applyPolicyLocked(header wire.PacketHeader, payload []byte, candidates []*meshconn.Connection) []*meshconn.Connection {
	if len(m.policies) == 0 {
		return candidates
	}
	var out []*meshconn.Connection
	for _, c := range candidates {
		blocked := false
		for _, p := range m.policies {
			if p.Decide(header, payload, c)&RouteBlock != 0 {
				blocked = true
				break
			}
		}
		if !blocked {
			out = append(out, c)
		}
	}
	return out
}
