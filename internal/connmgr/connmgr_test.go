package connmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshcore/internal/clustering"
	"meshcore/internal/meshconn"
	"meshcore/internal/radio"
	"meshcore/internal/wire"
)

func newConn(id string, dir meshconn.Direction, addr byte) *meshconn.Connection {
	now := time.Unix(0, 0)
	return meshconn.New(id, dir, radio.Address{addr}, uint16(addr), meshconn.DefaultConfig(), now)
}

func TestAdmitEnforcesOutMeshLimit(t *testing.T) {
	m := New(1, clustering.DeviceTypeStatic, SlotLimits{OutMeshMax: 1, InMeshMax: 2, AppMax: 2, MaxSmall: 5, MaxLarge: 8})
	require.NoError(t, m.Admit(KindMesh, newConn("a", meshconn.DirectionOutbound, 1)))
	err := m.Admit(KindMesh, newConn("b", meshconn.DirectionOutbound, 2))
	assert.ErrorIs(t, err, ErrSlotFull)
}

func TestAdmitEnforcesOverallCap(t *testing.T) {
	m := New(1, clustering.DeviceTypeStatic, SlotLimits{OutMeshMax: 10, InMeshMax: 10, AppMax: 10, MaxSmall: 5, MaxLarge: 1})
	require.NoError(t, m.Admit(KindMesh, newConn("a", meshconn.DirectionOutbound, 1)))
	err := m.Admit(KindMesh, newConn("b", meshconn.DirectionInbound, 2))
	assert.ErrorIs(t, err, ErrSlotFull)
}

func TestRouteLocalDelivery(t *testing.T) {
	m := New(wire.NodeId(5), clustering.DeviceTypeStatic, DefaultSlotLimits())
	d := m.Route(wire.PacketHeader{Receiver: 5}, nil, nil)
	assert.True(t, d.DeliverLocal)
	assert.Empty(t, d.ForwardTo)
}

func TestRouteBroadcastDispatchesLocallyAndForwardsToOthersNotSender(t *testing.T) {
	m := New(wire.NodeId(1), clustering.DeviceTypeStatic, DefaultSlotLimits())
	a := newConn("a", meshconn.DirectionOutbound, 1)
	b := newConn("b", meshconn.DirectionOutbound, 2)
	require.NoError(t, m.Admit(KindMesh, a))
	require.NoError(t, m.Admit(KindMesh, b))

	d := m.Route(wire.PacketHeader{Receiver: wire.NodeIdBroadcast}, nil, a)
	assert.True(t, d.DeliverLocal, "broadcast must dispatch locally as well as forward")
	require.Len(t, d.ForwardTo, 1)
	assert.Equal(t, "b", d.ForwardTo[0].UniqueConnectionId)
}

func TestRouteHopLimitedForwardsAndDecrementsWhileBudgetRemains(t *testing.T) {
	m := New(wire.NodeId(1), clustering.DeviceTypeStatic, DefaultSlotLimits())
	a := newConn("a", meshconn.DirectionOutbound, 1)
	require.NoError(t, m.Admit(KindMesh, a))

	d := m.Route(wire.PacketHeader{Receiver: wire.NodeIdHopsBase + 2}, nil, nil)
	assert.False(t, d.DeliverLocal)
	require.Len(t, d.ForwardTo, 1)
	assert.Equal(t, wire.NodeIdHopsBase+1, d.ForwardHeader.Receiver)
}

func TestRouteHopLimitedDispatchesLocallyAtLastHop(t *testing.T) {
	m := New(wire.NodeId(1), clustering.DeviceTypeStatic, DefaultSlotLimits())
	a := newConn("a", meshconn.DirectionOutbound, 1)
	require.NoError(t, m.Admit(KindMesh, a))

	// original receiver == HopsBase+1: the hop budget is exhausted at this
	// node. Must dispatch locally and not forward one hop too far.
	d := m.Route(wire.PacketHeader{Receiver: wire.NodeIdHopsBase + 1}, nil, nil)
	assert.True(t, d.DeliverLocal)
	assert.Empty(t, d.ForwardTo)
}

func TestRouteHopLimitedDispatchesLocallyAtZero(t *testing.T) {
	m := New(wire.NodeId(1), clustering.DeviceTypeStatic, DefaultSlotLimits())
	a := newConn("a", meshconn.DirectionOutbound, 1)
	require.NoError(t, m.Admit(KindMesh, a))

	d := m.Route(wire.PacketHeader{Receiver: wire.NodeIdHopsBase}, nil, nil)
	assert.True(t, d.DeliverLocal)
	assert.Empty(t, d.ForwardTo)
}

func TestRouteShortestSinkPicksMinHops(t *testing.T) {
	m := New(wire.NodeId(1), clustering.DeviceTypeStatic, DefaultSlotLimits())
	near := newConn("near", meshconn.DirectionOutbound, 1)
	near.ConnectedCluster.HopsToSink = 1
	far := newConn("far", meshconn.DirectionOutbound, 2)
	far.ConnectedCluster.HopsToSink = 4
	unknown := newConn("unknown", meshconn.DirectionOutbound, 3)
	unknown.ConnectedCluster.HopsToSink = -1

	require.NoError(t, m.Admit(KindMesh, near))
	require.NoError(t, m.Admit(KindMesh, far))
	require.NoError(t, m.Admit(KindMesh, unknown))

	d := m.Route(wire.PacketHeader{Receiver: wire.NodeIdShortestSink}, nil, nil)
	require.Len(t, d.ForwardTo, 1)
	assert.Equal(t, "near", d.ForwardTo[0].UniqueConnectionId)
}

func TestRouteShortestSinkDispatchesLocallyWhenSelfIsSink(t *testing.T) {
	m := New(wire.NodeId(1), clustering.DeviceTypeSink, DefaultSlotLimits())
	near := newConn("near", meshconn.DirectionOutbound, 1)
	near.ConnectedCluster.HopsToSink = 1
	require.NoError(t, m.Admit(KindMesh, near))

	d := m.Route(wire.PacketHeader{Receiver: wire.NodeIdShortestSink}, nil, nil)
	assert.True(t, d.DeliverLocal)
	assert.Empty(t, d.ForwardTo)
}

func TestRouteDefaultFloodsToAllOthers(t *testing.T) {
	m := New(wire.NodeId(1), clustering.DeviceTypeStatic, DefaultSlotLimits())
	a := newConn("a", meshconn.DirectionOutbound, 1)
	b := newConn("b", meshconn.DirectionOutbound, 2)
	require.NoError(t, m.Admit(KindMesh, a))
	require.NoError(t, m.Admit(KindMesh, b))

	d := m.Route(wire.PacketHeader{Receiver: wire.NodeId(99)}, nil, nil)
	assert.Len(t, d.ForwardTo, 2)
}

type blockAllPolicy struct{}

func (blockAllPolicy) Decide(wire.PacketHeader, []byte, *meshconn.Connection) RoutingDecision {
	return RouteBlock
}

func TestRoutingPolicyBlockWins(t *testing.T) {
	m := New(wire.NodeId(1), clustering.DeviceTypeStatic, DefaultSlotLimits())
	a := newConn("a", meshconn.DirectionOutbound, 1)
	require.NoError(t, m.Admit(KindMesh, a))
	m.AddPolicy(blockAllPolicy{})

	d := m.Route(wire.PacketHeader{Receiver: wire.NodeIdBroadcast}, nil, nil)
	assert.Empty(t, d.ForwardTo)
}
