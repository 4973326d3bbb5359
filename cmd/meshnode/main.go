// Command meshnode boots one mesh-core node against the in-process fake
// radio/flash stacks, driving the single cooperative main task spec.md §5
// describes: one loop, one goroutine, every long operation dispatched
// asynchronously and completed through a radio event.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshcore/internal/clustering"
	"meshcore/internal/connmgr"
	"meshcore/internal/logging"
	"meshcore/internal/meshconn"
	"meshcore/internal/packetqueue"
	"meshcore/internal/radio"
	"meshcore/internal/records"
	"meshcore/internal/telemetry"
	"meshcore/internal/wire"
	"meshcore/pkg/config"
)

var (
	configPath = flag.String("config", "configs/meshnode.yaml", "Path to configuration file")
	nodeID     = flag.String("node-id", "", "Override node.id from the config file")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *nodeID != "" {
		cfg.Node.ID = *nodeID
	}

	logger, err := logging.InitializeFromConfig(cfg.Node.ID, logging.LogConfig{
		Level:         cfg.Logging.Level,
		EnableConsole: cfg.Logging.EnableConsole,
		EnableFile:    cfg.Logging.EnableFile,
		LogFile:       cfg.Logging.LogFile,
		BufferSize:    cfg.Logging.BufferSize,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	if err := telemetry.Init(cfg.Node.ID); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to initialize telemetry: %v\n", err)
		os.Exit(1)
	}

	startupCorrelationID := logging.NewCorrelationID()
	ctx := logging.WithCorrelationID(context.Background(), startupCorrelationID)
	logging.Info(ctx, logging.ComponentNode, logging.ActionStart, "mesh node starting", map[string]interface{}{
		"node_id":     cfg.Node.ID,
		"device_type": cfg.Node.DeviceType,
	})

	medium := radio.NewFakeMedium()
	addr := addressFromNodeID(cfg.Node.ID)
	stack := medium.NewStack(addr)
	flash := radio.NewFakeFlashStack(cfg.RecordStore.PageSize)

	store, err := records.New(records.NewFlashAdapter(flash, cfg.RecordStore.NumPages, cfg.RecordStore.PageSize))
	if err != nil {
		logging.Fatal(ctx, logging.ComponentRecordStore, logging.ActionStart, "record store boot repair failed", err)
		os.Exit(1)
	}
	defer store.Close()

	n := newNode(cfg, stack, store)

	shutdownCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Info(shutdownCtx, logging.ComponentNode, logging.ActionStop, "shutdown signal received", nil)
		cancel()
	}()

	n.run(shutdownCtx)
}

// addressFromNodeID derives a stable 48-bit BLE address from a node id
// string purely so repeated runs against the same config reconnect to the
// same identity on the fake medium; a real node's address comes from the
// radio controller instead.
func addressFromNodeID(id string) radio.Address {
	var a radio.Address
	h := uint32(2166136261)
	for i := 0; i < len(id); i++ {
		h = (h ^ uint32(id[i])) * 16777619
	}
	for i := range a {
		a[i] = byte(h >> (8 * (i % 4)))
		h = h*2654435761 + 1
	}
	return a
}

// node holds every subsystem wired together for one mesh-core instance and
// drives them from a single goroutine.
type node struct {
	cfg   *config.Config
	stack radio.Stack
	store *records.Store

	localNodeId wire.NodeId
	deviceType  clustering.DeviceType
	self        clustering.Self

	connMgr  *connmgr.Manager
	engine   *clustering.Engine
	connCfg  meshconn.Config
	byHandle map[uint16]*meshconn.Connection
	rng      *rand.Rand
}

func newNode(cfg *config.Config, stack radio.Stack, store *records.Store) *node {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	engine, err := clustering.NewEngine(toClusteringConfig(cfg.Clustering), time.Now())
	if err != nil {
		panic(fmt.Sprintf("meshnode: clustering engine init: %v", err))
	}

	localNodeId := wire.NodeId(rng.Intn(0xFFFE) + 1)
	deviceType := deviceTypeFromString(cfg.Node.DeviceType)
	return &node{
		cfg:         cfg,
		stack:       stack,
		store:       store,
		localNodeId: localNodeId,
		deviceType:  deviceType,
		self:        clustering.Self{ClusterId: rng.Uint32(), ClusterSize: 1},
		connMgr:     connmgr.New(localNodeId, deviceType, toSlotLimits(cfg.ConnMgr)),
		engine:      engine,
		connCfg:     toConnectionConfig(cfg.Connection, cfg.PacketQueue),
		byHandle:    make(map[uint16]*meshconn.Connection),
		rng:         rng,
	}
}

func deviceTypeFromString(s string) clustering.DeviceType {
	switch s {
	case "sink":
		return clustering.DeviceTypeSink
	case "asset":
		return clustering.DeviceTypeAsset
	case "relay":
		return clustering.DeviceTypeRelay
	default:
		return clustering.DeviceTypeStatic
	}
}

func toSlotLimits(c config.ConnectionManagerConfig) connmgr.SlotLimits {
	return connmgr.SlotLimits{
		OutMeshMax: c.OutMeshMax,
		InMeshMax:  c.InMeshMax,
		AppMax:     c.AppMax,
		MaxSmall:   c.MaxSmall,
		MaxLarge:   c.MaxLarge,
	}
}

func toConnectionConfig(c config.ConnectionConfig, pq config.PacketQueueConfig) meshconn.Config {
	return meshconn.Config{
		HandshakeTimeout:   c.HandshakeTimeout,
		ReestablishTimeout: c.ReestablishTimeout,
		MTU:                c.MTU,
		Queue:              toPacketQueueConfig(pq, c.MTU),
	}
}

func toPacketQueueConfig(c config.PacketQueueConfig, mtu int) packetqueue.Config {
	pq := packetqueue.DefaultConfig()
	pq.MTU = mtu
	pq.SendFailureThreshold = c.MaxSendRetries + 1
	pq.BufferBudgetBytes = c.MaxQueueDepth * mtu
	return pq
}

func toClusteringConfig(c config.ClusteringConfig) clustering.Config {
	return clustering.Config{
		AdvIntervalHighMs:            c.AdvIntervalHighMs,
		ScanWindowHighMs:             c.ScanWindowHighMs,
		ScanIntervalHighMs:           c.ScanIntervalHighMs,
		HighToLowDiscoveryTimeSec:    c.HighToLowDiscoveryTimeSec,
		MaxTimeUntilDecision:         c.MaxTimeUntilDecision,
		NumNodesForDecision:          c.NumNodesForDecision,
		StableRSSIThreshold:          c.StableRSSIThreshold,
		WeightFreeSlots:              c.WeightFreeSlots,
		WeightRSSI:                   c.WeightRSSI,
		WeightSmallerCluster:         c.WeightSmallerCluster,
		WeightBiggerClusterId:        c.WeightBiggerClusterId,
		BackoffBase:                  c.BackoffBase,
		BackoffMax:                   c.BackoffMax,
		RecentAdvertisementCacheSize: c.RecentAdvertisementCacheSize,
	}
}

// watchdogBudget is how long a single main-loop iteration may run before the
// hardware watchdog would reset the node, per spec.md's "any iteration
// exceeding 1s triggers reset" rule.
const watchdogBudget = time.Second

// run is the single cooperative main task: it never blocks, dispatching
// every radio event synchronously and feeding the watchdog once per
// iteration. watchdog is a deadline timer re-armed at the top of every
// iteration rather than a periodic tick: it only ever fires if an
// iteration overruns its budget, mirroring a real hardware watchdog that
// resets on a missed feed rather than on a fixed schedule.
func (n *node) run(ctx context.Context) {
	advTicker := time.NewTicker(time.Duration(n.cfg.Clustering.AdvIntervalHighMs) * time.Millisecond)
	defer advTicker.Stop()
	watchdog := time.NewTimer(watchdogBudget)
	defer watchdog.Stop()

	n.stack.ScanStart(n.cfg.Clustering.ScanWindowHighMs, n.cfg.Clustering.ScanIntervalHighMs)
	n.advertise()

	for {
		feedWatchdog(watchdog)

		select {
		case <-ctx.Done():
			logging.Info(ctx, logging.ComponentNode, logging.ActionStop, "main loop exiting", nil)
			return

		case ev := <-n.stack.Events():
			n.handleEvent(ctx, ev)

		case <-advTicker.C:
			n.advertise()
			n.engine.CheckIdle(time.Now())
			if n.engine.ShouldDecide(time.Now()) {
				n.tryConnect(ctx)
			}

		case <-watchdog.C:
			telemetry.IncrCounter(telemetry.CounterWatchdogReset)
			logging.Fatal(ctx, logging.ComponentNode, logging.ActionTimeout, "main loop iteration exceeded watchdog budget", nil)
			return
		}
	}
}

// feedWatchdog re-arms the deadline timer, draining a stale fire first if
// the previous iteration already consumed it.
func feedWatchdog(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(watchdogBudget)
}

func (n *node) advertise() {
	payload := clustering.JoinMe{
		Sender:             n.localNodeId,
		ClusterId:          n.self.ClusterId,
		ClusterSize:        n.self.ClusterSize,
		FreeInConnections:  uint8(n.cfg.ConnMgr.InMeshMax),
		FreeOutConnections: uint8(n.cfg.ConnMgr.OutMeshMax),
		DeviceType:         n.deviceType,
		HopsToSink:         n.currentHopsToSink(),
	}
	frame, err := clustering.EncodeAdvertisement([3]byte{}, [4]byte{}, 1, payload)
	if err != nil {
		return
	}
	n.stack.AdvStart(frame, n.cfg.Clustering.AdvIntervalHighMs)
}

func (n *node) currentHopsToSink() int16 {
	var hops []int16
	for _, c := range n.connMgr.MeshConnections() {
		hops = append(hops, c.ConnectedCluster.HopsToSink)
	}
	return clustering.ComputeHopsToSink(n.deviceType, hops)
}

func (n *node) tryConnect(ctx context.Context) {
	free := n.cfg.ConnMgr.OutMeshMax - len(n.outboundMeshConnections())
	best, ok := n.engine.Decide(n.self, free, time.Now())
	if !ok {
		return
	}
	if err := n.stack.Connect(best.Addr, 4000); err != nil {
		n.engine.RecordConnectFailure(best.Addr, time.Now())
		return
	}
	logging.Info(ctx, logging.ComponentClustering, logging.ActionDecide, "connecting to candidate", map[string]interface{}{
		"node_id": best.NodeId,
	})
}

func (n *node) outboundMeshConnections() []*meshconn.Connection {
	var out []*meshconn.Connection
	for _, c := range n.connMgr.MeshConnections() {
		if c.Direction == meshconn.DirectionOutbound {
			out = append(out, c)
		}
	}
	return out
}

func (n *node) handleEvent(ctx context.Context, ev radio.Event) {
	switch ev.Kind {
	case radio.EventAdvertisementReport:
		n.handleAdvertisement(ev)
	case radio.EventConnected:
		n.handleConnected(ctx, ev)
	case radio.EventDisconnected:
		n.handleDisconnected(ctx, ev)
	case radio.EventHandleValueNotification:
		n.handleNotification(ctx, ev)
	case radio.EventDataTransmitted:
		n.handleDataTransmitted(ev)
	}
}

func (n *node) handleAdvertisement(ev radio.Event) {
	_, payload, ok, err := clustering.DecodeAdvertisement(ev.Payload)
	if err != nil || !ok {
		return
	}
	n.engine.ObserveAdvertisement(ev.Addr, ev.RSSI, ev.Payload, payload, time.Now())
}

func (n *node) handleConnected(ctx context.Context, ev radio.Event) {
	dir := meshconn.DirectionInbound
	if ev.ConnectionMasterBit {
		dir = meshconn.DirectionOutbound
	}
	id := fmt.Sprintf("%s-%d", n.cfg.Node.ID, ev.Handle)
	conn := meshconn.New(id, dir, ev.Addr, ev.Handle, n.connCfg, time.Now())
	if err := n.connMgr.Admit(connmgr.KindMesh, conn); err != nil {
		n.stack.Disconnect(ev.Handle, radio.DisconnectLocalRequest)
		return
	}
	n.byHandle[ev.Handle] = conn

	conn.BeginEncryption(time.Now())
	conn.EncryptionComplete(time.Now())

	if dir == meshconn.DirectionOutbound {
		welcome, err := conn.BuildClusterWelcome(n.connectedSnapshot(), n.localNodeId)
		if err == nil {
			n.sendRaw(conn, meshconn.MsgClusterWelcome, welcome)
		}
	}
	logging.Info(ctx, logging.ComponentConnection, logging.ActionConnect, "connection established", map[string]interface{}{
		"handle": ev.Handle, "direction": dir,
	})
}

func (n *node) connectedSnapshot() meshconn.ClusterSnapshot {
	return meshconn.ClusterSnapshot{ClusterId: n.self.ClusterId, ClusterSize: n.self.ClusterSize, HopsToSink: n.currentHopsToSink()}
}

func (n *node) handleDisconnected(ctx context.Context, ev radio.Event) {
	conn, ok := n.byHandle[ev.Handle]
	if !ok {
		return
	}
	delete(n.byHandle, ev.Handle)
	n.connMgr.Remove(conn.UniqueConnectionId)
	wasHandshakeDone := conn.State == meshconn.StateHandshakeDone
	conn.Disconnect(ev.DisconnectReason, time.Now())

	if !conn.ConnectionMasterBit && wasHandshakeDone {
		n.self.ClusterId = n.rng.Uint32()
		n.self.ClusterSize = 1
		n.broadcastClusterInfoUpdate(ctx, -int16(conn.ConnectedCluster.ClusterSize))
	}
	logging.Info(ctx, logging.ComponentConnection, logging.ActionDisconnect, "connection lost", map[string]interface{}{
		"handle": ev.Handle, "reason": ev.DisconnectReason,
	})
}

func (n *node) broadcastClusterInfoUpdate(ctx context.Context, sizeChange int16) {
	for _, c := range n.connMgr.MeshConnections() {
		payload, err := meshconn.BuildClusterInfoUpdate(sizeChange, n.currentHopsToSink(), c.NextClusterUpdateCounter())
		if err != nil {
			continue
		}
		n.sendRaw(c, meshconn.MsgClusterInfoUpdate, payload)
	}
}

func (n *node) handleNotification(ctx context.Context, ev radio.Event) {
	conn, ok := n.byHandle[ev.Handle]
	if !ok {
		return
	}
	conn.Touch(time.Now())

	header, err := wire.DecodePacketHeader(ev.Notification)
	if err != nil {
		return
	}
	body := ev.Notification[wire.HeaderSize:]
	payload, complete := conn.In.Feed(header, body)
	if !complete {
		return
	}

	switch header.MessageType {
	case meshconn.MsgClusterWelcome:
		n.onClusterWelcome(ctx, conn, payload)
	case meshconn.MsgClusterAck1:
		n.onClusterAck1(ctx, conn, payload)
	case meshconn.MsgClusterAck2:
		n.onClusterAck2(ctx, conn, payload)
	case meshconn.MsgClusterInfoUpdate:
		n.onClusterInfoUpdate(ctx, conn, payload)
	default:
		n.route(ctx, header, payload, conn)
	}
}

func (n *node) onClusterWelcome(ctx context.Context, conn *meshconn.Connection, payload []byte) {
	outcome, ack1, resetSnapshot, err := conn.HandleClusterWelcome(payload, n.connectedSnapshot(), n.localNodeId, n.rng.Uint32())
	if err != nil {
		return
	}
	switch outcome {
	case meshconn.MergePeripheralSmaller:
		n.self.ClusterId = resetSnapshot.ClusterId
		n.self.ClusterSize = resetSnapshot.ClusterSize
		n.sendRaw(conn, meshconn.MsgClusterAck1, ack1)
	case meshconn.MergeCycle, meshconn.MergeTieReseed:
		n.self.ClusterId = n.rng.Uint32()
		n.stack.Disconnect(conn.Handle, radio.DisconnectLocalRequest)
	case meshconn.MergePeripheralBigger:
		// stays idle and sends nothing back over this connection.
	}
	logging.Debug(ctx, logging.ComponentConnection, logging.ActionHandshake, "cluster welcome processed", map[string]interface{}{
		"handle": conn.Handle, "outcome": outcome,
	})
}

func (n *node) onClusterAck1(ctx context.Context, conn *meshconn.Connection, payload []byte) {
	ack2, merged, err := conn.HandleClusterAck1(payload, n.connectedSnapshot())
	if err != nil {
		return
	}
	n.self.ClusterSize = merged.ClusterSize
	conn.HandshakeComplete(merged, time.Now())
	n.sendRaw(conn, meshconn.MsgClusterAck2, ack2)
	logging.Info(ctx, logging.ComponentConnection, logging.ActionJoinCluster, "cluster merge completed (central)", map[string]interface{}{
		"handle": conn.Handle, "cluster_size": merged.ClusterSize,
	})
}

func (n *node) onClusterAck2(ctx context.Context, conn *meshconn.Connection, payload []byte) {
	merged, err := conn.HandleClusterAck2(payload)
	if err != nil {
		return
	}
	n.self.ClusterId = merged.ClusterId
	n.self.ClusterSize = merged.ClusterSize
	conn.HandshakeComplete(merged, time.Now())
	logging.Info(ctx, logging.ComponentConnection, logging.ActionJoinCluster, "cluster merge completed (peripheral)", map[string]interface{}{
		"handle": conn.Handle, "cluster_size": merged.ClusterSize,
	})
}

func (n *node) onClusterInfoUpdate(ctx context.Context, conn *meshconn.Connection, payload []byte) {
	update, err := meshconn.DecodeClusterInfoUpdate(payload)
	if err != nil {
		return
	}
	if !conn.AcceptClusterInfoUpdate(update.Counter) {
		telemetry.IncrCounter(telemetry.CounterClusterUpdateReplayDropped)
		return
	}
	n.self.ClusterSize = clustering.ApplyClusterSizeChange(n.self.ClusterSize, update.ClusterSizeChange)
	conn.ConnectedCluster.HopsToSink = update.HopsToSink
	telemetry.SetGauge(telemetry.GaugeClusterSize, float32(n.self.ClusterSize))
}

func (n *node) route(ctx context.Context, header wire.PacketHeader, payload []byte, from *meshconn.Connection) {
	decision := n.connMgr.Route(header, payload, from)
	if decision.DeliverLocal {
		logging.Debug(ctx, logging.ComponentConnMgr, logging.ActionRoute, "delivered locally", map[string]interface{}{
			"sender": header.Sender,
		})
	}
	fh := decision.ForwardHeader
	for _, target := range decision.ForwardTo {
		if err := target.Out.QueueData(packetqueue.PriorityMedium, fh.MessageType, fh.Sender, fh.Receiver, payload, nil); err != nil {
			continue
		}
		n.pump(target)
	}
}

func (n *node) sendRaw(conn *meshconn.Connection, mt wire.MessageType, payload []byte) {
	priority := packetqueue.PriorityMedium
	if mt == meshconn.MsgClusterWelcome || mt == meshconn.MsgClusterAck1 || mt == meshconn.MsgClusterAck2 || mt == meshconn.MsgClusterInfoUpdate {
		priority = packetqueue.PriorityVital
	}
	if err := conn.Out.QueueData(priority, mt, n.localNodeId, wire.NodeIdBroadcast, payload, nil); err != nil {
		return
	}
	n.pump(conn)
}

// pump drains every fragment currently ready to transmit on conn, handing
// each to the radio stack. A fragment is only committed to the queue's
// inflight bookkeeping once Write reports success; a NO_RESOURCES-style
// failure leaves it pending so the next pump call (triggered by the
// following EventDataTransmitted, once the link's backpressure clears)
// retries the exact same fragment rather than losing it or desyncing
// TxComplete's accounting. Completion (and each message's onSent
// callback) is reported later, in a batch, through EventDataTransmitted
// — handled by handleDataTransmitted via conn.Out.TxComplete.
func (n *node) pump(conn *meshconn.Connection) {
	for {
		out, ok := conn.Out.PopNextFragment(nil)
		if !ok {
			return
		}
		if err := n.stack.Write(conn.Handle, out.Data, out.Reliable); err != nil {
			if conn.Retries.RecordFailure() {
				n.stack.Disconnect(conn.Handle, radio.DisconnectLocalRequest)
			}
			return
		}
		conn.Out.CommitSubmit()
	}
}

func (n *node) handleDataTransmitted(ev radio.Event) {
	conn, ok := n.byHandle[ev.Handle]
	if !ok {
		return
	}
	if ev.Success {
		conn.Retries.RecordSuccess()
	} else if conn.Retries.RecordFailure() {
		n.stack.Disconnect(ev.Handle, radio.DisconnectLocalRequest)
	}
	conn.Out.TxComplete(ev.UnreliableCount, ev.ReliableCount)
	n.pump(conn)
}
