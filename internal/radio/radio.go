// Package radio defines the contract between the mesh core and the BLE
// radio stack / flash controller, both of which spec.md places out of
// scope as external collaborators. Only the interfaces and the event types
// crossing that boundary live here, plus a fake implementation so the rest
// of the module can be exercised without real hardware.
package radio

// Address is a 48-bit BLE device address.
type Address [6]byte

// AdvType distinguishes connectable from non-connectable advertisements.
type AdvType uint8

const (
	AdvConnectableUndirected AdvType = iota
	AdvNonConnectable
	AdvScanResponse
)

// Stack is the BLE radio operations the mesh core drives. Every call is
// expected to be non-blocking: completion and inbound events arrive later
// through the Events channel, consistent with the single cooperative main
// task spec.md describes.
type Stack interface {
	AdvStart(payload []byte, intervalMs int) error
	AdvStop() error
	ScanStart(windowMs, intervalMs int) error
	ScanStop() error
	Connect(addr Address, timeoutMs int) error
	Disconnect(handle uint16, reason DisconnectReason) error
	Write(handle uint16, data []byte, reliable bool) error

	// Events delivers every asynchronous radio event in arrival order.
	Events() <-chan Event
}

// DisconnectReason classifies why a link was torn down, echoed in
// Event.Disconnected so the connection state machine can decide whether to
// reestablish or give up.
type DisconnectReason uint8

const (
	DisconnectLocalRequest DisconnectReason = iota
	DisconnectRemoteRequest
	DisconnectTimeout
	DisconnectConnectionFailedToEstablish
	DisconnectSupervisionTimeout
)

// EventKind tags which field of Event is populated.
type EventKind uint8

const (
	EventAdvertisementReport EventKind = iota
	EventConnected
	EventDisconnected
	EventConnectTimeout
	EventWriteResponse
	EventHandleValueNotification
	EventDataTransmitted
	EventMtuUpgraded
	EventRssiChanged
)

// Event is the tagged union of everything Stack.Events can deliver.
type Event struct {
	Kind EventKind

	// EventAdvertisementReport
	Addr    Address
	AdvType AdvType
	RSSI    int8
	Payload []byte

	// EventConnected / EventDisconnected / EventConnectTimeout
	Handle            uint16
	DisconnectReason  DisconnectReason
	ConnectionMasterBit bool // true if this node is the connection's master

	// EventWriteResponse / EventDataTransmitted
	Success         bool
	UnreliableCount int
	ReliableCount   int

	// EventHandleValueNotification
	Notification []byte

	// EventMtuUpgraded
	NewMTU int
}

// FlashStack is the flash-controller half of the radio/flash external
// boundary: erase and write, both asynchronous, completion reported
// through Events.
type FlashStack interface {
	ErasePage(pageID uint32) error
	WritePage(pageID uint32, data []byte) error
	Events() <-chan FlashEvent
}

// FlashEventKind tags FlashEvent.
type FlashEventKind uint8

const (
	FlashOperationSuccess FlashEventKind = iota
	FlashOperationError
)

// FlashEvent reports completion of one flash operation.
type FlashEvent struct {
	Kind   FlashEventKind
	PageID uint32
	Err    error
}
