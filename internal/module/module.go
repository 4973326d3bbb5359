// Package module defines the contract mesh-core components use to talk to
// the modules layered on top of it (IO, Beaconing, Enrollment, Status,
// DFU, Asset, MeshAccess, and any vendor module). None of those modules
// are implemented here; per spec.md they remain external collaborators
// reachable only through this interface.
package module

import (
	"context"
	"fmt"

	"meshcore/internal/records"
	"meshcore/internal/wire"
)

// Id identifies a module. Core modules use a single byte (0-255); vendor
// modules carry a vendor id and a sub id. Configuration record ids follow
// the ranges in internal/records: core config lives at recordId == Id.Core,
// vendor config at RecordIDVendorModuleConfigBase+Id.SubId.
type Id struct {
	Core    uint8
	Vendor  uint16
	SubId   uint8
	IsCore  bool
}

// CoreId constructs a core module id.
func CoreId(id uint8) Id { return Id{Core: id, IsCore: true} }

// VendorId constructs a vendor module id.
func VendorId(vendor uint16, subId uint8) Id { return Id{Vendor: vendor, SubId: subId} }

// ConfigRecordID returns the record store slot this module's persisted
// configuration lives at.
func (id Id) ConfigRecordID() (uint16, error) {
	if id.IsCore {
		if int(id.Core) > records.RecordIDVendorModuleConfigBase-records.RecordIDModuleConfigBase {
			return 0, errInvalidModuleID
		}
		return uint16(id.Core), nil
	}
	slot := records.RecordIDVendorModuleConfigBase + uint16(id.SubId)
	if slot > records.RecordIDVendorModuleConfigMax {
		return 0, errInvalidModuleID
	}
	return slot, nil
}

var errInvalidModuleID = moduleIDError("module: id does not map to a valid record storage slot")

type moduleIDError string

func (e moduleIDError) Error() string { return string(e) }

// ActionMessage is a module-to-module control message routed through the
// connection manager rather than consumed by the mesh core itself.
type ActionMessage struct {
	Sender   Id
	Receiver wire.NodeId
	Action   uint8
	Payload  []byte
}

// Module is the interface every module (core or vendor) built on top of
// the mesh core implements.
type Module interface {
	ID() Id

	// MeshMessageReceived is invoked for every payload the connection
	// manager routes to this module after reassembly.
	MeshMessageReceived(ctx context.Context, from wire.NodeId, payload []byte)

	// SendModuleActionMessage asks the module to produce an outbound
	// action message; the mesh core only transports it.
	SendModuleActionMessage(ctx context.Context, action uint8, receiver wire.NodeId, payload []byte) error

	// SaveConfiguration persists the module's configuration blob via the
	// record store at ID().ConfigRecordID().
	SaveConfiguration(ctx context.Context, store *records.Store, data []byte) error

	// LoadConfiguration restores the module's configuration blob, if any
	// was previously saved.
	LoadConfiguration(store *records.Store) ([]byte, bool)
}

// BaseModule provides the record-store-backed configuration persistence
// every Module implementation needs, so concrete modules only have to
// embed it and implement MeshMessageReceived/SendModuleActionMessage.
type BaseModule struct {
	id Id
}

// NewBaseModule returns a BaseModule for id.
func NewBaseModule(id Id) BaseModule { return BaseModule{id: id} }

func (b BaseModule) ID() Id { return b.id }

func (b BaseModule) SaveConfiguration(ctx context.Context, store *records.Store, data []byte) error {
	recID, err := b.id.ConfigRecordID()
	if err != nil {
		return err
	}
	res, err := store.SaveRecord(ctx, recID, data)
	if err != nil {
		return err
	}
	if res.Code != records.ResultSuccess {
		return fmt.Errorf("module: save configuration for %+v failed: %s", b.id, res.Code)
	}
	return nil
}

func (b BaseModule) LoadConfiguration(store *records.Store) ([]byte, bool) {
	recID, err := b.id.ConfigRecordID()
	if err != nil {
		return nil, false
	}
	return store.GetRecord(recID)
}
