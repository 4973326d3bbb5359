// Package clustering implements discovery (advertise + scan), the
// connect-candidate decision algorithm, cluster-size/sink-hop gossip
// bookkeeping, and connect-failure backoff — spec.md §4.5.
//
// The advertisement codec follows the same little-endian struct-packing
// style as internal/wire; the candidate-selection and backoff bookkeeping
// follow the teacher's internal/cluster/hashring.go habit of keeping a
// small, frequently-rebuilt ordered structure over a changing peer set.
package clustering

import (
	"encoding/binary"
	"fmt"

	"meshcore/internal/wire"
)

// DeviceType classifies what role a node plays in sink-hop propagation.
// Only Sink changes hop-propagation behavior; the others are carried
// through the advertisement for module-level use (e.g. asset filtering)
// but otherwise inert at this layer.
type DeviceType uint8

const (
	DeviceTypeStatic DeviceType = iota
	DeviceTypeSink
	DeviceTypeAsset
	DeviceTypeRelay
)

// meshIdentifier and the advertisement's fixed message type, matching
// spec.md's exact byte layout.
const (
	meshIdentifierByte = 0xF0
	advMessageTypeJoinMe = 0x01

	// JoinMePayloadSize is the 20-byte manufacturer-specific payload.
	JoinMePayloadSize = 20
	// AdvertisementSize is the full 31-byte over-the-air frame:
	// flags(3) + manufacturer header(4) + mesh_identifier(1) +
	// network_id(2) + message_type(1) + payload(20).
	AdvertisementSize = 3 + 4 + 1 + 2 + 1 + JoinMePayloadSize
)

// JoinMe is the v0 advertisement payload neighbors use to decide whether
// to connect to this node.
type JoinMe struct {
	Sender             wire.NodeId
	ClusterId          uint32
	ClusterSize        uint16
	FreeInConnections  uint8 // 3 bits
	FreeOutConnections uint8 // 5 bits
	BatteryRuntime     uint8
	TxPower            int8
	DeviceType         DeviceType
	HopsToSink         int16
	MeshWriteHandle    uint16
	AckField           uint32 // echoes ClusterId; lets a scanner match JoinMe to a subsequent CLUSTER_WELCOME
}

// Encode writes the 20-byte JoinMe payload into dst.
func (j JoinMe) Encode(dst []byte) error {
	if len(dst) < JoinMePayloadSize {
		return fmt.Errorf("clustering: joinme payload needs %d bytes, got %d", JoinMePayloadSize, len(dst))
	}
	binary.LittleEndian.PutUint16(dst[0:2], uint16(j.Sender))
	binary.LittleEndian.PutUint32(dst[2:6], j.ClusterId)
	binary.LittleEndian.PutUint16(dst[6:8], j.ClusterSize)
	dst[8] = (j.FreeInConnections & 0x07) | (j.FreeOutConnections&0x1F)<<3
	dst[9] = j.BatteryRuntime
	dst[10] = byte(j.TxPower)
	dst[11] = byte(j.DeviceType)
	binary.LittleEndian.PutUint16(dst[12:14], uint16(j.HopsToSink))
	binary.LittleEndian.PutUint16(dst[14:16], j.MeshWriteHandle)
	binary.LittleEndian.PutUint32(dst[16:20], j.AckField)
	return nil
}

// DecodeJoinMe reads a JoinMe payload from src.
func DecodeJoinMe(src []byte) (JoinMe, error) {
	if len(src) < JoinMePayloadSize {
		return JoinMe{}, fmt.Errorf("clustering: joinme payload needs %d bytes, got %d", JoinMePayloadSize, len(src))
	}
	return JoinMe{
		Sender:             wire.NodeId(binary.LittleEndian.Uint16(src[0:2])),
		ClusterId:          binary.LittleEndian.Uint32(src[2:6]),
		ClusterSize:        binary.LittleEndian.Uint16(src[6:8]),
		FreeInConnections:  src[8] & 0x07,
		FreeOutConnections: (src[8] >> 3) & 0x1F,
		BatteryRuntime:     src[9],
		TxPower:            int8(src[10]),
		DeviceType:         DeviceType(src[11]),
		HopsToSink:         int16(binary.LittleEndian.Uint16(src[12:14])),
		MeshWriteHandle:    binary.LittleEndian.Uint16(src[14:16]),
		AckField:           binary.LittleEndian.Uint32(src[16:20]),
	}, nil
}

// EncodeAdvertisement wraps a JoinMe payload in the full 31-byte
// over-the-air frame. flags and the manufacturer header are opaque to the
// mesh core (owned by the radio stack's advertising API) but are still
// framed here so AdvertisementSize accounting stays exact; callers pass
// whatever bytes the radio stack expects for those fixed fields.
func EncodeAdvertisement(flags [3]byte, manufacturerHeader [4]byte, networkId uint16, payload JoinMe) ([]byte, error) {
	out := make([]byte, AdvertisementSize)
	copy(out[0:3], flags[:])
	copy(out[3:7], manufacturerHeader[:])
	out[7] = meshIdentifierByte
	binary.LittleEndian.PutUint16(out[8:10], networkId)
	out[10] = advMessageTypeJoinMe
	if err := payload.Encode(out[11:]); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeAdvertisement parses a full 31-byte frame back into its network id
// and JoinMe payload. Frames whose mesh_identifier or message_type don't
// match the JoinMe v0 layout are reported as not-ours via ok=false rather
// than an error, since a scanner sees plenty of non-mesh advertisements.
func DecodeAdvertisement(frame []byte) (networkId uint16, payload JoinMe, ok bool, err error) {
	if len(frame) < AdvertisementSize {
		return 0, JoinMe{}, false, nil
	}
	if frame[7] != meshIdentifierByte || frame[10] != advMessageTypeJoinMe {
		return 0, JoinMe{}, false, nil
	}
	networkId = binary.LittleEndian.Uint16(frame[8:10])
	payload, err = DecodeJoinMe(frame[11:])
	if err != nil {
		return 0, JoinMe{}, false, err
	}
	return networkId, payload, true, nil
}
