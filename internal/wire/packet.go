// Package wire holds the on-the-wire binary layouts shared by the record
// store and the packet queue: the mesh packet envelope, its optional split
// header, and the CRC8 used to validate flash-resident records.
//
// Everything here is pure encode/decode, grounded on the little-endian
// struct-packing style the teacher's storage layer uses in
// internal/storage/basic_store.go (serializeValue/deserializeValue).
package wire

import (
	"encoding/binary"
	"fmt"
)

// NodeId identifies a node within one mesh. 0x0000 is never assigned to a
// live node; 0xFFFF is the broadcast destination.
type NodeId uint16

const (
	NodeIdBroadcast NodeId = 0xFFFF
	NodeIdInvalid   NodeId = 0x0000

	// NodeIdHopsBase anchors the hop-limited addressing range: a receiver
	// value of NodeIdHopsBase+n means "forward up to n hops, then stop".
	NodeIdHopsBase NodeId = 0xF000

	// NodeIdShortestSink routes to whichever mesh connection reports the
	// fewest hops to a sink, rather than to a specific node.
	NodeIdShortestSink NodeId = 0xFFFE
)

// MessageType is the envelope's message_type byte. Application-level types
// live in the low range; the two split-fragment sentinels are reserved at
// the top of the byte so they can never collide with a real payload type.
type MessageType uint8

const (
	// SplitWriteCmd marks every fragment of a split message except the
	// last one.
	SplitWriteCmd MessageType = 0xFE
	// SplitWriteCmdEnd marks the final fragment of a split message.
	SplitWriteCmdEnd MessageType = 0xFD
)

// IsSplitSentinel reports whether mt is one of the two fragmentation
// sentinels rather than an application message type.
func (mt MessageType) IsSplitSentinel() bool {
	return mt == SplitWriteCmd || mt == SplitWriteCmdEnd
}

// HeaderSize is the size in bytes of the universal packet envelope.
const HeaderSize = 5

// PacketHeader is the 5-byte envelope that precedes every mesh packet,
// whole or fragment: message_type, sender, receiver.
type PacketHeader struct {
	MessageType MessageType
	Sender      NodeId
	Receiver    NodeId
}

// Encode writes the header's wire representation into dst, which must be
// at least HeaderSize bytes.
func (h PacketHeader) Encode(dst []byte) {
	_ = dst[HeaderSize-1]
	dst[0] = byte(h.MessageType)
	binary.LittleEndian.PutUint16(dst[1:3], uint16(h.Sender))
	binary.LittleEndian.PutUint16(dst[3:5], uint16(h.Receiver))
}

// DecodePacketHeader reads a PacketHeader from the front of src.
func DecodePacketHeader(src []byte) (PacketHeader, error) {
	if len(src) < HeaderSize {
		return PacketHeader{}, fmt.Errorf("wire: packet header needs %d bytes, got %d", HeaderSize, len(src))
	}
	return PacketHeader{
		MessageType: MessageType(src[0]),
		Sender:      NodeId(binary.LittleEndian.Uint16(src[1:3])),
		Receiver:    NodeId(binary.LittleEndian.Uint16(src[3:5])),
	}, nil
}

// SplitHeaderSize is the size in bytes of the split header that follows the
// envelope on every fragment of a split message. Single-fragment messages
// carry no split header at all: the envelope's MessageType is the real
// application type directly, and reassembly never engages.
const SplitHeaderSize = 1

const (
	splitFinalBit    = 0x20
	splitCounterMask = 0x1F
)

// SplitHeader carries the fragment index and a final-fragment marker. Only
// the low 5 bits of the counter are significant, matching the connection
// state machine's ClusterUpdateCounter-style narrow counters: it wraps at
// 32 fragments, which is far beyond any payload this protocol fragments in
// practice (buffers are bounded by PacketQueueConfig well below that).
type SplitHeader struct {
	Counter uint8
	Final   bool
}

// Encode writes the split header's single byte into dst[0].
func (s SplitHeader) Encode(dst []byte) {
	_ = dst[SplitHeaderSize-1]
	b := s.Counter & splitCounterMask
	if s.Final {
		b |= splitFinalBit
	}
	dst[0] = b
}

// DecodeSplitHeader reads a SplitHeader from the front of src.
func DecodeSplitHeader(src []byte) (SplitHeader, error) {
	if len(src) < SplitHeaderSize {
		return SplitHeader{}, fmt.Errorf("wire: split header needs %d byte, got %d", SplitHeaderSize, len(src))
	}
	b := src[0]
	return SplitHeader{
		Counter: b & splitCounterMask,
		Final:   b&splitFinalBit != 0,
	}, nil
}

// crc8Table is the standard CRC-8/MAXIM (polynomial 0x31, used in its reflected form 0x8C)
// lookup table. No library in the retrieval pack implements CRC8 — the
// closest candidates (cespare/xxhash, google/btree's own checksum-free
// design) are all wide hashes aimed at a different problem, so this one
// function is hand-rolled against the well-known polynomial rather than
// pulled from a dependency.
var crc8Table = func() [256]byte {
	const poly = 0x8C
	var table [256]byte
	for i := 0; i < 256; i++ {
		crc := byte(i)
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
	return table
}()

// CRC8 computes the checksum used to validate record headers and payloads
// resident in flash.
func CRC8(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc
}
