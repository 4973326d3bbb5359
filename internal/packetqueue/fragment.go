package packetqueue

import "meshcore/internal/wire"

// fragment splits payload into one or more wire-ready fragments, each
// carrying the 5-byte envelope and, for anything that doesn't fit in a
// single MTU, the 1-byte split header.
//
// A single-fragment message carries the real application message type
// directly in the envelope and no split header at all: the reassembler
// recognizes a split message purely by the envelope's MessageType being
// one of the two fragmentation sentinels (wire.SplitWriteCmd /
// wire.SplitWriteCmdEnd), so a pass-through message never pays the split
// header's byte. Determining the semantic type of a *reassembled* payload
// is left to the connection/module layer that consumes it, the same way
// the original firmware's ConnPacketHeader inside the payload, not the
// split header, carries the application-level type.
func fragment(mt wire.MessageType, sender, receiver wire.NodeId, payload []byte, mtu int) [][]byte {
	if wire.HeaderSize+len(payload) <= mtu {
		buf := make([]byte, wire.HeaderSize+len(payload))
		wire.PacketHeader{MessageType: mt, Sender: sender, Receiver: receiver}.Encode(buf)
		copy(buf[wire.HeaderSize:], payload)
		return [][]byte{buf}
	}

	usable := mtu - wire.HeaderSize - wire.SplitHeaderSize
	if usable <= 0 {
		usable = 1
	}

	var out [][]byte
	for off := 0; off < len(payload); off += usable {
		end := off + usable
		if end > len(payload) {
			end = len(payload)
		}
		final := end >= len(payload)

		envType := wire.SplitWriteCmd
		if final {
			envType = wire.SplitWriteCmdEnd
		}

		chunk := payload[off:end]
		buf := make([]byte, wire.HeaderSize+wire.SplitHeaderSize+len(chunk))
		wire.PacketHeader{MessageType: envType, Sender: sender, Receiver: receiver}.Encode(buf)
		wire.SplitHeader{Counter: uint8(len(out)), Final: final}.Encode(buf[wire.HeaderSize:])
		copy(buf[wire.HeaderSize+wire.SplitHeaderSize:], chunk)

		out = append(out, buf)
	}
	return out
}

// fragmentCount returns how many fragments fragment cuts a payload of
// payloadLen bytes into: ceil(payloadLen/(mtu-HeaderSize-SplitHeaderSize))
// for split messages, since every fragment also carries the envelope and
// the split header.
func fragmentCount(payloadLen, mtu int) int {
	if wire.HeaderSize+payloadLen <= mtu {
		return 1
	}
	usable := mtu - wire.HeaderSize - wire.SplitHeaderSize
	if usable <= 0 {
		usable = 1
	}
	return (payloadLen + usable - 1) / usable
}
