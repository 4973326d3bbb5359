package clustering

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshcore/internal/wire"
)

func TestJoinMeRoundTrip(t *testing.T) {
	in := JoinMe{
		Sender:             wire.NodeId(42),
		ClusterId:          0xDEADBEEF,
		ClusterSize:        7,
		FreeInConnections:  3,
		FreeOutConnections: 17,
		BatteryRuntime:     200,
		TxPower:            -20,
		DeviceType:         DeviceTypeSink,
		HopsToSink:         -1,
		MeshWriteHandle:    55,
		AckField:           0xDEADBEEF,
	}
	buf := make([]byte, JoinMePayloadSize)
	require.NoError(t, in.Encode(buf))

	out, err := DecodeJoinMe(buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestAdvertisementRoundTrip(t *testing.T) {
	payload := JoinMe{Sender: 1, ClusterId: 99, ClusterSize: 2, HopsToSink: 3}
	frame, err := EncodeAdvertisement([3]byte{1, 2, 3}, [4]byte{4, 5, 6, 7}, 0x1234, payload)
	require.NoError(t, err)
	assert.Len(t, frame, AdvertisementSize)

	netId, decoded, ok, err := DecodeAdvertisement(frame)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint16(0x1234), netId)
	assert.Equal(t, payload, decoded)
}

func TestDecodeAdvertisementRejectsForeignFrame(t *testing.T) {
	frame := make([]byte, AdvertisementSize)
	_, _, ok, err := DecodeAdvertisement(frame)
	require.NoError(t, err)
	assert.False(t, ok)
}
