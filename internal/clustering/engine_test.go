package clustering

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshcore/internal/radio"
	"meshcore/internal/wire"
)

func advFrame(t *testing.T, p JoinMe) []byte {
	t.Helper()
	frame, err := EncodeAdvertisement([3]byte{}, [4]byte{}, 0, p)
	require.NoError(t, err)
	return frame
}

func TestObserveAdvertisementNovelOnceThenDeduped(t *testing.T) {
	now := time.Unix(0, 0)
	e, err := NewEngine(DefaultConfig(), now)
	require.NoError(t, err)

	addr := radio.Address{1}
	payload := JoinMe{Sender: 10, ClusterId: 5, ClusterSize: 1, FreeInConnections: 2}
	frame := advFrame(t, payload)

	assert.True(t, e.ObserveAdvertisement(addr, -60, frame, payload, now), "first sighting is novel")
	assert.False(t, e.ObserveAdvertisement(addr, -60, frame, payload, now), "identical frame within the window is deduped")
}

func TestObserveAdvertisementReturnsHighMode(t *testing.T) {
	now := time.Unix(0, 0)
	e, err := NewEngine(DefaultConfig(), now)
	require.NoError(t, err)
	e.mode = ModeLow

	payload := JoinMe{Sender: 1, ClusterId: 1, ClusterSize: 1}
	frame := advFrame(t, payload)
	e.ObserveAdvertisement(radio.Address{2}, -60, frame, payload, now)
	assert.Equal(t, ModeHigh, e.Mode())
}

func TestCheckIdleDemotesToLowMode(t *testing.T) {
	start := time.Unix(0, 0)
	cfg := DefaultConfig()
	cfg.HighToLowDiscoveryTimeSec = 5
	e, err := NewEngine(cfg, start)
	require.NoError(t, err)

	e.CheckIdle(start.Add(2 * time.Second))
	assert.Equal(t, ModeHigh, e.Mode())

	e.CheckIdle(start.Add(6 * time.Second))
	assert.Equal(t, ModeLow, e.Mode())
}

func TestDecidePicksHigherScoringCandidate(t *testing.T) {
	now := time.Unix(0, 0)
	e, err := NewEngine(DefaultConfig(), now)
	require.NoError(t, err)

	weak := JoinMe{Sender: 1, ClusterId: 1, ClusterSize: 10, FreeInConnections: 0}
	strong := JoinMe{Sender: 2, ClusterId: 99, ClusterSize: 1, FreeInConnections: 5}
	e.ObserveAdvertisement(radio.Address{1}, -80, advFrame(t, weak), weak, now)
	e.ObserveAdvertisement(radio.Address{2}, -60, advFrame(t, strong), strong, now)

	self := Self{ClusterId: 50, ClusterSize: 5}
	best, ok := e.Decide(self, 1, now)
	require.True(t, ok)
	assert.Equal(t, wire.NodeId(2), best.NodeId)
}

func TestDecideIgnoresCandidatesBelowRSSIThreshold(t *testing.T) {
	now := time.Unix(0, 0)
	e, err := NewEngine(DefaultConfig(), now)
	require.NoError(t, err)

	payload := JoinMe{Sender: 1, ClusterId: 1, ClusterSize: 1}
	e.ObserveAdvertisement(radio.Address{1}, -90, advFrame(t, payload), payload, now)

	_, ok := e.Decide(Self{}, 1, now)
	assert.False(t, ok)
}

func TestDecideRefusesWithNoFreeOutSlots(t *testing.T) {
	now := time.Unix(0, 0)
	e, err := NewEngine(DefaultConfig(), now)
	require.NoError(t, err)
	payload := JoinMe{Sender: 1, ClusterId: 1, ClusterSize: 1}
	e.ObserveAdvertisement(radio.Address{1}, -40, advFrame(t, payload), payload, now)

	_, ok := e.Decide(Self{}, 0, now)
	assert.False(t, ok)
}

func TestBackoffExcludesCandidateUntilExpiry(t *testing.T) {
	now := time.Unix(0, 0)
	cfg := DefaultConfig()
	cfg.BackoffBase = time.Second
	e, err := NewEngine(cfg, now)
	require.NoError(t, err)

	addr := radio.Address{7}
	payload := JoinMe{Sender: 1, ClusterId: 1, ClusterSize: 1}
	e.ObserveAdvertisement(addr, -40, advFrame(t, payload), payload, now)

	e.RecordConnectFailure(addr, now)
	_, ok := e.Decide(Self{}, 1, now.Add(500*time.Millisecond))
	assert.False(t, ok, "candidate must stay excluded until its backoff window passes")

	_, ok = e.Decide(Self{}, 1, now.Add(2*time.Second))
	assert.True(t, ok, "candidate becomes eligible again after backoff expires")
}

func TestRecordConnectSuccessClearsBackoff(t *testing.T) {
	now := time.Unix(0, 0)
	e, err := NewEngine(DefaultConfig(), now)
	require.NoError(t, err)
	addr := radio.Address{3}
	e.RecordConnectFailure(addr, now)
	e.RecordConnectSuccess(addr)
	assert.False(t, e.inBackoff(addr, now))
}

func TestShouldDecideOnCandidateCountThreshold(t *testing.T) {
	now := time.Unix(0, 0)
	cfg := DefaultConfig()
	cfg.NumNodesForDecision = 2
	cfg.MaxTimeUntilDecision = time.Hour
	e, err := NewEngine(cfg, now)
	require.NoError(t, err)

	assert.False(t, e.ShouldDecide(now))
	p := JoinMe{Sender: 1, ClusterId: 1, ClusterSize: 1}
	e.ObserveAdvertisement(radio.Address{1}, -40, advFrame(t, p), p, now)
	e.ObserveAdvertisement(radio.Address{2}, -40, advFrame(t, p), p, now)
	assert.True(t, e.ShouldDecide(now))
}
