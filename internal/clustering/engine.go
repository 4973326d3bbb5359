package clustering

import (
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"
	lru "github.com/hashicorp/golang-lru/v2"

	"meshcore/internal/radio"
	"meshcore/internal/wire"
)

// Mode is the discovery advertising/scan duty cycle.
type Mode uint8

const (
	ModeHigh Mode = iota
	ModeLow
)

// Config bounds discovery timing and the connect-decision scoring
// weights, matching the defaults spec.md names.
type Config struct {
	AdvIntervalHighMs         int
	ScanWindowHighMs          int
	ScanIntervalHighMs        int
	HighToLowDiscoveryTimeSec int

	MaxTimeUntilDecision   time.Duration
	NumNodesForDecision    int
	StableRSSIThreshold    int8

	WeightFreeSlots        float64
	WeightRSSI             float64
	WeightSmallerCluster   float64
	WeightBiggerClusterId  float64

	BackoffBase time.Duration
	BackoffMax  time.Duration

	RecentAdvertisementCacheSize int
}

// DefaultConfig returns spec.md's stated discovery/decision defaults.
func DefaultConfig() Config {
	return Config{
		AdvIntervalHighMs:            100,
		ScanWindowHighMs:             30,
		ScanIntervalHighMs:           60,
		HighToLowDiscoveryTimeSec:    10,
		MaxTimeUntilDecision:         2 * time.Second,
		NumNodesForDecision:          4,
		StableRSSIThreshold:          -85,
		WeightFreeSlots:              1.0,
		WeightRSSI:                   1.0,
		WeightSmallerCluster:         2.0,
		WeightBiggerClusterId:        1.0,
		BackoffBase:                  time.Second,
		BackoffMax:                   time.Minute,
		RecentAdvertisementCacheSize: 64,
	}
}

// Candidate is one neighbor seen via JoinMe advertisements. Each new
// sighting refreshes its entry; entries are never removed.
type Candidate struct {
	Addr               radio.Address
	NodeId             wire.NodeId
	ClusterId          uint32
	ClusterSize        uint16
	FreeInConnections  uint8
	RSSI               int8
	LastSeen           time.Time
}

// scoredCandidate orders candidates in the btree by descending score.
type scoredCandidate struct {
	score float64
	addr  radio.Address
}

func lessScoredCandidate(a, b scoredCandidate) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	// btree requires a strict total order; fall back to address bytes so
	// equal-score candidates don't collide and silently overwrite.
	return string(a.addr[:]) < string(b.addr[:])
}

// Self is the local node's cluster state, as the scoring formula needs it.
type Self struct {
	ClusterId   uint32
	ClusterSize uint16
}

// backoffEntry tracks geometric backoff after a failed connection
// attempt to one peer.
type backoffEntry struct {
	nextRetryAt time.Time
	retries     int
}

// Engine drives discovery mode, candidate scoring, and connect backoff for
// one node.
type Engine struct {
	cfg Config

	mode                 Mode
	lastNovelNeighborAt  time.Time
	lastDecisionAt       time.Time

	candidates map[radio.Address]Candidate
	scores     *btree.BTreeG[scoredCandidate]

	recentAdv *lru.Cache[uint64, time.Time]
	backoff   map[radio.Address]*backoffEntry
}

// NewEngine creates a discovery/decision engine starting in ModeHigh.
func NewEngine(cfg Config, now time.Time) (*Engine, error) {
	recent, err := lru.New[uint64, time.Time](cfg.RecentAdvertisementCacheSize)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:                 cfg,
		mode:                ModeHigh,
		lastNovelNeighborAt: now,
		lastDecisionAt:      now,
		candidates:          make(map[radio.Address]Candidate),
		scores:              btree.NewG(32, lessScoredCandidate),
		recentAdv:           recent,
		backoff:             make(map[radio.Address]*backoffEntry),
	}, nil
}

// Mode reports the current discovery duty cycle.
func (e *Engine) Mode() Mode { return e.mode }

// advertisementDigest hashes (addr, payload) so the same JoinMe heard on
// more than one of the three advertising channels within one scan window
// is only counted once.
func advertisementDigest(addr radio.Address, payload []byte) uint64 {
	h := xxhash.New()
	h.Write(addr[:])
	h.Write(payload)
	return h.Sum64()
}

// ObserveAdvertisement records one scanned JoinMe advertisement, returning
// whether it comes from a previously-unseen neighbor address. A changed
// advertisement from a known address updates its entry but is not novel.
// Duplicate reports of the identical advertisement across
// channels are deduped via the digest cache and do not count as novel.
func (e *Engine) ObserveAdvertisement(addr radio.Address, rssi int8, raw []byte, payload JoinMe, now time.Time) bool {
	digest := advertisementDigest(addr, raw)
	if _, seen := e.recentAdv.Get(digest); seen {
		return false
	}
	e.recentAdv.Add(digest, now)

	_, known := e.candidates[addr]
	c := Candidate{
		Addr:              addr,
		NodeId:            payload.Sender,
		ClusterId:         payload.ClusterId,
		ClusterSize:       payload.ClusterSize,
		FreeInConnections: payload.FreeInConnections,
		RSSI:              rssi,
		LastSeen:          now,
	}
	e.candidates[addr] = c

	if !known {
		e.lastNovelNeighborAt = now
		if e.mode == ModeLow {
			e.mode = ModeHigh
		}
	}
	return !known
}

// score implements spec.md §4.5's scoring formula.
func (e *Engine) score(self Self, c Candidate) float64 {
	score := e.cfg.WeightFreeSlots * float64(c.FreeInConnections)
	rssiTerm := float64(c.RSSI) + 100
	if rssiTerm < 0 {
		rssiTerm = 0
	}
	score += e.cfg.WeightRSSI * rssiTerm
	if c.ClusterSize < self.ClusterSize {
		score += e.cfg.WeightSmallerCluster
	}
	if c.ClusterId > self.ClusterId {
		score += e.cfg.WeightBiggerClusterId
	}
	return score
}

// inBackoff reports whether addr is still serving out a connect-failure
// backoff window.
func (e *Engine) inBackoff(addr radio.Address, now time.Time) bool {
	b, ok := e.backoff[addr]
	return ok && now.Before(b.nextRetryAt)
}

// Decide runs the connect-candidate decision algorithm, to be called once
// the decision interval elapses or enough candidates have accumulated
// (ShouldDecide reports which). It returns the best eligible candidate, if
// any meets the RSSI threshold and isn't backing off.
//
// The score-ordered set is rebuilt fresh on every call rather than kept
// incrementally updated: the scoring formula depends on the *live* self
// cluster state (size, id), which changes between calls independently of
// any candidate update, so an incrementally-maintained tree would go
// stale. This mirrors the copy-on-write index rebuild internal/records
// performs after every mutation rather than patching in place.
func (e *Engine) Decide(self Self, freeOutSlots int, now time.Time) (Candidate, bool) {
	e.lastDecisionAt = now
	if freeOutSlots <= 0 {
		return Candidate{}, false
	}

	ordered := btree.NewG(32, lessScoredCandidate)
	eligible := make(map[radio.Address]Candidate, len(e.candidates))
	for _, c := range e.candidates {
		if c.RSSI < e.cfg.StableRSSIThreshold {
			continue
		}
		if e.inBackoff(c.Addr, now) {
			continue
		}
		ordered.ReplaceOrInsert(scoredCandidate{score: e.score(self, c), addr: c.Addr})
		eligible[c.Addr] = c
	}
	e.scores = ordered

	var best Candidate
	found := false
	ordered.Descend(func(item scoredCandidate) bool {
		best, found = eligible[item.addr], true
		return false // only need the top-scoring entry
	})
	return best, found
}

// ShouldDecide reports whether enough time or enough candidates have
// accumulated to run Decide now.
func (e *Engine) ShouldDecide(now time.Time) bool {
	if now.Sub(e.lastDecisionAt) >= e.cfg.MaxTimeUntilDecision {
		return true
	}
	return len(e.candidates) >= e.cfg.NumNodesForDecision
}

// CheckIdle demotes discovery to ModeLow once no novel neighbor has been
// seen for HighToLowDiscoveryTimeSec.
func (e *Engine) CheckIdle(now time.Time) {
	if e.mode == ModeHigh && now.Sub(e.lastNovelNeighborAt) >= time.Duration(e.cfg.HighToLowDiscoveryTimeSec)*time.Second {
		e.mode = ModeLow
	}
}

// RecordConnectFailure records a failed connection attempt (timeout, peer
// drop during handshake, or immediate cluster-id collision) and arms
// geometric backoff before addr can be reselected.
func (e *Engine) RecordConnectFailure(addr radio.Address, now time.Time) {
	b, ok := e.backoff[addr]
	if !ok {
		b = &backoffEntry{}
		e.backoff[addr] = b
	}
	b.retries++
	delay := e.cfg.BackoffBase * time.Duration(1<<uint(min(b.retries-1, 20)))
	if delay > e.cfg.BackoffMax {
		delay = e.cfg.BackoffMax
	}
	b.nextRetryAt = now.Add(delay)
}

// RecordConnectSuccess clears any backoff state for addr.
func (e *Engine) RecordConnectSuccess(addr radio.Address) {
	delete(e.backoff, addr)
}
