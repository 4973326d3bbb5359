// Package packetqueue implements the per-connection packet queue and
// fragmenter: priority-ordered admission with a fixed byte budget,
// MTU-based fragmentation, transmit scheduling, completion accounting, and
// the receive-side reassembler.
//
// The admission/backlog bookkeeping follows the same "track a running byte
// total behind a mutex, reject once it crosses a budget" shape as the
// teacher's internal/storage/memory_pool.go pool accounting, adapted here
// to four priority lanes instead of one.
package packetqueue

import (
	"fmt"
	"sync"

	"meshcore/internal/wire"
)

// Priority orders outbound traffic. Vital traffic (handshake and cluster
// control messages) always drains its lane before any lower lane is
// touched.
type Priority uint8

const (
	PriorityVital Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow

	priorityCount = int(PriorityLow) + 1
)

func (p Priority) String() string {
	switch p {
	case PriorityVital:
		return "VITAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// Config bounds how much unsent data a single connection's queue may hold.
type Config struct {
	// BufferBudgetBytes is the byte budget shared by the medium/low lanes.
	BufferBudgetBytes int
	// HighPriorityExtraBytes is additional headroom reserved for the vital
	// and high lanes, on top of BufferBudgetBytes.
	HighPriorityExtraBytes int
	// MTU is the link payload size fragments are cut to.
	MTU int
	// SendFailureThreshold is how many consecutive non-backpressure send
	// failures force-disconnect the connection.
	SendFailureThreshold int
}

// DefaultConfig matches the defaults spec.md names for the packet queue.
func DefaultConfig() Config {
	return Config{
		BufferBudgetBytes:      2000,
		HighPriorityExtraBytes: 100,
		MTU:                    20,
		SendFailureThreshold:   10,
	}
}

// ErrQueueFull is returned by QueueData when admitting the message would
// exceed the connection's buffer budget.
var ErrQueueFull = fmt.Errorf("packetqueue: queue full")

// message is one admitted, not-yet-fully-transmitted payload.
type message struct {
	priority    Priority
	messageType wire.MessageType
	sender      wire.NodeId
	receiver    wire.NodeId
	payload     []byte
	fragments   [][]byte // pre-split fragment bodies, envelope+split header included
	sentCount   int      // fragments handed to the radio but not yet tx-complete
	onSent      func()
}

// Queue is one connection's outbound packet queue across all four
// priorities, plus the MTU-based fragmenter and transmit scheduler.
type Queue struct {
	cfg Config

	mu       sync.Mutex
	lanes    [priorityCount][]*message
	inflight []*submittedEntry // FIFO of fragments submitted but not yet tx-complete, oldest first
	pending  *pendingFragment  // fragment handed out by PopNextFragment, awaiting CommitSubmit
	usedLow  int               // bytes queued on medium+low lanes, counted against BufferBudgetBytes
	usedHigh int               // bytes queued on vital+high lanes, counted against BufferBudgetBytes+HighPriorityExtraBytes
}

// New creates an empty queue for one connection.
func New(cfg Config) *Queue {
	return &Queue{cfg: cfg}
}

// QueueData admits a whole message atomically: either the full payload is
// accepted into its priority lane, or nothing is queued and ErrQueueFull is
// returned. onSent, if non-nil, is invoked once the message's final
// fragment is reported transmitted.
func (q *Queue) QueueData(priority Priority, mt wire.MessageType, sender, receiver wire.NodeId, payload []byte, onSent func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	budget, used := q.budgetFor(priority)
	if used+len(payload) > budget {
		return ErrQueueFull
	}

	msg := &message{
		priority:    priority,
		messageType: mt,
		sender:      sender,
		receiver:    receiver,
		payload:     payload,
		onSent:      onSent,
	}
	msg.fragments = fragment(mt, sender, receiver, payload, q.cfg.MTU)

	q.lanes[priority] = append(q.lanes[priority], msg)
	q.addUsed(priority, len(payload))
	return nil
}

func (q *Queue) budgetFor(p Priority) (budget, used int) {
	if p == PriorityVital || p == PriorityHigh {
		return q.cfg.BufferBudgetBytes + q.cfg.HighPriorityExtraBytes, q.usedHigh
	}
	return q.cfg.BufferBudgetBytes, q.usedLow
}

func (q *Queue) addUsed(p Priority, delta int) {
	if p == PriorityVital || p == PriorityHigh {
		q.usedHigh += delta
	} else {
		q.usedLow += delta
	}
}

// Depth returns the total number of payload bytes currently queued across
// all lanes, used to drive the queue-depth telemetry gauge.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.usedHigh + q.usedLow
}

