package packetqueue

// Outbound is a fragment ready to hand to the radio stack.
type Outbound struct {
	Data     []byte
	Reliable bool
}

type submittedEntry struct {
	msg     *message
	isFinal bool
}

// pendingFragment is the fragment most recently returned by
// PopNextFragment but not yet confirmed submitted via CommitSubmit. At
// most one is outstanding at a time, matching the single cooperative
// pump loop: it writes one fragment to the radio and learns whether that
// write succeeded before ever asking the queue for another.
type pendingFragment struct {
	priority Priority
	msg      *message
	isFinal  bool
}

// PopNextFragment selects the next fragment to submit to the radio: the
// oldest not-yet-submitted fragment of the oldest message in the
// highest-nonempty priority lane (vital first, then high, medium, low).
// The selection is NOT committed to the queue's bookkeeping yet — call
// CommitSubmit once the radio.Stack.Write call that carries this
// fragment reports success. Until then, repeated calls to
// PopNextFragment keep returning the same fragment, so a write that
// fails with backpressure (NO_RESOURCES) is retried rather than silently
// skipped, per spec.md §4.2.
func (q *Queue) PopNextFragment(reliableHint func(mt Priority) bool) (Outbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending != nil {
		frag := q.pending.msg.fragments[q.pending.msg.sentCount]
		reliable := true
		if reliableHint != nil {
			reliable = reliableHint(q.pending.priority)
		}
		return Outbound{Data: frag, Reliable: reliable}, true
	}

	for pi := 0; pi < priorityCount; pi++ {
		p := Priority(pi)
		lane := q.lanes[p]
		if len(lane) == 0 {
			continue
		}
		msg := lane[0]
		if msg.sentCount >= len(msg.fragments) {
			// Fully submitted already; shouldn't normally be seen here
			// since it's removed once its last fragment goes out, but
			// guard against it anyway.
			q.lanes[p] = lane[1:]
			continue
		}

		frag := msg.fragments[msg.sentCount]
		isFinal := msg.sentCount == len(msg.fragments)-1
		q.pending = &pendingFragment{priority: p, msg: msg, isFinal: isFinal}

		reliable := true
		if reliableHint != nil {
			reliable = reliableHint(p)
		}
		return Outbound{Data: frag, Reliable: reliable}, true
	}
	return Outbound{}, false
}

// CommitSubmit finalizes the fragment most recently returned by
// PopNextFragment as actually handed to the radio: advances the
// message's sentCount, retires the message from its lane once its final
// fragment goes out, and queues it on the inflight FIFO awaiting
// TxComplete. Call this only once radio.Stack.Write reports success; on
// a failed write, call nothing, and the next PopNextFragment keeps
// returning the same pending fragment.
func (q *Queue) CommitSubmit() {
	q.mu.Lock()
	defer q.mu.Unlock()

	p := q.pending
	if p == nil {
		return
	}
	q.pending = nil

	p.msg.sentCount++
	if p.isFinal {
		lane := q.lanes[p.priority]
		if len(lane) > 0 && lane[0] == p.msg {
			q.lanes[p.priority] = lane[1:]
		}
		q.addUsed(p.priority, -len(p.msg.payload))
	}

	q.inflight = append(q.inflight, &submittedEntry{msg: p.msg, isFinal: p.isFinal})
}

// TxComplete reports that the radio finished transmitting
// unreliableCount+reliableCount fragments since the last call, in submit
// order. It pops exactly that many entries off the inflight FIFO and fires
// each completed message's onSent callback when its final fragment is
// confirmed.
func (q *Queue) TxComplete(unreliableCount, reliableCount int) {
	n := unreliableCount + reliableCount
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.inflight) {
		n = len(q.inflight)
	}
	for i := 0; i < n; i++ {
		entry := q.inflight[i]
		if entry.isFinal && entry.msg.onSent != nil {
			entry.msg.onSent()
		}
	}
	q.inflight = q.inflight[n:]
}

// PendingFragments reports how many fragments are awaiting a TxComplete
// confirmation, mainly for tests and diagnostics.
func (q *Queue) PendingFragments() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}
