package radio

import "sync"

// FakeStack is an in-process BLE radio stand-in. Connect immediately
// succeeds against any peer also registered on the same FakeMedium, writes
// are delivered as notifications to the peer, and advertisement payloads
// are broadcast to every other stack sharing the medium. It exists purely
// so the connection manager, connection state machine, and clustering
// engine can be driven end-to-end in tests without real BLE hardware.
type FakeStack struct {
	medium *FakeMedium
	addr   Address
	events chan Event

	mu       sync.Mutex
	handles  map[uint16]Address
	nextHdl  uint16
	scanning bool
}

// FakeMedium is the shared "air" that every FakeStack registered on it can
// advertise into and connect across.
type FakeMedium struct {
	mu      sync.Mutex
	stacks  map[Address]*FakeStack
}

// NewFakeMedium creates an empty shared medium.
func NewFakeMedium() *FakeMedium {
	return &FakeMedium{stacks: make(map[Address]*FakeStack)}
}

// NewStack registers a new radio on the medium under addr.
func (m *FakeMedium) NewStack(addr Address) *FakeStack {
	s := &FakeStack{
		medium:  m,
		addr:    addr,
		events:  make(chan Event, 256),
		handles: make(map[uint16]Address),
		nextHdl: 1,
	}
	m.mu.Lock()
	m.stacks[addr] = s
	m.mu.Unlock()
	return s
}

func (s *FakeStack) Events() <-chan Event { return s.events }

func (s *FakeStack) AdvStart(payload []byte, intervalMs int) error {
	s.medium.mu.Lock()
	defer s.medium.mu.Unlock()
	for addr, peer := range s.medium.stacks {
		if addr == s.addr || !peer.scanning {
			continue
		}
		peer.deliver(Event{Kind: EventAdvertisementReport, Addr: s.addr, AdvType: AdvConnectableUndirected, Payload: append([]byte(nil), payload...)})
	}
	return nil
}

func (s *FakeStack) AdvStop() error { return nil }

func (s *FakeStack) ScanStart(windowMs, intervalMs int) error {
	s.mu.Lock()
	s.scanning = true
	s.mu.Unlock()
	return nil
}

func (s *FakeStack) ScanStop() error {
	s.mu.Lock()
	s.scanning = false
	s.mu.Unlock()
	return nil
}

func (s *FakeStack) Connect(addr Address, timeoutMs int) error {
	s.medium.mu.Lock()
	peer, ok := s.medium.stacks[addr]
	s.medium.mu.Unlock()
	if !ok {
		s.deliver(Event{Kind: EventConnectTimeout, Addr: addr})
		return nil
	}

	s.mu.Lock()
	hdl := s.nextHdl
	s.nextHdl++
	s.handles[hdl] = addr
	s.mu.Unlock()

	peer.mu.Lock()
	peerHdl := peer.nextHdl
	peer.nextHdl++
	peer.handles[peerHdl] = s.addr
	peer.mu.Unlock()

	s.deliver(Event{Kind: EventConnected, Handle: hdl, ConnectionMasterBit: true})
	peer.deliver(Event{Kind: EventConnected, Handle: peerHdl, ConnectionMasterBit: false})
	return nil
}

func (s *FakeStack) Disconnect(handle uint16, reason DisconnectReason) error {
	s.mu.Lock()
	addr, ok := s.handles[handle]
	delete(s.handles, handle)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	s.deliver(Event{Kind: EventDisconnected, Handle: handle, DisconnectReason: reason})

	s.medium.mu.Lock()
	peer, ok := s.medium.stacks[addr]
	s.medium.mu.Unlock()
	if ok {
		peer.mu.Lock()
		for h, a := range peer.handles {
			if a == s.addr {
				delete(peer.handles, h)
				peer.mu.Unlock()
				peer.deliver(Event{Kind: EventDisconnected, Handle: h, DisconnectReason: DisconnectRemoteRequest})
				return nil
			}
		}
		peer.mu.Unlock()
	}
	return nil
}

func (s *FakeStack) Write(handle uint16, data []byte, reliable bool) error {
	s.mu.Lock()
	addr, ok := s.handles[handle]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	s.medium.mu.Lock()
	peer, ok := s.medium.stacks[addr]
	s.medium.mu.Unlock()
	if !ok {
		return nil
	}

	peer.mu.Lock()
	var peerHdl uint16
	for h, a := range peer.handles {
		if a == s.addr {
			peerHdl = h
			break
		}
	}
	peer.mu.Unlock()

	peer.deliver(Event{Kind: EventHandleValueNotification, Handle: peerHdl, Notification: append([]byte(nil), data...)})

	unreliable, reliableN := 1, 0
	if reliable {
		unreliable, reliableN = 0, 1
	}
	s.deliver(Event{Kind: EventDataTransmitted, Handle: handle, Success: true, UnreliableCount: unreliable, ReliableCount: reliableN})
	return nil
}

func (s *FakeStack) deliver(e Event) {
	select {
	case s.events <- e:
	default:
		// Event buffer full: drop rather than block the sender, matching
		// the no-component-blocks rule of the single-threaded main loop.
	}
}
