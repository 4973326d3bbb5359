package radio

import "sync"

// FakeFlashStack is an in-memory stand-in for the flash controller: every
// erase/write succeeds immediately and is reported through Events, exactly
// like FakeStack stands in for the BLE radio.
type FakeFlashStack struct {
	mu     sync.Mutex
	pages  map[uint32][]byte
	size   int
	events chan FlashEvent
}

// NewFakeFlashStack creates a flash stand-in where every page is pageSize
// bytes, initially all-0xFF (erased).
func NewFakeFlashStack(pageSize int) *FakeFlashStack {
	return &FakeFlashStack{
		pages:  make(map[uint32][]byte),
		size:   pageSize,
		events: make(chan FlashEvent, 64),
	}
}

func (f *FakeFlashStack) Events() <-chan FlashEvent { return f.events }

func (f *FakeFlashStack) ErasePage(pageID uint32) error {
	f.mu.Lock()
	p := make([]byte, f.size)
	for i := range p {
		p[i] = 0xFF
	}
	f.pages[pageID] = p
	f.mu.Unlock()

	f.events <- FlashEvent{Kind: FlashOperationSuccess, PageID: pageID}
	return nil
}

func (f *FakeFlashStack) WritePage(pageID uint32, data []byte) error {
	f.mu.Lock()
	buf := make([]byte, f.size)
	copy(buf, data)
	f.pages[pageID] = buf
	f.mu.Unlock()

	f.events <- FlashEvent{Kind: FlashOperationSuccess, PageID: pageID}
	return nil
}

// ReadPage returns a copy of the page's current bytes, allocating an
// erased page on first access.
func (f *FakeFlashStack) ReadPage(pageID uint32) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[pageID]
	if !ok {
		p = make([]byte, f.size)
		for i := range p {
			p[i] = 0xFF
		}
		f.pages[pageID] = p
	}
	out := make([]byte, f.size)
	copy(out, p)
	return out
}
