package records

import (
	"fmt"

	"meshcore/internal/radio"
)

// FlashAdapter bridges the asynchronous radio.FlashStack boundary (erase/
// write requests completed later through an event channel) to the
// synchronous Flash interface the Store's single background queue
// goroutine uses. Blocking that goroutine on a flash round trip is safe:
// it is not the node's main event-dispatch loop, only the record store's
// own serialized worker, so spec.md's "no component blocks the main task"
// rule is preserved further up the stack.
type FlashAdapter struct {
	stack     radio.FlashStack
	pageSize  int
	pageCount int
}

// NewFlashAdapter wraps stack as a Flash with pageCount pages of pageSize
// bytes each.
func NewFlashAdapter(stack radio.FlashStack, pageCount, pageSize int) *FlashAdapter {
	return &FlashAdapter{stack: stack, pageSize: pageSize, pageCount: pageCount}
}

func (a *FlashAdapter) PageCount() int { return a.pageCount }
func (a *FlashAdapter) PageSize() int  { return a.pageSize }

func (a *FlashAdapter) ReadPage(index int) []byte {
	if r, ok := a.stack.(interface{ ReadPage(uint32) []byte }); ok {
		return r.ReadPage(uint32(index))
	}
	return make([]byte, a.pageSize)
}

func (a *FlashAdapter) WritePage(index int, data []byte) error {
	if err := a.stack.WritePage(uint32(index), data); err != nil {
		return err
	}
	return a.awaitCompletion(uint32(index))
}

func (a *FlashAdapter) ErasePage(index int) error {
	if err := a.stack.ErasePage(uint32(index)); err != nil {
		return err
	}
	return a.awaitCompletion(uint32(index))
}

func (a *FlashAdapter) awaitCompletion(pageID uint32) error {
	for ev := range a.stack.Events() {
		if ev.PageID != pageID {
			continue
		}
		if ev.Kind == radio.FlashOperationError {
			return fmt.Errorf("records: flash operation failed on page %d: %w", pageID, ev.Err)
		}
		return nil
	}
	return fmt.Errorf("records: flash event channel closed before page %d completed", pageID)
}
