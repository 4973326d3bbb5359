package records

import "fmt"

// MemoryFlash is an in-RAM stand-in for a NOR flash device: fixed-size
// pages, erase resets a page to all-0xFF (the electrical "erased" state of
// real NOR flash), and writes overlay the requested bytes onto the current
// page contents. It exists so the record store can be exercised and tested
// without any real flash hardware, the same role the teacher's in-memory
// basic_store.go plays for the cache layer.
type MemoryFlash struct {
	pages [][]byte
	size  int

	// FailNextWrites, when > 0, makes the next N WritePage calls fail
	// before succeeding, letting tests exercise the store's flash-retry
	// policy deterministically.
	FailNextWrites int
}

// NewMemoryFlash allocates pageCount pages of pageSize bytes, all erased.
func NewMemoryFlash(pageCount, pageSize int) *MemoryFlash {
	f := &MemoryFlash{pages: make([][]byte, pageCount), size: pageSize}
	for i := range f.pages {
		p := make([]byte, pageSize)
		for j := range p {
			p[j] = 0xFF
		}
		f.pages[i] = p
	}
	return f
}

func (f *MemoryFlash) PageCount() int { return len(f.pages) }
func (f *MemoryFlash) PageSize() int  { return f.size }

func (f *MemoryFlash) ReadPage(index int) []byte {
	out := make([]byte, f.size)
	copy(out, f.pages[index])
	return out
}

func (f *MemoryFlash) WritePage(index int, data []byte) error {
	if len(data) != f.size {
		return fmt.Errorf("memflash: write size %d does not match page size %d", len(data), f.size)
	}
	if f.FailNextWrites > 0 {
		f.FailNextWrites--
		return fmt.Errorf("memflash: simulated write failure")
	}
	copy(f.pages[index], data)
	return nil
}

func (f *MemoryFlash) ErasePage(index int) error {
	p := f.pages[index]
	for i := range p {
		p[i] = 0xFF
	}
	return nil
}
