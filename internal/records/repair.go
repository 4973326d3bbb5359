package records

import "fmt"

// RepairStage names the boot-time validation pipeline from
// original_source/src/utility/RecordStorage.h's RepairStage enum.
type RepairStage uint8

const (
	RepairEraseCorruptPages RepairStage = iota
	RepairClearSwapPageIfNeeded
	RepairActivatePages
	RepairValidatePages
	RepairFinalize
	RepairNone RepairStage = 255
)

// repair classifies every physical page as empty, corrupt, or active, then
// erases corrupt pages, makes sure at least one page is left empty to
// serve as the swap page for future defragmentation, and activates one
// empty page when no page is active. Runs once at Store
// construction, before the queue processor starts, so no concurrent
// mutation can race it.
func (s *Store) repair() error {
	count := s.flash.PageCount()
	s.pages = make([]*page, count)

	states := make([]pageState, count)
	for i := 0; i < count; i++ {
		raw := s.flash.ReadPage(i)
		magic, version := readPageHeader(raw)
		p := &page{index: i, magic: magic, version: version, size: s.flash.PageSize()}
		s.pages[i] = p

		switch magic {
		case pageMagicErased:
			states[i] = pageStateEmpty
		case pageMagicActive:
			if s.pageRecordsValid(i) {
				states[i] = pageStateActive
			} else {
				states[i] = pageStateCorrupt
			}
		default:
			states[i] = pageStateCorrupt
		}
	}

	// RepairEraseCorruptPages: corrupt pages are unconditionally erased.
	// Any partially-written record on them is lost, which is acceptable
	// per the store's durability model: a save isn't acknowledged to the
	// caller until its write lands cleanly.
	emptyCount := 0
	for i, st := range states {
		switch st {
		case pageStateCorrupt:
			if err := s.flash.ErasePage(i); err != nil {
				return fmt.Errorf("records: repair failed erasing corrupt page %d: %w", i, err)
			}
			s.pages[i].magic = pageMagicErased
			s.pages[i].version = 0
			emptyCount++
		case pageStateEmpty:
			emptyCount++
		}
	}

	// RepairClearSwapPageIfNeeded: at least one empty page must remain as
	// swap. If boot found more than one (e.g. two pages corrupt at once),
	// the extras stay empty; nothing later activates them, so records only
	// land on pages that are already active.
	if emptyCount == 0 {
		return fmt.Errorf("records: no empty page available after repair, cannot guarantee a swap page")
	}

	// RepairActivatePages: a store with no active page (a blank device)
	// gets its highest-index empty page stamped active; the lowest-index
	// empty page stays free as swap.
	lastEmpty, hasActive := -1, false
	for i, p := range s.pages {
		hasActive = hasActive || p.magic == pageMagicActive
		if p.magic == pageMagicErased {
			lastEmpty = i
		}
	}
	if !hasActive {
		raw := s.flash.ReadPage(lastEmpty)
		writePageHeader(raw, pageMagicActive, uint16(s.nextVersion()))
		if err := s.flash.WritePage(lastEmpty, raw); err != nil {
			return fmt.Errorf("records: repair failed activating page %d: %w", lastEmpty, err)
		}
		s.pages[lastEmpty].magic, s.pages[lastEmpty].version = readPageHeader(raw)
	}

	// RepairValidatePages: rebuild the lookup index from whatever pages
	// are now marked active.
	s.rebuildIndex()

	return nil
}

// pageRecordsValid walks every record header on a page and confirms each
// one's CRC checks out and its length keeps the scan inside the page. A
// single bad record invalidates the whole page, since flash corruption on
// real hardware tends to be a torn write at the point where writing
// stopped, not an isolated bit flip deep inside the page.
func (s *Store) pageRecordsValid(pageIndex int) bool {
	raw := s.flash.ReadPage(pageIndex)
	off := pageHeaderSize
	for off+recordHeaderSize <= len(raw) {
		h := decodeRecordHeader(raw[off : off+recordHeaderSize])
		if h.Length == 0 || h.Length == 0xFFFF {
			break // reached the unwritten (erased, all-0xFF) tail of the page
		}
		if int(h.Length) < recordHeaderSize || off+int(h.Length) > len(raw) {
			return false
		}
		data := raw[off+recordHeaderSize : off+int(h.Length)]
		if recordCRC(h, data) != h.CRC {
			return false
		}
		off += int(h.Length)
	}
	return true
}
