package records

import "fmt"

// DefragStage names the staged, resumable defragmentation pipeline from
// original_source/src/utility/RecordStorage.h's DefragmentationStage enum.
// The stages name the order of defragmentLocked's flash writes. repair()
// does not resume or roll back an interrupted defragmentation; it rebuilds
// the index from whichever pages read back active.
type DefragStage uint8

const (
	DefragMoveToSwapPage DefragStage = iota
	DefragWritePageHeader
	DefragEraseOldPage
	DefragFinalize
	DefragNone DefragStage = 255
)

// defragmentLocked finds the active page with the most reclaimable space
// (bytes held by deactivated records) and compacts its live records
// onto the current swap page, then erases the old page so it becomes the
// new swap page. Caller holds s.mu.
func (s *Store) defragmentLocked() error {
	target, ok := s.pageToDefragmentLocked()
	if !ok {
		return fmt.Errorf("records: no page available to defragment")
	}
	swapIdx, ok := s.swapPageLocked()
	if !ok {
		return fmt.Errorf("records: no swap page available")
	}

	// Stage: MOVE_TO_SWAP_PAGE — copy every active record from target to
	// the swap page, compacted back-to-back.
	off := pageHeaderSize
	swapRaw := append([]byte(nil), s.flash.ReadPage(swapIdx)...)
	for _, r := range s.scanPage(target) {
		if !r.hdr.Active {
			continue
		}
		_, data, ok := s.readRecordAt(target, r.off)
		if !ok {
			continue
		}
		total := recordHeaderSize + len(data)
		if off+total > len(swapRaw) {
			return fmt.Errorf("records: swap page too small to hold defragmented records")
		}
		buf := make([]byte, total)
		encodeRecordHeader(r.hdr, buf)
		copy(buf[recordHeaderSize:], data)
		copy(swapRaw[off:], buf)
		off += total
	}

	// Stage: WRITE_PAGE_HEADER — stamp the swap page active with a fresh
	// version so repair() can tell it apart from a genuinely empty page.
	newVersion := uint16(s.nextVersion())
	writePageHeader(swapRaw, pageMagicActive, newVersion)
	if err := s.flash.WritePage(swapIdx, swapRaw); err != nil {
		return fmt.Errorf("records: failed writing compacted swap page: %w", err)
	}
	s.pages[swapIdx].magic = pageMagicActive
	s.pages[swapIdx].version = newVersion

	// Stage: ERASE_OLD_PAGE — the old page becomes the new swap page.
	if err := s.flash.ErasePage(target); err != nil {
		return fmt.Errorf("records: failed erasing defragmented page: %w", err)
	}
	s.pages[target].magic = pageMagicErased
	s.pages[target].version = 0

	// Stage: FINALIZE.
	s.rebuildIndex()
	return nil
}

func writePageHeader(raw []byte, magic, version uint16) {
	raw[0] = byte(magic)
	raw[1] = byte(magic >> 8)
	raw[2] = byte(version)
	raw[3] = byte(version >> 8)
}

func readPageHeader(raw []byte) (magic, version uint16) {
	magic = uint16(raw[0]) | uint16(raw[1])<<8
	version = uint16(raw[2]) | uint16(raw[3])<<8
	return
}

// pageToDefragmentLocked returns the active page whose deactivated records
// take up the most bytes, i.e. the one with the most to reclaim, matching FindPageToDefragment's intent in the original store.
func (s *Store) pageToDefragmentLocked() (int, bool) {
	best := -1
	bestReclaimable := -1
	for i, p := range s.pages {
		if p.magic != pageMagicActive {
			continue
		}
		reclaimable := 0
		for _, r := range s.scanPage(i) {
			if !r.hdr.Active {
				reclaimable += int(r.hdr.Length)
			}
		}
		if reclaimable > bestReclaimable {
			bestReclaimable = reclaimable
			best = i
		}
	}
	return best, best >= 0
}

func (s *Store) swapPageLocked() (int, bool) {
	for i, p := range s.pages {
		if p.magic == pageMagicErased {
			return i, true
		}
	}
	return 0, false
}
