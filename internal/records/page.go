package records

import (
	"encoding/binary"
	"fmt"

	iradix "github.com/hashicorp/go-immutable-radix/v2"
	"github.com/hashicorp/serf/serf"

	"meshcore/internal/telemetry"
	"meshcore/internal/wire"
)

// Page header: magicNumber(2) + versionCounter(2), matching
// RecordStoragePage in original_source/src/utility/RecordStorage.h.
const pageHeaderSize = 4

const (
	pageMagicActive = 0xAC71
	pageMagicErased = 0xFFFF // all-1s, what a freshly erased NOR page reads as
)

type pageState uint8

const (
	pageStateEmpty pageState = iota
	pageStateCorrupt
	pageStateActive
)

// page mirrors one physical flash page's decoded header in memory; the page
// bytes themselves are read from and written to flash on every access.
type page struct {
	index   int
	magic   uint16
	version uint16
	size    int
}

// recordHeaderSize: crc(1) + flags(1) + length(2) + id(2) + version(2),
// exactly SIZEOF_RECORD_STORAGE_RECORD_HEADER from RecordStorage.h.
const recordHeaderSize = 8

const recordActiveBit = 0x01

// recordMortalBit mirrors spec.md §3's record header flag layout exactly:
// "mortal (1 bit; 0 means immortal)". Ordinary records are mortal (bit
// set); a record survives LockDownAndClearAllSettings only once this bit
// is cleared via ImmortalizeRecord.
const recordMortalBit = 0x02

type recordHeader struct {
	CRC     byte
	Active  bool
	Mortal  bool
	Length  uint16 // total record size on flash, header included
	ID      uint16
	Version uint16
}

func encodeRecordHeader(h recordHeader, dst []byte) {
	_ = dst[recordHeaderSize-1]
	dst[0] = h.CRC
	flags := byte(0)
	if h.Active {
		flags |= recordActiveBit
	}
	if h.Mortal {
		flags |= recordMortalBit
	}
	dst[1] = flags
	binary.LittleEndian.PutUint16(dst[2:4], h.Length)
	binary.LittleEndian.PutUint16(dst[4:6], h.ID)
	binary.LittleEndian.PutUint16(dst[6:8], h.Version)
}

func decodeRecordHeader(src []byte) recordHeader {
	return recordHeader{
		CRC:     src[0],
		Active:  src[1]&recordActiveBit != 0,
		Mortal:  src[1]&recordMortalBit != 0,
		Length:  binary.LittleEndian.Uint16(src[2:4]),
		ID:      binary.LittleEndian.Uint16(src[4:6]),
		Version: binary.LittleEndian.Uint16(src[6:8]),
	}
}

func recordCRC(h recordHeader, data []byte) byte {
	buf := make([]byte, recordHeaderSize-1+len(data))
	// CRC covers everything except the CRC byte itself.
	tmp := h
	tmp.CRC = 0
	hdr := make([]byte, recordHeaderSize)
	encodeRecordHeader(tmp, hdr)
	copy(buf, hdr[1:])
	copy(buf[recordHeaderSize-1:], data)
	return wire.CRC8(buf)
}

// readRecordAt decodes the record living at byte offset off on page
// pages[pageIndex], validating its CRC.
func (s *Store) readRecordAt(pageIndex, off int) (recordHeader, []byte, bool) {
	raw := s.flash.ReadPage(pageIndex)
	if off+recordHeaderSize > len(raw) {
		return recordHeader{}, nil, false
	}
	h := decodeRecordHeader(raw[off : off+recordHeaderSize])
	if int(h.Length) < recordHeaderSize || off+int(h.Length) > len(raw) {
		return recordHeader{}, nil, false
	}
	data := raw[off+recordHeaderSize : off+int(h.Length)]
	if recordCRC(h, data) != h.CRC {
		return recordHeader{}, nil, false
	}
	return h, data, true
}

// scanPage walks every well-formed record on a page, active or not,
// returning each one's header and byte offset. It stops at the first
// corrupt or zero-length record, since that marks the page's free-space
// boundary.
func (s *Store) scanPage(pageIndex int) []struct {
	hdr recordHeader
	off int
} {
	var out []struct {
		hdr recordHeader
		off int
	}
	off := pageHeaderSize
	raw := s.flash.ReadPage(pageIndex)
	for off+recordHeaderSize <= len(raw) {
		h, _, ok := s.readRecordAt(pageIndex, off)
		if !ok || h.Length < recordHeaderSize {
			break
		}
		out = append(out, struct {
			hdr recordHeader
			off int
		}{h, off})
		off += int(h.Length)
	}
	return out
}

func (s *Store) freeSpace(pageIndex int) int {
	raw := s.flash.ReadPage(pageIndex)
	used := pageHeaderSize
	for _, r := range s.scanPage(pageIndex) {
		used = r.off + int(r.hdr.Length)
	}
	return len(raw) - used
}

// rebuildIndex recomputes the recordId -> location radix tree, and the
// recordId -> immortal set alongside it, from scratch by scanning every
// active page. Called after any mutation that changes record placement
// (save, deactivate, defrag) and once at boot repair, so the immortal set
// is always reconstructed from the persisted mortal bit rather than
// carried only in RAM — a record immortalized before a reboot must still
// read back as immortal afterward.
func (s *Store) rebuildIndex() {
	type winner struct {
		loc recordLocation
		hdr recordHeader
	}
	winners := make(map[uint16]winner)
	for pi, p := range s.pages {
		if p.magic != pageMagicActive {
			continue
		}
		for _, r := range s.scanPage(pi) {
			// Carry the version clock past every stored version so saves
			// made after a reboot outrank what is already on flash.
			s.clock.Witness(serf.LamportTime(r.hdr.Version))
			if !r.hdr.Active {
				continue
			}
			// Keep whichever copy has the higher version if the id
			// appears on more than one active page (can happen mid-defrag).
			if w, ok := winners[r.hdr.ID]; ok && w.hdr.Version >= r.hdr.Version {
				continue
			}
			winners[r.hdr.ID] = winner{loc: recordLocation{pageIndex: pi, offset: r.off}, hdr: r.hdr}
		}
	}

	txn := iradix.New().Txn()
	immortal := make(map[uint16]bool)
	for id, w := range winners {
		txn.Insert(recordIDKey(id), w.loc)
		if !w.hdr.Mortal {
			immortal[id] = true
		}
	}
	s.index = txn.Commit()
	s.immortal = immortal
}

// saveLocked appends a new version of recordID's data, defragmenting the
// target page first if there isn't room. Caller holds s.mu.
func (s *Store) saveLocked(recordID uint16, data []byte) (ResultCode, error) {
	total := recordHeaderSize + len(data)

	pageIndex, ok := s.pageWithSpaceLocked(total)
	if !ok {
		if err := s.defragmentLocked(); err != nil {
			return ResultInternalError, err
		}
		pageIndex, ok = s.pageWithSpaceLocked(total)
		if !ok {
			return ResultNoSpace, nil
		}
	}

	h := recordHeader{
		Active:  true,
		Mortal:  !s.immortal[recordID],
		Length:  uint16(total),
		ID:      recordID,
		Version: uint16(s.nextVersion()),
	}
	h.CRC = recordCRC(h, data)

	buf := make([]byte, total)
	encodeRecordHeader(h, buf)
	copy(buf[recordHeaderSize:], data)

	if err := s.writeAtWithRetry(pageIndex, s.freeOffsetLocked(pageIndex), buf); err != nil {
		telemetry.IncrCounter(telemetry.CounterFlashRetryExhausted)
		return ResultInternalError, err
	}

	s.rebuildIndex()
	return ResultSuccess, nil
}

func (s *Store) deactivateLocked(recordID uint16) (ResultCode, error) {
	loc, ok := s.lookupLocked(recordID)
	if !ok {
		return ResultSuccess, nil
	}
	h, data, ok := s.readRecordAt(loc.pageIndex, loc.offset)
	if !ok {
		return ResultInternalError, fmt.Errorf("records: corrupt record %d at page %d offset %d", recordID, loc.pageIndex, loc.offset)
	}
	h.Active = false
	h.CRC = recordCRC(h, data)
	buf := make([]byte, recordHeaderSize)
	encodeRecordHeader(h, buf)

	if err := s.writeAtWithRetry(loc.pageIndex, loc.offset, buf); err != nil {
		telemetry.IncrCounter(telemetry.CounterFlashRetryExhausted)
		return ResultInternalError, err
	}

	s.rebuildIndex()
	// An older still-active copy of the same id would now be the winner;
	// deactivate copies until none is left.
	return s.deactivateLocked(recordID)
}

// immortalizeLocked clears the mortal bit on recordID's current header in
// place, persisting it to flash so the record survives
// LockDownAndClearAllSettings across any number of reboots. A later save of
// the same id stays immortal; only a save made after the record has been
// deactivated starts out mortal again.
func (s *Store) immortalizeLocked(recordID uint16) (ResultCode, error) {
	loc, ok := s.lookupLocked(recordID)
	if !ok {
		return ResultInternalError, fmt.Errorf("records: cannot immortalize unknown record %d", recordID)
	}
	h, data, ok := s.readRecordAt(loc.pageIndex, loc.offset)
	if !ok {
		return ResultInternalError, fmt.Errorf("records: corrupt record %d at page %d offset %d", recordID, loc.pageIndex, loc.offset)
	}
	if !h.Mortal {
		return ResultSuccess, nil
	}
	h.Mortal = false
	h.CRC = recordCRC(h, data)
	buf := make([]byte, recordHeaderSize)
	encodeRecordHeader(h, buf)

	if err := s.writeAtWithRetry(loc.pageIndex, loc.offset, buf); err != nil {
		telemetry.IncrCounter(telemetry.CounterFlashRetryExhausted)
		return ResultInternalError, err
	}

	s.immortal[recordID] = true
	return ResultSuccess, nil
}

func (s *Store) lockDownAndClearLocked(moduleID uint32) (ResultCode, error) {
	if code, err := s.saveLocked(RecordIDLockDownMarker, []byte{1}); code != ResultSuccess || err != nil {
		return code, err
	}

	s.lockedDown = true
	s.lockDownModule = moduleID

	var errs []error
	for pi, p := range s.pages {
		if p.magic != pageMagicActive {
			continue
		}
		for _, r := range s.scanPage(pi) {
			if !r.hdr.Active || r.hdr.ID == RecordIDLockDownMarker {
				continue
			}
			if !r.hdr.Mortal {
				continue
			}
			_, data, ok := s.readRecordAt(pi, r.off)
			if !ok {
				continue
			}
			hdr := r.hdr
			hdr.Active = false
			hdr.CRC = recordCRC(hdr, data)
			buf := make([]byte, recordHeaderSize)
			encodeRecordHeader(hdr, buf)
			if err := s.writeAtWithRetry(pi, r.off, buf); err != nil {
				errs = append(errs, err)
			}
		}
	}

	s.rebuildIndex()
	if err := aggregateErrors(errs...); err != nil {
		return ResultInternalError, err
	}
	return ResultSuccess, nil
}

// writeAtWithRetry writes buf at off on the given page, making at most
// FlashRetryMax attempts, matching the original store's bounded flash-retry
// policy (LOCK_DOWN_RETRY_MAX in RecordStorage.h, generalized here to every
// write rather than only lock-down writes).
func (s *Store) writeAtWithRetry(pageIndex, off int, buf []byte) error {
	raw := append([]byte(nil), s.flash.ReadPage(pageIndex)...)
	if off+len(buf) > len(raw) {
		return fmt.Errorf("records: write at %d+%d exceeds page size %d", off, len(buf), len(raw))
	}
	copy(raw[off:], buf)

	var lastErr error
	for attempt := 0; attempt < FlashRetryMax; attempt++ {
		if err := s.flash.WritePage(pageIndex, raw); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("records: flash write failed after %d attempts: %w", FlashRetryMax, lastErr)
}

func (s *Store) pageWithSpaceLocked(need int) (int, bool) {
	for i, p := range s.pages {
		if p.magic == pageMagicActive && s.freeSpace(i) >= need {
			return i, true
		}
	}
	return 0, false
}

func (s *Store) freeOffsetLocked(pageIndex int) int {
	off := pageHeaderSize
	for _, r := range s.scanPage(pageIndex) {
		off = r.off + int(r.hdr.Length)
	}
	return off
}
