// Package records implements the flash-backed record store: a small
// key/value persistence layer over a fixed set of fixed-size pages, with
// CRC8-checked records, staged defragmentation, and boot-time repair.
//
// The queued, single-goroutine processing model mirrors the async
// channel-drain pattern the teacher's logging.Logger uses
// (internal/logging/logger.go: a buffered channel fed by non-blocking
// sends, drained by one background goroutine) — here the channel carries
// save/deactivate/lock-down requests instead of log entries, which gives
// callers the queued, mutation-order-preserving semantics the original
// record storage's opQueue provided.
package records

import (
	"context"
	"fmt"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/serf/serf"
)

// ResultCode mirrors the small, fixed set of outcomes the original flash
// record storage reports back to callers.
type ResultCode uint8

const (
	ResultSuccess ResultCode = iota
	ResultBusy
	ResultWrongAlignment
	ResultNoSpace
	ResultLockedDown
	ResultInternalError
)

func (r ResultCode) String() string {
	switch r {
	case ResultSuccess:
		return "SUCCESS"
	case ResultBusy:
		return "BUSY"
	case ResultWrongAlignment:
		return "WRONG_ALIGNMENT"
	case ResultNoSpace:
		return "NO_SPACE"
	case ResultLockedDown:
		return "RECORD_STORAGE_LOCK_DOWN"
	case ResultInternalError:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Record id ranges, carried over from original_source/src/utility/RecordStorage.h
// since modules elsewhere in the tree key off these exact boundaries.
const (
	RecordIDModuleConfigBase       = 0
	RecordIDVendorModuleConfigBase = 500
	RecordIDVendorModuleConfigMax  = 999
	RecordIDUpdateStatus           = 1000
	RecordIDUICRReplacement        = 1001
	RecordIDLockDownMarker         = 1002
	RecordIDUserBase               = 50000
	RecordIDUserMax                = 65534
	RecordIDInvalid                = 0xFFFF
)

// FlashRetryMax bounds how many attempts a single flash write gets before
// the store gives up and reports ResultInternalError.
const FlashRetryMax = 5

// Result is delivered to the caller once a queued operation completes.
type Result struct {
	Code     ResultCode
	RecordID uint16
	Err      error
}

type reqKind uint8

const (
	reqSave reqKind = iota
	reqDeactivate
	reqImmortalize
	reqLockDownAndClear
)

type request struct {
	kind     reqKind
	recordID uint16
	data     []byte
	lockMod  uint32
	resultCh chan Result
}

// Flash is the minimal surface the store needs from a flash device. Pages
// are addressed by index and are always pageSize bytes; Erase resets a page
// to all-0xFF, matching real NOR flash erase semantics.
type Flash interface {
	PageCount() int
	PageSize() int
	ReadPage(index int) []byte
	WritePage(index int, data []byte) error
	ErasePage(index int) error
}

// Store is the record store. All mutation flows through a single
// background goroutine reading from opQueue, so saves, deactivations,
// lock-downs, and defragmentation never interleave. Reads bypass the queue
// entirely, just as GetRecord in the original storage was never queued.
type Store struct {
	flash Flash
	clock *serf.LamportClock

	mu    sync.RWMutex
	pages []*page
	index *iradix.Tree // recordId (2-byte big-endian key) -> recordLocation

	lockedDown     bool
	lockDownModule uint32
	immortal       map[uint16]bool

	opQueue  chan request
	queueWG  sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

type recordLocation struct {
	pageIndex int
	offset    int
}

// New creates a store over flash and performs boot repair before
// returning, just as the original RecordStorage.Init() scans every page
// before accepting operations.
func New(flash Flash) (*Store, error) {
	if flash.PageCount() < 2 {
		return nil, fmt.Errorf("records: need at least 2 pages (1 active + 1 swap), got %d", flash.PageCount())
	}

	s := &Store{
		flash:    flash,
		clock:    new(serf.LamportClock),
		index:    iradix.New(),
		immortal: make(map[uint16]bool),
		opQueue:  make(chan request, 64),
		stopCh:   make(chan struct{}),
	}

	if err := s.repair(); err != nil {
		return nil, fmt.Errorf("records: boot repair failed: %w", err)
	}

	s.queueWG.Add(1)
	go s.processQueue()

	return s, nil
}

// Close stops the background queue processor. Pending requests already
// enqueued are drained before it exits.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.queueWG.Wait()
}

func (s *Store) processQueue() {
	defer s.queueWG.Done()
	for {
		select {
		case req := <-s.opQueue:
			s.handle(req)
		case <-s.stopCh:
			for {
				select {
				case req := <-s.opQueue:
					s.handle(req)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) handle(req request) {
	var res Result
	res.RecordID = req.recordID

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lockedDown && req.kind != reqLockDownAndClear {
		res.Code = ResultLockedDown
		req.resultCh <- res
		return
	}

	switch req.kind {
	case reqSave:
		res.Code, res.Err = s.saveLocked(req.recordID, req.data)
	case reqDeactivate:
		res.Code, res.Err = s.deactivateLocked(req.recordID)
	case reqImmortalize:
		res.Code, res.Err = s.immortalizeLocked(req.recordID)
	case reqLockDownAndClear:
		res.Code, res.Err = s.lockDownAndClearLocked(req.lockMod)
	}

	req.resultCh <- res
}

func (s *Store) submit(ctx context.Context, req request) (Result, error) {
	req.resultCh = make(chan Result, 1)
	select {
	case s.opQueue <- req:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case res := <-req.resultCh:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// SaveRecord queues a save of data under recordID, replacing any prior
// value. It blocks the calling goroutine only until the queue accepts the
// request and returns its result; it never blocks on flash I/O directly,
// matching the "all long operations are async with event-delivered
// completions" rule the single-threaded main loop depends on.
func (s *Store) SaveRecord(ctx context.Context, recordID uint16, data []byte) (Result, error) {
	if recordID == RecordIDInvalid {
		return Result{Code: ResultWrongAlignment}, nil
	}
	return s.submit(ctx, request{kind: reqSave, recordID: recordID, data: data})
}

// DeactivateRecord queues removal of recordID. Deactivation never reclaims
// space immediately; space is only recovered the next time the page is
// defragmented.
func (s *Store) DeactivateRecord(ctx context.Context, recordID uint16) (Result, error) {
	return s.submit(ctx, request{kind: reqDeactivate, recordID: recordID})
}

// ImmortalizeRecord marks recordID so that LockDownAndClearAllSettings
// never deactivates it, matching the spec's immortal-record carve-out for
// identity/provisioning data that must survive a factory reset.
func (s *Store) ImmortalizeRecord(ctx context.Context, recordID uint16) (Result, error) {
	return s.submit(ctx, request{kind: reqImmortalize, recordID: recordID})
}

// LockDownAndClearAllSettings persists a lock-down marker record before
// deactivating every non-immortal record, then refuses all further
// mutation (ResultLockedDown) until the process restarts. lockDownModule
// identifies the module responsible, echoed back only for diagnostics.
func (s *Store) LockDownAndClearAllSettings(ctx context.Context, lockDownModule uint32) (Result, error) {
	return s.submit(ctx, request{kind: reqLockDownAndClear, lockMod: lockDownModule})
}

// GetRecord returns the current bytes stored under recordID. Reads are
// never queued: they take the store's read lock directly against whichever
// index is currently installed, just as the original GetRecord/GetRecordData
// were synchronous, non-queued calls.
func (s *Store) GetRecord(recordID uint16) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loc, ok := s.lookupLocked(recordID)
	if !ok {
		return nil, false
	}
	rec, data, ok := s.readRecordAt(loc.pageIndex, loc.offset)
	if !ok || !rec.Active {
		return nil, false
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}

func (s *Store) lookupLocked(recordID uint16) (recordLocation, bool) {
	key := recordIDKey(recordID)
	v, ok := s.index.Get(key)
	if !ok {
		return recordLocation{}, false
	}
	return v.(recordLocation), true
}

func recordIDKey(id uint16) []byte {
	return []byte{byte(id >> 8), byte(id)}
}

// nextVersion returns a fresh logical timestamp for a record or page
// header, backed by serf's LamportClock the same way the connection state
// machine uses it for ClusterUpdateCounter: a monotonic counter that only
// ever advances, immune to wall-clock skew between nodes.
func (s *Store) nextVersion() serf.LamportTime {
	return s.clock.Increment()
}

// aggregateErrors folds a slice of per-page errors the way the teacher's
// clustering stack folds per-connection broadcast errors, using
// hashicorp/go-multierror rather than returning only the first failure.
func aggregateErrors(errs ...error) error {
	var merr *multierror.Error
	for _, e := range errs {
		if e != nil {
			merr = multierror.Append(merr, e)
		}
	}
	if merr == nil {
		return nil
	}
	return merr.ErrorOrNil()
}
