// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package logstore

import (
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"github.com/benbjohnson/immutable"

	"github.com/dreamsxin/logstore/types"
)

// recState is a record's lifecycle state within a RecordIndex. Hole and
// Truncated (spec.md §3) are not stored explicitly: Hole is the absence of
// an entry above base_lsn, Truncated is the absence of an entry at or below
// base_lsn. Only the two states that are actually materialized need a tag.
type recState int

const (
	recIssued recState = iota
	recCompleted
)

// Record is a single sequence number's entry in a RecordIndex.
type Record struct {
	LSN   types.SequenceNumber
	State recState
	LdKey types.JournalKey
}

// IsCompleted reports whether the journal has acknowledged this record.
func (r Record) IsCompleted() bool { return r.State == recCompleted }

// IsGapFill reports whether this is a fill_gap entry: Completed, but with no
// real device location because it was never actually written.
func (r Record) IsGapFill() bool { return r.State == recCompleted && !r.LdKey.Valid() }

// Status is the result of RecordIndex.Status.
type Status struct {
	IsHole       bool
	IsOutOfRange bool
	IsCompleted  bool
}

// RecordIndex is a per-log sparse map from sequence number to Record, with a
// floor (base_lsn) below which every slot is logically Truncated. It tracks
// two monotonically-advancing contiguity frontiers — issued and completed —
// backed by roaring bitmaps indexed by lsn-base_lsn-1, rebased whenever the
// floor moves so the bitmaps stay proportional to the live window rather
// than to the log's lifetime lsn range.
//
// Mutations (Create/Update/CreateAndComplete/Truncate/Rollback) are funneled
// through a single mutex and publish a new immutable snapshot; readers
// (Status/At/ActiveUpto/CompletedUpto/ForeachCompleted) take an atomic load
// and never block a concurrent writer. This mirrors the snapshot-plus-
// single-writer-lock discipline the teacher's WAL state uses for its own
// segment map.
type RecordIndex struct {
	mu sync.Mutex
	s  atomic.Value // *riState
}

type riState struct {
	baseLSN           types.SequenceNumber
	records           *immutable.SortedMap[types.SequenceNumber, Record]
	issued            *roaring.Bitmap
	completed         *roaring.Bitmap
	issuedFrontier    types.SequenceNumber
	completedFrontier types.SequenceNumber
}

// NewRecordIndex creates an index whose floor is baseLSN: the first valid
// lsn it will accept is baseLSN+1.
func NewRecordIndex(baseLSN types.SequenceNumber) *RecordIndex {
	ri := &RecordIndex{}
	ri.s.Store(&riState{
		baseLSN:           baseLSN,
		records:           &immutable.SortedMap[types.SequenceNumber, Record]{},
		issued:            roaring.New(),
		completed:         roaring.New(),
		issuedFrontier:    baseLSN,
		completedFrontier: baseLSN,
	})
	return ri
}

func (ri *RecordIndex) load() *riState { return ri.s.Load().(*riState) }

func bitIndex(base, lsn types.SequenceNumber) uint32 { return uint32(lsn - base - 1) }

func advanceFrontier(bm *roaring.Bitmap, base, frontier types.SequenceNumber) types.SequenceNumber {
	for bm.Contains(uint32(frontier - base)) {
		frontier++
	}
	return frontier
}

// BaseLSN returns the current truncation floor.
func (ri *RecordIndex) BaseLSN() types.SequenceNumber { return ri.load().baseLSN }

// Create inserts an Issued entry at lsn. It fails with ErrOutOfRange if
// lsn is at or below the truncation floor, and with ErrAlreadyExists
// (after a debug assertion — spec.md §7) if the slot is already occupied.
func (ri *RecordIndex) Create(lsn types.SequenceNumber) error {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	s := ri.load()
	if lsn <= s.baseLSN {
		return ErrOutOfRange
	}
	if _, ok := s.records.Get(lsn); ok {
		assertf(false, "RecordIndex.Create: lsn %d already exists", lsn)
		return ErrAlreadyExists
	}

	newIssued := s.issued.Clone()
	newIssued.Add(bitIndex(s.baseLSN, lsn))
	newState := &riState{
		baseLSN:           s.baseLSN,
		records:           s.records.Set(lsn, Record{LSN: lsn, State: recIssued}),
		issued:            newIssued,
		completed:         s.completed,
		issuedFrontier:    advanceFrontier(newIssued, s.baseLSN, s.issuedFrontier),
		completedFrontier: s.completedFrontier,
	}
	ri.s.Store(newState)
	return nil
}

// Update transitions lsn from Issued to Completed, calling mutate to fill in
// the journal key. It is idempotent once the record is already Completed.
// Fails with ErrOutOfRange if lsn was never created (or was truncated).
func (ri *RecordIndex) Update(lsn types.SequenceNumber, mutate func(*Record)) error {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	s := ri.load()
	rec, ok := s.records.Get(lsn)
	if !ok {
		return ErrOutOfRange
	}
	if rec.State == recCompleted {
		return nil
	}
	mutate(&rec)
	rec.State = recCompleted

	newCompleted := s.completed.Clone()
	newCompleted.Add(bitIndex(s.baseLSN, lsn))
	newState := &riState{
		baseLSN:           s.baseLSN,
		records:           s.records.Set(lsn, rec),
		issued:            s.issued,
		completed:         newCompleted,
		issuedFrontier:    s.issuedFrontier,
		completedFrontier: advanceFrontier(newCompleted, s.baseLSN, s.completedFrontier),
	}
	ri.s.Store(newState)
	return nil
}

// CreateAndComplete directly inserts a Completed entry, used by journal
// recovery replay and by fill_gap (with an empty/invalid ldKey).
func (ri *RecordIndex) CreateAndComplete(lsn types.SequenceNumber, ldKey types.JournalKey) error {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	s := ri.load()
	if lsn <= s.baseLSN {
		return ErrOutOfRange
	}

	newIssued := s.issued.Clone()
	newIssued.Add(bitIndex(s.baseLSN, lsn))
	newCompleted := s.completed.Clone()
	newCompleted.Add(bitIndex(s.baseLSN, lsn))

	newState := &riState{
		baseLSN:           s.baseLSN,
		records:           s.records.Set(lsn, Record{LSN: lsn, State: recCompleted, LdKey: ldKey}),
		issued:            newIssued,
		completed:         newCompleted,
		issuedFrontier:    advanceFrontier(newIssued, s.baseLSN, s.issuedFrontier),
		completedFrontier: advanceFrontier(newCompleted, s.baseLSN, s.completedFrontier),
	}
	ri.s.Store(newState)
	return nil
}

// Status reports the hole/out-of-range/completed classification for lsn
// without failing.
func (ri *RecordIndex) Status(lsn types.SequenceNumber) Status {
	s := ri.load()
	if lsn <= s.baseLSN {
		return Status{IsOutOfRange: true}
	}
	rec, ok := s.records.Get(lsn)
	if !ok {
		return Status{IsHole: true}
	}
	return Status{IsCompleted: rec.State == recCompleted}
}

// At returns the full record at lsn, failing with ErrOutOfRange if it was
// truncated or never created.
func (ri *RecordIndex) At(lsn types.SequenceNumber) (Record, error) {
	s := ri.load()
	if lsn <= s.baseLSN {
		return Record{}, ErrOutOfRange
	}
	rec, ok := s.records.Get(lsn)
	if !ok {
		return Record{}, ErrOutOfRange
	}
	return rec, nil
}

// ActiveUpto returns the highest L <= ceiling such that every slot in
// (base_lsn, L] is at least Issued. Pass types.MaxSequenceNumber for an
// unbounded ceiling.
func (ri *RecordIndex) ActiveUpto(ceiling types.SequenceNumber) types.SequenceNumber {
	s := ri.load()
	if ceiling < s.issuedFrontier {
		return ceiling
	}
	return s.issuedFrontier
}

// CompletedUpto is ActiveUpto restricted to Completed entries.
func (ri *RecordIndex) CompletedUpto(ceiling types.SequenceNumber) types.SequenceNumber {
	s := ri.load()
	if ceiling < s.completedFrontier {
		return ceiling
	}
	return s.completedFrontier
}

// ForeachCompleted visits Completed entries in ascending order starting at
// start, stopping when fn returns false or the completed frontier is
// reached (whichever comes first). fn receives the current lsn, the
// frontier at the time iteration began, and the record.
func (ri *RecordIndex) ForeachCompleted(start types.SequenceNumber, fn func(cur, frontier types.SequenceNumber, rec Record) bool) {
	s := ri.load()
	maxIdx := s.completedFrontier
	if start > maxIdx {
		return
	}

	it := s.records.Iterator()
	it.Seek(start)
	for !it.Done() {
		lsn, rec, ok := it.Next()
		if !ok {
			break
		}
		if lsn > maxIdx {
			break
		}
		if !rec.IsCompleted() {
			continue
		}
		if !fn(lsn, maxIdx, rec) {
			return
		}
	}
}

// Truncate raises base_lsn to uptoLSN, discarding entries at or below it.
// A no-op if uptoLSN is already at or below the current floor (P6:
// idempotent truncation).
func (ri *RecordIndex) Truncate(uptoLSN types.SequenceNumber) {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	s := ri.load()
	if uptoLSN <= s.baseLSN {
		return
	}

	newRecords := s.records
	it := s.records.Iterator()
	it.First()
	for !it.Done() {
		lsn, _, ok := it.Next()
		if !ok {
			break
		}
		if lsn > uptoLSN {
			break
		}
		newRecords = newRecords.Delete(lsn)
	}

	newIssued := rebaseBitmap(s.issued, s.baseLSN, uptoLSN)
	newCompleted := rebaseBitmap(s.completed, s.baseLSN, uptoLSN)

	newIssuedFrontier := s.issuedFrontier
	if newIssuedFrontier < uptoLSN {
		newIssuedFrontier = uptoLSN
	}
	newCompletedFrontier := s.completedFrontier
	if newCompletedFrontier < uptoLSN {
		newCompletedFrontier = uptoLSN
	}

	ri.s.Store(&riState{
		baseLSN:           uptoLSN,
		records:           newRecords,
		issued:            newIssued,
		completed:         newCompleted,
		issuedFrontier:    newIssuedFrontier,
		completedFrontier: newCompletedFrontier,
	})
}

// Rollback removes all entries with lsn > toLSN. The caller must ensure no
// Issued (incomplete) entry remains above toLSN before calling this.
func (ri *RecordIndex) Rollback(toLSN types.SequenceNumber) {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	s := ri.load()
	newRecords := s.records
	it := s.records.Iterator()
	it.Last()
	for !it.Done() {
		lsn, _, ok := it.Prev()
		if !ok {
			break
		}
		if lsn <= toLSN {
			break
		}
		newRecords = newRecords.Delete(lsn)
	}

	newIssued := clearAbove(s.issued, s.baseLSN, toLSN)
	newCompleted := clearAbove(s.completed, s.baseLSN, toLSN)

	newIssuedFrontier := s.issuedFrontier
	if newIssuedFrontier > toLSN {
		newIssuedFrontier = toLSN
	}
	newCompletedFrontier := s.completedFrontier
	if newCompletedFrontier > toLSN {
		newCompletedFrontier = toLSN
	}

	ri.s.Store(&riState{
		baseLSN:           s.baseLSN,
		records:           newRecords,
		issued:            newIssued,
		completed:         newCompleted,
		issuedFrontier:    newIssuedFrontier,
		completedFrontier: newCompletedFrontier,
	})
}

// rebaseBitmap re-indexes bm (currently relative to oldBase) to be relative
// to newBase, dropping any bit at or below newBase in the process. Used by
// Truncate so the bitmap's bit range stays proportional to the live window.
func rebaseBitmap(bm *roaring.Bitmap, oldBase, newBase types.SequenceNumber) *roaring.Bitmap {
	out := roaring.New()
	it := bm.Iterator()
	for it.HasNext() {
		v := it.Next()
		lsn := oldBase + types.SequenceNumber(v) + 1
		if lsn > newBase {
			out.Add(bitIndex(newBase, lsn))
		}
	}
	return out
}

// clearAbove drops every bit representing a lsn > toLSN, keeping the base
// unchanged. Used by Rollback.
func clearAbove(bm *roaring.Bitmap, base, toLSN types.SequenceNumber) *roaring.Bitmap {
	out := roaring.New()
	it := bm.Iterator()
	for it.HasNext() {
		v := it.Next()
		lsn := base + types.SequenceNumber(v) + 1
		if lsn <= toLSN {
			out.Add(v)
		}
	}
	return out
}
