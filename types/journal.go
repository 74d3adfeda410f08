// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package types holds the contracts the log store core depends on but does
// not implement: the journal device port, the values that cross that port,
// and the callback shapes users register with a LogStore.
package types

import "fmt"

// SequenceNumber is a per-log monotonic sequence number ("lsn"). -1 denotes
// "none".
type SequenceNumber = int64

// NoSequenceNumber is the sentinel meaning "no sequence number".
const NoSequenceNumber SequenceNumber = -1

// MaxSequenceNumber is used as an unbounded ceiling by RecordIndex's
// frontier queries (ActiveUpto/CompletedUpto with no caller-supplied
// ceiling).
const MaxSequenceNumber SequenceNumber = 1<<63 - 1

// StoreID identifies one tenant log within a LogStoreFamily.
type StoreID = uint32

// JournalKey is the opaque location a journal device assigns a record:
// an index into the device's logical id space plus a byte offset.
// A key is valid iff Idx >= 0; an invalid key (InvalidJournalKey) marks a
// gap-fill entry created by LogStore.FillGap rather than a real device write.
type JournalKey struct {
	Idx       int64
	DevOffset int64
}

// InvalidJournalKey is the zero-ish key used for entries that were never
// actually written to the device (gap fills).
var InvalidJournalKey = JournalKey{Idx: -1, DevOffset: -1}

// Valid reports whether k locates a live record on the device.
func (k JournalKey) Valid() bool { return k.Idx >= 0 }

// Less orders keys by Idx then DevOffset, the ordering do_device_truncate
// uses to pick the minimum key across all stores in a family.
func (k JournalKey) Less(o JournalKey) bool {
	if k.Idx != o.Idx {
		return k.Idx < o.Idx
	}
	return k.DevOffset < o.DevOffset
}

func (k JournalKey) String() string {
	if !k.Valid() {
		return "invalid"
	}
	return fmt.Sprintf("idx=%d offset=%d", k.Idx, k.DevOffset)
}

// MinJournalKey returns the smaller of a and b by Less.
func MinJournalKey(a, b JournalKey) JournalKey {
	if b.Less(a) {
		return b
	}
	return a
}

// TruncationBarrier records that, at device truncation point LdKey, all of a
// log's records up to SeqNum are durable. TruncationTracker keeps these
// sorted ascending by SeqNum.
type TruncationBarrier struct {
	SeqNum SequenceNumber
	LdKey  JournalKey
}

// LogIDRange is the [From, To] range of journal-internal ids a rollback
// withdraws, both inclusive, expressed in the device's own Idx space.
type LogIDRange struct {
	From int64
	To   int64
}

// LogStoreSuperblock is the small piece of per-store metadata persisted via
// the journal's meta store. FirstSeqNum -1 means uninitialized/cleared;
// >= 0 is a valid persisted truncation point (the truncated-upto lsn + 1,
// i.e. the first surviving lsn and the store's new logical start).
type LogStoreSuperblock struct {
	FirstSeqNum SequenceNumber
}

// DefaultSuperblock is the value a freshly created store's superblock holds
// before any truncation has occurred.
func DefaultSuperblock() LogStoreSuperblock { return LogStoreSuperblock{FirstSeqNum: -1} }

// Valid reports whether the superblock reflects a real truncation point.
func (s LogStoreSuperblock) Valid() bool { return s.FirstSeqNum >= 0 }

// WriteCompletionFunc is invoked once per append completion, whether issued
// via write_async/append_async (assigned- or auto-lsn).
type WriteCompletionFunc func(lsn SequenceNumber, payload []byte, ldKey JournalKey, cookie interface{})

// LogFoundFunc is invoked during recovery replay for each record that
// survives above the persisted truncation boundary.
type LogFoundFunc func(lsn SequenceNumber, payload []byte, cookie interface{})

// RollbackCompletionFunc is invoked once a rollback's journal-side
// continuation has finished running under the flush lock.
type RollbackCompletionFunc func(toLSN SequenceNumber)

// LockOutcome is the result of JournalPort.TryLockFlush.
type LockOutcome int

const (
	// Deferred means the lock was held by an in-flight flush; the supplied
	// continuation will run later, when that flush completes.
	Deferred LockOutcome = iota
	// AcquiredAndRan means the lock was free; the continuation has already
	// been run synchronously by TryLockFlush and the caller must release it.
	AcquiredAndRan
)

// AppendRequest bundles what a LogStore hands to the journal for a single
// append. Ctx is opaque to the journal: it must be handed back unchanged to
// CompletionSink.OnIOCompletion so the family can resolve which request and
// store the completion belongs to.
type AppendRequest struct {
	StoreID StoreID
	LSN     SequenceNumber
	Payload []byte
	Ctx     interface{}
}

// RecordHeader is the subset of on-device per-record metadata a synchronous
// read returns alongside the payload; it is opaque to the core beyond what
// the status dump surfaces.
type RecordHeader struct {
	StoreID     StoreID
	StoreSeqNum SequenceNumber
	Size        uint32
	Offset      uint32
	Inlined     bool
}

// DumpVerbosity controls how much a record dump includes for each record.
type DumpVerbosity int

const (
	// Header includes only record metadata (size, offset, store id, etc).
	Header DumpVerbosity = iota
	// Content additionally base64-encodes the record payload.
	Content
)

// DumpRequest parameterizes LogStore.Dump: an optional [StartSeqNum,
// EndSeqNum] window, a page size, and verbosity.
type DumpRequest struct {
	StartSeqNum *SequenceNumber
	EndSeqNum   *SequenceNumber
	BatchSize   int
	Verbosity   DumpVerbosity
}

// DumpRecord is one record entry in a DumpResponse.
type DumpRecord struct {
	SeqNum      SequenceNumber
	StoreID     StoreID
	StoreSeqNum SequenceNumber
	Size        uint32
	Offset      uint32
	Inlined     bool
	ContentB64  string
}

// DumpResponse is the structured status/record-dump object LogStore.Dump
// produces.
type DumpResponse struct {
	StoreID                    StoreID
	AppendMode                 bool
	HighestLSN                 SequenceNumber
	MaxLSNInPrevFlushBatch     SequenceNumber
	TruncatedUptoLogDevKey     string
	TruncatedUptoLSN           SequenceNumber
	TruncationPendingOnDevice  bool
	TruncationParallelToWrites bool
	Records                    []DumpRecord
	NextCursor                 string
}

// CompletionSink is implemented by LogStoreFamily and invoked by the journal
// device whenever an append or a flush batch completes. It is the inbound
// half of the JournalPort contract: the journal calls in, rather than being
// called.
type CompletionSink interface {
	// OnIOCompletion routes a single write completion to its owning store
	// and, once nRemainingInBatch reaches zero, fans out on_batch_completion
	// to every store that contributed a write to this batch.
	OnIOCompletion(ctx interface{}, ldKey JournalKey, flushLdKey JournalKey, nRemainingInBatch uint32)

	// OnLogFound is invoked once per surviving record during journal replay.
	OnLogFound(storeID StoreID, lsn SequenceNumber, ldKey JournalKey, flushLdKey JournalKey, payload []byte)
}

// JournalPort is the contract the log store core depends on for the shared
// append-only journal device (LogDev in the original). The device itself —
// segment files, on-disk framing, physical truncation — is out of scope
// here; only this interface is.
type JournalPort interface {
	// AppendAsync durably appends req.Payload under req.StoreID/req.LSN.
	// Completion is delivered later via CompletionSink.OnIOCompletion,
	// carrying req.Ctx back unchanged.
	AppendAsync(req AppendRequest) error

	// Read synchronously fetches the payload at ldKey.
	Read(ldKey JournalKey) (RecordHeader, []byte, error)

	// TryLockFlush attempts to acquire the cooperative flush lock. If it is
	// free, continuation runs synchronously before TryLockFlush returns and
	// the result is AcquiredAndRan — the caller must call UnlockFlush. If a
	// flush is in-flight, the result is Deferred and continuation will run
	// later, when that flush completes; the caller must not call
	// UnlockFlush in that case.
	TryLockFlush(continuation func()) LockOutcome

	// UnlockFlush releases a lock acquired via a TryLockFlush call that
	// returned AcquiredAndRan.
	UnlockFlush()

	// FlushIfNeeded asks the journal to run a flush pass with the minimum
	// threshold, used by LogStore.FlushSync to force progress.
	FlushIfNeeded()

	// Rollback persists the withdrawal of the journal ids in idRange for
	// storeID.
	Rollback(storeID StoreID, idRange LogIDRange) error

	// UpdateStoreSuperblock writes storeID's per-store metadata, either
	// immediately (persistNow) or deferred to the next device truncation.
	UpdateStoreSuperblock(storeID StoreID, sb LogStoreSuperblock, persistNow bool) error

	// DeviceTruncate physically truncates device space up to and including
	// upto.
	DeviceTruncate(upto JournalKey) error

	// IsFlushThread reports whether the calling goroutine is one the
	// journal itself uses to run flushes and completions — sync calls must
	// refuse to run there to avoid self-deadlock.
	IsFlushThread() bool
}
