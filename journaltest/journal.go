// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package journaltest provides an in-memory types.JournalPort, grounded on
// the teacher's testStorage/testSegment stubs (wal_stubs_test.go): records
// live in a map guarded by a mutex rather than on disk, and a background
// goroutine stands in for the real journal device's flush thread.
package journaltest

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dreamsxin/logstore/types"
)

type storedRecord struct {
	storeID types.StoreID
	lsn     types.SequenceNumber
	payload []byte
}

type pendingAppend struct {
	ctx interface{}
	idx int64
}

// FaultInjector lets a test make a specific journal operation fail once
// (or every time) to exercise the core's error paths. It is called before
// the operation runs; returning nil lets the operation proceed normally.
type FaultInjector func(op string) error

type journalOpt func(*Journal)

// WithFlushInterval sets the background flush loop's period. Defaults to
// 5ms, fast enough that FlushSync-style tests don't need to wait long.
func WithFlushInterval(d time.Duration) journalOpt {
	return func(j *Journal) { j.flushInterval = d }
}

// WithFaultInjector installs fn to be consulted before DeviceTruncate and
// AppendAsync, letting tests simulate transient device failures.
func WithFaultInjector(fn FaultInjector) journalOpt {
	return func(j *Journal) { j.faultInjector = fn }
}

// Journal is an in-memory types.JournalPort. Appends accepted via
// AppendAsync queue into a pending batch; a background goroutine (or a
// direct FlushIfNeeded call) periodically "flushes" the batch by handing
// each entry's completion to the registered sink, the last one in the batch
// carrying nRemainingInBatch==0 to trigger batch-completion fan-out.
type Journal struct {
	sink types.CompletionSink

	recMu       sync.RWMutex
	records     map[int64]storedRecord
	superblocks map[types.StoreID]types.LogStoreSuperblock
	nextIdx     atomic.Int64

	flushMu        sync.Mutex
	flushGoroutine atomic.Int64

	deferredMu sync.Mutex
	deferred   []func()

	pendingMu sync.Mutex
	pending   []pendingAppend

	flushInterval time.Duration
	faultInjector FaultInjector

	stopCh chan struct{}
	wake   chan struct{}
	wg     sync.WaitGroup
}

// New creates a Journal that delivers completions and recovery callbacks to
// sink (ordinarily a *logstore.LogStoreFamily).
func New(sink types.CompletionSink, opts ...journalOpt) *Journal {
	j := &Journal{
		sink:          sink,
		records:       make(map[int64]storedRecord),
		superblocks:   make(map[types.StoreID]types.LogStoreSuperblock),
		flushInterval: 5 * time.Millisecond,
		stopCh:        make(chan struct{}),
		wake:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start launches the background flush loop. Tests that only ever call
// FlushIfNeeded/SyncTruncate explicitly can skip calling Start and drive the
// journal fully synchronously instead.
func (j *Journal) Start() {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-j.stopCh:
				return
			case <-ticker.C:
				j.runFlush()
			case <-j.wake:
				j.runFlush()
			}
		}
	}()
}

// Stop halts the background flush loop and waits for it to exit.
func (j *Journal) Stop() {
	close(j.stopCh)
	j.wg.Wait()
}

// AppendAsync implements types.JournalPort.
func (j *Journal) AppendAsync(req types.AppendRequest) error {
	if j.faultInjector != nil {
		if err := j.faultInjector("append_async"); err != nil {
			return err
		}
	}

	idx := j.nextIdx.Add(1) - 1
	j.recMu.Lock()
	j.records[idx] = storedRecord{storeID: req.StoreID, lsn: req.LSN, payload: req.Payload}
	j.recMu.Unlock()

	j.pendingMu.Lock()
	j.pending = append(j.pending, pendingAppend{ctx: req.Ctx, idx: idx})
	j.pendingMu.Unlock()

	select {
	case j.wake <- struct{}{}:
	default:
	}
	return nil
}

// Read implements types.JournalPort.
func (j *Journal) Read(ldKey types.JournalKey) (types.RecordHeader, []byte, error) {
	j.recMu.RLock()
	defer j.recMu.RUnlock()

	rec, ok := j.records[ldKey.Idx]
	if !ok {
		return types.RecordHeader{}, nil, fmt.Errorf("journaltest: no record at idx %d", ldKey.Idx)
	}
	hdr := types.RecordHeader{
		StoreID:     rec.storeID,
		StoreSeqNum: rec.lsn,
		Size:        uint32(len(rec.payload)),
	}
	return hdr, rec.payload, nil
}

// TryLockFlush implements types.JournalPort.
func (j *Journal) TryLockFlush(continuation func()) types.LockOutcome {
	if j.flushMu.TryLock() {
		continuation()
		return types.AcquiredAndRan
	}
	j.deferredMu.Lock()
	j.deferred = append(j.deferred, continuation)
	j.deferredMu.Unlock()
	return types.Deferred
}

// UnlockFlush implements types.JournalPort: it first runs any continuations
// that queued up as Deferred while the lock was held, then releases it.
func (j *Journal) UnlockFlush() { j.drainDeferredAndUnlock() }

// drainDeferredAndUnlock runs every continuation queued while the flush lock
// was held, then releases it. Called both by UnlockFlush (when a
// TryLockFlush caller held the lock) and by runFlush (when the background
// flush loop held it) so a Deferred continuation always eventually runs,
// regardless of which path is currently holding the lock.
func (j *Journal) drainDeferredAndUnlock() {
	for {
		j.deferredMu.Lock()
		if len(j.deferred) == 0 {
			j.deferredMu.Unlock()
			break
		}
		cb := j.deferred[0]
		j.deferred = j.deferred[1:]
		j.deferredMu.Unlock()
		cb()
	}
	j.flushMu.Unlock()
}

// FlushIfNeeded implements types.JournalPort: it runs a flush pass inline,
// blocking until any in-progress pass finishes first.
func (j *Journal) FlushIfNeeded() { j.runFlush() }

func (j *Journal) runFlush() {
	j.pendingMu.Lock()
	batch := j.pending
	j.pending = nil
	j.pendingMu.Unlock()
	if len(batch) == 0 {
		return
	}

	j.flushMu.Lock()
	j.flushGoroutine.Store(goroutineID())

	flushLdKey := types.JournalKey{Idx: batch[len(batch)-1].idx}
	for i, pa := range batch {
		remaining := uint32(len(batch) - 1 - i)
		j.sink.OnIOCompletion(pa.ctx, types.JournalKey{Idx: pa.idx}, flushLdKey, remaining)
	}

	j.flushGoroutine.Store(0)
	j.drainDeferredAndUnlock()
}

// Rollback implements types.JournalPort by dropping storeID's records in the
// withdrawn range from the in-memory store.
func (j *Journal) Rollback(storeID types.StoreID, idRange types.LogIDRange) error {
	j.recMu.Lock()
	defer j.recMu.Unlock()
	for idx := idRange.From; idx <= idRange.To; idx++ {
		if rec, ok := j.records[idx]; ok && rec.storeID == storeID {
			delete(j.records, idx)
		}
	}
	return nil
}

// UpdateStoreSuperblock implements types.JournalPort.
func (j *Journal) UpdateStoreSuperblock(storeID types.StoreID, sb types.LogStoreSuperblock, _ bool) error {
	j.recMu.Lock()
	defer j.recMu.Unlock()
	j.superblocks[storeID] = sb
	return nil
}

// Superblock returns the last superblock recorded for storeID, for tests
// asserting on persisted truncation state.
func (j *Journal) Superblock(storeID types.StoreID) types.LogStoreSuperblock {
	j.recMu.RLock()
	defer j.recMu.RUnlock()
	sb, ok := j.superblocks[storeID]
	if !ok {
		return types.DefaultSuperblock()
	}
	return sb
}

// DeviceTruncate implements types.JournalPort, with exponential-backoff
// retry around the (optional) fault injector so tests can exercise a flaky
// device without the core needing to know about retries at all.
func (j *Journal) DeviceTruncate(upto types.JournalKey) error {
	op := func() error {
		if j.faultInjector != nil {
			if err := j.faultInjector("device_truncate"); err != nil {
				return err
			}
		}
		j.recMu.Lock()
		defer j.recMu.Unlock()
		for idx := range j.records {
			if idx <= upto.Idx {
				delete(j.records, idx)
			}
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3))
}

// IsFlushThread implements types.JournalPort by comparing the calling
// goroutine's id against the one currently running a flush pass.
func (j *Journal) IsFlushThread() bool {
	id := j.flushGoroutine.Load()
	return id != 0 && id == goroutineID()
}

// Seed preloads a record as though it had been written in a prior process
// lifetime, for recovery tests. It bypasses AppendAsync/the pending batch
// entirely: the record is immediately visible to Read and Replay.
func (j *Journal) Seed(storeID types.StoreID, lsn types.SequenceNumber, payload []byte) types.JournalKey {
	idx := j.nextIdx.Add(1) - 1
	j.recMu.Lock()
	j.records[idx] = storedRecord{storeID: storeID, lsn: lsn, payload: payload}
	j.recMu.Unlock()
	return types.JournalKey{Idx: idx}
}

// SeedSuperblock preloads storeID's persisted superblock for recovery tests.
func (j *Journal) SeedSuperblock(storeID types.StoreID, sb types.LogStoreSuperblock) {
	j.recMu.Lock()
	j.superblocks[storeID] = sb
	j.recMu.Unlock()
}

// Replay calls OnLogFound on the sink for every record currently stored, in
// idx order, simulating the device scan a real journal performs on open.
func (j *Journal) Replay() {
	j.recMu.RLock()
	idxs := make([]int64, 0, len(j.records))
	for idx := range j.records {
		idxs = append(idxs, idx)
	}
	j.recMu.RUnlock()

	for lo := 0; lo < len(idxs); lo++ {
		for hi := lo + 1; hi < len(idxs); hi++ {
			if idxs[hi] < idxs[lo] {
				idxs[lo], idxs[hi] = idxs[hi], idxs[lo]
			}
		}
	}

	for _, idx := range idxs {
		j.recMu.RLock()
		rec := j.records[idx]
		j.recMu.RUnlock()
		ldKey := types.JournalKey{Idx: idx}
		j.sink.OnLogFound(rec.storeID, rec.lsn, ldKey, ldKey, rec.payload)
	}
}

// goroutineID extracts the calling goroutine's numeric id from its stack
// trace header ("goroutine 123 [running]:"). It exists only so this test
// double can answer IsFlushThread(); nothing in the core depends on it.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	line := buf[:n]
	const prefix = "goroutine "
	if !bytes.HasPrefix(line, []byte(prefix)) {
		return 0
	}
	line = line[len(prefix):]
	end := bytes.IndexByte(line, ' ')
	if end < 0 {
		return 0
	}
	id, err := strconv.ParseInt(string(line[:end]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
