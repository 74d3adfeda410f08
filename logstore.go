// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package logstore implements a multi-tenant log store layered atop a
// shared append-only journal device (types.JournalPort): per-log monotonic
// sequence numbering, asynchronous append, sync/async reads by sequence
// number, batched flush, contiguous completion tracking, truncation
// coordinated across tenants, and rollback of recent appends.
package logstore

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamsxin/logstore/types"
)

// ioRequest is the opaque context a LogStore hands the journal via
// AppendRequest.Ctx. It carries only the store id (not a pointer to the
// LogStore itself) so the family can re-resolve the owning store through
// its own lock-guarded map on completion — see spec.md §9's note on
// avoiding shared-ownership cycles through callbacks.
type ioRequest struct {
	storeID   types.StoreID
	lsn       types.SequenceNumber
	payload   []byte
	cb        types.WriteCompletionFunc
	cookie    interface{}
	startTime time.Time
}

type logStoreOpt func(*LogStore)

// WithLogger sets the logger a LogStore uses for its own messages. Defaults
// to a no-op logger.
func WithLogger(l log.Logger) logStoreOpt {
	return func(s *LogStore) { s.logger = l }
}

// WithMetricsRegisterer registers this store's metrics against reg instead
// of the default (a private, unregistered registry).
func WithMetricsRegisterer(reg prometheus.Registerer) logStoreOpt {
	return func(s *LogStore) { s.metrics = newLogStoreMetrics(reg, s.storeID) }
}

// WithDefaultWriteCompletionFunc sets the fallback completion callback used
// when write_async/append_async is called without one of its own.
func WithDefaultWriteCompletionFunc(cb types.WriteCompletionFunc) logStoreOpt {
	return func(s *LogStore) { s.defaultWriteCb = cb }
}

// WithLogFoundFunc sets the callback invoked during recovery replay for each
// surviving record above the persisted truncation boundary.
func WithLogFoundFunc(cb types.LogFoundFunc) logStoreOpt {
	return func(s *LogStore) { s.foundCb = cb }
}

// LogStore is the per-tenant façade: it assigns sequence numbers, issues
// appends, serves reads, and coordinates flush-sync, truncate and rollback
// with the shared journal through its parent LogStoreFamily.
type LogStore struct {
	storeID    types.StoreID
	appendMode bool
	family     *LogStoreFamily

	nextLSN atomic.Int64

	records *RecordIndex

	// mu guards trunc and flushBatchMaxLSN: both are mutated either from
	// the family's single batch-completion dispatch path or from inside a
	// try_lock_flush continuation (truncate/rollback), and spec.md §5
	// requires those mutations to be serialized against each other.
	mu               sync.Mutex
	trunc            *TruncationTracker
	flushBatchMaxLSN types.SequenceNumber

	syncFlushMu        sync.Mutex
	syncFlushCV        *sync.Cond
	syncFlushWaiterLSN atomic.Int64

	logger         log.Logger
	metrics        *logStoreMetrics
	defaultWriteCb types.WriteCompletionFunc
	foundCb        types.LogFoundFunc
}

const flushBatchMaxLSNNone = types.NoSequenceNumber

func newLogStore(storeID types.StoreID, family *LogStoreFamily, appendMode bool, startLSN types.SequenceNumber, opts ...logStoreOpt) *LogStore {
	s := &LogStore{
		storeID:          storeID,
		appendMode:       appendMode,
		family:           family,
		records:          NewRecordIndex(startLSN - 1),
		trunc:            NewTruncationTracker(startLSN),
		flushBatchMaxLSN: flushBatchMaxLSNNone,
		logger:           log.NewNopLogger(),
		metrics:          newLogStoreMetrics(prometheus.NewRegistry(), storeID),
	}
	s.nextLSN.Store(startLSN)
	s.syncFlushWaiterLSN.Store(types.NoSequenceNumber)
	s.syncFlushCV = sync.NewCond(&s.syncFlushMu)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StoreID returns this log's tenant id within its family.
func (s *LogStore) StoreID() types.StoreID { return s.storeID }

// AppendMode reports whether this log assigns its own sequence numbers.
func (s *LogStore) AppendMode() bool { return s.appendMode }

// HighestLSN returns next_lsn, the sequence number that will be assigned to
// the next auto-lsn append.
func (s *LogStore) HighestLSN() types.SequenceNumber { return s.nextLSN.Load() }

func (s *LogStore) truncatedUptoLSN() types.SequenceNumber {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trunc.Boundary().SeqNum
}

// TruncationBoundary returns a snapshot of this store's current truncation
// boundary. Exported for property tests that need to observe
// boundary.ld_key.idx monotonicity (spec.md §8 P4) without reaching past the
// package boundary.
func (s *LogStore) TruncationBoundary() Boundary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trunc.Boundary()
}

// BarrierSeqNums returns the seq_num of every pending truncation barrier, in
// the tracker's own order. Exported for property tests checking barrier
// monotonicity (spec.md §8 P3).
func (s *LogStore) BarrierSeqNums() []types.SequenceNumber {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trunc.BarrierSeqNums()
}

// WriteAsync appends payload at the caller-supplied lsn ("assigned-lsn"
// mode), used by reserved-log recovery and tests. cb overrides the store's
// default completion callback if non-nil.
func (s *LogStore) WriteAsync(lsn types.SequenceNumber, payload []byte, cookie interface{}, cb types.WriteCompletionFunc) error {
	assertf(lsn > s.truncatedUptoLSN(), "WriteAsync: lsn %d <= truncated_upto_lsn", lsn)
	return s.writeAsyncInternal(lsn, payload, cookie, cb)
}

// AppendAsync atomically assigns the next sequence number and appends
// payload under it ("auto-lsn" mode). Valid only when AppendMode() is true.
func (s *LogStore) AppendAsync(payload []byte, cookie interface{}, cb types.WriteCompletionFunc) (types.SequenceNumber, error) {
	if !s.appendMode {
		return types.NoSequenceNumber, ErrInvalidState
	}
	lsn := s.nextLSN.Add(1) - 1
	if err := s.writeAsyncInternal(lsn, payload, cookie, cb); err != nil {
		return types.NoSequenceNumber, err
	}
	return lsn, nil
}

func (s *LogStore) writeAsyncInternal(lsn types.SequenceNumber, payload []byte, cookie interface{}, cb types.WriteCompletionFunc) error {
	if err := s.records.Create(lsn); err != nil {
		return err
	}

	effectiveCb := cb
	if effectiveCb == nil {
		effectiveCb = s.defaultWriteCb
	}
	if cookie == nil {
		// A caller that doesn't care about correlating its own completion
		// callback still gets a stable opaque cookie threaded through to
		// it, rather than a bare nil.
		cookie = uuid.New()
	}

	s.metrics.appends.Inc()
	s.metrics.appendBytes.Add(float64(len(payload)))

	req := &ioRequest{
		storeID:   s.storeID,
		lsn:       lsn,
		payload:   payload,
		cb:        effectiveCb,
		cookie:    cookie,
		startTime: time.Now(),
	}
	if err := s.family.journal.AppendAsync(types.AppendRequest{
		StoreID: s.storeID,
		LSN:     lsn,
		Payload: payload,
		Ctx:     req,
	}); err != nil {
		return wrapJournalErr("append_async", err)
	}
	return nil
}

// WriteSync is a synchronous wrapper over WriteAsync (assigned-lsn): it blocks
// the caller until the completion callback fires. It refuses to run on a
// journal I/O thread to avoid self-deadlock (spec.md §5).
func (s *LogStore) WriteSync(lsn types.SequenceNumber, payload []byte, cookie interface{}) error {
	if s.family.journal.IsFlushThread() {
		return ErrInvalidState
	}

	var (
		mu   sync.Mutex
		cv   = sync.NewCond(&mu)
		done bool
		werr error
	)
	if err := s.WriteAsync(lsn, payload, cookie, func(_ types.SequenceNumber, _ []byte, _ types.JournalKey, _ interface{}) {
		mu.Lock()
		done = true
		mu.Unlock()
		cv.Signal()
	}); err != nil {
		return err
	}

	mu.Lock()
	for !done {
		cv.Wait()
	}
	mu.Unlock()
	return werr
}

// onWriteCompletion is invoked by LogStoreFamily once the journal
// acknowledges req's append.
func (s *LogStore) onWriteCompletion(req *ioRequest, ldKey types.JournalKey) {
	start := req.startTime
	_ = s.records.Update(req.lsn, func(r *Record) {
		r.LdKey = ldKey
	})

	s.mu.Lock()
	if req.lsn > s.flushBatchMaxLSN {
		s.flushBatchMaxLSN = req.lsn
	}
	s.mu.Unlock()

	s.metrics.appendLatencySeconds.Observe(time.Since(start).Seconds())
	level.Debug(s.logger).Log("msg", "completed write", "lsn", req.lsn, "ld_key", ldKey.String())

	if req.cb != nil {
		req.cb(req.lsn, req.payload, ldKey, req.cookie)
	}

	if s.syncFlushWaiterLSN.Load() == req.lsn {
		s.syncFlushMu.Lock()
		s.syncFlushCV.Broadcast()
		s.syncFlushMu.Unlock()
	}
}

// ReadSync synchronously fetches the payload written at lsn. Reads of a
// fill_gap entry return an empty payload rather than failing; reads of an
// lsn that is truncated, never created, or still in flight fail with
// ErrOutOfRange.
func (s *LogStore) ReadSync(lsn types.SequenceNumber) ([]byte, error) {
	rec, err := s.records.At(lsn)
	if err != nil {
		return nil, err
	}
	if !rec.IsCompleted() {
		return nil, ErrOutOfRange
	}
	if !rec.LdKey.Valid() {
		return nil, nil
	}

	start := time.Now()
	_, payload, err := s.family.journal.Read(rec.LdKey)
	if err != nil {
		return nil, wrapJournalErr("read", err)
	}
	s.metrics.reads.Inc()
	s.metrics.readBytes.Add(float64(len(payload)))
	s.metrics.readLatencySeconds.Observe(time.Since(start).Seconds())
	return payload, nil
}

// Foreach walks Completed entries in [start, +inf), synchronously reading
// each one, until cb returns false or the completed frontier is reached.
func (s *LogStore) Foreach(start types.SequenceNumber, cb func(lsn types.SequenceNumber, payload []byte) bool) error {
	var firstErr error
	s.records.ForeachCompleted(start, func(lsn, _ types.SequenceNumber, rec Record) bool {
		var payload []byte
		if rec.LdKey.Valid() {
			_, p, err := s.family.journal.Read(rec.LdKey)
			if err != nil {
				firstErr = wrapJournalErr("read", err)
				return false
			}
			payload = p
		}
		return cb(lsn, payload)
	})
	return firstErr
}

// onBatchCompletion is called by the family once per flush batch for every
// store that had at least one completion in it. The critical invariant it
// maintains: every barrier's ld_key durably covers every record with
// seq_num <= barrier.seq_num.
func (s *LogStore) onBatchCompletion(flushBatchLdKey types.JournalKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	assertf(s.flushBatchMaxLSN != flushBatchMaxLSNNone, "onBatchCompletion called with no writes in the batch")
	s.trunc.AddBarrier(s.flushBatchMaxLSN, flushBatchLdKey)
	s.flushBatchMaxLSN = flushBatchMaxLSNNone
}

// Truncate requests a local truncation up to uptoLSN, plus (unless
// inMemoryOnly) a family-level device truncation pass. The continuation
// runs under the journal's flush lock; if the lock is acquired immediately
// the continuation has already run by the time Truncate returns.
func (s *LogStore) Truncate(uptoLSN types.SequenceNumber, inMemoryOnly bool) error {
	assertf(uptoLSN <= s.records.CompletedUpto(types.MaxSequenceNumber),
		"Truncate: lsn %d is ahead of the contiguously completed frontier", uptoLSN)

	outcome := s.family.journal.TryLockFlush(func() {
		s.doTruncate(uptoLSN, false)
		if !inMemoryOnly {
			_, _ = s.family.DoDeviceTruncate(false)
		}
	})
	if outcome == types.AcquiredAndRan {
		s.family.journal.UnlockFlush()
	}

	kind := "local"
	if !inMemoryOnly {
		kind = "device"
	}
	s.metrics.truncations.WithLabelValues(kind).Inc()
	return nil
}

// SyncTruncate is Truncate plus gap-filling from the issued frontier up to
// uptoLSN, and blocks the caller until the continuation has run.
func (s *LogStore) SyncTruncate(uptoLSN types.SequenceNumber, inMemoryOnly bool) error {
	lastIdx := s.records.ActiveUpto(types.MaxSequenceNumber)
	if t := s.truncatedUptoLSN(); t > lastIdx {
		lastIdx = t
	}
	for cur := lastIdx + 1; cur <= uptoLSN; cur++ {
		if err := s.FillGap(cur); err != nil {
			return err
		}
	}

	assertf(uptoLSN <= s.records.CompletedUpto(types.MaxSequenceNumber),
		"SyncTruncate: lsn %d is ahead of the contiguously completed frontier", uptoLSN)

	var (
		mu   sync.Mutex
		cv   = sync.NewCond(&mu)
		done bool
	)
	outcome := s.family.journal.TryLockFlush(func() {
		s.doTruncate(uptoLSN, true)
		if !inMemoryOnly {
			_, _ = s.family.DoDeviceTruncate(false)
		}
		mu.Lock()
		done = true
		mu.Unlock()
		cv.Signal()
	})

	if outcome == types.AcquiredAndRan {
		s.family.journal.UnlockFlush()
	} else {
		mu.Lock()
		for !done {
			cv.Wait()
		}
		mu.Unlock()
	}

	kind := "local"
	if !inMemoryOnly {
		kind = "device"
	}
	s.metrics.truncations.WithLabelValues(kind).Inc()
	return nil
}

// doTruncate runs under the journal's flush lock: it applies the in-memory
// truncation, persists the superblock (immediately if persistNow, otherwise
// deferred to the next device truncate), and folds the request into the
// truncation barrier list.
func (s *LogStore) doTruncate(uptoLSN types.SequenceNumber, persistNow bool) {
	s.records.Truncate(uptoLSN)

	s.mu.Lock()
	s.trunc.SetSeqNum(uptoLSN)
	s.mu.Unlock()

	sb := types.LogStoreSuperblock{FirstSeqNum: uptoLSN + 1}
	if err := s.family.journal.UpdateStoreSuperblock(s.storeID, sb, persistNow); err != nil {
		level.Error(s.logger).Log("msg", "failed to update store superblock", "store_id", s.storeID, "err", err)
	}

	s.mu.Lock()
	s.trunc.ApplyLocalTruncate(uptoLSN)
	boundary := s.trunc.Boundary()
	s.mu.Unlock()

	level.Debug(s.logger).Log("msg", "local truncate applied", "upto_lsn", uptoLSN, "ld_key", boundary.LdKey.String())
}

// FillGap creates a Completed entry with an empty/invalid journal key at
// seqNum, used by SyncTruncate to bridge a gap between the issued frontier
// and a truncation point beyond it.
func (s *LogStore) FillGap(seqNum types.SequenceNumber) error {
	st := s.records.Status(seqNum)
	assertf(st.IsHole, "FillGap: lsn %d already has valid data", seqNum)
	return s.records.CreateAndComplete(seqNum, types.InvalidJournalKey)
}

// OnLogFound is invoked by the family during journal replay for each
// surviving record.
func (s *LogStore) OnLogFound(lsn types.SequenceNumber, ldKey types.JournalKey, payload []byte) {
	_ = s.records.CreateAndComplete(lsn, ldKey)

	for {
		cur := s.nextLSN.Load()
		if cur > lsn+1 {
			break
		}
		if s.nextLSN.CompareAndSwap(cur, lsn+1) {
			break
		}
	}

	s.mu.Lock()
	if lsn > s.flushBatchMaxLSN {
		s.flushBatchMaxLSN = lsn
	}
	boundarySeqNum := s.trunc.Boundary().SeqNum
	s.mu.Unlock()

	if lsn <= boundarySeqNum {
		level.Debug(s.logger).Log("msg", "found log already truncated, ignoring", "lsn", lsn)
		return
	}
	if s.foundCb != nil {
		s.foundCb(lsn, payload, nil)
	}
}

// FlushSync blocks until every record up to upto_lsn (or, if
// types.NoSequenceNumber, the current issued frontier) is Completed. It
// refuses to run on a journal I/O thread to avoid self-deadlock.
func (s *LogStore) FlushSync(uptoLSN types.SequenceNumber) error {
	if s.family.journal.IsFlushThread() {
		return ErrInvalidState
	}
	if uptoLSN == types.NoSequenceNumber {
		uptoLSN = s.records.ActiveUpto(types.MaxSequenceNumber)
	}

	if s.records.CompletedUpto(types.MaxSequenceNumber) >= uptoLSN {
		return nil
	}

	s.syncFlushMu.Lock()
	defer s.syncFlushMu.Unlock()

	s.syncFlushWaiterLSN.Store(uptoLSN)
	if s.records.CompletedUpto(types.MaxSequenceNumber) >= uptoLSN {
		return nil
	}

	s.metrics.flushSyncWaits.Inc()
	// FlushIfNeeded may deliver completions on this goroutine, and
	// onWriteCompletion takes syncFlushMu to signal, so the mutex is released
	// around it; the loop below re-checks completion before every wait.
	s.syncFlushMu.Unlock()
	s.family.journal.FlushIfNeeded()
	s.syncFlushMu.Lock()
	for s.records.CompletedUpto(types.MaxSequenceNumber) < uptoLSN {
		s.syncFlushCV.Wait()
	}
	// Intentionally not reset: a given lsn can only ever complete once, so
	// leaving the waiter lsn in place costs nothing and saves a write.
	return nil
}

// RollbackAsync withdraws all records with lsn > toLSN. It requires that
// toLSN+1 is not already truncated and that no write is in flight above
// toLSN (flushing first if needed); it returns the count of withdrawn
// sequence numbers.
func (s *LogStore) RollbackAsync(toLSN types.SequenceNumber, cb types.RollbackCompletionFunc) (int64, error) {
	if st := s.records.Status(toLSN + 1); st.IsOutOfRange {
		return 0, ErrInvalidState
	}

	fromLSN := s.records.ActiveUpto(types.MaxSequenceNumber)
	if s.records.CompletedUpto(types.MaxSequenceNumber) < fromLSN {
		if err := s.FlushSync(types.NoSequenceNumber); err != nil {
			return 0, err
		}
	}
	if s.records.CompletedUpto(types.MaxSequenceNumber) != s.records.ActiveUpto(types.MaxSequenceNumber) {
		return 0, ErrInvalidState
	}

	// Publish next_lsn and perform the in-memory rollback before attempting
	// the flush lock: new appends must queue after the rollback, and
	// readers must stop seeing the withdrawn suffix immediately. See
	// spec.md §9's open question about the narrow race this leaves between
	// publishing next_lsn and the in-memory rollback actually landing —
	// the precondition above (no in-flight writes) is what closes it, not
	// ordering.
	s.nextLSN.Store(toLSN + 1)

	fromKey, errFrom := s.records.At(fromLSN)
	toKey, errTo := s.records.At(toLSN + 1)
	var idRange types.LogIDRange
	haveRange := errFrom == nil && errTo == nil
	if haveRange {
		idRange = types.LogIDRange{From: toKey.LdKey.Idx, To: fromKey.LdKey.Idx}
	}

	s.records.Rollback(toLSN)

	outcome := s.family.journal.TryLockFlush(func() {
		if haveRange {
			if err := s.family.journal.Rollback(s.storeID, idRange); err != nil {
				level.Error(s.logger).Log("msg", "journal rollback failed", "err", err)
			}
		}

		s.mu.Lock()
		s.trunc.EraseBarriersAbove(toLSN)
		s.flushBatchMaxLSN = flushBatchMaxLSNNone
		s.mu.Unlock()

		s.metrics.rollbacks.Inc()
		if cb != nil {
			cb(toLSN)
		}
	})
	if outcome == types.AcquiredAndRan {
		s.family.journal.UnlockFlush()
	}

	return fromLSN - toLSN, nil
}
