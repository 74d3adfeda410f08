// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package logstore

import (
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamsxin/logstore/types"
)

type familyOpt func(*LogStoreFamily)

// WithFamilyLogger sets the logger a LogStoreFamily uses for its own
// messages, and the default for log stores it creates/opens thereafter.
func WithFamilyLogger(l log.Logger) familyOpt {
	return func(f *LogStoreFamily) { f.logger = l }
}

// WithFamilyMetricsRegisterer registers this family's metrics (and its
// stores' metrics going forward) against reg.
func WithFamilyMetricsRegisterer(reg prometheus.Registerer) familyOpt {
	return func(f *LogStoreFamily) {
		f.metricsReg = reg
		f.metrics = newFamilyMetrics(reg, f.familyID)
	}
}

// LogStoreFamily groups every LogStore sharing one journal device. It routes
// completion and recovery callbacks from the journal to the right store, and
// aggregates per-store truncation boundaries into a single safe device
// truncation point.
type LogStoreFamily struct {
	familyID string
	journal  types.JournalPort
	started  atomic.Bool

	mu     sync.RWMutex
	stores map[types.StoreID]*LogStore

	// pendingStores holds superblocks recorded by NoteRecoveredSuperblock
	// for store ids that have not been opened yet, so OpenLogStore can recover the
	// right start_lsn whenever the caller gets around to it. pendingLogs
	// buffers the records themselves for the same reason.
	pendingStores map[types.StoreID]types.LogStoreSuperblock
	pendingLogs   map[types.StoreID][]pendingRecord

	// batchMu guards batchParticipants, the set of stores touched by
	// writes in the flush batch currently accumulating completions. It is
	// a distinct lock from mu because OnIOCompletion must not block
	// CreateNewLogStore/OpenLogStore and vice versa.
	batchMu           sync.Mutex
	batchParticipants map[types.StoreID]struct{}

	nextStoreID atomic.Uint32
	stopped     atomic.Bool

	logger     log.Logger
	metricsReg prometheus.Registerer
	metrics    *familyMetrics
}

type pendingRecord struct {
	lsn     types.SequenceNumber
	ldKey   types.JournalKey
	payload []byte
}

// NewLogStoreFamily creates a family identified by familyID. The journal
// device is wired in later, via Start, rather than here — it may not be
// available until recovery has scanned and constructed it.
func NewLogStoreFamily(familyID string, opts ...familyOpt) *LogStoreFamily {
	if familyID == "" {
		familyID = uuid.NewString()
	}
	f := &LogStoreFamily{
		familyID:          familyID,
		stores:            make(map[types.StoreID]*LogStore),
		pendingStores:     make(map[types.StoreID]types.LogStoreSuperblock),
		pendingLogs:       make(map[types.StoreID][]pendingRecord),
		batchParticipants: make(map[types.StoreID]struct{}),
		logger:            log.NewNopLogger(),
	}
	f.metricsReg = prometheus.NewRegistry()
	f.metrics = newFamilyMetrics(f.metricsReg, familyID)
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start wires journal in and marks the family ready to accept new stores and
// writes, mirroring the original's two-phase construction (build during
// recovery, then start() once the backing device is available).
func (f *LogStoreFamily) Start(journal types.JournalPort) {
	f.journal = journal
	f.started.Store(true)
	f.stopped.Store(false)
}

// Stop marks the family closed: further CreateNewLogStore/OpenLogStore
// calls fail with ErrClosed. Stores already open continue to work — Stop
// does not tear down in-flight I/O, matching the original's intent that
// stop() is about refusing new top-level work, not a hard abort.
func (f *LogStoreFamily) Stop() {
	f.stopped.Store(true)
}

// CreateNewLogStore allocates a fresh store id and opens a brand-new log
// (start_lsn 0) in this family.
func (f *LogStoreFamily) CreateNewLogStore(appendMode bool, opts ...logStoreOpt) (*LogStore, error) {
	if f.stopped.Load() || !f.started.Load() {
		return nil, ErrClosed
	}

	id := f.nextStoreID.Add(1)
	store := f.newStoreLocked(id, appendMode, 0, opts...)

	f.mu.Lock()
	f.stores[id] = store
	f.mu.Unlock()

	f.metrics.storesOpen.Inc()
	level.Info(f.logger).Log("msg", "created log store", "store_id", id)
	return store, nil
}

// OpenLogStore opens a previously created store by id, recovering its
// start_lsn from a superblock discovered during replay if one exists, and
// replaying any records OnLogFound buffered for it before it was opened.
func (f *LogStoreFamily) OpenLogStore(id types.StoreID, appendMode bool, opts ...logStoreOpt) (*LogStore, error) {
	if f.stopped.Load() || !f.started.Load() {
		return nil, ErrClosed
	}

	f.mu.Lock()
	if _, exists := f.stores[id]; exists {
		f.mu.Unlock()
		return nil, ErrStoreExists
	}
	startLSN := types.SequenceNumber(0)
	if sb, ok := f.pendingStores[id]; ok && sb.Valid() {
		startLSN = sb.FirstSeqNum
	}
	buffered := f.pendingLogs[id]
	delete(f.pendingStores, id)
	delete(f.pendingLogs, id)

	store := f.newStoreLocked(id, appendMode, startLSN, opts...)
	f.stores[id] = store
	f.mu.Unlock()

	for _, rec := range buffered {
		store.OnLogFound(rec.lsn, rec.ldKey, rec.payload)
	}

	f.metrics.storesOpen.Inc()
	level.Info(f.logger).Log("msg", "opened log store", "store_id", id, "start_lsn", startLSN, "replayed", len(buffered))
	return store, nil
}

func (f *LogStoreFamily) newStoreLocked(id types.StoreID, appendMode bool, startLSN types.SequenceNumber, opts ...logStoreOpt) *LogStore {
	base := []logStoreOpt{WithLogger(f.logger), WithMetricsRegisterer(f.metricsReg)}
	return newLogStore(id, f, appendMode, startLSN, append(base, opts...)...)
}

// RemoveLogStore drops id from this family. It does not touch the device;
// device space is reclaimed only by a subsequent do_device_truncate pass now
// that id no longer contributes a boundary.
func (f *LogStoreFamily) RemoveLogStore(id types.StoreID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.stores[id]; !ok {
		return ErrStoreNotFound
	}
	delete(f.stores, id)
	f.metrics.storesOpen.Dec()
	return nil
}

// FindLogStoreByID returns the open store for id, if any.
func (f *LogStoreFamily) FindLogStoreByID(id types.StoreID) (*LogStore, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.stores[id]
	return s, ok
}

// OnIOCompletion implements types.CompletionSink. It resolves ctx back to
// the ioRequest/store it belongs to, forwards the per-write completion, and
// once nRemainingInBatch reaches zero fans out on_batch_completion to every
// store that contributed a write to this batch. nRemainingInBatch is trusted
// as the journal's own countdown rather than re-derived here, so the family
// only needs to track which stores participated, not how many writes each
// contributed.
func (f *LogStoreFamily) OnIOCompletion(ctx interface{}, ldKey, flushLdKey types.JournalKey, nRemainingInBatch uint32) {
	req, ok := ctx.(*ioRequest)
	assertf(ok, "OnIOCompletion: ctx is not an *ioRequest")

	f.mu.RLock()
	store, ok := f.stores[req.storeID]
	f.mu.RUnlock()
	if !ok {
		level.Error(f.logger).Log("msg", "completion for unknown store", "store_id", req.storeID)
		return
	}

	store.onWriteCompletion(req, ldKey)

	f.batchMu.Lock()
	f.batchParticipants[req.storeID] = struct{}{}
	if nRemainingInBatch == 0 {
		participants := f.batchParticipants
		f.batchParticipants = make(map[types.StoreID]struct{})
		f.batchMu.Unlock()

		f.metrics.batchCompletions.Inc()
		f.mu.RLock()
		for id := range participants {
			if s, ok := f.stores[id]; ok {
				s.onBatchCompletion(flushLdKey)
			}
		}
		f.mu.RUnlock()
		return
	}
	f.batchMu.Unlock()
}

// OnLogFound implements types.CompletionSink for recovery replay. If the
// store is already open the record is replayed immediately; otherwise it is
// buffered until OpenLogStore is called for that id, mirroring the
// original's m_unopened_store_io bookkeeping.
func (f *LogStoreFamily) OnLogFound(storeID types.StoreID, lsn types.SequenceNumber, ldKey, _ types.JournalKey, payload []byte) {
	f.mu.Lock()
	store, ok := f.stores[storeID]
	if !ok {
		f.pendingLogs[storeID] = append(f.pendingLogs[storeID], pendingRecord{lsn: lsn, ldKey: ldKey, payload: payload})
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	store.OnLogFound(lsn, ldKey, payload)
}

// NoteRecoveredSuperblock records a superblock discovered for storeID before
// it has been opened, so OpenLogStore can pick the right start_lsn. Callers
// doing journal recovery call this once per discovered store superblock,
// ahead of calling OpenLogStore.
func (f *LogStoreFamily) NoteRecoveredSuperblock(storeID types.StoreID, sb types.LogStoreSuperblock) {
	f.mu.Lock()
	f.pendingStores[storeID] = sb
	f.mu.Unlock()
}

// DoDeviceTruncate computes the minimum truncation boundary across every
// open store, physically truncates the device up to that point (unless
// dryRun), and calls PostDeviceTruncation only on the store(s) whose own
// boundary equals the chosen minimum — every other store's boundary is
// already ahead of the truncation point and is left untouched.
func (f *LogStoreFamily) DoDeviceTruncate(dryRun bool) (types.JournalKey, error) {
	f.mu.RLock()
	stores := make([]*LogStore, 0, len(f.stores))
	for _, s := range f.stores {
		stores = append(stores, s)
	}
	f.mu.RUnlock()

	if len(stores) == 0 {
		return types.InvalidJournalKey, nil
	}

	minKey := types.InvalidJournalKey
	haveMin := false
	for _, s := range stores {
		s.mu.Lock()
		b := s.trunc.PreDeviceTruncation()
		s.mu.Unlock()
		if !b.LdKey.Valid() {
			// This store has never locally truncated, so none of its
			// history is known safe to discard yet — it blocks the whole
			// family's device truncation rather than being skipped, since
			// skipping it could reclaim space a store still needs.
			return types.InvalidJournalKey, nil
		}
		if !haveMin || b.LdKey.Less(minKey) {
			minKey = b.LdKey
			haveMin = true
		}
	}
	if !haveMin {
		return types.InvalidJournalKey, nil
	}

	if !dryRun {
		if err := f.journal.DeviceTruncate(minKey); err != nil {
			return types.InvalidJournalKey, wrapJournalErr("device_truncate", err)
		}
		for _, s := range stores {
			s.mu.Lock()
			atBoundary := s.trunc.Boundary().LdKey == minKey
			var postErr error
			if atBoundary {
				postErr = s.trunc.PostDeviceTruncation(minKey)
			}
			s.mu.Unlock()
			if postErr != nil {
				level.Error(f.logger).Log("msg", "post_device_truncation failed", "store_id", s.storeID, "err", postErr)
			}
		}
		f.metrics.deviceTruncations.Inc()
		f.metrics.deviceTruncateMinIdx.Set(float64(minKey.Idx))
		level.Debug(f.logger).Log("msg", "device truncated", "idx", minKey.Idx, "offset", minKey.DevOffset)
	}

	return minKey, nil
}
