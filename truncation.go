// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package logstore

import (
	"fmt"

	"github.com/dreamsxin/logstore/types"
)

// Boundary is a log's view of how far it is safely truncated, both
// logically (SeqNum) and physically (LdKey) on the shared device.
type Boundary struct {
	SeqNum                      types.SequenceNumber
	LdKey                       types.JournalKey
	PendingDevTruncation        bool
	ActiveWritesNotPartOfTrunc  bool
}

// TruncationTracker owns one log's ordered list of truncation barriers and
// its current Boundary. A barrier (seq_num, ld_key) means: at device
// truncation point ld_key, all of this log's records up to seq_num are
// durable. Every mutating method here assumes the caller holds the
// journal's flush lock, per spec.md §4.2/§5.
type TruncationTracker struct {
	barriers []types.TruncationBarrier // sorted ascending by SeqNum
	boundary Boundary
}

// NewTruncationTracker initializes a tracker for a log whose first valid
// lsn is startLSN, per spec.md §3's TruncationBoundary lifecycle.
func NewTruncationTracker(startLSN types.SequenceNumber) *TruncationTracker {
	return &TruncationTracker{
		boundary: Boundary{
			SeqNum: startLSN - 1,
			LdKey:  types.InvalidJournalKey,
		},
	}
}

// Boundary returns the current truncation boundary.
func (t *TruncationTracker) Boundary() Boundary { return t.boundary }

// BarrierSeqNums returns the seq_num of every barrier currently pending, in
// ascending order (the order AddBarrier maintains them in).
func (t *TruncationTracker) BarrierSeqNums() []types.SequenceNumber {
	out := make([]types.SequenceNumber, len(t.barriers))
	for i, b := range t.barriers {
		out[i] = b.SeqNum
	}
	return out
}

// AddBarrier appends or supersedes the tail barrier for a flush batch, per
// on_batch_completion's rule: when the tail barrier's seq_num is already >=
// the batch's max lsn, the later batch's key replaces the tail's ld_key;
// otherwise a new barrier is appended.
func (t *TruncationTracker) AddBarrier(flushBatchMaxLSN types.SequenceNumber, ldKey types.JournalKey) {
	if n := len(t.barriers); n > 0 && t.barriers[n-1].SeqNum >= flushBatchMaxLSN {
		t.barriers[n-1].LdKey = ldKey
		return
	}
	t.barriers = append(t.barriers, types.TruncationBarrier{SeqNum: flushBatchMaxLSN, LdKey: ldKey})
}

// searchMaxLE returns the largest index i with barriers[i].SeqNum <= inputLSN
// via binary search, or -1 if none qualifies. A tie on equality returns that
// index.
func (t *TruncationTracker) searchMaxLE(inputLSN types.SequenceNumber) int {
	start, end := -1, len(t.barriers)
	for end-start > 1 {
		mid := start + (end-start)/2
		switch {
		case t.barriers[mid].SeqNum == inputLSN:
			return mid
		case t.barriers[mid].SeqNum > inputLSN:
			end = mid
		default:
			start = mid
		}
	}
	return end - 1
}

// ApplyLocalTruncate converts a local truncate request into a boundary
// update. If no barrier's seq_num is <= uptoLSN, the truncate is
// metadata-only: the safe device point does not advance. Otherwise the
// boundary's ld_key is set to the qualifying barrier's, pending_dev_truncation
// is raised, and every barrier up to and including it is erased.
func (t *TruncationTracker) ApplyLocalTruncate(uptoLSN types.SequenceNumber) {
	i := t.searchMaxLE(uptoLSN)
	if i == -1 {
		return
	}
	t.boundary.LdKey = t.barriers[i].LdKey
	t.boundary.PendingDevTruncation = true
	t.barriers = append([]types.TruncationBarrier(nil), t.barriers[i+1:]...)
}

// PreDeviceTruncation records whether any barrier is still pending (meaning
// writes happened that aren't yet covered by the boundary this call is
// about to report) and returns the current boundary for the family to fold
// into its cross-log minimum.
func (t *TruncationTracker) PreDeviceTruncation() Boundary {
	t.boundary.ActiveWritesNotPartOfTrunc = len(t.barriers) > 0
	return t.boundary
}

// PostDeviceTruncation records that the device was physically truncated up
// to newLdKey. It is a hard error to call this with a key behind the
// boundary's own ld_key — the family must only call it on the store(s)
// whose boundary equals the chosen minimum.
func (t *TruncationTracker) PostDeviceTruncation(newLdKey types.JournalKey) error {
	if newLdKey.Idx < t.boundary.LdKey.Idx {
		return fmt.Errorf("logstore: post_device_truncation called with idx %d behind boundary idx %d",
			newLdKey.Idx, t.boundary.LdKey.Idx)
	}
	t.boundary.PendingDevTruncation = false
	t.boundary.LdKey = newLdKey
	return nil
}

// EraseBarriersAbove drops every barrier with SeqNum > toLSN, used by
// rollback to keep barriers consistent with a withdrawn suffix.
func (t *TruncationTracker) EraseBarriersAbove(toLSN types.SequenceNumber) {
	kept := t.barriers[:0:0]
	for _, b := range t.barriers {
		if b.SeqNum <= toLSN {
			kept = append(kept, b)
		}
	}
	t.barriers = kept
}

// SetSeqNum updates the boundary's logical truncation point, called by
// do_truncate before ApplyLocalTruncate decides whether the device point
// also advances.
func (t *TruncationTracker) SetSeqNum(seqNum types.SequenceNumber) {
	t.boundary.SeqNum = seqNum
}
