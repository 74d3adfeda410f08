// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package logstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/logstore/journaltest"
	"github.com/dreamsxin/logstore/types"
)

func TestLogStoreFamilyCreateOpenRemove(t *testing.T) {
	family, _ := newTestFamily(t)

	storeA, err := family.CreateNewLogStore(true)
	require.NoError(t, err)
	storeB, err := family.CreateNewLogStore(true)
	require.NoError(t, err)
	require.NotEqual(t, storeA.StoreID(), storeB.StoreID())

	found, ok := family.FindLogStoreByID(storeA.StoreID())
	require.True(t, ok)
	require.Same(t, storeA, found)

	require.NoError(t, family.RemoveLogStore(storeA.StoreID()))
	_, ok = family.FindLogStoreByID(storeA.StoreID())
	require.False(t, ok)

	require.ErrorIs(t, family.RemoveLogStore(storeA.StoreID()), ErrStoreNotFound)
}

func TestLogStoreFamilyOpenLogStoreRejectsDuplicateID(t *testing.T) {
	family, _ := newTestFamily(t)
	store, err := family.CreateNewLogStore(true)
	require.NoError(t, err)

	_, err = family.OpenLogStore(store.StoreID(), true)
	require.ErrorIs(t, err, ErrStoreExists)
}

func TestLogStoreFamilyRejectsWorkBeforeStartOrAfterStop(t *testing.T) {
	family := NewLogStoreFamily(t.Name())
	_, err := family.CreateNewLogStore(true)
	require.ErrorIs(t, err, ErrClosed)

	journal := journaltest.New(family)
	family.Start(journal)

	_, err = family.CreateNewLogStore(true)
	require.NoError(t, err)

	family.Stop()
	_, err = family.CreateNewLogStore(true)
	require.ErrorIs(t, err, ErrClosed)
}

func TestLogStoreFamilyDoDeviceTruncateBlockedByUntouchedStore(t *testing.T) {
	family, _ := newTestFamily(t)

	fast, err := family.CreateNewLogStore(true)
	require.NoError(t, err)
	slow, err := family.CreateNewLogStore(true)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := fast.AppendAsync([]byte("f"), nil, nil)
		require.NoError(t, err)
	}
	lsnSlow, err := slow.AppendAsync([]byte("s"), nil, nil)
	require.NoError(t, err)
	require.NoError(t, fast.FlushSync(types.NoSequenceNumber))
	require.NoError(t, slow.FlushSync(types.NoSequenceNumber))

	require.NoError(t, fast.Truncate(2, true))

	// slow has never locally truncated, so its boundary ld_key is still
	// invalid: the family must refuse to pick a device truncation point at
	// all rather than reclaim space slow might still need.
	minKey, err := family.DoDeviceTruncate(false)
	require.NoError(t, err)
	require.Equal(t, types.InvalidJournalKey, minKey)

	_, err = slow.ReadSync(lsnSlow)
	require.NoError(t, err, "slow's own record must still be readable since no device truncation happened")

	require.NoError(t, slow.Truncate(lsnSlow, true))
	minKey, err = family.DoDeviceTruncate(false)
	require.NoError(t, err)
	require.True(t, minKey.Valid(), "once every store has truncated, a device truncation point can be chosen")
}

// TestLogStoreFamilyDoDeviceTruncatePicksMinimumAcrossTwoValidBoundaries
// implements spec.md §8 Scenario 4: two logs share a journal, one has a
// barrier further along than the other; device truncation must choose the
// lower of the two valid boundaries, and post_device_truncation must only
// reach the store whose own boundary equals that minimum — the other
// store's boundary is left untouched.
func TestLogStoreFamilyDoDeviceTruncatePicksMinimumAcrossTwoValidBoundaries(t *testing.T) {
	family, _ := newTestFamily(t)

	fast, err := family.CreateNewLogStore(true)
	require.NoError(t, err)
	slow, err := family.CreateNewLogStore(true)
	require.NoError(t, err)

	// slow writes and flushes first, in its own batch, so its barrier's
	// ld_key is the lowest idx the journal has handed out.
	lsnSlow, err := slow.AppendAsync([]byte("s"), nil, nil)
	require.NoError(t, err)
	require.NoError(t, slow.FlushSync(types.NoSequenceNumber))
	require.NoError(t, slow.Truncate(lsnSlow, true))

	// fast writes and flushes afterward, in a later batch, so its barrier's
	// ld_key is further along.
	for i := 0; i < 3; i++ {
		_, err := fast.AppendAsync([]byte("f"), nil, nil)
		require.NoError(t, err)
	}
	require.NoError(t, fast.FlushSync(types.NoSequenceNumber))
	require.NoError(t, fast.Truncate(2, true))

	slowBoundaryBefore := slow.TruncationBoundary()
	fastBoundaryBefore := fast.TruncationBoundary()
	require.True(t, slowBoundaryBefore.LdKey.Valid())
	require.True(t, fastBoundaryBefore.LdKey.Valid())
	require.True(t, slowBoundaryBefore.LdKey.Less(fastBoundaryBefore.LdKey),
		"test setup: slow's boundary must be the lower of the two")

	minKey, err := family.DoDeviceTruncate(false)
	require.NoError(t, err)
	require.Equal(t, slowBoundaryBefore.LdKey, minKey, "the minimum across stores must be chosen, not fast's")

	require.Equal(t, fastBoundaryBefore, fast.TruncationBoundary(),
		"fast's boundary is already ahead of the chosen minimum and must be left untouched")

	slowBoundaryAfter := slow.TruncationBoundary()
	require.Equal(t, minKey, slowBoundaryAfter.LdKey)
	require.False(t, slowBoundaryAfter.PendingDevTruncation,
		"slow received post_device_truncation and must no longer have a truncation pending")
}

func TestLogStoreFamilyRecoveryBuffersUntilOpened(t *testing.T) {
	family := NewLogStoreFamily(t.Name())
	journal := journaltest.New(family, journaltest.WithFlushInterval(time.Millisecond))

	journal.Seed(7, 0, []byte("a"))
	journal.Replay()

	_, ok := family.FindLogStoreByID(7)
	require.False(t, ok, "OnLogFound for an unopened store must buffer, not create a store implicitly")

	family.Start(journal)
	t.Cleanup(journal.Stop)
	journal.Start()

	store, err := family.OpenLogStore(7, true)
	require.NoError(t, err)
	require.Equal(t, types.SequenceNumber(1), store.HighestLSN())
}
