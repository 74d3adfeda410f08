// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package logstore

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dreamsxin/logstore/journaltest"
	"github.com/dreamsxin/logstore/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestFamily(t *testing.T) (*LogStoreFamily, *journaltest.Journal) {
	t.Helper()
	family := NewLogStoreFamily(t.Name())
	journal := journaltest.New(family, journaltest.WithFlushInterval(time.Millisecond))
	family.Start(journal)
	journal.Start()
	t.Cleanup(journal.Stop)
	return family, journal
}

func TestLogStoreAppendAsyncAndReadSync(t *testing.T) {
	family, _ := newTestFamily(t)
	store, err := family.CreateNewLogStore(true)
	require.NoError(t, err)

	lsn, err := store.AppendAsync([]byte("hello"), nil, nil)
	require.NoError(t, err)
	require.Equal(t, types.SequenceNumber(0), lsn)

	require.NoError(t, store.FlushSync(types.NoSequenceNumber))

	payload, err := store.ReadSync(lsn)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), payload)
}

func TestLogStoreAppendAsyncAssignsMonotonicLSNs(t *testing.T) {
	family, _ := newTestFamily(t)
	store, err := family.CreateNewLogStore(true)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		lsn, err := store.AppendAsync([]byte(fmt.Sprintf("rec-%d", i)), nil, nil)
		require.NoError(t, err)
		require.Equal(t, types.SequenceNumber(i), lsn)
	}
}

func TestLogStoreAppendAsyncRejectedWhenNotAppendMode(t *testing.T) {
	family, _ := newTestFamily(t)
	store, err := family.CreateNewLogStore(false)
	require.NoError(t, err)

	_, err = store.AppendAsync([]byte("x"), nil, nil)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestLogStoreWriteSyncAssignedLSN(t *testing.T) {
	family, _ := newTestFamily(t)
	store, err := family.CreateNewLogStore(false)
	require.NoError(t, err)

	require.NoError(t, store.WriteSync(10, []byte("assigned"), nil))
	payload, err := store.ReadSync(10)
	require.NoError(t, err)
	require.Equal(t, []byte("assigned"), payload)
}

func TestLogStoreForeachVisitsCompletedInOrder(t *testing.T) {
	family, _ := newTestFamily(t)
	store, err := family.CreateNewLogStore(true)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := store.AppendAsync([]byte(fmt.Sprintf("%d", i)), nil, nil)
		require.NoError(t, err)
	}
	require.NoError(t, store.FlushSync(types.NoSequenceNumber))

	var got []string
	require.NoError(t, store.Foreach(0, func(lsn types.SequenceNumber, payload []byte) bool {
		got = append(got, string(payload))
		return true
	}))
	require.Equal(t, []string{"0", "1", "2"}, got)
}

func TestLogStoreTruncateAdvancesBoundaryAndPersistsSuperblock(t *testing.T) {
	family, journal := newTestFamily(t)
	store, err := family.CreateNewLogStore(true)
	require.NoError(t, err)

	var lsns []types.SequenceNumber
	for i := 0; i < 5; i++ {
		lsn, err := store.AppendAsync([]byte("x"), nil, nil)
		require.NoError(t, err)
		lsns = append(lsns, lsn)
	}
	require.NoError(t, store.FlushSync(types.NoSequenceNumber))

	require.NoError(t, store.Truncate(lsns[2], true))
	require.Equal(t, lsns[2], store.truncatedUptoLSN())

	_, err = store.ReadSync(lsns[0])
	require.ErrorIs(t, err, ErrOutOfRange)

	payload, err := store.ReadSync(lsns[4])
	require.NoError(t, err)
	require.Equal(t, []byte("x"), payload)

	require.NoError(t, store.SyncTruncate(lsns[4], false))
	sb := journal.Superblock(store.StoreID())
	require.True(t, sb.Valid())
	require.Equal(t, lsns[4]+1, sb.FirstSeqNum)
}

func TestLogStoreSyncTruncateFillsGaps(t *testing.T) {
	family, _ := newTestFamily(t)
	store, err := family.CreateNewLogStore(true)
	require.NoError(t, err)

	lsn, err := store.AppendAsync([]byte("x"), nil, nil)
	require.NoError(t, err)
	require.NoError(t, store.FlushSync(types.NoSequenceNumber))

	// Truncate well beyond the issued frontier: SyncTruncate must fill_gap
	// every lsn in between before the truncate itself can proceed.
	require.NoError(t, store.SyncTruncate(lsn+3, true))
	require.Equal(t, lsn+3, store.truncatedUptoLSN())
}

func TestLogStoreRollbackAsyncWithdrawsSuffix(t *testing.T) {
	family, _ := newTestFamily(t)
	store, err := family.CreateNewLogStore(true)
	require.NoError(t, err)

	var lsns []types.SequenceNumber
	for i := 0; i < 5; i++ {
		lsn, err := store.AppendAsync([]byte("x"), nil, nil)
		require.NoError(t, err)
		lsns = append(lsns, lsn)
	}
	require.NoError(t, store.FlushSync(types.NoSequenceNumber))

	var rolledBackTo types.SequenceNumber = -1
	n, err := store.RollbackAsync(lsns[2], func(toLSN types.SequenceNumber) { rolledBackTo = toLSN })
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.Equal(t, lsns[2], rolledBackTo)

	_, err = store.ReadSync(lsns[4])
	require.ErrorIs(t, err, ErrOutOfRange)

	nextLSN, err := store.AppendAsync([]byte("after-rollback"), nil, nil)
	require.NoError(t, err)
	require.Equal(t, lsns[3], nextLSN)
}

func TestLogStoreRecoveryReplaysOnLogFound(t *testing.T) {
	family := NewLogStoreFamily(t.Name())
	journal := journaltest.New(family)

	// Seed data as if written by a prior process lifetime, before the store
	// has ever been opened in this one.
	journal.Seed(1, 0, []byte("recovered-0"))
	journal.Seed(1, 1, []byte("recovered-1"))
	journal.Replay()

	family.Start(journal)
	var found []string
	store, err := family.OpenLogStore(1, true, WithLogFoundFunc(func(lsn types.SequenceNumber, payload []byte, _ interface{}) {
		found = append(found, string(payload))
	}))
	require.NoError(t, err)

	require.Equal(t, []string{"recovered-0", "recovered-1"}, found)
	require.Equal(t, types.SequenceNumber(2), store.HighestLSN())
}

func TestLogStoreDumpPaginatesByBatchSize(t *testing.T) {
	family, _ := newTestFamily(t)
	store, err := family.CreateNewLogStore(true)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := store.AppendAsync([]byte(fmt.Sprintf("v%d", i)), nil, nil)
		require.NoError(t, err)
	}
	require.NoError(t, store.FlushSync(types.NoSequenceNumber))

	resp := store.Dump(types.DumpRequest{BatchSize: 2})
	require.Len(t, resp.Records, 2)
	require.NotEmpty(t, resp.NextCursor)

	cursorLSN := resp.Records[len(resp.Records)-1].SeqNum + 1
	resp2 := store.Dump(types.DumpRequest{StartSeqNum: &cursorLSN, BatchSize: 10})
	require.Len(t, resp2.Records, 3)
	require.Empty(t, resp2.NextCursor)
}
