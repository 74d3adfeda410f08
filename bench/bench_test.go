// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	hdrhistogramwriter "github.com/benmathews/hdrhistogram-writer"
	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/logstore"
	"github.com/dreamsxin/logstore/journaltest"
	"github.com/dreamsxin/logstore/types"
)

var reportPercentiles = []float64{50, 90, 99, 99.9}

func BenchmarkAppend(b *testing.B) {
	sizes := []int{10, 1024, 100 * 1024}
	sizeNames := []string{"10", "1k", "100k"}

	for i, s := range sizes {
		b.Run(fmt.Sprintf("entrySize=%s", sizeNames[i]), func(b *testing.B) {
			store, _, done := openStore(b)
			defer done()
			runAppendBench(b, store, s)
		})
	}
}

func BenchmarkFlushSync(b *testing.B) {
	store, _, done := openStore(b)
	defer done()

	payload := make([]byte, 256)
	hist := hdrhistogram.New(1, 1e9, 3)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		start := time.Now()
		_, err := store.AppendAsync(payload, nil, nil)
		require.NoError(b, err)
		require.NoError(b, store.FlushSync(types.NoSequenceNumber))
		require.NoError(b, hist.RecordValue(time.Since(start).Microseconds()))
	}
	b.StopTimer()

	writeHistogramReport(b, hist, "flush_sync")
}

func BenchmarkGetLogs(b *testing.B) {
	store, _, done := openStore(b)
	defer done()

	const n = 1000
	payload := make([]byte, 256)
	for i := 0; i < n; i++ {
		_, err := store.AppendAsync(payload, nil, nil)
		require.NoError(b, err)
	}
	require.NoError(b, store.FlushSync(types.NoSequenceNumber))

	hist := hdrhistogram.New(1, 1e9, 3)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		lsn := types.SequenceNumber(i % n)
		start := time.Now()
		_, err := store.ReadSync(lsn)
		require.NoError(b, err)
		require.NoError(b, hist.RecordValue(time.Since(start).Nanoseconds()))
	}
	b.StopTimer()

	writeHistogramReport(b, hist, "read_sync")
}

func runAppendBench(b *testing.B, store *logstore.LogStore, entrySize int) {
	payload := make([]byte, entrySize)
	hist := hdrhistogram.New(1, 1e9, 3)

	b.ResetTimer()
	b.SetBytes(int64(entrySize))
	for i := 0; i < b.N; i++ {
		start := time.Now()
		_, err := store.AppendAsync(payload, nil, nil)
		require.NoError(b, err)
		require.NoError(b, hist.RecordValue(time.Since(start).Microseconds()))
	}
	b.StopTimer()
	require.NoError(b, store.FlushSync(types.NoSequenceNumber))

	writeHistogramReport(b, hist, fmt.Sprintf("append_%d", entrySize))
}

func openStore(b *testing.B) (*logstore.LogStore, *journaltest.Journal, func()) {
	b.Helper()
	family := logstore.NewLogStoreFamily(b.Name())
	journal := journaltest.New(family, journaltest.WithFlushInterval(100*time.Microsecond))
	family.Start(journal)
	journal.Start()

	store, err := family.CreateNewLogStore(true)
	require.NoError(b, err)
	return store, journal, journal.Stop
}

// writeHistogramReport dumps a percentile distribution file under the OS
// temp dir for offline comparison across runs, the same way the teacher's
// benchmark harness reported raft-wal-vs-bolt latencies.
func writeHistogramReport(b *testing.B, hist *hdrhistogram.Histogram, name string) {
	b.Helper()
	path := filepath.Join(os.TempDir(), fmt.Sprintf("logstore-bench-%s.hgrm", name))
	if err := hdrhistogramwriter.WriteDistributionFile(hist, reportPercentiles, 1.0, path); err != nil {
		b.Logf("could not write histogram report: %v", err)
	}
}
