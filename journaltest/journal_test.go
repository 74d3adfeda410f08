// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package journaltest

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/logstore/types"
)

type recordingSink struct {
	completions []types.JournalKey
	found       []types.SequenceNumber
}

func (s *recordingSink) OnIOCompletion(ctx interface{}, ldKey, _ types.JournalKey, _ uint32) {
	s.completions = append(s.completions, ldKey)
}

func (s *recordingSink) OnLogFound(_ types.StoreID, lsn types.SequenceNumber, _, _ types.JournalKey, _ []byte) {
	s.found = append(s.found, lsn)
}

func TestJournalAppendAndRead(t *testing.T) {
	sink := &recordingSink{}
	j := New(sink, WithFlushInterval(time.Millisecond))
	j.Start()
	t.Cleanup(j.Stop)

	require.NoError(t, j.AppendAsync(types.AppendRequest{StoreID: 1, LSN: 0, Payload: []byte("hi"), Ctx: "ctx"}))

	require.Eventually(t, func() bool { return len(sink.completions) == 1 }, time.Second, time.Millisecond)

	_, payload, err := j.Read(sink.completions[0])
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), payload)
}

func TestJournalTryLockFlushDefersWhileFlushRunning(t *testing.T) {
	sink := &recordingSink{}
	j := New(sink)

	var ran bool
	release := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		outcome1 := j.TryLockFlush(func() {
			close(holding)
			<-release
		})
		require.Equal(t, types.AcquiredAndRan, outcome1)
	}()
	<-holding

	done := make(chan struct{})
	go func() {
		outcome2 := j.TryLockFlush(func() { ran = true })
		require.Equal(t, types.Deferred, outcome2)
		close(done)
	}()

	require.Never(t, func() bool { return ran }, 50*time.Millisecond, 5*time.Millisecond)
	close(release)
	j.UnlockFlush()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the deferred continuation's TryLockFlush call to return")
	}
	require.True(t, ran, "UnlockFlush must run continuations that queued up as Deferred before releasing the lock")
}

func TestJournalDeviceTruncateRetriesOnInjectedFault(t *testing.T) {
	sink := &recordingSink{}
	attempts := 0
	j := New(sink, WithFaultInjector(func(op string) error {
		if op != "device_truncate" {
			return nil
		}
		attempts++
		if attempts < 2 {
			return errors.New("simulated transient failure")
		}
		return nil
	}))

	require.NoError(t, j.DeviceTruncate(types.JournalKey{Idx: 5}))
	require.Equal(t, 2, attempts)
}

func TestJournalSeedAndReplayOrdersByIdx(t *testing.T) {
	sink := &recordingSink{}
	j := New(sink)

	j.Seed(1, 5, []byte("b"))
	j.Seed(1, 3, []byte("a"))
	j.Replay()

	require.Equal(t, []types.SequenceNumber{5, 3}, sink.found, "replay must preserve append (idx) order, not lsn order")
}

func TestJournalIsFlushThread(t *testing.T) {
	j := New(&recordingSink{}, WithFlushInterval(time.Millisecond))
	j.Start()
	t.Cleanup(j.Stop)
	require.False(t, j.IsFlushThread(), "the test goroutine itself is never the flush goroutine")

	checked := make(chan bool, 1)
	var j2 *Journal
	j2 = New(&callbackSink{fn: func() { checked <- j2.IsFlushThread() }}, WithFlushInterval(time.Millisecond))
	j2.Start()
	t.Cleanup(j2.Stop)
	require.NoError(t, j2.AppendAsync(types.AppendRequest{StoreID: 1, LSN: 0, Payload: []byte("x"), Ctx: nil}))

	select {
	case sawFromFlush := <-checked:
		require.True(t, sawFromFlush, "IsFlushThread must report true from inside the flush goroutine's own completion callback")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for flush completion")
	}
}

type callbackSink struct{ fn func() }

func (c *callbackSink) OnIOCompletion(interface{}, types.JournalKey, types.JournalKey, uint32) { c.fn() }
func (c *callbackSink) OnLogFound(types.StoreID, types.SequenceNumber, types.JournalKey, types.JournalKey, []byte) {
}
