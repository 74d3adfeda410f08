// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package logstore

import (
	"errors"
	"fmt"
)

// Error kinds the core surfaces to callers. They are returned directly, on
// async paths by the issuing call (AppendAsync/WriteAsync); completion
// callbacks carry no error. Invariant violations the core itself is
// responsible for panic in debug builds instead (see assertf in debug.go).
var (
	// ErrOutOfRange is returned reading or accessing a sequence number
	// below the truncation floor, or one that was never created.
	ErrOutOfRange = errors.New("logstore: sequence number out of range")

	// ErrInvalidState covers: a sync call made from a journal I/O thread, an
	// auto-lsn append on a non-append-mode store, and a rollback attempted
	// while writes are still in flight after the mandatory flush-sync.
	ErrInvalidState = errors.New("logstore: invalid state for requested operation")

	// ErrAlreadyExists is returned by RecordIndex.Create when the slot is
	// already occupied. In release builds this is the error a caller sees;
	// in debug builds (see assertf) it panics first since the core itself
	// should never violate the dense/monotonic invariant.
	ErrAlreadyExists = errors.New("logstore: sequence number already exists")

	// ErrStoreNotFound is returned by LogStoreFamily lookups for an unknown
	// store id.
	ErrStoreNotFound = errors.New("logstore: store not found")

	// ErrStoreExists is returned by OpenLogStore when the store id is
	// already open.
	ErrStoreExists = errors.New("logstore: store already open")

	// ErrClosed is returned by operations on a family that has been
	// stopped.
	ErrClosed = errors.New("logstore: family stopped")
)

// JournalError wraps an error returned opaquely by a JournalPort call, so
// callers can still errors.Is/As the underlying cause while seeing it's
// journal-sourced. It is returned to the caller, not passed to a completion
// callback.
type JournalError struct {
	Op  string
	Err error
}

func (e *JournalError) Error() string {
	return fmt.Sprintf("logstore: journal error during %s: %v", e.Op, e.Err)
}

func (e *JournalError) Unwrap() error { return e.Err }

func wrapJournalErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &JournalError{Op: op, Err: err}
}
