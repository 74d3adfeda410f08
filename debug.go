// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

//go:build !logstore_debug

package logstore

// assertf is a no-op in release builds, the Go analogue of the original's
// HS_DBG_ASSERT being compiled out when NDEBUG is set. Build with
// -tags logstore_debug to make core-owned invariant violations fatal during
// development instead of silently trusting callers.
func assertf(cond bool, format string, args ...interface{}) {}
