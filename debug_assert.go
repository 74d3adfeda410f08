// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

//go:build logstore_debug

package logstore

import "fmt"

// assertf panics with the formatted message when cond is false. Only
// compiled in with -tags logstore_debug; see debug.go for the release stub.
func assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf("logstore assertion failed: "+format, args...))
	}
}
