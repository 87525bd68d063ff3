// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "go.opentelemetry.io/remote-unwinder/libpf"

import "errors"

var (
	// ErrNotFound is returned when a lookup misses. The caller decides whether to create.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a registration collides with an existing entry.
	// The existing entry is retained.
	ErrDuplicate = errors.New("duplicate entry")

	// ErrIO is returned for open or read failures. It is sticky on a Dso.
	ErrIO = errors.New("i/o error")

	// ErrProtocol is returned for malformed unwind tables or snapshot records.
	ErrProtocol = errors.New("protocol error")

	// ErrUnsupported is returned for write, resume and floating-point register requests.
	ErrUnsupported = errors.New("unsupported operation")

	// ErrExhausted marks a depth limit being reached. It is a normal termination.
	ErrExhausted = errors.New("capacity exhausted")
)
