// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package reporter // import "go.opentelemetry.io/remote-unwinder/reporter"

import (
	"context"

	"go.opentelemetry.io/remote-unwinder/libpf"
	"go.opentelemetry.io/remote-unwinder/unwind"
)

// Reporter is the top-level interface implemented by a full reporter.
type Reporter interface {
	TraceReporter

	// Start starts the reporter in the background.
	Start(context.Context) error

	// Stop triggers a graceful shutdown of the reporter. Traces reported before Stop
	// are flushed.
	Stop() error
}

// TraceMeta identifies the thread a stack trace was captured from.
type TraceMeta struct {
	TGID      libpf.PID
	TID       libpf.TID
	Comm      string
	Timestamp uint64
}

type TraceReporter interface {
	// ReportStacktrace accepts an unwound stack trace and enqueues it for reporting.
	// The stack trace is not retained after the call returns.
	// If handling the trace fails it returns an error.
	ReportStacktrace(meta *TraceMeta, st *unwind.Stacktrace) error
}
