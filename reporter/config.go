// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package reporter // import "go.opentelemetry.io/remote-unwinder/reporter"

import (
	"io"
	"time"
)

type Config struct {
	// Output receives the aggregated stack traces.
	Output io.Writer

	// Compress zstd compresses the output.
	Compress bool

	// ReportInterval is the interval at which aggregated traces are written. A zero
	// value writes only on Stop.
	ReportInterval time.Duration

	// MaxTraces bounds the number of distinct traces held between two reports. Traces
	// beyond the limit are counted as dropped.
	MaxTraces int
}
