// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

/*
Package metrics contains the code for receiving and recording unwinder metrics.

Metric producers call Add or AddSlice with IDs from ids.go. Every value is recorded on the
OpenTelemetry instrument registered for its ID and folded into a process wide total that
Totals returns. Counters accumulate deltas and gauges keep the last value.

The metric definitions live in metrics.json; ids.go is generated from it.
*/
package metrics // import "go.opentelemetry.io/remote-unwinder/metrics"
