// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracehandler // import "go.opentelemetry.io/remote-unwinder/tracehandler"

import (
	"sync/atomic"

	"go.opentelemetry.io/remote-unwinder/metrics"
)

func value(c *atomic.Uint64) metrics.MetricValue {
	return metrics.MetricValue(c.Swap(0))
}

func (h *traceHandler) collectMetrics() {
	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDSnapshotsReceived, Value: value(&h.received)},
		{ID: metrics.IDSnapshotsDropped, Value: value(&h.dropped)},
		{ID: metrics.IDUnwindErrors, Value: value(&h.unwindErrors)},
		{ID: metrics.IDUnwindFrames, Value: value(&h.frames)},
		{ID: metrics.IDUnwindStopEndOfChain, Value: value(&h.stopEnd)},
		{ID: metrics.IDUnwindStopExhausted, Value: value(&h.stopExhausted)},
		{ID: metrics.IDUnwindStopStepFailed, Value: value(&h.stopFailed)},
		{ID: metrics.IDReportErrors, Value: value(&h.reportErrors)},
		{ID: metrics.IDProcInfoCacheHit, Value: value(&h.procHit)},
		{ID: metrics.IDProcInfoCacheMiss, Value: value(&h.procMiss)},
		{ID: metrics.IDTableCacheHit, Value: value(&h.tableHit)},
		{ID: metrics.IDTableCacheMiss, Value: value(&h.tableMiss)},
		{ID: metrics.IDCIECacheHit, Value: value(&h.cieHit)},
		{ID: metrics.IDCIECacheMiss, Value: value(&h.cieMiss)},
		{ID: metrics.IDAddressSpaceFlushes, Value: value(&h.flushes)},
	})
}
