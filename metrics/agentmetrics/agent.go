// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentmetrics implements the fetching and reporting of process specific metrics
// of the unwinder itself.
package agentmetrics // import "go.opentelemetry.io/remote-unwinder/metrics/agentmetrics"

import (
	"context"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/remote-unwinder/metrics"
	"go.opentelemetry.io/remote-unwinder/periodiccaller"
)

// rusageTimes holds time values of a rusage call.
type rusageTimes struct {
	utime unix.Timeval
	stime unix.Timeval
}

// timeDelta calculates the difference between two time values in milliseconds.
func timeDelta(now, prev unix.Timeval) int64 {
	secDelta := (now.Sec - prev.Sec) * 1000
	usecDelta := (now.Usec - prev.Usec) / 1000
	return int64(secDelta + usecDelta)
}

func getrusage() (rusageTimes, error) {
	var rusage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &rusage); err != nil {
		return rusageTimes{}, err
	}
	return rusageTimes{utime: rusage.Utime, stime: rusage.Stime}, nil
}

// report collects process metrics and forwards them to the metrics package.
func (r *rusageTimes) report() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	now, err := getrusage()
	if err != nil {
		log.Errorf("Failed to fetch Rusage: %v", err)
		return
	}
	deltaUtime := timeDelta(now.utime, r.utime)
	deltaStime := timeDelta(now.stime, r.stime)
	*r = now

	metrics.AddSlice([]metrics.Metric{
		{
			ID:    metrics.IDAgentGoRoutines,
			Value: metrics.MetricValue(runtime.NumGoroutine()),
		},
		{
			ID:    metrics.IDAgentHeapAlloc,
			Value: metrics.MetricValue(stats.HeapAlloc),
		},
		{
			ID:    metrics.IDAgentUTime,
			Value: metrics.MetricValue(deltaUtime),
		},
		{
			ID:    metrics.IDAgentSTime,
			Value: metrics.MetricValue(deltaStime),
		},
	})
}

// Start starts the process metric retrieval and reporting. The returned function stops
// reporting.
func Start(ctx context.Context, interval time.Duration) (func(), error) {
	prev, err := getrusage()
	if err != nil {
		log.Errorf("Failed to fetch Rusage: %v", err)
		return func() {}, err
	}

	return periodiccaller.Start(ctx, interval, prev.report), nil
}
