// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracehandler unwinds captured snapshots on a pool of workers and forwards
// the resulting stack traces to the reporter.
package tracehandler // import "go.opentelemetry.io/remote-unwinder/tracehandler"

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/remote-unwinder/libpf"
	"go.opentelemetry.io/remote-unwinder/machine"
	"go.opentelemetry.io/remote-unwinder/reporter"
	"go.opentelemetry.io/remote-unwinder/snapshot"
	"go.opentelemetry.io/remote-unwinder/times"
	"go.opentelemetry.io/remote-unwinder/unwind"
)

// Compile time check to make sure times.Times satisfies the interfaces.
var _ Times = (*times.Times)(nil)

// Times is a subset of times.IntervalsAndTimers.
type Times interface {
	MonitorInterval() time.Duration
}

// DefaultDepth is the stack trace capacity used when Config.Depth is 0.
const DefaultDepth = 128

// Config configures the trace handler.
type Config struct {
	// Workers is the number of snapshots unwound concurrently. Values below 1 select a
	// single worker.
	Workers int
	// Depth is the capacity of every stack trace.
	Depth int
	Times Times
}

// counters are the statistics collected by the workers between two metric reports.
type counters struct {
	received      atomic.Uint64
	dropped       atomic.Uint64
	unwindErrors  atomic.Uint64
	frames        atomic.Uint64
	stopEnd       atomic.Uint64
	stopExhausted atomic.Uint64
	stopFailed    atomic.Uint64
	reportErrors  atomic.Uint64
	procHit       atomic.Uint64
	procMiss      atomic.Uint64
	tableHit      atomic.Uint64
	tableMiss     atomic.Uint64
	cieHit        atomic.Uint64
	cieMiss       atomic.Uint64
	flushes       atomic.Uint64
}

// traceHandler resolves the thread of every snapshot, unwinds it and reports the
// stack trace.
type traceHandler struct {
	counters

	machine  *machine.Machine
	reporter reporter.TraceReporter
	depth    int
}

func newTraceHandler(m *machine.Machine, rep reporter.TraceReporter,
	depth int) *traceHandler {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &traceHandler{
		machine:  m,
		reporter: rep,
		depth:    depth,
	}
}

// HandleSnapshot unwinds snap into st and reports the result. Snapshots that cannot be
// unwound are logged and dropped.
func (h *traceHandler) HandleSnapshot(snap *snapshot.Snapshot, st *unwind.Stacktrace) {
	h.received.Add(1)

	if snap.TID == 0 || snap.TGID == 0 {
		h.dropped.Add(1)
		log.Warnf("Dropping snapshot of %d/%d: %v", snap.TGID, snap.TID, libpf.ErrProtocol)
		return
	}
	th, err := h.machine.FindOrCreateThread(snap.TGID, snap.TID)
	if err != nil {
		h.dropped.Add(1)
		log.Warnf("Dropping snapshot of %d/%d: %v", snap.TGID, snap.TID, err)
		return
	}
	defer th.Put()

	comm := snap.Comm()
	if comm != "" {
		if prev := th.Name(); prev != "" && prev != comm && th.AddressSpace(nil) != nil {
			h.flushes.Add(1)
		}
		th.SetName(comm)
	}

	if err = unwind.Unwind(snap, th, st); err != nil {
		h.unwindErrors.Add(1)
		log.Debugf("Failed to unwind %v: %v", th, err)
		return
	}
	h.frames.Add(uint64(st.Len()))
	switch st.Stop {
	case unwind.StopEndOfChain:
		h.stopEnd.Add(1)
	case unwind.StopExhausted:
		h.stopExhausted.Add(1)
	case unwind.StopStepFailed:
		h.stopFailed.Add(1)
	}
	if as, ok := th.AddressSpace(nil).(*unwind.AddressSpace); ok {
		h.addCacheStatistics(as.Statistics())
	}

	meta := &reporter.TraceMeta{
		TGID:      snap.TGID,
		TID:       snap.TID,
		Comm:      comm,
		Timestamp: snap.Timestamp,
	}
	if err = h.reporter.ReportStacktrace(meta, st); err != nil {
		h.reportErrors.Add(1)
		if errors.Is(err, libpf.ErrExhausted) {
			log.Debugf("Failed to report stack trace of %v: %v", th, err)
		} else {
			log.Errorf("Failed to report stack trace of %v: %v", th, err)
		}
	}
}

func (h *traceHandler) addCacheStatistics(s unwind.Statistics) {
	h.procHit.Add(s.Procs.Hit)
	h.procMiss.Add(s.Procs.Miss)
	h.tableHit.Add(s.Tables.Hit)
	h.tableMiss.Add(s.Tables.Miss)
	h.cieHit.Add(s.CIEs.Hit)
	h.cieMiss.Add(s.CIEs.Miss)
}

// worker handles snapshots until in is closed or ctx is done.
func (h *traceHandler) worker(ctx context.Context, in <-chan *snapshot.Snapshot) {
	st := unwind.NewStacktrace(h.depth)
	for {
		select {
		case snap, ok := <-in:
			if !ok {
				return
			}
			if snap != nil {
				h.HandleSnapshot(snap, st)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Start starts the workers that receive snapshots over the given channel. The
// returned channel is closed once all workers exited, either because the input
// channel was closed or because the context was canceled, and the final metrics
// were recorded.
func Start(ctx context.Context, m *machine.Machine, rep reporter.TraceReporter,
	in <-chan *snapshot.Snapshot, cfg Config,
) (workerExited <-chan libpf.Void, err error) {
	if m == nil || rep == nil {
		return nil, fmt.Errorf("trace handler without machine or reporter: %w",
			libpf.ErrUnsupported)
	}
	if cfg.Times == nil || cfg.Times.MonitorInterval() <= 0 {
		return nil, fmt.Errorf("invalid monitor interval: %w", libpf.ErrUnsupported)
	}
	handler := newTraceHandler(m, rep, cfg.Depth)

	var g errgroup.Group
	for range max(cfg.Workers, 1) {
		g.Go(func() error {
			handler.worker(ctx, in)
			return nil
		})
	}
	workersDone := make(chan libpf.Void)
	go func() {
		_ = g.Wait()
		close(workersDone)
	}()

	exitChan := make(chan libpf.Void)
	go func() {
		defer close(exitChan)

		metricsTicker := time.NewTicker(cfg.Times.MonitorInterval())
		defer metricsTicker.Stop()

		for {
			select {
			case <-metricsTicker.C:
				handler.collectMetrics()
			case <-workersDone:
				handler.collectMetrics()
				return
			}
		}
	}()

	return exitChan, nil
}
