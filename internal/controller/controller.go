// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package controller wires the machine, the snapshot stream, the trace handler and the
// reporter of the replay tool.
package controller // import "go.opentelemetry.io/remote-unwinder/internal/controller"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/remote-unwinder/dso"
	"go.opentelemetry.io/remote-unwinder/libpf"
	"go.opentelemetry.io/remote-unwinder/libpf/xsync"
	"go.opentelemetry.io/remote-unwinder/machine"
	"go.opentelemetry.io/remote-unwinder/mapping"
	"go.opentelemetry.io/remote-unwinder/metrics"
	"go.opentelemetry.io/remote-unwinder/metrics/agentmetrics"
	"go.opentelemetry.io/remote-unwinder/process"
	"go.opentelemetry.io/remote-unwinder/reporter"
	"go.opentelemetry.io/remote-unwinder/snapshot"
	"go.opentelemetry.io/remote-unwinder/times"
	"go.opentelemetry.io/remote-unwinder/tracehandler"
)

// exitConfigError is the exit code for configurations that fail validation.
const exitConfigError = 2

// Controller is an instance that runs, manages and stops the replay.
type Controller struct {
	config    *Config
	intervals *times.Times
	reporter  reporter.Reporter
	machine   *machine.Machine

	// closers release the opened files on shutdown.
	closers []io.Closer

	stopAgentMetrics func()
	readerDone       chan error
	workerExited     <-chan libpf.Void
}

// New creates a new controller.
func New(cfg *Config) *Controller {
	return &Controller{
		config:   cfg,
		reporter: cfg.Reporter,
	}
}

// Start starts the controller. The controller should only be started once.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.config.Validate(); err != nil {
		return NewErrorWithExitCode(err, exitConfigError)
	}
	intervals := times.New(c.config.MonitorInterval, c.config.ShutdownTimeout)
	c.intervals = intervals

	mode := xsync.Concurrent
	if c.config.SingleThreaded {
		mode = xsync.SingleThreaded
	}
	c.machine = machine.New(machine.Config{Shards: c.config.Shards, Mode: mode})

	if c.config.MapsFile != "" || c.config.TGID != 0 {
		if err := c.loadMaps(); err != nil {
			return err
		}
	}

	stream, err := c.openInput(c.config.SnapshotsFile)
	if err != nil {
		return err
	}
	rd, err := snapshot.NewReader(stream)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", c.config.SnapshotsFile, err)
	}
	log.Debugf("Reading snapshots from %s (compressed: %v)",
		c.config.SnapshotsFile, rd.Compressed())

	if c.reporter == nil {
		if err = c.startReporter(); err != nil {
			rd.Close()
			return err
		}
	}
	if err = c.reporter.Start(ctx); err != nil {
		rd.Close()
		return fmt.Errorf("failed to start reporter: %w", err)
	}

	stopAgentMetrics, err := agentmetrics.Start(ctx, intervals.MonitorInterval())
	if err != nil {
		log.Warnf("Process metrics disabled: %v", err)
	}
	c.stopAgentMetrics = stopAgentMetrics

	snapshots := make(chan *snapshot.Snapshot, c.config.Workers)
	c.workerExited, err = tracehandler.Start(ctx, c.machine, c.reporter, snapshots,
		tracehandler.Config{
			Workers: c.config.Workers,
			Depth:   c.config.Depth,
			Times:   intervals,
		})
	if err != nil {
		rd.Close()
		return fmt.Errorf("failed to start trace handling: %w", err)
	}

	c.readerDone = make(chan error, 1)
	go func() {
		defer rd.Close()
		c.readerDone <- readSnapshots(ctx, rd, snapshots)
	}()
	return nil
}

// Wait blocks until every snapshot of the stream was handled or ctx is done. After
// ctx is done the workers get the shutdown timeout to finish their current snapshot.
func (c *Controller) Wait(ctx context.Context) error {
	var readErr error
	select {
	case readErr = <-c.readerDone:
	case <-ctx.Done():
	}
	select {
	case <-c.workerExited:
		return readErr
	case <-ctx.Done():
	}

	timeout := time.NewTimer(c.intervals.ShutdownTimeout())
	defer timeout.Stop()
	select {
	case <-c.workerExited:
		return readErr
	case <-timeout.C:
		return fmt.Errorf("workers did not exit within %v", c.intervals.ShutdownTimeout())
	}
}

// Shutdown stops the controller
func (c *Controller) Shutdown() {
	log.Info("Stop processing ...")
	if c.stopAgentMetrics != nil {
		c.stopAgentMetrics()
	}
	if c.reporter != nil {
		if err := c.reporter.Stop(); err != nil {
			log.Errorf("Failed to stop reporter: %v", err)
		}
	}
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil {
			log.Warnf("Failed to close: %v", err)
		}
	}
	c.closers = nil
	if c.machine != nil {
		c.dumpDsoStatistics()
		log.Debugf("Releasing %d threads", c.machine.NumThreads())
		c.machine.Close()
	}
}

// Run starts the controller, waits for the stream to be processed and shuts down.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		c.Shutdown()
		return err
	}
	err := c.Wait(ctx)
	c.Shutdown()
	return err
}

// loadMaps registers the mappings of the configured thread, read from the maps file
// or, without one, from the live /proc entry of the thread group.
func (c *Controller) loadMaps() error {
	tgid := libpf.PID(c.config.TGID)
	tid := libpf.TID(c.config.TID)
	if tid == 0 {
		tid = libpf.TID(tgid)
	}
	opts := process.Options{IncludeData: c.config.IncludeData}

	var n int
	if c.config.MapsFile == "" {
		mappings, numParseErrors, err := process.ReadMappings(tgid, opts)
		if err != nil {
			return fmt.Errorf("failed to read mappings of %d: %w", tgid, err)
		}
		if numParseErrors > 0 {
			log.Debugf("Skipped %d malformed maps lines of %d", numParseErrors, tgid)
		}
		n = c.machine.RegisterMappings(tgid, tid, mappings)
	} else {
		f, err := os.Open(c.config.MapsFile)
		if err != nil {
			return fmt.Errorf("failed to open maps file: %w", err)
		}
		defer f.Close()
		if n, err = c.machine.ThreadMap(tgid, tid, f, opts); err != nil {
			return fmt.Errorf("failed to load %s: %w", c.config.MapsFile, err)
		}
	}
	log.Infof("Registered %d mappings of %d", n, tgid)
	c.dumpMappings(tid)
	return nil
}

// dumpMappings logs the mappings of tid in registration order.
func (c *Controller) dumpMappings(tid libpf.TID) {
	if !log.IsLevelEnabled(log.DebugLevel) {
		return
	}
	th, err := c.machine.FindThread(tid)
	if err != nil {
		return
	}
	defer th.Put()
	_ = th.Maps().Walk(func(m *mapping.Map) error {
		log.Debugf("Mapping %v", m)
		return nil
	})
}

// dumpDsoStatistics logs the block cache statistics of every Dso.
func (c *Controller) dumpDsoStatistics() {
	if !log.IsLevelEnabled(log.DebugLevel) {
		return
	}
	c.machine.Dsos().Walk(func(d *dso.Dso) bool {
		st := d.CacheStatistics()
		log.Debugf("%v: %d block hits, %d misses, %d races",
			d, st.Hits, st.Misses, st.Races)
		return true
	})
}

func (c *Controller) openInput(name string) (io.Reader, error) {
	if name == StdStream {
		return os.Stdin, nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot stream: %w", err)
	}
	c.closers = append(c.closers, f)
	return f, nil
}

// startReporter sets up the text reporter on the controller.
func (c *Controller) startReporter() error {
	var out io.Writer = os.Stdout
	if name := c.config.OutputFile; name != "" && name != StdStream {
		f, err := os.Create(name)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		c.closers = append(c.closers, f)
		out = f
	}

	rep, err := reporter.NewText(&reporter.Config{
		Output:         out,
		Compress:       c.config.Compress,
		ReportInterval: c.config.ReportInterval,
		MaxTraces:      c.config.MaxTraces,
	})
	if err != nil {
		return err
	}
	c.reporter = rep
	return nil
}

// readSnapshots forwards the records of rd to out and closes out at the end of the
// stream. Records that fail to decode are logged and dropped.
func readSnapshots(ctx context.Context, rd *snapshot.Reader,
	out chan<- *snapshot.Snapshot) error {
	defer close(out)

	start := time.Now()
	count := 0
	for {
		snap, err := rd.Next()
		switch {
		case errors.Is(err, io.EOF):
			log.Infof("Read %d snapshots in %v", count, time.Since(start))
			return nil
		case errors.Is(err, io.ErrUnexpectedEOF):
			return err
		case errors.Is(err, libpf.ErrProtocol):
			metrics.Add(metrics.IDSnapshotsDropped, 1)
			log.Warnf("Dropping snapshot record %d: %v", count, err)
			count++
			continue
		case err != nil:
			return err
		}

		select {
		case out <- snap:
			count++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
