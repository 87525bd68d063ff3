// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package reporter // import "go.opentelemetry.io/remote-unwinder/reporter"

import (
	"bufio"
	"cmp"
	"context"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/remote-unwinder/libpf"
	"go.opentelemetry.io/remote-unwinder/libpf/xsync"
	"go.opentelemetry.io/remote-unwinder/unwind"
)

// Compile time check for interface adherence
var _ Reporter = (*TextReporter)(nil)

// traceKey identifies identical stack traces of the same thread.
type traceKey struct {
	hash uint64
	tgid libpf.PID
	tid  libpf.TID
	comm string
}

// traceEvents holds the aggregated occurrences of one traceKey.
type traceEvents struct {
	ips   []uint64
	stop  unwind.StopReason
	count uint64
	// first is the timestamp of the earliest occurrence.
	first uint64
}

// TextReporter aggregates identical stack traces and periodically writes them as
// text lines of the form
//
//	<count> <tgid>/<tid> <comm> [<stop reason>] 0x<ip> 0x<ip> ...
//
// ordered by descending count.
type TextReporter struct {
	cfg *Config

	runLoop *runLoop

	traceEvents xsync.RWMutex[map[traceKey]*traceEvents]

	// mu serializes writes to out.
	mu  sync.Mutex
	out *bufio.Writer
	enc *zstd.Encoder
}

// NewText creates a TextReporter writing to cfg.Output.
func NewText(cfg *Config) (*TextReporter, error) {
	if cfg.Output == nil {
		return nil, fmt.Errorf("text reporter without output: %w", libpf.ErrUnsupported)
	}
	r := &TextReporter{
		cfg:         cfg,
		runLoop:     newRunLoop(),
		traceEvents: xsync.NewRWMutex(map[traceKey]*traceEvents{}, xsync.Concurrent),
	}

	var w io.Writer = cfg.Output
	if cfg.Compress {
		enc, err := zstd.NewWriter(cfg.Output)
		if err != nil {
			return nil, fmt.Errorf("failed to create encoder: %w", err)
		}
		r.enc = enc
		w = enc
	}
	r.out = bufio.NewWriter(w)
	return r, nil
}

// Start starts the periodic report loop.
func (r *TextReporter) Start(ctx context.Context) error {
	r.runLoop.Start(ctx, r.cfg.ReportInterval, func() {
		if err := r.Flush(); err != nil {
			log.Errorf("Failed to write stack traces: %v", err)
		}
	})
	return nil
}

// ReportStacktrace implements TraceReporter. It returns libpf.ErrExhausted when the
// trace is new and MaxTraces distinct traces are already pending.
func (r *TextReporter) ReportStacktrace(meta *TraceMeta, st *unwind.Stacktrace) error {
	key := traceKey{
		hash: st.Hash(),
		tgid: meta.TGID,
		tid:  meta.TID,
		comm: meta.Comm,
	}

	events := r.traceEvents.WLock()
	defer r.traceEvents.WUnlock(&events)

	if ev, ok := (*events)[key]; ok {
		ev.count++
		ev.first = min(ev.first, meta.Timestamp)
		return nil
	}
	if r.cfg.MaxTraces > 0 && len(*events) >= r.cfg.MaxTraces {
		return fmt.Errorf("%d traces pending: %w", len(*events), libpf.ErrExhausted)
	}
	(*events)[key] = &traceEvents{
		ips:   slices.Clone(st.IPs()),
		stop:  st.Stop,
		count: 1,
		first: meta.Timestamp,
	}
	return nil
}

// Flush writes all pending traces.
func (r *TextReporter) Flush() error {
	events := r.traceEvents.WLock()
	pending := *events
	*events = make(map[traceKey]*traceEvents, len(pending))
	r.traceEvents.WUnlock(&events)

	if len(pending) == 0 {
		return nil
	}

	keys := make([]traceKey, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b traceKey) int {
		if c := cmp.Compare(pending[b].count, pending[a].count); c != 0 {
			return c
		}
		if c := cmp.Compare(pending[a].first, pending[b].first); c != 0 {
			return c
		}
		if c := cmp.Compare(a.tid, b.tid); c != 0 {
			return c
		}
		return cmp.Compare(a.hash, b.hash)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		ev := pending[k]
		fmt.Fprintf(r.out, "%d %d/%d %s [%v]", ev.count, k.tgid, k.tid, k.comm, ev.stop)
		for _, ip := range ev.ips {
			fmt.Fprintf(r.out, " %#x", ip)
		}
		r.out.WriteByte('\n')
	}
	return r.out.Flush()
}

// Stop ends the report loop, writes the pending traces and finishes the compressed
// stream.
func (r *TextReporter) Stop() error {
	r.runLoop.Stop()
	err := r.Flush()
	if r.enc != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cerr := r.enc.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
