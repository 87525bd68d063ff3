// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package reporter // import "go.opentelemetry.io/remote-unwinder/reporter"

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/remote-unwinder/libpf"
)

// runLoop implements the run loop for all reporters
type runLoop struct {
	// stopSignal is the stop signal for shutting down all background tasks.
	stopSignal chan libpf.Void
	wg         sync.WaitGroup
	stopOnce   sync.Once
}

func newRunLoop() *runLoop {
	return &runLoop{stopSignal: make(chan libpf.Void)}
}

// Start calls run every reportInterval until ctx is done or Stop is called. A
// non-positive interval starts nothing.
func (rl *runLoop) Start(ctx context.Context, reportInterval time.Duration, run func()) {
	if reportInterval <= 0 {
		return
	}
	rl.wg.Add(1)
	go func() {
		defer rl.wg.Done()
		tick := time.NewTicker(reportInterval)
		defer tick.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-rl.stopSignal:
				return
			case <-tick.C:
				run()
			}
		}
	}()
}

// Stop ends the loop and waits for a running report to finish.
func (rl *runLoop) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopSignal) })
	rl.wg.Wait()
}
