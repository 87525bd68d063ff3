// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package periodiccaller allows periodic calls of functions.
package periodiccaller // import "go.opentelemetry.io/remote-unwinder/periodiccaller"

import (
	"context"
	"sync"
	"time"
)

// Start starts a timer that calls <callback> every <interval> until the <ctx> is canceled
// or the returned function is called. The returned function blocks until a running
// callback has returned.
func Start(ctx context.Context, interval time.Duration, callback func()) func() {
	return start(ctx, interval, nil, func(bool) { callback() })
}

// StartWithManualTrigger is like Start, but a value sent on <trigger> additionally calls
// <callback> immediately with manualTrigger set.
func StartWithManualTrigger(ctx context.Context, interval time.Duration, trigger <-chan bool,
	callback func(manualTrigger bool)) func() {
	return start(ctx, interval, trigger, callback)
}

func start(ctx context.Context, interval time.Duration, trigger <-chan bool,
	callback func(bool)) func() {
	ctx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				callback(false)
			case <-trigger:
				callback(true)
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}
