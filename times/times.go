// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package times holds the intervals used across the unwinder in a central place.
package times // import "go.opentelemetry.io/remote-unwinder/times"

import "time"

const (
	// DefaultMonitorInterval is the default interval for metric collection.
	DefaultMonitorInterval = 5 * time.Second
	// DefaultShutdownTimeout bounds how long draining in-flight snapshots may take.
	DefaultShutdownTimeout = 10 * time.Second
)

// Compile time check for interface adherence
var _ IntervalsAndTimers = (*Times)(nil)

// Times hold all the intervals and timeouts that are used across the unwinder and
// comes with Getters to read them.
type Times struct {
	monitorInterval time.Duration
	shutdownTimeout time.Duration
}

// IntervalsAndTimers is a meta-interface that exists purely to document its functionality.
type IntervalsAndTimers interface {
	// MonitorInterval defines the interval for metric collection.
	MonitorInterval() time.Duration
	// ShutdownTimeout defines how long the pipeline waits for in-flight snapshots on
	// shutdown.
	ShutdownTimeout() time.Duration
}

func (t *Times) MonitorInterval() time.Duration { return t.monitorInterval }

func (t *Times) ShutdownTimeout() time.Duration { return t.shutdownTimeout }

// New returns a new Times instance. Zero values select the defaults.
func New(monitorInterval, shutdownTimeout time.Duration) *Times {
	if monitorInterval <= 0 {
		monitorInterval = DefaultMonitorInterval
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	return &Times{
		monitorInterval: monitorInterval,
		shutdownTimeout: shutdownTimeout,
	}
}
