// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/remote-unwinder/internal/controller"

import (
	"errors"
	"flag"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/remote-unwinder/reporter"
)

const (
	// MaxDepth bounds the stack trace capacity.
	MaxDepth = 4096
	// MaxWorkers bounds the number of concurrent unwinds.
	MaxWorkers = 1024
)

// StdStream selects stdin or stdout in place of a file name.
const StdStream = "-"

type Config struct {
	// MapsFile is a /proc/<pid>/maps formatted file describing the captured process.
	MapsFile string
	// SnapshotsFile is the recorded snapshot stream.
	SnapshotsFile string
	// OutputFile receives the stack traces.
	OutputFile string

	TGID uint
	TID  uint

	Depth           int
	Workers         int
	Shards          int
	MaxTraces       int
	IncludeData     bool
	SingleThreaded  bool
	Compress        bool
	MonitorInterval time.Duration
	ReportInterval  time.Duration
	ShutdownTimeout time.Duration

	VerboseMode bool
	Version     bool

	// Reporter replaces the text reporter writing to OutputFile.
	Reporter reporter.Reporter

	Fs *flag.FlagSet
}

// Dump visits all flag sets, and dumps them all to debug
// Used for verbose mode logging.
func (cfg *Config) Dump() {
	if cfg.Fs == nil {
		return
	}
	log.Debug("Config:")
	cfg.Fs.VisitAll(func(f *flag.Flag) {
		log.Debug(fmt.Sprintf("%s: %v", f.Name, f.Value))
	})
}

// Validate runs validations on the provided configuration, and returns errors
// if invalid values were provided.
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.SnapshotsFile == "" {
		errs = append(errs, errors.New("no snapshot stream given"))
	}
	if cfg.MapsFile != "" && cfg.TGID == 0 {
		errs = append(errs, errors.New("a maps file requires the thread group id"))
	}
	if cfg.TGID > uint(^uint32(0)) || cfg.TID > uint(^uint32(0)) {
		errs = append(errs, fmt.Errorf("thread id %d/%d out of range", cfg.TGID, cfg.TID))
	}
	if cfg.Depth < 1 || cfg.Depth > MaxDepth {
		errs = append(errs, fmt.Errorf("depth %d not in [1, %d]", cfg.Depth, MaxDepth))
	}
	if cfg.Workers < 1 || cfg.Workers > MaxWorkers {
		errs = append(errs, fmt.Errorf("workers %d not in [1, %d]", cfg.Workers, MaxWorkers))
	}
	if cfg.SingleThreaded && cfg.Workers != 1 {
		errs = append(errs, fmt.Errorf("single-threaded mode with %d workers", cfg.Workers))
	}
	if cfg.Shards < 0 {
		errs = append(errs, fmt.Errorf("invalid shard count %d", cfg.Shards))
	}
	if cfg.MaxTraces < 0 {
		errs = append(errs, fmt.Errorf("invalid trace limit %d", cfg.MaxTraces))
	}
	if cfg.MonitorInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid monitor interval %v", cfg.MonitorInterval))
	}
	if cfg.ReportInterval < 0 {
		errs = append(errs, fmt.Errorf("invalid report interval %v", cfg.ReportInterval))
	}
	return errors.Join(errs...)
}
