// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/peterbourgon/ff/v3"

	"go.opentelemetry.io/remote-unwinder/internal/controller"
	"go.opentelemetry.io/remote-unwinder/machine"
	"go.opentelemetry.io/remote-unwinder/times"
	"go.opentelemetry.io/remote-unwinder/tracehandler"
)

const (
	// Default values for CLI flags
	defaultArgDepth           = tracehandler.DefaultDepth
	defaultArgWorkers         = 1
	defaultArgShards          = machine.DefaultShards
	defaultArgMonitorInterval = times.DefaultMonitorInterval
	defaultArgReportInterval  = 0 * time.Second
	defaultArgShutdownTimeout = times.DefaultShutdownTimeout

	envVarPrefix = "REMOTE_UNWINDER"
)

// Help strings for command line arguments
var (
	mapsHelp = "A /proc/<pid>/maps formatted file describing the mappings of the " +
		"captured thread group."
	snapshotsHelp = fmt.Sprintf("The recorded snapshot stream, optionally zstd compressed. "+
		"Use %q for stdin.", controller.StdStream)
	outputHelp = fmt.Sprintf("The file receiving the stack traces. Use %q for stdout.",
		controller.StdStream)
	tgidHelp = "The thread group id the mappings belong to. Without -maps they are read " +
		"from /proc."
	tidHelp   = "The thread id the maps file was read from. Defaults to the thread group id."
	depthHelp = fmt.Sprintf("Maximum number of frames per stack trace (max %d).",
		controller.MaxDepth)
	workersHelp        = "Number of snapshots unwound concurrently."
	shardsHelp         = "Number of independently locked buckets of the thread directory."
	includeDataHelp    = "Also register readable non-executable mappings of the maps file."
	singleThreadedHelp = "Use no-op locks in all registries. Requires a single worker."
	configHelp         = "Path to a file of flag values, one \"flag value\" pair per line."
	compressHelp       = "Compress the output with zstd."
	maxTracesHelp      = "Maximum number of distinct stack traces held between two " +
		"reports. 0 is unlimited."
	monitorIntervalHelp = "Set the monitor interval for metric collection."
	reportIntervalHelp  = "Set the interval at which aggregated stack traces are written. " +
		"If zero, stack traces are only written at exit."
	shutdownTimeoutHelp = "Set the time to wait for in-flight snapshots after a signal."
	verboseModeHelp     = "Enable verbose logging and debugging capabilities."
	versionHelp         = "Show version."
)

func parseArgs(args []string) (*controller.Config, error) {
	var cfg controller.Config

	fs := flag.NewFlagSet("remote-unwinder", flag.ContinueOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.BoolVar(&cfg.Compress, "compress", false, compressHelp)
	fs.String("config", "", configHelp)

	fs.IntVar(&cfg.Depth, "depth", defaultArgDepth, depthHelp)

	fs.BoolVar(&cfg.IncludeData, "include-data", false, includeDataHelp)

	fs.StringVar(&cfg.MapsFile, "maps", "", mapsHelp)
	fs.IntVar(&cfg.MaxTraces, "max-traces", 0, maxTracesHelp)
	fs.DurationVar(&cfg.MonitorInterval, "monitor-interval", defaultArgMonitorInterval,
		monitorIntervalHelp)

	fs.StringVar(&cfg.OutputFile, "o", controller.StdStream, "Shorthand for -output.")
	fs.StringVar(&cfg.OutputFile, "output", controller.StdStream, outputHelp)

	fs.DurationVar(&cfg.ReportInterval, "report-interval", defaultArgReportInterval,
		reportIntervalHelp)

	fs.IntVar(&cfg.Shards, "shards", defaultArgShards, shardsHelp)
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", defaultArgShutdownTimeout,
		shutdownTimeoutHelp)
	fs.BoolVar(&cfg.SingleThreaded, "single-threaded", false, singleThreadedHelp)
	fs.StringVar(&cfg.SnapshotsFile, "snapshots", controller.StdStream, snapshotsHelp)

	fs.UintVar(&cfg.TGID, "tgid", 0, tgidHelp)
	fs.UintVar(&cfg.TID, "tid", 0, tidHelp)

	fs.BoolVar(&cfg.VerboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&cfg.VerboseMode, "verbose", false, verboseModeHelp)
	fs.BoolVar(&cfg.Version, "version", false, versionHelp)

	fs.IntVar(&cfg.Workers, "workers", defaultArgWorkers, workersHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	cfg.Fs = fs

	return &cfg, ff.Parse(fs, args,
		ff.WithEnvVarPrefix(envVarPrefix),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		// This will ignore configuration file (only) options that the current version
		// does not recognize.
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
}
