// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/remote-unwinder/internal/controller"
	"go.opentelemetry.io/remote-unwinder/machine"
	"go.opentelemetry.io/remote-unwinder/tracehandler"
)

func TestParseArgsDefaults(t *testing.T) {
	cfg, err := parseArgs(nil)
	require.NoError(t, err)

	assert.Equal(t, controller.StdStream, cfg.SnapshotsFile)
	assert.Equal(t, controller.StdStream, cfg.OutputFile)
	assert.Equal(t, tracehandler.DefaultDepth, cfg.Depth)
	assert.Equal(t, 1, cfg.Workers)
	assert.Equal(t, machine.DefaultShards, cfg.Shards)
	assert.False(t, cfg.SingleThreaded)
	require.NoError(t, cfg.Validate())
}

func TestParseArgs(t *testing.T) {
	tests := map[string]struct {
		args  []string
		env   map[string]string
		check func(*testing.T, *controller.Config)
	}{
		"flags": {
			args: []string{"-maps", "maps.txt", "-tgid", "42", "-depth", "16",
				"-workers", "4", "-include-data", "-v"},
			check: func(t *testing.T, cfg *controller.Config) {
				assert.Equal(t, "maps.txt", cfg.MapsFile)
				assert.Equal(t, uint(42), cfg.TGID)
				assert.Equal(t, 16, cfg.Depth)
				assert.Equal(t, 4, cfg.Workers)
				assert.True(t, cfg.IncludeData)
				assert.True(t, cfg.VerboseMode)
			},
		},
		"environment": {
			env: map[string]string{
				"REMOTE_UNWINDER_MONITOR_INTERVAL": "250ms",
				"REMOTE_UNWINDER_SINGLE_THREADED":  "true",
			},
			check: func(t *testing.T, cfg *controller.Config) {
				assert.Equal(t, 250*time.Millisecond, cfg.MonitorInterval)
				assert.True(t, cfg.SingleThreaded)
			},
		},
		"flags override environment": {
			args: []string{"-depth", "8"},
			env:  map[string]string{"REMOTE_UNWINDER_DEPTH": "32"},
			check: func(t *testing.T, cfg *controller.Config) {
				assert.Equal(t, 8, cfg.Depth)
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			cfg, err := parseArgs(tc.args)
			require.NoError(t, err)
			tc.check(t, cfg)
		})
	}
}

func TestParseArgsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unwinder.conf")
	require.NoError(t, os.WriteFile(path,
		[]byte("workers 3\nshards 16\nunknown-option 1\n"), 0o600))

	cfg, err := parseArgs([]string{"-config", path})
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 16, cfg.Shards)
}

func TestMainWithExitCode(t *testing.T) {
	tests := map[string]struct {
		args []string
		want exitCode
	}{
		"version":        {args: []string{"-version"}, want: exitSuccess},
		"unknown flag":   {args: []string{"-no-such-flag"}, want: exitParseError},
		"invalid config": {args: []string{"-depth", "0"}, want: exitParseError},
		"missing stream": {
			args: []string{"-snapshots", filepath.Join(t.TempDir(), "none")},
			want: exitFailure,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, mainWithExitCode(tc.args))
		})
	}
}
