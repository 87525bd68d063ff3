// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package xsync provides a lock wrapper that ties the lock to the data it protects and that
// can be switched to no-op locking for single-threaded consumers.
package xsync // import "go.opentelemetry.io/remote-unwinder/libpf/xsync"
