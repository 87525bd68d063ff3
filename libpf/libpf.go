// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package libpf holds identifiers and error values shared by the unwinder packages.
package libpf // import "go.opentelemetry.io/remote-unwinder/libpf"

// Void allows to use maps as sets without memory allocation for the values.
type Void struct{}

// PID represents a Unix thread group ID (the tgid of a task).
type PID uint32

// TID represents a Unix thread ID.
type TID uint32

// IsLeader reports whether tid is the thread group leader of pid.
func (tid TID) IsLeader(pid PID) bool {
	return uint32(tid) == uint32(pid)
}
