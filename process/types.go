// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package process reads the memory layout of a process from the text format of
// /proc/<pid>/maps.
package process // import "go.opentelemetry.io/remote-unwinder/process"

import (
	"strings"

	"golang.org/x/sys/unix"
)

// AnonPathName names mappings that are not backed by a file.
const AnonPathName = "//anon"

// Mapping contains information about a memory mapping.
type Mapping struct {
	// Start and End delimit the mapped range [Start, End).
	Start uint64
	End   uint64
	// Pgoff is the offset of Start in the backing file.
	Pgoff uint64
	// Prot contains unix.PROT_READ, unix.PROT_WRITE and unix.PROT_EXEC bits.
	Prot uint32
	// Flags is unix.MAP_SHARED or unix.MAP_PRIVATE.
	Flags uint32
	// Maj and Min are the device numbers of the backing file.
	Maj uint32
	Min uint32
	// Inode is the inode number of the backing file.
	Inode uint64
	// Path is the backing file, or AnonPathName.
	Path string
}

// IsExecutable reports whether the mapping is executable.
func (m *Mapping) IsExecutable() bool {
	return m.Prot&unix.PROT_EXEC != 0
}

// IsAnonymous reports whether the mapping has no backing file.
func (m *Mapping) IsAnonymous() bool {
	return m.Path == AnonPathName || strings.HasPrefix(m.Path, "[")
}

// Len returns the size of the mapping.
func (m *Mapping) Len() uint64 {
	return m.End - m.Start
}

// Options control which mappings ParseMappings returns.
type Options struct {
	// IncludeData keeps readable non-executable mappings in addition to the executable
	// ones.
	IncludeData bool
}
