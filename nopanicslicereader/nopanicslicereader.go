// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// nopanicslicereader provides little convenience utilities to read little-endian
// values from a slice at given offset. Zeroes are returned on out of bounds access
// instead of panic.
package nopanicslicereader // import "go.opentelemetry.io/remote-unwinder/nopanicslicereader"

import "encoding/binary"

// inBounds reports whether size bytes at offs are inside b, without overflowing.
func inBounds(b []byte, offs, size uint64) bool {
	return offs <= uint64(len(b)) && uint64(len(b))-offs >= size
}

// Uint8 reads one 8-bit unsigned integer from given byte slice offset
func Uint8(b []byte, offs uint64) uint8 {
	if !inBounds(b, offs, 1) {
		return 0
	}
	return b[offs]
}

// Uint16 reads one 16-bit unsigned integer from given byte slice offset
func Uint16(b []byte, offs uint64) uint16 {
	if !inBounds(b, offs, 2) {
		return 0
	}
	return binary.LittleEndian.Uint16(b[offs:])
}

// Uint32 reads one 32-bit unsigned integer from given byte slice offset
func Uint32(b []byte, offs uint64) uint32 {
	if !inBounds(b, offs, 4) {
		return 0
	}
	return binary.LittleEndian.Uint32(b[offs:])
}

// Int32 reads one 32-bit signed integer from given byte slice offset
func Int32(b []byte, offs uint64) int32 {
	return int32(Uint32(b, offs))
}

// Uint64 reads one 64-bit unsigned integer from given byte slice offset
func Uint64(b []byte, offs uint64) uint64 {
	if !inBounds(b, offs, 8) {
		return 0
	}
	return binary.LittleEndian.Uint64(b[offs:])
}

// Uint64Checked reads one 64-bit unsigned integer from given byte slice offset and
// reports whether the read was in bounds.
func Uint64Checked(b []byte, offs uint64) (uint64, bool) {
	if !inBounds(b, offs, 8) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b[offs:]), true
}
