// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package nopanicslicereader

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSliceReader(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0xf8}
	assert.Equal(t, uint8(0xf8), Uint8(data, 7))
	assert.Equal(t, uint8(0), Uint8(data, 8))
	assert.Equal(t, uint16(0x0403), Uint16(data, 2))
	assert.Equal(t, uint16(0), Uint16(data, 7))
	assert.Equal(t, uint32(0x04030201), Uint32(data, 0))
	assert.Equal(t, uint32(0), Uint32(data, 100))
	assert.Equal(t, int32(-0x07f8f9fb), Int32(data, 4))
	assert.Equal(t, uint64(0xf807060504030201), Uint64(data, 0))
	assert.Equal(t, uint64(0), Uint64(data, 1))
	assert.Equal(t, uint64(0), Uint64(data, ^uint64(0)-2))

	v, ok := Uint64Checked(data, 0)
	assert.True(t, ok)
	assert.Equal(t, uint64(0xf807060504030201), v)
	_, ok = Uint64Checked(data, 1)
	assert.False(t, ok)
}
