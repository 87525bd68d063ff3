// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwind // import "go.opentelemetry.io/remote-unwinder/unwind"

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
)

// StopReason tells why an unwind pass ended.
type StopReason uint8

const (
	// StopEndOfChain is reported when the outermost frame was reached.
	StopEndOfChain StopReason = iota
	// StopExhausted is reported when the Stacktrace capacity was used up.
	StopExhausted
	// StopStepFailed is reported when a frame could not be unwound.
	StopStepFailed
)

func (r StopReason) String() string {
	switch r {
	case StopEndOfChain:
		return "end of chain"
	case StopExhausted:
		return "exhausted"
	case StopStepFailed:
		return "step failed"
	default:
		return fmt.Sprintf("stop(%d)", uint8(r))
	}
}

// Stacktrace is caller allocated storage for the addresses of one unwind pass.
// The first entry is the captured instruction pointer; the others point into the
// call instruction of each caller.
type Stacktrace struct {
	ips []uint64
	n   int
	// Stop is the reason the last unwind pass ended.
	Stop StopReason
}

// NewStacktrace allocates a Stacktrace holding up to capacity addresses.
func NewStacktrace(capacity int) *Stacktrace {
	return &Stacktrace{ips: make([]uint64, max(capacity, 0))}
}

// IPs returns the addresses produced by the last unwind pass.
func (st *Stacktrace) IPs() []uint64 {
	return st.ips[:st.n]
}

// Len returns the number of addresses.
func (st *Stacktrace) Len() int {
	return st.n
}

// Cap returns the maximum number of addresses.
func (st *Stacktrace) Cap() int {
	return len(st.ips)
}

// Reset empties the Stacktrace.
func (st *Stacktrace) Reset() {
	st.n = 0
	st.Stop = StopEndOfChain
}

func (st *Stacktrace) full() bool {
	return st.n == len(st.ips)
}

func (st *Stacktrace) append(ip uint64) {
	st.ips[st.n] = ip
	st.n++
}

// Hash returns a hash over the addresses, identical for identical traces.
func (st *Stacktrace) Hash() uint64 {
	buf := make([]byte, 0, 8*st.n)
	for _, ip := range st.IPs() {
		buf = binary.LittleEndian.AppendUint64(buf, ip)
	}
	return xxh3.Hash(buf)
}

func (st *Stacktrace) String() string {
	var sb strings.Builder
	for i, ip := range st.IPs() {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%#x", ip)
	}
	return sb.String()
}
