// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsLeader(t *testing.T) {
	tests := map[string]struct {
		pid    PID
		tid    TID
		leader bool
	}{
		"leader":     {pid: 100, tid: 100, leader: true},
		"non-leader": {pid: 100, tid: 101, leader: false},
		"zero":       {pid: 0, tid: 0, leader: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.leader, tc.tid.IsLeader(tc.pid))
		})
	}
}
