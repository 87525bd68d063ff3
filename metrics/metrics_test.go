// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestAddSlice(t *testing.T) {
	before := Totals()

	AddSlice([]Metric{
		{IDUnwindFrames, 5},
		{IDSnapshotsReceived, 1},
		{IDUnwindErrors, 0},
	})
	Add(IDUnwindFrames, 3)
	Add(IDAgentGoRoutines, 20)
	Add(IDAgentGoRoutines, 12)
	// Unknown and obsolete ids are skipped.
	Add(0, 1)
	Add(IDMax, 1)

	after := Totals()
	assert.Equal(t, before[IDUnwindFrames]+8, after[IDUnwindFrames])
	assert.Equal(t, before[IDSnapshotsReceived]+1, after[IDSnapshotsReceived])
	assert.Equal(t, before[IDUnwindErrors], after[IDUnwindErrors])
	assert.Equal(t, MetricValue(12), after[IDAgentGoRoutines])
	assert.NotContains(t, after, MetricID(0))
}

func TestAddConcurrent(t *testing.T) {
	before := Totals()[IDReportErrors]

	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			for range 100 {
				Add(IDReportErrors, 1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, before+800, Totals()[IDReportErrors])
}

func TestGetDefinitions(t *testing.T) {
	defs := GetDefinitions()
	require.Greater(t, len(defs), 1)

	seen := make(map[MetricID]bool)
	for _, md := range defs {
		assert.False(t, seen[md.ID], "duplicate id %d", md.ID)
		seen[md.ID] = true
		if md.Obsolete {
			continue
		}
		assert.Less(t, md.ID, MetricID(IDMax), md.Name)
		assert.Contains(t, []MetricType{MetricTypeCounter, MetricTypeGauge}, md.Type, md.Name)
		assert.NotEmpty(t, md.Field, md.Name)
	}
}

func TestLookup(t *testing.T) {
	md, ok := Lookup(IDUnwindStopExhausted)
	require.True(t, ok)
	assert.Equal(t, "UnwindStopExhausted", md.Name)
	assert.Equal(t, MetricTypeCounter, md.Type)

	_, ok = Lookup(0)
	assert.False(t, ok)
}
