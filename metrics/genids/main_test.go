// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateMatchesIDs(t *testing.T) {
	input, err := os.ReadFile("../metrics.json")
	require.NoError(t, err)
	expected, err := os.ReadFile("../ids.go")
	require.NoError(t, err)

	output, err := generate(input)
	require.NoError(t, err)
	assert.Equal(t, string(expected), string(output))
}

func TestGenerateErrors(t *testing.T) {
	tests := map[string]string{
		"malformed": `[{`,
		"gap":       `[{"name": "A", "type": "counter", "id": 1}]`,
		"bad type":  `[{"name": "A", "type": "histogram", "id": 0}]`,
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := generate([]byte(input))
			assert.Error(t, err)
		})
	}
}
