// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package testsupport // import "go.opentelemetry.io/remote-unwinder/testsupport"

import (
	"bytes"
	"errors"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
)

// ValidateReadAtWrapperTransparency validates that a `ReadAt` implementation provides a
// transparent view into the given reference buffer. Reads running past the end must
// return the truncated data together with io.EOF.
func ValidateReadAtWrapperTransparency(
	t *testing.T, iterations uint, reference []byte, testee io.ReaderAt) {
	t.Helper()
	size := uint64(len(reference))

	r := rand.New(rand.NewPCG(0, 0)) //nolint:gosec
	for range iterations {
		// Intentionally allow slices that over-read the file.
		length := r.Uint64() % size
		start := r.Uint64() % size

		buf := make([]byte, length)
		n, err := testee.ReadAt(buf, int64(start))

		want := min(size-start, length)
		switch {
		case want != length && !errors.Is(err, io.EOF):
			t.Fatalf("read [%d,+%d): expected io.EOF, got %v", start, length, err)
		case want == length && err != nil:
			t.Fatalf("read [%d,+%d): unexpected error %v", start, length, err)
		case uint64(n) != want:
			t.Fatalf("read [%d,+%d): length mismatch (%d vs %d)", start, length, n, want)
		}
		if !bytes.Equal(buf[:want], reference[start:][:want]) {
			t.Fatalf("read [%d,+%d): data mismatch", start, length)
		}
	}
}

// GenerateTestInputFile generates a test input file, repeating a number sequence over and over.
func GenerateTestInputFile(seqLen uint8, outputSize uint) []byte {
	out := make([]byte, outputSize)
	for i := range out {
		out[i] = byte(uint(i) % uint(seqLen))
	}
	return out
}

// WriteTempFile stores data in a new file below t.TempDir() and returns its path.
func WriteTempFile(t testing.TB, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}
