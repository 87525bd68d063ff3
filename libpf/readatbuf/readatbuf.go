// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// readatbuf provides a read-through block cache for types that implement the `ReaderAt`
// interface. Backing data is assumed to be immutable.

package readatbuf // import "go.opentelemetry.io/remote-unwinder/libpf/readatbuf"

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync/atomic"

	"github.com/google/btree"

	"go.opentelemetry.io/remote-unwinder/libpf"
	"go.opentelemetry.io/remote-unwinder/libpf/xsync"
)

// BlockSize is the granularity of cache entries and of positioned reads.
const BlockSize = 4096

// UnknownSize can be passed to New when the size of the backing data is not known.
const UnknownSize = -1

// btreeDegree is the degree of the block tree. Blocks are few per file, so a small
// degree keeps nodes compact.
const btreeDegree = 8

// block represents a cached region from the underlying reader.
type block struct {
	// off is the BlockSize aligned offset of the block.
	off int64
	// data is shorter than BlockSize only for the last block of the file.
	data []byte
}

func blockLess(a, b *block) bool {
	return a.off < b.off
}

// Statistics contains statistics about cache efficiency.
type Statistics struct {
	Hits   uint64
	Misses uint64
	// Races counts blocks that were read concurrently and discarded because another
	// reader inserted the same block first.
	Races uint64
}

// Cache implements a read-through block cache for random access reads via the
// `ReaderAt` interface. The tree lock is only held for lookups and insertions; the
// positioned reads happen outside of it.
type Cache struct {
	inner  io.ReaderAt
	size   int64
	blocks xsync.RWMutex[*btree.BTreeG[*block]]

	hits   atomic.Uint64
	misses atomic.Uint64
	races  atomic.Uint64
}

// New creates a block cache over inner. size is the size of the backing data, or
// UnknownSize.
func New(inner io.ReaderAt, size int64, mode xsync.Mode) *Cache {
	return &Cache{
		inner:  inner,
		size:   size,
		blocks: xsync.NewRWMutex(btree.NewG(btreeDegree, blockLess), mode),
	}
}

// Size returns the size of the backing data, or UnknownSize.
func (c *Cache) Size() int64 {
	return c.size
}

// Statistics returns statistics about cache efficiency.
func (c *Cache) Statistics() Statistics {
	return Statistics{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Races:  c.races.Load(),
	}
}

// Len returns the number of cached blocks.
func (c *Cache) Len() int {
	blocks := c.blocks.RLock()
	defer c.blocks.RUnlock(&blocks)
	return (*blocks).Len()
}

// ReadAt implements the `ReaderAt` interface.
//
// A read that runs into the end of the data, or into a failing block after at least
// one byte was copied, returns the partial data together with io.EOF. Only a failure
// of the first positioned read is reported as libpf.ErrIO.
func (c *Cache) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d: %w", off, libpf.ErrIO)
	}
	if int64(len(p)) > math.MaxInt64-off {
		return 0, fmt.Errorf("read of %d bytes at %#x overflows: %w", len(p), off, libpf.ErrIO)
	}
	if c.size != UnknownSize && off >= c.size {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) {
		cur := off + int64(n)
		base := cur &^ (BlockSize - 1)

		b, err := c.getOrReadBlock(base)
		if err != nil {
			if n == 0 && !errors.Is(err, io.EOF) {
				return 0, fmt.Errorf("%w: block %#x: %w", libpf.ErrIO, base, err)
			}
			return n, io.EOF
		}

		skip := int(cur - base)
		if skip >= len(b.data) {
			return n, io.EOF
		}
		n += copy(p[n:], b.data[skip:])

		if len(b.data) < BlockSize && n < len(p) {
			// Last block of the file.
			return n, io.EOF
		}
	}
	return n, nil
}

func (c *Cache) getOrReadBlock(off int64) (*block, error) {
	key := &block{off: off}

	blocks := c.blocks.RLock()
	cached, ok := (*blocks).Get(key)
	c.blocks.RUnlock(&blocks)
	if ok {
		c.hits.Add(1)
		return cached, nil
	}
	c.misses.Add(1)

	buf := make([]byte, BlockSize)
	n, err := c.inner.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}
	fresh := &block{off: off, data: buf[:n]}

	blocks = c.blocks.WLock()
	defer c.blocks.WUnlock(&blocks)
	if winner, ok := (*blocks).Get(key); ok {
		// Lost the race: the contents are interchangeable, keep the existing block.
		c.races.Add(1)
		return winner, nil
	}
	(*blocks).ReplaceOrInsert(fresh)
	return fresh, nil
}
