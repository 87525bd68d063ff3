// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package machine

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/remote-unwinder/libpf"
	"go.opentelemetry.io/remote-unwinder/libpf/xsync"
	"go.opentelemetry.io/remote-unwinder/process"
)

//nolint:lll
const testMaps = `00400000-00401000 r--p 00000000 fd:01 100 /usr/bin/app
00401000-00409000 r-xp 00001000 fd:01 100 /usr/bin/app
7f0000000000-7f0000100000 r-xp 00028000 fd:01 200 /usr/lib/libc.so.6
7f0000200000-7f0000210000 r-xp 00000000 fd:01 300 /opt/other/libc.so.6
7ffee0000000-7ffee0021000 rw-p 00000000 00:00 0 [stack]
`

type countingAddressSpace struct {
	flushes int
}

func (a *countingAddressSpace) Flush() {
	a.flushes++
}

func TestFindOrCreateThreadSharesLeaderTable(t *testing.T) {
	m := New(Config{Shards: 4})
	defer m.Close()

	worker, err := m.FindOrCreateThread(100, 102)
	require.NoError(t, err)
	defer worker.Put()
	assert.Equal(t, 2, m.NumThreads(), "the leader is created with its first thread")

	leader, err := m.FindThread(100)
	require.NoError(t, err)
	defer leader.Put()
	assert.True(t, leader.IsLeader())
	assert.False(t, worker.IsLeader())
	assert.Same(t, leader.Maps(), worker.Maps())
	assert.Equal(t, 2, leader.Maps().Refs())

	again, err := m.FindOrCreateThread(100, 102)
	require.NoError(t, err)
	assert.Same(t, worker, again)
	again.Put()
	assert.Equal(t, 2, m.NumThreads())

	_, err = m.FindThread(999)
	require.ErrorIs(t, err, libpf.ErrNotFound)
}

func TestShardCollisions(t *testing.T) {
	m := New(Config{Shards: 1, Mode: xsync.SingleThreaded})
	defer m.Close()

	for tid := libpf.TID(10); tid < 20; tid++ {
		th, err := m.FindOrCreateThread(10, tid)
		require.NoError(t, err)
		th.Put()
	}
	assert.Equal(t, 10, m.NumThreads())

	for tid := libpf.TID(19); tid >= 10; tid-- {
		th, err := m.FindThread(tid)
		require.NoError(t, err)
		assert.Equal(t, tid, th.TID())
		assert.Equal(t, libpf.PID(10), th.TGID())
		th.Put()
	}
}

func TestConcurrentFindOrCreateThread(t *testing.T) {
	m := New(Config{Shards: 8})
	defer m.Close()

	var g errgroup.Group
	for i := range 64 {
		g.Go(func() error {
			th, err := m.FindOrCreateThread(1000, libpf.TID(1000+i%8))
			if err != nil {
				return err
			}
			defer th.Put()
			if th.Maps() == nil {
				return errors.New("thread without mapping table")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 8, m.NumThreads())

	leader, err := m.FindThread(1000)
	require.NoError(t, err)
	defer leader.Put()
	for tid := libpf.TID(1001); tid < 1008; tid++ {
		th, err := m.FindThread(tid)
		require.NoError(t, err)
		assert.Same(t, leader.Maps(), th.Maps())
		th.Put()
	}
}

func TestThreadJoinsNewGroup(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	// A thread first seen as its own leader, before any mapping was registered.
	th, err := m.FindOrCreateThread(50, 50)
	require.NoError(t, err)
	private := th.Maps()
	th.Put()

	moved, err := m.FindOrCreateThread(40, 50)
	require.NoError(t, err)
	defer moved.Put()
	leader, err := m.FindThread(40)
	require.NoError(t, err)
	defer leader.Put()

	assert.Equal(t, libpf.PID(40), moved.TGID())
	assert.Same(t, leader.Maps(), moved.Maps())
	assert.NotSame(t, private, moved.Maps())
}

func TestThreadJoinsNewGroupWithPrivateMaps(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	_, err := m.ThreadMap(60, 60, strings.NewReader(testMaps), process.Options{})
	require.NoError(t, err)

	assert.Panics(t, func() {
		_, _ = m.FindOrCreateThread(70, 60)
	})
}

func TestRemoveThread(t *testing.T) {
	m := New(Config{Shards: 2})
	defer m.Close()

	th, err := m.FindOrCreateThread(7, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, th.Refs())

	m.RemoveThread(th)
	assert.Zero(t, m.NumThreads())
	assert.Equal(t, 1, th.Refs())
	_, err = m.FindThread(7)
	require.ErrorIs(t, err, libpf.ErrNotFound)

	// Removing twice only unlinks once.
	m.RemoveThread(th)
	assert.Equal(t, 1, th.Refs())
	th.Put()
	assert.Nil(t, th.Maps())
}

func TestReleaseLinkedThreadPanics(t *testing.T) {
	m := New(Config{})

	th, err := m.FindOrCreateThread(8, 8)
	require.NoError(t, err)
	th.Put()
	assert.Panics(t, th.Put)
}

func TestSetNameFlushesAddressSpace(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	th, err := m.FindOrCreateThread(9, 9)
	require.NoError(t, err)
	defer th.Put()

	assert.Nil(t, th.AddressSpace(nil))
	as := &countingAddressSpace{}
	got := th.AddressSpace(func() AddressSpace { return as })
	assert.Same(t, as, got)
	assert.Same(t, as, th.AddressSpace(func() AddressSpace {
		t.Fatal("address space created twice")
		return nil
	}))

	th.SetName("worker")
	assert.Equal(t, 1, as.flushes)
	th.SetName("worker")
	assert.Equal(t, 1, as.flushes)
	th.SetName("a-very-long-thread-name")
	assert.Equal(t, 2, as.flushes)
	assert.Equal(t, "a-very-long-thr", th.Name())
}

func TestThreadMap(t *testing.T) {
	m := New(Config{})

	n, err := m.ThreadMap(300, 301, strings.NewReader(testMaps), process.Options{})
	require.NoError(t, err)
	// /opt/other/libc.so.6 collides with the short name of /usr/lib/libc.so.6.
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, m.Dsos().Len())

	th, err := m.FindThread(301)
	require.NoError(t, err)
	mp := th.FindMap(0x7f0000000123)
	require.NotNil(t, mp)
	assert.Equal(t, "/usr/lib/libc.so.6", mp.Dso().LongName())
	assert.Equal(t, uint64(0x28123), mp.MapIP(0x7f0000000123))
	assert.Equal(t, uint32(unix.PROT_READ|unix.PROT_EXEC), mp.Prot)
	assert.Equal(t, uint32(unix.MAP_PRIVATE), mp.Flags)
	assert.Equal(t, uint64(200), mp.Ino)
	mp.Put()
	assert.Nil(t, th.FindMap(0x400010), "non-executable mapping skipped")
	th.Put()

	var ranges []MappedRange
	require.NoError(t, m.IterateMappings(300, func(r MappedRange) error {
		ranges = append(ranges, r)
		return nil
	}))
	assert.Equal(t, []MappedRange{
		{Start: 0x401000, End: 0x409000, Pgoff: 0x1000, Path: "/usr/bin/app"},
		{Start: 0x7f0000000000, End: 0x7f0000100000, Pgoff: 0x28000,
			Path: "/usr/lib/libc.so.6"},
	}, ranges)

	errStop := errors.New("stop")
	require.ErrorIs(t, m.IterateMappings(300, func(MappedRange) error { return errStop }),
		errStop)
	require.ErrorIs(t, m.IterateMappings(12345, func(MappedRange) error { return nil }),
		libpf.ErrNotFound)

	n, err = m.ThreadMap(300, 300, strings.NewReader(testMaps),
		process.Options{IncludeData: true})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	m.Close()
	assert.Zero(t, m.NumThreads())
	assert.Zero(t, m.Dsos().Len())
}
