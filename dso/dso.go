// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package dso tracks the binaries backing executable mappings. A Dso owns a lazily opened
// file descriptor and a block cache over it; the Registry deduplicates Dsos by path.
package dso // import "go.opentelemetry.io/remote-unwinder/dso"

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/remote-unwinder/libpf"
	"go.opentelemetry.io/remote-unwinder/libpf/readatbuf"
	"go.opentelemetry.io/remote-unwinder/libpf/xsync"
)

// Status is the state of the file backing a Dso. It only ever moves away from
// StatusUnknown once.
type Status uint32

const (
	StatusUnknown Status = iota
	StatusOK
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// NotPresent is stored as the .eh_frame_hdr offset once a search found no table.
const NotPresent = ^uint64(0)

// Dso is one backing binary. Handles are reference counted: every holder calls Put
// exactly once.
type Dso struct {
	longName  string
	shortName string
	mode      xsync.Mode

	refs atomic.Int32

	// mu serializes the open and close of the descriptor.
	mu     sync.Mutex
	status atomic.Uint32
	fd     int
	cache  *readatbuf.Cache

	// ehFrameHdr is 0 while not searched, NotPresent if the binary has no table.
	ehFrameHdr atomic.Uint64
}

func newDso(longName, shortName string, mode xsync.Mode) *Dso {
	d := &Dso{
		longName:  longName,
		shortName: shortName,
		mode:      mode,
		fd:        -1,
	}
	d.refs.Store(1)
	return d
}

// LongName returns the full path of the binary.
func (d *Dso) LongName() string {
	return d.longName
}

// ShortName returns the base name of the binary.
func (d *Dso) ShortName() string {
	return d.shortName
}

// Status returns the open state of the backing file.
func (d *Dso) Status() Status {
	return Status(d.status.Load())
}

// Get acquires an additional reference.
func (d *Dso) Get() *Dso {
	if d.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("dso %s: get after release", d.longName))
	}
	return d
}

// Put releases a reference. The last release closes the file descriptor.
func (d *Dso) Put() {
	switch refs := d.refs.Add(-1); {
	case refs == 0:
		d.close()
	case refs < 0:
		panic(fmt.Sprintf("dso %s: reference count underflow", d.longName))
	}
}

// Refs returns the current reference count.
func (d *Dso) Refs() int {
	return int(d.refs.Load())
}

// ReadAt reads from the backing file through the block cache. The first call opens the
// file; a failed open is remembered and every later read fails with libpf.ErrIO.
func (d *Dso) ReadAt(p []byte, off int64) (int, error) {
	cache, err := d.reader()
	if err != nil {
		return 0, err
	}
	return cache.ReadAt(p, off)
}

// Size returns the size of the backing file, opening it if necessary.
func (d *Dso) Size() (int64, error) {
	cache, err := d.reader()
	if err != nil {
		return 0, err
	}
	return cache.Size(), nil
}

// CacheStatistics returns the block cache statistics, or zero values if the file was
// never opened.
func (d *Dso) CacheStatistics() readatbuf.Statistics {
	if d.Status() != StatusOK {
		return readatbuf.Statistics{}
	}
	return d.cache.Statistics()
}

// EhFrameHdrOffset returns the file offset of the .eh_frame_hdr section. The first call
// runs find over the file contents and caches the result, including the absence of
// the section, which is reported as libpf.ErrNotFound.
func (d *Dso) EhFrameHdrOffset(find func(io.ReaderAt) (uint64, error)) (uint64, error) {
	switch off := d.ehFrameHdr.Load(); off {
	case 0:
	case NotPresent:
		return 0, fmt.Errorf("%s has no .eh_frame_hdr: %w", d.longName, libpf.ErrNotFound)
	default:
		return off, nil
	}

	if _, err := d.reader(); err != nil {
		return 0, err
	}
	off, err := find(d)
	if err != nil {
		if !errors.Is(err, libpf.ErrIO) {
			// Malformed or absent: do not search again.
			d.ehFrameHdr.Store(NotPresent)
		}
		return 0, fmt.Errorf("%s: %w", d.longName, err)
	}
	if off == 0 || off == NotPresent {
		d.ehFrameHdr.Store(NotPresent)
		return 0, fmt.Errorf("%s: invalid .eh_frame_hdr offset %#x: %w",
			d.longName, off, libpf.ErrProtocol)
	}
	d.ehFrameHdr.Store(off)
	return off, nil
}

func (d *Dso) reader() (*readatbuf.Cache, error) {
	switch d.Status() {
	case StatusOK:
		return d.cache, nil
	case StatusError:
		return nil, fmt.Errorf("%s: %w", d.longName, libpf.ErrIO)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.Status() {
	case StatusOK:
		return d.cache, nil
	case StatusError:
		return nil, fmt.Errorf("%s: %w", d.longName, libpf.ErrIO)
	}

	fd, err := unix.Open(d.longName, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		d.status.Store(uint32(StatusError))
		log.Debugf("Failed to open %s: %v", d.longName, err)
		return nil, fmt.Errorf("open %s: %w: %w", d.longName, libpf.ErrIO, err)
	}
	var st unix.Stat_t
	if err = unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		d.status.Store(uint32(StatusError))
		log.Debugf("Failed to stat %s: %v", d.longName, err)
		return nil, fmt.Errorf("stat %s: %w: %w", d.longName, libpf.ErrIO, err)
	}

	d.fd = fd
	d.cache = readatbuf.New(fileReader(fd), st.Size, d.mode)
	d.status.Store(uint32(StatusOK))
	return d.cache, nil
}

func (d *Dso) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd < 0 {
		return
	}
	if err := unix.Close(d.fd); err != nil {
		log.Warnf("Failed to close %s: %v", d.longName, err)
	}
	d.fd = -1
}

func (d *Dso) String() string {
	return fmt.Sprintf("%s (%s, %v)", d.longName, d.shortName, d.Status())
}

// fileReader implements io.ReaderAt with positioned reads on a raw descriptor.
type fileReader int

func (fd fileReader) ReadAt(p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		n, err := unix.Pread(int(fd), p[total:], off+int64(total))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if total > 0 {
				return total, io.EOF
			}
			return 0, err
		}
		if n == 0 {
			return total, io.EOF
		}
		total += n
	}
	return total, nil
}
