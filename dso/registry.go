// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dso // import "go.opentelemetry.io/remote-unwinder/dso"

import (
	"fmt"
	"path/filepath"

	"github.com/google/btree"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/remote-unwinder/libpf"
	"go.opentelemetry.io/remote-unwinder/libpf/xsync"
)

const btreeDegree = 16

// index holds the registry trees. Both trees contain the same set of Dsos.
type index struct {
	byLong  *btree.BTreeG[*Dso]
	byShort *btree.BTreeG[*Dso]
}

// Registry deduplicates Dsos by long name. The registry holds one reference on every
// registered Dso until Purge.
type Registry struct {
	mode xsync.Mode
	idx  xsync.RWMutex[index]
}

// NewRegistry creates an empty registry.
func NewRegistry(mode xsync.Mode) *Registry {
	return &Registry{
		mode: mode,
		idx: xsync.NewRWMutex(index{
			byLong:  btree.NewG(btreeDegree, func(a, b *Dso) bool { return a.longName < b.longName }),
			byShort: btree.NewG(btreeDegree, func(a, b *Dso) bool { return a.shortName < b.shortName }),
		}, mode),
	}
}

// FindOrCreate returns the Dso registered for path, creating it with the base name of
// path as short name on a miss. The returned handle must be released with Put.
func (r *Registry) FindOrCreate(path string) (*Dso, error) {
	idx := r.idx.RLock()
	d, ok := idx.byLong.Get(&Dso{longName: path})
	if ok {
		d.Get()
	}
	r.idx.RUnlock(&idx)
	if ok {
		return d, nil
	}
	return r.Register(path, filepath.Base(path))
}

// Register inserts a Dso with explicit names. Registering the same pair again returns
// the existing Dso. A long name already registered with a different short name, or a
// short name already used by a different long name, is refused with libpf.ErrDuplicate
// and the existing entry is kept.
func (r *Registry) Register(longName, shortName string) (*Dso, error) {
	idx := r.idx.WLock()
	defer r.idx.WUnlock(&idx)

	if d, ok := idx.byLong.Get(&Dso{longName: longName}); ok {
		if d.shortName != shortName {
			log.Warnf("Refusing to register %s as %s: already registered as %s",
				longName, shortName, d.shortName)
			return nil, fmt.Errorf("%s registered as %s: %w",
				longName, d.shortName, libpf.ErrDuplicate)
		}
		return d.Get(), nil
	}
	if d, ok := idx.byShort.Get(&Dso{shortName: shortName}); ok {
		log.Warnf("Refusing to register %s: short name %s already used by %s",
			longName, shortName, d.longName)
		return nil, fmt.Errorf("short name %s used by %s: %w",
			shortName, d.longName, libpf.ErrDuplicate)
	}

	d := newDso(longName, shortName, r.mode)
	idx.byLong.ReplaceOrInsert(d)
	idx.byShort.ReplaceOrInsert(d)
	return d.Get(), nil
}

// Find looks up a Dso by long name, or by short name if byShortName is set. The returned
// handle must be released with Put.
func (r *Registry) Find(name string, byShortName bool) (*Dso, error) {
	idx := r.idx.RLock()
	defer r.idx.RUnlock(&idx)

	var d *Dso
	var ok bool
	if byShortName {
		d, ok = idx.byShort.Get(&Dso{shortName: name})
	} else {
		d, ok = idx.byLong.Get(&Dso{longName: name})
	}
	if !ok {
		return nil, fmt.Errorf("dso %s: %w", name, libpf.ErrNotFound)
	}
	return d.Get(), nil
}

// Len returns the number of registered Dsos.
func (r *Registry) Len() int {
	idx := r.idx.RLock()
	defer r.idx.RUnlock(&idx)
	return idx.byLong.Len()
}

// Walk calls fn for every registered Dso in long name order. fn must not call back
// into the registry.
func (r *Registry) Walk(fn func(*Dso) bool) {
	idx := r.idx.RLock()
	defer r.idx.RUnlock(&idx)
	idx.byLong.Ascend(btree.ItemIteratorG[*Dso](fn))
}

// Purge removes every Dso and drops the registry references. Descriptors are closed once
// the remaining holders release theirs.
func (r *Registry) Purge() {
	idx := r.idx.WLock()
	var all []*Dso
	idx.byLong.Ascend(func(d *Dso) bool {
		all = append(all, d)
		return true
	})
	idx.byLong.Clear(false)
	idx.byShort.Clear(false)
	r.idx.WUnlock(&idx)

	for _, d := range all {
		d.Put()
	}
}
