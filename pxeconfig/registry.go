/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

package pxeconfig

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const stopJoinTimeout = 5 * time.Second

var (
	ErrTooManyWriters = errors.New("too many active boot configuration writers")
	ErrPathConflict   = errors.New("boot file already owned by another host")
)

// Registry tracks the active writers. The lock is only ever held
// around list mutation; stopping and joining writers always happens
// outside, so a slow writer can never stall an unrelated update.
type Registry struct {
	mtx     sync.Mutex
	writers []*Writer
	max     int
}

// NewRegistry returns a registry that will hold at most max writers,
// max <= 0 means unlimited.
func NewRegistry(max int) *Registry {
	return &Registry{
		max: max,
	}
}

func (r *Registry) Insert(w *Writer) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.max > 0 && len(r.writers) >= r.max {
		return fmt.Errorf("%w (%d)", ErrTooManyWriters, r.max)
	}
	r.writers = append(r.writers, w)
	return nil
}

// Remove takes a writer out of the registry, removing a writer that is
// not registered is a no-op.
func (r *Registry) Remove(w *Writer) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.removeNoLock(w)
}

func (r *Registry) removeNoLock(w *Writer) {
	for i, cand := range r.writers {
		if cand == w {
			r.writers = append(r.writers[:i], r.writers[i+1:]...)
			return
		}
	}
}

// ForHost returns a snapshot of the writers registered for hostID.
func (r *Registry) ForHost(hostID string) (ws []*Writer) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for _, w := range r.writers {
		if w.HostID == hostID {
			ws = append(ws, w)
		}
	}
	return
}

// Snapshot returns a copy of the full writer list for status output
// and shutdown.
func (r *Registry) Snapshot() []*Writer {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	ws := make([]*Writer, len(r.writers))
	copy(ws, r.writers)
	return ws
}

func (r *Registry) Len() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.writers)
}

// CheckConflicts inspects the registered writers for ones sharing any
// of the candidate file paths. Writers of the same host are returned
// so the caller can stop and replace them; a path owned by a different
// host is fatal, two clients resolving to the same boot file name
// almost always means a reused hardware address.
func (r *Registry) CheckConflicts(hostID string, files []string) ([]*Writer, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	var same []*Writer
	for _, w := range r.writers {
		shared := ``
		for _, f := range w.Files {
			for _, cand := range files {
				if f == cand {
					shared = f
					break
				}
			}
			if shared != `` {
				break
			}
		}
		if shared == `` {
			continue
		}
		if w.HostID != hostID {
			return nil, fmt.Errorf("%w: %s is in use for host %s", ErrPathConflict, shared, w.HostID)
		}
		same = append(same, w)
	}
	return same, nil
}

// Drop unregisters the given writers, then stops and joins each one
// outside the lock. It reports whether every writer confirmed its
// cleanup within the join timeout.
func (r *Registry) Drop(ws []*Writer) bool {
	r.mtx.Lock()
	for _, w := range ws {
		r.removeNoLock(w)
	}
	r.mtx.Unlock()
	return stopAll(ws)
}

// DropHost unregisters every writer of hostID and stops and joins each
// outside the lock. It returns the number of writers dropped and
// whether all of them stopped within the join timeout.
func (r *Registry) DropHost(hostID string) (int, bool) {
	r.mtx.Lock()
	var doomed []*Writer
	keep := r.writers[:0]
	for _, w := range r.writers {
		if w.HostID == hostID {
			doomed = append(doomed, w)
		} else {
			keep = append(keep, w)
		}
	}
	r.writers = keep
	r.mtx.Unlock()
	return len(doomed), stopAll(doomed)
}

func stopAll(ws []*Writer) (ok bool) {
	ok = true
	for _, w := range ws {
		w.Stop()
		if !w.WaitStopped(stopJoinTimeout) {
			ok = false
		}
	}
	return
}
