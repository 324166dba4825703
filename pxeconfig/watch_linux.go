//go:build linux
// +build linux

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
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// readWatcher reports when one of a set of files is closed after a
// read-only open, which is what the TFTP server does when a client
// fetches its boot config. Close-after-write events (our own file
// materialization) never fire it.
type readWatcher struct {
	mtx   sync.Mutex
	fd    int
	paths map[int32]string //watch descriptor to path
}

func newReadWatcher() (*readWatcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &readWatcher{
		fd:    fd,
		paths: map[int32]string{},
	}, nil
}

func (w *readWatcher) Add(pth string) error {
	wd, err := unix.InotifyAddWatch(w.fd, pth, unix.IN_CLOSE_NOWRITE)
	if err != nil {
		return err
	}
	w.mtx.Lock()
	w.paths[int32(wd)] = pth
	w.mtx.Unlock()
	return nil
}

// WaitRead blocks up to timeout for a close-after-read on any watched
// path and returns that path. An empty path means the timeout elapsed
// without an event; callers poll so a pending stop request is always
// observed within one timeout.
func (w *readWatcher) WaitRead(timeout time.Duration) (string, error) {
	pfds := []unix.PollFd{
		{Fd: int32(w.fd), Events: unix.POLLIN},
	}
	n, err := unix.Poll(pfds, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return ``, nil
		}
		return ``, err
	} else if n == 0 {
		return ``, nil
	}
	var buf [4096]byte
	rd, err := unix.Read(w.fd, buf[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return ``, nil
		}
		return ``, err
	}
	var off int
	for off <= rd-unix.SizeofInotifyEvent {
		ev := (*unix.InotifyEvent)(unsafe.Pointer(&buf[off]))
		if ev.Mask&unix.IN_CLOSE_NOWRITE != 0 {
			w.mtx.Lock()
			pth := w.paths[ev.Wd]
			w.mtx.Unlock()
			if pth != `` {
				return pth, nil
			}
		}
		off += unix.SizeofInotifyEvent + int(ev.Len)
	}
	return ``, nil
}

func (w *readWatcher) Close() error {
	return unix.Close(w.fd)
}
