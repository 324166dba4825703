//go:build !linux
// +build !linux

/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

package pxeconfig

import (
	"os"
	"sync"
	"time"
)

const fallbackPollInterval = 250 * time.Millisecond

// readWatcher fallback for platforms without close-after-read
// notification. We cannot see a read here, so a watched file that
// disappears (consumed and removed by an external boot service) is
// treated as the trigger. Polling is bounded by the caller supplied
// timeout so stop deadlines still hold.
type readWatcher struct {
	mtx   sync.Mutex
	paths []string
}

func newReadWatcher() (*readWatcher, error) {
	return &readWatcher{}, nil
}

func (w *readWatcher) Add(pth string) error {
	w.mtx.Lock()
	w.paths = append(w.paths, pth)
	w.mtx.Unlock()
	return nil
}

func (w *readWatcher) WaitRead(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		w.mtx.Lock()
		for _, pth := range w.paths {
			if _, err := os.Stat(pth); os.IsNotExist(err) {
				w.mtx.Unlock()
				return pth, nil
			}
		}
		w.mtx.Unlock()
		if !time.Now().Before(deadline) {
			return ``, nil
		}
		time.Sleep(fallbackPollInterval)
	}
}

func (w *readWatcher) Close() error {
	return nil
}
