/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

//go:build linux

package utils

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"
)

const maxStackSize = 256 * 1024 * 1024

// GetDebugChannel registers and returns a channel that will be notified
// upon receipt of SIGUSR1, the trigger for a runtime state dump.
func GetDebugChannel() chan os.Signal {
	debugSig := make(chan os.Signal, 1)
	signal.Notify(debugSig, syscall.SIGUSR1)
	return debugSig
}

// DumpDebugFiles drops a full goroutine stack trace and a heap profile
// into dir, named by timestamp so repeated dumps do not clobber each
// other. It returns the paths of the generated files.
func DumpDebugFiles(dir string) (paths []string, err error) {
	ts := time.Now().Format(`20060102T150405`)
	stackPath := filepath.Join(dir, `opsipxeconfd-stack-`+ts)
	if err = dumpStack(stackPath); err != nil {
		return
	}
	paths = append(paths, stackPath)
	heapPath := filepath.Join(dir, `opsipxeconfd-heap-`+ts)
	if err = dumpHeap(heapPath); err != nil {
		return
	}
	paths = append(paths, heapPath)
	return
}

// dumpStack grows the buffer until the complete trace fits.
func dumpStack(path string) error {
	size := 1024 * 1024
	var buf []byte
	var n int
	for {
		buf = make([]byte, size)
		n = runtime.Stack(buf, true)
		if n < size {
			break
		}
		size *= 2
		if size >= maxStackSize {
			return fmt.Errorf("stack trace exceeds %d bytes", maxStackSize)
		}
	}
	return os.WriteFile(path, buf[:n], 0600)
}

func dumpHeap(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return pprof.WriteHeapProfile(f)
}
