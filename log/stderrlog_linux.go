//go:build linux
// +build linux

/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

package log

import (
	"os"

	"golang.org/x/sys/unix"
)

func newStderrLogger(fileOverride string, cb StderrCallback) (lgr *Logger, err error) {
	var oldstderr int
	var fout *os.File
	lgr = New(os.Stderr)
	if len(fileOverride) > 0 {
		//get a handle on the override file
		if fout, err = os.Create(fileOverride); err != nil {
			return
		}
		if cb != nil {
			cb(fout)
		}

		//dup stderr so the logger keeps a path to the terminal
		if oldstderr, err = unix.Dup(int(os.Stderr.Fd())); err != nil {
			fout.Close()
			return
		} else {
			lgr.AddWriter(os.NewFile(uintptr(oldstderr), "oldstderr"))
		}

		//dup the override file onto stderr so that panics land there
		if err = unix.Dup3(int(fout.Fd()), int(os.Stderr.Fd()), 0); err != nil {
			fout.Close()
		}
	}
	return
}
