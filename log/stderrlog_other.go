//go:build !linux
// +build !linux

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
)

// no stderr redirection outside of linux, the daemon only ships there
func newStderrLogger(fileOverride string, cb StderrCallback) (lgr *Logger, err error) {
	lgr = New(os.Stderr)
	if len(fileOverride) > 0 {
		var fout *os.File
		if fout, err = os.Create(fileOverride); err != nil {
			return
		}
		if cb != nil {
			cb(fout)
		}
		err = lgr.AddWriter(fout)
	}
	return
}
