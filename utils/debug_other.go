/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

//go:build !linux

package utils

import (
	"os"
)

// GetDebugChannel returns a channel that never fires, the SIGUSR1 state
// dump is only wired up on linux.
func GetDebugChannel() chan os.Signal {
	return make(chan os.Signal, 1)
}

// DumpDebugFiles is a no-op without the debug signal.
func DumpDebugFiles(dir string) ([]string, error) {
	return nil, nil
}
