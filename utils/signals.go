/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

package utils

import (
	"os"
	"os/signal"
	"syscall"
)

// GetQuitChannel registers and returns a channel that will be notified
// upon receipt of the shutdown signals SIGINT, SIGQUIT, and SIGTERM.
func GetQuitChannel() chan os.Signal {
	quitSig := make(chan os.Signal, 1)
	signal.Notify(quitSig, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	return quitSig
}

// GetReloadChannel registers and returns a channel that will be notified
// upon receipt of SIGHUP, the conventional "reread your config" signal.
func GetReloadChannel() chan os.Signal {
	reloadSig := make(chan os.Signal, 1)
	signal.Notify(reloadSig, syscall.SIGHUP)
	return reloadSig
}
