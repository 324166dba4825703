/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

//go:build linux

package main

import (
	"golang.org/x/sys/unix"
)

func setUmask(mask int) {
	unix.Umask(mask)
}
