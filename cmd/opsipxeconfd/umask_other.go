/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

//go:build !linux

package main

// setUmask is a no-op on platforms without a process umask.
func setUmask(mask int) {}
