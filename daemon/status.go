/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

package daemon

import (
	"fmt"
	"strings"
	"time"
)

// statusText renders the operator status reply: the live control
// connections first, then every active boot configuration.
func (d *Daemon) statusText() string {
	var sb strings.Builder
	sb.WriteString("opsipxeconfd status:\n")

	conns := d.conns.snapshot()
	fmt.Fprintf(&sb, "%d control connection(s) established\n", len(conns))
	for i, c := range conns {
		fmt.Fprintf(&sb, "    Connection %d established at: %s\n", i+1, c.startTime.Format(time.ANSIC))
	}

	writers := d.writers.Snapshot()
	fmt.Fprintf(&sb, "\n%d boot configuration(s) set\n", len(writers))
	for _, w := range writers {
		fmt.Fprintf(&sb, "Boot config for client '%s' (path: %s; configuration: %s) set since %s\n",
			w.HostID, strings.Join(w.Files, `, `), w.Append, w.StartTime.Format(time.ANSIC))
	}
	return sb.String()
}
