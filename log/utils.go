/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

package log

import (
	"fmt"
	"io"
	"runtime"

	"github.com/crewjam/rfc5424"
	"github.com/shirou/gopsutil/host"
)

func KV(name string, value interface{}) (r rfc5424.SDParam) {
	r.Name = name
	switch v := value.(type) {
	case string:
		r.Value = v
	default:
		r.Value = fmt.Sprintf("%v", value)
	}
	return
}

func KVErr(err error) rfc5424.SDParam {
	return KV("error", err)
}

// PrintOSInfo writes a single line describing the host OS, used when the
// daemon starts so that support bundles carry the platform.
func PrintOSInfo(wtr io.Writer) {
	if platform, _, version, err := host.PlatformInformation(); err == nil {
		fmt.Fprintf(wtr, "OS:\t\t%s %s [%s] (%s %s)\n", runtime.GOOS, runtime.GOARCH, kernelVersion, platform, version)
	} else {
		fmt.Fprintf(wtr, "OS:\t\tERROR %v\n", err)
	}
}
