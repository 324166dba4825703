/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/opsi-org/opsipxeconfd/config"
	"github.com/opsi-org/opsipxeconfd/daemon"
	"github.com/spf13/cobra"
)

const (
	dialTimeout  = 5 * time.Second
	replyTimeout = 10 * time.Second
)

var stopCmd = &cobra.Command{
	Use:   `stop`,
	Short: `stop the running daemon`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommand(`stop`)
	},
}

var statusCmd = &cobra.Command{
	Use:   `status`,
	Short: `show connections and active boot configurations`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommand(`status`)
	},
}

var updateCmd = &cobra.Command{
	Use:   `update <hostId>`,
	Short: `set the boot configuration of a client`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommand(`update ` + args[0])
	},
}

var removeCmd = &cobra.Command{
	Use:   `remove <hostId>`,
	Short: `withdraw the boot configuration of a client`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommand(`remove ` + args[0])
	},
}

// sendCommand delivers one command to the daemon's control socket and
// prints the reply. An error reply makes the process exit nonzero so
// shell scripts can chain on the outcome.
func sendCommand(command string) error {
	cfg, err := config.GetConfig(confFile)
	if err != nil {
		return err
	}
	conn, err := net.DialTimeout(`unix`, cfg.Global.Socket_Path, dialTimeout)
	if err != nil {
		return fmt.Errorf("cannot reach opsipxeconfd at %s, is it running? (%w)", cfg.Global.Socket_Path, err)
	}
	defer conn.Close()
	if _, err = conn.Write([]byte(command)); err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(replyTimeout))
	reply, err := io.ReadAll(conn)
	if err != nil {
		return fmt.Errorf("failed to read reply: %w", err)
	}
	resp := strings.TrimRight(string(reply), "\n")
	fmt.Println(resp)
	if strings.HasPrefix(resp, daemon.ErrorMarker) {
		os.Exit(1)
	}
	return nil
}
