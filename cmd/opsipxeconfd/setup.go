/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/opsi-org/opsipxeconfd/config"
	"github.com/spf13/cobra"
)

var setupCmd = &cobra.Command{
	Use:   `setup`,
	Short: `prepare directories and migrate the configuration`,
	Long: `setup migrates a legacy configuration file, creates the runtime
directories, and checks that the PXE directory and the default boot
template are in place. It is what the package postinstall runs, but it
is safe to run by hand at any time.`,
	RunE: runSetup,
}

func runSetup(cmd *cobra.Command, args []string) error {
	if err := config.UpdateConfigFile(confFile); err != nil {
		fmt.Fprintf(os.Stderr, "config migration failed: %v\n", err)
	}
	var cfg config.Config
	if err := config.LoadConfigFile(&cfg, confFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	//setup never talks to the service, missing credentials only get a
	//warning here so the package postinstall can run before they exist
	if err := cfg.Verify(); errors.Is(err, config.ErrMissingPassword) {
		fmt.Fprintln(os.Stderr, "warning: service credentials are not configured yet")
	} else if err != nil {
		return err
	}
	dirs := []string{
		filepath.Dir(cfg.Global.Pid_File),
		filepath.Dir(cfg.Global.Socket_Path),
		filepath.Dir(cfg.Global.Log_File),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s %w", dir, err)
		}
		fmt.Printf("directory %s ok\n", dir)
	}
	//members of the admin group talk to the daemon through the control
	//socket, a directory dedicated to it is handed to that group
	sockDir := filepath.Dir(cfg.Global.Socket_Path)
	if filepath.Base(sockDir) == `opsipxeconfd` {
		if err := os.Chmod(sockDir, 0750); err != nil {
			fmt.Fprintf(os.Stderr, "warning: cannot chmod %s: %v\n", sockDir, err)
		}
		if grp, err := user.LookupGroup(cfg.Global.Admin_Group); err != nil {
			fmt.Fprintf(os.Stderr, "warning: admin group %q not found: %v\n", cfg.Global.Admin_Group, err)
		} else if gid, err := strconv.Atoi(grp.Gid); err == nil {
			if err = os.Chown(sockDir, -1, gid); err != nil {
				fmt.Fprintf(os.Stderr, "warning: cannot chown %s: %v\n", sockDir, err)
			}
		}
	}
	//the PXE directory comes out of the opsi-linux-bootimage package, a
	//missing one is worth a warning but must not fail the installation
	if _, err := os.Stat(cfg.Global.Pxe_Config_Dir); err != nil {
		fmt.Fprintf(os.Stderr, "warning: PXE config directory %s is not usable: %v\n", cfg.Global.Pxe_Config_Dir, err)
	} else {
		fmt.Printf("PXE config directory %s ok\n", cfg.Global.Pxe_Config_Dir)
	}
	tmpl := cfg.Global.DefaultTemplatePath()
	if _, err := os.Stat(tmpl); err != nil {
		fmt.Fprintf(os.Stderr, "warning: default boot template %s is not usable: %v\n", tmpl, err)
	} else {
		fmt.Printf("default boot template %s ok\n", tmpl)
	}
	return nil
}
