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
	"os"

	"github.com/opsi-org/opsipxeconfd/config"
	"github.com/opsi-org/opsipxeconfd/version"
	"github.com/spf13/cobra"
)

var (
	confFile string
	logLevel string
	noFork   bool
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   `opsipxeconfd`,
	Short: `opsi PXE boot configuration daemon`,
	Long: `opsipxeconfd writes and withdraws the per client boot files that opsi
netboot products are installed through. It listens on a unix socket for
control commands and keeps the TFTP boot directory in sync with the
pending netboot actions on the opsi configuration service.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   `version`,
	Short: `print version information`,
	Run: func(cmd *cobra.Command, args []string) {
		version.PrintVersion(os.Stdout)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&confFile, `conffile`, `c`, config.DefaultPath, `location of the configuration file`)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
