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
	"path/filepath"

	"github.com/opsi-org/opsipxeconfd/config"
	"github.com/opsi-org/opsipxeconfd/daemon"
	"github.com/opsi-org/opsipxeconfd/log"
	"github.com/opsi-org/opsipxeconfd/log/rotate"
	"github.com/opsi-org/opsipxeconfd/service"
	"github.com/opsi-org/opsipxeconfd/utils"
	"github.com/spf13/cobra"
)

const (
	logFileMode = 0640
	procName    = `opsipxeconfd`
)

var startCmd = &cobra.Command{
	Use:   `start`,
	Short: `run the daemon`,
	Long: `start brings up the opsipxeconfd daemon: it connects to the opsi
configuration service, restores the boot files for all pending netboot
actions, and then serves control commands on the unix socket until it
is stopped.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&noFork, `no-fork`, `F`, false, `stay in the foreground (the daemon never forks, accepted for compatibility)`)
	startCmd.Flags().BoolVarP(&verbose, `verbose`, `v`, false, `additionally log to stderr`)
	startCmd.Flags().StringVarP(&logLevel, `log-level`, `l`, ``, `override the configured log level`)
}

func runStart(cmd *cobra.Command, args []string) error {
	//boot files carry per host kernel parameters, nothing the daemon
	//creates may be readable beyond what it explicitly grants
	setUmask(0077)

	if err := config.UpdateConfigFile(confFile); err != nil {
		fmt.Fprintf(os.Stderr, "config migration failed: %v\n", err)
	}
	cfg, err := config.GetConfig(confFile)
	if err != nil {
		return err
	}
	if logLevel != `` {
		cfg.Global.Log_Level = logLevel
		if _, err = log.LevelFromString(logLevel); err != nil {
			return fmt.Errorf("invalid log level %q", logLevel)
		}
	}
	lgr, err := openLog(cfg)
	if err != nil {
		return err
	}
	defer lgr.Close()
	log.AddSecret(cfg.Service.Password)
	lgr.Info(`opsipxeconfd starting`, log.KV(`pid`, os.Getpid()))
	log.PrintOSInfo(lgr)

	pf, err := utils.AcquirePidFile(cfg.Global.Pid_File, procName)
	if err != nil {
		lgr.Error(`failed to acquire pid file`, log.KVErr(err))
		return err
	}
	defer pf.Release()

	spacing, _ := cfg.Service.ConnectSpacing()
	svc, err := service.NewClient(service.Opts{
		URL:                cfg.Service.Url,
		Username:           cfg.Service.Username,
		Password:           cfg.Service.Password,
		CACertFile:         cfg.Service.CA_Cert_File,
		InsecureSkipVerify: cfg.Service.Insecure_Skip_TLS_Verify,
		ConnectAttempts:    cfg.Service.Connect_Attempts,
		ConnectSpacing:     spacing,
		Logger:             lgr,
	})
	if err != nil {
		lgr.Error(`invalid service configuration`, log.KVErr(err))
		return err
	}

	d := daemon.New(confFile, cfg, svc, lgr)
	if err = d.Start(); err != nil {
		lgr.Error(`failed to start daemon`, log.KVErr(err))
		return err
	}
	signalLoop(d, lgr, cfg.Global.Log_File)
	d.Stop()
	lgr.Info(`opsipxeconfd exited`)
	return nil
}

// signalLoop services the process signals until a shutdown is requested
// either by signal or through the control socket.
func signalLoop(d *daemon.Daemon, lgr *log.Logger, logFile string) {
	quitSig := utils.GetQuitChannel()
	reloadSig := utils.GetReloadChannel()
	debugSig := utils.GetDebugChannel()
	for {
		select {
		case sig := <-quitSig:
			lgr.Info(`received shutdown signal`, log.KV(`signal`, sig.String()))
			return
		case <-reloadSig:
			lgr.Info(`received reload signal`)
			if err := d.Reload(); err != nil {
				lgr.Error(`reload failed, keeping previous configuration`, log.KVErr(err))
			}
		case <-debugSig:
			if paths, err := utils.DumpDebugFiles(filepath.Dir(logFile)); err != nil {
				lgr.Error(`failed to dump debug files`, log.KVErr(err))
			} else {
				for _, pth := range paths {
					lgr.Info(`wrote debug file`, log.KV(`path`, pth))
				}
			}
		case <-d.Quit():
			//shutdown came in over the control socket
			return
		}
	}
}

func openLog(cfg *config.Config) (*log.Logger, error) {
	maxSize, err := cfg.Global.MaxLogSize()
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(filepath.Dir(cfg.Global.Log_File), 0750); err != nil {
		return nil, fmt.Errorf("failed to create log directory %w", err)
	}
	fout, err := rotate.OpenEx(cfg.Global.Log_File, logFileMode, maxSize, cfg.Global.Log_Rotations, true)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s %w", cfg.Global.Log_File, err)
	}
	lgr := log.New(fout)
	if err = lgr.SetLevelString(cfg.Global.Log_Level); err != nil {
		lgr.Close()
		return nil, err
	}
	if verbose {
		lgr.AddWriter(os.Stderr)
	}
	return lgr, nil
}
