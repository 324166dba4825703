/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

// Package config handles the opsipxeconfd INI configuration file.
// A config file looks like this:
//
//	[Global]
//	Depot-Id=depot.lab.example
//	Pxe-Config-Dir=/tftpboot/opsi/opsi-linux-bootimage/cfg
//	Log-Level=INFO
//
//	[Service]
//	Url=https://depot.lab.example:4447/rpc
//	Password=5913450345ed6ae9e6f4519b61fa97a5
//
// Values parsed out of the file are immutable, the daemon swaps whole
// *Config values on reload rather than mutating one in place.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/inhies/go-bytesize"

	"github.com/opsi-org/opsipxeconfd/log"
)

const (
	DefaultPath = `/etc/opsi/opsipxeconfd.conf`

	defaultPidFile        = `/var/run/opsipxeconfd/opsipxeconfd.pid`
	defaultSocketPath     = `/var/run/opsipxeconfd/opsipxeconfd.socket`
	defaultAdminGroup     = `opsiadmin`
	defaultPxeConfigDir   = `/tftpboot/opsi/opsi-linux-bootimage/cfg`
	defaultPxeTemplate    = `install-grub-x64`
	defaultMaxWriters     = 100
	defaultMaxConnections = 5
	defaultLogFile        = `/var/log/opsi/opsipxeconfd/opsipxeconfd.log`
	defaultLogLevel       = `INFO`
	defaultMaxLogSize     = `5MB`
	defaultLogRotations   = 1

	defaultServiceURL     = `https://localhost:4447/rpc`
	defaultConnectTries   = 3
	defaultConnectSpacing = `5s`
)

const (
	envServiceURL      string = `OPSI_SERVICE_URL`
	envServiceUsername string = `OPSI_SERVICE_USERNAME`
	envServicePassword string = `OPSI_SERVICE_PASSWORD`
)

var (
	ErrMissingDepotId     = errors.New("Depot-Id value missing")
	ErrMissingPassword    = errors.New("Service Password value missing")
	ErrInvalidLogLevel    = errors.New("Invalid Log-Level value")
	ErrInvalidMaxLogSize  = errors.New("Invalid Max-Log-File-Size value")
	ErrInvalidMaxWriters  = errors.New("Invalid Max-Pxe-Config-Writers value")
	ErrInvalidMaxConns    = errors.New("Invalid Max-Control-Connections value")
	ErrInvalidServiceURL  = errors.New("Invalid Service Url value")
	ErrInvalidConnSpacing = errors.New("Invalid Connect-Spacing value")
)

type GlobalConfig struct {
	Pid_File                string
	Socket_Path             string
	Depot_Id                string
	Admin_Group             string
	Pxe_Config_Dir          string
	Pxe_Config_Template     string
	Max_Pxe_Config_Writers  int
	Max_Control_Connections int
	Log_File                string
	Log_Level               string
	Max_Log_File_Size       string
	Log_Rotations           uint
}

type ServiceConfig struct {
	Url                      string
	Username                 string
	Password                 string
	CA_Cert_File             string
	Insecure_Skip_TLS_Verify bool
	Connect_Attempts         int
	Connect_Spacing          string
}

type Config struct {
	Global  GlobalConfig
	Service ServiceConfig
}

func (c *Config) loadDefaults() error {
	gc := &c.Global
	if gc.Pid_File == `` {
		gc.Pid_File = defaultPidFile
	}
	if gc.Socket_Path == `` {
		gc.Socket_Path = defaultSocketPath
	}
	if gc.Depot_Id == `` {
		//the depot id is the FQDN of the host we run on
		if hn, err := os.Hostname(); err == nil && strings.Contains(hn, ".") {
			gc.Depot_Id = strings.ToLower(hn)
		}
	} else {
		gc.Depot_Id = strings.ToLower(strings.TrimSpace(gc.Depot_Id))
	}
	if gc.Admin_Group == `` {
		gc.Admin_Group = defaultAdminGroup
	}
	if gc.Pxe_Config_Dir == `` {
		gc.Pxe_Config_Dir = defaultPxeConfigDir
	}
	if gc.Pxe_Config_Template == `` {
		gc.Pxe_Config_Template = filepath.Join(gc.Pxe_Config_Dir, defaultPxeTemplate)
	}
	if gc.Max_Pxe_Config_Writers == 0 {
		gc.Max_Pxe_Config_Writers = defaultMaxWriters
	}
	if gc.Max_Control_Connections == 0 {
		gc.Max_Control_Connections = defaultMaxConnections
	}
	if gc.Log_File == `` {
		gc.Log_File = defaultLogFile
	}
	if gc.Log_Level == `` {
		gc.Log_Level = defaultLogLevel
	}
	if gc.Max_Log_File_Size == `` {
		gc.Max_Log_File_Size = defaultMaxLogSize
	}
	if gc.Log_Rotations == 0 {
		gc.Log_Rotations = defaultLogRotations
	}

	sc := &c.Service
	if err := LoadEnvVar(&sc.Url, envServiceURL, defaultServiceURL); err != nil {
		return err
	}
	if err := LoadEnvVar(&sc.Username, envServiceUsername, gc.Depot_Id); err != nil {
		return err
	}
	if err := LoadEnvVar(&sc.Password, envServicePassword, ``); err != nil {
		return err
	}
	if sc.Connect_Attempts == 0 {
		sc.Connect_Attempts = defaultConnectTries
	}
	if sc.Connect_Spacing == `` {
		sc.Connect_Spacing = defaultConnectSpacing
	}
	return nil
}

// Verify checks the loaded values, naming the offending key on failure.
// Defaults are applied first, so Verify on a zero value Config describes
// the stock setup.
func (c *Config) Verify() error {
	if err := c.loadDefaults(); err != nil {
		return err
	}
	gc := &c.Global
	if gc.Depot_Id == `` || !strings.Contains(gc.Depot_Id, ".") {
		return ErrMissingDepotId
	}
	if !filepath.IsAbs(gc.Pid_File) {
		return fmt.Errorf("Pid-File %q is not absolute", gc.Pid_File)
	}
	if !filepath.IsAbs(gc.Socket_Path) {
		return fmt.Errorf("Socket-Path %q is not absolute", gc.Socket_Path)
	}
	if !filepath.IsAbs(gc.Pxe_Config_Dir) {
		return fmt.Errorf("Pxe-Config-Dir %q is not absolute", gc.Pxe_Config_Dir)
	}
	if !filepath.IsAbs(gc.Pxe_Config_Template) {
		return fmt.Errorf("Pxe-Config-Template %q is not absolute", gc.Pxe_Config_Template)
	}
	if gc.Max_Pxe_Config_Writers < 1 {
		return ErrInvalidMaxWriters
	}
	if gc.Max_Control_Connections < 1 {
		return ErrInvalidMaxConns
	}
	if _, err := log.LevelFromString(gc.Log_Level); err != nil {
		return ErrInvalidLogLevel
	}
	if _, err := gc.MaxLogSize(); err != nil {
		return ErrInvalidMaxLogSize
	}

	sc := &c.Service
	u, err := url.Parse(sc.Url)
	if err != nil || u.Host == `` || (u.Scheme != `https` && u.Scheme != `http`) {
		return ErrInvalidServiceURL
	}
	if sc.Password == `` {
		return ErrMissingPassword
	}
	if sc.Connect_Attempts < 1 {
		return fmt.Errorf("Connect-Attempts %d is invalid", sc.Connect_Attempts)
	}
	if _, err := sc.ConnectSpacing(); err != nil {
		return ErrInvalidConnSpacing
	}
	return nil
}

// LogLevel hands back the parsed Log-Level, falling back to INFO if
// Verify has not been run.
func (gc *GlobalConfig) LogLevel() log.Level {
	lvl, err := log.LevelFromString(gc.Log_Level)
	if err != nil {
		return log.INFO
	}
	return lvl
}

// MaxLogSize parses the human readable Max-Log-File-Size value,
// "5MB" and friends.
func (gc *GlobalConfig) MaxLogSize() (int64, error) {
	bs, err := bytesize.Parse(gc.Max_Log_File_Size)
	if err != nil {
		return 0, err
	}
	return int64(bs), nil
}

// DefaultTemplatePath returns the absolute path of the fallback boot
// template used when a netboot product does not name its own.
func (gc *GlobalConfig) DefaultTemplatePath() string {
	if filepath.IsAbs(gc.Pxe_Config_Template) {
		return gc.Pxe_Config_Template
	}
	return filepath.Join(gc.Pxe_Config_Dir, gc.Pxe_Config_Template)
}

func (sc *ServiceConfig) ConnectSpacing() (time.Duration, error) {
	return time.ParseDuration(sc.Connect_Spacing)
}

// GetConfig loads the config file at path, applies defaults and verifies
// the result. A missing file is not an error, the defaults then stand as
// long as they survive Verify.
func GetConfig(path string) (*Config, error) {
	var c Config
	if err := LoadConfigFile(&c, path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err := c.Verify(); err != nil {
		return nil, err
	}
	return &c, nil
}
