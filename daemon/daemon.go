/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

// Package daemon ties the service client, the boot config writers, and
// the control socket together into the opsipxeconfd process.
package daemon

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/opsi-org/opsipxeconfd/config"
	"github.com/opsi-org/opsipxeconfd/log"
	"github.com/opsi-org/opsipxeconfd/pxeconfig"
	"github.com/opsi-org/opsipxeconfd/service"
)

const (
	acceptTimeout      = 100 * time.Millisecond
	startupJoinTimeout = 10 * time.Second
	configReloadDelay  = 500 * time.Millisecond

	socketMode    = 0660
	socketDirMode = 0750
	socketDirName = `opsipxeconfd`

	moduleUefi       = `uefi`
	moduleSecureBoot = `secureboot`
)

// Daemon is the long running opsipxeconfd instance. It owns the writer
// registry, the control socket, and the connection to the opsi config
// service. The config snapshot is immutable; Reload swaps the pointer
// and operations capture it once at their start.
type Daemon struct {
	mtx      sync.Mutex
	cfg      *config.Config
	cfgPath  string
	lgr      *log.Logger
	svc      *service.Client
	writers  *pxeconfig.Registry
	conns    *connRegistry
	lst      net.Listener
	startup  *startupTask
	cfgWatch *fsnotify.Watcher

	adminGID          int
	uefiEnabled       bool
	secureBootEnabled bool

	die      chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New assembles a daemon from a verified configuration snapshot and a
// service client. Nothing runs until Start is called.
func New(cfgPath string, cfg *config.Config, svc *service.Client, lgr *log.Logger) *Daemon {
	if lgr == nil {
		lgr = log.NewDiscardLogger()
	}
	d := &Daemon{
		cfg:      cfg,
		cfgPath:  cfgPath,
		lgr:      lgr,
		svc:      svc,
		writers:  pxeconfig.NewRegistry(cfg.Global.Max_Pxe_Config_Writers),
		conns:    newConnRegistry(cfg.Global.Max_Control_Connections),
		adminGID: resolveAdminGID(cfg.Global.Admin_Group, lgr),
		die:      make(chan struct{}),
	}
	d.startup = newStartupTask(d)
	return d
}

// Start connects to the config service and brings the daemon online:
// licensing flags, the startup task, the control socket, and the
// config auto-reload watch. A connect failure is fatal, the caller
// should exit.
func (d *Daemon) Start() error {
	if err := d.svc.Connect(); err != nil {
		return fmt.Errorf("failed to connect to service %s %w", d.svc.URL(), err)
	}
	d.lgr.Info(`connected to config service`, log.KV(`url`, d.svc.URL()))
	d.refreshLicensing()
	d.startup.Start()
	if err := d.createSocket(); err != nil {
		d.startup.Close(startupJoinTimeout)
		return err
	}
	if err := d.watchConfig(); err != nil {
		d.lgr.Warn(`config auto-reload unavailable`, log.KVErr(err))
	}
	d.lgr.Info(`opsipxeconfd is up`, log.KV(`socket`, d.config().Global.Socket_Path))
	return nil
}

// Stop shuts the daemon down: the startup task is joined, every writer
// is stopped and joined, the control socket closes, and the service
// connection is dropped. Stop is idempotent and safe from a control
// connection handler.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	close(d.die)
	d.lgr.Info(`opsipxeconfd shutting down`)
	if !d.startup.Close(startupJoinTimeout) {
		d.lgr.Warn(`startup task did not stop in time`)
	}
	if ws := d.writers.Snapshot(); len(ws) > 0 {
		d.lgr.Info(`stopping boot config writers`, log.KV(`count`, len(ws)))
		if !d.writers.Drop(ws) {
			d.lgr.Warn(`some writers did not stop in time`)
		}
	}
	d.mtx.Lock()
	lst := d.lst
	d.lst = nil
	watcher := d.cfgWatch
	d.cfgWatch = nil
	d.mtx.Unlock()
	if watcher != nil {
		watcher.Close()
	}
	if lst != nil {
		lst.Close()
	}
	d.wg.Wait()
	if err := d.svc.Disconnect(); err != nil {
		d.lgr.Warn(`service disconnect failed`, log.KVErr(err))
	}
	d.lgr.Info(`opsipxeconfd stopped`)
}

// Quit is closed as soon as a shutdown has been requested, the signal
// loop of the start command selects on it.
func (d *Daemon) Quit() <-chan struct{} {
	return d.die
}

// Reload re-reads the configuration file, swaps the active snapshot,
// adjusts the log level, refreshes the licensing flags, and recreates
// the control socket. On failure the previous snapshot stays in place.
func (d *Daemon) Reload() error {
	select {
	case <-d.die:
		//a reload racing the shutdown must not rebind the socket
		return nil
	default:
	}
	cfg, err := config.GetConfig(d.cfgPath)
	if err != nil {
		return fmt.Errorf("config reload failed %w", err)
	}
	d.mtx.Lock()
	d.cfg = cfg
	d.adminGID = resolveAdminGID(cfg.Global.Admin_Group, d.lgr)
	d.mtx.Unlock()
	if err = d.lgr.SetLevelString(cfg.Global.Log_Level); err != nil {
		d.lgr.Warn(`bad log level in reloaded config`, log.KV(`level`, cfg.Global.Log_Level))
	}
	d.refreshLicensing()
	if err = d.recreateSocket(); err != nil {
		return err
	}
	d.lgr.Info(`configuration reloaded`, log.KV(`path`, d.cfgPath))
	return nil
}

// config returns the active snapshot; callers capture it once per
// operation and never observe a torn reload.
func (d *Daemon) config() *config.Config {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.cfg
}

func (d *Daemon) gid() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.adminGID
}

// licensing returns the uefi and secureboot entitlement flags. Writers
// snapshot these at construction.
func (d *Daemon) licensing() (uefi, secureBoot bool) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.uefiEnabled, d.secureBootEnabled
}

func (d *Daemon) refreshLicensing() {
	li, err := d.svc.LicensingInfo()
	if err != nil {
		d.lgr.Warn(`failed to fetch licensing info`, log.KVErr(err))
		return
	}
	uefi := li.ModuleEnabled(moduleUefi)
	secureBoot := li.ModuleEnabled(moduleSecureBoot)
	d.mtx.Lock()
	d.uefiEnabled = uefi
	d.secureBootEnabled = secureBoot
	d.mtx.Unlock()
	d.lgr.Info(`licensing flags refreshed`,
		log.KV(`uefi`, uefi), log.KV(`secureboot`, secureBoot))
}

// createSocket binds the unix control socket, applies the access
// rights, and launches the accept loop.
func (d *Daemon) createSocket() error {
	cfg := d.config()
	pth := cfg.Global.Socket_Path
	if err := os.MkdirAll(filepath.Dir(pth), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory %w", err)
	}
	if err := os.Remove(pth); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket %s %w", pth, err)
	}
	lst, err := net.Listen(`unix`, pth)
	if err != nil {
		return fmt.Errorf("failed to bind control socket %s %w", pth, err)
	}
	d.setSocketRights(pth)
	d.mtx.Lock()
	d.lst = lst
	d.mtx.Unlock()
	d.wg.Add(1)
	go d.acceptLoop(lst)
	d.lgr.Info(`control socket ready`, log.KV(`path`, pth))
	return nil
}

// setSocketRights makes the socket reachable for the admin group only.
// A parent directory dedicated to this daemon is tightened as well.
func (d *Daemon) setSocketRights(pth string) {
	gid := d.gid()
	if err := os.Chmod(pth, socketMode); err != nil {
		d.lgr.Warn(`failed to chmod control socket`, log.KV(`path`, pth), log.KVErr(err))
	}
	if gid >= 0 {
		if err := os.Chown(pth, -1, gid); err != nil {
			d.lgr.Warn(`failed to chown control socket`, log.KV(`path`, pth), log.KVErr(err))
		}
	}
	dir := filepath.Dir(pth)
	if filepath.Base(dir) != socketDirName {
		return
	}
	if err := os.Chmod(dir, socketDirMode); err != nil {
		d.lgr.Warn(`failed to chmod socket directory`, log.KV(`path`, dir), log.KVErr(err))
	}
	if gid >= 0 {
		if err := os.Chown(dir, -1, gid); err != nil {
			d.lgr.Warn(`failed to chown socket directory`, log.KV(`path`, dir), log.KVErr(err))
		}
	}
}

func (d *Daemon) recreateSocket() error {
	d.mtx.Lock()
	lst := d.lst
	d.lst = nil
	d.mtx.Unlock()
	if lst != nil {
		lst.Close()
	}
	return d.createSocket()
}

// acceptLoop hands incoming control connections to per connection
// goroutines. The short deadline keeps shutdown observable.
func (d *Daemon) acceptLoop(lst net.Listener) {
	defer d.wg.Done()
	ul, _ := lst.(*net.UnixListener)
	for {
		select {
		case <-d.die:
			return
		default:
		}
		if ul != nil {
			if err := ul.SetDeadline(time.Now().Add(acceptTimeout)); err != nil {
				return
			}
		}
		conn, err := lst.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			//the listener was closed or replaced on reload
			return
		}
		go d.handleConnection(conn)
	}
}

// watchConfig arms an fsnotify watch on the config file so edits take
// effect without a SIGHUP. Editors save via rename, so the watch sits
// on the parent directory.
func (d *Daemon) watchConfig() error {
	if d.cfgPath == `` {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err = watcher.Add(filepath.Dir(d.cfgPath)); err != nil {
		watcher.Close()
		return err
	}
	d.mtx.Lock()
	d.cfgWatch = watcher
	d.mtx.Unlock()
	d.wg.Add(1)
	go d.configWatchRoutine(watcher)
	return nil
}

// configWatchRoutine folds bursts of file events into a single reload,
// editors tend to emit several per save.
func (d *Daemon) configWatchRoutine(watcher *fsnotify.Watcher) {
	defer d.wg.Done()
	base := filepath.Base(d.cfgPath)
	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()
	var pending bool
	for {
		select {
		case <-d.die:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !pending {
				pending = true
				debounce.Reset(configReloadDelay)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.lgr.Warn(`config watch error`, log.KVErr(err))
		case <-debounce.C:
			pending = false
			d.lgr.Info(`configuration file changed, reloading`)
			if err := d.Reload(); err != nil {
				d.lgr.Error(`automatic reload failed`, log.KVErr(err))
			}
		}
	}
}

// resolveAdminGID looks up the numeric gid of the admin group, -1 when
// the group does not exist so ownership changes are skipped.
func resolveAdminGID(group string, lgr *log.Logger) int {
	if group == `` {
		return -1
	}
	grp, err := user.LookupGroup(group)
	if err != nil {
		lgr.Warn(`admin group not found`, log.KV(`group`, group), log.KVErr(err))
		return -1
	}
	gid, err := strconv.Atoi(grp.Gid)
	if err != nil {
		lgr.Warn(`admin group has a non-numeric gid`, log.KV(`group`, group), log.KV(`gid`, grp.Gid))
		return -1
	}
	return gid
}
