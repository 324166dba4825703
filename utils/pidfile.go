/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/shirou/gopsutil/process"
)

var ErrAlreadyRunning = errors.New("daemon is already running")

// PidFile pins a single daemon instance per host. The lock on the file
// is held for the life of the process; the recorded pid is what init
// scripts and packaging send their signals to.
type PidFile struct {
	path string
	lk   *flock.Flock
}

// AcquirePidFile takes an exclusive lock on path and records our pid in
// it. A live process already holding the lock, or one found in the
// process table whose name matches procName and whose pid is recorded
// in the file, refuses the acquisition with ErrAlreadyRunning.
func AcquirePidFile(path, procName string) (*PidFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create pid file directory %w", err)
	}
	if pid := runningInstance(path, procName); pid > 0 {
		return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	lk := flock.New(path)
	locked, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock pid file %s %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: pid file %s is locked", ErrAlreadyRunning, path)
	}
	if err = os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		lk.Unlock()
		return nil, fmt.Errorf("failed to write pid file %s %w", path, err)
	}
	return &PidFile{path: path, lk: lk}, nil
}

// runningInstance checks whether the pid recorded in the file belongs
// to a live process of ours. Stale entries left behind by a crash or a
// power loss are ignored, the lock is what actually arbitrates.
func runningInstance(path, procName string) int32 {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 || pid == os.Getpid() {
		return 0
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		//no process under that pid, the file is stale
		return 0
	}
	name, err := p.Name()
	if err != nil {
		return 0
	}
	if procName == `` || strings.Contains(name, procName) {
		return int32(pid)
	}
	return 0
}

// Release drops the lock and removes the pid file. Releasing a nil
// PidFile is a no-op so callers can release unconditionally.
func (pf *PidFile) Release() error {
	if pf == nil {
		return nil
	}
	if pf.lk != nil {
		pf.lk.Unlock()
	}
	if err := os.Remove(pf.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Path returns the pid file location.
func (pf *PidFile) Path() string {
	if pf == nil {
		return ``
	}
	return pf.path
}
