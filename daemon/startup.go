/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

package daemon

import (
	"sync"
	"time"

	"github.com/opsi-org/opsipxeconfd/log"
	"github.com/opsi-org/opsipxeconfd/service"
)

// startupTask walks every client of the depot once at daemon start and
// restores the boot files for pending netboot actions. Boot files do
// not survive a reboot of the depot, the clients' action requests do.
type startupTask struct {
	d         *Daemon
	wg        sync.WaitGroup
	die       chan struct{}
	closeOnce sync.Once
}

func newStartupTask(d *Daemon) *startupTask {
	return &startupTask{
		d:   d,
		die: make(chan struct{}),
	}
}

func (st *startupTask) Start() {
	st.wg.Add(1)
	go st.routine()
}

// Close asks the task to stop and waits up to timeout for it, reporting
// whether it finished in time. Close before Start and repeated Close
// are fine.
func (st *startupTask) Close(timeout time.Duration) bool {
	st.closeOnce.Do(func() { close(st.die) })
	done := make(chan struct{})
	go func() {
		st.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (st *startupTask) routine() {
	defer st.wg.Done()
	d := st.d
	cfg := d.config()
	d.lgr.Info(`setting initial boot configurations`, log.KV(`depot`, cfg.Global.Depot_Id))
	ids, err := d.svc.ClientIDsForDepot(cfg.Global.Depot_Id)
	if err != nil {
		d.lgr.Error(`failed to list depot clients`, log.KVErr(err))
		return
	}
	if len(ids) == 0 {
		d.lgr.Info(`depot has no clients`, log.KV(`depot`, cfg.Global.Depot_Id))
		return
	}
	pocs, err := d.svc.NetbootProductOnClients(ids, service.PendingActionRequests)
	if err != nil {
		d.lgr.Error(`failed to list pending netboot actions`, log.KVErr(err))
		return
	}
	//a client may carry several pending products, it still gets one pass
	seen := make(map[string]bool, len(pocs))
	var clients []string
	for i := range pocs {
		if id := pocs[i].ClientID; !seen[id] {
			seen[id] = true
			clients = append(clients, id)
		}
	}
	var n int
	for _, id := range clients {
		select {
		case <-st.die:
			d.lgr.Info(`startup task interrupted`, log.KV(`done`, n), log.KV(`of`, len(clients)))
			return
		default:
		}
		if _, err := d.UpdateBootConfiguration(id); err != nil {
			d.lgr.Error(`failed to set initial boot configuration`,
				log.KV(`client`, id), log.KVErr(err))
			continue
		}
		n++
	}
	d.lgr.Info(`initial boot configurations set`, log.KV(`count`, n))
}
