/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

package daemon

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opsi-org/opsipxeconfd/config"
	"github.com/opsi-org/opsipxeconfd/log"
	"github.com/opsi-org/opsipxeconfd/pxeconfig"
	"github.com/opsi-org/opsipxeconfd/service"
)

const (
	updatedReply = `Boot configuration updated`
	removedReply = `Boot configuration removed`

	actionProgressRead = `pxe boot configuration read`

	configServerURLID = `clientconfig.configserver.url`
	bootimageAppendID = `opsi-linux-bootimage.append`
)

// obsolete template names still found on old netboot products; they
// fall back to the configured default.
var obsoleteTemplates = map[string]bool{
	`install-x64`: true,
	`install3264`: true,
}

// UpdateBootConfiguration renders and activates the boot configuration
// for hostID. A host without pending netboot actions, or one the
// service does not know, is a successful no-op. Any previously active
// writer for the host is stopped and replaced first, so per host
// updates are strictly serialized.
func (d *Daemon) UpdateBootConfiguration(hostID string) (string, error) {
	hostID, err := service.NormalizeHostID(hostID)
	if err != nil {
		return ``, err
	}
	d.lgr.Info(`updating boot configuration`, log.KV(`client`, hostID))
	cfg := d.config()

	if n, ok := d.writers.DropHost(hostID); n > 0 {
		if !ok {
			d.lgr.Warn(`existing writer did not stop in time`, log.KV(`client`, hostID))
		}
		d.lgr.Info(`replaced existing boot configuration`, log.KV(`client`, hostID), log.KV(`count`, n))
	}

	host, err := d.svc.Host(hostID)
	if errors.Is(err, service.ErrNotFound) {
		d.lgr.Info(`host not known to service`, log.KV(`client`, hostID))
		return updatedReply, nil
	} else if err != nil {
		return ``, err
	}

	pocs, err := d.svc.NetbootProductOnClients([]string{hostID}, service.PendingActionRequests)
	if err != nil {
		return ``, err
	}
	if len(pocs) == 0 {
		d.lgr.Info(`no netboot products with pending action requests`, log.KV(`client`, hostID))
		return updatedReply, nil
	}
	poc := &pocs[0]

	pod, err := d.svc.ProductOnDepot(cfg.Global.Depot_Id, poc.ProductID)
	if errors.Is(err, service.ErrNotFound) {
		d.lgr.Warn(`product not available on depot`,
			log.KV(`product`, poc.ProductID), log.KV(`depot`, cfg.Global.Depot_Id))
		return updatedReply, nil
	} else if err != nil {
		return ``, err
	}

	product, err := d.svc.Product(pod.ProductID, pod.ProductVersion, pod.PackageVersion)
	if errors.Is(err, service.ErrNotFound) {
		d.lgr.Error(`netboot product not found at depot version`,
			log.KV(`product`, pod.ProductID),
			log.KV(`version`, pod.ProductVersion+`-`+pod.PackageVersion))
		return updatedReply, nil
	} else if err != nil {
		return ``, err
	}

	templateFile := d.templatePath(product, cfg)

	names, err := bootFileNames(host)
	if err != nil {
		return ``, err
	}
	files := make([]string, 0, len(names))
	for _, name := range names {
		files = append(files, filepath.Join(cfg.Global.Pxe_Config_Dir, name))
	}

	//writers of other hosts must never share a boot file path
	same, err := d.writers.CheckConflicts(hostID, files)
	if err != nil {
		return ``, err
	}
	if len(same) > 0 && !d.writers.Drop(same) {
		d.lgr.Warn(`conflicting writer did not stop in time`, log.KV(`client`, hostID))
	}

	serviceAddress, err := d.serviceAddress(hostID)
	if err != nil {
		return ``, err
	}

	shortName, domain, _ := strings.Cut(hostID, `.`)
	amap := pxeconfig.NewAppendMap()
	amap.Set(`pckey`, host.OpsiHostKey)
	amap.Set(`hn`, shortName)
	amap.Set(`dn`, domain)
	amap.Set(`product`, product.ID)
	amap.Set(`macaddress`, host.HardwareAddress)
	amap.Set(`service`, serviceAddress)
	if err = d.addBootimageParams(hostID, amap); err != nil {
		return ``, err
	}

	props, err := d.propertyStates(product.ID, hostID)
	if err != nil {
		return ``, err
	}

	uefi, secureBoot := d.licensing()
	w, err := pxeconfig.NewWriter(pxeconfig.WriterOpts{
		HostID:            hostID,
		TemplateFile:      templateFile,
		Files:             files,
		Append:            amap,
		Properties:        props,
		ProductOnClient:   poc,
		UEFIEnabled:       uefi,
		SecureBootEnabled: secureBoot,
		GroupGID:          d.gid(),
		Handler:           d,
		Logger:            d.lgr,
	})
	if err != nil {
		return ``, err
	}
	if err = d.writers.Insert(w); err != nil {
		return ``, err
	}
	if err = w.Start(); err != nil {
		d.writers.Remove(w)
		return ``, err
	}
	d.lgr.Info(`boot configuration set`,
		log.KV(`client`, hostID),
		log.KV(`product`, product.ID),
		log.KV(`files`, strings.Join(files, `, `)))
	return updatedReply, nil
}

// RemoveBootConfiguration stops and drops any active writer of hostID,
// unlinking its boot files. Unknown hosts are a no-op.
func (d *Daemon) RemoveBootConfiguration(hostID string) (string, error) {
	hostID, err := service.NormalizeHostID(hostID)
	if err != nil {
		return ``, err
	}
	n, ok := d.writers.DropHost(hostID)
	if !ok {
		d.lgr.Warn(`writer did not stop in time`, log.KV(`client`, hostID))
	}
	if n > 0 {
		d.lgr.Info(`boot configuration removed`, log.KV(`client`, hostID), log.KV(`count`, n))
	}
	return removedReply, nil
}

// WriterFinished runs on the writer's goroutine once a client has read
// its boot file. It records the progress on the service and clears the
// action request so the client does not netboot in a loop; an action
// request of "always" stays untouched.
func (d *Daemon) WriterFinished(w *pxeconfig.Writer) {
	d.lgr.Info(`boot configuration writer finished`,
		log.KV(`client`, w.HostID),
		log.KV(`elapsed`, time.Since(w.StartTime).String()))
	d.writers.Remove(w)
	poc := w.ProductOnClient
	if poc == nil {
		return
	}
	pocs, err := d.svc.ProductOnClients(poc.ClientID, poc.ProductID)
	if err != nil {
		d.lgr.Error(`failed to refresh product state`, log.KV(`client`, poc.ClientID), log.KVErr(err))
		return
	}
	if len(pocs) == 0 {
		return
	}
	latest := &pocs[0]
	for i := range pocs {
		if pocs[i].ModTime().After(latest.ModTime()) {
			latest = &pocs[i]
		}
	}
	latest.ActionProgress = actionProgressRead
	if latest.ActionRequest != service.ActionAlways {
		latest.ActionRequest = service.ActionNone
	}
	if err = d.svc.UpdateProductOnClient(latest); err != nil {
		d.lgr.Error(`failed to update action request`, log.KV(`client`, poc.ClientID), log.KVErr(err))
		return
	}
	d.lgr.Info(`action request cleared`,
		log.KV(`client`, poc.ClientID), log.KV(`product`, poc.ProductID))
}

// templatePath picks the boot template of a product, falling back to
// the configured default for unset or obsolete values. Relative paths
// are anchored at the default template's directory.
func (d *Daemon) templatePath(product *service.Product, cfg *config.Config) string {
	pth := ``
	if product.PxeConfigTemplate != `` {
		if obsoleteTemplates[product.PxeConfigTemplate] {
			d.lgr.Warn(`product names an obsolete boot template, using default`,
				log.KV(`product`, product.ID), log.KV(`template`, product.PxeConfigTemplate))
		} else {
			pth = product.PxeConfigTemplate
			d.lgr.Info(`product uses its own boot template`,
				log.KV(`product`, product.ID), log.KV(`template`, pth))
		}
	}
	def := cfg.Global.DefaultTemplatePath()
	if pth == `` {
		return def
	}
	if !filepath.IsAbs(pth) {
		pth = filepath.Join(filepath.Dir(def), pth)
	}
	return pth
}

// bootFileNames derives the boot file names the firmware will look up:
// the bare system UUID and the 01-prefixed hardware address. Both are
// canonicalized to lower case; a host carrying neither cannot netboot.
func bootFileNames(host *service.Host) ([]string, error) {
	var names []string
	if host.SystemUUID != `` {
		id, err := uuid.Parse(host.SystemUUID)
		if err != nil {
			return nil, fmt.Errorf("invalid system UUID %q for host %s %w", host.SystemUUID, host.ID, err)
		}
		names = append(names, id.String())
	}
	if host.HardwareAddress != `` {
		hw, err := net.ParseMAC(host.HardwareAddress)
		if err != nil {
			return nil, fmt.Errorf("invalid hardware address %q for host %s %w", host.HardwareAddress, host.ID, err)
		}
		names = append(names, `01-`+strings.ReplaceAll(hw.String(), `:`, `-`))
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("neither system UUID nor hardware address known for host %s", host.ID)
	}
	return names, nil
}

// serviceAddress resolves the config service URL the boot image should
// report to, ensuring the /rpc suffix.
func (d *Daemon) serviceAddress(hostID string) (string, error) {
	vals, err := d.svc.ConfigValues([]string{configServerURLID}, []string{hostID})
	if err != nil {
		return ``, err
	}
	var addr string
	if vs := vals[hostID][configServerURLID]; len(vs) > 0 {
		addr = vs[0]
	}
	if addr == `` {
		return ``, fmt.Errorf("no config server address for %s", hostID)
	}
	if !strings.HasSuffix(addr, `/rpc`) {
		addr += `/rpc`
	}
	return addr, nil
}

// addBootimageParams merges the extra kernel parameters configured on
// the host's bootimage append config into the append map.
func (d *Daemon) addBootimageParams(hostID string, amap *pxeconfig.AppendMap) error {
	vals, err := d.svc.ConfigValues([]string{bootimageAppendID}, []string{hostID})
	if err != nil {
		return err
	}
	for _, v := range vals[hostID][bootimageAppendID] {
		key, val, _ := strings.Cut(v, `=`)
		key = strings.ToLower(strings.TrimSpace(key))
		if key == `` {
			continue
		}
		amap.Set(key, strings.TrimSpace(val))
	}
	return nil
}

// propertyStates fetches the product property values of the host and
// comma-joins them for template sentinel substitution.
func (d *Daemon) propertyStates(productID, hostID string) (map[string]string, error) {
	vals, err := d.svc.ProductPropertyValues([]string{productID}, []string{hostID})
	if err != nil {
		return nil, err
	}
	props := make(map[string]string, len(vals))
	for id, vs := range vals {
		props[id] = strings.Join(vs, `,`)
	}
	return props, nil
}
