/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

package service

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// opsi timestamps look like "2024-02-06 12:31:04"
	timestampFormat = `2006-01-02 15:04:05`

	// ProductTypeNetboot is the only product type this daemon cares about.
	ProductTypeNetboot = `NetbootProduct`

	// action request values
	ActionNone   = `none`
	ActionAlways = `always`
)

// PendingActionRequests lists the action requests that warrant a boot
// file for a client.
var PendingActionRequests = []string{`setup`, `uninstall`, `update`, `always`, `once`, `custom`}

var hostIdRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*(\.[a-z0-9][a-z0-9-]*)+$`)

// NormalizeHostID lowercases and validates an opsi host id. Host ids are
// FQDNs, anything without a domain part is rejected.
func NormalizeHostID(v string) (string, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if !hostIdRe.MatchString(v) {
		return ``, fmt.Errorf("%w: %q", ErrInvalidHostId, v)
	}
	return v, nil
}

// Host is an opsi client host as stored on the config server.
type Host struct {
	ID              string `json:"id"`
	Type            string `json:"type,omitempty"`
	HardwareAddress string `json:"hardwareAddress,omitempty"`
	SystemUUID      string `json:"systemUUID,omitempty"`
	OpsiHostKey     string `json:"opsiHostKey,omitempty"`
	Description     string `json:"description,omitempty"`
}

// ProductOnClient tracks the install state of one product on one client.
type ProductOnClient struct {
	Type             string `json:"type,omitempty"`
	ProductID        string `json:"productId"`
	ProductType      string `json:"productType"`
	ClientID         string `json:"clientId"`
	ActionRequest    string `json:"actionRequest,omitempty"`
	ActionProgress   string `json:"actionProgress,omitempty"`
	ModificationTime string `json:"modificationTime,omitempty"`
}

// ModTime parses the modification timestamp, the zero time stands in for
// a missing or unparsable value.
func (poc *ProductOnClient) ModTime() time.Time {
	if poc.ModificationTime == `` {
		return time.Time{}
	}
	t, err := time.Parse(timestampFormat, poc.ModificationTime)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ProductOnDepot pins the product version available on a depot.
type ProductOnDepot struct {
	ProductID      string `json:"productId"`
	ProductType    string `json:"productType"`
	ProductVersion string `json:"productVersion"`
	PackageVersion string `json:"packageVersion"`
	DepotID        string `json:"depotId"`
}

// Product carries the netboot product metadata, most importantly the name
// of the boot template to render.
type Product struct {
	ID                string `json:"id"`
	ProductVersion    string `json:"productVersion,omitempty"`
	PackageVersion    string `json:"packageVersion,omitempty"`
	PxeConfigTemplate string `json:"pxeConfigTemplate,omitempty"`
}

// ClientToDepot maps a client onto the depot that serves it.
type ClientToDepot struct {
	ClientID string `json:"clientId"`
	DepotID  string `json:"depotId"`
}

// LicensingInfo is the subset of backend_getLicensingInfo the daemon
// evaluates.
type LicensingInfo struct {
	AvailableModules []string `json:"available_modules"`
}

// ModuleEnabled checks for a licensed module such as "uefi" or "secureboot".
func (li *LicensingInfo) ModuleEnabled(name string) bool {
	if li == nil {
		return false
	}
	for _, m := range li.AvailableModules {
		if m == name {
			return true
		}
	}
	return false
}
