/*************************************************************************
 * Copyright 2024 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const legacyConfig = `[Global]
Depot-Id=depot.lab.example
Pxe-Config-Dir=/tftpboot/linux/pxelinux.cfg
Pxe-Config-Template=/tftpboot/linux/pxelinux.cfg/install
Uefi-Netboot-Config-Template-x64=/tftpboot/linux/pxelinux.cfg/install-elilo-x64
`

func writeLegacy(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), `opsipxeconfd.conf`)
	if err := os.WriteFile(p, []byte(legacyConfig), 0660); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestUpdateConfigFile(t *testing.T) {
	p := writeLegacy(t)
	if err := UpdateConfigFile(p); err != nil {
		t.Fatal(err)
	}
	bts, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	s := string(bts)
	if !strings.Contains(s, "Pxe-Config-Dir=/tftpboot/opsi/opsi-linux-bootimage/cfg\n") {
		t.Fatal("pxe config dir was not migrated:\n", s)
	}
	if !strings.Contains(s, "Pxe-Config-Template= /tftpboot/opsi/opsi-linux-bootimage/cfg/install-grub-x64\n") {
		t.Fatal("template was not migrated:\n", s)
	}
	if !strings.Contains(s, "# Uefi-Netboot-Config-Template-x64") {
		t.Fatal("uefi template key was not commented out:\n", s)
	}
	if strings.Contains(s, "\nUefi-Netboot-Config-Template") {
		t.Fatal("active uefi template key survived:\n", s)
	}
	//original must be preserved next to it
	bak, err := os.ReadFile(p + backupExt)
	if err != nil {
		t.Fatal("missing backup", err)
	}
	if string(bak) != legacyConfig {
		t.Fatal("backup does not match the original")
	}
	//the migrated file must parse and verify
	var c Config
	if err = LoadConfigBytes(&c, bts); err != nil {
		t.Fatal(err)
	}
	c.Service.Password = `abc123abc123`
	if err = c.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateConfigFileIdempotent(t *testing.T) {
	p := writeLegacy(t)
	if err := UpdateConfigFile(p); err != nil {
		t.Fatal(err)
	}
	first, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	//drop the backup so we can tell if the second run writes one
	if err = os.Remove(p + backupExt); err != nil {
		t.Fatal(err)
	}
	if err = UpdateConfigFile(p); err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Fatal("second migration changed the file")
	}
	if _, err = os.Stat(p + backupExt); err == nil {
		t.Fatal("second migration wrote a backup")
	}
}

func TestUpdateConfigFileClean(t *testing.T) {
	p := filepath.Join(t.TempDir(), `opsipxeconfd.conf`)
	if err := os.WriteFile(p, []byte(testConfig), 0660); err != nil {
		t.Fatal(err)
	}
	if err := UpdateConfigFile(p); err != nil {
		t.Fatal(err)
	}
	bts, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if string(bts) != testConfig {
		t.Fatal("clean config was rewritten")
	}
	if _, err = os.Stat(p + backupExt); err == nil {
		t.Fatal("clean config grew a backup")
	}
}

func TestUpdateConfigFileMissing(t *testing.T) {
	if err := UpdateConfigFile(filepath.Join(t.TempDir(), `nope.conf`)); err != nil {
		t.Fatal(err)
	}
}
