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
	"regexp"
	"strings"

	"github.com/dchest/safefile"
	"github.com/google/renameio"
)

const (
	legacyPxeConfigDir = `/tftpboot/linux/pxelinux.cfg`
	legacyTemplateName = `install`
	backupExt          = `.bak`
)

var (
	// matches the retired "Uefi-Netboot-Config-Template*" keys in any of
	// the spellings older installations carried
	uefiTemplateKeyRe = regexp.MustCompile(`(?i)^\s*uefi[-_ ]netboot[-_ ]config[-_ ]template`)

	pxeDirKeyRe      = regexp.MustCompile(`(?i)^\s*pxe[-_ ]config[-_ ]dir\s*=`)
	pxeTemplateKeyRe = regexp.MustCompile(`(?i)^\s*pxe[-_ ]config[-_ ]template\s*=`)
)

// UpdateConfigFile rewrites a config file that still carries settings from
// before the UEFI unification. The retired per-arch UEFI template keys are
// commented out and the old pxelinux paths are moved to the grub based
// layout. Runs at daemon startup and during setup and is idempotent, a
// file without legacy settings is left untouched. The original file is
// kept next to the rewritten one with a .bak extension.
func UpdateConfigFile(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var changed bool
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		switch {
		case uefiTemplateKeyRe.MatchString(line):
			lines[i] = "# " + line
			changed = true
		case pxeDirKeyRe.MatchString(line) && strings.Contains(line, legacyPxeConfigDir):
			lines[i] = strings.ReplaceAll(line, legacyPxeConfigDir, defaultPxeConfigDir)
			changed = true
		case pxeTemplateKeyRe.MatchString(line) && strings.Contains(line, legacyPxeConfigDir):
			nl := strings.ReplaceAll(line, legacyPxeConfigDir, defaultPxeConfigDir)
			if key, val, ok := strings.Cut(nl, "="); ok && strings.TrimSpace(val) == defaultPxeConfigDir+"/"+legacyTemplateName {
				nl = key + "= " + defaultPxeConfigDir + "/" + defaultPxeTemplate
			}
			lines[i] = nl
			changed = true
		}
	}
	if !changed {
		return nil
	}

	//keep the original around, then swap in the rewrite atomically
	if err := safefile.WriteFile(path+backupExt, data, fi.Mode().Perm()); err != nil {
		return err
	}
	return renameio.WriteFile(path, []byte(strings.Join(lines, "\n")), fi.Mode().Perm())
}
