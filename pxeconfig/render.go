/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

package pxeconfig

import (
	"errors"
	"fmt"
	"strings"

	"github.com/GehirnInc/crypt/sha512_crypt"
)

var (
	ErrMissingUefiLicense = errors.New("template requires the uefi module which is not licensed")
)

// RenderOptions carries the licensing flags captured when a writer is
// constructed, later licensing changes never affect a rendered config.
type RenderOptions struct {
	UEFIEnabled       bool
	SecureBootEnabled bool
}

// Render expands a boot config template into the final file content.
// Property sentinels of the form %name% are substituted first, then
// every append, linux, and "kernel ../" directive line has the append
// map merged onto its existing parameters. All other lines pass
// through right-trimmed. Quoted append directives are the UEFI form
// and refuse to render without the uefi license.
//
// Render performs no I/O and takes no locks.
func Render(template string, properties map[string]string, amap *AppendMap, opts RenderOptions) (string, error) {
	lines := strings.Split(template, "\n")
	if n := len(lines); n > 0 && lines[n-1] == `` {
		lines = lines[:n-1]
	}
	var sb strings.Builder
	for _, ln := range lines {
		ln = strings.TrimRight(ln, " \t\r")
		for id, val := range properties {
			ln = strings.ReplaceAll(ln, `%`+id+`%`, val)
		}
		trimmed := strings.TrimLeft(ln, " \t")
		switch {
		case strings.HasPrefix(trimmed, `append="`):
			if !opts.UEFIEnabled {
				return ``, ErrMissingUefiLicense
			}
			params, err := mergeParams(quotedTail(trimmed), amap)
			if err != nil {
				return ``, err
			}
			fmt.Fprintf(&sb, "append=\"%s\"\n", strings.Join(params, ` `))
		case strings.HasPrefix(trimmed, `append`):
			params, err := mergeParams(fieldsTail(trimmed), amap)
			if err != nil {
				return ``, err
			}
			fmt.Fprintf(&sb, "  append %s\n", strings.Join(params, ` `))
		case strings.HasPrefix(trimmed, `linux`):
			params, err := mergeParams(fieldsTail(trimmed), amap)
			if err != nil {
				return ``, err
			}
			fmt.Fprintf(&sb, "linux %s\n", strings.Join(params, ` `))
		case isKernelDirective(trimmed):
			params, err := mergeParams(fieldsTail(trimmed), amap)
			if err != nil {
				return ``, err
			}
			fmt.Fprintf(&sb, "kernel %s\n", strings.Join(params, ` `))
		default:
			sb.WriteString(ln)
			sb.WriteByte('\n')
		}
	}
	return sb.String(), nil
}

// isKernelDirective reports whether a line is a kernel directive that
// carries its parameters inline. Only relative image paths qualify,
// anything else (memtest entries, absolute chainloads) passes through
// untouched.
func isKernelDirective(trimmed string) bool {
	flds := strings.Fields(trimmed)
	return len(flds) >= 2 && flds[0] == `kernel` && strings.HasPrefix(flds[1], `../`)
}

// quotedTail extracts the parameters of a quoted append directive.
func quotedTail(ln string) []string {
	_, tail, ok := strings.Cut(ln, `="`)
	if !ok {
		return nil
	}
	return strings.Fields(strings.TrimSuffix(tail, `"`))
}

// fieldsTail extracts the parameters of an unquoted directive, the
// directive keyword itself is dropped.
func fieldsTail(ln string) []string {
	flds := strings.Fields(ln)
	if len(flds) < 2 {
		return nil
	}
	return flds[1:]
}

// mergeParams appends the map entries onto the parameters already
// present in the template, applying the special key handling for
// password material. Empty values render as bare tokens.
func mergeParams(existing []string, amap *AppendMap) ([]string, error) {
	out := existing
	if amap == nil {
		return out, nil
	}
	for _, p := range amap.Params() {
		lkey := strings.ToLower(p.Key)
		switch {
		case p.Value == ``:
			out = append(out, p.Key)
		case strings.Contains(lkey, `bootimagerootpassword`):
			hash, err := hashBootPassword(p.Value)
			if err != nil {
				return nil, err
			}
			out = append(out, `pwh=`+escapeDollars(hash))
		case strings.Contains(lkey, `pwh`):
			out = append(out, p.Key+`=`+escapeDollars(p.Value))
		default:
			out = append(out, p.Key+`=`+p.Value)
		}
	}
	return out, nil
}

// hashBootPassword derives a crypt style SHA-512 hash of the clear
// root password, the boot image stores the hash instead of the clear
// value.
func hashBootPassword(pw string) (string, error) {
	return sha512_crypt.New().Generate([]byte(pw), nil)
}

// escapeDollars protects hash separators from variable expansion in
// the boot loader.
func escapeDollars(v string) string {
	return strings.ReplaceAll(v, `$`, `\$`)
}
