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
	"strings"
	"testing"

	"github.com/GehirnInc/crypt/sha512_crypt"
)

const biosTemplate = `default opsi-netboot

label opsi-netboot
  kernel ../opsi-linux-bootimage/loader/opsi-vmlinuz
  append initrd=../opsi-linux-bootimage/loader/opsi-initrd.img video=vesa:ywrap,mtrr vga=791
`

const grubTemplate = `set default=0
set timeout=0

menuentry 'Start opsi netboot' {
	linux ../opsi-linux-bootimage/loader/opsi-vmlinuz video=vesa:ywrap,mtrr vga=791
	initrd ../opsi-linux-bootimage/loader/opsi-initrd.img
}
`

const uefiTemplate = `append="initrd=../opsi-linux-bootimage/loader/opsi-initrd.img vga=791"
`

func testAppendMap() *AppendMap {
	m := NewAppendMap()
	m.Set(`hn`, `pc01`)
	m.Set(`dn`, `lab.example`)
	m.Set(`service`, `https://opsi.lab.example:4447/rpc`)
	return m
}

func TestRenderSubstitution(t *testing.T) {
	tmpl := "say %greeting% to %name%\nno sentinel here\n%unknown% stays\n"
	props := map[string]string{
		`greeting`: `hello`,
		`name`:     `world`,
	}
	out, err := Render(tmpl, props, nil, RenderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	want := "say hello to world\nno sentinel here\n%unknown% stays\n"
	if out != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestRenderRightTrim(t *testing.T) {
	tmpl := "plain line   \ntabbed\t\t\nwindows line\r\n"
	out, err := Render(tmpl, nil, nil, RenderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if out != "plain line\ntabbed\nwindows line\n" {
		t.Fatalf("trailing whitespace survived: %q", out)
	}
	//a template without a final newline still gets one
	out, err = Render("last line", nil, nil, RenderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if out != "last line\n" {
		t.Fatalf("got %q", out)
	}
}

func TestRenderBios(t *testing.T) {
	out, err := Render(biosTemplate, nil, testAppendMap(), RenderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(out, "\n")
	var appendLine, kernelLine string
	for _, ln := range lines {
		if strings.HasPrefix(ln, `  append `) {
			appendLine = ln
		} else if strings.HasPrefix(ln, `kernel `) {
			kernelLine = ln
		}
	}
	wantAppend := `  append initrd=../opsi-linux-bootimage/loader/opsi-initrd.img video=vesa:ywrap,mtrr vga=791 ` +
		`hn=pc01 dn=lab.example service=https://opsi.lab.example:4447/rpc`
	if appendLine != wantAppend {
		t.Fatalf("append line\n got: %s\nwant: %s", appendLine, wantAppend)
	}
	//the relative-path kernel directive carries the parameters too
	if !strings.HasPrefix(kernelLine, `kernel ../opsi-linux-bootimage/loader/opsi-vmlinuz hn=pc01 `) {
		t.Fatalf("kernel line: %s", kernelLine)
	}
}

func TestRenderGrub(t *testing.T) {
	out, err := Render(grubTemplate, nil, testAppendMap(), RenderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	want := `linux ../opsi-linux-bootimage/loader/opsi-vmlinuz video=vesa:ywrap,mtrr vga=791 ` +
		`hn=pc01 dn=lab.example service=https://opsi.lab.example:4447/rpc`
	if !strings.Contains(out, want+"\n") {
		t.Fatalf("linux line missing in:\n%s", out)
	}
	//non-directive lines survive verbatim
	if !strings.Contains(out, "menuentry 'Start opsi netboot' {\n") {
		t.Fatalf("menuentry line mangled:\n%s", out)
	}
	if !strings.Contains(out, "\tinitrd ../opsi-linux-bootimage/loader/opsi-initrd.img\n") {
		t.Fatalf("initrd line mangled:\n%s", out)
	}
}

func TestRenderUefi(t *testing.T) {
	out, err := Render(uefiTemplate, nil, testAppendMap(), RenderOptions{UEFIEnabled: true})
	if err != nil {
		t.Fatal(err)
	}
	want := `append="initrd=../opsi-linux-bootimage/loader/opsi-initrd.img vga=791 ` +
		`hn=pc01 dn=lab.example service=https://opsi.lab.example:4447/rpc"` + "\n"
	if out != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestRenderUefiUnlicensed(t *testing.T) {
	_, err := Render(uefiTemplate, nil, testAppendMap(), RenderOptions{})
	if !errors.Is(err, ErrMissingUefiLicense) {
		t.Fatalf("got %v, want ErrMissingUefiLicense", err)
	}
}

func TestRenderBareToken(t *testing.T) {
	m := NewAppendMap()
	m.Set(`quiet`, ``)
	m.Set(`splash`, ``)
	m.Set(`lang`, `de`)
	out, err := Render("append vga=791\n", nil, m, RenderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if out != "  append vga=791 quiet splash lang=de\n" {
		t.Fatalf("got %q", out)
	}
}

func TestRenderKernelPassthrough(t *testing.T) {
	//kernel directives without a relative image path stay untouched
	out, err := Render("kernel memtest86\n", nil, testAppendMap(), RenderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if out != "kernel memtest86\n" {
		t.Fatalf("got %q", out)
	}
}

func TestRenderPwhEscaped(t *testing.T) {
	m := NewAppendMap()
	m.Set(`pwh`, `$6$salt$hash`)
	out, err := Render("append vga=791\n", nil, m, RenderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if out != `  append vga=791 pwh=\$6\$salt\$hash`+"\n" {
		t.Fatalf("got %q", out)
	}
}

func TestRenderRootPassword(t *testing.T) {
	m := NewAppendMap()
	m.Set(`bootimageRootPassword`, `linux123`)
	out, err := Render("append vga=791\n", nil, m, RenderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, `linux123`) {
		t.Fatalf("clear password leaked: %q", out)
	}
	if strings.Contains(out, `bootimageRootPassword`) {
		t.Fatalf("clear password key leaked: %q", out)
	}
	var pwh string
	for _, fld := range strings.Fields(out) {
		if strings.HasPrefix(fld, `pwh=`) {
			pwh = strings.TrimPrefix(fld, `pwh=`)
		}
	}
	if pwh == `` {
		t.Fatalf("no pwh parameter in %q", out)
	}
	if !strings.HasPrefix(pwh, `\$6\$`) {
		t.Fatalf("not an escaped sha512 crypt hash: %q", pwh)
	}
	//the unescaped hash must verify against the clear password
	hash := strings.ReplaceAll(pwh, `\$`, `$`)
	if err = sha512_crypt.New().Verify(hash, []byte(`linux123`)); err != nil {
		t.Fatalf("hash does not verify: %v", err)
	}
}

func TestRenderPropertyInDirective(t *testing.T) {
	//sentinel substitution happens before directive parsing
	props := map[string]string{
		`loader`: `../custom/vmlinuz`,
	}
	out, err := Render("linux %loader% vga=791\n", props, nil, RenderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if out != "linux ../custom/vmlinuz vga=791\n" {
		t.Fatalf("got %q", out)
	}
}

func TestRenderEmptyTemplate(t *testing.T) {
	out, err := Render(``, nil, testAppendMap(), RenderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if out != `` {
		t.Fatalf("got %q, want empty", out)
	}
}
