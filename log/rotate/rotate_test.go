/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

package rotate

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func TestOpenClose(t *testing.T) {
	p := filepath.Join(t.TempDir(), `test.log`)
	fr, err := Open(p, 0660)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = io.WriteString(fr, "hello\n"); err != nil {
		t.Fatal(err)
	}
	if err = fr.Close(); err != nil {
		t.Fatal(err)
	}
	if err = fr.Close(); err != ErrAlreadyClosed {
		t.Fatal("expected ErrAlreadyClosed, got", err)
	}
}

func TestRotate(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, `test.log`)
	fr, err := OpenEx(p, 0660, 64, 2, false)
	if err != nil {
		t.Fatal(err)
	}
	line := strings.Repeat("x", 31) + "\n"
	for i := 0; i < 6; i++ {
		if _, err = io.WriteString(fr, line); err != nil {
			t.Fatal(err)
		}
	}
	if err = fr.Close(); err != nil {
		t.Fatal(err)
	}
	for _, n := range []string{`test.1.log`, `test.2.log`} {
		if _, err = os.Stat(filepath.Join(dir, n)); err != nil {
			t.Fatal("missing history file", n, err)
		}
	}
	//history is capped at two
	if _, err = os.Stat(filepath.Join(dir, `test.3.log`)); err == nil {
		t.Fatal("history not capped")
	}
	//live file must have been reopened below the cap
	fi, err := os.Stat(p)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() >= 64 {
		t.Fatal("live file was not rolled, size", fi.Size())
	}
}

func TestRotateMidline(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, `test.log`)
	fr, err := OpenEx(p, 0660, 16, 1, false)
	if err != nil {
		t.Fatal(err)
	}
	//no trailing newline, rotation must hold off
	if _, err = io.WriteString(fr, strings.Repeat("y", 32)); err != nil {
		t.Fatal(err)
	}
	if _, err = os.Stat(filepath.Join(dir, `test.1.log`)); err == nil {
		t.Fatal("rotated in the middle of a line")
	}
	if _, err = io.WriteString(fr, "\n"); err != nil {
		t.Fatal(err)
	}
	if _, err = os.Stat(filepath.Join(dir, `test.1.log`)); err != nil {
		t.Fatal("did not rotate on line end", err)
	}
	if err = fr.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRotateCompressed(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, `test.log`)
	fr, err := OpenEx(p, 0660, 32, 1, true)
	if err != nil {
		t.Fatal(err)
	}
	payload := fmt.Sprintf("%s\n", strings.Repeat("z", 63))
	if _, err = io.WriteString(fr, payload); err != nil {
		t.Fatal(err)
	}
	if err = fr.Close(); err != nil {
		t.Fatal(err)
	}
	fin, err := os.Open(filepath.Join(dir, `test.1.log.gz`))
	if err != nil {
		t.Fatal("missing compressed history file", err)
	}
	defer fin.Close()
	rdr, err := gzip.NewReader(fin)
	if err != nil {
		t.Fatal(err)
	}
	bts, err := io.ReadAll(rdr)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(bts, []byte(payload)) {
		t.Fatal("bad decompressed content")
	}
}

func TestReopenRotates(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, `test.log`)
	if err := os.WriteFile(p, []byte(strings.Repeat("a", 128)+"\n"), 0660); err != nil {
		t.Fatal(err)
	}
	fr, err := OpenEx(p, 0660, 64, 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if err = fr.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err = os.Stat(filepath.Join(dir, `test.1.log`)); err != nil {
		t.Fatal("oversized file was not rotated on open", err)
	}
}
