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
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestWriter(t *testing.T, host string, files ...string) *Writer {
	t.Helper()
	tmpl := filepath.Join(t.TempDir(), `install-grub-x64`)
	if err := os.WriteFile(tmpl, []byte(grubTemplate), 0644); err != nil {
		t.Fatal(err)
	}
	w, err := NewWriter(WriterOpts{
		HostID:       host,
		TemplateFile: tmpl,
		Files:        files,
		GroupGID:     -1,
	})
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func TestRegistryLimit(t *testing.T) {
	r := NewRegistry(2)
	w1 := newTestWriter(t, `pc01.lab.example`, `/tftpboot/a`)
	w2 := newTestWriter(t, `pc02.lab.example`, `/tftpboot/b`)
	w3 := newTestWriter(t, `pc03.lab.example`, `/tftpboot/c`)
	if err := r.Insert(w1); err != nil {
		t.Fatal(err)
	}
	if err := r.Insert(w2); err != nil {
		t.Fatal(err)
	}
	if err := r.Insert(w3); !errors.Is(err, ErrTooManyWriters) {
		t.Fatalf("got %v, want ErrTooManyWriters", err)
	}
	r.Remove(w1)
	if err := r.Insert(w3); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 2 {
		t.Fatalf("got %d writers, want 2", r.Len())
	}
}

func TestRegistryForHost(t *testing.T) {
	r := NewRegistry(0)
	w1 := newTestWriter(t, `pc01.lab.example`, `/tftpboot/a`)
	w2 := newTestWriter(t, `pc02.lab.example`, `/tftpboot/b`)
	for _, w := range []*Writer{w1, w2} {
		if err := r.Insert(w); err != nil {
			t.Fatal(err)
		}
	}
	ws := r.ForHost(`pc01.lab.example`)
	if len(ws) != 1 || ws[0] != w1 {
		t.Fatalf("bad ForHost result: %v", ws)
	}
	if ws = r.ForHost(`ghost.lab.example`); ws != nil {
		t.Fatalf("got writers for unknown host: %v", ws)
	}
	if snap := r.Snapshot(); len(snap) != 2 {
		t.Fatalf("snapshot has %d writers, want 2", len(snap))
	}
	//removing an unregistered writer is a no-op
	r.Remove(newTestWriter(t, `pc03.lab.example`, `/tftpboot/c`))
	if r.Len() != 2 {
		t.Fatalf("got %d writers, want 2", r.Len())
	}
}

func TestRegistryConflicts(t *testing.T) {
	r := NewRegistry(0)
	w1 := newTestWriter(t, `pc01.lab.example`, `/tftpboot/uuid1`, `/tftpboot/01-aa-bb-cc-dd-ee-ff`)
	if err := r.Insert(w1); err != nil {
		t.Fatal(err)
	}
	//same host sharing a path gets handed back for replacement
	same, err := r.CheckConflicts(`pc01.lab.example`, []string{`/tftpboot/01-aa-bb-cc-dd-ee-ff`})
	if err != nil {
		t.Fatal(err)
	}
	if len(same) != 1 || same[0] != w1 {
		t.Fatalf("bad same-host result: %v", same)
	}
	//a different host on the same path is fatal
	if _, err = r.CheckConflicts(`pc02.lab.example`, []string{`/tftpboot/01-aa-bb-cc-dd-ee-ff`}); !errors.Is(err, ErrPathConflict) {
		t.Fatalf("got %v, want ErrPathConflict", err)
	}
	//disjoint paths are fine for anyone
	if same, err = r.CheckConflicts(`pc02.lab.example`, []string{`/tftpboot/uuid2`}); err != nil || same != nil {
		t.Fatalf("got %v/%v, want clean pass", same, err)
	}
}

func TestRegistryDropHost(t *testing.T) {
	r := NewRegistry(0)
	w1 := newTestWriter(t, `pc01.lab.example`, `/tftpboot/a`)
	w2 := newTestWriter(t, `pc01.lab.example`, `/tftpboot/b`)
	w3 := newTestWriter(t, `pc02.lab.example`, `/tftpboot/c`)
	for _, w := range []*Writer{w1, w2, w3} {
		if err := r.Insert(w); err != nil {
			t.Fatal(err)
		}
	}
	n, ok := r.DropHost(`pc01.lab.example`)
	if n != 2 || !ok {
		t.Fatalf("dropped %d/%v, want 2/true", n, ok)
	}
	if r.Len() != 1 {
		t.Fatalf("got %d writers, want 1", r.Len())
	}
	//the dropped writers are joined
	if !w1.WaitStopped(time.Second) || !w2.WaitStopped(time.Second) {
		t.Fatal(`dropped writers did not stop`)
	}
	if n, ok = r.DropHost(`ghost.lab.example`); n != 0 || !ok {
		t.Fatalf("dropped %d/%v for unknown host", n, ok)
	}
}

func TestRegistryDrop(t *testing.T) {
	r := NewRegistry(0)
	w1 := newTestWriter(t, `pc01.lab.example`, `/tftpboot/a`)
	w2 := newTestWriter(t, `pc02.lab.example`, `/tftpboot/b`)
	for _, w := range []*Writer{w1, w2} {
		if err := r.Insert(w); err != nil {
			t.Fatal(err)
		}
	}
	if ok := r.Drop([]*Writer{w1}); !ok {
		t.Fatal(`drop did not join`)
	}
	if r.Len() != 1 || r.Snapshot()[0] != w2 {
		t.Fatal(`wrong writer dropped`)
	}
}
