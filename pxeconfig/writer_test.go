//go:build linux
// +build linux

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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opsi-org/opsipxeconfd/log"
)

type recordingHandler struct {
	mtx   sync.Mutex
	fired []*Writer
}

func (h *recordingHandler) WriterFinished(w *Writer) {
	h.mtx.Lock()
	h.fired = append(h.fired, w)
	h.mtx.Unlock()
}

func (h *recordingHandler) count() int {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return len(h.fired)
}

func writeTestTemplate(t *testing.T, content string) string {
	t.Helper()
	pth := filepath.Join(t.TempDir(), `install-grub-x64`)
	if err := os.WriteFile(pth, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return pth
}

func TestWriterLifecycle(t *testing.T) {
	pxeDir := t.TempDir()
	files := []string{
		filepath.Join(pxeDir, `11112222-3333-4444-5555-666677778888`),
		filepath.Join(pxeDir, `01-aa-bb-cc-dd-ee-ff`),
	}
	hnd := &recordingHandler{}
	w, err := NewWriter(WriterOpts{
		HostID:       `pc01.lab.example`,
		TemplateFile: writeTestTemplate(t, grubTemplate),
		Files:        files,
		Append:       testAppendMap(),
		GroupGID:     -1,
		Handler:      hnd,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(w.Content, `hn=pc01`) {
		t.Fatalf("append map not rendered:\n%s", w.Content)
	}
	if err = w.Start(); err != nil {
		t.Fatal(err)
	}
	for _, pth := range files {
		fi, err := os.Stat(pth)
		if err != nil {
			t.Fatal(err)
		}
		if fi.Mode().Perm() != 0644 {
			t.Fatalf("%s has mode %o, want 0644", pth, fi.Mode().Perm())
		}
		body, err := os.ReadFile(pth)
		if err != nil {
			t.Fatal(err)
		}
		if string(body) != w.Content {
			t.Fatalf("%s content mismatch", pth)
		}
	}
	//that ReadFile above already closed the files read-only, the
	//writer must fire, clean up, and stop on its own
	if !w.WaitStopped(10 * time.Second) {
		t.Fatal(`writer did not stop after read`)
	}
	if hnd.count() != 1 {
		t.Fatalf("handler fired %d times, want 1", hnd.count())
	}
	for _, pth := range files {
		if _, err := os.Stat(pth); !os.IsNotExist(err) {
			t.Fatalf("%s still exists after completion", pth)
		}
	}
}

func TestWriterStop(t *testing.T) {
	pxeDir := t.TempDir()
	files := []string{filepath.Join(pxeDir, `01-aa-bb-cc-dd-ee-01`)}
	hnd := &recordingHandler{}
	w, err := NewWriter(WriterOpts{
		HostID:       `pc02.lab.example`,
		TemplateFile: writeTestTemplate(t, grubTemplate),
		Files:        files,
		GroupGID:     -1,
		Handler:      hnd,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err = w.Start(); err != nil {
		t.Fatal(err)
	}
	if _, err = os.Stat(files[0]); err != nil {
		t.Fatal(err)
	}
	w.Stop()
	w.Stop() //idempotent
	if !w.WaitStopped(5 * time.Second) {
		t.Fatal(`writer did not observe stop`)
	}
	if hnd.count() != 0 {
		t.Fatal(`handler fired on stop`)
	}
	if _, err = os.Stat(files[0]); !os.IsNotExist(err) {
		t.Fatalf("%s still exists after stop", files[0])
	}
}

func TestWriterStopBeforeStart(t *testing.T) {
	w, err := NewWriter(WriterOpts{
		HostID:       `pc03.lab.example`,
		TemplateFile: writeTestTemplate(t, grubTemplate),
		Files:        []string{filepath.Join(t.TempDir(), `01-aa-bb-cc-dd-ee-02`)},
		GroupGID:     -1,
	})
	if err != nil {
		t.Fatal(err)
	}
	w.Stop()
	if !w.WaitStopped(time.Second) {
		t.Fatal(`unstarted writer did not report stopped`)
	}
	if err = w.Start(); err == nil {
		t.Fatal(`start after stop must fail`)
	}
}

func TestWriterPckeyStripped(t *testing.T) {
	defer log.ClearSecrets()
	m := NewAppendMap()
	m.Set(`pckey`, `8a3c1b34a2e67cd8d910a3165fe2f7b1`)
	m.Set(`hn`, `pc04`)
	w, err := NewWriter(WriterOpts{
		HostID:       `pc04.lab.example`,
		TemplateFile: writeTestTemplate(t, grubTemplate),
		Files:        []string{filepath.Join(t.TempDir(), `01-aa-bb-cc-dd-ee-03`)},
		Append:       m,
		GroupGID:     -1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(w.Content, `pckey`) || strings.Contains(w.Content, `8a3c1b34a2e67cd8d910a3165fe2f7b1`) {
		t.Fatalf("host key leaked into boot config:\n%s", w.Content)
	}
	if _, ok := w.Append.Get(`pckey`); ok {
		t.Fatal(`pckey still in append map`)
	}
	if _, ok := w.Append.Get(`hn`); !ok {
		t.Fatal(`ordinary keys must survive`)
	}
}

func TestWriterUefiUnlicensed(t *testing.T) {
	_, err := NewWriter(WriterOpts{
		HostID:       `pc05.lab.example`,
		TemplateFile: writeTestTemplate(t, uefiTemplate),
		Files:        []string{filepath.Join(t.TempDir(), `01-aa-bb-cc-dd-ee-04`)},
		GroupGID:     -1,
	})
	if !errors.Is(err, ErrMissingUefiLicense) {
		t.Fatalf("got %v, want ErrMissingUefiLicense", err)
	}
}

func TestWriterTemplateMissing(t *testing.T) {
	_, err := NewWriter(WriterOpts{
		HostID:       `pc06.lab.example`,
		TemplateFile: filepath.Join(t.TempDir(), `nope`),
		Files:        []string{filepath.Join(t.TempDir(), `01-aa-bb-cc-dd-ee-05`)},
		GroupGID:     -1,
	})
	if err == nil {
		t.Fatal(`missing template must fail construction`)
	}
}

func TestWriterCreateFailure(t *testing.T) {
	pxeDir := t.TempDir()
	files := []string{
		filepath.Join(pxeDir, `01-aa-bb-cc-dd-ee-06`),
		filepath.Join(pxeDir, `missing-subdir`, `01-aa-bb-cc-dd-ee-07`),
	}
	w, err := NewWriter(WriterOpts{
		HostID:       `pc07.lab.example`,
		TemplateFile: writeTestTemplate(t, grubTemplate),
		Files:        files,
		GroupGID:     -1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err = w.Start(); err == nil {
		t.Fatal(`start must fail when a file cannot be created`)
	}
	//the file that did get created must be gone again
	if _, err = os.Stat(files[0]); !os.IsNotExist(err) {
		t.Fatalf("%s left behind after failed start", files[0])
	}
	if !w.WaitStopped(time.Second) {
		t.Fatal(`failed writer did not report stopped`)
	}
}

func TestWriterReplacesStaleFile(t *testing.T) {
	pxeDir := t.TempDir()
	pth := filepath.Join(pxeDir, `01-aa-bb-cc-dd-ee-08`)
	if err := os.WriteFile(pth, []byte(`stale content`), 0600); err != nil {
		t.Fatal(err)
	}
	w, err := NewWriter(WriterOpts{
		HostID:       `pc08.lab.example`,
		TemplateFile: writeTestTemplate(t, grubTemplate),
		Files:        []string{pth},
		GroupGID:     -1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err = w.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		w.Stop()
		w.WaitStopped(5 * time.Second)
	}()
	fi, err := os.Stat(pth)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0644 {
		t.Fatalf("mode %o, want 0644", fi.Mode().Perm())
	}
	//reading the file also ends the writer, check content last
	body, err := os.ReadFile(pth)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != w.Content {
		t.Fatalf("stale content survived: %q", body)
	}
}