/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

package pxeconfig

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dchest/safefile"
	"github.com/opsi-org/opsipxeconfd/log"
	"github.com/opsi-org/opsipxeconfd/service"
)

const (
	watchTimeout = 3 * time.Second
	pxeFileMode  = 0644

	appendKeyPckey = `pckey`
)

// Handler receives the completion callback once one of a writer's boot
// files has been read. The callback runs on the writer's goroutine,
// before the files are unlinked, and at most once per writer.
type Handler interface {
	WriterFinished(w *Writer)
}

// Writer materializes the rendered boot configuration of one host
// under the PXE directory and waits for the booting client to fetch
// it. Whatever way the wait ends (file read, stop request, watch
// failure) the files are unlinked before the stopped event fires.
type Writer struct {
	HostID            string
	TemplateFile      string
	Files             []string
	Content           string
	Append            *AppendMap
	ProductOnClient   *service.ProductOnClient
	StartTime         time.Time
	UEFIEnabled       bool
	SecureBootEnabled bool

	groupGID int
	handler  Handler
	lgr      *log.Logger

	mtx      sync.Mutex
	active   bool
	die      chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	doneOnce sync.Once
}

// WriterOpts carries everything a Writer needs at construction.
type WriterOpts struct {
	HostID            string
	TemplateFile      string
	Files             []string
	Append            *AppendMap
	Properties        map[string]string
	ProductOnClient   *service.ProductOnClient
	UEFIEnabled       bool
	SecureBootEnabled bool
	GroupGID          int //group owner for the boot files, -1 leaves ownership alone
	Handler           Handler
	Logger            *log.Logger
}

// NewWriter reads the template and renders the boot file content. The
// pckey entry of the append map is handed to the log redactor and
// stripped before rendering, it must never appear in a boot file or a
// log line. No file is created yet; that happens in Start.
func NewWriter(opts WriterOpts) (*Writer, error) {
	if opts.Logger == nil {
		opts.Logger = log.NewDiscardLogger()
	}
	if len(opts.Files) == 0 {
		return nil, fmt.Errorf("no boot file paths for host %s", opts.HostID)
	}
	amap := opts.Append
	if amap == nil {
		amap = NewAppendMap()
	}
	if pckey, ok := amap.Get(appendKeyPckey); ok {
		if pckey != `` {
			log.AddSecret(pckey)
		}
		amap.Delete(appendKeyPckey)
	}
	tmpl, err := os.ReadFile(opts.TemplateFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s %w", opts.TemplateFile, err)
	}
	content, err := Render(string(tmpl), opts.Properties, amap, RenderOptions{
		UEFIEnabled:       opts.UEFIEnabled,
		SecureBootEnabled: opts.SecureBootEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render template %s %w", opts.TemplateFile, err)
	}
	return &Writer{
		HostID:            opts.HostID,
		TemplateFile:      opts.TemplateFile,
		Files:             opts.Files,
		Content:           content,
		Append:            amap,
		ProductOnClient:   opts.ProductOnClient,
		StartTime:         time.Now(),
		UEFIEnabled:       opts.UEFIEnabled,
		SecureBootEnabled: opts.SecureBootEnabled,
		groupGID:          opts.GroupGID,
		handler:           opts.Handler,
		lgr:               opts.Logger,
		die:               make(chan struct{}),
		stopped:           make(chan struct{}),
	}, nil
}

// Start creates the boot files and begins waiting for a read. If any
// file cannot be materialized every file already created is removed
// again and the writer finishes without ever having been active.
func (w *Writer) Start() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.active {
		return fmt.Errorf("writer for %s already started", w.HostID)
	}
	select {
	case <-w.die:
		return fmt.Errorf("writer for %s already stopped", w.HostID)
	default:
	}
	if err := w.createFiles(); err != nil {
		w.removeFiles()
		w.doneOnce.Do(func() { close(w.stopped) })
		return err
	}
	watcher, err := newReadWatcher()
	if err != nil {
		w.removeFiles()
		w.doneOnce.Do(func() { close(w.stopped) })
		return err
	}
	for _, pth := range w.Files {
		if err = watcher.Add(pth); err != nil {
			watcher.Close()
			w.removeFiles()
			w.doneOnce.Do(func() { close(w.stopped) })
			return fmt.Errorf("failed to watch %s %w", pth, err)
		}
	}
	w.active = true
	go w.run(watcher)
	return nil
}

func (w *Writer) run(watcher *readWatcher) {
	defer w.doneOnce.Do(func() { close(w.stopped) })
	defer w.removeFiles()
	defer watcher.Close()

	var accessed string
	for accessed == `` {
		select {
		case <-w.die:
			w.lgr.Info(`boot config writer stopping`, log.KV(`client`, w.HostID))
			return
		default:
		}
		pth, err := watcher.WaitRead(watchTimeout)
		if err != nil {
			w.lgr.Error(`boot config watch failed`, log.KV(`client`, w.HostID), log.KVErr(err))
			return
		}
		accessed = pth
	}
	w.lgr.Info(`boot config file was read`, log.KV(`client`, w.HostID), log.KV(`path`, accessed))
	if w.handler != nil {
		w.fire()
	}
}

// fire invokes the completion handler; a panic there must not keep the
// boot files on disk.
func (w *Writer) fire() {
	defer func() {
		if r := recover(); r != nil {
			w.lgr.Error(`boot config completion handler panicked`,
				log.KV(`client`, w.HostID), log.KV(`panic`, fmt.Sprintf(`%v`, r)))
		}
	}()
	w.handler.WriterFinished(w)
}

func (w *Writer) createFiles() error {
	for _, pth := range w.Files {
		if err := w.writeFile(pth); err != nil {
			return fmt.Errorf("failed to create %s %w", pth, err)
		}
		w.lgr.Info(`created boot config file`, log.KV(`client`, w.HostID), log.KV(`path`, pth))
	}
	return nil
}

// writeFile atomically materializes one boot file. The explicit chmod
// after commit undoes the daemon's restrictive umask; TFTP runs
// unprivileged and must be able to read the file.
func (w *Writer) writeFile(pth string) error {
	if err := os.Remove(pth); err != nil && !os.IsNotExist(err) {
		return err
	}
	f, err := safefile.Create(pth, pxeFileMode)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err = io.WriteString(f, w.Content); err != nil {
		return err
	}
	if err = f.Commit(); err != nil {
		return err
	}
	if w.groupGID >= 0 {
		if err = os.Chown(pth, -1, w.groupGID); err != nil {
			w.lgr.Warn(`failed to set boot file group`, log.KV(`path`, pth), log.KVErr(err))
		}
	}
	return os.Chmod(pth, pxeFileMode)
}

func (w *Writer) removeFiles() {
	for _, pth := range w.Files {
		if err := os.Remove(pth); err != nil {
			if !os.IsNotExist(err) {
				w.lgr.Error(`failed to remove boot config file`, log.KV(`path`, pth), log.KVErr(err))
			}
			continue
		}
		w.lgr.Info(`removed boot config file`, log.KV(`client`, w.HostID), log.KV(`path`, pth))
	}
}

// Stop requests termination. It is idempotent, safe from any
// goroutine, and observed within one watch timeout. Stopping a writer
// that never started completes its stopped event immediately.
func (w *Writer) Stop() {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.stopOnce.Do(func() { close(w.die) })
	if !w.active {
		w.doneOnce.Do(func() { close(w.stopped) })
	}
}

// WaitStopped blocks until the writer has unlinked its files and
// exited, or the timeout elapses. It reports whether the writer
// finished in time.
func (w *Writer) WaitStopped(timeout time.Duration) bool {
	select {
	case <-w.stopped:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Stopped exposes the completion event for callers that select on it.
func (w *Writer) Stopped() <-chan struct{} {
	return w.stopped
}
