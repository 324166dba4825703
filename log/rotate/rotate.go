/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

// Package rotate implements size based log file rotation for the
// opsipxeconfd logging system. Rotated files are numbered, oldest last,
// and gzip compressed unless told otherwise.
package rotate

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
)

const (
	mb = 1024 * 1024

	defaultMaxSize     = 5 * mb
	defaultMaxHistory  = 1
	defaultCompressOld = true

	gzExt = `.gz`
)

var (
	ErrAlreadyClosed = errors.New("already closed")
)

type FileRotator struct {
	sync.Mutex
	perm       os.FileMode
	pth        string
	base       string // path without the extension
	ext        string // extension including the dot, may be empty
	fout       *os.File
	currSize   int64
	maxSize    int64
	maxHistory uint
	compress   bool
}

func Open(pth string, perm os.FileMode) (*FileRotator, error) {
	return OpenEx(pth, perm, defaultMaxSize, defaultMaxHistory, defaultCompressOld)
}

func OpenEx(pth string, perm os.FileMode, maxSize int64, maxHistory uint, compressOld bool) (*FileRotator, error) {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	if maxHistory == 0 {
		maxHistory = defaultMaxHistory
	}

	pth = filepath.Clean(pth)
	if _, file := filepath.Split(pth); file == `` || file == `.` {
		return nil, fmt.Errorf("file path does not contain a filename")
	}
	ext := filepath.Ext(pth)

	fout, sz, err := openFile(pth, perm)
	if err != nil {
		return nil, err
	}

	fr := &FileRotator{
		perm:       perm,
		pth:        pth,
		base:       strings.TrimSuffix(pth, ext),
		ext:        ext,
		fout:       fout,
		currSize:   sz,
		maxSize:    maxSize,
		maxHistory: maxHistory,
		compress:   compressOld,
	}

	//check if we need to rotate right now
	if fr.currSize >= fr.maxSize {
		if err = fr.rotate(); err != nil {
			fr.Close()
			return nil, fmt.Errorf("failed to rotate log file %s %w", pth, err)
		}
	}

	return fr, nil
}

func (fr *FileRotator) Close() (err error) {
	fr.Lock()
	defer fr.Unlock()
	if fr.fout == nil {
		return ErrAlreadyClosed
	}
	if err = fr.fout.Close(); err != nil {
		return
	}
	fr.fout = nil
	return
}

func (fr *FileRotator) Write(buf []byte) (n int, err error) {
	var doRotate bool
	//we only rotate when the buffer ends on a line so entries stay whole
	fr.Lock()
	if fr.fout == nil {
		fr.Unlock()
		return 0, ErrAlreadyClosed
	}
	if n, err = fr.fout.Write(buf); err == nil {
		fr.currSize += int64(n)
		if fr.currSize >= fr.maxSize && newlineTerminated(buf) {
			doRotate = true
		}
	}
	fr.Unlock()
	if doRotate {
		err = fr.rotate()
	}
	return
}

func newlineTerminated(buf []byte) (ok bool) {
	l := len(buf)
	if l >= 1 && buf[l-1] == '\n' || buf[l-1] == '\r' {
		ok = true
	}
	return
}

// historyPath generates the path of the rotated file with the given id,
// id 1 is the youngest
func (fr *FileRotator) historyPath(id uint) string {
	p := fmt.Sprintf("%s.%d%s", fr.base, id, fr.ext)
	if fr.compress {
		p = p + gzExt
	}
	return p
}

func (fr *FileRotator) rotate() (err error) {
	fr.Lock()
	err = fr.rotateNoLock()
	fr.Unlock()
	return
}

// rotateNoLock shifts the numbered history up, dropping whatever falls off
// the end, then rolls the live file into slot one and reopens it.
//
//	foo.2.log.gz -> DELETED
//	foo.1.log.gz -> foo.2.log.gz
//	foo.log      -> foo.1.log.gz
func (fr *FileRotator) rotateNoLock() (err error) {
	if err = os.Remove(fr.historyPath(fr.maxHistory)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove old file %v %w", fr.historyPath(fr.maxHistory), err)
	}
	for id := fr.maxHistory - 1; id >= 1; id-- {
		from := fr.historyPath(id)
		if _, lerr := os.Stat(from); lerr != nil {
			continue
		}
		if err = os.Rename(from, fr.historyPath(id+1)); err != nil {
			return fmt.Errorf("failed to rotate %v -> %v %w", from, fr.historyPath(id+1), err)
		}
	}
	return fr.rollCurrentNoLock()
}

func (fr *FileRotator) rollCurrentNoLock() (err error) {
	nf := fr.historyPath(1)
	if err = fr.fout.Close(); err != nil {
		return fmt.Errorf("failed to close %v %w", fr.pth, err)
	}
	if !fr.compress {
		if err = os.Rename(fr.pth, nf); err != nil {
			return fmt.Errorf("failed to rename %v -> %v %w", fr.pth, nf, err)
		}
	} else {
		if err = compressFile(fr.pth, nf, fr.perm); err != nil {
			return
		} else if err = os.Remove(fr.pth); err != nil {
			return fmt.Errorf("failed to remove original file %s after compression %w", fr.pth, err)
		}
	}
	if fr.fout, fr.currSize, err = openFile(fr.pth, fr.perm); err != nil {
		err = fmt.Errorf("failed to open %v (%v) %w", fr.pth, fr.perm, err)
	}
	return
}

func openFile(pth string, perm os.FileMode) (fout *os.File, sz int64, err error) {
	if fout, err = os.OpenFile(pth, os.O_CREATE|os.O_WRONLY, perm); err != nil {
		return
	}

	//seek to the end and get the size
	if sz, err = fout.Seek(0, io.SeekEnd); err != nil {
		fout.Close()
		err = fmt.Errorf("failed to detect filesize %w", err)
	}
	return
}

func compressFile(src, dst string, perm os.FileMode) (err error) {
	var fin, fout *os.File
	var wtr *gzip.Writer
	if fin, err = os.Open(src); err != nil {
		return
	}
	defer fin.Close()
	if fout, err = os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, perm); err != nil {
		return
	}
	defer fout.Close()
	if wtr, err = gzip.NewWriterLevel(fout, gzip.BestCompression); err != nil {
		err = fmt.Errorf("failed to create gzip writer on %v %w", dst, err)
		return
	}
	if _, err = io.Copy(wtr, fin); err == nil {
		err = wtr.Close()
	}
	if err != nil {
		err = fmt.Errorf("failed to compress file %v -> %v %w", src, dst, err)
	}
	return
}
