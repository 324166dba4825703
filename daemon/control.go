/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

package daemon

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/shlex"
	"github.com/opsi-org/opsipxeconfd/log"
)

const (
	recvTimeout   = 2 * time.Second
	sendTimeout   = 2 * time.Second
	maxCommandLen = 4096

	// ErrorMarker prefixes every error reply on the control socket,
	// operator tooling keys its exit status off it.
	ErrorMarker = `(ERROR)`
)

var (
	ErrTooManyConnections = errors.New("too many control connections")
)

type clientConnection struct {
	conn      net.Conn
	startTime time.Time
}

// connRegistry tracks the live control connections for the status
// command and enforces the connection cap.
type connRegistry struct {
	mtx   sync.Mutex
	conns []*clientConnection
	max   int
}

func newConnRegistry(max int) *connRegistry {
	return &connRegistry{
		max: max,
	}
}

func (r *connRegistry) add(c *clientConnection) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.max > 0 && len(r.conns) >= r.max {
		return fmt.Errorf("%w (%d)", ErrTooManyConnections, r.max)
	}
	r.conns = append(r.conns, c)
	return nil
}

func (r *connRegistry) remove(c *clientConnection) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for i, cand := range r.conns {
		if cand == c {
			r.conns = append(r.conns[:i], r.conns[i+1:]...)
			return
		}
	}
}

func (r *connRegistry) snapshot() []*clientConnection {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	cs := make([]*clientConnection, len(r.conns))
	copy(cs, r.conns)
	return cs
}

// handleConnection serves exactly one command on one connection: one
// receive, one reply, close. A requested shutdown runs after the reply
// has gone out so the operator is not left hanging.
func (d *Daemon) handleConnection(conn net.Conn) {
	defer conn.Close()
	cc := &clientConnection{conn: conn, startTime: time.Now()}
	if err := d.conns.add(cc); err != nil {
		d.lgr.Warn(`rejecting control connection`, log.KVErr(err))
		d.reply(conn, ErrorMarker+`: `+err.Error())
		return
	}
	defer d.conns.remove(cc)

	conn.SetReadDeadline(time.Now().Add(recvTimeout))
	buf := make([]byte, maxCommandLen)
	n, err := conn.Read(buf)
	if n == 0 {
		if err != nil {
			d.lgr.Warn(`control receive failed`, log.KVErr(err))
		}
		return
	}
	cmdline := strings.TrimSpace(string(buf[:n]))
	d.lgr.Info(`control command received`, log.KV(`command`, cmdline))

	resp, stop := d.dispatch(cmdline)
	d.reply(conn, resp)
	if stop {
		conn.Close()
		d.conns.remove(cc)
		d.Stop()
	}
}

// dispatch parses and executes one control command. Anything thrown by
// a handler, panics included, comes back as an error reply rather than
// taking the daemon down.
func (d *Daemon) dispatch(cmdline string) (resp string, stop bool) {
	defer func() {
		if r := recover(); r != nil {
			d.lgr.Error(`control command panicked`,
				log.KV(`command`, cmdline), log.KV(`panic`, fmt.Sprintf(`%v`, r)))
			resp = fmt.Sprintf(`%s: internal error: %v`, ErrorMarker, r)
			stop = false
		}
	}()
	cmd, rest := splitCommand(cmdline)
	if cmd == `` {
		return ErrorMarker + `: empty command`, false
	}
	args, err := shlex.Split(rest)
	if err != nil {
		return fmt.Sprintf(`%s: bad arguments: %v`, ErrorMarker, err), false
	}
	switch cmd {
	case `stop`:
		return `opsipxeconfd is going down`, true
	case `status`:
		return d.statusText(), false
	case `update`:
		if len(args) < 1 {
			return ErrorMarker + `: bad arguments for command 'update', needs <hostId>`, false
		}
		resp, err := d.UpdateBootConfiguration(args[0])
		if err != nil {
			d.lgr.Error(`update command failed`, log.KV(`client`, args[0]), log.KVErr(err))
			return fmt.Sprintf(`%s: %v`, ErrorMarker, err), false
		}
		return resp, false
	case `remove`:
		if len(args) < 1 {
			return ErrorMarker + `: bad arguments for command 'remove', needs <hostId>`, false
		}
		resp, err := d.RemoveBootConfiguration(args[0])
		if err != nil {
			d.lgr.Error(`remove command failed`, log.KV(`client`, args[0]), log.KVErr(err))
			return fmt.Sprintf(`%s: %v`, ErrorMarker, err), false
		}
		return resp, false
	}
	return fmt.Sprintf(`%s: command %q not supported`, ErrorMarker, cmd), false
}

func (d *Daemon) reply(conn net.Conn, msg string) {
	conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	if _, err := conn.Write([]byte(msg)); err != nil {
		d.lgr.Warn(`control reply failed`, log.KVErr(err))
	}
}

// splitCommand separates the command token from its argument tail.
func splitCommand(cmdline string) (cmd, rest string) {
	if i := strings.IndexFunc(cmdline, unicode.IsSpace); i >= 0 {
		return cmdline[:i], strings.TrimSpace(cmdline[i:])
	}
	return cmdline, ``
}
