/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

package log

import (
	"bytes"
	"strings"
	"sync"
)

const (
	// ConfidentialMarker replaces registered secrets in every log line.
	ConfidentialMarker = `***confidential***`

	// secrets shorter than this are too likely to shred unrelated output
	minSecretLen = 3
)

// the filter is package global on purpose, secrets like opsi host keys are
// handed around between the service client and the config writers and every
// logger in the process must honor them
var sf secretFilter

type secretFilter struct {
	mtx     sync.Mutex
	secrets []string
}

// AddSecret registers a string that must never show up in log output.
// Empty and very short values are ignored.
func AddSecret(v string) {
	if len(v) < minSecretLen {
		return
	}
	sf.mtx.Lock()
	defer sf.mtx.Unlock()
	for _, s := range sf.secrets {
		if s == v {
			return
		}
	}
	sf.secrets = append(sf.secrets, v)
}

// ClearSecrets drops all registered secrets, only tests should need this.
func ClearSecrets() {
	sf.mtx.Lock()
	sf.secrets = nil
	sf.mtx.Unlock()
}

// FilterString replaces every registered secret in s with the
// confidential marker.
func FilterString(s string) string {
	sf.mtx.Lock()
	defer sf.mtx.Unlock()
	for _, sec := range sf.secrets {
		if strings.Contains(s, sec) {
			s = strings.ReplaceAll(s, sec, ConfidentialMarker)
		}
	}
	return s
}

// FilterBytes is FilterString for raw buffers.
func FilterBytes(b []byte) []byte {
	sf.mtx.Lock()
	defer sf.mtx.Unlock()
	for _, sec := range sf.secrets {
		if bytes.Contains(b, []byte(sec)) {
			b = bytes.ReplaceAll(b, []byte(sec), []byte(ConfidentialMarker))
		}
	}
	return b
}
