/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

package pxeconfig

import (
	"strings"
)

// Param is a single kernel command line parameter. A Param with an
// empty Value renders as a bare token without an equals sign.
type Param struct {
	Key   string
	Value string
}

// AppendMap holds the kernel command line parameters that get merged
// into the append/linux directive of a boot config template. Unlike a
// plain map it preserves insertion order, the boot image parses some
// of its parameters positionally.
type AppendMap struct {
	params []Param
	idx    map[string]int
}

func NewAppendMap() *AppendMap {
	return &AppendMap{
		idx: map[string]int{},
	}
}

// Set adds key with the given value, or overwrites the value in place
// when key is already present. The original insertion position is kept
// on overwrite.
func (m *AppendMap) Set(key, value string) {
	if i, ok := m.idx[key]; ok {
		m.params[i].Value = value
		return
	}
	m.idx[key] = len(m.params)
	m.params = append(m.params, Param{Key: key, Value: value})
}

func (m *AppendMap) Get(key string) (string, bool) {
	if i, ok := m.idx[key]; ok {
		return m.params[i].Value, true
	}
	return ``, false
}

// Delete removes key if present, later parameters keep their relative
// order.
func (m *AppendMap) Delete(key string) {
	i, ok := m.idx[key]
	if !ok {
		return
	}
	m.params = append(m.params[:i], m.params[i+1:]...)
	delete(m.idx, key)
	for k, v := range m.idx {
		if v > i {
			m.idx[k] = v - 1
		}
	}
}

// Keys returns the parameter names in insertion order.
func (m *AppendMap) Keys() []string {
	keys := make([]string, 0, len(m.params))
	for _, p := range m.params {
		keys = append(keys, p.Key)
	}
	return keys
}

// Params returns a copy of the parameters in insertion order.
func (m *AppendMap) Params() []Param {
	ps := make([]Param, len(m.params))
	copy(ps, m.params)
	return ps
}

func (m *AppendMap) Len() int {
	return len(m.params)
}

func (m *AppendMap) Clone() *AppendMap {
	c := NewAppendMap()
	for _, p := range m.params {
		c.Set(p.Key, p.Value)
	}
	return c
}

// String renders the map for status output and logging. Secret values
// are expected to have been stripped or registered with the log
// redactor before this is ever called.
func (m *AppendMap) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, p := range m.params {
		if i > 0 {
			sb.WriteString(`, `)
		}
		sb.WriteString(p.Key)
		if p.Value != `` {
			sb.WriteByte('=')
			sb.WriteString(p.Value)
		}
	}
	sb.WriteByte('}')
	return sb.String()
}
