/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

package pxeconfig

import (
	"testing"
)

func TestAppendMapOrder(t *testing.T) {
	m := NewAppendMap()
	m.Set(`hn`, `pc01`)
	m.Set(`dn`, `lab.example`)
	m.Set(`service`, `https://opsi.lab.example:4447/rpc`)
	m.Set(`lang`, `de`)
	//overwrite must keep the original position
	m.Set(`dn`, `prod.example`)
	keys := m.Keys()
	want := []string{`hn`, `dn`, `service`, `lang`}
	if len(keys) != len(want) {
		t.Fatalf("got %d keys, want %d", len(keys), len(want))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("key %d is %s, want %s", i, keys[i], want[i])
		}
	}
	if v, ok := m.Get(`dn`); !ok || v != `prod.example` {
		t.Fatalf("dn is %q %v", v, ok)
	}
}

func TestAppendMapDelete(t *testing.T) {
	m := NewAppendMap()
	m.Set(`pckey`, `deadbeef`)
	m.Set(`hn`, `pc01`)
	m.Set(`dn`, `lab.example`)
	m.Delete(`pckey`)
	if _, ok := m.Get(`pckey`); ok {
		t.Fatal(`pckey still present`)
	}
	if m.Len() != 2 {
		t.Fatalf("got %d entries, want 2", m.Len())
	}
	keys := m.Keys()
	if keys[0] != `hn` || keys[1] != `dn` {
		t.Fatalf("order broken after delete: %v", keys)
	}
	//the index must still be coherent
	if v, ok := m.Get(`dn`); !ok || v != `lab.example` {
		t.Fatalf("dn is %q %v", v, ok)
	}
	m.Delete(`nope`) //no-op
	if m.Len() != 2 {
		t.Fatalf("got %d entries, want 2", m.Len())
	}
}

func TestAppendMapClone(t *testing.T) {
	m := NewAppendMap()
	m.Set(`hn`, `pc01`)
	c := m.Clone()
	c.Set(`hn`, `other`)
	c.Set(`dn`, `lab.example`)
	if v, _ := m.Get(`hn`); v != `pc01` {
		t.Fatalf("clone mutated the original: %q", v)
	}
	if m.Len() != 1 || c.Len() != 2 {
		t.Fatalf("lengths %d/%d, want 1/2", m.Len(), c.Len())
	}
}

func TestAppendMapString(t *testing.T) {
	m := NewAppendMap()
	m.Set(`hn`, `pc01`)
	m.Set(`quiet`, ``)
	m.Set(`vga`, `791`)
	if s := m.String(); s != `{hn=pc01, quiet, vga=791}` {
		t.Fatalf("bad string form: %s", s)
	}
	if s := NewAppendMap().String(); s != `{}` {
		t.Fatalf("bad empty form: %s", s)
	}
}
