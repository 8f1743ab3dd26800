// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package kms

import (
	"fmt"
	"sync"

	"github.com/miekg/pkcs11"
)

// State is the operation state of a session.
type State uint32

const (
	StateIdle State = iota
	StateDigesting
	StateEncrypting
	StateDecrypting
	StateSigning
	StateVerifying
	StateSearching

	// StateNotUsed marks a free session slot.
	StateNotUsed State = 0xFFFFFFFF
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateDigesting:
		return "Digesting"
	case StateEncrypting:
		return "Encrypting"
	case StateDecrypting:
		return "Decrypting"
	case StateSigning:
		return "Signing"
	case StateVerifying:
		return "Verifying"
	case StateSearching:
		return "Searching"
	case StateNotUsed:
		return "NotUsed"
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

// session is one slot of the session table. A non-Idle session owns exactly
// one operation context and records the mechanism and key that started it.
type session struct {
	handle pkcs11.SessionHandle
	slot   uint
	flags  uint
	state  State
	mech   *Mechanism
	key    pkcs11.ObjectHandle
	op     opContext
}

// sessionTable is a fixed arena of sessions indexed by handle - 1. The mutex
// guards slot allocation only; a session's operation fields belong to the
// caller driving that session.
type sessionTable struct {
	mu    sync.Mutex
	used  []bool
	slots []session
}

func newSessionTable(n int) *sessionTable {
	t := &sessionTable{used: make([]bool, n), slots: make([]session, n)}
	for i := range t.slots {
		t.slots[i] = session{handle: pkcs11.SessionHandle(i + 1), state: StateNotUsed}
	}
	return t
}

// open claims a free slot.
func (t *sessionTable) open(slot, flags uint) (*session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		if !t.used[i] {
			t.used[i] = true
			s := &t.slots[i]
			s.slot, s.flags, s.state = slot, flags, StateIdle
			return s, true
		}
	}
	return nil, false
}

// get returns the open session `h`.
func (t *sessionTable) get(h pkcs11.SessionHandle) (*session, bool) {
	if h == 0 || int(h) > len(t.slots) {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.used[h-1] {
		return nil, false
	}
	return &t.slots[h-1], true
}

func (t *sessionTable) release(s *session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	*s = session{handle: s.handle, state: StateNotUsed}
	t.used[s.handle-1] = false
}

// each calls fn for every open session.
func (t *sessionTable) each(fn func(*session)) {
	t.mu.Lock()
	open := make([]*session, 0, len(t.slots))
	for i := range t.slots {
		if t.used[i] {
			open = append(open, &t.slots[i])
		}
	}
	t.mu.Unlock()
	for _, s := range open {
		fn(s)
	}
}
