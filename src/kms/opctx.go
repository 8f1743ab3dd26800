// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package kms

import (
	"crypto"
	"crypto/cipher"
	"fmt"
	"hash"
	"sync"

	"github.com/google/tink/go/prf/subtle"
	"github.com/miekg/pkcs11"
)

// opContext is the per-operation scratch state owned by a busy session. Each
// operation family has its own variant; handlers type switch on it.
type opContext interface {
	// footprint is the pool space charged for the context.
	footprint() int
}

type digestContext struct {
	h hash.Hash
}

func (*digestContext) footprint() int { return 256 }

// rsaContext holds room for a digest plus modulus, exponent and signature
// copies.
type rsaContext struct {
	hash     crypto.Hash
	maxBytes int
}

func (c *rsaContext) footprint() int { return 64 + 3*c.maxBytes }

type ecdsaContext struct {
	hash crypto.Hash
}

func (*ecdsaContext) footprint() int { return 64 + 5*66 }

type cmacContext struct {
	prf    *subtle.AESCMACPRF
	tagLen int
}

func (*cmacContext) footprint() int { return 128 }

type aesMode int

const (
	modeECB aesMode = iota
	modeCBC
	modeGCM
)

type aesContext struct {
	mode    aesMode
	encrypt bool
	block   cipher.Block
	cbc     cipher.BlockMode
	gcm     cipher.AEAD
	iv      []byte
	aad     []byte
	// pending holds input not yet processed: a partial block for ECB and
	// CBC, everything for GCM.
	pending []byte
}

func (*aesContext) footprint() int { return 256 }

type searchContext struct {
	found []pkcs11.ObjectHandle
	next  int
}

func (c *searchContext) footprint() int { return 32 + 4*len(c.found) }

// scratchContext backs single call operations such as derivation and key
// generation.
type scratchContext struct {
	size int
}

func (c *scratchContext) footprint() int { return c.size }

// contextPool is a bounded allocator for operation contexts.
type contextPool struct {
	mu       sync.Mutex
	capacity int
	used     int
	live     int
}

func (p *contextPool) alloc(c opContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := c.footprint()
	if p.used+n > p.capacity {
		return newError(pkcs11.CKR_DEVICE_MEMORY, "context pool exhausted: %d of %d bytes used, %d requested", p.used, p.capacity, n)
	}
	p.used += n
	p.live++
	return nil
}

func (p *contextPool) free(c opContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.used -= c.footprint()
	p.live--
}

// outstanding returns the number of live contexts and the bytes they hold.
func (p *contextPool) outstanding() (live, used int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live, p.used
}

// begin allocates `c` for `s` and moves it to `state`.
func (k *KMS) begin(s *session, state State, mech *Mechanism, key pkcs11.ObjectHandle, c opContext) error {
	if err := k.pool.alloc(c); err != nil {
		return err
	}
	s.state, s.mech, s.key, s.op = state, mech, key, c
	if mech != nil {
		k.log.Debug(fmt.Errorf("session %d enters %s with %s", s.handle, state, MechanismName(mech.Type)))
	} else {
		k.log.Debug(fmt.Errorf("session %d enters %s", s.handle, state))
	}
	return nil
}

// end releases the context of `s` and returns it to Idle. Every terminal
// operation defers it once the session state has been checked.
func (k *KMS) end(s *session) {
	if s.op != nil {
		k.pool.free(s.op)
	}
	k.log.Debug(fmt.Errorf("session %d leaves %s", s.handle, s.state))
	s.state, s.mech, s.key, s.op = StateIdle, nil, 0, nil
}

// withScratch runs fn holding a scratch context of `size` bytes.
func (k *KMS) withScratch(size int, fn func() error) error {
	c := &scratchContext{size: size}
	if err := k.pool.alloc(c); err != nil {
		return err
	}
	defer k.pool.free(c)
	return fn()
}
