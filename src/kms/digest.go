// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package kms

import (
	"crypto/sha1"
	"crypto/sha256"
	"hash"

	"github.com/miekg/pkcs11"
)

var digestMechanisms = map[uint]func() hash.Hash{
	pkcs11.CKM_SHA_1:  sha1.New,
	pkcs11.CKM_SHA256: sha256.New,
}

// DigestInit starts a message digest on session `h`.
func (k *KMS) DigestInit(h pkcs11.SessionHandle, mech *Mechanism) (err error) {
	defer k.report("DigestInit", &err)
	s, err := k.idleSession(h)
	if err != nil {
		return err
	}
	if mech == nil {
		return newError(pkcs11.CKR_ARGUMENTS_BAD, "nil mechanism")
	}
	newHash, ok := digestMechanisms[mech.Type]
	if !ok {
		return newError(pkcs11.CKR_MECHANISM_INVALID, "%s cannot digest", MechanismName(mech.Type))
	}
	return k.begin(s, StateDigesting, mech, 0, &digestContext{h: newHash()})
}

func (k *KMS) digesting(h pkcs11.SessionHandle) (*session, *digestContext, error) {
	s, err := k.session(h)
	if err != nil {
		return nil, nil, err
	}
	c, ok := s.op.(*digestContext)
	if s.state != StateDigesting || !ok {
		return nil, nil, newError(pkcs11.CKR_OPERATION_NOT_INITIALIZED, "session %d is not digesting", h)
	}
	return s, c, nil
}

// Digest hashes `data` in one call and ends the operation.
func (k *KMS) Digest(h pkcs11.SessionHandle, data []byte) (sum []byte, err error) {
	defer k.report("Digest", &err)
	s, c, err := k.digesting(h)
	if err != nil {
		return nil, err
	}
	defer k.end(s)
	c.h.Write(data)
	return c.h.Sum(nil), nil
}

// DigestUpdate adds `data` to a running digest.
func (k *KMS) DigestUpdate(h pkcs11.SessionHandle, data []byte) (err error) {
	defer k.report("DigestUpdate", &err)
	_, c, err := k.digesting(h)
	if err != nil {
		return err
	}
	c.h.Write(data)
	return nil
}

// DigestFinal returns the digest and ends the operation.
func (k *KMS) DigestFinal(h pkcs11.SessionHandle) (sum []byte, err error) {
	defer k.report("DigestFinal", &err)
	s, c, err := k.digesting(h)
	if err != nil {
		return nil, err
	}
	defer k.end(s)
	return c.h.Sum(nil), nil
}
