// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package kms

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/miekg/pkcs11"

	"github.com/lowRISC/opentitan-kms/src/kms/store/db"
)

// ObjectStore is the key object storage used by the KMS. *db.DB implements
// it. The KMS does not arbitrate concurrent writers of the same object.
type ObjectStore interface {
	GetObject(ctx context.Context, h pkcs11.ObjectHandle) (*db.Object, error)
	CreateObject(ctx context.Context, tpls ...[]*pkcs11.Attribute) (pkcs11.ObjectHandle, error)
	DestroyObject(ctx context.Context, h pkcs11.ObjectHandle) error
	ListObjects(ctx context.Context) ([]pkcs11.ObjectHandle, error)
}

var _ ObjectStore = (*db.DB)(nil)

// Values the pkcs11 package only defines on the cgo side.
const (
	ckTrue              = 1
	ckhMonotonicCounter = 0x1
)

// ulongValue decodes a CK_ULONG attribute stored in 4 or 8 byte native
// little endian form.
func ulongValue(a *pkcs11.Attribute) (uint, bool) {
	switch len(a.Value) {
	case 4:
		return uint(binary.LittleEndian.Uint32(a.Value)), true
	case 8:
		return uint(binary.LittleEndian.Uint64(a.Value)), true
	}
	return 0, false
}

func boolValue(a *pkcs11.Attribute) (bool, bool) {
	if len(a.Value) != 1 {
		return false, false
	}
	return a.Value[0] == ckTrue, true
}

// findULong returns a CK_ULONG attribute of `o`.
func findULong(o *db.Object, typ uint) (uint, bool) {
	a, ok := o.Find(typ)
	if !ok {
		return 0, false
	}
	return ulongValue(a)
}

// findBool returns a CK_BBOOL attribute of `o`.
func findBool(o *db.Object, typ uint) (value, present bool) {
	a, ok := o.Find(typ)
	if !ok {
		return false, false
	}
	v, _ := boolValue(a)
	return v, true
}

// findBytes returns the value of an attribute of `o`.
func findBytes(o *db.Object, typ uint) ([]byte, bool) {
	a, ok := o.Find(typ)
	if !ok {
		return nil, false
	}
	return a.Value, true
}

// templateValue returns the value of the first attribute of type `typ` in
// `tpl`.
func templateValue(tpl []*pkcs11.Attribute, typ uint) ([]byte, bool) {
	for _, a := range tpl {
		if a.Type == typ {
			return a.Value, true
		}
	}
	return nil, false
}

// matches reports whether `o` carries every attribute of `tpl` with an equal
// value.
func matches(o *db.Object, tpl []*pkcs11.Attribute) bool {
	for _, want := range tpl {
		got, ok := o.Find(want.Type)
		if !ok || !bytes.Equal(got.Value, want.Value) {
			return false
		}
	}
	return true
}

// getKey returns the valid key object `h`, or an invalid handle error with
// return value `rv`.
func (k *KMS) getKey(ctx context.Context, h pkcs11.ObjectHandle, rv uint) (*db.Object, error) {
	o, err := k.store.GetObject(ctx, h)
	if err != nil {
		return nil, newError(rv, "could not get object %d: %v", h, err)
	}
	if !o.Valid() {
		return nil, newError(rv, "object %d has version 0x%08X configuration 0x%08X", h, o.Version, o.Configuration)
	}
	return o, nil
}

func isAESKeySize(n int) bool {
	return n == 16 || n == 24 || n == 32
}
