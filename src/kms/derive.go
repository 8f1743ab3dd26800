// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package kms

import (
	"context"
	"crypto/aes"

	"github.com/miekg/pkcs11"

	"github.com/lowRISC/opentitan-kms/src/kms/derx962"
	"github.com/lowRISC/opentitan-kms/src/kms/store/db"
)

// deriveScratch is the pool space held while a derivation runs.
const deriveScratch = 256

// DeriveKey derives a new secret key from `base` and stores it with the
// attributes of `tpl`.
//
// CKM_AES_ECB_ENCRYPT_DATA encrypts the mechanism parameter under the base
// key. CKM_ECDH1_DERIVE keeps the X coordinate of the shared point.
func (k *KMS) DeriveKey(ctx context.Context, h pkcs11.SessionHandle, mech *Mechanism, base pkcs11.ObjectHandle, tpl []*pkcs11.Attribute) (key pkcs11.ObjectHandle, err error) {
	defer k.report("DeriveKey", &err)
	if _, err := k.idleSession(h); err != nil {
		return 0, err
	}
	if mech == nil {
		return 0, newError(pkcs11.CKR_ARGUMENTS_BAD, "nil mechanism")
	}

	var derive func(*db.Object) ([]byte, error)
	switch mech.Type {
	case pkcs11.CKM_AES_ECB_ENCRYPT_DATA:
		data := bytesParam(mech)
		if !isAESKeySize(len(data)) {
			return 0, newError(pkcs11.CKR_MECHANISM_PARAM_INVALID, "derivation data must be 16, 24 or 32 bytes, have %d", len(data))
		}
		derive = func(o *db.Object) ([]byte, error) { return deriveECB(o, data) }
	case pkcs11.CKM_ECDH1_DERIVE:
		p, ok := mech.Parameter.(*ECDH1DeriveParams)
		if !ok || p == nil {
			return 0, newError(pkcs11.CKR_ARGUMENTS_BAD, "CKM_ECDH1_DERIVE needs ECDH1 parameters")
		}
		if p.KDF != pkcs11.CKD_NULL || len(p.SharedData) > 0 {
			return 0, newError(pkcs11.CKR_MECHANISM_PARAM_INVALID, "only CKD_NULL without shared data is supported")
		}
		if len(p.PublicData) == 0 {
			return 0, newError(pkcs11.CKR_DOMAIN_PARAMS_INVALID, "no peer public point")
		}
		derive = func(o *db.Object) ([]byte, error) { return k.deriveECDH(o, p.PublicData) }
	default:
		return 0, newError(pkcs11.CKR_MECHANISM_INVALID, "%s cannot derive", MechanismName(mech.Type))
	}

	err = k.withScratch(deriveScratch, func() error {
		o, err := k.getKey(ctx, base, pkcs11.CKR_KEY_HANDLE_INVALID)
		if err != nil {
			return err
		}
		// CKA_DERIVE false blocks ECDH as well as ECB.
		if v, ok := findBool(o, pkcs11.CKA_DERIVE); ok && !v {
			return newError(pkcs11.CKR_ACTION_PROHIBITED, "object %d does not allow derivation", base)
		}
		value, err := derive(o)
		if err != nil {
			return err
		}
		key, err = k.store.CreateObject(ctx, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_AES),
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, value),
		}, tpl)
		if err != nil {
			return newError(pkcs11.CKR_FUNCTION_FAILED, "could not store derived key: %v", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return key, nil
}

func deriveECB(o *db.Object, data []byte) ([]byte, error) {
	value, ok := findBytes(o, pkcs11.CKA_VALUE)
	if !ok || !isAESKeySize(len(value)) {
		return nil, newError(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, "base key needs a 16, 24 or 32 byte CKA_VALUE, have %d bytes", len(value))
	}
	block, err := aes.NewCipher(value)
	if err != nil {
		return nil, newError(pkcs11.CKR_FUNCTION_FAILED, "could not initialize AES: %v", err)
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, newError(pkcs11.CKR_DATA_LEN_RANGE, "derivation data of %d bytes is not a whole number of AES blocks", len(data))
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		block.Encrypt(out[i:], data[i:])
	}
	return out, nil
}

// peerPoint returns the raw uncompressed form of `pub`, which may also be
// wrapped in a DER OCTET STRING.
func peerPoint(pub []byte, ksize int) ([]byte, error) {
	if len(pub) == 2*ksize+1 && pub[0] == derx962.FormUncompressed {
		return pub, nil
	}
	x, y, err := derx962.ExtractPoint(pub, ksize)
	if err != nil {
		return nil, err
	}
	return publicPoint(x, y), nil
}

func (k *KMS) deriveECDH(o *db.Object, pub []byte) ([]byte, error) {
	curve, err := k.keyCurve(o)
	if err != nil {
		return nil, err
	}
	d, ok := findBytes(o, pkcs11.CKA_VALUE)
	if !ok || len(d) == 0 || len(d) > curve.KeySize {
		return nil, newError(pkcs11.CKR_FUNCTION_FAILED, "EC private key lacks a usable CKA_VALUE")
	}
	padded := make([]byte, curve.KeySize)
	copy(padded[curve.KeySize-len(d):], d)
	priv, err := curve.ECDH.NewPrivateKey(padded)
	if err != nil {
		return nil, newError(pkcs11.CKR_FUNCTION_FAILED, "invalid private value: %v", err)
	}
	raw, err := peerPoint(pub, curve.KeySize)
	if err != nil {
		return nil, newError(pkcs11.CKR_FUNCTION_FAILED, "could not decode peer point: %v", err)
	}
	peer, err := curve.ECDH.NewPublicKey(raw)
	if err != nil {
		return nil, newError(pkcs11.CKR_FUNCTION_FAILED, "peer point is not on %s: %v", curve.Name, err)
	}
	secret, err := priv.ECDH(peer)
	if err != nil {
		return nil, newError(pkcs11.CKR_FUNCTION_FAILED, "ECDH failed: %v", err)
	}
	return secret, nil
}
