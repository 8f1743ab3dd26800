// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package kms

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"math/big"

	tinkprf "github.com/google/tink/go/prf/subtle"
	"github.com/miekg/pkcs11"

	"github.com/lowRISC/opentitan-kms/src/kms/derx962"
	"github.com/lowRISC/opentitan-kms/src/kms/store/db"
)

type signFamily int

const (
	familyRSA signFamily = iota
	familyECDSA
	familyCMAC
)

// signMechanism describes a signature mechanism. A zero hash marks a bare
// mechanism whose input is already a digest.
type signMechanism struct {
	family signFamily
	hash   crypto.Hash
}

var signMechanisms = map[uint]signMechanism{
	pkcs11.CKM_RSA_PKCS:         {familyRSA, 0},
	pkcs11.CKM_SHA1_RSA_PKCS:    {familyRSA, crypto.SHA1},
	pkcs11.CKM_SHA256_RSA_PKCS:  {familyRSA, crypto.SHA256},
	pkcs11.CKM_ECDSA:            {familyECDSA, 0},
	pkcs11.CKM_ECDSA_SHA1:       {familyECDSA, crypto.SHA1},
	pkcs11.CKM_ECDSA_SHA256:     {familyECDSA, crypto.SHA256},
	pkcs11.CKM_AES_CMAC:         {familyCMAC, 0},
	pkcs11.CKM_AES_CMAC_GENERAL: {familyCMAC, 0},
}

const cmacTagSize = 16

// SignInit starts a signature operation on session `h` with key `key`.
func (k *KMS) SignInit(ctx context.Context, h pkcs11.SessionHandle, mech *Mechanism, key pkcs11.ObjectHandle) (err error) {
	defer k.report("SignInit", &err)
	return k.signVerifyInit(ctx, h, mech, key, StateSigning)
}

// VerifyInit starts a verification operation on session `h` with key `key`.
func (k *KMS) VerifyInit(ctx context.Context, h pkcs11.SessionHandle, mech *Mechanism, key pkcs11.ObjectHandle) (err error) {
	defer k.report("VerifyInit", &err)
	return k.signVerifyInit(ctx, h, mech, key, StateVerifying)
}

func (k *KMS) signVerifyInit(ctx context.Context, h pkcs11.SessionHandle, mech *Mechanism, key pkcs11.ObjectHandle, state State) error {
	s, err := k.idleSession(h)
	if err != nil {
		return err
	}
	if mech == nil {
		return newError(pkcs11.CKR_ARGUMENTS_BAD, "nil mechanism")
	}
	sm, ok := signMechanisms[mech.Type]
	if !ok || (sm.family == familyECDSA && len(k.curves) == 0) {
		return newError(pkcs11.CKR_MECHANISM_INVALID, "%s cannot sign or verify", MechanismName(mech.Type))
	}
	o, err := k.getKey(ctx, key, pkcs11.CKR_OBJECT_HANDLE_INVALID)
	if err != nil {
		return err
	}

	var c opContext
	switch sm.family {
	case familyRSA:
		c = &rsaContext{hash: sm.hash, maxBytes: k.cfg.MaxRSAModulusBytes}
	case familyECDSA:
		c = &ecdsaContext{hash: sm.hash}
	case familyCMAC:
		cc, err := newCMACContext(o, mech)
		if err != nil {
			return err
		}
		c = cc
	}
	return k.begin(s, state, mech, key, c)
}

func newCMACContext(o *db.Object, mech *Mechanism) (*cmacContext, error) {
	tagLen := cmacTagSize
	if mech.Type == pkcs11.CKM_AES_CMAC_GENERAL {
		n, ok := macLength(mech)
		if !ok || n < 1 || n > cmacTagSize {
			return nil, newError(pkcs11.CKR_ARGUMENTS_BAD, "CMAC tag length must be 1 to %d bytes", cmacTagSize)
		}
		tagLen = n
	}
	key, ok := findBytes(o, pkcs11.CKA_VALUE)
	if !ok || !isAESKeySize(len(key)) {
		return nil, newError(pkcs11.CKR_ARGUMENTS_BAD, "CMAC needs a 16, 24 or 32 byte CKA_VALUE, have %d bytes", len(key))
	}
	prf, err := tinkprf.NewAESCMACPRF(key)
	if err != nil {
		return nil, newError(pkcs11.CKR_FUNCTION_FAILED, "could not initialize CMAC: %v", err)
	}
	return &cmacContext{prf: prf, tagLen: tagLen}, nil
}

// digest returns the to-be-signed digest of `data`. Bare mechanisms take
// `data` as a SHA-1 or SHA-256 digest, picked by its length.
func digest(hash crypto.Hash, data []byte) ([]byte, crypto.Hash, error) {
	switch hash {
	case crypto.SHA1:
		d := sha1.Sum(data)
		return d[:], hash, nil
	case crypto.SHA256:
		d := sha256.Sum256(data)
		return d[:], hash, nil
	}
	switch len(data) {
	case sha1.Size:
		return append([]byte(nil), data...), crypto.SHA1, nil
	case sha256.Size:
		return append([]byte(nil), data...), crypto.SHA256, nil
	}
	return nil, 0, newError(pkcs11.CKR_ARGUMENTS_BAD, "bare signature input must be a %d or %d byte digest, have %d bytes", sha1.Size, sha256.Size, len(data))
}

// Sign signs `data` and ends the signature operation, whatever the outcome.
func (k *KMS) Sign(ctx context.Context, h pkcs11.SessionHandle, data []byte) (sig []byte, err error) {
	defer k.report("Sign", &err)
	s, err := k.session(h)
	if err != nil {
		return nil, err
	}
	if s.state != StateSigning {
		return nil, newError(pkcs11.CKR_OPERATION_NOT_INITIALIZED, "session %d is not signing", h)
	}
	defer k.end(s)

	o, err := k.getKey(ctx, s.key, pkcs11.CKR_OBJECT_HANDLE_INVALID)
	if err != nil {
		return nil, err
	}
	switch c := s.op.(type) {
	case *rsaContext:
		return k.rsaSign(o, c, data)
	case *ecdsaContext:
		return k.ecdsaSign(o, c, data)
	case *cmacContext:
		tag, err := c.prf.ComputePRF(data, uint32(c.tagLen))
		if err != nil {
			return nil, newError(pkcs11.CKR_FUNCTION_FAILED, "could not compute CMAC: %v", err)
		}
		return tag, nil
	}
	return nil, newError(pkcs11.CKR_FUNCTION_FAILED, "session %d holds no signature context", h)
}

// Verify checks `sig` over `data` and ends the verification operation,
// whatever the outcome.
func (k *KMS) Verify(ctx context.Context, h pkcs11.SessionHandle, data, sig []byte) (err error) {
	defer k.report("Verify", &err)
	s, err := k.session(h)
	if err != nil {
		return err
	}
	if s.state != StateVerifying {
		return newError(pkcs11.CKR_OPERATION_NOT_INITIALIZED, "session %d is not verifying", h)
	}
	defer k.end(s)

	o, err := k.getKey(ctx, s.key, pkcs11.CKR_OBJECT_HANDLE_INVALID)
	if err != nil {
		return err
	}
	switch c := s.op.(type) {
	case *rsaContext:
		return k.rsaVerify(o, c, data, sig)
	case *ecdsaContext:
		return k.ecdsaVerify(o, c, data, sig)
	case *cmacContext:
		if len(sig) != c.tagLen {
			return newError(pkcs11.CKR_SIGNATURE_LEN_RANGE, "CMAC tag must be %d bytes, have %d", c.tagLen, len(sig))
		}
		tag, err := c.prf.ComputePRF(data, uint32(c.tagLen))
		if err != nil {
			return newError(pkcs11.CKR_FUNCTION_FAILED, "could not compute CMAC: %v", err)
		}
		if subtle.ConstantTimeCompare(tag, sig) != 1 {
			return newError(pkcs11.CKR_SIGNATURE_INVALID, "CMAC tag mismatch")
		}
		return nil
	}
	return newError(pkcs11.CKR_FUNCTION_FAILED, "session %d holds no verification context", h)
}

// rsaAttr fetches a big endian integer attribute bounded by the context
// buffers. A missing attribute yields `missing`.
func rsaAttr(o *db.Object, typ uint, c *rsaContext, missing uint) ([]byte, error) {
	v, ok := findBytes(o, typ)
	if !ok || len(v) == 0 {
		return nil, newError(missing, "RSA key lacks %s", AttributeName(typ))
	}
	if len(v) > c.maxBytes {
		return nil, newError(pkcs11.CKR_KEY_SIZE_RANGE, "%s is %d bytes, limit %d", AttributeName(typ), len(v), c.maxBytes)
	}
	return v, nil
}

// defaultExponent is assumed when a private key omits CKA_PUBLIC_EXPONENT.
const defaultExponent = 65537

func exponent(e []byte) (int, bool) {
	v := new(big.Int).SetBytes(e)
	if !v.IsInt64() || v.Int64() < 3 || v.Int64() > 1<<31-1 {
		return 0, false
	}
	return int(v.Int64()), true
}

func (k *KMS) rsaSign(o *db.Object, c *rsaContext, data []byte) ([]byte, error) {
	d, err := rsaAttr(o, pkcs11.CKA_PRIVATE_EXPONENT, c, pkcs11.CKR_MECHANISM_PARAM_INVALID)
	if err != nil {
		return nil, err
	}
	e := defaultExponent
	if raw, ok := findBytes(o, pkcs11.CKA_PUBLIC_EXPONENT); ok {
		if len(raw) > c.maxBytes {
			return nil, newError(pkcs11.CKR_KEY_SIZE_RANGE, "CKA_PUBLIC_EXPONENT is %d bytes, limit %d", len(raw), c.maxBytes)
		}
		if e, ok = exponent(raw); !ok {
			return nil, newError(pkcs11.CKR_FUNCTION_FAILED, "unusable public exponent %x", raw)
		}
	}
	n, err := rsaAttr(o, pkcs11.CKA_MODULUS, c, pkcs11.CKR_MECHANISM_PARAM_INVALID)
	if err != nil {
		return nil, err
	}
	dig, hash, err := digest(c.hash, data)
	if err != nil {
		return nil, err
	}
	priv := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: new(big.Int).SetBytes(n), E: e},
		D:         new(big.Int).SetBytes(d),
	}
	sig, err := rsa.SignPKCS1v15(nil, priv, hash, dig)
	if err != nil {
		return nil, newError(pkcs11.CKR_FUNCTION_FAILED, "RSA signature failed: %v", err)
	}
	return sig, nil
}

func (k *KMS) rsaVerify(o *db.Object, c *rsaContext, data, sig []byte) error {
	raw, err := rsaAttr(o, pkcs11.CKA_PUBLIC_EXPONENT, c, pkcs11.CKR_FUNCTION_FAILED)
	if err != nil {
		return err
	}
	e, ok := exponent(raw)
	if !ok {
		return newError(pkcs11.CKR_FUNCTION_FAILED, "unusable public exponent %x", raw)
	}
	n, err := rsaAttr(o, pkcs11.CKA_MODULUS, c, pkcs11.CKR_FUNCTION_FAILED)
	if err != nil {
		return err
	}
	if len(n) != len(sig) {
		return newError(pkcs11.CKR_SIGNATURE_LEN_RANGE, "signature is %d bytes, modulus %d", len(sig), len(n))
	}
	dig, hash, err := digest(c.hash, data)
	if err != nil {
		return err
	}
	pub := &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: e}
	if err := rsa.VerifyPKCS1v15(pub, hash, dig, sig); err != nil {
		return newError(pkcs11.CKR_SIGNATURE_INVALID, "RSA signature rejected: %v", err)
	}
	return nil
}

// keyCurve loads the curve named by the CKA_EC_PARAMS of `o`.
func (k *KMS) keyCurve(o *db.Object) (*Curve, error) {
	params, ok := findBytes(o, pkcs11.CKA_EC_PARAMS)
	if !ok {
		return nil, newError(pkcs11.CKR_FUNCTION_FAILED, "EC key lacks CKA_EC_PARAMS")
	}
	curve, err := k.loadCurve(params)
	if err != nil {
		return nil, newError(pkcs11.CKR_FUNCTION_FAILED, "could not load curve: %v", err)
	}
	return curve, nil
}

func (k *KMS) ecdsaSign(o *db.Object, c *ecdsaContext, data []byte) ([]byte, error) {
	curve, err := k.keyCurve(o)
	if err != nil {
		return nil, err
	}
	d, ok := findBytes(o, pkcs11.CKA_VALUE)
	if !ok {
		return nil, newError(pkcs11.CKR_FUNCTION_FAILED, "EC private key lacks CKA_VALUE")
	}
	if len(d) > curve.KeySize {
		return nil, newError(pkcs11.CKR_KEY_SIZE_RANGE, "private value is %d bytes, curve %s needs %d", len(d), curve.Name, curve.KeySize)
	}
	dig, _, err := digest(c.hash, data)
	if err != nil {
		return nil, err
	}
	priv, err := ecdsaPrivateKey(curve, d)
	if err != nil {
		return nil, newError(pkcs11.CKR_FUNCTION_FAILED, "invalid private value: %v", err)
	}
	r, s, err := ecdsa.Sign(rand.Reader, priv, dig)
	if err != nil {
		return nil, newError(pkcs11.CKR_FUNCTION_FAILED, "ECDSA signature failed: %v", err)
	}
	sig := make([]byte, 2*curve.KeySize)
	r.FillBytes(sig[:curve.KeySize])
	s.FillBytes(sig[curve.KeySize:])
	return sig, nil
}

// ecdsaPrivateKey expands a private scalar into a full key pair.
func ecdsaPrivateKey(curve *Curve, d []byte) (*ecdsa.PrivateKey, error) {
	padded := make([]byte, curve.KeySize)
	copy(padded[curve.KeySize-len(d):], d)
	priv, err := curve.ECDH.NewPrivateKey(padded)
	if err != nil {
		return nil, err
	}
	pub := priv.PublicKey().Bytes()[1:]
	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: curve.Elliptic,
			X:     new(big.Int).SetBytes(pub[:curve.KeySize]),
			Y:     new(big.Int).SetBytes(pub[curve.KeySize:]),
		},
		D: new(big.Int).SetBytes(padded),
	}, nil
}

func (k *KMS) ecdsaVerify(o *db.Object, c *ecdsaContext, data, sig []byte) error {
	curve, err := k.keyCurve(o)
	if err != nil {
		return err
	}
	ksize := curve.KeySize
	if len(sig) != 2*ksize {
		return newError(pkcs11.CKR_SIGNATURE_LEN_RANGE, "signature is %d bytes, curve %s needs %d", len(sig), curve.Name, 2*ksize)
	}
	point, ok := findBytes(o, pkcs11.CKA_EC_POINT)
	if !ok {
		return newError(pkcs11.CKR_FUNCTION_FAILED, "EC public key lacks CKA_EC_POINT")
	}
	if len(point) > 2*ksize+4 {
		return newError(pkcs11.CKR_DATA_INVALID, "EC point is %d bytes, curve %s allows %d", len(point), curve.Name, 2*ksize+4)
	}
	x, y, err := derx962.ExtractPoint(point, ksize)
	if err != nil {
		return newError(pkcs11.CKR_FUNCTION_FAILED, "could not decode EC point: %v", err)
	}
	if _, err := curve.ECDH.NewPublicKey(publicPoint(x, y)); err != nil {
		return newError(pkcs11.CKR_FUNCTION_FAILED, "EC point is not on %s: %v", curve.Name, err)
	}
	dig, _, err := digest(c.hash, data)
	if err != nil {
		return err
	}
	pub := &ecdsa.PublicKey{Curve: curve.Elliptic, X: new(big.Int).SetBytes(x), Y: new(big.Int).SetBytes(y)}
	r := new(big.Int).SetBytes(sig[:ksize])
	s := new(big.Int).SetBytes(sig[ksize:])
	if !ecdsa.Verify(pub, dig, r, s) {
		return newError(pkcs11.CKR_SIGNATURE_INVALID, "ECDSA signature rejected")
	}
	return nil
}
