// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"

	"github.com/miekg/pkcs11"

	"github.com/lowRISC/opentitan-kms/src/kms/store/db"
)

const gcmNonceSize = 12

// EncryptInit starts an AES encryption on session `h` with key `key`.
func (k *KMS) EncryptInit(ctx context.Context, h pkcs11.SessionHandle, mech *Mechanism, key pkcs11.ObjectHandle) (err error) {
	defer k.report("EncryptInit", &err)
	return k.cryptInit(ctx, h, mech, key, StateEncrypting)
}

// Encrypt encrypts `data` in one call and ends the operation.
func (k *KMS) Encrypt(h pkcs11.SessionHandle, data []byte) (out []byte, err error) {
	defer k.report("Encrypt", &err)
	return k.cryptSingle(h, StateEncrypting, data)
}

// EncryptUpdate encrypts the whole blocks available so far.
func (k *KMS) EncryptUpdate(h pkcs11.SessionHandle, data []byte) (out []byte, err error) {
	defer k.report("EncryptUpdate", &err)
	return k.cryptUpdate(h, StateEncrypting, data)
}

// EncryptFinal flushes the operation and ends it.
func (k *KMS) EncryptFinal(h pkcs11.SessionHandle) (out []byte, err error) {
	defer k.report("EncryptFinal", &err)
	return k.cryptFinal(h, StateEncrypting)
}

// DecryptInit starts an AES decryption on session `h` with key `key`.
func (k *KMS) DecryptInit(ctx context.Context, h pkcs11.SessionHandle, mech *Mechanism, key pkcs11.ObjectHandle) (err error) {
	defer k.report("DecryptInit", &err)
	return k.cryptInit(ctx, h, mech, key, StateDecrypting)
}

// Decrypt decrypts `data` in one call and ends the operation.
func (k *KMS) Decrypt(h pkcs11.SessionHandle, data []byte) (out []byte, err error) {
	defer k.report("Decrypt", &err)
	return k.cryptSingle(h, StateDecrypting, data)
}

// DecryptUpdate decrypts the whole blocks available so far.
func (k *KMS) DecryptUpdate(h pkcs11.SessionHandle, data []byte) (out []byte, err error) {
	defer k.report("DecryptUpdate", &err)
	return k.cryptUpdate(h, StateDecrypting, data)
}

// DecryptFinal flushes the operation and ends it. For GCM this is where the
// tag is checked and the plaintext released.
func (k *KMS) DecryptFinal(h pkcs11.SessionHandle) (out []byte, err error) {
	defer k.report("DecryptFinal", &err)
	return k.cryptFinal(h, StateDecrypting)
}

func (k *KMS) cryptInit(ctx context.Context, h pkcs11.SessionHandle, mech *Mechanism, key pkcs11.ObjectHandle, state State) error {
	s, err := k.idleSession(h)
	if err != nil {
		return err
	}
	if mech == nil {
		return newError(pkcs11.CKR_ARGUMENTS_BAD, "nil mechanism")
	}
	var mode aesMode
	switch mech.Type {
	case pkcs11.CKM_AES_ECB:
		mode = modeECB
	case pkcs11.CKM_AES_CBC:
		mode = modeCBC
	case pkcs11.CKM_AES_GCM:
		mode = modeGCM
	default:
		return newError(pkcs11.CKR_MECHANISM_INVALID, "%s cannot encrypt or decrypt", MechanismName(mech.Type))
	}
	o, err := k.getKey(ctx, key, pkcs11.CKR_OBJECT_HANDLE_INVALID)
	if err != nil {
		return err
	}
	c, err := newAESContext(o, mech, mode, state == StateEncrypting)
	if err != nil {
		return err
	}
	return k.begin(s, state, mech, key, c)
}

func newAESContext(o *db.Object, mech *Mechanism, mode aesMode, encrypt bool) (*aesContext, error) {
	value, ok := findBytes(o, pkcs11.CKA_VALUE)
	if !ok || !isAESKeySize(len(value)) {
		return nil, newError(pkcs11.CKR_ARGUMENTS_BAD, "AES needs a 16, 24 or 32 byte CKA_VALUE, have %d bytes", len(value))
	}
	block, err := aes.NewCipher(value)
	if err != nil {
		return nil, newError(pkcs11.CKR_FUNCTION_FAILED, "could not initialize AES: %v", err)
	}
	c := &aesContext{mode: mode, encrypt: encrypt, block: block}

	switch mode {
	case modeECB:
		if mech.Parameter != nil {
			return nil, newError(pkcs11.CKR_ARGUMENTS_BAD, "CKM_AES_ECB takes no parameter")
		}
	case modeCBC:
		iv := bytesParam(mech)
		if len(iv) != aes.BlockSize {
			return nil, newError(pkcs11.CKR_ARGUMENTS_BAD, "CKM_AES_CBC needs a %d byte IV, have %d bytes", aes.BlockSize, len(iv))
		}
		if encrypt {
			c.cbc = cipher.NewCBCEncrypter(block, iv)
		} else {
			c.cbc = cipher.NewCBCDecrypter(block, iv)
		}
	case modeGCM:
		p, ok := mech.Parameter.(*GCMParams)
		if !ok || p == nil {
			return nil, newError(pkcs11.CKR_ARGUMENTS_BAD, "CKM_AES_GCM needs GCM parameters")
		}
		if p.TagBits%8 != 0 || p.TagBits < 96 || p.TagBits > 128 {
			return nil, newError(pkcs11.CKR_ARGUMENTS_BAD, "GCM tag of %d bits is not supported", p.TagBits)
		}
		if len(p.IV) != gcmNonceSize {
			return nil, newError(pkcs11.CKR_ARGUMENTS_BAD, "GCM needs a %d byte IV, have %d bytes", gcmNonceSize, len(p.IV))
		}
		gcm, err := cipher.NewGCMWithTagSize(block, p.TagBits/8)
		if err != nil {
			return nil, newError(pkcs11.CKR_FUNCTION_FAILED, "could not initialize GCM: %v", err)
		}
		c.gcm = gcm
		c.iv = append([]byte(nil), p.IV...)
		c.aad = append([]byte(nil), p.AAD...)
	}
	return c, nil
}

func (k *KMS) crypting(h pkcs11.SessionHandle, state State) (*session, *aesContext, error) {
	s, err := k.session(h)
	if err != nil {
		return nil, nil, err
	}
	c, ok := s.op.(*aesContext)
	if s.state != state || !ok {
		return nil, nil, newError(pkcs11.CKR_OPERATION_NOT_INITIALIZED, "session %d is not %s", h, state)
	}
	return s, c, nil
}

func (k *KMS) cryptSingle(h pkcs11.SessionHandle, state State, data []byte) ([]byte, error) {
	s, c, err := k.crypting(h, state)
	if err != nil {
		return nil, err
	}
	defer k.end(s)
	out := c.update(data)
	rest, err := c.final()
	if err != nil {
		return nil, err
	}
	return append(out, rest...), nil
}

func (k *KMS) cryptUpdate(h pkcs11.SessionHandle, state State, data []byte) ([]byte, error) {
	_, c, err := k.crypting(h, state)
	if err != nil {
		return nil, err
	}
	return c.update(data), nil
}

func (k *KMS) cryptFinal(h pkcs11.SessionHandle, state State) ([]byte, error) {
	s, c, err := k.crypting(h, state)
	if err != nil {
		return nil, err
	}
	defer k.end(s)
	return c.final()
}

// update processes the whole blocks of pending input plus `data`. GCM input
// is only buffered.
func (c *aesContext) update(data []byte) []byte {
	c.pending = append(c.pending, data...)
	if c.mode == modeGCM {
		return nil
	}
	n := len(c.pending) / aes.BlockSize * aes.BlockSize
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	switch c.mode {
	case modeECB:
		for i := 0; i < n; i += aes.BlockSize {
			if c.encrypt {
				c.block.Encrypt(out[i:], c.pending[i:])
			} else {
				c.block.Decrypt(out[i:], c.pending[i:])
			}
		}
	case modeCBC:
		c.cbc.CryptBlocks(out, c.pending[:n])
	}
	c.pending = append(c.pending[:0], c.pending[n:]...)
	return out
}

func (c *aesContext) final() ([]byte, error) {
	if c.mode != modeGCM {
		if len(c.pending) == 0 {
			return nil, nil
		}
		if c.encrypt {
			return nil, newError(pkcs11.CKR_DATA_LEN_RANGE, "%d trailing bytes are not a whole block", len(c.pending))
		}
		return nil, newError(pkcs11.CKR_ENCRYPTED_DATA_LEN_RANGE, "%d trailing bytes are not a whole block", len(c.pending))
	}
	if c.encrypt {
		return c.gcm.Seal(nil, c.iv, c.pending, c.aad), nil
	}
	if len(c.pending) < c.gcm.Overhead() {
		return nil, newError(pkcs11.CKR_ENCRYPTED_DATA_LEN_RANGE, "%d bytes are shorter than the GCM tag", len(c.pending))
	}
	out, err := c.gcm.Open(nil, c.iv, c.pending, c.aad)
	if err != nil {
		return nil, newError(pkcs11.CKR_ENCRYPTED_DATA_INVALID, "GCM authentication failed")
	}
	return out, nil
}
