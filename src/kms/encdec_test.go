// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package kms

import (
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/miekg/pkcs11"
)

func TestEncryptDecrypt(t *testing.T) {
	f := newFixture(t)
	h := f.open(t)
	value := mustHex(t, "603deb1015ca71be2b73aef0857d77811f352c073b6108d72d9810a30914dff4")
	key := f.put(t, aesKey(value)...)
	block, err := aes.NewCipher(value)
	if err != nil {
		t.Fatal(err)
	}
	iv := mustHex(t, "000102030405060708090a0b0c0d0e0f")
	plain := make([]byte, 64)
	for i := range plain {
		plain[i] = byte(i)
	}

	ecb := make([]byte, len(plain))
	for i := 0; i < len(plain); i += aes.BlockSize {
		block.Encrypt(ecb[i:], plain[i:])
	}
	cbc := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(cbc, plain)
	gcm, err := cipher.NewGCMWithTagSize(block, 12)
	if err != nil {
		t.Fatal(err)
	}
	nonce, aad := iv[:12], []byte("header")
	sealed := gcm.Seal(nil, nonce, plain, aad)

	tests := []struct {
		name string
		mech *Mechanism
		want []byte
	}{
		{"ecb", NewMechanism(pkcs11.CKM_AES_ECB, nil), ecb},
		{"cbc", NewMechanism(pkcs11.CKM_AES_CBC, iv), cbc},
		{"gcm", NewMechanism(pkcs11.CKM_AES_GCM, &GCMParams{IV: nonce, AAD: aad, TagBits: 96}), sealed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.k.EncryptInit(f.ctx, h, tt.mech, key); err != nil {
				t.Fatal(err)
			}
			got, err := f.k.Encrypt(h, plain)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Encrypt() mismatch (-want +got):\n%s", diff)
			}

			// Multi-part decryption in uneven chunks.
			if err := f.k.DecryptInit(f.ctx, h, tt.mech, key); err != nil {
				t.Fatal(err)
			}
			var out []byte
			for i := 0; i < len(got); i += 7 {
				end := i + 7
				if end > len(got) {
					end = len(got)
				}
				part, err := f.k.DecryptUpdate(h, got[i:end])
				if err != nil {
					t.Fatal(err)
				}
				out = append(out, part...)
			}
			rest, err := f.k.DecryptFinal(h)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(plain, append(out, rest...)); diff != "" {
				t.Errorf("Decrypt() mismatch (-want +got):\n%s", diff)
			}
			f.wantIdle(t, h)
		})
	}
}

func TestEncryptUpdateBlocks(t *testing.T) {
	f := newFixture(t)
	h := f.open(t)
	key := f.put(t, aesKey(make([]byte, 16))...)
	if err := f.k.EncryptInit(f.ctx, h, NewMechanism(pkcs11.CKM_AES_ECB, nil), key); err != nil {
		t.Fatal(err)
	}
	for _, step := range []struct {
		in, out int
	}{
		{10, 0},
		{10, 16},
		{12, 16},
	} {
		got, err := f.k.EncryptUpdate(h, make([]byte, step.in))
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != step.out {
			t.Errorf("EncryptUpdate(%d bytes) returned %d bytes, want %d", step.in, len(got), step.out)
		}
	}
	rest, err := f.k.EncryptFinal(h)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 0 {
		t.Errorf("EncryptFinal() returned %d bytes, want 0", len(rest))
	}
	f.wantIdle(t, h)
}

func TestEncryptDecryptErrors(t *testing.T) {
	f := newFixture(t)
	h := f.open(t)
	key := f.put(t, aesKey(make([]byte, 24))...)
	short := f.put(t, aesKey(make([]byte, 10))...)
	iv := make([]byte, 16)
	gcmParams := func(ivLen, bits int) *Mechanism {
		return NewMechanism(pkcs11.CKM_AES_GCM, &GCMParams{IV: make([]byte, ivLen), TagBits: bits})
	}

	inits := []struct {
		name string
		mech *Mechanism
		key  pkcs11.ObjectHandle
		rv   uint
	}{
		{"nil_mechanism", nil, key, pkcs11.CKR_ARGUMENTS_BAD},
		{"ccm", NewMechanism(pkcs11.CKM_AES_CCM, nil), key, pkcs11.CKR_MECHANISM_INVALID},
		{"bad_key", NewMechanism(pkcs11.CKM_AES_ECB, nil), 999, pkcs11.CKR_OBJECT_HANDLE_INVALID},
		{"key_size", NewMechanism(pkcs11.CKM_AES_ECB, nil), short, pkcs11.CKR_ARGUMENTS_BAD},
		{"ecb_param", NewMechanism(pkcs11.CKM_AES_ECB, iv), key, pkcs11.CKR_ARGUMENTS_BAD},
		{"cbc_iv", NewMechanism(pkcs11.CKM_AES_CBC, iv[:8]), key, pkcs11.CKR_ARGUMENTS_BAD},
		{"gcm_bytes", NewMechanism(pkcs11.CKM_AES_GCM, iv), key, pkcs11.CKR_ARGUMENTS_BAD},
		{"gcm_tag_small", gcmParams(12, 88), key, pkcs11.CKR_ARGUMENTS_BAD},
		{"gcm_tag_odd", gcmParams(12, 100), key, pkcs11.CKR_ARGUMENTS_BAD},
		{"gcm_iv", gcmParams(16, 128), key, pkcs11.CKR_ARGUMENTS_BAD},
	}
	for _, tt := range inits {
		t.Run(tt.name, func(t *testing.T) {
			wantRV(t, f.k.EncryptInit(f.ctx, h, tt.mech, tt.key), tt.rv)
			wantRV(t, f.k.DecryptInit(f.ctx, h, tt.mech, tt.key), tt.rv)
			f.wantIdle(t, h)
		})
	}

	t.Run("partial_block", func(t *testing.T) {
		if err := f.k.EncryptInit(f.ctx, h, NewMechanism(pkcs11.CKM_AES_CBC, iv), key); err != nil {
			t.Fatal(err)
		}
		_, err := f.k.Encrypt(h, make([]byte, 20))
		wantRV(t, err, pkcs11.CKR_DATA_LEN_RANGE)
		f.wantIdle(t, h)
		if err := f.k.DecryptInit(f.ctx, h, NewMechanism(pkcs11.CKM_AES_ECB, nil), key); err != nil {
			t.Fatal(err)
		}
		_, err = f.k.Decrypt(h, make([]byte, 15))
		wantRV(t, err, pkcs11.CKR_ENCRYPTED_DATA_LEN_RANGE)
		f.wantIdle(t, h)
	})

	t.Run("gcm_tampered", func(t *testing.T) {
		m := gcmParams(12, 128)
		if err := f.k.EncryptInit(f.ctx, h, m, key); err != nil {
			t.Fatal(err)
		}
		sealed, err := f.k.Encrypt(h, []byte("secret"))
		if err != nil {
			t.Fatal(err)
		}
		sealed[0] ^= 1
		if err := f.k.DecryptInit(f.ctx, h, m, key); err != nil {
			t.Fatal(err)
		}
		_, err = f.k.Decrypt(h, sealed)
		wantRV(t, err, pkcs11.CKR_ENCRYPTED_DATA_INVALID)
		if err := f.k.DecryptInit(f.ctx, h, m, key); err != nil {
			t.Fatal(err)
		}
		_, err = f.k.Decrypt(h, sealed[:15])
		wantRV(t, err, pkcs11.CKR_ENCRYPTED_DATA_LEN_RANGE)
		f.wantIdle(t, h)
	})

	t.Run("wrong_state", func(t *testing.T) {
		_, err := f.k.EncryptUpdate(h, nil)
		wantRV(t, err, pkcs11.CKR_OPERATION_NOT_INITIALIZED)
		if err := f.k.EncryptInit(f.ctx, h, NewMechanism(pkcs11.CKM_AES_ECB, nil), key); err != nil {
			t.Fatal(err)
		}
		_, err = f.k.DecryptFinal(h)
		wantRV(t, err, pkcs11.CKR_OPERATION_NOT_INITIALIZED)
		if _, err := f.k.EncryptFinal(h); err != nil {
			t.Fatal(err)
		}
		f.wantIdle(t, h)
	})
}
