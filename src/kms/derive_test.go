// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package kms

import (
	"crypto/aes"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/asn1"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/miekg/pkcs11"

	"github.com/lowRISC/opentitan-kms/src/kms/derx962"
)

func TestDeriveECB(t *testing.T) {
	f := newFixture(t)
	h := f.open(t)
	value := mustHex(t, "000102030405060708090a0b0c0d0e0f")
	base := f.put(t, aesKey(value, pkcs11.NewAttribute(pkcs11.CKA_DERIVE, true))...)
	block, err := aes.NewCipher(value)
	if err != nil {
		t.Fatal(err)
	}

	for _, n := range []int{16, 32} {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i * 7)
		}
		want := make([]byte, n)
		for i := 0; i < n; i += aes.BlockSize {
			block.Encrypt(want[i:], data[i:])
		}
		label := pkcs11.NewAttribute(pkcs11.CKA_LABEL, "derived")
		o, err := f.k.DeriveKey(f.ctx, h, NewMechanism(pkcs11.CKM_AES_ECB_ENCRYPT_DATA, data), base, []*pkcs11.Attribute{label})
		if err != nil {
			t.Fatalf("DeriveKey(%d bytes) = %v", n, err)
		}
		if diff := cmp.Diff(want, f.attr(t, h, o, pkcs11.CKA_VALUE)); diff != "" {
			t.Errorf("derived CKA_VALUE mismatch (-want +got):\n%s", diff)
		}
		obj, err := f.db.GetObject(f.ctx, o)
		if err != nil {
			t.Fatal(err)
		}
		if c, _ := findULong(obj, pkcs11.CKA_CLASS); c != pkcs11.CKO_SECRET_KEY {
			t.Errorf("CKA_CLASS = %d, want CKO_SECRET_KEY", c)
		}
		if kt, _ := findULong(obj, pkcs11.CKA_KEY_TYPE); kt != pkcs11.CKK_AES {
			t.Errorf("CKA_KEY_TYPE = %d, want CKK_AES", kt)
		}
		if got, _ := findBytes(obj, pkcs11.CKA_LABEL); string(got) != "derived" {
			t.Errorf("CKA_LABEL = %q, want %q", got, "derived")
		}
	}
	f.wantIdle(t, h)
}

func TestDeriveErrors(t *testing.T) {
	f := newFixture(t)
	h := f.open(t)
	value := make([]byte, 16)
	base := f.put(t, aesKey(value)...)
	denied := f.put(t, aesKey(value, pkcs11.NewAttribute(pkcs11.CKA_DERIVE, false))...)
	short := f.put(t, aesKey(make([]byte, 8))...)
	staleVersion := f.putStale(t, 0x500, oldVersion, aesKey(value, pkcs11.NewAttribute(pkcs11.CKA_DERIVE, true))...)
	staleConfig := f.putStale(t, 0x501, otherConfig, aesKey(value, pkcs11.NewAttribute(pkcs11.CKA_DERIVE, true))...)
	ecb := func(n int) *Mechanism { return NewMechanism(pkcs11.CKM_AES_ECB_ENCRYPT_DATA, make([]byte, n)) }
	ecdhParams := func(p ECDH1DeriveParams) *Mechanism { return NewMechanism(pkcs11.CKM_ECDH1_DERIVE, &p) }
	point := make([]byte, 65)

	tests := []struct {
		name string
		h    pkcs11.SessionHandle
		mech *Mechanism
		base pkcs11.ObjectHandle
		rv   uint
	}{
		{"bad_session", h + 1, ecb(16), base, pkcs11.CKR_SESSION_HANDLE_INVALID},
		{"nil_mechanism", h, nil, base, pkcs11.CKR_ARGUMENTS_BAD},
		{"unsupported", h, NewMechanism(pkcs11.CKM_AES_CBC_ENCRYPT_DATA, nil), base, pkcs11.CKR_MECHANISM_INVALID},
		{"ecb_no_data", h, NewMechanism(pkcs11.CKM_AES_ECB_ENCRYPT_DATA, nil), base, pkcs11.CKR_MECHANISM_PARAM_INVALID},
		{"ecb_data_length", h, ecb(17), base, pkcs11.CKR_MECHANISM_PARAM_INVALID},
		{"ecb_bad_base", h, ecb(16), 999, pkcs11.CKR_KEY_HANDLE_INVALID},
		{"ecb_stale_version", h, ecb(16), staleVersion, pkcs11.CKR_KEY_HANDLE_INVALID},
		{"ecb_stale_config", h, ecb(16), staleConfig, pkcs11.CKR_KEY_HANDLE_INVALID},
		{"ecb_partial_block", h, ecb(24), base, pkcs11.CKR_DATA_LEN_RANGE},
		{"ecb_derive_denied", h, ecb(16), denied, pkcs11.CKR_ACTION_PROHIBITED},
		{"ecb_base_value", h, ecb(16), short, pkcs11.CKR_ATTRIBUTE_VALUE_INVALID},
		{"ecdh_bytes_param", h, NewMechanism(pkcs11.CKM_ECDH1_DERIVE, point), base, pkcs11.CKR_ARGUMENTS_BAD},
		{"ecdh_kdf", h, ecdhParams(ECDH1DeriveParams{KDF: pkcs11.CKD_SHA1_KDF, PublicData: point}), base, pkcs11.CKR_MECHANISM_PARAM_INVALID},
		{"ecdh_shared", h, ecdhParams(ECDH1DeriveParams{KDF: pkcs11.CKD_NULL, SharedData: []byte{1}, PublicData: point}), base, pkcs11.CKR_MECHANISM_PARAM_INVALID},
		{"ecdh_no_point", h, ecdhParams(ECDH1DeriveParams{KDF: pkcs11.CKD_NULL}), base, pkcs11.CKR_DOMAIN_PARAMS_INVALID},
		{"ecdh_bad_base", h, ecdhParams(ECDH1DeriveParams{KDF: pkcs11.CKD_NULL, PublicData: point}), 999, pkcs11.CKR_KEY_HANDLE_INVALID},
		{"ecdh_stale_base", h, ecdhParams(ECDH1DeriveParams{KDF: pkcs11.CKD_NULL, PublicData: point}), staleVersion, pkcs11.CKR_KEY_HANDLE_INVALID},
		{"ecdh_derive_denied", h, ecdhParams(ECDH1DeriveParams{KDF: pkcs11.CKD_NULL, PublicData: point}), denied, pkcs11.CKR_ACTION_PROHIBITED},
		{"ecdh_not_ec", h, ecdhParams(ECDH1DeriveParams{KDF: pkcs11.CKD_NULL, PublicData: point}), base, pkcs11.CKR_FUNCTION_FAILED},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.k.DeriveKey(f.ctx, tt.h, tt.mech, tt.base, nil)
			wantRV(t, err, tt.rv)
			f.wantIdle(t, h)
		})
	}
	handles, err := f.db.ListObjects(f.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(handles) != 5 {
		t.Errorf("%d objects after failed derivations, want 5", len(handles))
	}
}

func TestDeriveECDH(t *testing.T) {
	f := newFixture(t)
	h := f.open(t)
	for _, name := range []string{"P-256", "P-384"} {
		t.Run(name, func(t *testing.T) {
			curve := curveByName(name)
			pubTpl := []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, curve.Params())}
			privTpl := []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_DERIVE, true)}
			pub, priv, err := f.k.GenerateKeyPair(f.ctx, h, NewMechanism(pkcs11.CKM_EC_KEY_PAIR_GEN, nil), pubTpl, privTpl)
			if err != nil {
				t.Fatal(err)
			}
			x, y, err := derx962.ExtractPoint(f.attr(t, h, pub, pkcs11.CKA_EC_POINT), curve.KeySize)
			if err != nil {
				t.Fatal(err)
			}
			ours, err := curve.ECDH.NewPublicKey(publicPoint(x, y))
			if err != nil {
				t.Fatal(err)
			}

			peer, err := curve.ECDH.GenerateKey(rand.Reader)
			if err != nil {
				t.Fatal(err)
			}
			want, err := peer.ECDH(ours)
			if err != nil {
				t.Fatal(err)
			}
			wrapped, err := asn1.Marshal(peer.PublicKey().Bytes())
			if err != nil {
				t.Fatal(err)
			}
			for form, data := range map[string][]byte{"raw": peer.PublicKey().Bytes(), "der": wrapped} {
				m := NewMechanism(pkcs11.CKM_ECDH1_DERIVE, &ECDH1DeriveParams{KDF: pkcs11.CKD_NULL, PublicData: data})
				o, err := f.k.DeriveKey(f.ctx, h, m, priv, nil)
				if err != nil {
					t.Fatalf("%s point: %v", form, err)
				}
				if diff := cmp.Diff(want, f.attr(t, h, o, pkcs11.CKA_VALUE)); diff != "" {
					t.Errorf("%s point: shared secret mismatch (-want +got):\n%s", form, diff)
				}
			}
			f.wantIdle(t, h)
		})
	}
}

func TestDeriveECDHBadPeer(t *testing.T) {
	f := newFixture(t)
	h := f.open(t)
	curve := curveByName("P-256")
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	priv := f.put(t,
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, curve.Params()),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, key.Bytes()))
	offCurve := append([]byte{derx962.FormUncompressed}, make([]byte, 64)...)
	offCurve[64] = 1
	other, err := ecdh.P384().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	for name, data := range map[string][]byte{
		"off_curve":   offCurve,
		"wrong_curve": other.PublicKey().Bytes(),
		"compressed":  append([]byte{0x02}, make([]byte, 32)...),
		"truncated":   {derx962.TagOctetString, 0x41, derx962.FormUncompressed, 1, 2},
	} {
		t.Run(name, func(t *testing.T) {
			m := NewMechanism(pkcs11.CKM_ECDH1_DERIVE, &ECDH1DeriveParams{KDF: pkcs11.CKD_NULL, PublicData: data})
			_, err := f.k.DeriveKey(f.ctx, h, m, priv, nil)
			wantRV(t, err, pkcs11.CKR_FUNCTION_FAILED)
			f.wantIdle(t, h)
		})
	}
}

func TestDeriveNeedsPool(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ContextPoolSize = deriveScratch - 1 })
	h := f.open(t)
	base := f.put(t, aesKey(make([]byte, 16))...)
	_, err := f.k.DeriveKey(f.ctx, h, NewMechanism(pkcs11.CKM_AES_ECB_ENCRYPT_DATA, make([]byte, 16)), base, nil)
	wantRV(t, err, pkcs11.CKR_DEVICE_MEMORY)
}
