// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"

	"github.com/miekg/pkcs11"

	"github.com/lowRISC/opentitan-kms/src/kms"
)

// gcmTagBits is the tag length used for CKM_AES_GCM.
const gcmTagBits = 128

// signMechanism builds a signature mechanism; tag lengths only apply to
// CKM_AES_CMAC_GENERAL.
func signMechanism(name, tagLen any) (*kms.Mechanism, error) {
	typ, err := mechanism(name)
	if err != nil {
		return nil, err
	}
	if typ != pkcs11.CKM_AES_CMAC_GENERAL {
		if tagLen != nil {
			return nil, fmt.Errorf("%s takes no tag length", kms.MechanismName(typ))
		}
		return kms.NewMechanism(typ, nil), nil
	}
	n := int64(16)
	if tagLen != nil {
		n = tagLen.(int64)
	}
	return kms.NewMechanism(typ, kms.MACGeneralParams{TagLength: int(n)}), nil
}

func cryptMechanism(name, iv any) (*kms.Mechanism, error) {
	typ, err := mechanism(name)
	if err != nil {
		return nil, err
	}
	var param any
	if iv != nil {
		param = iv.([]byte)
	}
	if typ == pkcs11.CKM_AES_GCM {
		var nonce []byte
		if iv != nil {
			nonce = iv.([]byte)
		}
		param = &kms.GCMParams{IV: nonce, TagBits: gcmTagBits}
	}
	return kms.NewMechanism(typ, param), nil
}

func (s *State) cryptoCommands() {
	s.Define(&Command{
		Name:         "digest",
		Usage:        "<mechanism> <data>",
		Help:         "hashes data, e.g. digest CKM_SHA256 abc",
		Args:         []ArgTy{ArgBytes, ArgBytes},
		NeedsSession: true,

		Run: func(args []any, state *State) (any, error) {
			typ, err := mechanism(args[0])
			if err != nil {
				return nil, err
			}
			if err := state.k.DigestInit(state.h, kms.NewMechanism(typ, nil)); err != nil {
				return nil, err
			}
			return state.k.Digest(state.h, args[1].([]byte))
		},
	})

	s.Define(&Command{
		Name:         "sign",
		Usage:        "<mechanism> <key> <data> [tag length]",
		Help:         "signs or MACs data; key pairs sign with the private half",
		Args:         []ArgTy{ArgBytes, ArgObj, ArgBytes, ArgInt | ArgOptional},
		NeedsSession: true,

		Run: func(args []any, state *State) (any, error) {
			mech, err := signMechanism(args[0], args[3])
			if err != nil {
				return nil, err
			}
			if err := state.k.SignInit(state.ctx, state.h, mech, handle(args[1], true)); err != nil {
				return nil, err
			}
			return state.k.Sign(state.ctx, state.h, args[2].([]byte))
		},
	})

	s.Define(&Command{
		Name:         "verify",
		Usage:        "<mechanism> <key> <data> <signature>",
		Help:         "checks a signature or MAC; key pairs verify with the public half",
		Args:         []ArgTy{ArgBytes, ArgObj, ArgBytes, ArgBytes},
		NeedsSession: true,

		Run: func(args []any, state *State) (any, error) {
			sig := args[3].([]byte)
			var tagLen any
			if typ, err := mechanism(args[0]); err == nil && typ == pkcs11.CKM_AES_CMAC_GENERAL {
				tagLen = int64(len(sig))
			}
			mech, err := signMechanism(args[0], tagLen)
			if err != nil {
				return nil, err
			}
			if err := state.k.VerifyInit(state.ctx, state.h, mech, handle(args[1], false)); err != nil {
				return nil, err
			}
			if err := state.k.Verify(state.ctx, state.h, args[2].([]byte), sig); err != nil {
				return nil, err
			}
			return true, nil
		},
	})

	s.Define(&Command{
		Name:         "derive-ecb",
		Usage:        "<key> <data>",
		Help:         "derives an AES key by encrypting data under key",
		Args:         []ArgTy{ArgObj, ArgBytes},
		NeedsSession: true,

		Run: func(args []any, state *State) (any, error) {
			mech := kms.NewMechanism(pkcs11.CKM_AES_ECB_ENCRYPT_DATA, args[1].([]byte))
			o, err := state.k.DeriveKey(state.ctx, state.h, mech, handle(args[0], true), nil)
			if err != nil {
				return nil, err
			}
			return Object(o), nil
		},
	})

	s.Define(&Command{
		Name:         "derive-ecdh",
		Usage:        "<key> <peer>",
		Help:         "derives an AES key from an EC key and a peer point or key pair",
		Args:         []ArgTy{ArgObj, ArgObj | ArgBytes},
		NeedsSession: true,

		Run: func(args []any, state *State) (any, error) {
			peer, ok := args[1].([]byte)
			if !ok {
				attrs, err := state.k.GetAttributeValue(state.ctx, state.h, handle(args[1], false), []uint{pkcs11.CKA_EC_POINT})
				if err != nil {
					return nil, err
				}
				peer = attrs[0].Value
			}
			mech := kms.NewMechanism(pkcs11.CKM_ECDH1_DERIVE, &kms.ECDH1DeriveParams{KDF: pkcs11.CKD_NULL, PublicData: peer})
			o, err := state.k.DeriveKey(state.ctx, state.h, mech, handle(args[0], true), nil)
			if err != nil {
				return nil, err
			}
			return Object(o), nil
		},
	})

	s.Define(&Command{
		Name:         "encrypt",
		Usage:        "<mechanism> <key> <data> [iv]",
		Help:         "encrypts data with an AES key",
		Args:         []ArgTy{ArgBytes, ArgObj, ArgBytes, ArgBytes | ArgOptional},
		NeedsSession: true,

		Run: func(args []any, state *State) (any, error) {
			mech, err := cryptMechanism(args[0], args[3])
			if err != nil {
				return nil, err
			}
			if err := state.k.EncryptInit(state.ctx, state.h, mech, handle(args[1], false)); err != nil {
				return nil, err
			}
			return state.k.Encrypt(state.h, args[2].([]byte))
		},
	})

	s.Define(&Command{
		Name:         "decrypt",
		Usage:        "<mechanism> <key> <data> [iv]",
		Help:         "decrypts data with an AES key",
		Args:         []ArgTy{ArgBytes, ArgObj, ArgBytes, ArgBytes | ArgOptional},
		NeedsSession: true,

		Run: func(args []any, state *State) (any, error) {
			mech, err := cryptMechanism(args[0], args[3])
			if err != nil {
				return nil, err
			}
			if err := state.k.DecryptInit(state.ctx, state.h, mech, handle(args[1], false)); err != nil {
				return nil, err
			}
			return state.k.Decrypt(state.h, args[2].([]byte))
		},
	})
}
