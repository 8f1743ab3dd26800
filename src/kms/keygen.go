// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package kms

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/miekg/pkcs11"

	"github.com/lowRISC/opentitan-kms/src/kms/derx962"
)

const keygenScratch = 512

// GenerateKeyPair generates an EC key pair on the curve named by the
// CKA_EC_PARAMS of `pubTpl` and stores both halves.
func (k *KMS) GenerateKeyPair(ctx context.Context, h pkcs11.SessionHandle, mech *Mechanism, pubTpl, privTpl []*pkcs11.Attribute) (pub, priv pkcs11.ObjectHandle, err error) {
	defer k.report("GenerateKeyPair", &err)
	if _, err := k.idleSession(h); err != nil {
		return 0, 0, err
	}
	if mech == nil || len(pubTpl) == 0 || len(privTpl) == 0 {
		return 0, 0, newError(pkcs11.CKR_ARGUMENTS_BAD, "mechanism and both templates are required")
	}
	if mech.Type != pkcs11.CKM_EC_KEY_PAIR_GEN {
		return 0, 0, newError(pkcs11.CKR_MECHANISM_INVALID, "%s cannot generate key pairs", MechanismName(mech.Type))
	}
	params, ok := templateValue(pubTpl, pkcs11.CKA_EC_PARAMS)
	if !ok {
		return 0, 0, newError(pkcs11.CKR_ARGUMENTS_BAD, "public template lacks CKA_EC_PARAMS")
	}

	err = k.withScratch(keygenScratch, func() error {
		curve, err := k.loadCurve(params)
		if err != nil {
			return newError(pkcs11.CKR_FUNCTION_FAILED, "could not load curve: %v", err)
		}
		key, err := curve.ECDH.GenerateKey(rand.Reader)
		if err != nil {
			return newError(pkcs11.CKR_FUNCTION_FAILED, "could not generate %s key: %v", curve.Name, err)
		}
		raw := key.PublicKey().Bytes()[1:]
		point, err := derx962.ConstructPoint(raw[:curve.KeySize], raw[curve.KeySize:], curve.KeySize)
		if err != nil {
			return newError(pkcs11.CKR_FUNCTION_FAILED, "could not encode public point: %v", err)
		}

		pub, err = k.store.CreateObject(ctx, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
			pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, point),
			pkcs11.NewAttribute(pkcs11.CKA_LOCAL, true),
		}, pubTpl)
		if err != nil {
			return newError(pkcs11.CKR_FUNCTION_FAILED, "could not store public key: %v", err)
		}
		priv, err = k.store.CreateObject(ctx, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
			pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, params),
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, key.Bytes()),
			pkcs11.NewAttribute(pkcs11.CKA_LOCAL, true),
		}, privTpl)
		if err != nil {
			if derr := k.store.DestroyObject(ctx, pub); derr != nil {
				k.log.Error(derr, fmt.Sprintf("orphaned public key %d", pub))
			}
			pub = 0
			return newError(pkcs11.CKR_FUNCTION_FAILED, "could not store private key: %v", err)
		}
		k.log.Info(fmt.Errorf("generated %s key pair %d/%d", curve.Name, pub, priv))
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return pub, priv, nil
}
