// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package kms

import (
	"bytes"
	"crypto/ecdh"
	"crypto/elliptic"
	"encoding/asn1"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// Curve describes a supported elliptic curve.
type Curve struct {
	Name string
	OID  asn1.ObjectIdentifier
	// KeySize is the byte length of a coordinate and of a private scalar.
	KeySize  int
	ECDH     ecdh.Curve
	Elliptic elliptic.Curve
}

var supportedCurves = []*Curve{
	{"P-256", asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}, 32, ecdh.P256(), elliptic.P256()},
	{"P-384", asn1.ObjectIdentifier{1, 3, 132, 0, 34}, 48, ecdh.P384(), elliptic.P384()},
	{"P-521", asn1.ObjectIdentifier{1, 3, 132, 0, 35}, 66, ecdh.P521(), elliptic.P521()},
}

func curveByName(name string) *Curve {
	for _, c := range supportedCurves {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Params returns the DER encoding of the curve OID, the CKA_EC_PARAMS value
// naming the curve.
func (c *Curve) Params() []byte {
	b, err := asn1.Marshal(c.OID)
	if err != nil {
		panic(err)
	}
	return b
}

// loadCurve resolves a CKA_EC_PARAMS value to one of the enabled curves.
func (k *KMS) loadCurve(params []byte) (*Curve, error) {
	s := cryptobyte.String(params)
	var oid asn1.ObjectIdentifier
	if !s.ReadASN1ObjectIdentifier(&oid) || !s.Empty() {
		return nil, fmt.Errorf("EC params %x are not a named curve", params)
	}
	for _, c := range k.curves {
		if c.OID.Equal(oid) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("curve %v is not enabled", oid)
}

// publicPoint returns the raw uncompressed point 0x04||x||y.
func publicPoint(x, y []byte) []byte {
	return bytes.Join([][]byte{{0x04}, x, y}, nil)
}

// CurveParams returns the CKA_EC_PARAMS value of the named curve.
func CurveParams(name string) ([]byte, error) {
	c := curveByName(name)
	if c == nil {
		return nil, fmt.Errorf("unknown curve %q", name)
	}
	return c.Params(), nil
}
