// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package kms

import (
	"encoding/binary"

	"github.com/miekg/pkcs11"
)

// Mechanism selects an operation. Mechanisms are never modified by the KMS.
//
// Parameter holds one of:
//   - nil
//   - []byte: derivation data for CKM_AES_ECB_ENCRYPT_DATA, the IV for
//     CKM_AES_CBC, or an encoded CK_MAC_GENERAL_PARAMS
//   - MACGeneralParams
//   - *ECDH1DeriveParams
//   - *GCMParams
type Mechanism struct {
	Type      uint
	Parameter any
}

// NewMechanism returns a mechanism of type `typ` with parameter `param`.
func NewMechanism(typ uint, param any) *Mechanism {
	return &Mechanism{Type: typ, Parameter: param}
}

// MACGeneralParams is the parameter of CKM_AES_CMAC_GENERAL: the length of the
// produced tag in bytes.
type MACGeneralParams struct {
	TagLength int
}

// ECDH1DeriveParams is the parameter of CKM_ECDH1_DERIVE.
type ECDH1DeriveParams struct {
	KDF        uint
	SharedData []byte
	// PublicData is the peer public point, either DER wrapped or a raw X9.62
	// uncompressed point.
	PublicData []byte
}

// GCMParams is the parameter of CKM_AES_GCM.
type GCMParams struct {
	IV      []byte
	AAD     []byte
	TagBits int
}

// FromPKCS11 converts a mechanism built with the pkcs11 package. Only byte
// parameters are carried over; structured parameters must be supplied with
// NewMechanism.
func FromPKCS11(m *pkcs11.Mechanism) *Mechanism {
	if m == nil {
		return nil
	}
	out := &Mechanism{Type: m.Mechanism}
	if len(m.Parameter) > 0 {
		out.Parameter = append([]byte(nil), m.Parameter...)
	}
	return out
}

// bytesParam returns the byte parameter of `m`, if any.
func bytesParam(m *Mechanism) []byte {
	b, _ := m.Parameter.([]byte)
	return b
}

// macLength decodes the tag length of a CMAC_GENERAL mechanism. Encoded
// CK_ULONG parameters are accepted in 4 and 8 byte little endian form.
func macLength(m *Mechanism) (int, bool) {
	switch p := m.Parameter.(type) {
	case MACGeneralParams:
		return p.TagLength, true
	case *MACGeneralParams:
		if p == nil {
			return 0, false
		}
		return p.TagLength, true
	case []byte:
		switch len(p) {
		case 4:
			return int(binary.LittleEndian.Uint32(p)), true
		case 8:
			v := binary.LittleEndian.Uint64(p)
			if v > 0xFFFF {
				return 0, false
			}
			return int(v), true
		}
	}
	return 0, false
}
