// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package kms

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/miekg/pkcs11"

	"github.com/lowRISC/opentitan-kms/src/utils"
)

type attrKind int

const (
	kindBytes attrKind = iota
	kindULong
	kindBool
	kindText
)

type attrName struct {
	name string
	kind attrKind
}

var attributeNames = map[uint]attrName{
	pkcs11.CKA_CLASS:             {"CKA_CLASS", kindULong},
	pkcs11.CKA_TOKEN:             {"CKA_TOKEN", kindBool},
	pkcs11.CKA_PRIVATE:           {"CKA_PRIVATE", kindBool},
	pkcs11.CKA_LABEL:             {"CKA_LABEL", kindText},
	pkcs11.CKA_VALUE:             {"CKA_VALUE", kindBytes},
	pkcs11.CKA_CERTIFICATE_TYPE:  {"CKA_CERTIFICATE_TYPE", kindULong},
	pkcs11.CKA_KEY_TYPE:          {"CKA_KEY_TYPE", kindULong},
	pkcs11.CKA_ID:                {"CKA_ID", kindBytes},
	pkcs11.CKA_SENSITIVE:         {"CKA_SENSITIVE", kindBool},
	pkcs11.CKA_ENCRYPT:           {"CKA_ENCRYPT", kindBool},
	pkcs11.CKA_DECRYPT:           {"CKA_DECRYPT", kindBool},
	pkcs11.CKA_WRAP:              {"CKA_WRAP", kindBool},
	pkcs11.CKA_UNWRAP:            {"CKA_UNWRAP", kindBool},
	pkcs11.CKA_SIGN:              {"CKA_SIGN", kindBool},
	pkcs11.CKA_VERIFY:            {"CKA_VERIFY", kindBool},
	pkcs11.CKA_DERIVE:            {"CKA_DERIVE", kindBool},
	pkcs11.CKA_MODULUS:           {"CKA_MODULUS", kindBytes},
	pkcs11.CKA_MODULUS_BITS:      {"CKA_MODULUS_BITS", kindULong},
	pkcs11.CKA_PUBLIC_EXPONENT:   {"CKA_PUBLIC_EXPONENT", kindBytes},
	pkcs11.CKA_PRIVATE_EXPONENT:  {"CKA_PRIVATE_EXPONENT", kindBytes},
	pkcs11.CKA_PRIME_1:           {"CKA_PRIME_1", kindBytes},
	pkcs11.CKA_PRIME_2:           {"CKA_PRIME_2", kindBytes},
	pkcs11.CKA_EXPONENT_1:        {"CKA_EXPONENT_1", kindBytes},
	pkcs11.CKA_EXPONENT_2:        {"CKA_EXPONENT_2", kindBytes},
	pkcs11.CKA_COEFFICIENT:       {"CKA_COEFFICIENT", kindBytes},
	pkcs11.CKA_VALUE_LEN:         {"CKA_VALUE_LEN", kindULong},
	pkcs11.CKA_EXTRACTABLE:       {"CKA_EXTRACTABLE", kindBool},
	pkcs11.CKA_LOCAL:             {"CKA_LOCAL", kindBool},
	pkcs11.CKA_MODIFIABLE:        {"CKA_MODIFIABLE", kindBool},
	pkcs11.CKA_COPYABLE:          {"CKA_COPYABLE", kindBool},
	pkcs11.CKA_DESTROYABLE:       {"CKA_DESTROYABLE", kindBool},
	pkcs11.CKA_EC_PARAMS:         {"CKA_EC_PARAMS", kindBytes},
	pkcs11.CKA_EC_POINT:          {"CKA_EC_POINT", kindBytes},
	pkcs11.CKA_HW_FEATURE_TYPE:   {"CKA_HW_FEATURE_TYPE", kindULong},
	pkcs11.CKA_ALWAYS_SENSITIVE:  {"CKA_ALWAYS_SENSITIVE", kindBool},
	pkcs11.CKA_NEVER_EXTRACTABLE: {"CKA_NEVER_EXTRACTABLE", kindBool},
}

var mechanismNames = map[uint]string{
	pkcs11.CKM_RSA_PKCS:             "CKM_RSA_PKCS",
	pkcs11.CKM_SHA1_RSA_PKCS:        "CKM_SHA1_RSA_PKCS",
	pkcs11.CKM_SHA256_RSA_PKCS:      "CKM_SHA256_RSA_PKCS",
	pkcs11.CKM_ECDSA:                "CKM_ECDSA",
	pkcs11.CKM_ECDSA_SHA1:           "CKM_ECDSA_SHA1",
	pkcs11.CKM_ECDSA_SHA256:         "CKM_ECDSA_SHA256",
	pkcs11.CKM_AES_CMAC:             "CKM_AES_CMAC",
	pkcs11.CKM_AES_CMAC_GENERAL:     "CKM_AES_CMAC_GENERAL",
	pkcs11.CKM_AES_ECB:              "CKM_AES_ECB",
	pkcs11.CKM_AES_CBC:              "CKM_AES_CBC",
	pkcs11.CKM_AES_GCM:              "CKM_AES_GCM",
	pkcs11.CKM_AES_CCM:              "CKM_AES_CCM",
	pkcs11.CKM_AES_ECB_ENCRYPT_DATA: "CKM_AES_ECB_ENCRYPT_DATA",
	pkcs11.CKM_ECDH1_DERIVE:         "CKM_ECDH1_DERIVE",
	pkcs11.CKM_EC_KEY_PAIR_GEN:      "CKM_EC_KEY_PAIR_GEN",
	pkcs11.CKM_SHA_1:                "CKM_SHA_1",
	pkcs11.CKM_SHA256:               "CKM_SHA256",
}

// Constant names accepted for CK_ULONG attribute values.
var ulongNames = map[string]uint{
	"CKO_DATA":              pkcs11.CKO_DATA,
	"CKO_CERTIFICATE":       pkcs11.CKO_CERTIFICATE,
	"CKO_PUBLIC_KEY":        pkcs11.CKO_PUBLIC_KEY,
	"CKO_PRIVATE_KEY":       pkcs11.CKO_PRIVATE_KEY,
	"CKO_SECRET_KEY":        pkcs11.CKO_SECRET_KEY,
	"CKO_HW_FEATURE":        pkcs11.CKO_HW_FEATURE,
	"CKK_RSA":               pkcs11.CKK_RSA,
	"CKK_EC":                pkcs11.CKK_EC,
	"CKK_AES":               pkcs11.CKK_AES,
	"CKK_GENERIC_SECRET":    pkcs11.CKK_GENERIC_SECRET,
	"CKC_X_509":             pkcs11.CKC_X_509,
	"CKH_MONOTONIC_COUNTER": ckhMonotonicCounter,
}

// AttributeName returns the CKA_ name of `typ`, or its hex value.
func AttributeName(typ uint) string {
	if n, ok := attributeNames[typ]; ok {
		return n.name
	}
	return fmt.Sprintf("CKA_0x%X", typ)
}

// MechanismName returns the CKM_ name of `typ`, or its hex value.
func MechanismName(typ uint) string {
	if n, ok := mechanismNames[typ]; ok {
		return n
	}
	return fmt.Sprintf("CKM_0x%X", typ)
}

// ParseAttributeType resolves a CKA_ name or a number.
func ParseAttributeType(s string) (uint, error) {
	for typ, n := range attributeNames {
		if n.name == s {
			return typ, nil
		}
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("unknown attribute %q", s)
	}
	return uint(v), nil
}

// ParseMechanismType resolves a CKM_ name or a number.
func ParseMechanismType(s string) (uint, error) {
	for typ, n := range mechanismNames {
		if n == s {
			return typ, nil
		}
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("unknown mechanism %q", s)
	}
	return uint(v), nil
}

// ParseAttribute builds an attribute from its textual form. See
// AttributeSpec for the value syntax.
func ParseAttribute(spec AttributeSpec) (*pkcs11.Attribute, error) {
	typ, err := ParseAttributeType(spec.Type)
	if err != nil {
		return nil, err
	}
	kind := attributeNames[typ].kind
	switch kind {
	case kindULong:
		if v, ok := ulongNames[spec.Value]; ok {
			return pkcs11.NewAttribute(typ, v), nil
		}
		v, err := strconv.ParseUint(spec.Value, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: bad value %q", spec.Type, spec.Value)
		}
		return pkcs11.NewAttribute(typ, uint(v)), nil
	case kindBool:
		v, err := strconv.ParseBool(spec.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: bad value %q", spec.Type, spec.Value)
		}
		return pkcs11.NewAttribute(typ, v), nil
	case kindText:
		return pkcs11.NewAttribute(typ, spec.Value), nil
	}
	v, err := utils.DecodeHex(spec.Value)
	if err != nil {
		return nil, fmt.Errorf("%s: bad hex value: %v", spec.Type, err)
	}
	return pkcs11.NewAttribute(typ, v), nil
}

// FormatAttribute renders an attribute for display. Apart from labels, which
// are quoted, the output is accepted by ParseAttribute.
func FormatAttribute(a *pkcs11.Attribute) string {
	switch attributeNames[a.Type].kind {
	case kindULong:
		if v, ok := ulongValue(a); ok {
			for n, c := range ulongNames {
				if c == v && strings.HasPrefix(n, ulongPrefix(a.Type)) {
					return n
				}
			}
			return strconv.FormatUint(uint64(v), 10)
		}
	case kindBool:
		if v, ok := boolValue(a); ok {
			return strconv.FormatBool(v)
		}
	case kindText:
		return strconv.Quote(string(a.Value))
	}
	return fmt.Sprintf("%x", a.Value)
}

func ulongPrefix(typ uint) string {
	switch typ {
	case pkcs11.CKA_CLASS:
		return "CKO_"
	case pkcs11.CKA_KEY_TYPE:
		return "CKK_"
	case pkcs11.CKA_CERTIFICATE_TYPE:
		return "CKC_"
	case pkcs11.CKA_HW_FEATURE_TYPE:
		return "CKH_"
	}
	return "\x00"
}
