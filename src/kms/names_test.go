// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package kms

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/miekg/pkcs11"
)

func TestParseAttribute(t *testing.T) {
	tests := []struct {
		spec    AttributeSpec
		want    *pkcs11.Attribute
		display string
	}{
		{AttributeSpec{"CKA_CLASS", "CKO_PRIVATE_KEY"}, pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY), "CKO_PRIVATE_KEY"},
		{AttributeSpec{"CKA_KEY_TYPE", "CKK_RSA"}, pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA), "CKK_RSA"},
		{AttributeSpec{"CKA_HW_FEATURE_TYPE", "CKH_MONOTONIC_COUNTER"}, pkcs11.NewAttribute(pkcs11.CKA_HW_FEATURE_TYPE, 1), "CKH_MONOTONIC_COUNTER"},
		{AttributeSpec{"CKA_VALUE_LEN", "0x20"}, pkcs11.NewAttribute(pkcs11.CKA_VALUE_LEN, 32), "32"},
		{AttributeSpec{"CKA_SIGN", "true"}, pkcs11.NewAttribute(pkcs11.CKA_SIGN, true), "true"},
		{AttributeSpec{"CKA_LABEL", "root key"}, pkcs11.NewAttribute(pkcs11.CKA_LABEL, "root key"), `"root key"`},
		{AttributeSpec{"CKA_ID", "0x01:02:ff"}, pkcs11.NewAttribute(pkcs11.CKA_ID, []byte{1, 2, 0xFF}), "0102ff"},
		{AttributeSpec{"0x80000001", "abcd"}, pkcs11.NewAttribute(0x80000001, []byte{0xAB, 0xCD}), "abcd"},
	}
	for _, tt := range tests {
		t.Run(tt.spec.Type, func(t *testing.T) {
			got, err := ParseAttribute(tt.spec)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseAttribute() mismatch (-want +got):\n%s", diff)
			}
			if s := FormatAttribute(got); s != tt.display {
				t.Errorf("FormatAttribute() = %q, want %q", s, tt.display)
			}
		})
	}
}

func TestParseAttributeErrors(t *testing.T) {
	for _, spec := range []AttributeSpec{
		{"CKA_NOPE", "1"},
		{"CKA_CLASS", "CKO_UNKNOWN"},
		{"CKA_SIGN", "maybe"},
		{"CKA_VALUE", "xyz"},
	} {
		if _, err := ParseAttribute(spec); err == nil {
			t.Errorf("ParseAttribute(%v) succeeded, want error", spec)
		}
	}
}

func TestNames(t *testing.T) {
	for typ, n := range mechanismNames {
		got, err := ParseMechanismType(n)
		if err != nil || got != typ {
			t.Errorf("ParseMechanismType(%q) = %d, %v, want %d", n, got, err, typ)
		}
	}
	if got := MechanismName(0x12345); got != "CKM_0x12345" {
		t.Errorf("MechanismName(0x12345) = %q", got)
	}
	if got := AttributeName(pkcs11.CKA_EC_POINT); got != "CKA_EC_POINT" {
		t.Errorf("AttributeName(CKA_EC_POINT) = %q", got)
	}
	if got, err := ParseMechanismType("0x1041"); err != nil || got != pkcs11.CKM_ECDSA {
		t.Errorf("ParseMechanismType(0x1041) = %d, %v", got, err)
	}
}
