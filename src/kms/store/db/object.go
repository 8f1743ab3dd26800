// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"encoding/binary"
	"fmt"

	"github.com/miekg/pkcs11"
)

const (
	// ABIVersion marks a blob laid out for the PKCS#11 v2.40 ABI.
	ABIVersion = 0xB10B0240
	// ABIConfigKeyhead marks a blob using the keyhead layout.
	ABIConfigKeyhead = 0xB10B0003

	// keyheadSize is the size of the five word blob header.
	keyheadSize = 5 * 4
	// tlvHeaderSize is the size of an attribute type and length pair.
	tlvHeaderSize = 2 * 4
)

// Object is a stored key object: a keyhead followed by ordered attributes.
type Object struct {
	Version       uint32
	Configuration uint32
	ID            uint32
	Attributes    []*pkcs11.Attribute
}

// NewObject returns a valid object carrying the concatenation of `tpls`.
func NewObject(id uint32, tpls ...[]*pkcs11.Attribute) *Object {
	o := &Object{Version: ABIVersion, Configuration: ABIConfigKeyhead, ID: id}
	for _, tpl := range tpls {
		for _, a := range tpl {
			o.Attributes = append(o.Attributes, pkcs11.NewAttribute(a.Type, append([]byte(nil), a.Value...)))
		}
	}
	return o
}

// Valid reports whether the keyhead markers match the supported layout.
func (o *Object) Valid() bool {
	return o != nil && o.Version == ABIVersion && o.Configuration == ABIConfigKeyhead
}

// Find returns the first attribute of type `typ`.
func (o *Object) Find(typ uint) (*pkcs11.Attribute, bool) {
	for _, a := range o.Attributes {
		if a.Type == typ {
			return a, true
		}
	}
	return nil, false
}

func padded(n int) int {
	return (n + 3) &^ 3
}

// MarshalBinary encodes the object as a little endian keyhead blob. Each
// attribute value is zero padded to a four byte boundary.
func (o *Object) MarshalBinary() ([]byte, error) {
	size := 0
	for _, a := range o.Attributes {
		if uint64(a.Type) > 0xFFFFFFFF {
			return nil, fmt.Errorf("attribute type 0x%X does not fit the blob layout", a.Type)
		}
		size += tlvHeaderSize + padded(len(a.Value))
	}
	buf := make([]byte, keyheadSize, keyheadSize+size)
	binary.LittleEndian.PutUint32(buf[0:], o.Version)
	binary.LittleEndian.PutUint32(buf[4:], o.Configuration)
	binary.LittleEndian.PutUint32(buf[8:], uint32(size))
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(o.Attributes)))
	binary.LittleEndian.PutUint32(buf[16:], o.ID)
	for _, a := range o.Attributes {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(a.Type))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(a.Value)))
		buf = append(buf, a.Value...)
		buf = append(buf, make([]byte, padded(len(a.Value))-len(a.Value))...)
	}
	return buf, nil
}

// UnmarshalBinary decodes a keyhead blob. Truncated blobs and blobs whose
// declared size disagrees with their attributes are rejected.
func (o *Object) UnmarshalBinary(b []byte) error {
	if len(b) < keyheadSize {
		return fmt.Errorf("blob too short: %d bytes", len(b))
	}
	size := binary.LittleEndian.Uint32(b[8:])
	count := binary.LittleEndian.Uint32(b[12:])
	body := b[keyheadSize:]
	if uint64(len(body)) != uint64(size) {
		return fmt.Errorf("blob size mismatch: header says %d, have %d", size, len(body))
	}
	if uint64(count)*tlvHeaderSize > uint64(len(body)) {
		return fmt.Errorf("blob declares %d attributes in %d bytes", count, len(body))
	}
	attrs := make([]*pkcs11.Attribute, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(body) < tlvHeaderSize {
			return fmt.Errorf("attribute %d: truncated header", i)
		}
		typ := binary.LittleEndian.Uint32(body)
		l := binary.LittleEndian.Uint32(body[4:])
		body = body[tlvHeaderSize:]
		if uint64(padded(int(l))) > uint64(len(body)) {
			return fmt.Errorf("attribute %d: truncated value of %d bytes", i, l)
		}
		attrs = append(attrs, pkcs11.NewAttribute(uint(typ), append([]byte(nil), body[:l]...)))
		body = body[padded(int(l)):]
	}
	if len(body) != 0 {
		return fmt.Errorf("blob has %d trailing bytes", len(body))
	}
	o.Version = binary.LittleEndian.Uint32(b[0:])
	o.Configuration = binary.LittleEndian.Uint32(b[4:])
	o.ID = binary.LittleEndian.Uint32(b[16:])
	o.Attributes = attrs
	return nil
}
