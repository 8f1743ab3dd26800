// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package derx962 encodes and decodes uncompressed elliptic curve points
// wrapped in a DER OCTET STRING, the layout used by the CKA_EC_POINT
// attribute:
//
//	[0x04 tag][length][0x04 form][X][Y]
//
// The length uses the ASN.1 short form below 128 and the long form
// (0x80|n followed by n big-endian bytes, 1 <= n <= 4) otherwise.
package derx962

import (
	"errors"
	"fmt"
)

const (
	// TagOctetString is the DER tag of an OCTET STRING.
	TagOctetString = 0x04
	// FormUncompressed is the X9.62 marker of an uncompressed point.
	FormUncompressed = 0x04

	longFormBit    = 0x80
	maxLengthBytes = 4
	maxKeySize     = (0xFFFFFFFF - 1) / 2
)

var (
	// ErrTag is returned when the buffer does not start with an OCTET STRING.
	ErrTag = errors.New("derx962: not an OCTET STRING")
	// ErrLength is returned for an unsupported or truncated length field.
	ErrLength = errors.New("derx962: bad length encoding")
	// ErrForm is returned when the payload is not an uncompressed point.
	ErrForm = errors.New("derx962: point is not uncompressed")
	// ErrKeySize is returned for key sizes the length arithmetic cannot hold.
	ErrKeySize = errors.New("derx962: key size out of range")
)

// header returns the payload length and offset of an OCTET STRING.
func header(buf []byte) (uint32, int, error) {
	if len(buf) < 2 || buf[0] != TagOctetString {
		return 0, 0, ErrTag
	}
	prefix := buf[1]
	if prefix&longFormBit == 0 {
		return uint32(prefix), 2, nil
	}
	n := int(prefix &^ longFormBit)
	if n > maxLengthBytes {
		return 0, 0, fmt.Errorf("%w: %d length bytes", ErrLength, n)
	}
	if len(buf) < 2+n {
		return 0, 0, fmt.Errorf("%w: truncated length field", ErrLength)
	}
	var l uint32
	for _, b := range buf[2 : 2+n] {
		l = l<<8 | uint32(b)
	}
	return l, 2 + n, nil
}

// OctetStringLength returns the payload length declared by the OCTET STRING
// header at the start of buf.
func OctetStringLength(buf []byte) (uint32, error) {
	l, _, err := header(buf)
	return l, err
}

// DataOffset returns the offset of the first payload byte of the OCTET STRING
// at the start of buf.
func DataOffset(buf []byte) (int, error) {
	_, off, err := header(buf)
	return off, err
}

// ExtractPoint decodes the X and Y coordinates, each ksize bytes long, from
// an encoded point. The returned slices are copies.
func ExtractPoint(buf []byte, ksize int) (x, y []byte, err error) {
	if ksize <= 0 || ksize > maxKeySize {
		return nil, nil, ErrKeySize
	}
	off, err := DataOffset(buf)
	if err != nil {
		return nil, nil, err
	}
	if len(buf) <= off || buf[off] != FormUncompressed {
		return nil, nil, ErrForm
	}
	p := buf[off+1:]
	if len(p) < 2*ksize {
		return nil, nil, fmt.Errorf("%w: need %d coordinate bytes, have %d", ErrLength, 2*ksize, len(p))
	}
	x = append([]byte(nil), p[:ksize]...)
	y = append([]byte(nil), p[ksize:2*ksize]...)
	return x, y, nil
}

// EncodedLen returns the size of the encoding of a point with ksize byte
// coordinates.
func EncodedLen(ksize int) (int, error) {
	if ksize <= 0 || ksize > maxKeySize {
		return 0, ErrKeySize
	}
	payload := uint32(2*ksize + 1)
	return 1 + lengthSize(payload) + int(payload), nil
}

func lengthSize(l uint32) int {
	switch {
	case l < 0x80:
		return 1
	case l <= 0xFF:
		return 2
	case l <= 0xFFFF:
		return 3
	case l <= 0xFFFFFF:
		return 4
	}
	return 5
}

// AppendPoint appends the encoding of (x, y) to dst. Both coordinates must be
// exactly ksize bytes.
func AppendPoint(dst, x, y []byte, ksize int) ([]byte, error) {
	if ksize <= 0 || ksize > maxKeySize {
		return dst, ErrKeySize
	}
	if len(x) != ksize || len(y) != ksize {
		return dst, fmt.Errorf("derx962: coordinates must be %d bytes, got %d and %d", ksize, len(x), len(y))
	}
	payload := uint32(2*ksize + 1)
	dst = append(dst, TagOctetString)
	if n := lengthSize(payload); n == 1 {
		dst = append(dst, byte(payload))
	} else {
		dst = append(dst, longFormBit|byte(n-1))
		for i := n - 2; i >= 0; i-- {
			dst = append(dst, byte(payload>>(8*i)))
		}
	}
	dst = append(dst, FormUncompressed)
	dst = append(dst, x...)
	return append(dst, y...), nil
}

// ConstructPoint returns the encoding of (x, y).
func ConstructPoint(x, y []byte, ksize int) ([]byte, error) {
	n, err := EncodedLen(ksize)
	if err != nil {
		return nil, err
	}
	return AppendPoint(make([]byte, 0, n), x, y, ksize)
}
