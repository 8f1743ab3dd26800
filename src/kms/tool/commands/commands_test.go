// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/miekg/pkcs11"
	"google.golang.org/grpc/codes"

	"github.com/lowRISC/opentitan-kms/src/kms"
	"github.com/lowRISC/opentitan-kms/src/kms/tool/lex"
)

func newState(t *testing.T) *State {
	t.Helper()
	ctx := context.Background()
	cfg := kms.DefaultConfig()
	cfg.LogFile = filepath.Join(t.TempDir(), "kms.log")
	k, err := kms.Open(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := k.Initialize(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { k.Close() })
	return New(ctx, k)
}

func run(t *testing.T, s *State, cmd string, args ...any) any {
	t.Helper()
	v, err := tryRun(t, s, cmd, args...)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

// tryRun runs every command of `cmd` and returns the last result and the
// last error.
func tryRun(t *testing.T, s *State, cmd string, args ...any) (v any, err error) {
	t.Helper()
	lexer := lex.New(strings.NewReader(fmt.Sprintf(cmd, args...)))
	var eof bool
	for !eof {
		toks, ret, errs := s.Interpret(lexer)
		if len(toks) > 0 {
			t.Log("kms>", lex.StringTokens(toks[:len(toks)-1]))
			_, eof = toks[len(toks)-1].Value.(lex.EOF)
		}
		for i, e := range errs {
			if i < len(errs)-1 {
				t.Error(e)
			}
			err = e
		}
		v = ret
	}
	return
}

func TestReadWrite(t *testing.T) {
	s := newState(t)
	path := filepath.Join(t.TempDir(), "file")
	run(t, s, `string my_var "this is my file!"; write $my_var %q`, path)

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "this is my file!" {
		t.Fatalf("wrote wrong file contents: %q", got)
	}
	text := run(t, s, `set back read %q`, path).([]byte)
	if !bytes.Equal(text, got) {
		t.Fatalf("read back %q, want %q", text, got)
	}
	if !bytes.Equal(s.vars["back"].([]byte), got) {
		t.Errorf("set did not store the result")
	}
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name, cmd, want string
	}{
		{"unknown", "frobnicate", "unknown command"},
		{"no_session", "gen-ec p256", "no active session"},
		{"too_many", "read a b", "at most 1 arguments"},
		{"too_few", "string x", "at least 2 arguments"},
		{"no_var", "read $nope", `no variable "nope"`},
		{"bad_type", "open-session abc", "expected"},
		{"no_value", "set x string y z", "did not produce a value"},
		{"lex", `read h"zz"`, "invalid byte"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newState(t)
			_, err := tryRun(t, s, tt.cmd)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("got error %v, want one containing %q", err, tt.want)
			}
		})
	}
}

func TestSessions(t *testing.T) {
	s := newState(t)
	run(t, s, "open-session")
	if _, err := tryRun(t, s, "open-session"); err == nil {
		t.Fatal("second open-session succeeded")
	}
	run(t, s, "info; mechanisms; close-session")
	if _, err := tryRun(t, s, "close-session"); err == nil {
		t.Fatal("close-session without a session succeeded")
	}
	run(t, s, "open-session 0")
}

func TestDigest(t *testing.T) {
	s := newState(t)
	run(t, s, "open-session")
	got := run(t, s, "digest CKM_SHA256 abc").([]byte)
	want := sha256.Sum256([]byte("abc"))
	if diff := cmp.Diff(want[:], got); diff != "" {
		t.Errorf("digest mismatch (-want +got):\n%s", diff)
	}
}

func TestECDSA(t *testing.T) {
	for _, curve := range []string{"p256", "P-384", "secp384r1"} {
		t.Run(curve, func(t *testing.T) {
			s := newState(t)
			run(t, s, "open-session")
			run(t, s, "set key gen-ec %s my-key; set sig sign CKM_ECDSA_SHA256 $key hello", curve)
			if ok := run(t, s, "verify CKM_ECDSA_SHA256 $key hello $sig").(bool); !ok {
				t.Fatal("verify returned false")
			}
			_, err := tryRun(t, s, "verify CKM_ECDSA_SHA256 $key goodbye $sig")
			if got := ErrorCode(err); got != codes.Unauthenticated {
				t.Errorf("tampered verify: got code %v (%v), want %v", got, err, codes.Unauthenticated)
			}

			label := run(t, s, "attr $key CKA_LABEL").([]byte)
			if string(label) != "my-key" {
				t.Errorf("got label %q", label)
			}
			pub := run(t, s, "public $key").(Object)
			priv := run(t, s, "private $key").(Object)
			pair := s.vars["key"].(KeyPair)
			if pub != pair.Public || priv != pair.Private {
				t.Errorf("got halves %v/%v of %v", pub, priv, pair)
			}
		})
	}
	t.Run("unknown_curve", func(t *testing.T) {
		s := newState(t)
		run(t, s, "open-session")
		if _, err := tryRun(t, s, "gen-ec p192"); err == nil {
			t.Fatal("gen-ec p192 succeeded")
		}
	})
}

func TestCMAC(t *testing.T) {
	s := newState(t)
	run(t, s, "open-session")
	run(t, s, `set key create-aes h"2b7e1516 28aed2a6 abf71588 09cf4f3c"`)

	msg := `h"6bc1bee2 2e409f96 e93d7e11 7393172a"`
	got := run(t, s, "sign CKM_AES_CMAC $key %s", msg).([]byte)
	want := []byte{0x07, 0x0a, 0x16, 0xb4, 0x6b, 0x4d, 0x41, 0x44, 0xf7, 0x9b, 0xdd, 0x9d, 0xd0, 0x4a, 0x28, 0x7c}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("CMAC mismatch (-want +got):\n%s", diff)
	}

	short := run(t, s, "set tag sign CKM_AES_CMAC_GENERAL $key %s 8", msg).([]byte)
	if diff := cmp.Diff(want[:8], short); diff != "" {
		t.Errorf("truncated CMAC mismatch (-want +got):\n%s", diff)
	}
	run(t, s, "verify CKM_AES_CMAC_GENERAL $key %s $tag", msg)

	if _, err := tryRun(t, s, "sign CKM_AES_CMAC $key %s 8", msg); err == nil {
		t.Error("CKM_AES_CMAC accepted a tag length")
	}
}

func TestDeriveECB(t *testing.T) {
	s := newState(t)
	run(t, s, "open-session")
	key := bytes.Repeat([]byte{0x11}, 16)
	data := bytes.Repeat([]byte{0x22}, 32)
	run(t, s, `set base create-aes h"%x"; set derived derive-ecb $base h"%x"`, key, data)
	got := run(t, s, "attr $derived CKA_VALUE").([]byte)

	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	want := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		block.Encrypt(want[i:], data[i:])
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("derived key mismatch (-want +got):\n%s", diff)
	}

	_, err = tryRun(t, s, `set locked create-aes h"%x" CKA_DERIVE false; derive-ecb $locked h"%x"`, key, data)
	if got, want := ErrorCode(err), kms.Code(pkcs11.CKR_ACTION_PROHIBITED); got != want {
		t.Errorf("derive from a locked key: got code %v (%v), want %v", got, err, want)
	}
}

func TestDeriveECDH(t *testing.T) {
	s := newState(t)
	run(t, s, "open-session")
	run(t, s, "set a gen-ec p256; set b gen-ec p256; set ab derive-ecdh $a $b; set ba derive-ecdh $b $a")
	ab := run(t, s, "attr $ab CKA_VALUE").([]byte)
	ba := run(t, s, "attr $ba CKA_VALUE").([]byte)
	if len(ab) != 32 {
		t.Fatalf("got a %d byte shared secret", len(ab))
	}
	if !bytes.Equal(ab, ba) {
		t.Errorf("shared secrets differ: %x != %x", ab, ba)
	}

	point := run(t, s, "attr $b CKA_EC_POINT").([]byte)
	run(t, s, `set raw derive-ecdh $a h"%x"`, point)
	if raw := run(t, s, "attr $raw CKA_VALUE").([]byte); !bytes.Equal(raw, ab) {
		t.Errorf("point argument gave %x, want %x", raw, ab)
	}
}

func TestEncryptDecrypt(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	iv := bytes.Repeat([]byte{0x24}, 16)
	plain := []byte("0123456789abcdef0123456789abcdef")
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}

	cbc := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(cbc, plain)
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatal(err)
	}
	sealed := gcm.Seal(nil, iv[:12], plain, nil)

	tests := []struct {
		name, mech, iv string
		want           []byte
	}{
		{"cbc", "CKM_AES_CBC", fmt.Sprintf(`h"%x"`, iv), cbc},
		{"gcm", "CKM_AES_GCM", fmt.Sprintf(`h"%x"`, iv[:12]), sealed},
		{"ecb", "CKM_AES_ECB", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newState(t)
			run(t, s, `open-session; set key create-aes h"%x"`, key)
			got := run(t, s, `set ct encrypt %s $key %q %s`, tt.mech, plain, tt.iv).([]byte)
			if tt.want != nil {
				if diff := cmp.Diff(tt.want, got); diff != "" {
					t.Errorf("ciphertext mismatch (-want +got):\n%s", diff)
				}
			}
			back := run(t, s, `decrypt %s $key $ct %s`, tt.mech, tt.iv).([]byte)
			if diff := cmp.Diff(plain, back); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFindDestroy(t *testing.T) {
	s := newState(t)
	run(t, s, "open-session")
	a := run(t, s, `set a create-aes h"%x" CKA_LABEL alpha`, bytes.Repeat([]byte{1}, 16)).(Object)
	b := run(t, s, `set b create-aes h"%x" CKA_LABEL beta`, bytes.Repeat([]byte{2}, 16)).(Object)
	pair := run(t, s, "gen-ec p256").(KeyPair)

	tests := []struct {
		query string
		want  []Object
	}{
		{"find CKA_LABEL alpha", []Object{a}},
		{"find CKA_KEY_TYPE CKK_AES", []Object{a, b}},
		{"find CKA_CLASS CKO_PUBLIC_KEY", []Object{pair.Public}},
		{"find CKA_LABEL gamma", []Object{}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, run(t, s, tt.query)); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", tt.query, diff)
		}
	}
	if _, err := tryRun(t, s, "find CKA_LABEL"); err == nil {
		t.Error("find with a dangling attribute name succeeded")
	}

	run(t, s, "destroy $a; destroy $b")
	if diff := cmp.Diff([]Object{}, run(t, s, "find CKA_KEY_TYPE CKK_AES")); diff != "" {
		t.Errorf("objects survived destroy (-want +got):\n%s", diff)
	}
	s.vars["pair"] = pair
	run(t, s, "destroy $pair")
	if diff := cmp.Diff([]Object{}, run(t, s, "find CKA_KEY_TYPE CKK_EC")); diff != "" {
		t.Errorf("key pair survived destroy (-want +got):\n%s", diff)
	}
}

func TestStringify(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{[]byte{0xc0, 0xff, 0xee}, `h"c0ffee"`},
		{int64(-3), "-3"},
		{true, "true"},
		{Object(7), "obj:7"},
		{KeyPair{Public: 1, Private: 2}, "pair:1/2"},
		{[]Object{3, 4}, "obj:3 obj:4"},
	}
	for _, tt := range tests {
		got, err := Stringify(tt.in)
		if err != nil {
			t.Errorf("Stringify(%v): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Stringify(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if _, err := Stringify(3.5); err == nil {
		t.Error("Stringify(float) succeeded")
	}
}

func TestErrorCode(t *testing.T) {
	s := newState(t)
	_, err := s.k.OpenSession(0, 0)
	if got, want := ErrorCode(fmt.Errorf("wrapped: %w", err)), kms.Code(pkcs11.CKR_SESSION_PARALLEL_NOT_SUPPORTED); got != want {
		t.Errorf("got %v (%v), want %v", got, err, want)
	}
	if got := ErrorCode(errors.New("plain")); got != codes.Unknown {
		t.Errorf("got %v for a plain error", got)
	}
}
