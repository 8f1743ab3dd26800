// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"strings"

	"github.com/miekg/pkcs11"

	"github.com/lowRISC/opentitan-kms/src/kms"
	"github.com/lowRISC/opentitan-kms/src/kms/tool/lex"
)

// curveParams maps the accepted curve spellings to CKA_EC_PARAMS.
func curveParams(name string) ([]byte, error) {
	switch strings.ToLower(name) {
	case "p256", "p-256", "secp256r1":
		return kms.CurveParams("P-256")
	case "p384", "p-384", "secp384r1":
		return kms.CurveParams("P-384")
	case "p521", "p-521", "secp521r1":
		return kms.CurveParams("P-521")
	}
	return nil, fmt.Errorf("unknown curve %q", name)
}

// template parses `name value` token pairs into attributes.
func (s *State) template(toks []lex.Token) ([]*pkcs11.Attribute, error) {
	if len(toks)%2 != 0 {
		return nil, fmt.Errorf("attributes come in name value pairs, have %d tokens", len(toks))
	}
	var tpl []*pkcs11.Attribute
	for i := 0; i < len(toks); i += 2 {
		name, err := s.resolve(toks[i], ArgBytes)
		if err != nil {
			return nil, err
		}
		var value string
		switch v := toks[i+1].Value.(type) {
		case lex.Int:
			value = fmt.Sprint(int64(v))
		case lex.Str:
			value = string(v)
		case lex.Var:
			b, err := s.resolve(toks[i+1], ArgBytes)
			if err != nil {
				return nil, err
			}
			value = fmt.Sprintf("%x", b)
		}
		a, err := kms.ParseAttribute(kms.AttributeSpec{Type: string(name.([]byte)), Value: value})
		if err != nil {
			return nil, err
		}
		tpl = append(tpl, a)
	}
	return tpl, nil
}

func (s *State) objectCommands() {
	s.Define(&Command{
		Name:         "gen-ec",
		Usage:        "<curve> [label]",
		Help:         "generates an EC key pair on curve; returns the pair",
		Args:         []ArgTy{ArgBytes, ArgBytes | ArgOptional},
		NeedsSession: true,

		Run: func(args []any, state *State) (any, error) {
			params, err := curveParams(string(args[0].([]byte)))
			if err != nil {
				return nil, err
			}
			pubTpl := []*pkcs11.Attribute{
				pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, params),
				pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
			}
			privTpl := []*pkcs11.Attribute{
				pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
				pkcs11.NewAttribute(pkcs11.CKA_DERIVE, true),
			}
			if args[1] != nil {
				label := pkcs11.NewAttribute(pkcs11.CKA_LABEL, args[1].([]byte))
				pubTpl, privTpl = append(pubTpl, label), append(privTpl, label)
			}
			mech := kms.NewMechanism(pkcs11.CKM_EC_KEY_PAIR_GEN, nil)
			pub, priv, err := state.k.GenerateKeyPair(state.ctx, state.h, mech, pubTpl, privTpl)
			if err != nil {
				return nil, err
			}
			return KeyPair{Public: Object(pub), Private: Object(priv)}, nil
		},
	})

	s.Define(&Command{
		Name:         "create-aes",
		Usage:        "<key> [attr value...]",
		Help:         "stores key as an AES secret key with extra attributes, e.g. CKA_DERIVE false",
		Args:         []ArgTy{ArgBytes, ArgTokens},
		NeedsSession: true,

		Run: func(args []any, state *State) (any, error) {
			extra, err := state.template(args[1].([]lex.Token))
			if err != nil {
				return nil, err
			}
			tpl := append([]*pkcs11.Attribute{
				pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
				pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_AES),
				pkcs11.NewAttribute(pkcs11.CKA_VALUE, args[0].([]byte)),
			}, extra...)
			o, err := state.k.CreateObject(state.ctx, state.h, tpl)
			if err != nil {
				return nil, err
			}
			return Object(o), nil
		},
	})

	s.Define(&Command{
		Name:         "public",
		Usage:        "<pair>",
		Help:         "returns the public half of a key pair",
		Args:         []ArgTy{ArgObj},
		NeedsSession: true,

		Run: func(args []any, state *State) (any, error) {
			return Object(handle(args[0], false)), nil
		},
	})

	s.Define(&Command{
		Name:         "private",
		Usage:        "<pair>",
		Help:         "returns the private half of a key pair",
		Args:         []ArgTy{ArgObj},
		NeedsSession: true,

		Run: func(args []any, state *State) (any, error) {
			return Object(handle(args[0], true)), nil
		},
	})

	s.Define(&Command{
		Name:         "attr",
		Usage:        "<object> <attribute>",
		Help:         "returns the raw value of an attribute; key pairs read the public half",
		Args:         []ArgTy{ArgObj, ArgBytes},
		NeedsSession: true,

		Run: func(args []any, state *State) (any, error) {
			typ, err := kms.ParseAttributeType(string(args[1].([]byte)))
			if err != nil {
				return nil, err
			}
			attrs, err := state.k.GetAttributeValue(state.ctx, state.h, handle(args[0], false), []uint{typ})
			if err != nil {
				return nil, err
			}
			fmt.Printf("# %s = %s\n", kms.AttributeName(typ), kms.FormatAttribute(attrs[0]))
			return attrs[0].Value, nil
		},
	})

	s.Define(&Command{
		Name:         "find",
		Usage:        "[attr value...]",
		Help:         "lists the objects matching every given attribute",
		Args:         []ArgTy{ArgTokens},
		NeedsSession: true,

		Run: func(args []any, state *State) (any, error) {
			tpl, err := state.template(args[0].([]lex.Token))
			if err != nil {
				return nil, err
			}
			if err := state.k.FindObjectsInit(state.ctx, state.h, tpl); err != nil {
				return nil, err
			}
			defer state.k.FindObjectsFinal(state.h)
			found := []Object{}
			for {
				batch, err := state.k.FindObjects(state.h, 16)
				if err != nil {
					return nil, err
				}
				if len(batch) == 0 {
					return found, nil
				}
				for _, o := range batch {
					found = append(found, Object(o))
				}
			}
		},
	})

	s.Define(&Command{
		Name:         "destroy",
		Usage:        "<object>",
		Help:         "destroys an object, or both halves of a key pair",
		Args:         []ArgTy{ArgObj},
		NeedsSession: true,

		Run: func(args []any, state *State) (any, error) {
			if pair, ok := args[0].(KeyPair); ok {
				if err := state.k.DestroyObject(state.ctx, state.h, pkcs11.ObjectHandle(pair.Private)); err != nil {
					return nil, err
				}
			}
			return nil, state.k.DestroyObject(state.ctx, state.h, handle(args[0], false))
		},
	})
}
