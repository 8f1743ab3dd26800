// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package commands defines the commands of the KMS tool REPL.
package commands

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/miekg/pkcs11"
	"google.golang.org/grpc/codes"

	"github.com/lowRISC/opentitan-kms/src/kms"
	"github.com/lowRISC/opentitan-kms/src/kms/tool/lex"
)

// Object is a KMS object handle held in a variable.
type Object pkcs11.ObjectHandle

// KeyPair is the result of a key pair generation.
type KeyPair struct {
	Public, Private Object
}

// Stringify renders a command result.
func Stringify(v any) (string, error) {
	switch v := v.(type) {
	case nil:
		return "", nil
	case []byte:
		return fmt.Sprintf(`h"%x"`, v), nil
	case int64:
		return fmt.Sprint(v), nil
	case bool:
		return fmt.Sprint(v), nil
	case Object:
		return fmt.Sprintf("obj:%d", v), nil
	case KeyPair:
		return fmt.Sprintf("pair:%d/%d", v.Public, v.Private), nil
	case []Object:
		parts := make([]string, len(v))
		for i, o := range v {
			parts[i], _ = Stringify(o)
		}
		return strings.Join(parts, " "), nil
	}
	return "", fmt.Errorf("cannot print a %s", reflect.TypeOf(v))
}

// ErrorCode returns the gRPC code of a KMS error, or codes.Unknown.
func ErrorCode(err error) codes.Code {
	var e *kms.Error
	if errors.As(err, &e) {
		return e.GRPCStatus().Code()
	}
	return codes.Unknown
}

// ArgTy is a set of accepted argument types.
type ArgTy int

const (
	ArgBytes ArgTy = 1 << iota
	ArgBool
	ArgInt
	// ArgObj accepts an Object or a KeyPair.
	ArgObj

	ArgOptional
	// ArgTokens passes the remaining tokens unresolved.
	ArgTokens
)

// Command is one REPL command.
type Command struct {
	Name string
	// Usage lists the arguments for help output.
	Usage string
	Help  string
	Args  []ArgTy
	// NeedsSession commands fail unless a session is open.
	NeedsSession bool
	Run          func([]any, *State) (any, error)
}

// State is the interpreter state: the KMS, the open session and variables.
type State struct {
	ctx     context.Context
	k       *kms.KMS
	h       pkcs11.SessionHandle
	session bool
	vars    map[string]any
	cmds    map[string]*Command
}

// New returns an interpreter driving `k`, which must be initialized.
func New(ctx context.Context, k *kms.KMS) *State {
	s := &State{
		ctx:  ctx,
		k:    k,
		vars: make(map[string]any),
		cmds: make(map[string]*Command),
	}
	s.basicCommands()
	s.sessionCommands()
	s.objectCommands()
	s.cryptoCommands()
	return s
}

// Define adds a command.
func (s *State) Define(c *Command) {
	s.cmds[c.Name] = c
}

func (s *State) resolve(tok lex.Token, ty ArgTy) (any, error) {
	var value any
	switch v := tok.Value.(type) {
	case lex.Str:
		value = []byte(string(v))
	case lex.Int:
		value = int64(v)
	case lex.Var:
		val, ok := s.vars[string(v)]
		if !ok {
			return nil, fmt.Errorf("no variable %q", string(v))
		}
		value = val
	default:
		return nil, fmt.Errorf("unexpected token %q", tok.Text)
	}

	var tries []string
	if ty&ArgBool != 0 {
		if str, ok := value.([]byte); ok {
			if b, ok := parseBool(string(str)); ok {
				return b, nil
			}
		}
		if b, ok := value.(bool); ok {
			return b, nil
		}
		tries = append(tries, "boolean")
	}
	if ty&ArgBytes != 0 {
		if _, ok := value.([]byte); ok {
			return value, nil
		}
		tries = append(tries, "byte string")
	}
	if ty&ArgInt != 0 {
		if _, ok := value.(int64); ok {
			return value, nil
		}
		tries = append(tries, "integer")
	}
	if ty&ArgObj != 0 {
		switch value.(type) {
		case Object, KeyPair:
			return value, nil
		}
		tries = append(tries, "object")
	}
	return nil, fmt.Errorf("expected `%s` to be one of: %s; was actually %s", tok, strings.Join(tries, ", "), reflect.TypeOf(value))
}

// Run executes the command spelled by `args`.
func (s *State) Run(args ...lex.Token) (any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	name, err := s.resolve(args[0], ArgBytes)
	if err != nil {
		return nil, fmt.Errorf("could not parse command name: %s", err)
	}
	cmd, ok := s.cmds[string(name.([]byte))]
	if !ok {
		return nil, fmt.Errorf("unknown command %q", args[0])
	}
	if cmd.NeedsSession && !s.session {
		return nil, errors.New("no active session right now")
	}

	args = args[1:]
	variadic := len(cmd.Args) > 0 && cmd.Args[len(cmd.Args)-1]&ArgTokens != 0
	if len(args) > len(cmd.Args) && !variadic {
		return nil, fmt.Errorf("%s takes at most %d arguments", cmd.Name, len(cmd.Args))
	}
	vals := make([]any, len(cmd.Args))
	for i, ty := range cmd.Args {
		if ty&ArgTokens != 0 {
			if i < len(args) {
				vals[i] = args[i:]
			} else {
				vals[i] = []lex.Token(nil)
			}
			break
		}
		if i >= len(args) {
			if ty&ArgOptional != 0 {
				break
			}
			return nil, fmt.Errorf("%s needs at least %d arguments; usage: %s %s", cmd.Name, i+1, cmd.Name, cmd.Usage)
		}
		v, err := s.resolve(args[i], ty)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return cmd.Run(vals, s)
}

// Interpret reads one command from `lexer` and runs it. It returns the tokens
// read, including the terminator, and the command result.
func (s *State) Interpret(lexer *lex.Lex) (tokens []lex.Token, val any, errs []error) {
	const maxErrors = 100
	for {
		tok, err := lexer.Next()
		if err != nil {
			errs = append(errs, err)
			if len(errs) > maxErrors {
				return
			}
			if tok.Value == nil {
				// Resynchronize at the next terminator.
				continue
			}
		}
		tokens = append(tokens, tok)
		switch tok.Value.(type) {
		case lex.End, lex.EOF:
			if len(errs) != 0 {
				return
			}
			val, err = s.Run(tokens[:len(tokens)-1]...)
			if err != nil {
				errs = append(errs, err)
			}
			return
		}
	}
}

// parseBool accepts the usual spellings of a boolean.
func parseBool(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "true", "t", "yes", "y", "on":
		return true, true
	case "false", "f", "no", "n", "off":
		return false, true
	}
	return false, false
}

// handle extracts an object handle; key pairs yield their private or public
// half.
func handle(v any, private bool) pkcs11.ObjectHandle {
	switch v := v.(type) {
	case KeyPair:
		if private {
			return pkcs11.ObjectHandle(v.Private)
		}
		return pkcs11.ObjectHandle(v.Public)
	case Object:
		return pkcs11.ObjectHandle(v)
	}
	return 0
}

func mechanism(arg any) (uint, error) {
	return kms.ParseMechanismType(string(arg.([]byte)))
}
