// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/lowRISC/opentitan-kms/src/kms/tool/lex"
)

// basicCommands defines the commands that do not touch the KMS.
func (s *State) basicCommands() {
	s.Define(&Command{
		Name:  "help",
		Usage: "[command]",
		Help:  "lists the commands, or describes one",
		Args:  []ArgTy{ArgBytes | ArgOptional},

		Run: func(args []any, state *State) (any, error) {
			var names []string
			if args[0] != nil {
				names = []string{string(args[0].([]byte))}
			} else {
				for n := range state.cmds {
					names = append(names, n)
				}
				sort.Strings(names)
			}
			for _, n := range names {
				c, ok := state.cmds[n]
				if !ok {
					return nil, fmt.Errorf("unknown command %q", n)
				}
				fmt.Printf("%s %s\n", c.Name, c.Usage)
				for _, line := range strings.Split(c.Help, "\n") {
					fmt.Printf("  %s\n", line)
				}
			}
			return nil, nil
		},
	})

	s.Define(&Command{
		Name:  "set",
		Usage: "<var> <cmd...>",
		Help:  "runs cmd and stores its result in var",
		Args:  []ArgTy{ArgBytes, ArgTokens},

		Run: func(args []any, state *State) (any, error) {
			toks := args[1].([]lex.Token)
			if len(toks) == 0 {
				return nil, fmt.Errorf("set needs a command")
			}
			val, err := state.Run(toks...)
			if err != nil {
				return nil, err
			}
			if val == nil {
				return nil, fmt.Errorf("command %q did not produce a value", lex.StringTokens(toks))
			}
			state.vars[string(args[0].([]byte))] = val
			return val, nil
		},
	})

	s.Define(&Command{
		Name:  "string",
		Usage: "<var> <string>",
		Help:  "sets var to string",
		Args:  []ArgTy{ArgBytes, ArgBytes},

		Run: func(args []any, state *State) (any, error) {
			state.vars[string(args[0].([]byte))] = args[1].([]byte)
			return nil, nil
		},
	})

	s.Define(&Command{
		Name:  "read",
		Usage: "<file>",
		Help:  "reads a file as a byte string",
		Args:  []ArgTy{ArgBytes},

		Run: func(args []any, state *State) (any, error) {
			return os.ReadFile(string(args[0].([]byte)))
		},
	})

	s.Define(&Command{
		Name:  "write",
		Usage: "<bytes> <file>",
		Help:  "writes a byte string to a file",
		Args:  []ArgTy{ArgBytes, ArgBytes},

		Run: func(args []any, state *State) (any, error) {
			return args[0].([]byte), os.WriteFile(string(args[1].([]byte)), args[0].([]byte), 0600)
		},
	})
}
