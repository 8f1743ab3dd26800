// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Binary kms-tool implements a REPL for driving the KMS, primarily aimed at
// trying out mechanisms and object stores against a configuration, or
// debugging the KMS itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/lowRISC/opentitan-kms/src/kms"
	"github.com/lowRISC/opentitan-kms/src/kms/tool/commands"
	"github.com/lowRISC/opentitan-kms/src/kms/tool/lex"
	"github.com/lowRISC/opentitan-kms/src/utils"
)

var (
	configDir = flag.String("config_dir", "", "directory holding the configuration file")
	config    = flag.String("config", "", "KMS configuration file; if not set, an in-memory token with default settings is used")
	session   = flag.Bool("session", true, "open a session on startup")
	script    = flag.String("script", "", "path to a script to run; if not set, drops into an interactive session")
	version   = flag.Bool("version", false, "print the version and exit")
)

func fail(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
	os.Exit(2)
}

func main() {
	flag.Parse()
	if *version {
		utils.PrintVersion(true)
	}

	cfg := kms.DefaultConfig()
	if *config != "" {
		var err error
		cfg, err = kms.LoadConfig(*configDir, *config)
		if err != nil {
			fail("could not load configuration: %s", err)
		}
	}

	ctx := context.Background()
	k, err := kms.Open(ctx, cfg)
	if err != nil {
		fail("could not create KMS: %s", err)
	}
	defer k.Close()
	if err := k.Initialize(); err != nil {
		fail("could not initialize KMS: %s", err)
	}

	state := commands.New(ctx, k)
	if *session {
		_, _, errs := state.Interpret(lex.New(strings.NewReader("open-session")))
		if len(errs) != 0 {
			fail("could not open session: %s", errs[0])
		}
	}

	input := os.Stdin
	isScript := *script != ""
	if isScript {
		f, err := os.Open(*script)
		if err != nil {
			fail("could not open script file %q: %s", *script, err)
		}
		defer f.Close()
		input = f
	}

	lexer := lex.New(input)
	var eof bool
	for !eof {
		if !isScript {
			fmt.Print("kms> ")
		}
		toks, ret, errs := state.Interpret(lexer)
		if len(toks) > 0 {
			_, eof = toks[len(toks)-1].Value.(lex.EOF)
		}

		for _, err := range errs {
			if isScript {
				k.Close()
				fail("could not execute command `%s`: %s", lex.StringTokens(toks), err)
			}
			fmt.Printf("# error (%s): %s\n", commands.ErrorCode(err), err)
		}
		if len(errs) != 0 {
			continue
		}

		s, err := commands.Stringify(ret)
		if err != nil {
			fmt.Printf("# error: %s\n", err)
			continue
		}
		if s != "" {
			fmt.Println(s)
		}
	}
}
