// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"errors"
	"fmt"

	"github.com/miekg/pkcs11"

	"github.com/lowRISC/opentitan-kms/src/kms"
)

func (s *State) sessionCommands() {
	s.Define(&Command{
		Name:  "open-session",
		Usage: "[slot]",
		Help:  "opens a session on slot, 0 by default; cannot be used if a session is open",
		Args:  []ArgTy{ArgInt | ArgOptional},

		Run: func(args []any, state *State) (any, error) {
			if state.session {
				return nil, errors.New("open session already exists")
			}
			var slot int64
			if args[0] != nil {
				slot = args[0].(int64)
			}
			if slot < 0 {
				return nil, fmt.Errorf("bad slot %d", slot)
			}
			h, err := state.k.OpenSession(uint(slot), pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
			if err != nil {
				return nil, err
			}
			state.h, state.session = h, true
			return nil, nil
		},
	})

	s.Define(&Command{
		Name:         "close-session",
		Help:         "closes the current session",
		Args:         []ArgTy{},
		NeedsSession: true,

		Run: func(args []any, state *State) (any, error) {
			if err := state.k.CloseSession(state.h); err != nil {
				return nil, err
			}
			state.h, state.session = 0, false
			return nil, nil
		},
	})

	s.Define(&Command{
		Name: "info",
		Help: "prints library, token and session information",
		Args: []ArgTy{},

		Run: func(args []any, state *State) (any, error) {
			li := state.k.GetInfo()
			fmt.Printf("library: %s %s %d.%d\n", li.ManufacturerID, li.LibraryDescription, li.LibraryVersion.Major, li.LibraryVersion.Minor)
			ti, err := state.k.GetTokenInfo(0)
			if err != nil {
				return nil, err
			}
			fmt.Printf("token:   %q model %q, %d of %d sessions open\n", ti.Label, ti.Model, ti.SessionCount, ti.MaxSessionCount)
			if !state.session {
				return nil, nil
			}
			si, err := state.k.GetSessionInfo(state.h)
			if err != nil {
				return nil, err
			}
			fmt.Printf("session: %d, state %s\n", si.Handle, si.State)
			return nil, nil
		},
	})

	s.Define(&Command{
		Name: "mechanisms",
		Help: "lists the supported mechanisms and their key sizes",
		Args: []ArgTy{},

		Run: func(args []any, state *State) (any, error) {
			list, err := state.k.GetMechanismList(0)
			if err != nil {
				return nil, err
			}
			for _, m := range list {
				mi, err := state.k.GetMechanismInfo(0, m)
				if err != nil {
					return nil, err
				}
				fmt.Printf("%-26s %4d..%-4d flags 0x%X\n", kms.MechanismName(m), mi.MinKeySize, mi.MaxKeySize, mi.Flags)
			}
			return nil, nil
		},
	})
}
