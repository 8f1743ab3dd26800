// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/miekg/pkcs11"
)

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", Config{}, false},
		{"memory", Config{Backend: BackendMemory}, false},
		{"sqlite", Config{Backend: BackendSqlite, Path: filepath.Join(t.TempDir(), "kms.db")}, false},
		{"sqlite without path", Config{Backend: BackendSqlite}, true},
		{"etcd without endpoints", Config{Backend: BackendEtcd}, true},
		{"unknown", Config{Backend: "flash"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			d, err := Open(ctx, tt.cfg, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Open() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer d.Close()
			h, err := d.CreateObject(ctx, []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true)})
			if err != nil {
				t.Fatalf("CreateObject() failed: %v", err)
			}
			if _, err := d.GetObject(ctx, h); err != nil {
				t.Errorf("GetObject() failed: %v", err)
			}
		})
	}
}
