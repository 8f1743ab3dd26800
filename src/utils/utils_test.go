// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type nested struct {
	Backend string        `yaml:"backend" default:"memory"`
	Timeout time.Duration `yaml:"timeout" default:"5s"`
}

type testConfig struct {
	Name     string   `yaml:"name" default:"kms"`
	Sessions int      `yaml:"sessions" default:"4"`
	Pool     uint32   `yaml:"pool" default:"0x2000"`
	Strict   bool     `yaml:"strict" default:"true"`
	Curves   []string `yaml:"curves" default:"P-256, P-384"`
	Store    nested   `yaml:"store"`
	Plain    string   `yaml:"plain"`
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want testConfig
	}{
		{
			name: "AllDefaults",
			yaml: "plain: x\n",
			want: testConfig{
				Name: "kms", Sessions: 4, Pool: 0x2000, Strict: true,
				Curves: []string{"P-256", "P-384"},
				Store:  nested{Backend: "memory", Timeout: 5 * time.Second},
				Plain:  "x",
			},
		},
		{
			name: "Overrides",
			yaml: "name: token\nsessions: 8\ncurves: [P-521]\nstore:\n  backend: sqlite\n  timeout: 1m\n",
			want: testConfig{
				Name: "token", Sessions: 8, Pool: 0x2000, Strict: true,
				Curves: []string{"P-521"},
				Store:  nested{Backend: "sqlite", Timeout: time.Minute},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, "cfg.yml"), []byte(tt.yaml), 0644); err != nil {
				t.Fatal(err)
			}
			var got testConfig
			if err := LoadConfig(dir, "cfg.yml", &got); err != nil {
				t.Fatalf("LoadConfig() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("LoadConfig() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	var cfg testConfig
	if err := LoadConfig(dir, "missing.yml", &cfg); err == nil {
		t.Error("LoadConfig() on a missing file succeeded")
	}
	if err := ParseConfig([]byte("sessions: [1"), &cfg); err == nil {
		t.Error("ParseConfig() on malformed yaml succeeded")
	}
	var bad struct {
		N int `default:"many"`
	}
	if err := ParseConfig([]byte("{}"), &bad); err == nil {
		t.Error("ParseConfig() with a bad default succeeded")
	}
}

func TestDecodeHex(t *testing.T) {
	got, err := DecodeHex(" 0x01:02 0a\n")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{1, 2, 0x0a}, got); diff != "" {
		t.Errorf("DecodeHex() mismatch (-want +got):\n%s", diff)
	}
	if _, err := DecodeHex("zz"); err == nil {
		t.Error("DecodeHex(zz) succeeded")
	}
}
