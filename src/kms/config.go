// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package kms

import (
	"fmt"

	"github.com/lowRISC/opentitan-kms/src/kms/store"
	"github.com/lowRISC/opentitan-kms/src/utils"
)

// Config is the KMS token configuration.
type Config struct {
	// Label is reported in the token information.
	Label string `yaml:"label" default:"OpenTitan KMS"`
	// Sessions is the size of the session table.
	Sessions int `yaml:"sessions" default:"4"`
	// ContextPoolSize bounds the total footprint of live operation contexts,
	// in bytes.
	ContextPoolSize int `yaml:"contextPoolSize" default:"8192"`
	// Curves lists the enabled elliptic curves by name.
	Curves []string `yaml:"curves" default:"P-256,P-384"`
	// MaxRSAModulusBytes is the largest accepted RSA modulus and exponent.
	MaxRSAModulusBytes int `yaml:"maxRSAModulusBytes" default:"512"`
	// LogFile is the log destination. Empty logs to stderr.
	LogFile string `yaml:"logFile"`
	// LogLevel is one of fatal, panic, error, warn, info, debug or trace.
	LogLevel string `yaml:"logLevel" default:"info"`
	// Store selects the object database backend.
	Store store.Config `yaml:"store"`
	// Objects are provisioned into the store when the KMS is created.
	Objects []StaticObject `yaml:"objects"`
}

// StaticObject describes an object provisioned from configuration.
type StaticObject struct {
	ID         uint32          `yaml:"id"`
	Attributes []AttributeSpec `yaml:"attributes"`
}

// AttributeSpec is a textual attribute. Type is a CKA_ name. Value is
// interpreted according to the attribute type: a constant name or number for
// CK_ULONG attributes, true/false for CK_BBOOL attributes, text for labels and
// hex for everything else.
type AttributeSpec struct {
	Type  string `yaml:"type"`
	Value string `yaml:"value"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() Config {
	var cfg Config
	if err := utils.ParseConfig([]byte("{}"), &cfg); err != nil {
		panic(err)
	}
	return cfg
}

// LoadConfig reads the configuration file `file` from `dir`.
func LoadConfig(dir, file string) (Config, error) {
	var cfg Config
	if err := utils.LoadConfig(dir, file, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Sessions <= 0 {
		return fmt.Errorf("sessions must be positive, got %d", c.Sessions)
	}
	if c.ContextPoolSize <= 0 {
		return fmt.Errorf("contextPoolSize must be positive, got %d", c.ContextPoolSize)
	}
	if c.MaxRSAModulusBytes <= 0 {
		return fmt.Errorf("maxRSAModulusBytes must be positive, got %d", c.MaxRSAModulusBytes)
	}
	for _, n := range c.Curves {
		if curveByName(n) == nil {
			return fmt.Errorf("unsupported curve %q", n)
		}
	}
	return nil
}
