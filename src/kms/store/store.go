// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package store selects and opens the key object database backend.
package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lowRISC/opentitan-kms/src/kms/store/connector"
	"github.com/lowRISC/opentitan-kms/src/kms/store/db"
	"github.com/lowRISC/opentitan-kms/src/kms/store/etcd"
	"github.com/lowRISC/opentitan-kms/src/kms/store/filedb"
	"github.com/lowRISC/opentitan-kms/src/kms/store/memdb"
)

// Supported backends.
const (
	BackendMemory = "memory"
	BackendSqlite = "sqlite"
	BackendEtcd   = "etcd"
)

// Config selects a backend.
type Config struct {
	// Backend is one of "memory" (default), "sqlite" or "etcd".
	Backend string `yaml:"backend"`
	// Path is the sqlite database file.
	Path string `yaml:"path"`
	// Endpoints lists the etcd cluster members.
	Endpoints []string `yaml:"endpoints"`
	// DialTimeout bounds the etcd connection attempt.
	DialTimeout time.Duration `yaml:"dialTimeout"`
}

func connect(cfg Config, log *zap.Logger) (connector.Connector, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return memdb.New(), nil
	case BackendSqlite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite backend requires a path")
		}
		return filedb.New(cfg.Path)
	case BackendEtcd:
		if len(cfg.Endpoints) == 0 {
			return nil, fmt.Errorf("etcd backend requires endpoints")
		}
		timeout := cfg.DialTimeout
		if timeout == 0 {
			timeout = 5 * time.Second
		}
		return etcd.Dial(cfg.Endpoints, timeout, log)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// Open connects to the configured backend and returns its object database.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*db.DB, error) {
	c, err := connect(cfg, log)
	if err != nil {
		return nil, err
	}
	d, err := db.New(ctx, c)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to open object database: %v", err), c.Close())
	}
	return d, nil
}
