// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package memdb implements a volatile database backend. It backs the token's
// session objects and is used in tests.
package memdb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lowRISC/opentitan-kms/src/kms/store/connector"
)

// memDB implements the `connector.Connector` interface over a map.
type memDB struct {
	mu sync.RWMutex
	db map[string][]byte
}

// New creates a database connector.
func New() connector.Connector {
	return &memDB{db: map[string][]byte{}}
}

// Insert adds a `key` `value` pair to the database. The value is copied.
func (c *memDB) Insert(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.db[key] = append([]byte(nil), value...)
	return nil
}

// Get returns a copy of the value associated with a given `key`.
func (c *memDB) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, found := c.db[key]
	if !found {
		return nil, fmt.Errorf("%w: key %q", connector.ErrNotFound, key)
	}
	return append([]byte(nil), v...), nil
}

func (c *memDB) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, found := c.db[key]; !found {
		return fmt.Errorf("%w: key %q", connector.ErrNotFound, key)
	}
	delete(c.db, key)
	return nil
}

func (c *memDB) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var keys []string
	for k := range c.db {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *memDB) Close() error { return nil }
