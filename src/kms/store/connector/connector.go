// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package connector implements a key object database connector interface.
package connector

import (
	"context"
	"errors"
)

// ErrNotFound is returned by `Get` and `Delete` when no record is associated
// with the requested key.
var ErrNotFound = errors.New("record not found")

// Connector implements a connection to the database.
type Connector interface {
	// Insert a `key` `value` pair to the database. Inserting an existing key
	// replaces its value.
	// It should respect context cancellation and timeout.
	Insert(ctx context.Context, key string, value []byte) error

	// Get returns a value associated with a given `key`.
	// It should respect context cancellation and timeout.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the record associated with a given `key`.
	Delete(ctx context.Context, key string) error

	// List returns all keys starting with `prefix`, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases the connection.
	Close() error
}
