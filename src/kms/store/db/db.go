// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package db implements the key object database layer of the KMS.
package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/miekg/pkcs11"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/lowRISC/opentitan-kms/src/kms/store/connector"
)

const (
	// Database key template.
	// /kms/obj/<object_handle>
	objectPrefix = "/kms/obj/"
	objectKey    = objectPrefix + "%08X"
)

// ErrNotFound is returned when no object is stored under a handle.
var ErrNotFound = connector.ErrNotFound

// DB implements the key object database abstraction layer.
type DB struct {
	// conn is the database connector interface.
	conn connector.Connector
	// last is the highest object handle handed out so far.
	last *atomic.Uint32
}

// New creates a database `DB` instance with a given `c` database connection.
// Handles of objects already present in `c` are never reused.
func New(ctx context.Context, c connector.Connector) (*DB, error) {
	d := &DB{conn: c, last: atomic.NewUint32(0)}
	hs, err := d.ListObjects(ctx)
	if err != nil {
		return nil, err
	}
	for _, h := range hs {
		d.reserve(uint32(h))
	}
	return d, nil
}

func genKey(h pkcs11.ObjectHandle) string {
	return fmt.Sprintf(objectKey, uint32(h))
}

// reserve raises the handle sequence so that `id` is never allocated.
func (d *DB) reserve(id uint32) {
	for {
		cur := d.last.Load()
		if id <= cur || d.last.CAS(cur, id) {
			return
		}
	}
}

// PutObject stores `o` under its own ID, replacing any previous object.
func (d *DB) PutObject(ctx context.Context, o *Object) error {
	if o.ID == 0 {
		return errors.New("object handle 0 is reserved")
	}
	data, err := o.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal object %d: %v", o.ID, err)
	}
	d.reserve(o.ID)
	return d.conn.Insert(ctx, genKey(pkcs11.ObjectHandle(o.ID)), data)
}

// CreateObject stores a new valid object built from the concatenation of
// `tpls` and returns its handle.
func (d *DB) CreateObject(ctx context.Context, tpls ...[]*pkcs11.Attribute) (pkcs11.ObjectHandle, error) {
	o := NewObject(d.last.Inc(), tpls...)
	if err := d.PutObject(ctx, o); err != nil {
		return 0, err
	}
	return pkcs11.ObjectHandle(o.ID), nil
}

// GetObject returns the object associated with handle `h`.
func (d *DB) GetObject(ctx context.Context, h pkcs11.ObjectHandle) (*Object, error) {
	res, err := d.conn.Get(ctx, genKey(h))
	if err != nil {
		return nil, err
	}
	o := &Object{}
	if err := o.UnmarshalBinary(res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal object %d: %v", h, err)
	}
	return o, nil
}

// DestroyObject removes the object associated with handle `h`.
func (d *DB) DestroyObject(ctx context.Context, h pkcs11.ObjectHandle) error {
	return d.conn.Delete(ctx, genKey(h))
}

// ListObjects returns all stored object handles in ascending order.
func (d *DB) ListObjects(ctx context.Context) ([]pkcs11.ObjectHandle, error) {
	keys, err := d.conn.List(ctx, objectPrefix)
	if err != nil {
		return nil, err
	}
	hs := make([]pkcs11.ObjectHandle, 0, len(keys))
	for _, k := range keys {
		h, err := strconv.ParseUint(strings.TrimPrefix(k, objectPrefix), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed object key %q: %v", k, err)
		}
		hs = append(hs, pkcs11.ObjectHandle(h))
	}
	return hs, nil
}

// Preload stores `objs` concurrently. It is used to provision the static
// objects of a token.
func (d *DB) Preload(ctx context.Context, objs []*Object) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, o := range objs {
		o := o
		g.Go(func() error {
			if err := d.PutObject(ctx, o); err != nil {
				return fmt.Errorf("failed to preload object %d: %v", o.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}
