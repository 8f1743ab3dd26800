// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package etcd implements a connector to a etcd database.
package etcd

import (
	"context"
	"fmt"
	"io"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/lowRISC/opentitan-kms/src/kms/store/connector"
)

// etcdDB implements a `connector.Connector` database interface.
type etcdDB struct {
	// kv is an initialized key value etcd instance.
	kv clientv3.KV
	// closer is the owning client, if the connector dialed it.
	closer io.Closer
}

// New creates a etcd connector with an initialized etcd clientv3 KV instance.
// The caller keeps ownership of `kv`.
func New(kv clientv3.KV) connector.Connector {
	return &etcdDB{kv: kv}
}

// Dial connects to the etcd cluster at `endpoints`. The returned connector
// owns the client and closes it on `Close`.
func Dial(endpoints []string, timeout time.Duration, log *zap.Logger) (connector.Connector, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
		Logger:      log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd endpoints %v: %v", endpoints, err)
	}
	return &etcdDB{kv: cli, closer: cli}, nil
}

// Insert adds a `key` `value` pair to the database. Multiple calls with the
// same key will succeed.
func (e *etcdDB) Insert(ctx context.Context, key string, value []byte) error {
	if _, err := e.kv.Put(ctx, key, string(value)); err != nil {
		return fmt.Errorf("failed to insert data with key: %q, error: %v", key, err)
	}
	return nil
}

// Get gets the latest inserted value associated with a given `key`.
func (e *etcdDB) Get(ctx context.Context, key string) ([]byte, error) {
	res, err := e.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get data associated with key: %q, error: %v", key, err)
	}
	if len(res.Kvs) == 0 {
		return nil, fmt.Errorf("%w: key %q", connector.ErrNotFound, key)
	}
	return res.Kvs[0].Value, nil
}

func (e *etcdDB) Delete(ctx context.Context, key string) error {
	res, err := e.kv.Delete(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to delete data with key: %q, error: %v", key, err)
	}
	if res.Deleted == 0 {
		return fmt.Errorf("%w: key %q", connector.ErrNotFound, key)
	}
	return nil
}

func (e *etcdDB) List(ctx context.Context, prefix string) ([]string, error) {
	res, err := e.kv.Get(ctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithKeysOnly(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("failed to list keys with prefix: %q, error: %v", prefix, err)
	}
	keys := make([]string, 0, len(res.Kvs))
	for _, kv := range res.Kvs {
		keys = append(keys, string(kv.Key))
	}
	return keys, nil
}

func (e *etcdDB) Close() error {
	if e.closer == nil {
		return nil
	}
	return e.closer.Close()
}
