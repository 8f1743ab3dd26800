// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package filedb implements a connector to a sqlite database.
package filedb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lowRISC/opentitan-kms/src/kms/store/connector"
)

type sqliteDB struct {
	db *gorm.DB
}

// objectSchema represents the schema of the key object table.
type objectSchema struct {
	ObjectKey string `gorm:"primarykey"`
	Blob      []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// sqlite allows a single writer at a time.
var writeMutex sync.Mutex

// New creates a sqlite connector backed by the database at `dbPath`.
func New(dbPath string) (connector.Connector, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA busy_timeout = 5000;")
	db.Exec("PRAGMA synchronous=NORMAL;")

	if err := db.AutoMigrate(&objectSchema{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %v", err)
	}
	return &sqliteDB{db: db}, nil
}

// Insert adds a `key` `value` pair to the database. Multiple calls with the
// same key replace the stored value.
func (s *sqliteDB) Insert(ctx context.Context, key string, value []byte) error {
	writeMutex.Lock()
	defer writeMutex.Unlock()

	r := s.db.WithContext(ctx).Save(&objectSchema{ObjectKey: key, Blob: value})
	if r.Error != nil {
		return fmt.Errorf("failed to insert data with key: %q, error: %v", key, r.Error)
	}
	return nil
}

// Get gets the value associated with a given `key`.
func (s *sqliteDB) Get(ctx context.Context, key string) ([]byte, error) {
	var obj objectSchema
	r := s.db.WithContext(ctx).First(&obj, "object_key = ?", key)
	if errors.Is(r.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: key %q", connector.ErrNotFound, key)
	}
	if r.Error != nil {
		return nil, fmt.Errorf("failed to get data associated with key: %q, error: %v", key, r.Error)
	}
	return obj.Blob, nil
}

func (s *sqliteDB) Delete(ctx context.Context, key string) error {
	writeMutex.Lock()
	defer writeMutex.Unlock()

	r := s.db.WithContext(ctx).Delete(&objectSchema{}, "object_key = ?", key)
	if r.Error != nil {
		return fmt.Errorf("failed to delete data with key: %q, error: %v", key, r.Error)
	}
	if r.RowsAffected == 0 {
		return fmt.Errorf("%w: key %q", connector.ErrNotFound, key)
	}
	return nil
}

func (s *sqliteDB) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	r := s.db.WithContext(ctx).Model(&objectSchema{}).
		Where("substr(object_key, 1, ?) = ?", len(prefix), prefix).
		Order("object_key").
		Pluck("object_key", &keys)
	if r.Error != nil {
		return nil, fmt.Errorf("failed to list keys with prefix: %q, error: %v", prefix, r.Error)
	}
	return keys, nil
}

func (s *sqliteDB) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
