// Copyright (C) 2025 RoadVLM Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache provides an embedded result cache for scene analysis.
//
// Analyzing one frame costs seconds of vision-model inference. The cache
// stores finished results in a local BadgerDB keyed by the image's
// content digest plus the model name, so re-running a directory skips
// frames that were already analyzed with the same model. Renamed or
// touched files still hit: only the bytes matter.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package cache

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"

	"github.com/ironcladgeek/RoadVLM/internal/scene"
)

// ResultCache stores scene analysis outputs in an embedded BadgerDB.
//
// Safe for concurrent use.
type ResultCache struct {
	db *badger.DB
}

// Open opens (or creates) a persistent cache at the given directory.
func Open(path string) (*ResultCache, error) {
	if path == "" {
		return nil, errors.New("cache path is required")
	}
	if err := os.MkdirAll(path, 0750); err != nil {
		return nil, fmt.Errorf("create cache directory %s: %w", path, err)
	}

	opts := badger.DefaultOptions(path).
		WithSyncWrites(false).
		WithNumVersionsToKeep(1).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	return &ResultCache{db: db}, nil
}

// OpenInMemory opens a cache that is lost on close. Used in tests.
func OpenInMemory() (*ResultCache, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory cache: %w", err)
	}
	return &ResultCache{db: db}, nil
}

// Close releases the underlying database. Safe to call once.
func (c *ResultCache) Close() error {
	return c.db.Close()
}

// Key computes the cache key for an image analyzed with a model: the
// SHA-256 of the file contents, scoped by model name so switching models
// re-analyzes everything.
func Key(imagePath, model string) (string, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return "", fmt.Errorf("open %s for digest: %w", filepath.Base(imagePath), err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("digest %s: %w", filepath.Base(imagePath), err)
	}
	return fmt.Sprintf("%s:%x", model, h.Sum(nil)), nil
}

// Get returns the cached output for a key, reporting whether it was
// present.
func (c *ResultCache) Get(key string) (*scene.Output, bool, error) {
	var out scene.Output
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	return &out, true, nil
}

// Put stores an output under a key, overwriting any previous value.
func (c *ResultCache) Put(key string, out *scene.Output) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("cache marshal: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}
