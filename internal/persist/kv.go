// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package persist provides durable session persistence over a key-value
// store, with per-field schema validation and corruption quarantine.
package persist

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/jeranaias/lmchat/internal/util"
)

// =============================================================================
// KV INTERFACE
// =============================================================================

// KV is the minimal key-value store the persistence layer writes to.
// The Store is the sole writer of its keys; no external process is
// assumed to mutate them concurrently.
type KV interface {
	// Get returns the value for key, with ok=false when absent.
	Get(key string) (value []byte, ok bool, err error)

	// Set writes value under key, durably.
	Set(key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error

	// Keys returns all stored keys.
	Keys() ([]string, error)

	// Close releases underlying resources.
	Close() error
}

// =============================================================================
// FILE-BACKED KV
// =============================================================================

// FileKV stores each key as one JSON document file in a directory,
// written atomically with fsync so a crash never leaves a torn value.
type FileKV struct {
	dir string
}

// NewFileKV creates a file-backed store rooted at dir.
func NewFileKV(dir string) (*FileKV, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileKV{dir: dir}, nil
}

// Get implements KV.
func (s *FileKV) Get(key string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// Set implements KV.
func (s *FileKV) Set(key string, value []byte) error {
	return util.AtomicWriteFile(s.path(key), value, 0644)
}

// Delete implements KV.
func (s *FileKV) Delete(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Keys implements KV.
func (s *FileKV) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(entry.Name(), ".json"))
	}
	return keys, nil
}

// Close implements KV. File stores hold no open resources.
func (s *FileKV) Close() error {
	return nil
}

// path maps a key to its file. Keys are dotted namespaced identifiers
// ("lmchat.messages"), already safe as file names.
func (s *FileKV) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}
