// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persist

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// kvBackends returns one fresh instance of each KV implementation.
func kvBackends(t *testing.T) map[string]KV {
	t.Helper()

	fileKV, err := NewFileKV(t.TempDir())
	require.NoError(t, err)

	sqliteKV, err := NewSQLiteKV(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	return map[string]KV{
		"file":   fileKV,
		"sqlite": sqliteKV,
	}
}

func TestKV_SetGetDelete(t *testing.T) {
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer kv.Close()

			// Absent key
			_, ok, err := kv.Get("missing")
			require.NoError(t, err)
			require.False(t, ok)

			// Round trip
			require.NoError(t, kv.Set("lmchat.model", []byte(`{"v":1}`)))
			got, ok, err := kv.Get("lmchat.model")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, []byte(`{"v":1}`), got)

			// Overwrite
			require.NoError(t, kv.Set("lmchat.model", []byte(`{"v":2}`)))
			got, _, err = kv.Get("lmchat.model")
			require.NoError(t, err)
			require.Equal(t, []byte(`{"v":2}`), got)

			// Delete, then delete again (absent delete is not an error)
			require.NoError(t, kv.Delete("lmchat.model"))
			_, ok, err = kv.Get("lmchat.model")
			require.NoError(t, err)
			require.False(t, ok)
			require.NoError(t, kv.Delete("lmchat.model"))
		})
	}
}

func TestKV_Keys(t *testing.T) {
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer kv.Close()

			require.NoError(t, kv.Set("lmchat.messages", []byte("a")))
			require.NoError(t, kv.Set("lmchat.model", []byte("b")))

			keys, err := kv.Keys()
			require.NoError(t, err)
			require.ElementsMatch(t, []string{"lmchat.messages", "lmchat.model"}, keys)
		})
	}
}
