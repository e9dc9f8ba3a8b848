// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auxstoretest holds the behaviour every aux store backend must
// share.
package auxstoretest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinklabs-io/kelpie/auxstore"
)

// RunStoreTests exercises the aux store contract against stores created
// by newStore. Each call to newStore must return an empty store.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) auxstore.Store) {
	t.Helper()

	t.Run("MissingKey", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get([]byte("missing"))
		require.ErrorIs(t, err, auxstore.ErrKeyNotFound)
	})

	t.Run("PutGet", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.PutBatch([]auxstore.Op{
			auxstore.Put([]byte("a"), []byte("one")),
			auxstore.Put([]byte("b"), []byte("two")),
		}))
		val, err := store.Get([]byte("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), val)
		val, err = store.Get([]byte("b"))
		require.NoError(t, err)
		assert.Equal(t, []byte("two"), val)
	})

	t.Run("Overwrite", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.PutBatch([]auxstore.Op{
			auxstore.Put([]byte("k"), []byte("old")),
		}))
		require.NoError(t, store.PutBatch([]auxstore.Op{
			auxstore.Put([]byte("k"), []byte("new")),
		}))
		val, err := store.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("new"), val)
	})

	t.Run("Delete", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.PutBatch([]auxstore.Op{
			auxstore.Put([]byte("k"), []byte("v")),
		}))
		require.NoError(t, store.PutBatch([]auxstore.Op{
			auxstore.Delete([]byte("k")),
			// Deleting a missing key is not an error
			auxstore.Delete([]byte("never-written")),
		}))
		_, err := store.Get([]byte("k"))
		require.ErrorIs(t, err, auxstore.ErrKeyNotFound)
	})

	t.Run("BatchOrder", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.PutBatch([]auxstore.Op{
			auxstore.Put([]byte("k"), []byte("first")),
			auxstore.Delete([]byte("k")),
			auxstore.Put([]byte("k"), []byte("last")),
		}))
		val, err := store.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("last"), val)
	})

	t.Run("ValueIsCopied", func(t *testing.T) {
		store := newStore(t)
		value := []byte("abc")
		require.NoError(t, store.PutBatch([]auxstore.Op{
			auxstore.Put([]byte("k"), value),
		}))
		value[0] = 'x'
		val, err := store.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), val)
		val[1] = 'y'
		again, err := store.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), again)
	})

	t.Run("BinaryKeys", func(t *testing.T) {
		store := newStore(t)
		key := []byte{0x00, 0xff, 0x10, 0x00}
		require.NoError(t, store.PutBatch([]auxstore.Op{
			auxstore.Put(key, []byte{0x01}),
		}))
		val, err := store.Get(key)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x01}, val)
		_, err = store.Get(key[:3])
		require.ErrorIs(t, err, auxstore.ErrKeyNotFound)
	})
}
