// Package ledgertest holds behaviour tests shared by every ledger backend.
package ledgertest

import (
	"testing"

	"github.com/govm-net/qi/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunBackendTests exercises a backend implementation. newBackend must return
// an empty backend on each call.
func RunBackendTests(t *testing.T, newBackend func(t *testing.T) ledger.Backend) {
	t.Run("GetPutDelete", func(t *testing.T) {
		b := newBackend(t)
		_, ok, err := b.Get("a")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, b.Put("a", []byte("1")))
		v, ok, err := b.Get("a")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("1"), v)

		require.NoError(t, b.Put("a", []byte("2")))
		v, _, _ = b.Get("a")
		assert.Equal(t, []byte("2"), v)

		require.NoError(t, b.Delete("a"))
		_, ok, err = b.Get("a")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ScanOrderAndPrefix", func(t *testing.T) {
		b := newBackend(t)
		for _, k := range []string{"p\x1fc", "p\x1fa", "q\x1fa", "p\x1fb"} {
			require.NoError(t, b.Put(k, []byte(k)))
		}
		var keys []string
		require.NoError(t, b.Scan("p\x1f", func(key string, _ []byte) error {
			keys = append(keys, key)
			return nil
		}))
		assert.Equal(t, []string{"p\x1fa", "p\x1fb", "p\x1fc"}, keys)
	})

	t.Run("DiscardRestores", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put("k", []byte("before")))

		s, err := b.Begin()
		require.NoError(t, err)
		require.NoError(t, b.Put("k", []byte("after")))
		require.NoError(t, b.Put("new", []byte("x")))
		v, _, _ := b.Get("k")
		assert.Equal(t, []byte("after"), v)
		require.NoError(t, s.Discard())

		v, _, _ = b.Get("k")
		assert.Equal(t, []byte("before"), v)
		_, ok, _ := b.Get("new")
		assert.False(t, ok)
	})

	t.Run("NestedScopes", func(t *testing.T) {
		b := newBackend(t)
		outer, err := b.Begin()
		require.NoError(t, err)
		require.NoError(t, b.Put("outer", []byte("1")))

		inner, err := b.Begin()
		require.NoError(t, err)
		require.NoError(t, b.Put("inner", []byte("1")))
		require.NoError(t, inner.Discard())

		inner2, err := b.Begin()
		require.NoError(t, err)
		require.NoError(t, b.Delete("outer"))
		require.NoError(t, b.Put("kept", []byte("1")))
		require.NoError(t, inner2.Squash())

		require.NoError(t, outer.Squash())

		_, ok, _ := b.Get("inner")
		assert.False(t, ok)
		_, ok, _ = b.Get("outer")
		assert.False(t, ok)
		_, ok, _ = b.Get("kept")
		assert.True(t, ok)
	})

	t.Run("ScanSeesScopeWrites", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put("s\x1f1", []byte("a")))
		require.NoError(t, b.Put("s\x1f2", []byte("b")))
		s, err := b.Begin()
		require.NoError(t, err)
		require.NoError(t, b.Delete("s\x1f1"))
		require.NoError(t, b.Put("s\x1f3", []byte("c")))

		var keys []string
		require.NoError(t, b.Scan("s\x1f", func(key string, _ []byte) error {
			keys = append(keys, key)
			return nil
		}))
		assert.Equal(t, []string{"s\x1f2", "s\x1f3"}, keys)
		require.NoError(t, s.Discard())
	})

	t.Run("ScopeOrder", func(t *testing.T) {
		b := newBackend(t)
		outer, err := b.Begin()
		require.NoError(t, err)
		inner, err := b.Begin()
		require.NoError(t, err)

		assert.ErrorIs(t, outer.Squash(), ledger.ErrScopeOrder)
		require.NoError(t, inner.Squash())
		assert.ErrorIs(t, inner.Discard(), ledger.ErrScopeClosed)
		require.NoError(t, outer.Discard())
	})
}
