package repository

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/govm-net/qi/abi"
	"github.com/govm-net/qi/core"
	"github.com/govm-net/qi/types"
)

func newManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(dir)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, dir
}

func TestArchiveAndLoad(t *testing.T) {
	m, _ := newManager(t)

	code := []byte("function add(self, params) return 1 end")
	table := abi.Table{{Name: "add", ArgList: []abi.Param{{Name: "n"}}, Consequence: true}}
	rev := types.ContractRevision{Name: "Counter", Revision: 1, Code: code, ABI: table}
	require.NoError(t, m.Archive(rev))

	got, err := m.Load("counter", 1)
	require.NoError(t, err)
	assert.Equal(t, code, got.Code)
	assert.Equal(t, table, got.ABI)
	assert.Equal(t, core.GetHash(code), got.CodeHash)

	err = m.Archive(rev)
	assert.ErrorIs(t, err, ErrRevisionExists)
}

func TestRevisionsSorted(t *testing.T) {
	m, _ := newManager(t)

	revs, err := m.Revisions("counter")
	require.NoError(t, err)
	assert.Empty(t, revs)

	for _, n := range []uint64{3, 1, 2} {
		require.NoError(t, m.Archive(types.ContractRevision{Name: "counter", Revision: n, Code: []byte{byte(n)}}))
	}
	revs, err = m.Revisions("counter")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, revs)
}

func TestLoadDetectsCorruption(t *testing.T) {
	m, dir := newManager(t)
	require.NoError(t, m.Archive(types.ContractRevision{Name: "counter", Revision: 1, Code: []byte("v1")}))
	require.NoError(t, m.Archive(types.ContractRevision{Name: "counter", Revision: 2, Code: []byte("v2")}))

	// swap the code of two revisions
	codeDir := filepath.Join(dir, "counter")
	v2, err := os.ReadFile(filepath.Join(codeDir, revisionFile(2, ".code.zst")))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(codeDir, revisionFile(1, ".code.zst")), v2, 0644))

	_, err = m.Load("counter", 1)
	assert.ErrorContains(t, err, "hash mismatch")

	_, err = m.Load("counter", 9)
	assert.Error(t, err)
}
