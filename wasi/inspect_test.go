package wasi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspect(t *testing.T) {
	info, err := Inspect(context.Background(), buildModule(logModule))
	require.NoError(t, err)
	require.NoError(t, info.Check())

	names := make([]string, len(info.Exports))
	for i, f := range info.Exports {
		names[i] = f.Name
	}
	assert.Equal(t, []string{"_initialize", "allocate", "get_buffer_address", "handle_contract_call"}, names)
	assert.Equal(t, []string{"memory"}, info.Memories)

	require.Len(t, info.Imports, 1)
	assert.Equal(t, "env.call_host_set(i32, i32, i32, i32) -> (i32)", info.Imports[0].String())
	assert.Equal(t, "allocate(i32) -> (i32)", info.Exports[1].String())
}

func TestInspectRejects(t *testing.T) {
	_, err := Inspect(context.Background(), []byte("nope"))
	assert.Error(t, err)

	info := &ModuleInfo{
		Exports: []FuncInfo{{Name: "allocate"}},
		Imports: []FuncInfo{{Module: "env", Name: "exit"}, {Module: "wasi_snapshot_preview1", Name: "fd_write"}},
	}
	err = info.Check()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing export handle_contract_call")
	assert.Contains(t, err.Error(), "no exported memory")
	assert.Contains(t, err.Error(), "unknown import env.exit")
	assert.NotContains(t, err.Error(), "fd_write")
}
