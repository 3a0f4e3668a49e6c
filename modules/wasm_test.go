package modules

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/caffeineduck/lode/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

// addWasm exports add(i32, i32) -> i32.
var addWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 0x61, 0x64, 0x64, 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
}

func TestWasmRuntime(t *testing.T) {
	ctx := context.Background()
	rt, err := NewWasmRuntime(ctx, config.Wasm{})
	require.NoError(t, err)
	defer rt.Close(ctx)

	inst, err := rt.Instantiate(ctx, addWasm)
	require.NoError(t, err)
	assert.Equal(t, []string{"add"}, inst.Exports())

	got, err := inst.Call(ctx, "add", 40, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{42}, got)

	got, err = inst.Call(ctx, "add", -5, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{-3}, got)

	_, err = inst.Call(ctx, "add", 1)
	assert.EqualError(t, err, "add expects 2 arguments, got 1")
	_, err = inst.Call(ctx, "sub", 1, 2)
	assert.EqualError(t, err, "export not found: sub")

	require.NoError(t, inst.Close(ctx))
	_, err = inst.Call(ctx, "add", 1, 2)
	assert.ErrorIs(t, err, ErrInstanceClosed)
}

func TestWasmRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	rt, err := NewWasmRuntime(ctx, config.Wasm{MemoryLimitPages: 16})
	require.NoError(t, err)
	defer rt.Close(ctx)

	_, err = rt.Instantiate(ctx, []byte("not wasm"))
	assert.Error(t, err)
}

func TestWasmModule(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "add.wasm"), addWasm, 0o644))

	fs := NewFS(config.FS{}, Mount{VirtualPath: "/lib", HostPath: dir, Mode: MountReadOnly})
	env := newTestEnv(t, nil, NewWasmModule(config.Wasm{}, fs))
	env.L.SetGlobal("PATH", lua.LString("/lib/add.wasm"))
	env.L.SetGlobal("BYTES", lua.LString(addWasm))

	env.run(t, `
		local a = assert(wasm.load(PATH))
		local b = assert(wasm.instantiate(BYTES))
		sum = a:call("add", 20, 22)
		other = b:call("add", 1, 1)
		exports = a:exports()
		bad, err = a:call("nope")
		assert(a:close())
		closed, cerr = a:call("add", 1, 2)
		missing, merr = wasm.load(PATH .. ".missing")
	`)

	assert.Equal(t, lua.LNumber(42), env.global("sum"))
	assert.Equal(t, lua.LNumber(2), env.global("other"))
	assert.Equal(t, lua.LString("add"), env.global("exports").(*lua.LTable).RawGetInt(1))
	assert.Equal(t, lua.LString("export not found: nope"), env.global("err"))
	assert.Equal(t, lua.LString(ErrInstanceClosed.Error()), env.global("cerr"))
	assert.Equal(t, lua.LNil, env.global("missing"))
	assert.NotEqual(t, lua.LNil, env.global("merr"))
}

func TestWasmLoadStaysInsideMounts(t *testing.T) {
	mounted, outside := t.TempDir(), t.TempDir()
	path := filepath.Join(outside, "add.wasm")
	require.NoError(t, os.WriteFile(path, addWasm, 0o644))

	fs := NewFS(config.FS{MaxFileSize: 4}, Mount{VirtualPath: "/lib", HostPath: mounted, Mode: MountReadOnly})
	require.NoError(t, os.WriteFile(filepath.Join(mounted, "add.wasm"), addWasm, 0o644))
	env := newTestEnv(t, nil, NewWasmModule(config.Wasm{}, fs))
	env.L.SetGlobal("OUTSIDE", lua.LString(path))

	env.run(t, `
		a, aerr = wasm.load(OUTSIDE)
		b, berr = wasm.load("/lib/../../" .. OUTSIDE)
		c, cerr = wasm.load("/lib/add.wasm")
	`)

	assert.Equal(t, lua.LNil, env.global("a"))
	assert.Equal(t, lua.LString("permission denied: path not in any mount"), env.global("aerr"))
	assert.Equal(t, lua.LNil, env.global("b"))
	assert.Equal(t, lua.LString("permission denied: path not in any mount"), env.global("berr"))
	assert.Equal(t, lua.LNil, env.global("c"))
	assert.Equal(t, lua.LString("file exceeds max size: /lib/add.wasm"), env.global("cerr"))
}
