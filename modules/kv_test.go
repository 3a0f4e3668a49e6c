package modules

import (
	"strings"
	"testing"

	"github.com/caffeineduck/lode/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func TestKVStoreLimits(t *testing.T) {
	s := NewKVStore(config.KV{MaxEntries: 2, MaxKeySize: 4, MaxValueSize: 8})

	require.NoError(t, s.Set("a", []byte("1")))
	require.NoError(t, s.Set("b", []byte("2")))
	assert.ErrorIs(t, s.Set("c", []byte("3")), ErrStoreFull)
	require.NoError(t, s.Set("a", []byte("updated")), "overwrite must not count as a new entry")

	assert.ErrorIs(t, s.Set("", []byte("x")), ErrKeyRequired)
	assert.ErrorIs(t, s.Set("toolong", []byte("x")), ErrKeyTooLarge)
	assert.ErrorIs(t, s.Set("a", []byte(strings.Repeat("x", 9))), ErrValueTooLarge)

	assert.Equal(t, []string{"a", "b"}, s.Keys())
	assert.True(t, s.Delete("a"))
	assert.False(t, s.Delete("a"))
	assert.Equal(t, 1, s.Len())
}

func TestKVStoreUnlimited(t *testing.T) {
	s := NewKVStore(config.KV{})
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Set(strings.Repeat("k", i+1), []byte("v")))
	}
	assert.Equal(t, 100, s.Len())
}

func TestKVModule(t *testing.T) {
	m := NewKVModule(config.Default().Modules.KV)
	env := newTestEnv(t, nil, m)

	env.run(t, `
		assert(kv.set("n", 42))
		assert(kv.set("t", {a = {1, 2}}))
		n = kv.get("n")
		inner = kv.get("t").a[2]
		missing = kv.get("nope")
		fallback = kv.get("nope", "dflt")
		keys = kv.keys()
		existed = kv.delete("n")
		kv.set("t", nil)
		after = #kv.keys()
	`)

	assert.Equal(t, lua.LNumber(42), env.global("n"))
	assert.Equal(t, lua.LNumber(2), env.global("inner"))
	assert.Equal(t, lua.LNil, env.global("missing"))
	assert.Equal(t, lua.LString("dflt"), env.global("fallback"))
	keys := env.global("keys").(*lua.LTable)
	assert.Equal(t, 2, keys.Len())
	assert.Equal(t, lua.LString("n"), keys.RawGetInt(1))
	assert.Equal(t, lua.LTrue, env.global("existed"))
	assert.Equal(t, lua.LNumber(0), env.global("after"))
	assert.Zero(t, m.Store().Len())
}

func TestKVModuleErrors(t *testing.T) {
	env := newTestEnv(t, nil, NewKVModule(config.KV{MaxValueSize: 4}))

	env.run(t, `
		r1, e1 = kv.set("big", "0123456789")
		r2, e2 = kv.set("fn", function() end)
	`)

	assert.Equal(t, lua.LNil, env.global("r1"))
	assert.Equal(t, lua.LString(ErrValueTooLarge.Error()), env.global("e1"))
	assert.Equal(t, lua.LNil, env.global("r2"))
	assert.Contains(t, env.global("e2").String(), "cannot convert")
}
