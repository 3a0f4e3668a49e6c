package modules

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/caffeineduck/lode/engine"
	"github.com/caffeineduck/lode/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func TestSQLitePool(t *testing.T) {
	ctx := context.Background()
	pool := NewSQLitePool(config.SQLite{MaxOpen: 2})
	defer pool.Close()

	db, err := pool.Open(ctx, ":memory:")
	require.NoError(t, err)

	_, err = db.Exec(ctx, `CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT, score REAL)`)
	require.NoError(t, err)
	n, err := db.Exec(ctx, `INSERT INTO items (name, score) VALUES (?, ?), (?, ?)`, "a", 1.5, "b", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rows, err := db.Query(ctx, `SELECT id, name, score FROM items ORDER BY id`)
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{
		{"id": int64(1), "name": "a", "score": 1.5},
		{"id": int64(2), "name": "b", "score": nil},
	}, rows)

	_, err = pool.Open(ctx, ":memory:")
	require.NoError(t, err)
	_, err = pool.Open(ctx, ":memory:")
	assert.ErrorIs(t, err, ErrTooManyDatabases)

	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
	_, err = db.Query(ctx, `SELECT 1`)
	assert.ErrorIs(t, err, ErrDatabaseClosed)
	assert.Equal(t, 1, pool.Len())
}

func TestSQLiteModule(t *testing.T) {
	dir := t.TempDir()
	fs := NewFS(config.FS{}, Mount{VirtualPath: "/db", HostPath: dir, Mode: MountReadWriteCreate})
	env := newTestEnv(t, nil, NewSQLiteModule(config.SQLite{MaxOpen: 4}, fs))
	env.L.SetGlobal("PATH", lua.LString("/db/app.db"))

	env.run(t, `
		local db = assert(sqlite.open(PATH))
		db:exec("CREATE TABLE kv (k TEXT PRIMARY KEY, v INTEGER)")
		inserted = db:exec("INSERT INTO kv VALUES (?, ?), (?, ?)", "x", 1, "y", 2)
		rows = db:query("SELECT k, v FROM kv WHERE v > ? ORDER BY k", 0)
		bad, err = db:exec("NOT SQL")
		tbl, terr = db:exec("SELECT ?", {1})
		id = db:id()
		assert(db:close())
		after, aerr = db:query("SELECT 1")
	`)

	assert.Equal(t, lua.LNumber(2), env.global("inserted"))
	rows := env.global("rows").(*lua.LTable)
	require.Equal(t, 2, rows.Len())
	assert.Equal(t, lua.LString("x"), rows.RawGetInt(1).(*lua.LTable).RawGetString("k"))
	assert.Equal(t, lua.LNumber(2), rows.RawGetInt(2).(*lua.LTable).RawGetString("v"))
	assert.Equal(t, lua.LNil, env.global("bad"))
	assert.NotEqual(t, lua.LNil, env.global("err"))
	assert.Equal(t, lua.LString("argument 1: tables cannot be bound"), env.global("terr"))
	assert.Len(t, env.global("id").String(), 36)
	assert.Equal(t, lua.LString(ErrDatabaseClosed.Error()), env.global("aerr"))
	assert.FileExists(t, filepath.Join(dir, "app.db"))
}

func TestSQLiteOpenStaysInsideMounts(t *testing.T) {
	ro, rw, outside := t.TempDir(), t.TempDir(), t.TempDir()
	fs := NewFS(config.FS{},
		Mount{VirtualPath: "/data", HostPath: ro, Mode: MountReadOnly},
		Mount{VirtualPath: "/rw", HostPath: rw, Mode: MountReadWrite},
	)
	env := newTestEnv(t, nil, NewSQLiteModule(config.SQLite{}, fs))
	env.L.SetGlobal("OUTSIDE", lua.LString(filepath.Join(outside, "x.db")))

	env.run(t, `
		a, aerr = sqlite.open(OUTSIDE)
		b, berr = sqlite.open("/data/x.db")
		c, cerr = sqlite.open("/rw/x.db")
		d, derr = sqlite.open("/rw/../../x.db")
		e, eerr = sqlite.open("/rw/x.db?mode=rwc")
		mem = sqlite.open(":memory:")
	`)

	assert.Equal(t, lua.LString("permission denied: path not in any mount"), env.global("aerr"))
	assert.Equal(t, lua.LString("permission denied: read-only mount"), env.global("berr"))
	assert.Equal(t, lua.LString("permission denied: cannot create new files"), env.global("cerr"))
	assert.Equal(t, lua.LString("permission denied: path not in any mount"), env.global("derr"))
	assert.Equal(t, lua.LString("invalid database path: /rw/x.db?mode=rwc"), env.global("eerr"))
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		assert.Equal(t, lua.LNil, env.global(name), name)
	}
	assert.Equal(t, lua.LTUserData, env.global("mem").Type())

	for _, dir := range []string{ro, rw, outside} {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries, dir)
	}
}

func TestSQLiteTeardownClosesOpenDatabases(t *testing.T) {
	m := NewSQLiteModule(config.SQLite{MaxOpen: 4}, nil)
	env, err := engine.New(engine.WithModules(m))
	require.NoError(t, err)

	require.NoError(t, env.L.DoString(`
		db1 = sqlite.open(":memory:")
		db2 = sqlite.open(":memory:")
	`))
	ud := env.L.GetGlobal("db1").(*lua.LUserData)
	db := ud.Value.(*Database)
	assert.Equal(t, 2, db.pool.Len())

	require.NoError(t, env.Close())
	assert.Zero(t, db.pool.Len())
	_, err = db.Exec(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, ErrDatabaseClosed)
}
