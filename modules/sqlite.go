package modules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caffeineduck/lode/engine"
	"github.com/caffeineduck/lode/internal/config"
	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"
	_ "modernc.org/sqlite"
)

const sqliteDBType = "sqlite.db"

var (
	ErrTooManyDatabases = errors.New("too many open databases")
	ErrDatabaseClosed   = errors.New("database closed")
)

// Database is one open SQLite handle.
type Database struct {
	ID   string
	Path string
	db   *sql.DB
	pool *SQLitePool
}

// SQLitePool tracks every database a script opened so teardown can close
// what the script left open.
type SQLitePool struct {
	maxOpen int
	mu      sync.Mutex
	open    map[string]*Database
}

func NewSQLitePool(cfg config.SQLite) *SQLitePool {
	return &SQLitePool{maxOpen: cfg.MaxOpen, open: make(map[string]*Database)}
}

// Open opens or creates the database at path (":memory:" for a private
// in-memory database).
func (p *SQLitePool) Open(ctx context.Context, path string) (*Database, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxOpen > 0 && len(p.open) >= p.maxOpen {
		return nil, ErrTooManyDatabases
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer, and ":memory:" is per
	// connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	d := &Database{ID: uuid.NewString(), Path: path, db: db, pool: p}
	p.open[d.ID] = d
	return d, nil
}

// Len is the number of open databases.
func (p *SQLitePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.open)
}

// Close closes every open database and returns the first error.
func (p *SQLitePool) Close() error {
	p.mu.Lock()
	dbs := make([]*Database, 0, len(p.open))
	for _, d := range p.open {
		dbs = append(dbs, d)
	}
	p.open = make(map[string]*Database)
	p.mu.Unlock()

	var errs []error
	for _, d := range dbs {
		if err := d.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (d *Database) closed() bool {
	d.pool.mu.Lock()
	defer d.pool.mu.Unlock()
	_, open := d.pool.open[d.ID]
	return !open
}

// Exec runs a statement and returns the number of rows affected.
func (d *Database) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	if d.closed() {
		return 0, ErrDatabaseClosed
	}
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Query runs a query and returns every row as column name to value.
func (d *Database) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	if d.closed() {
		return nil, ErrDatabaseClosed
	}
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = sqlValue(vals[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *Database) Close() error {
	d.pool.mu.Lock()
	_, open := d.pool.open[d.ID]
	delete(d.pool.open, d.ID)
	d.pool.mu.Unlock()
	if !open {
		return nil
	}
	return d.db.Close()
}

func sqlValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return x
	}
}

// SQLiteModule exposes SQLite databases to scripts. Database files live
// under the fs mounts; only ":memory:" is opened without one.
type SQLiteModule struct {
	cfg config.SQLite
	fs  *FS
}

// NewSQLiteModule resolves database paths through fs; a nil fs has no
// mounts.
func NewSQLiteModule(cfg config.SQLite, fs *FS) *SQLiteModule {
	if fs == nil {
		fs = NewFS(config.FS{})
	}
	return &SQLiteModule{cfg: cfg, fs: fs}
}

func (m *SQLiteModule) Name() string { return "sqlite" }

func (m *SQLiteModule) Install(env *engine.Env) error {
	pool := NewSQLitePool(m.cfg)
	env.OnClose("sqlite", pool.Close)
	ctx := env.Context()

	mt := env.L.NewTypeMetatable(sqliteDBType)
	env.L.SetField(mt, "__index", env.L.SetFuncs(env.L.NewTable(), map[string]lua.LGFunction{
		// db:exec(sql, ...) -> rows_affected | nil, err
		"exec": func(L *lua.LState) int {
			d := checkDatabase(L)
			args, err := sqlArgs(L, 3)
			if err != nil {
				return fail(L, err)
			}
			n, err := d.Exec(ctx, L.CheckString(2), args...)
			if err != nil {
				return fail(L, err)
			}
			L.Push(lua.LNumber(n))
			return 1
		},
		// db:query(sql, ...) -> {row, ...} | nil, err
		"query": func(L *lua.LState) int {
			d := checkDatabase(L)
			args, err := sqlArgs(L, 3)
			if err != nil {
				return fail(L, err)
			}
			rows, err := d.Query(ctx, L.CheckString(2), args...)
			if err != nil {
				return fail(L, err)
			}
			tbl := L.CreateTable(len(rows), 0)
			for i, row := range rows {
				tbl.RawSetInt(i+1, engine.ToLua(L, row))
			}
			L.Push(tbl)
			return 1
		},
		"close": func(L *lua.LState) int {
			if err := checkDatabase(L).Close(); err != nil {
				return fail(L, err)
			}
			return ok(L)
		},
		"id": func(L *lua.LState) int {
			L.Push(lua.LString(checkDatabase(L).ID))
			return 1
		},
	}))

	env.SetGlobalTable("sqlite", map[string]lua.LGFunction{
		// sqlite.open(path) -> db | nil, err
		"open": func(L *lua.LState) int {
			path := L.CheckString(1)
			if path != ":memory:" {
				hostPath, err := m.fs.Database(path)
				if err != nil {
					return fail(L, err)
				}
				path = hostPath
			}
			d, err := pool.Open(ctx, path)
			if err != nil {
				return fail(L, err)
			}
			ud := L.NewUserData()
			ud.Value = d
			L.SetMetatable(ud, L.GetTypeMetatable(sqliteDBType))
			L.Push(ud)
			return 1
		},
	})
	return nil
}

func checkDatabase(L *lua.LState) *Database {
	ud := L.CheckUserData(1)
	if d, ok := ud.Value.(*Database); ok {
		return d
	}
	L.ArgError(1, "sqlite database expected")
	return nil
}

func sqlArgs(L *lua.LState, from int) ([]any, error) {
	var args []any
	for n := from; n <= L.GetTop(); n++ {
		v, err := engine.ToGo(L.Get(n))
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", n-from+1, err)
		}
		switch v.(type) {
		case []any, map[string]any:
			return nil, fmt.Errorf("argument %d: tables cannot be bound", n-from+1)
		}
		args = append(args, v)
	}
	return args, nil
}
