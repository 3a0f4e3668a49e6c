package modules

import (
	"fmt"

	"github.com/caffeineduck/lode/engine"
	"github.com/caffeineduck/lode/internal/config"
	lua "github.com/yuin/gopher-lua"
)

// Names lists every module in install order.
var Names = []string{"process", "log", "timer", "json", "kv", "fs", "http", "wasm", "sqlite"}

// Default builds the modules enabled by cfg, in install order.
func Default(cfg config.Config) ([]engine.Module, error) {
	fs, err := NewFSModule(cfg.Modules.FS)
	if err != nil {
		return nil, err
	}
	all := []engine.Module{
		Process{},
		Log{},
		Timer{},
		JSON{},
		NewKVModule(cfg.Modules.KV),
		fs,
		NewHTTPModule(cfg.Modules.HTTP),
		NewWasmModule(cfg.Modules.Wasm, fs.FS()),
		NewSQLiteModule(cfg.Modules.SQLite, fs.FS()),
	}

	enabled := make([]engine.Module, 0, len(all))
	for _, m := range all {
		if cfg.Disabled(m.Name()) {
			continue
		}
		enabled = append(enabled, m)
	}
	return enabled, nil
}

// Registry wraps Default in an engine.Registry.
func Registry(cfg config.Config) (*engine.Registry, error) {
	mods, err := Default(cfg)
	if err != nil {
		return nil, err
	}
	r := engine.NewRegistry()
	for _, m := range mods {
		if err := r.Register(m); err != nil {
			return nil, fmt.Errorf("register %s: %w", m.Name(), err)
		}
	}
	return r, nil
}

// fail pushes the nil, message pair scripts branch on.
func fail(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

func ok(L *lua.LState) int {
	L.Push(lua.LTrue)
	return 1
}
