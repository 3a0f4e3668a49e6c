package modules

import (
	"os"

	"github.com/caffeineduck/lode/engine"
	"github.com/caffeineduck/lode/internal/version"
	lua "github.com/yuin/gopher-lua"
)

// Process exposes the host lifecycle to scripts.
type Process struct{}

func (Process) Name() string { return "process" }

func (Process) Install(env *engine.Env) error {
	ctrl := env.Controller()
	tbl := env.SetGlobalTable("process", map[string]lua.LGFunction{
		"exit": func(L *lua.LState) int {
			ctrl.Exit()
			return 0
		},
		"abort": func(L *lua.LState) int {
			ctrl.Abort(L.OptString(1, "abort requested"))
			return 0
		},
		"stop": func(L *lua.LState) int {
			ctrl.Stop()
			return 0
		},
		"alive": func(L *lua.LState) int {
			L.Push(lua.LBool(ctrl.Alive()))
			return 1
		},
	})
	tbl.RawSetString("version", lua.LString(version.String()))
	tbl.RawSetString("pid", lua.LNumber(os.Getpid()))
	return nil
}
