package modules

import (
	"context"
	"log/slog"

	"github.com/caffeineduck/lode/engine"
	lua "github.com/yuin/gopher-lua"
)

// Log routes script messages into the host logger.
type Log struct{}

func (Log) Name() string { return "log" }

func (Log) Install(env *engine.Env) error {
	logger := env.Logger.With("component", "script")
	format := env.L.GetField(env.L.GetGlobal("string"), "format")

	emit := func(level slog.Level) lua.LGFunction {
		return func(L *lua.LState) int {
			if !logger.Enabled(context.Background(), level) {
				return 0
			}
			logger.Log(context.Background(), level, message(L, format))
			return 0
		}
	}
	env.SetGlobalTable("log", map[string]lua.LGFunction{
		"debug": emit(slog.LevelDebug),
		"info":  emit(slog.LevelInfo),
		"warn":  emit(slog.LevelWarn),
		"error": emit(slog.LevelError),
	})
	return nil
}

// message renders the arguments with string.format when there is more
// than one, or tostring otherwise.
func message(L *lua.LState, format lua.LValue) string {
	n := L.GetTop()
	switch {
	case n == 0:
		return ""
	case n == 1 || format == lua.LNil:
		return L.ToStringMeta(L.Get(1)).String()
	}
	args := make([]lua.LValue, n)
	for i := 1; i <= n; i++ {
		args[i-1] = L.Get(i)
	}
	L.CallByParam(lua.P{Fn: format, NRet: 1, Protect: false}, args...)
	msg := L.Get(-1).String()
	L.Pop(1)
	return msg
}
