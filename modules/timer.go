package modules

import (
	"errors"
	"time"

	"github.com/caffeineduck/lode/engine"
	"github.com/caffeineduck/lode/loop"
	"github.com/robfig/cron/v3"
	lua "github.com/yuin/gopher-lua"
)

// Timer schedules script callbacks on the run loop.
type Timer struct{}

func (Timer) Name() string { return "timer" }

func (Timer) Install(env *engine.Env) error {
	logger := env.Logger.With("component", "script")

	run := func(id *loop.TimerID, fn *lua.LFunction, repeating bool) {
		if _, err := env.Call(fn, 0); err != nil {
			logger.Warn("timer callback failed", "timer", int64(*id), "error", err)
			if repeating {
				env.Loop.Cancel(*id)
			}
		}
	}

	env.SetGlobalTable("timer", map[string]lua.LGFunction{
		"after": func(L *lua.LState) int {
			d := millis(L.CheckNumber(1))
			fn := L.CheckFunction(2)
			id := new(loop.TimerID)
			*id = env.Loop.AfterFunc(d, func() { run(id, fn, false) })
			L.Push(lua.LNumber(*id))
			return 1
		},
		"every": func(L *lua.LState) int {
			d := millis(L.CheckNumber(1))
			fn := L.CheckFunction(2)
			id := new(loop.TimerID)
			*id = env.Loop.Every(d, func() { run(id, fn, true) })
			L.Push(lua.LNumber(*id))
			return 1
		},
		// timer.cron("*/5 * * * *", fn) -> id | nil, err
		"cron": func(L *lua.LState) int {
			sched, err := cron.ParseStandard(L.CheckString(1))
			if err != nil {
				return fail(L, err)
			}
			fn := L.CheckFunction(2)
			id := new(loop.TimerID)
			*id = env.Loop.Schedule(sched.Next, func() { run(id, fn, true) })
			if *id == 0 {
				return fail(L, errors.New("schedule never fires"))
			}
			L.Push(lua.LNumber(*id))
			return 1
		},
		"cancel": func(L *lua.LState) int {
			id := loop.TimerID(L.CheckInt64(1))
			L.Push(lua.LBool(env.Loop.Cancel(id)))
			return 1
		},
		"now": func(L *lua.LState) int {
			L.Push(lua.LNumber(float64(time.Now().UnixNano()) / 1e6))
			return 1
		},
	})
	return nil
}

func millis(n lua.LNumber) time.Duration {
	if n < 0 {
		return 0
	}
	return time.Duration(float64(n) * float64(time.Millisecond))
}
