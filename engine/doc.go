// Package engine owns the embedded Lua environment the host runs programs in.
//
// # Overview
//
// [New] creates exactly one [Env]: it opens the standard library, installs
// every [Module] in registration order, publishes the read-only argv global
// and pins the module search path to the versioned script directory.
//
//	env, err := engine.New(
//	    engine.WithModules(modules.Default(cfg)...),
//	    engine.WithArgv([]string{"a", "b"}),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer env.Close()
//
// # Escape
//
// The engine context is cancelled by [Env.Escape], after which every Lua
// instruction raises. Together with the panic Escape throws this unwinds
// the Go stack and the Lua stack, including frames protected by pcall, back
// to whoever recovers it with [IsEscape]. [Env.Call] keeps the unwind going
// across protected calls made from Go. Only the supervisor escapes;
// modules go through [Env.Controller].
//
// # Closers
//
// Modules that hold native resources register them with [Env.OnClose].
// Close runs the closers in reverse order and then closes the Lua state.
package engine
