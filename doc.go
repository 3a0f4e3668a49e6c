// Package lode is a supervised host for Lua programs.
//
// # Overview
//
// A host process owns exactly one engine instance. It bootstraps the engine
// with native modules and argv, runs the program, then drives a run loop of
// timers and posted tasks until the program stops itself, a termination
// signal arrives, or the program takes the escape continuation. Teardown
// runs exactly once on every path except abort.
//
// # Basic Usage
//
//	src, err := host.Select(os.Args[1], os.Stdin)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	mods, _ := modules.Default(cfg)
//	sup := host.New(host.WithConfig(cfg), host.WithModules(mods...))
//	if err := sup.Bootstrap(os.Args[2:]); err != nil {
//	    log.Fatal(err)
//	}
//	res, _ := sup.Run(src)
//
// The source is selected first so an unreadable script fails before any
// engine exists.
//
// Inside the program:
//
//	timer.every(1000, function()
//	    log.info("tick %d", #argv)
//	end)
//	timer.after(5000, process.exit)
//
// See the [host], [engine], [loop], [signals], [diag] and [modules]
// packages for detailed API documentation.
package lode
