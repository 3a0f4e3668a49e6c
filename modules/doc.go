// Package modules provides the native capabilities installed into the Lua
// engine before any user code runs.
//
// # Overview
//
// Every capability is an [engine.Module]. [Default] returns the enabled ones
// in install order:
//
//	process, log, timer, json, kv, fs, http, wasm, sqlite
//
// No module depends on another having been installed.
//
// # Built-in Capabilities
//
// process: version, exit (escape to teardown), abort, stop, alive.
//
//	process.exit()
//
// timer: callbacks on the run loop.
//
//	local id = timer.every(1000, function() log.info("tick") end)
//	timer.cancel(id)
//	timer.cron("0 3 * * *", rotate)
//
// kv, fs: in-memory store and mount-based file access with size limits.
//
//	kv.set("count", 1)
//	local text, err = fs.read("/data/input.txt")
//	for _, p in ipairs(fs.glob("/data/**/*.csv")) do end
//
// http: asynchronous requests to allowed hosts; the callback runs on the
// loop.
//
//	http.request({url = "https://api.example.com/v1"}, function(resp, err) end)
//
// wasm, sqlite: WebAssembly instances and SQLite databases, released at
// teardown.
//
// # Errors
//
// Operations that can fail return nil and an error string instead of
// raising, so scripts can branch on them. Misuse (wrong argument types)
// raises.
package modules
