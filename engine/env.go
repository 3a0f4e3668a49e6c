package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/caffeineduck/lode/internal/config"
	"github.com/caffeineduck/lode/internal/version"
	"github.com/caffeineduck/lode/loop"
	lua "github.com/yuin/gopher-lua"
)

var ErrClosed = errors.New("engine closed")

// Controller is the supervisor side of the process module: the escape
// continuation, fatal abort and cooperative stop.
type Controller interface {
	// Exit unwinds to the teardown point. It does not return when the
	// escape is taken.
	Exit()
	// Abort reports the call stack and terminates without teardown.
	Abort(reason string)
	// Stop clears the liveness flag.
	Stop()
	Alive() bool
}

// Env is the single engine instance. L, Loop and Logger are handed to
// modules as non-owning handles; only the owner calls Close.
type Env struct {
	L      *lua.LState
	Loop   *loop.Loop
	Logger *slog.Logger
	Config config.Config

	argv      []string
	installed []string
	ctrl      Controller

	ctx      context.Context
	cancel   context.CancelFunc
	escaping atomic.Bool

	mu      sync.Mutex
	closers []closer
	closed  bool
}

type closer struct {
	name string
	fn   func() error
}

type envConfig struct {
	config     config.Config
	logger     *slog.Logger
	loop       *loop.Loop
	modules    []Module
	argv       []string
	controller Controller
	searchPath string
}

// Option configures New.
type Option func(*envConfig)

func WithConfig(cfg config.Config) Option {
	return func(c *envConfig) {
		c.config = cfg
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *envConfig) {
		c.logger = l
	}
}

// WithLoop shares an existing run loop. Without it New creates one.
func WithLoop(l *loop.Loop) Option {
	return func(c *envConfig) {
		c.loop = l
	}
}

// WithModules appends modules in install order.
func WithModules(modules ...Module) Option {
	return func(c *envConfig) {
		c.modules = append(c.modules, modules...)
	}
}

// WithRegistry appends every module of r in registration order.
func WithRegistry(r *Registry) Option {
	return func(c *envConfig) {
		c.modules = append(c.modules, r.List()...)
	}
}

func WithArgv(args []string) Option {
	return func(c *envConfig) {
		c.argv = append([]string(nil), args...)
	}
}

func WithController(ctrl Controller) Option {
	return func(c *envConfig) {
		c.controller = ctrl
	}
}

// WithSearchPath overrides package.path.
func WithSearchPath(path string) Option {
	return func(c *envConfig) {
		c.searchPath = path
	}
}

func defaultEnvConfig() envConfig {
	return envConfig{
		config:     config.Default(),
		logger:     slog.Default(),
		searchPath: version.SearchPath(),
	}
}

// New creates the engine, opens the standard library, installs the modules
// in order, publishes argv and rewrites the search path. An installer
// failure aborts creation; modules already installed are not rolled back
// beyond releasing what they registered with OnClose.
func New(opts ...Option) (*Env, error) {
	cfg := defaultEnvConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.loop == nil {
		cfg.loop = loop.New(loop.WithLogger(cfg.logger))
	}

	ec := cfg.config.Engine
	L := lua.NewState(lua.Options{
		CallStackSize:       ec.CallStackSize,
		RegistrySize:        ec.RegistrySize,
		IncludeGoStackTrace: ec.IncludeGoStackTrace,
	})
	ctx, cancel := context.WithCancel(context.Background())
	L.SetContext(ctx)

	e := &Env{
		L:      L,
		Loop:   cfg.loop,
		Logger: cfg.logger,
		Config: cfg.config,
		argv:   cfg.argv,
		ctx:    ctx,
		cancel: cancel,
	}
	e.ctrl = cfg.controller
	if e.ctrl == nil {
		e.ctrl = detached{logger: cfg.logger}
	}

	for _, m := range cfg.modules {
		if err := e.install(m); err != nil {
			e.Close()
			return nil, fmt.Errorf("install module %s: %w", m.Name(), err)
		}
		e.installed = append(e.installed, m.Name())
	}

	L.SetGlobal(ArgvGlobal, newArgv(L, e.argv))

	if err := e.setSearchPath(cfg.searchPath); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Env) install(m Module) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during install: %v", r)
		}
	}()
	top := e.L.GetTop()
	err = m.Install(e)
	e.L.SetTop(top)
	return err
}

func (e *Env) setSearchPath(path string) error {
	pkg, ok := e.L.GetGlobal("package").(*lua.LTable)
	if !ok {
		return errors.New("package library not loaded")
	}
	pkg.RawSetString("path", lua.LString(path))
	pkg.RawSetString("cpath", lua.LString(""))
	return nil
}

// Context is cancelled when the escape is taken or the engine closes.
func (e *Env) Context() context.Context { return e.ctx }

func (e *Env) Controller() Controller { return e.ctrl }

// Argv returns a copy of the script arguments.
func (e *Env) Argv() []string { return append([]string(nil), e.argv...) }

// Installed returns module names in install order.
func (e *Env) Installed() []string { return append([]string(nil), e.installed...) }

// SetGlobalTable publishes funcs as a global table and returns it.
func (e *Env) SetGlobalTable(name string, funcs map[string]lua.LGFunction) *lua.LTable {
	tbl := e.L.SetFuncs(e.L.NewTable(), funcs)
	e.L.SetGlobal(name, tbl)
	return tbl
}

// OnClose registers fn to run at teardown. Closers run in reverse
// registration order before the Lua state is closed.
func (e *Env) OnClose(name string, fn func() error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closers = append(e.closers, closer{name: name, fn: fn})
}

// Close runs the closers and closes the Lua state. Idempotent; returns the
// first closer error.
func (e *Env) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	closers := e.closers
	e.closers = nil
	e.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		if err := c.fn(); err != nil {
			e.Logger.Warn("module close failed", "component", "module", "module", c.name, "error", err)
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}

	e.cancel()
	e.L.Close()

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (e *Env) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// escapeSignal is the panic value of the escape continuation.
type escapeSignal struct{}

func (escapeSignal) String() string { return "escape" }

// IsEscape reports whether a recovered value is the escape continuation.
func IsEscape(v any) bool {
	_, ok := v.(escapeSignal)
	return ok
}

// Escape takes the escape continuation from the calling goroutine, which
// must be the one running the engine. The first caller cancels the engine
// context; every caller panics. Lua code protected by pcall cannot resume
// past the next instruction once the context is cancelled.
//
// Escape is for the supervisor only: the panic is recovered solely by a
// supervisor that is running the program, and Escape itself checks no
// lifecycle state. Modules request an exit through Controller().Exit,
// which the supervisor guards and the detached controller ignores.
func (e *Env) Escape() {
	if e.escaping.CompareAndSwap(false, true) {
		e.cancel()
	}
	panic(escapeSignal{})
}

// Escaping reports whether the escape has been taken.
func (e *Env) Escaping() bool { return e.escaping.Load() }

// Call invokes fn in protected mode and returns up to nret results
// (lua.MultRet for all). An error seen while escaping resumes the unwind
// instead of being returned.
func (e *Env) Call(fn lua.LValue, nret int, args ...lua.LValue) ([]lua.LValue, error) {
	if e.Closed() {
		return nil, ErrClosed
	}
	top := e.L.GetTop()
	err := e.L.CallByParam(lua.P{Fn: fn, NRet: nret, Protect: true}, args...)
	if err != nil {
		if e.escaping.Load() {
			panic(escapeSignal{})
		}
		return nil, err
	}
	n := e.L.GetTop() - top
	rets := make([]lua.LValue, n)
	for i := 0; i < n; i++ {
		rets[i] = e.L.Get(top + 1 + i)
	}
	e.L.SetTop(top)
	return rets, nil
}

// detached is the controller used when no supervisor is attached.
type detached struct {
	logger *slog.Logger
}

func (d detached) Exit() {
	d.logger.Warn("exit requested without a supervisor; ignored", "component", "module")
}

func (d detached) Abort(reason string) {
	d.logger.Error("abort requested without a supervisor", "component", "module", "reason", reason)
}

func (detached) Stop()       {}
func (detached) Alive() bool { return true }
