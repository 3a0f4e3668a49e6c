// Package host drives one engine instance through its whole life:
// bootstrap, program execution, the run loop and teardown.
//
// # Lifecycle
//
//	UNINITIALIZED -> BOOTSTRAPPED -> RUNNING -> DRAINING -> TORN_DOWN
//
// [Supervisor.Run] arms the escape continuation before the program runs.
// From then on [Supervisor.Exit], called by host code or by a native module
// on the engine goroutine at any depth, unwinds straight to teardown.
// Signals and [Supervisor.Stop] end the loop cooperatively instead. Either
// way teardown runs exactly once.
package host

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caffeineduck/lode/diag"
	"github.com/caffeineduck/lode/engine"
	"github.com/caffeineduck/lode/internal/config"
	"github.com/caffeineduck/lode/loop"
	"github.com/caffeineduck/lode/signals"
)

var ErrInvalidState = errors.New("invalid supervisor state")

// State is a lifecycle state.
type State int32

const (
	Uninitialized State = iota
	Bootstrapped
	Running
	Draining
	TornDown
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Bootstrapped:
		return "BOOTSTRAPPED"
	case Running:
		return "RUNNING"
	case Draining:
		return "DRAINING"
	case TornDown:
		return "TORN_DOWN"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Result describes one Run.
type Result struct {
	// Error is the load or initial-execution failure, if any. It is
	// reported and ends the run, but it is not a host failure.
	Error error
	// Escaped is set when the run ended through the escape continuation.
	Escaped bool
	// Iterations counts loop iterations begun.
	Iterations int
	Duration   time.Duration
}

// Supervisor owns the engine, the run loop and the liveness flag.
type Supervisor struct {
	cfg      config.Config
	logger   *slog.Logger
	modules  []engine.Module
	reporter *diag.Reporter
	signals  bool

	state atomic.Int32
	alive atomic.Bool
	armed atomic.Bool

	env        *engine.Env
	loop       *loop.Loop
	translator *signals.Translator

	teardown sync.Once
}

// New creates an uninitialized supervisor.
func New(opts ...Option) *Supervisor {
	cfg := defaultSupervisorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Supervisor{
		cfg:      cfg.config,
		logger:   cfg.logger,
		modules:  cfg.modules,
		reporter: cfg.reporter,
		signals:  cfg.signals,
	}
	if s.reporter == nil {
		s.reporter = diag.NewReporter(cfg.logger)
	}
	return s
}

func (s *Supervisor) State() State { return State(s.state.Load()) }

// Env is the engine handle; nil before Bootstrap.
func (s *Supervisor) Env() *engine.Env { return s.env }

// Loop is the run loop; nil before Bootstrap.
func (s *Supervisor) Loop() *loop.Loop { return s.loop }

// Bootstrap subscribes to signals and creates the engine with argv. It
// may be called once.
func (s *Supervisor) Bootstrap(argv []string) error {
	if s.State() != Uninitialized {
		return fmt.Errorf("bootstrap in state %s: %w", s.State(), ErrInvalidState)
	}

	s.alive.Store(true)
	s.loop = loop.New(loop.WithLogger(s.logger.With("component", "loop")))

	if s.signals {
		s.translator = signals.New(&s.alive,
			signals.WithWake(s.loop.Wake),
			signals.WithLogger(s.logger),
		)
		if err := s.translator.Start(); err != nil {
			s.loop.Close()
			return fmt.Errorf("install signal handlers: %w", err)
		}
	}

	env, err := engine.New(
		engine.WithConfig(s.cfg),
		engine.WithLogger(s.logger),
		engine.WithLoop(s.loop),
		engine.WithModules(s.modules...),
		engine.WithArgv(argv),
		engine.WithController(s),
	)
	if err != nil {
		if s.translator != nil {
			s.translator.Stop()
		}
		s.loop.Close()
		return fmt.Errorf("create engine: %w", err)
	}
	s.env = env

	s.state.Store(int32(Bootstrapped))
	s.logger.Debug("bootstrapped", "modules", env.Installed(), "argv", len(argv))
	return nil
}

// Run executes src, drives the loop while the liveness flag holds, then
// tears down. It requires a bootstrapped supervisor and runs at most once.
func (s *Supervisor) Run(src Source) (Result, error) {
	if s.State() != Bootstrapped || s.armed.Load() {
		return Result{}, fmt.Errorf("run in state %s: %w", s.State(), ErrInvalidState)
	}

	start := time.Now()
	var res Result
	s.execute(src, &res)
	s.drain()
	res.Duration = time.Since(start)
	return res, nil
}

// execute establishes the escape point and runs the program and the loop
// under it.
func (s *Supervisor) execute(src Source, res *Result) {
	defer func() {
		if r := recover(); r != nil {
			if !engine.IsEscape(r) {
				panic(r)
			}
			res.Escaped = true
			s.logger.Debug("escape taken", "state", s.State(), "iterations", res.Iterations)
		}
	}()
	s.armed.Store(true)

	fn, err := src.Load(s.env.L)
	if err != nil {
		res.Error = err
		s.logger.Error("load program", "component", "main", "source", src.Name(), "error", err)
		return
	}
	if _, err := s.env.Call(fn, 0); err != nil {
		res.Error = err
		s.logger.Error("program failed", "component", "main", "source", src.Name(), "error", err)
		return
	}

	s.state.Store(int32(Running))
	maxWait := s.cfg.Loop.MaxWait
	for s.alive.Load() {
		if s.cfg.Loop.ExitWhenIdle && s.loop.Idle() {
			s.logger.Debug("loop idle, stopping", "component", "loop")
			break
		}
		res.Iterations++
		s.loop.Step(maxWait)
	}
}

// drain destroys the engine, then the loop, then the signal subscription.
func (s *Supervisor) drain() {
	s.teardown.Do(func() {
		s.state.Store(int32(Draining))
		s.armed.Store(false)

		if err := s.env.Close(); err != nil {
			s.logger.Warn("engine close", "error", err)
		}
		s.loop.Close()
		if s.translator != nil {
			s.translator.Stop()
		}

		s.state.Store(int32(TornDown))
		s.logger.Debug("torn down")
	})
}

// Close tears down a bootstrapped supervisor that never ran. After Run it
// is a no-op.
func (s *Supervisor) Close() error {
	switch s.State() {
	case Uninitialized:
		return nil
	case Running:
		return fmt.Errorf("close in state %s: %w", s.State(), ErrInvalidState)
	}
	s.drain()
	return nil
}

// Exit takes the escape continuation. It must be called on the goroutine
// running the engine; other goroutines post it to the loop. Before Run and
// once teardown has begun it only logs a warning.
func (s *Supervisor) Exit() {
	if st := s.State(); st >= Draining || !s.armed.Load() {
		s.logger.Warn("escape ignored", "state", st)
		return
	}
	s.env.Escape()
}

// Abort dumps the engine call stack and terminates the process without
// teardown.
func (s *Supervisor) Abort(reason string) {
	s.reporter.ReportAndAbort(s.env.L, reason)
}

// Stop clears the liveness flag; the loop ends before its next iteration.
// Safe from any goroutine.
func (s *Supervisor) Stop() {
	s.alive.Store(false)
	if s.loop != nil {
		s.loop.Wake()
	}
}

func (s *Supervisor) Alive() bool { return s.alive.Load() }
