// Package signals translates OS signals into run loop intents.
//
// Go delivers signals on a channel rather than in an async handler, but the
// translator keeps to the same discipline: it flips the liveness flag, nudges
// the loop and logs. It never calls into the engine.
package signals

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
)

// Intent is what a signal asks of the host.
type Intent int

const (
	None Intent = iota
	// Terminate ends the run loop.
	Terminate
	// Reload is a hint only; it is logged and otherwise ignored.
	Reload
)

func (i Intent) String() string {
	switch i {
	case Terminate:
		return "terminate"
	case Reload:
		return "reload"
	default:
		return "none"
	}
}

var ErrStarted = errors.New("signal translator already started")

// Classify maps sig to its intent on this platform.
func Classify(sig os.Signal) Intent {
	for _, s := range reloadSignals {
		if s == sig {
			return Reload
		}
	}
	for _, s := range terminateSignals {
		if s == sig {
			return Terminate
		}
	}
	return None
}

// Watched returns every signal the translator subscribes to.
func Watched() []os.Signal {
	out := make([]os.Signal, 0, len(terminateSignals)+len(reloadSignals))
	out = append(out, terminateSignals...)
	return append(out, reloadSignals...)
}

// Translator owns the process signal subscription.
type Translator struct {
	alive  *atomic.Bool
	wake   func()
	logger *slog.Logger

	ch       chan os.Signal
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

// Option configures a Translator.
type Option func(*Translator)

// WithWake sets a non-blocking callback run after a terminate intent so a
// blocked loop iteration returns promptly.
func WithWake(fn func()) Option {
	return func(t *Translator) {
		t.wake = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Translator) {
		t.logger = l
	}
}

// New returns a translator writing to alive.
func New(alive *atomic.Bool, opts ...Option) *Translator {
	t := &Translator{
		alive:  alive,
		wake:   func() {},
		logger: slog.Default(),
		ch:     make(chan os.Signal, 4),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "signal")
	return t
}

// Start subscribes to the watched signals.
func (t *Translator) Start() error {
	if !t.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	signal.Notify(t.ch, Watched()...)
	go t.run()
	return nil
}

func (t *Translator) run() {
	for {
		select {
		case sig := <-t.ch:
			t.Handle(sig)
		case <-t.done:
			return
		}
	}
}

// Handle applies one signal and returns the intent it mapped to.
func (t *Translator) Handle(sig os.Signal) Intent {
	intent := Classify(sig)
	switch intent {
	case Reload:
		t.logger.Info("reload requested", "signal", sig)
	case Terminate:
		t.alive.Store(false)
		t.wake()
		t.logger.Info("received signal, stopping run loop", "signal", sig)
	}
	return intent
}

// Stop unsubscribes and restores default signal behaviour. Idempotent.
func (t *Translator) Stop() {
	t.stopOnce.Do(func() {
		if t.started.Load() {
			signal.Stop(t.ch)
		}
		close(t.done)
	})
}
