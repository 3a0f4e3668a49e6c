package host

import (
	"log/slog"

	"github.com/caffeineduck/lode/diag"
	"github.com/caffeineduck/lode/engine"
	"github.com/caffeineduck/lode/internal/config"
)

// Option configures a Supervisor.
type Option func(*supervisorConfig)

type supervisorConfig struct {
	config   config.Config
	logger   *slog.Logger
	modules  []engine.Module
	reporter *diag.Reporter
	signals  bool
}

func defaultSupervisorConfig() supervisorConfig {
	return supervisorConfig{
		config:  config.Default(),
		logger:  slog.Default(),
		signals: true,
	}
}

func WithConfig(cfg config.Config) Option {
	return func(c *supervisorConfig) {
		c.config = cfg
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *supervisorConfig) {
		c.logger = l
	}
}

// WithModules sets the native modules installed at bootstrap, in order.
func WithModules(modules ...engine.Module) Option {
	return func(c *supervisorConfig) {
		c.modules = append(c.modules, modules...)
	}
}

// WithReporter replaces the fatal reporter.
func WithReporter(r *diag.Reporter) Option {
	return func(c *supervisorConfig) {
		c.reporter = r
	}
}

// WithoutSignals skips OS signal subscription. Termination then only
// comes from Stop or the escape.
func WithoutSignals() Option {
	return func(c *supervisorConfig) {
		c.signals = false
	}
}
