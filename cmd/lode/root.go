package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/caffeineduck/lode/host"
	"github.com/caffeineduck/lode/internal/config"
	"github.com/caffeineduck/lode/internal/logging"
	"github.com/caffeineduck/lode/internal/version"
	"github.com/caffeineduck/lode/modules"
	"github.com/spf13/cobra"
)

// RootOptions holds flags shared by every command.
type RootOptions struct {
	ConfigPath   string
	LogLevel     string
	LogFormat    string
	AllowHosts   []string
	Mounts       []string
	Disable      []string
	ExitWhenIdle bool

	Execute string
}

// NewRootCommand creates the lode command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "lode [flags] script [argv...]",
		Short: "Supervised Lua host",
		Long: `lode runs one Lua program under a supervisor.

The program is loaded from a file, from stdin ("-") or from -e. Remaining
arguments are published to the program as the read-only argv table. After
the program returns, timers and asynchronous callbacks run on the host loop
until process.stop(), process.exit() or a termination signal.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(cmd, opts, args)
		},
	}
	// Everything after the script name belongs to the script.
	cmd.Flags().SetInterspersed(false)

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default $"+config.EnvVar+")")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format (text|json)")
	cmd.PersistentFlags().StringSliceVar(&opts.AllowHosts, "allow-host", nil, "allow HTTP to host (repeatable)")
	cmd.PersistentFlags().StringSliceVar(&opts.Mounts, "mount", nil, "mount filesystem virtual:host:mode (repeatable)")
	cmd.PersistentFlags().StringSliceVar(&opts.Disable, "disable", nil, "disable a native module (repeatable)")
	cmd.PersistentFlags().BoolVar(&opts.ExitWhenIdle, "exit-when-idle", false, "stop once no timers or pending work remain")
	cmd.Flags().StringVarP(&opts.Execute, "execute", "e", "", "run inline program text")

	cmd.AddCommand(NewReplCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", version.App, version.String())
	fmt.Fprintf(w, "Usage: %s script [argv]\n", version.App)
}

// loadConfig reads the config file and applies flag overrides on top.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Log.Format = o.LogFormat
	}
	if o.ExitWhenIdle {
		cfg.Loop.ExitWhenIdle = true
	}
	cfg.Modules.HTTP.AllowedHosts = append(cfg.Modules.HTTP.AllowedHosts, o.AllowHosts...)
	cfg.Modules.FS.Mounts = append(cfg.Modules.FS.Mounts, o.Mounts...)
	cfg.Modules.Disabled = append(cfg.Modules.Disabled, o.Disable...)

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// newSupervisor builds the logger and module set for cfg and returns an
// uninitialized supervisor.
func newSupervisor(cfg config.Config, stderr io.Writer, extra ...host.Option) (*host.Supervisor, *slog.Logger, error) {
	logger, err := logging.New(cfg.Log, stderr)
	if err != nil {
		return nil, nil, err
	}
	mods, err := modules.Default(cfg)
	if err != nil {
		return nil, nil, err
	}
	opts := []host.Option{
		host.WithConfig(cfg),
		host.WithLogger(logger),
		host.WithModules(mods...),
	}
	return host.New(append(opts, extra...)...), logger, nil
}

func runScript(cmd *cobra.Command, opts *RootOptions, args []string) error {
	var (
		src  host.Source
		argv []string
	)
	switch {
	case cmd.Flags().Changed("execute"):
		src, argv = host.Text(opts.Execute), args
	case len(args) == 0:
		usage(cmd.OutOrStdout())
		return &ExitError{Code: ExitFailure}
	default:
		s, err := host.Select(args[0], cmd.InOrStdin())
		if err != nil {
			return WrapExitError(ExitFailure, "", err)
		}
		src, argv = s, args[1:]
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return WrapExitError(ExitFailure, "load config", err)
	}
	sup, logger, err := newSupervisor(cfg, cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitFailure, "startup", err)
	}
	if err := sup.Bootstrap(argv); err != nil {
		return WrapExitError(ExitFailure, "bootstrap", err)
	}

	res, err := sup.Run(src)
	if err != nil {
		return WrapExitError(ExitFailure, "run", err)
	}
	logger.Debug("run finished",
		"escaped", res.Escaped,
		"iterations", res.Iterations,
		"duration", res.Duration,
		"program_error", res.Error != nil,
	)
	return nil
}
