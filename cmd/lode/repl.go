package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/caffeineduck/lode/engine"
	"github.com/caffeineduck/lode/host"
	"github.com/caffeineduck/lode/internal/version"
	"github.com/chzyer/readline"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	lua "github.com/yuin/gopher-lua"
)

const (
	prompt         = "> "
	continuePrompt = ">> "
)

// NewReplCommand creates the interactive session command.
func NewReplCommand(opts *RootOptions) *cobra.Command {
	var historyFile string

	cmd := &cobra.Command{
		Use:   "repl [argv...]",
		Short: "Interactive session on a supervised engine",
		Long: `Start an interactive session. Each entered chunk runs on the host loop,
so timers and asynchronous callbacks keep firing between prompts.

Features:
  - Command history (up/down arrows)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)

Type 'exit' or press Ctrl+D to end the session.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return WrapExitError(ExitFailure, "load config", err)
			}
			sup, _, err := newSupervisor(cfg, cmd.ErrOrStderr())
			if err != nil {
				return WrapExitError(ExitFailure, "startup", err)
			}
			if err := sup.Bootstrap(args); err != nil {
				return WrapExitError(ExitFailure, "bootstrap", err)
			}

			in := lineReader(newScannerInput(cmd.InOrStdin()))
			if f, ok := cmd.InOrStdin().(*os.File); ok && isatty.IsTerminal(f.Fd()) {
				if historyFile == "" {
					home, _ := os.UserHomeDir()
					historyFile = filepath.Join(home, ".lode_history")
				}
				rl, err := readline.NewEx(&readline.Config{
					Prompt:            prompt,
					HistoryFile:       historyFile,
					HistoryLimit:      1000,
					InterruptPrompt:   "^C",
					EOFPrompt:         "exit",
					HistorySearchFold: true,
					Stdout:            cmd.OutOrStdout(),
					Stderr:            cmd.ErrOrStderr(),
				})
				if err != nil {
					sup.Close()
					return WrapExitError(ExitFailure, "initialize readline", err)
				}
				defer rl.Close()
				in = rl
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "%s %s (type 'exit' to quit, Ctrl+D to exit)\n", version.App, version.String())
			if _, err := runREPL(sup, in, cmd.OutOrStdout(), cmd.ErrOrStderr()); err != nil {
				return WrapExitError(ExitFailure, "run", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&historyFile, "history", "", "history file path (default: ~/.lode_history)")
	return cmd
}

// lineReader is the input side of a session. *readline.Instance satisfies it.
type lineReader interface {
	Readline() (string, error)
	SetPrompt(string)
}

// scannerInput reads lines from a pipe or file, without editing or prompts.
type scannerInput struct {
	sc *bufio.Scanner
}

func newScannerInput(r io.Reader) *scannerInput {
	return &scannerInput{sc: bufio.NewScanner(r)}
}

func (s *scannerInput) Readline() (string, error) {
	if s.sc.Scan() {
		return s.sc.Text(), nil
	}
	if err := s.sc.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (*scannerInput) SetPrompt(string) {}

// runREPL runs an empty program on a bootstrapped supervisor while a reader
// goroutine posts each entered chunk to the loop. The session ends when the
// input ends or the loop stops for any other reason.
func runREPL(sup *host.Supervisor, in lineReader, out, errOut io.Writer) (host.Result, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &repl{
		env:    sup.Env(),
		in:     in,
		out:    out,
		errOut: errOut,
	}
	release := sup.Loop().Hold()
	go func() {
		defer sup.Stop()
		defer release()
		r.read(ctx, sup)
	}()

	return sup.Run(host.Text(""))
}

type repl struct {
	env    *engine.Env
	in     lineReader
	out    io.Writer
	errOut io.Writer
}

// read runs off the engine goroutine. Each chunk is evaluated on the loop
// and the next prompt waits for it.
func (r *repl) read(ctx context.Context, sup *host.Supervisor) {
	var multi strings.Builder
	for {
		line, err := r.in.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			multi.Reset()
			r.in.SetPrompt(prompt)
			continue
		}
		if err != nil {
			return
		}

		if strings.HasSuffix(line, "\\") {
			multi.WriteString(strings.TrimSuffix(line, "\\"))
			multi.WriteString("\n")
			r.in.SetPrompt(continuePrompt)
			continue
		}
		if multi.Len() > 0 {
			multi.WriteString(line)
			line = multi.String()
			multi.Reset()
			r.in.SetPrompt(prompt)
		}

		chunk := strings.TrimSpace(line)
		if chunk == "" {
			continue
		}
		if chunk == "exit" {
			return
		}

		done := make(chan struct{})
		if err := sup.Loop().Post(func() {
			defer close(done)
			r.eval(chunk)
		}); err != nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
}

// eval runs one chunk on the engine goroutine. Expressions print their
// values; errors print and the session goes on.
func (r *repl) eval(chunk string) {
	L := r.env.L
	fn, err := L.LoadString("return " + chunk)
	if err != nil {
		if fn, err = L.LoadString(chunk); err != nil {
			fmt.Fprintln(r.errOut, err)
			return
		}
	}

	rets, err := r.env.Call(fn, lua.MultRet)
	if err != nil {
		fmt.Fprintln(r.errOut, err)
		return
	}
	if len(rets) == 0 {
		return
	}
	parts := make([]string, len(rets))
	for i, v := range rets {
		parts[i] = L.ToStringMeta(v).String()
	}
	fmt.Fprintln(r.out, strings.Join(parts, "\t"))
}
