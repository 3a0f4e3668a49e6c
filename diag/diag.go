// Package diag reports unrecoverable internal failures: it dumps the active
// Lua call stack and terminates the process without teardown.
package diag

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// ExitCode is the status of an aborted process, matching SIGABRT.
const ExitCode = 134

// maxFrames bounds a walk in case the stack is corrupt.
const maxFrames = 1024

// Kind classifies a stack frame.
type Kind string

const (
	KindNative Kind = "native"
	KindLua    Kind = "lua"
	KindMain   Kind = "main"
	KindTail   Kind = "tail"
)

// Frame is one entry of a backtrace.
type Frame struct {
	Index  int
	Source string
	Line   int
	Name   string
	Kind   Kind
}

func (f Frame) String() string {
	return fmt.Sprintf("%d: %s:%d -- %s [%s]", f.Index, f.Source, f.Line, f.Name, f.Kind)
}

// Walk collects the active frames innermost first, starting at level (0 is
// the running function). Indexes are 1-based in walk order.
func Walk(L *lua.LState, level int) []Frame {
	var frames []Frame
	for lvl := level; len(frames) < maxFrames; lvl++ {
		dbg, ok := L.GetStack(lvl)
		if !ok {
			break
		}
		if _, err := L.GetInfo("nSl", dbg, lua.LNil); err != nil {
			break
		}
		f := Frame{
			Index:  len(frames) + 1,
			Source: dbg.Source,
			Line:   dbg.CurrentLine,
			Name:   dbg.Name,
			Kind:   kindOf(dbg.What),
		}
		if f.Kind == KindNative {
			f.Source = "[native]"
			f.Line = -1
		}
		if f.Name == "" {
			f.Name = "unknown"
		}
		frames = append(frames, f)
		if f.Kind == KindMain {
			break
		}
	}
	return frames
}

func kindOf(what string) Kind {
	switch what {
	case "G":
		return KindNative
	case "main":
		return KindMain
	case "tail":
		return KindTail
	default:
		return KindLua
	}
}

// Render formats a backtrace the way the reporter prints it.
func Render(reason string, frames []Frame) string {
	var b strings.Builder
	if reason != "" {
		fmt.Fprintf(&b, "[main] %s\n", reason)
	}
	b.WriteString("[main] abort execution. Lua backtrace:\n")
	for _, f := range frames {
		b.WriteString(f.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// Reporter dumps the stack and aborts.
type Reporter struct {
	Logger *slog.Logger
	Out    io.Writer
	Exit   func(code int)
}

// NewReporter writes to stderr and exits the process.
func NewReporter(logger *slog.Logger) *Reporter {
	return &Reporter{
		Logger: logger,
		Out:    os.Stderr,
		Exit:   os.Exit,
	}
}

// Report walks the stack from the caller of the running native function and
// prints it. It returns the frames it printed.
func (r *Reporter) Report(L *lua.LState, reason string) []Frame {
	frames := Walk(L, 1)
	if r.Logger != nil {
		r.Logger.Error("abort execution", "component", "main", "reason", reason, "frames", len(frames))
	}
	out := r.Out
	if out == nil {
		out = os.Stderr
	}
	io.WriteString(out, Render(reason, frames))
	return frames
}

// ReportAndAbort reports and terminates with ExitCode. Nothing is torn
// down. It only returns when Exit does, which tests rely on.
func (r *Reporter) ReportAndAbort(L *lua.LState, reason string) {
	r.Report(L, reason)
	exit := r.Exit
	if exit == nil {
		exit = os.Exit
	}
	exit(ExitCode)
}
