package host

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	lua "github.com/yuin/gopher-lua"
)

// StdinArg selects standard input as the program source.
const StdinArg = "-"

// InlineChunk is the chunk name of program text given on the command line.
const InlineChunk = "inscript"

// Source is a program the supervisor can load into the engine.
type Source interface {
	Name() string
	Load(L *lua.LState) (*lua.LFunction, error)
}

// SourceError reports an initial script that cannot be read.
type SourceError struct {
	Path string
	Err  error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("initial script isn't found [%v]", e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Select maps a command line argument to a source: StdinArg reads stdin,
// anything else is a file that must be readable now.
func Select(arg string, stdin io.Reader) (Source, error) {
	if arg == StdinArg {
		return Reader("<stdin>", stdin), nil
	}
	return File(arg)
}

type fileSource struct {
	path string
	data []byte
}

// File reads path eagerly so an unreadable script fails before the engine
// exists.
func File(path string) (Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		var perr *fs.PathError
		if errors.As(err, &perr) {
			err = perr.Err
		}
		return nil, &SourceError{Path: path, Err: err}
	}
	return &fileSource{path: path, data: data}, nil
}

func (f *fileSource) Name() string { return f.path }

func (f *fileSource) Load(L *lua.LState) (*lua.LFunction, error) {
	return L.Load(bytes.NewReader(stripShebang(f.data)), f.path)
}

type readerSource struct {
	name string
	r    io.Reader
}

// Reader reads the program from r when it is loaded.
func Reader(name string, r io.Reader) Source {
	return &readerSource{name: name, r: r}
}

func (s *readerSource) Name() string { return s.name }

func (s *readerSource) Load(L *lua.LState) (*lua.LFunction, error) {
	data, err := io.ReadAll(s.r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.name, err)
	}
	return L.Load(bytes.NewReader(stripShebang(data)), s.name)
}

type textSource struct {
	code string
}

// Text is program text held in memory, loaded under the inline chunk name.
func Text(code string) Source {
	return textSource{code: code}
}

func (textSource) Name() string { return InlineChunk }

func (t textSource) Load(L *lua.LState) (*lua.LFunction, error) {
	return L.Load(bytes.NewReader([]byte(t.code)), InlineChunk)
}

// stripShebang blanks a leading #! line, keeping its newline so line
// numbers stay right.
func stripShebang(data []byte) []byte {
	if !bytes.HasPrefix(data, []byte("#")) {
		return data
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return data[i:]
	}
	return nil
}
