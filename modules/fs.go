package modules

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/caffeineduck/lode/engine"
	"github.com/caffeineduck/lode/internal/config"
	lua "github.com/yuin/gopher-lua"
)

// MountMode defines the permission level for a mount point.
type MountMode int

const (
	// MountReadOnly allows only read operations.
	MountReadOnly MountMode = iota
	// MountReadWrite allows read and write operations to existing files/dirs.
	MountReadWrite
	// MountReadWriteCreate allows read, write, and create operations.
	MountReadWriteCreate
)

func (m MountMode) String() string {
	switch m {
	case MountReadWrite:
		return "rw"
	case MountReadWriteCreate:
		return "rwc"
	default:
		return "ro"
	}
}

// Mount maps a virtual path scripts see to a host directory.
type Mount struct {
	VirtualPath string
	HostPath    string
	Mode        MountMode
}

// ParseMount parses virtual:host:mode with mode one of ro, rw, rwc.
func ParseMount(spec string) (Mount, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 {
		return Mount{}, fmt.Errorf("invalid mount spec %q (expected virtual:host:mode)", spec)
	}

	var mode MountMode
	switch parts[2] {
	case "ro":
		mode = MountReadOnly
	case "rw":
		mode = MountReadWrite
	case "rwc":
		mode = MountReadWriteCreate
	default:
		return Mount{}, fmt.Errorf("invalid mount mode %q (expected ro, rw, or rwc)", parts[2])
	}
	if parts[0] == "" || parts[1] == "" {
		return Mount{}, fmt.Errorf("invalid mount spec %q (empty path)", spec)
	}
	return Mount{VirtualPath: parts[0], HostPath: parts[1], Mode: mode}, nil
}

// Entry is one item of a directory listing.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// Info describes a file or directory.
type Info struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	IsDir   bool   `json:"is_dir"`
	ModTime int64  `json:"mod_time"`
}

// FS provides file access restricted to explicit mounts.
type FS struct {
	mounts       []Mount
	maxFileSize  int64
	maxWriteSize int64
}

// NewFS normalizes the mounts; mounts whose host path cannot be made
// absolute are dropped.
func NewFS(cfg config.FS, mounts ...Mount) *FS {
	normalized := make([]Mount, 0, len(mounts))
	for _, m := range mounts {
		vp := "/" + strings.Trim(m.VirtualPath, "/")
		hp, err := filepath.Abs(m.HostPath)
		if err != nil {
			continue
		}
		normalized = append(normalized, Mount{VirtualPath: vp, HostPath: hp, Mode: m.Mode})
	}
	return &FS{
		mounts:       normalized,
		maxFileSize:  cfg.MaxFileSize,
		maxWriteSize: cfg.MaxWriteSize,
	}
}

func (f *FS) Mounts() []Mount { return append([]Mount(nil), f.mounts...) }

// rel returns vp relative to the mount, without a leading slash.
func (m *Mount) rel(vp string) (string, bool) {
	if vp == m.VirtualPath {
		return "", true
	}
	prefix := m.VirtualPath
	if prefix != "/" {
		prefix += "/"
	}
	if !strings.HasPrefix(vp, prefix) {
		return "", false
	}
	return strings.TrimPrefix(vp, prefix), true
}

// resolve maps a virtual path to a host path and its mount.
func (f *FS) resolve(virtualPath string, needWrite bool) (string, *Mount, error) {
	vp := filepath.Clean("/" + strings.TrimPrefix(virtualPath, "/"))

	for i := range f.mounts {
		m := &f.mounts[i]
		rel, ok := m.rel(vp)
		if !ok {
			continue
		}
		if needWrite && m.Mode == MountReadOnly {
			return "", nil, errors.New("permission denied: read-only mount")
		}

		hostPath, err := filepath.Abs(filepath.Join(m.HostPath, rel))
		if err != nil {
			return "", nil, errors.New("invalid path")
		}
		if hostPath != m.HostPath && !strings.HasPrefix(hostPath, m.HostPath+string(filepath.Separator)) {
			return "", nil, errors.New("permission denied: path escape attempt")
		}
		return hostPath, m, nil
	}
	return "", nil, errors.New("permission denied: path not in any mount")
}

func (f *FS) Read(path string) (string, error) {
	data, err := f.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadFile is Read for callers that want bytes.
func (f *FS) ReadFile(path string) ([]byte, error) {
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		return nil, notFound("file", path, err)
	}
	if f.maxFileSize > 0 && info.Size() > f.maxFileSize {
		return nil, fmt.Errorf("file exceeds max size: %s", path)
	}

	data, err := os.ReadFile(hostPath)
	if err != nil {
		return nil, notFound("file", path, err)
	}
	return data, nil
}

// Database resolves the host path of a database file a script may open
// for writing. A missing file needs an rwc mount since opening creates it.
func (f *FS) Database(path string) (string, error) {
	if strings.ContainsRune(path, '?') {
		return "", fmt.Errorf("invalid database path: %s", path)
	}
	hostPath, m, err := f.resolve(path, true)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(hostPath)
	switch {
	case os.IsNotExist(err):
		if m.Mode != MountReadWriteCreate {
			return "", errors.New("permission denied: cannot create new files")
		}
	case err != nil:
		return "", err
	case info.IsDir():
		return "", fmt.Errorf("not a file: %s", path)
	}
	return hostPath, nil
}

func (f *FS) Write(path, content string) error {
	if f.maxWriteSize > 0 && int64(len(content)) > f.maxWriteSize {
		return errors.New("content exceeds max write size")
	}
	hostPath, m, err := f.resolve(path, true)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(hostPath); os.IsNotExist(statErr) && m.Mode != MountReadWriteCreate {
		return errors.New("permission denied: cannot create new files")
	}
	if err := os.WriteFile(hostPath, []byte(content), 0o644); err != nil {
		return errors.New("write error: " + err.Error())
	}
	return nil
}

func (f *FS) List(path string) ([]Entry, error) {
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(hostPath)
	if err != nil {
		return nil, notFound("directory", path, err)
	}

	result := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		e := Entry{Name: entry.Name(), IsDir: entry.IsDir()}
		if info, err := entry.Info(); err == nil {
			e.Size = info.Size()
		}
		result = append(result, e)
	}
	return result, nil
}

// Glob returns the virtual paths matching pattern, sorted. The pattern
// must lie inside one mount and may use ** to cross directories.
func (f *FS) Glob(pattern string) ([]string, error) {
	vp := path.Clean("/" + strings.TrimPrefix(pattern, "/"))
	if !doublestar.ValidatePattern(vp) {
		return nil, fmt.Errorf("invalid pattern: %s", pattern)
	}

	for i := range f.mounts {
		m := &f.mounts[i]
		rel, ok := m.rel(vp)
		if !ok || rel == "" {
			continue
		}
		matches, err := doublestar.Glob(os.DirFS(m.HostPath), rel)
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}
		out := make([]string, 0, len(matches))
		for _, match := range matches {
			out = append(out, path.Join(m.VirtualPath, match))
		}
		sort.Strings(out)
		return out, nil
	}
	return nil, errors.New("permission denied: path not in any mount")
}

// Exists reports false for paths outside every mount.
func (f *FS) Exists(path string) bool {
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return false
	}
	_, err = os.Stat(hostPath)
	return err == nil
}

func (f *FS) Mkdir(path string) error {
	hostPath, m, err := f.resolve(path, true)
	if err != nil {
		return err
	}
	if m.Mode != MountReadWriteCreate {
		return errors.New("permission denied: cannot create directories")
	}
	if err := os.MkdirAll(hostPath, 0o755); err != nil {
		return errors.New("mkdir error: " + err.Error())
	}
	return nil
}

// Remove deletes a file or empty directory. Mount roots cannot be removed.
func (f *FS) Remove(path string) error {
	hostPath, m, err := f.resolve(path, true)
	if err != nil {
		return err
	}
	if hostPath == m.HostPath {
		return errors.New("permission denied: cannot remove mount root")
	}
	if err := os.Remove(hostPath); err != nil {
		if errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST) {
			return errors.New("directory not empty: " + path)
		}
		return notFound("file", path, err)
	}
	return nil
}

func (f *FS) Stat(path string) (Info, error) {
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return Info{}, err
	}
	info, err := os.Stat(hostPath)
	if err != nil {
		return Info{}, notFound("file", path, err)
	}
	return Info{
		Name:    info.Name(),
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime().Unix(),
	}, nil
}

func notFound(kind, path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s not found: %s", kind, path)
	}
	return err
}

// FSModule binds an FS to the fs global.
type FSModule struct {
	fs *FS
}

// NewFSModule parses the configured mounts.
func NewFSModule(cfg config.FS) (*FSModule, error) {
	mounts := make([]Mount, 0, len(cfg.Mounts))
	for _, spec := range cfg.Mounts {
		m, err := ParseMount(spec)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, m)
	}
	return &FSModule{fs: NewFS(cfg, mounts...)}, nil
}

// FS is the sandbox the module enforces, shared with modules that open
// files on a script's behalf.
func (m *FSModule) FS() *FS { return m.fs }

func (m *FSModule) Name() string { return "fs" }

func (m *FSModule) Install(env *engine.Env) error {
	f := m.fs
	env.SetGlobalTable("fs", map[string]lua.LGFunction{
		"read": func(L *lua.LState) int {
			content, err := f.Read(L.CheckString(1))
			if err != nil {
				return fail(L, err)
			}
			L.Push(lua.LString(content))
			return 1
		},
		"write": func(L *lua.LState) int {
			if err := f.Write(L.CheckString(1), L.CheckString(2)); err != nil {
				return fail(L, err)
			}
			return ok(L)
		},
		"list": func(L *lua.LState) int {
			entries, err := f.List(L.CheckString(1))
			if err != nil {
				return fail(L, err)
			}
			tbl := L.CreateTable(len(entries), 0)
			for i, e := range entries {
				item := L.CreateTable(0, 3)
				item.RawSetString("name", lua.LString(e.Name))
				item.RawSetString("is_dir", lua.LBool(e.IsDir))
				item.RawSetString("size", lua.LNumber(e.Size))
				tbl.RawSetInt(i+1, item)
			}
			L.Push(tbl)
			return 1
		},
		"glob": func(L *lua.LState) int {
			matches, err := f.Glob(L.CheckString(1))
			if err != nil {
				return fail(L, err)
			}
			L.Push(engine.ToLua(L, matches))
			return 1
		},
		"exists": func(L *lua.LState) int {
			L.Push(lua.LBool(f.Exists(L.CheckString(1))))
			return 1
		},
		"mkdir": func(L *lua.LState) int {
			if err := f.Mkdir(L.CheckString(1)); err != nil {
				return fail(L, err)
			}
			return ok(L)
		},
		"remove": func(L *lua.LState) int {
			if err := f.Remove(L.CheckString(1)); err != nil {
				return fail(L, err)
			}
			return ok(L)
		},
		"stat": func(L *lua.LState) int {
			info, err := f.Stat(L.CheckString(1))
			if err != nil {
				return fail(L, err)
			}
			tbl := L.CreateTable(0, 4)
			tbl.RawSetString("name", lua.LString(info.Name))
			tbl.RawSetString("size", lua.LNumber(info.Size))
			tbl.RawSetString("is_dir", lua.LBool(info.IsDir))
			tbl.RawSetString("mod_time", lua.LNumber(info.ModTime))
			L.Push(tbl)
			return 1
		},
	})
	return nil
}
