package modules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/caffeineduck/lode/engine"
	"github.com/caffeineduck/lode/internal/config"
	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	lua "github.com/yuin/gopher-lua"
)

const wasmInstanceType = "wasm.instance"

var ErrInstanceClosed = errors.New("wasm instance closed")

// WasmRuntime owns one wazero runtime and the instances created in it.
type WasmRuntime struct {
	cfg     config.Wasm
	runtime wazero.Runtime
	closed  bool
}

// NewWasmRuntime creates the runtime with WASI preview1 available to guests.
func NewWasmRuntime(ctx context.Context, cfg config.Wasm) (*WasmRuntime, error) {
	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	return &WasmRuntime{cfg: cfg, runtime: rt}, nil
}

// Instance is one instantiated guest module.
type Instance struct {
	name     string
	compiled wazero.CompiledModule
	module   api.Module
	closed   bool
}

// Instantiate compiles bin and instantiates it under a unique name. A
// reactor's _initialize export runs; _start does not.
func (w *WasmRuntime) Instantiate(ctx context.Context, bin []byte) (*Instance, error) {
	if w.closed {
		return nil, errors.New("wasm runtime closed")
	}
	compiled, err := w.runtime.CompileModule(ctx, bin)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	name := uuid.NewString()
	cfg := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions("_initialize").
		WithStdout(os.Stdout).
		WithStderr(os.Stderr)
	mod, err := w.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		compiled.Close(ctx)
		return nil, fmt.Errorf("instantiate: %w", err)
	}
	return &Instance{name: name, compiled: compiled, module: mod}, nil
}

func (w *WasmRuntime) Close(ctx context.Context) error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.runtime.Close(ctx)
}

// Exports lists exported function names, sorted.
func (i *Instance) Exports() []string {
	defs := i.compiled.ExportedFunctions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call invokes an exported function. Arguments and results are converted
// according to the function's declared value types.
func (i *Instance) Call(ctx context.Context, name string, args ...float64) ([]float64, error) {
	if i.closed {
		return nil, ErrInstanceClosed
	}
	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("export not found: %s", name)
	}
	def := fn.Definition()
	params := def.ParamTypes()
	if len(args) != len(params) {
		return nil, fmt.Errorf("%s expects %d arguments, got %d", name, len(params), len(args))
	}

	stack := make([]uint64, len(params))
	for n, t := range params {
		v, err := encodeValue(t, args[n])
		if err != nil {
			return nil, fmt.Errorf("%s argument %d: %w", name, n+1, err)
		}
		stack[n] = v
	}

	raw, err := fn.Call(ctx, stack...)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}

	results := make([]float64, len(raw))
	for n, t := range def.ResultTypes() {
		results[n] = decodeValue(t, raw[n])
	}
	return results, nil
}

func (i *Instance) Close(ctx context.Context) error {
	if i.closed {
		return nil
	}
	i.closed = true
	err := i.module.Close(ctx)
	if cerr := i.compiled.Close(ctx); err == nil {
		err = cerr
	}
	return err
}

func encodeValue(t api.ValueType, v float64) (uint64, error) {
	switch t {
	case api.ValueTypeI32:
		return api.EncodeI32(int32(v)), nil
	case api.ValueTypeI64:
		return api.EncodeI64(int64(v)), nil
	case api.ValueTypeF32:
		return api.EncodeF32(float32(v)), nil
	case api.ValueTypeF64:
		return api.EncodeF64(v), nil
	default:
		return 0, fmt.Errorf("unsupported value type %s", api.ValueTypeName(t))
	}
}

func decodeValue(t api.ValueType, v uint64) float64 {
	switch t {
	case api.ValueTypeI32:
		return float64(api.DecodeI32(v))
	case api.ValueTypeI64:
		return float64(int64(v))
	case api.ValueTypeF32:
		return float64(api.DecodeF32(v))
	case api.ValueTypeF64:
		return api.DecodeF64(v)
	default:
		return float64(v)
	}
}

// WasmModule exposes WebAssembly instances to scripts.
type WasmModule struct {
	cfg config.Wasm
	fs  *FS
}

// NewWasmModule reads modules named by path through fs; a nil fs has no
// mounts, leaving wasm.instantiate as the only way in.
func NewWasmModule(cfg config.Wasm, fs *FS) *WasmModule {
	if fs == nil {
		fs = NewFS(config.FS{})
	}
	return &WasmModule{cfg: cfg, fs: fs}
}

func (m *WasmModule) Name() string { return "wasm" }

// Install defers runtime creation to the first load; teardown closes the
// runtime and with it every instance.
func (m *WasmModule) Install(env *engine.Env) error {
	var rt *WasmRuntime
	runtime := func() (*WasmRuntime, error) {
		if rt != nil {
			return rt, nil
		}
		r, err := NewWasmRuntime(env.Context(), m.cfg)
		if err != nil {
			return nil, err
		}
		rt = r
		return rt, nil
	}
	env.OnClose("wasm", func() error {
		if rt == nil {
			return nil
		}
		return rt.Close(context.Background())
	})

	load := func(L *lua.LState, bin []byte) int {
		r, err := runtime()
		if err != nil {
			return fail(L, err)
		}
		inst, err := r.Instantiate(env.Context(), bin)
		if err != nil {
			return fail(L, err)
		}
		ud := L.NewUserData()
		ud.Value = inst
		L.SetMetatable(ud, L.GetTypeMetatable(wasmInstanceType))
		L.Push(ud)
		return 1
	}

	mt := env.L.NewTypeMetatable(wasmInstanceType)
	env.L.SetField(mt, "__index", env.L.SetFuncs(env.L.NewTable(), map[string]lua.LGFunction{
		"call": func(L *lua.LState) int {
			inst := checkInstance(L)
			name := L.CheckString(2)
			args := make([]float64, 0, L.GetTop()-2)
			for n := 3; n <= L.GetTop(); n++ {
				args = append(args, float64(L.CheckNumber(n)))
			}
			results, err := inst.Call(env.Context(), name, args...)
			if err != nil {
				return fail(L, err)
			}
			for _, r := range results {
				L.Push(lua.LNumber(r))
			}
			return len(results)
		},
		"exports": func(L *lua.LState) int {
			L.Push(engine.ToLua(L, checkInstance(L).Exports()))
			return 1
		},
		"close": func(L *lua.LState) int {
			if err := checkInstance(L).Close(context.Background()); err != nil {
				return fail(L, err)
			}
			return ok(L)
		},
	}))

	env.SetGlobalTable("wasm", map[string]lua.LGFunction{
		// wasm.load(path) -> instance | nil, err
		"load": func(L *lua.LState) int {
			bin, err := m.fs.ReadFile(L.CheckString(1))
			if err != nil {
				return fail(L, err)
			}
			return load(L, bin)
		},
		// wasm.instantiate(bytes) -> instance | nil, err
		"instantiate": func(L *lua.LState) int {
			return load(L, []byte(L.CheckString(1)))
		},
	})
	return nil
}

func checkInstance(L *lua.LState) *Instance {
	ud := L.CheckUserData(1)
	if inst, ok := ud.Value.(*Instance); ok {
		return inst
	}
	L.ArgError(1, "wasm instance expected")
	return nil
}
