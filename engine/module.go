package engine

import (
	"fmt"
	"sync"
)

// Module installs one native capability into an Env. Install runs before
// any user code and must not run any.
type Module interface {
	Name() string
	Install(env *Env) error
}

// ModuleFunc adapts a plain function to Module.
func ModuleFunc(name string, install func(env *Env) error) Module {
	return funcModule{name: name, install: install}
}

type funcModule struct {
	name    string
	install func(env *Env) error
}

func (m funcModule) Name() string           { return m.name }
func (m funcModule) Install(env *Env) error { return m.install(env) }

// Registry is an ordered set of modules. Registration order is install
// order; nothing is ever removed.
type Registry struct {
	mu      sync.RWMutex
	modules []Module
	names   map[string]struct{}
}

func NewRegistry(modules ...Module) *Registry {
	r := &Registry{names: make(map[string]struct{})}
	for _, m := range modules {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
	return r
}

// Register appends m. Names must be unique.
func (r *Registry) Register(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.names[m.Name()]; dup {
		return fmt.Errorf("module %q already registered", m.Name())
	}
	r.names[m.Name()] = struct{}{}
	r.modules = append(r.modules, m)
	return nil
}

func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.modules {
		if m.Name() == name {
			return m, true
		}
	}
	return nil, false
}

// List returns the modules in registration order.
func (r *Registry) List() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Module(nil), r.modules...)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.modules))
	for i, m := range r.modules {
		names[i] = m.Name()
	}
	return names
}
