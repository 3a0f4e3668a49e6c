package modules

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/caffeineduck/lode/engine"
	"github.com/caffeineduck/lode/internal/config"
	lua "github.com/yuin/gopher-lua"
)

var (
	ErrKeyRequired   = errors.New("key required")
	ErrKeyTooLarge   = errors.New("key exceeds max size")
	ErrValueTooLarge = errors.New("value exceeds max size")
	ErrStoreFull     = errors.New("kv store full")
)

// KVStore is an in-memory key-value store holding JSON-encoded values.
// Zero limits are unlimited.
type KVStore struct {
	cfg  config.KV
	data map[string][]byte
	mu   sync.RWMutex
}

func NewKVStore(cfg config.KV) *KVStore {
	return &KVStore{cfg: cfg, data: make(map[string][]byte)}
}

func (s *KVStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	val, exists := s.data[key]
	s.mu.RUnlock()
	return val, exists
}

func (s *KVStore) Set(key string, value []byte) error {
	if key == "" {
		return ErrKeyRequired
	}
	if s.cfg.MaxKeySize > 0 && len(key) > s.cfg.MaxKeySize {
		return ErrKeyTooLarge
	}
	if s.cfg.MaxValueSize > 0 && len(value) > s.cfg.MaxValueSize {
		return ErrValueTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[key]; !exists && s.cfg.MaxEntries > 0 && len(s.data) >= s.cfg.MaxEntries {
		return ErrStoreFull
	}
	s.data[key] = value
	return nil
}

// Delete reports whether the key existed.
func (s *KVStore) Delete(key string) bool {
	s.mu.Lock()
	_, exists := s.data[key]
	delete(s.data, key)
	s.mu.Unlock()
	return exists
}

// Keys returns every key in sorted order.
func (s *KVStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *KVStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// KVModule binds a KVStore to the kv global.
type KVModule struct {
	store *KVStore
}

func NewKVModule(cfg config.KV) *KVModule {
	return &KVModule{store: NewKVStore(cfg)}
}

// Store exposes the backing store to host code.
func (m *KVModule) Store() *KVStore { return m.store }

func (m *KVModule) Name() string { return "kv" }

func (m *KVModule) Install(env *engine.Env) error {
	s := m.store
	env.SetGlobalTable("kv", map[string]lua.LGFunction{
		// kv.get(key [, default]) -> value
		"get": func(L *lua.LState) int {
			data, exists := s.Get(L.CheckString(1))
			if !exists {
				L.Push(L.Get(2))
				return 1
			}
			var v any
			if err := json.Unmarshal(data, &v); err != nil {
				return fail(L, fmt.Errorf("corrupt value: %w", err))
			}
			L.Push(engine.ToLua(L, v))
			return 1
		},
		// kv.set(key, value) -> true | nil, err; a nil value deletes
		"set": func(L *lua.LState) int {
			key := L.CheckString(1)
			if L.Get(2) == lua.LNil {
				s.Delete(key)
				return ok(L)
			}
			v, err := engine.ToGo(L.Get(2))
			if err != nil {
				return fail(L, err)
			}
			data, err := json.Marshal(v)
			if err != nil {
				return fail(L, err)
			}
			if err := s.Set(key, data); err != nil {
				return fail(L, err)
			}
			return ok(L)
		},
		"delete": func(L *lua.LState) int {
			L.Push(lua.LBool(s.Delete(L.CheckString(1))))
			return 1
		},
		"keys": func(L *lua.LState) int {
			L.Push(engine.ToLua(L, s.Keys()))
			return 1
		},
	})
	return nil
}
