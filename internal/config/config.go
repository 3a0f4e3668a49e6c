// Package config loads, validates and describes the host configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable consulted when no --config is given.
const EnvVar = "LODE_CONFIG"

// validate is shared; building a validator is expensive.
var validate = newValidator()

// Config is the full host configuration.
type Config struct {
	Log     Log     `yaml:"log" json:"log"`
	Loop    Loop    `yaml:"loop" json:"loop"`
	Engine  Engine  `yaml:"engine" json:"engine"`
	Modules Modules `yaml:"modules" json:"modules"`
}

type Log struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,default=info"`
	Format string `yaml:"format" json:"format" validate:"oneof=text json" jsonschema:"enum=text,enum=json,default=text"`
}

type Loop struct {
	// MaxWait bounds how long one loop iteration may block, which in turn
	// bounds termination latency after a signal.
	MaxWait time.Duration `yaml:"max_wait" json:"max_wait" validate:"min=1ms,max=10s" jsonschema:"description=Upper bound on blocking per loop iteration (nanoseconds in JSON; duration string in YAML)"`
	// ExitWhenIdle stops the loop once no timers, tasks or pending sources remain.
	ExitWhenIdle bool `yaml:"exit_when_idle" json:"exit_when_idle"`
}

type Engine struct {
	CallStackSize       int  `yaml:"call_stack_size" json:"call_stack_size" validate:"gte=0,lte=1000000"`
	RegistrySize        int  `yaml:"registry_size" json:"registry_size" validate:"gte=0,lte=100000000"`
	IncludeGoStackTrace bool `yaml:"include_go_stack_trace" json:"include_go_stack_trace"`
}

type Modules struct {
	Disabled []string `yaml:"disabled,omitempty" json:"disabled,omitempty" validate:"dive,oneof=process log timer json kv fs http wasm sqlite"`
	KV       KV       `yaml:"kv" json:"kv"`
	FS       FS       `yaml:"fs" json:"fs"`
	HTTP     HTTP     `yaml:"http" json:"http"`
	SQLite   SQLite   `yaml:"sqlite" json:"sqlite"`
	Wasm     Wasm     `yaml:"wasm" json:"wasm"`
}

type KV struct {
	MaxEntries   int `yaml:"max_entries" json:"max_entries" validate:"gte=0"`
	MaxKeySize   int `yaml:"max_key_size" json:"max_key_size" validate:"gte=0"`
	MaxValueSize int `yaml:"max_value_size" json:"max_value_size" validate:"gte=0"`
}

type FS struct {
	// Mounts use the virtual:host:mode form, mode being ro, rw or rwc.
	Mounts       []string `yaml:"mounts,omitempty" json:"mounts,omitempty" validate:"dive,mountspec"`
	MaxFileSize  int64    `yaml:"max_file_size" json:"max_file_size" validate:"gte=0"`
	MaxWriteSize int64    `yaml:"max_write_size" json:"max_write_size" validate:"gte=0"`
}

type HTTP struct {
	AllowedHosts []string      `yaml:"allowed_hosts,omitempty" json:"allowed_hosts,omitempty" validate:"dive,hostname|ip"`
	MaxURLLength int           `yaml:"max_url_length" json:"max_url_length" validate:"gte=0"`
	MaxBodySize  int64         `yaml:"max_body_size" json:"max_body_size" validate:"gte=0"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
}

type SQLite struct {
	MaxOpen int `yaml:"max_open" json:"max_open" validate:"gte=1,lte=64"`
}

type Wasm struct {
	// MemoryLimitPages caps guest memory in 64KiB pages; 0 keeps the runtime default.
	MemoryLimitPages uint32 `yaml:"memory_limit_pages" json:"memory_limit_pages" validate:"lte=65536"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Log: Log{Level: "info", Format: "text"},
		Loop: Loop{
			MaxWait: 100 * time.Millisecond,
		},
		Modules: Modules{
			KV: KV{
				MaxEntries:   10000,
				MaxKeySize:   256,
				MaxValueSize: 1 << 20,
			},
			FS: FS{
				MaxFileSize:  10 << 20,
				MaxWriteSize: 10 << 20,
			},
			HTTP: HTTP{
				MaxURLLength: 8192,
				MaxBodySize:  1 << 20,
				Timeout:      30 * time.Second,
			},
			SQLite: SQLite{MaxOpen: 8},
		},
	}
}

// Load reads path (or $LODE_CONFIG when path is empty) on top of Default.
// With neither set it returns the validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field constraint.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Disabled reports whether the named module is switched off.
func (c Config) Disabled(module string) bool {
	for _, name := range c.Modules.Disabled {
		if name == module {
			return true
		}
	}
	return false
}

// YAML renders the effective configuration.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// newValidator panics if a custom tag fails to register; that only happens
// for a malformed tag name.
func newValidator() *validator.Validate {
	v := validator.New()
	err := v.RegisterValidation("mountspec", func(fl validator.FieldLevel) bool {
		parts := strings.Split(fl.Field().String(), ":")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			return false
		}
		switch parts[2] {
		case "ro", "rw", "rwc":
			return true
		}
		return false
	})
	if err != nil {
		panic(fmt.Sprintf("register mountspec validation: %v", err))
	}
	return v
}
