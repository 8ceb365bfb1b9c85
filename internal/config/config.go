// Package config loads the agent configuration from a YAML or TOML file.
package config

import (
	"bytes"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"github.com/mrproliu/go-agent-weaver/frameworks/core/registry"
	"github.com/mrproliu/go-agent-weaver/frameworks/core/scope"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	// EnvFile names the configuration file when no path is given, for
	// processes started by the go tool that cannot take flags.
	EnvFile         = "GO_AGENT_CONFIG"
	EnvRegistrySize = "GO_AGENT_INTERCEPTOR_REGISTRY_SIZE"
	EnvLogVerbosity = "GO_AGENT_LOG_VERBOSITY"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Agent    Agent    `yaml:"agent" toml:"agent"`
	Registry Registry `yaml:"registry" toml:"registry"`
	Log      Log      `yaml:"log" toml:"log"`
	// Rules select the methods the load time transformer weaves.
	Rules []Rule `yaml:"rules" toml:"rules"`
	// Points select the Go functions the source weaver rewrites.
	Points []Point `yaml:"points" toml:"points"`
}

type Agent struct {
	Name string `yaml:"name" toml:"name"`
	// ID is generated when empty.
	ID string `yaml:"id" toml:"id"`
}

type Registry struct {
	Size int `yaml:"size" toml:"size"`
}

type Log struct {
	Verbosity int `yaml:"verbosity" toml:"verbosity"`
}

// Rule matches methods by class, name and descriptor globs.
type Rule struct {
	Class       string `yaml:"class" toml:"class"`
	Method      string `yaml:"method" toml:"method"`
	Descriptor  string `yaml:"descriptor" toml:"descriptor"`
	Interceptor string `yaml:"interceptor" toml:"interceptor"`
	Scope       string `yaml:"scope" toml:"scope"`
	Policy      string `yaml:"policy" toml:"policy"`
}

type Point struct {
	Package     string `yaml:"package" toml:"package"`
	File        string `yaml:"file" toml:"file"`
	Receiver    string `yaml:"receiver" toml:"receiver"`
	Func        string `yaml:"func" toml:"func"`
	Interceptor string `yaml:"interceptor" toml:"interceptor"`
	Scope       string `yaml:"scope" toml:"scope"`
	Policy      string `yaml:"policy" toml:"policy"`
}

func Default() *Config {
	return &Config{
		Agent:    Agent{Name: "go-agent"},
		Registry: Registry{Size: registry.DefaultSize},
	}
}

// Load reads path, picking the format by extension, then applies the
// environment overrides and validates the result. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := Unmarshal(filepath.Ext(path), data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Unmarshal decodes data in the format named by ext (".yaml", ".yml" or
// ".toml") on top of cfg.
func Unmarshal(ext string, data []byte, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return errors.Errorf("unknown keys %v", undecoded)
		}
		return nil
	}
	return errors.Errorf("unsupported config format %q", ext)
}

// ApplyEnv overrides settings from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvRegistrySize); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(ErrInvalid, "%s=%q", EnvRegistrySize, v)
		}
		c.Registry.Size = n
	}
	if v, ok := lookup(EnvLogVerbosity); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(ErrInvalid, "%s=%q", EnvLogVerbosity, v)
		}
		c.Log.Verbosity = n
	}
	return nil
}

func (c *Config) Validate() error {
	var result *multierror.Error
	if c.Registry.Size <= 0 {
		result = multierror.Append(result, errors.Wrapf(ErrInvalid, "registry size must be positive, got %d", c.Registry.Size))
	}
	if c.Log.Verbosity < 0 {
		result = multierror.Append(result, errors.Wrapf(ErrInvalid, "log verbosity must not be negative, got %d", c.Log.Verbosity))
	}
	for i, r := range c.Rules {
		if r.Class == "" || r.Interceptor == "" {
			result = multierror.Append(result, errors.Wrapf(ErrInvalid, "rule %d: class and interceptor are required", i))
		}
		if err := checkGlobs(r.Class, r.Method, r.Descriptor); err != nil {
			result = multierror.Append(result, errors.Wrapf(ErrInvalid, "rule %d: %v", i, err))
		}
		if _, err := scope.ParsePolicy(r.Policy); err != nil {
			result = multierror.Append(result, errors.Wrapf(ErrInvalid, "rule %d: %v", i, err))
		}
	}
	for i, p := range c.Points {
		if p.Package == "" || p.Func == "" || p.Interceptor == "" {
			result = multierror.Append(result, errors.Wrapf(ErrInvalid, "point %d: package, func and interceptor are required", i))
		}
		if _, err := scope.ParsePolicy(p.Policy); err != nil {
			result = multierror.Append(result, errors.Wrapf(ErrInvalid, "point %d: %v", i, err))
		}
	}
	return result.ErrorOrNil()
}

func checkGlobs(patterns ...string) error {
	for _, p := range patterns {
		if _, err := path.Match(p, ""); err != nil {
			return errors.Wrapf(err, "pattern %q", p)
		}
	}
	return nil
}
