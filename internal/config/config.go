package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

const (
	DefaultBind          = "127.0.0.1:8080"
	DefaultWorkers       = 8
	DefaultQueueSize     = 16
	DefaultCacheSlots    = 8
	DefaultMaxObjectSize = 102400
	DefaultLogLevel      = "info"
	DefaultAdminAddr     = "127.0.0.1:9035"
	DefaultSSEAddr       = "127.0.0.1:9036"
)

// Config represents the top-level configuration file.
type Config struct {
	Proxy   *ProxyConfig   `hcl:"proxy,block" json:"proxy,omitempty"`
	Logging *LoggingConfig `hcl:"logging,block" json:"logging,omitempty"`
	Admin   *AdminConfig   `hcl:"admin,block" json:"admin,omitempty"`
	SSE     *SSEConfig     `hcl:"sse,block" json:"sse,omitempty"`
}

// ProxyConfig sizes the request pipeline.
type ProxyConfig struct {
	Bind           string `hcl:"bind,optional" json:"bind,omitempty"`
	Workers        int    `hcl:"workers,optional" json:"workers,omitempty"`
	QueueSize      int    `hcl:"queue_size,optional" json:"queue_size,omitempty"`
	CacheSlots     int    `hcl:"cache_slots,optional" json:"cache_slots,omitempty"`
	MaxObjectSize  int    `hcl:"max_object_size,optional" json:"max_object_size,omitempty"`
	UserAgent      string `hcl:"user_agent,optional" json:"user_agent,omitempty"`
	CoalesceMisses bool   `hcl:"coalesce_misses,optional" json:"coalesce_misses,omitempty"`
}

// LoggingConfig controls console verbosity and access event sinks.
type LoggingConfig struct {
	Level     string `hcl:"level,optional" json:"level,omitempty"`
	AccessLog string `hcl:"access_log,optional" json:"access_log,omitempty"`
	AccessDB  string `hcl:"access_db,optional" json:"access_db,omitempty"`
}

type AdminConfig struct {
	Enabled bool   `hcl:"enabled,optional"`
	Addr    string `hcl:"addr,optional"`
	Token   string `hcl:"token,optional" json:"token,omitempty"`
}

type SSEConfig struct {
	Enabled bool   `hcl:"enabled,optional"`
	Addr    string `hcl:"addr,optional"`
}

var validLevels = map[string]struct{}{"debug": {}, "info": {}, "warn": {}, "error": {}}

// envFunc exposes environment variables to HCL as env("NAME").
var envFunc = function.New(&function.Spec{
	Params: []function.Parameter{{Name: "name", Type: cty.String}},
	Type:   function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		return cty.StringVal(os.Getenv(args[0].AsString())), nil
	},
})

func evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Functions: map[string]function.Function{"env": envFunc},
	}
}

// Decode parses HCL or JSON configuration data. name selects the syntax by
// its extension. JSON input rejects unknown fields.
func Decode(name string, data []byte) (Config, error) {
	var cfg Config
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, fmt.Errorf("empty configuration")
	}
	if strings.HasSuffix(name, ".json") {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}
	if err := hclsimple.Decode(name, data, evalContext(), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their default values. The proxy and
// logging blocks are created when missing.
func ApplyDefaults(cfg *Config) {
	if cfg.Proxy == nil {
		cfg.Proxy = &ProxyConfig{}
	}
	p := cfg.Proxy
	if p.Bind == "" {
		p.Bind = DefaultBind
	}
	if p.Workers == 0 {
		p.Workers = DefaultWorkers
	}
	if p.QueueSize == 0 {
		p.QueueSize = DefaultQueueSize
	}
	if p.CacheSlots == 0 {
		p.CacheSlots = DefaultCacheSlots
	}
	if p.MaxObjectSize == 0 {
		p.MaxObjectSize = DefaultMaxObjectSize
	}
	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Admin != nil && cfg.Admin.Enabled && cfg.Admin.Addr == "" {
		cfg.Admin.Addr = DefaultAdminAddr
	}
	if cfg.SSE != nil && cfg.SSE.Enabled && cfg.SSE.Addr == "" {
		cfg.SSE.Addr = DefaultSSEAddr
	}
}

// ResolvePaths updates all path fields in cfg to be absolute by joining them
// with baseDir when they are not already absolute. baseDir is resolved to its
// absolute, symlink-free form before joining, mirroring the behavior of Read.
func ResolvePaths(cfg *Config, baseDir string) error {
	if cfg == nil || cfg.Logging == nil {
		return nil
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	if l := cfg.Logging; l.AccessLog != "" && !filepath.IsAbs(l.AccessLog) {
		l.AccessLog = filepath.Join(abs, l.AccessLog)
	}
	if l := cfg.Logging; l.AccessDB != "" && !filepath.IsAbs(l.AccessDB) {
		l.AccessDB = filepath.Join(abs, l.AccessDB)
	}
	return nil
}

func resolveFile(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	absPath, err = filepath.EvalSymlinks(absPath)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	return absPath, nil
}

// Read parses the HCL configuration from path without validating it.
// Defaults are applied and relative paths are resolved against the
// configuration file's directory.
func Read(path string) (Config, error) {
	absPath, err := resolveFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := hclsimple.DecodeFile(absPath, evalContext(), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := ResolvePaths(&cfg, filepath.Dir(absPath)); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validAddr(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return false
	}
	p, err := strconv.Atoi(port)
	return err == nil && p > 0 && p <= 65535
}

// Validate checks that cfg is complete and consistent. It expects defaults
// to have been applied.
func Validate(cfg *Config) error {
	if cfg.Proxy == nil {
		return fmt.Errorf("proxy block required")
	}
	p := cfg.Proxy
	if p.Bind == "" {
		return fmt.Errorf("proxy.bind required")
	}
	if !validAddr(p.Bind) {
		return fmt.Errorf("proxy.bind invalid")
	}
	if p.Workers < 1 {
		return fmt.Errorf("proxy.workers must be >= 1")
	}
	if p.QueueSize < 1 {
		return fmt.Errorf("proxy.queue_size must be >= 1")
	}
	if p.CacheSlots < 1 {
		return fmt.Errorf("proxy.cache_slots must be >= 1")
	}
	if p.MaxObjectSize < 1 {
		return fmt.Errorf("proxy.max_object_size must be >= 1")
	}
	if strings.ContainsAny(p.UserAgent, "\r\n") {
		return fmt.Errorf("proxy.user_agent must be a single line")
	}
	if cfg.Logging != nil && cfg.Logging.Level != "" {
		if _, ok := validLevels[cfg.Logging.Level]; !ok {
			return fmt.Errorf("logging.level must be one of debug, info, warn, error")
		}
	}
	if cfg.Admin != nil && cfg.Admin.Enabled {
		if cfg.Admin.Addr == "" {
			return fmt.Errorf("admin.addr required when admin.enabled is true")
		}
		if !validAddr(cfg.Admin.Addr) {
			return fmt.Errorf("admin.addr invalid")
		}
	}
	if cfg.SSE != nil && cfg.SSE.Enabled {
		if cfg.SSE.Addr == "" {
			return fmt.Errorf("sse.addr required when sse.enabled is true")
		}
		if !validAddr(cfg.SSE.Addr) {
			return fmt.Errorf("sse.addr invalid")
		}
	}
	if cfg.Logging != nil && cfg.Logging.AccessDB != "" {
		if info, err := os.Stat(filepath.Dir(cfg.Logging.AccessDB)); err != nil {
			return fmt.Errorf("logging.access_db: %w", err)
		} else if !info.IsDir() {
			return fmt.Errorf("logging.access_db: parent is not a directory")
		}
	}
	return nil
}

// Load reads and validates the HCL configuration from path.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := Validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ReadJSON parses the JSON configuration from path without validating it.
// Defaults are applied and relative paths are resolved against the
// configuration file's directory.
func ReadJSON(path string) (Config, error) {
	absPath, err := resolveFile(path)
	if err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := Decode(absPath, data)
	if err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := ResolvePaths(&cfg, filepath.Dir(absPath)); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadJSON reads and validates the JSON configuration from path.
func LoadJSON(path string) (Config, error) {
	cfg, err := ReadJSON(path)
	if err != nil {
		return Config{}, err
	}
	if err := Validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadAny loads path as JSON when it has a .json extension and as HCL
// otherwise.
func LoadAny(path string) (Config, error) {
	if strings.HasSuffix(path, ".json") {
		return LoadJSON(path)
	}
	return Load(path)
}

// Redacted returns a copy of cfg with secrets removed, for display.
func Redacted(cfg Config) Config {
	out := cfg
	if cfg.Admin != nil {
		a := *cfg.Admin
		if a.Token != "" {
			a.Token = "REDACTED"
		}
		out.Admin = &a
	}
	return out
}

// WriteJSON writes cfg encoded as JSON to path.
func WriteJSON(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o600)
}
