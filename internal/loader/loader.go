package loader

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/0x4D31/cacheproxy/internal/config"
)

// DefaultConfigFile is read by serve when neither --config nor --listen is
// given and the file exists.
const DefaultConfigFile = "configs/cacheproxy.hcl"

// Overrides contains CLI override values applied when a main config is loaded.
// Zero-value fields are ignored unless the corresponding Set flag is true.
type Overrides struct {
	Listen           string
	ListenSet        bool
	Workers          int
	WorkersSet       bool
	QueueSize        int
	QueueSizeSet     bool
	CacheSlots       int
	CacheSlotsSet    bool
	MaxObjectSize    int
	MaxObjectSizeSet bool
	UserAgent        string
	UserAgentSet     bool
	Coalesce         bool
	CoalesceSet      bool
	LogLevel         string
	LogLevelSet      bool
	AccessLog        string
	AccessLogSet     bool
	AccessDB         string
	AccessDBSet      bool
	AdminEnabled     bool
	AdminEnabledSet  bool
	AdminAddr        string
	AdminAddrSet     bool
	AdminToken       string
	AdminTokenSet    bool
	SSEEnabled       bool
	SSEEnabledSet    bool
	SSEAddr          string
	SSEAddrSet       bool
}

// OverridesFromFlags collects every flag explicitly set on cmd.
func OverridesFromFlags(cmd *cli.Command) Overrides {
	var ov Overrides
	if cmd.IsSet("listen") {
		ov.Listen, ov.ListenSet = cmd.String("listen"), true
	}
	if cmd.IsSet("workers") {
		ov.Workers, ov.WorkersSet = int(cmd.Int("workers")), true
	}
	if cmd.IsSet("queue-size") {
		ov.QueueSize, ov.QueueSizeSet = int(cmd.Int("queue-size")), true
	}
	if cmd.IsSet("cache-slots") {
		ov.CacheSlots, ov.CacheSlotsSet = int(cmd.Int("cache-slots")), true
	}
	if cmd.IsSet("max-object-size") {
		ov.MaxObjectSize, ov.MaxObjectSizeSet = int(cmd.Int("max-object-size")), true
	}
	if cmd.IsSet("user-agent") {
		ov.UserAgent, ov.UserAgentSet = cmd.String("user-agent"), true
	}
	if cmd.IsSet("coalesce-misses") {
		ov.Coalesce, ov.CoalesceSet = cmd.Bool("coalesce-misses"), true
	}
	if cmd.IsSet("log-level") {
		ov.LogLevel, ov.LogLevelSet = cmd.String("log-level"), true
	}
	if cmd.IsSet("access-log") {
		ov.AccessLog, ov.AccessLogSet = cmd.String("access-log"), true
	}
	if cmd.IsSet("access-db") {
		ov.AccessDB, ov.AccessDBSet = cmd.String("access-db"), true
	}
	if cmd.IsSet("enable-admin") {
		ov.AdminEnabled, ov.AdminEnabledSet = cmd.Bool("enable-admin"), true
	}
	if cmd.IsSet("admin-addr") {
		ov.AdminAddr, ov.AdminAddrSet = cmd.String("admin-addr"), true
	}
	if cmd.IsSet("admin-token") {
		ov.AdminToken, ov.AdminTokenSet = cmd.String("admin-token"), true
	}
	if cmd.IsSet("enable-sse") {
		ov.SSEEnabled, ov.SSEEnabledSet = cmd.Bool("enable-sse"), true
	}
	if cmd.IsSet("sse-addr") {
		ov.SSEAddr, ov.SSEAddrSet = cmd.String("sse-addr"), true
	}
	return ov
}

// AbsFromCWD resolves p against the current working directory when not
// already absolute and returns a canonical absolute path.
func AbsFromCWD(p string) (string, error) {
	if p == "" || filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	abs := filepath.Join(wd, p)
	abs, err = filepath.Abs(abs)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(abs)
	dir, err = filepath.EvalSymlinks(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Base(abs)), nil
}

// LoadMain reads and validates the configuration at path. Files ending in
// .json are decoded as JSON, everything else as HCL.
func LoadMain(path string) (config.Config, error) {
	return config.LoadAny(path)
}

// Merge applies CLI overrides to cfg according to precedence rules: a flag
// that was set wins over the file, the file wins over built-in defaults.
func Merge(cfg *config.Config, ov Overrides) error {
	if cfg.Proxy == nil {
		cfg.Proxy = &config.ProxyConfig{}
	}
	p := cfg.Proxy
	if ov.ListenSet {
		p.Bind = ov.Listen
	}
	if ov.WorkersSet {
		p.Workers = ov.Workers
	}
	if ov.QueueSizeSet {
		p.QueueSize = ov.QueueSize
	}
	if ov.CacheSlotsSet {
		p.CacheSlots = ov.CacheSlots
	}
	if ov.MaxObjectSizeSet {
		p.MaxObjectSize = ov.MaxObjectSize
	}
	if ov.UserAgentSet {
		p.UserAgent = ov.UserAgent
	}
	if ov.CoalesceSet {
		p.CoalesceMisses = ov.Coalesce
	}

	if cfg.Logging == nil {
		cfg.Logging = &config.LoggingConfig{}
	}
	if ov.LogLevelSet {
		cfg.Logging.Level = ov.LogLevel
	}
	if ov.AccessLogSet {
		path, err := AbsFromCWD(ov.AccessLog)
		if err != nil {
			return err
		}
		cfg.Logging.AccessLog = path
	}
	if ov.AccessDBSet {
		path, err := AbsFromCWD(ov.AccessDB)
		if err != nil {
			return err
		}
		cfg.Logging.AccessDB = path
	}

	if cfg.Admin == nil {
		cfg.Admin = &config.AdminConfig{}
	}
	if ov.AdminEnabledSet {
		cfg.Admin.Enabled = ov.AdminEnabled
		if !cfg.Admin.Enabled {
			cfg.Admin.Addr = ""
		}
	}
	if ov.AdminAddrSet {
		cfg.Admin.Addr = ov.AdminAddr
	}
	if ov.AdminTokenSet {
		cfg.Admin.Token = ov.AdminToken
	}

	if cfg.SSE == nil {
		cfg.SSE = &config.SSEConfig{}
	}
	if ov.SSEEnabledSet {
		cfg.SSE.Enabled = ov.SSEEnabled
		if !cfg.SSE.Enabled {
			cfg.SSE.Addr = ""
		}
	}
	if ov.SSEAddrSet {
		cfg.SSE.Addr = ov.SSEAddr
	}

	config.ApplyDefaults(cfg)
	return config.Validate(cfg)
}

// SynthesiseFromFlags builds a config for quick mode from a cli.Command,
// without reading any file.
func SynthesiseFromFlags(cmd *cli.Command) (config.Config, error) {
	cfg := config.Config{}
	if err := Merge(&cfg, OverridesFromFlags(cmd)); err != nil {
		return config.Config{}, fmt.Errorf("flags: %w", err)
	}
	return cfg, nil
}
