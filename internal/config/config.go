// Package config loads faculty settings from YAML, environment and flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"faculty/internal/logging"
	"faculty/internal/rpc"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	Version   = "1.0"
	DirName   = ".faculty"
	FileName  = "config.yaml"
	EnvPrefix = "FACULTY"
)

type Config struct {
	Version  string         `mapstructure:"version" yaml:"version"`
	Endpoint EndpointConfig `mapstructure:"endpoint" yaml:"endpoint"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Client   ClientConfig   `mapstructure:"client" yaml:"client"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
}

type EndpointConfig struct {
	ExposeStackTraces bool           `mapstructure:"expose_stack_traces" yaml:"expose_stack_traces"`
	MaxOutboundCalls  int            `mapstructure:"max_outbound_calls" yaml:"max_outbound_calls"`
	MaxInboundCalls   int            `mapstructure:"max_inbound_calls" yaml:"max_inbound_calls"`
	DedupWindow       int            `mapstructure:"dedup_window" yaml:"dedup_window"`
	MaxLineBytes      int            `mapstructure:"max_line_bytes" yaml:"max_line_bytes"`
	Timeouts          TimeoutsConfig `mapstructure:"timeouts" yaml:"timeouts"`
	Tuning            TuningConfig   `mapstructure:"tuning" yaml:"tuning"`
}

type TimeoutsConfig struct {
	InboundCall time.Duration `mapstructure:"inbound_call" yaml:"inbound_call"`
	Loop        time.Duration `mapstructure:"loop" yaml:"loop"`
	Call        time.Duration `mapstructure:"call" yaml:"call"`
}

type TuningConfig struct {
	AckDelay       time.Duration `mapstructure:"ack_delay" yaml:"ack_delay"`
	SlowCallAck    time.Duration `mapstructure:"slow_call_ack" yaml:"slow_call_ack"`
	ResendAfter    time.Duration `mapstructure:"resend_after" yaml:"resend_after"`
	MaxResends     int           `mapstructure:"max_resends" yaml:"max_resends"`
	SlotWait       time.Duration `mapstructure:"slot_wait" yaml:"slot_wait"`
	LoopItemWait   time.Duration `mapstructure:"loop_item_wait" yaml:"loop_item_wait"`
	LoopBatchBytes int           `mapstructure:"loop_batch_bytes" yaml:"loop_batch_bytes"`
	LoopMaxLife    time.Duration `mapstructure:"loop_max_life" yaml:"loop_max_life"`
	LoopDrain      time.Duration `mapstructure:"loop_drain" yaml:"loop_drain"`
	DestroyGrace   time.Duration `mapstructure:"destroy_grace" yaml:"destroy_grace"`
}

type ServerConfig struct {
	TCPListen     string `mapstructure:"tcp_listen" yaml:"tcp_listen"`
	HTTPListen    string `mapstructure:"http_listen" yaml:"http_listen"`
	WSPath        string `mapstructure:"ws_path" yaml:"ws_path"`
	InternalToken string `mapstructure:"internal_token" yaml:"internal_token"`
	InstanceID    string `mapstructure:"instance_id" yaml:"instance_id"`
}

type ClientConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

type RedisConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	EventStream    string        `mapstructure:"event_stream" yaml:"event_stream"`
	CachePrefix    string        `mapstructure:"cache_prefix" yaml:"cache_prefix"`
	RegistryPrefix string        `mapstructure:"registry_prefix" yaml:"registry_prefix"`
	RegistryTTL    time.Duration `mapstructure:"registry_ttl" yaml:"registry_ttl"`
}

type CacheConfig struct {
	// Backend is "none", "memory" or "redis".
	Backend       string `mapstructure:"backend" yaml:"backend"`
	MemoryEntries int    `mapstructure:"memory_entries" yaml:"memory_entries"`
}

type LoadOptions struct {
	// ConfigFile overrides path resolution. A missing file is an error only
	// when it was named explicitly.
	ConfigFile string
}

func setDefaults(v *viper.Viper) {
	t := rpc.DefaultTuning()
	v.SetDefault("version", Version)
	v.SetDefault("endpoint.max_outbound_calls", rpc.DefaultMaxOutboundCalls)
	v.SetDefault("endpoint.dedup_window", rpc.DefaultDedupWindow)
	v.SetDefault("endpoint.max_line_bytes", rpc.DefaultMaxLineBytes)
	v.SetDefault("endpoint.timeouts.inbound_call", rpc.DefaultInboundTimeout)
	v.SetDefault("endpoint.timeouts.loop", rpc.DefaultLoopTimeout)
	v.SetDefault("endpoint.timeouts.call", rpc.DefaultCallTimeout)
	v.SetDefault("endpoint.tuning.ack_delay", t.AckDelay)
	v.SetDefault("endpoint.tuning.slow_call_ack", t.SlowCallAck)
	v.SetDefault("endpoint.tuning.resend_after", t.ResendAfter)
	v.SetDefault("endpoint.tuning.max_resends", t.MaxResends)
	v.SetDefault("endpoint.tuning.slot_wait", t.SlotWait)
	v.SetDefault("endpoint.tuning.loop_item_wait", t.LoopItemWait)
	v.SetDefault("endpoint.tuning.loop_batch_bytes", t.LoopBatchBytes)
	v.SetDefault("endpoint.tuning.loop_max_life", t.LoopMaxLife)
	v.SetDefault("endpoint.tuning.loop_drain", t.LoopDrain)
	v.SetDefault("endpoint.tuning.destroy_grace", t.DestroyGrace)
	v.SetDefault("server.tcp_listen", ":7400")
	v.SetDefault("server.http_listen", ":7401")
	v.SetDefault("server.ws_path", "/faculty")
	v.SetDefault("client.url", "tcp://127.0.0.1:7400")
	v.SetDefault("redis.event_stream", "faculty:events")
	v.SetDefault("redis.cache_prefix", "faculty:cache:")
	v.SetDefault("redis.registry_prefix", "faculty:peer:")
	v.SetDefault("redis.registry_ttl", 30*time.Second)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.memory_entries", 1024)
}

// Load reads the resolved config file, if any, and overlays FACULTY_*
// environment variables such as FACULTY_SERVER_TCP_LISTEN.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := ResolveConfigPath(opts.ConfigFile)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
			if !missing || opts.ConfigFile != "" {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Version != "" && c.Version != Version {
		errs = append(errs, fmt.Errorf("unsupported config version %q", c.Version))
	}
	e := c.Endpoint
	if e.MaxOutboundCalls < 0 || e.MaxInboundCalls < 0 || e.DedupWindow < 0 || e.MaxLineBytes < 0 {
		errs = append(errs, errors.New("endpoint limits must not be negative"))
	}
	if e.Tuning.MaxResends < 0 || e.Tuning.LoopBatchBytes < 0 {
		errs = append(errs, errors.New("endpoint tuning must not be negative"))
	}
	if e.Tuning.ResendAfter > 0 && e.Tuning.AckDelay >= e.Tuning.ResendAfter {
		errs = append(errs, errors.New("endpoint.tuning.ack_delay must be shorter than resend_after"))
	}
	if c.Server.WSPath != "" && !strings.HasPrefix(c.Server.WSPath, "/") {
		errs = append(errs, errors.New("server.ws_path must start with /"))
	}
	if c.Client.URL != "" {
		if _, _, err := SplitURL(c.Client.URL); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.Cache.Backend {
	case "", "none", "memory":
	case "redis":
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("cache.backend redis needs redis.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache.backend %q", c.Cache.Backend))
	}
	return errors.Join(errs...)
}

// SplitURL returns the scheme of a client URL and the address to dial:
// host:port for tcp, the URL itself for ws and wss.
func SplitURL(raw string) (scheme, addr string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid client url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "tcp":
		if u.Host == "" {
			return "", "", fmt.Errorf("invalid client url %q: missing host", raw)
		}
		return "tcp", u.Host, nil
	case "ws", "wss":
		return u.Scheme, raw, nil
	}
	return "", "", fmt.Errorf("invalid client url %q: scheme must be tcp, ws or wss", raw)
}

// EndpointOptions converts the endpoint section into rpc.Options.
func (c *Config) EndpointOptions(logger logging.Logger) rpc.Options {
	e := c.Endpoint
	return rpc.Options{
		ExposeStackTraces: e.ExposeStackTraces,
		MaxOutboundCalls:  e.MaxOutboundCalls,
		MaxInboundCalls:   e.MaxInboundCalls,
		DedupWindow:       e.DedupWindow,
		MaxLineBytes:      e.MaxLineBytes,
		Timeouts: rpc.Timeouts{
			InboundCall: e.Timeouts.InboundCall,
			Loop:        e.Timeouts.Loop,
			Call:        e.Timeouts.Call,
		},
		Tuning: rpc.Tuning{
			AckDelay:       e.Tuning.AckDelay,
			SlowCallAck:    e.Tuning.SlowCallAck,
			ResendAfter:    e.Tuning.ResendAfter,
			MaxResends:     e.Tuning.MaxResends,
			SlotWait:       e.Tuning.SlotWait,
			LoopItemWait:   e.Tuning.LoopItemWait,
			LoopBatchBytes: e.Tuning.LoopBatchBytes,
			LoopMaxLife:    e.Tuning.LoopMaxLife,
			LoopDrain:      e.Tuning.LoopDrain,
			DestroyGrace:   e.Tuning.DestroyGrace,
		},
		Logger: logger,
	}
}

// DefaultConfigPath is ~/.faculty/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(DirName, FileName)
	}
	return filepath.Join(home, DirName, FileName)
}

// ResolveConfigPath returns explicit when set. Otherwise it walks up from
// the working directory to the project root (the first directory holding
// .git or go.mod) looking for .faculty/config.yaml, and falls back to
// DefaultConfigPath.
func ResolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	wd, err := os.Getwd()
	if err != nil {
		return DefaultConfigPath()
	}
	for dir := wd; ; dir = filepath.Dir(dir) {
		candidate := filepath.Join(dir, DirName, FileName)
		if fileExists(candidate) {
			return candidate
		}
		if isProjectRoot(dir) || filepath.Dir(dir) == dir {
			break
		}
	}
	return DefaultConfigPath()
}

func isProjectRoot(dir string) bool {
	return fileExists(filepath.Join(dir, ".git")) || fileExists(filepath.Join(dir, "go.mod"))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ApplyFile validates src and copies it to dst, creating dst's directory.
func ApplyFile(src, dst string) error {
	cfg, err := Load(LoadOptions{ConfigFile: src})
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("refusing to apply invalid config: %w", err)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

// Encode writes c as YAML in the same layout Load reads.
func (c *Config) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}
