// Package config loads the psnpool configuration file. TOML is the native
// format; files ending in .yaml or .yml are read as YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/go-i2p/psnpool/lib/pool"
	"github.com/go-i2p/psnpool/lib/proxy"
	"github.com/go-i2p/psnpool/lib/psn"
	"github.com/go-i2p/psnpool/lib/session"
	"github.com/go-i2p/psnpool/lib/validation"
)

// Default configuration values
const (
	DefaultMetricsListen  = "127.0.0.1:9464"
	DefaultStoreFile      = "tokens.db"
	DefaultRequestTimeout = 30 * time.Second
	DefaultWaitTimeout    = 30 * time.Second
	DefaultProbeTimeout   = 10 * time.Second
	DefaultCacheTTL       = 10 * time.Minute
	DefaultCacheMaxCost   = 64 << 20
)

// Config holds all configuration for psnpool.
type Config struct {
	Client   ClientConfig       `toml:"client" yaml:"client"`
	Sessions PoolConfig         `toml:"sessions" yaml:"sessions"`
	Proxies  PoolConfig         `toml:"proxies" yaml:"proxies"`
	Probe    ProbeConfig        `toml:"probe" yaml:"probe"`
	Cache    CacheConfig        `toml:"cache" yaml:"cache"`
	Store    StoreConfig        `toml:"store" yaml:"store"`
	Metrics  MetricsConfig      `toml:"metrics" yaml:"metrics"`
	Accounts []AccountConfig    `toml:"accounts,omitempty" yaml:"accounts,omitempty"`
	Proxy    []proxy.Descriptor `toml:"proxy,omitempty" yaml:"proxy,omitempty"`
}

// ClientConfig contains settings for outbound API calls.
type ClientConfig struct {
	// DataDir is where the token store lives
	DataDir string `toml:"data_dir" yaml:"data_dir"`
	// UserAgent overrides the User-Agent header
	UserAgent string `toml:"user_agent,omitempty" yaml:"user_agent,omitempty"`
	// RequestTimeout bounds one API call
	RequestTimeout Duration `toml:"request_timeout" yaml:"request_timeout"`
	// RequestsPerSecond paces calls per account; zero disables pacing
	RequestsPerSecond float64 `toml:"requests_per_second" yaml:"requests_per_second"`
	// Burst is how many calls an account may make back to back
	Burst int `toml:"burst" yaml:"burst"`
	// StaleAfter overrides how long an access token is used before refresh
	StaleAfter Duration `toml:"stale_after,omitempty" yaml:"stale_after,omitempty"`
}

// PoolConfig mirrors pool.Config for one pool.
type PoolConfig struct {
	// MaxSize of zero sizes the pool from the configured entries
	MaxSize      int      `toml:"max_size" yaml:"max_size"`
	MinIdle      int      `toml:"min_idle" yaml:"min_idle"`
	AlwaysCheck  bool     `toml:"always_check" yaml:"always_check"`
	IdleTimeout  Duration `toml:"idle_timeout" yaml:"idle_timeout"`
	MaxLifetime  Duration `toml:"max_lifetime" yaml:"max_lifetime"`
	WaitTimeout  Duration `toml:"wait_timeout" yaml:"wait_timeout"`
	ReapInterval Duration `toml:"reap_interval" yaml:"reap_interval"`
}

// ProbeConfig contains proxy health settings.
type ProbeConfig struct {
	// Marker is fetched through a proxy to check it still works
	Marker  string   `toml:"marker" yaml:"marker"`
	Timeout Duration `toml:"timeout" yaml:"timeout"`
	// FailureThreshold consecutive failures retire a proxy; zero disables
	FailureThreshold int      `toml:"failure_threshold" yaml:"failure_threshold"`
	Cooldown         Duration `toml:"cooldown" yaml:"cooldown"`
}

// CacheConfig contains settings for the store response cache.
type CacheConfig struct {
	// TTL of zero disables the cache
	TTL     Duration `toml:"ttl" yaml:"ttl"`
	MaxCost int64    `toml:"max_cost" yaml:"max_cost"`
}

// StoreConfig contains token store settings.
type StoreConfig struct {
	// Enabled controls whether rotated tokens are persisted
	Enabled bool `toml:"enabled" yaml:"enabled"`
	// Path is the SQLite file, relative to DataDir unless absolute
	Path string `toml:"path" yaml:"path"`
}

// MetricsConfig contains Prometheus exporter settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" yaml:"listen"`
}

// AccountConfig seeds one session.
type AccountConfig struct {
	OnlineID     string `toml:"online_id" yaml:"online_id"`
	AccountID    string `toml:"account_id,omitempty" yaml:"account_id,omitempty"`
	Region       string `toml:"region,omitempty" yaml:"region,omitempty"`
	Language     string `toml:"language,omitempty" yaml:"language,omitempty"`
	NPSSO        string `toml:"npsso,omitempty" yaml:"npsso,omitempty"`
	RefreshToken string `toml:"refresh_token,omitempty" yaml:"refresh_token,omitempty"`
}

// Session returns a new unauthenticated session for the account.
func (a AccountConfig) Session() *session.Session {
	s := session.New(a.OnlineID)
	if a.Region != "" {
		s.Region = a.Region
	}
	if a.Language != "" {
		s.Language = a.Language
	}
	s.AccountID = a.AccountID
	s.NPSSO = a.NPSSO
	s.RefreshToken = a.RefreshToken
	return s
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".psnpool")

	return &Config{
		Client: ClientConfig{
			DataDir:        dataDir,
			RequestTimeout: Duration(DefaultRequestTimeout),
			Burst:          1,
		},
		Sessions: PoolConfig{
			AlwaysCheck: true,
			WaitTimeout: Duration(DefaultWaitTimeout),
		},
		Proxies: PoolConfig{
			AlwaysCheck: true,
			WaitTimeout: Duration(DefaultWaitTimeout),
		},
		Probe: ProbeConfig{
			Marker:  proxy.DefaultMarker,
			Timeout: Duration(DefaultProbeTimeout),
		},
		Cache: CacheConfig{
			TTL:     Duration(DefaultCacheTTL),
			MaxCost: DefaultCacheMaxCost,
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    DefaultStoreFile,
		},
		Metrics: MetricsConfig{
			Listen: DefaultMetricsListen,
		},
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadConfig reads configuration from a TOML or YAML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.WithField("path", path).Debug("no config file, using defaults")
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log.WithField("path", path).
		WithField("accounts", len(cfg.Accounts)).
		WithField("proxies", len(cfg.Proxy)).
		Debug("config loaded")
	return cfg, nil
}

// SaveConfig writes the configuration in the format its extension names.
// It creates the parent directory if it doesn't exist.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = toml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	// Accounts may carry npsso codes and refresh tokens.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

func (p PoolConfig) validate(section string) error {
	if p.MaxSize < 0 {
		return fmt.Errorf("%s.max_size must not be negative", section)
	}
	if p.MinIdle < 0 {
		return fmt.Errorf("%s.min_idle must not be negative", section)
	}
	if p.MaxSize > 0 && p.MinIdle > p.MaxSize {
		return fmt.Errorf("%s.min_idle must not exceed max_size", section)
	}
	if p.IdleTimeout < 0 || p.MaxLifetime < 0 || p.WaitTimeout < 0 || p.ReapInterval < 0 {
		return fmt.Errorf("%s durations must not be negative", section)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Client.DataDir == "" {
		return errors.New("client.data_dir is required")
	}
	if c.Client.RequestTimeout <= 0 {
		return errors.New("client.request_timeout must be positive")
	}
	if c.Client.RequestsPerSecond < 0 {
		return errors.New("client.requests_per_second must not be negative")
	}
	if c.Client.RequestsPerSecond > 0 && c.Client.Burst < 1 {
		return errors.New("client.burst must be at least 1 when pacing is enabled")
	}
	if err := c.Sessions.validate("sessions"); err != nil {
		return err
	}
	if !c.Sessions.AlwaysCheck {
		return errors.New("sessions.always_check cannot be disabled; stale tokens are refreshed on checkout")
	}
	if err := c.Proxies.validate("proxies"); err != nil {
		return err
	}
	if c.Probe.Marker == "" {
		return errors.New("probe.marker is required")
	}
	if c.Probe.FailureThreshold < 0 {
		return errors.New("probe.failure_threshold must not be negative")
	}
	if c.Cache.TTL < 0 || c.Cache.MaxCost < 0 {
		return errors.New("cache.ttl and cache.max_cost must not be negative")
	}
	if c.Store.Enabled && c.Store.Path == "" {
		return errors.New("store.path is required when the store is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return errors.New("metrics.listen is required when metrics are enabled")
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if err := validation.OnlineID(fmt.Sprintf("accounts[%d].online_id", i), a.OnlineID); err != nil {
			return err
		}
		key := a.Session().Key()
		if seen[key] {
			return fmt.Errorf("accounts[%d]: duplicate account %q", i, key)
		}
		seen[key] = true
	}
	for i, d := range c.Proxy {
		if err := validation.ProxyAddress(fmt.Sprintf("proxy[%d].address", i), d.Address); err != nil {
			return err
		}
	}
	return nil
}

// DataPath returns an absolute path within the data directory.
func (c *Config) DataPath(elem ...string) string {
	parts := append([]string{c.Client.DataDir}, elem...)
	return filepath.Join(parts...)
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.Client.DataDir, 0o700)
}

// StorePath returns the token store file.
func (c *Config) StorePath() string {
	if filepath.IsAbs(c.Store.Path) {
		return c.Store.Path
	}
	return c.DataPath(c.Store.Path)
}

// Pool converts p into a pool.Config named name.
func (p PoolConfig) Pool(name string) pool.Config {
	return pool.Config{
		Name:         name,
		MaxSize:      p.MaxSize,
		MinIdle:      p.MinIdle,
		AlwaysCheck:  p.AlwaysCheck,
		IdleTimeout:  p.IdleTimeout.Std(),
		MaxLifetime:  p.MaxLifetime.Std(),
		WaitTimeout:  p.WaitTimeout.Std(),
		ReapInterval: p.ReapInterval.Std(),
	}
}

// ProxyConfig converts the probe section into a proxy.Config.
func (c *Config) ProxyConfig() proxy.Config {
	return proxy.Config{
		Marker:           c.Probe.Marker,
		ProbeTimeout:     c.Probe.Timeout.Std(),
		RequestTimeout:   c.Client.RequestTimeout.Std(),
		FailureThreshold: c.Probe.FailureThreshold,
		Cooldown:         c.Probe.Cooldown.Std(),
	}
}

// PSN converts the configuration into a psn.Config. Refresher and
// TokenSink are left for the caller to set.
func (c *Config) PSN() psn.Config {
	cfg := psn.DefaultConfig()
	cfg.Sessions = c.Sessions.Pool("sessions")
	cfg.Proxies = c.Proxies.Pool("proxies")
	cfg.Proxy = c.ProxyConfig()
	cfg.RequestTimeout = c.Client.RequestTimeout.Std()
	cfg.UserAgent = c.Client.UserAgent
	cfg.StaleAfter = c.Client.StaleAfter.Std()
	cfg.RequestsPerSecond = c.Client.RequestsPerSecond
	cfg.Burst = c.Client.Burst
	cfg.StoreCacheTTL = c.Cache.TTL.Std()
	cfg.StoreCacheMaxCost = c.Cache.MaxCost
	return cfg
}

// SessionList returns a fresh session per configured account.
func (c *Config) SessionList() []*session.Session {
	out := make([]*session.Session, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		out = append(out, a.Session())
	}
	return out
}
