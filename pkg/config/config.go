// Package config loads the gateway configuration from the environment and an
// optional YAML file describing the routed APIs and background asset
// families.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultXHRTimeout is the application timeout, in milliseconds, of an API
// that declares none.
const DefaultXHRTimeout = 3000

// Config is the complete gateway configuration.
type Config struct {
	ListenAddr   string
	UpstreamURL  string
	RedisAddr    string
	RedisDB      int
	CacheName    string
	StorePath    string
	ConfigFile   string
	LogLevel     string
	LogPretty    bool
	SyncInterval time.Duration
	MaxBodyBytes int64
	CacheMaxAge  time.Duration

	APIs        []API
	Backgrounds []Background
}

// API declares one routed backend endpoint.
type API struct {
	Name string `yaml:"name"`

	// XHRPath is the path prefix of the API.
	XHRPath string `yaml:"xhrPath"`

	// XHRTimeout is the application's request timeout in milliseconds.
	XHRTimeout int `yaml:"xhrTimeout"`
}

// Timeout returns XHRTimeout as a duration.
func (a API) Timeout() time.Duration {
	return time.Duration(a.XHRTimeout) * time.Millisecond
}

// Background declares a family of interchangeable assets on a third-party
// origin.
type Background struct {
	Prefix    string   `yaml:"prefix"`
	Origin    string   `yaml:"origin"`
	Names     []string `yaml:"names"`
	CacheName string   `yaml:"cacheName"`
	Workers   int      `yaml:"workers"`
}

// File is the layout of the YAML configuration file.
type File struct {
	APIs        []API        `yaml:"apis"`
	Backgrounds []Background `yaml:"backgrounds"`
}

// envConfig holds raw environment values.
type envConfig struct {
	ListenAddr   string        `env:"LISTEN_ADDR" envDefault:":8080"`
	UpstreamURL  string        `env:"UPSTREAM_URL"`
	RedisAddr    string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB      int           `env:"REDIS_DB" envDefault:"0"`
	CacheName    string        `env:"CACHE_NAME" envDefault:"swcache"`
	StorePath    string        `env:"STORE_PATH" envDefault:"swcache.db"`
	ConfigFile   string        `env:"CONFIG_FILE"`
	LogLevel     string        `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty    bool          `env:"LOG_PRETTY" envDefault:"false"`
	SyncInterval time.Duration `env:"SYNC_INTERVAL" envDefault:"1m"`
	MaxBodyBytes int64         `env:"MAX_BODY_BYTES" envDefault:"1048576"`
	CacheMaxAge  time.Duration `env:"CACHE_MAX_AGE" envDefault:"0s"`
}

// DefaultAPIs is used when the configuration file declares no API.
func DefaultAPIs() []API {
	return []API{{Name: "api", XHRPath: "/api", XHRTimeout: DefaultXHRTimeout}}
}

// Load reads the environment and, if CONFIG_FILE is set, the YAML file it
// names. The result is not validated.
func Load() (*Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg := &Config{
		ListenAddr:   raw.ListenAddr,
		UpstreamURL:  raw.UpstreamURL,
		RedisAddr:    raw.RedisAddr,
		RedisDB:      raw.RedisDB,
		CacheName:    raw.CacheName,
		StorePath:    raw.StorePath,
		ConfigFile:   raw.ConfigFile,
		LogLevel:     raw.LogLevel,
		LogPretty:    raw.LogPretty,
		SyncInterval: raw.SyncInterval,
		MaxBodyBytes: raw.MaxBodyBytes,
		CacheMaxAge:  raw.CacheMaxAge,
	}

	if cfg.ConfigFile != "" {
		file, err := LoadFile(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg.APIs = file.APIs
		cfg.Backgrounds = file.Backgrounds
	}
	if len(cfg.APIs) == 0 {
		cfg.APIs = DefaultAPIs()
	}

	return cfg, nil
}

// LoadFile loads the YAML configuration file at path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	// Set defaults
	for i := range file.APIs {
		if file.APIs[i].XHRTimeout == 0 {
			file.APIs[i].XHRTimeout = DefaultXHRTimeout
		}
		if file.APIs[i].Name == "" {
			file.APIs[i].Name = file.APIs[i].XHRPath
		}
	}

	return &file, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if err := absoluteURL("upstream URL", c.UpstreamURL); err != nil {
		return err
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("redis address is required")
	}
	if c.CacheName == "" {
		return fmt.Errorf("cache name is required")
	}
	if c.StorePath == "" {
		return fmt.Errorf("store path is required")
	}
	if c.SyncInterval < 0 {
		return fmt.Errorf("invalid sync interval: %v", c.SyncInterval)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("invalid max body bytes: %d", c.MaxBodyBytes)
	}
	if c.CacheMaxAge < 0 {
		return fmt.Errorf("invalid cache max age: %v", c.CacheMaxAge)
	}

	if len(c.APIs) == 0 {
		return fmt.Errorf("at least one API is required")
	}
	paths := make(map[string]bool)
	for _, api := range c.APIs {
		if api.XHRPath == "" || api.XHRPath[0] != '/' {
			return fmt.Errorf("api %q: xhrPath must start with /, got %q", api.Name, api.XHRPath)
		}
		if api.XHRTimeout <= 0 {
			return fmt.Errorf("api %q: xhrTimeout must be positive, got %d", api.Name, api.XHRTimeout)
		}
		if paths[api.XHRPath] {
			return fmt.Errorf("api %q: duplicate xhrPath %s", api.Name, api.XHRPath)
		}
		paths[api.XHRPath] = true
	}

	for _, bg := range c.Backgrounds {
		if bg.Prefix == "" || bg.Prefix[0] != '/' {
			return fmt.Errorf("background prefix must start with /, got %q", bg.Prefix)
		}
		if paths[bg.Prefix] {
			return fmt.Errorf("background %s: prefix already routed", bg.Prefix)
		}
		paths[bg.Prefix] = true
		if err := absoluteURL("background "+bg.Prefix+" origin", bg.Origin); err != nil {
			return err
		}
		if len(bg.Names) == 0 {
			return fmt.Errorf("background %s: names are required", bg.Prefix)
		}
	}

	return nil
}

func absoluteURL(what, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", what)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", what, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL, got %q", what, raw)
	}
	return nil
}
